package extract

import (
	"testing"
)

func TestNormalizeHost(t *testing.T) {
	tests := map[string]string{
		"www.example.com":                "www.example.com",
		"  WWW.Example.COM. ":            "www.example.com",
		"https://api.example.com:8443/x": "api.example.com",
		"api.example.com:443":            "api.example.com",
		"http://[2001:db8::1]:80/":       "2001:db8::1",
		"testphp.vulnweb.com/login.php":  "testphp.vulnweb.com",
		"":                               "",
	}
	for in, want := range tests {
		if got := NormalizeHost(in); got != want {
			t.Errorf("NormalizeHost(%q): expected %q, got %q", in, want, got)
		}
	}
}

func TestApex(t *testing.T) {
	tests := map[string]string{
		"www.example.com":   "example.com",
		"a.b.example.co.uk": "example.co.uk",
		"example.com":       "example.com",
		"SCANME.nmap.org.":  "nmap.org",
		"10.0.0.1":          "10.0.0.1",
		"localhost":         "localhost",
	}
	for in, want := range tests {
		if got := Apex(in); got != want {
			t.Errorf("Apex(%q): expected %q, got %q", in, want, got)
		}
	}
}

func TestInScope(t *testing.T) {
	tests := []struct {
		scope, host string
		want        bool
	}{
		{"example.com", "example.com", true},
		{"example.com", "https://API.example.com:8443/x", true},
		{"Example.com.", "www.example.com.", true},
		{"example.com", "notexample.com", false},
		{"example.com", "example.com.attacker.net", false},
		{"example.com", "example.org", false},
		{"", "example.com", false},
	}
	for _, tt := range tests {
		if got := InScope(tt.scope, tt.host); got != tt.want {
			t.Errorf("InScope(%q, %q): expected %v, got %v", tt.scope, tt.host, tt.want, got)
		}
	}
}
