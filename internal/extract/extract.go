package extract

import (
	"net"
	"net/url"
	"strings"

	"golang.org/x/net/publicsuffix"
)

// NormalizeHost reduces scanner-supplied host strings ("HTTPS://WWW.Example.com:8443/",
// "www.example.com.") to a bare lower-case host name.
func NormalizeHost(raw string) string {
	h := strings.TrimSpace(raw)
	if strings.Contains(h, "://") {
		if u, err := url.Parse(h); err == nil && u.Host != "" {
			h = u.Host
		}
	}
	if i := strings.IndexByte(h, '/'); i >= 0 {
		h = h[:i]
	}
	if host, _, err := net.SplitHostPort(h); err == nil {
		h = host
	}
	return strings.TrimSuffix(strings.ToLower(h), ".")
}

// Apex returns the registrable domain of host, or the host itself when it
// has none (IP literals, single labels).
func Apex(host string) string {
	h := NormalizeHost(host)
	if net.ParseIP(h) != nil {
		return h
	}
	if e, err := publicsuffix.EffectiveTLDPlusOne(h); err == nil {
		return e
	}
	return h
}

// InScope reports whether host is scope itself or a name beneath it.
// Look-alikes such as "notexample.com" or "example.com.evil.net" are out.
func InScope(scope, host string) bool {
	sc, h := NormalizeHost(scope), NormalizeHost(host)
	if sc == "" || h == "" {
		return false
	}
	return h == sc || strings.HasSuffix(h, "."+sc)
}
