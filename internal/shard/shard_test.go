package shard

import "testing"

func TestOf_Stable(t *testing.T) {
	for _, key := range []string{"example.com", "www.example.com", ""} {
		a, b := Of(key, 64), Of(key, 64)
		if a != b {
			t.Errorf("expected stable stripe for %q, got %d and %d", key, a, b)
		}
		if a < 0 || a >= 64 {
			t.Errorf("stripe %d out of range for %q", a, key)
		}
	}
	if Of("anything", 1) != 0 {
		t.Error("expected single stripe to always be 0")
	}
}

func TestNormalize(t *testing.T) {
	if Normalize(0) != DefaultCount {
		t.Errorf("expected default count, got %d", Normalize(0))
	}
	if Normalize(8) != 8 {
		t.Errorf("expected 8, got %d", Normalize(8))
	}
}
