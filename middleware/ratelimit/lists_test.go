package ratelimit

import (
	"testing"
)

func TestIPList_ExactAndCIDR(t *testing.T) {
	l, err := NewIPList([]string{"user-1", " 10.0.0.0/8 ", "2001:db8::/32", "192.168.1.10"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	cases := map[string]bool{
		"user-1":          true,
		"user-2":          false,
		"10.20.30.40":     true,
		"11.0.0.1":        false,
		"192.168.1.10":    true,
		"192.168.1.11":    false,
		"2001:db8::1":     true,
		"::ffff:10.1.1.1": true,
		"unknown":         false,
	}
	for id, want := range cases {
		if got := l.Contains(id); got != want {
			t.Fatalf("Contains(%q) = %v, want %v", id, got, want)
		}
	}
	if l.Len() != 4 {
		t.Fatalf("expected 4 entries, got %d", l.Len())
	}
}

func TestIPList_InvalidCIDR(t *testing.T) {
	if _, err := NewIPList([]string{"10.0.0.0/99"}); err == nil {
		t.Fatalf("expected error for invalid CIDR")
	}
}

func TestIPList_NilContainsNothing(t *testing.T) {
	var l *IPList
	if l.Contains("10.0.0.1") {
		t.Fatalf("nil list must not contain anything")
	}
}

func TestMatchUserAgent(t *testing.T) {
	blocked := []string{"sqlmap", "Nikto"}

	if _, ok := matchUserAgent("sqlmap/1.7", blocked); !ok {
		t.Fatalf("expected sqlmap to match")
	}
	if m, ok := matchUserAgent("Mozilla/5.0 (nikto scan)", blocked); !ok || m != "Nikto" {
		t.Fatalf("expected case-insensitive match, got %q %v", m, ok)
	}
	if _, ok := matchUserAgent("Mozilla/5.0", blocked); ok {
		t.Fatalf("unexpected match")
	}
	if _, ok := matchUserAgent("", blocked); ok {
		t.Fatalf("empty user agent must not match")
	}
}
