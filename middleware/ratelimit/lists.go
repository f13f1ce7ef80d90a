package ratelimit

import (
	"fmt"
	"net/netip"
	"strings"
)

// IPList casa identificadores exatos ou IPs dentro de faixas CIDR.
// O valor zero (ou nil) não contém nada.
type IPList struct {
	exact    map[string]struct{}
	prefixes []netip.Prefix
}

func NewIPList(entries []string) (*IPList, error) {
	l := &IPList{exact: make(map[string]struct{}, len(entries))}
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		if strings.Contains(e, "/") {
			p, err := netip.ParsePrefix(e)
			if err != nil {
				return nil, fmt.Errorf("invalid CIDR %q: %w", e, err)
			}
			l.prefixes = append(l.prefixes, p.Masked())
			continue
		}
		l.exact[e] = struct{}{}
	}
	return l, nil
}

func (l *IPList) Contains(identifier string) bool {
	if l == nil {
		return false
	}
	if _, ok := l.exact[identifier]; ok {
		return true
	}
	if len(l.prefixes) == 0 {
		return false
	}
	addr, err := netip.ParseAddr(identifier)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range l.prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

func (l *IPList) Len() int {
	if l == nil {
		return 0
	}
	return len(l.exact) + len(l.prefixes)
}

// matchUserAgent procura qualquer item da lista (sem diferenciar maiúsculas) no user agent.
func matchUserAgent(ua string, blocked []string) (string, bool) {
	if ua == "" || len(blocked) == 0 {
		return "", false
	}
	low := strings.ToLower(ua)
	for _, b := range blocked {
		if b != "" && strings.Contains(low, strings.ToLower(b)) {
			return b, true
		}
	}
	return "", false
}
