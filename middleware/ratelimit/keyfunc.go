package ratelimit

import (
	"net"
	"net/http"
	"strings"
)

type KeyFunc func(r *http.Request) string

// Headers de proxy na ordem de prioridade: CDN > real IP > primeiro do X-Forwarded-For.
const (
	headerCDNIP     = "CF-Connecting-IP"
	headerRealIP    = "X-Real-IP"
	headerForwarded = "X-Forwarded-For"
)

// DefaultKeyFunc identifica o chamador.
//
// Ordem: keyHeader (usuário autenticado) > headers de proxy (quando
// trustProxy) > host do RemoteAddr > "unknown".
func DefaultKeyFunc(keyHeader string, trustProxy bool) KeyFunc {
	return func(r *http.Request) string {
		if keyHeader != "" {
			if v := strings.TrimSpace(r.Header.Get(keyHeader)); v != "" {
				return v
			}
		}
		return ClientIP(r, trustProxy)
	}
}

// ClientIP é a identidade de rede do chamador, ignorando headers de usuário.
// Headers de proxy só contam com trustProxy.
func ClientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		for _, h := range []string{headerCDNIP, headerRealIP} {
			if v := strings.TrimSpace(r.Header.Get(h)); v != "" {
				return v
			}
		}
		// pega o primeiro IP do X-Forwarded-For (cliente original)
		if xff := r.Header.Get(headerForwarded); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
	}

	// fallback: RemoteAddr
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err == nil && host != "" {
		return host
	}
	if r.RemoteAddr != "" {
		return r.RemoteAddr
	}
	return "unknown"
}
