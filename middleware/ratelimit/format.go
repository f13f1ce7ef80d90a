package ratelimit

import (
	"encoding/json"
	"net/http"
	"strconv"

	"admission-gateway/middleware/ratelimit/domain"
)

// Headers do contrato de decisão.
const (
	HeaderLimit           = "X-RateLimit-Limit"
	HeaderRemaining       = "X-RateLimit-Remaining"
	HeaderReset           = "X-RateLimit-Reset"
	HeaderReason          = "X-RateLimit-Reason"
	HeaderStatus          = "X-RateLimit-Status"
	HeaderFallback        = "X-RateLimit-Fallback"
	HeaderCaptchaRequired = "X-RateLimit-Captcha-Required"
	HeaderRetryAfter      = "Retry-After"
)

func formatInt64(v int64) string { return strconv.FormatInt(v, 10) }

// writeDecisionHeaders escreve limit/remaining/reset (epoch ms) e, na negação,
// Retry-After (segundos) e o motivo.
func writeDecisionHeaders(h http.Header, res domain.Result) {
	h.Set(HeaderLimit, formatInt64(res.Limit))
	h.Set(HeaderRemaining, formatInt64(res.Remaining))
	h.Set(HeaderReset, formatInt64(res.ResetTime.UnixMilli()))

	if res.Fallback {
		h.Set(HeaderStatus, "error")
		h.Set(HeaderFallback, "true")
	}
	if !res.Success {
		h.Set(HeaderRetryAfter, formatInt64(res.RetryAfter))
		h.Set(HeaderReason, res.Reason)
	}
}

// denialBody é o payload JSON das respostas 429/403.
type denialBody struct {
	Error       string `json:"error"`
	Reason      string `json:"reason"`
	RetryAfter  int64  `json:"retryAfter,omitempty"`
	ChallengeID string `json:"challengeId,omitempty"`
	Question    string `json:"question,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
