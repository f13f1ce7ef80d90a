package application

import (
	"math"
	"strings"

	"admission-gateway/middleware/ratelimit/domain"
)

// HeaderGetter é satisfeito por http.Header sem importar net/http.
type HeaderGetter interface {
	Get(key string) string
}

const botThreshold = 40

var (
	botSignatures = []string{
		"bot", "crawler", "spider", "scraper", "curl", "wget",
		"python-requests", "headless", "phantomjs", "selenium",
	}
	browserHeaders = []string{"Accept", "Accept-Language", "Accept-Encoding"}
	proxyHeaders   = []string{"Via", "Forwarded", "X-Forwarded-For", "X-Forwarded-Host", "X-Real-IP"}
)

// DetectBotPatterns pontua o user agent e os headers de forma aditiva.
// isBot quando score >= 40; confidence = min(score/100, 1).
func DetectBotPatterns(userAgent string, headers HeaderGetter) domain.BotVerdict {
	score := 0
	var reasons []string

	ua := strings.ToLower(userAgent)
	for _, sig := range botSignatures {
		if strings.Contains(ua, sig) {
			score += 30
			reasons = append(reasons, "bot signature in user agent: "+sig)
		}
	}
	if len(userAgent) < 10 {
		score += 20
		reasons = append(reasons, "user agent too short")
	}
	if !strings.Contains(ua, "mozilla") && !strings.Contains(ua, "webkit") {
		score += 15
		reasons = append(reasons, "user agent lacks browser tokens")
	}

	if headers != nil {
		for _, h := range browserHeaders {
			if headers.Get(h) == "" {
				score += 10
				reasons = append(reasons, "missing header: "+strings.ToLower(h))
			}
		}
		proxies := 0
		for _, h := range proxyHeaders {
			if headers.Get(h) != "" {
				proxies++
			}
		}
		if proxies > 1 {
			score += 10
			reasons = append(reasons, "multiple proxy headers")
		}
	}

	return domain.BotVerdict{
		IsBot:      score >= botThreshold,
		Confidence: math.Min(float64(score)/100, 1),
		Reasons:    reasons,
	}
}

// DetectBotPatterns é exposto no manager para quem só tem a instância.
func (m *SecurityManager) DetectBotPatterns(userAgent string, headers HeaderGetter) domain.BotVerdict {
	return DetectBotPatterns(userAgent, headers)
}
