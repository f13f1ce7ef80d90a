package config

import (
	"time"

	"admission-gateway/middleware/ratelimit/domain"
)

func window(interval time.Duration, limit int64) domain.Window {
	return domain.Window{Interval: interval, Limit: limit}
}

// Default devolve uma configuração funcional para uma loja virtual típica.
func Default() *Config {
	return &Config{
		Backend: domain.BackendMemory,
		Redis:   RedisConfig{Addr: "localhost:6379", Prefix: "admission"},

		DefaultRule: domain.Rule{
			Name:    "default",
			Windows: []domain.Window{window(time.Minute, 100)},
		},
		Rules: []RuleConfig{
			{Pattern: "/api/auth/*", Rule: domain.Rule{
				Name:           "auth",
				Windows:        []domain.Window{window(15*time.Minute, 5), window(time.Hour, 20)},
				SkipSuccessful: true,
			}},
			{Pattern: "/api/products*", Rule: domain.Rule{
				Name:    "products",
				Windows: []domain.Window{window(time.Minute, 200)},
			}},
			{Pattern: "/api/search*", Rule: domain.Rule{
				Name:      "search",
				Algorithm: domain.AlgorithmSliding,
				Windows:   []domain.Window{window(time.Minute, 60)},
			}},
			{Pattern: "/api/orders*", Rule: domain.Rule{
				Name:    "orders",
				Windows: []domain.Window{window(time.Minute, 30), window(time.Hour, 300)},
			}},
			{Pattern: "/api/payments/*", Rule: domain.Rule{
				Name:      "payments",
				Algorithm: domain.AlgorithmTokenBucket,
				Windows:   []domain.Window{window(time.Minute, 10)},
			}},
			{Pattern: "/api/admin/*", Rule: domain.Rule{
				Name:    "admin",
				Windows: []domain.Window{window(time.Minute, 50)},
			}},
		},
		Tiers: map[string][]domain.Window{
			"free":    {window(time.Hour, 1000)},
			"premium": {window(time.Hour, 10000)},
			"admin":   {window(time.Minute, 10000)},
		},
		Backoff: domain.Backoff{
			Enabled:    true,
			Threshold:  3,
			BaseDelay:  time.Minute,
			Multiplier: 2,
			MaxDelay:   time.Hour,
		},

		Security: SecurityConfig{
			CaptchaThreshold: 10,
			ChallengeType:    domain.ChallengeMath,
			ChallengeTTL:     10 * time.Minute,
			MaxAttempts:      3,
			SweepEvery:       time.Minute,
			BotDetection:     true,
			PatternAnalysis:  true,
		},

		BlockedUserAgents: []string{"sqlmap", "nikto", "masscan", "zgrab"},
	}
}
