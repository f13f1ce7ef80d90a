package application

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"admission-gateway/middleware/ratelimit/domain"
)

const (
	DefaultChallengeTTL     = 10 * time.Minute
	DefaultMaxAttempts      = 3
	DefaultCaptchaThreshold = 10
	DefaultSweepEvery       = time.Minute

	threatHistorySize  = 100
	requestHistorySize = 200
	patternWindow      = time.Minute
	reportWindow       = time.Hour
)

// ViolationTracker é o pedaço do motor de rate limit que a segurança usa.
type ViolationTracker interface {
	Stats(ctx context.Context, identifier string) (domain.Stats, error)
	ClearViolations(ctx context.Context, identifier string) error
	Block(ctx context.Context, identifier string, d time.Duration, reason string) error
}

// SecurityManager concentra CAPTCHA, heurísticas de bot, análise de padrão
// de requisições, histórico de ameaças e score de risco.
//
// É uma instância explícita: quem monta o serviço passa ela adiante e é dono
// do ciclo de vida da varredura (Run).
type SecurityManager struct {
	limiter  ViolationTracker
	alerter  domain.Alerter
	onThreat func(domain.Threat)

	challengeTTL     time.Duration
	maxAttempts      int
	captchaThreshold int64
	sweepEvery       time.Duration

	now    func() time.Time
	logger *slog.Logger

	mu         sync.Mutex
	rng        *rand.Rand
	challenges map[string]*domain.Challenge
	pending    map[string]string // identificador -> desafio vivo
	threats    map[string]*threatRing
	history    map[string][]domain.RequestRecord
	reported   map[string]time.Time
}

type SecurityOption func(*SecurityManager)

func WithAlerter(a domain.Alerter) SecurityOption {
	return func(m *SecurityManager) { m.alerter = a }
}

// WithThreatHook registra um callback síncrono para cada ameaça reportada (ex.: métricas).
func WithThreatHook(fn func(domain.Threat)) SecurityOption {
	return func(m *SecurityManager) { m.onThreat = fn }
}

func WithChallengeTTL(d time.Duration) SecurityOption {
	return func(m *SecurityManager) {
		if d > 0 {
			m.challengeTTL = d
		}
	}
}

func WithMaxAttempts(n int) SecurityOption {
	return func(m *SecurityManager) {
		if n > 0 {
			m.maxAttempts = n
		}
	}
}

func WithCaptchaThreshold(n int64) SecurityOption {
	return func(m *SecurityManager) {
		if n > 0 {
			m.captchaThreshold = n
		}
	}
}

func WithSweepEvery(d time.Duration) SecurityOption {
	return func(m *SecurityManager) {
		if d > 0 {
			m.sweepEvery = d
		}
	}
}

func WithSecurityClock(now func() time.Time) SecurityOption {
	return func(m *SecurityManager) {
		if now != nil {
			m.now = now
		}
	}
}

func WithSecurityLogger(l *slog.Logger) SecurityOption {
	return func(m *SecurityManager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithRandSource fixa a fonte dos desafios (testes).
func WithRandSource(src rand.Source) SecurityOption {
	return func(m *SecurityManager) { m.rng = rand.New(src) }
}

func NewSecurityManager(limiter ViolationTracker, opts ...SecurityOption) *SecurityManager {
	m := &SecurityManager{
		limiter:          limiter,
		challengeTTL:     DefaultChallengeTTL,
		maxAttempts:      DefaultMaxAttempts,
		captchaThreshold: DefaultCaptchaThreshold,
		sweepEvery:       DefaultSweepEvery,
		now:              time.Now,
		logger:           slog.Default(),
		rng:              rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
		challenges:       make(map[string]*domain.Challenge),
		pending:          make(map[string]string),
		threats:          make(map[string]*threatRing),
		history:          make(map[string][]domain.RequestRecord),
		reported:         make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Run varre desafios expirados e históricos ociosos até o ctx encerrar.
// A verificação nunca depende da varredura: VerifySolution re-checa a expiração.
func (m *SecurityManager) Run(ctx context.Context) error {
	t := time.NewTicker(m.sweepEvery)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			m.Sweep()
		}
	}
}

// Sweep remove desafios expirados, históricos sem atividade recente e
// marcas de deduplicação vencidas.
func (m *SecurityManager) Sweep() {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for _, ch := range m.challenges {
		if now.After(ch.ExpiresAt) {
			m.dropChallenge(ch)
			removed++
		}
	}
	for id, recs := range m.history {
		if len(recs) == 0 || now.Sub(recs[len(recs)-1].Timestamp) > patternWindow {
			delete(m.history, id)
		}
	}
	for k, at := range m.reported {
		if now.Sub(at) > patternWindow {
			delete(m.reported, k)
		}
	}
	if removed > 0 {
		m.logger.Debug("expired challenges swept", "count", removed)
	}
}
