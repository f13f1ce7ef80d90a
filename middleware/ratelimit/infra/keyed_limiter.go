package infra

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// KeyedLimiter mantém um token bucket (x/time/rate) por chave, com limpeza
// periódica das chaves ociosas. Usado para estrangular efeitos colaterais
// repetitivos, como alertas por identificador.
type KeyedLimiter struct {
	mu           sync.Mutex
	entries      map[string]*limiterEntry
	rps          rate.Limit
	burst        int
	idleTTL      time.Duration
	cleanupEvery time.Duration
}

type limiterEntry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

type KeyedLimiterOption func(*KeyedLimiter)

func WithIdleTTL(d time.Duration) KeyedLimiterOption {
	return func(s *KeyedLimiter) { s.idleTTL = d }
}

func WithCleanupEvery(d time.Duration) KeyedLimiterOption {
	return func(s *KeyedLimiter) { s.cleanupEvery = d }
}

func NewKeyedLimiter(rps float64, burst int, opts ...KeyedLimiterOption) *KeyedLimiter {
	s := &KeyedLimiter{
		entries:      make(map[string]*limiterEntry),
		rps:          rate.Limit(rps),
		burst:        burst,
		idleTTL:      15 * time.Minute,
		cleanupEvery: 2 * time.Minute,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *KeyedLimiter) RPS() float64 { return float64(s.rps) }
func (s *KeyedLimiter) Burst() int   { return s.burst }

// Allow consome um token da chave, criando o bucket na primeira vez.
func (s *KeyedLimiter) Allow(key string) bool {
	return s.get(key).Allow()
}

func (s *KeyedLimiter) get(key string) *rate.Limiter {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if ent, ok := s.entries[key]; ok {
		ent.lastSeen = now
		return ent.lim
	}

	lim := rate.NewLimiter(s.rps, s.burst)
	s.entries[key] = &limiterEntry{lim: lim, lastSeen: now}
	return lim
}

func (s *KeyedLimiter) Cleanup() {
	cutoff := time.Now().Add(-s.idleTTL)

	s.mu.Lock()
	defer s.mu.Unlock()

	for k, ent := range s.entries {
		if ent.lastSeen.Before(cutoff) {
			delete(s.entries, k)
		}
	}
}

func (s *KeyedLimiter) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// StartJanitor inicia uma goroutine que limpa chaves inativas periodicamente.
// Pare cancelando o contexto.
func (s *KeyedLimiter) StartJanitor(ctx DoneContext) {
	startJanitor(ctx, s.cleanupEvery, s.Cleanup)
}
