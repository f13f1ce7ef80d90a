package infra

import (
	"context"
	"sync"

	"admission-gateway/middleware/ratelimit/domain"
)

type Counters struct {
	Allowed int64
	Denied  int64
}

// MemoryEventSink é uma implementação simples em memória.
// Útil para testes e desenvolvimento.
//
// Guarda contadores por tipo de evento e por rota, e os últimos eventos num
// buffer circular. Não é indicada para produção.
type MemoryEventSink struct {
	mu      sync.Mutex
	total   Counters
	byKind  map[domain.EventKind]int64
	byRoute map[string]Counters
	byKey   map[string]Counters
	recent  []domain.Event
	keep    int

	trackKeys bool
}

type MemoryEventSinkOption func(*MemoryEventSink)

func WithTrackKeys(track bool) MemoryEventSinkOption {
	return func(s *MemoryEventSink) { s.trackKeys = track }
}

// WithRecentEvents define quantos eventos ficam no buffer (0 desliga).
func WithRecentEvents(n int) MemoryEventSinkOption {
	return func(s *MemoryEventSink) { s.keep = n }
}

func NewMemoryEventSink(opts ...MemoryEventSinkOption) *MemoryEventSink {
	s := &MemoryEventSink{
		byKind:  make(map[domain.EventKind]int64),
		byRoute: make(map[string]Counters),
		byKey:   make(map[string]Counters),
		keep:    1000,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryEventSink) Record(_ context.Context, ev domain.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.byKind[ev.Kind]++
	if s.keep > 0 {
		if len(s.recent) >= s.keep {
			s.recent = append(s.recent[:0], s.recent[1:]...)
		}
		s.recent = append(s.recent, ev)
	}

	if ev.Kind != domain.EventDecision {
		return nil
	}

	route := ev.Method + " " + ev.Path
	c := s.byRoute[route]
	k := s.byKey[ev.Identifier]
	if ev.Allowed {
		s.total.Allowed++
		c.Allowed++
		k.Allowed++
	} else {
		s.total.Denied++
		c.Denied++
		k.Denied++
	}
	s.byRoute[route] = c
	if s.trackKeys {
		s.byKey[ev.Identifier] = k
	}
	return nil
}

func (s *MemoryEventSink) Total() Counters {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total
}

func (s *MemoryEventSink) Count(kind domain.EventKind) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.byKind[kind]
}

func (s *MemoryEventSink) ByRoute() map[string]Counters {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]Counters, len(s.byRoute))
	for k, v := range s.byRoute {
		out[k] = v
	}
	return out
}

func (s *MemoryEventSink) ByKey() map[string]Counters {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]Counters, len(s.byKey))
	for k, v := range s.byKey {
		out[k] = v
	}
	return out
}

// Events devolve uma cópia dos eventos recentes, do mais antigo ao mais novo.
func (s *MemoryEventSink) Events() []domain.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Event(nil), s.recent...)
}
