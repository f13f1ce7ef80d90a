package infra

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"admission-gateway/middleware/ratelimit/domain"
)

// ErrEventDropped indica que o buffer estava cheio e o evento foi descartado.
var ErrEventDropped = errors.New("event buffer full")

// AsyncEventSink desacopla quem grava eventos do sink durável: Record só
// enfileira e nunca espera I/O. Um Run (dono do ciclo de vida) escoa o buffer.
//
// Buffer cheio descarta o evento e conta. Erros do sink só são logados.
type AsyncEventSink struct {
	sink    domain.EventSink
	events  chan domain.Event
	timeout time.Duration
	logger  *slog.Logger

	dropped atomic.Int64
	onDrop  func()
}

type AsyncSinkOption func(*AsyncEventSink)

func WithAsyncBuffer(n int) AsyncSinkOption {
	return func(s *AsyncEventSink) {
		if n > 0 {
			s.events = make(chan domain.Event, n)
		}
	}
}

// WithAsyncTimeout limita cada escrita no sink.
func WithAsyncTimeout(d time.Duration) AsyncSinkOption {
	return func(s *AsyncEventSink) {
		if d > 0 {
			s.timeout = d
		}
	}
}

func WithAsyncLogger(l *slog.Logger) AsyncSinkOption {
	return func(s *AsyncEventSink) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithAsyncDropHook é chamado a cada evento descartado (ex: métrica).
func WithAsyncDropHook(fn func()) AsyncSinkOption {
	return func(s *AsyncEventSink) { s.onDrop = fn }
}

func NewAsyncEventSink(sink domain.EventSink, opts ...AsyncSinkOption) *AsyncEventSink {
	s := &AsyncEventSink{
		sink:    sink,
		events:  make(chan domain.Event, 1024),
		timeout: 2 * time.Second,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ domain.EventSink = (*AsyncEventSink)(nil)

// Record enfileira o evento; o ctx do chamador não é usado na escrita.
func (s *AsyncEventSink) Record(_ context.Context, ev domain.Event) error {
	select {
	case s.events <- ev:
		return nil
	default:
	}

	// loga só a primeira queda de cada 1000 para não inundar o log
	if n := s.dropped.Add(1); n%1000 == 1 {
		s.logger.Warn("event buffer full, dropping events", "kind", ev.Kind, "dropped", n)
	}
	if s.onDrop != nil {
		s.onDrop()
	}
	return ErrEventDropped
}

// Dropped retorna quantos eventos foram descartados por buffer cheio.
func (s *AsyncEventSink) Dropped() int64 { return s.dropped.Load() }

// Pending retorna quantos eventos aguardam escrita.
func (s *AsyncEventSink) Pending() int { return len(s.events) }

// Run consome o buffer e grava no sink até ctx encerrar; o que sobrou no buffer
// ainda é enviado antes de retornar.
func (s *AsyncEventSink) Run(ctx context.Context) error {
	for {
		select {
		case ev := <-s.events:
			s.write(ctx, ev)
		case <-ctx.Done():
			s.flush()
			return nil
		}
	}
}

func (s *AsyncEventSink) flush() {
	for {
		select {
		case ev := <-s.events:
			s.write(context.Background(), ev)
		default:
			return
		}
	}
}

func (s *AsyncEventSink) write(ctx context.Context, ev domain.Event) {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
	defer cancel()
	if err := s.sink.Record(wctx, ev); err != nil {
		s.logger.Error("event sink write failed", "kind", ev.Kind, "key", ev.Key, "identifier", ev.Identifier, "error", err)
	}
}
