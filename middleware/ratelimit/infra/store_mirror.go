package infra

import (
	"context"
	"time"

	"admission-gateway/middleware/ratelimit/domain"
)

// MirroringStore responde tudo a partir de um MemoryStore e copia cada escrita,
// de forma assíncrona, para um EventSink durável (analytics offline).
//
// O caminho quente nunca espera o sink: os eventos passam por um AsyncEventSink,
// que descarta e conta quando o buffer enche.
type MirroringStore struct {
	*MemoryStore

	events *AsyncEventSink
	now    func() time.Time
}

func NewMirroringStore(mem *MemoryStore, sink domain.EventSink, opts ...AsyncSinkOption) *MirroringStore {
	return &MirroringStore{
		MemoryStore: mem,
		events:      NewAsyncEventSink(sink, opts...),
		now:         mem.now,
	}
}

var (
	_ domain.Store                = (*MirroringStore)(nil)
	_ domain.SlidingWindowChecker = (*MirroringStore)(nil)
	_ domain.TokenBucketChecker   = (*MirroringStore)(nil)
	_ domain.Locker               = (*MirroringStore)(nil)
)

func (s *MirroringStore) emit(ev domain.Event) {
	ev.At = s.now()
	_ = s.events.Record(context.Background(), ev)
}

func (s *MirroringStore) Set(ctx context.Context, key string, rec domain.CounterRecord, ttl time.Duration) error {
	if err := s.MemoryStore.Set(ctx, key, rec, ttl); err != nil {
		return err
	}
	s.emit(domain.Event{Kind: domain.EventSet, Key: key, Value: rec.Requests})
	return nil
}

func (s *MirroringStore) Increment(ctx context.Context, key string, window, ttl time.Duration) (int64, error) {
	n, err := s.MemoryStore.Increment(ctx, key, window, ttl)
	if err != nil {
		return 0, err
	}
	s.emit(domain.Event{Kind: domain.EventIncrement, Key: key, Value: n})
	return n, nil
}

func (s *MirroringStore) Delete(ctx context.Context, key string) error {
	if err := s.MemoryStore.Delete(ctx, key); err != nil {
		return err
	}
	s.emit(domain.Event{Kind: domain.EventDelete, Key: key})
	return nil
}

func (s *MirroringStore) SetBlock(ctx context.Context, rec domain.BlockRecord) error {
	if err := s.MemoryStore.SetBlock(ctx, rec); err != nil {
		return err
	}
	s.emit(domain.Event{
		Kind:       domain.EventBlock,
		Identifier: rec.Identifier,
		Reason:     rec.Reason,
		Value:      rec.ExpiresAt.UnixMilli(),
	})
	return nil
}

func (s *MirroringStore) DeleteBlock(ctx context.Context, identifier string) error {
	if err := s.MemoryStore.DeleteBlock(ctx, identifier); err != nil {
		return err
	}
	s.emit(domain.Event{Kind: domain.EventUnblock, Identifier: identifier})
	return nil
}

func (s *MirroringStore) CheckSlidingWindow(ctx context.Context, key string, window time.Duration, limit int64) (domain.WindowCheck, error) {
	c, err := s.MemoryStore.CheckSlidingWindow(ctx, key, window, limit)
	if err != nil {
		return c, err
	}
	s.emit(domain.Event{Kind: domain.EventSlidingWindow, Key: key, Allowed: c.Allowed, Value: c.Remaining})
	return c, nil
}

func (s *MirroringStore) CheckTokenBucket(ctx context.Context, key string, b domain.TokenBucket) (domain.WindowCheck, error) {
	c, err := s.MemoryStore.CheckTokenBucket(ctx, key, b)
	if err != nil {
		return c, err
	}
	s.emit(domain.Event{Kind: domain.EventTokenBucket, Key: key, Allowed: c.Allowed, Value: c.Remaining})
	return c, nil
}

func (s *MirroringStore) AcquireLock(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	ok, err := s.MemoryStore.AcquireLock(ctx, key, token, ttl)
	if err != nil {
		return false, err
	}
	s.emit(domain.Event{Kind: domain.EventLock, Key: key, Allowed: ok})
	return ok, nil
}

func (s *MirroringStore) ReleaseLock(ctx context.Context, key, token string) (bool, error) {
	ok, err := s.MemoryStore.ReleaseLock(ctx, key, token)
	if err != nil {
		return false, err
	}
	s.emit(domain.Event{Kind: domain.EventUnlock, Key: key, Allowed: ok})
	return ok, nil
}

// Dropped retorna quantos eventos foram descartados por buffer cheio.
func (s *MirroringStore) Dropped() int64 { return s.events.Dropped() }

// Run escoa o espelho até ctx encerrar (ver AsyncEventSink.Run).
func (s *MirroringStore) Run(ctx context.Context) error { return s.events.Run(ctx) }
