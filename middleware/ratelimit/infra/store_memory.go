package infra

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"admission-gateway/middleware/ratelimit/domain"
)

// Prefixos internos; chaves de contador são usadas como vieram do motor.
const (
	memBlockPrefix   = "\x00block:"
	memSlidingPrefix = "\x00sw:"
	memBucketPrefix  = "\x00tb:"
	memLockPrefix    = "\x00lock:"
)

// MemoryStore é um backend em processo: mapa protegido por mutex e um min-heap
// de expirações varrido por Cleanup.
//
// Increment é atômico apenas dentro de um processo. Não use em deploys com
// várias instâncias esperando um limite global: cada réplica conta sozinha.
// Leituras sempre revalidam a expiração; a varredura só libera memória.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*memEntry
	expiry  expiryHeap
	gen     uint64

	now          func() time.Time
	cleanupEvery time.Duration
}

type memEntry struct {
	rec       *domain.CounterRecord
	block     *domain.BlockRecord
	log       []time.Time
	bucket    *bucketState
	lockToken string

	expiresAt time.Time // zero = não expira
	gen       uint64
}

type bucketState struct {
	tokens     int64
	lastRefill time.Time
}

type MemoryStoreOption func(*MemoryStore)

func WithMemoryClock(now func() time.Time) MemoryStoreOption {
	return func(s *MemoryStore) { s.now = now }
}

func WithMemoryCleanupEvery(d time.Duration) MemoryStoreOption {
	return func(s *MemoryStore) { s.cleanupEvery = d }
}

func NewMemoryStore(opts ...MemoryStoreOption) *MemoryStore {
	s := &MemoryStore{
		entries:      make(map[string]*memEntry),
		now:          time.Now,
		cleanupEvery: time.Minute,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var (
	_ domain.Store                = (*MemoryStore)(nil)
	_ domain.SlidingWindowChecker = (*MemoryStore)(nil)
	_ domain.TokenBucketChecker   = (*MemoryStore)(nil)
	_ domain.Locker               = (*MemoryStore)(nil)
)

// lookup devolve a entrada viva ou nil, apagando-a se já expirou. Chamar com mu.
func (s *MemoryStore) lookup(key string, now time.Time) *memEntry {
	e, ok := s.entries[key]
	if !ok {
		return nil
	}
	if !e.expiresAt.IsZero() && !e.expiresAt.After(now) {
		delete(s.entries, key)
		return nil
	}
	return e
}

// put grava e (re)inicia a expiração. Chamar com mu.
func (s *MemoryStore) put(key string, e *memEntry, ttl time.Duration, now time.Time) {
	s.gen++
	e.gen = s.gen
	e.expiresAt = time.Time{}
	if ttl > 0 {
		e.expiresAt = now.Add(ttl)
		heap.Push(&s.expiry, expiryItem{at: e.expiresAt, key: key, gen: e.gen})
	}
	s.entries[key] = e
}

func (s *MemoryStore) Get(_ context.Context, key string) (*domain.CounterRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.lookup(key, s.now())
	if e == nil || e.rec == nil {
		return nil, nil
	}
	rec := *e.rec
	return &rec, nil
}

func (s *MemoryStore) Set(_ context.Context, key string, rec domain.CounterRecord, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec.Key = key
	s.put(key, &memEntry{rec: &rec}, ttl, s.now())
	return nil
}

func (s *MemoryStore) Increment(_ context.Context, key string, window, ttl time.Duration) (int64, error) {
	now := s.now()
	start := domain.WindowStart(now, window)

	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.lookup(key, now)
	if window <= 0 && e != nil && e.rec != nil {
		start = e.rec.WindowStart
	}
	if e == nil || e.rec == nil || !e.rec.WindowStart.Equal(start) {
		e = &memEntry{rec: &domain.CounterRecord{Key: key, WindowStart: start}}
		s.put(key, e, ttl, now)
	}
	e.rec.Requests++
	return e.rec.Requests, nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.entries, key)
	return nil
}

// Cleanup remove as entradas cujo prazo já passou.
func (s *MemoryStore) Cleanup(_ context.Context) error {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	for s.expiry.Len() > 0 && !s.expiry[0].at.After(now) {
		it := heap.Pop(&s.expiry).(expiryItem)
		if e, ok := s.entries[it.key]; ok && e.gen == it.gen {
			delete(s.entries, it.key)
		}
	}
	return nil
}

func (s *MemoryStore) GetBlock(_ context.Context, identifier string) (*domain.BlockRecord, error) {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.lookup(memBlockPrefix+identifier, now)
	if e == nil || !e.block.Active(now) {
		return nil, nil
	}
	b := *e.block
	return &b, nil
}

func (s *MemoryStore) SetBlock(_ context.Context, rec domain.BlockRecord) error {
	now := s.now()
	key := memBlockPrefix + rec.Identifier

	s.mu.Lock()
	defer s.mu.Unlock()

	ttl := rec.ExpiresAt.Sub(now)
	if ttl <= 0 {
		delete(s.entries, key)
		return nil
	}
	s.put(key, &memEntry{block: &rec}, ttl, now)
	return nil
}

func (s *MemoryStore) DeleteBlock(_ context.Context, identifier string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.entries, memBlockPrefix+identifier)
	return nil
}

// CheckSlidingWindow mantém os timestamps de cada chave e admite se houver
// menos de limit eventos em (now-window, now].
func (s *MemoryStore) CheckSlidingWindow(_ context.Context, key string, window time.Duration, limit int64) (domain.WindowCheck, error) {
	now := s.now()
	k := memSlidingPrefix + key

	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.lookup(k, now)
	if e == nil {
		e = &memEntry{}
	}

	cutoff := now.Add(-window)
	kept := e.log[:0]
	for _, ts := range e.log {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	e.log = kept

	count := int64(len(e.log))
	if count < limit {
		e.log = append(e.log, now)
		s.put(k, e, window, now)
		return domain.WindowCheck{Allowed: true, Remaining: limit - count - 1}, nil
	}

	var retry time.Duration
	if len(e.log) > 0 {
		retry = e.log[0].Add(window).Sub(now)
		s.put(k, e, window, now)
	}
	return domain.WindowCheck{Allowed: false, RetryAfter: retry}, nil
}

// CheckTokenBucket recarrega floor(elapsed/period)*rate tokens (limitado à capacidade)
// e consome um se houver.
func (s *MemoryStore) CheckTokenBucket(_ context.Context, key string, b domain.TokenBucket) (domain.WindowCheck, error) {
	now := s.now()
	k := memBucketPrefix + key

	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.lookup(k, now)
	if e == nil || e.bucket == nil {
		e = &memEntry{bucket: &bucketState{tokens: b.Capacity, lastRefill: now}}
	}
	st := e.bucket
	refill(st, b, now)

	check := domain.WindowCheck{}
	if st.tokens >= 1 {
		st.tokens--
		check.Allowed = true
	} else {
		check.RetryAfter = b.RefillPeriod - now.Sub(st.lastRefill)
	}
	check.Remaining = st.tokens

	s.put(k, e, bucketTTL(b), now)
	return check, nil
}

func refill(st *bucketState, b domain.TokenBucket, now time.Time) {
	if b.RefillPeriod <= 0 {
		return
	}
	periods := int64(now.Sub(st.lastRefill) / b.RefillPeriod)
	if periods <= 0 {
		return
	}
	st.tokens += periods * b.RefillRate
	if st.tokens > b.Capacity {
		st.tokens = b.Capacity
	}
	st.lastRefill = st.lastRefill.Add(time.Duration(periods) * b.RefillPeriod)
}

// bucketTTL é o tempo para um balde vazio voltar a encher; depois disso o estado
// é equivalente a um balde novo.
func bucketTTL(b domain.TokenBucket) time.Duration {
	if b.RefillRate <= 0 {
		return b.RefillPeriod
	}
	periods := (b.Capacity + b.RefillRate - 1) / b.RefillRate
	return time.Duration(periods+1) * b.RefillPeriod
}

func (s *MemoryStore) AcquireLock(_ context.Context, key, token string, ttl time.Duration) (bool, error) {
	now := s.now()
	k := memLockPrefix + key

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.lookup(k, now) != nil {
		return false, nil
	}
	s.put(k, &memEntry{lockToken: token}, ttl, now)
	return true, nil
}

func (s *MemoryStore) ReleaseLock(_ context.Context, key, token string) (bool, error) {
	k := memLockPrefix + key

	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.lookup(k, s.now())
	if e == nil || e.lockToken != token {
		return false, nil
	}
	delete(s.entries, k)
	return true, nil
}

// StartJanitor inicia uma goroutine que chama Cleanup periodicamente.
// Pare cancelando o contexto.
func (s *MemoryStore) StartJanitor(ctx DoneContext) {
	startJanitor(ctx, s.cleanupEvery, func() { _ = s.Cleanup(context.Background()) })
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries = make(map[string]*memEntry)
	s.expiry = nil
	return nil
}

// Len retorna o número de entradas físicas (inclui expiradas ainda não varridas).
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

type expiryItem struct {
	at  time.Time
	key string
	gen uint64
}

type expiryHeap []expiryItem

func (h expiryHeap) Len() int           { return len(h) }
func (h expiryHeap) Less(i, j int) bool { return h[i].at.Before(h[j].at) }
func (h expiryHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *expiryHeap) Push(x any) { *h = append(*h, x.(expiryItem)) }

func (h *expiryHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	*h = old[:n-1]
	return it
}
