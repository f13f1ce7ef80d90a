package infra

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"admission-gateway/middleware/ratelimit/domain"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis, *manualClock) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	clock := newManualClock()
	return NewRedisStore(rdb, WithRedisPrefix("test:"), WithRedisClock(clock.Now)), mr, clock
}

func TestRedisStore_IncrementAndRollover(t *testing.T) {
	s, mr, clock := newTestRedisStore(t)
	ctx := context.Background()

	for want := int64(1); want <= 3; want++ {
		n, err := s.Increment(ctx, "api:u1", time.Minute, time.Minute+time.Second)
		require.NoError(t, err)
		assert.Equal(t, want, n)
	}
	assert.True(t, mr.Exists("test:c:api:u1"))
	assert.Equal(t, time.Minute+time.Second, mr.TTL("test:c:api:u1"))

	rec, err := s.Get(ctx, "api:u1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, int64(3), rec.Requests)
	assert.Equal(t, testEpoch.UnixMilli(), rec.WindowStart.UnixMilli())

	clock.Advance(time.Minute)
	n, err := s.Increment(ctx, "api:u1", time.Minute, time.Minute+time.Second)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}


func TestRedisStore_IncrementWithoutWindowExpiresByTTLOnly(t *testing.T) {
	s, mr, clock := newTestRedisStore(t)
	ctx := context.Background()

	n, err := s.Increment(ctx, "violations:u1", 0, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Equal(t, 24*time.Hour, mr.TTL("test:c:violations:u1"))

	clock.Advance(23 * time.Hour)
	n, err = s.Increment(ctx, "violations:u1", 0, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	rec, err := s.Get(ctx, "violations:u1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, testEpoch.UnixMilli(), rec.WindowStart.UnixMilli())

	mr.FastForward(24 * time.Hour)
	n, err = s.Increment(ctx, "violations:u1", 0, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestRedisStore_SetGetDelete(t *testing.T) {
	s, mr, _ := newTestRedisStore(t)
	ctx := context.Background()

	rec, err := s.Get(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, rec)

	require.NoError(t, s.Set(ctx, "k", domain.CounterRecord{Requests: 4, WindowStart: testEpoch, Violations: 1}, time.Second))
	rec, err = s.Get(ctx, "k")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, int64(4), rec.Requests)
	assert.Equal(t, int64(1), rec.Violations)

	mr.FastForward(time.Second)
	rec, err = s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Nil(t, rec)

	require.NoError(t, s.Set(ctx, "k", domain.CounterRecord{Requests: 1}, 0))
	require.NoError(t, s.Delete(ctx, "k"))
	assert.False(t, mr.Exists("test:c:k"))
	assert.NoError(t, s.Cleanup(ctx))
}

func TestRedisStore_Blocks(t *testing.T) {
	s, _, clock := newTestRedisStore(t)
	ctx := context.Background()

	require.NoError(t, s.SetBlock(ctx, domain.BlockRecord{Identifier: "u1", ExpiresAt: testEpoch.Add(time.Minute), Reason: "backoff"}))
	b, err := s.GetBlock(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, b)
	assert.Equal(t, "backoff", b.Reason)
	assert.Equal(t, testEpoch.Add(time.Minute).UnixMilli(), b.ExpiresAt.UnixMilli())

	// o relógio lógico manda, mesmo antes do TTL do Redis vencer
	clock.Advance(time.Minute)
	b, err = s.GetBlock(ctx, "u1")
	require.NoError(t, err)
	assert.Nil(t, b)

	require.NoError(t, s.SetBlock(ctx, domain.BlockRecord{Identifier: "u2", ExpiresAt: clock.Now().Add(time.Hour)}))
	require.NoError(t, s.DeleteBlock(ctx, "u2"))
	b, _ = s.GetBlock(ctx, "u2")
	assert.Nil(t, b)
}

func TestRedisStore_SlidingWindow(t *testing.T) {
	s, _, clock := newTestRedisStore(t)
	ctx := context.Background()

	c, err := s.CheckSlidingWindow(ctx, "k", time.Minute, 2)
	require.NoError(t, err)
	assert.True(t, c.Allowed)
	assert.Equal(t, int64(1), c.Remaining)

	clock.Advance(10 * time.Second)
	c, err = s.CheckSlidingWindow(ctx, "k", time.Minute, 2)
	require.NoError(t, err)
	assert.True(t, c.Allowed)

	clock.Advance(10 * time.Second)
	c, err = s.CheckSlidingWindow(ctx, "k", time.Minute, 2)
	require.NoError(t, err)
	assert.False(t, c.Allowed)
	assert.Equal(t, 40*time.Second, c.RetryAfter)

	clock.Advance(40 * time.Second)
	c, err = s.CheckSlidingWindow(ctx, "k", time.Minute, 2)
	require.NoError(t, err)
	assert.True(t, c.Allowed)
}

func TestRedisStore_TokenBucket(t *testing.T) {
	s, _, clock := newTestRedisStore(t)
	ctx := context.Background()
	bucket := domain.TokenBucket{Capacity: 2, RefillRate: 1, RefillPeriod: 10 * time.Second}

	for i := 0; i < 2; i++ {
		c, err := s.CheckTokenBucket(ctx, "k", bucket)
		require.NoError(t, err)
		assert.True(t, c.Allowed)
	}

	clock.Advance(4 * time.Second)
	c, err := s.CheckTokenBucket(ctx, "k", bucket)
	require.NoError(t, err)
	assert.False(t, c.Allowed)
	assert.Equal(t, 6*time.Second, c.RetryAfter)

	clock.Advance(6 * time.Second)
	c, err = s.CheckTokenBucket(ctx, "k", bucket)
	require.NoError(t, err)
	assert.True(t, c.Allowed)
	assert.Zero(t, c.Remaining)
}

func TestRedisStore_Lock(t *testing.T) {
	s, mr, _ := newTestRedisStore(t)
	ctx := context.Background()

	ok, err := s.AcquireLock(ctx, "block:u1", "a", 2*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, _ = s.AcquireLock(ctx, "block:u1", "b", 2*time.Second)
	assert.False(t, ok)

	ok, err = s.ReleaseLock(ctx, "block:u1", "b")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.ReleaseLock(ctx, "block:u1", "a")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, _ = s.AcquireLock(ctx, "block:u1", "b", 2*time.Second)
	require.True(t, ok)
	mr.FastForward(2 * time.Second)
	ok, _ = s.AcquireLock(ctx, "block:u1", "c", 2*time.Second)
	assert.True(t, ok)
}

// Com M chamadores concorrentes e limite N < M, exatamente N ficam dentro do limite.
func TestRedisStore_ConcurrentIncrementIsAtomic(t *testing.T) {
	s, _, _ := newTestRedisStore(t)
	ctx := context.Background()

	const callers, limit = 64, 10
	var admitted atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, err := s.Increment(ctx, "k", time.Minute, time.Minute)
			if err == nil && n <= limit {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(limit), admitted.Load())
	rec, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, int64(callers), rec.Requests)
}

// admittedConcurrently dispara callers chamadas simultâneas e conta as admitidas.
func admittedConcurrently(t *testing.T, callers int, check func() (domain.WindowCheck, error)) int64 {
	t.Helper()
	var admitted, failed atomic.Int64
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			c, err := check()
			if err != nil {
				failed.Add(1)
				return
			}
			if c.Allowed {
				admitted.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()
	require.Zero(t, failed.Load())
	return admitted.Load()
}

func TestRedisStore_ConcurrentSlidingWindowIsAtomic(t *testing.T) {
	s, mr, _ := newTestRedisStore(t)
	ctx := context.Background()

	const callers, limit = 64, 10
	got := admittedConcurrently(t, callers, func() (domain.WindowCheck, error) {
		return s.CheckSlidingWindow(ctx, "k", time.Minute, limit)
	})

	assert.Equal(t, int64(limit), got)
	members, err := mr.ZMembers("test:sw:k")
	require.NoError(t, err)
	assert.Len(t, members, limit, "denied calls are not logged")
}

func TestRedisStore_ConcurrentTokenBucketIsAtomic(t *testing.T) {
	s, _, _ := newTestRedisStore(t)
	ctx := context.Background()
	bucket := domain.TokenBucket{Capacity: 10, RefillRate: 1, RefillPeriod: time.Minute}

	got := admittedConcurrently(t, 64, func() (domain.WindowCheck, error) {
		return s.CheckTokenBucket(ctx, "k", bucket)
	})
	assert.Equal(t, bucket.Capacity, got)

	c, err := s.CheckTokenBucket(ctx, "k", bucket)
	require.NoError(t, err)
	assert.False(t, c.Allowed)
	assert.Zero(t, c.Remaining)
}

func TestRedisStore_BackendDownIsWrapped(t *testing.T) {
	s, mr, _ := newTestRedisStore(t)
	mr.Close()

	_, err := s.Increment(context.Background(), "k", time.Minute, time.Minute)
	require.Error(t, err)
	assert.True(t, domain.IsBackendError(err))

	_, err = s.GetBlock(context.Background(), "u1")
	assert.True(t, domain.IsBackendError(err))
}
