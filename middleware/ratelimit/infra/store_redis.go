package infra

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"admission-gateway/middleware/ratelimit/domain"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// incrementScript reinicia o hash quando o início de janela gravado difere do atual
// e incrementa "requests" na mesma transação.
//
// KEYS[1] contador; ARGV[1] início da janela (ms); ARGV[2] ttl (ms).
var incrementScript = redis.NewScript(`
local ws = redis.call('HGET', KEYS[1], 'window_start')
if ws ~= ARGV[1] then
	redis.call('DEL', KEYS[1])
	redis.call('HSET', KEYS[1], 'window_start', ARGV[1])
	redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return redis.call('HINCRBY', KEYS[1], 'requests', 1)
`)

// incrementTTLScript conta sem janela alinhada: o ttl só é gravado na criação.
//
// KEYS[1] contador; ARGV[1] criação (ms); ARGV[2] ttl (ms).
var incrementTTLScript = redis.NewScript(`
local n = redis.call('HINCRBY', KEYS[1], 'requests', 1)
if n == 1 then
	redis.call('HSET', KEYS[1], 'window_start', ARGV[1])
	if tonumber(ARGV[2]) > 0 then
		redis.call('PEXPIRE', KEYS[1], ARGV[2])
	end
end
return n
`)

// slidingWindowScript: poda, conta e insere condicionalmente, tudo atômico.
//
// KEYS[1] sorted set; ARGV[1] now (ms); ARGV[2] janela (ms); ARGV[3] limite; ARGV[4] membro.
// Retorna {admitido, restante, retry_ms}.
var slidingWindowScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', now - window)
local count = redis.call('ZCARD', KEYS[1])
if count < limit then
	redis.call('ZADD', KEYS[1], now, ARGV[4])
	redis.call('PEXPIRE', KEYS[1], window)
	return {1, limit - count - 1, 0}
end
local retry = 0
local oldest = redis.call('ZRANGE', KEYS[1], 0, 0, 'WITHSCORES')
if oldest[2] then
	retry = tonumber(oldest[2]) + window - now
end
return {0, 0, retry}
`)

// tokenBucketScript: recarga floor(elapsed/period)*rate, limitada à capacidade,
// decisão e persistência na mesma transação.
//
// KEYS[1] hash; ARGV: capacidade, rate, período (ms), now (ms), ttl (ms).
// Retorna {admitido, tokens, retry_ms}.
var tokenBucketScript = redis.NewScript(`
local capacity = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local period = tonumber(ARGV[3])
local now = tonumber(ARGV[4])
local state = redis.call('HMGET', KEYS[1], 'tokens', 'last_refill')
local tokens = tonumber(state[1])
local last = tonumber(state[2])
if tokens == nil or last == nil then
	tokens = capacity
	last = now
end
if period > 0 then
	local periods = math.floor((now - last) / period)
	if periods > 0 then
		tokens = math.min(capacity, tokens + periods * rate)
		last = last + periods * period
	end
end
local allowed = 0
local retry = 0
if tokens >= 1 then
	tokens = tokens - 1
	allowed = 1
else
	retry = period - (now - last)
end
redis.call('HSET', KEYS[1], 'tokens', tokens, 'last_refill', last)
redis.call('PEXPIRE', KEYS[1], ARGV[5])
return {allowed, tokens, retry}
`)

// releaseLockScript apaga a trava apenas se o token conferir.
var releaseLockScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

// RedisStore é o backend distribuído: contadores, sliding window e token bucket
// executados como scripts no servidor, e travas SET NX PX.
//
// É o único backend que preserva o limite entre várias instâncias do gateway.
type RedisStore struct {
	rdb    redis.UniversalClient
	prefix string
	now    func() time.Time
}

type RedisStoreOption func(*RedisStore)

func WithRedisPrefix(prefix string) RedisStoreOption {
	return func(s *RedisStore) { s.prefix = strings.Trim(prefix, ":") }
}

func WithRedisClock(now func() time.Time) RedisStoreOption {
	return func(s *RedisStore) { s.now = now }
}

// NewRedisStore não fecha o client em Close; quem criou é dono dele.
func NewRedisStore(rdb redis.UniversalClient, opts ...RedisStoreOption) *RedisStore {
	s := &RedisStore{
		rdb:    rdb,
		prefix: "admission",
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var (
	_ domain.Store                = (*RedisStore)(nil)
	_ domain.SlidingWindowChecker = (*RedisStore)(nil)
	_ domain.TokenBucketChecker   = (*RedisStore)(nil)
	_ domain.Locker               = (*RedisStore)(nil)
)

func (s *RedisStore) key(parts ...string) string {
	return s.prefix + ":" + strings.Join(parts, ":")
}

func backendErr(op string, err error) error {
	return fmt.Errorf("%w: redis %s: %w", domain.ErrBackendUnavailable, op, err)
}

func (s *RedisStore) Get(ctx context.Context, key string) (*domain.CounterRecord, error) {
	fields, err := s.rdb.HGetAll(ctx, s.key("c", key)).Result()
	if err != nil {
		return nil, backendErr("get", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	return &domain.CounterRecord{
		Key:         key,
		Requests:    parseInt(fields["requests"]),
		WindowStart: time.UnixMilli(parseInt(fields["window_start"])),
		Violations:  parseInt(fields["violations"]),
	}, nil
}

func (s *RedisStore) Set(ctx context.Context, key string, rec domain.CounterRecord, ttl time.Duration) error {
	k := s.key("c", key)
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, k)
		pipe.HSet(ctx, k,
			"requests", rec.Requests,
			"window_start", rec.WindowStart.UnixMilli(),
			"violations", rec.Violations,
		)
		if ttl > 0 {
			pipe.PExpire(ctx, k, ttl)
		}
		return nil
	})
	if err != nil {
		return backendErr("set", err)
	}
	return nil
}

func (s *RedisStore) Increment(ctx context.Context, key string, window, ttl time.Duration) (int64, error) {
	if ttl <= 0 {
		ttl = window
	}
	script := incrementScript
	if window <= 0 {
		script = incrementTTLScript
	}
	start := domain.WindowStart(s.now(), window)
	n, err := script.Run(ctx, s.rdb, []string{s.key("c", key)},
		strconv.FormatInt(start.UnixMilli(), 10),
		ttl.Milliseconds(),
	).Int64()
	if err != nil {
		return 0, backendErr("increment", err)
	}
	return n, nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.rdb.Del(ctx, s.key("c", key)).Err(); err != nil {
		return backendErr("delete", err)
	}
	return nil
}

// Cleanup não faz nada: o Redis expira as chaves sozinho.
func (s *RedisStore) Cleanup(context.Context) error { return nil }

func (s *RedisStore) GetBlock(ctx context.Context, identifier string) (*domain.BlockRecord, error) {
	fields, err := s.rdb.HGetAll(ctx, s.key("block", identifier)).Result()
	if err != nil {
		return nil, backendErr("get block", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	b := &domain.BlockRecord{
		Identifier: identifier,
		ExpiresAt:  time.UnixMilli(parseInt(fields["expires_at"])),
		Reason:     fields["reason"],
	}
	if !b.Active(s.now()) {
		return nil, nil
	}
	return b, nil
}

func (s *RedisStore) SetBlock(ctx context.Context, rec domain.BlockRecord) error {
	k := s.key("block", rec.Identifier)
	ttl := rec.ExpiresAt.Sub(s.now())
	if ttl <= 0 {
		return s.DeleteBlock(ctx, rec.Identifier)
	}
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, k)
		pipe.HSet(ctx, k, "expires_at", rec.ExpiresAt.UnixMilli(), "reason", rec.Reason)
		pipe.PExpire(ctx, k, ttl)
		return nil
	})
	if err != nil {
		return backendErr("set block", err)
	}
	return nil
}

func (s *RedisStore) DeleteBlock(ctx context.Context, identifier string) error {
	if err := s.rdb.Del(ctx, s.key("block", identifier)).Err(); err != nil {
		return backendErr("delete block", err)
	}
	return nil
}

func (s *RedisStore) CheckSlidingWindow(ctx context.Context, key string, window time.Duration, limit int64) (domain.WindowCheck, error) {
	now := s.now().UnixMilli()
	member := strconv.FormatInt(now, 10) + "-" + uuid.NewString()
	res, err := slidingWindowScript.Run(ctx, s.rdb, []string{s.key("sw", key)},
		now, window.Milliseconds(), limit, member,
	).Int64Slice()
	if err != nil {
		return domain.WindowCheck{}, backendErr("sliding window", err)
	}
	return windowCheck(res)
}

func (s *RedisStore) CheckTokenBucket(ctx context.Context, key string, b domain.TokenBucket) (domain.WindowCheck, error) {
	res, err := tokenBucketScript.Run(ctx, s.rdb, []string{s.key("tb", key)},
		b.Capacity, b.RefillRate, b.RefillPeriod.Milliseconds(),
		s.now().UnixMilli(), bucketTTL(b).Milliseconds(),
	).Int64Slice()
	if err != nil {
		return domain.WindowCheck{}, backendErr("token bucket", err)
	}
	return windowCheck(res)
}

func windowCheck(res []int64) (domain.WindowCheck, error) {
	if len(res) != 3 {
		return domain.WindowCheck{}, fmt.Errorf("%w: invalid script response %v", domain.ErrBackendUnavailable, res)
	}
	return domain.WindowCheck{
		Allowed:    res[0] == 1,
		Remaining:  res[1],
		RetryAfter: time.Duration(res[2]) * time.Millisecond,
	}, nil
}

func (s *RedisStore) AcquireLock(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	ok, err := s.rdb.SetNX(ctx, s.key("lock", key), token, ttl).Result()
	if err != nil {
		return false, backendErr("acquire lock", err)
	}
	return ok, nil
}

func (s *RedisStore) ReleaseLock(ctx context.Context, key, token string) (bool, error) {
	n, err := releaseLockScript.Run(ctx, s.rdb, []string{s.key("lock", key)}, token).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return false, backendErr("release lock", err)
	}
	return n == 1, nil
}

// Close não fecha o client injetado.
func (s *RedisStore) Close() error { return nil }

func parseInt(v string) int64 {
	n, _ := strconv.ParseInt(v, 10, 64)
	return n
}
