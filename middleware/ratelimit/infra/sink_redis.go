package infra

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"admission-gateway/middleware/ratelimit/domain"

	"github.com/redis/go-redis/v9"
)

// RedisEventSink agrega eventos em hashes (total, por minuto, por rota, por chave)
// e anexa cada evento num stream limitado para consumo offline.
type RedisEventSink struct {
	rdb redis.UniversalClient

	prefix string
	// ttl aplica apenas em chaves de série temporal / por key.
	// total é cumulativo e não expira.
	ttl time.Duration

	bucket string // "minute" (padrão) ou "none"

	trackKeys bool

	streamMaxLen int64 // 0 desliga o stream
}

type RedisEventSinkOption func(*RedisEventSink)

func WithStatsPrefix(prefix string) RedisEventSinkOption {
	return func(s *RedisEventSink) {
		s.prefix = strings.Trim(prefix, ":")
	}
}

func WithStatsTTL(d time.Duration) RedisEventSinkOption {
	return func(s *RedisEventSink) { s.ttl = d }
}

func WithStatsBucket(bucket string) RedisEventSinkOption {
	return func(s *RedisEventSink) { s.bucket = strings.ToLower(strings.TrimSpace(bucket)) }
}

func WithStatsTrackKeys(track bool) RedisEventSinkOption {
	return func(s *RedisEventSink) { s.trackKeys = track }
}

func WithStatsStreamMaxLen(n int64) RedisEventSinkOption {
	return func(s *RedisEventSink) { s.streamMaxLen = n }
}

func NewRedisEventSink(rdb redis.UniversalClient, opts ...RedisEventSinkOption) *RedisEventSink {
	s := &RedisEventSink{
		rdb:          rdb,
		prefix:       "admission:events",
		ttl:          24 * time.Hour,
		bucket:       "minute",
		streamMaxLen: 100_000,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisEventSink) StreamKey() string { return s.prefix + ":stream" }

func (s *RedisEventSink) Record(ctx context.Context, ev domain.Event) error {
	if s == nil || s.rdb == nil {
		return nil
	}

	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}

	field := string(ev.Kind)
	if ev.Kind == domain.EventDecision {
		field = "denied"
		if ev.Allowed {
			field = "allowed"
		}
	}

	totalKey := s.prefix + ":total"

	pipe := s.rdb.Pipeline()
	pipe.HIncrBy(ctx, totalKey, field, 1)

	if s.bucket == "minute" {
		bucketKey := fmt.Sprintf("%s:minute:%s", s.prefix, at.UTC().Format("200601021504"))
		pipe.HIncrBy(ctx, bucketKey, field, 1)
		if s.ttl > 0 {
			pipe.Expire(ctx, bucketKey, s.ttl)
		}
	}

	if ev.Method != "" || ev.Path != "" {
		routeKey := s.prefix + ":route"
		routeField := strings.TrimSpace(ev.Method) + " " + strings.TrimSpace(ev.Path)
		routeField = strings.TrimSpace(routeField)
		if routeField != "" {
			pipe.HIncrBy(ctx, routeKey, routeField+":"+field, 1)
		}
	}

	if s.trackKeys {
		k := strings.TrimSpace(ev.Identifier)
		if k != "" {
			keyKey := s.prefix + ":key:" + k
			pipe.HIncrBy(ctx, keyKey, field, 1)
			if s.ttl > 0 {
				pipe.Expire(ctx, keyKey, s.ttl)
			}
		}
	}

	if s.streamMaxLen > 0 {
		pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: s.StreamKey(),
			MaxLen: s.streamMaxLen,
			Approx: true,
			Values: map[string]any{
				"kind":       string(ev.Kind),
				"key":        ev.Key,
				"identifier": ev.Identifier,
				"value":      strconv.FormatInt(ev.Value, 10),
				"allowed":    strconv.FormatBool(ev.Allowed),
				"reason":     ev.Reason,
				"method":     ev.Method,
				"path":       ev.Path,
				"at":         strconv.FormatInt(at.UnixMilli(), 10),
			},
		})
	}

	_, err := pipe.Exec(ctx)
	return err
}
