package infra

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"admission-gateway/middleware/ratelimit/domain"

	"github.com/redis/go-redis/v9"
)

// StoreConfig reúne as dependências necessárias para montar qualquer backend.
type StoreConfig struct {
	Backend domain.Backend
	Redis   redis.UniversalClient
	Prefix  string
	Sink    domain.EventSink
	Clock   func() time.Time
	Logger  *slog.Logger

	MirrorBuffer int
	OnMirrorDrop func()
}

// NewStore escolhe o backend pelo enum de configuração. Todas as
// implementações são ligadas estaticamente.
func NewStore(cfg StoreConfig) (domain.Store, error) {
	var memOpts []MemoryStoreOption
	if cfg.Clock != nil {
		memOpts = append(memOpts, WithMemoryClock(cfg.Clock))
	}

	switch cfg.Backend {
	case domain.BackendMemory, "":
		return NewMemoryStore(memOpts...), nil

	case domain.BackendDistributed:
		if cfg.Redis == nil {
			return nil, errors.New("redis client is required for the distributed backend")
		}
		opts := []RedisStoreOption{}
		if cfg.Prefix != "" {
			opts = append(opts, WithRedisPrefix(cfg.Prefix))
		}
		if cfg.Clock != nil {
			opts = append(opts, WithRedisClock(cfg.Clock))
		}
		return NewRedisStore(cfg.Redis, opts...), nil

	case domain.BackendMirrored:
		if cfg.Sink == nil {
			return nil, errors.New("event sink is required for the mirrored backend")
		}
		opts := []AsyncSinkOption{}
		if cfg.MirrorBuffer > 0 {
			opts = append(opts, WithAsyncBuffer(cfg.MirrorBuffer))
		}
		if cfg.Logger != nil {
			opts = append(opts, WithAsyncLogger(cfg.Logger))
		}
		if cfg.OnMirrorDrop != nil {
			opts = append(opts, WithAsyncDropHook(cfg.OnMirrorDrop))
		}
		return NewMirroringStore(NewMemoryStore(memOpts...), cfg.Sink, opts...), nil

	default:
		return nil, fmt.Errorf("unsupported storage backend: %s", cfg.Backend)
	}
}
