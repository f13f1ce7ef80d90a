package ratelimit

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"admission-gateway/middleware/ratelimit/application"
	"admission-gateway/middleware/ratelimit/domain"
	"admission-gateway/middleware/ratelimit/infra"
)

type ConcurrencyOptions struct {
	Max            int
	RejectStatus   int
	AcquireTimeout time.Duration
	Metrics        *Metrics
	Logger         *slog.Logger
}

// ConcurrencyMiddleware limita requisições em voo; sem vaga dentro do
// AcquireTimeout responde RejectStatus (503 por padrão).
func ConcurrencyMiddleware(opts ConcurrencyOptions) func(next http.Handler) http.Handler {
	if opts.Max <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	if opts.RejectStatus == 0 {
		opts.RejectStatus = http.StatusServiceUnavailable
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	svc := application.ConcurrencyService{
		Pool:           infra.NewChanPool(opts.Max),
		AcquireTimeout: opts.AcquireTimeout,
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			release, err := svc.Acquire(r.Context())
			if err != nil {
				if errors.Is(err, domain.ErrNoSlot) {
					used, capacity := svc.InFlight()
					opts.Logger.Warn("concurrency limit reached", "in_use", used, "capacity", capacity, "path", r.URL.Path)
				}
				writeJSON(w, opts.RejectStatus, errorResponse{Error: http.StatusText(opts.RejectStatus)})
				return
			}
			opts.Metrics.inFlightAdd(1)
			defer func() {
				opts.Metrics.inFlightAdd(-1)
				release()
			}()

			next.ServeHTTP(w, r)
		})
	}
}
