package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"admission-gateway/middleware/ratelimit"
	"admission-gateway/middleware/ratelimit/application"
	"admission-gateway/middleware/ratelimit/config"
	"admission-gateway/middleware/ratelimit/infra"

	"github.com/go-chi/chi/v5"
)

func main() {
	// Exemplo: admissão embutida direto no seu webserver (sem proxy), backend em memória.
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	cfg := config.Default()

	store := infra.NewMemoryStore()
	defer store.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	store.StartJanitor(ctx)

	patterns := make([]application.RulePattern, 0, len(cfg.Rules))
	for _, rc := range cfg.Rules {
		patterns = append(patterns, application.RulePattern{Pattern: rc.Pattern, Rule: rc.Rule})
	}
	resolver := application.NewRuleResolver(cfg.DefaultRule, patterns, cfg.Tiers)
	engine := application.NewService(store, application.WithTiers(resolver), application.WithLogger(logger))
	security := application.NewSecurityManager(engine, application.WithSecurityLogger(logger))
	go func() { _ = security.Run(ctx) }()

	r := chi.NewRouter()
	r.Mount("/_admission", ratelimit.AdminRoutes(engine, security, logger))
	r.Group(func(r chi.Router) {
		r.Use(ratelimit.ConcurrencyMiddleware(ratelimit.ConcurrencyOptions{Max: 50, Logger: logger}))
		r.Use(ratelimit.Middleware(ratelimit.Options{
			Limiter:         engine,
			Rules:           resolver,
			Security:        security,
			Logger:          logger,
			KeyHeader:       "X-Api-Key", // ou vazio para usar IP
			BotDetection:    true,
			PatternAnalysis: true,
		}))
		r.HandleFunc("/*", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok\n"))
		})
	})

	addr := ":8081"
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		addr = v
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       90 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("example server listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server error", "err", err)
		os.Exit(1)
	}
}
