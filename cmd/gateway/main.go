// Command gateway é um reverse proxy com admissão: rate limit por regra,
// bloqueio exponencial, CAPTCHA, detecção de bots e relatório de risco.
//
// Uso:
//
//	gateway --upstream http://localhost:8081
//	gateway --config gateway.yaml --backend distributed --redis-addr redis:6379
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"
)

// CLI define flags e variáveis de ambiente do gateway.
type CLI struct {
	Config   string `short:"c" help:"Path to YAML config file." type:"path" env:"GATEWAY_CONFIG"`
	Listen   string `help:"Listen address." default:":8080" env:"LISTEN_ADDR"`
	Upstream string `help:"Upstream URL to proxy admitted requests to." required:"" env:"UPSTREAM_URL"`
	Backend  string `help:"Storage backend (memory, distributed, mirrored). Overrides the config file." env:"STORAGE_BACKEND"`

	RedisAddr     string `name:"redis-addr" help:"Redis address. Overrides the config file." env:"REDIS_ADDR"`
	RedisPassword string `name:"redis-password" help:"Redis password." env:"REDIS_PASSWORD"`
	RedisDB       int    `name:"redis-db" help:"Redis database." default:"0" env:"REDIS_DB"`

	Sink      string `help:"Event sink for decisions and mirrored writes (none, memory, redis, sql)." enum:"none,memory,redis,sql" default:"none" env:"EVENT_SINK"`
	SQLDriver string `name:"sql-driver" help:"database/sql driver (sqlite3, postgres, mysql)." enum:"sqlite3,postgres,mysql" default:"sqlite3" env:"SQL_DRIVER"`
	SQLDSN    string `name:"sql-dsn" help:"database/sql DSN." default:"file:admission.db?cache=shared" env:"SQL_DSN"`

	WebhookURL string `name:"webhook-url" help:"Webhook for high and critical threat alerts." env:"ALERT_WEBHOOK_URL"`

	KeyHeader  string `name:"key-header" help:"Header identifying the caller." default:"X-User-ID" env:"RATE_KEY_HEADER"`
	TierHeader string `name:"tier-header" help:"Header carrying the caller tier." default:"X-User-Tier" env:"RATE_TIER_HEADER"`
	TrustProxy bool   `name:"trust-proxy" help:"Trust CF-Connecting-IP, X-Real-IP and X-Forwarded-For." env:"TRUST_PROXY_HEADERS"`

	ConcurrencyMax     int           `name:"concurrency-max" help:"Max in-flight requests (0 disables)." default:"100" env:"CONCURRENCY_MAX"`
	ConcurrencyTimeout time.Duration `name:"concurrency-timeout" help:"How long to wait for a free slot." default:"0s" env:"CONCURRENCY_TIMEOUT"`

	LogLevel  string `name:"log-level" help:"Log level (debug, info, warn, error)." default:"info" env:"LOG_LEVEL"`
	LogFormat string `name:"log-format" help:"Log format (text, json)." enum:"text,json" default:"text" env:"LOG_FORMAT"`
}

func main() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "failed to load .env: %v\n", err)
	}

	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("gateway"),
		kong.Description("Admission gateway: rate limiting, backoff blocks, CAPTCHA and bot detection in front of an upstream."),
		kong.UsageOnError(),
	)

	logger := newLogger(cli.LogLevel, cli.LogFormat)
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	kctx.FatalIfErrorf(run(ctx, cli, logger))
}

func run(ctx context.Context, cli CLI, logger *slog.Logger) error {
	target, err := url.Parse(cli.Upstream)
	if err != nil || target.Host == "" {
		return fmt.Errorf("invalid upstream URL %q", cli.Upstream)
	}

	cfg, err := loadConfig(cli)
	if err != nil {
		return err
	}

	gw, err := build(ctx, cli, cfg, logger)
	if err != nil {
		return err
	}
	defer gw.close()

	proxy := httputil.NewSingleHostReverseProxy(target)
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		logger.Error("proxy error", "path", r.URL.Path, "err", err)
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}

	srv := &http.Server{
		Addr:              cli.Listen,
		Handler:           gw.routes(cli, proxy),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       90 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	gw.start(gctx, g)

	g.Go(func() error {
		logger.Info("gateway listening",
			"addr", cli.Listen,
			"upstream", target.String(),
			"backend", cfg.Backend,
			"sink", cli.Sink,
			"rules", len(cfg.Rules),
			"concurrency_max", cli.ConcurrencyMax,
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func newLogger(level, format string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: lvl}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
