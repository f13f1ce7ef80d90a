package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"admission-gateway/middleware/ratelimit"
	"admission-gateway/middleware/ratelimit/application"
	"admission-gateway/middleware/ratelimit/config"
	"admission-gateway/middleware/ratelimit/domain"
	"admission-gateway/middleware/ratelimit/infra"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

// gateway reúne os componentes montados a partir da configuração.
type gateway struct {
	engine    *application.Service
	security  *application.SecurityManager
	store     domain.Store
	admission ratelimit.Options

	metrics        *ratelimit.Metrics
	metricsHandler http.Handler
	alertLimiter   *infra.KeyedLimiter
	events         *infra.AsyncEventSink

	closers []func() error
	logger  *slog.Logger
}

// loadConfig lê o YAML (ou os defaults) e aplica os overrides de CLI/env.
func loadConfig(cli CLI) (*config.Config, error) {
	var cfg *config.Config
	if cli.Config != "" {
		loaded, err := config.Load(cli.Config)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	} else {
		cfg = config.Default()
	}

	if cli.Backend != "" {
		cfg.Backend = domain.Backend(cli.Backend)
	}
	if cli.RedisAddr != "" {
		cfg.Redis.Addr = cli.RedisAddr
	}
	if cli.RedisPassword != "" {
		cfg.Redis.Password = cli.RedisPassword
	}
	if cli.RedisDB != 0 {
		cfg.Redis.DB = cli.RedisDB
	}
	if cfg.Backend == domain.BackendMirrored && cli.Sink == "none" {
		return nil, fmt.Errorf("backend %q requires --sink", cfg.Backend)
	}

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func build(ctx context.Context, cli CLI, cfg *config.Config, logger *slog.Logger) (*gateway, error) {
	gw := &gateway{logger: logger}
	ok := false
	defer func() {
		if !ok {
			gw.close()
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	gw.metrics = ratelimit.NewMetrics(reg)
	gw.metricsHandler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})

	var rdb redis.UniversalClient
	if cfg.Backend == domain.BackendDistributed || cli.Sink == "redis" {
		client, err := newRedisClient(ctx, cfg.Redis)
		if err != nil {
			return nil, err
		}
		rdb = client
		gw.closers = append(gw.closers, client.Close)
	}

	sink, err := gw.newEventSink(ctx, cli, cfg, rdb)
	if err != nil {
		return nil, err
	}

	store, err := infra.NewStore(infra.StoreConfig{
		Backend:      cfg.Backend,
		Redis:        rdb,
		Prefix:       cfg.Redis.Prefix,
		Sink:         sink,
		Logger:       logger,
		OnMirrorDrop: gw.metrics.MirrorDropped,
	})
	if err != nil {
		return nil, err
	}
	gw.store = store
	gw.closers = append(gw.closers, store.Close)

	patterns := make([]application.RulePattern, 0, len(cfg.Rules))
	for _, rc := range cfg.Rules {
		patterns = append(patterns, application.RulePattern{Pattern: rc.Pattern, Rule: rc.Rule})
	}
	resolver := application.NewRuleResolver(cfg.DefaultRule, patterns, cfg.Tiers)

	gw.engine = application.NewService(store,
		application.WithTiers(resolver),
		application.WithBackoff(cfg.Backoff),
		application.WithLogger(logger),
	)

	secOpts := []application.SecurityOption{
		application.WithCaptchaThreshold(cfg.Security.CaptchaThreshold),
		application.WithChallengeTTL(cfg.Security.ChallengeTTL),
		application.WithMaxAttempts(cfg.Security.MaxAttempts),
		application.WithSweepEvery(cfg.Security.SweepEvery),
		application.WithSecurityLogger(logger),
		application.WithThreatHook(gw.metrics.ObserveThreat),
	}
	if cli.WebhookURL != "" {
		// no máximo um alerta por minuto por identificador, rajada de 3
		gw.alertLimiter = infra.NewKeyedLimiter(1.0/60, 3)
		secOpts = append(secOpts, application.WithAlerter(infra.NewWebhookAlerter(cli.WebhookURL, gw.alertLimiter)))
	}
	gw.security = application.NewSecurityManager(gw.engine, secOpts...)

	// eventos de decisão nunca escrevem no sink durável dentro da requisição
	var events domain.EventSink
	if sink != nil {
		gw.events = infra.NewAsyncEventSink(sink,
			infra.WithAsyncLogger(logger),
			infra.WithAsyncDropHook(gw.metrics.DecisionEventDropped),
		)
		events = gw.events
	}

	whitelist, err := ratelimit.NewIPList(cfg.Whitelist)
	if err != nil {
		return nil, fmt.Errorf("whitelist: %w", err)
	}
	blacklist, err := ratelimit.NewIPList(cfg.Blacklist)
	if err != nil {
		return nil, fmt.Errorf("blacklist: %w", err)
	}

	gw.admission = ratelimit.Options{
		Limiter:           gw.engine,
		Rules:             resolver,
		Security:          gw.security,
		Events:            events,
		Metrics:           gw.metrics,
		Logger:            logger,
		KeyHeader:         cli.KeyHeader,
		TierHeader:        cli.TierHeader,
		TrustProxyHeaders: cli.TrustProxy,
		Whitelist:         whitelist,
		Blacklist:         blacklist,
		BlockedUserAgents: cfg.BlockedUserAgents,
		BotDetection:      cfg.Security.BotDetection,
		PatternAnalysis:   cfg.Security.PatternAnalysis,
		ChallengeType:     cfg.Security.ChallengeType,
	}

	ok = true
	return gw, nil
}

func newRedisClient(ctx context.Context, rc config.RedisConfig) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     rc.Addr,
		Password: rc.Password,
		DB:       rc.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping %s: %w", rc.Addr, err)
	}
	return rdb, nil
}

// newEventSink devolve nil quando --sink=none; o adapter ignora sink nil.
func (gw *gateway) newEventSink(ctx context.Context, cli CLI, cfg *config.Config, rdb redis.UniversalClient) (domain.EventSink, error) {
	switch cli.Sink {
	case "memory":
		return infra.NewMemoryEventSink(infra.WithRecentEvents(0)), nil
	case "redis":
		return infra.NewRedisEventSink(rdb, infra.WithStatsPrefix(cfg.Redis.Prefix+":events")), nil
	case "sql":
		db, err := sql.Open(cli.SQLDriver, cli.SQLDSN)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", cli.SQLDriver, err)
		}
		gw.closers = append(gw.closers, db.Close)

		sink, err := infra.NewSQLEventSink(ctx, db, sqlDialect(cli.SQLDriver))
		if err != nil {
			return nil, err
		}
		return sink, nil
	default:
		return nil, nil
	}
}

func sqlDialect(driver string) string {
	if driver == "sqlite3" {
		return "sqlite"
	}
	return driver
}

// routes monta o roteador: saúde, métricas, rotas administrativas e o
// upstream protegido por concorrência e admissão.
func (gw *gateway) routes(cli CLI, upstream http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Handle("/metrics", gw.metricsHandler)
	r.Mount("/_admission", ratelimit.AdminRoutes(gw.engine, gw.security, gw.logger))

	h := ratelimit.Middleware(gw.admission)(upstream)
	h = ratelimit.ConcurrencyMiddleware(ratelimit.ConcurrencyOptions{
		Max:            cli.ConcurrencyMax,
		RejectStatus:   http.StatusServiceUnavailable,
		AcquireTimeout: cli.ConcurrencyTimeout,
		Metrics:        gw.metrics,
		Logger:         gw.logger,
	})(h)
	r.Handle("/*", h)
	return r
}

// start registra no errgroup os laços de fundo: varredura do SecurityManager,
// janitors e o escoamento do espelho e dos eventos de decisão.
func (gw *gateway) start(ctx context.Context, g *errgroup.Group) {
	g.Go(func() error { return gw.security.Run(ctx) })

	if j, ok := gw.store.(interface{ StartJanitor(infra.DoneContext) }); ok {
		j.StartJanitor(ctx)
	}
	if gw.alertLimiter != nil {
		gw.alertLimiter.StartJanitor(ctx)
	}
	if m, ok := gw.store.(*infra.MirroringStore); ok {
		g.Go(func() error { return m.Run(ctx) })
	}
	if gw.events != nil {
		g.Go(func() error { return gw.events.Run(ctx) })
	}
}

func (gw *gateway) close() {
	for i := len(gw.closers) - 1; i >= 0; i-- {
		if err := gw.closers[i](); err != nil {
			gw.logger.Warn("close failed", "err", err)
		}
	}
	gw.closers = nil
}
