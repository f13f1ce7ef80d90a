package application

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"time"

	"admission-gateway/middleware/ratelimit/domain"

	"github.com/google/uuid"
)

const (
	// Decisão fail-open quando o backend falha.
	FallbackLimit     int64 = 1000
	FallbackRemaining int64 = 999
	fallbackReset           = time.Minute

	violationsWindow = 24 * time.Hour
	blockLockTTL     = 2 * time.Second
	defaultGrace     = time.Second
)

// DefaultBackoff: bloqueia a partir da 3a violação, 1m dobrando até 1h.
var DefaultBackoff = domain.Backoff{
	Enabled:    true,
	Threshold:  3,
	BaseDelay:  time.Minute,
	Multiplier: 2,
	MaxDelay:   time.Hour,
}

// TierLookup resolve as janelas adicionais de um tier.
type TierLookup interface {
	TierWindows(tier string) ([]domain.Window, bool)
}

// Service é o motor de rate limit.
//
// Ele não persiste estado próprio: tudo passa pelo domain.Store. Ele não sabe
// nada sobre HTTP (headers/status), apenas retorna uma decisão.
type Service struct {
	store   domain.Store
	tiers   TierLookup
	backoff domain.Backoff
	grace   time.Duration
	now     func() time.Time
	logger  *slog.Logger
}

type ServiceOption func(*Service)

func WithTiers(t TierLookup) ServiceOption {
	return func(s *Service) { s.tiers = t }
}

func WithBackoff(b domain.Backoff) ServiceOption {
	return func(s *Service) { s.backoff = b }
}

// WithGrace define a folga somada ao TTL dos contadores.
func WithGrace(d time.Duration) ServiceOption {
	return func(s *Service) {
		if d >= 0 {
			s.grace = d
		}
	}
}

func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

func WithLogger(l *slog.Logger) ServiceOption {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

func NewService(store domain.Store, opts ...ServiceOption) *Service {
	s := &Service{
		store:   store,
		backoff: DefaultBackoff,
		grace:   defaultGrace,
		now:     time.Now,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type namedWindow struct {
	rule   string
	window domain.Window
}

// CheckLimit conta a requisição em todas as janelas efetivas e devolve a decisão.
//
// Janelas são avaliadas na ordem configurada; a primeira excedida encerra a
// avaliação e registra uma violação. Erros do backend viram fail-open.
func (s *Service) CheckLimit(ctx context.Context, identifier string, rule domain.Rule, tier string) domain.Result {
	return s.check(ctx, identifier, rule, tier, true)
}

// Peek decide sem contar. Usado por regras com SkipSuccessful/SkipFailed,
// que contam depois da resposta via Record. Sempre usa janela fixa.
//
// Peek + Record não é atômico: requisições concorrentes podem passar do
// limite por algumas unidades.
func (s *Service) Peek(ctx context.Context, identifier string, rule domain.Rule, tier string) domain.Result {
	return s.check(ctx, identifier, rule, tier, false)
}

// Record conta uma requisição já respondida, respeitando os flags de skip.
// 2xx/3xx contam como sucesso; >= 400 como falha.
func (s *Service) Record(ctx context.Context, identifier string, rule domain.Rule, tier string, status int) {
	failed := status >= 400
	if (failed && rule.SkipFailed) || (!failed && rule.SkipSuccessful) {
		return
	}
	now := s.now()
	for _, nw := range s.effectiveWindows(rule, tier) {
		start := domain.WindowStart(now, nw.window.Interval)
		key := domain.CounterKey(nw.rule, identifier, nw.window.Interval, start)
		if _, err := s.store.Increment(ctx, key, nw.window.Interval, nw.window.Interval+s.grace); err != nil {
			s.logger.Warn("rate limit deferred count failed", "identifier", identifier, "rule", nw.rule, "err", err)
			return
		}
	}
}

func (s *Service) check(ctx context.Context, identifier string, rule domain.Rule, tier string, count bool) domain.Result {
	now := s.now()
	windows := s.effectiveWindows(rule, tier)

	blk, err := s.store.GetBlock(ctx, identifier)
	if err != nil {
		return s.fallback(identifier, err, now)
	}
	if blk.Active(now) {
		res := domain.Result{
			Success:    false,
			ResetTime:  blk.ExpiresAt,
			RetryAfter: ceilSeconds(blk.ExpiresAt.Sub(now)),
			Blocked:    true,
			Reason:     domain.ReasonBlocked,
		}
		if len(windows) > 0 {
			res.Limit = windows[0].window.Limit
		}
		return res
	}

	if len(windows) == 0 {
		return domain.Result{Success: true, ResetTime: now}
	}

	algo := rule.Algorithm
	if !count {
		algo = domain.AlgorithmFixed
	}

	var agg domain.Result
	for i, nw := range windows {
		res, err := s.evalWindow(ctx, identifier, nw, algo, count, now)
		if err != nil {
			return s.fallback(identifier, err, now)
		}
		if !res.Success {
			return s.violation(ctx, identifier, res, now)
		}
		if i == 0 || res.Remaining < agg.Remaining {
			agg.Limit = res.Limit
			agg.Remaining = res.Remaining
		}
		if res.ResetTime.After(agg.ResetTime) {
			agg.ResetTime = res.ResetTime
		}
	}
	agg.Success = true
	return agg
}

func (s *Service) effectiveWindows(rule domain.Rule, tier string) []namedWindow {
	out := make([]namedWindow, 0, len(rule.Windows))
	for _, w := range rule.Windows {
		out = append(out, namedWindow{rule: rule.Name, window: w})
	}
	if tier == "" || s.tiers == nil {
		return out
	}
	if extra, ok := s.tiers.TierWindows(tier); ok {
		name := rule.Name + "#" + tier
		for _, w := range extra {
			out = append(out, namedWindow{rule: name, window: w})
		}
	}
	return out
}

func (s *Service) evalWindow(ctx context.Context, identifier string, nw namedWindow, algo domain.Algorithm, count bool, now time.Time) (domain.Result, error) {
	w := nw.window
	switch algo {
	case domain.AlgorithmSliding:
		if c, ok := s.store.(domain.SlidingWindowChecker); ok {
			wc, err := c.CheckSlidingWindow(ctx, movingKey(nw.rule, identifier, w.Interval), w.Interval, w.Limit)
			if err != nil {
				return domain.Result{}, err
			}
			return checkResult(wc, w.Limit, w.Interval, now), nil
		}
	case domain.AlgorithmTokenBucket:
		if c, ok := s.store.(domain.TokenBucketChecker); ok {
			b := domain.TokenBucket{Capacity: w.Limit, RefillRate: w.Limit, RefillPeriod: w.Interval}
			wc, err := c.CheckTokenBucket(ctx, movingKey(nw.rule, identifier, w.Interval), b)
			if err != nil {
				return domain.Result{}, err
			}
			return checkResult(wc, w.Limit, w.Interval, now), nil
		}
	}

	start := domain.WindowStart(now, w.Interval)
	key := domain.CounterKey(nw.rule, identifier, w.Interval, start)
	reset := start.Add(w.Interval)

	var n int64
	if count {
		v, err := s.store.Increment(ctx, key, w.Interval, w.Interval+s.grace)
		if err != nil {
			return domain.Result{}, err
		}
		n = v
	} else {
		rec, err := s.store.Get(ctx, key)
		if err != nil {
			return domain.Result{}, err
		}
		n = 1
		if rec != nil {
			n = rec.Requests + 1
		}
	}

	res := domain.Result{Limit: w.Limit, ResetTime: reset}
	if n > w.Limit {
		res.RetryAfter = ceilSeconds(reset.Sub(now))
		return res, nil
	}
	res.Success = true
	res.Remaining = w.Limit - n
	return res, nil
}

func checkResult(wc domain.WindowCheck, limit int64, interval time.Duration, now time.Time) domain.Result {
	res := domain.Result{Success: wc.Allowed, Limit: limit, Remaining: wc.Remaining}
	if wc.Allowed {
		res.ResetTime = now.Add(interval)
		return res
	}
	res.Remaining = 0
	res.ResetTime = now.Add(wc.RetryAfter)
	res.RetryAfter = ceilSeconds(wc.RetryAfter)
	return res
}

func movingKey(rule, identifier string, interval time.Duration) string {
	return rule + ":" + identifier + ":" + strconv.FormatInt(interval.Milliseconds(), 10)
}

func violationsKey(identifier string) string { return "violations:" + identifier }
func blockLockKey(identifier string) string  { return "lock:block:" + identifier }

// violation registra a falha e, com backoff habilitado, cria o bloqueio.
// A negação vale mesmo que o registro da violação falhe.
func (s *Service) violation(ctx context.Context, identifier string, res domain.Result, now time.Time) domain.Result {
	res.Reason = domain.ReasonRateLimited

	// sem janela alinhada: as violações valem 24h a partir da primeira
	v, err := s.store.Increment(ctx, violationsKey(identifier), 0, violationsWindow)
	if err != nil {
		s.logger.Warn("rate limit violation not recorded", "identifier", identifier, "err", err)
		return res
	}

	delay := s.backoff.Delay(v)
	if delay <= 0 {
		s.logger.Debug("rate limit exceeded", "identifier", identifier, "violations", v)
		return res
	}

	rec := domain.BlockRecord{
		Identifier: identifier,
		ExpiresAt:  now.Add(delay),
		Reason:     fmt.Sprintf("exponential backoff after %d violations", v),
	}
	if err := s.writeBlock(ctx, rec); err != nil {
		s.logger.Warn("rate limit block not written", "identifier", identifier, "err", err)
		return res
	}
	s.logger.Info("identifier blocked", "identifier", identifier, "violations", v, "duration", delay)

	res.Blocked = true
	res.Reason = domain.ReasonBlocked
	res.RetryAfter = ceilSeconds(delay)
	res.ResetTime = rec.ExpiresAt
	return res
}

// writeBlock grava o bloqueio sob a trava distribuída quando o store oferece uma.
// Trava ocupada significa que outra instância está gravando o mesmo bloqueio.
func (s *Service) writeBlock(ctx context.Context, rec domain.BlockRecord) error {
	l, ok := s.store.(domain.Locker)
	if !ok {
		return s.store.SetBlock(ctx, rec)
	}

	key := blockLockKey(rec.Identifier)
	token := uuid.NewString()
	got, err := l.AcquireLock(ctx, key, token, blockLockTTL)
	if err != nil {
		return err
	}
	if !got {
		return nil
	}
	defer func() {
		if _, err := l.ReleaseLock(context.WithoutCancel(ctx), key, token); err != nil {
			s.logger.Warn("block lock release failed", "identifier", rec.Identifier, "err", err)
		}
	}()
	return s.store.SetBlock(ctx, rec)
}

func (s *Service) fallback(identifier string, err error, now time.Time) domain.Result {
	s.logger.Warn("rate limit backend unavailable, failing open", "identifier", identifier, "err", err)
	return domain.Result{
		Success:   true,
		Limit:     FallbackLimit,
		Remaining: FallbackRemaining,
		ResetTime: now.Add(fallbackReset),
		Reason:    domain.ReasonFallback,
		Fallback:  true,
	}
}

// Stats expõe violações e bloqueio atual do identificador.
func (s *Service) Stats(ctx context.Context, identifier string) (domain.Stats, error) {
	now := s.now()
	var st domain.Stats

	rec, err := s.store.Get(ctx, violationsKey(identifier))
	if err != nil {
		return st, err
	}
	if rec != nil {
		st.Violations = rec.Requests
	}

	blk, err := s.store.GetBlock(ctx, identifier)
	if err != nil {
		return st, err
	}
	if blk.Active(now) {
		st.Blocked = true
		st.BlockExpiry = blk.ExpiresAt
	}
	return st, nil
}

// ClearViolations apaga violações e bloqueio (ex.: depois de um CAPTCHA resolvido).
func (s *Service) ClearViolations(ctx context.Context, identifier string) error {
	if err := s.store.Delete(ctx, violationsKey(identifier)); err != nil {
		return err
	}
	return s.store.DeleteBlock(ctx, identifier)
}

// Block aplica um bloqueio explícito (ex.: ameaça crítica).
func (s *Service) Block(ctx context.Context, identifier string, d time.Duration, reason string) error {
	if d <= 0 {
		return nil
	}
	return s.writeBlock(ctx, domain.BlockRecord{
		Identifier: identifier,
		ExpiresAt:  s.now().Add(d),
		Reason:     reason,
	})
}

func ceilSeconds(d time.Duration) int64 {
	if d <= 0 {
		return 1
	}
	return int64(math.Ceil(d.Seconds()))
}
