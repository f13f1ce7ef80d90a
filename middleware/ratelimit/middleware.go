package ratelimit

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"admission-gateway/middleware/ratelimit/application"
	"admission-gateway/middleware/ratelimit/domain"
)

// Limiter é o motor de rate limit visto pelo adapter.
type Limiter interface {
	CheckLimit(ctx context.Context, identifier string, rule domain.Rule, tier string) domain.Result
	Peek(ctx context.Context, identifier string, rule domain.Rule, tier string) domain.Result
	Record(ctx context.Context, identifier string, rule domain.Rule, tier string, status int)
}

// RuleSource resolve a regra de um path.
type RuleSource interface {
	Resolve(path string) domain.Rule
}

// Guard é o gerenciador de segurança visto pelo adapter.
type Guard interface {
	ShouldChallenge(ctx context.Context, identifier string) bool
	PendingChallenge(identifier string) (domain.Challenge, bool)
	GenerateChallenge(identifier string, typ domain.ChallengeType) domain.Challenge
	ReportThreat(ctx context.Context, t domain.Threat)
	DetectBotPatterns(userAgent string, headers application.HeaderGetter) domain.BotVerdict
	ObserveRequest(ctx context.Context, identifier string, rec domain.RequestRecord) []domain.Threat
}

type Options struct {
	Limiter  Limiter
	Rules    RuleSource
	Rule     domain.Rule // usada quando Rules == nil
	Security Guard
	Events   domain.EventSink // chamado dentro da requisição; use infra.AsyncEventSink
	Metrics  *Metrics
	Logger   *slog.Logger

	KeyFn             KeyFunc
	KeyHeader         string // default X-User-ID
	TierHeader        string // default X-User-Tier
	TrustProxyHeaders bool

	Whitelist         *IPList
	Blacklist         *IPList
	BlockedUserAgents []string

	BotDetection    bool
	PatternAnalysis bool
	ChallengeType   domain.ChallengeType

	RejectStatus    int
	ForbiddenStatus int
}

// Middleware aplica a admissão antes do próximo handler:
// whitelist > blacklist/user agent bloqueado > regra > motor > CAPTCHA.
func Middleware(opts Options) func(next http.Handler) http.Handler {
	if opts.RejectStatus == 0 {
		opts.RejectStatus = http.StatusTooManyRequests
	}
	if opts.ForbiddenStatus == 0 {
		opts.ForbiddenStatus = http.StatusForbidden
	}
	if opts.KeyHeader == "" {
		opts.KeyHeader = "X-User-ID"
	}
	if opts.TierHeader == "" {
		opts.TierHeader = "X-User-Tier"
	}
	if opts.KeyFn == nil {
		opts.KeyFn = DefaultKeyFunc(opts.KeyHeader, opts.TrustProxyHeaders)
	}
	if opts.ChallengeType == "" {
		opts.ChallengeType = domain.ChallengeMath
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	a := &admission{opts: opts}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			a.serve(w, r, next)
		})
	}
}

type admission struct {
	opts Options
}

func (a *admission) serve(w http.ResponseWriter, r *http.Request, next http.Handler) {
	ctx := r.Context()
	id := a.opts.KeyFn(r)
	addr := ClientIP(r, a.opts.TrustProxyHeaders)

	// whitelist só pela identidade de rede: o header de usuário vem do cliente
	if a.opts.Whitelist.Contains(addr) {
		w.Header().Set(HeaderStatus, "whitelisted")
		a.opts.Metrics.decision(OutcomeWhitelisted)
		a.record(ctx, r, id, true, "whitelisted")
		next.ServeHTTP(w, r)
		return
	}
	if a.opts.Blacklist.Contains(addr) || a.opts.Blacklist.Contains(id) {
		a.forbid(w, r, id, OutcomeBlacklisted, "blacklisted")
		return
	}
	if sig, ok := matchUserAgent(r.UserAgent(), a.opts.BlockedUserAgents); ok {
		a.opts.Logger.Info("blocked user agent", "identifier", id, "match", sig)
		a.forbid(w, r, id, OutcomeBotBlocked, "blocked_user_agent")
		return
	}

	rule := a.opts.Rule
	if a.opts.Rules != nil {
		rule = a.opts.Rules.Resolve(r.URL.Path)
	}
	tier := strings.TrimSpace(r.Header.Get(a.opts.TierHeader))

	if a.opts.BotDetection && a.opts.Security != nil {
		a.detectBot(ctx, r, id)
	}

	deferred := rule.CountsDeferred()
	var res domain.Result
	if deferred {
		res = a.opts.Limiter.Peek(ctx, id, rule, tier)
	} else {
		res = a.opts.Limiter.CheckLimit(ctx, id, rule, tier)
	}

	writeDecisionHeaders(w.Header(), res)
	if !res.Success {
		a.deny(w, r, id, res)
		return
	}

	if res.Fallback {
		a.opts.Metrics.decision(OutcomeFallback)
	} else {
		a.opts.Metrics.decision(OutcomeAllowed)
	}
	a.record(ctx, r, id, true, res.Reason)

	if !deferred && !a.observing() {
		next.ServeHTTP(w, r)
		return
	}

	sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
	start := time.Now()
	next.ServeHTTP(sw, r)

	if deferred {
		a.opts.Limiter.Record(context.WithoutCancel(ctx), id, rule, tier, sw.status)
	}
	if a.observing() {
		a.opts.Security.ObserveRequest(context.WithoutCancel(ctx), id, domain.RequestRecord{
			Timestamp: start,
			Path:      r.URL.Path,
			Method:    r.Method,
			Status:    sw.status,
			Failed:    sw.status >= 400,
		})
	}
}

func (a *admission) observing() bool {
	return a.opts.PatternAnalysis && a.opts.Security != nil
}

func (a *admission) detectBot(ctx context.Context, r *http.Request, id string) {
	v := a.opts.Security.DetectBotPatterns(r.UserAgent(), r.Header)
	if !v.IsBot {
		return
	}
	sev := domain.SeverityMedium
	if v.Confidence >= 0.8 {
		sev = domain.SeverityHigh
	}
	a.opts.Security.ReportThreat(ctx, domain.Threat{
		Type:       domain.ThreatBotDetection,
		Severity:   sev,
		Identifier: id,
		Details: map[string]any{
			"confidence": v.Confidence,
			"reasons":    v.Reasons,
			"userAgent":  r.UserAgent(),
			"path":       r.URL.Path,
		},
	})
}

func (a *admission) deny(w http.ResponseWriter, r *http.Request, id string, res domain.Result) {
	ctx := r.Context()
	body := denialBody{
		Error:      http.StatusText(a.opts.RejectStatus),
		Reason:     res.Reason,
		RetryAfter: res.RetryAfter,
	}
	outcome := OutcomeDenied
	if res.Blocked {
		outcome = OutcomeBlocked
	}

	if g := a.opts.Security; g != nil {
		sev := domain.SeverityLow
		if res.Blocked {
			sev = domain.SeverityMedium
		}
		g.ReportThreat(ctx, domain.Threat{
			Type:       domain.ThreatRateLimitViolation,
			Severity:   sev,
			Identifier: id,
			Details: map[string]any{
				"reason": res.Reason,
				"path":   r.URL.Path,
				"limit":  res.Limit,
			},
		})

		// desafio vivo é reaproveitado sem consultar o backend
		ch, ok := g.PendingChallenge(id)
		if !ok && g.ShouldChallenge(ctx, id) {
			ch, ok = g.GenerateChallenge(id, a.opts.ChallengeType), true
		}
		if ok {
			w.Header().Set(HeaderCaptchaRequired, "true")
			body.ChallengeID = ch.ID
			body.Question = ch.Question
			outcome = OutcomeChallenged
		}
	}

	a.opts.Metrics.decision(outcome)
	a.record(ctx, r, id, false, res.Reason)
	a.opts.Logger.Debug("request denied", "identifier", id, "path", r.URL.Path, "reason", res.Reason, "retry_after", res.RetryAfter)
	writeJSON(w, a.opts.RejectStatus, body)
}

func (a *admission) forbid(w http.ResponseWriter, r *http.Request, id, outcome, reason string) {
	a.opts.Metrics.decision(outcome)
	a.record(r.Context(), r, id, false, reason)
	w.Header().Set(HeaderReason, reason)
	writeJSON(w, a.opts.ForbiddenStatus, denialBody{
		Error:  http.StatusText(a.opts.ForbiddenStatus),
		Reason: reason,
	})
}

// record grava o evento de decisão; falha do sink nunca derruba a requisição.
func (a *admission) record(ctx context.Context, r *http.Request, id string, allowed bool, reason string) {
	if a.opts.Events == nil {
		return
	}
	err := a.opts.Events.Record(ctx, domain.Event{
		Kind:       domain.EventDecision,
		Identifier: id,
		Allowed:    allowed,
		Reason:     reason,
		Method:     r.Method,
		Path:       r.URL.Path,
		At:         time.Now(),
	})
	if err != nil {
		a.opts.Logger.Debug("decision event not recorded", "identifier", id, "err", err)
	}
}

// statusWriter guarda o status enviado pelo próximo handler.
type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.status = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	w.wroteHeader = true
	return w.ResponseWriter.Write(b)
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }
