package domain

// Camada de domínio do rate limit.
//
// Regras e contratos (interfaces/tipos) sem dependência de net/http.

import (
	"strconv"
	"time"
)

// Window declara uma restrição de janela fixa: no máximo Limit requisições por Interval.
type Window struct {
	Interval time.Duration `yaml:"interval"`
	Limit    int64         `yaml:"limit"`
}

// Algorithm escolhe a estratégia de contagem de uma regra.
type Algorithm string

const (
	AlgorithmFixed       Algorithm = "fixed"
	AlgorithmSliding     Algorithm = "sliding"
	AlgorithmTokenBucket Algorithm = "token_bucket"
)

// Rule é um conjunto ordenado de janelas. Todas precisam passar para admitir;
// a primeira janela excedida determina a rejeição.
type Rule struct {
	Name           string    `yaml:"name"`
	Windows        []Window  `yaml:"windows"`
	Algorithm      Algorithm `yaml:"algorithm,omitempty"`
	SkipSuccessful bool      `yaml:"skip_successful,omitempty"`
	SkipFailed     bool      `yaml:"skip_failed,omitempty"`
}

// CountsDeferred indica que a contagem só pode acontecer depois da resposta.
func (r Rule) CountsDeferred() bool { return r.SkipSuccessful || r.SkipFailed }

// WindowStart alinha now ao início da janela: floor(now/interval)*interval.
func WindowStart(now time.Time, interval time.Duration) time.Time {
	ms := interval.Milliseconds()
	if ms <= 0 {
		return now
	}
	start := (now.UnixMilli() / ms) * ms
	return time.UnixMilli(start)
}

// CounterKey é a derivação canônica de chave de contador usada por todos os backends:
// {rule}:{identifier}:{intervalMs}:{windowStart}.
func CounterKey(rule, identifier string, interval time.Duration, windowStart time.Time) string {
	return rule + ":" + identifier + ":" +
		strconv.FormatInt(interval.Milliseconds(), 10) + ":" +
		strconv.FormatInt(windowStart.UnixMilli(), 10)
}

// Result é a decisão do motor de rate limit para uma requisição.
type Result struct {
	Success   bool
	Limit     int64
	Remaining int64
	ResetTime time.Time
	// RetryAfter em segundos; 0 quando admitido.
	RetryAfter int64
	Blocked    bool
	Reason     string
	// Fallback marca decisões fail-open tomadas por falha do backend.
	Fallback bool
}

// Reason values reportados em Result.Reason / X-RateLimit-Reason.
const (
	ReasonRateLimited = "rate_limit_exceeded"
	ReasonBlocked     = "blocked"
	ReasonFallback    = "backend_unavailable"
)

// Stats expõe o estado punitivo de um identificador.
type Stats struct {
	Violations  int64
	Blocked     bool
	BlockExpiry time.Time
}

// Backoff configura o bloqueio exponencial por violações repetidas.
type Backoff struct {
	Enabled    bool          `yaml:"enabled"`
	Threshold  int64         `yaml:"threshold"`
	BaseDelay  time.Duration `yaml:"base_delay"`
	Multiplier float64       `yaml:"multiplier"`
	MaxDelay   time.Duration `yaml:"max_delay"`
}

// Delay calcula min(base * multiplier^(violations-threshold), max).
// Retorna 0 quando não há bloqueio a aplicar.
func (b Backoff) Delay(violations int64) time.Duration {
	if !b.Enabled || violations < b.Threshold {
		return 0
	}
	d := float64(b.BaseDelay)
	for i := b.Threshold; i < violations; i++ {
		d *= b.Multiplier
		if d >= float64(b.MaxDelay) {
			return b.MaxDelay
		}
	}
	if time.Duration(d) > b.MaxDelay {
		return b.MaxDelay
	}
	return time.Duration(d)
}
