package domain

import (
	"context"
	"time"
)

type ChallengeType string

const (
	ChallengeMath ChallengeType = "math"
	ChallengeText ChallengeType = "text"
)

// Challenge é um desafio CAPTCHA emitido para um identificador.
// Nasce com Attempts=0 e Solved=false; é destruído ao ser resolvido, ao expirar
// ou ao passar do limite de tentativas.
type Challenge struct {
	ID         string
	Identifier string
	Type       ChallengeType
	Question   string
	Solution   string
	ExpiresAt  time.Time
	Attempts   int
	Solved     bool
}

// VerifyResult é o contrato do endpoint de verificação: {valid, error?}.
type VerifyResult struct {
	Valid bool
	Err   error
}

type ThreatType string

const (
	ThreatRateLimitViolation ThreatType = "rate_limit_violation"
	ThreatSuspiciousPattern  ThreatType = "suspicious_pattern"
	ThreatBotDetection       ThreatType = "bot_detection"
	ThreatDistributedAttack  ThreatType = "distributed_attack"
)

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Weight é o peso usado no cálculo de risco.
func (s Severity) Weight() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 3
	case SeverityHigh:
		return 7
	case SeverityCritical:
		return 15
	default:
		return 0
	}
}

// BlockDuration é a duração do bloqueio automático por severidade.
func (s Severity) BlockDuration() time.Duration {
	switch s {
	case SeverityLow:
		return 5 * time.Minute
	case SeverityMedium:
		return 30 * time.Minute
	case SeverityHigh:
		return 2 * time.Hour
	case SeverityCritical:
		return 24 * time.Hour
	default:
		return 0
	}
}

// Alerting informa se a severidade dispara alerta externo.
func (s Severity) Alerting() bool {
	return s == SeverityHigh || s == SeverityCritical
}

// Threat é append-only; o histórico por identificador é limitado.
type Threat struct {
	Type       ThreatType
	Severity   Severity
	Identifier string
	Details    map[string]any
	Timestamp  time.Time
}

// BotVerdict é o resultado das heurísticas de bot.
type BotVerdict struct {
	IsBot      bool
	Confidence float64
	Reasons    []string
}

// RequestRecord é uma entrada do histórico de requisições de um identificador.
type RequestRecord struct {
	Timestamp time.Time
	Path      string
	Method    string
	Status    int
	Failed    bool
}

// SecurityReport agrega ameaças recentes num score de risco e recomendações.
type SecurityReport struct {
	Identifier        string
	TotalThreats      int
	ThreatsByType     map[ThreatType]int
	ThreatsBySeverity map[Severity]int
	RiskScore         int
	Recommendations   []string
	GeneratedAt       time.Time
}

// Alerter é o colaborador externo notificado em ameaças high/critical.
type Alerter interface {
	Alert(ctx context.Context, t Threat) error
}
