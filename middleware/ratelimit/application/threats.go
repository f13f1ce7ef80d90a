package application

import (
	"context"
	"math"
	"time"

	"admission-gateway/middleware/ratelimit/domain"
)

const (
	burstThreshold    = 50
	failureThreshold  = 10
	endpointThreshold = 20
	alertTimeout      = 5 * time.Second
)

// threatRing guarda as últimas N ameaças; a mais antiga sai primeiro.
type threatRing struct {
	buf  []domain.Threat
	head int
}

func newThreatRing(n int) *threatRing {
	return &threatRing{buf: make([]domain.Threat, 0, n)}
}

func (r *threatRing) push(t domain.Threat) {
	if len(r.buf) < cap(r.buf) {
		r.buf = append(r.buf, t)
		return
	}
	r.buf[r.head] = t
	r.head = (r.head + 1) % len(r.buf)
}

// items devolve da mais antiga para a mais recente.
func (r *threatRing) items() []domain.Threat {
	out := make([]domain.Threat, 0, len(r.buf))
	out = append(out, r.buf[r.head:]...)
	return append(out, r.buf[:r.head]...)
}

// AnalyzeRequestPattern avalia os últimos 60s do histórico e devolve as ameaças encontradas.
// Não reporta nada; quem chama decide.
func (m *SecurityManager) AnalyzeRequestPattern(identifier string, requests []domain.RequestRecord) []domain.Threat {
	now := m.now()
	cutoff := now.Add(-patternWindow)

	total, failed := 0, 0
	endpoints := make(map[string]struct{})
	for _, r := range requests {
		if r.Timestamp.Before(cutoff) {
			continue
		}
		total++
		if r.Failed || r.Status >= 400 {
			failed++
		}
		endpoints[r.Path] = struct{}{}
	}

	var threats []domain.Threat
	if total > burstThreshold {
		threats = append(threats, domain.Threat{
			Type:       domain.ThreatRateLimitViolation,
			Severity:   domain.SeverityHigh,
			Identifier: identifier,
			Details:    map[string]any{"reason": "High request rate", "requests": total},
			Timestamp:  now,
		})
	}
	if failed > failureThreshold {
		threats = append(threats, domain.Threat{
			Type:       domain.ThreatSuspiciousPattern,
			Severity:   domain.SeverityMedium,
			Identifier: identifier,
			Details:    map[string]any{"reason": "High failure rate", "failed": failed},
			Timestamp:  now,
		})
	}
	if len(endpoints) > endpointThreshold {
		threats = append(threats, domain.Threat{
			Type:       domain.ThreatSuspiciousPattern,
			Severity:   domain.SeverityHigh,
			Identifier: identifier,
			Details:    map[string]any{"reason": "Endpoint scanning detected", "endpoints": len(endpoints)},
			Timestamp:  now,
		})
	}
	return threats
}

// ObserveRequest acrescenta a requisição ao histórico do identificador,
// analisa o padrão e reporta ameaças novas. A mesma ameaça (tipo + motivo)
// é reportada no máximo uma vez por janela de análise.
func (m *SecurityManager) ObserveRequest(ctx context.Context, identifier string, rec domain.RequestRecord) []domain.Threat {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = m.now()
	}

	m.mu.Lock()
	h := append(m.history[identifier], rec)
	if len(h) > requestHistorySize {
		h = h[len(h)-requestHistorySize:]
	}
	m.history[identifier] = h
	snapshot := make([]domain.RequestRecord, len(h))
	copy(snapshot, h)
	m.mu.Unlock()

	var fresh []domain.Threat
	for _, t := range m.AnalyzeRequestPattern(identifier, snapshot) {
		if m.firstInWindow(t) {
			m.ReportThreat(ctx, t)
			fresh = append(fresh, t)
		}
	}
	return fresh
}

func (m *SecurityManager) firstInWindow(t domain.Threat) bool {
	reason, _ := t.Details["reason"].(string)
	key := t.Identifier + "|" + string(t.Type) + "|" + reason

	m.mu.Lock()
	defer m.mu.Unlock()
	if at, ok := m.reported[key]; ok && t.Timestamp.Sub(at) < patternWindow {
		return false
	}
	m.reported[key] = t.Timestamp
	return true
}

// ReportThreat guarda a ameaça no histórico do identificador (máx. 100),
// loga, alerta em high/critical e bloqueia automaticamente em critical.
func (m *SecurityManager) ReportThreat(ctx context.Context, t domain.Threat) {
	if t.Timestamp.IsZero() {
		t.Timestamp = m.now()
	}

	m.mu.Lock()
	ring, ok := m.threats[t.Identifier]
	if !ok {
		ring = newThreatRing(threatHistorySize)
		m.threats[t.Identifier] = ring
	}
	ring.push(t)
	m.mu.Unlock()

	attrs := []any{"type", t.Type, "severity", t.Severity, "identifier", t.Identifier, "details", t.Details}
	switch t.Severity {
	case domain.SeverityCritical:
		m.logger.Error("security threat", attrs...)
	case domain.SeverityHigh:
		m.logger.Warn("security threat", attrs...)
	default:
		m.logger.Info("security threat", attrs...)
	}

	if m.onThreat != nil {
		m.onThreat(t)
	}

	if t.Severity.Alerting() && m.alerter != nil {
		go m.alert(context.WithoutCancel(ctx), t)
	}

	if t.Severity == domain.SeverityCritical && m.limiter != nil {
		reason := "auto-block: " + string(t.Type)
		if err := m.limiter.Block(ctx, t.Identifier, t.Severity.BlockDuration(), reason); err != nil {
			m.logger.Error("auto-block failed", "identifier", t.Identifier, "err", err)
		}
	}
}

func (m *SecurityManager) alert(ctx context.Context, t domain.Threat) {
	ctx, cancel := context.WithTimeout(ctx, alertTimeout)
	defer cancel()
	if err := m.alerter.Alert(ctx, t); err != nil {
		m.logger.Error("security alert delivery failed", "identifier", t.Identifier, "err", err)
	}
}

// Threats devolve o histórico do identificador, da mais antiga para a mais recente.
func (m *SecurityManager) Threats(identifier string) []domain.Threat {
	m.mu.Lock()
	defer m.mu.Unlock()
	ring, ok := m.threats[identifier]
	if !ok {
		return nil
	}
	return ring.items()
}

// GenerateSecurityReport agrega as ameaças da última hora do identificador
// (ou de todos, com identifier vazio).
//
// riskScore = round(soma dos pesos / quantidade * 10), limitado a 100.
func (m *SecurityManager) GenerateSecurityReport(identifier string) domain.SecurityReport {
	now := m.now()
	cutoff := now.Add(-reportWindow)

	var recent []domain.Threat
	m.mu.Lock()
	for id, ring := range m.threats {
		if identifier != "" && id != identifier {
			continue
		}
		for _, t := range ring.buf {
			if !t.Timestamp.Before(cutoff) {
				recent = append(recent, t)
			}
		}
	}
	m.mu.Unlock()

	rep := domain.SecurityReport{
		Identifier:        identifier,
		TotalThreats:      len(recent),
		ThreatsByType:     make(map[domain.ThreatType]int),
		ThreatsBySeverity: make(map[domain.Severity]int),
		Recommendations:   []string{},
		GeneratedAt:       now,
	}
	if len(recent) == 0 {
		return rep
	}

	weight := 0
	for _, t := range recent {
		rep.ThreatsByType[t.Type]++
		rep.ThreatsBySeverity[t.Severity]++
		weight += t.Severity.Weight()
	}

	score := int(math.Round(float64(weight) / float64(len(recent)) * 10))
	rep.RiskScore = min(score, 100)
	rep.Recommendations = recommendations(rep.ThreatsByType)
	return rep
}

func recommendations(byType map[domain.ThreatType]int) []string {
	out := []string{}
	if byType[domain.ThreatRateLimitViolation] > 0 {
		out = append(out,
			"Consider implementing stricter rate limits",
			"Enable CAPTCHA for repeat offenders")
	}
	if byType[domain.ThreatBotDetection] > 0 {
		out = append(out,
			"Strengthen bot detection",
			"Block known bot user agents")
	}
	if byType[domain.ThreatDistributedAttack] > 0 {
		out = append(out,
			"Enable DDoS protection",
			"Consider geo-blocking the attacking regions")
	}
	if byType[domain.ThreatSuspiciousPattern] > 0 {
		out = append(out, "Review suspicious request patterns and tighten endpoint access")
	}
	return out
}
