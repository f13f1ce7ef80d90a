package ratelimit

import (
	"admission-gateway/middleware/ratelimit/domain"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Resultados possíveis em admission_decisions_total{outcome}.
const (
	OutcomeAllowed     = "allowed"
	OutcomeDenied      = "denied"
	OutcomeBlocked     = "blocked"
	OutcomeWhitelisted = "whitelisted"
	OutcomeBlacklisted = "blacklisted"
	OutcomeBotBlocked  = "bot_blocked"
	OutcomeFallback    = "fallback"
	OutcomeChallenged  = "challenged"
)

// Metrics agrupa os coletores Prometheus do gateway. Métodos aceitam receiver nil.
type Metrics struct {
	decisions     *prometheus.CounterVec
	threats       *prometheus.CounterVec
	inFlight      prometheus.Gauge
	mirrorDropped prometheus.Counter
	eventsDropped prometheus.Counter
}

// NewMetrics registra os coletores em reg (use prometheus.NewRegistry em testes).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		decisions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "admission_decisions_total",
			Help: "Admission decisions by outcome.",
		}, []string{"outcome"}),
		threats: f.NewCounterVec(prometheus.CounterOpts{
			Name: "admission_threats_total",
			Help: "Security threats reported by type and severity.",
		}, []string{"type", "severity"}),
		inFlight: f.NewGauge(prometheus.GaugeOpts{
			Name: "admission_inflight_requests",
			Help: "Admitted requests currently being served.",
		}),
		mirrorDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "admission_mirror_dropped_total",
			Help: "Storage events dropped by the analytics mirror because its buffer was full.",
		}),
		eventsDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "admission_decision_events_dropped_total",
			Help: "Decision events dropped because the event buffer was full.",
		}),
	}
}

func (m *Metrics) decision(outcome string) {
	if m == nil {
		return
	}
	m.decisions.WithLabelValues(outcome).Inc()
}

// ObserveThreat serve como hook do SecurityManager.
func (m *Metrics) ObserveThreat(t domain.Threat) {
	if m == nil {
		return
	}
	m.threats.WithLabelValues(string(t.Type), string(t.Severity)).Inc()
}

// MirrorDropped serve como hook de descarte do MirroringStore.
func (m *Metrics) MirrorDropped() {
	if m == nil {
		return
	}
	m.mirrorDropped.Inc()
}

// DecisionEventDropped serve como hook de descarte do buffer de eventos de decisão.
func (m *Metrics) DecisionEventDropped() {
	if m == nil {
		return
	}
	m.eventsDropped.Inc()
}

func (m *Metrics) inFlightAdd(delta float64) {
	if m == nil {
		return
	}
	m.inFlight.Add(delta)
}
