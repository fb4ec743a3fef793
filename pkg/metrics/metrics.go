package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// Routing metrics
	RequestsTotal        *prometheus.CounterVec
	RequestDuration      *prometheus.HistogramVec
	RetriesTotal         *prometheus.CounterVec
	FallbacksTotal       *prometheus.CounterVec
	TargetSelectionTotal *prometheus.CounterVec

	// Circuit breaker metrics
	BreakerState       *prometheus.GaugeVec
	BreakerTransitions *prometheus.CounterVec
	BreakerCascades    *prometheus.CounterVec

	// Health metrics
	NodeHealthScore *prometheus.GaugeVec
	AggregateHealth *prometheus.GaugeVec

	// Admission metrics
	AdmissionDecisions *prometheus.CounterVec
	QueueDepth         *prometheus.GaugeVec
	BudgetUtilization  *prometheus.GaugeVec
	SpendTotal         *prometheus.CounterVec

	// Incident metrics
	IncidentsTotal  *prometheus.CounterVec
	ActiveIncidents *prometheus.GaugeVec
	EscalationLevel *prometheus.GaugeVec
	RevenueAtRisk   prometheus.Gauge
}

// Config holds metrics configuration
type Config struct {
	Namespace string `json:"namespace"`
	Enabled   bool   `json:"enabled"`
}

// DefaultConfig returns default metrics configuration
func DefaultConfig() *Config {
	return &Config{
		Namespace: "meshguard",
		Enabled:   true,
	}
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(config *Config) *Metrics {
	if config == nil {
		config = DefaultConfig()
	}

	if !config.Enabled {
		return &Metrics{}
	}

	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Name:      "requests_total",
				Help:      "Total number of orchestrated service requests",
			},
			[]string{"service", "operation", "outcome"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: config.Namespace,
				Name:      "request_duration_seconds",
				Help:      "Service request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"service", "node"},
		),
		RetriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Name:      "retries_total",
				Help:      "Total number of request retry attempts",
			},
			[]string{"service"},
		),
		FallbacksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Name:      "fallbacks_total",
				Help:      "Total number of fallback invocations",
			},
			[]string{"service", "outcome"},
		),
		TargetSelectionTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Name:      "target_selection_total",
				Help:      "Total number of load balancer target selections",
			},
			[]string{"service", "strategy", "node"},
		),
		BreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Name:      "breaker_state",
				Help:      "Circuit breaker state per node (0=closed, 1=open, 2=half_open)",
			},
			[]string{"node", "service"},
		),
		BreakerTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Name:      "breaker_transitions_total",
				Help:      "Total number of circuit breaker state transitions",
			},
			[]string{"node", "from", "to"},
		),
		BreakerCascades: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Name:      "breaker_cascades_total",
				Help:      "Total number of cascaded breaker opens",
			},
			[]string{"service"},
		),
		NodeHealthScore: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Name:      "node_health_score",
				Help:      "Derived node health score (0-100)",
			},
			[]string{"node", "service"},
		),
		AggregateHealth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Name:      "aggregate_health_score",
				Help:      "Mesh-wide aggregate health score (0-100)",
			},
			[]string{"status"},
		),
		AdmissionDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Name:      "admission_decisions_total",
				Help:      "Total number of admission control decisions",
			},
			[]string{"service", "decision", "reason"},
		),
		QueueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Name:      "admission_queue_depth",
				Help:      "Number of deferred requests waiting per service",
			},
			[]string{"service"},
		),
		BudgetUtilization: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Name:      "budget_utilization_percent",
				Help:      "Monthly budget utilization percentage per service",
			},
			[]string{"service"},
		),
		SpendTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Name:      "spend_total",
				Help:      "Cumulative provider spend per service",
			},
			[]string{"service"},
		),
		IncidentsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Name:      "incidents_total",
				Help:      "Total number of incidents created",
			},
			[]string{"level"},
		),
		ActiveIncidents: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Name:      "active_incidents",
				Help:      "Number of unresolved incidents",
			},
			[]string{"level"},
		),
		EscalationLevel: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Name:      "incident_escalation_level",
				Help:      "Current escalation level per incident",
			},
			[]string{"incident_id"},
		),
		RevenueAtRisk: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Name:      "revenue_at_risk",
				Help:      "Projected revenue at risk over the next 8 hours",
			},
		),
	}

	m.register()
	return m
}

func (m *Metrics) register() {
	prometheus.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.RetriesTotal,
		m.FallbacksTotal,
		m.TargetSelectionTotal,
		m.BreakerState,
		m.BreakerTransitions,
		m.BreakerCascades,
		m.NodeHealthScore,
		m.AggregateHealth,
		m.AdmissionDecisions,
		m.QueueDepth,
		m.BudgetUtilization,
		m.SpendTotal,
		m.IncidentsTotal,
		m.ActiveIncidents,
		m.EscalationLevel,
		m.RevenueAtRisk,
	)
}

// ObserveRequest records a completed request with its duration
func (m *Metrics) ObserveRequest(service, operation, node, outcome string, duration time.Duration) {
	if m.RequestsTotal == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(service, operation, outcome).Inc()
	m.RequestDuration.WithLabelValues(service, node).Observe(duration.Seconds())
}

// RecordBreakerState updates the breaker state gauge for a node
func (m *Metrics) RecordBreakerState(node, service string, state float64) {
	if m.BreakerState == nil {
		return
	}
	m.BreakerState.WithLabelValues(node, service).Set(state)
}

// RecordAdmission records an admission decision
func (m *Metrics) RecordAdmission(service, decision, reason string) {
	if m.AdmissionDecisions == nil {
		return
	}
	m.AdmissionDecisions.WithLabelValues(service, decision, reason).Inc()
}
