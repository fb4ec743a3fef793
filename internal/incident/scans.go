package incident

import (
	"context"
	"time"

	"github.com/meshguard/meshguard/internal/events"
	"github.com/meshguard/meshguard/internal/store"
)

// RunEscalationScan auto-escalates unresolved incidents that have outlived
// their level's patience threshold and still have escalation levels left
func (m *Manager) RunEscalationScan(ctx context.Context) {
	m.mu.Lock()
	now := m.now()
	var due []string
	for id, inc := range m.incidents {
		if inc.Status != StatusActive || !inc.Escalation.AutoEscalationEnabled {
			continue
		}
		if inc.Escalation.CurrentLevel >= len(inc.Escalation.EscalationPath) {
			continue
		}
		threshold, ok := autoEscalationThresholds[inc.Level]
		if !ok {
			continue
		}
		if now.Sub(inc.Timeline.Detected) >= threshold {
			due = append(due, id)
		}
	}
	m.mu.Unlock()

	for _, id := range due {
		if err := m.EscalateIncident(ctx, id, "auto-escalation: unresolved past threshold"); err != nil {
			m.logger.Error("Auto-escalation failed", "incident_id", id, "error", err.Error())
		}
	}
}

// RunProcedureScan executes continuity plan procedures whose deferral has
// elapsed
func (m *Manager) RunProcedureScan(ctx context.Context) {
	m.mu.Lock()
	now := m.now()
	var executed []*ProcedureExecution
	for _, proc := range m.procedures {
		if proc.Completed || now.Before(proc.ScheduledAt) {
			continue
		}
		proc.ExecutedAt = now
		proc.Completed = true
		executed = append(executed, proc)
	}
	m.mu.Unlock()

	for _, proc := range executed {
		m.logger.Info("Continuity procedure executed",
			"plan_id", proc.PlanID,
			"incident_id", proc.IncidentID,
			"phase", proc.Phase,
			"action", proc.Action,
		)
	}
}

// RunAggregateScan computes the mesh-wide health summary: the incident
// burden averaged with the healthy-node percentage, plus the revenue
// exposure projections published for dashboards.
func (m *Manager) RunAggregateScan(ctx context.Context) AggregateHealth {
	healthyPercent := 100.0
	if m.registry != nil {
		healthyPercent = m.registry.HealthyNodePercentage()
	}

	m.mu.Lock()
	now := m.now()
	active := 0
	critical := 0
	hourlyLoss := 0.0
	for _, inc := range m.incidents {
		if inc.Status != StatusActive {
			continue
		}
		active++
		if inc.Level.AtLeast(LevelCritical) {
			critical++
		}
		hourlyLoss += inc.Revenue.EstimatedLossPerHour
	}

	incidentScore := 100 - 5*float64(active) - 20*float64(critical)
	score := clip((incidentScore+healthyPercent)/2, 0, 100)

	aggregate := AggregateHealth{
		Score:              score,
		Status:             aggregateStatus(score),
		ActiveIncidents:    active,
		CriticalIncidents:  critical,
		HealthyNodePercent: healthyPercent,
		CurrentHourlyLoss:  hourlyLoss,
		RevenueAtRisk:      hourlyLoss * 8,
		ProjectedDailyLoss: hourlyLoss * 24,
		Timestamp:          now,
	}
	m.lastAggregate = aggregate
	m.mu.Unlock()

	if m.metrics != nil {
		if m.metrics.AggregateHealth != nil {
			m.metrics.AggregateHealth.WithLabelValues(aggregate.Status).Set(score)
		}
		if m.metrics.RevenueAtRisk != nil {
			m.metrics.RevenueAtRisk.Set(aggregate.RevenueAtRisk)
		}
	}
	if m.snapshots != nil {
		m.snapshots.Put(ctx, store.PrefixAggregateHealth, "latest", aggregate)
	}
	if m.bus != nil {
		m.bus.Publish(events.TypeAggregateHealth, "", "", map[string]interface{}{
			"score":                aggregate.Score,
			"status":               aggregate.Status,
			"active_incidents":     aggregate.ActiveIncidents,
			"revenue_at_risk":      aggregate.RevenueAtRisk,
			"projected_daily_loss": aggregate.ProjectedDailyLoss,
		})
	}

	return aggregate
}

func aggregateStatus(score float64) string {
	switch {
	case score >= 90:
		return "healthy"
	case score >= 70:
		return "degraded"
	case score >= 50:
		return "impaired"
	default:
		return "critical"
	}
}

func clip(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Start runs the periodic scans until the context is cancelled
func (m *Manager) Start(ctx context.Context, escalationInterval, aggregateInterval time.Duration) {
	escalation := time.NewTicker(escalationInterval)
	aggregate := time.NewTicker(aggregateInterval)
	defer escalation.Stop()
	defer aggregate.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-escalation.C:
			m.RunEscalationScan(ctx)
			m.RunProcedureScan(ctx)
		case <-aggregate.C:
			m.RunAggregateScan(ctx)
		}
	}
}

// BindEvents subscribes the manager's reactions to the event bus. Handlers
// run on the bus dispatch goroutine; each one re-enters the manager through
// its public operations.
func (m *Manager) BindEvents(bus *events.Bus) {
	bus.Subscribe(events.TypeBreakerOpened, m.handleBreakerOpened)
	bus.Subscribe(events.TypeFallbackSucceeded, m.handleFallbackSucceeded)
	bus.Subscribe(events.TypeFallbackFailed, m.handleFallbackFailed)
}

// handleBreakerOpened opens a MAJOR incident for the failing service unless
// one already covers it
func (m *Manager) handleBreakerOpened(e events.Event) {
	if e.Service == "" || m.hasActiveIncidentFor(e.Service) {
		return
	}

	_, err := m.CreateIncident(context.Background(),
		"Circuit breaker opened for "+e.Service,
		"Persistent failures opened the circuit breaker; traffic to the service is halted.",
		LevelMajor,
		[]string{e.Service},
	)
	if err != nil {
		m.logger.Error("Failed to create breaker incident", "service", e.Service, "error", err.Error())
	}
}

// handleFallbackSucceeded marks the strategy successful on matching open
// incidents and auto-resolves minor ones
func (m *Manager) handleFallbackSucceeded(e events.Event) {
	strategy, _ := e.Payload["strategy"].(string)

	m.mu.Lock()
	m.recordStrategyLocked(e.Service, strategy, true)
	var resolvable []string
	for id, inc := range m.incidents {
		if inc.Status != StatusActive || !containsService(inc.AffectedServices, e.Service) {
			continue
		}
		inc.Fallbacks.Attempted = appendUnique(inc.Fallbacks.Attempted, strategy)
		inc.Fallbacks.Successful = appendUnique(inc.Fallbacks.Successful, strategy)
		inc.Fallbacks.Current = strategy
		if inc.Timeline.MitigationStarted.IsZero() {
			inc.Timeline.MitigationStarted = m.now()
		}
		if !inc.Level.AtLeast(LevelMajor) {
			resolvable = append(resolvable, id)
		}
	}
	m.mu.Unlock()

	for _, id := range resolvable {
		if err := m.ResolveIncident(context.Background(), id, "auto-resolved: fallback strategy "+strategy+" succeeded"); err != nil {
			m.logger.Error("Auto-resolve failed", "incident_id", id, "error", err.Error())
		}
	}
}

// handleFallbackFailed marks the strategy failed and escalates when a newly
// failed strategy brings the distinct-failure count to two or more. A repeat
// failure of an already-recorded strategy never re-escalates.
func (m *Manager) handleFallbackFailed(e events.Event) {
	strategy, _ := e.Payload["strategy"].(string)

	m.mu.Lock()
	m.recordStrategyLocked(e.Service, strategy, false)
	var escalatable []string
	for id, inc := range m.incidents {
		if inc.Status != StatusActive || !containsService(inc.AffectedServices, e.Service) {
			continue
		}
		inc.Fallbacks.Attempted = appendUnique(inc.Fallbacks.Attempted, strategy)
		before := len(inc.Fallbacks.Failed)
		inc.Fallbacks.Failed = appendUnique(inc.Fallbacks.Failed, strategy)
		if len(inc.Fallbacks.Failed) > before && len(inc.Fallbacks.Failed) >= 2 {
			escalatable = append(escalatable, id)
		}
	}
	m.mu.Unlock()

	for _, id := range escalatable {
		if err := m.EscalateIncident(context.Background(), id, "multiple fallback strategies failed"); err != nil {
			m.logger.Error("Fallback-failure escalation failed", "incident_id", id, "error", err.Error())
		}
	}
}

func (m *Manager) hasActiveIncidentFor(serviceName string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, inc := range m.incidents {
		if inc.Status == StatusActive && containsService(inc.AffectedServices, serviceName) {
			return true
		}
	}
	return false
}

func containsService(services []string, serviceName string) bool {
	for _, service := range services {
		if service == serviceName {
			return true
		}
	}
	return false
}
