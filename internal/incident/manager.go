package incident

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/meshguard/meshguard/internal/events"
	"github.com/meshguard/meshguard/internal/notify"
	"github.com/meshguard/meshguard/internal/registry"
	"github.com/meshguard/meshguard/internal/store"
	"github.com/meshguard/meshguard/pkg/errors"
	"github.com/meshguard/meshguard/pkg/logging"
	"github.com/meshguard/meshguard/pkg/metrics"
)

// baseEscalationPath is the roles every incident starts with, before
// service-specific and level-gated additions
var baseEscalationPath = []string{"on-call-engineer", "team-lead"}

type strategyStat struct {
	successes int
	failures  int
}

// Manager owns the incident lifecycle: impact assessment, escalation,
// continuity plan activation, and the periodic scans that keep incidents
// moving when humans do not.
type Manager struct {
	mu            sync.Mutex
	incidents     map[string]*Incident
	profiles      map[string]ServiceImpactProfile
	plans         []ContinuityPlan
	procedures    []*ProcedureExecution
	strategyStats map[string]map[string]*strategyStat
	lastAggregate AggregateHealth

	registry  *registry.Registry
	notifier  *notify.Notifier
	bus       *events.Bus
	logger    *logging.Logger
	metrics   *metrics.Metrics
	snapshots *store.Snapshots
	now       func() time.Time
}

// NewManager creates an incident manager over the node registry
func NewManager(reg *registry.Registry, notifier *notify.Notifier, bus *events.Bus, logger *logging.Logger, m *metrics.Metrics, snaps *store.Snapshots) *Manager {
	if logger == nil {
		logger = logging.GetLogger()
	}
	return &Manager{
		incidents:     make(map[string]*Incident),
		profiles:      make(map[string]ServiceImpactProfile),
		strategyStats: make(map[string]map[string]*strategyStat),
		registry:      reg,
		notifier:      notifier,
		bus:           bus,
		logger:        logger,
		metrics:       m,
		snapshots:     snaps,
		now:           time.Now,
	}
}

// SetClock overrides the time source, for tests
func (m *Manager) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// SetImpactProfile installs or replaces the business impact profile for a
// logical service
func (m *Manager) SetImpactProfile(profile ServiceImpactProfile) error {
	if profile.ServiceName == "" {
		return errors.NewConfigurationError("impact profile requires a service name")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.profiles[profile.ServiceName] = profile
	return nil
}

// AddContinuityPlan registers a continuity plan. Plans are matched in
// registration order; the first whose scope intersects an incident's
// affected services is activated.
func (m *Manager) AddContinuityPlan(plan ContinuityPlan) error {
	if plan.ID == "" || len(plan.Scope) == 0 {
		return errors.NewConfigurationError("continuity plan requires an ID and a non-empty scope")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.plans = append(m.plans, plan)
	return nil
}

// CreateIncident opens an incident for an outage: assesses business impact,
// assembles the escalation path, sets compliance flags, notifies the first
// responder, activates a matching continuity plan, and starts an automatic
// fallback using the historically most effective strategy.
func (m *Manager) CreateIncident(ctx context.Context, title, description string, level Level, affectedServices []string) (Incident, error) {
	if title == "" {
		return Incident{}, errors.NewValidationError("incident title is required")
	}
	if len(affectedServices) == 0 {
		return Incident{}, errors.NewValidationError("incident requires at least one affected service")
	}
	if _, ok := revenueMultipliers[level]; !ok {
		return Incident{}, errors.NewValidationError("unknown incident level: " + string(level))
	}

	impact := m.AssessBusinessImpact(affectedServices, level)

	m.mu.Lock()
	now := m.now()
	inc := &Incident{
		ID:               uuid.New().String(),
		Title:            title,
		Description:      description,
		Level:            level,
		Severity:         impact.Severity,
		Status:           StatusActive,
		AffectedServices: append([]string(nil), affectedServices...),
		Revenue:          RevenueImpact{EstimatedLossPerHour: impact.RevenueLossPerHour},
		Operational: OperationalImpact{
			AffectedCustomersPercent: impact.AffectedCustomersPercent,
			AffectedOperations:       m.affectedOperationsLocked(affectedServices),
			ServiceAvailability:      impact.ServiceAvailability,
		},
		Timeline: Timeline{Detected: now},
		Escalation: Escalation{
			CurrentLevel:          1,
			EscalationPath:        m.escalationPathLocked(affectedServices, level),
			AutoEscalationEnabled: true,
		},
	}
	inc.Compliance = Compliance{
		ReportingRequired:              level.AtLeast(LevelMajor),
		RegulatoryNotificationRequired: level.AtLeast(LevelCritical),
	}
	m.incidents[inc.ID] = inc

	m.activatePlanLocked(inc, now)
	m.startAutoFallbackLocked(inc, now)

	record := copyIncident(inc)
	m.mu.Unlock()

	if m.metrics != nil {
		if m.metrics.IncidentsTotal != nil {
			m.metrics.IncidentsTotal.WithLabelValues(string(level)).Inc()
		}
		if m.metrics.ActiveIncidents != nil {
			m.metrics.ActiveIncidents.WithLabelValues(string(level)).Inc()
		}
		if m.metrics.EscalationLevel != nil {
			m.metrics.EscalationLevel.WithLabelValues(record.ID).Set(1)
		}
	}

	m.logger.LogIncidentEvent(ctx, "incident_created", record.ID, record.Title, logging.Fields{
		"level":               string(level),
		"severity":            string(record.Severity),
		"affected_services":   record.AffectedServices,
		"loss_per_hour":       record.Revenue.EstimatedLossPerHour,
		"reporting_required":  record.Compliance.ReportingRequired,
	})

	m.notifyEscalation(ctx, record, record.Escalation.EscalationPath[0], "incident created")
	m.persist(ctx, record)
	if m.bus != nil {
		m.bus.Publish(events.TypeIncidentCreated, firstService(record.AffectedServices), "", map[string]interface{}{
			"incident_id": record.ID,
			"level":       string(level),
			"severity":    string(record.Severity),
		})
	}

	return record, nil
}

// EscalateIncident moves an incident one step up its escalation path and
// notifies the newly included recipient. Escalation level is monotonic and
// bounded by the path length; escalating an incident already at the top is
// a no-op.
func (m *Manager) EscalateIncident(ctx context.Context, id, reason string) error {
	m.mu.Lock()
	inc, ok := m.incidents[id]
	if !ok {
		m.mu.Unlock()
		return errors.NewNotFoundError("incident " + id)
	}
	if inc.Status == StatusResolved {
		m.mu.Unlock()
		return errors.NewValidationError("cannot escalate a resolved incident")
	}
	if inc.Escalation.CurrentLevel >= len(inc.Escalation.EscalationPath) {
		m.mu.Unlock()
		return nil
	}

	inc.Escalation.CurrentLevel++
	inc.Escalation.Reasons = append(inc.Escalation.Reasons, reason)
	recipient := inc.Escalation.EscalationPath[inc.Escalation.CurrentLevel-1]
	record := copyIncident(inc)
	m.mu.Unlock()

	if m.metrics != nil && m.metrics.EscalationLevel != nil {
		m.metrics.EscalationLevel.WithLabelValues(id).Set(float64(record.Escalation.CurrentLevel))
	}

	m.logger.LogIncidentEvent(ctx, "incident_escalated", id, record.Title, logging.Fields{
		"escalation_level": record.Escalation.CurrentLevel,
		"recipient":        recipient,
		"reason":           reason,
	})

	m.notifyEscalation(ctx, record, recipient, reason)
	m.persist(ctx, record)
	if m.bus != nil {
		m.bus.Publish(events.TypeIncidentEscalated, firstService(record.AffectedServices), "", map[string]interface{}{
			"incident_id":      id,
			"escalation_level": record.Escalation.CurrentLevel,
			"reason":           reason,
		})
	}

	return nil
}

// ResolveIncident closes an incident and computes the actual revenue loss
// from the elapsed outage duration
func (m *Manager) ResolveIncident(ctx context.Context, id, resolution string) error {
	m.mu.Lock()
	inc, ok := m.incidents[id]
	if !ok {
		m.mu.Unlock()
		return errors.NewNotFoundError("incident " + id)
	}
	if inc.Status == StatusResolved {
		m.mu.Unlock()
		return nil
	}

	now := m.now()
	inc.Status = StatusResolved
	inc.Timeline.Resolved = now
	inc.Resolution = resolution

	elapsed := now.Sub(inc.Timeline.Detected).Hours()
	if elapsed < 0 {
		elapsed = 0
	}
	inc.Revenue.ActualLoss = inc.Revenue.EstimatedLossPerHour * elapsed

	record := copyIncident(inc)
	m.mu.Unlock()

	if m.metrics != nil && m.metrics.ActiveIncidents != nil {
		m.metrics.ActiveIncidents.WithLabelValues(string(record.Level)).Dec()
	}

	m.logger.LogIncidentEvent(ctx, "incident_resolved", id, record.Title, logging.Fields{
		"resolution":  resolution,
		"actual_loss": record.Revenue.ActualLoss,
		"duration":    now.Sub(record.Timeline.Detected).String(),
	})

	if m.notifier != nil {
		m.notifier.Notify(ctx, &notify.Notification{
			Recipient:  record.Escalation.EscalationPath[record.Escalation.CurrentLevel-1],
			Subject:    fmt.Sprintf("Resolved: %s", record.Title),
			Body:       resolution,
			Severity:   notify.SeverityInfo,
			Service:    firstService(record.AffectedServices),
			IncidentID: id,
		})
	}
	m.persist(ctx, record)
	if m.bus != nil {
		m.bus.Publish(events.TypeIncidentResolved, firstService(record.AffectedServices), "", map[string]interface{}{
			"incident_id": id,
			"actual_loss": record.Revenue.ActualLoss,
		})
	}

	return nil
}

// IncidentByID returns a copy of the incident
func (m *Manager) IncidentByID(id string) (Incident, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inc, ok := m.incidents[id]
	if !ok {
		return Incident{}, false
	}
	return copyIncident(inc), true
}

// ActiveIncidents returns copies of every unresolved incident
func (m *Manager) ActiveIncidents() []Incident {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []Incident
	for _, inc := range m.incidents {
		if inc.Status == StatusActive {
			result = append(result, copyIncident(inc))
		}
	}
	return result
}

// Procedures returns copies of every continuity procedure execution record
func (m *Manager) Procedures() []ProcedureExecution {
	m.mu.Lock()
	defer m.mu.Unlock()

	result := make([]ProcedureExecution, len(m.procedures))
	for i, proc := range m.procedures {
		result[i] = *proc
	}
	return result
}

// LastAggregateHealth returns the most recent aggregate health summary
func (m *Manager) LastAggregateHealth() AggregateHealth {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastAggregate
}

// activatePlanLocked schedules the first continuity plan whose scope
// intersects the incident's services: immediate procedures run now,
// short-term after five minutes, long-term after an hour.
func (m *Manager) activatePlanLocked(inc *Incident, now time.Time) {
	plan, ok := m.matchPlanLocked(inc.AffectedServices)
	if !ok {
		return
	}

	for _, action := range plan.Immediate {
		m.procedures = append(m.procedures, &ProcedureExecution{
			PlanID:      plan.ID,
			IncidentID:  inc.ID,
			Phase:       PhaseImmediate,
			Action:      action,
			ScheduledAt: now,
			ExecutedAt:  now,
			Completed:   true,
		})
	}
	for _, action := range plan.ShortTerm {
		m.procedures = append(m.procedures, &ProcedureExecution{
			PlanID:      plan.ID,
			IncidentID:  inc.ID,
			Phase:       PhaseShortTerm,
			Action:      action,
			ScheduledAt: now.Add(shortTermDeferral),
		})
	}
	for _, action := range plan.LongTerm {
		m.procedures = append(m.procedures, &ProcedureExecution{
			PlanID:      plan.ID,
			IncidentID:  inc.ID,
			Phase:       PhaseLongTerm,
			Action:      action,
			ScheduledAt: now.Add(longTermDeferral),
		})
	}

	m.logger.Info("Continuity plan activated",
		"plan_id", plan.ID,
		"incident_id", inc.ID,
		"immediate", len(plan.Immediate),
		"short_term", len(plan.ShortTerm),
		"long_term", len(plan.LongTerm),
	)
}

func (m *Manager) matchPlanLocked(services []string) (ContinuityPlan, bool) {
	for _, plan := range m.plans {
		for _, scoped := range plan.Scope {
			for _, service := range services {
				if scoped == service {
					return plan, true
				}
			}
		}
	}
	return ContinuityPlan{}, false
}

// startAutoFallbackLocked marks the historically most effective strategy as
// the incident's current mitigation
func (m *Manager) startAutoFallbackLocked(inc *Incident, now time.Time) {
	for _, service := range inc.AffectedServices {
		strategy := m.mostEffectiveStrategyLocked(service)
		if strategy == "" {
			continue
		}
		inc.Fallbacks.Current = strategy
		inc.Fallbacks.Attempted = appendUnique(inc.Fallbacks.Attempted, strategy)
		if inc.Timeline.MitigationStarted.IsZero() {
			inc.Timeline.MitigationStarted = now
		}
	}
}

// MostEffectiveStrategy returns the fallback strategy with the best success
// record for a service, empty when nothing has ever worked
func (m *Manager) MostEffectiveStrategy(serviceName string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mostEffectiveStrategyLocked(serviceName)
}

func (m *Manager) mostEffectiveStrategyLocked(serviceName string) string {
	best := ""
	bestScore := 0
	for strategy, stat := range m.strategyStats[serviceName] {
		score := stat.successes - stat.failures
		if stat.successes > 0 && (best == "" || score > bestScore) {
			best = strategy
			bestScore = score
		}
	}
	return best
}

func (m *Manager) recordStrategyLocked(serviceName, strategy string, success bool) {
	if strategy == "" {
		return
	}
	stats, ok := m.strategyStats[serviceName]
	if !ok {
		stats = make(map[string]*strategyStat)
		m.strategyStats[serviceName] = stats
	}
	stat, ok := stats[strategy]
	if !ok {
		stat = &strategyStat{}
		stats[strategy] = stat
	}
	if success {
		stat.successes++
	} else {
		stat.failures++
	}
}

func (m *Manager) notifyEscalation(ctx context.Context, inc Incident, recipient, reason string) {
	if m.notifier == nil {
		return
	}
	m.notifier.Notify(ctx, &notify.Notification{
		Recipient: recipient,
		Subject:   fmt.Sprintf("[%s] %s", inc.Level, inc.Title),
		Body: fmt.Sprintf("%s\n\nReason: %s\nEstimated loss: $%.2f/hour\nSeverity: %s",
			inc.Description, reason, inc.Revenue.EstimatedLossPerHour, inc.Severity),
		Severity:   severityForLevel(inc.Level),
		Service:    firstService(inc.AffectedServices),
		IncidentID: inc.ID,
	})
}

func (m *Manager) persist(ctx context.Context, inc Incident) {
	if m.snapshots == nil {
		return
	}
	m.snapshots.Put(ctx, store.PrefixIncident, inc.ID, inc)
}

func severityForLevel(level Level) notify.Severity {
	switch {
	case level.AtLeast(LevelCritical):
		return notify.SeverityEmergency
	case level.AtLeast(LevelMajor):
		return notify.SeverityCritical
	case level.AtLeast(LevelMinor):
		return notify.SeverityWarning
	default:
		return notify.SeverityInfo
	}
}

func firstService(services []string) string {
	if len(services) == 0 {
		return ""
	}
	return services[0]
}

func appendUnique(list []string, value string) []string {
	for _, existing := range list {
		if existing == value {
			return list
		}
	}
	return append(list, value)
}

func copyIncident(inc *Incident) Incident {
	record := *inc
	record.AffectedServices = append([]string(nil), inc.AffectedServices...)
	record.Operational.AffectedOperations = append([]string(nil), inc.Operational.AffectedOperations...)
	record.Escalation.EscalationPath = append([]string(nil), inc.Escalation.EscalationPath...)
	record.Escalation.Reasons = append([]string(nil), inc.Escalation.Reasons...)
	record.Fallbacks.Attempted = append([]string(nil), inc.Fallbacks.Attempted...)
	record.Fallbacks.Successful = append([]string(nil), inc.Fallbacks.Successful...)
	record.Fallbacks.Failed = append([]string(nil), inc.Fallbacks.Failed...)
	return record
}
