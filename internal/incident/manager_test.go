package incident

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshguard/meshguard/internal/events"
	"github.com/meshguard/meshguard/pkg/logging"
)

type fakeClock struct {
	t time.Time
}

func (f *fakeClock) Now() time.Time          { return f.t }
func (f *fakeClock) Advance(d time.Duration) { f.t = f.t.Add(d) }

func testManager(t *testing.T) (*Manager, *fakeClock) {
	t.Helper()
	logger, err := logging.NewLogger(&logging.Config{Level: "error", Format: "json", Output: "stderr", ServiceName: "test"})
	require.NoError(t, err)
	clock := &fakeClock{t: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)}
	m := NewManager(nil, nil, nil, logger, nil, nil)
	m.SetClock(clock.Now)
	return m, clock
}

func paymentProfile() ServiceImpactProfile {
	return ServiceImpactProfile{
		ServiceName:           "payment",
		HourlyRevenue:         1500,
		CustomerImpactPercent: 30,
		AvailabilityPoints:    25,
		AffectedOperations:    []string{"checkout", "refunds"},
		EscalationRoles:       []string{"finance-lead"},
	}
}

func fleetProfile() ServiceImpactProfile {
	return ServiceImpactProfile{
		ServiceName:           "fleet-tracking",
		HourlyRevenue:         800,
		CustomerImpactPercent: 60,
		AvailabilityPoints:    35,
	}
}

// a MAJOR outage of a service earning 1500/hour loses 1125/hour, a severe
// impact that requires compliance reporting but not regulator notification
func TestCreateIncident_MajorPaymentOutage(t *testing.T) {
	m, _ := testManager(t)
	require.NoError(t, m.SetImpactProfile(paymentProfile()))

	inc, err := m.CreateIncident(context.Background(), "Payment provider outage", "upstream 503s", LevelMajor, []string{"payment"})
	require.NoError(t, err)

	assert.InDelta(t, 1125.0, inc.Revenue.EstimatedLossPerHour, 1e-9)
	assert.Equal(t, ImpactSevere, inc.Severity)
	assert.True(t, inc.Compliance.ReportingRequired)
	assert.False(t, inc.Compliance.RegulatoryNotificationRequired)
	assert.Equal(t, StatusActive, inc.Status)
	assert.Equal(t, 1, inc.Escalation.CurrentLevel)
}

func TestAssessBusinessImpact_Additive(t *testing.T) {
	m, _ := testManager(t)
	require.NoError(t, m.SetImpactProfile(paymentProfile()))
	require.NoError(t, m.SetImpactProfile(fleetProfile()))

	impact := m.AssessBusinessImpact([]string{"payment", "fleet-tracking"}, LevelCritical)

	assert.InDelta(t, 2300.0, impact.RevenueLossPerHour, 1e-9) // (1500+800) × 1.0
	assert.InDelta(t, 90.0, impact.AffectedCustomersPercent, 1e-9)
	assert.InDelta(t, 40.0, impact.ServiceAvailability, 1e-9)
	assert.Equal(t, ImpactCatastrophic, impact.Severity, "critical level floors the severity at catastrophic")
}

func TestAssessBusinessImpact_SeverityBuckets(t *testing.T) {
	m, _ := testManager(t)
	require.NoError(t, m.SetImpactProfile(ServiceImpactProfile{ServiceName: "svc", HourlyRevenue: 1000}))

	assert.Equal(t, ImpactMinor, m.AssessBusinessImpact([]string{"svc"}, LevelInfo).Severity)
	assert.Equal(t, ImpactModerate, m.AssessBusinessImpact([]string{"svc"}, LevelWarning).Severity)
	assert.Equal(t, ImpactSignificant, m.AssessBusinessImpact([]string{"svc"}, LevelMinor).Severity)
	assert.Equal(t, ImpactSignificant, m.AssessBusinessImpact([]string{"svc"}, LevelMajor).Severity)
	assert.Equal(t, ImpactCatastrophic, m.AssessBusinessImpact([]string{"svc"}, LevelDisaster).Severity)
}

func TestCreateIncident_EscalationPath(t *testing.T) {
	m, _ := testManager(t)
	require.NoError(t, m.SetImpactProfile(paymentProfile()))

	major, err := m.CreateIncident(context.Background(), "Major outage", "", LevelMajor, []string{"payment"})
	require.NoError(t, err)
	assert.Equal(t, []string{
		"on-call-engineer", "team-lead", "finance-lead",
		"engineering-director", "vp-engineering",
	}, major.Escalation.EscalationPath)

	critical, err := m.CreateIncident(context.Background(), "Critical outage", "", LevelCritical, []string{"payment"})
	require.NoError(t, err)
	assert.Equal(t, []string{
		"on-call-engineer", "team-lead", "finance-lead",
		"engineering-director", "vp-engineering", "cto", "ceo",
	}, critical.Escalation.EscalationPath)

	minor, err := m.CreateIncident(context.Background(), "Minor blip", "", LevelMinor, []string{"payment"})
	require.NoError(t, err)
	assert.Equal(t, []string{"on-call-engineer", "team-lead", "finance-lead"}, minor.Escalation.EscalationPath)
}

func TestEscalateIncident_MonotonicAndBounded(t *testing.T) {
	m, _ := testManager(t)
	inc, err := m.CreateIncident(context.Background(), "Blip", "", LevelMinor, []string{"payment"})
	require.NoError(t, err)
	pathLen := len(inc.Escalation.EscalationPath)

	for i := 0; i < pathLen+3; i++ {
		require.NoError(t, m.EscalateIncident(context.Background(), inc.ID, "test"))
		current, _ := m.IncidentByID(inc.ID)
		assert.LessOrEqual(t, current.Escalation.CurrentLevel, pathLen)
	}

	final, _ := m.IncidentByID(inc.ID)
	assert.Equal(t, pathLen, final.Escalation.CurrentLevel)

	require.NoError(t, m.ResolveIncident(context.Background(), inc.ID, "done"))
	err = m.EscalateIncident(context.Background(), inc.ID, "too late")
	assert.Error(t, err)
}

func TestEscalateIncident_NotFound(t *testing.T) {
	m, _ := testManager(t)
	assert.Error(t, m.EscalateIncident(context.Background(), "nope", "reason"))
}

func TestResolveIncident_ActualLoss(t *testing.T) {
	m, clock := testManager(t)
	require.NoError(t, m.SetImpactProfile(paymentProfile()))

	inc, err := m.CreateIncident(context.Background(), "Outage", "", LevelMajor, []string{"payment"})
	require.NoError(t, err)

	clock.Advance(2 * time.Hour)
	require.NoError(t, m.ResolveIncident(context.Background(), inc.ID, "provider recovered"))

	resolved, ok := m.IncidentByID(inc.ID)
	require.True(t, ok)
	assert.Equal(t, StatusResolved, resolved.Status)
	assert.InDelta(t, 2250.0, resolved.Revenue.ActualLoss, 1e-9) // 1125 × 2h
	assert.Equal(t, "provider recovered", resolved.Resolution)
	assert.False(t, resolved.Timeline.Resolved.IsZero())
	assert.Empty(t, m.ActiveIncidents())
}

func TestContinuityPlan_PhasedActivation(t *testing.T) {
	m, clock := testManager(t)
	require.NoError(t, m.AddContinuityPlan(ContinuityPlan{
		ID:        "payment-bcp",
		Name:      "Payment continuity",
		Scope:     []string{"payment"},
		Immediate: []string{"switch to backup processor"},
		ShortTerm: []string{"notify merchants"},
		LongTerm:  []string{"post-incident review"},
	}))

	_, err := m.CreateIncident(context.Background(), "Outage", "", LevelMajor, []string{"payment"})
	require.NoError(t, err)

	procedures := m.Procedures()
	require.Len(t, procedures, 3)
	byPhase := map[string]ProcedureExecution{}
	for _, proc := range procedures {
		byPhase[proc.Phase] = proc
	}
	assert.True(t, byPhase[PhaseImmediate].Completed, "immediate procedures run at creation")
	assert.False(t, byPhase[PhaseShortTerm].Completed)
	assert.False(t, byPhase[PhaseLongTerm].Completed)
	assert.Equal(t, clock.Now().Add(5*time.Minute), byPhase[PhaseShortTerm].ScheduledAt)
	assert.Equal(t, clock.Now().Add(time.Hour), byPhase[PhaseLongTerm].ScheduledAt)

	// before the deferral nothing new executes
	clock.Advance(4 * time.Minute)
	m.RunProcedureScan(context.Background())
	for _, proc := range m.Procedures() {
		if proc.Phase == PhaseShortTerm {
			assert.False(t, proc.Completed)
		}
	}

	clock.Advance(2 * time.Minute)
	m.RunProcedureScan(context.Background())
	for _, proc := range m.Procedures() {
		if proc.Phase == PhaseShortTerm {
			assert.True(t, proc.Completed)
		}
		if proc.Phase == PhaseLongTerm {
			assert.False(t, proc.Completed)
		}
	}

	clock.Advance(time.Hour)
	m.RunProcedureScan(context.Background())
	for _, proc := range m.Procedures() {
		assert.True(t, proc.Completed)
	}
}

func TestContinuityPlan_NoMatchingScope(t *testing.T) {
	m, _ := testManager(t)
	require.NoError(t, m.AddContinuityPlan(ContinuityPlan{
		ID:        "fleet-bcp",
		Scope:     []string{"fleet-tracking"},
		Immediate: []string{"enable offline mode"},
	}))

	_, err := m.CreateIncident(context.Background(), "Outage", "", LevelMajor, []string{"payment"})
	require.NoError(t, err)
	assert.Empty(t, m.Procedures())
}

func TestRunEscalationScan_AgeThresholds(t *testing.T) {
	m, clock := testManager(t)
	inc, err := m.CreateIncident(context.Background(), "Outage", "", LevelMajor, []string{"payment"})
	require.NoError(t, err)

	clock.Advance(29 * time.Minute)
	m.RunEscalationScan(context.Background())
	current, _ := m.IncidentByID(inc.ID)
	assert.Equal(t, 1, current.Escalation.CurrentLevel)

	clock.Advance(2 * time.Minute)
	m.RunEscalationScan(context.Background())
	current, _ = m.IncidentByID(inc.ID)
	assert.Equal(t, 2, current.Escalation.CurrentLevel)
}

func TestRunEscalationScan_SkipsResolved(t *testing.T) {
	m, clock := testManager(t)
	inc, err := m.CreateIncident(context.Background(), "Outage", "", LevelCritical, []string{"payment"})
	require.NoError(t, err)
	require.NoError(t, m.ResolveIncident(context.Background(), inc.ID, "fixed"))

	clock.Advance(time.Hour)
	m.RunEscalationScan(context.Background())
	current, _ := m.IncidentByID(inc.ID)
	assert.Equal(t, 1, current.Escalation.CurrentLevel)
}

func TestRunAggregateScan(t *testing.T) {
	m, _ := testManager(t)
	require.NoError(t, m.SetImpactProfile(paymentProfile()))

	aggregate := m.RunAggregateScan(context.Background())
	assert.InDelta(t, 100.0, aggregate.Score, 1e-9)
	assert.Equal(t, "healthy", aggregate.Status)

	_, err := m.CreateIncident(context.Background(), "Minor blip", "", LevelMinor, []string{"payment"})
	require.NoError(t, err)
	_, err = m.CreateIncident(context.Background(), "Meltdown", "", LevelCritical, []string{"fleet-tracking"})
	require.NoError(t, err)

	aggregate = m.RunAggregateScan(context.Background())
	// incident burden 100 − 5×2 − 20×1 = 70, averaged with 100% healthy nodes
	assert.InDelta(t, 85.0, aggregate.Score, 1e-9)
	assert.Equal(t, "degraded", aggregate.Status)
	assert.Equal(t, 2, aggregate.ActiveIncidents)
	assert.Equal(t, 1, aggregate.CriticalIncidents)

	// minor payment incident loses 750/hour, critical unprofiled service
	// contributes nothing
	assert.InDelta(t, 750.0, aggregate.CurrentHourlyLoss, 1e-9)
	assert.InDelta(t, 6000.0, aggregate.RevenueAtRisk, 1e-9)
	assert.InDelta(t, 18000.0, aggregate.ProjectedDailyLoss, 1e-9)
}

func TestHandleBreakerOpened_CreatesMajorIncident(t *testing.T) {
	m, _ := testManager(t)
	require.NoError(t, m.SetImpactProfile(paymentProfile()))

	m.handleBreakerOpened(events.Event{Type: events.TypeBreakerOpened, Service: "payment", NodeID: "pay-1"})

	active := m.ActiveIncidents()
	require.Len(t, active, 1)
	assert.Equal(t, LevelMajor, active[0].Level)
	assert.Equal(t, []string{"payment"}, active[0].AffectedServices)

	// a second open for the same service does not duplicate the incident
	m.handleBreakerOpened(events.Event{Type: events.TypeBreakerOpened, Service: "payment", NodeID: "pay-2"})
	assert.Len(t, m.ActiveIncidents(), 1)
}

func TestHandleFallbackSucceeded_AutoResolvesMinor(t *testing.T) {
	m, _ := testManager(t)
	inc, err := m.CreateIncident(context.Background(), "Blip", "", LevelMinor, []string{"payment"})
	require.NoError(t, err)

	m.handleFallbackSucceeded(events.Event{
		Type:    events.TypeFallbackSucceeded,
		Service: "payment",
		Payload: map[string]interface{}{"strategy": "cached_response"},
	})

	resolved, _ := m.IncidentByID(inc.ID)
	assert.Equal(t, StatusResolved, resolved.Status)
	assert.Contains(t, resolved.Fallbacks.Successful, "cached_response")
	assert.Equal(t, "cached_response", m.MostEffectiveStrategy("payment"))
}

func TestHandleFallbackSucceeded_KeepsMajorOpen(t *testing.T) {
	m, _ := testManager(t)
	inc, err := m.CreateIncident(context.Background(), "Outage", "", LevelMajor, []string{"payment"})
	require.NoError(t, err)

	m.handleFallbackSucceeded(events.Event{
		Type:    events.TypeFallbackSucceeded,
		Service: "payment",
		Payload: map[string]interface{}{"strategy": "cached_response"},
	})

	current, _ := m.IncidentByID(inc.ID)
	assert.Equal(t, StatusActive, current.Status)
	assert.Equal(t, "cached_response", current.Fallbacks.Current)
}

func TestHandleFallbackFailed_EscalatesAfterTwoStrategies(t *testing.T) {
	m, _ := testManager(t)
	inc, err := m.CreateIncident(context.Background(), "Outage", "", LevelMajor, []string{"payment"})
	require.NoError(t, err)

	m.handleFallbackFailed(events.Event{
		Type:    events.TypeFallbackFailed,
		Service: "payment",
		Payload: map[string]interface{}{"strategy": "cached_response"},
	})
	current, _ := m.IncidentByID(inc.ID)
	assert.Equal(t, 1, current.Escalation.CurrentLevel, "one failed strategy is not enough")

	m.handleFallbackFailed(events.Event{
		Type:    events.TypeFallbackFailed,
		Service: "payment",
		Payload: map[string]interface{}{"strategy": "default_response"},
	})
	current, _ = m.IncidentByID(inc.ID)
	assert.Equal(t, 2, current.Escalation.CurrentLevel)
	assert.ElementsMatch(t, []string{"cached_response", "default_response"}, current.Fallbacks.Failed)
}

func TestCreateIncident_AutoFallbackUsesBestStrategy(t *testing.T) {
	m, _ := testManager(t)

	// history: cached_response worked twice, default_response failed once
	m.handleFallbackSucceeded(events.Event{Service: "payment", Payload: map[string]interface{}{"strategy": "cached_response"}})
	m.handleFallbackSucceeded(events.Event{Service: "payment", Payload: map[string]interface{}{"strategy": "cached_response"}})
	m.handleFallbackFailed(events.Event{Service: "payment", Payload: map[string]interface{}{"strategy": "default_response"}})

	inc, err := m.CreateIncident(context.Background(), "Outage", "", LevelMajor, []string{"payment"})
	require.NoError(t, err)
	assert.Equal(t, "cached_response", inc.Fallbacks.Current)
	assert.Contains(t, inc.Fallbacks.Attempted, "cached_response")
	assert.False(t, inc.Timeline.MitigationStarted.IsZero())
}

func TestCreateIncident_Validation(t *testing.T) {
	m, _ := testManager(t)

	_, err := m.CreateIncident(context.Background(), "", "", LevelMajor, []string{"payment"})
	assert.Error(t, err)

	_, err = m.CreateIncident(context.Background(), "Outage", "", LevelMajor, nil)
	assert.Error(t, err)

	_, err = m.CreateIncident(context.Background(), "Outage", "", Level("bogus"), []string{"payment"})
	assert.Error(t, err)
}

func TestHandleFallbackFailed_RepeatedStrategyDoesNotReescalate(t *testing.T) {
	m, _ := testManager(t)
	inc, err := m.CreateIncident(context.Background(), "Outage", "", LevelMajor, []string{"payment"})
	require.NoError(t, err)

	fail := func(strategy string) {
		m.handleFallbackFailed(events.Event{
			Type:    events.TypeFallbackFailed,
			Service: "payment",
			Payload: map[string]interface{}{"strategy": strategy},
		})
	}

	fail("cached_response")
	fail("cached_response")
	current, _ := m.IncidentByID(inc.ID)
	assert.Equal(t, 1, current.Escalation.CurrentLevel, "the same strategy failing again adds nothing new")

	fail("default_response")
	current, _ = m.IncidentByID(inc.ID)
	assert.Equal(t, 2, current.Escalation.CurrentLevel)

	fail("cached_response")
	fail("default_response")
	current, _ = m.IncidentByID(inc.ID)
	assert.Equal(t, 2, current.Escalation.CurrentLevel, "repeat failures of known strategies stay put")
	assert.ElementsMatch(t, []string{"cached_response", "default_response"}, current.Fallbacks.Failed)
}
