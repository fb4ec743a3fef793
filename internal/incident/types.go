package incident

import (
	"time"
)

// Level is the 6-point incident severity scale
type Level string

const (
	LevelInfo     Level = "info"
	LevelWarning  Level = "warning"
	LevelMinor    Level = "minor"
	LevelMajor    Level = "major"
	LevelCritical Level = "critical"
	LevelDisaster Level = "disaster"
)

// rank orders levels for comparisons, info lowest
func (l Level) rank() int {
	switch l {
	case LevelWarning:
		return 1
	case LevelMinor:
		return 2
	case LevelMajor:
		return 3
	case LevelCritical:
		return 4
	case LevelDisaster:
		return 5
	default:
		return 0
	}
}

// AtLeast reports whether the level is at or above the other
func (l Level) AtLeast(other Level) bool {
	return l.rank() >= other.rank()
}

// revenueMultipliers scale a service's hourly revenue into an estimated
// hourly loss for an outage at the given level
var revenueMultipliers = map[Level]float64{
	LevelInfo:     0.10,
	LevelWarning:  0.25,
	LevelMinor:    0.50,
	LevelMajor:    0.75,
	LevelCritical: 1.00,
	LevelDisaster: 1.50,
}

// ImpactSeverity is the 6-point business impact scale
type ImpactSeverity string

const (
	ImpactNegligible   ImpactSeverity = "negligible"
	ImpactMinor        ImpactSeverity = "minor"
	ImpactModerate     ImpactSeverity = "moderate"
	ImpactSignificant  ImpactSeverity = "significant"
	ImpactSevere       ImpactSeverity = "severe"
	ImpactCatastrophic ImpactSeverity = "catastrophic"
)

// Status tracks an incident's lifecycle
type Status string

const (
	StatusActive   Status = "active"
	StatusResolved Status = "resolved"
)

// RevenueImpact holds the money side of an incident
type RevenueImpact struct {
	EstimatedLossPerHour float64 `json:"estimated_loss_per_hour"`
	ActualLoss           float64 `json:"actual_loss"`
}

// OperationalImpact holds the customer-facing side of an incident
type OperationalImpact struct {
	AffectedCustomersPercent float64  `json:"affected_customers_percent"`
	AffectedOperations       []string `json:"affected_operations,omitempty"`
	ServiceAvailability      float64  `json:"service_availability"`
}

// Timeline records the lifecycle timestamps of an incident
type Timeline struct {
	Detected          time.Time `json:"detected"`
	Acknowledged      time.Time `json:"acknowledged,omitempty"`
	MitigationStarted time.Time `json:"mitigation_started,omitempty"`
	Resolved          time.Time `json:"resolved,omitempty"`
}

// Escalation tracks how far up the escalation path an incident has gone.
// CurrentLevel is 1-based and never exceeds the path length.
type Escalation struct {
	CurrentLevel          int      `json:"current_level"`
	EscalationPath        []string `json:"escalation_path"`
	AutoEscalationEnabled bool     `json:"auto_escalation_enabled"`
	Reasons               []string `json:"reasons,omitempty"`
}

// FallbackStrategies records which degradation strategies were tried on an
// incident and how they fared
type FallbackStrategies struct {
	Attempted  []string `json:"attempted,omitempty"`
	Successful []string `json:"successful,omitempty"`
	Failed     []string `json:"failed,omitempty"`
	Current    string   `json:"current,omitempty"`
}

// Compliance holds the regulatory flags derived from the incident level
type Compliance struct {
	ReportingRequired              bool `json:"reporting_required"`
	RegulatoryNotificationRequired bool `json:"regulatory_notification_required"`
}

// Incident is one business-impacting outage record. Created on trigger,
// mutated by escalation and resolution, never deleted.
type Incident struct {
	ID               string             `json:"id"`
	Title            string             `json:"title"`
	Description      string             `json:"description"`
	Level            Level              `json:"level"`
	Severity         ImpactSeverity     `json:"severity"`
	Status           Status             `json:"status"`
	AffectedServices []string           `json:"affected_services"`
	Revenue          RevenueImpact      `json:"revenue"`
	Operational      OperationalImpact  `json:"operational"`
	Timeline         Timeline           `json:"timeline"`
	Escalation       Escalation         `json:"escalation"`
	Fallbacks        FallbackStrategies `json:"fallbacks"`
	Compliance       Compliance         `json:"compliance"`
	Resolution       string             `json:"resolution,omitempty"`
}

// BusinessImpact is the assessed blast radius of an outage before an
// incident is opened for it
type BusinessImpact struct {
	RevenueLossPerHour       float64        `json:"revenue_loss_per_hour"`
	AffectedCustomersPercent float64        `json:"affected_customers_percent"`
	ServiceAvailability      float64        `json:"service_availability"`
	Severity                 ImpactSeverity `json:"severity"`
}

// ServiceImpactProfile declares what an outage of one logical service costs
// the business
type ServiceImpactProfile struct {
	ServiceName           string   `json:"service_name"`
	HourlyRevenue         float64  `json:"hourly_revenue"`
	CustomerImpactPercent float64  `json:"customer_impact_percent"`
	AvailabilityPoints    float64  `json:"availability_points"`
	AffectedOperations    []string `json:"affected_operations,omitempty"`
	EscalationRoles       []string `json:"escalation_roles,omitempty"`
}

// ContinuityPlan is a predefined procedure set activated when its scoped
// services are impacted
type ContinuityPlan struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	Scope     []string `json:"scope"`
	Immediate []string `json:"immediate,omitempty"`
	ShortTerm []string `json:"short_term,omitempty"`
	LongTerm  []string `json:"long_term,omitempty"`
}

// Procedure phases and their activation deferrals
const (
	PhaseImmediate = "immediate"
	PhaseShortTerm = "short_term"
	PhaseLongTerm  = "long_term"

	shortTermDeferral = 5 * time.Minute
	longTermDeferral  = 1 * time.Hour
)

// ProcedureExecution is one scheduled or completed continuity plan action
type ProcedureExecution struct {
	PlanID      string    `json:"plan_id"`
	IncidentID  string    `json:"incident_id"`
	Phase       string    `json:"phase"`
	Action      string    `json:"action"`
	ScheduledAt time.Time `json:"scheduled_at"`
	ExecutedAt  time.Time `json:"executed_at,omitempty"`
	Completed   bool      `json:"completed"`
}

// AggregateHealth is the periodic mesh-wide health summary
type AggregateHealth struct {
	Score              float64   `json:"score"`
	Status             string    `json:"status"`
	ActiveIncidents    int       `json:"active_incidents"`
	CriticalIncidents  int       `json:"critical_incidents"`
	HealthyNodePercent float64   `json:"healthy_node_percent"`
	CurrentHourlyLoss  float64   `json:"current_hourly_loss"`
	RevenueAtRisk      float64   `json:"revenue_at_risk"`
	ProjectedDailyLoss float64   `json:"projected_daily_loss"`
	Timestamp          time.Time `json:"timestamp"`
}

// autoEscalationThresholds are the incident ages after which an unresolved
// incident escalates automatically, by level
var autoEscalationThresholds = map[Level]time.Duration{
	LevelInfo:     240 * time.Minute,
	LevelWarning:  120 * time.Minute,
	LevelMinor:    60 * time.Minute,
	LevelMajor:    30 * time.Minute,
	LevelCritical: 15 * time.Minute,
	LevelDisaster: 15 * time.Minute,
}
