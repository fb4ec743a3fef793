package admission

import (
	"time"
)

// Priority classifies the urgency of an outbound call
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// rank orders priorities for queue insertion, higher first
func (p Priority) rank() int {
	switch p {
	case PriorityCritical:
		return 3
	case PriorityHigh:
		return 2
	case PriorityNormal:
		return 1
	default:
		return 0
	}
}

// AlertThresholds are monthly budget utilization percentages at which
// tiered budget alerts fire
type AlertThresholds struct {
	Warning   float64 `json:"warning"`
	Critical  float64 `json:"critical"`
	Emergency float64 `json:"emergency"`
}

// ServiceLimits is the per-logical-service admission configuration
type ServiceLimits struct {
	ServiceName      string          `json:"service_name"`
	BurstLimit       int             `json:"burst_limit"`       // requests per second
	SustainedLimit   int             `json:"sustained_limit"`   // requests per minute
	DailyLimit       int             `json:"daily_limit"`       // requests per day
	MonthlyBudget    float64         `json:"monthly_budget"`
	DailyBudgetLimit float64         `json:"daily_budget_limit"`
	CostPerRequest   float64         `json:"cost_per_request"`
	AlertThresholds  AlertThresholds `json:"alert_thresholds"`
}

// DefaultAlertThresholds returns the standard alert tier percentages
func DefaultAlertThresholds() AlertThresholds {
	return AlertThresholds{Warning: 70, Critical: 85, Emergency: 95}
}

// RateLimitState holds the rolling counters for one logical service
type RateLimitState struct {
	ServiceName string `json:"service_name"`

	BurstCount     int       `json:"burst_count"`
	SustainedCount int       `json:"sustained_count"`
	DailyCount     int       `json:"daily_count"`
	BurstReset     time.Time `json:"burst_reset"`
	SustainedReset time.Time `json:"sustained_reset"`
	DailyReset     time.Time `json:"daily_reset"`

	Blocked      bool      `json:"blocked"`
	BlockReason  string    `json:"block_reason,omitempty"`
	BlockedUntil time.Time `json:"blocked_until,omitempty"`
}

// SavingsOpportunity is a recorded suggestion for reducing provider spend
type SavingsOpportunity struct {
	Description string    `json:"description"`
	DetectedAt  time.Time `json:"detected_at"`
}

// CostTrackingData accumulates provider spend for one logical service.
// Each spend figure is scoped to its window; the reset times mark when the
// window rolls over, lazily, the same way the rate counters do.
type CostTrackingData struct {
	ServiceName           string               `json:"service_name"`
	HourlySpend           float64              `json:"hourly_spend"`
	DailySpend            float64              `json:"daily_spend"`
	MonthlySpend          float64              `json:"monthly_spend"`
	HourlyReset           time.Time            `json:"hourly_reset"`
	DailyReset            time.Time            `json:"daily_reset"`
	MonthlyReset          time.Time            `json:"monthly_reset"`
	RequestCount          int64                `json:"request_count"`
	AverageCostPerRequest float64              `json:"average_cost_per_request"`
	BudgetUtilization     float64              `json:"budget_utilization"`
	ProjectedMonthlyCost  float64              `json:"projected_monthly_cost"`
	SavingsOpportunities  []SavingsOpportunity `json:"savings_opportunities,omitempty"`
}

// QueueEntry is one admission-deferred request waiting for sustained-window
// headroom
type QueueEntry struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Priority  Priority  `json:"priority"`
}

// Decision is the outcome of an admission check
type Decision struct {
	Allowed       bool          `json:"allowed"`
	Reason        string        `json:"reason,omitempty"`
	RetryAfter    time.Duration `json:"retry_after,omitempty"`
	QueuePosition int           `json:"queue_position,omitempty"`
}

// AlertTier names a budget alert severity tier
type AlertTier string

const (
	TierWarning   AlertTier = "warning"
	TierCritical  AlertTier = "critical"
	TierEmergency AlertTier = "emergency"
)
