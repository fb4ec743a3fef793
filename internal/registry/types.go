package registry

import (
	"time"
)

// BusinessCriticality classifies how much a service outage hurts the business
type BusinessCriticality string

const (
	CriticalityLow      BusinessCriticality = "low"
	CriticalityMedium   BusinessCriticality = "medium"
	CriticalityHigh     BusinessCriticality = "high"
	CriticalityCritical BusinessCriticality = "critical"
)

// HealthState represents the probe-derived health of a node
type HealthState string

const (
	HealthHealthy   HealthState = "healthy"
	HealthDegraded  HealthState = "degraded"
	HealthUnhealthy HealthState = "unhealthy"
	HealthUnknown   HealthState = "unknown"
)

// BreakerState represents the state of a node's circuit breaker
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// DependencyType classifies how tightly a service depends on another
type DependencyType string

const (
	DependencyHard     DependencyType = "hard"
	DependencySoft     DependencyType = "soft"
	DependencyEventual DependencyType = "eventual"
)

// RetryPolicy holds per-node retry tuning
type RetryPolicy struct {
	MaxAttempts int           `json:"max_attempts"`
	BaseDelay   time.Duration `json:"base_delay"`
}

// NodeConfig holds per-node operational configuration
type NodeConfig struct {
	MaxConcurrency   int           `json:"max_concurrency"`
	Timeout          time.Duration `json:"timeout"`
	Retry            RetryPolicy   `json:"retry"`
	BreakerThreshold int           `json:"breaker_threshold"`
	BreakerTimeout   time.Duration `json:"breaker_timeout"`
	MonitoringWindow time.Duration `json:"monitoring_window"`
}

// DefaultNodeConfig returns node configuration defaults applied at
// registration when a field is unset
func DefaultNodeConfig() NodeConfig {
	return NodeConfig{
		MaxConcurrency:   10,
		Timeout:          30 * time.Second,
		Retry:            RetryPolicy{MaxAttempts: 3, BaseDelay: 1 * time.Second},
		BreakerThreshold: 5,
		BreakerTimeout:   60 * time.Second,
		MonitoringWindow: 5 * time.Minute,
	}
}

// ServiceNode is a concrete reachable instance of an external provider.
// Created at registration, mutated by health checks and request accounting,
// never deleted in-process.
type ServiceNode struct {
	ID                  string              `json:"id"`
	ServiceName         string              `json:"service_name"`
	Region              string              `json:"region"`
	Zone                string              `json:"zone"`
	Endpoint            string              `json:"endpoint"`
	Priority            int                 `json:"priority"`
	BusinessCriticality BusinessCriticality `json:"business_criticality"`
	Capabilities        []string            `json:"capabilities"`
	Dependencies        []string            `json:"dependencies"`
	Config              NodeConfig          `json:"config"`

	// Runtime metadata, owned by the registry
	RegisteredAt time.Time `json:"registered_at"`
	RequestCount int64     `json:"request_count"`
	ErrorCount   int64     `json:"error_count"`
}

// HealthStatus is the probe-derived health record for one node
type HealthStatus struct {
	NodeID       string        `json:"node_id"`
	Status       HealthState   `json:"status"`
	LastCheck    time.Time     `json:"last_check"`
	ResponseTime time.Duration `json:"response_time"`
	Availability float64       `json:"availability"`
	Throughput   float64       `json:"throughput"`
	ErrorRate    float64       `json:"error_rate"`
	HealthScore  float64       `json:"health_score"`
}

// CircuitBreakerState is the failure state machine for one node.
// Transitions are closed -> open -> half_open -> closed only; FailureCount
// resets to zero only on the half_open -> closed transition.
type CircuitBreakerState struct {
	NodeID          string       `json:"node_id"`
	State           BreakerState `json:"state"`
	FailureCount    int          `json:"failure_count"`
	SuccessCount    int          `json:"success_count"`
	LastFailureTime time.Time    `json:"last_failure_time"`
	NextRetryTime   time.Time    `json:"next_retry_time"`
}

// ServiceDependency declares that one logical service depends on another
type ServiceDependency struct {
	ServiceName        string              `json:"service_name"`
	DependsOn          string              `json:"depends_on"`
	Type               DependencyType      `json:"type"`
	Criticality        BusinessCriticality `json:"criticality"`
	FallbackStrategy   string              `json:"fallback_strategy,omitempty"`
	BreakerPropagation bool                `json:"breaker_propagation"`
}
