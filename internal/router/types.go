package router

import (
	"time"

	"github.com/meshguard/meshguard/internal/registry"
)

// Strategy names a load balancing algorithm
type Strategy string

const (
	StrategyRoundRobin         Strategy = "round_robin"
	StrategyWeightedRoundRobin Strategy = "weighted_round_robin"
	StrategyLeastConnections   Strategy = "least_connections"
	StrategyLeastResponseTime  Strategy = "least_response_time"
	StrategyHealthAware        Strategy = "health_aware"
	StrategyGeographic         Strategy = "geographic"
)

// valid reports whether the strategy is one of the known algorithms
func (s Strategy) valid() bool {
	switch s {
	case StrategyRoundRobin, StrategyWeightedRoundRobin, StrategyLeastConnections,
		StrategyLeastResponseTime, StrategyHealthAware, StrategyGeographic:
		return true
	}
	return false
}

// RouteTarget names one node eligible under a routing rule, with an optional
// weight used by weighted selection
type RouteTarget struct {
	NodeID   string `json:"node_id"`
	Weight   int    `json:"weight"`
	Priority int    `json:"priority"`
}

// RoutingRule narrows which nodes may serve requests that match its
// conditions. Rules are evaluated in insertion order, first match wins.
type RoutingRule struct {
	ID              string            `json:"id"`
	ServiceName     string            `json:"service_name"`
	MatchConditions map[string]string `json:"match_conditions,omitempty"`
	Targets         []RouteTarget     `json:"targets,omitempty"`
	FailoverEnabled bool              `json:"failover_enabled"`
}

// TrafficPolicy selects the load balancing strategy and retry tuning for one
// logical service
type TrafficPolicy struct {
	ID            string               `json:"id"`
	ServiceName   string               `json:"service_name"`
	Strategy      Strategy             `json:"strategy"`
	Retry         registry.RetryPolicy `json:"retry"`
	TimeoutBudget time.Duration        `json:"timeout_budget"`
}

// Request is one orchestrated call to an external provider service
type Request struct {
	Service   string            `json:"service"`
	Operation string            `json:"operation"`
	Region    string            `json:"region,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Payload   []byte            `json:"payload,omitempty"`
}

// Response is the outcome of an orchestrated call. FromFallback marks
// responses produced by a degradation path rather than a provider node.
type Response struct {
	NodeID           string        `json:"node_id,omitempty"`
	StatusCode       int           `json:"status_code,omitempty"`
	Body             []byte        `json:"body,omitempty"`
	Duration         time.Duration `json:"duration"`
	Attempts         int           `json:"attempts"`
	FromFallback     bool          `json:"from_fallback,omitempty"`
	FallbackStrategy string        `json:"fallback_strategy,omitempty"`
}
