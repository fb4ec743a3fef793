package router

import (
	"math/rand"
	"sync"
	"time"

	"github.com/meshguard/meshguard/internal/events"
	"github.com/meshguard/meshguard/internal/registry"
	"github.com/meshguard/meshguard/pkg/errors"
	"github.com/meshguard/meshguard/pkg/logging"
	"github.com/meshguard/meshguard/pkg/metrics"
)

// Options tunes request execution
type Options struct {
	MaxAttempts    int
	RetryBaseDelay time.Duration
}

// DefaultOptions returns the standard retry tuning
func DefaultOptions() Options {
	return Options{MaxAttempts: 3, RetryBaseDelay: 1 * time.Second}
}

// Router selects target nodes for service requests using the configured
// traffic policy and runs requests with retries and fallback degradation.
type Router struct {
	mu       sync.Mutex
	rules    map[string][]RoutingRule
	policies map[string]TrafficPolicy
	inFlight map[string]int
	rng      *rand.Rand

	registry *registry.Registry
	executor Executor
	fallback FallbackHandler
	opts     Options

	bus     *events.Bus
	logger  *logging.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewRouter creates a router over the given node registry
func NewRouter(reg *registry.Registry, executor Executor, fallback FallbackHandler, opts Options, bus *events.Bus, logger *logging.Logger, m *metrics.Metrics) *Router {
	if logger == nil {
		logger = logging.GetLogger()
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultOptions().MaxAttempts
	}
	if opts.RetryBaseDelay <= 0 {
		opts.RetryBaseDelay = DefaultOptions().RetryBaseDelay
	}

	return &Router{
		rules:    make(map[string][]RoutingRule),
		policies: make(map[string]TrafficPolicy),
		inFlight: make(map[string]int),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		registry: reg,
		executor: executor,
		fallback: fallback,
		opts:     opts,
		bus:      bus,
		logger:   logger,
		metrics:  m,
		now:      time.Now,
	}
}

// SetClock overrides the time source, for tests
func (r *Router) SetClock(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}

// AddRoutingRule appends a rule for its service. Existing rules keep their
// evaluation order.
func (r *Router) AddRoutingRule(rule RoutingRule) error {
	if rule.ID == "" || rule.ServiceName == "" {
		return errors.NewValidationError("routing rule requires an ID and a service name")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.rules[rule.ServiceName] = append(r.rules[rule.ServiceName], rule)
	return nil
}

// AddTrafficPolicy installs or replaces the policy for its service
func (r *Router) AddTrafficPolicy(policy TrafficPolicy) error {
	if policy.ServiceName == "" {
		return errors.NewValidationError("traffic policy requires a service name")
	}
	if policy.Strategy == "" {
		policy.Strategy = StrategyHealthAware
	}
	if !policy.Strategy.valid() {
		return errors.NewValidationError("unknown load balancing strategy: " + string(policy.Strategy))
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.policies[policy.ServiceName] = policy
	return nil
}

// PolicyFor returns the effective traffic policy for a service
func (r *Router) PolicyFor(serviceName string) TrafficPolicy {
	r.mu.Lock()
	defer r.mu.Unlock()
	if policy, ok := r.policies[serviceName]; ok {
		return policy
	}
	return TrafficPolicy{ServiceName: serviceName, Strategy: StrategyHealthAware}
}

// RouteRequest resolves the target node for a request: first matching rule
// narrows the candidate set, the service's traffic policy picks the
// strategy. A service with rules none of which match the request is a
// configuration error, surfaced immediately. When every node of the service
// is held by an open breaker the open is cascaded to hard dependents before
// the error returns.
func (r *Router) RouteRequest(req Request) (registry.ServiceNode, error) {
	rule, err := r.matchRule(req)
	if err != nil {
		return registry.ServiceNode{}, err
	}
	policy := r.PolicyFor(req.Service)

	node, err := r.SelectTarget(req.Service, policy.Strategy, req.Region, rule.Targets)
	if err == nil {
		return node, nil
	}

	if errors.IsType(err, errors.ErrorTypeCircuitOpen) {
		for _, dependent := range r.registry.HardDependentsOf(req.Service) {
			r.registry.CascadeOpen(dependent)
		}
	}
	return registry.ServiceNode{}, err
}

// SelectTarget picks a node for the service using the given strategy.
// Unhealthy nodes and nodes held by an open breaker never serve; when no
// healthy node remains, degraded nodes serve in priority order as a last
// resort before the no-target error.
func (r *Router) SelectTarget(serviceName string, strategy Strategy, region string, targets []RouteTarget) (registry.ServiceNode, error) {
	nodes := r.registry.NodesForService(serviceName)
	if len(nodes) == 0 {
		return registry.ServiceNode{}, errors.NewNoHealthyTargetError(serviceName)
	}

	weights := targetWeights(targets)
	admissible := 0
	var healthy, degraded []candidate
	for _, node := range nodes {
		if targets != nil {
			if _, ok := weights[node.ID]; !ok {
				continue
			}
		}
		admissible++
		if !r.registry.AllowRequest(node.ID) {
			continue
		}

		health, _ := r.registry.HealthFor(node.ID)
		cand := candidate{node: node, health: health, weight: weights[node.ID]}
		switch health.Status {
		case registry.HealthUnhealthy:
			// never routed
		case registry.HealthDegraded:
			degraded = append(degraded, cand)
		default:
			// healthy and not-yet-probed nodes share the primary pool
			healthy = append(healthy, cand)
		}
	}

	if admissible == 0 {
		return registry.ServiceNode{}, errors.NewNoHealthyTargetError(serviceName)
	}

	pool := healthy
	if len(pool) == 0 {
		if len(degraded) == 0 {
			// every admissible node is either breaker-held or unhealthy
			if r.anyBreakerHeld(serviceName) {
				return registry.ServiceNode{}, errors.NewCircuitOpenError(serviceName)
			}
			return registry.ServiceNode{}, errors.NewNoHealthyTargetError(serviceName)
		}
		// degraded fallback ignores the strategy and takes the best priority
		chosen := pickByPriority(degraded)
		r.recordSelection(serviceName, strategy, chosen.node.ID)
		return chosen.node, nil
	}

	var chosen candidate
	switch strategy {
	case StrategyRoundRobin:
		chosen = r.pickRandom(pool)
	case StrategyWeightedRoundRobin:
		chosen = r.pickWeighted(pool)
	case StrategyLeastConnections:
		chosen = r.pickLeastConnections(pool)
	case StrategyLeastResponseTime:
		chosen = pickLeastResponseTime(pool)
	case StrategyGeographic:
		chosen = r.pickGeographic(pool, region)
	default:
		chosen = pickHealthAware(pool)
	}

	r.recordSelection(serviceName, strategy, chosen.node.ID)
	return chosen.node, nil
}

// InFlight reports the number of requests currently executing against a node
func (r *Router) InFlight(nodeID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.inFlight[nodeID]
}

type candidate struct {
	node   registry.ServiceNode
	health registry.HealthStatus
	weight int
}

func targetWeights(targets []RouteTarget) map[string]int {
	if targets == nil {
		return map[string]int{}
	}
	weights := make(map[string]int, len(targets))
	for _, target := range targets {
		weight := target.Weight
		if weight <= 0 {
			weight = 1
		}
		weights[target.NodeID] = weight
	}
	return weights
}

// matchRule finds the first rule whose conditions the request meets. A
// service with no rules at all routes across its whole registered pool;
// rules that exist but all fail to match mean the request is misconfigured.
func (r *Router) matchRule(req Request) (RoutingRule, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rules := r.rules[req.Service]
	if len(rules) == 0 {
		return RoutingRule{}, nil
	}
	for _, rule := range rules {
		if ruleMatches(rule, req) {
			return rule, nil
		}
	}
	return RoutingRule{}, errors.NewConfigurationError("no routing rule matches request for service " + req.Service)
}

func ruleMatches(rule RoutingRule, req Request) bool {
	for key, want := range rule.MatchConditions {
		if req.Metadata[key] != want {
			return false
		}
	}
	return true
}

func (r *Router) anyBreakerHeld(serviceName string) bool {
	for _, node := range r.registry.NodesForService(serviceName) {
		if breaker, ok := r.registry.BreakerFor(node.ID); ok && breaker.State == registry.BreakerOpen {
			return true
		}
	}
	return false
}

func (r *Router) pickRandom(pool []candidate) candidate {
	r.mu.Lock()
	defer r.mu.Unlock()
	return pool[r.rng.Intn(len(pool))]
}

// pickWeighted draws a candidate with probability proportional to its weight
func (r *Router) pickWeighted(pool []candidate) candidate {
	total := 0
	for _, cand := range pool {
		weight := cand.weight
		if weight <= 0 {
			weight = 1
		}
		total += weight
	}

	r.mu.Lock()
	draw := r.rng.Intn(total)
	r.mu.Unlock()

	for _, cand := range pool {
		weight := cand.weight
		if weight <= 0 {
			weight = 1
		}
		draw -= weight
		if draw < 0 {
			return cand
		}
	}
	return pool[len(pool)-1]
}

func (r *Router) pickLeastConnections(pool []candidate) candidate {
	r.mu.Lock()
	defer r.mu.Unlock()

	best := pool[0]
	bestInFlight := r.inFlight[best.node.ID]
	for _, cand := range pool[1:] {
		current := r.inFlight[cand.node.ID]
		if current < bestInFlight ||
			(current == bestInFlight && cand.node.Priority < best.node.Priority) {
			best = cand
			bestInFlight = current
		}
	}
	return best
}

func pickLeastResponseTime(pool []candidate) candidate {
	best := pool[0]
	for _, cand := range pool[1:] {
		if cand.health.ResponseTime < best.health.ResponseTime ||
			(cand.health.ResponseTime == best.health.ResponseTime && cand.node.Priority < best.node.Priority) {
			best = cand
		}
	}
	return best
}

// pickHealthAware takes the highest health score, breaking ties by the
// lowest priority value
func pickHealthAware(pool []candidate) candidate {
	best := pool[0]
	for _, cand := range pool[1:] {
		if cand.health.HealthScore > best.health.HealthScore ||
			(cand.health.HealthScore == best.health.HealthScore && cand.node.Priority < best.node.Priority) {
			best = cand
		}
	}
	return best
}

func pickByPriority(pool []candidate) candidate {
	best := pool[0]
	for _, cand := range pool[1:] {
		if cand.node.Priority < best.node.Priority {
			best = cand
		}
	}
	return best
}

// pickGeographic prefers same-region candidates, health-aware within the
// region, falling back to health-aware over the full pool
func (r *Router) pickGeographic(pool []candidate, region string) candidate {
	if region != "" {
		var local []candidate
		for _, cand := range pool {
			if cand.node.Region == region {
				local = append(local, cand)
			}
		}
		if len(local) > 0 {
			return pickHealthAware(local)
		}
	}
	return pickHealthAware(pool)
}

func (r *Router) recordSelection(serviceName string, strategy Strategy, nodeID string) {
	if r.metrics != nil && r.metrics.TargetSelectionTotal != nil {
		r.metrics.TargetSelectionTotal.WithLabelValues(serviceName, string(strategy), nodeID).Inc()
	}
}

func (r *Router) incInFlight(nodeID string) {
	r.mu.Lock()
	r.inFlight[nodeID]++
	r.mu.Unlock()
}

func (r *Router) decInFlight(nodeID string) {
	r.mu.Lock()
	if r.inFlight[nodeID] > 0 {
		r.inFlight[nodeID]--
	}
	r.mu.Unlock()
}
