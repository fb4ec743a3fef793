package registry

import (
	"context"
	"sync"
	"time"

	"github.com/meshguard/meshguard/internal/events"
	"github.com/meshguard/meshguard/pkg/errors"
	"github.com/meshguard/meshguard/pkg/logging"
	"github.com/meshguard/meshguard/pkg/metrics"
)

// Registry owns every ServiceNode, its HealthStatus, and its
// CircuitBreakerState. All mutation happens behind one mutex so a breaker
// decision is atomic with respect to interleaved probes and request
// accounting. Other components read through accessor copies only.
type Registry struct {
	mu       sync.Mutex
	nodes    map[string]*ServiceNode
	health   map[string]*HealthStatus
	breakers map[string]*CircuitBreakerState

	// dependencies indexed by the service that is depended upon, so a
	// breaker open can find its dependents in one lookup
	dependents map[string][]ServiceDependency

	bus     *events.Bus
	logger  *logging.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewRegistry creates a node registry
func NewRegistry(bus *events.Bus, logger *logging.Logger, m *metrics.Metrics) *Registry {
	if logger == nil {
		logger = logging.GetLogger()
	}

	return &Registry{
		nodes:      make(map[string]*ServiceNode),
		health:     make(map[string]*HealthStatus),
		breakers:   make(map[string]*CircuitBreakerState),
		dependents: make(map[string][]ServiceDependency),
		bus:        bus,
		logger:     logger,
		metrics:    m,
		now:        time.Now,
	}
}

// SetClock overrides the registry clock, used by tests
func (r *Registry) SetClock(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}

// RegisterNode stores a node and initializes its health and breaker state.
// Idempotent by node ID: re-registering overwrites the configuration but
// keeps fresh health and breaker records.
func (r *Registry) RegisterNode(node ServiceNode) error {
	if node.ID == "" {
		return errors.NewValidationError("node ID is required")
	}
	if node.ServiceName == "" {
		return errors.NewValidationError("node service name is required")
	}

	defaults := DefaultNodeConfig()
	if node.Config.MaxConcurrency <= 0 {
		node.Config.MaxConcurrency = defaults.MaxConcurrency
	}
	if node.Config.Timeout <= 0 {
		node.Config.Timeout = defaults.Timeout
	}
	if node.Config.Retry.MaxAttempts <= 0 {
		node.Config.Retry = defaults.Retry
	}
	if node.Config.BreakerThreshold <= 0 {
		node.Config.BreakerThreshold = defaults.BreakerThreshold
	}
	if node.Config.BreakerTimeout <= 0 {
		node.Config.BreakerTimeout = defaults.BreakerTimeout
	}
	if node.Config.MonitoringWindow <= 0 {
		node.Config.MonitoringWindow = defaults.MonitoringWindow
	}

	r.mu.Lock()
	node.RegisteredAt = r.now()
	r.nodes[node.ID] = &node
	r.health[node.ID] = &HealthStatus{
		NodeID:       node.ID,
		Status:       HealthUnknown,
		Availability: 100,
	}
	r.breakers[node.ID] = &CircuitBreakerState{
		NodeID: node.ID,
		State:  BreakerClosed,
	}
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.RecordBreakerState(node.ID, node.ServiceName, breakerStateValue(BreakerClosed))
	}

	r.logger.Info("Node registered",
		"node_id", node.ID,
		"service", node.ServiceName,
		"region", node.Region,
		"priority", node.Priority,
	)
	if r.bus != nil {
		r.bus.Publish(events.TypeNodeRegistered, node.ServiceName, node.ID, map[string]interface{}{
			"region":   node.Region,
			"endpoint": node.Endpoint,
		})
	}

	return nil
}

// AddServiceDependency declares a dependency edge between logical services
func (r *Registry) AddServiceDependency(dep ServiceDependency) error {
	if dep.ServiceName == "" || dep.DependsOn == "" {
		return errors.NewValidationError("dependency requires service name and depends-on")
	}
	if dep.Type == "" {
		dep.Type = DependencySoft
	}

	r.mu.Lock()
	r.dependents[dep.DependsOn] = append(r.dependents[dep.DependsOn], dep)
	r.mu.Unlock()

	return nil
}

// Node returns a copy of the node with the given ID
func (r *Registry) Node(nodeID string) (ServiceNode, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	node, ok := r.nodes[nodeID]
	if !ok {
		return ServiceNode{}, false
	}
	return *node, true
}

// NodesForService returns copies of every node registered for a service
func (r *Registry) NodesForService(serviceName string) []ServiceNode {
	r.mu.Lock()
	defer r.mu.Unlock()

	var result []ServiceNode
	for _, node := range r.nodes {
		if node.ServiceName == serviceName {
			result = append(result, *node)
		}
	}
	return result
}

// AllNodes returns copies of every registered node
func (r *Registry) AllNodes() []ServiceNode {
	r.mu.Lock()
	defer r.mu.Unlock()

	result := make([]ServiceNode, 0, len(r.nodes))
	for _, node := range r.nodes {
		result = append(result, *node)
	}
	return result
}

// HealthFor returns a copy of a node's health status
func (r *Registry) HealthFor(nodeID string) (HealthStatus, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	health, ok := r.health[nodeID]
	if !ok {
		return HealthStatus{}, false
	}
	return *health, true
}

// BreakerFor returns a copy of a node's circuit breaker state
func (r *Registry) BreakerFor(nodeID string) (CircuitBreakerState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	breaker, ok := r.breakers[nodeID]
	if !ok {
		return CircuitBreakerState{}, false
	}
	return *breaker, true
}

// AllowRequest reports whether a call may be attempted against the node.
// An open breaker whose retry time has elapsed moves to half_open and lets
// exactly this probe call through.
func (r *Registry) AllowRequest(nodeID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	breaker, ok := r.breakers[nodeID]
	if !ok {
		return false
	}

	switch breaker.State {
	case BreakerClosed, BreakerHalfOpen:
		return true
	case BreakerOpen:
		if !breaker.NextRetryTime.IsZero() && !r.now().Before(breaker.NextRetryTime) {
			breaker.State = BreakerHalfOpen
			r.recordTransitionLocked(nodeID, BreakerOpen, BreakerHalfOpen)
			return true
		}
		return false
	}
	return false
}

// RecordSuccess increments node and breaker success counters. A success in
// half_open closes the breaker and zeroes its failure count.
func (r *Registry) RecordSuccess(nodeID string) {
	var closedService string

	r.mu.Lock()
	node, ok := r.nodes[nodeID]
	if !ok {
		r.mu.Unlock()
		return
	}
	node.RequestCount++

	breaker := r.breakers[nodeID]
	breaker.SuccessCount++
	if breaker.State == BreakerHalfOpen {
		breaker.State = BreakerClosed
		breaker.FailureCount = 0
		r.recordTransitionLocked(nodeID, BreakerHalfOpen, BreakerClosed)
		closedService = node.ServiceName
	}
	r.mu.Unlock()

	if closedService != "" {
		r.logger.LogBreakerEvent(context.Background(), "breaker_closed", nodeID, closedService, nil)
		if r.bus != nil {
			r.bus.Publish(events.TypeBreakerClosed, closedService, nodeID, nil)
		}
	}
}

// RecordFailure increments error and breaker failure counters for every
// node of the service. A node whose failure count reaches its configured
// threshold opens its breaker and the open propagates to hard dependents.
func (r *Registry) RecordFailure(serviceName string, cause error) {
	var opened []string

	r.mu.Lock()
	now := r.now()
	for _, node := range r.nodes {
		if node.ServiceName != serviceName {
			continue
		}
		node.RequestCount++
		node.ErrorCount++

		breaker := r.breakers[node.ID]
		breaker.FailureCount++
		breaker.LastFailureTime = now

		// A failure during the half_open probe re-opens immediately
		if breaker.State == BreakerHalfOpen ||
			(breaker.State == BreakerClosed && breaker.FailureCount >= node.Config.BreakerThreshold) {
			from := breaker.State
			breaker.State = BreakerOpen
			breaker.NextRetryTime = now.Add(node.Config.BreakerTimeout)
			r.recordTransitionLocked(node.ID, from, BreakerOpen)
			opened = append(opened, node.ID)
		}
	}
	r.mu.Unlock()

	for _, nodeID := range opened {
		fields := logging.Fields{}
		if cause != nil {
			fields["cause"] = cause.Error()
		}
		r.logger.LogBreakerEvent(context.Background(), "breaker_opened", nodeID, serviceName, fields)
		if r.bus != nil {
			r.bus.Publish(events.TypeBreakerOpened, serviceName, nodeID, map[string]interface{}{
				"reason": errMessage(cause),
			})
		}
	}

	if len(opened) > 0 {
		r.propagateCascade(serviceName, map[string]bool{serviceName: true})
	}
}

// CascadeOpen forces open the breaker for every node of the service,
// regardless of its own failure count. Used when a hard dependency's
// breaker opens, to stop futile calls to dependents.
func (r *Registry) CascadeOpen(serviceName string) {
	var cascaded []string

	r.mu.Lock()
	now := r.now()
	for _, node := range r.nodes {
		if node.ServiceName != serviceName {
			continue
		}
		breaker := r.breakers[node.ID]
		if breaker.State == BreakerOpen {
			continue
		}
		from := breaker.State
		breaker.State = BreakerOpen
		breaker.NextRetryTime = now.Add(node.Config.BreakerTimeout)
		r.recordTransitionLocked(node.ID, from, BreakerOpen)
		cascaded = append(cascaded, node.ID)
	}
	r.mu.Unlock()

	for _, nodeID := range cascaded {
		r.logger.LogBreakerEvent(context.Background(), "breaker_cascaded", nodeID, serviceName, nil)
		if r.bus != nil {
			r.bus.Publish(events.TypeBreakerCascaded, serviceName, nodeID, nil)
		}
	}

	if r.metrics != nil && r.metrics.BreakerCascades != nil && len(cascaded) > 0 {
		r.metrics.BreakerCascades.WithLabelValues(serviceName).Inc()
	}

	if len(cascaded) > 0 {
		r.propagateCascade(serviceName, map[string]bool{serviceName: true})
	}
}

// HardDependentsOf returns the services that hard-depend on the given
// service with breaker propagation enabled
func (r *Registry) HardDependentsOf(serviceName string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.hardDependentsLocked(serviceName)
}

func (r *Registry) hardDependentsLocked(serviceName string) []string {
	var result []string
	for _, dep := range r.dependents[serviceName] {
		if dep.Type == DependencyHard && dep.BreakerPropagation {
			result = append(result, dep.ServiceName)
		}
	}
	return result
}

// propagateCascade opens every transitive hard dependent exactly once
func (r *Registry) propagateCascade(serviceName string, visited map[string]bool) {
	r.mu.Lock()
	dependents := r.hardDependentsLocked(serviceName)
	r.mu.Unlock()

	for _, dependent := range dependents {
		if visited[dependent] {
			continue
		}
		visited[dependent] = true
		r.cascadeOpenNoRecurse(dependent)
		r.propagateCascade(dependent, visited)
	}
}

func (r *Registry) cascadeOpenNoRecurse(serviceName string) {
	var cascaded []string

	r.mu.Lock()
	now := r.now()
	for _, node := range r.nodes {
		if node.ServiceName != serviceName {
			continue
		}
		breaker := r.breakers[node.ID]
		if breaker.State == BreakerOpen {
			continue
		}
		from := breaker.State
		breaker.State = BreakerOpen
		breaker.NextRetryTime = now.Add(node.Config.BreakerTimeout)
		r.recordTransitionLocked(node.ID, from, BreakerOpen)
		cascaded = append(cascaded, node.ID)
	}
	r.mu.Unlock()

	for _, nodeID := range cascaded {
		r.logger.LogBreakerEvent(context.Background(), "breaker_cascaded", nodeID, serviceName, nil)
		if r.bus != nil {
			r.bus.Publish(events.TypeBreakerCascaded, serviceName, nodeID, nil)
		}
	}

	if r.metrics != nil && r.metrics.BreakerCascades != nil && len(cascaded) > 0 {
		r.metrics.BreakerCascades.WithLabelValues(serviceName).Inc()
	}
}

// HealthyNodePercentage reports the mesh-wide share of nodes whose probe
// status is healthy, 100 when nothing is registered yet
func (r *Registry) HealthyNodePercentage() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.health) == 0 {
		return 100
	}

	healthy := 0
	for _, h := range r.health {
		if h.Status == HealthHealthy {
			healthy++
		}
	}
	return float64(healthy) / float64(len(r.health)) * 100
}

func (r *Registry) recordTransitionLocked(nodeID string, from, to BreakerState) {
	if r.metrics == nil {
		return
	}
	service := ""
	if node, ok := r.nodes[nodeID]; ok {
		service = node.ServiceName
	}
	if r.metrics.BreakerTransitions != nil {
		r.metrics.BreakerTransitions.WithLabelValues(nodeID, string(from), string(to)).Inc()
	}
	r.metrics.RecordBreakerState(nodeID, service, breakerStateValue(to))
}

func breakerStateValue(state BreakerState) float64 {
	switch state {
	case BreakerOpen:
		return 1
	case BreakerHalfOpen:
		return 2
	default:
		return 0
	}
}

func errMessage(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
