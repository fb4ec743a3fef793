package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/meshguard/meshguard/internal/admission"
	"github.com/meshguard/meshguard/internal/events"
	"github.com/meshguard/meshguard/internal/incident"
	"github.com/meshguard/meshguard/internal/notify"
	"github.com/meshguard/meshguard/internal/ops"
	"github.com/meshguard/meshguard/internal/registry"
	"github.com/meshguard/meshguard/internal/router"
	"github.com/meshguard/meshguard/internal/store"
	"github.com/meshguard/meshguard/pkg/config"
	"github.com/meshguard/meshguard/pkg/errors"
	"github.com/meshguard/meshguard/pkg/logging"
	"github.com/meshguard/meshguard/pkg/metrics"
)

// Dependencies are the external collaborators injected at bootstrap. Redis
// and Notifier may be nil; the orchestrator degrades to in-memory state and
// log-only notifications.
type Dependencies struct {
	Prober   registry.Prober
	Executor router.Executor
	Fallback router.FallbackHandler
	Redis    *store.RedisClient
	Notifier *notify.Notifier
	Logger   *logging.Logger
	Metrics  *metrics.Metrics
}

// Service owns every orchestration component and their background loops:
// the node registry and health monitor, the router, the admission
// controller, and the incident manager, all wired over one event bus.
type Service struct {
	cfg *config.Config

	bus       *events.Bus
	snapshots *store.Snapshots
	registry  *registry.Registry
	monitor   *registry.HealthMonitor
	admission *admission.Controller
	router    *router.Router
	incidents *incident.Manager

	redis   *store.RedisClient
	logger  *logging.Logger
	metrics *metrics.Metrics

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// NewService wires the orchestration components together
func NewService(cfg *config.Config, deps Dependencies) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = logging.GetLogger()
	}

	bus := events.NewBus(events.DefaultConfig(), logger)
	snapshots := store.NewSnapshots(deps.Redis, logger)

	reg := registry.NewRegistry(bus, logger, deps.Metrics)
	monitor := registry.NewHealthMonitor(reg, deps.Prober, bus, logger, deps.Metrics, snapshots)
	admissionCtrl := admission.NewController(cfg.Admission, bus, logger, deps.Metrics, snapshots)
	requestRouter := router.NewRouter(reg, deps.Executor, deps.Fallback, router.Options{
		MaxAttempts:    cfg.Orchestrator.MaxRequestAttempts,
		RetryBaseDelay: cfg.Orchestrator.RetryBaseDelay,
	}, bus, logger, deps.Metrics)
	incidentMgr := incident.NewManager(reg, deps.Notifier, bus, logger, deps.Metrics, snapshots)

	incidentMgr.BindEvents(bus)

	return &Service{
		cfg:       cfg,
		bus:       bus,
		snapshots: snapshots,
		registry:  reg,
		monitor:   monitor,
		admission: admissionCtrl,
		router:    requestRouter,
		incidents: incidentMgr,
		redis:     deps.Redis,
		logger:    logger,
		metrics:   deps.Metrics,
	}
}

// Start launches the event bus and every background loop
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.NewInternalError("orchestrator already started")
	}
	s.started = true
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.mu.Unlock()

	s.bus.Start()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.monitor.Start(loopCtx, s.cfg.Orchestrator.HealthProbeInterval)
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.admission.Start(loopCtx, s.cfg.Orchestrator.QueueDrainInterval)
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.incidents.Start(loopCtx, s.cfg.Orchestrator.EscalationScanInterval, s.cfg.Orchestrator.AggregateScanInterval)
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.snapshotLoop(loopCtx)
	}()

	s.logger.Info("Orchestrator started",
		"probe_interval", s.cfg.Orchestrator.HealthProbeInterval.String(),
		"queue_drain_interval", s.cfg.Orchestrator.QueueDrainInterval.String(),
	)
	return nil
}

// Stop cancels the background loops, waits for them, and drains the bus
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	s.wg.Wait()
	s.bus.Stop()
	s.logger.Info("Orchestrator stopped")
}

// snapshotLoop periodically flushes node configuration and request counters
// to the cache
func (s *Service) snapshotLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Orchestrator.SnapshotFlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, node := range s.registry.AllNodes() {
				s.snapshots.Put(ctx, store.PrefixNodeConfig, node.ID, node.Config)
				s.snapshots.Put(ctx, store.PrefixNodeMetrics, node.ID, map[string]interface{}{
					"request_count": node.RequestCount,
					"error_count":   node.ErrorCount,
				})
			}
		}
	}
}

// RegisterNode adds a provider node to the registry
func (s *Service) RegisterNode(node registry.ServiceNode) error {
	return s.registry.RegisterNode(node)
}

// AddRoute installs a routing rule
func (s *Service) AddRoute(rule router.RoutingRule) error {
	return s.router.AddRoutingRule(rule)
}

// AddTrafficPolicy installs a traffic policy
func (s *Service) AddTrafficPolicy(policy router.TrafficPolicy) error {
	return s.router.AddTrafficPolicy(policy)
}

// AddServiceDependency declares a dependency edge between logical services
func (s *Service) AddServiceDependency(dep registry.ServiceDependency) error {
	return s.registry.AddServiceDependency(dep)
}

// AddContinuityPlan registers a continuity plan with the incident manager
func (s *Service) AddContinuityPlan(plan incident.ContinuityPlan) error {
	return s.incidents.AddContinuityPlan(plan)
}

// SetServiceLimits installs admission limits for a logical service
func (s *Service) SetServiceLimits(limits admission.ServiceLimits) error {
	return s.admission.SetServiceLimits(limits)
}

// SetImpactProfile installs a business impact profile for a logical service
func (s *Service) SetImpactProfile(profile incident.ServiceImpactProfile) error {
	return s.incidents.SetImpactProfile(profile)
}

// CheckAdmission runs the admission decision for one prospective call
func (s *Service) CheckAdmission(ctx context.Context, serviceName string, priority admission.Priority) admission.Decision {
	return s.admission.CheckAdmission(ctx, serviceName, priority)
}

// ExecuteServiceRequest is the orchestration entry point: admission first,
// then routed execution with retries and fallback. An admission denial is
// returned to the caller to retry later; it never consumes retry budget or
// triggers a fallback.
func (s *Service) ExecuteServiceRequest(ctx context.Context, req router.Request, priority admission.Priority) (*router.Response, error) {
	decision := s.admission.CheckAdmission(ctx, req.Service, priority)
	if !decision.Allowed {
		err := errors.NewAdmissionDeniedError(req.Service, decision.Reason)
		if decision.RetryAfter > 0 {
			err = err.WithDetail("retry_after", decision.RetryAfter.String())
		}
		return nil, err
	}

	return s.router.ExecuteServiceRequest(ctx, req)
}

// Registry exposes the node registry for read access
func (s *Service) Registry() *registry.Registry {
	return s.registry
}

// Incidents exposes the incident manager for read access
func (s *Service) Incidents() *incident.Manager {
	return s.incidents
}

// Status implements ops.Source
func (s *Service) Status() ops.Status {
	nodes := s.registry.AllNodes()
	statuses := make([]ops.NodeStatus, 0, len(nodes))
	queueDepths := make(map[string]int)
	for _, node := range nodes {
		health, _ := s.registry.HealthFor(node.ID)
		breaker, _ := s.registry.BreakerFor(node.ID)
		statuses = append(statuses, ops.NodeStatus{Node: node, Health: health, Breaker: breaker})
		if _, ok := queueDepths[node.ServiceName]; !ok {
			queueDepths[node.ServiceName] = s.admission.QueueDepth(node.ServiceName)
		}
	}

	return ops.Status{
		Aggregate:       s.incidents.LastAggregateHealth(),
		Nodes:           statuses,
		ActiveIncidents: s.incidents.ActiveIncidents(),
		QueueDepths:     queueDepths,
		Timestamp:       time.Now().UTC(),
	}
}

// Ready implements ops.Source: the orchestrator is ready once started;
// Redis health is reported but optional
func (s *Service) Ready() error {
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()

	if !started {
		return errors.NewInternalError("orchestrator not started")
	}
	return nil
}

// UnblockService implements ops.Source
func (s *Service) UnblockService(serviceName string) {
	s.admission.Unblock(serviceName)
}
