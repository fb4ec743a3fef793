package registry

import (
	"context"
	"time"

	"github.com/meshguard/meshguard/internal/events"
	"github.com/meshguard/meshguard/internal/store"
	"github.com/meshguard/meshguard/pkg/logging"
	"github.com/meshguard/meshguard/pkg/metrics"
)

// Prober performs the real health check against a node's endpoint.
// Implementations return the observed latency, or an error when the node
// is unreachable or failing its check.
type Prober interface {
	Probe(ctx context.Context, node ServiceNode) (time.Duration, error)
}

// ProberFunc adapts a function to the Prober interface
type ProberFunc func(ctx context.Context, node ServiceNode) (time.Duration, error)

// Probe implements Prober
func (f ProberFunc) Probe(ctx context.Context, node ServiceNode) (time.Duration, error) {
	return f(ctx, node)
}

// Latency target against which the probe latency contribution is scaled
const probeLatencyTarget = 1000 * time.Millisecond

// HealthMonitor runs periodic probes against every registered node and
// derives each node's health score and status.
type HealthMonitor struct {
	registry  *Registry
	prober    Prober
	bus       *events.Bus
	logger    *logging.Logger
	metrics   *metrics.Metrics
	snapshots *store.Snapshots
	now       func() time.Time
}

// NewHealthMonitor creates a health monitor
func NewHealthMonitor(registry *Registry, prober Prober, bus *events.Bus, logger *logging.Logger, m *metrics.Metrics, snapshots *store.Snapshots) *HealthMonitor {
	if logger == nil {
		logger = logging.GetLogger()
	}
	return &HealthMonitor{
		registry:  registry,
		prober:    prober,
		bus:       bus,
		logger:    logger,
		metrics:   m,
		snapshots: snapshots,
		now:       time.Now,
	}
}

// SetClock overrides the monitor clock, used by tests
func (hm *HealthMonitor) SetClock(now func() time.Time) {
	hm.now = now
}

// Run probes every node once and updates its health record
func (hm *HealthMonitor) Run(ctx context.Context) {
	if hm.prober == nil {
		return
	}
	for _, node := range hm.registry.AllNodes() {
		hm.probeNode(ctx, node)
	}
}

// Start runs probes on the given interval until the context is cancelled
func (hm *HealthMonitor) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			hm.Run(ctx)
		}
	}
}

func (hm *HealthMonitor) probeNode(ctx context.Context, node ServiceNode) {
	probeCtx, cancel := context.WithTimeout(ctx, node.Config.Timeout)
	latency, err := hm.prober.Probe(probeCtx, node)
	cancel()

	uptime := nodeAvailability(node)
	score := HealthScore(err != nil, latency, uptime)

	status := statusForScore(err != nil, score)
	changed, previous := hm.applyHealth(node.ID, status, latency, uptime, score)

	if hm.metrics != nil && hm.metrics.NodeHealthScore != nil {
		hm.metrics.NodeHealthScore.WithLabelValues(node.ID, node.ServiceName).Set(score)
	}

	if hm.snapshots != nil {
		if health, ok := hm.registry.HealthFor(node.ID); ok {
			hm.snapshots.Put(ctx, store.PrefixHealthSnapshot, node.ID, health)
		}
	}

	if changed {
		hm.logger.Info("Node health status changed",
			"node_id", node.ID,
			"service", node.ServiceName,
			"from", string(previous),
			"to", string(status),
			"health_score", score,
		)
		if hm.bus != nil {
			hm.bus.Publish(events.TypeHealthStatusChanged, node.ServiceName, node.ID, map[string]interface{}{
				"from":         string(previous),
				"to":           string(status),
				"health_score": score,
			})
		}
	}
}

// applyHealth writes the probe result into the registry's health record and
// reports whether the status actually flipped
func (hm *HealthMonitor) applyHealth(nodeID string, status HealthState, latency time.Duration, uptime, score float64) (bool, HealthState) {
	hm.registry.mu.Lock()
	defer hm.registry.mu.Unlock()

	health, ok := hm.registry.health[nodeID]
	if !ok {
		return false, HealthUnknown
	}

	previous := health.Status
	health.Status = status
	health.LastCheck = hm.now()
	health.ResponseTime = latency
	health.Availability = uptime
	health.ErrorRate = 100 - uptime
	health.HealthScore = score

	return previous != status, previous
}

// HealthScore derives the 0-100 fitness measure from a probe outcome:
// zero when unhealthy, otherwise a 50-point base, up to 30 points scaled
// by how far the latency sits under the 1s target, and up to 20 points
// scaled by recorded uptime.
func HealthScore(unhealthy bool, latency time.Duration, uptimePercent float64) float64 {
	if unhealthy {
		return 0
	}

	latencyScore := 30 * (1 - float64(latency)/float64(probeLatencyTarget))
	if latencyScore < 0 {
		latencyScore = 0
	}
	if latencyScore > 30 {
		latencyScore = 30
	}

	uptimeScore := 20 * uptimePercent / 100
	if uptimeScore < 0 {
		uptimeScore = 0
	}
	if uptimeScore > 20 {
		uptimeScore = 20
	}

	score := 50 + latencyScore + uptimeScore
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

func statusForScore(unhealthy bool, score float64) HealthState {
	if unhealthy {
		return HealthUnhealthy
	}
	if score >= 70 {
		return HealthHealthy
	}
	return HealthDegraded
}

// nodeAvailability is the success fraction of recorded requests, 100 when
// the node has not served any traffic yet
func nodeAvailability(node ServiceNode) float64 {
	if node.RequestCount == 0 {
		return 100
	}
	return float64(node.RequestCount-node.ErrorCount) / float64(node.RequestCount) * 100
}
