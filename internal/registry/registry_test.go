package registry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testNode(id, service string, threshold int) ServiceNode {
	return ServiceNode{
		ID:          id,
		ServiceName: service,
		Region:      "us-east-1",
		Endpoint:    "https://" + id + ".example.com",
		Priority:    1,
		Config: NodeConfig{
			BreakerThreshold: threshold,
			BreakerTimeout:   60 * time.Second,
		},
	}
}

func TestRegistry_RegisterNode(t *testing.T) {
	r := NewRegistry(nil, nil, nil)

	require.NoError(t, r.RegisterNode(testNode("pay-1", "payment", 5)))

	node, ok := r.Node("pay-1")
	require.True(t, ok)
	assert.Equal(t, "payment", node.ServiceName)
	// Defaults fill unset config fields
	assert.Equal(t, 10, node.Config.MaxConcurrency)
	assert.Equal(t, 30*time.Second, node.Config.Timeout)

	health, ok := r.HealthFor("pay-1")
	require.True(t, ok)
	assert.Equal(t, HealthUnknown, health.Status)

	breaker, ok := r.BreakerFor("pay-1")
	require.True(t, ok)
	assert.Equal(t, BreakerClosed, breaker.State)
	assert.Zero(t, breaker.FailureCount)
	assert.Zero(t, breaker.SuccessCount)
}

func TestRegistry_RegisterNode_Validation(t *testing.T) {
	r := NewRegistry(nil, nil, nil)

	assert.Error(t, r.RegisterNode(ServiceNode{ServiceName: "payment"}))
	assert.Error(t, r.RegisterNode(ServiceNode{ID: "pay-1"}))
}

func TestRegistry_ReRegisterOverwrites(t *testing.T) {
	r := NewRegistry(nil, nil, nil)

	require.NoError(t, r.RegisterNode(testNode("pay-1", "payment", 5)))
	r.RecordFailure("payment", errors.New("boom"))

	updated := testNode("pay-1", "payment", 5)
	updated.Priority = 9
	require.NoError(t, r.RegisterNode(updated))

	node, _ := r.Node("pay-1")
	assert.Equal(t, 9, node.Priority)

	breaker, _ := r.BreakerFor("pay-1")
	assert.Equal(t, BreakerClosed, breaker.State)
	assert.Zero(t, breaker.FailureCount)
}

func TestRegistry_BreakerOpensAtThreshold(t *testing.T) {
	// Scenario: threshold=5, five consecutive failures open the breaker
	// and set the retry time one breaker timeout ahead.
	r := NewRegistry(nil, nil, nil)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	r.SetClock(func() time.Time { return now })

	require.NoError(t, r.RegisterNode(testNode("pay-1", "payment", 5)))

	for i := 0; i < 4; i++ {
		r.RecordFailure("payment", errors.New("timeout"))
		breaker, _ := r.BreakerFor("pay-1")
		assert.Equal(t, BreakerClosed, breaker.State, "attempt %d", i+1)
	}

	r.RecordFailure("payment", errors.New("timeout"))

	breaker, _ := r.BreakerFor("pay-1")
	assert.Equal(t, BreakerOpen, breaker.State)
	assert.Equal(t, 5, breaker.FailureCount)
	assert.Equal(t, now.Add(60*time.Second), breaker.NextRetryTime)
	assert.Equal(t, now, breaker.LastFailureTime)

	node, _ := r.Node("pay-1")
	assert.Equal(t, int64(5), node.ErrorCount)
}

func TestRegistry_AllowRequest(t *testing.T) {
	r := NewRegistry(nil, nil, nil)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	r.SetClock(func() time.Time { return now })

	require.NoError(t, r.RegisterNode(testNode("pay-1", "payment", 1)))
	assert.True(t, r.AllowRequest("pay-1"))

	r.RecordFailure("payment", errors.New("boom"))
	assert.False(t, r.AllowRequest("pay-1"))

	// Before the retry time the breaker stays open
	now = now.Add(59 * time.Second)
	assert.False(t, r.AllowRequest("pay-1"))

	// After the retry time the breaker half-opens and lets the probe through
	now = now.Add(2 * time.Second)
	assert.True(t, r.AllowRequest("pay-1"))

	breaker, _ := r.BreakerFor("pay-1")
	assert.Equal(t, BreakerHalfOpen, breaker.State)
}

func TestRegistry_HalfOpenSuccessCloses(t *testing.T) {
	r := NewRegistry(nil, nil, nil)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	r.SetClock(func() time.Time { return now })

	require.NoError(t, r.RegisterNode(testNode("pay-1", "payment", 2)))
	r.RecordFailure("payment", errors.New("boom"))
	r.RecordFailure("payment", errors.New("boom"))

	now = now.Add(2 * time.Minute)
	require.True(t, r.AllowRequest("pay-1"))

	r.RecordSuccess("pay-1")

	breaker, _ := r.BreakerFor("pay-1")
	assert.Equal(t, BreakerClosed, breaker.State)
	assert.Zero(t, breaker.FailureCount, "failure count resets only on half_open -> closed")
	assert.Equal(t, 1, breaker.SuccessCount)
}

func TestRegistry_HalfOpenFailureReopens(t *testing.T) {
	r := NewRegistry(nil, nil, nil)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	r.SetClock(func() time.Time { return now })

	require.NoError(t, r.RegisterNode(testNode("pay-1", "payment", 2)))
	r.RecordFailure("payment", errors.New("boom"))
	r.RecordFailure("payment", errors.New("boom"))

	now = now.Add(2 * time.Minute)
	require.True(t, r.AllowRequest("pay-1"))

	r.RecordFailure("payment", errors.New("still down"))

	breaker, _ := r.BreakerFor("pay-1")
	assert.Equal(t, BreakerOpen, breaker.State)
	assert.Equal(t, now.Add(60*time.Second), breaker.NextRetryTime)
}

func TestRegistry_SuccessDoesNotResetClosedFailures(t *testing.T) {
	r := NewRegistry(nil, nil, nil)

	require.NoError(t, r.RegisterNode(testNode("pay-1", "payment", 5)))
	r.RecordFailure("payment", errors.New("boom"))
	r.RecordSuccess("pay-1")

	breaker, _ := r.BreakerFor("pay-1")
	assert.Equal(t, BreakerClosed, breaker.State)
	assert.Equal(t, 1, breaker.FailureCount)
}

func TestRegistry_CascadeOpensHardDependents(t *testing.T) {
	// Scenario: two services hard-depend on tracking; when tracking's
	// breaker opens both dependents are forced open with zero failures.
	r := NewRegistry(nil, nil, nil)

	require.NoError(t, r.RegisterNode(testNode("track-1", "tracking", 1)))
	require.NoError(t, r.RegisterNode(testNode("disp-1", "dispatch", 5)))
	require.NoError(t, r.RegisterNode(testNode("bill-1", "billing", 5)))

	require.NoError(t, r.AddServiceDependency(ServiceDependency{
		ServiceName:        "dispatch",
		DependsOn:          "tracking",
		Type:               DependencyHard,
		BreakerPropagation: true,
	}))
	require.NoError(t, r.AddServiceDependency(ServiceDependency{
		ServiceName:        "billing",
		DependsOn:          "tracking",
		Type:               DependencyHard,
		BreakerPropagation: true,
	}))

	r.RecordFailure("tracking", errors.New("provider outage"))

	for _, nodeID := range []string{"track-1", "disp-1", "bill-1"} {
		breaker, _ := r.BreakerFor(nodeID)
		assert.Equal(t, BreakerOpen, breaker.State, nodeID)
	}

	dispBreaker, _ := r.BreakerFor("disp-1")
	assert.Zero(t, dispBreaker.FailureCount, "cascade does not count as a failure")
}

func TestRegistry_CascadeSkipsSoftDependents(t *testing.T) {
	r := NewRegistry(nil, nil, nil)

	require.NoError(t, r.RegisterNode(testNode("track-1", "tracking", 1)))
	require.NoError(t, r.RegisterNode(testNode("noti-1", "notify", 5)))
	require.NoError(t, r.AddServiceDependency(ServiceDependency{
		ServiceName:        "notify",
		DependsOn:          "tracking",
		Type:               DependencySoft,
		BreakerPropagation: true,
	}))

	r.RecordFailure("tracking", errors.New("outage"))

	breaker, _ := r.BreakerFor("noti-1")
	assert.Equal(t, BreakerClosed, breaker.State)
}

func TestRegistry_CascadeHandlesCycles(t *testing.T) {
	r := NewRegistry(nil, nil, nil)

	require.NoError(t, r.RegisterNode(testNode("a-1", "svc-a", 1)))
	require.NoError(t, r.RegisterNode(testNode("b-1", "svc-b", 5)))
	require.NoError(t, r.AddServiceDependency(ServiceDependency{
		ServiceName: "svc-b", DependsOn: "svc-a", Type: DependencyHard, BreakerPropagation: true,
	}))
	require.NoError(t, r.AddServiceDependency(ServiceDependency{
		ServiceName: "svc-a", DependsOn: "svc-b", Type: DependencyHard, BreakerPropagation: true,
	}))

	// Must terminate despite the dependency cycle
	r.RecordFailure("svc-a", errors.New("outage"))

	for _, nodeID := range []string{"a-1", "b-1"} {
		breaker, _ := r.BreakerFor(nodeID)
		assert.Equal(t, BreakerOpen, breaker.State, nodeID)
	}
}

func TestHealthScore(t *testing.T) {
	tests := []struct {
		name      string
		unhealthy bool
		latency   time.Duration
		uptime    float64
		want      float64
	}{
		{"unhealthy is zero", true, 10 * time.Millisecond, 100, 0},
		{"instant and perfect uptime", false, 0, 100, 100},
		{"at latency target", false, 1000 * time.Millisecond, 100, 70},
		{"over latency target floors at zero", false, 5 * time.Second, 100, 70},
		{"half uptime", false, 0, 50, 90},
		{"midpoint latency", false, 500 * time.Millisecond, 100, 85},
		{"zero uptime at target", false, 1000 * time.Millisecond, 0, 50},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, HealthScore(tt.unhealthy, tt.latency, tt.uptime), 0.001)
		})
	}
}

func TestHealthMonitor_StatusFlip(t *testing.T) {
	r := NewRegistry(nil, nil, nil)
	require.NoError(t, r.RegisterNode(testNode("pay-1", "payment", 5)))

	probeErr := error(nil)
	prober := ProberFunc(func(ctx context.Context, node ServiceNode) (time.Duration, error) {
		return 100 * time.Millisecond, probeErr
	})

	hm := NewHealthMonitor(r, prober, nil, nil, nil, nil)

	hm.Run(context.Background())
	health, _ := r.HealthFor("pay-1")
	assert.Equal(t, HealthHealthy, health.Status)
	assert.InDelta(t, 97, health.HealthScore, 0.5)

	probeErr = errors.New("connection refused")
	hm.Run(context.Background())
	health, _ = r.HealthFor("pay-1")
	assert.Equal(t, HealthUnhealthy, health.Status)
	assert.Zero(t, health.HealthScore)
}

func TestRegistry_HealthyNodePercentage(t *testing.T) {
	r := NewRegistry(nil, nil, nil)
	assert.Equal(t, float64(100), r.HealthyNodePercentage())

	require.NoError(t, r.RegisterNode(testNode("a-1", "svc-a", 5)))
	require.NoError(t, r.RegisterNode(testNode("b-1", "svc-b", 5)))

	prober := ProberFunc(func(ctx context.Context, node ServiceNode) (time.Duration, error) {
		if node.ID == "a-1" {
			return 50 * time.Millisecond, nil
		}
		return 0, errors.New("down")
	})
	NewHealthMonitor(r, prober, nil, nil, nil, nil).Run(context.Background())

	assert.Equal(t, float64(50), r.HealthyNodePercentage())
}
