package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshguard/meshguard/internal/admission"
	"github.com/meshguard/meshguard/internal/registry"
	"github.com/meshguard/meshguard/internal/router"
	"github.com/meshguard/meshguard/pkg/config"
	"github.com/meshguard/meshguard/pkg/errors"
	"github.com/meshguard/meshguard/pkg/logging"
)

func testConfig() *config.Config {
	// Long intervals keep the background loops idle during tests
	return &config.Config{
		Orchestrator: config.OrchestratorConfig{
			HealthProbeInterval:    time.Hour,
			QueueDrainInterval:     time.Hour,
			EscalationScanInterval: time.Hour,
			AggregateScanInterval:  time.Hour,
			SnapshotFlushInterval:  time.Hour,
			MaxRequestAttempts:     3,
			RetryBaseDelay:         time.Millisecond,
		},
		Admission: config.AdmissionConfig{
			DefaultBurstLimit:     10,
			DefaultSustainedLimit: 300,
			DefaultDailyLimit:     100000,
			DefaultMonthlyBudget:  10000,
			DefaultDailyBudget:    500,
			DefaultCostPerRequest: 0.01,
		},
	}
}

func testService(t *testing.T, executor router.Executor) *Service {
	t.Helper()
	logger, err := logging.NewLogger(&logging.Config{Level: "error", Format: "json", Output: "stderr", ServiceName: "test"})
	require.NoError(t, err)

	return NewService(testConfig(), Dependencies{
		Executor: executor,
		Logger:   logger,
	})
}

func okExecutor() router.Executor {
	return router.ExecutorFunc(func(ctx context.Context, node registry.ServiceNode, req router.Request) (*router.Response, error) {
		return &router.Response{NodeID: node.ID, StatusCode: 200}, nil
	})
}

func TestService_StatusReportsNodes(t *testing.T) {
	svc := testService(t, okExecutor())

	require.NoError(t, svc.RegisterNode(registry.ServiceNode{ID: "pay-1", ServiceName: "payment", Endpoint: "http://pay-1"}))
	require.NoError(t, svc.RegisterNode(registry.ServiceNode{ID: "pay-2", ServiceName: "payment", Endpoint: "http://pay-2"}))

	status := svc.Status()
	assert.Len(t, status.Nodes, 2)
	assert.Contains(t, status.QueueDepths, "payment")
	assert.Equal(t, 0, status.QueueDepths["payment"])
	assert.Empty(t, status.ActiveIncidents)
}

func TestService_ReadyLifecycle(t *testing.T) {
	svc := testService(t, okExecutor())

	require.Error(t, svc.Ready())

	require.NoError(t, svc.Start(context.Background()))
	assert.NoError(t, svc.Ready())

	// double start is rejected
	assert.Error(t, svc.Start(context.Background()))

	svc.Stop()
	assert.Error(t, svc.Ready())

	// double stop is a no-op
	svc.Stop()
}

func TestService_ExecuteServiceRequest(t *testing.T) {
	svc := testService(t, okExecutor())
	require.NoError(t, svc.RegisterNode(registry.ServiceNode{ID: "pay-1", ServiceName: "payment", Endpoint: "http://pay-1"}))

	resp, err := svc.ExecuteServiceRequest(context.Background(), router.Request{Service: "payment", Operation: "charge"}, admission.PriorityNormal)
	require.NoError(t, err)
	assert.Equal(t, "pay-1", resp.NodeID)
	assert.Equal(t, 1, resp.Attempts)
}

func TestService_ExecuteServiceRequest_AdmissionDenied(t *testing.T) {
	svc := testService(t, okExecutor())
	require.NoError(t, svc.RegisterNode(registry.ServiceNode{ID: "pay-1", ServiceName: "payment", Endpoint: "http://pay-1"}))
	require.NoError(t, svc.SetServiceLimits(admission.ServiceLimits{
		ServiceName:      "payment",
		BurstLimit:       1,
		SustainedLimit:   300,
		DailyLimit:       100000,
		MonthlyBudget:    10000,
		DailyBudgetLimit: 500,
		CostPerRequest:   0.01,
	}))

	_, err := svc.ExecuteServiceRequest(context.Background(), router.Request{Service: "payment", Operation: "charge"}, admission.PriorityNormal)
	require.NoError(t, err)

	_, err = svc.ExecuteServiceRequest(context.Background(), router.Request{Service: "payment", Operation: "charge"}, admission.PriorityNormal)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeAdmissionDenied))
}

func TestService_ExecuteServiceRequest_NoNodes(t *testing.T) {
	svc := testService(t, okExecutor())

	_, err := svc.ExecuteServiceRequest(context.Background(), router.Request{Service: "ghost", Operation: "noop"}, admission.PriorityNormal)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeNoHealthyTarget))
}

func TestService_UnblockService(t *testing.T) {
	svc := testService(t, okExecutor())
	// unknown services fall back to configured defaults; unblocking one
	// that was never blocked must be safe
	svc.UnblockService("payment")

	decision := svc.CheckAdmission(context.Background(), "payment", admission.PriorityNormal)
	assert.True(t, decision.Allowed)
}
