package events

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshguard/meshguard/pkg/logging"
)

func testBus(t *testing.T, bufferSize int) *Bus {
	t.Helper()
	logger, err := logging.NewLogger(&logging.Config{Level: "error", Format: "json", Output: "stderr", ServiceName: "test"})
	require.NoError(t, err)
	return NewBus(Config{BufferSize: bufferSize}, logger)
}

func TestBus_DeliversToSubscribers(t *testing.T) {
	bus := testBus(t, 16)

	var mu sync.Mutex
	var got []Event
	bus.Subscribe(TypeBreakerOpened, func(e Event) {
		mu.Lock()
		got = append(got, e)
		mu.Unlock()
	})

	bus.Start()
	bus.Publish(TypeBreakerOpened, "payment", "pay-1", map[string]interface{}{"failures": 5})
	bus.Publish(TypeBreakerClosed, "payment", "pay-1", nil)
	bus.Stop()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	assert.Equal(t, TypeBreakerOpened, got[0].Type)
	assert.Equal(t, "payment", got[0].Service)
	assert.Equal(t, "pay-1", got[0].NodeID)
	assert.Equal(t, 5, got[0].Payload["failures"])
	assert.NotEmpty(t, got[0].ID)
	assert.False(t, got[0].Timestamp.IsZero())
}

func TestBus_HandlersRunInSubscriptionOrder(t *testing.T) {
	bus := testBus(t, 16)

	var mu sync.Mutex
	var order []string
	bus.Subscribe(TypeIncidentCreated, func(Event) {
		mu.Lock()
		order = append(order, "first")
		mu.Unlock()
	})
	bus.Subscribe(TypeIncidentCreated, func(Event) {
		mu.Lock()
		order = append(order, "second")
		mu.Unlock()
	})

	bus.Start()
	bus.Publish(TypeIncidentCreated, "payment", "", nil)
	bus.Stop()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"first", "second"}, order)
}

func TestBus_StopDrainsPendingEvents(t *testing.T) {
	bus := testBus(t, 64)

	var mu sync.Mutex
	count := 0
	bus.Subscribe(TypeQueueReleased, func(Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	// Publish before the dispatch loop starts, then rely on Stop to drain
	for i := 0; i < 10; i++ {
		bus.Publish(TypeQueueReleased, "payment", "", nil)
	}
	bus.Start()
	bus.Stop()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 10, count)
}

func TestBus_FullBufferDropsInsteadOfBlocking(t *testing.T) {
	bus := testBus(t, 2)

	// Dispatch loop never started, so the third publish must not block
	bus.Publish(TypeBudgetAlert, "payment", "", nil)
	bus.Publish(TypeBudgetAlert, "payment", "", nil)
	bus.Publish(TypeBudgetAlert, "payment", "", nil)
}

func TestBus_PanickingHandlerDoesNotStopDispatch(t *testing.T) {
	bus := testBus(t, 16)

	var mu sync.Mutex
	delivered := false
	bus.Subscribe(TypeFallbackFailed, func(Event) {
		panic("handler blew up")
	})
	bus.Subscribe(TypeFallbackFailed, func(Event) {
		mu.Lock()
		delivered = true
		mu.Unlock()
	})

	bus.Start()
	bus.Publish(TypeFallbackFailed, "payment", "", nil)
	bus.Stop()

	mu.Lock()
	defer mu.Unlock()
	assert.True(t, delivered)
}

func TestBus_DoubleStartAndStopAreSafe(t *testing.T) {
	bus := testBus(t, 16)
	bus.Start()
	bus.Start()
	bus.Stop()
	bus.Stop()
}
