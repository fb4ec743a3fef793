package events

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/meshguard/meshguard/pkg/logging"
)

// Type identifies a signal emitted by the orchestration components
type Type string

const (
	TypeNodeRegistered      Type = "node_registered"
	TypeBreakerOpened       Type = "breaker_opened"
	TypeBreakerClosed       Type = "breaker_closed"
	TypeBreakerCascaded     Type = "breaker_cascaded"
	TypeHealthStatusChanged Type = "health_status_changed"
	TypeFallbackTriggered   Type = "fallback_triggered"
	TypeFallbackSucceeded   Type = "fallback_succeeded"
	TypeFallbackFailed      Type = "fallback_failed"
	TypeIncidentCreated     Type = "incident_created"
	TypeIncidentEscalated   Type = "incident_escalated"
	TypeIncidentResolved    Type = "incident_resolved"
	TypeBudgetAlert         Type = "budget_alert"
	TypeQueueReleased       Type = "queue_released"
	TypeAggregateHealth     Type = "aggregate_health_updated"
)

// Event is a signal carried on the bus. Payload keys are event-specific;
// producers document them at the Publish call site.
type Event struct {
	ID        string                 `json:"id"`
	Type      Type                   `json:"type"`
	Service   string                 `json:"service,omitempty"`
	NodeID    string                 `json:"node_id,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
}

// Handler consumes events. Handlers run on the single dispatch goroutine,
// in subscription order, so they must not block.
type Handler func(Event)

// Bus is a typed publish/subscribe channel with one dispatch loop.
// A single loop keeps handler ordering deterministic and makes every
// in-memory mutation triggered by an event atomic with respect to other
// events.
type Bus struct {
	mu       sync.RWMutex
	handlers map[Type][]Handler

	ch     chan Event
	stopCh chan struct{}
	doneCh chan struct{}
	logger *logging.Logger

	started bool
}

// Config holds event bus configuration
type Config struct {
	BufferSize int `json:"buffer_size"`
}

// DefaultConfig returns default event bus configuration
func DefaultConfig() Config {
	return Config{BufferSize: 256}
}

// NewBus creates a new event bus
func NewBus(config Config, logger *logging.Logger) *Bus {
	if config.BufferSize <= 0 {
		config.BufferSize = DefaultConfig().BufferSize
	}
	if logger == nil {
		logger = logging.GetLogger()
	}

	return &Bus{
		handlers: make(map[Type][]Handler),
		ch:       make(chan Event, config.BufferSize),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
		logger:   logger,
	}
}

// Subscribe registers a handler for an event type. Must be called before
// Start; the components are wired once at bootstrap.
func (b *Bus) Subscribe(t Type, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[t] = append(b.handlers[t], handler)
}

// Publish enqueues an event for dispatch. Publishing never blocks the
// caller; when the buffer is full the event is dropped with a log line,
// degraded observability beats a stalled admission or breaker decision.
func (b *Bus) Publish(t Type, service, nodeID string, payload map[string]interface{}) {
	event := Event{
		ID:        uuid.New().String(),
		Type:      t,
		Service:   service,
		NodeID:    nodeID,
		Timestamp: time.Now(),
		Payload:   payload,
	}

	select {
	case b.ch <- event:
	default:
		b.logger.Warn("Event bus buffer full, dropping event",
			"event_type", string(t),
			"service", service,
		)
	}
}

// Start launches the dispatch loop
func (b *Bus) Start() {
	b.mu.Lock()
	if b.started {
		b.mu.Unlock()
		return
	}
	b.started = true
	b.mu.Unlock()

	go b.dispatchLoop()
}

// Stop drains pending events and stops the dispatch loop
func (b *Bus) Stop() {
	b.mu.Lock()
	if !b.started {
		b.mu.Unlock()
		return
	}
	b.started = false
	b.mu.Unlock()

	close(b.stopCh)
	<-b.doneCh
}

func (b *Bus) dispatchLoop() {
	defer close(b.doneCh)

	for {
		select {
		case event := <-b.ch:
			b.dispatch(event)
		case <-b.stopCh:
			// Drain whatever was published before the stop
			for {
				select {
				case event := <-b.ch:
					b.dispatch(event)
				default:
					return
				}
			}
		}
	}
}

func (b *Bus) dispatch(event Event) {
	b.mu.RLock()
	handlers := b.handlers[event.Type]
	b.mu.RUnlock()

	for _, handler := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					b.logger.Error("Event handler panicked",
						"event_type", string(event.Type),
						"panic", r,
					)
				}
			}()
			handler(event)
		}()
	}
}
