package notify

import (
	"context"
	"sync"
	"time"

	"github.com/meshguard/meshguard/pkg/logging"
)

// Severity classifies notification urgency
type Severity string

const (
	SeverityInfo      Severity = "info"
	SeverityWarning   Severity = "warning"
	SeverityCritical  Severity = "critical"
	SeverityEmergency Severity = "emergency"
)

// Notification is one human-facing message: an escalation to a role on an
// incident's escalation path, or a budget alert for a service.
type Notification struct {
	Recipient  string            `json:"recipient,omitempty"`
	Subject    string            `json:"subject"`
	Body       string            `json:"body"`
	Severity   Severity          `json:"severity"`
	Service    string            `json:"service,omitempty"`
	IncidentID string            `json:"incident_id,omitempty"`
	Labels     map[string]string `json:"labels,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
}

// Channel delivers notifications over one transport
type Channel interface {
	Send(ctx context.Context, notification *Notification) error
	Name() string
}

// Notifier fans a notification out to every configured channel. Delivery
// failures are logged per channel and never propagate to the caller; the
// orchestration core decides what to say and to whom, never whether the
// transport worked.
type Notifier struct {
	mu       sync.RWMutex
	channels []Channel
	logger   *logging.Logger
}

// NewNotifier creates a notifier with no channels; AddChannel wires the
// transports at bootstrap
func NewNotifier(logger *logging.Logger) *Notifier {
	if logger == nil {
		logger = logging.GetLogger()
	}
	return &Notifier{logger: logger}
}

// AddChannel registers a delivery transport
func (n *Notifier) AddChannel(channel Channel) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.channels = append(n.channels, channel)
}

// Notify delivers the notification on every channel
func (n *Notifier) Notify(ctx context.Context, notification *Notification) {
	if notification.Timestamp.IsZero() {
		notification.Timestamp = time.Now()
	}

	n.mu.RLock()
	channels := make([]Channel, len(n.channels))
	copy(channels, n.channels)
	n.mu.RUnlock()

	for _, channel := range channels {
		if err := channel.Send(ctx, notification); err != nil {
			n.logger.Error("Notification delivery failed",
				"channel", channel.Name(),
				"subject", notification.Subject,
				"recipient", notification.Recipient,
				"error", err.Error(),
			)
		}
	}
}
