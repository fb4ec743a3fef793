package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/meshguard/meshguard/pkg/errors"
	"github.com/meshguard/meshguard/pkg/logging"
)

// Snapshots persists orchestrator state to Redis so dashboards and a
// restarted process can pick up where the last one left off. The store is
// never on the decision path: writes are fire-and-forget and a missing or
// unreachable Redis degrades every read to not-found, which callers treat
// as "use in-memory defaults".
type Snapshots struct {
	redis  *RedisClient
	logger *logging.Logger
}

// Key prefixes and their retention, per state class
const (
	PrefixNodeConfig      = "node_config"
	PrefixNodeMetrics     = "node_metrics"
	PrefixHealthSnapshot  = "health"
	PrefixRateLimitState  = "ratelimit"
	PrefixCostTracking    = "cost"
	PrefixIncident        = "incident"
	PrefixAggregateHealth = "aggregate_health"
)

// TTL table for persisted state classes
var snapshotTTLs = map[string]time.Duration{
	PrefixNodeConfig:      24 * time.Hour,
	PrefixNodeMetrics:     1 * time.Hour,
	PrefixHealthSnapshot:  5 * time.Minute,
	PrefixRateLimitState:  1 * time.Hour,
	PrefixCostTracking:    24 * time.Hour,
	PrefixIncident:        24 * time.Hour,
	PrefixAggregateHealth: 5 * time.Minute,
}

// NewSnapshots creates a snapshot store. A nil redis client is allowed and
// turns every operation into a no-op.
func NewSnapshots(redis *RedisClient, logger *logging.Logger) *Snapshots {
	if logger == nil {
		logger = logging.GetLogger()
	}
	return &Snapshots{
		redis:  redis,
		logger: logger,
	}
}

func snapshotKey(prefix, id string) string {
	return fmt.Sprintf("meshguard:%s:%s", prefix, id)
}

// Put serializes and stores a snapshot under its class TTL. Failures are
// logged and swallowed.
func (s *Snapshots) Put(ctx context.Context, prefix, id string, value interface{}) {
	if s.redis == nil {
		return
	}

	data, err := json.Marshal(value)
	if err != nil {
		s.logger.Error("Failed to serialize snapshot",
			"prefix", prefix,
			"id", id,
			"error", err.Error(),
		)
		return
	}

	ttl, ok := snapshotTTLs[prefix]
	if !ok {
		ttl = 1 * time.Hour
	}

	if err := s.redis.Set(ctx, snapshotKey(prefix, id), string(data), ttl); err != nil {
		s.logger.Warn("Failed to persist snapshot, continuing with in-memory state",
			"prefix", prefix,
			"id", id,
			"error", err.Error(),
		)
	}
}

// Delete drops a snapshot so a restarted process does not resurrect state an
// operator has explicitly cleared. Failures are logged and swallowed.
func (s *Snapshots) Delete(ctx context.Context, prefix, id string) {
	if s.redis == nil {
		return
	}
	if _, err := s.redis.Del(ctx, snapshotKey(prefix, id)); err != nil {
		s.logger.Warn("Failed to delete snapshot",
			"prefix", prefix,
			"id", id,
			"error", err.Error(),
		)
	}
}

// Get loads a snapshot into dest. Returns a not-found error when the key is
// absent or the store is unavailable.
func (s *Snapshots) Get(ctx context.Context, prefix, id string, dest interface{}) error {
	if s.redis == nil {
		return errors.NewNotFoundError("snapshot")
	}

	data, err := s.redis.Get(ctx, snapshotKey(prefix, id))
	if err != nil {
		if errors.IsNotFound(err) {
			return err
		}
		s.logger.Warn("Snapshot read failed, falling back to defaults",
			"prefix", prefix,
			"id", id,
			"error", err.Error(),
		)
		return errors.NewNotFoundError("snapshot")
	}

	if err := json.Unmarshal([]byte(data), dest); err != nil {
		return errors.NewInternalError("failed to deserialize snapshot").WithCause(err)
	}

	return nil
}

// List returns the IDs of all snapshots stored under a prefix
func (s *Snapshots) List(ctx context.Context, prefix string) ([]string, error) {
	if s.redis == nil {
		return nil, nil
	}

	pattern := snapshotKey(prefix, "*")
	keys, err := s.redis.Keys(ctx, pattern)
	if err != nil {
		return nil, err
	}

	prefixLen := len(snapshotKey(prefix, ""))
	ids := make([]string, 0, len(keys))
	for _, key := range keys {
		if len(key) > prefixLen {
			ids = append(ids, key[prefixLen:])
		}
	}
	return ids, nil
}
