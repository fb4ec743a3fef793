package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshguard/meshguard/pkg/errors"
	"github.com/meshguard/meshguard/pkg/logging"
)

func testSnapshots(t *testing.T) *Snapshots {
	t.Helper()
	logger, err := logging.NewLogger(&logging.Config{Level: "error", Format: "json", Output: "stderr", ServiceName: "test"})
	require.NoError(t, err)
	return NewSnapshots(nil, logger)
}

func TestSnapshots_NilRedisPutIsNoOp(t *testing.T) {
	snaps := testSnapshots(t)

	// Must not panic or block without a backing store
	snaps.Put(context.Background(), PrefixNodeConfig, "pay-1", map[string]string{"k": "v"})
}

func TestSnapshots_NilRedisGetReturnsNotFound(t *testing.T) {
	snaps := testSnapshots(t)

	var dest map[string]string
	err := snaps.Get(context.Background(), PrefixNodeConfig, "pay-1", &dest)
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))
	assert.Nil(t, dest)
}

func TestSnapshots_NilRedisListIsEmpty(t *testing.T) {
	snaps := testSnapshots(t)

	ids, err := snaps.List(context.Background(), PrefixIncident)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestSnapshotKey(t *testing.T) {
	assert.Equal(t, "meshguard:incident:abc", snapshotKey(PrefixIncident, "abc"))
}

func TestSnapshotTTLs_CoverEveryPrefix(t *testing.T) {
	for _, prefix := range []string{
		PrefixNodeConfig,
		PrefixNodeMetrics,
		PrefixHealthSnapshot,
		PrefixRateLimitState,
		PrefixCostTracking,
		PrefixIncident,
		PrefixAggregateHealth,
	} {
		ttl, ok := snapshotTTLs[prefix]
		assert.True(t, ok, prefix)
		assert.Greater(t, ttl.Seconds(), 0.0, prefix)
	}
}

func TestSnapshots_NilRedisDeleteIsNoOp(t *testing.T) {
	snaps := testSnapshots(t)
	snaps.Delete(context.Background(), PrefixRateLimitState, "payment")
}
