package audit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buildmesh-io/buildmesh/shared/identity"
	"github.com/buildmesh-io/buildmesh/shared/transport"
)

func openTestStore(t *testing.T, retention time.Duration) *Store {
	t.Helper()
	db, err := Open(Config{Driver: "sqlite", DSN: ":memory:"})
	require.NoError(t, err)
	return New(db, nil, retention)
}

func TestStoreRecordCallResultAndFailureCount(t *testing.T) {
	store := openTestStore(t, 0)
	ctx := context.Background()
	invocationID := identity.ID{RelatedActivityID: "activity-1", Environment: "default", EngineVersion: "v1"}

	require.NoError(t, store.RecordCallResult(ctx, "worker-1:7090", "ExecutePips", invocationID, transport.Result{
		State:    transport.CallSucceeded,
		Attempts: 1,
	}))
	require.NoError(t, store.RecordCallResult(ctx, "worker-1:7090", "Heartbeat", invocationID, transport.Result{
		State:       transport.CallFailed,
		Attempts:    3,
		LastFailure: &transport.Failure{Kind: transport.FailureCallDeadlineExceeded, Details: "deadline exceeded"},
	}))
	require.NoError(t, store.RecordCallResult(ctx, "worker-2:7090", "Heartbeat", invocationID, transport.Result{
		State: transport.CallFailed,
	}))

	count, err := store.FailureCount(ctx, "worker-1:7090", time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestStoreRecordCallResultPersistsFailureDetails(t *testing.T) {
	store := openTestStore(t, 0)
	ctx := context.Background()
	invocationID := identity.ID{RelatedActivityID: "activity-1", Environment: "default", EngineVersion: "v1"}

	require.NoError(t, store.RecordCallResult(ctx, "worker-1:7090", "Attach", invocationID, transport.Result{
		State:       transport.CallFailed,
		Attempts:    2,
		LastFailure: &transport.Failure{Kind: transport.FailureCallDeadlineExceeded, Details: "timed out"},
	}))

	var record CallResultRecord
	require.NoError(t, store.db.Where("method = ?", "Attach").First(&record).Error)
	assert.Equal(t, "worker-1:7090", record.WorkerLocation)
	assert.Equal(t, invocationID.String(), record.InvocationID)
	assert.Equal(t, transport.CallFailed.String(), record.State)
	assert.Equal(t, "timed out", record.FailureDetails)
}

func TestStorePruneSkippedWhenRetentionZero(t *testing.T) {
	store := openTestStore(t, 0)
	ctx := context.Background()
	invocationID := identity.ID{RelatedActivityID: "activity-1", Environment: "default", EngineVersion: "v1"}
	require.NoError(t, store.RecordCallResult(ctx, "worker-1:7090", "Heartbeat", invocationID, transport.Result{State: transport.CallSucceeded}))

	require.NoError(t, store.Prune(ctx))

	var count int64
	require.NoError(t, store.db.Model(&CallResultRecord{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestStorePruneRemovesOldRecords(t *testing.T) {
	store := openTestStore(t, time.Hour)
	ctx := context.Background()
	invocationID := identity.ID{RelatedActivityID: "activity-1", Environment: "default", EngineVersion: "v1"}
	require.NoError(t, store.RecordCallResult(ctx, "worker-1:7090", "Heartbeat", invocationID, transport.Result{State: transport.CallSucceeded}))

	old := time.Now().Add(-2 * time.Hour)
	require.NoError(t, store.db.Model(&CallResultRecord{}).Where("method = ?", "Heartbeat").Update("created_at", old).Error)

	require.NoError(t, store.Prune(ctx))

	var count int64
	require.NoError(t, store.db.Model(&CallResultRecord{}).Count(&count).Error)
	assert.Equal(t, int64(0), count)
}
