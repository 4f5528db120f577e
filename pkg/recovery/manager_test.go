package recovery

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/urbanfleet/dispatch/pkg/broker"
	"github.com/urbanfleet/dispatch/pkg/config"
	"github.com/urbanfleet/dispatch/pkg/discovery"
	"github.com/urbanfleet/dispatch/pkg/types"
)

type nopPeerClient struct{}

func (nopPeerClient) SyncMetadata(ctx context.Context, endpoint string, self types.BrokerMetadata) (types.BrokerMetadata, error) {
	return types.BrokerMetadata{}, nil
}

func newTestCoordinator(t *testing.T) *broker.Coordinator {
	t.Helper()
	cfg := *config.Default()
	return broker.New("B1", cfg, discovery.NewStatic(nil), nopPeerClient{}, nil, zerolog.Nop())
}

func TestMarkFailedRedispatchesOrphanedJobs(t *testing.T) {
	c := newTestCoordinator(t)
	m := New(c, 10*time.Millisecond, 3, zerolog.Nop())

	c.Executors.Upsert(&types.ExecutorRecord{ID: "E1", Health: types.HealthHealthy})
	_, err := c.SubmitJob("J1", types.JobInfo{}, 1)
	require.NoError(t, err)

	dispatched, err := c.DispatchHeadOfQueue(context.Background())
	require.NoError(t, err)
	assert.True(t, dispatched)

	orphans := c.JobsAssignedTo("E1")
	require.Len(t, orphans, 1)

	redispatched := m.MarkFailed(context.Background(), "E1")
	assert.Equal(t, []string{"J1"}, redispatched)

	rec, ok := c.Executors.Get("E1")
	require.True(t, ok)
	assert.Equal(t, types.HealthFailed, rec.Health, "failed executor must be marked FAILED in the registry")

	assert.Empty(t, c.JobsAssignedTo("E1"), "redispatched job must be cleared from the in-flight table")
	assert.Equal(t, 1, c.Queue.Len(), "orphaned job must land back on the queue for redispatch")
}

func TestMarkFailedExcludesExecutorFromSelection(t *testing.T) {
	c := newTestCoordinator(t)
	m := New(c, 10*time.Millisecond, 3, zerolog.Nop())

	c.Executors.Upsert(&types.ExecutorRecord{ID: "E1", Health: types.HealthHealthy})
	m.MarkFailed(context.Background(), "E1")

	job := &types.JobSubmission{JobID: "J2"}
	_, ok := c.SelectExecutor(job)
	assert.False(t, ok, "an executor just declared failed must be excluded from selection during its grace window")
}

func TestMarkFailedOnUnknownExecutorIsNoop(t *testing.T) {
	c := newTestCoordinator(t)
	m := New(c, 10*time.Millisecond, 3, zerolog.Nop())

	redispatched := m.MarkFailed(context.Background(), "ghost")
	assert.Nil(t, redispatched)
}

func TestSweepDeclaresExecutorFailedAfterGapExceedsThreshold(t *testing.T) {
	c := newTestCoordinator(t)
	m := New(c, 5*time.Millisecond, 2, zerolog.Nop()) // failureGap = 10ms

	c.Executors.Upsert(&types.ExecutorRecord{ID: "E1", Health: types.HealthHealthy})
	m.Register("E1")
	m.Heartbeat("E1")

	time.Sleep(20 * time.Millisecond)
	m.Sweep(context.Background())

	rec, ok := c.Executors.Get("E1")
	require.True(t, ok)
	assert.Equal(t, types.HealthFailed, rec.Health, "a stale heartbeat beyond the failure gap must mark the executor FAILED")
}

func TestSweepLeavesFreshHeartbeatsAlone(t *testing.T) {
	c := newTestCoordinator(t)
	m := New(c, 5*time.Second, 5, zerolog.Nop())

	c.Executors.Upsert(&types.ExecutorRecord{ID: "E1", Health: types.HealthHealthy})
	m.Register("E1")
	m.Heartbeat("E1")

	m.Sweep(context.Background())

	rec, ok := c.Executors.Get("E1")
	require.True(t, ok)
	assert.Equal(t, types.HealthHealthy, rec.Health)
}

func TestDeclareAndClearFleetEmergencyDelegatesToCoordinator(t *testing.T) {
	c := newTestCoordinator(t)
	m := New(c, 10*time.Millisecond, 3, zerolog.Nop())

	m.DeclareFleetEmergency("fire", types.EmergencyHigh)
	em, ok := c.Emergency.Active()
	require.True(t, ok)
	assert.Equal(t, "fire", em.Kind)

	m.ClearFleetEmergency()
	_, ok = c.Emergency.Active()
	assert.False(t, ok)
}
