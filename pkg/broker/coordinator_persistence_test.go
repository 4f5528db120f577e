package broker

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/urbanfleet/dispatch/pkg/config"
	store "github.com/urbanfleet/dispatch/pkg/store"
	"github.com/urbanfleet/dispatch/pkg/types"
)

func newTestBoltStore(t *testing.T) *store.BoltStore {
	t.Helper()
	s, err := store.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSubmitJobPersistsAcceptedJob(t *testing.T) {
	cfg := *config.Default()
	c := newTestCoordinator("b1", cfg)
	c.Store = newTestBoltStore(t)

	_, err := c.SubmitJob("j1", types.JobInfo{}, 0)
	require.NoError(t, err)

	saved, err := c.Store.GetJob("j1")
	require.NoError(t, err)
	assert.Equal(t, "j1", saved.JobID)
}

func TestForgetJobDeletesPersistedJob(t *testing.T) {
	cfg := *config.Default()
	c := newTestCoordinator("b1", cfg)
	c.Store = newTestBoltStore(t)

	_, err := c.SubmitJob("j1", types.JobInfo{}, 0)
	require.NoError(t, err)

	c.ForgetJob("j1")

	_, err = c.Store.GetJob("j1")
	assert.Error(t, err)
}

func TestRegisterExecutorPersistsRecord(t *testing.T) {
	cfg := *config.Default()
	c := newTestCoordinator("b1", cfg)
	c.Store = newTestBoltStore(t)

	c.RegisterExecutor("e1", "localhost:9001", types.Capabilities{CPU: 4})

	recs, err := c.Store.ListExecutors()
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "e1", recs[0].ID)
}

func TestLoadFromStoreRepopulatesQueueAndRegistry(t *testing.T) {
	cfg := *config.Default()
	bolt := newTestBoltStore(t)

	seed := newTestCoordinator("b1", cfg)
	seed.Store = bolt
	_, err := seed.SubmitJob("j1", types.JobInfo{}, 0)
	require.NoError(t, err)
	seed.RegisterExecutor("e1", "localhost:9001", types.Capabilities{CPU: 4})

	reloaded := New("b1", cfg, nil, nil, nil, zerolog.Nop())
	reloaded.Store = bolt
	require.NoError(t, reloaded.LoadFromStore())

	job, ok := reloaded.Queue.Lookup("j1")
	require.True(t, ok)
	assert.Equal(t, "j1", job.JobID)

	rec, ok := reloaded.Executors.Get("e1")
	require.True(t, ok)
	assert.Equal(t, types.HealthSuspect, rec.Health, "reloaded executors start SUSPECT until their next heartbeat")
}

func TestCoordinatorPublishesJobLifecycleEvents(t *testing.T) {
	cfg := *config.Default()
	c := newTestCoordinator("b1", cfg)
	c.Events.Start()
	defer c.Events.Stop()

	sub := c.Events.Subscribe()
	defer c.Events.Unsubscribe(sub)

	_, err := c.SubmitJob("j1", types.JobInfo{}, 0)
	require.NoError(t, err)

	select {
	case evt := <-sub:
		assert.Equal(t, "j1", evt.Metadata["job_id"])
	case <-time.After(time.Second):
		t.Fatal("expected job submitted event")
	}
}
