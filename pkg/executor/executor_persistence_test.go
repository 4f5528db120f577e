package executor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	store "github.com/urbanfleet/dispatch/pkg/store"
)

func newTestBoltStore(t *testing.T) *store.BoltStore {
	t.Helper()
	s, err := store.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSubmitResultPersistsAcceptedResult(t *testing.T) {
	e, _ := newTestExecutor(t)
	e.Store = newTestBoltStore(t)
	ctx := context.Background()

	_, err := e.SubmitResult(ctx, "J1", []byte("R1"), "B", map[string]uint64{"B": 1})
	require.NoError(t, err)

	saved, err := e.Store.GetResult("J1")
	require.NoError(t, err)
	assert.Equal(t, []byte("R1"), saved.Result)
}

func TestResultFallsBackToStoreAcrossRestart(t *testing.T) {
	bolt := newTestBoltStore(t)

	original, _ := newTestExecutor(t)
	original.Store = bolt
	ctx := context.Background()
	_, err := original.SubmitResult(ctx, "J1", []byte("R1"), "B", map[string]uint64{"B": 1})
	require.NoError(t, err)

	restarted, _ := newTestExecutor(t)
	restarted.Store = bolt

	rec, ok := restarted.Result("J1")
	require.True(t, ok, "result accepted before restart must still be answerable from the store")
	assert.Equal(t, []byte("R1"), rec.Result)
}

func TestExecutorPublishesResultAcceptedEvent(t *testing.T) {
	e, _ := newTestExecutor(t)
	e.Events.Start()
	defer e.Events.Stop()

	sub := e.Events.Subscribe()
	defer e.Events.Unsubscribe(sub)

	ctx := context.Background()
	_, err := e.SubmitResult(ctx, "J1", []byte("R1"), "B", map[string]uint64{"B": 1})
	require.NoError(t, err)

	select {
	case evt := <-sub:
		assert.Equal(t, "J1", evt.Metadata["job_id"])
	case <-time.After(time.Second):
		t.Fatal("expected result accepted event")
	}
}
