package executor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/urbanfleet/dispatch/pkg/causal"
	"github.com/urbanfleet/dispatch/pkg/config"
	"github.com/urbanfleet/dispatch/pkg/types"
)

type blockingSandbox struct {
	release chan struct{}
}

func (s *blockingSandbox) Run(ctx context.Context, info types.JobInfo) ([]byte, error) {
	select {
	case <-s.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return []byte("ok"), nil
}

type noopNotifier struct{}

func (noopNotifier) NotifyJobCompleted(ctx context.Context, jobID string)         {}
func (noopNotifier) NotifyJobFailed(ctx context.Context, jobID string, reason string) {}

func newTestExecutor(t *testing.T) (*Executor, *blockingSandbox) {
	t.Helper()
	sb := &blockingSandbox{release: make(chan struct{})}
	close(sb.release) // sandbox completes immediately by default
	cfg := *config.Default()
	return New("E1", cfg, sb, noopNotifier{}, zerolog.Nop()), sb
}

func TestSubmitResultFCFSAcceptsFirstRejectsSecond(t *testing.T) {
	e, _ := newTestExecutor(t)
	ctx := context.Background()

	status, err := e.SubmitResult(ctx, "J1", []byte("R1"), "B", map[string]uint64{"B": 3})
	require.NoError(t, err)
	assert.Equal(t, "accepted", status)

	status, err = e.SubmitResult(ctx, "J1", []byte("R2"), "B", map[string]uint64{"B": 4})
	require.ErrorIs(t, err, types.ErrAlreadyAccepted)
	assert.Equal(t, "already-accepted", status)

	rec, ok := e.Result("J1")
	require.True(t, ok)
	assert.Equal(t, []byte("R1"), rec.Result, "first accepted result must never be overwritten")
}

func TestConcurrentSubmitResultExactlyOneWinner(t *testing.T) {
	e, _ := newTestExecutor(t)
	ctx := context.Background()

	const n = 50
	var wg sync.WaitGroup
	accepted := make([]bool, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := e.SubmitResult(ctx, "race-job", []byte("r"), "B", map[string]uint64{"B": uint64(i)})
			accepted[i] = err == nil
		}(i)
	}
	wg.Wait()

	count := 0
	for _, ok := range accepted {
		if ok {
			count++
		}
	}
	assert.Equal(t, 1, count, "exactly one concurrent submit_result must be accepted")
}

func TestReceiveJobRejectsDuplicate(t *testing.T) {
	e, _ := newTestExecutor(t)
	ctx := context.Background()

	err := e.ReceiveJob(ctx, "J1", types.JobInfo{}, false, map[string]uint64{})
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond) // let the pump move J1 into running/completed

	err = e.ReceiveJob(ctx, "J1", types.JobInfo{}, false, map[string]uint64{})
	assert.ErrorIs(t, err, types.ErrDuplicateSubmission)
}

func TestEmergencyPreemptionBlocksNormalJobs(t *testing.T) {
	sb := &blockingSandbox{release: make(chan struct{})}
	cfg := *config.Default()
	cfg.MaxConcurrentJobs = 1
	e := New("E1", cfg, sb, noopNotifier{}, zerolog.Nop())
	ctx := context.Background()

	e.Emergency.Declare(&causal.EmergencyContext{
		Kind:       "fire",
		Level:      causal.LevelHigh,
		DetectedAt: time.Now(),
		Clock:      map[string]uint64{"b1": 1},
	})

	err := e.ReceiveJob(ctx, "normal-1", types.JobInfo{}, false, map[string]uint64{})
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)
	status := e.StatusSnapshot()
	assert.Empty(t, status.Running, "no normal job may run while a HIGH/CRITICAL emergency is active")

	close(sb.release)
}

func TestPumpRespectsMaxConcurrentJobs(t *testing.T) {
	sb := &blockingSandbox{release: make(chan struct{})}
	cfg := *config.Default()
	cfg.MaxConcurrentJobs = 1
	e := New("E1", cfg, sb, noopNotifier{}, zerolog.Nop())
	ctx := context.Background()

	require.NoError(t, e.ReceiveJob(ctx, "J1", types.JobInfo{}, false, map[string]uint64{}))
	require.NoError(t, e.ReceiveJob(ctx, "J2", types.JobInfo{}, false, map[string]uint64{}))

	time.Sleep(10 * time.Millisecond)
	status := e.StatusSnapshot()
	assert.Len(t, status.Running, 1, "only one job may run at a time under maxConcurrentJobs=1")

	close(sb.release)
}

func TestPumpLeavesJobQueuedWhenResourceOptimalFindsNoFit(t *testing.T) {
	e, _ := newTestExecutor(t)
	e.strategy = ResourceOptimalSelector{FreeCPU: 1, FreeMemory: 1 << 20}
	ctx := context.Background()

	require.NoError(t, e.ReceiveJob(ctx, "too-big", types.JobInfo{Capabilities: types.CapabilitiesRequired{MinCPU: 1e9}}, false, map[string]uint64{}))

	time.Sleep(10 * time.Millisecond)
	status := e.StatusSnapshot()
	assert.Empty(t, status.Running, "a job that fits no free-resource vector must stay queued, not dispatch anyway")
}
