package broker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/urbanfleet/dispatch/pkg/types"
)

func TestQueueOrderingPrecedence(t *testing.T) {
	q := NewJobQueue(10)
	now := time.Now()

	normalLow := &types.JobSubmission{JobID: "a", PriorityScore: 1, SubmittedAt: now, SubmissionClock: map[string]uint64{"b": 1}}
	normalHigh := &types.JobSubmission{JobID: "b", PriorityScore: 5, SubmittedAt: now, SubmissionClock: map[string]uint64{"b": 2}}
	urgent := &types.JobSubmission{JobID: "c", PriorityScore: 0, EmergencyLevel: types.EmergencyCritical, SubmittedAt: now, SubmissionClock: map[string]uint64{"b": 3}}

	require.NoError(t, q.Push(normalLow))
	require.NoError(t, q.Push(normalHigh))
	require.NoError(t, q.Push(urgent))

	first, _ := q.Pop()
	assert.Equal(t, "c", first.JobID, "urgent tier must precede all others")

	second, _ := q.Pop()
	assert.Equal(t, "b", second.JobID, "higher priority score wins within a tier")

	third, _ := q.Pop()
	assert.Equal(t, "a", third.JobID)
}

func TestQueueTieBreaksByCausalOrderThenWallTimeThenID(t *testing.T) {
	q := NewJobQueue(10)
	now := time.Now()

	j2 := &types.JobSubmission{JobID: "j2", PriorityScore: 5, SubmittedAt: now, SubmissionClock: map[string]uint64{"b": 2}}
	j1 := &types.JobSubmission{JobID: "j1", PriorityScore: 5, SubmittedAt: now, SubmissionClock: map[string]uint64{"b": 1}}

	require.NoError(t, q.Push(j2))
	require.NoError(t, q.Push(j1))

	head, _ := q.Peek()
	assert.Equal(t, "j1", head.JobID, "causally earlier submission clock goes first")
}

func TestQueueSaturatedAtExactCapacityDoesNotMutateOnCaller(t *testing.T) {
	q := NewJobQueue(2)
	require.NoError(t, q.Push(&types.JobSubmission{JobID: "a", SubmittedAt: time.Now()}))
	require.NoError(t, q.Push(&types.JobSubmission{JobID: "b", SubmittedAt: time.Now()}))

	err := q.Push(&types.JobSubmission{JobID: "c", SubmittedAt: time.Now()})
	require.ErrorIs(t, err, types.ErrQueueSaturated)
	assert.Equal(t, 2, q.Len())
}

func TestQueueDuplicateJobID(t *testing.T) {
	q := NewJobQueue(10)
	require.NoError(t, q.Push(&types.JobSubmission{JobID: "dup", SubmittedAt: time.Now()}))
	err := q.Push(&types.JobSubmission{JobID: "dup", SubmittedAt: time.Now()})
	require.ErrorIs(t, err, types.ErrDuplicateSubmission)
}

func TestClassifyEmergencyByKeyword(t *testing.T) {
	keywords := map[string]string{"fire": "fire", "medical": "medical", "critical": "critical"}

	is, kind, level := classifyEmergency(types.JobInfo{Payload: []byte("structure fire reported downtown")}, keywords)
	assert.True(t, is)
	assert.Equal(t, "fire", kind)
	assert.Equal(t, types.EmergencyHigh, level)

	is, _, _ = classifyEmergency(types.JobInfo{Payload: []byte("routine sensor reading")}, keywords)
	assert.False(t, is)
}

func TestClassifyEmergencyPrefersStrongerKind(t *testing.T) {
	keywords := map[string]string{"fire": "fire", "critical": "critical"}
	is, kind, level := classifyEmergency(types.JobInfo{Payload: []byte("critical fire situation")}, keywords)
	require.True(t, is)
	assert.Equal(t, "critical", kind)
	assert.Equal(t, types.EmergencyCritical, level)
}
