package vclock

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTickIsMonotonic(t *testing.T) {
	c := New("B")
	require.Equal(t, uint64(1), c.Tick())
	require.Equal(t, uint64(2), c.Tick())
	require.Equal(t, uint64(3), c.Tick())
	assert.Equal(t, map[string]uint64{"B": 3}, c.Snapshot())
}

func TestMergeTakesComponentwiseMaxThenTicks(t *testing.T) {
	c := New("B")
	c.Tick() // {B:1}
	c.Merge(map[string]uint64{"A": 5, "B": 0})
	// max(B:1, B:0) = 1, then tick -> B:2, A learned as 5
	assert.Equal(t, map[string]uint64{"A": 5, "B": 2}, c.Snapshot())
}

func TestMergeLearnsUnknownNode(t *testing.T) {
	c := New("E")
	c.Merge(map[string]uint64{"unknown-executor": 3})
	snap := c.Snapshot()
	assert.Equal(t, uint64(3), snap["unknown-executor"])
}

func TestCompareOrdering(t *testing.T) {
	cases := []struct {
		name string
		a, b map[string]uint64
		want Ordering
	}{
		{"equal", map[string]uint64{"A": 1}, map[string]uint64{"A": 1}, Equal},
		{"before", map[string]uint64{"A": 1}, map[string]uint64{"A": 2}, Before},
		{"after", map[string]uint64{"A": 3}, map[string]uint64{"A": 2}, After},
		{"concurrent", map[string]uint64{"A": 2, "B": 0}, map[string]uint64{"A": 0, "B": 2}, Concurrent},
		{"absent-key-is-zero", map[string]uint64{"A": 1}, map[string]uint64{"A": 1, "B": 1}, Before},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, CompareSnapshots(tc.a, tc.b))
		})
	}
}

func TestConcurrentMutationIsSerialized(t *testing.T) {
	c := New("B")
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Tick()
		}()
	}
	wg.Wait()
	assert.Equal(t, uint64(100), c.Snapshot()["B"])
}

func TestCausalSoundnessAcrossMessagePassing(t *testing.T) {
	// event A at node X, then a message carries it to node Y which merges:
	// compare(before-merge-X, after-merge-Y) must be "before".
	x := New("X")
	x.Tick() // event A: {X:1}
	beforeSnapshot := x.Snapshot()

	y := New("Y")
	y.Merge(beforeSnapshot) // receive event B at Y
	afterSnapshot := y.Snapshot()

	assert.Equal(t, Before, CompareSnapshots(beforeSnapshot, afterSnapshot))
}
