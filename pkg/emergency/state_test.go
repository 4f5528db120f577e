package emergency

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/urbanfleet/dispatch/pkg/causal"
)

func TestDeclareAndClear(t *testing.T) {
	s := New()
	_, active := s.Active()
	require.False(t, active)

	ctx := &causal.EmergencyContext{Kind: "fire", Level: causal.LevelHigh, DetectedAt: time.Now(), Clock: map[string]uint64{"b1": 1}}
	s.Declare(ctx)

	got, active := s.Active()
	require.True(t, active)
	assert.Equal(t, ctx, got)

	s.Clear()
	_, active = s.Active()
	assert.False(t, active)
}

func TestInstallReportsChangeOnlyWhenWinnerDiffers(t *testing.T) {
	s := New()
	first := &causal.EmergencyContext{Kind: "fire", Level: causal.LevelHigh, DetectedAt: time.Now(), Clock: map[string]uint64{"b1": 1}}
	changed := s.Install(first)
	assert.True(t, changed)

	// A strictly earlier candidate loses under Reconcile, no change reported.
	earlier := &causal.EmergencyContext{Kind: "fire", Level: causal.LevelHigh, DetectedAt: time.Now(), Clock: map[string]uint64{}}
	changed = s.Install(earlier)
	assert.False(t, changed)

	got, _ := s.Active()
	assert.Equal(t, first, got)
}

func TestInstallNilCandidateIsNoop(t *testing.T) {
	s := New()
	changed := s.Install(nil)
	assert.False(t, changed)
	_, active := s.Active()
	assert.False(t, active)
}
