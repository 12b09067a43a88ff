package trust

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMerge_Monotonic(t *testing.T) {
	a := State{Phase: PhaseScheduler, Score: 0.3, DaysActive: 10, AcceptedCount: 5, OverrideCount: 1}
	b := State{Phase: PhaseAutoScheduler, Score: 0.5, DaysActive: 8, AcceptedCount: 12, OverrideCount: 2}

	m := Merge(a, b)
	assert.Equal(t, PhaseAutoScheduler, m.Phase)
	assert.Equal(t, 0.5, m.Score)
	assert.Equal(t, 10, m.DaysActive)
	assert.Equal(t, 12, m.AcceptedCount)
	assert.Equal(t, 3, m.OverrideCount) // overrides are summed, not maxed

	// Merge never decreases phase or score regardless of argument order.
	m2 := Merge(b, a)
	assert.Equal(t, m.Phase, m2.Phase)
	assert.Equal(t, m.Score, m2.Score)
}

func TestMerge_SamePhaseTakesMaxScore(t *testing.T) {
	a := State{Phase: PhaseTransformer, Score: 0.7}
	b := State{Phase: PhaseTransformer, Score: 0.66}

	m := Merge(a, b)
	assert.Equal(t, PhaseTransformer, m.Phase)
	assert.Equal(t, 0.7, m.Score)
}

func TestMerge_HigherPhaseCarriesItsScore(t *testing.T) {
	// The lower-phase copy has the higher raw score; phase wins first, then
	// the winning phase's score is kept.
	a := State{Phase: PhaseScheduler, Score: 0.9}
	b := State{Phase: PhaseFullAutonomy, Score: 0.86}

	m := Merge(a, b)
	assert.Equal(t, PhaseFullAutonomy, m.Phase)
	assert.Equal(t, 0.86, m.Score)
}

func TestMerge_BreakerCounterNotSummed(t *testing.T) {
	a := State{ConsecutiveRejections: 2}
	b := State{ConsecutiveRejections: 2}

	m := Merge(a, b)
	// Summing would immediately trip the breaker after sync without any new
	// local observation.
	assert.Equal(t, 2, m.ConsecutiveRejections)
}

func TestMerge_KeepsLatestTimestampAndVersion(t *testing.T) {
	early := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	late := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	a := State{UpdatedAt: early, Version: 4}
	b := State{UpdatedAt: late, Version: 3}

	m := Merge(a, b)
	assert.Equal(t, late, m.UpdatedAt)
	assert.Equal(t, int64(4), m.Version)
}

func TestParsePhase_RoundTrip(t *testing.T) {
	for _, p := range []Phase{PhaseObserver, PhaseScheduler, PhaseAutoScheduler, PhaseTransformer, PhaseFullAutonomy} {
		got, ok := ParsePhase(p.String())
		assert.True(t, ok)
		assert.Equal(t, p, got)
	}
	_, ok := ParsePhase("supreme_leader")
	assert.False(t, ok)
}
