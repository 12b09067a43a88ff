package trust

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ambientloop/keel/internal/attribution"
	"github.com/ambientloop/keel/internal/event"
)

type testNotifier struct {
	phaseChanges  int
	breakerFires  int
	lastOld       Phase
	lastNew       Phase
	lastBreakerEx string
}

func (n *testNotifier) PhaseChanged(old, new Phase, _ string) {
	n.phaseChanges++
	n.lastOld = old
	n.lastNew = new
}

func (n *testNotifier) SafetyBreakerTriggered(ex string) {
	n.breakerFires++
	n.lastBreakerEx = ex
}

type testRecorder struct{ kinds []event.Kind }

func (r *testRecorder) Append(_ context.Context, ev event.Event) (string, error) {
	r.kinds = append(r.kinds, ev.Kind)
	return ev.ID, nil
}

type denyGate struct{ reason string }

func (g denyGate) CanExecute(string) (bool, string) { return false, g.reason }

func newTestMachine(t *testing.T) (*Machine, *testNotifier, *testRecorder) {
	t.Helper()
	n := &testNotifier{}
	r := &testRecorder{}
	m := NewMachine(attribution.New(nil, zerolog.Nop()), nil, nil, zerolog.Nop()).
		WithNotifier(n).
		WithRecorder(r)
	return m, n, r
}

func confirmedEvent(kind event.Kind, day int) event.Event {
	ev := event.New(kind, event.AwarenessConfirmed, 1.0, event.ContextSnapshot{})
	ev.Timestamp = time.Date(2026, 3, 1+day, 9, 0, 0, 0, time.UTC)
	return ev
}

// Three confirmed acceptances across a week carry a fresh install into the
// first autonomous phase.
func TestApply_EarnsSchedulerPhase(t *testing.T) {
	m, n, _ := newTestMachine(t)
	m.Restore(State{Phase: PhaseObserver, Score: 0, DaysActive: 7})

	ctx := context.Background()
	var last ApplyResult
	for i := 0; i < 3; i++ {
		last = m.Apply(ctx, confirmedEvent(event.KindProposalAccepted, i))
	}

	assert.InDelta(t, 0.15, last.Score, 1e-9)
	assert.Equal(t, PhaseScheduler, last.Phase)
	assert.True(t, last.PhaseChanged)
	assert.Equal(t, 1, n.phaseChanges)
	assert.Equal(t, PhaseObserver, n.lastOld)
	assert.Equal(t, PhaseScheduler, n.lastNew)
}

func TestApply_DurationAloneNeverAdvances(t *testing.T) {
	m, n, _ := newTestMachine(t)
	// Plenty of elapsed days but no behavioral counts and no score.
	m.Restore(State{Phase: PhaseObserver, Score: 0.05, DaysActive: 400})

	res := m.Apply(context.Background(), confirmedEvent(event.KindBlockMoved, 0))
	assert.Equal(t, PhaseObserver, res.Phase)
	assert.Zero(t, n.phaseChanges)
}

func TestApply_OneForwardStepPerCall(t *testing.T) {
	m, _, _ := newTestMachine(t)
	// State good enough for several phases at once; a single event must still
	// move only one step.
	m.Restore(State{
		Phase: PhaseObserver, Score: 0.9, DaysActive: 120,
		AcceptedCount: 60, CompletedCount: 60,
	})

	res := m.Apply(context.Background(), confirmedEvent(event.KindProposalAccepted, 0))
	assert.Equal(t, PhaseScheduler, res.Phase)
}

// Three consecutive confirmed deletions of autonomous blocks trip the
// breaker: phase forced back, score capped, exactly one notification.
func TestApply_SafetyBreaker(t *testing.T) {
	m, n, r := newTestMachine(t)
	m.Restore(State{Phase: PhaseFullAutonomy, Score: 0.85, DaysActive: 200,
		AcceptedCount: 80, CompletedCount: 80})

	ctx := context.Background()
	var last ApplyResult
	for i := 0; i < BreakerThreshold; i++ {
		last = m.Apply(ctx, confirmedEvent(event.KindBlockDeleted, i))
	}

	assert.True(t, last.BreakerTripped)
	assert.Equal(t, PhaseScheduler, last.Phase)
	assert.Equal(t, 0.5, last.Score)
	assert.Equal(t, 1, n.breakerFires)
	// The downgrade is a first-class event, never silent.
	assert.Contains(t, r.kinds, event.KindBreakerTripped)
	// The breaker downgrade does not additionally fire PhaseChanged.
	assert.Zero(t, n.phaseChanges)
	// Counter reset: the next deletion starts a fresh streak.
	assert.Zero(t, m.State().ConsecutiveRejections)
}

func TestApply_BreakerIdenticalFromAnyPhase(t *testing.T) {
	for _, start := range []Phase{PhaseScheduler, PhaseAutoScheduler, PhaseTransformer, PhaseFullAutonomy} {
		t.Run(start.String(), func(t *testing.T) {
			m, n, _ := newTestMachine(t)
			m.Restore(State{Phase: start, Score: 0.95, DaysActive: 300})

			ctx := context.Background()
			for i := 0; i < BreakerThreshold; i++ {
				m.Apply(ctx, confirmedEvent(event.KindBlockDeleted, i))
			}
			s := m.State()
			assert.Equal(t, PhaseScheduler, s.Phase)
			assert.Equal(t, 0.5, s.Score)
			assert.Equal(t, 1, n.breakerFires)
		})
	}
}

func TestApply_ImplicitDeletionsNeverTripBreaker(t *testing.T) {
	m, n, _ := newTestMachine(t)
	m.Restore(State{Phase: PhaseAutoScheduler, Score: 0.6, DaysActive: 40})

	ctx := context.Background()
	for i := 0; i < 10; i++ {
		ev := event.New(event.KindBlockDeleted, event.AwarenessImplicit, 0.8, event.ContextSnapshot{})
		ev.Timestamp = time.Date(2026, 3, 1, 9+0, 0, 0, 0, time.UTC)
		m.Apply(ctx, ev)
	}
	assert.Zero(t, n.breakerFires)
}

func TestApply_PositiveEventResetsBreakerStreak(t *testing.T) {
	m, n, _ := newTestMachine(t)
	m.Restore(State{Phase: PhaseAutoScheduler, Score: 0.6, DaysActive: 40})

	ctx := context.Background()
	m.Apply(ctx, confirmedEvent(event.KindBlockDeleted, 0))
	m.Apply(ctx, confirmedEvent(event.KindBlockDeleted, 1))
	m.Apply(ctx, confirmedEvent(event.KindProposalAccepted, 2)) // resets
	m.Apply(ctx, confirmedEvent(event.KindBlockDeleted, 3))
	m.Apply(ctx, confirmedEvent(event.KindBlockDeleted, 4))

	assert.Zero(t, n.breakerFires)
	assert.Equal(t, 2, m.State().ConsecutiveRejections)
}

func TestApply_ScoreClamped(t *testing.T) {
	m, _, _ := newTestMachine(t)
	m.Restore(State{Phase: PhaseObserver, Score: 0.01})

	res := m.Apply(context.Background(), confirmedEvent(event.KindBlockDeleted, 0))
	assert.GreaterOrEqual(t, res.Score, 0.0)

	m.Restore(State{Phase: PhaseFullAutonomy, Score: 0.999, DaysActive: 100})
	res = m.Apply(context.Background(), confirmedEvent(event.KindWorkoutCompleted, 1))
	assert.LessOrEqual(t, res.Score, 1.0)
}

func TestCanExecute_PhaseAndConfidenceGates(t *testing.T) {
	m, _, _ := newTestMachine(t)
	m.Restore(State{Phase: PhaseScheduler, Score: 0.3})

	// Below required phase.
	d := m.CanExecute(ActionScheduleBlock, 0.9)
	assert.False(t, d.Allowed)
	assert.Contains(t, d.Reason, "phase")

	// Phase fine, confidence too low.
	d = m.CanExecute(ActionRemoveBlock, 0.2)
	assert.False(t, d.Allowed)
	assert.Contains(t, d.Reason, "confidence")

	// Both satisfied.
	d = m.CanExecute(ActionRemoveBlock, 0.9)
	assert.True(t, d.Allowed)
}

func TestCanExecute_RemovalEarlierThanGenerative(t *testing.T) {
	m, _, _ := newTestMachine(t)
	m.Restore(State{Phase: PhaseScheduler, Score: 0.3})

	// Withdrawing a commitment is permitted one phase before adding one.
	assert.True(t, m.CanExecute(ActionRemoveBlock, 0.9).Allowed)
	assert.False(t, m.CanExecute(ActionScheduleBlock, 0.9).Allowed)
}

func TestCanExecute_UnknownActionDenied(t *testing.T) {
	m, _, _ := newTestMachine(t)
	m.Restore(State{Phase: PhaseFullAutonomy, Score: 1})

	d := m.CanExecute(ActionKind("launch_rocket"), 1.0)
	assert.False(t, d.Allowed)
}

func TestCanExecute_HealthGateOnlyRestricts(t *testing.T) {
	m, _, _ := newTestMachine(t)
	m.WithHealthGate(denyGate{reason: "engine suspended"})
	m.Restore(State{Phase: PhaseFullAutonomy, Score: 1})

	d := m.CanExecute(ActionSuggestBlock, 1.0)
	assert.False(t, d.Allowed)
	assert.Contains(t, d.Reason, "suspended")
}

func TestStepBack(t *testing.T) {
	m, n, r := newTestMachine(t)
	m.Restore(State{Phase: PhaseTransformer, Score: 0.7})

	s := m.StepBack(context.Background(), "user prefers manual control")
	assert.Equal(t, PhaseAutoScheduler, s.Phase)
	assert.Equal(t, 1, n.phaseChanges)
	assert.Contains(t, r.kinds, event.KindPhaseStepBack)

	// At the floor there is nowhere to go, and no notification fires.
	m.Restore(State{Phase: PhaseObserver})
	n.phaseChanges = 0
	s = m.StepBack(context.Background(), "again")
	assert.Equal(t, PhaseObserver, s.Phase)
	assert.Zero(t, n.phaseChanges)
}

func TestMergeRemote(t *testing.T) {
	m, _, _ := newTestMachine(t)
	m.Restore(State{Phase: PhaseScheduler, Score: 0.2, AcceptedCount: 4})

	merged := m.MergeRemote(State{Phase: PhaseAutoScheduler, Score: 0.5, AcceptedCount: 11})
	assert.Equal(t, PhaseAutoScheduler, merged.Phase)
	assert.Equal(t, 0.5, merged.Score)
	assert.Equal(t, 11, merged.AcceptedCount)
}

func TestApply_CompletedCountGatesLaterPhases(t *testing.T) {
	m, _, _ := newTestMachine(t)
	// Transformer entry needs completions, not acceptances.
	m.Restore(State{
		Phase: PhaseAutoScheduler, Score: 0.9, DaysActive: 100,
		AcceptedCount: 500, CompletedCount: 0,
	})

	res := m.Apply(context.Background(), confirmedEvent(event.KindProposalAccepted, 0))
	require.Equal(t, PhaseAutoScheduler, res.Phase)

	m.Restore(State{
		Phase: PhaseAutoScheduler, Score: 0.9, DaysActive: 100,
		AcceptedCount: 0, CompletedCount: 30,
	})
	res = m.Apply(context.Background(), confirmedEvent(event.KindWorkoutCompleted, 1))
	assert.Equal(t, PhaseTransformer, res.Phase)
}
