package attribution

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ambientloop/keel/internal/event"
)

func TestComputeDelta_Formula(t *testing.T) {
	e := New(nil, zerolog.Nop())

	tests := []struct {
		name       string
		kind       event.Kind
		awareness  event.Awareness
		confidence float64
		want       float64
	}{
		{"confirmed acceptance full weight", event.KindProposalAccepted, event.AwarenessConfirmed, 1.0, 0.05},
		{"implicit halves the weight", event.KindProposalAccepted, event.AwarenessImplicit, 1.0, 0.025},
		{"unknown nearly zeroes it", event.KindProposalAccepted, event.AwarenessUnknown, 1.0, 0.05 * 0.2},
		{"confidence scales linearly", event.KindProposalRejected, event.AwarenessConfirmed, 0.5, -0.025},
		{"ambiguous low-confidence move barely registers", event.KindBlockMoved, event.AwarenessUnknown, 0.9, -0.02 * 0.9 * 0.2},
		{"unknown delegate cleanup stays tiny", event.KindDelegateCleanup, event.AwarenessUnknown, 0.9, 0.0036},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := event.New(tt.kind, tt.awareness, tt.confidence, event.ContextSnapshot{})
			delta, ok := e.ComputeDelta(ev)
			require.True(t, ok)
			assert.InDelta(t, tt.want, delta, 1e-9)
		})
	}
}

func TestComputeDelta_UnknownKindFailsClosed(t *testing.T) {
	e := New(nil, zerolog.Nop())
	ev := event.New(event.Kind("mystery_event"), event.AwarenessConfirmed, 1.0, event.ContextSnapshot{})

	delta, ok := e.ComputeDelta(ev)
	assert.False(t, ok)
	assert.Zero(t, delta)
	// Retained for later classification, never silently dropped.
	require.Len(t, e.Unclassified(), 1)
	assert.Equal(t, ev.ID, e.Unclassified()[0].ID)
}

func TestComputeDelta_ConfidenceClamped(t *testing.T) {
	e := New(nil, zerolog.Nop())
	ev := event.New(event.KindProposalAccepted, event.AwarenessConfirmed, 3.0, event.ContextSnapshot{})
	delta, _ := e.ComputeDelta(ev)
	assert.InDelta(t, 0.05, delta, 1e-9)

	ev.Confidence = -1
	delta, _ = e.ComputeDelta(ev)
	assert.Zero(t, delta)
}

func TestDefaultBaseImpacts_WithinBound(t *testing.T) {
	for kind, impact := range DefaultBaseImpacts() {
		assert.LessOrEqual(t, impact, MaxEventImpact, "kind %s", kind)
		assert.GreaterOrEqual(t, impact, -MaxEventImpact, "kind %s", kind)
	}
}

func TestSetBaseImpacts_Swap(t *testing.T) {
	e := New(nil, zerolog.Nop())
	e.SetBaseImpacts(map[event.Kind]float64{event.KindProposalAccepted: 0.08})

	ev := event.New(event.KindProposalAccepted, event.AwarenessConfirmed, 1.0, event.ContextSnapshot{})
	delta, ok := e.ComputeDelta(ev)
	require.True(t, ok)
	assert.InDelta(t, 0.08, delta, 1e-9)

	// Kinds dropped from the new table now fail closed.
	ev2 := event.New(event.KindProposalRejected, event.AwarenessConfirmed, 1.0, event.ContextSnapshot{})
	delta, ok = e.ComputeDelta(ev2)
	assert.False(t, ok)
	assert.Zero(t, delta)
}
