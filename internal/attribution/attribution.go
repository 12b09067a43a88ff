// Package attribution converts raw events into weighted trust deltas.
//
// The central rule of the whole engine lives here:
//
//	delta = baseImpact(kind) * confidence * (1 - ambiguity)
//
// A single ambiguous signal (a block disappearing for unknown reasons) must
// never swing trust as hard as an explicit user action.
package attribution

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/ambientloop/keel/internal/event"
)

// MaxEventImpact bounds every ordinary base impact so trust changes
// gradually and no single event can jump a phase. The safety breaker is the
// one exception: its score cap can move trust an order of magnitude further,
// and it is applied by the state machine, not through this table.
const MaxEventImpact = 0.1

// DefaultBaseImpacts holds the shipped per-kind base impacts. The threshold
// document can override them; values outside [-MaxEventImpact, MaxEventImpact]
// are rejected at config validation.
func DefaultBaseImpacts() map[event.Kind]float64 {
	return map[event.Kind]float64{
		event.KindProposalAccepted: 0.05,
		event.KindProposalRejected: -0.05,
		event.KindBlockDeleted:     -0.08,
		event.KindBlockMoved:       -0.02,
		event.KindWorkoutCompleted: 0.06,
		event.KindWorkoutSkipped:   -0.03,
		event.KindDelegateCleanup:  0.02,
		event.KindOverrideApplied:  -0.04,
		// Breaker and step-back events carry no attribution weight of their
		// own; their effect is applied directly by the state machine.
		event.KindBreakerTripped: 0,
		event.KindPhaseStepBack:  0,
	}
}

// Engine computes signed trust deltas from events.
type Engine struct {
	mu          sync.RWMutex
	baseImpacts map[event.Kind]float64
	logger      zerolog.Logger

	unclassified []event.Event // events with no base impact, kept for later classification
}

// New creates an attribution engine. A nil impacts map uses the defaults.
func New(impacts map[event.Kind]float64, logger zerolog.Logger) *Engine {
	if impacts == nil {
		impacts = DefaultBaseImpacts()
	}
	return &Engine{
		baseImpacts: impacts,
		logger:      logger.With().Str("component", "attribution").Logger(),
	}
}

// SetBaseImpacts swaps the impact table atomically (called on config reload).
func (e *Engine) SetBaseImpacts(impacts map[event.Kind]float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.baseImpacts = impacts
}

// ComputeDelta returns the signed trust delta for an event, and whether the
// event kind was classified. An undefined base impact fails closed: the delta
// is zero, the event is logged and retained for later classification, never
// silently dropped nor treated as positive.
func (e *Engine) ComputeDelta(ev event.Event) (float64, bool) {
	e.mu.Lock()
	base, ok := e.baseImpacts[ev.Kind]
	if !ok {
		e.unclassified = append(e.unclassified, ev)
		if len(e.unclassified) > event.DefaultWindowCap {
			e.unclassified = e.unclassified[1:]
		}
	}
	e.mu.Unlock()

	if !ok {
		e.logger.Warn().
			Str("event_id", ev.ID).
			Str("kind", string(ev.Kind)).
			Msg("no base impact for event kind, failing closed with zero delta")
		return 0, false
	}

	confidence := clamp01(ev.Confidence)
	ambiguity := ev.Awareness.Ambiguity()
	return base * confidence * (1 - ambiguity), true
}

// Unclassified returns a copy of events that arrived with no base impact.
func (e *Engine) Unclassified() []event.Event {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]event.Event, len(e.unclassified))
	copy(out, e.unclassified)
	return out
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
