// Package event defines the trust-relevant Event model and the append-only
// Event Ledger. Every user/system interaction the engine reasons about flows
// through here first.
package event

import (
	"time"

	"github.com/google/uuid"
)

// Kind identifies what happened. The set is closed: anything outside it is
// handled through the fail-closed path in attribution, never treated as a
// positive signal.
type Kind string

const (
	KindProposalAccepted Kind = "proposal_accepted"
	KindProposalRejected Kind = "proposal_rejected"
	KindBlockDeleted     Kind = "block_deleted"
	KindBlockMoved       Kind = "block_moved"
	KindWorkoutCompleted Kind = "workout_completed"
	KindWorkoutSkipped   Kind = "workout_skipped"
	KindDelegateCleanup  Kind = "delegate_cleanup"
	KindOverrideApplied  Kind = "override_applied"
	KindBreakerTripped   Kind = "breaker_tripped"
	KindPhaseStepBack    Kind = "phase_step_back"
)

// Valid reports whether k is a known event kind.
func (k Kind) Valid() bool {
	switch k {
	case KindProposalAccepted, KindProposalRejected, KindBlockDeleted,
		KindBlockMoved, KindWorkoutCompleted, KindWorkoutSkipped,
		KindDelegateCleanup, KindOverrideApplied, KindBreakerTripped,
		KindPhaseStepBack:
		return true
	}
	return false
}

// Awareness classifies how certain the engine is that an event reflects
// deliberate user intent.
type Awareness string

const (
	AwarenessConfirmed Awareness = "confirmed"
	AwarenessImplicit  Awareness = "implicit"
	AwarenessUnknown   Awareness = "unknown"
)

// Valid reports whether a is a known awareness classification.
func (a Awareness) Valid() bool {
	switch a {
	case AwarenessConfirmed, AwarenessImplicit, AwarenessUnknown:
		return true
	}
	return false
}

// Ambiguity returns the 0..1 ambiguity score for the classification.
// Unknown classifications are treated as maximally ambiguous short of
// discarding the event entirely.
func (a Awareness) Ambiguity() float64 {
	switch a {
	case AwarenessConfirmed:
		return 0.0
	case AwarenessImplicit:
		return 0.5
	default:
		return 0.8
	}
}

// ContextSnapshot captures the bucketed situation at the moment an event
// occurred. Only buckets, never raw sensor values.
type ContextSnapshot struct {
	CalendarDensity string  `json:"calendar_density"` // e.g. "light", "moderate", "packed"
	RecoveryBucket  string  `json:"recovery_bucket"`  // e.g. "low", "medium", "high"
	DayOfWeek       int     `json:"day_of_week"`      // 0=Sunday
	HourOfDay       int     `json:"hour_of_day"`
	Phase           string  `json:"phase"`
	Score           float64 `json:"score"`
}

// Event is an immutable fact about a user/system interaction. Once appended
// to the ledger it is never mutated.
type Event struct {
	ID         string          `json:"id"`
	Timestamp  time.Time       `json:"timestamp"`
	Kind       Kind            `json:"kind"`
	Awareness  Awareness       `json:"awareness"`
	Confidence float64         `json:"confidence"` // engine-assigned, 0..1
	Context    ContextSnapshot `json:"context"`
	Source     string          `json:"source,omitempty"` // reporting collaborator
}

// New constructs an Event with a generated ID and current timestamp.
func New(kind Kind, awareness Awareness, confidence float64, ctx ContextSnapshot) Event {
	return Event{
		ID:         uuid.NewString(),
		Timestamp:  time.Now().UTC(),
		Kind:       kind,
		Awareness:  awareness,
		Confidence: confidence,
		Context:    ctx,
	}
}
