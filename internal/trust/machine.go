package trust

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ambientloop/keel/internal/attribution"
	"github.com/ambientloop/keel/internal/event"
)

// BreakerThreshold is the number of consecutive qualifying deletions that
// trips the safety breaker. This is a hard-coded circuit breaker, not a
// tunable heuristic: it must fire identically no matter how high the
// phase/score had climbed.
const BreakerThreshold = 3

// breakerScoreCap is the score ceiling applied when the breaker trips.
const breakerScoreCap = 0.5

// Transition is the bar for one forward phase step. Both the elapsed-days
// minimum and the behavioral count must hold; duration alone never advances
// trust, so it cannot accrue through pure idle time.
type Transition struct {
	MinDays  int     `json:"min_days"`
	MinCount int     `json:"min_count"`
	MinScore float64 `json:"min_score"`
}

// DefaultTransitions returns the shipped forward-transition thresholds,
// keyed by the phase being entered.
func DefaultTransitions() map[Phase]Transition {
	return map[Phase]Transition{
		PhaseScheduler:     {MinDays: 7, MinCount: 3, MinScore: 0.1},
		PhaseAutoScheduler: {MinDays: 21, MinCount: 10, MinScore: 0.45},
		PhaseTransformer:   {MinDays: 45, MinCount: 25, MinScore: 0.65},
		PhaseFullAutonomy:  {MinDays: 90, MinCount: 50, MinScore: 0.85},
	}
}

// Notifier receives the machine's outbound signals. Each is called at most
// once per transition.
type Notifier interface {
	PhaseChanged(old, new Phase, reason string)
	SafetyBreakerTriggered(explanation string)
}

// Recorder persists first-class trust events (breaker trips, step-backs)
// into the event ledger so no downgrade is ever silent.
type Recorder interface {
	Append(ctx context.Context, ev event.Event) (string, error)
}

// HealthGate is consulted in addition to phase gating. It can only restrict
// further, never grant what the machine itself denies.
type HealthGate interface {
	CanExecute(action string) (bool, string)
}

// Decision is the outcome of a gating check.
type Decision struct {
	Allowed bool
	Reason  string
}

// ApplyResult reports what one event did to the trust state.
type ApplyResult struct {
	Delta          float64
	Score          float64
	Phase          Phase
	PhaseChanged   bool
	BreakerTripped bool
}

// Machine owns the singleton trust State. All mutation on a device is
// serialized through its entry points; no other component writes the state.
type Machine struct {
	mu            sync.Mutex
	state         State
	lastActiveDay string // YYYY-MM-DD of the last counted active day

	attrib      *attribution.Engine
	gates       map[ActionKind]Gate
	transitions map[Phase]Transition
	notifier    Notifier
	recorder    Recorder
	health      HealthGate
	logger      zerolog.Logger
	clock       func() time.Time
}

// NewMachine creates a trust state machine starting from a fresh state.
// Nil gates/transitions use the defaults.
func NewMachine(attrib *attribution.Engine, gates map[ActionKind]Gate, transitions map[Phase]Transition, logger zerolog.Logger) *Machine {
	if gates == nil {
		gates = DefaultGates()
	}
	if transitions == nil {
		transitions = DefaultTransitions()
	}
	return &Machine{
		state:       NewState(),
		attrib:      attrib,
		gates:       gates,
		transitions: transitions,
		logger:      logger.With().Str("component", "trust").Logger(),
		clock:       time.Now,
	}
}

// WithNotifier attaches the outbound notifier.
func (m *Machine) WithNotifier(n Notifier) *Machine { m.notifier = n; return m }

// WithRecorder attaches the event recorder for first-class downgrade events.
func (m *Machine) WithRecorder(r Recorder) *Machine { m.recorder = r; return m }

// WithHealthGate attaches the health monitor's restrict-only gate.
func (m *Machine) WithHealthGate(h HealthGate) *Machine { m.health = h; return m }

// WithClock overrides the clock for testing.
func (m *Machine) WithClock(clock func() time.Time) *Machine { m.clock = clock; return m }

// Restore replaces the state, e.g. when loading from the store at startup.
func (m *Machine) Restore(s State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s.Score = clamp01(s.Score)
	if !s.Phase.Valid() {
		s.Phase = PhaseObserver
	}
	m.state = s
}

// State returns a copy of the current trust state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// SetGates swaps the gating table atomically (config reload).
func (m *Machine) SetGates(gates map[ActionKind]Gate) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gates = gates
}

// SetTransitions swaps the transition thresholds atomically (config reload).
func (m *Machine) SetTransitions(t map[Phase]Transition) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transitions = t
}

// Apply scores one event and folds it into the trust state. Out-of-range
// inputs are clamped, never rejected. At most one forward phase step happens
// per call, and the safety breaker is checked before any advancement.
func (m *Machine) Apply(ctx context.Context, ev event.Event) ApplyResult {
	delta, _ := m.attrib.ComputeDelta(ev)
	delta = clampDelta(delta)

	m.mu.Lock()
	oldPhase := m.state.Phase
	m.state.Score = clamp01(m.state.Score + delta)
	m.touchCounters(ev)

	res := ApplyResult{Delta: delta}

	if m.qualifiesForBreaker(ev) {
		m.state.ConsecutiveRejections++
		if m.state.ConsecutiveRejections >= BreakerThreshold {
			m.tripBreakerLocked(ctx, ev)
			res.BreakerTripped = true
		}
	} else if isPositive(ev.Kind) {
		m.state.ConsecutiveRejections = 0
	}

	if !res.BreakerTripped {
		m.maybeAdvanceLocked()
	}

	m.state.UpdatedAt = m.clock().UTC()
	m.state.Version++
	res.Score = m.state.Score
	res.Phase = m.state.Phase
	res.PhaseChanged = m.state.Phase != oldPhase
	newPhase := m.state.Phase
	m.mu.Unlock()

	m.logger.Debug().
		Str("event_id", ev.ID).
		Str("kind", string(ev.Kind)).
		Float64("delta", delta).
		Float64("score", res.Score).
		Str("phase", newPhase.String()).
		Msg("event applied")

	if res.PhaseChanged && !res.BreakerTripped && m.notifier != nil {
		m.notifier.PhaseChanged(oldPhase, newPhase,
			fmt.Sprintf("thresholds reached after %s", ev.Kind))
	}
	return res
}

// CanExecute checks the per-action confidence and phase requirements, then
// the health gate. Denials are reported to the caller, never silently
// downgraded to a different action.
func (m *Machine) CanExecute(action ActionKind, confidence float64) Decision {
	m.mu.Lock()
	gate, known := m.gates[action]
	phase := m.state.Phase
	m.mu.Unlock()

	if !known {
		return Decision{Allowed: false, Reason: fmt.Sprintf("unknown action kind %q", action)}
	}
	if phase < gate.MinPhase {
		return Decision{Allowed: false, Reason: fmt.Sprintf(
			"phase %s below required %s", phase, gate.MinPhase)}
	}
	if confidence < gate.MinConfidence {
		return Decision{Allowed: false, Reason: fmt.Sprintf(
			"confidence %.2f below required %.2f", confidence, gate.MinConfidence)}
	}
	if m.health != nil {
		if ok, reason := m.health.CanExecute(string(action)); !ok {
			return Decision{Allowed: false, Reason: "health: " + reason}
		}
	}
	return Decision{Allowed: true, Reason: "permitted"}
}

// StepBack performs an explicit user-initiated downgrade of one phase. It is
// logged as a first-class event, never silent.
func (m *Machine) StepBack(ctx context.Context, reason string) State {
	m.mu.Lock()
	old := m.state.Phase
	if m.state.Phase > PhaseObserver {
		m.state.Phase--
	}
	m.state.UpdatedAt = m.clock().UTC()
	m.state.Version++
	s := m.state
	m.mu.Unlock()

	m.recordFirstClass(ctx, event.KindPhaseStepBack, s)
	m.logger.Info().Str("from", old.String()).Str("to", s.Phase.String()).
		Str("reason", reason).Msg("user step-back")
	if old != s.Phase && m.notifier != nil {
		m.notifier.PhaseChanged(old, s.Phase, "user-initiated step back: "+reason)
	}
	return s
}

// MergeRemote folds a remote device's trust state into the local one using
// the monotonic merge and returns the result.
func (m *Machine) MergeRemote(remote State) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = Merge(m.state, remote)
	m.state.Version++
	return m.state
}

// qualifiesForBreaker reports whether the event counts toward the breaker:
// a user-confirmed deletion of a block the system scheduled autonomously.
// Implicit or unknown disappearances never count.
func (m *Machine) qualifiesForBreaker(ev event.Event) bool {
	return ev.Kind == event.KindBlockDeleted && ev.Awareness == event.AwarenessConfirmed
}

func isPositive(k event.Kind) bool {
	return k == event.KindProposalAccepted || k == event.KindWorkoutCompleted
}

// tripBreakerLocked forces the downgrade: phase to Scheduler regardless of
// how far trust had climbed, score capped, counter reset, one notification.
// Callers hold m.mu.
func (m *Machine) tripBreakerLocked(ctx context.Context, cause event.Event) {
	old := m.state.Phase
	if m.state.Phase > PhaseScheduler {
		m.state.Phase = PhaseScheduler
	}
	if m.state.Score > breakerScoreCap {
		m.state.Score = breakerScoreCap
	}
	m.state.ConsecutiveRejections = 0
	s := m.state

	m.logger.Warn().
		Str("from", old.String()).
		Float64("score", s.Score).
		Str("cause_event", cause.ID).
		Msg("safety breaker tripped")

	m.recordFirstClass(ctx, event.KindBreakerTripped, s)
	if m.notifier != nil {
		m.notifier.SafetyBreakerTriggered(fmt.Sprintf(
			"%d consecutive removals of autonomous blocks; autonomy stepped back to %s",
			BreakerThreshold, s.Phase))
	}
}

// maybeAdvanceLocked moves the phase forward at most one step when the
// entering phase's thresholds all hold. Callers hold m.mu.
func (m *Machine) maybeAdvanceLocked() {
	next := m.state.Phase.Next()
	if next == m.state.Phase {
		return
	}
	t, ok := m.transitions[next]
	if !ok {
		return
	}
	if m.state.DaysActive < t.MinDays ||
		m.countFor(next) < t.MinCount ||
		m.state.Score < t.MinScore {
		return
	}
	m.logger.Info().
		Str("from", m.state.Phase.String()).
		Str("to", next.String()).
		Float64("score", m.state.Score).
		Msg("phase advanced")
	m.state.Phase = next
}

// countFor picks the behavioral counter relevant to the phase being entered:
// acceptances earn the scheduling phases, completions earn the later ones.
func (m *Machine) countFor(target Phase) int {
	if target >= PhaseTransformer {
		return m.state.CompletedCount
	}
	return m.state.AcceptedCount
}

// touchCounters updates activity counters for the event. Callers hold m.mu.
func (m *Machine) touchCounters(ev event.Event) {
	switch ev.Kind {
	case event.KindProposalAccepted:
		m.state.AcceptedCount++
	case event.KindWorkoutCompleted:
		m.state.CompletedCount++
	case event.KindOverrideApplied:
		m.state.OverrideCount++
	}

	day := ev.Timestamp.UTC().Format("2006-01-02")
	if day != m.lastActiveDay {
		if m.lastActiveDay != "" || m.state.DaysActive == 0 {
			m.state.DaysActive++
		}
		m.lastActiveDay = day
	}
}

func (m *Machine) recordFirstClass(ctx context.Context, kind event.Kind, s State) {
	if m.recorder == nil {
		return
	}
	ev := event.New(kind, event.AwarenessConfirmed, 1.0, event.ContextSnapshot{
		Phase: s.Phase.String(),
		Score: s.Score,
	})
	if _, err := m.recorder.Append(ctx, ev); err != nil {
		m.logger.Error().Err(err).Str("kind", string(kind)).Msg("failed to record trust event")
	}
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

func clampDelta(d float64) float64 {
	if d > attribution.MaxEventImpact {
		return attribution.MaxEventImpact
	}
	if d < -attribution.MaxEventImpact {
		return -attribution.MaxEventImpact
	}
	return d
}
