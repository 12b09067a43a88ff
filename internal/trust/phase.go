// Package trust holds the phase/score state machine that decides how much
// autonomy the system has earned, and the safety breaker that takes it back.
package trust

// Phase is one of five ordered levels of earned autonomy. Under normal
// operation phases only move forward; the safety breaker and an explicit
// user step-back are the only exceptions, and both are logged as first-class
// events.
type Phase int

const (
	PhaseObserver Phase = iota
	PhaseScheduler
	PhaseAutoScheduler
	PhaseTransformer
	PhaseFullAutonomy
)

var phaseNames = map[Phase]string{
	PhaseObserver:      "observer",
	PhaseScheduler:     "scheduler",
	PhaseAutoScheduler: "auto_scheduler",
	PhaseTransformer:   "transformer",
	PhaseFullAutonomy:  "full_autonomy",
}

func (p Phase) String() string {
	if s, ok := phaseNames[p]; ok {
		return s
	}
	return "unknown"
}

// Valid reports whether p is one of the five phases.
func (p Phase) Valid() bool {
	return p >= PhaseObserver && p <= PhaseFullAutonomy
}

// ParsePhase maps a stored phase name back to its Phase. Unknown names
// return PhaseObserver and false.
func ParsePhase(s string) (Phase, bool) {
	for p, name := range phaseNames {
		if name == s {
			return p, true
		}
	}
	return PhaseObserver, false
}

// Next returns the following phase, or p itself at the ceiling.
func (p Phase) Next() Phase {
	if p >= PhaseFullAutonomy {
		return PhaseFullAutonomy
	}
	return p + 1
}
