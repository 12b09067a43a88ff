package trust

// ActionKind identifies an autonomous action the system may attempt. The set
// is closed; an unknown kind is denied, never guessed at.
type ActionKind string

const (
	ActionSuggestBlock       ActionKind = "suggest_block"
	ActionScheduleBlock      ActionKind = "schedule_block"
	ActionMoveBlock          ActionKind = "move_block"
	ActionRemoveBlock        ActionKind = "remove_block"
	ActionTransformPlan      ActionKind = "transform_plan"
	ActionCleanupDelegate    ActionKind = "cleanup_delegate"
	ActionCelebrateMilestone ActionKind = "celebrate_milestone"
)

// Valid reports whether a is a known action kind.
func (a ActionKind) Valid() bool {
	switch a {
	case ActionSuggestBlock, ActionScheduleBlock, ActionMoveBlock,
		ActionRemoveBlock, ActionTransformPlan, ActionCleanupDelegate,
		ActionCelebrateMilestone:
		return true
	}
	return false
}

// Gate is the per-action requirement pair: a minimum phase and a minimum
// confidence, both of which must hold.
type Gate struct {
	MinPhase      Phase   `json:"min_phase"`
	MinConfidence float64 `json:"min_confidence"`
}

// DefaultGates returns the shipped gating table. Protective/removal actions
// are permitted one phase earlier than generative actions of equivalent
// weight: withdrawing a commitment is lower-risk than adding one.
func DefaultGates() map[ActionKind]Gate {
	return map[ActionKind]Gate{
		ActionSuggestBlock:       {MinPhase: PhaseObserver, MinConfidence: 0.3},
		ActionScheduleBlock:      {MinPhase: PhaseAutoScheduler, MinConfidence: 0.6},
		ActionMoveBlock:          {MinPhase: PhaseAutoScheduler, MinConfidence: 0.5},
		ActionRemoveBlock:        {MinPhase: PhaseScheduler, MinConfidence: 0.6},
		ActionTransformPlan:      {MinPhase: PhaseTransformer, MinConfidence: 0.7},
		ActionCleanupDelegate:    {MinPhase: PhaseAutoScheduler, MinConfidence: 0.5},
		ActionCelebrateMilestone: {MinPhase: PhaseScheduler, MinConfidence: 0.4},
	}
}
