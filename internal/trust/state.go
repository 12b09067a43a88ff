package trust

import "time"

// State is the singleton trust record for one user. It is mutated
// exclusively through the Machine's gated entry points on a single device,
// and reconciled across devices with Merge.
type State struct {
	Phase                 Phase     `json:"phase"`
	Score                 float64   `json:"score"` // always clamped to [0,1]
	DaysActive            int       `json:"days_active"`
	AcceptedCount         int       `json:"accepted_count"`
	CompletedCount        int       `json:"completed_count"`
	OverrideCount         int       `json:"override_count"`
	ConsecutiveRejections int       `json:"consecutive_rejections"`
	UpdatedAt             time.Time `json:"updated_at"`
	Version               int64     `json:"version"` // optimistic-write check in the store
}

// NewState returns the starting state for a fresh install.
func NewState() State {
	return State{Phase: PhaseObserver, Score: 0, UpdatedAt: time.Now().UTC()}
}

// Merge reconciles two copies of the trust state from different devices.
// Trust is designed to be monotonically non-decreasing on merge: a device
// restore or stale-device sync must never silently demote earned autonomy.
//
// The merged state keeps max(phase), max(score within the winning phase),
// max of each activity counter, and the sum of override counts.
func Merge(a, b State) State {
	out := a
	switch {
	case b.Phase > a.Phase:
		out.Phase = b.Phase
		out.Score = b.Score
	case b.Phase == a.Phase:
		out.Score = maxFloat(a.Score, b.Score)
	}

	out.DaysActive = maxInt(a.DaysActive, b.DaysActive)
	out.AcceptedCount = maxInt(a.AcceptedCount, b.AcceptedCount)
	out.CompletedCount = maxInt(a.CompletedCount, b.CompletedCount)
	out.OverrideCount = a.OverrideCount + b.OverrideCount
	// The breaker counter is deliberately NOT summed: a trip must be driven
	// by consecutive local observations, not by double-counting across sync.
	out.ConsecutiveRejections = maxInt(a.ConsecutiveRejections, b.ConsecutiveRejections)

	if b.UpdatedAt.After(a.UpdatedAt) {
		out.UpdatedAt = b.UpdatedAt
	}
	out.Version = maxInt64(a.Version, b.Version)
	return out
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
