package derive

import (
	"sort"
	"time"

	"github.com/Masterminds/semver/v3"
)

// Raw-signal kinds the built-in metrics consume.
const (
	SignalWorkoutDone    = "workout_done"    // 1 per completed session
	SignalWorkoutPlanned = "workout_planned" // 1 per scheduled session
	SignalSleepHours     = "sleep_hours"
	SignalRestingHR      = "resting_hr"
)

// BuiltinDefinitions returns the shipped metric set, one per tier.
func BuiltinDefinitions() []Definition {
	return []Definition{
		{
			Kind:    "recovery_index",
			Inputs:  []string{SignalSleepHours, SignalRestingHR},
			Window:  24 * time.Hour,
			Tier:    TierRealTime,
			Version: semver.MustParse("1.0.0"),
			Fn:      computeRecoveryIndex,
		},
		{
			Kind:    "training_consistency",
			Inputs:  []string{SignalWorkoutDone, SignalWorkoutPlanned},
			Window:  7 * 24 * time.Hour,
			Tier:    TierNearRealTime,
			Version: semver.MustParse("1.0.0"),
			Fn:      computeTrainingConsistency,
		},
		{
			Kind:    "plan_adherence",
			Inputs:  []string{SignalWorkoutDone, SignalWorkoutPlanned},
			Window:  30 * 24 * time.Hour,
			Tier:    TierOfflineBatch,
			Version: semver.MustParse("1.0.0"),
			Fn:      computePlanAdherence,
		},
	}
}

// computeRecoveryIndex blends last-night sleep against an 8h target with the
// inverse of resting heart rate elevation. Output in [0,1].
func computeRecoveryIndex(signals []RawSignal, _, _ time.Time) (float64, float64, []Factor) {
	var sleepSum, sleepN, hrSum, hrN float64
	for _, s := range signals {
		switch s.Kind {
		case SignalSleepHours:
			sleepSum += s.Value
			sleepN++
		case SignalRestingHR:
			hrSum += s.Value
			hrN++
		}
	}
	if sleepN == 0 && hrN == 0 {
		return 0, 0, nil
	}

	var factors []Factor
	score := 0.5
	if sleepN > 0 {
		sleep := sleepSum / sleepN
		sleepScore := clampUnit(sleep / 8.0)
		score = sleepScore
		sign := 1
		if sleepScore < 0.5 {
			sign = -1
		}
		factors = append(factors, Factor{Name: "sleep_vs_target", Sign: sign, Magnitude: absDiff(sleepScore, 0.5)})
	}
	if hrN > 0 {
		hr := hrSum / hrN
		// 50 bpm maps to 1.0, 80 bpm to 0.0
		hrScore := clampUnit((80 - hr) / 30)
		score = (score + hrScore) / 2
		sign := 1
		if hrScore < 0.5 {
			sign = -1
		}
		factors = append(factors, Factor{Name: "resting_hr", Sign: sign, Magnitude: absDiff(hrScore, 0.5)})
	}

	confidence := clampUnit((sleepN + hrN) / 4)
	return clampUnit(score), confidence, orderFactors(factors)
}

// computeTrainingConsistency is done/planned over the window.
func computeTrainingConsistency(signals []RawSignal, _, _ time.Time) (float64, float64, []Factor) {
	done, planned := tally(signals)
	if planned == 0 {
		return 0, 0, nil
	}
	ratio := clampUnit(done / planned)
	factors := []Factor{
		{Name: "sessions_completed", Sign: 1, Magnitude: done},
		{Name: "sessions_planned", Sign: -1, Magnitude: planned - done},
	}
	confidence := clampUnit(planned / 3)
	return ratio, confidence, orderFactors(factors)
}

// computePlanAdherence is the long-horizon version of consistency, weighted
// toward sustained patterns rather than a single good week.
func computePlanAdherence(signals []RawSignal, _, _ time.Time) (float64, float64, []Factor) {
	done, planned := tally(signals)
	if planned == 0 {
		return 0, 0, nil
	}
	ratio := clampUnit(done / planned)
	// Small samples cannot claim high adherence either way.
	confidence := clampUnit(planned / 12)
	factors := []Factor{
		{Name: "sessions_completed", Sign: 1, Magnitude: done},
		{Name: "sessions_missed", Sign: -1, Magnitude: planned - done},
	}
	return ratio, confidence, orderFactors(factors)
}

func tally(signals []RawSignal) (done, planned float64) {
	for _, s := range signals {
		switch s.Kind {
		case SignalWorkoutDone:
			done += s.Value
		case SignalWorkoutPlanned:
			planned += s.Value
		}
	}
	return done, planned
}

// orderFactors sorts by magnitude descending so explanations lead with the
// strongest contributor. Ties break on name for determinism.
func orderFactors(fs []Factor) []Factor {
	sort.SliceStable(fs, func(i, j int) bool {
		if fs[i].Magnitude != fs[j].Magnitude {
			return fs[i].Magnitude > fs[j].Magnitude
		}
		return fs[i].Name < fs[j].Name
	})
	return fs
}

func clampUnit(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func absDiff(a, b float64) float64 {
	if a > b {
		return a - b
	}
	return b - a
}
