// Package derive computes versioned, provenance-tracked metrics from raw
// signals on a tiered schedule. A formula change never migrates stored data:
// it bumps the version and replays computation over retained raw signals.
package derive

import (
	"context"
	"time"

	"github.com/Masterminds/semver/v3"
)

// Tier assigns a metric to a computation budget. Assignment is enforced, not
// advisory.
type Tier string

const (
	// TierRealTime computations run inline with a 100ms budget.
	TierRealTime Tier = "real_time"
	// TierNearRealTime computations run in the hourly batch.
	TierNearRealTime Tier = "near_real_time"
	// TierOfflineBatch computations are heavy and restricted to the
	// configured low-activity window.
	TierOfflineBatch Tier = "offline_batch"
)

// Valid reports whether t is a known tier.
func (t Tier) Valid() bool {
	switch t {
	case TierRealTime, TierNearRealTime, TierOfflineBatch:
		return true
	}
	return false
}

// RealTimeBudget is the per-computation deadline for TierRealTime.
const RealTimeBudget = 100 * time.Millisecond

// RawSignal is one retained raw input (sensor sample, activity marker).
// Raw signals are the reproducibility base: derived values can always be
// recomputed from them.
type RawSignal struct {
	Kind      string    `json:"kind"`
	Value     float64   `json:"value"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"`
}

// Factor is one contributing explanation entry, ordered by weight.
type Factor struct {
	Name      string  `json:"name"`
	Sign      int     `json:"sign"` // +1 raised the value, -1 lowered it
	Magnitude float64 `json:"magnitude"`
}

// Metric is a derived value with full provenance: the version and input
// digest make it reproducible, so deleting it is lossless while the raw
// inputs are retained.
type Metric struct {
	Kind        string    `json:"kind"`
	Value       float64   `json:"value"`
	Confidence  float64   `json:"confidence"`
	Version     string    `json:"version"` // semver, totally ordered
	ComputedAt  time.Time `json:"computed_at"`
	WindowStart time.Time `json:"window_start"`
	WindowEnd   time.Time `json:"window_end"`
	InputDigest string    `json:"input_digest"`
	Explanation []Factor  `json:"explanation"`
}

// ComputeFunc derives value, confidence and an ordered explanation from the
// raw signals in a window. It must be pure: identical inputs and version
// yield identical output.
type ComputeFunc func(signals []RawSignal, windowStart, windowEnd time.Time) (value, confidence float64, explanation []Factor)

// Definition registers one metric kind.
type Definition struct {
	Kind    string
	Inputs  []string // required raw-input kinds
	Window  time.Duration
	Tier    Tier
	Version *semver.Version
	Fn      ComputeFunc
}

// SignalSource supplies retained raw signals for a window.
type SignalSource interface {
	Signals(ctx context.Context, kinds []string, from, to time.Time) ([]RawSignal, error)
}

// MetricSink receives every computed metric for durable append-only storage
// keyed by kind+version+window.
type MetricSink interface {
	SaveMetric(ctx context.Context, m Metric) error
}
