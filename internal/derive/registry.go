package derive

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/gowebpki/jcs"
	"github.com/rs/zerolog"

	"github.com/ambientloop/keel/internal/errors"
	"github.com/ambientloop/keel/lru"
)

// Window is the OfflineBatch eligibility window, expressed as local hours
// [StartHour, EndHour). The default covers the overnight low-activity period.
type Window struct {
	StartHour int `json:"start_hour" yaml:"start_hour"`
	EndHour   int `json:"end_hour" yaml:"end_hour"`
}

// Contains reports whether t falls inside the window.
func (w Window) Contains(t time.Time) bool {
	h := t.Hour()
	if w.StartHour <= w.EndHour {
		return h >= w.StartHour && h < w.EndHour
	}
	// window wraps midnight
	return h >= w.StartHour || h < w.EndHour
}

// DefaultBatchWindow is the shipped overnight eligibility window.
var DefaultBatchWindow = Window{StartHour: 2, EndHour: 5}

// Registry holds metric definitions and drives computation. Computation is
// deterministic, so results are memoized by (kind, version, input digest).
type Registry struct {
	mu          sync.RWMutex
	defs        map[string]*Definition
	history     map[string][]Metric // append-only per kind
	batchWindow Window

	cache  *lru.Cache[string, Metric]
	source SignalSource
	sink   MetricSink
	logger zerolog.Logger
	clock  func() time.Time
}

// NewRegistry creates a registry reading raw signals from source.
func NewRegistry(source SignalSource, logger zerolog.Logger) *Registry {
	return &Registry{
		defs:        make(map[string]*Definition),
		history:     make(map[string][]Metric),
		batchWindow: DefaultBatchWindow,
		cache:       lru.New[string, Metric](256),
		source:      source,
		logger:      logger.With().Str("component", "derive").Logger(),
		clock:       time.Now,
	}
}

// WithSink attaches durable metric storage.
func (r *Registry) WithSink(s MetricSink) *Registry { r.sink = s; return r }

// WithClock overrides the clock for testing.
func (r *Registry) WithClock(clock func() time.Time) *Registry { r.clock = clock; return r }

// SetBatchWindow replaces the OfflineBatch eligibility window.
func (r *Registry) SetBatchWindow(w Window) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batchWindow = w
}

// Register adds a metric definition. Re-registering a kind is a programming
// error; version changes go through Recompute.
func (r *Registry) Register(def Definition) error {
	if def.Kind == "" || def.Fn == nil || def.Version == nil {
		return fmt.Errorf("%w: definition needs kind, version and fn", errors.ErrInvalidInput)
	}
	if !def.Tier.Valid() {
		return fmt.Errorf("%w: tier %q", errors.ErrUnknownKind, def.Tier)
	}
	if def.Window <= 0 {
		return fmt.Errorf("%w: window must be positive", errors.ErrInvalidInput)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.defs[def.Kind]; dup {
		return fmt.Errorf("%w: metric %q already registered", errors.ErrInvalidInput, def.Kind)
	}
	d := def
	r.defs[def.Kind] = &d
	r.logger.Info().Str("kind", def.Kind).Str("tier", string(def.Tier)).
		Str("version", def.Version.String()).Msg("metric registered")
	return nil
}

// Definitions returns the registered kinds grouped by tier.
func (r *Registry) Definitions(tier Tier) []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Definition
	for _, d := range r.defs {
		if d.Tier == tier {
			out = append(out, *d)
		}
	}
	return out
}

// Compute derives the metric for the window ending at asOf. Tier budgets are
// enforced here: an OfflineBatch metric outside its eligibility window is an
// error, never a silent reschedule, and RealTime computations carry the
// 100ms deadline.
func (r *Registry) Compute(ctx context.Context, kind string, asOf time.Time) (Metric, error) {
	r.mu.RLock()
	def, ok := r.defs[kind]
	window := r.batchWindow
	r.mu.RUnlock()
	if !ok {
		return Metric{}, fmt.Errorf("%w: metric %q", errors.ErrUnknownKind, kind)
	}

	switch def.Tier {
	case TierOfflineBatch:
		if !window.Contains(asOf) {
			return Metric{}, fmt.Errorf("%w: %q outside batch window %02d:00-%02d:00",
				errors.ErrTierWindow, kind, window.StartHour, window.EndHour)
		}
	case TierRealTime:
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, RealTimeBudget)
		defer cancel()
	}

	return r.computeAt(ctx, def, def.Version, asOf)
}

// Recompute replays computation across a historical range at a bumped
// version. Stored raw signals are the only input; no stored metric is
// migrated or deleted, older versions stay retrievable.
func (r *Registry) Recompute(ctx context.Context, kind string, from, to time.Time, newVersion *semver.Version) ([]Metric, error) {
	r.mu.Lock()
	def, ok := r.defs[kind]
	if !ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: metric %q", errors.ErrUnknownKind, kind)
	}
	if newVersion == nil || !newVersion.GreaterThan(def.Version) {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: recompute version must increase", errors.ErrInvalidInput)
	}
	def.Version = newVersion
	step := def.Window
	r.mu.Unlock()

	r.logger.Info().Str("kind", kind).Str("version", newVersion.String()).
		Time("from", from).Time("to", to).Msg("recompute started")

	var out []Metric
	for end := from.Add(step); !end.After(to); end = end.Add(step) {
		if err := ctx.Err(); err != nil {
			// Safe to abandon mid-flight: every completed window is already
			// persisted as an idempotent append.
			return out, err
		}
		m, err := r.computeAt(ctx, def, newVersion, end)
		if err != nil {
			return out, err
		}
		out = append(out, m)
	}
	return out, nil
}

// History returns the append-only computed history for a kind, oldest first.
func (r *Registry) History(kind string) []Metric {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h := r.history[kind]
	out := make([]Metric, len(h))
	copy(out, h)
	return out
}

func (r *Registry) computeAt(ctx context.Context, def *Definition, version *semver.Version, asOf time.Time) (Metric, error) {
	windowStart := asOf.Add(-def.Window)
	signals, err := r.source.Signals(ctx, def.Inputs, windowStart, asOf)
	if err != nil {
		return Metric{}, fmt.Errorf("gathering signals for %q: %w", def.Kind, err)
	}

	digest, err := digestSignals(signals)
	if err != nil {
		return Metric{}, err
	}

	key := def.Kind + "|" + version.String() + "|" + digest
	if cached, hit := r.cache.Get(key); hit {
		return cached, nil
	}

	value, confidence, explanation := def.Fn(signals, windowStart, asOf)
	m := Metric{
		Kind:        def.Kind,
		Value:       value,
		Confidence:  confidence,
		Version:     version.String(),
		ComputedAt:  r.clock().UTC(),
		WindowStart: windowStart.UTC(),
		WindowEnd:   asOf.UTC(),
		InputDigest: digest,
		Explanation: explanation,
	}

	r.mu.Lock()
	r.history[def.Kind] = append(r.history[def.Kind], m)
	r.mu.Unlock()
	r.cache.Put(key, m)

	if r.sink != nil {
		if err := r.sink.SaveMetric(ctx, m); err != nil {
			r.logger.Error().Err(err).Str("kind", def.Kind).Msg("metric persist failed")
			return m, err
		}
	}
	return m, nil
}

// digestSignals hashes the canonical JSON of the consumed raw inputs. The
// canonical form (RFC 8785) keeps the digest stable across field ordering
// and encoder differences.
func digestSignals(signals []RawSignal) (string, error) {
	raw, err := json.Marshal(signals)
	if err != nil {
		return "", fmt.Errorf("marshaling signals: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalizing signals: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}
