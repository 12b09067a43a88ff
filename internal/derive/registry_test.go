package derive

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kerrors "github.com/ambientloop/keel/internal/errors"
)

type fixedSource struct {
	signals []RawSignal
	err     error
}

func (s *fixedSource) Signals(_ context.Context, _ []string, _, _ time.Time) ([]RawSignal, error) {
	return s.signals, s.err
}

type captureSink struct{ saved []Metric }

func (s *captureSink) SaveMetric(_ context.Context, m Metric) error {
	s.saved = append(s.saved, m)
	return nil
}

func countingDef(kind string, tier Tier, calls *atomic.Int64) Definition {
	return Definition{
		Kind:    kind,
		Inputs:  []string{SignalWorkoutDone},
		Window:  24 * time.Hour,
		Tier:    tier,
		Version: semver.MustParse("1.0.0"),
		Fn: func(signals []RawSignal, _, _ time.Time) (float64, float64, []Factor) {
			calls.Add(1)
			var sum float64
			for _, s := range signals {
				sum += s.Value
			}
			return sum, 1, []Factor{{Name: "sum", Sign: 1, Magnitude: sum}}
		},
	}
}

func TestRegister_Validation(t *testing.T) {
	r := NewRegistry(&fixedSource{}, zerolog.Nop())
	var calls atomic.Int64

	err := r.Register(Definition{Kind: "x"})
	assert.ErrorIs(t, err, kerrors.ErrInvalidInput)

	bad := countingDef("x", Tier("hyperspeed"), &calls)
	assert.ErrorIs(t, r.Register(bad), kerrors.ErrUnknownKind)

	zero := countingDef("x", TierNearRealTime, &calls)
	zero.Window = 0
	assert.ErrorIs(t, r.Register(zero), kerrors.ErrInvalidInput)

	good := countingDef("x", TierNearRealTime, &calls)
	require.NoError(t, r.Register(good))
	assert.ErrorIs(t, r.Register(good), kerrors.ErrInvalidInput) // duplicate
}

func TestCompute_DeterministicAndMemoized(t *testing.T) {
	src := &fixedSource{signals: []RawSignal{
		{Kind: SignalWorkoutDone, Value: 2, Timestamp: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC), Source: "watch"},
	}}
	var calls atomic.Int64
	clock := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	r := NewRegistry(src, zerolog.Nop()).WithClock(func() time.Time { return clock })
	require.NoError(t, r.Register(countingDef("load", TierNearRealTime, &calls)))

	asOf := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	first, err := r.Compute(context.Background(), "load", asOf)
	require.NoError(t, err)
	assert.Equal(t, 2.0, first.Value)
	assert.Equal(t, "1.0.0", first.Version)
	assert.Contains(t, first.InputDigest, "sha256:")

	// Same version and identical inputs: bit-identical result from the cache,
	// the compute function does not run again even with the clock advanced.
	clock = clock.Add(time.Hour)
	second, err := r.Compute(context.Background(), "load", asOf)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, int64(1), calls.Load())
}

func TestCompute_DigestChangesWithInputs(t *testing.T) {
	src := &fixedSource{signals: []RawSignal{{Kind: SignalWorkoutDone, Value: 1}}}
	var calls atomic.Int64
	r := NewRegistry(src, zerolog.Nop())
	require.NoError(t, r.Register(countingDef("load", TierNearRealTime, &calls)))

	asOf := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	first, err := r.Compute(context.Background(), "load", asOf)
	require.NoError(t, err)

	src.signals = append(src.signals, RawSignal{Kind: SignalWorkoutDone, Value: 1})
	second, err := r.Compute(context.Background(), "load", asOf)
	require.NoError(t, err)

	assert.NotEqual(t, first.InputDigest, second.InputDigest)
	assert.Equal(t, int64(2), calls.Load())
}

func TestCompute_BatchTierWindowEnforced(t *testing.T) {
	var calls atomic.Int64
	r := NewRegistry(&fixedSource{}, zerolog.Nop())
	require.NoError(t, r.Register(countingDef("heavy", TierOfflineBatch, &calls)))

	noon := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	_, err := r.Compute(context.Background(), "heavy", noon)
	assert.ErrorIs(t, err, kerrors.ErrTierWindow)
	assert.Zero(t, calls.Load())

	threeAM := time.Date(2026, 3, 2, 3, 0, 0, 0, time.UTC)
	_, err = r.Compute(context.Background(), "heavy", threeAM)
	assert.NoError(t, err)
}

func TestCompute_UnknownKind(t *testing.T) {
	r := NewRegistry(&fixedSource{}, zerolog.Nop())
	_, err := r.Compute(context.Background(), "nonexistent", time.Now())
	assert.ErrorIs(t, err, kerrors.ErrUnknownKind)
}

func TestCompute_SourceErrorPropagates(t *testing.T) {
	var calls atomic.Int64
	src := &fixedSource{err: errors.New("disk gone")}
	r := NewRegistry(src, zerolog.Nop())
	require.NoError(t, r.Register(countingDef("load", TierNearRealTime, &calls)))

	_, err := r.Compute(context.Background(), "load", time.Now())
	assert.Error(t, err)
	assert.Zero(t, calls.Load())
}

func TestCompute_SinkReceivesMetric(t *testing.T) {
	var calls atomic.Int64
	sink := &captureSink{}
	r := NewRegistry(&fixedSource{}, zerolog.Nop()).WithSink(sink)
	require.NoError(t, r.Register(countingDef("load", TierNearRealTime, &calls)))

	m, err := r.Compute(context.Background(), "load", time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Len(t, sink.saved, 1)
	assert.Equal(t, m, sink.saved[0])
}

func TestRecompute_VersionMustIncrease(t *testing.T) {
	var calls atomic.Int64
	r := NewRegistry(&fixedSource{}, zerolog.Nop())
	require.NoError(t, r.Register(countingDef("load", TierNearRealTime, &calls)))

	from := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	to := from.Add(48 * time.Hour)

	_, err := r.Recompute(context.Background(), "load", from, to, semver.MustParse("1.0.0"))
	assert.ErrorIs(t, err, kerrors.ErrInvalidInput)
	_, err = r.Recompute(context.Background(), "load", from, to, semver.MustParse("0.9.0"))
	assert.ErrorIs(t, err, kerrors.ErrInvalidInput)
	_, err = r.Recompute(context.Background(), "load", from, to, nil)
	assert.ErrorIs(t, err, kerrors.ErrInvalidInput)
}

func TestRecompute_ReplaysWindowsAtNewVersion(t *testing.T) {
	var calls atomic.Int64
	r := NewRegistry(&fixedSource{signals: []RawSignal{{Kind: SignalWorkoutDone, Value: 1}}}, zerolog.Nop())
	require.NoError(t, r.Register(countingDef("load", TierNearRealTime, &calls)))

	from := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	to := from.Add(72 * time.Hour) // three 24h windows

	out, err := r.Recompute(context.Background(), "load", from, to, semver.MustParse("1.1.0"))
	require.NoError(t, err)
	require.Len(t, out, 3)
	for _, m := range out {
		assert.Equal(t, "1.1.0", m.Version)
	}
	assert.Equal(t, to, out[2].WindowEnd)

	// Future regular computes use the bumped version.
	m, err := r.Compute(context.Background(), "load", to.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, "1.1.0", m.Version)
}

func TestHistory_AppendOnlyAcrossVersions(t *testing.T) {
	var calls atomic.Int64
	r := NewRegistry(&fixedSource{}, zerolog.Nop())
	require.NoError(t, r.Register(countingDef("load", TierNearRealTime, &calls)))

	asOf := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	_, err := r.Compute(context.Background(), "load", asOf)
	require.NoError(t, err)

	_, err = r.Recompute(context.Background(), "load", asOf.Add(-24*time.Hour), asOf, semver.MustParse("2.0.0"))
	require.NoError(t, err)

	h := r.History("load")
	require.Len(t, h, 2)
	// The v1 result is still retrievable after the v2 replay.
	assert.Equal(t, "1.0.0", h[0].Version)
	assert.Equal(t, "2.0.0", h[1].Version)
	// Same raw window replayed, so both versions carry the same input digest.
	assert.Equal(t, h[0].WindowStart, h[1].WindowStart)
	assert.Equal(t, h[0].WindowEnd, h[1].WindowEnd)
	require.NotEmpty(t, h[0].InputDigest)
	assert.Equal(t, h[0].InputDigest, h[1].InputDigest)
}

func TestWindow_Contains(t *testing.T) {
	w := Window{StartHour: 2, EndHour: 5}
	assert.True(t, w.Contains(time.Date(2026, 3, 2, 2, 0, 0, 0, time.UTC)))
	assert.True(t, w.Contains(time.Date(2026, 3, 2, 4, 59, 0, 0, time.UTC)))
	assert.False(t, w.Contains(time.Date(2026, 3, 2, 5, 0, 0, 0, time.UTC)))
	assert.False(t, w.Contains(time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC)))

	wrap := Window{StartHour: 22, EndHour: 3}
	assert.True(t, wrap.Contains(time.Date(2026, 3, 2, 23, 0, 0, 0, time.UTC)))
	assert.True(t, wrap.Contains(time.Date(2026, 3, 2, 1, 0, 0, 0, time.UTC)))
	assert.False(t, wrap.Contains(time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)))
}

func TestDefinitions_GroupedByTier(t *testing.T) {
	r := NewRegistry(&fixedSource{}, zerolog.Nop())
	for _, def := range BuiltinDefinitions() {
		require.NoError(t, r.Register(def))
	}
	assert.Len(t, r.Definitions(TierRealTime), 1)
	assert.Len(t, r.Definitions(TierNearRealTime), 1)
	assert.Len(t, r.Definitions(TierOfflineBatch), 1)
}
