package derive

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	kerrors "github.com/ambientloop/keel/internal/errors"
)

// FailureReporter receives operational failures from background computation
// so a sustained pattern can degrade the engine. Wired to the health monitor.
type FailureReporter interface {
	BackgroundFailure()
	MissedWindow()
}

// Observer receives computation timings and failure counts, per tier.
type Observer interface {
	ObserveCompute(tier string, seconds float64)
	RecordComputeError(tier, errType string)
}

// Runner drives the NearRealTime hourly batch and the OfflineBatch daily
// pass. It is the only goroutine the derive layer owns and is fully
// cancellable: abandoned computations leave no half-written metric.
type Runner struct {
	registry *Registry
	reporter FailureReporter
	observer Observer
	logger   zerolog.Logger

	hourly time.Duration // tick interval for NearRealTime, overridable in tests
	daily  time.Duration // tick interval for OfflineBatch probing
}

// NewRunner creates a runner for the registry.
func NewRunner(registry *Registry, reporter FailureReporter, logger zerolog.Logger) *Runner {
	return &Runner{
		registry: registry,
		reporter: reporter,
		logger:   logger.With().Str("component", "derive_runner").Logger(),
		hourly:   time.Hour,
		daily:    30 * time.Minute,
	}
}

// WithObserver attaches computation instrumentation.
func (r *Runner) WithObserver(o Observer) *Runner { r.observer = o; return r }

// Run blocks until ctx is cancelled, ticking both tiers.
func (r *Runner) Run(ctx context.Context) {
	hourly := time.NewTicker(r.hourly)
	defer hourly.Stop()
	daily := time.NewTicker(r.daily)
	defer daily.Stop()

	r.logger.Info().Msg("tier runner started")
	for {
		select {
		case <-ctx.Done():
			r.logger.Info().Msg("tier runner stopped")
			return
		case t := <-hourly.C:
			r.runTier(ctx, TierNearRealTime, t)
		case t := <-daily.C:
			// Only attempt OfflineBatch inside its eligibility window; a probe
			// outside the window is not a miss, just not yet due.
			if r.registry.batchWindowContains(t) {
				r.runTier(ctx, TierOfflineBatch, t)
			}
		}
	}
}

func (r *Runner) runTier(ctx context.Context, tier Tier, asOf time.Time) {
	for _, def := range r.registry.Definitions(tier) {
		if ctx.Err() != nil {
			return
		}
		start := time.Now()
		_, err := r.registry.Compute(ctx, def.Kind, asOf)
		if r.observer != nil {
			r.observer.ObserveCompute(string(tier), time.Since(start).Seconds())
		}
		if err != nil {
			r.logger.Error().Err(err).Str("kind", def.Kind).Str("tier", string(tier)).
				Msg("scheduled computation failed")
			errType := "compute"
			if errors.Is(err, kerrors.ErrTierWindow) {
				errType = "tier_window"
			}
			if r.observer != nil {
				r.observer.RecordComputeError(string(tier), errType)
			}
			if r.reporter != nil {
				if errType == "tier_window" {
					r.reporter.MissedWindow()
				} else {
					r.reporter.BackgroundFailure()
				}
			}
		}
	}
}

func (r *Registry) batchWindowContains(t time.Time) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.batchWindow.Contains(t)
}
