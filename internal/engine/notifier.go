package engine

import (
	"github.com/rs/zerolog"

	"github.com/ambientloop/keel/internal/healthmon"
	"github.com/ambientloop/keel/internal/trust"
)

// Notifier is the engine's single outbound signal surface. Implementations
// deliver to the user's notification channel; the engine guarantees at most
// one call per transition.
type Notifier interface {
	PhaseChanged(old, new trust.Phase, reason string)
	SafetyBreakerTriggered(explanation string)
	HealthModeChanged(old, new healthmon.Mode)
}

// LogNotifier is the default Notifier: it only logs. Deployments replace it
// with a push-channel implementation.
type LogNotifier struct {
	logger zerolog.Logger
}

// NewLogNotifier creates a log-only notifier.
func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With().Str("component", "notifier").Logger()}
}

func (n *LogNotifier) PhaseChanged(old, new trust.Phase, reason string) {
	n.logger.Info().Str("from", old.String()).Str("to", new.String()).
		Str("reason", reason).Msg("autonomy phase changed")
}

func (n *LogNotifier) SafetyBreakerTriggered(explanation string) {
	n.logger.Warn().Str("explanation", explanation).Msg("safety breaker triggered")
}

func (n *LogNotifier) HealthModeChanged(old, new healthmon.Mode) {
	n.logger.Warn().Str("from", old.String()).Str("to", new.String()).
		Msg("health mode changed")
}
