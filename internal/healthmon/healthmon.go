// Package healthmon watches operational failures (not user distrust) and
// forces a system-wide degradation mode. Its gate can only ever restrict
// what the trust machine permits, never widen it.
package healthmon

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Mode is the engine-wide degradation level.
type Mode int

const (
	ModeHealthy Mode = iota
	ModeDegraded
	ModeSafeMode
	ModeSuspended
)

var modeNames = map[Mode]string{
	ModeHealthy:   "healthy",
	ModeDegraded:  "degraded",
	ModeSafeMode:  "safe_mode",
	ModeSuspended: "suspended",
}

func (m Mode) String() string {
	if s, ok := modeNames[m]; ok {
		return s
	}
	return "unknown"
}

// FailureClass is one of the four operational counters.
type FailureClass string

const (
	FailureBackground    FailureClass = "background_execution"
	FailureMissedWindow  FailureClass = "missed_window"
	FailureInconsistency FailureClass = "data_inconsistency"
	FailureWrite         FailureClass = "write_failure"
)

// Valid reports whether f is a known failure class.
func (f FailureClass) Valid() bool {
	switch f {
	case FailureBackground, FailureMissedWindow, FailureInconsistency, FailureWrite:
		return true
	}
	return false
}

// Thresholds maps a counter value to the mode it forces, per failure class.
// The highest-severity mode across all classes wins.
type Thresholds struct {
	Degraded  int `json:"degraded" yaml:"degraded"`
	SafeMode  int `json:"safe_mode" yaml:"safe_mode"`
	Suspended int `json:"suspended" yaml:"suspended"`
}

// DefaultThresholds returns the shipped per-class thresholds.
func DefaultThresholds() map[FailureClass]Thresholds {
	return map[FailureClass]Thresholds{
		FailureBackground:    {Degraded: 3, SafeMode: 6, Suspended: 10},
		FailureMissedWindow:  {Degraded: 2, SafeMode: 5, Suspended: 8},
		FailureInconsistency: {Degraded: 1, SafeMode: 3, Suspended: 5},
		FailureWrite:         {Degraded: 3, SafeMode: 6, Suspended: 10},
	}
}

// State is the monitor's externally visible snapshot.
type State struct {
	Counters    map[FailureClass]int `json:"counters"`
	Mode        Mode                 `json:"mode"`
	LastSuccess time.Time            `json:"last_success"`
}

// Notifier receives mode-transition signals, at most one per mode entry.
type Notifier interface {
	HealthModeChanged(old, new Mode)
}

// Monitor accumulates failure counters and derives the mode as a pure
// function of counters against fixed thresholds.
type Monitor struct {
	mu          sync.Mutex
	counters    map[FailureClass]int
	thresholds  map[FailureClass]Thresholds
	mode        Mode
	lastSuccess time.Time
	notifier    Notifier
	logger      zerolog.Logger
	clock       func() time.Time

	// modes an action may still run in; anything at SafeMode and above only
	// allows protective actions, Suspended allows none.
	protective map[string]bool
}

// New creates a monitor in Healthy mode. Nil thresholds use the defaults.
func New(thresholds map[FailureClass]Thresholds, logger zerolog.Logger) *Monitor {
	if thresholds == nil {
		thresholds = DefaultThresholds()
	}
	return &Monitor{
		counters:   make(map[FailureClass]int),
		thresholds: thresholds,
		mode:       ModeHealthy,
		logger:     logger.With().Str("component", "healthmon").Logger(),
		clock:      time.Now,
		protective: map[string]bool{
			"remove_block":     true,
			"cleanup_delegate": true,
		},
	}
}

// WithNotifier attaches the outbound notifier.
func (m *Monitor) WithNotifier(n Notifier) *Monitor { m.notifier = n; return m }

// WithClock overrides the clock for testing.
func (m *Monitor) WithClock(clock func() time.Time) *Monitor { m.clock = clock; return m }

// SetThresholds swaps the threshold table atomically (config reload) and
// re-derives the mode from the current counters.
func (m *Monitor) SetThresholds(t map[FailureClass]Thresholds) {
	m.mu.Lock()
	m.thresholds = t
	oldMode, newMode := m.recomputeLocked()
	m.mu.Unlock()
	m.notifyTransition(oldMode, newMode)
}

// RecordFailure bumps a failure counter and re-derives the mode. Individual
// failures are never surfaced to the user; only a sustained pattern forces a
// single mode-entry notification.
func (m *Monitor) RecordFailure(class FailureClass) {
	if !class.Valid() {
		m.logger.Warn().Str("class", string(class)).Msg("unknown failure class ignored")
		return
	}
	m.mu.Lock()
	m.counters[class]++
	oldMode, newMode := m.recomputeLocked()
	count := m.counters[class]
	m.mu.Unlock()

	m.logger.Debug().Str("class", string(class)).Int("count", count).Msg("failure recorded")
	m.notifyTransition(oldMode, newMode)
}

// RecordSuccess stamps the last-success time. It does not decay counters:
// recovery from an accumulated failure pattern is explicit, never drift.
func (m *Monitor) RecordSuccess() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastSuccess = m.clock().UTC()
}

// CanExecute reports whether the current mode still permits an action.
// Healthy permits everything; Degraded permits everything (it only widens
// logging); SafeMode permits protective actions only; Suspended permits
// nothing.
func (m *Monitor) CanExecute(action string) (bool, string) {
	m.mu.Lock()
	mode := m.mode
	protective := m.protective[action]
	m.mu.Unlock()

	switch mode {
	case ModeHealthy, ModeDegraded:
		return true, ""
	case ModeSafeMode:
		if protective {
			return true, ""
		}
		return false, fmt.Sprintf("safe mode permits protective actions only, not %q", action)
	default:
		return false, "engine suspended pending explicit recovery"
	}
}

// State returns a snapshot of counters and mode.
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	counters := make(map[FailureClass]int, len(m.counters))
	for k, v := range m.counters {
		counters[k] = v
	}
	return State{Counters: counters, Mode: m.mode, LastSuccess: m.lastSuccess}
}

// Mode returns the current mode.
func (m *Monitor) Mode() Mode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mode
}

// AttemptRecovery zeroes all counters and returns to Healthy. This is the
// only way out of Suspended and must be explicitly triggered by a user or
// operator; it is never automatic, to avoid silent flapping.
func (m *Monitor) AttemptRecovery() State {
	m.mu.Lock()
	old := m.mode
	m.counters = make(map[FailureClass]int)
	m.mode = ModeHealthy
	m.lastSuccess = m.clock().UTC()
	s := State{Counters: map[FailureClass]int{}, Mode: m.mode, LastSuccess: m.lastSuccess}
	m.mu.Unlock()

	m.logger.Info().Str("from", old.String()).Msg("recovery attempted, counters zeroed")
	m.notifyTransition(old, ModeHealthy)
	return s
}

// recomputeLocked derives the mode from the counters. Returns (old, new);
// callers hold m.mu and are responsible for notifying outside the lock.
func (m *Monitor) recomputeLocked() (Mode, Mode) {
	old := m.mode
	worst := ModeHealthy
	for class, count := range m.counters {
		t, ok := m.thresholds[class]
		if !ok {
			continue
		}
		var mode Mode
		switch {
		case count >= t.Suspended:
			mode = ModeSuspended
		case count >= t.SafeMode:
			mode = ModeSafeMode
		case count >= t.Degraded:
			mode = ModeDegraded
		}
		if mode > worst {
			worst = mode
		}
	}
	m.mode = worst
	return old, worst
}

func (m *Monitor) notifyTransition(oldMode, newMode Mode) {
	if oldMode == newMode {
		return
	}
	m.logger.Warn().Str("from", oldMode.String()).Str("to", newMode.String()).Msg("health mode changed")
	if m.notifier != nil {
		m.notifier.HealthModeChanged(oldMode, newMode)
	}
}
