// Package errors provides structured error types for the trust engine.
package errors

import (
	"errors"
	"fmt"
)

// Sentinel errors for common failure modes.
var (
	ErrNotFound        = errors.New("resource not found")
	ErrDenied          = errors.New("capability denied")
	ErrInvalidInput    = errors.New("invalid input")
	ErrInvalidConfig   = errors.New("invalid configuration")
	ErrUnknownKind     = errors.New("unknown kind")
	ErrVersionConflict = errors.New("version conflict")
	ErrTierWindow      = errors.New("tier not eligible in current window")
	ErrStorage         = errors.New("storage failure")
	ErrTimeout         = errors.New("operation timed out")
	ErrUnavailable     = errors.New("service unavailable")
)

// CapabilityError is returned when an action is requested above the current
// phase or health mode. It is always returned synchronously to the caller;
// the engine never downgrades a denied action to a different one.
type CapabilityError struct {
	Action string
	Reason string
}

func (e *CapabilityError) Error() string {
	return fmt.Sprintf("action %q denied: %s", e.Action, e.Reason)
}

func (e *CapabilityError) Unwrap() error { return ErrDenied }

// NewCapabilityError creates a typed denial for the given action.
func NewCapabilityError(action, reason string) *CapabilityError {
	return &CapabilityError{Action: action, Reason: reason}
}

// IsCapability reports whether err is a capability denial.
func IsCapability(err error) bool {
	return errors.Is(err, ErrDenied)
}

// ConfigError carries the field that made a configuration document invalid.
// A document with any ConfigError is rejected whole; the previous valid
// document stays active.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config field %q: %s", e.Field, e.Message)
}

func (e *ConfigError) Unwrap() error { return ErrInvalidConfig }

// IsRetryable returns true if the error is likely transient and worth
// retrying. Capability denials and malformed input never are.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrUnavailable) ||
		errors.Is(err, ErrStorage)
}
