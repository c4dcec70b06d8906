package daqring

import (
	"errors"
	"fmt"
)

// Sentinels for use with errors.Is. The typed errors below match them.
var (
	ErrConfig             = errors.New("invalid configuration")
	ErrShapeMismatch      = errors.New("shape mismatch")
	ErrStateResetRequired = errors.New("averager state must be reset")
)

// ConfigError reports a configuration value that cannot be used.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Is lets errors.Is(err, ErrConfig) match any *ConfigError.
func (e *ConfigError) Is(target error) bool {
	return target == ErrConfig
}

func configErrorf(field, format string, args ...any) error {
	return &ConfigError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// ShapeMismatchError reports data whose channel count or lane length is wrong.
// A call that returns one has not changed any state.
type ShapeMismatchError struct {
	What string
	Want int
	Got  int
}

func (e *ShapeMismatchError) Error() string {
	return fmt.Sprintf("shape mismatch in %s: want %d, got %d", e.What, e.Want, e.Got)
}

// Is lets errors.Is(err, ErrShapeMismatch) match any *ShapeMismatchError.
func (e *ShapeMismatchError) Is(target error) bool {
	return target == ErrShapeMismatch
}

// StateResetRequiredError reports averager state that no longer fits its configuration.
type StateResetRequiredError struct {
	Reason string
}

func (e *StateResetRequiredError) Error() string {
	return fmt.Sprintf("averager state must be reset: %s", e.Reason)
}

// Is lets errors.Is(err, ErrStateResetRequired) match any *StateResetRequiredError.
func (e *StateResetRequiredError) Is(target error) bool {
	return target == ErrStateResetRequired
}
