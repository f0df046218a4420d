package models

import (
	"errors"
	"fmt"
)

// ErrConfiguration marks failures caused by bad job input or settings.
// These are never retried.
var ErrConfiguration = errors.New("configuration error")

// ConfigError describes an unusable field
type ConfigError struct {
	Field  string
	Reason string
}

// NewConfigError creates a configuration error for field
func NewConfigError(field, format string, args ...interface{}) *ConfigError {
	return &ConfigError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("configuration error: %s", e.Reason)
	}
	return fmt.Sprintf("configuration error: %s: %s", e.Field, e.Reason)
}

// Is lets errors.Is(err, ErrConfiguration) match any ConfigError
func (e *ConfigError) Is(target error) bool {
	return target == ErrConfiguration
}

// IsConfigError reports whether err is a configuration failure
func IsConfigError(err error) bool {
	return errors.Is(err, ErrConfiguration)
}
