package models

import (
	"fmt"
)

// validProductTransitions maps from-state to allowed to-states for a product
// within one processing attempt
var validProductTransitions = map[JobStatus]map[JobStatus]bool{
	JobStatusQueued: {
		JobStatusRunning: true, // picked up for rendering
		JobStatusFailed:  true, // rejected before invocation
	},
	JobStatusFailed: {
		JobStatusRunning: true, // retried on a later claim
		JobStatusFailed:  true,
	},
	JobStatusRunning: {
		JobStatusSucceeded: true,
		JobStatusFailed:    true,
	},
	// Terminal for products
	JobStatusSucceeded: {},
}

// ValidateProductTransition checks if a product status change is allowed
func ValidateProductTransition(from, to JobStatus) error {
	allowed, exists := validProductTransitions[from]
	if !exists {
		return fmt.Errorf("unknown source state: %s", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid transition from %s to %s", from, to)
	}
	return nil
}

// IsTerminalState returns true if the status ends a processing attempt
func IsTerminalState(status JobStatus) bool {
	return status == JobStatusSucceeded || status == JobStatusFailed
}

// ParseStatus converts a stored string to a JobStatus
func ParseStatus(s string) (JobStatus, error) {
	switch JobStatus(s) {
	case JobStatusQueued, JobStatusRunning, JobStatusSucceeded, JobStatusFailed:
		return JobStatus(s), nil
	}
	return "", fmt.Errorf("unknown status: %q", s)
}
