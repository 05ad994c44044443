package models

import (
	"errors"
	"fmt"
)

// ValidationError rejects a malformed event or rule at the boundary.
// It is never partially processed and propagates to the caller.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed: %s %s", e.Field, e.Reason)
}

// EvaluationError means one rule's evaluator failed. It is logged and
// treated as "rule did not fire"; it never aborts other rules.
type EvaluationError struct {
	RuleID string
	Err    error
}

func (e *EvaluationError) Error() string {
	return fmt.Sprintf("evaluation failed for rule %s: %v", e.RuleID, e.Err)
}

func (e *EvaluationError) Unwrap() error { return e.Err }

// PersistenceError wraps a failed repository call. Transient classes
// (timeouts, connection resets) are retried with backoff before
// surfacing to the caller.
type PersistenceError struct {
	Op        string
	Err       error
	Transient bool
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence failed (%s): %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// NotificationError means one observer failed to deliver. Logged per
// observer; never retried by the registry and never fails processing.
type NotificationError struct {
	Sink string
	Err  error
}

func (e *NotificationError) Error() string {
	return fmt.Sprintf("notification via %s failed: %v", e.Sink, e.Err)
}

func (e *NotificationError) Unwrap() error { return e.Err }

// IsTransient reports whether err is a retryable persistence failure.
func IsTransient(err error) bool {
	var pe *PersistenceError
	if errors.As(err, &pe) {
		return pe.Transient
	}
	return false
}

// IsValidation reports whether err is a boundary validation failure.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
