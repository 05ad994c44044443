package models

import (
	"time"
)

// ResolutionStatus is the alert lifecycle state.
// open -> acknowledged -> resolved, with a terminal branch
// open|acknowledged -> false_positive. Terminal states are immutable.
type ResolutionStatus string

const (
	StatusOpen          ResolutionStatus = "open"
	StatusAcknowledged  ResolutionStatus = "acknowledged"
	StatusResolved      ResolutionStatus = "resolved"
	StatusFalsePositive ResolutionStatus = "false_positive"
)

// Valid reports whether s is a known status.
func (s ResolutionStatus) Valid() bool {
	switch s {
	case StatusOpen, StatusAcknowledged, StatusResolved, StatusFalsePositive:
		return true
	}
	return false
}

// Terminal reports whether no further transitions are allowed.
func (s ResolutionStatus) Terminal() bool {
	return s == StatusResolved || s == StatusFalsePositive
}

// CanTransition reports whether s may move to next.
func (s ResolutionStatus) CanTransition(next ResolutionStatus) bool {
	switch s {
	case StatusOpen:
		return next == StatusAcknowledged || next == StatusResolved || next == StatusFalsePositive
	case StatusAcknowledged:
		return next == StatusResolved || next == StatusFalsePositive
	default:
		return false
	}
}

// DataPoint is the triggering measurement snapshot carried on an alert.
type DataPoint struct {
	MetricType string    `json:"metric_type"`
	Value      float64   `json:"value"`
	Timestamp  time.Time `json:"timestamp"`
}

// BiometricAlert is one firing instance of a rule against a data point.
// RuleName, RuleVersion and Priority are denormalized at firing time so
// later rule edits do not alter the meaning of past alerts.
type BiometricAlert struct {
	AlertID     string   `json:"alert_id"`
	PatientID   string   `json:"patient_id"`
	RuleID      string   `json:"rule_id"`
	RuleName    string   `json:"rule_name"`
	RuleVersion int      `json:"rule_version"`
	Priority    Priority `json:"priority"`

	// Message is PHI-minimized: the sanitizer guarantees no direct
	// identifiers appear here.
	Message   string            `json:"message"`
	DataPoint DataPoint         `json:"data_point"`
	Context   map[string]string `json:"context,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	ResolutionStatus ResolutionStatus `json:"resolution_status"`
	AcknowledgedBy   *string          `json:"acknowledged_by,omitempty"`
	AcknowledgedAt   *time.Time       `json:"acknowledged_at,omitempty"`
}
