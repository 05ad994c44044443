package models

import (
	"time"
)

// Known metric types supplied by the ingestion layer. The set is open:
// rules match on the string, so new metrics need no code change here.
const (
	MetricHeartRate       = "heart_rate"
	MetricRespiratoryRate = "respiratory_rate"
	MetricHRV             = "hrv"
	MetricBloodOxygen     = "blood_oxygen"
	MetricSleepOnsetDelay = "sleep_onset_delay"
	MetricActivityLevel   = "activity_level"
)

// Context keys attached to events by the ingestion layer.
const (
	ContextActivityState = "activity_state"
	ContextTimeOfDay     = "time_of_day"
)

// BiometricEvent is one normalized, timestamped measurement for a patient.
// Unit normalization and device-level dedup happen upstream.
type BiometricEvent struct {
	PatientID  string            `json:"patient_id"`
	MetricType string            `json:"metric_type"`
	Value      float64           `json:"value"`
	Timestamp  time.Time         `json:"timestamp"`
	Context    map[string]string `json:"context,omitempty"`
}

// Validate checks required fields and guards against future-dated events.
// skewTolerance bounds how far ahead of the local clock a timestamp may be.
func (e *BiometricEvent) Validate(now time.Time, skewTolerance time.Duration) error {
	if e.PatientID == "" {
		return &ValidationError{Field: "patient_id", Reason: "is required"}
	}
	if e.MetricType == "" {
		return &ValidationError{Field: "metric_type", Reason: "is required"}
	}
	if e.Timestamp.IsZero() {
		return &ValidationError{Field: "timestamp", Reason: "is required"}
	}
	if e.Timestamp.After(now.Add(skewTolerance)) {
		return &ValidationError{Field: "timestamp", Reason: "is beyond clock skew tolerance"}
	}
	return nil
}

// StreamKey identifies the per-patient, per-metric sample stream.
func (e *BiometricEvent) StreamKey() string {
	return e.PatientID + ":" + e.MetricType
}
