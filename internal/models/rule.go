package models

import (
	"time"
)

// Priority determines the notification SLA of alerts produced by a rule.
type Priority string

const (
	PriorityUrgent        Priority = "urgent"
	PriorityWarning       Priority = "warning"
	PriorityInformational Priority = "informational"
)

// SLA returns the maximum allowed time between event ingestion and the
// notification dispatch attempt for this priority.
func (p Priority) SLA() time.Duration {
	switch p {
	case PriorityUrgent:
		return 1 * time.Minute
	case PriorityWarning:
		return 5 * time.Minute
	case PriorityInformational:
		return 15 * time.Minute
	default:
		return 15 * time.Minute
	}
}

// Rank orders priorities for notification dispatch (lower is first).
func (p Priority) Rank() int {
	switch p {
	case PriorityUrgent:
		return 0
	case PriorityWarning:
		return 1
	case PriorityInformational:
		return 2
	default:
		return 3
	}
}

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	switch p {
	case PriorityUrgent, PriorityWarning, PriorityInformational:
		return true
	}
	return false
}

// RuleType selects the evaluation strategy.
type RuleType string

const (
	RuleTypeThreshold RuleType = "threshold"
	RuleTypeTrend     RuleType = "trend"
	RuleTypePattern   RuleType = "pattern"
	RuleTypeComposite RuleType = "composite"
)

// Valid reports whether t is a known rule type.
func (t RuleType) Valid() bool {
	switch t {
	case RuleTypeThreshold, RuleTypeTrend, RuleTypePattern, RuleTypeComposite:
		return true
	}
	return false
}

// Operator is a numeric comparison used by threshold conditions.
type Operator string

const (
	OpGreater      Operator = ">"
	OpGreaterEqual Operator = ">="
	OpLess         Operator = "<"
	OpLessEqual    Operator = "<="
	OpEqual        Operator = "=="
	OpNotEqual     Operator = "!="
)

// Compare applies the operator to (value, threshold). No unit conversion:
// both sides carry the same physical unit as stored in the rule.
func (o Operator) Compare(value, threshold float64) bool {
	switch o {
	case OpGreater:
		return value > threshold
	case OpGreaterEqual:
		return value >= threshold
	case OpLess:
		return value < threshold
	case OpLessEqual:
		return value <= threshold
	case OpEqual:
		return value == threshold
	case OpNotEqual:
		return value != threshold
	default:
		return false
	}
}

// Valid reports whether o is a known operator.
func (o Operator) Valid() bool {
	switch o {
	case OpGreater, OpGreaterEqual, OpLess, OpLessEqual, OpEqual, OpNotEqual:
		return true
	}
	return false
}

// Composite boolean operators.
const (
	CompositeAnd = "and"
	CompositeOr  = "or"
	CompositeNot = "not"
)

// CompositeExpr combines the evaluation results of named sub-rules.
// "not" takes exactly one sub-rule; "and"/"or" take one or more.
type CompositeExpr struct {
	Op      string   `json:"op"`
	RuleIDs []string `json:"rule_ids"`
}

// RuleCondition is the structured payload of a rule. Which fields apply
// depends on the rule type; Validate enforces that per type.
type RuleCondition struct {
	DataType      string            `json:"data_type"`
	Operator      Operator          `json:"operator,omitempty"`
	Threshold     float64           `json:"threshold,omitempty"`
	DurationSec   int64             `json:"duration_sec,omitempty"`
	MinSamples    int               `json:"min_samples,omitempty"`
	ContextFilter map[string]string `json:"context_filter,omitempty"`

	// Trend: fires when the time-based slope exceeds
	// RateThreshold units per RatePeriodSec seconds.
	RateThreshold float64 `json:"rate_threshold,omitempty"`
	RatePeriodSec int64   `json:"rate_period_sec,omitempty"`
	WindowSamples int     `json:"window_samples,omitempty"`

	// Pattern: critical-slowing-down detection over rolling estimates.
	EstimateWindow int     `json:"estimate_window,omitempty"`
	EstimateCount  int     `json:"estimate_count,omitempty"`
	AutocorrRise   float64 `json:"autocorr_rise,omitempty"`
	VarianceRise   float64 `json:"variance_rise,omitempty"`

	// Composite expression over sub-rule results.
	Expression *CompositeExpr `json:"expression,omitempty"`

	// AllowPartial opts into evaluation when the window has fewer
	// samples than required. Default: missing data evaluates to false.
	AllowPartial bool `json:"allow_partial,omitempty"`

	// SuppressionSec overrides the dedup suppression window
	// (default: the rule's own duration).
	SuppressionSec int64 `json:"suppression_sec,omitempty"`

	// BaselineRelative marks a threshold as relative to the patient's
	// historical baseline. Forbidden on global-scope rules.
	BaselineRelative bool `json:"baseline_relative,omitempty"`
}

// Duration returns the sustained-condition window.
func (c *RuleCondition) Duration() time.Duration {
	return time.Duration(c.DurationSec) * time.Second
}

// AlertRule is a stored, versioned clinical condition. PatientID empty
// means global scope (applies to all patients).
type AlertRule struct {
	RuleID      string        `json:"rule_id"`
	Name        string        `json:"name"`
	Description string        `json:"description,omitempty"`
	Priority    Priority      `json:"priority"`
	Type        RuleType      `json:"rule_type"`
	Condition   RuleCondition `json:"condition"`
	PatientID   string        `json:"patient_id,omitempty"`
	CreatedBy   string        `json:"created_by"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
	Version     int           `json:"version"`
	IsActive    bool          `json:"is_active"`
}

// IsGlobal reports whether the rule applies to all patients.
func (r *AlertRule) IsGlobal() bool {
	return r.PatientID == ""
}

// SuppressionWindow returns the dedup window for this rule: the explicit
// per-rule override, else the rule's own duration, else the service default.
func (r *AlertRule) SuppressionWindow(fallback time.Duration) time.Duration {
	if r.Condition.SuppressionSec > 0 {
		return time.Duration(r.Condition.SuppressionSec) * time.Second
	}
	if r.Condition.DurationSec > 0 {
		return r.Condition.Duration()
	}
	return fallback
}

// Validate checks structural invariants. Composite cycle checking needs
// repository access and lives in the rules service.
func (r *AlertRule) Validate() error {
	if r.Name == "" {
		return &ValidationError{Field: "name", Reason: "is required"}
	}
	if !r.Priority.Valid() {
		return &ValidationError{Field: "priority", Reason: "unknown priority: " + string(r.Priority)}
	}
	if !r.Type.Valid() {
		return &ValidationError{Field: "rule_type", Reason: "unknown rule type: " + string(r.Type)}
	}
	if r.IsGlobal() && r.Condition.BaselineRelative {
		return &ValidationError{Field: "condition", Reason: "global rules must not reference patient baseline data"}
	}
	switch r.Type {
	case RuleTypeThreshold:
		if r.Condition.DataType == "" {
			return &ValidationError{Field: "condition.data_type", Reason: "is required"}
		}
		if !r.Condition.Operator.Valid() {
			return &ValidationError{Field: "condition.operator", Reason: "unknown operator: " + string(r.Condition.Operator)}
		}
	case RuleTypeTrend:
		if r.Condition.DataType == "" {
			return &ValidationError{Field: "condition.data_type", Reason: "is required"}
		}
		if r.Condition.RateThreshold == 0 {
			return &ValidationError{Field: "condition.rate_threshold", Reason: "is required"}
		}
		if r.Condition.RatePeriodSec <= 0 {
			return &ValidationError{Field: "condition.rate_period_sec", Reason: "must be positive"}
		}
	case RuleTypePattern:
		if r.Condition.DataType == "" {
			return &ValidationError{Field: "condition.data_type", Reason: "is required"}
		}
		if r.Condition.EstimateWindow < 3 {
			return &ValidationError{Field: "condition.estimate_window", Reason: "must be at least 3 samples"}
		}
		if r.Condition.EstimateCount < 2 {
			return &ValidationError{Field: "condition.estimate_count", Reason: "must be at least 2 estimates"}
		}
	case RuleTypeComposite:
		expr := r.Condition.Expression
		if expr == nil {
			return &ValidationError{Field: "condition.expression", Reason: "is required"}
		}
		switch expr.Op {
		case CompositeAnd, CompositeOr:
			if len(expr.RuleIDs) == 0 {
				return &ValidationError{Field: "condition.expression", Reason: "requires at least one sub-rule"}
			}
		case CompositeNot:
			if len(expr.RuleIDs) != 1 {
				return &ValidationError{Field: "condition.expression", Reason: "not takes exactly one sub-rule"}
			}
		default:
			return &ValidationError{Field: "condition.expression", Reason: "unknown operator: " + expr.Op}
		}
		for _, id := range expr.RuleIDs {
			if id == r.RuleID {
				return &ValidationError{Field: "condition.expression", Reason: "composite rule references itself"}
			}
		}
	}
	return nil
}
