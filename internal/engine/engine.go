package engine

import (
	"context"
	"fmt"

	"vitalwatch/internal/models"
	"vitalwatch/internal/repository"
	"vitalwatch/internal/window"

	"go.uber.org/zap"
)

// maxCompositeDepth bounds recursion through composite rules. Cycles
// are rejected at rule creation; the bound covers rules created before
// that check existed.
const maxCompositeDepth = 8

// Engine resolves applicable rules for an event and evaluates rule
// conditions using the strategy matching the rule type. It is the sole
// owner of the rolling-window state.
type Engine struct {
	rules   repository.RuleRepository
	windows *window.Store
	logger  *zap.Logger
}

// New creates a rule engine.
func New(rules repository.RuleRepository, windows *window.Store, logger *zap.Logger) *Engine {
	return &Engine{
		rules:   rules,
		windows: windows,
		logger:  logger,
	}
}

// Observe records an event in the rolling window before evaluation.
// Must be called in non-decreasing timestamp order per
// (patient, metric); the processor serializes those streams.
func (e *Engine) Observe(ctx context.Context, event *models.BiometricEvent) error {
	sample := window.NewSample(event.Value, event.Timestamp, event.Context)
	if err := e.windows.Append(ctx, event.PatientID, event.MetricType, sample); err != nil {
		return fmt.Errorf("failed to record sample: %w", err)
	}
	return nil
}

// ApplicableRules returns the union of active patient-scoped and active
// global rules whose condition data type matches the event's metric.
// Ordering is unspecified; the processor sorts for notification
// tie-breaking.
func (e *Engine) ApplicableRules(ctx context.Context, patientID, metricType string) ([]models.AlertRule, error) {
	patientRules, err := e.rules.PatientRules(ctx, patientID, metricType)
	if err != nil {
		return nil, fmt.Errorf("failed to get patient rules: %w", err)
	}

	globalRules, err := e.rules.GlobalRules(ctx, metricType)
	if err != nil {
		return nil, fmt.Errorf("failed to get global rules: %w", err)
	}

	return append(patientRules, globalRules...), nil
}

// Evaluate dispatches to the strategy for the rule's type. A false
// result with nil error means the rule did not fire; an error means the
// evaluator itself failed and the caller treats the rule as not fired.
func (e *Engine) Evaluate(ctx context.Context, rule *models.AlertRule, event *models.BiometricEvent) (bool, error) {
	return e.evaluate(ctx, rule, event, 0)
}

func (e *Engine) evaluate(ctx context.Context, rule *models.AlertRule, event *models.BiometricEvent, depth int) (bool, error) {
	if depth > maxCompositeDepth {
		return false, &models.EvaluationError{RuleID: rule.RuleID, Err: fmt.Errorf("composite depth exceeds %d", maxCompositeDepth)}
	}

	switch rule.Type {
	case models.RuleTypeThreshold:
		return e.evaluateThreshold(ctx, rule, event)
	case models.RuleTypeTrend:
		return e.evaluateTrend(ctx, rule, event)
	case models.RuleTypePattern:
		return e.evaluatePattern(ctx, rule, event)
	case models.RuleTypeComposite:
		return e.evaluateComposite(ctx, rule, event, depth)
	default:
		return false, &models.EvaluationError{RuleID: rule.RuleID, Err: fmt.Errorf("unknown rule type: %s", rule.Type)}
	}
}
