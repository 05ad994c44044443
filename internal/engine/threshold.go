package engine

import (
	"context"

	"vitalwatch/internal/models"
	"vitalwatch/internal/window"
)

// evaluateThreshold fires when the comparison holds continuously for at
// least the condition duration, restricted to samples matching the
// context filter. With no duration it degenerates to a single-point
// check against the event itself.
func (e *Engine) evaluateThreshold(ctx context.Context, rule *models.AlertRule, event *models.BiometricEvent) (bool, error) {
	cond := &rule.Condition

	if cond.DataType != event.MetricType {
		return false, nil
	}
	if !eventMatchesContext(event, cond.ContextFilter) {
		return false, nil
	}

	// The current event must satisfy the comparison regardless of
	// window state.
	if !cond.Operator.Compare(event.Value, cond.Threshold) {
		return false, nil
	}

	if cond.DurationSec <= 0 {
		return true, nil
	}

	windowStart := event.Timestamp.Add(-cond.Duration())
	samples, err := e.windows.Range(ctx, event.PatientID, event.MetricType, windowStart)
	if err != nil {
		return false, &models.EvaluationError{RuleID: rule.RuleID, Err: err}
	}

	matching := filterByContext(samples, cond.ContextFilter)
	if len(matching) == 0 {
		return false, nil
	}

	minSamples := cond.MinSamples
	if minSamples <= 0 {
		minSamples = 2
	}
	if len(matching) < minSamples && !cond.AllowPartial {
		return false, nil
	}

	// Every in-window sample must satisfy the comparison: one
	// in-bounds reading breaks the sustained condition.
	for _, s := range matching {
		if !cond.Operator.Compare(s.Value, cond.Threshold) {
			return false, nil
		}
	}

	// The earliest matching sample must cover the whole window,
	// otherwise the condition has not been sustained long enough yet.
	span := event.Timestamp.Sub(matching[0].Time())
	if span < cond.Duration() && !cond.AllowPartial {
		return false, nil
	}

	return true, nil
}

func eventMatchesContext(event *models.BiometricEvent, filter map[string]string) bool {
	for k, want := range filter {
		if event.Context[k] != want {
			return false
		}
	}
	return true
}

func filterByContext(samples []window.Sample, filter map[string]string) []window.Sample {
	if len(filter) == 0 {
		return samples
	}
	out := make([]window.Sample, 0, len(samples))
	for _, s := range samples {
		if s.MatchesContext(filter) {
			out = append(out, s)
		}
	}
	return out
}
