package engine

import (
	"context"

	"vitalwatch/internal/models"
	"vitalwatch/internal/window"
)

// evaluatePattern detects the critical-slowing-down signature: rising
// lag-1 autocorrelation and rising variance across the most recent
// windowed estimates. Each configured rise threshold (non-zero) must be
// exceeded by the slope of its estimate sequence.
func (e *Engine) evaluatePattern(ctx context.Context, rule *models.AlertRule, event *models.BiometricEvent) (bool, error) {
	cond := &rule.Condition

	if cond.DataType != event.MetricType {
		return false, nil
	}
	if !eventMatchesContext(event, cond.ContextFilter) {
		return false, nil
	}

	// EstimateCount rolling windows of EstimateWindow samples, stepped
	// by one sample, need this many samples in total.
	needed := cond.EstimateWindow + cond.EstimateCount - 1
	samples, err := e.windows.Recent(ctx, event.PatientID, event.MetricType, needed)
	if err != nil {
		return false, &models.EvaluationError{RuleID: rule.RuleID, Err: err}
	}

	samples = filterByContext(samples, cond.ContextFilter)
	if len(samples) < needed && !cond.AllowPartial {
		return false, nil
	}
	if len(samples) < cond.EstimateWindow+1 {
		return false, nil
	}

	estimates := len(samples) - cond.EstimateWindow + 1
	autocorrs := make([]float64, 0, estimates)
	variances := make([]float64, 0, estimates)
	for i := 0; i+cond.EstimateWindow <= len(samples); i++ {
		values := window.Values(samples[i : i+cond.EstimateWindow])
		if ac, ok := window.Lag1Autocorr(values); ok {
			autocorrs = append(autocorrs, ac)
		}
		variances = append(variances, window.Variance(values))
	}

	if cond.AutocorrRise > 0 {
		slope, ok := window.IndexSlope(autocorrs)
		if !ok || slope < cond.AutocorrRise {
			return false, nil
		}
	}
	if cond.VarianceRise > 0 {
		slope, ok := window.IndexSlope(variances)
		if !ok || slope < cond.VarianceRise {
			return false, nil
		}
	}
	if cond.AutocorrRise <= 0 && cond.VarianceRise <= 0 {
		// Nothing configured to detect.
		return false, nil
	}

	return true, nil
}
