package engine

import (
	"context"

	"vitalwatch/internal/models"
	"vitalwatch/internal/window"
)

// evaluateTrend fires when the least-squares slope over the most recent
// samples exceeds the configured rate of change. The slope is computed
// against elapsed time, not index position, so irregular sampling does
// not distort it. RateThreshold is expressed in metric units per
// RatePeriodSec seconds (e.g. +15 per week).
func (e *Engine) evaluateTrend(ctx context.Context, rule *models.AlertRule, event *models.BiometricEvent) (bool, error) {
	cond := &rule.Condition

	if cond.DataType != event.MetricType {
		return false, nil
	}
	if !eventMatchesContext(event, cond.ContextFilter) {
		return false, nil
	}

	var samples []window.Sample
	var err error
	if cond.WindowSamples > 0 {
		samples, err = e.windows.Recent(ctx, event.PatientID, event.MetricType, cond.WindowSamples)
	} else {
		samples, err = e.windows.Range(ctx, event.PatientID, event.MetricType,
			event.Timestamp.Add(-cond.Duration()))
	}
	if err != nil {
		return false, &models.EvaluationError{RuleID: rule.RuleID, Err: err}
	}

	samples = filterByContext(samples, cond.ContextFilter)

	minSamples := cond.MinSamples
	if minSamples <= 0 {
		minSamples = 3
	}
	if len(samples) < minSamples && !cond.AllowPartial {
		// Missing data evaluates to false, not error.
		return false, nil
	}

	slopePerSec, ok := window.SlopePerSecond(samples)
	if !ok {
		return false, nil
	}

	ratePerPeriod := slopePerSec * float64(cond.RatePeriodSec)
	if cond.RateThreshold >= 0 {
		return ratePerPeriod >= cond.RateThreshold, nil
	}
	return ratePerPeriod <= cond.RateThreshold, nil
}
