package rules

import (
	"fmt"

	"vitalwatch/internal/models"
)

// TemplateParams parameterize a rule template. Overrides apply numeric
// template fields by name (threshold, duration_sec, rate_threshold,
// suppression_sec).
type TemplateParams struct {
	PatientID string
	CreatedBy string
	Overrides map[string]float64
}

// TemplateRule is the pure factory mapping (templateID, params) to a
// validated AlertRule. Unknown templates and out-of-range overrides
// fail here, at construction, never at evaluation time.
func TemplateRule(templateID string, params TemplateParams) (*models.AlertRule, error) {
	var rule *models.AlertRule

	switch templateID {
	case "high_heart_rate_resting":
		rule = &models.AlertRule{
			Name:        "Sustained elevated resting heart rate",
			Description: "Heart rate above threshold while resting, sustained over the duration window",
			Priority:    models.PriorityWarning,
			Type:        models.RuleTypeThreshold,
			Condition: models.RuleCondition{
				DataType:      models.MetricHeartRate,
				Operator:      models.OpGreater,
				Threshold:     100,
				DurationSec:   600,
				ContextFilter: map[string]string{models.ContextActivityState: "resting"},
			},
		}
	case "low_blood_oxygen":
		rule = &models.AlertRule{
			Name:        "Low blood oxygen saturation",
			Description: "SpO2 below threshold, sustained",
			Priority:    models.PriorityUrgent,
			Type:        models.RuleTypeThreshold,
			Condition: models.RuleCondition{
				DataType:    models.MetricBloodOxygen,
				Operator:    models.OpLess,
				Threshold:   90,
				DurationSec: 120,
			},
		}
	case "sleep_onset_trend":
		rule = &models.AlertRule{
			Name:        "Worsening sleep onset delay",
			Description: "Sleep onset delay rising week over week",
			Priority:    models.PriorityInformational,
			Type:        models.RuleTypeTrend,
			Condition: models.RuleCondition{
				DataType:      models.MetricSleepOnsetDelay,
				RateThreshold: 15,
				RatePeriodSec: 7 * 24 * 3600,
				WindowSamples: 4,
				MinSamples:    3,
			},
		}
	case "hrv_critical_slowing":
		rule = &models.AlertRule{
			Name:        "HRV early-warning signature",
			Description: "Rising lag-1 autocorrelation and variance in heart rate variability",
			Priority:    models.PriorityWarning,
			Type:        models.RuleTypePattern,
			Condition: models.RuleCondition{
				DataType:       models.MetricHRV,
				EstimateWindow: 12,
				EstimateCount:  4,
				AutocorrRise:   0.05,
				VarianceRise:   0.5,
			},
		}
	default:
		return nil, &models.ValidationError{
			Field:  "template_id",
			Reason: fmt.Sprintf("unknown template: %s", templateID),
		}
	}

	rule.PatientID = params.PatientID
	rule.CreatedBy = params.CreatedBy
	rule.IsActive = true

	for field, value := range params.Overrides {
		switch field {
		case "threshold":
			rule.Condition.Threshold = value
		case "duration_sec":
			rule.Condition.DurationSec = int64(value)
		case "rate_threshold":
			rule.Condition.RateThreshold = value
		case "suppression_sec":
			rule.Condition.SuppressionSec = int64(value)
		default:
			return nil, &models.ValidationError{
				Field:  "overrides",
				Reason: fmt.Sprintf("unknown override field: %s", field),
			}
		}
	}

	if err := rule.Validate(); err != nil {
		return nil, err
	}
	return rule, nil
}

// Templates lists the known template ids.
func Templates() []string {
	return []string{
		"high_heart_rate_resting",
		"low_blood_oxygen",
		"sleep_onset_trend",
		"hrv_critical_slowing",
	}
}
