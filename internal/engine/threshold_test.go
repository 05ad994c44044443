package engine

import (
	"context"
	"testing"
	"time"

	"vitalwatch/internal/models"
	"vitalwatch/internal/repository"
	"vitalwatch/internal/window"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupEngine(t *testing.T) (*Engine, *repository.MemoryRuleRepository) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	rules := repository.NewMemoryRuleRepository()
	windows := window.NewStore(client, "test:window:", 30*24*time.Hour, zap.NewNop())
	return New(rules, windows, zap.NewNop()), rules
}

func heartRateEvent(ts time.Time, value float64, activityState string) *models.BiometricEvent {
	var eventContext map[string]string
	if activityState != "" {
		eventContext = map[string]string{models.ContextActivityState: activityState}
	}
	return &models.BiometricEvent{
		PatientID:  "patient-1",
		MetricType: models.MetricHeartRate,
		Value:      value,
		Timestamp:  ts,
		Context:    eventContext,
	}
}

// observeAndEvaluate mimics the processor's order: record the sample,
// then evaluate.
func observeAndEvaluate(t *testing.T, e *Engine, rule *models.AlertRule, event *models.BiometricEvent) bool {
	ctx := context.Background()
	require.NoError(t, e.Observe(ctx, event))
	fired, err := e.Evaluate(ctx, rule, event)
	require.NoError(t, err)
	return fired
}

func sustainedHeartRateRule() *models.AlertRule {
	return &models.AlertRule{
		RuleID:   "rule-hr",
		Name:     "Sustained elevated resting heart rate",
		Priority: models.PriorityWarning,
		Type:     models.RuleTypeThreshold,
		IsActive: true,
		Condition: models.RuleCondition{
			DataType:      models.MetricHeartRate,
			Operator:      models.OpGreater,
			Threshold:     100,
			DurationSec:   600,
			ContextFilter: map[string]string{models.ContextActivityState: "resting"},
		},
	}
}

func TestThreshold_SustainedDuration(t *testing.T) {
	e, _ := setupEngine(t)
	rule := sustainedHeartRateRule()
	base := time.Now().Add(-time.Hour)

	// One reading per minute above 100 bpm while resting. The condition
	// is not sustained until the earliest matching sample is a full ten
	// minutes behind the current event.
	for i := 0; i <= 9; i++ {
		event := heartRateEvent(base.Add(time.Duration(i)*time.Minute), 105, "resting")
		assert.False(t, observeAndEvaluate(t, e, rule, event), "minute %d should not fire", i)
	}

	event := heartRateEvent(base.Add(10*time.Minute), 106, "resting")
	assert.True(t, observeAndEvaluate(t, e, rule, event), "ten-minute mark should fire")
}

func TestThreshold_DipBreaksSustainedCondition(t *testing.T) {
	e, _ := setupEngine(t)
	rule := sustainedHeartRateRule()
	base := time.Now().Add(-time.Hour)

	for i := 0; i <= 5; i++ {
		event := heartRateEvent(base.Add(time.Duration(i)*time.Minute), 105, "resting")
		observeAndEvaluate(t, e, rule, event)
	}

	// One in-bounds reading resets the clock.
	dip := heartRateEvent(base.Add(6*time.Minute), 95, "resting")
	assert.False(t, observeAndEvaluate(t, e, rule, dip))

	event := heartRateEvent(base.Add(10*time.Minute), 105, "resting")
	assert.False(t, observeAndEvaluate(t, e, rule, event), "window still contains the dip")
}

func TestThreshold_ContextFilterExcludesSamples(t *testing.T) {
	e, _ := setupEngine(t)
	rule := sustainedHeartRateRule()
	base := time.Now().Add(-time.Hour)

	// Elevated but exercising: the rule is scoped to resting samples.
	for i := 0; i <= 10; i++ {
		event := heartRateEvent(base.Add(time.Duration(i)*time.Minute), 140, "active")
		assert.False(t, observeAndEvaluate(t, e, rule, event))
	}
}

func TestThreshold_CurrentEventMustSatisfy(t *testing.T) {
	e, _ := setupEngine(t)
	rule := sustainedHeartRateRule()
	base := time.Now().Add(-time.Hour)

	for i := 0; i <= 10; i++ {
		event := heartRateEvent(base.Add(time.Duration(i)*time.Minute), 105, "resting")
		observeAndEvaluate(t, e, rule, event)
	}

	event := heartRateEvent(base.Add(11*time.Minute), 100, "resting")
	assert.False(t, observeAndEvaluate(t, e, rule, event), "100 is not greater than 100")
}

func TestThreshold_SinglePointWithoutDuration(t *testing.T) {
	e, _ := setupEngine(t)
	rule := &models.AlertRule{
		RuleID:   "rule-spo2",
		Name:     "Low blood oxygen",
		Priority: models.PriorityUrgent,
		Type:     models.RuleTypeThreshold,
		IsActive: true,
		Condition: models.RuleCondition{
			DataType:  models.MetricBloodOxygen,
			Operator:  models.OpLess,
			Threshold: 90,
		},
	}

	event := &models.BiometricEvent{
		PatientID:  "patient-1",
		MetricType: models.MetricBloodOxygen,
		Value:      87,
		Timestamp:  time.Now().Add(-time.Minute),
	}
	assert.True(t, observeAndEvaluate(t, e, rule, event))

	event.Value = 95
	event.Timestamp = event.Timestamp.Add(time.Minute)
	assert.False(t, observeAndEvaluate(t, e, rule, event))
}

func TestThreshold_MetricMismatchNeverFires(t *testing.T) {
	e, _ := setupEngine(t)
	rule := sustainedHeartRateRule()

	event := &models.BiometricEvent{
		PatientID:  "patient-1",
		MetricType: models.MetricRespiratoryRate,
		Value:      200,
		Timestamp:  time.Now().Add(-time.Minute),
	}
	assert.False(t, observeAndEvaluate(t, e, rule, event))
}

func TestThreshold_MinSamplesGuard(t *testing.T) {
	e, _ := setupEngine(t)
	rule := sustainedHeartRateRule()
	rule.Condition.MinSamples = 5
	base := time.Now().Add(-time.Hour)

	// Only two samples spanning the full duration: too sparse to trust.
	first := heartRateEvent(base, 105, "resting")
	observeAndEvaluate(t, e, rule, first)

	event := heartRateEvent(base.Add(10*time.Minute), 105, "resting")
	assert.False(t, observeAndEvaluate(t, e, rule, event))
}

func TestThreshold_AllowPartialRelaxesSpan(t *testing.T) {
	e, _ := setupEngine(t)
	rule := sustainedHeartRateRule()
	rule.Condition.AllowPartial = true
	base := time.Now().Add(-time.Hour)

	first := heartRateEvent(base, 105, "resting")
	observeAndEvaluate(t, e, rule, first)

	// Two minutes of data instead of ten, but partial evaluation is
	// opted in.
	event := heartRateEvent(base.Add(2*time.Minute), 105, "resting")
	assert.True(t, observeAndEvaluate(t, e, rule, event))
}
