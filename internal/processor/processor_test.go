package processor

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"vitalwatch/internal/audit"
	"vitalwatch/internal/engine"
	"vitalwatch/internal/models"
	"vitalwatch/internal/notify"
	"vitalwatch/internal/phi"
	"vitalwatch/internal/repository"
	"vitalwatch/internal/window"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// captureSink records delivered alerts for assertions.
type captureSink struct {
	mu        sync.Mutex
	delivered []*models.BiometricAlert
}

func (s *captureSink) Name() string { return "capture" }

func (s *captureSink) Deliver(ctx context.Context, alert *models.BiometricAlert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delivered = append(s.delivered, alert)
	return nil
}

func (s *captureSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.delivered)
}

func (s *captureSink) alerts() []*models.BiometricAlert {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.BiometricAlert, len(s.delivered))
	copy(out, s.delivered)
	return out
}

type testHarness struct {
	processor *Processor
	rules     *repository.MemoryRuleRepository
	alerts    *repository.MemoryAlertRepository
	sink      *captureSink
}

func setupProcessor(t *testing.T) *testHarness {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	logger := zap.NewNop()
	rules := repository.NewMemoryRuleRepository()
	alerts := repository.NewMemoryAlertRepository()
	windows := window.NewStore(client, "test:window:", 30*24*time.Hour, logger)
	ruleEngine := engine.New(rules, windows, logger)

	auditLogger := audit.NewZapAuditLogger(logger)
	registry := notify.NewRegistry(logger, auditLogger)
	sink := &captureSink{}
	registry.Register(sink)

	proc := New(Config{}, ruleEngine, alerts, registry, phi.NewScrubSanitizer(), auditLogger, logger)

	return &testHarness{
		processor: proc,
		rules:     rules,
		alerts:    alerts,
		sink:      sink,
	}
}

func addRule(t *testing.T, h *testHarness, rule *models.AlertRule) {
	rule.CreatedAt = time.Now()
	rule.UpdatedAt = rule.CreatedAt
	if rule.Version == 0 {
		rule.Version = 1
	}
	require.NoError(t, h.rules.CreateRule(context.Background(), rule))
}

func hrEvent(ts time.Time, value float64) *models.BiometricEvent {
	return &models.BiometricEvent{
		PatientID:  "patient-1",
		MetricType: models.MetricHeartRate,
		Value:      value,
		Timestamp:  ts,
		Context:    map[string]string{models.ContextActivityState: "resting"},
	}
}

func openAlertCount(t *testing.T, h *testHarness, patientID string) int {
	status := models.StatusOpen
	_, total, err := h.alerts.ListAlerts(context.Background(), repository.AlertFilters{
		PatientID: &patientID,
		Status:    &status,
	}, 1, 100)
	require.NoError(t, err)
	return total
}

func TestProcess_SustainedHeartRateProducesOneAlert(t *testing.T) {
	h := setupProcessor(t)
	addRule(t, h, &models.AlertRule{
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
	})

	ctx := context.Background()
	base := time.Now().Add(-time.Hour)

	// One reading per minute above threshold. Nothing fires until the
	// condition has been sustained for the full ten minutes, and
	// continued firing refreshes the open alert instead of duplicating.
	for i := 0; i <= 13; i++ {
		ids, err := h.processor.Process(ctx, hrEvent(base.Add(time.Duration(i)*time.Minute), 105))
		require.NoError(t, err)
		if i < 10 {
			assert.Empty(t, ids, "minute %d should produce no alert", i)
		} else {
			assert.Len(t, ids, 1, "minute %d should report the open alert", i)
		}
	}

	assert.Equal(t, 1, openAlertCount(t, h, "patient-1"))

	assert.Eventually(t, func() bool {
		return h.sink.count() == 1
	}, time.Second, 10*time.Millisecond, "exactly one notification for the deduplicated alert")

	alert := h.sink.alerts()[0]
	assert.Equal(t, "rule-hr", alert.RuleID)
	assert.Equal(t, "Sustained elevated resting heart rate", alert.RuleName)
	assert.Equal(t, models.PriorityWarning, alert.Priority)
	assert.Equal(t, models.StatusOpen, alert.ResolutionStatus)
	assert.Equal(t, 1, alert.RuleVersion)
}

func TestProcess_DedupRefreshesDataPoint(t *testing.T) {
	h := setupProcessor(t)
	addRule(t, h, &models.AlertRule{
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
	})

	ctx := context.Background()
	base := time.Now().Add(-10 * time.Minute)

	event := &models.BiometricEvent{
		PatientID:  "patient-1",
		MetricType: models.MetricBloodOxygen,
		Value:      88,
		Timestamp:  base,
	}
	first, err := h.processor.Process(ctx, event)
	require.NoError(t, err)
	require.Len(t, first, 1)

	event2 := &models.BiometricEvent{
		PatientID:  "patient-1",
		MetricType: models.MetricBloodOxygen,
		Value:      85,
		Timestamp:  base.Add(time.Minute),
	}
	second, err := h.processor.Process(ctx, event2)
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.Equal(t, first[0], second[0], "same open alert is refreshed")

	refreshed, err := h.alerts.FindOpen(ctx, "patient-1", "rule-spo2")
	require.NoError(t, err)
	require.NotNil(t, refreshed)
	assert.Equal(t, 85.0, refreshed.DataPoint.Value, "data point carries the latest reading")
	assert.Equal(t, 1, openAlertCount(t, h, "patient-1"))
}

func TestProcess_ResolvedAlertDoesNotSuppressNewOne(t *testing.T) {
	h := setupProcessor(t)
	addRule(t, h, &models.AlertRule{
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
	})

	ctx := context.Background()
	base := time.Now().Add(-10 * time.Minute)

	event := &models.BiometricEvent{
		PatientID:  "patient-1",
		MetricType: models.MetricBloodOxygen,
		Value:      88,
		Timestamp:  base,
	}
	first, err := h.processor.Process(ctx, event)
	require.NoError(t, err)
	require.Len(t, first, 1)

	require.NoError(t, h.alerts.UpdateResolution(ctx, first[0], models.StatusResolved, "dr-lee"))

	event2 := &models.BiometricEvent{
		PatientID:  "patient-1",
		MetricType: models.MetricBloodOxygen,
		Value:      86,
		Timestamp:  base.Add(time.Minute),
	}
	second, err := h.processor.Process(ctx, event2)
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.NotEqual(t, first[0], second[0], "a resolved alert no longer deduplicates")
}

func TestProcess_RejectsFutureTimestamp(t *testing.T) {
	h := setupProcessor(t)

	event := hrEvent(time.Now().Add(10*time.Minute), 105)
	ids, err := h.processor.Process(context.Background(), event)
	require.Error(t, err)
	assert.True(t, models.IsValidation(err))
	assert.Empty(t, ids)
}

func TestProcess_RejectsMissingFields(t *testing.T) {
	h := setupProcessor(t)
	ctx := context.Background()

	_, err := h.processor.Process(ctx, nil)
	assert.True(t, models.IsValidation(err))

	_, err = h.processor.Process(ctx, &models.BiometricEvent{
		MetricType: models.MetricHeartRate,
		Value:      100,
		Timestamp:  time.Now(),
	})
	assert.True(t, models.IsValidation(err))
}

func TestProcess_PriorityOrdersNotifications(t *testing.T) {
	h := setupProcessor(t)

	// Created in reverse priority order; dispatch must still put urgent
	// first.
	addRule(t, h, &models.AlertRule{
		RuleID:   "rule-info",
		Name:     "Elevated heart rate noted",
		Priority: models.PriorityInformational,
		Type:     models.RuleTypeThreshold,
		IsActive: true,
		Condition: models.RuleCondition{
			DataType:  models.MetricHeartRate,
			Operator:  models.OpGreater,
			Threshold: 90,
		},
	})
	addRule(t, h, &models.AlertRule{
		RuleID:   "rule-urgent",
		Name:     "Extreme heart rate",
		Priority: models.PriorityUrgent,
		Type:     models.RuleTypeThreshold,
		IsActive: true,
		Condition: models.RuleCondition{
			DataType:  models.MetricHeartRate,
			Operator:  models.OpGreater,
			Threshold: 140,
		},
	})

	ids, err := h.processor.Process(context.Background(), hrEvent(time.Now().Add(-time.Minute), 150))
	require.NoError(t, err)
	require.Len(t, ids, 2)

	require.Eventually(t, func() bool {
		return h.sink.count() == 2
	}, time.Second, 10*time.Millisecond)

	delivered := h.sink.alerts()
	assert.Equal(t, models.PriorityUrgent, delivered[0].Priority)
	assert.Equal(t, models.PriorityInformational, delivered[1].Priority)
}

func TestProcess_RuleFailureDoesNotBlockOthers(t *testing.T) {
	h := setupProcessor(t)

	addRule(t, h, &models.AlertRule{
		RuleID:   "rule-good",
		Name:     "Elevated heart rate",
		Priority: models.PriorityWarning,
		Type:     models.RuleTypeThreshold,
		IsActive: true,
		Condition: models.RuleCondition{
			DataType:  models.MetricHeartRate,
			Operator:  models.OpGreater,
			Threshold: 100,
		},
	})
	// A composite referencing a missing sub-rule fails evaluation.
	addRule(t, h, &models.AlertRule{
		RuleID:   "rule-broken",
		Name:     "Broken composite",
		Priority: models.PriorityUrgent,
		Type:     models.RuleTypeComposite,
		IsActive: true,
		Condition: models.RuleCondition{
			Expression: &models.CompositeExpr{Op: models.CompositeAnd, RuleIDs: []string{"missing"}},
		},
	})

	ids, err := h.processor.Process(context.Background(), hrEvent(time.Now().Add(-time.Minute), 120))
	require.NoError(t, err, "evaluator failure degrades to rule-not-fired")
	require.Len(t, ids, 1)

	alert, err := h.alerts.FindOpen(context.Background(), "patient-1", "rule-good")
	require.NoError(t, err)
	require.NotNil(t, alert)
}

func TestProcess_GlobalAndPatientRulesBothApply(t *testing.T) {
	h := setupProcessor(t)

	addRule(t, h, &models.AlertRule{
		RuleID:    "rule-patient",
		Name:      "Patient-specific heart rate bound",
		Priority:  models.PriorityWarning,
		Type:      models.RuleTypeThreshold,
		PatientID: "patient-1",
		IsActive:  true,
		Condition: models.RuleCondition{
			DataType:  models.MetricHeartRate,
			Operator:  models.OpGreater,
			Threshold: 100,
		},
	})
	addRule(t, h, &models.AlertRule{
		RuleID:   "rule-global",
		Name:     "Global heart rate bound",
		Priority: models.PriorityUrgent,
		Type:     models.RuleTypeThreshold,
		IsActive: true,
		Condition: models.RuleCondition{
			DataType:  models.MetricHeartRate,
			Operator:  models.OpGreater,
			Threshold: 130,
		},
	})

	ids, err := h.processor.Process(context.Background(), hrEvent(time.Now().Add(-time.Minute), 150))
	require.NoError(t, err)
	assert.Len(t, ids, 2, "patient and global rules fire independently")
}

func TestProcess_ConcurrentSameStreamDeduplicates(t *testing.T) {
	h := setupProcessor(t)
	addRule(t, h, &models.AlertRule{
		RuleID:   "rule-hr",
		Name:     "Elevated heart rate",
		Priority: models.PriorityWarning,
		Type:     models.RuleTypeThreshold,
		IsActive: true,
		Condition: models.RuleCondition{
			DataType:  models.MetricHeartRate,
			Operator:  models.OpGreater,
			Threshold: 100,
		},
	})

	base := time.Now().Add(-10 * time.Minute)
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			event := hrEvent(base.Add(time.Duration(n)*time.Second), 110)
			_, err := h.processor.Process(context.Background(), event)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, openAlertCount(t, h, "patient-1"), "concurrent firings collapse to one open alert")
}

func TestProcess_MessageIsSanitized(t *testing.T) {
	h := setupProcessor(t)
	addRule(t, h, &models.AlertRule{
		RuleID:   "rule-hr",
		Name:     "Contact nurse@example.com about heart rate",
		Priority: models.PriorityWarning,
		Type:     models.RuleTypeThreshold,
		IsActive: true,
		Condition: models.RuleCondition{
			DataType:  models.MetricHeartRate,
			Operator:  models.OpGreater,
			Threshold: 100,
		},
	})

	ids, err := h.processor.Process(context.Background(), hrEvent(time.Now().Add(-time.Minute), 120))
	require.NoError(t, err)
	require.Len(t, ids, 1)

	alert, err := h.alerts.FindOpen(context.Background(), "patient-1", "rule-hr")
	require.NoError(t, err)
	require.NotNil(t, alert)
	assert.NotContains(t, alert.Message, "nurse@example.com")
	assert.Contains(t, alert.Message, "[redacted]")
}

func TestStreamLocks_SameKeySerializes(t *testing.T) {
	locks := newStreamLocks(8)

	unlock := locks.Lock("patient-1:heart_rate")
	acquired := make(chan struct{})
	go func() {
		u := locks.Lock("patient-1:heart_rate")
		close(acquired)
		u()
	}()

	select {
	case <-acquired:
		t.Fatal("second lock acquired while first still held")
	case <-time.After(50 * time.Millisecond):
	}

	unlock()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second lock never acquired after release")
	}
}

func TestBuildMessage_PerRuleType(t *testing.T) {
	event := hrEvent(time.Now(), 120)

	threshold := &models.AlertRule{
		Name: "HR bound", Type: models.RuleTypeThreshold,
		Condition: models.RuleCondition{Operator: models.OpGreater, Threshold: 100},
	}
	msg := buildMessage(threshold, event)
	assert.Contains(t, msg, "HR bound")
	assert.Contains(t, msg, fmt.Sprintf("%.1f", 120.0))

	trend := &models.AlertRule{
		Name: "Sleep trend", Type: models.RuleTypeTrend,
		Condition: models.RuleCondition{RateThreshold: 15},
	}
	assert.Contains(t, buildMessage(trend, event), "trending")

	pattern := &models.AlertRule{Name: "HRV pattern", Type: models.RuleTypePattern}
	assert.Contains(t, buildMessage(pattern, event), "early-warning")

	composite := &models.AlertRule{Name: "Combined", Type: models.RuleTypeComposite}
	assert.Contains(t, buildMessage(composite, event), "combined")
}
