package processor

import (
	"context"
	"fmt"
	"sort"
	"time"

	"vitalwatch/internal/audit"
	"vitalwatch/internal/engine"
	"vitalwatch/internal/metrics"
	"vitalwatch/internal/models"
	"vitalwatch/internal/notify"
	"vitalwatch/internal/phi"
	"vitalwatch/internal/repository"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Config tunes the processor.
type Config struct {
	// SkewTolerance bounds how far ahead of the local clock an event
	// timestamp may be before the event is rejected.
	SkewTolerance time.Duration
	// SuppressionWindow is the dedup fallback when a rule defines
	// neither its own suppression window nor a duration.
	SuppressionWindow time.Duration
	// Budget bounds rule lookup, evaluation and persistence for one
	// event. Notification dispatch runs detached from it.
	Budget time.Duration
	// RetryMaxAttempts bounds persistence retries for transient
	// failures.
	RetryMaxAttempts uint64
	// RetryInitialInterval seeds the exponential backoff.
	RetryInitialInterval time.Duration
	// LockStripes sizes the per-stream lock table.
	LockStripes int
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.SkewTolerance <= 0 {
		out.SkewTolerance = 2 * time.Minute
	}
	if out.SuppressionWindow <= 0 {
		out.SuppressionWindow = 15 * time.Minute
	}
	if out.Budget <= 0 {
		// Bounded by the strictest (urgent) SLA.
		out.Budget = models.PriorityUrgent.SLA()
	}
	if out.RetryMaxAttempts == 0 {
		out.RetryMaxAttempts = 3
	}
	if out.RetryInitialInterval <= 0 {
		out.RetryInitialInterval = 100 * time.Millisecond
	}
	if out.LockStripes <= 0 {
		out.LockStripes = 128
	}
	return out
}

// Processor drives one biometric event through evaluation, alert
// construction, persistence and notification fan-out. Process is safe
// to call concurrently; events for the same (patient, metric) stream
// are serialized internally.
type Processor struct {
	cfg       Config
	engine    *engine.Engine
	alerts    repository.AlertRepository
	registry  *notify.Registry
	sanitizer phi.Sanitizer
	audit     audit.Logger
	logger    *zap.Logger
	locks     *streamLocks
}

// New creates a processor.
func New(
	cfg Config,
	ruleEngine *engine.Engine,
	alerts repository.AlertRepository,
	registry *notify.Registry,
	sanitizer phi.Sanitizer,
	auditLogger audit.Logger,
	logger *zap.Logger,
) *Processor {
	resolved := cfg.withDefaults()
	return &Processor{
		cfg:       resolved,
		engine:    ruleEngine,
		alerts:    alerts,
		registry:  registry,
		sanitizer: sanitizer,
		audit:     auditLogger,
		logger:    logger,
		locks:     newStreamLocks(resolved.LockStripes),
	}
}

// Process handles one normalized biometric event end to end and
// returns the ids of the alerts it created or refreshed. Only
// validation failures and exhausted persistence failures propagate;
// everything else degrades to fewer alerts or notifications.
func (p *Processor) Process(ctx context.Context, event *models.BiometricEvent) ([]string, error) {
	start := time.Now()
	defer func() {
		metrics.ProcessDuration.Observe(time.Since(start).Seconds())
	}()

	if event == nil {
		return nil, &models.ValidationError{Field: "event", Reason: "is required"}
	}
	if err := event.Validate(start, p.cfg.SkewTolerance); err != nil {
		metrics.EventsProcessedTotal.WithLabelValues(event.MetricType, "rejected").Inc()
		return nil, err
	}

	// Serialize per stream so rolling-window evaluation sees events in
	// timestamp order; unrelated streams stay parallel.
	unlock := p.locks.Lock(event.StreamKey())
	defer unlock()

	ctx, cancel := context.WithTimeout(ctx, p.cfg.Budget)
	defer cancel()

	if err := p.engine.Observe(ctx, event); err != nil {
		// The windowed strategies degrade on missing samples; a dead
		// window store must not drop the event entirely.
		p.logger.Warn("Failed to record event in rolling window",
			zap.String("patient_id", event.PatientID),
			zap.String("metric_type", event.MetricType),
			zap.Error(err),
		)
	}

	rules, err := p.engine.ApplicableRules(ctx, event.PatientID, event.MetricType)
	if err != nil {
		metrics.EventsProcessedTotal.WithLabelValues(event.MetricType, "failed").Inc()
		return nil, fmt.Errorf("failed to resolve applicable rules: %w", err)
	}

	fired := p.evaluateRules(ctx, rules, event)

	// Urgent before warning before informational, then rule creation
	// time, fixes the notification attempt order.
	sort.SliceStable(fired, func(i, j int) bool {
		if fired[i].Priority.Rank() != fired[j].Priority.Rank() {
			return fired[i].Priority.Rank() < fired[j].Priority.Rank()
		}
		return fired[i].CreatedAt.Before(fired[j].CreatedAt)
	})

	alertIDs := []string{}
	created := []*models.BiometricAlert{}
	var persistErr error

	for i := range fired {
		rule := &fired[i]
		alert, isNew, err := p.createOrRefresh(ctx, rule, event)
		if err != nil {
			// One alert failing to persist must not block the rest;
			// the first exhausted failure is surfaced to the caller.
			p.logger.Error("Failed to persist alert",
				zap.String("rule_id", rule.RuleID),
				zap.String("patient_id", event.PatientID),
				zap.Error(err),
			)
			if persistErr == nil {
				persistErr = err
			}
			continue
		}
		alertIDs = append(alertIDs, alert.AlertID)
		if isNew {
			created = append(created, alert)
			metrics.AlertsCreatedTotal.WithLabelValues(string(alert.Priority)).Inc()
		} else {
			metrics.AlertsDeduplicatedTotal.Inc()
		}
	}

	// Notification runs detached from the processing budget but still
	// against each alert's own SLA, anchored at ingestion time.
	if len(created) > 0 {
		go p.dispatch(created, start)
	}

	if persistErr != nil {
		metrics.EventsProcessedTotal.WithLabelValues(event.MetricType, "failed").Inc()
		return alertIDs, persistErr
	}

	metrics.EventsProcessedTotal.WithLabelValues(event.MetricType, "ok").Inc()
	return alertIDs, nil
}

// evaluateRules runs every applicable rule, isolating per-rule
// failures: an evaluator error is logged and the rule treated as not
// fired.
func (p *Processor) evaluateRules(ctx context.Context, rules []models.AlertRule, event *models.BiometricEvent) []models.AlertRule {
	fired := []models.AlertRule{}
	for i := range rules {
		rule := &rules[i]
		ok, err := p.engine.Evaluate(ctx, rule, event)
		if err != nil {
			metrics.RulesEvaluatedTotal.WithLabelValues(string(rule.Type), "error").Inc()
			p.logger.Error("Rule evaluation failed",
				zap.String("rule_id", rule.RuleID),
				zap.String("patient_id", event.PatientID),
				zap.Error(err),
			)
			continue
		}
		if ok {
			metrics.RulesEvaluatedTotal.WithLabelValues(string(rule.Type), "fired").Inc()
			fired = append(fired, *rule)
		} else {
			metrics.RulesEvaluatedTotal.WithLabelValues(string(rule.Type), "not_fired").Inc()
		}
	}
	return fired
}

// createOrRefresh applies the dedup policy: an open alert for
// (patient, rule) inside the suppression window is refreshed with the
// latest triggering data instead of duplicated. The repository's
// conditional write resolves concurrent racers.
func (p *Processor) createOrRefresh(ctx context.Context, rule *models.AlertRule, event *models.BiometricEvent) (*models.BiometricAlert, bool, error) {
	dp := models.DataPoint{
		MetricType: event.MetricType,
		Value:      event.Value,
		Timestamp:  event.Timestamp,
	}
	sanitizedContext := p.sanitizer.SanitizeContext(event.Context)

	window := rule.SuppressionWindow(p.cfg.SuppressionWindow)
	since := event.Timestamp.Add(-window)

	var refreshed bool
	err := p.withRetry(ctx, func() error {
		var err error
		refreshed, err = p.alerts.RefreshOpen(ctx, event.PatientID, rule.RuleID, since, dp, sanitizedContext)
		return err
	})
	if err != nil {
		return nil, false, err
	}

	if refreshed {
		existing, err := p.alerts.FindOpen(ctx, event.PatientID, rule.RuleID)
		if err != nil || existing == nil {
			// The refresh landed; a failed read-back only costs the id.
			p.logger.Warn("Refreshed alert could not be read back",
				zap.String("rule_id", rule.RuleID),
				zap.Error(err),
			)
			existing = &models.BiometricAlert{
				PatientID: event.PatientID,
				RuleID:    rule.RuleID,
			}
		}
		p.audit.Log(ctx, audit.Record{
			Action:    audit.ActionAlertRefreshed,
			AlertID:   existing.AlertID,
			PatientID: event.PatientID,
			RuleID:    rule.RuleID,
			Detail:    "suppression window hit, data point refreshed",
		})
		return existing, false, nil
	}

	now := time.Now()
	alert := &models.BiometricAlert{
		AlertID:          uuid.New().String(),
		PatientID:        event.PatientID,
		RuleID:           rule.RuleID,
		RuleName:         rule.Name,
		RuleVersion:      rule.Version,
		Priority:         rule.Priority,
		Message:          p.sanitizer.SanitizeMessage(buildMessage(rule, event)),
		DataPoint:        dp,
		Context:          sanitizedContext,
		CreatedAt:        now,
		UpdatedAt:        now,
		ResolutionStatus: models.StatusOpen,
	}

	err = p.withRetry(ctx, func() error {
		_, err := p.alerts.Save(ctx, alert)
		return err
	})
	if err != nil {
		return nil, false, err
	}

	p.audit.Log(ctx, audit.Record{
		Action:    audit.ActionAlertCreated,
		AlertID:   alert.AlertID,
		PatientID: alert.PatientID,
		RuleID:    alert.RuleID,
		Detail:    string(alert.Priority),
	})

	return alert, true, nil
}

// withRetry retries transient persistence failures with exponential
// backoff. Non-transient failures stop immediately.
func (p *Processor) withRetry(ctx context.Context, op func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.cfg.RetryInitialInterval

	return backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		if !models.IsTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(bo, p.cfg.RetryMaxAttempts), ctx))
}

// dispatch notifies sinks about newly created alerts in the order the
// caller established (priority, then rule creation time).
func (p *Processor) dispatch(created []*models.BiometricAlert, ingestedAt time.Time) {
	// Detached from the processing budget; bounded by the loosest SLA
	// so a wedged sink cannot leak goroutines forever.
	ctx, cancel := context.WithTimeout(context.Background(), models.PriorityInformational.SLA())
	defer cancel()

	for _, alert := range created {
		p.registry.Notify(ctx, alert, ingestedAt)
	}
}

// buildMessage renders a PHI-minimized, human-readable description of
// the firing.
func buildMessage(rule *models.AlertRule, event *models.BiometricEvent) string {
	switch rule.Type {
	case models.RuleTypeThreshold:
		return fmt.Sprintf("%s: %s %s %.1f sustained, latest value %.1f",
			rule.Name, event.MetricType, rule.Condition.Operator, rule.Condition.Threshold, event.Value)
	case models.RuleTypeTrend:
		return fmt.Sprintf("%s: %s trending beyond %.1f per period, latest value %.1f",
			rule.Name, event.MetricType, rule.Condition.RateThreshold, event.Value)
	case models.RuleTypePattern:
		return fmt.Sprintf("%s: early-warning signature detected on %s",
			rule.Name, event.MetricType)
	case models.RuleTypeComposite:
		return fmt.Sprintf("%s: combined condition met on %s",
			rule.Name, event.MetricType)
	default:
		return fmt.Sprintf("%s fired on %s", rule.Name, event.MetricType)
	}
}
