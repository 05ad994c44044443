package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"vitalwatch/internal/models"
)

// MemoryRuleRepository is the in-memory reference implementation of
// RuleRepository. Safe for concurrent use.
type MemoryRuleRepository struct {
	mu    sync.RWMutex
	rules map[string]models.AlertRule
}

// NewMemoryRuleRepository creates an empty repository.
func NewMemoryRuleRepository() *MemoryRuleRepository {
	return &MemoryRuleRepository{
		rules: make(map[string]models.AlertRule),
	}
}

// GetRule fetches one rule by id.
func (r *MemoryRuleRepository) GetRule(ctx context.Context, ruleID string) (*models.AlertRule, error) {
	if ruleID == "" {
		return nil, fmt.Errorf("rule_id is required")
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	rule, ok := r.rules[ruleID]
	if !ok {
		return nil, fmt.Errorf("%w: rule_id=%s", ErrRuleNotFound, ruleID)
	}
	copied := rule
	return &copied, nil
}

// PatientRules returns active patient-scoped rules matching metricType.
// Composite rules are always returned: their data type is defined by
// their sub-rules.
func (r *MemoryRuleRepository) PatientRules(ctx context.Context, patientID, metricType string) ([]models.AlertRule, error) {
	if patientID == "" {
		return nil, fmt.Errorf("patient_id is required")
	}
	return r.selectRules(func(rule models.AlertRule) bool {
		return rule.IsActive && rule.PatientID == patientID && matchesMetric(rule, metricType)
	}), nil
}

// GlobalRules returns active global-scope rules matching metricType.
func (r *MemoryRuleRepository) GlobalRules(ctx context.Context, metricType string) ([]models.AlertRule, error) {
	return r.selectRules(func(rule models.AlertRule) bool {
		return rule.IsActive && rule.IsGlobal() && matchesMetric(rule, metricType)
	}), nil
}

func matchesMetric(rule models.AlertRule, metricType string) bool {
	return rule.Condition.DataType == metricType || rule.Type == models.RuleTypeComposite
}

func (r *MemoryRuleRepository) selectRules(keep func(models.AlertRule) bool) []models.AlertRule {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := []models.AlertRule{}
	for _, rule := range r.rules {
		if keep(rule) {
			out = append(out, rule)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// CreateRule inserts a new rule.
func (r *MemoryRuleRepository) CreateRule(ctx context.Context, rule *models.AlertRule) error {
	if rule == nil {
		return fmt.Errorf("rule is required")
	}
	if rule.RuleID == "" {
		return fmt.Errorf("rule_id is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.rules[rule.RuleID]; ok {
		return fmt.Errorf("rule already exists: rule_id=%s", rule.RuleID)
	}
	r.rules[rule.RuleID] = *rule
	return nil
}

// UpdateRule writes an edited rule, conditional on the previous version.
func (r *MemoryRuleRepository) UpdateRule(ctx context.Context, rule *models.AlertRule) error {
	if rule == nil {
		return fmt.Errorf("rule is required")
	}
	if rule.RuleID == "" {
		return fmt.Errorf("rule_id is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.rules[rule.RuleID]
	if !ok || current.Version != rule.Version-1 {
		return fmt.Errorf("rule not found or version conflict: rule_id=%s version=%d", rule.RuleID, rule.Version)
	}
	r.rules[rule.RuleID] = *rule
	return nil
}

// SetRuleActive toggles is_active.
func (r *MemoryRuleRepository) SetRuleActive(ctx context.Context, ruleID string, active bool) error {
	if ruleID == "" {
		return fmt.Errorf("rule_id is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	rule, ok := r.rules[ruleID]
	if !ok {
		return fmt.Errorf("%w: rule_id=%s", ErrRuleNotFound, ruleID)
	}
	rule.IsActive = active
	rule.UpdatedAt = time.Now()
	r.rules[ruleID] = rule
	return nil
}

// ListRules returns rules for one patient, or global rules when
// patientID is empty.
func (r *MemoryRuleRepository) ListRules(ctx context.Context, patientID string) ([]models.AlertRule, error) {
	return r.selectRules(func(rule models.AlertRule) bool {
		return rule.PatientID == patientID
	}), nil
}

// MemoryAlertRepository is the in-memory reference implementation of
// AlertRepository. The dedup conditional write is resolved under one
// mutex, mirroring the compare-and-swap the Postgres implementation
// gets from its WHERE clause.
type MemoryAlertRepository struct {
	mu     sync.RWMutex
	alerts map[string]*models.BiometricAlert
}

// NewMemoryAlertRepository creates an empty repository.
func NewMemoryAlertRepository() *MemoryAlertRepository {
	return &MemoryAlertRepository{
		alerts: make(map[string]*models.BiometricAlert),
	}
}

// Save inserts a new alert.
func (r *MemoryAlertRepository) Save(ctx context.Context, alert *models.BiometricAlert) (string, error) {
	if alert == nil {
		return "", fmt.Errorf("alert is required")
	}
	if alert.AlertID == "" {
		return "", fmt.Errorf("alert_id is required")
	}
	if alert.PatientID == "" {
		return "", fmt.Errorf("patient_id is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.alerts[alert.AlertID]; ok {
		return "", fmt.Errorf("alert already exists: alert_id=%s", alert.AlertID)
	}
	copied := *alert
	r.alerts[alert.AlertID] = &copied
	return alert.AlertID, nil
}

// FindOpen returns the newest open alert for (patient, rule), or nil.
func (r *MemoryAlertRepository) FindOpen(ctx context.Context, patientID, ruleID string) (*models.BiometricAlert, error) {
	if patientID == "" {
		return nil, fmt.Errorf("patient_id is required")
	}
	if ruleID == "" {
		return nil, fmt.Errorf("rule_id is required")
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	var newest *models.BiometricAlert
	for _, alert := range r.alerts {
		if alert.PatientID != patientID || alert.RuleID != ruleID {
			continue
		}
		if alert.ResolutionStatus != models.StatusOpen {
			continue
		}
		if newest == nil || alert.CreatedAt.After(newest.CreatedAt) {
			newest = alert
		}
	}
	if newest == nil {
		return nil, nil
	}
	copied := *newest
	return &copied, nil
}

// RefreshOpen conditionally updates the open alert created after since.
func (r *MemoryAlertRepository) RefreshOpen(ctx context.Context, patientID, ruleID string, since time.Time, dp models.DataPoint, eventContext map[string]string) (bool, error) {
	if patientID == "" {
		return false, fmt.Errorf("patient_id is required")
	}
	if ruleID == "" {
		return false, fmt.Errorf("rule_id is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, alert := range r.alerts {
		if alert.PatientID != patientID || alert.RuleID != ruleID {
			continue
		}
		if alert.ResolutionStatus != models.StatusOpen {
			continue
		}
		if !alert.CreatedAt.After(since) {
			continue
		}
		alert.DataPoint = dp
		alert.Context = eventContext
		alert.UpdatedAt = time.Now()
		return true, nil
	}
	return false, nil
}

// UpdateResolution applies a lifecycle transition, enforcing the state
// machine.
func (r *MemoryAlertRepository) UpdateResolution(ctx context.Context, alertID string, status models.ResolutionStatus, actor string) error {
	if alertID == "" {
		return fmt.Errorf("alert_id is required")
	}
	if !status.Valid() {
		return fmt.Errorf("invalid resolution status: %s", status)
	}
	if status == models.StatusAcknowledged && actor == "" {
		return fmt.Errorf("actor is required to acknowledge")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	alert, ok := r.alerts[alertID]
	if !ok {
		return fmt.Errorf("%w: alert_id=%s", ErrAlertNotFound, alertID)
	}
	if !alert.ResolutionStatus.CanTransition(status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, alert.ResolutionStatus, status)
	}

	alert.ResolutionStatus = status
	alert.UpdatedAt = time.Now()
	if status == models.StatusAcknowledged {
		now := time.Now()
		alert.AcknowledgedBy = &actor
		alert.AcknowledgedAt = &now
	}
	return nil
}

// ListAlerts returns a filtered, paginated alert list, newest first.
func (r *MemoryAlertRepository) ListAlerts(ctx context.Context, filters AlertFilters, page, size int) ([]*models.BiometricAlert, int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	matched := []*models.BiometricAlert{}
	for _, alert := range r.alerts {
		if filters.PatientID != nil && alert.PatientID != *filters.PatientID {
			continue
		}
		if filters.RuleID != nil && alert.RuleID != *filters.RuleID {
			continue
		}
		if filters.Status != nil && alert.ResolutionStatus != *filters.Status {
			continue
		}
		if filters.Priority != nil && alert.Priority != *filters.Priority {
			continue
		}
		if filters.Since != nil && alert.CreatedAt.Before(*filters.Since) {
			continue
		}
		if filters.Until != nil && alert.CreatedAt.After(*filters.Until) {
			continue
		}
		copied := *alert
		matched = append(matched, &copied)
	}

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := len(matched)
	if page <= 0 {
		page = 1
	}
	if size <= 0 {
		size = 20
	}
	start := (page - 1) * size
	if start >= total {
		return []*models.BiometricAlert{}, total, nil
	}
	end := start + size
	if end > total {
		end = total
	}
	return matched[start:end], total, nil
}
