package repository

import (
	"context"
	"database/sql/driver"
	"errors"
	"net"
	"strings"
	"time"

	"vitalwatch/internal/models"
)

// RuleRepository stores clinician-authored alert rules.
type RuleRepository interface {
	GetRule(ctx context.Context, ruleID string) (*models.AlertRule, error)
	// PatientRules returns active rules scoped to one patient whose
	// condition data type matches metricType.
	PatientRules(ctx context.Context, patientID, metricType string) ([]models.AlertRule, error)
	// GlobalRules returns active global-scope rules matching metricType.
	GlobalRules(ctx context.Context, metricType string) ([]models.AlertRule, error)
	CreateRule(ctx context.Context, rule *models.AlertRule) error
	// UpdateRule persists an edited rule. The caller bumps Version; the
	// write is conditional on the previous version to catch lost updates.
	UpdateRule(ctx context.Context, rule *models.AlertRule) error
	SetRuleActive(ctx context.Context, ruleID string, active bool) error
	ListRules(ctx context.Context, patientID string) ([]models.AlertRule, error)
}

// AlertFilters narrows alert list queries.
type AlertFilters struct {
	PatientID *string
	RuleID    *string
	Status    *models.ResolutionStatus
	Priority  *models.Priority
	Since     *time.Time
	Until     *time.Time
}

// AlertRepository persists biometric alerts and their lifecycle state.
type AlertRepository interface {
	Save(ctx context.Context, alert *models.BiometricAlert) (string, error)
	// FindOpen returns the open alert for (patient, rule), or nil.
	FindOpen(ctx context.Context, patientID, ruleID string) (*models.BiometricAlert, error)
	// RefreshOpen conditionally updates the open alert for (patient, rule)
	// created after since with the latest triggering data. Last writer
	// wins. Returns false when no such alert exists, in which case the
	// caller creates a new one.
	RefreshOpen(ctx context.Context, patientID, ruleID string, since time.Time, dp models.DataPoint, eventContext map[string]string) (bool, error)
	// UpdateResolution applies a lifecycle transition, enforcing the
	// state machine. Terminal states reject all transitions.
	UpdateResolution(ctx context.Context, alertID string, status models.ResolutionStatus, actor string) error
	ListAlerts(ctx context.Context, filters AlertFilters, page, size int) ([]*models.BiometricAlert, int, error)
}

// ErrAlertNotFound is returned for lookups of unknown alerts.
var ErrAlertNotFound = errors.New("alert not found")

// ErrRuleNotFound is returned for lookups of unknown rules.
var ErrRuleNotFound = errors.New("rule not found")

// ErrInvalidTransition rejects lifecycle transitions the state machine
// forbids (e.g. acknowledging a resolved alert).
var ErrInvalidTransition = errors.New("invalid resolution transition")

// persistenceErr wraps a repository failure with its transience class.
func persistenceErr(op string, err error) error {
	return &models.PersistenceError{Op: op, Err: err, Transient: transient(err)}
}

// transient reports whether err looks retryable: timeouts, dropped
// connections, and context deadline expiry on the repository call.
func transient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, driver.ErrBadConn) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "broken pipe")
}
