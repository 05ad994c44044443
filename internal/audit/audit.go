// Package audit wraps the external audit-logging service. Calls are
// fire-and-forget from the core's perspective: an audit failure never
// blocks alert processing.
package audit

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Action is the audited operation class.
type Action string

const (
	ActionAlertCreated      Action = "alert_created"
	ActionAlertRefreshed    Action = "alert_refreshed"
	ActionAlertAcknowledged Action = "alert_acknowledged"
	ActionDeliveryAttempt   Action = "delivery_attempt"
)

// Record is one audit entry.
type Record struct {
	Action    Action
	AlertID   string
	PatientID string
	RuleID    string
	Actor     string
	Detail    string
	At        time.Time
}

// Logger receives audit records.
type Logger interface {
	Log(ctx context.Context, record Record)
}

// ZapAuditLogger emits audit records to the structured log stream,
// where the log pipeline forwards them to the audit store.
type ZapAuditLogger struct {
	logger *zap.Logger
}

// NewZapAuditLogger creates the logger.
func NewZapAuditLogger(logger *zap.Logger) *ZapAuditLogger {
	return &ZapAuditLogger{
		logger: logger.Named("audit"),
	}
}

// Log writes one record. Never returns an error: audit is best-effort
// from the caller's perspective.
func (l *ZapAuditLogger) Log(ctx context.Context, record Record) {
	if record.At.IsZero() {
		record.At = time.Now()
	}
	l.logger.Info("audit",
		zap.String("action", string(record.Action)),
		zap.String("alert_id", record.AlertID),
		zap.String("patient_id", record.PatientID),
		zap.String("rule_id", record.RuleID),
		zap.String("actor", record.Actor),
		zap.String("detail", record.Detail),
		zap.Time("at", record.At),
	)
}
