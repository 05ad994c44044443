package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"vitalwatch/internal/models"

	"go.uber.org/zap"
)

// PostgresAlertRepository stores biometric alerts in the
// biometric_alerts table. data_point and context are JSONB snapshots.
type PostgresAlertRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewPostgresAlertRepository creates the repository.
func NewPostgresAlertRepository(db *sql.DB, logger *zap.Logger) *PostgresAlertRepository {
	return &PostgresAlertRepository{
		db:     db,
		logger: logger,
	}
}

const alertColumns = `
	alert_id,
	patient_id,
	rule_id,
	rule_name,
	rule_version,
	priority,
	message,
	data_point,
	context,
	created_at,
	updated_at,
	resolution_status,
	acknowledged_by,
	acknowledged_at
`

func scanAlert(row interface {
	Scan(dest ...interface{}) error
}) (*models.BiometricAlert, error) {
	var alert models.BiometricAlert
	var dataPoint, alertContext []byte
	var acknowledgedBy sql.NullString
	var acknowledgedAt sql.NullTime

	err := row.Scan(
		&alert.AlertID,
		&alert.PatientID,
		&alert.RuleID,
		&alert.RuleName,
		&alert.RuleVersion,
		&alert.Priority,
		&alert.Message,
		&dataPoint,
		&alertContext,
		&alert.CreatedAt,
		&alert.UpdatedAt,
		&alert.ResolutionStatus,
		&acknowledgedBy,
		&acknowledgedAt,
	)
	if err != nil {
		return nil, err
	}

	if len(dataPoint) > 0 {
		if err := json.Unmarshal(dataPoint, &alert.DataPoint); err != nil {
			return nil, fmt.Errorf("failed to unmarshal data_point: %w", err)
		}
	}
	if len(alertContext) > 0 {
		if err := json.Unmarshal(alertContext, &alert.Context); err != nil {
			return nil, fmt.Errorf("failed to unmarshal context: %w", err)
		}
	}
	if acknowledgedBy.Valid {
		alert.AcknowledgedBy = &acknowledgedBy.String
	}
	if acknowledgedAt.Valid {
		alert.AcknowledgedAt = &acknowledgedAt.Time
	}

	return &alert, nil
}

// Save inserts a new alert and returns its id.
func (r *PostgresAlertRepository) Save(ctx context.Context, alert *models.BiometricAlert) (string, error) {
	if alert == nil {
		return "", fmt.Errorf("alert is required")
	}
	if alert.AlertID == "" {
		return "", fmt.Errorf("alert_id is required")
	}
	if alert.PatientID == "" {
		return "", fmt.Errorf("patient_id is required")
	}

	dataPointJSON, err := json.Marshal(alert.DataPoint)
	if err != nil {
		return "", fmt.Errorf("failed to marshal data_point: %w", err)
	}

	contextJSON := []byte("{}")
	if alert.Context != nil {
		contextJSON, err = json.Marshal(alert.Context)
		if err != nil {
			return "", fmt.Errorf("failed to marshal context: %w", err)
		}
	}

	query := `
		INSERT INTO biometric_alerts (
			alert_id, patient_id, rule_id, rule_name, rule_version,
			priority, message, data_point, context, created_at,
			updated_at, resolution_status
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12
		)
	`

	_, err = r.db.ExecContext(ctx, query,
		alert.AlertID,
		alert.PatientID,
		alert.RuleID,
		alert.RuleName,
		alert.RuleVersion,
		alert.Priority,
		alert.Message,
		dataPointJSON,
		contextJSON,
		alert.CreatedAt,
		alert.UpdatedAt,
		alert.ResolutionStatus,
	)
	if err != nil {
		return "", persistenceErr("save_alert", err)
	}

	return alert.AlertID, nil
}

// FindOpen returns the open alert for (patient, rule), newest first,
// or nil when none exists.
func (r *PostgresAlertRepository) FindOpen(ctx context.Context, patientID, ruleID string) (*models.BiometricAlert, error) {
	if patientID == "" {
		return nil, fmt.Errorf("patient_id is required")
	}
	if ruleID == "" {
		return nil, fmt.Errorf("rule_id is required")
	}

	query := fmt.Sprintf(`
		SELECT %s
		FROM biometric_alerts
		WHERE patient_id = $1
		  AND rule_id = $2
		  AND resolution_status = 'open'
		ORDER BY created_at DESC
		LIMIT 1
	`, alertColumns)

	alert, err := scanAlert(r.db.QueryRowContext(ctx, query, patientID, ruleID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, persistenceErr("find_open", err)
	}

	return alert, nil
}

// RefreshOpen is the dedup conditional-write path: it updates the open
// alert for (patient, rule) created after since with the latest
// triggering data. Returns false when no row matched, meaning the
// caller should create a new alert. Concurrent racers resolve here with
// last-writer-wins on the data_point/context columns.
func (r *PostgresAlertRepository) RefreshOpen(ctx context.Context, patientID, ruleID string, since time.Time, dp models.DataPoint, eventContext map[string]string) (bool, error) {
	if patientID == "" {
		return false, fmt.Errorf("patient_id is required")
	}
	if ruleID == "" {
		return false, fmt.Errorf("rule_id is required")
	}

	dataPointJSON, err := json.Marshal(dp)
	if err != nil {
		return false, fmt.Errorf("failed to marshal data_point: %w", err)
	}

	contextJSON := []byte("{}")
	if eventContext != nil {
		contextJSON, err = json.Marshal(eventContext)
		if err != nil {
			return false, fmt.Errorf("failed to marshal context: %w", err)
		}
	}

	query := `
		UPDATE biometric_alerts
		SET data_point = $1,
		    context = $2,
		    updated_at = CURRENT_TIMESTAMP
		WHERE patient_id = $3
		  AND rule_id = $4
		  AND resolution_status = 'open'
		  AND created_at > $5
	`

	result, err := r.db.ExecContext(ctx, query, dataPointJSON, contextJSON, patientID, ruleID, since)
	if err != nil {
		return false, persistenceErr("refresh_open", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, persistenceErr("refresh_open", err)
	}

	return rowsAffected > 0, nil
}

// UpdateResolution applies one lifecycle transition. The WHERE clause
// carries the allowed source states, so a terminal alert matches no row
// and the call reports a conflict.
func (r *PostgresAlertRepository) UpdateResolution(ctx context.Context, alertID string, status models.ResolutionStatus, actor string) error {
	if alertID == "" {
		return fmt.Errorf("alert_id is required")
	}
	if !status.Valid() {
		return fmt.Errorf("invalid resolution status: %s", status)
	}

	allowedFrom := allowedSources(status)
	if len(allowedFrom) == 0 {
		return fmt.Errorf("%w: no state may transition to %s", ErrInvalidTransition, status)
	}

	set := []string{"resolution_status = $1", "updated_at = CURRENT_TIMESTAMP"}
	args := []interface{}{status}
	argN := 2

	if status == models.StatusAcknowledged {
		if actor == "" {
			return fmt.Errorf("actor is required to acknowledge")
		}
		set = append(set, fmt.Sprintf("acknowledged_by = $%d", argN))
		args = append(args, actor)
		argN++
		set = append(set, fmt.Sprintf("acknowledged_at = $%d", argN))
		args = append(args, time.Now())
		argN++
	}

	placeholders := make([]string, len(allowedFrom))
	for i, from := range allowedFrom {
		placeholders[i] = fmt.Sprintf("$%d", argN)
		args = append(args, from)
		argN++
	}

	args = append(args, alertID)
	query := fmt.Sprintf(`
		UPDATE biometric_alerts
		SET %s
		WHERE resolution_status IN (%s)
		  AND alert_id = $%d
	`, strings.Join(set, ", "), strings.Join(placeholders, ", "), argN)

	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return persistenceErr("update_resolution", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return persistenceErr("update_resolution", err)
	}
	if rowsAffected == 0 {
		// Distinguish a missing alert from a forbidden transition.
		var current models.ResolutionStatus
		err := r.db.QueryRowContext(ctx,
			`SELECT resolution_status FROM biometric_alerts WHERE alert_id = $1`,
			alertID,
		).Scan(&current)
		if err != nil {
			if err == sql.ErrNoRows {
				return fmt.Errorf("%w: alert_id=%s", ErrAlertNotFound, alertID)
			}
			return persistenceErr("update_resolution", err)
		}
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, status)
	}

	return nil
}

// allowedSources returns the states that may transition into target.
func allowedSources(target models.ResolutionStatus) []models.ResolutionStatus {
	sources := []models.ResolutionStatus{}
	for _, from := range []models.ResolutionStatus{
		models.StatusOpen,
		models.StatusAcknowledged,
		models.StatusResolved,
		models.StatusFalsePositive,
	} {
		if from.CanTransition(target) {
			sources = append(sources, from)
		}
	}
	return sources
}

// ListAlerts returns a filtered, paginated alert list, newest first.
func (r *PostgresAlertRepository) ListAlerts(ctx context.Context, filters AlertFilters, page, size int) ([]*models.BiometricAlert, int, error) {
	where := []string{"TRUE"}
	args := []interface{}{}
	argN := 1

	if filters.PatientID != nil {
		where = append(where, fmt.Sprintf("patient_id = $%d", argN))
		args = append(args, *filters.PatientID)
		argN++
	}
	if filters.RuleID != nil {
		where = append(where, fmt.Sprintf("rule_id = $%d", argN))
		args = append(args, *filters.RuleID)
		argN++
	}
	if filters.Status != nil {
		where = append(where, fmt.Sprintf("resolution_status = $%d", argN))
		args = append(args, *filters.Status)
		argN++
	}
	if filters.Priority != nil {
		where = append(where, fmt.Sprintf("priority = $%d", argN))
		args = append(args, *filters.Priority)
		argN++
	}
	if filters.Since != nil {
		where = append(where, fmt.Sprintf("created_at >= $%d", argN))
		args = append(args, *filters.Since)
		argN++
	}
	if filters.Until != nil {
		where = append(where, fmt.Sprintf("created_at <= $%d", argN))
		args = append(args, *filters.Until)
		argN++
	}

	whereClause := strings.Join(where, " AND ")

	queryCount := fmt.Sprintf(`
		SELECT COUNT(*) FROM biometric_alerts WHERE %s
	`, whereClause)

	var total int
	if err := r.db.QueryRowContext(ctx, queryCount, args...).Scan(&total); err != nil {
		return nil, 0, persistenceErr("count_alerts", err)
	}

	if page <= 0 {
		page = 1
	}
	if size <= 0 {
		size = 20
	}
	offset := (page - 1) * size

	query := fmt.Sprintf(`
		SELECT %s
		FROM biometric_alerts
		WHERE %s
		ORDER BY created_at DESC
		LIMIT $%d OFFSET $%d
	`, alertColumns, whereClause, argN, argN+1)
	args = append(args, size, offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, persistenceErr("list_alerts", err)
	}
	defer rows.Close()

	alerts := []*models.BiometricAlert{}
	for rows.Next() {
		alert, err := scanAlert(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan alert: %w", err)
		}
		alerts = append(alerts, alert)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, persistenceErr("list_alerts", err)
	}

	return alerts, total, nil
}
