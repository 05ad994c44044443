package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"vitalwatch/internal/models"

	"go.uber.org/zap"
)

// PostgresRuleRepository stores alert rules in the alert_rules table.
// Rule conditions are kept as JSONB so clinician-authored payloads stay
// schemaless on the database side.
type PostgresRuleRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewPostgresRuleRepository creates the repository.
func NewPostgresRuleRepository(db *sql.DB, logger *zap.Logger) *PostgresRuleRepository {
	return &PostgresRuleRepository{
		db:     db,
		logger: logger,
	}
}

const ruleColumns = `
	rule_id,
	name,
	description,
	priority,
	rule_type,
	condition,
	patient_id,
	created_by,
	created_at,
	updated_at,
	version,
	is_active
`

// scanRule reads one rule row.
func scanRule(row interface {
	Scan(dest ...interface{}) error
}) (*models.AlertRule, error) {
	var rule models.AlertRule
	var description, patientID sql.NullString
	var condition []byte

	err := row.Scan(
		&rule.RuleID,
		&rule.Name,
		&description,
		&rule.Priority,
		&rule.Type,
		&condition,
		&patientID,
		&rule.CreatedBy,
		&rule.CreatedAt,
		&rule.UpdatedAt,
		&rule.Version,
		&rule.IsActive,
	)
	if err != nil {
		return nil, err
	}

	if description.Valid {
		rule.Description = description.String
	}
	if patientID.Valid {
		rule.PatientID = patientID.String
	}
	if len(condition) > 0 {
		if err := json.Unmarshal(condition, &rule.Condition); err != nil {
			return nil, fmt.Errorf("failed to unmarshal rule condition: %w", err)
		}
	}

	return &rule, nil
}

// GetRule fetches a single rule by rule_id.
func (r *PostgresRuleRepository) GetRule(ctx context.Context, ruleID string) (*models.AlertRule, error) {
	if ruleID == "" {
		return nil, fmt.Errorf("rule_id is required")
	}

	query := fmt.Sprintf(`SELECT %s FROM alert_rules WHERE rule_id = $1`, ruleColumns)

	rule, err := scanRule(r.db.QueryRowContext(ctx, query, ruleID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("%w: rule_id=%s", ErrRuleNotFound, ruleID)
		}
		return nil, persistenceErr("get_rule", err)
	}

	return rule, nil
}

// PatientRules returns active patient-scoped rules matching metricType.
func (r *PostgresRuleRepository) PatientRules(ctx context.Context, patientID, metricType string) ([]models.AlertRule, error) {
	if patientID == "" {
		return nil, fmt.Errorf("patient_id is required")
	}
	if metricType == "" {
		return nil, fmt.Errorf("metric_type is required")
	}

	query := fmt.Sprintf(`
		SELECT %s
		FROM alert_rules
		WHERE patient_id = $1
		  AND is_active = TRUE
		  AND (condition->>'data_type' = $2 OR rule_type = 'composite')
		ORDER BY created_at ASC
	`, ruleColumns)

	return r.queryRules(ctx, query, patientID, metricType)
}

// GlobalRules returns active global-scope rules matching metricType.
func (r *PostgresRuleRepository) GlobalRules(ctx context.Context, metricType string) ([]models.AlertRule, error) {
	if metricType == "" {
		return nil, fmt.Errorf("metric_type is required")
	}

	query := fmt.Sprintf(`
		SELECT %s
		FROM alert_rules
		WHERE patient_id IS NULL
		  AND is_active = TRUE
		  AND (condition->>'data_type' = $1 OR rule_type = 'composite')
		ORDER BY created_at ASC
	`, ruleColumns)

	return r.queryRules(ctx, query, metricType)
}

func (r *PostgresRuleRepository) queryRules(ctx context.Context, query string, args ...interface{}) ([]models.AlertRule, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, persistenceErr("query_rules", err)
	}
	defer rows.Close()

	rules := []models.AlertRule{}
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}
		rules = append(rules, *rule)
	}
	if err := rows.Err(); err != nil {
		return nil, persistenceErr("query_rules", err)
	}

	return rules, nil
}

// CreateRule inserts a new rule at version 1.
func (r *PostgresRuleRepository) CreateRule(ctx context.Context, rule *models.AlertRule) error {
	if rule == nil {
		return fmt.Errorf("rule is required")
	}
	if rule.RuleID == "" {
		return fmt.Errorf("rule_id is required")
	}

	conditionJSON, err := json.Marshal(rule.Condition)
	if err != nil {
		return fmt.Errorf("failed to marshal rule condition: %w", err)
	}

	query := `
		INSERT INTO alert_rules (
			rule_id, name, description, priority, rule_type, condition,
			patient_id, created_by, created_at, updated_at, version, is_active
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12
		)
	`

	_, err = r.db.ExecContext(ctx, query,
		rule.RuleID,
		rule.Name,
		nullString(rule.Description),
		rule.Priority,
		rule.Type,
		conditionJSON,
		nullString(rule.PatientID),
		rule.CreatedBy,
		rule.CreatedAt,
		rule.UpdatedAt,
		rule.Version,
		rule.IsActive,
	)
	if err != nil {
		return persistenceErr("create_rule", err)
	}

	return nil
}

// UpdateRule writes an edited rule. The write is conditional on the
// previous version so concurrent edits cannot silently overwrite.
func (r *PostgresRuleRepository) UpdateRule(ctx context.Context, rule *models.AlertRule) error {
	if rule == nil {
		return fmt.Errorf("rule is required")
	}
	if rule.RuleID == "" {
		return fmt.Errorf("rule_id is required")
	}

	conditionJSON, err := json.Marshal(rule.Condition)
	if err != nil {
		return fmt.Errorf("failed to marshal rule condition: %w", err)
	}

	query := `
		UPDATE alert_rules
		SET name = $1,
		    description = $2,
		    priority = $3,
		    condition = $4,
		    updated_at = $5,
		    version = $6,
		    is_active = $7
		WHERE rule_id = $8
		  AND version = $9
	`

	result, err := r.db.ExecContext(ctx, query,
		rule.Name,
		nullString(rule.Description),
		rule.Priority,
		conditionJSON,
		rule.UpdatedAt,
		rule.Version,
		rule.IsActive,
		rule.RuleID,
		rule.Version-1,
	)
	if err != nil {
		return persistenceErr("update_rule", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return persistenceErr("update_rule", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("rule not found or version conflict: rule_id=%s version=%d", rule.RuleID, rule.Version)
	}

	return nil
}

// SetRuleActive toggles is_active without bumping the version.
func (r *PostgresRuleRepository) SetRuleActive(ctx context.Context, ruleID string, active bool) error {
	if ruleID == "" {
		return fmt.Errorf("rule_id is required")
	}

	query := `
		UPDATE alert_rules
		SET is_active = $1,
		    updated_at = CURRENT_TIMESTAMP
		WHERE rule_id = $2
	`

	result, err := r.db.ExecContext(ctx, query, active, ruleID)
	if err != nil {
		return persistenceErr("set_rule_active", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return persistenceErr("set_rule_active", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("%w: rule_id=%s", ErrRuleNotFound, ruleID)
	}

	return nil
}

// ListRules returns all rules for one patient, or all global rules when
// patientID is empty.
func (r *PostgresRuleRepository) ListRules(ctx context.Context, patientID string) ([]models.AlertRule, error) {
	if patientID == "" {
		query := fmt.Sprintf(`
			SELECT %s FROM alert_rules
			WHERE patient_id IS NULL
			ORDER BY created_at ASC
		`, ruleColumns)
		return r.queryRules(ctx, query)
	}

	query := fmt.Sprintf(`
		SELECT %s FROM alert_rules
		WHERE patient_id = $1
		ORDER BY created_at ASC
	`, ruleColumns)
	return r.queryRules(ctx, query, patientID)
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
