// Package rules is the thin management surface over the rule
// repository: creation, edits with version bumps, activation toggles.
// All validation happens here, at write time, so the engine can assume
// well-formed, cycle-free rules.
package rules

import (
	"context"
	"fmt"
	"time"

	"vitalwatch/internal/engine"
	"vitalwatch/internal/models"
	"vitalwatch/internal/repository"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Service manages alert rules.
type Service struct {
	repo   repository.RuleRepository
	logger *zap.Logger
}

// NewService creates the service.
func NewService(repo repository.RuleRepository, logger *zap.Logger) *Service {
	return &Service{
		repo:   repo,
		logger: logger,
	}
}

// Create validates and stores a new rule at version 1.
func (s *Service) Create(ctx context.Context, rule *models.AlertRule) error {
	if rule == nil {
		return &models.ValidationError{Field: "rule", Reason: "is required"}
	}
	if rule.RuleID == "" {
		rule.RuleID = uuid.New().String()
	}

	now := time.Now()
	rule.CreatedAt = now
	rule.UpdatedAt = now
	rule.Version = 1

	if err := rule.Validate(); err != nil {
		return err
	}
	if err := engine.ValidateCompositeRule(ctx, s.repo, rule); err != nil {
		return err
	}

	if err := s.repo.CreateRule(ctx, rule); err != nil {
		return fmt.Errorf("failed to create rule: %w", err)
	}

	s.logger.Info("Rule created",
		zap.String("rule_id", rule.RuleID),
		zap.String("name", rule.Name),
		zap.String("priority", string(rule.Priority)),
		zap.Bool("global", rule.IsGlobal()),
	)
	return nil
}

// Update validates and stores an edited rule. The version increases
// strictly on every condition edit, so historical alerts keep their
// firing-time snapshot meaningful.
func (s *Service) Update(ctx context.Context, rule *models.AlertRule) error {
	if rule == nil {
		return &models.ValidationError{Field: "rule", Reason: "is required"}
	}
	if rule.RuleID == "" {
		return &models.ValidationError{Field: "rule_id", Reason: "is required"}
	}

	current, err := s.repo.GetRule(ctx, rule.RuleID)
	if err != nil {
		return err
	}

	// Scope and rule type are immutable once created.
	rule.PatientID = current.PatientID
	rule.Type = current.Type
	rule.CreatedBy = current.CreatedBy
	rule.CreatedAt = current.CreatedAt

	if err := rule.Validate(); err != nil {
		return err
	}
	if err := engine.ValidateCompositeRule(ctx, s.repo, rule); err != nil {
		return err
	}

	// Every edit bumps the version; condition edits must, and a
	// uniform bump keeps the optimistic write simple.
	rule.Version = current.Version + 1
	rule.UpdatedAt = time.Now()

	if err := s.repo.UpdateRule(ctx, rule); err != nil {
		return fmt.Errorf("failed to update rule: %w", err)
	}

	s.logger.Info("Rule updated",
		zap.String("rule_id", rule.RuleID),
		zap.Int("version", rule.Version),
	)
	return nil
}

// SetActive toggles a rule without changing its version.
func (s *Service) SetActive(ctx context.Context, ruleID string, active bool) error {
	if err := s.repo.SetRuleActive(ctx, ruleID, active); err != nil {
		return err
	}
	s.logger.Info("Rule activation changed",
		zap.String("rule_id", ruleID),
		zap.Bool("active", active),
	)
	return nil
}

// Get returns one rule.
func (s *Service) Get(ctx context.Context, ruleID string) (*models.AlertRule, error) {
	return s.repo.GetRule(ctx, ruleID)
}

// List returns a patient's rules, or global rules for an empty id.
func (s *Service) List(ctx context.Context, patientID string) ([]models.AlertRule, error) {
	return s.repo.ListRules(ctx, patientID)
}
