package engine

import (
	"context"
	"fmt"

	"vitalwatch/internal/models"
	"vitalwatch/internal/repository"
)

// evaluateComposite combines the results of the named sub-rules with
// the boolean operator from the condition expression. Cycle freedom is
// validated at rule creation, not here.
func (e *Engine) evaluateComposite(ctx context.Context, rule *models.AlertRule, event *models.BiometricEvent, depth int) (bool, error) {
	expr := rule.Condition.Expression
	if expr == nil {
		return false, &models.EvaluationError{RuleID: rule.RuleID, Err: fmt.Errorf("composite rule has no expression")}
	}

	results := make([]bool, 0, len(expr.RuleIDs))
	for _, subID := range expr.RuleIDs {
		subRule, err := e.rules.GetRule(ctx, subID)
		if err != nil {
			return false, &models.EvaluationError{RuleID: rule.RuleID, Err: fmt.Errorf("sub-rule %s: %w", subID, err)}
		}
		fired, err := e.evaluate(ctx, subRule, event, depth+1)
		if err != nil {
			return false, &models.EvaluationError{RuleID: rule.RuleID, Err: fmt.Errorf("sub-rule %s: %w", subID, err)}
		}
		results = append(results, fired)
	}

	switch expr.Op {
	case models.CompositeAnd:
		for _, fired := range results {
			if !fired {
				return false, nil
			}
		}
		return len(results) > 0, nil
	case models.CompositeOr:
		for _, fired := range results {
			if fired {
				return true, nil
			}
		}
		return false, nil
	case models.CompositeNot:
		if len(results) != 1 {
			return false, &models.EvaluationError{RuleID: rule.RuleID, Err: fmt.Errorf("not takes exactly one sub-rule")}
		}
		return !results[0], nil
	default:
		return false, &models.EvaluationError{RuleID: rule.RuleID, Err: fmt.Errorf("unknown composite operator: %s", expr.Op)}
	}
}

// ValidateCompositeRule rejects composite rules that transitively
// reference themselves. Called at rule creation; evaluation assumes a
// cycle-free graph. The candidate rule may not be stored yet, so its
// own expression seeds the walk.
func ValidateCompositeRule(ctx context.Context, rules repository.RuleRepository, rule *models.AlertRule) error {
	if rule.Type != models.RuleTypeComposite || rule.Condition.Expression == nil {
		return nil
	}

	visited := map[string]bool{rule.RuleID: true}

	var walk func(ids []string) error
	walk = func(ids []string) error {
		for _, id := range ids {
			if visited[id] {
				return &models.ValidationError{
					Field:  "condition.expression",
					Reason: fmt.Sprintf("composite rule cycle through %s", id),
				}
			}
			visited[id] = true
			sub, err := rules.GetRule(ctx, id)
			if err != nil {
				return &models.ValidationError{
					Field:  "condition.expression",
					Reason: fmt.Sprintf("sub-rule %s not found", id),
				}
			}
			if sub.Type == models.RuleTypeComposite && sub.Condition.Expression != nil {
				if err := walk(sub.Condition.Expression.RuleIDs); err != nil {
					return err
				}
			}
			delete(visited, id)
		}
		return nil
	}

	return walk(rule.Condition.Expression.RuleIDs)
}
