package file

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/castellanhq/castellan/pkg/models"
	"github.com/castellanhq/castellan/pkg/persistence"
	"github.com/google/uuid"
)

const rulesCollection = "rules"

// RuleRepository handles automation rule file operations.
type RuleRepository struct {
	p *Persistence
}

func (r *RuleRepository) Rules(ctx context.Context) ([]*models.AutomationRule, error) {
	rules, err := readAll[models.AutomationRule](r.p, rulesCollection)
	if err != nil {
		return nil, err
	}

	out := make([]*models.AutomationRule, 0, len(rules))

	for _, rule := range rules {
		if rule.DeletedAt == nil {
			out = append(out, rule)
		}
	}

	sortRules(out)

	return out, nil
}

func (r *RuleRepository) ActiveRules(ctx context.Context) ([]*models.AutomationRule, error) {
	rules, err := r.Rules(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]*models.AutomationRule, 0, len(rules))

	for _, rule := range rules {
		if rule.IsActive {
			out = append(out, rule)
		}
	}

	return out, nil
}

func (r *RuleRepository) RuleByID(_ context.Context, id string) (*models.AutomationRule, error) {
	rule := new(models.AutomationRule)

	found, err := r.p.read(rulesCollection, id, rule)
	if err != nil {
		return nil, err
	}

	if !found || rule.DeletedAt != nil {
		return nil, fmt.Errorf("%w: %s", persistence.ErrRuleNotFound, id)
	}

	return rule, nil
}

func (r *RuleRepository) SaveRule(_ context.Context, rule *models.AutomationRule) error {
	now := time.Now().UTC()

	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = now
	}

	rule.UpdatedAt = now

	if rule.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("failed to generate rule ID: %w", err)
		}

		rule.ID = id.String()
	}

	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	return r.p.write(rulesCollection, rule.ID, rule)
}

// DeleteRule soft deletes so executions keep a valid owner reference.
func (r *RuleRepository) DeleteRule(ctx context.Context, id string) error {
	rule, err := r.RuleByID(ctx, id)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	rule.DeletedAt = &now
	rule.IsActive = false

	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	return r.p.write(rulesCollection, rule.ID, rule)
}

func (r *RuleRepository) IncrementCounters(ctx context.Context, ruleID string, success bool, triggeredAt time.Time) error {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	rule := new(models.AutomationRule)

	found, err := r.p.read(rulesCollection, ruleID, rule)
	if err != nil {
		return err
	}

	if !found {
		return fmt.Errorf("%w: %s", persistence.ErrRuleNotFound, ruleID)
	}

	rule.TotalExecutions++

	if success {
		rule.TotalSuccess++
	} else {
		rule.TotalFailed++
	}

	rule.LastTriggeredAt = &triggeredAt

	return r.p.write(rulesCollection, rule.ID, rule)
}

func sortRules(rules []*models.AutomationRule) {
	sort.Slice(rules, func(i, j int) bool {
		if rules[i].CreatedAt.Equal(rules[j].CreatedAt) {
			return rules[i].ID < rules[j].ID
		}

		return rules[i].CreatedAt.Before(rules[j].CreatedAt)
	})
}
