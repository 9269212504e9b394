package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/castellanhq/castellan/pkg/models"
	"github.com/castellanhq/castellan/pkg/persistence"
)

// RuleRepository handles automation rule database operations.
type RuleRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

const ruleColumns = `
	id
  , name
  , description
  , trigger_type
  , trigger_model
  , trigger_signal
  , trigger_conditions
  , schedule_config
  , action_type
  , action_config
  , is_active
  , total_executions
  , total_success
  , total_failed
  , last_triggered_at
  , created_by
  , created_at
  , updated_at
  , deleted_at
`

func (r *RuleRepository) Rules(ctx context.Context) ([]*models.AutomationRule, error) {
	return r.queryRules(ctx, "deleted_at IS NULL")
}

func (r *RuleRepository) ActiveRules(ctx context.Context) ([]*models.AutomationRule, error) {
	return r.queryRules(ctx, "deleted_at IS NULL AND is_active")
}

func (r *RuleRepository) queryRules(ctx context.Context, where string) ([]*models.AutomationRule, error) {
	query := "SELECT " + ruleColumns + " FROM automation_rules WHERE " + where +
		" ORDER BY created_at, id"

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query rules: %w", err)
	}

	defer func() {
		err := rows.Close()
		if err != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", err)
		}
	}()

	rules := make([]*models.AutomationRule, 0)

	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}

		rules = append(rules, rule)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating rules: %w", err)
	}

	return rules, nil
}

func (r *RuleRepository) RuleByID(ctx context.Context, id string) (*models.AutomationRule, error) {
	query := "SELECT " + ruleColumns + " FROM automation_rules WHERE id = $1 AND deleted_at IS NULL"

	rule, err := scanRule(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", persistence.ErrRuleNotFound, id)
		}

		return nil, fmt.Errorf("failed to scan rule: %w", err)
	}

	return rule, nil
}

func (r *RuleRepository) SaveRule(ctx context.Context, rule *models.AutomationRule) error {
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

	conditionsJSON, err := json.Marshal(rule.TriggerConditions)
	if err != nil {
		return fmt.Errorf("failed to marshal trigger conditions: %w", err)
	}

	var scheduleJSON []byte
	if rule.ScheduleConfig != nil {
		scheduleJSON, err = json.Marshal(rule.ScheduleConfig)
		if err != nil {
			return fmt.Errorf("failed to marshal schedule config: %w", err)
		}
	}

	actionConfigJSON, err := json.Marshal(rule.ActionConfig)
	if err != nil {
		return fmt.Errorf("failed to marshal action config: %w", err)
	}

	query := `
		INSERT INTO automation_rules (id, name, description, trigger_type, trigger_model,
			trigger_signal, trigger_conditions, schedule_config, action_type, action_config,
			is_active, total_executions, total_success, total_failed, last_triggered_at,
			created_by, created_at, updated_at, deleted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			description = EXCLUDED.description,
			trigger_type = EXCLUDED.trigger_type,
			trigger_model = EXCLUDED.trigger_model,
			trigger_signal = EXCLUDED.trigger_signal,
			trigger_conditions = EXCLUDED.trigger_conditions,
			schedule_config = EXCLUDED.schedule_config,
			action_type = EXCLUDED.action_type,
			action_config = EXCLUDED.action_config,
			is_active = EXCLUDED.is_active,
			updated_at = EXCLUDED.updated_at,
			deleted_at = EXCLUDED.deleted_at
	`

	_, err = r.db.ExecContext(ctx, query,
		rule.ID,
		rule.Name,
		rule.Description,
		rule.TriggerType,
		rule.TriggerModel,
		rule.TriggerSignal,
		conditionsJSON,
		nullableJSON(scheduleJSON),
		rule.ActionType,
		actionConfigJSON,
		rule.IsActive,
		rule.TotalExecutions,
		rule.TotalSuccess,
		rule.TotalFailed,
		rule.LastTriggeredAt,
		rule.CreatedBy,
		rule.CreatedAt,
		rule.UpdatedAt,
		rule.DeletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save rule: %w", err)
	}

	return nil
}

// DeleteRule soft deletes a rule so its executions stay attributable.
func (r *RuleRepository) DeleteRule(ctx context.Context, id string) error {
	query := `UPDATE automation_rules SET deleted_at = NOW(), is_active = FALSE
		WHERE id = $1 AND deleted_at IS NULL`

	result, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to delete rule: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return fmt.Errorf("%w: %s", persistence.ErrRuleNotFound, id)
	}

	return nil
}

// IncrementCounters bumps the execution counters in a single statement so
// total_executions always equals total_success + total_failed.
func (r *RuleRepository) IncrementCounters(ctx context.Context, ruleID string, success bool, triggeredAt time.Time) error {
	query := `
		UPDATE automation_rules SET
			total_executions = total_executions + 1,
			total_success = total_success + CASE WHEN $2 THEN 1 ELSE 0 END,
			total_failed = total_failed + CASE WHEN $2 THEN 0 ELSE 1 END,
			last_triggered_at = $3,
			updated_at = NOW()
		WHERE id = $1
	`

	result, err := r.db.ExecContext(ctx, query, ruleID, success, triggeredAt)
	if err != nil {
		return fmt.Errorf("failed to increment rule counters: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return fmt.Errorf("%w: %s", persistence.ErrRuleNotFound, ruleID)
	}

	return nil
}

func scanRule(row interface{ Scan(...any) error }) (*models.AutomationRule, error) {
	var (
		rule             models.AutomationRule
		conditionsJSON   []byte
		scheduleJSON     []byte
		actionConfigJSON []byte
		lastTriggeredAt  sql.NullTime
		deletedAt        sql.NullTime
	)

	err := row.Scan(
		&rule.ID,
		&rule.Name,
		&rule.Description,
		&rule.TriggerType,
		&rule.TriggerModel,
		&rule.TriggerSignal,
		&conditionsJSON,
		&scheduleJSON,
		&rule.ActionType,
		&actionConfigJSON,
		&rule.IsActive,
		&rule.TotalExecutions,
		&rule.TotalSuccess,
		&rule.TotalFailed,
		&lastTriggeredAt,
		&rule.CreatedBy,
		&rule.CreatedAt,
		&rule.UpdatedAt,
		&deletedAt,
	)
	if err != nil {
		return nil, err
	}

	err = json.Unmarshal(conditionsJSON, &rule.TriggerConditions)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal trigger conditions: %w", err)
	}

	if len(scheduleJSON) > 0 {
		rule.ScheduleConfig = &models.ScheduleConfig{}

		err = json.Unmarshal(scheduleJSON, rule.ScheduleConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to unmarshal schedule config: %w", err)
		}
	}

	err = json.Unmarshal(actionConfigJSON, &rule.ActionConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal action config: %w", err)
	}

	rule.LastTriggeredAt = timePtr(lastTriggeredAt)
	rule.DeletedAt = timePtr(deletedAt)

	return &rule, nil
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}

	value := t.Time

	return &value
}

// nullableJSON turns an empty marshal result into SQL NULL.
func nullableJSON(data []byte) any {
	if len(data) == 0 {
		return nil
	}

	return data
}
