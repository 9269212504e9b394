package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/castellanhq/castellan/pkg/models"
	"github.com/castellanhq/castellan/pkg/persistence"
)

// ExecutionRepository handles the append-only execution log.
type ExecutionRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

const executionColumns = `
	id
  , rule_id
  , rule_snapshot
  , status
  , is_test
  , trigger_data
  , action_result
  , error_message
  , dedupe_key
  , execution_time_ms
  , started_at
  , finished_at
`

func (r *ExecutionRepository) CreateExecution(ctx context.Context, execution *models.RuleExecution) error {
	snapshotJSON, err := json.Marshal(execution.Rule)
	if err != nil {
		return fmt.Errorf("failed to marshal rule snapshot: %w", err)
	}

	triggerDataJSON, err := json.Marshal(execution.TriggerData)
	if err != nil {
		return fmt.Errorf("failed to marshal trigger data: %w", err)
	}

	var resultJSON []byte
	if execution.ActionResult != nil {
		resultJSON, err = json.Marshal(execution.ActionResult)
		if err != nil {
			return fmt.Errorf("failed to marshal action result: %w", err)
		}
	}

	query := `
		INSERT INTO rule_executions (id, rule_id, rule_snapshot, status, is_test,
			trigger_data, action_result, error_message, dedupe_key, execution_time_ms,
			started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`

	_, err = r.db.ExecContext(ctx, query,
		execution.ID,
		execution.RuleID,
		snapshotJSON,
		execution.Status,
		execution.IsTest,
		triggerDataJSON,
		nullableJSON(resultJSON),
		execution.ErrorMessage,
		execution.DedupeKey,
		execution.ExecutionTimeMs,
		execution.StartedAt,
		execution.FinishedAt,
	)
	if err != nil {
		if isUniqueViolation(err, "idx_rule_executions_dedupe_key") {
			return fmt.Errorf("%w: %s", persistence.ErrDuplicateExecution, execution.DedupeKey)
		}

		return fmt.Errorf("failed to create execution: %w", err)
	}

	return nil
}

func (r *ExecutionRepository) UpdateExecution(ctx context.Context, execution *models.RuleExecution) error {
	var (
		resultJSON []byte
		err        error
	)

	if execution.ActionResult != nil {
		resultJSON, err = json.Marshal(execution.ActionResult)
		if err != nil {
			return fmt.Errorf("failed to marshal action result: %w", err)
		}
	}

	query := `
		UPDATE rule_executions SET
			status = $2,
			action_result = $3,
			error_message = $4,
			execution_time_ms = $5,
			finished_at = $6
		WHERE id = $1
	`

	result, err := r.db.ExecContext(ctx, query,
		execution.ID,
		execution.Status,
		nullableJSON(resultJSON),
		execution.ErrorMessage,
		execution.ExecutionTimeMs,
		execution.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update execution: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return fmt.Errorf("%w: %s", persistence.ErrExecutionNotFound, execution.ID)
	}

	return nil
}

func (r *ExecutionRepository) ExecutionByID(ctx context.Context, id string) (*models.RuleExecution, error) {
	query := "SELECT " + executionColumns + " FROM rule_executions WHERE id = $1"

	execution, err := scanExecution(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", persistence.ErrExecutionNotFound, id)
		}

		return nil, fmt.Errorf("failed to scan execution: %w", err)
	}

	return execution, nil
}

func (r *ExecutionRepository) ListExecutions(ctx context.Context, filter persistence.ExecutionFilter) ([]*models.RuleExecution, int, error) {
	where := "TRUE"
	args := make([]any, 0, 6)

	appendArg := func(clause string, value any) {
		args = append(args, value)
		where += " AND " + clause + " $" + strconv.Itoa(len(args))
	}

	if filter.RuleID != "" {
		appendArg("rule_id =", filter.RuleID)
	}

	if filter.Status != "" {
		appendArg("status =", filter.Status)
	}

	if filter.Model != "" {
		appendArg("trigger_data->>'model' =", filter.Model)
	}

	if filter.Since != nil {
		appendArg("started_at >=", *filter.Since)
	}

	if filter.Until != nil {
		appendArg("started_at <=", *filter.Until)
	}

	var total int

	err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM rule_executions WHERE "+where, args...).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to count executions: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}

	query := "SELECT " + executionColumns + " FROM rule_executions WHERE " + where +
		" ORDER BY started_at DESC LIMIT " + strconv.Itoa(limit) + " OFFSET " + strconv.Itoa(offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query executions: %w", err)
	}

	defer func() {
		err := rows.Close()
		if err != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", err)
		}
	}()

	executions := make([]*models.RuleExecution, 0)

	for rows.Next() {
		execution, err := scanExecution(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan execution: %w", err)
		}

		executions = append(executions, execution)
	}

	err = rows.Err()
	if err != nil {
		return nil, 0, fmt.Errorf("error iterating executions: %w", err)
	}

	return executions, total, nil
}

func scanExecution(row interface{ Scan(...any) error }) (*models.RuleExecution, error) {
	var (
		execution       models.RuleExecution
		snapshotJSON    []byte
		triggerDataJSON []byte
		resultJSON      []byte
		finishedAt      sql.NullTime
	)

	err := row.Scan(
		&execution.ID,
		&execution.RuleID,
		&snapshotJSON,
		&execution.Status,
		&execution.IsTest,
		&triggerDataJSON,
		&resultJSON,
		&execution.ErrorMessage,
		&execution.DedupeKey,
		&execution.ExecutionTimeMs,
		&execution.StartedAt,
		&finishedAt,
	)
	if err != nil {
		return nil, err
	}

	err = json.Unmarshal(snapshotJSON, &execution.Rule)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal rule snapshot: %w", err)
	}

	err = json.Unmarshal(triggerDataJSON, &execution.TriggerData)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal trigger data: %w", err)
	}

	if len(resultJSON) > 0 {
		execution.ActionResult = &models.ActionResult{}

		err = json.Unmarshal(resultJSON, execution.ActionResult)
		if err != nil {
			return nil, fmt.Errorf("failed to unmarshal action result: %w", err)
		}
	}

	execution.FinishedAt = timePtr(finishedAt)

	return &execution, nil
}
