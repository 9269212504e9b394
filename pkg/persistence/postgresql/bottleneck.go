package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/castellanhq/castellan/pkg/models"
	"github.com/castellanhq/castellan/pkg/persistence"
)

// BottleneckRepository handles bottleneck rule, detection and run history
// database operations.
type BottleneckRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

const bottleneckRuleColumns = `
	id
  , name
  , description
  , entity_type
  , bottleneck_type
  , detection_config
  , filter_conditions
  , is_active
  , cooldown_hours
  , enable_warnings
  , warning_threshold_percentage
  , send_notification
  , notification_config
  , create_task
  , task_config
  , run_on_schedule
  , schedule_interval_minutes
  , next_run_at
  , last_run_at
  , created_at
  , updated_at
  , deleted_at
`

func (r *BottleneckRepository) BottleneckRules(ctx context.Context) ([]*models.BottleneckRule, error) {
	return r.queryBottleneckRules(ctx, "deleted_at IS NULL", nil)
}

func (r *BottleneckRepository) DueBottleneckRules(ctx context.Context, now time.Time) ([]*models.BottleneckRule, error) {
	where := `deleted_at IS NULL AND is_active AND run_on_schedule
		AND (next_run_at IS NULL OR next_run_at <= $1)`

	return r.queryBottleneckRules(ctx, where, []any{now})
}

func (r *BottleneckRepository) queryBottleneckRules(ctx context.Context, where string, args []any) ([]*models.BottleneckRule, error) {
	query := "SELECT " + bottleneckRuleColumns + " FROM bottleneck_rules WHERE " + where +
		" ORDER BY created_at, id"

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query bottleneck rules: %w", err)
	}

	defer func() {
		err := rows.Close()
		if err != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", err)
		}
	}()

	rules := make([]*models.BottleneckRule, 0)

	for rows.Next() {
		rule, err := scanBottleneckRule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan bottleneck rule: %w", err)
		}

		rules = append(rules, rule)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating bottleneck rules: %w", err)
	}

	return rules, nil
}

func (r *BottleneckRepository) BottleneckRuleByID(ctx context.Context, id string) (*models.BottleneckRule, error) {
	query := "SELECT " + bottleneckRuleColumns + " FROM bottleneck_rules WHERE id = $1 AND deleted_at IS NULL"

	rule, err := scanBottleneckRule(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", persistence.ErrBottleneckRuleNotFound, id)
		}

		return nil, fmt.Errorf("failed to scan bottleneck rule: %w", err)
	}

	return rule, nil
}

func (r *BottleneckRepository) SaveBottleneckRule(ctx context.Context, rule *models.BottleneckRule) error {
	now := time.Now().UTC()

	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = now
	}

	rule.UpdatedAt = now

	if rule.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("failed to generate bottleneck rule ID: %w", err)
		}

		rule.ID = id.String()
	}

	detectionConfigJSON, err := json.Marshal(rule.DetectionConfig)
	if err != nil {
		return fmt.Errorf("failed to marshal detection config: %w", err)
	}

	filterConditionsJSON, err := json.Marshal(rule.FilterConditions)
	if err != nil {
		return fmt.Errorf("failed to marshal filter conditions: %w", err)
	}

	var notificationConfigJSON []byte
	if rule.NotificationConfig != nil {
		notificationConfigJSON, err = json.Marshal(rule.NotificationConfig)
		if err != nil {
			return fmt.Errorf("failed to marshal notification config: %w", err)
		}
	}

	var taskConfigJSON []byte
	if rule.TaskConfig != nil {
		taskConfigJSON, err = json.Marshal(rule.TaskConfig)
		if err != nil {
			return fmt.Errorf("failed to marshal task config: %w", err)
		}
	}

	query := `
		INSERT INTO bottleneck_rules (id, name, description, entity_type, bottleneck_type,
			detection_config, filter_conditions, is_active, cooldown_hours, enable_warnings,
			warning_threshold_percentage, send_notification, notification_config, create_task,
			task_config, run_on_schedule, schedule_interval_minutes, next_run_at, last_run_at,
			created_at, updated_at, deleted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17,
			$18, $19, $20, $21, $22)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			description = EXCLUDED.description,
			entity_type = EXCLUDED.entity_type,
			bottleneck_type = EXCLUDED.bottleneck_type,
			detection_config = EXCLUDED.detection_config,
			filter_conditions = EXCLUDED.filter_conditions,
			is_active = EXCLUDED.is_active,
			cooldown_hours = EXCLUDED.cooldown_hours,
			enable_warnings = EXCLUDED.enable_warnings,
			warning_threshold_percentage = EXCLUDED.warning_threshold_percentage,
			send_notification = EXCLUDED.send_notification,
			notification_config = EXCLUDED.notification_config,
			create_task = EXCLUDED.create_task,
			task_config = EXCLUDED.task_config,
			run_on_schedule = EXCLUDED.run_on_schedule,
			schedule_interval_minutes = EXCLUDED.schedule_interval_minutes,
			next_run_at = EXCLUDED.next_run_at,
			last_run_at = EXCLUDED.last_run_at,
			updated_at = EXCLUDED.updated_at,
			deleted_at = EXCLUDED.deleted_at
	`

	_, err = r.db.ExecContext(ctx, query,
		rule.ID,
		rule.Name,
		rule.Description,
		rule.EntityType,
		rule.BottleneckType,
		detectionConfigJSON,
		filterConditionsJSON,
		rule.IsActive,
		rule.CooldownHours,
		rule.EnableWarnings,
		rule.WarningThresholdPercentage,
		rule.SendNotification,
		nullableJSON(notificationConfigJSON),
		rule.CreateTask,
		nullableJSON(taskConfigJSON),
		rule.RunOnSchedule,
		rule.ScheduleIntervalMinutes,
		rule.NextRunAt,
		rule.LastRunAt,
		rule.CreatedAt,
		rule.UpdatedAt,
		rule.DeletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save bottleneck rule: %w", err)
	}

	return nil
}

func (r *BottleneckRepository) DeleteBottleneckRule(ctx context.Context, id string) error {
	query := `UPDATE bottleneck_rules SET deleted_at = NOW(), is_active = FALSE
		WHERE id = $1 AND deleted_at IS NULL`

	result, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to delete bottleneck rule: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return fmt.Errorf("%w: %s", persistence.ErrBottleneckRuleNotFound, id)
	}

	return nil
}

const detectionColumns = `
	id
  , rule_id
  , entity_type
  , entity_id
  , severity
  , current_value
  , threshold_value
  , projected_breach_at
  , notification_sent
  , task_created
  , task_id
  , is_resolved
  , resolved_at
  , resolved_by
  , detected_at
  , updated_at
`

func (r *BottleneckRepository) UnresolvedDetection(ctx context.Context, ruleID, entityID string) (*models.BottleneckDetection, error) {
	query := "SELECT " + detectionColumns + ` FROM bottleneck_detections
		WHERE rule_id = $1 AND entity_id = $2 AND NOT is_resolved`

	detection, err := scanDetection(r.db.QueryRowContext(ctx, query, ruleID, entityID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}

		return nil, fmt.Errorf("failed to scan detection: %w", err)
	}

	return detection, nil
}

func (r *BottleneckRepository) LatestDetection(ctx context.Context, ruleID, entityID string) (*models.BottleneckDetection, error) {
	query := "SELECT " + detectionColumns + ` FROM bottleneck_detections
		WHERE rule_id = $1 AND entity_id = $2
		ORDER BY detected_at DESC
		LIMIT 1`

	detection, err := scanDetection(r.db.QueryRowContext(ctx, query, ruleID, entityID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}

		return nil, fmt.Errorf("failed to scan detection: %w", err)
	}

	return detection, nil
}

// SaveDetection upserts against the partial unique index on unresolved
// (rule_id, entity_id) pairs, so concurrent scans cannot create duplicate
// unresolved detections.
func (r *BottleneckRepository) SaveDetection(ctx context.Context, detection *models.BottleneckDetection) error {
	now := time.Now().UTC()

	if detection.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("failed to generate detection ID: %w", err)
		}

		detection.ID = id.String()
	}

	if detection.DetectedAt.IsZero() {
		detection.DetectedAt = now
	}

	detection.UpdatedAt = now

	query := `
		INSERT INTO bottleneck_detections (id, rule_id, entity_type, entity_id, severity,
			current_value, threshold_value, projected_breach_at, notification_sent,
			task_created, task_id, is_resolved, resolved_at, resolved_by, detected_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (rule_id, entity_id) WHERE NOT is_resolved DO UPDATE SET
			severity = EXCLUDED.severity,
			current_value = EXCLUDED.current_value,
			threshold_value = EXCLUDED.threshold_value,
			projected_breach_at = EXCLUDED.projected_breach_at,
			notification_sent = bottleneck_detections.notification_sent OR EXCLUDED.notification_sent,
			task_created = bottleneck_detections.task_created OR EXCLUDED.task_created,
			task_id = CASE WHEN EXCLUDED.task_id <> '' THEN EXCLUDED.task_id
				ELSE bottleneck_detections.task_id END,
			is_resolved = EXCLUDED.is_resolved,
			resolved_at = EXCLUDED.resolved_at,
			resolved_by = EXCLUDED.resolved_by,
			updated_at = EXCLUDED.updated_at
		RETURNING id, detected_at, notification_sent, task_created
	`

	err := r.db.QueryRowContext(ctx, query,
		detection.ID,
		detection.RuleID,
		detection.EntityType,
		detection.EntityID,
		detection.Severity,
		detection.CurrentValue,
		detection.ThresholdValue,
		detection.ProjectedBreachAt,
		detection.NotificationSent,
		detection.TaskCreated,
		detection.TaskID,
		detection.IsResolved,
		detection.ResolvedAt,
		detection.ResolvedBy,
		detection.DetectedAt,
		detection.UpdatedAt,
	).Scan(&detection.ID, &detection.DetectedAt, &detection.NotificationSent, &detection.TaskCreated)
	if err != nil {
		return fmt.Errorf("failed to save detection: %w", err)
	}

	return nil
}

func (r *BottleneckRepository) ResolveDetection(ctx context.Context, id, resolvedBy string, at time.Time) error {
	query := `
		UPDATE bottleneck_detections SET
			is_resolved = TRUE,
			resolved_at = $2,
			resolved_by = $3,
			updated_at = NOW()
		WHERE id = $1
	`

	result, err := r.db.ExecContext(ctx, query, id, at, resolvedBy)
	if err != nil {
		return fmt.Errorf("failed to resolve detection: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return fmt.Errorf("%w: %s", persistence.ErrDetectionNotFound, id)
	}

	return nil
}

func (r *BottleneckRepository) UnresolvedDetectionsByRule(ctx context.Context, ruleID string) ([]*models.BottleneckDetection, error) {
	query := "SELECT " + detectionColumns + ` FROM bottleneck_detections
		WHERE rule_id = $1 AND NOT is_resolved
		ORDER BY detected_at DESC`

	rows, err := r.db.QueryContext(ctx, query, ruleID)
	if err != nil {
		return nil, fmt.Errorf("failed to query detections: %w", err)
	}

	defer func() {
		err := rows.Close()
		if err != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", err)
		}
	}()

	detections := make([]*models.BottleneckDetection, 0)

	for rows.Next() {
		detection, err := scanDetection(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan detection: %w", err)
		}

		detections = append(detections, detection)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating detections: %w", err)
	}

	return detections, nil
}

func (r *BottleneckRepository) ListDetections(ctx context.Context, filter persistence.DetectionFilter) ([]*models.BottleneckDetection, int, error) {
	where := "TRUE"
	args := make([]any, 0, 5)

	appendArg := func(clause string, value any) {
		args = append(args, value)
		where += " AND " + clause + " $" + strconv.Itoa(len(args))
	}

	if filter.RuleID != "" {
		appendArg("rule_id =", filter.RuleID)
	}

	if filter.EntityType != "" {
		appendArg("entity_type =", filter.EntityType)
	}

	if filter.Severity != "" {
		appendArg("severity =", filter.Severity)
	}

	if filter.Unresolved {
		where += " AND NOT is_resolved"
	}

	if filter.Since != nil {
		appendArg("detected_at >=", *filter.Since)
	}

	if filter.Until != nil {
		appendArg("detected_at <=", *filter.Until)
	}

	var total int

	err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM bottleneck_detections WHERE "+where, args...).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to count detections: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}

	query := "SELECT " + detectionColumns + " FROM bottleneck_detections WHERE " + where +
		" ORDER BY detected_at DESC LIMIT " + strconv.Itoa(limit) + " OFFSET " + strconv.Itoa(offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query detections: %w", err)
	}

	defer func() {
		err := rows.Close()
		if err != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", err)
		}
	}()

	detections := make([]*models.BottleneckDetection, 0)

	for rows.Next() {
		detection, err := scanDetection(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan detection: %w", err)
		}

		detections = append(detections, detection)
	}

	err = rows.Err()
	if err != nil {
		return nil, 0, fmt.Errorf("error iterating detections: %w", err)
	}

	return detections, total, nil
}

func (r *BottleneckRepository) CreateRun(ctx context.Context, run *models.DetectionRun) error {
	if run.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("failed to generate run ID: %w", err)
		}

		run.ID = id.String()
	}

	var (
		snapshotJSON []byte
		err          error
	)

	if run.RuleSnapshot != nil {
		snapshotJSON, err = json.Marshal(run.RuleSnapshot)
		if err != nil {
			return fmt.Errorf("failed to marshal rule snapshot: %w", err)
		}
	}

	entityIDsJSON, err := json.Marshal(run.EntityIDs)
	if err != nil {
		return fmt.Errorf("failed to marshal entity IDs: %w", err)
	}

	query := `
		INSERT INTO detection_runs (id, rule_id, rule_snapshot, entities_scanned,
			entities_matched, entities_in_cooldown, detections_created, detections_resolved,
			notifications_sent, tasks_created, entity_ids, trigger, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`

	_, err = r.db.ExecContext(ctx, query,
		run.ID,
		run.RuleID,
		nullableJSON(snapshotJSON),
		run.EntitiesScanned,
		run.EntitiesMatched,
		run.EntitiesInCooldown,
		run.DetectionsCreated,
		run.DetectionsResolved,
		run.NotificationsSent,
		run.TasksCreated,
		entityIDsJSON,
		run.Trigger,
		run.StartedAt,
		run.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create detection run: %w", err)
	}

	return nil
}

func (r *BottleneckRepository) RunsByRule(ctx context.Context, ruleID string, limit int) ([]*models.DetectionRun, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	query := `
		SELECT id, rule_id, rule_snapshot, entities_scanned, entities_matched,
			entities_in_cooldown, detections_created, detections_resolved,
			notifications_sent, tasks_created, entity_ids, trigger, started_at, finished_at
		FROM detection_runs
		WHERE rule_id = $1
		ORDER BY started_at DESC
		LIMIT ` + strconv.Itoa(limit)

	rows, err := r.db.QueryContext(ctx, query, ruleID)
	if err != nil {
		return nil, fmt.Errorf("failed to query detection runs: %w", err)
	}

	defer func() {
		err := rows.Close()
		if err != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", err)
		}
	}()

	runs := make([]*models.DetectionRun, 0)

	for rows.Next() {
		var (
			run           models.DetectionRun
			snapshotJSON  []byte
			entityIDsJSON []byte
		)

		err := rows.Scan(
			&run.ID,
			&run.RuleID,
			&snapshotJSON,
			&run.EntitiesScanned,
			&run.EntitiesMatched,
			&run.EntitiesInCooldown,
			&run.DetectionsCreated,
			&run.DetectionsResolved,
			&run.NotificationsSent,
			&run.TasksCreated,
			&entityIDsJSON,
			&run.Trigger,
			&run.StartedAt,
			&run.FinishedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan detection run: %w", err)
		}

		if len(snapshotJSON) > 0 {
			run.RuleSnapshot = &models.BottleneckRule{}

			err = json.Unmarshal(snapshotJSON, run.RuleSnapshot)
			if err != nil {
				return nil, fmt.Errorf("failed to unmarshal rule snapshot: %w", err)
			}
		}

		err = json.Unmarshal(entityIDsJSON, &run.EntityIDs)
		if err != nil {
			return nil, fmt.Errorf("failed to unmarshal entity IDs: %w", err)
		}

		runs = append(runs, &run)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating detection runs: %w", err)
	}

	return runs, nil
}

func scanDetection(row interface{ Scan(...any) error }) (*models.BottleneckDetection, error) {
	var (
		detection         models.BottleneckDetection
		projectedBreachAt sql.NullTime
		resolvedAt        sql.NullTime
	)

	err := row.Scan(
		&detection.ID,
		&detection.RuleID,
		&detection.EntityType,
		&detection.EntityID,
		&detection.Severity,
		&detection.CurrentValue,
		&detection.ThresholdValue,
		&projectedBreachAt,
		&detection.NotificationSent,
		&detection.TaskCreated,
		&detection.TaskID,
		&detection.IsResolved,
		&resolvedAt,
		&detection.ResolvedBy,
		&detection.DetectedAt,
		&detection.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	detection.ProjectedBreachAt = timePtr(projectedBreachAt)
	detection.ResolvedAt = timePtr(resolvedAt)

	return &detection, nil
}

func scanBottleneckRule(row interface{ Scan(...any) error }) (*models.BottleneckRule, error) {
	var (
		rule                   models.BottleneckRule
		detectionConfigJSON    []byte
		filterConditionsJSON   []byte
		notificationConfigJSON []byte
		taskConfigJSON         []byte
		nextRunAt              sql.NullTime
		lastRunAt              sql.NullTime
		deletedAt              sql.NullTime
	)

	err := row.Scan(
		&rule.ID,
		&rule.Name,
		&rule.Description,
		&rule.EntityType,
		&rule.BottleneckType,
		&detectionConfigJSON,
		&filterConditionsJSON,
		&rule.IsActive,
		&rule.CooldownHours,
		&rule.EnableWarnings,
		&rule.WarningThresholdPercentage,
		&rule.SendNotification,
		&notificationConfigJSON,
		&rule.CreateTask,
		&taskConfigJSON,
		&rule.RunOnSchedule,
		&rule.ScheduleIntervalMinutes,
		&nextRunAt,
		&lastRunAt,
		&rule.CreatedAt,
		&rule.UpdatedAt,
		&deletedAt,
	)
	if err != nil {
		return nil, err
	}

	err = json.Unmarshal(detectionConfigJSON, &rule.DetectionConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal detection config: %w", err)
	}

	err = json.Unmarshal(filterConditionsJSON, &rule.FilterConditions)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal filter conditions: %w", err)
	}

	if len(notificationConfigJSON) > 0 {
		rule.NotificationConfig = &models.DetectionNotificationConfig{}

		err = json.Unmarshal(notificationConfigJSON, rule.NotificationConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to unmarshal notification config: %w", err)
		}
	}

	if len(taskConfigJSON) > 0 {
		rule.TaskConfig = &models.DetectionTaskConfig{}

		err = json.Unmarshal(taskConfigJSON, rule.TaskConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to unmarshal task config: %w", err)
		}
	}

	rule.NextRunAt = timePtr(nextRunAt)
	rule.LastRunAt = timePtr(lastRunAt)
	rule.DeletedAt = timePtr(deletedAt)

	return &rule, nil
}
