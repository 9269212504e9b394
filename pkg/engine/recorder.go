package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/castellanhq/castellan/pkg/eventbus"
	"github.com/castellanhq/castellan/pkg/events"
	"github.com/castellanhq/castellan/pkg/models"
	"github.com/castellanhq/castellan/pkg/persistence"
)

// Recorder owns the execution log and the rule counters. Every firing goes
// through Begin/Complete so the counters and the log cannot drift apart.
type Recorder struct {
	persistence persistence.Persistence
	publisher   eventbus.EventPublisher
	logger      *slog.Logger
}

func NewRecorder(p persistence.Persistence, publisher eventbus.EventPublisher, logger *slog.Logger) *Recorder {
	return &Recorder{
		persistence: p,
		publisher:   publisher,
		logger:      logger.With("module", "recorder"),
	}
}

// Begin opens a running execution. A non-empty dedupeKey that already exists
// surfaces persistence.ErrDuplicateExecution and nothing is written.
func (r *Recorder) Begin(ctx context.Context, rule *models.AutomationRule, trigger models.TriggerData, isTest bool, dedupeKey string) (*models.RuleExecution, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("failed to generate execution ID: %w", err)
	}

	execution := &models.RuleExecution{
		ID:     id.String(),
		RuleID: rule.ID,
		Rule: models.RuleSnapshot{
			RuleName:     rule.Name,
			TriggerType:  rule.TriggerType,
			TriggerModel: rule.TriggerModel,
			ActionType:   rule.ActionType,
		},
		Status:      models.ExecutionRunning,
		IsTest:      isTest,
		TriggerData: trigger,
		DedupeKey:   dedupeKey,
		StartedAt:   time.Now().UTC(),
	}

	err = r.persistence.ExecutionRepository().CreateExecution(ctx, execution)
	if err != nil {
		return nil, err
	}

	r.publish(ctx, execution.ID, events.ExecutionStarted{
		BaseEvent:   events.BaseEvent{Type: events.ExecutionStartedEvent, Timestamp: execution.StartedAt},
		ExecutionID: execution.ID,
		RuleID:      rule.ID,
	})

	return execution, nil
}

// Complete moves the execution to its terminal state. Counters move only for
// real success/failure outcomes: skips and test runs leave them untouched.
func (r *Recorder) Complete(ctx context.Context, execution *models.RuleExecution, status models.ExecutionStatus, result *models.ActionResult, errorMessage string) error {
	now := time.Now().UTC()

	execution.Status = status
	execution.ActionResult = result
	execution.ErrorMessage = errorMessage
	execution.FinishedAt = &now
	execution.ExecutionTimeMs = now.Sub(execution.StartedAt).Milliseconds()

	err := r.persistence.ExecutionRepository().UpdateExecution(ctx, execution)
	if err != nil {
		return fmt.Errorf("failed to update execution: %w", err)
	}

	if !execution.IsTest && (status == models.ExecutionSuccess || status == models.ExecutionFailed) {
		err = r.persistence.RuleRepository().IncrementCounters(ctx, execution.RuleID, status == models.ExecutionSuccess, execution.StartedAt)
		if err != nil {
			return fmt.Errorf("failed to increment rule counters: %w", err)
		}
	}

	r.publish(ctx, execution.ID, events.ExecutionFinished{
		BaseEvent:   events.BaseEvent{Type: events.ExecutionFinishedEvent, Timestamp: now},
		ExecutionID: execution.ID,
		RuleID:      execution.RuleID,
		Status:      status,
		DurationMs:  execution.ExecutionTimeMs,
	})

	return nil
}

func (r *Recorder) publish(ctx context.Context, key string, event events.Event) {
	if r.publisher == nil {
		return
	}

	err := r.publisher.Publish(ctx, key, event)
	if err != nil {
		r.logger.WarnContext(ctx, "Failed to publish execution event", "error", err)
	}
}
