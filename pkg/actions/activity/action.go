// Package activity provides the timeline entry action.
package activity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/castellanhq/castellan/pkg/entities"
	"github.com/castellanhq/castellan/pkg/models"
	"github.com/castellanhq/castellan/pkg/protocol"
	"github.com/castellanhq/castellan/pkg/template"
)

// ErrNoTargetEntity is returned when the execution has no entity to attach
// the activity to.
var ErrNoTargetEntity = errors.New("no target entity for activity")

// Executor appends an activity entry to the triggering entity's timeline.
type Executor struct {
	config models.ActivityActionConfig
	store  entities.Store
}

func NewExecutor(config models.ActivityActionConfig, store entities.Store) *Executor {
	return &Executor{config: config, store: store}
}

func (e *Executor) Execute(ctx context.Context, executionCtx protocol.ExecutionContext, logger *slog.Logger) (*models.ActionResult, error) {
	logger = logger.With("module", "activity_action")

	if executionCtx.ObjectID == "" || executionCtx.Model == "" {
		return nil, ErrNoTargetEntity
	}

	note, err := e.renderNote(executionCtx)
	if err != nil {
		return nil, err
	}

	createdBy := ""
	if executionCtx.Rule != nil {
		createdBy = "rule:" + executionCtx.Rule.ID
	}

	activityID, err := e.store.CreateActivity(ctx, &entities.Activity{
		Model:     executionCtx.Model,
		ObjectID:  executionCtx.ObjectID,
		Type:      e.config.ActivityType,
		Note:      note,
		CreatedBy: createdBy,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create activity: %w", err)
	}

	logger.InfoContext(ctx, "Activity created",
		"activity_id", activityID, "model", executionCtx.Model, "object_id", executionCtx.ObjectID)

	return &models.ActionResult{ActivityID: activityID}, nil
}

func (e *Executor) Preview(_ context.Context, executionCtx protocol.ExecutionContext) (map[string]any, error) {
	note, err := e.renderNote(executionCtx)
	if err != nil {
		return nil, err
	}

	return map[string]any{
		"activity_type": e.config.ActivityType,
		"model":         executionCtx.Model,
		"object_id":     executionCtx.ObjectID,
		"note":          note,
	}, nil
}

func (e *Executor) Validate(_ context.Context) error {
	if e.config.ActivityType == "" {
		return errors.New("activity_type is required")
	}

	_, err := template.Parse(e.config.NoteTemplate)
	if err != nil {
		return fmt.Errorf("invalid note template: %w", err)
	}

	return nil
}

func (e *Executor) renderNote(executionCtx protocol.ExecutionContext) (string, error) {
	if e.config.NoteTemplate == "" {
		return "", nil
	}

	tctx := &template.Context{
		Record: executionCtx.Record,
		Old:    executionCtx.Old,
	}

	note, err := template.RenderString(e.config.NoteTemplate, tctx)
	if err != nil {
		return "", fmt.Errorf("failed to render note: %w", err)
	}

	return note, nil
}
