// Package protocol defines the contracts between the engine and action
// executors.
package protocol

import (
	"context"
	"log/slog"

	"github.com/castellanhq/castellan/pkg/models"
)

// ExecutionContext carries the rule and the entity state an action runs
// against.
type ExecutionContext struct {
	Rule     *models.AutomationRule
	Model    string
	ObjectID string
	Record   map[string]any
	Old      map[string]any
	Signal   string
	// IsTest marks a dry run. Executors must not perform side effects when
	// it is set; the engine calls Preview instead of Execute.
	IsTest bool
}

// Executor runs one configured action against an execution context.
type Executor interface {
	Execute(ctx context.Context, executionCtx ExecutionContext, logger *slog.Logger) (*models.ActionResult, error)

	// Preview renders what Execute would do without performing any side
	// effect. Used by the rule test endpoint.
	Preview(ctx context.Context, executionCtx ExecutionContext) (map[string]any, error)

	Validate(ctx context.Context) error
}

// ExecutorFactory creates executor instances and provides metadata about the
// action type.
type ExecutorFactory interface {
	// Create creates a new executor for the given action configuration.
	Create(ctx context.Context, config models.ActionConfig) (Executor, error)

	// ID returns the action type identifier this factory serves.
	ID() string

	// Name returns the human-readable name for this action type.
	Name() string

	// Description returns a description of what this action does.
	Description() string

	// Schema returns the JSON schema for configuring this action.
	Schema() map[string]any
}
