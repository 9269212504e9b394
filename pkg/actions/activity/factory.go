package activity

import (
	"context"
	"fmt"

	"github.com/castellanhq/castellan/pkg/entities"
	"github.com/castellanhq/castellan/pkg/models"
	"github.com/castellanhq/castellan/pkg/protocol"
)

// ExecutorFactory creates activity executors bound to the entity store.
type ExecutorFactory struct {
	store entities.Store
}

func NewExecutorFactory(store entities.Store) *ExecutorFactory {
	return &ExecutorFactory{store: store}
}

func (f *ExecutorFactory) Create(_ context.Context, config models.ActionConfig) (protocol.Executor, error) {
	if config.Activity == nil {
		return nil, fmt.Errorf("%w: %s", models.ErrActionConfigMissing, f.ID())
	}

	return NewExecutor(*config.Activity, f.store), nil
}

func (f *ExecutorFactory) ID() string {
	return string(models.ActionCreateActivity)
}

func (f *ExecutorFactory) Name() string {
	return "Create Activity"
}

func (f *ExecutorFactory) Description() string {
	return "Appends a timeline entry to the entity the rule fired on."
}

func (f *ExecutorFactory) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"activity_type": map[string]any{
				"type":        "string",
				"description": "Timeline entry type, e.g. note or status_change.",
			},
			"note_template": map[string]any{
				"type":        "string",
				"description": "Entry body. Supports templating against the record snapshot.",
			},
		},
		"required":             []string{"activity_type"},
		"additionalProperties": false,
	}
}
