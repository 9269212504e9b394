package fieldupdate

import (
	"context"
	"fmt"

	"github.com/castellanhq/castellan/pkg/entities"
	"github.com/castellanhq/castellan/pkg/models"
	"github.com/castellanhq/castellan/pkg/protocol"
)

// ExecutorFactory creates field update executors bound to the store and the
// model registry.
type ExecutorFactory struct {
	store    entities.Store
	registry *entities.Registry
}

func NewExecutorFactory(store entities.Store, registry *entities.Registry) *ExecutorFactory {
	return &ExecutorFactory{store: store, registry: registry}
}

func (f *ExecutorFactory) Create(_ context.Context, config models.ActionConfig) (protocol.Executor, error) {
	if config.FieldUpdate == nil {
		return nil, fmt.Errorf("%w: %s", models.ErrActionConfigMissing, f.ID())
	}

	return NewExecutor(*config.FieldUpdate, f.store, f.registry), nil
}

func (f *ExecutorFactory) ID() string {
	return string(models.ActionUpdateField)
}

func (f *ExecutorFactory) Name() string {
	return "Update Field"
}

func (f *ExecutorFactory) Description() string {
	return "Writes one field on the entity the rule fired on, with type coercion."
}

func (f *ExecutorFactory) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"target_field": map[string]any{
				"type":        "string",
				"description": "Field to write. Must be registered on the trigger model.",
			},
			"value": map[string]any{
				"description": "Literal value for static source, template string for template source.",
			},
			"value_source": map[string]any{
				"type":        "string",
				"description": "Where the value comes from.",
				"default":     "static",
				"enum":        []string{"static", "field", "template"},
			},
			"value_type": map[string]any{
				"type":        "string",
				"description": "Coercion override. Defaults to the registered field type.",
				"enum":        []string{"string", "number", "boolean", "datetime"},
			},
			"source_field": map[string]any{
				"type":        "string",
				"description": "Field to copy from for field source.",
			},
			"relation_field": map[string]any{
				"type":        "string",
				"description": "Relation to follow before reading source_field.",
			},
		},
		"required":             []string{"target_field"},
		"additionalProperties": false,
	}
}
