// Package registry wires action type identifiers to their executor
// factories and validates action configurations against factory schemas.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/castellanhq/castellan/pkg/models"
	"github.com/castellanhq/castellan/pkg/protocol"
)

type Registry struct {
	logger            *slog.Logger
	executorFactories map[string]protocol.ExecutorFactory
}

func NewRegistry(log *slog.Logger) *Registry {
	return &Registry{
		logger:            log,
		executorFactories: make(map[string]protocol.ExecutorFactory),
	}
}

func (r *Registry) RegisterExecutor(factory protocol.ExecutorFactory) {
	r.executorFactories[factory.ID()] = factory
}

// CreateExecutor builds an executor for the rule's action type after
// validating the matching config variant against the factory schema.
func (r *Registry) CreateExecutor(ctx context.Context, actionType models.ActionType, config models.ActionConfig) (protocol.Executor, error) {
	factory, ok := r.executorFactories[string(actionType)]
	if !ok {
		return nil, fmt.Errorf("action type '%s' not registered", actionType)
	}

	err := validateConfig(config, actionType, factory.Schema())
	if err != nil {
		return nil, err
	}

	return factory.Create(ctx, config)
}

// AvailableActions returns metadata for every registered action type, for
// the API's discovery endpoint.
func (r *Registry) AvailableActions() []ActionInfo {
	infos := make([]ActionInfo, 0, len(r.executorFactories))

	for _, factory := range r.executorFactories {
		infos = append(infos, ActionInfo{
			ID:          factory.ID(),
			Name:        factory.Name(),
			Description: factory.Description(),
			Schema:      factory.Schema(),
		})
	}

	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })

	return infos
}

// ActionInfo is the discovery surface of one action type.
type ActionInfo struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Schema      map[string]any `json:"schema"`
}

// validateConfig checks the config variant matching the action type against
// the factory's JSON schema.
func validateConfig(config models.ActionConfig, actionType models.ActionType, schema map[string]any) error {
	err := config.Validate(actionType)
	if err != nil {
		return err
	}

	var variant any

	switch actionType {
	case models.ActionSendWebhook:
		variant = config.Webhook
	case models.ActionSendNotification:
		variant = config.Notification
	case models.ActionCreateActivity:
		variant = config.Activity
	case models.ActionUpdateField:
		variant = config.FieldUpdate
	}

	// Round-trip through JSON so the schema sees the wire shape.
	encoded, err := json.Marshal(variant)
	if err != nil {
		return fmt.Errorf("failed to marshal action config: %w", err)
	}

	var data map[string]any

	err = json.Unmarshal(encoded, &data)
	if err != nil {
		return fmt.Errorf("failed to unmarshal action config: %w", err)
	}

	schemaLoader := gojsonschema.NewGoLoader(schema)
	dataLoader := gojsonschema.NewGoLoader(data)

	result, err := gojsonschema.Validate(schemaLoader, dataLoader)
	if err != nil {
		return fmt.Errorf("failed to validate action config: %w", err)
	}

	if !result.Valid() {
		descriptions := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			descriptions = append(descriptions, desc.String())
		}

		return fmt.Errorf("invalid %s config: %s", actionType, strings.Join(descriptions, "; "))
	}

	return nil
}
