// Package fieldupdate provides the single-field mutation action.
package fieldupdate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/castellanhq/castellan/pkg/entities"
	"github.com/castellanhq/castellan/pkg/models"
	"github.com/castellanhq/castellan/pkg/protocol"
	"github.com/castellanhq/castellan/pkg/template"
)

var (
	// ErrNoTargetEntity is returned when the execution carries no entity.
	ErrNoTargetEntity = errors.New("no target entity for field update")
	// ErrValueNotCoercible is returned when the resolved value cannot be
	// converted to the target field type.
	ErrValueNotCoercible = errors.New("value not coercible to field type")
)

// Executor writes one field on the triggering entity. The target field must
// be registered for the model; the value is coerced to the field's type
// before the write.
type Executor struct {
	config   models.FieldUpdateActionConfig
	store    entities.Store
	registry *entities.Registry
}

func NewExecutor(config models.FieldUpdateActionConfig, store entities.Store, registry *entities.Registry) *Executor {
	if config.ValueSource == "" {
		config.ValueSource = models.ValueSourceStatic
	}

	return &Executor{config: config, store: store, registry: registry}
}

func (e *Executor) Execute(ctx context.Context, executionCtx protocol.ExecutionContext, logger *slog.Logger) (*models.ActionResult, error) {
	logger = logger.With("module", "field_update_action")

	value, err := e.resolveValue(ctx, executionCtx)
	if err != nil {
		return nil, err
	}

	previous, err := e.store.UpdateField(ctx, executionCtx.Model, executionCtx.ObjectID, e.config.TargetField, value)
	if err != nil {
		return nil, fmt.Errorf("failed to update field: %w", err)
	}

	logger.InfoContext(ctx, "Field updated",
		"model", executionCtx.Model,
		"object_id", executionCtx.ObjectID,
		"field", e.config.TargetField,
	)

	return &models.ActionResult{
		UpdatedField:  e.config.TargetField,
		UpdatedValue:  value,
		PreviousValue: previous,
	}, nil
}

// Preview resolves the value without writing it.
func (e *Executor) Preview(ctx context.Context, executionCtx protocol.ExecutionContext) (map[string]any, error) {
	value, err := e.resolveValue(ctx, executionCtx)
	if err != nil {
		return nil, err
	}

	return map[string]any{
		"target_field":  e.config.TargetField,
		"value":         value,
		"current_value": executionCtx.Record[e.config.TargetField],
	}, nil
}

func (e *Executor) Validate(_ context.Context) error {
	if e.config.TargetField == "" {
		return errors.New("target_field is required")
	}

	switch e.config.ValueSource {
	case models.ValueSourceStatic:
		if e.config.Value == nil {
			return errors.New("value is required for static source")
		}
	case models.ValueSourceField:
		if e.config.SourceField == "" {
			return errors.New("source_field is required for field source")
		}
	case models.ValueSourceTemplate:
		tmpl, ok := e.config.Value.(string)
		if !ok {
			return errors.New("value must be a template string for template source")
		}

		_, err := template.Parse(tmpl)
		if err != nil {
			return fmt.Errorf("invalid value template: %w", err)
		}
	default:
		return fmt.Errorf("unknown value source: %s", e.config.ValueSource)
	}

	return nil
}

func (e *Executor) resolveValue(ctx context.Context, executionCtx protocol.ExecutionContext) (any, error) {
	if executionCtx.Model == "" || executionCtx.ObjectID == "" {
		return nil, ErrNoTargetEntity
	}

	fieldSpec, err := e.registry.Field(executionCtx.Model, e.config.TargetField)
	if err != nil {
		return nil, err
	}

	var value any

	switch e.config.ValueSource {
	case models.ValueSourceStatic:
		value = e.config.Value
	case models.ValueSourceTemplate:
		tmpl, ok := e.config.Value.(string)
		if !ok {
			return nil, errors.New("value must be a template string for template source")
		}

		value, err = template.RenderWithContext(tmpl, &template.Context{
			Record: executionCtx.Record,
			Old:    executionCtx.Old,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to render value template: %w", err)
		}
	case models.ValueSourceField:
		value, err = e.readSourceField(ctx, executionCtx)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unknown value source: %s", e.config.ValueSource)
	}

	return coerce(value, e.valueType(fieldSpec))
}

// readSourceField reads the source field either off the triggering record or,
// when relation_field is set, off the related record it points at.
func (e *Executor) readSourceField(ctx context.Context, executionCtx protocol.ExecutionContext) (any, error) {
	if e.config.RelationField == "" {
		return executionCtx.Record[e.config.SourceField], nil
	}

	relationSpec, err := e.registry.Field(executionCtx.Model, e.config.RelationField)
	if err != nil {
		return nil, err
	}

	if relationSpec.Type != entities.FieldRelation || relationSpec.Relation == "" {
		return nil, fmt.Errorf("field '%s' is not a relation", e.config.RelationField)
	}

	relatedID, ok := executionCtx.Record[e.config.RelationField].(string)
	if !ok || relatedID == "" {
		return nil, nil
	}

	related, err := e.store.Get(ctx, relationSpec.Relation, relatedID)
	if err != nil {
		if entities.IsRecordNotFound(err) {
			return nil, nil
		}

		return nil, fmt.Errorf("failed to load related record: %w", err)
	}

	return related.Fields[e.config.SourceField], nil
}

func (e *Executor) valueType(fieldSpec entities.FieldSpec) entities.FieldType {
	if e.config.ValueType != "" {
		return entities.FieldType(e.config.ValueType)
	}

	return fieldSpec.Type
}

// coerce converts value to the target field type. A nil value passes through
// so fields can be cleared.
func coerce(value any, fieldType entities.FieldType) (any, error) {
	if value == nil {
		return nil, nil
	}

	switch fieldType {
	case entities.FieldString, entities.FieldRelation:
		if str, ok := value.(string); ok {
			return str, nil
		}

		return fmt.Sprintf("%v", value), nil
	case entities.FieldNumber:
		switch typed := value.(type) {
		case float64:
			return typed, nil
		case int:
			return float64(typed), nil
		case int64:
			return float64(typed), nil
		case string:
			num, err := strconv.ParseFloat(typed, 64)
			if err != nil {
				return nil, fmt.Errorf("%w: %q as number", ErrValueNotCoercible, typed)
			}

			return num, nil
		}
	case entities.FieldBoolean:
		switch typed := value.(type) {
		case bool:
			return typed, nil
		case string:
			b, err := strconv.ParseBool(typed)
			if err != nil {
				return nil, fmt.Errorf("%w: %q as boolean", ErrValueNotCoercible, typed)
			}

			return b, nil
		}
	case entities.FieldDatetime:
		switch typed := value.(type) {
		case time.Time:
			return typed.UTC().Format(time.RFC3339), nil
		case string:
			parsed, err := parseDatetime(typed)
			if err != nil {
				return nil, err
			}

			return parsed.UTC().Format(time.RFC3339), nil
		}
	}

	return nil, fmt.Errorf("%w: %T as %s", ErrValueNotCoercible, value, fieldType)
}

func parseDatetime(value string) (time.Time, error) {
	layouts := []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02 15:04:05", "2006-01-02"}

	for _, layout := range layouts {
		parsed, err := time.Parse(layout, value)
		if err == nil {
			return parsed, nil
		}
	}

	return time.Time{}, fmt.Errorf("%w: %q as datetime", ErrValueNotCoercible, value)
}
