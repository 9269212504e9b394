// Package entities defines the boundary to the domain entity store: an
// injectable registry of automatable models and a store interface the
// engine reads records from and writes side effects to.
package entities

import (
	"errors"
	"fmt"
	"sync"
)

// FieldType constrains what update_field may write to a field.
type FieldType string

const (
	FieldString   FieldType = "string"
	FieldNumber   FieldType = "number"
	FieldBoolean  FieldType = "boolean"
	FieldDatetime FieldType = "datetime"
	FieldRelation FieldType = "relation"
)

// FieldSpec describes one automatable field on a model.
type FieldSpec struct {
	Name     string    `json:"name"`
	Type     FieldType `json:"type"`
	Relation string    `json:"relation,omitempty"` // target model for relation fields
}

// ModelSpec describes one automatable entity type.
type ModelSpec struct {
	Name   string               `json:"name"`
	Fields map[string]FieldSpec `json:"fields"`
}

var (
	ErrModelNotRegistered = errors.New("model not registered for automation")
	ErrFieldUnknown       = errors.New("field not defined on model")
)

// Registry holds the automatable models. It is injected everywhere the
// engine needs model/field metadata so tests can swap it out.
type Registry struct {
	mu     sync.RWMutex
	models map[string]ModelSpec
}

func NewRegistry() *Registry {
	return &Registry{models: make(map[string]ModelSpec)}
}

// Register adds or replaces a model spec.
func (r *Registry) Register(spec ModelSpec) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.models[spec.Name] = spec
}

// Model returns the spec for a model name.
func (r *Registry) Model(name string) (ModelSpec, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	spec, ok := r.models[name]
	if !ok {
		return ModelSpec{}, fmt.Errorf("%w: %s", ErrModelNotRegistered, name)
	}

	return spec, nil
}

// Field returns the spec of one field on a model.
func (r *Registry) Field(model, field string) (FieldSpec, error) {
	spec, err := r.Model(model)
	if err != nil {
		return FieldSpec{}, err
	}

	fieldSpec, ok := spec.Fields[field]
	if !ok {
		return FieldSpec{}, fmt.Errorf("%w: %s.%s", ErrFieldUnknown, model, field)
	}

	return fieldSpec, nil
}

// Models returns the registered model names.
func (r *Registry) Models() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.models))
	for name := range r.models {
		names = append(names, name)
	}

	return names
}
