// Package events defines the domain lifecycle events the rule engine
// consumes and the execution events it emits.
package events

import (
	"time"

	"github.com/castellanhq/castellan/pkg/models"
)

type EventType string

const Topic = "castellan.events"

const EventMetadataKey = "key"
const EventTypeMetadataKey = "event_type"

const (
	// Domain lifecycle events entering the trigger router.
	EntityCreatedEvent EventType = "entity.created"
	EntityUpdatedEvent EventType = "entity.updated"
	EntityDeletedEvent EventType = "entity.deleted"
	SignalEvent        EventType = "signal"
	ViewActionEvent    EventType = "view.action"

	// Execution lifecycle events emitted by the engine.
	ExecutionStartedEvent  EventType = "execution.started"
	ExecutionFinishedEvent EventType = "execution.finished"
)

type Event interface {
	GetType() EventType
}

type BaseEvent struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// EntityChanged carries one lifecycle change of a watched entity. OldValues
// and NewValues are full field snapshots where available.
type EntityChanged struct {
	BaseEvent

	Model     string         `json:"model"`
	ObjectID  string         `json:"object_id"`
	OldValues map[string]any `json:"old_values,omitempty"`
	NewValues map[string]any `json:"new_values,omitempty"`
}

type EntityCreated struct{ EntityChanged }

func (e EntityCreated) GetType() EventType { return EntityCreatedEvent }

type EntityUpdated struct{ EntityChanged }

func (e EntityUpdated) GetType() EventType { return EntityUpdatedEvent }

type EntityDeleted struct{ EntityChanged }

func (e EntityDeleted) GetType() EventType { return EntityDeletedEvent }

// Signal is an explicit named trigger fired by an operator or another
// system.
type Signal struct {
	BaseEvent

	Name     string         `json:"name"`
	Model    string         `json:"model,omitempty"`
	ObjectID string         `json:"object_id,omitempty"`
	Payload  map[string]any `json:"payload,omitempty"`
}

func (s Signal) GetType() EventType { return SignalEvent }

// ViewAction is a user-initiated action from a list/detail view.
type ViewAction struct {
	BaseEvent

	Action   string `json:"action"`
	Model    string `json:"model"`
	ObjectID string `json:"object_id"`
}

func (v ViewAction) GetType() EventType { return ViewActionEvent }

// ExecutionStarted is emitted when a rule execution begins running.
type ExecutionStarted struct {
	BaseEvent

	ExecutionID string `json:"execution_id"`
	RuleID      string `json:"rule_id"`
}

func (e ExecutionStarted) GetType() EventType { return ExecutionStartedEvent }

// ExecutionFinished is emitted when an execution reaches a terminal state.
type ExecutionFinished struct {
	BaseEvent

	ExecutionID string                 `json:"execution_id"`
	RuleID      string                 `json:"rule_id"`
	Status      models.ExecutionStatus `json:"status"`
	DurationMs  int64                  `json:"duration_ms"`
}

func (e ExecutionFinished) GetType() EventType { return ExecutionFinishedEvent }
