package entities

import (
	"context"
	"errors"
	"time"
)

// Record is a generic snapshot of one domain entity.
type Record struct {
	ID        string         `json:"id"`
	Model     string         `json:"model"`
	Fields    map[string]any `json:"fields"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Activity is an immutable timeline entry on an entity.
type Activity struct {
	ID        string    `json:"id"`
	Model     string    `json:"model"`
	ObjectID  string    `json:"object_id"`
	Type      string    `json:"type"`
	Note      string    `json:"note,omitempty"`
	CreatedBy string    `json:"created_by,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Task is a follow-up task created as a detection side effect.
type Task struct {
	ID         string     `json:"id"`
	Title      string     `json:"title"`
	Assignee   string     `json:"assignee,omitempty"`
	EntityType string     `json:"entity_type,omitempty"`
	EntityID   string     `json:"entity_id,omitempty"`
	DueAt      *time.Time `json:"due_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

var ErrRecordNotFound = errors.New("record not found")

// Store is the collaborator boundary to the domain entity store. The engine
// reads records for condition evaluation and metric computation and writes
// through it for update_field, create_activity and task side effects.
type Store interface {
	Get(ctx context.Context, model, id string) (*Record, error)
	List(ctx context.Context, model string) ([]*Record, error)
	Create(ctx context.Context, model string, fields map[string]any) (*Record, error)
	// UpdateField mutates a single field and returns the previous value.
	UpdateField(ctx context.Context, model, id, field string, value any) (any, error)
	// FindByField returns the first record whose field equals value, or
	// nil when none exists. Used for webhook upsert dedupe.
	FindByField(ctx context.Context, model, field string, value any) (*Record, error)

	CreateActivity(ctx context.Context, activity *Activity) (string, error)
	LastActivityAt(ctx context.Context, model, id string) (*time.Time, error)
	// CountInState counts records of relatedModel whose relation field
	// points at id and whose stateField equals state.
	CountInState(ctx context.Context, relatedModel, relationField, id, stateField, state string) (int, error)

	CreateTask(ctx context.Context, task *Task) (string, error)
}

// IsRecordNotFound checks if an error indicates a missing record.
func IsRecordNotFound(err error) bool {
	return errors.Is(err, ErrRecordNotFound)
}
