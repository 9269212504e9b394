package activity_test

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/castellanhq/castellan/pkg/actions/activity"
	"github.com/castellanhq/castellan/pkg/entities"
	"github.com/castellanhq/castellan/pkg/models"
	"github.com/castellanhq/castellan/pkg/protocol"
)

func TestExecuteCreatesTimelineEntry(t *testing.T) {
	t.Parallel()

	store := entities.NewMemoryStore()

	record, err := store.Create(context.Background(), "deal", map[string]any{"name": "Acme"})
	require.NoError(t, err)

	executor := activity.NewExecutor(models.ActivityActionConfig{
		ActivityType: "note",
		NoteTemplate: "deal {{.record.name}} moved",
	}, store)

	result, err := executor.Execute(context.Background(), protocol.ExecutionContext{
		Rule:     &models.AutomationRule{ID: "rule-1", Name: "deal-watch"},
		Model:    "deal",
		ObjectID: record.ID,
		Record:   record.Fields,
	}, slog.Default())
	require.NoError(t, err)
	assert.NotEmpty(t, result.ActivityID)

	activities := store.Activities()
	require.Len(t, activities, 1)
	assert.Equal(t, "note", activities[0].Type)
	assert.Equal(t, "deal Acme moved", activities[0].Note)
	assert.Equal(t, "rule:rule-1", activities[0].CreatedBy)
	assert.Equal(t, record.ID, activities[0].ObjectID)
}

func TestExecuteRequiresTargetEntity(t *testing.T) {
	t.Parallel()

	executor := activity.NewExecutor(models.ActivityActionConfig{ActivityType: "note"}, entities.NewMemoryStore())

	_, err := executor.Execute(context.Background(), protocol.ExecutionContext{Model: "deal"}, slog.Default())
	assert.ErrorIs(t, err, activity.ErrNoTargetEntity)
}

func TestExecuteFailsForMissingRecord(t *testing.T) {
	t.Parallel()

	executor := activity.NewExecutor(models.ActivityActionConfig{ActivityType: "note"}, entities.NewMemoryStore())

	_, err := executor.Execute(context.Background(), protocol.ExecutionContext{
		Model:    "deal",
		ObjectID: "missing",
	}, slog.Default())
	assert.Error(t, err)
}

func TestPreviewRendersNote(t *testing.T) {
	t.Parallel()

	executor := activity.NewExecutor(models.ActivityActionConfig{
		ActivityType: "call",
		NoteTemplate: "call {{.record.name}}",
	}, entities.NewMemoryStore())

	preview, err := executor.Preview(context.Background(), protocol.ExecutionContext{
		Model:    "deal",
		ObjectID: "deal-1",
		Record:   map[string]any{"name": "Acme"},
	})
	require.NoError(t, err)

	assert.Equal(t, "call", preview["activity_type"])
	assert.Equal(t, "call Acme", preview["note"])
}
