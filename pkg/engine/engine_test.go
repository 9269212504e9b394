package engine_test

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/castellanhq/castellan/pkg/actions/activity"
	"github.com/castellanhq/castellan/pkg/actions/fieldupdate"
	"github.com/castellanhq/castellan/pkg/actions/notification"
	actionwebhook "github.com/castellanhq/castellan/pkg/actions/webhook"
	"github.com/castellanhq/castellan/pkg/engine"
	"github.com/castellanhq/castellan/pkg/entities"
	"github.com/castellanhq/castellan/pkg/models"
	"github.com/castellanhq/castellan/pkg/notify"
	"github.com/castellanhq/castellan/pkg/persistence"
	"github.com/castellanhq/castellan/pkg/persistence/file"
	"github.com/castellanhq/castellan/pkg/registry"
)

type testHarness struct {
	engine      *engine.Engine
	persistence persistence.Persistence
	store       *entities.MemoryStore
	notifier    *notify.MemoryNotifier
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()

	logger := slog.Default()
	p := file.NewPersistence(t.TempDir())
	store := entities.NewMemoryStore()
	notifier := notify.NewMemoryNotifier()

	modelRegistry := entities.NewRegistry()
	modelRegistry.Register(entities.ModelSpec{
		Name: "deal",
		Fields: map[string]entities.FieldSpec{
			"name":       {Name: "name", Type: entities.FieldString},
			"stage":      {Name: "stage", Type: entities.FieldString},
			"amount":     {Name: "amount", Type: entities.FieldNumber},
			"close_date": {Name: "close_date", Type: entities.FieldDatetime},
			"owner":      {Name: "owner", Type: entities.FieldRelation, Relation: "user"},
		},
	})

	reg := registry.NewRegistry(logger)
	reg.RegisterExecutor(actionwebhook.NewExecutorFactory())
	reg.RegisterExecutor(notification.NewExecutorFactory(notifier))
	reg.RegisterExecutor(activity.NewExecutorFactory(store))
	reg.RegisterExecutor(fieldupdate.NewExecutorFactory(store, modelRegistry))

	recorder := engine.NewRecorder(p, nil, logger)

	return &testHarness{
		engine:      engine.New(logger, p, store, reg, recorder),
		persistence: p,
		store:       store,
		notifier:    notifier,
	}
}

func (h *testHarness) saveRule(t *testing.T, rule *models.AutomationRule) *models.AutomationRule {
	t.Helper()

	require.NoError(t, rule.Validate())
	require.NoError(t, h.persistence.RuleRepository().SaveRule(context.Background(), rule))

	return rule
}

func noteRule(name string) *models.AutomationRule {
	return &models.AutomationRule{
		Name:         name,
		TriggerType:  models.TriggerModelCreated,
		TriggerModel: "deal",
		ActionType:   models.ActionCreateActivity,
		ActionConfig: models.ActionConfig{
			Activity: &models.ActivityActionConfig{
				ActivityType: "note",
				NoteTemplate: "deal {{.record.name}} arrived",
			},
		},
		IsActive: true,
	}
}

func TestDispatchRunsMatchingRuleAndCounts(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()

	rule := h.saveRule(t, noteRule("welcome-note"))

	record, err := h.store.Create(ctx, "deal", map[string]any{"name": "Acme", "stage": "new"})
	require.NoError(t, err)

	err = h.engine.Dispatch(ctx, engine.Trigger{
		Type:     models.TriggerModelCreated,
		Model:    "deal",
		ObjectID: record.ID,
		New:      record.Fields,
	})
	require.NoError(t, err)

	activities := h.store.Activities()
	require.Len(t, activities, 1)
	assert.Equal(t, "deal Acme arrived", activities[0].Note)

	stored, err := h.persistence.RuleRepository().RuleByID(ctx, rule.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stored.TotalExecutions)
	assert.Equal(t, int64(1), stored.TotalSuccess)
	assert.Equal(t, int64(0), stored.TotalFailed)
	assert.Equal(t, stored.TotalExecutions, stored.TotalSuccess+stored.TotalFailed)
	assert.NotNil(t, stored.LastTriggeredAt)
}

func TestDispatchSkipsWhenConditionsFailWithoutCounting(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()

	rule := noteRule("big-deals-only")
	rule.TriggerConditions = []models.Condition{
		{Field: "amount", Operator: models.OperatorGt, Value: 10000},
	}
	h.saveRule(t, rule)

	record, err := h.store.Create(ctx, "deal", map[string]any{"name": "Tiny", "amount": 5})
	require.NoError(t, err)

	err = h.engine.Dispatch(ctx, engine.Trigger{
		Type:     models.TriggerModelCreated,
		Model:    "deal",
		ObjectID: record.ID,
		New:      record.Fields,
	})
	require.NoError(t, err)

	executions, total, err := h.persistence.ExecutionRepository().ListExecutions(ctx, persistence.ExecutionFilter{RuleID: rule.ID})
	require.NoError(t, err)
	require.Equal(t, 1, total)
	assert.Equal(t, models.ExecutionSkipped, executions[0].Status)

	stored, err := h.persistence.RuleRepository().RuleByID(ctx, rule.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), stored.TotalExecutions, "skips must not move counters")
	assert.Nil(t, stored.LastTriggeredAt)
}

func TestDispatchRecordsFailure(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()

	rule := noteRule("orphan-note")
	h.saveRule(t, rule)

	// No record in the store: activity creation fails.
	err := h.engine.Dispatch(ctx, engine.Trigger{
		Type:     models.TriggerModelCreated,
		Model:    "deal",
		ObjectID: "missing",
		New:      map[string]any{"name": "Ghost"},
	})
	require.Error(t, err)

	executions, _, err := h.persistence.ExecutionRepository().ListExecutions(ctx, persistence.ExecutionFilter{RuleID: rule.ID})
	require.NoError(t, err)
	require.Len(t, executions, 1)
	assert.Equal(t, models.ExecutionFailed, executions[0].Status)
	assert.NotEmpty(t, executions[0].ErrorMessage)

	stored, err := h.persistence.RuleRepository().RuleByID(ctx, rule.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stored.TotalExecutions)
	assert.Equal(t, int64(1), stored.TotalFailed)
	assert.Equal(t, stored.TotalExecutions, stored.TotalSuccess+stored.TotalFailed)
}

func TestFieldUpdateLatestCreatedRuleWins(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()

	older := &models.AutomationRule{
		Name:         "set-stage-review",
		TriggerType:  models.TriggerModelCreated,
		TriggerModel: "deal",
		ActionType:   models.ActionUpdateField,
		ActionConfig: models.ActionConfig{
			FieldUpdate: &models.FieldUpdateActionConfig{
				TargetField: "stage",
				Value:       "review",
				ValueSource: models.ValueSourceStatic,
			},
		},
		IsActive:  true,
		CreatedAt: time.Now().UTC().Add(-time.Hour),
	}
	newer := &models.AutomationRule{
		Name:         "set-stage-qualified",
		TriggerType:  models.TriggerModelCreated,
		TriggerModel: "deal",
		ActionType:   models.ActionUpdateField,
		ActionConfig: models.ActionConfig{
			FieldUpdate: &models.FieldUpdateActionConfig{
				TargetField: "stage",
				Value:       "qualified",
				ValueSource: models.ValueSourceStatic,
			},
		},
		IsActive: true,
	}
	h.saveRule(t, older)
	h.saveRule(t, newer)

	record, err := h.store.Create(ctx, "deal", map[string]any{"name": "Acme", "stage": "new"})
	require.NoError(t, err)

	err = h.engine.Dispatch(ctx, engine.Trigger{
		Type:     models.TriggerModelCreated,
		Model:    "deal",
		ObjectID: record.ID,
		New:      record.Fields,
	})
	require.NoError(t, err)

	updated, err := h.store.Get(ctx, "deal", record.ID)
	require.NoError(t, err)
	assert.Equal(t, "qualified", updated.Fields["stage"], "the latest-created rule writes last")
}

func TestTestRuleDryRunPersistsNothing(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()

	rule := h.saveRule(t, noteRule("dry-run-note"))

	record, err := h.store.Create(ctx, "deal", map[string]any{"name": "Acme"})
	require.NoError(t, err)

	result, err := h.engine.TestRule(ctx, rule.ID, record.ID, true)
	require.NoError(t, err)

	assert.True(t, result.DryRun)
	assert.True(t, result.ConditionsMatched)
	assert.Equal(t, models.ExecutionSuccess, result.Status)
	assert.Equal(t, "note", result.ActionPreview["activity_type"])
	assert.Equal(t, "deal Acme arrived", result.ActionPreview["note"])

	assert.Empty(t, h.store.Activities(), "dry run must not create the activity")

	_, total, err := h.persistence.ExecutionRepository().ListExecutions(ctx, persistence.ExecutionFilter{RuleID: rule.ID})
	require.NoError(t, err)
	assert.Zero(t, total, "dry run must not persist an execution")

	stored, err := h.persistence.RuleRepository().RuleByID(ctx, rule.ID)
	require.NoError(t, err)
	assert.Zero(t, stored.TotalExecutions)
}

func TestTestRuleRealRunMarksIsTestAndSkipsCounters(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()

	rule := h.saveRule(t, noteRule("real-test-note"))

	record, err := h.store.Create(ctx, "deal", map[string]any{"name": "Acme"})
	require.NoError(t, err)

	result, err := h.engine.TestRule(ctx, rule.ID, record.ID, false)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionSuccess, result.Status)
	require.NotNil(t, result.ActionResult)
	assert.NotEmpty(t, result.ActionResult.ActivityID)

	assert.Len(t, h.store.Activities(), 1)

	executions, _, err := h.persistence.ExecutionRepository().ListExecutions(ctx, persistence.ExecutionFilter{RuleID: rule.ID})
	require.NoError(t, err)
	require.Len(t, executions, 1)
	assert.True(t, executions[0].IsTest)

	stored, err := h.persistence.RuleRepository().RuleByID(ctx, rule.ID)
	require.NoError(t, err)
	assert.Zero(t, stored.TotalExecutions, "test executions never move counters")
}

func TestScheduledScanFiresOncePerWindow(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()

	now := time.Now().UTC()
	interval := time.Hour
	windowStart := now.Truncate(interval)

	rule := &models.AutomationRule{
		Name:         "closing-soon",
		TriggerType:  models.TriggerScheduled,
		TriggerModel: "deal",
		ScheduleConfig: &models.ScheduleConfig{
			DatetimeField: "close_date",
			OffsetHours:   24,
			OffsetType:    models.OffsetBefore,
		},
		ActionType: models.ActionCreateActivity,
		ActionConfig: models.ActionConfig{
			Activity: &models.ActivityActionConfig{ActivityType: "reminder"},
		},
		IsActive: true,
	}
	h.saveRule(t, rule)

	// close_date 24h after the window start puts the due time inside the
	// window exactly.
	closeDate := windowStart.Add(24*time.Hour + 30*time.Minute)

	record, err := h.store.Create(ctx, "deal", map[string]any{
		"name":       "Acme",
		"close_date": closeDate.Format(time.RFC3339),
	})
	require.NoError(t, err)

	require.NoError(t, h.engine.RunScheduledScan(ctx, now, interval))
	require.NoError(t, h.engine.RunScheduledScan(ctx, now, interval), "second scan of the same window must be a no-op")

	_, total, err := h.persistence.ExecutionRepository().ListExecutions(ctx, persistence.ExecutionFilter{RuleID: rule.ID})
	require.NoError(t, err)
	assert.Equal(t, 1, total, "one execution per (rule, object, window)")

	activities := h.store.Activities()
	require.Len(t, activities, 1)
	assert.Equal(t, record.ID, activities[0].ObjectID)
}

func TestNotificationPartialFailureStillSucceeds(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()

	h.notifier.FailFor("user-2")

	rule := &models.AutomationRule{
		Name:         "notify-owners",
		TriggerType:  models.TriggerModelCreated,
		TriggerModel: "deal",
		ActionType:   models.ActionSendNotification,
		ActionConfig: models.ActionConfig{
			Notification: &models.NotificationActionConfig{
				Channel:       "in_app",
				RecipientType: models.RecipientUser,
				Recipients:    []string{"user-1", "user-2"},
				TitleTemplate: "new deal {{.record.name}}",
			},
		},
		IsActive: true,
	}
	h.saveRule(t, rule)

	record, err := h.store.Create(ctx, "deal", map[string]any{"name": "Acme"})
	require.NoError(t, err)

	err = h.engine.Dispatch(ctx, engine.Trigger{
		Type:     models.TriggerModelCreated,
		Model:    "deal",
		ObjectID: record.ID,
		New:      record.Fields,
	})
	require.NoError(t, err)

	executions, _, err := h.persistence.ExecutionRepository().ListExecutions(ctx, persistence.ExecutionFilter{RuleID: rule.ID})
	require.NoError(t, err)
	require.Len(t, executions, 1)
	assert.Equal(t, models.ExecutionSuccess, executions[0].Status)

	require.NotNil(t, executions[0].ActionResult)
	require.Len(t, executions[0].ActionResult.Notifications, 2)

	outcomes := map[string]bool{}
	for _, delivery := range executions[0].ActionResult.Notifications {
		outcomes[delivery.Recipient] = delivery.Success
	}

	assert.True(t, outcomes["user-1"])
	assert.False(t, outcomes["user-2"])
}
