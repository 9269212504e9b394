package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/castellanhq/castellan/pkg/models"
)

func activityRule(name, model string, triggerType models.TriggerType) *models.AutomationRule {
	return &models.AutomationRule{
		ID:           name,
		Name:         name,
		TriggerType:  triggerType,
		TriggerModel: model,
		ActionType:   models.ActionCreateActivity,
		ActionConfig: models.ActionConfig{
			Activity: &models.ActivityActionConfig{ActivityType: "note"},
		},
		IsActive: true,
	}
}

func TestRouteFiltersInactiveRules(t *testing.T) {
	t.Parallel()

	active := activityRule("active", "deal", models.TriggerModelCreated)
	inactive := activityRule("inactive", "deal", models.TriggerModelCreated)
	inactive.IsActive = false

	matched := Route([]*models.AutomationRule{active, inactive}, Trigger{
		Type:  models.TriggerModelCreated,
		Model: "deal",
	})

	assert.Len(t, matched, 1)
	assert.Equal(t, "active", matched[0].Name)
}

func TestRouteMatchesTriggerModel(t *testing.T) {
	t.Parallel()

	dealRule := activityRule("deal-rule", "deal", models.TriggerModelUpdated)
	contactRule := activityRule("contact-rule", "contact", models.TriggerModelUpdated)

	matched := Route([]*models.AutomationRule{dealRule, contactRule}, Trigger{
		Type:  models.TriggerModelUpdated,
		Model: "deal",
		Old:   map[string]any{"stage": "new"},
		New:   map[string]any{"stage": "won"},
	})

	assert.Len(t, matched, 1)
	assert.Equal(t, "deal-rule", matched[0].Name)
}

func TestRouteFieldChangedRequiresConditionFieldChange(t *testing.T) {
	t.Parallel()

	rule := activityRule("amount-watch", "deal", models.TriggerFieldChanged)
	rule.TriggerConditions = []models.Condition{
		{Field: "amount", Operator: models.OperatorGt, Value: 1000},
	}

	unchanged := Route([]*models.AutomationRule{rule}, Trigger{
		Type:  models.TriggerModelUpdated,
		Model: "deal",
		Old:   map[string]any{"amount": 5000, "stage": "new"},
		New:   map[string]any{"amount": 5000, "stage": "won"},
	})
	assert.Empty(t, unchanged, "update not touching the condition field must not match")

	changed := Route([]*models.AutomationRule{rule}, Trigger{
		Type:  models.TriggerModelUpdated,
		Model: "deal",
		Old:   map[string]any{"amount": 500},
		New:   map[string]any{"amount": 5000},
	})
	assert.Len(t, changed, 1)
}

func TestRouteStageChanged(t *testing.T) {
	t.Parallel()

	rule := activityRule("stage-watch", "deal", models.TriggerStageChanged)

	sameStage := Route([]*models.AutomationRule{rule}, Trigger{
		Type:  models.TriggerModelUpdated,
		Model: "deal",
		Old:   map[string]any{"stage": "new", "amount": 1},
		New:   map[string]any{"stage": "new", "amount": 2},
	})
	assert.Empty(t, sameStage)

	stageMoved := Route([]*models.AutomationRule{rule}, Trigger{
		Type:  models.TriggerModelUpdated,
		Model: "deal",
		Old:   map[string]any{"stage": "new"},
		New:   map[string]any{"stage": "won"},
	})
	assert.Len(t, stageMoved, 1)
}

func TestRouteSignalNameAndModel(t *testing.T) {
	t.Parallel()

	anySignal := activityRule("any-signal", "", models.TriggerSignal)
	namedSignal := activityRule("named-signal", "", models.TriggerSignal)
	namedSignal.TriggerSignal = "escalate"

	matched := Route([]*models.AutomationRule{anySignal, namedSignal}, Trigger{
		Type:   models.TriggerSignal,
		Signal: "refresh",
	})

	assert.Len(t, matched, 1)
	assert.Equal(t, "any-signal", matched[0].Name)

	matched = Route([]*models.AutomationRule{anySignal, namedSignal}, Trigger{
		Type:   models.TriggerSignal,
		Signal: "escalate",
	})
	assert.Len(t, matched, 2)
}

func TestRouteNeverSelectsManualOrScheduled(t *testing.T) {
	t.Parallel()

	manual := activityRule("manual", "deal", models.TriggerManual)
	scheduled := activityRule("scheduled", "deal", models.TriggerScheduled)
	scheduled.ScheduleConfig = &models.ScheduleConfig{
		DatetimeField: "close_date",
		OffsetType:    models.OffsetBefore,
	}

	for _, triggerType := range []models.TriggerType{
		models.TriggerModelCreated, models.TriggerModelUpdated, models.TriggerModelDeleted,
	} {
		matched := Route([]*models.AutomationRule{manual, scheduled}, Trigger{
			Type:  triggerType,
			Model: "deal",
			Old:   map[string]any{"stage": "a"},
			New:   map[string]any{"stage": "b"},
		})
		assert.Empty(t, matched)
	}
}

func TestRoutePreservesCreationOrder(t *testing.T) {
	t.Parallel()

	first := activityRule("first", "deal", models.TriggerModelCreated)
	second := activityRule("second", "deal", models.TriggerModelCreated)

	matched := Route([]*models.AutomationRule{first, second}, Trigger{
		Type:  models.TriggerModelCreated,
		Model: "deal",
	})

	assert.Equal(t, []string{"first", "second"}, []string{matched[0].Name, matched[1].Name})
}
