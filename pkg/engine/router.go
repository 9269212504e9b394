package engine

import (
	"reflect"

	"github.com/castellanhq/castellan/pkg/models"
)

// Conventional field names for the stage/status change triggers.
const (
	stageField  = "stage"
	statusField = "status"
)

// Trigger is the normalized form of one inbound event the router matches
// rules against.
type Trigger struct {
	Type     models.TriggerType
	Model    string
	ObjectID string
	Old      map[string]any
	New      map[string]any
	// Signal carries the signal name for signal triggers and the action
	// name for view_action triggers.
	Signal string
}

// Route selects the rules eligible for the trigger. Selection is pure: no
// condition evaluation, no side effects. Input order is preserved, so rules
// sorted by creation order run oldest first and the latest-created rule wins
// conflicting field updates.
func Route(rules []*models.AutomationRule, trigger Trigger) []*models.AutomationRule {
	matched := make([]*models.AutomationRule, 0, len(rules))

	for _, rule := range rules {
		if !rule.IsActive || rule.DeletedAt != nil {
			continue
		}

		if matchesTrigger(rule, trigger) {
			matched = append(matched, rule)
		}
	}

	return matched
}

func matchesTrigger(rule *models.AutomationRule, trigger Trigger) bool {
	switch rule.TriggerType {
	case models.TriggerModelCreated, models.TriggerModelUpdated, models.TriggerModelDeleted:
		return rule.TriggerType == trigger.Type && rule.TriggerModel == trigger.Model
	case models.TriggerStageChanged:
		return trigger.Type == models.TriggerModelUpdated &&
			rule.TriggerModel == trigger.Model &&
			fieldChanged(trigger, stageField)
	case models.TriggerStatusChanged:
		return trigger.Type == models.TriggerModelUpdated &&
			rule.TriggerModel == trigger.Model &&
			fieldChanged(trigger, statusField)
	case models.TriggerFieldChanged:
		return trigger.Type == models.TriggerModelUpdated &&
			rule.TriggerModel == trigger.Model &&
			anyConditionFieldChanged(rule, trigger)
	case models.TriggerSignal:
		if trigger.Type != models.TriggerSignal {
			return false
		}

		if rule.TriggerSignal != "" && rule.TriggerSignal != trigger.Signal {
			return false
		}

		return rule.TriggerModel == "" || rule.TriggerModel == trigger.Model
	case models.TriggerViewAction:
		if trigger.Type != models.TriggerViewAction || rule.TriggerModel != trigger.Model {
			return false
		}

		return rule.TriggerSignal == "" || rule.TriggerSignal == trigger.Signal
	case models.TriggerScheduled, models.TriggerManual:
		// Scheduled rules fire from the window scan, manual rules only from
		// the explicit run endpoints.
		return false
	}

	return false
}

// anyConditionFieldChanged requires at least one field referenced by the
// rule's conditions to have actually changed. A field_changed rule with no
// conditions never matches.
func anyConditionFieldChanged(rule *models.AutomationRule, trigger Trigger) bool {
	for field := range rule.ConditionFields() {
		if fieldChanged(trigger, field) {
			return true
		}
	}

	return false
}

func fieldChanged(trigger Trigger, field string) bool {
	oldValue, oldOK := trigger.Old[field]
	newValue, newOK := trigger.New[field]

	if oldOK != newOK {
		return true
	}

	return !reflect.DeepEqual(oldValue, newValue)
}
