// Package models defines the core domain models for the rule-based
// automation and bottleneck-detection engine.
package models

import (
	"errors"
	"time"
)

// TriggerType identifies which lifecycle event or schedule makes a rule
// eligible for evaluation.
type TriggerType string

const (
	TriggerModelCreated  TriggerType = "model_created"
	TriggerModelUpdated  TriggerType = "model_updated"
	TriggerModelDeleted  TriggerType = "model_deleted"
	TriggerStageChanged  TriggerType = "stage_changed"
	TriggerStatusChanged TriggerType = "status_changed"
	TriggerFieldChanged  TriggerType = "field_changed"
	TriggerScheduled     TriggerType = "scheduled"
	TriggerManual        TriggerType = "manual"
	TriggerSignal        TriggerType = "signal"
	TriggerViewAction    TriggerType = "view_action"
)

// ScheduleOffsetType determines whether a scheduled rule fires before or
// after the datetime field it is anchored to.
type ScheduleOffsetType string

const (
	OffsetBefore ScheduleOffsetType = "before"
	OffsetAfter  ScheduleOffsetType = "after"
)

// ScheduleConfig anchors a scheduled rule to a timestamp field on the
// watched entity, shifted by an offset.
type ScheduleConfig struct {
	DatetimeField string             `json:"datetime_field" validate:"required"`
	OffsetHours   int                `json:"offset_hours"   validate:"gte=0"`
	OffsetType    ScheduleOffsetType `json:"offset_type"    validate:"required,oneof=before after"`
}

// AutomationRule is a user-defined reaction rule: when the trigger matches
// and all conditions hold, the configured action is executed.
type AutomationRule struct {
	ID                string       `json:"id"`
	Name              string       `json:"name"         validate:"required,min=3"`
	Description       string       `json:"description"`
	TriggerType       TriggerType  `json:"trigger_type" validate:"required"`
	TriggerModel      string       `json:"trigger_model,omitempty"` // empty for manual/signal triggers
	TriggerSignal     string       `json:"trigger_signal,omitempty"`
	TriggerConditions []Condition  `json:"trigger_conditions,omitempty"`
	ScheduleConfig    *ScheduleConfig `json:"schedule_config,omitempty"`
	ActionType        ActionType   `json:"action_type"  validate:"required"`
	ActionConfig      ActionConfig `json:"action_config"`
	IsActive          bool         `json:"is_active"`

	TotalExecutions int64      `json:"total_executions"`
	TotalSuccess    int64      `json:"total_success"`
	TotalFailed     int64      `json:"total_failed"`
	LastTriggeredAt *time.Time `json:"last_triggered_at,omitempty"`

	CreatedBy string     `json:"created_by,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
}

var (
	ErrTriggerModelRequired   = errors.New("trigger_model is required for this trigger type")
	ErrScheduleConfigRequired = errors.New("schedule_config is required for scheduled triggers")
	ErrScheduleConfigInvalid  = errors.New("schedule_config is only valid for scheduled triggers")
)

// ValidTriggerType reports whether t is a supported trigger type.
func ValidTriggerType(t TriggerType) bool {
	switch t {
	case TriggerModelCreated, TriggerModelUpdated, TriggerModelDeleted,
		TriggerStageChanged, TriggerStatusChanged, TriggerFieldChanged,
		TriggerScheduled, TriggerManual, TriggerSignal, TriggerViewAction:
		return true
	}

	return false
}

// Validate checks trigger/action coherence beyond what struct tags cover.
func (r *AutomationRule) Validate() error {
	if !ValidTriggerType(r.TriggerType) {
		return errors.New("unknown trigger type: " + string(r.TriggerType))
	}

	switch r.TriggerType {
	case TriggerManual, TriggerSignal:
		// trigger_model is optional for these
	default:
		if r.TriggerModel == "" {
			return ErrTriggerModelRequired
		}
	}

	if r.TriggerType == TriggerScheduled && r.ScheduleConfig == nil {
		return ErrScheduleConfigRequired
	}

	if r.TriggerType != TriggerScheduled && r.ScheduleConfig != nil {
		return ErrScheduleConfigInvalid
	}

	for _, cond := range r.TriggerConditions {
		if !ValidOperator(cond.Operator) {
			return errors.New("unknown condition operator: " + string(cond.Operator))
		}
	}

	return r.ActionConfig.Validate(r.ActionType)
}

// ConditionFields returns the set of fields referenced by the rule's
// conditions. Used by the router for field_changed matching.
func (r *AutomationRule) ConditionFields() map[string]struct{} {
	fields := make(map[string]struct{}, len(r.TriggerConditions))
	for _, cond := range r.TriggerConditions {
		fields[cond.Field] = struct{}{}
	}

	return fields
}
