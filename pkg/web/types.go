// Package web provides the HTTP surface: rule and endpoint management, the
// inbound webhook path, and the execution/detection query APIs.
package web

import "github.com/castellanhq/castellan/pkg/models"

// CreateRuleRequest is the request body for creating an automation rule.
type CreateRuleRequest struct {
	Name              string                 `json:"name"         validate:"required,min=3"`
	Description       string                 `json:"description"`
	TriggerType       models.TriggerType     `json:"trigger_type" validate:"required"`
	TriggerModel      string                 `json:"trigger_model,omitempty"`
	TriggerSignal     string                 `json:"trigger_signal,omitempty"`
	TriggerConditions []models.Condition     `json:"trigger_conditions,omitempty"`
	ScheduleConfig    *models.ScheduleConfig `json:"schedule_config,omitempty"`
	ActionType        models.ActionType      `json:"action_type"  validate:"required"`
	ActionConfig      models.ActionConfig    `json:"action_config"`
	IsActive          *bool                  `json:"is_active,omitempty"`
	CreatedBy         string                 `json:"created_by,omitempty"`
}

// UpdateRuleRequest supports partial updates; nil fields are left unchanged.
type UpdateRuleRequest struct {
	Name              *string                `json:"name,omitempty" validate:"omitempty,min=3"`
	Description       *string                `json:"description,omitempty"`
	TriggerConditions []models.Condition     `json:"trigger_conditions,omitempty"`
	ScheduleConfig    *models.ScheduleConfig `json:"schedule_config,omitempty"`
	ActionConfig      *models.ActionConfig   `json:"action_config,omitempty"`
	IsActive          *bool                  `json:"is_active,omitempty"`
}

// TestRuleRequest runs one rule against one record. With DryRun set the
// action is previewed and nothing is persisted.
type TestRuleRequest struct {
	ObjectID string `json:"object_id" validate:"required"`
	DryRun   bool   `json:"dry_run"`
}

// CreateEndpointRequest is the request body for creating a webhook endpoint.
type CreateEndpointRequest struct {
	Name               string                     `json:"name" validate:"required,min=3"`
	Slug               string                     `json:"slug" validate:"required"`
	AuthType           models.WebhookAuthType     `json:"auth_type"     validate:"required,oneof=none api_key hmac"`
	APIKey             string                     `json:"api_key,omitempty"`
	HMACSecret         string                     `json:"hmac_secret,omitempty"`
	TargetModel        string                     `json:"target_model"  validate:"required"`
	TargetAction       models.WebhookTargetAction `json:"target_action" validate:"required,oneof=create update upsert"`
	FieldMapping       map[string]string          `json:"field_mapping" validate:"required"`
	DefaultValues      map[string]any             `json:"default_values,omitempty"`
	RequiredFields     []string                   `json:"required_fields,omitempty"`
	DedupeField        string                     `json:"dedupe_field,omitempty"`
	RateLimitPerMinute int                        `json:"rate_limit_per_minute,omitempty" validate:"gte=0"`
	IsActive           *bool                      `json:"is_active,omitempty"`
}

// UpdateEndpointRequest supports partial updates of a webhook endpoint.
type UpdateEndpointRequest struct {
	Name               *string           `json:"name,omitempty" validate:"omitempty,min=3"`
	APIKey             *string           `json:"api_key,omitempty"`
	HMACSecret         *string           `json:"hmac_secret,omitempty"`
	FieldMapping       map[string]string `json:"field_mapping,omitempty"`
	DefaultValues      map[string]any    `json:"default_values,omitempty"`
	RequiredFields     []string          `json:"required_fields,omitempty"`
	DedupeField        *string           `json:"dedupe_field,omitempty"`
	RateLimitPerMinute *int              `json:"rate_limit_per_minute,omitempty" validate:"omitempty,gte=0"`
	IsActive           *bool             `json:"is_active,omitempty"`
}

// CreateBottleneckRuleRequest is the request body for a bottleneck rule.
type CreateBottleneckRuleRequest struct {
	Name                       string                              `json:"name"        validate:"required,min=3"`
	Description                string                              `json:"description"`
	EntityType                 string                              `json:"entity_type" validate:"required"`
	BottleneckType             models.BottleneckType               `json:"bottleneck_type" validate:"required"`
	DetectionConfig            models.DetectionConfig              `json:"detection_config"`
	FilterConditions           []models.Condition                  `json:"filter_conditions,omitempty"`
	CooldownHours              float64                             `json:"cooldown_hours" validate:"gte=0"`
	EnableWarnings             bool                                `json:"enable_warnings"`
	WarningThresholdPercentage float64                             `json:"warning_threshold_percentage,omitempty" validate:"omitempty,gt=0,lte=100"`
	SendNotification           bool                                `json:"send_notification"`
	NotificationConfig         *models.DetectionNotificationConfig `json:"notification_config,omitempty"`
	CreateTask                 bool                                `json:"create_task"`
	TaskConfig                 *models.DetectionTaskConfig         `json:"task_config,omitempty"`
	RunOnSchedule              bool                                `json:"run_on_schedule"`
	ScheduleIntervalMinutes    int                                 `json:"schedule_interval_minutes,omitempty" validate:"gte=0"`
	IsActive                   *bool                               `json:"is_active,omitempty"`
}

// UpdateBottleneckRuleRequest supports partial updates.
type UpdateBottleneckRuleRequest struct {
	Name                       *string                             `json:"name,omitempty" validate:"omitempty,min=3"`
	Description                *string                             `json:"description,omitempty"`
	DetectionConfig            *models.DetectionConfig             `json:"detection_config,omitempty"`
	FilterConditions           []models.Condition                  `json:"filter_conditions,omitempty"`
	CooldownHours              *float64                            `json:"cooldown_hours,omitempty" validate:"omitempty,gte=0"`
	EnableWarnings             *bool                               `json:"enable_warnings,omitempty"`
	WarningThresholdPercentage *float64                            `json:"warning_threshold_percentage,omitempty" validate:"omitempty,gt=0,lte=100"`
	SendNotification           *bool                               `json:"send_notification,omitempty"`
	NotificationConfig         *models.DetectionNotificationConfig `json:"notification_config,omitempty"`
	CreateTask                 *bool                               `json:"create_task,omitempty"`
	TaskConfig                 *models.DetectionTaskConfig         `json:"task_config,omitempty"`
	RunOnSchedule              *bool                               `json:"run_on_schedule,omitempty"`
	ScheduleIntervalMinutes    *int                                `json:"schedule_interval_minutes,omitempty" validate:"omitempty,gte=0"`
	IsActive                   *bool                               `json:"is_active,omitempty"`
}

// ResolveDetectionRequest marks a detection resolved by hand.
type ResolveDetectionRequest struct {
	ResolvedBy string `json:"resolved_by" validate:"required"`
}
