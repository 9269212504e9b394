package models

import (
	"errors"
	"fmt"
	"time"
)

// BottleneckType is the broad class of metric a bottleneck rule watches.
type BottleneckType string

const (
	BottleneckThreshold  BottleneckType = "threshold"
	BottleneckCount      BottleneckType = "count"
	BottleneckPercentage BottleneckType = "percentage"
	BottleneckDuration   BottleneckType = "duration"
	BottleneckOverdue    BottleneckType = "overdue"
)

// DetectionKind tags the DetectionConfig variant.
type DetectionKind string

const (
	DetectStageDuration DetectionKind = "stage_duration"
	DetectLastActivity  DetectionKind = "last_activity"
	DetectOverdue       DetectionKind = "overdue"
	DetectCountInState  DetectionKind = "count_in_state"
	DetectCustom        DetectionKind = "custom"
)

// DetectionConfig is a tagged union; exactly the variant matching Kind must
// be set.
type DetectionConfig struct {
	Kind          DetectionKind               `json:"kind" validate:"required"`
	StageDuration *StageDurationConfig        `json:"stage_duration,omitempty"`
	LastActivity  *LastActivityConfig         `json:"last_activity,omitempty"`
	Overdue       *OverdueConfig              `json:"overdue,omitempty"`
	CountInState  *CountInStateConfig         `json:"count_in_state,omitempty"`
	Custom        *CustomDetectionConfig      `json:"custom,omitempty"`
}

// StageDurationConfig breaches when an entity has sat in its current stage
// longer than ThresholdDays.
type StageDurationConfig struct {
	StageField    string  `json:"stage_field"    validate:"required"`
	Stage         string  `json:"stage,omitempty"` // empty means any stage
	ThresholdDays float64 `json:"threshold_days" validate:"gt=0"`
}

// LastActivityConfig breaches when no activity has been recorded for
// ThresholdDays.
type LastActivityConfig struct {
	ThresholdDays float64 `json:"threshold_days" validate:"gt=0"`
}

// OverdueConfig breaches when a due/deadline field has passed by more than
// GraceHours.
type OverdueConfig struct {
	DueField   string  `json:"due_field" validate:"required"`
	GraceHours float64 `json:"grace_hours,omitempty"`
}

// CountInStateConfig breaches when the count of related records in a given
// state reaches Threshold.
type CountInStateConfig struct {
	RelatedModel string  `json:"related_model" validate:"required"`
	StateField   string  `json:"state_field"   validate:"required"`
	State        string  `json:"state"         validate:"required"`
	Threshold    float64 `json:"threshold"     validate:"gt=0"`
}

// CustomDetectionConfig compares an arbitrary numeric field to a threshold.
type CustomDetectionConfig struct {
	MetricField string  `json:"metric_field" validate:"required"`
	Threshold   float64 `json:"threshold"    validate:"gt=0"`
}

var ErrDetectionConfigMissing = errors.New("detection config variant missing for kind")

// Validate ensures the variant matching Kind is present.
func (c DetectionConfig) Validate() error {
	switch c.Kind {
	case DetectStageDuration:
		if c.StageDuration == nil {
			return fmt.Errorf("%w: %s", ErrDetectionConfigMissing, c.Kind)
		}
	case DetectLastActivity:
		if c.LastActivity == nil {
			return fmt.Errorf("%w: %s", ErrDetectionConfigMissing, c.Kind)
		}
	case DetectOverdue:
		if c.Overdue == nil {
			return fmt.Errorf("%w: %s", ErrDetectionConfigMissing, c.Kind)
		}
	case DetectCountInState:
		if c.CountInState == nil {
			return fmt.Errorf("%w: %s", ErrDetectionConfigMissing, c.Kind)
		}
	case DetectCustom:
		if c.Custom == nil {
			return fmt.Errorf("%w: %s", ErrDetectionConfigMissing, c.Kind)
		}
	default:
		return errors.New("unknown detection kind: " + string(c.Kind))
	}

	return nil
}

// DetectionNotificationConfig describes the notification side effect fired
// on first detection.
type DetectionNotificationConfig struct {
	Channel        string        `json:"channel"        validate:"required,oneof=in_app email both"`
	RecipientType  RecipientType `json:"recipient_type" validate:"required"`
	Recipients     []string      `json:"recipients,omitempty"`
	RecipientField string        `json:"recipient_field,omitempty"` // for entity_field recipients
	TitleTemplate  string        `json:"title_template,omitempty"`
	BodyTemplate   string        `json:"body_template,omitempty"`
}

// DetectionTaskConfig describes the follow-up task side effect.
type DetectionTaskConfig struct {
	TitleTemplate string `json:"title_template,omitempty"`
	AssigneeField string `json:"assignee_field,omitempty"`
	Assignee      string `json:"assignee,omitempty"`
	DueInHours    int    `json:"due_in_hours,omitempty"`
}

// BottleneckRule is a threshold-detection configuration scanned on a
// schedule or on demand.
type BottleneckRule struct {
	ID               string          `json:"id"`
	Name             string          `json:"name"        validate:"required,min=3"`
	Description      string          `json:"description"`
	EntityType       string          `json:"entity_type" validate:"required"`
	BottleneckType   BottleneckType  `json:"bottleneck_type" validate:"required"`
	DetectionConfig  DetectionConfig `json:"detection_config"`
	FilterConditions []Condition     `json:"filter_conditions,omitempty"`
	IsActive         bool            `json:"is_active"`

	CooldownHours              float64 `json:"cooldown_hours"`
	EnableWarnings             bool    `json:"enable_warnings"`
	WarningThresholdPercentage float64 `json:"warning_threshold_percentage,omitempty" validate:"omitempty,gt=0,lte=100"`

	SendNotification   bool                         `json:"send_notification"`
	NotificationConfig *DetectionNotificationConfig `json:"notification_config,omitempty"`
	CreateTask         bool                         `json:"create_task"`
	TaskConfig         *DetectionTaskConfig         `json:"task_config,omitempty"`

	RunOnSchedule           bool       `json:"run_on_schedule"`
	ScheduleIntervalMinutes int        `json:"schedule_interval_minutes,omitempty"`
	NextRunAt               *time.Time `json:"next_run_at,omitempty"`
	LastRunAt               *time.Time `json:"last_run_at,omitempty"`

	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
}

// Validate checks the detection config and side-effect coherence.
func (r *BottleneckRule) Validate() error {
	if err := r.DetectionConfig.Validate(); err != nil {
		return err
	}

	if r.SendNotification && r.NotificationConfig == nil {
		return errors.New("notification_config is required when send_notification is set")
	}

	if r.CreateTask && r.TaskConfig == nil {
		return errors.New("task_config is required when create_task is set")
	}

	if r.RunOnSchedule && r.ScheduleIntervalMinutes <= 0 {
		return errors.New("schedule_interval_minutes must be positive for scheduled rules")
	}

	for _, cond := range r.FilterConditions {
		if !ValidOperator(cond.Operator) {
			return errors.New("unknown filter operator: " + string(cond.Operator))
		}
	}

	return nil
}

// Severity classifies a detection.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// BottleneckDetection is one detected breach for one entity. At most one
// unresolved detection may exist per (rule, entity).
type BottleneckDetection struct {
	ID                string     `json:"id"`
	RuleID            string     `json:"rule_id"`
	EntityType        string     `json:"entity_type"`
	EntityID          string     `json:"entity_id"`
	Severity          Severity   `json:"severity"`
	CurrentValue      float64    `json:"current_value"`
	ThresholdValue    float64    `json:"threshold_value"`
	ProjectedBreachAt *time.Time `json:"projected_breach_at,omitempty"`
	NotificationSent  bool       `json:"notification_sent"`
	TaskCreated       bool       `json:"task_created"`
	TaskID            string     `json:"task_id,omitempty"`
	IsResolved        bool       `json:"is_resolved"`
	ResolvedAt        *time.Time `json:"resolved_at,omitempty"`
	ResolvedBy        string     `json:"resolved_by,omitempty"`
	DetectedAt        time.Time  `json:"detected_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// DetectionRun is one record per scheduled/manual run of a bottleneck rule
// (the rule's run log). EntityIDs enables diffing consecutive runs.
type DetectionRun struct {
	ID                string          `json:"id"`
	RuleID            string          `json:"rule_id"`
	RuleSnapshot      *BottleneckRule `json:"rule_snapshot,omitempty"`
	EntitiesScanned   int             `json:"entities_scanned"`
	EntitiesMatched   int             `json:"entities_matched"`
	EntitiesInCooldown int            `json:"entities_in_cooldown"`
	DetectionsCreated int             `json:"detections_created"`
	DetectionsResolved int            `json:"detections_resolved"`
	NotificationsSent int             `json:"notifications_sent"`
	TasksCreated      int             `json:"tasks_created"`
	EntityIDs         []string        `json:"entity_ids,omitempty"`
	Trigger           string          `json:"trigger"` // scheduled or manual
	StartedAt         time.Time       `json:"started_at"`
	FinishedAt        time.Time       `json:"finished_at"`
}
