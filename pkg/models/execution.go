package models

import "time"

// ExecutionStatus is the lifecycle state of a rule execution. Executions
// start as running and move to exactly one terminal state.
type ExecutionStatus string

const (
	ExecutionRunning ExecutionStatus = "running"
	ExecutionSuccess ExecutionStatus = "success"
	ExecutionFailed  ExecutionStatus = "failed"
	ExecutionSkipped ExecutionStatus = "skipped"
)

// RuleSnapshot denormalizes the fields of the owning rule at execution time
// so executions stay meaningful after the rule is edited or deleted.
type RuleSnapshot struct {
	RuleName     string      `json:"rule_name"`
	TriggerType  TriggerType `json:"trigger_type"`
	TriggerModel string      `json:"trigger_model,omitempty"`
	ActionType   ActionType  `json:"action_type"`
}

// TriggerData captures the event payload the rule fired on.
type TriggerData struct {
	Model     string         `json:"model,omitempty"`
	ObjectID  string         `json:"object_id,omitempty"`
	OldValues map[string]any `json:"old_values,omitempty"`
	NewValues map[string]any `json:"new_values,omitempty"`
	Signal    string         `json:"signal,omitempty"`
}

// NotificationDelivery records one recipient's delivery outcome within a
// notification action.
type NotificationDelivery struct {
	Recipient string `json:"recipient"`
	Channel   string `json:"channel"`
	Success   bool   `json:"success"`
	Error     string `json:"error,omitempty"`
}

// ActionResult is the per-action outcome attached to an execution.
type ActionResult struct {
	// Webhook delivery outcome.
	StatusCode int    `json:"status_code,omitempty"`
	Body       string `json:"body,omitempty"`
	Attempts   int    `json:"attempts,omitempty"`
	LatencyMs  int64  `json:"latency_ms,omitempty"`

	// Notification outcome, one entry per recipient so partial failure
	// stays visible.
	Notifications  []NotificationDelivery `json:"notifications,omitempty"`
	ExternalEmails []NotificationDelivery `json:"external_emails,omitempty"`

	// Activity / field update outcome.
	ActivityID    string `json:"activity_id,omitempty"`
	UpdatedField  string `json:"updated_field,omitempty"`
	UpdatedValue  any    `json:"updated_value,omitempty"`
	PreviousValue any    `json:"previous_value,omitempty"`
}

// RuleExecution is the immutable audit record of one rule firing.
type RuleExecution struct {
	ID           string          `json:"id"`
	RuleID       string          `json:"rule_id"`
	Rule         RuleSnapshot    `json:"rule"`
	Status       ExecutionStatus `json:"status"`
	IsTest       bool            `json:"is_test"`
	TriggerData  TriggerData     `json:"trigger_data"`
	ActionResult *ActionResult   `json:"action_result,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	// DedupeKey guards scheduled-window firings: one execution per
	// (rule, object, window).
	DedupeKey       string     `json:"dedupe_key,omitempty"`
	ExecutionTimeMs int64      `json:"execution_time_ms"`
	StartedAt       time.Time  `json:"started_at"`
	FinishedAt      *time.Time `json:"finished_at,omitempty"`
}

// Terminal reports whether the execution reached a final state.
func (e *RuleExecution) Terminal() bool {
	switch e.Status {
	case ExecutionSuccess, ExecutionFailed, ExecutionSkipped:
		return true
	case ExecutionRunning:
		return false
	}

	return false
}

// TestResult is the synchronous preview returned by the rule test endpoint.
// When DryRun is set nothing was persisted and no counters moved.
type TestResult struct {
	RuleID           string          `json:"rule_id"`
	DryRun           bool            `json:"dry_run"`
	ConditionsMatched bool           `json:"conditions_matched"`
	Status           ExecutionStatus `json:"status"`
	ActionPreview    map[string]any  `json:"action_preview,omitempty"`
	ActionResult     *ActionResult   `json:"action_result,omitempty"`
	ErrorMessage     string          `json:"error_message,omitempty"`
}
