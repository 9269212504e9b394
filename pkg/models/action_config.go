package models

import (
	"errors"
	"fmt"
)

// ActionType identifies what a matched rule does.
type ActionType string

const (
	ActionSendWebhook      ActionType = "send_webhook"
	ActionSendNotification ActionType = "send_notification"
	ActionCreateActivity   ActionType = "create_activity"
	ActionUpdateField      ActionType = "update_field"
)

// ActionConfig is a tagged union keyed by the rule's ActionType. Exactly one
// variant matching the action type must be set.
type ActionConfig struct {
	Webhook      *WebhookActionConfig      `json:"webhook,omitempty"`
	Notification *NotificationActionConfig `json:"notification,omitempty"`
	Activity     *ActivityActionConfig     `json:"activity,omitempty"`
	FieldUpdate  *FieldUpdateActionConfig  `json:"field_update,omitempty"`
}

// WebhookActionConfig configures an outbound HTTP delivery. URL, header
// values and the payload template support {{.field}} templating resolved
// against the record snapshot.
type WebhookActionConfig struct {
	URL             string            `json:"url"    validate:"required"`
	Method          string            `json:"method" validate:"required"`
	Headers         map[string]string `json:"headers,omitempty"`
	PayloadTemplate string            `json:"payload_template,omitempty"`
	TimeoutSeconds  int               `json:"timeout_seconds,omitempty"`
	MaxAttempts     int               `json:"max_attempts,omitempty"`
}

// RecipientType describes how notification recipients are resolved.
type RecipientType string

const (
	RecipientUser          RecipientType = "user"           // a registered user id with in-app/email channels
	RecipientEntityField   RecipientType = "entity_field"   // an email address read from a record field
	RecipientExternalEmail RecipientType = "external_email" // a fixed list of external addresses
)

// NotificationActionConfig configures notification dispatch. Title, body and
// email subject are templates rendered against the record snapshot.
type NotificationActionConfig struct {
	Channel         string        `json:"channel"        validate:"required,oneof=in_app email both"`
	RecipientType   RecipientType `json:"recipient_type" validate:"required"`
	Recipients      []string      `json:"recipients,omitempty"`      // user ids or email addresses
	RecipientField  string        `json:"recipient_field,omitempty"` // for entity_field recipients
	TitleTemplate   string        `json:"title_template" validate:"required"`
	BodyTemplate    string        `json:"body_template,omitempty"`
	SubjectTemplate string        `json:"subject_template,omitempty"`
}

// ActivityActionConfig configures an activity/timeline entry on the
// triggering entity.
type ActivityActionConfig struct {
	ActivityType string `json:"activity_type" validate:"required"`
	NoteTemplate string `json:"note_template,omitempty"`
}

// ValueSource determines where an update_field action takes its value from.
type ValueSource string

const (
	ValueSourceStatic   ValueSource = "static"   // literal value from the config
	ValueSourceField    ValueSource = "field"    // copied from another record field
	ValueSourceTemplate ValueSource = "template" // rendered template
)

// FieldUpdateActionConfig configures a single-field mutation on the
// triggering entity.
type FieldUpdateActionConfig struct {
	TargetField   string      `json:"target_field" validate:"required"`
	Value         any         `json:"value,omitempty"`
	ValueSource   ValueSource `json:"value_source,omitempty"`
	ValueType     string      `json:"value_type,omitempty"` // string|number|boolean|datetime
	SourceField   string      `json:"source_field,omitempty"`
	RelationField string      `json:"relation_field,omitempty"`
}

var (
	ErrActionConfigMissing  = errors.New("action config variant missing for action type")
	ErrActionConfigMismatch = errors.New("action config variant does not match action type")
)

// ValidActionType reports whether t is a supported action type.
func ValidActionType(t ActionType) bool {
	switch t {
	case ActionSendWebhook, ActionSendNotification, ActionCreateActivity, ActionUpdateField:
		return true
	}

	return false
}

// Validate ensures exactly the variant matching actionType is set.
func (c ActionConfig) Validate(actionType ActionType) error {
	variants := 0

	if c.Webhook != nil {
		variants++
	}

	if c.Notification != nil {
		variants++
	}

	if c.Activity != nil {
		variants++
	}

	if c.FieldUpdate != nil {
		variants++
	}

	if variants > 1 {
		return fmt.Errorf("%w: %d variants set", ErrActionConfigMismatch, variants)
	}

	switch actionType {
	case ActionSendWebhook:
		if c.Webhook == nil {
			return fmt.Errorf("%w: %s", ErrActionConfigMissing, actionType)
		}
	case ActionSendNotification:
		if c.Notification == nil {
			return fmt.Errorf("%w: %s", ErrActionConfigMissing, actionType)
		}
	case ActionCreateActivity:
		if c.Activity == nil {
			return fmt.Errorf("%w: %s", ErrActionConfigMissing, actionType)
		}
	case ActionUpdateField:
		if c.FieldUpdate == nil {
			return fmt.Errorf("%w: %s", ErrActionConfigMissing, actionType)
		}
	default:
		return errors.New("unknown action type: " + string(actionType))
	}

	return nil
}
