package notification

import (
	"context"
	"fmt"

	"github.com/castellanhq/castellan/pkg/models"
	"github.com/castellanhq/castellan/pkg/notify"
	"github.com/castellanhq/castellan/pkg/protocol"
)

// ExecutorFactory creates notification executors bound to a notifier.
type ExecutorFactory struct {
	notifier notify.Notifier
}

func NewExecutorFactory(notifier notify.Notifier) *ExecutorFactory {
	return &ExecutorFactory{notifier: notifier}
}

func (f *ExecutorFactory) Create(_ context.Context, config models.ActionConfig) (protocol.Executor, error) {
	if config.Notification == nil {
		return nil, fmt.Errorf("%w: %s", models.ErrActionConfigMissing, f.ID())
	}

	return NewExecutor(*config.Notification, f.notifier), nil
}

func (f *ExecutorFactory) ID() string {
	return string(models.ActionSendNotification)
}

func (f *ExecutorFactory) Name() string {
	return "Send Notification"
}

func (f *ExecutorFactory) Description() string {
	return "Notifies users or external addresses over in-app and email channels."
}

func (f *ExecutorFactory) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"channel": map[string]any{
				"type":        "string",
				"description": "Delivery channel.",
				"enum":        []string{"in_app", "email", "both"},
			},
			"recipient_type": map[string]any{
				"type":        "string",
				"description": "How recipients are resolved.",
				"enum":        []string{"user", "entity_field", "external_email"},
			},
			"recipients": map[string]any{
				"type":        "array",
				"description": "User ids or email addresses, depending on recipient_type.",
				"items":       map[string]any{"type": "string"},
			},
			"recipient_field": map[string]any{
				"type":        "string",
				"description": "Record field holding the address for entity_field recipients.",
			},
			"title_template": map[string]any{
				"type":        "string",
				"description": "Notification title. Supports templating.",
			},
			"body_template": map[string]any{
				"type":        "string",
				"description": "Notification body. Supports templating.",
			},
			"subject_template": map[string]any{
				"type":        "string",
				"description": "Email subject. Defaults to the rendered title.",
			},
		},
		"required":             []string{"channel", "recipient_type", "title_template"},
		"additionalProperties": false,
	}
}
