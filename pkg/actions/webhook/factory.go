package webhook

import (
	"context"
	"fmt"

	"github.com/castellanhq/castellan/pkg/models"
	"github.com/castellanhq/castellan/pkg/protocol"
)

// ExecutorFactory creates webhook executors.
type ExecutorFactory struct{}

func NewExecutorFactory() *ExecutorFactory {
	return &ExecutorFactory{}
}

func (f *ExecutorFactory) Create(_ context.Context, config models.ActionConfig) (protocol.Executor, error) {
	if config.Webhook == nil {
		return nil, fmt.Errorf("%w: %s", models.ErrActionConfigMissing, f.ID())
	}

	return NewExecutor(*config.Webhook)
}

func (f *ExecutorFactory) ID() string {
	return string(models.ActionSendWebhook)
}

func (f *ExecutorFactory) Name() string {
	return "Send Webhook"
}

func (f *ExecutorFactory) Description() string {
	return "Delivers a templated HTTP payload to an external URL with retry and backoff."
}

// Schema returns the JSON schema for the webhook variant of the action
// configuration.
func (f *ExecutorFactory) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"url": map[string]any{
				"type":        "string",
				"description": "Destination URL. Supports templating against the record snapshot.",
				"examples": []string{
					"https://hooks.example.com/deals",
					"https://hooks.example.com/deals/{{.record.id}}",
				},
			},
			"method": map[string]any{
				"type":        "string",
				"description": "HTTP method for the delivery.",
				"default":     "POST",
				"enum":        []string{"GET", "POST", "PUT", "PATCH", "DELETE"},
			},
			"headers": map[string]any{
				"type":        "object",
				"description": "Headers to include. Values support templating.",
				"additionalProperties": map[string]any{
					"type": "string",
				},
			},
			"payload_template": map[string]any{
				"type":        "string",
				"format":      "code",
				"description": "Request body template rendered against the record snapshot.",
				"examples": []string{
					`{"deal": "{{.record.name}}", "stage": "{{.record.stage}}"}`,
				},
			},
			"timeout_seconds": map[string]any{
				"type":        "integer",
				"description": "Per-attempt timeout in seconds.",
				"default":     defaultTimeoutSeconds,
				"minimum":     1,
				"maximum":     120, //nolint:mnd // schema bound
			},
			"max_attempts": map[string]any{
				"type":        "integer",
				"description": "Delivery attempts before the execution fails.",
				"default":     defaultMaxAttempts,
				"minimum":     1,
				"maximum":     5, //nolint:mnd // schema bound
			},
		},
		"required":             []string{"url", "method"},
		"additionalProperties": false,
	}
}
