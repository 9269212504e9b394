// Package notification provides the user notification action.
package notification

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/castellanhq/castellan/pkg/models"
	"github.com/castellanhq/castellan/pkg/notify"
	"github.com/castellanhq/castellan/pkg/protocol"
	"github.com/castellanhq/castellan/pkg/template"
)

var (
	// ErrNoRecipients is returned when recipient resolution yields nobody.
	ErrNoRecipients = errors.New("no notification recipients resolved")
	// ErrAllDeliveriesFailed is returned when every resolved delivery failed.
	ErrAllDeliveriesFailed = errors.New("all notification deliveries failed")
)

// Executor dispatches notifications to resolved recipients. Partial failure
// is tolerated: the action succeeds when at least one delivery lands, and
// every per-recipient outcome is recorded on the result.
type Executor struct {
	config   models.NotificationActionConfig
	notifier notify.Notifier
}

func NewExecutor(config models.NotificationActionConfig, notifier notify.Notifier) *Executor {
	return &Executor{config: config, notifier: notifier}
}

func (e *Executor) Execute(ctx context.Context, executionCtx protocol.ExecutionContext, logger *slog.Logger) (*models.ActionResult, error) {
	logger = logger.With("module", "notification_action")

	title, body, subject, err := e.renderTemplates(executionCtx)
	if err != nil {
		return nil, err
	}

	recipients, external, err := e.resolveRecipients(executionCtx)
	if err != nil {
		return nil, err
	}

	if len(recipients) == 0 && len(external) == 0 {
		return nil, ErrNoRecipients
	}

	result := &models.ActionResult{}
	delivered := 0

	for _, recipient := range recipients {
		for _, channel := range e.channels() {
			message := notify.Message{
				Recipient: recipient,
				Channel:   channel,
				Title:     title,
				Body:      body,
				Subject:   subject,
			}

			delivery := models.NotificationDelivery{Recipient: recipient, Channel: channel, Success: true}

			err := e.notifier.Send(ctx, message)
			if err != nil {
				logger.WarnContext(ctx, "Notification delivery failed",
					"recipient", recipient, "channel", channel, "error", err)

				delivery.Success = false
				delivery.Error = err.Error()
			} else {
				delivered++
			}

			result.Notifications = append(result.Notifications, delivery)
		}
	}

	for _, address := range external {
		message := notify.Message{
			Recipient: address,
			Channel:   notify.ChannelEmail,
			Title:     title,
			Body:      body,
			Subject:   subject,
			External:  true,
		}

		delivery := models.NotificationDelivery{Recipient: address, Channel: notify.ChannelEmail, Success: true}

		err := e.notifier.Send(ctx, message)
		if err != nil {
			logger.WarnContext(ctx, "External email delivery failed",
				"recipient", address, "error", err)

			delivery.Success = false
			delivery.Error = err.Error()
		} else {
			delivered++
		}

		result.ExternalEmails = append(result.ExternalEmails, delivery)
	}

	if delivered == 0 {
		return result, ErrAllDeliveriesFailed
	}

	return result, nil
}

// Preview renders the templates and resolved recipients without sending.
func (e *Executor) Preview(_ context.Context, executionCtx protocol.ExecutionContext) (map[string]any, error) {
	title, body, subject, err := e.renderTemplates(executionCtx)
	if err != nil {
		return nil, err
	}

	recipients, external, err := e.resolveRecipients(executionCtx)
	if err != nil {
		return nil, err
	}

	return map[string]any{
		"channel":         e.config.Channel,
		"recipients":      recipients,
		"external_emails": external,
		"title":           title,
		"body":            body,
		"subject":         subject,
	}, nil
}

func (e *Executor) Validate(_ context.Context) error {
	for name, tmpl := range map[string]string{
		"title":   e.config.TitleTemplate,
		"body":    e.config.BodyTemplate,
		"subject": e.config.SubjectTemplate,
	} {
		_, err := template.Parse(tmpl)
		if err != nil {
			return fmt.Errorf("invalid %s template: %w", name, err)
		}
	}

	if e.config.RecipientType == models.RecipientEntityField && e.config.RecipientField == "" {
		return errors.New("recipient_field is required for entity_field recipients")
	}

	return nil
}

func (e *Executor) channels() []string {
	switch e.config.Channel {
	case "both":
		return []string{notify.ChannelInApp, notify.ChannelEmail}
	case notify.ChannelEmail:
		return []string{notify.ChannelEmail}
	default:
		return []string{notify.ChannelInApp}
	}
}

// resolveRecipients splits resolution by recipient type: user ids come from
// the config list, entity_field reads addresses off the record, and
// external_email treats the config list as raw addresses.
func (e *Executor) resolveRecipients(executionCtx protocol.ExecutionContext) ([]string, []string, error) {
	switch e.config.RecipientType {
	case models.RecipientUser:
		return e.config.Recipients, nil, nil
	case models.RecipientExternalEmail:
		return nil, e.config.Recipients, nil
	case models.RecipientEntityField:
		value, ok := executionCtx.Record[e.config.RecipientField]
		if !ok || value == nil {
			return nil, nil, nil
		}

		switch typed := value.(type) {
		case string:
			if typed == "" {
				return nil, nil, nil
			}

			return nil, []string{typed}, nil
		case []any:
			addresses := make([]string, 0, len(typed))

			for _, entry := range typed {
				if address, ok := entry.(string); ok && address != "" {
					addresses = append(addresses, address)
				}
			}

			return nil, addresses, nil
		case []string:
			return nil, typed, nil
		default:
			return nil, nil, fmt.Errorf("recipient field '%s' is not an address", e.config.RecipientField)
		}
	default:
		return nil, nil, fmt.Errorf("unknown recipient type: %s", e.config.RecipientType)
	}
}

func (e *Executor) renderTemplates(executionCtx protocol.ExecutionContext) (string, string, string, error) {
	tctx := &template.Context{
		Record: executionCtx.Record,
		Old:    executionCtx.Old,
	}

	if executionCtx.Rule != nil {
		tctx.Rule = map[string]any{
			"id":   executionCtx.Rule.ID,
			"name": executionCtx.Rule.Name,
		}
	}

	title, err := template.RenderString(e.config.TitleTemplate, tctx)
	if err != nil {
		return "", "", "", fmt.Errorf("failed to render title: %w", err)
	}

	body := ""

	if e.config.BodyTemplate != "" {
		body, err = template.RenderString(e.config.BodyTemplate, tctx)
		if err != nil {
			return "", "", "", fmt.Errorf("failed to render body: %w", err)
		}
	}

	subject := title

	if e.config.SubjectTemplate != "" {
		subject, err = template.RenderString(e.config.SubjectTemplate, tctx)
		if err != nil {
			return "", "", "", fmt.Errorf("failed to render subject: %w", err)
		}
	}

	return title, body, subject, nil
}
