package notification_test

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/castellanhq/castellan/pkg/actions/notification"
	"github.com/castellanhq/castellan/pkg/models"
	"github.com/castellanhq/castellan/pkg/notify"
	"github.com/castellanhq/castellan/pkg/protocol"
)

func dealContext() protocol.ExecutionContext {
	return protocol.ExecutionContext{
		Rule:     &models.AutomationRule{ID: "rule-1", Name: "deal-won"},
		Model:    "deal",
		ObjectID: "deal-1",
		Record: map[string]any{
			"name":          "Acme",
			"owner_email":   "owner@example.com",
			"watcher_email": []any{"a@example.com", "b@example.com"},
		},
	}
}

func TestExecuteSendsToUsersOnBothChannels(t *testing.T) {
	t.Parallel()

	notifier := notify.NewMemoryNotifier()
	executor := notification.NewExecutor(models.NotificationActionConfig{
		Channel:       "both",
		RecipientType: models.RecipientUser,
		Recipients:    []string{"user-1"},
		TitleTemplate: "{{.record.name}} won by {{.rule.name}}",
	}, notifier)

	result, err := executor.Execute(context.Background(), dealContext(), slog.Default())
	require.NoError(t, err)

	require.Len(t, result.Notifications, 2)
	assert.True(t, result.Notifications[0].Success)
	assert.True(t, result.Notifications[1].Success)

	messages := notifier.Messages()
	require.Len(t, messages, 2)
	assert.Equal(t, "Acme won by deal-won", messages[0].Title)
	assert.ElementsMatch(t,
		[]string{notify.ChannelInApp, notify.ChannelEmail},
		[]string{messages[0].Channel, messages[1].Channel},
	)
}

func TestExecuteEntityFieldRecipients(t *testing.T) {
	t.Parallel()

	notifier := notify.NewMemoryNotifier()
	executor := notification.NewExecutor(models.NotificationActionConfig{
		Channel:        notify.ChannelEmail,
		RecipientType:  models.RecipientEntityField,
		RecipientField: "watcher_email",
		TitleTemplate:  "heads up",
	}, notifier)

	result, err := executor.Execute(context.Background(), dealContext(), slog.Default())
	require.NoError(t, err)

	require.Len(t, result.ExternalEmails, 2)

	messages := notifier.Messages()
	require.Len(t, messages, 2)
	assert.True(t, messages[0].External)
	assert.ElementsMatch(t,
		[]string{"a@example.com", "b@example.com"},
		[]string{messages[0].Recipient, messages[1].Recipient},
	)
}

func TestExecutePartialFailureStillSucceeds(t *testing.T) {
	t.Parallel()

	notifier := notify.NewMemoryNotifier()
	notifier.FailFor("user-2")

	executor := notification.NewExecutor(models.NotificationActionConfig{
		Channel:       notify.ChannelInApp,
		RecipientType: models.RecipientUser,
		Recipients:    []string{"user-1", "user-2"},
		TitleTemplate: "hello",
	}, notifier)

	result, err := executor.Execute(context.Background(), dealContext(), slog.Default())
	require.NoError(t, err)

	require.Len(t, result.Notifications, 2)
	assert.True(t, result.Notifications[0].Success)
	assert.False(t, result.Notifications[1].Success)
	assert.NotEmpty(t, result.Notifications[1].Error)
}

func TestExecuteAllFailuresReturnError(t *testing.T) {
	t.Parallel()

	notifier := notify.NewMemoryNotifier()
	notifier.FailFor("user-1")

	executor := notification.NewExecutor(models.NotificationActionConfig{
		Channel:       notify.ChannelInApp,
		RecipientType: models.RecipientUser,
		Recipients:    []string{"user-1"},
		TitleTemplate: "hello",
	}, notifier)

	result, err := executor.Execute(context.Background(), dealContext(), slog.Default())
	require.ErrorIs(t, err, notification.ErrAllDeliveriesFailed)
	require.NotNil(t, result, "failed deliveries are still recorded on the result")
	assert.Len(t, result.Notifications, 1)
}

func TestExecuteNoRecipients(t *testing.T) {
	t.Parallel()

	executor := notification.NewExecutor(models.NotificationActionConfig{
		Channel:        notify.ChannelEmail,
		RecipientType:  models.RecipientEntityField,
		RecipientField: "missing_field",
		TitleTemplate:  "hello",
	}, notify.NewMemoryNotifier())

	_, err := executor.Execute(context.Background(), dealContext(), slog.Default())
	assert.ErrorIs(t, err, notification.ErrNoRecipients)
}

func TestExecuteSubjectDefaultsToTitle(t *testing.T) {
	t.Parallel()

	notifier := notify.NewMemoryNotifier()
	executor := notification.NewExecutor(models.NotificationActionConfig{
		Channel:       notify.ChannelEmail,
		RecipientType: models.RecipientExternalEmail,
		Recipients:    []string{"ext@example.com"},
		TitleTemplate: "deal {{.record.name}}",
	}, notifier)

	_, err := executor.Execute(context.Background(), dealContext(), slog.Default())
	require.NoError(t, err)

	messages := notifier.Messages()
	require.Len(t, messages, 1)
	assert.Equal(t, "deal Acme", messages[0].Subject)
}

func TestValidateRequiresRecipientFieldForEntityField(t *testing.T) {
	t.Parallel()

	executor := notification.NewExecutor(models.NotificationActionConfig{
		Channel:       notify.ChannelEmail,
		RecipientType: models.RecipientEntityField,
		TitleTemplate: "hello",
	}, notify.NewMemoryNotifier())

	assert.Error(t, executor.Validate(context.Background()))
}
