package models_test

import (
	"testing"

	"github.com/castellanhq/castellan/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAutomationRuleValidate(t *testing.T) {
	t.Parallel()

	base := func() *models.AutomationRule {
		return &models.AutomationRule{
			Name:         "notify on shortlist",
			TriggerType:  models.TriggerFieldChanged,
			TriggerModel: "application",
			TriggerConditions: []models.Condition{
				{Field: "status", Operator: models.OperatorEquals, Value: "shortlisted"},
			},
			ActionType: models.ActionSendNotification,
			ActionConfig: models.ActionConfig{
				Notification: &models.NotificationActionConfig{
					Channel:       "in_app",
					RecipientType: models.RecipientUser,
					Recipients:    []string{"u-1"},
					TitleTemplate: "Shortlisted",
				},
			},
			IsActive: true,
		}
	}

	t.Run("valid rule", func(t *testing.T) {
		t.Parallel()
		require.NoError(t, base().Validate())
	})

	t.Run("missing trigger model", func(t *testing.T) {
		t.Parallel()

		rule := base()
		rule.TriggerModel = ""
		assert.ErrorIs(t, rule.Validate(), models.ErrTriggerModelRequired)
	})

	t.Run("manual trigger needs no model", func(t *testing.T) {
		t.Parallel()

		rule := base()
		rule.TriggerType = models.TriggerManual
		rule.TriggerModel = ""
		require.NoError(t, rule.Validate())
	})

	t.Run("scheduled trigger requires schedule config", func(t *testing.T) {
		t.Parallel()

		rule := base()
		rule.TriggerType = models.TriggerScheduled
		assert.ErrorIs(t, rule.Validate(), models.ErrScheduleConfigRequired)

		rule.ScheduleConfig = &models.ScheduleConfig{
			DatetimeField: "interview_at",
			OffsetHours:   24,
			OffsetType:    models.OffsetBefore,
		}
		require.NoError(t, rule.Validate())
	})

	t.Run("schedule config rejected on event triggers", func(t *testing.T) {
		t.Parallel()

		rule := base()
		rule.ScheduleConfig = &models.ScheduleConfig{DatetimeField: "x", OffsetType: models.OffsetAfter}
		assert.ErrorIs(t, rule.Validate(), models.ErrScheduleConfigInvalid)
	})

	t.Run("action config variant must match action type", func(t *testing.T) {
		t.Parallel()

		rule := base()
		rule.ActionType = models.ActionSendWebhook
		assert.ErrorIs(t, rule.Validate(), models.ErrActionConfigMissing)
	})

	t.Run("unknown operator rejected", func(t *testing.T) {
		t.Parallel()

		rule := base()
		rule.TriggerConditions = []models.Condition{{Field: "status", Operator: "like"}}
		assert.Error(t, rule.Validate())
	})
}

func TestActionConfigRejectsMultipleVariants(t *testing.T) {
	t.Parallel()

	config := models.ActionConfig{
		Webhook:  &models.WebhookActionConfig{URL: "https://example.com", Method: "POST"},
		Activity: &models.ActivityActionConfig{ActivityType: "note"},
	}

	assert.ErrorIs(t, config.Validate(models.ActionSendWebhook), models.ErrActionConfigMismatch)
}

func TestWebhookEndpointValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		endpoint models.WebhookEndpoint
		wantErr  error
	}{
		{
			name: "api_key auth without key",
			endpoint: models.WebhookEndpoint{
				Name: "crm leads", Slug: "crm-leads",
				AuthType: models.WebhookAuthAPIKey, TargetModel: "lead",
				TargetAction: models.WebhookTargetCreate,
			},
			wantErr: models.ErrAPIKeyRequired,
		},
		{
			name: "key present with auth none",
			endpoint: models.WebhookEndpoint{
				Name: "crm leads", Slug: "crm-leads", APIKey: "k",
				AuthType: models.WebhookAuthNone, TargetModel: "lead",
				TargetAction: models.WebhookTargetCreate,
			},
			wantErr: models.ErrAPIKeyNotAllowed,
		},
		{
			name: "upsert without dedupe field",
			endpoint: models.WebhookEndpoint{
				Name: "crm leads", Slug: "crm-leads",
				AuthType: models.WebhookAuthNone, TargetModel: "lead",
				TargetAction: models.WebhookTargetUpsert,
			},
			wantErr: models.ErrDedupeFieldRequired,
		},
		{
			name: "hmac endpoint",
			endpoint: models.WebhookEndpoint{
				Name: "crm leads", Slug: "crm-leads", HMACSecret: "s3cret",
				AuthType: models.WebhookAuthHMAC, TargetModel: "lead",
				TargetAction: models.WebhookTargetCreate,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			err := tt.endpoint.Validate()
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestBottleneckRuleValidate(t *testing.T) {
	t.Parallel()

	rule := &models.BottleneckRule{
		Name:           "stuck in screening",
		EntityType:     "application",
		BottleneckType: models.BottleneckDuration,
		DetectionConfig: models.DetectionConfig{
			Kind: models.DetectStageDuration,
			StageDuration: &models.StageDurationConfig{
				StageField:    "stage",
				Stage:         "screening",
				ThresholdDays: 10,
			},
		},
		CooldownHours:              24,
		EnableWarnings:             true,
		WarningThresholdPercentage: 80,
		IsActive:                   true,
	}

	require.NoError(t, rule.Validate())

	rule.DetectionConfig.StageDuration = nil
	assert.ErrorIs(t, rule.Validate(), models.ErrDetectionConfigMissing)

	rule.DetectionConfig.StageDuration = &models.StageDurationConfig{StageField: "stage", ThresholdDays: 10}
	rule.SendNotification = true
	assert.Error(t, rule.Validate(), "notification config required")

	rule.SendNotification = false
	rule.RunOnSchedule = true
	assert.Error(t, rule.Validate(), "interval required")
}
