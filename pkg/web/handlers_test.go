package web_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/castellanhq/castellan/pkg/actions/activity"
	"github.com/castellanhq/castellan/pkg/actions/fieldupdate"
	"github.com/castellanhq/castellan/pkg/actions/notification"
	actionwebhook "github.com/castellanhq/castellan/pkg/actions/webhook"
	"github.com/castellanhq/castellan/pkg/detector"
	"github.com/castellanhq/castellan/pkg/engine"
	"github.com/castellanhq/castellan/pkg/entities"
	"github.com/castellanhq/castellan/pkg/ingest"
	"github.com/castellanhq/castellan/pkg/models"
	"github.com/castellanhq/castellan/pkg/notify"
	"github.com/castellanhq/castellan/pkg/persistence"
	"github.com/castellanhq/castellan/pkg/persistence/file"
	"github.com/castellanhq/castellan/pkg/ratelimit"
	"github.com/castellanhq/castellan/pkg/registry"
	"github.com/castellanhq/castellan/pkg/web"
)

type testApp struct {
	app         *fiber.App
	persistence persistence.Persistence
	store       *entities.MemoryStore
}

func setupTestApp(t *testing.T) *testApp {
	t.Helper()

	logger := slog.Default()
	p := file.NewPersistence(t.TempDir())
	store := entities.NewMemoryStore()
	notifier := notify.NewMemoryNotifier()

	modelRegistry := entities.NewRegistry()
	modelRegistry.Register(entities.ModelSpec{
		Name: "deal",
		Fields: map[string]entities.FieldSpec{
			"name":  {Name: "name", Type: entities.FieldString},
			"stage": {Name: "stage", Type: entities.FieldString},
			"email": {Name: "email", Type: entities.FieldString},
		},
	})

	reg := registry.NewRegistry(logger)
	reg.RegisterExecutor(actionwebhook.NewExecutorFactory())
	reg.RegisterExecutor(notification.NewExecutorFactory(notifier))
	reg.RegisterExecutor(activity.NewExecutorFactory(store))
	reg.RegisterExecutor(fieldupdate.NewExecutorFactory(store, modelRegistry))

	recorder := engine.NewRecorder(p, nil, logger)
	ruleEngine := engine.New(logger, p, store, reg, recorder)
	bottleneckDetector := detector.New(logger, p, store, notifier)
	ingestor := ingest.New(logger, p, store, ratelimit.NewMemoryLimiter(), nil)

	handlers := web.NewAPIHandlers(logger, p, ruleEngine, bottleneckDetector, ingestor, reg,
		validator.New(validator.WithRequiredStructEnabled()))

	app := fiber.New()
	handlers.Register(app)

	return &testApp{app: app, persistence: p, store: store}
}

func (ta *testApp) request(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()

	var reader io.Reader

	if body != nil {
		encoded, err := json.Marshal(body)
		require.NoError(t, err)

		reader = bytes.NewReader(encoded)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := ta.app.Test(req)
	require.NoError(t, err)

	return resp
}

func decodeBody(t *testing.T, resp *http.Response, out any) {
	t.Helper()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(body, out))
}

func TestCreateAndGetRule(t *testing.T) {
	t.Parallel()

	ta := setupTestApp(t)

	resp := ta.request(t, http.MethodPost, "/rules", web.CreateRuleRequest{
		Name:         "welcome note",
		TriggerType:  models.TriggerModelCreated,
		TriggerModel: "deal",
		ActionType:   models.ActionCreateActivity,
		ActionConfig: models.ActionConfig{
			Activity: &models.ActivityActionConfig{ActivityType: "note", NoteTemplate: "hello {{.record.name}}"},
		},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var created models.AutomationRule

	decodeBody(t, resp, &created)
	assert.NotEmpty(t, created.ID)
	assert.True(t, created.IsActive)

	resp = ta.request(t, http.MethodGet, "/rules/"+created.ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var fetched models.AutomationRule

	decodeBody(t, resp, &fetched)
	assert.Equal(t, "welcome note", fetched.Name)
}

func TestCreateRuleRejectsIncoherentConfig(t *testing.T) {
	t.Parallel()

	ta := setupTestApp(t)

	// Action config variant does not match the action type.
	resp := ta.request(t, http.MethodPost, "/rules", web.CreateRuleRequest{
		Name:         "broken rule",
		TriggerType:  models.TriggerModelCreated,
		TriggerModel: "deal",
		ActionType:   models.ActionSendWebhook,
		ActionConfig: models.ActionConfig{
			Activity: &models.ActivityActionConfig{ActivityType: "note"},
		},
	})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
}

func TestUpdateRulePartial(t *testing.T) {
	t.Parallel()

	ta := setupTestApp(t)

	resp := ta.request(t, http.MethodPost, "/rules", web.CreateRuleRequest{
		Name:         "initial name",
		TriggerType:  models.TriggerModelCreated,
		TriggerModel: "deal",
		ActionType:   models.ActionCreateActivity,
		ActionConfig: models.ActionConfig{
			Activity: &models.ActivityActionConfig{ActivityType: "note"},
		},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var created models.AutomationRule

	decodeBody(t, resp, &created)

	inactive := false
	name := "renamed rule"

	resp = ta.request(t, http.MethodPatch, "/rules/"+created.ID, web.UpdateRuleRequest{
		Name:     &name,
		IsActive: &inactive,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var updated models.AutomationRule

	decodeBody(t, resp, &updated)
	assert.Equal(t, "renamed rule", updated.Name)
	assert.False(t, updated.IsActive)
	assert.Equal(t, created.TriggerModel, updated.TriggerModel)
}

func TestDeleteRule(t *testing.T) {
	t.Parallel()

	ta := setupTestApp(t)

	resp := ta.request(t, http.MethodPost, "/rules", web.CreateRuleRequest{
		Name:         "short lived",
		TriggerType:  models.TriggerModelCreated,
		TriggerModel: "deal",
		ActionType:   models.ActionCreateActivity,
		ActionConfig: models.ActionConfig{
			Activity: &models.ActivityActionConfig{ActivityType: "note"},
		},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var created models.AutomationRule

	decodeBody(t, resp, &created)

	resp = ta.request(t, http.MethodDelete, "/rules/"+created.ID, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = ta.request(t, http.MethodGet, "/rules/"+created.ID, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestTestRuleDryRun(t *testing.T) {
	t.Parallel()

	ta := setupTestApp(t)

	record, err := ta.store.Create(context.Background(), "deal", map[string]any{"name": "Acme", "stage": "new"})
	require.NoError(t, err)

	resp := ta.request(t, http.MethodPost, "/rules", web.CreateRuleRequest{
		Name:         "preview rule",
		TriggerType:  models.TriggerModelUpdated,
		TriggerModel: "deal",
		ActionType:   models.ActionCreateActivity,
		ActionConfig: models.ActionConfig{
			Activity: &models.ActivityActionConfig{ActivityType: "note", NoteTemplate: "touch {{.record.name}}"},
		},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var created models.AutomationRule

	decodeBody(t, resp, &created)

	resp = ta.request(t, http.MethodPost, "/rules/"+created.ID+"/test", web.TestRuleRequest{
		ObjectID: record.ID,
		DryRun:   true,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var result models.TestResult

	decodeBody(t, resp, &result)
	assert.True(t, result.DryRun)
	assert.True(t, result.ConditionsMatched)
	assert.Equal(t, "touch Acme", result.ActionPreview["note"])

	assert.Empty(t, ta.store.Activities(), "dry run must not write side effects")
}

func TestWebhookIngestionEndToEnd(t *testing.T) {
	t.Parallel()

	ta := setupTestApp(t)

	resp := ta.request(t, http.MethodPost, "/webhook-endpoints", web.CreateEndpointRequest{
		Name:         "lead intake",
		Slug:         "leads",
		AuthType:     models.WebhookAuthAPIKey,
		APIKey:       "secret",
		TargetModel:  "deal",
		TargetAction: models.WebhookTargetCreate,
		FieldMapping: map[string]string{"contact.email": "email", "contact.name": "name"},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var endpoint models.WebhookEndpoint

	decodeBody(t, resp, &endpoint)

	body := bytes.NewReader([]byte(`{"contact":{"email":"jo@example.com","name":"Jo"}}`))
	req := httptest.NewRequest(http.MethodPost, "/webhooks/leads", body)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", "secret")

	httpResp, err := ta.app.Test(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, httpResp.StatusCode)

	var ingestResult map[string]any

	decodeBody(t, httpResp, &ingestResult)
	assert.Equal(t, string(models.ReceiptSuccess), ingestResult["status"])
	assert.Equal(t, string(models.OutcomeCreated), ingestResult["outcome"])

	// Wrong key gets 401 and still leaves a receipt.
	req = httptest.NewRequest(http.MethodPost, "/webhooks/leads", bytes.NewReader([]byte(`{}`)))
	req.Header.Set("X-API-Key", "wrong")

	httpResp, err = ta.app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, httpResp.StatusCode)

	resp = ta.request(t, http.MethodGet, "/webhook-endpoints/"+endpoint.ID+"/receipts", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var receiptList struct {
		TotalCount int `json:"total_count"`
	}

	decodeBody(t, resp, &receiptList)
	assert.Equal(t, 2, receiptList.TotalCount)
}

func TestWebhookUnknownSlug(t *testing.T) {
	t.Parallel()

	ta := setupTestApp(t)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/missing", bytes.NewReader([]byte(`{}`)))

	resp, err := ta.app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestBottleneckRuleLifecycle(t *testing.T) {
	t.Parallel()

	ta := setupTestApp(t)

	resp := ta.request(t, http.MethodPost, "/bottleneck-rules", web.CreateBottleneckRuleRequest{
		Name:           "stuck deals",
		EntityType:     "deal",
		BottleneckType: models.BottleneckDuration,
		DetectionConfig: models.DetectionConfig{
			Kind: models.DetectStageDuration,
			StageDuration: &models.StageDurationConfig{
				StageField:    "stage",
				Stage:         "negotiation",
				ThresholdDays: 7,
			},
		},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var created models.BottleneckRule

	decodeBody(t, resp, &created)
	require.NotEmpty(t, created.ID)

	// Run against an empty store: a run record with zero matches.
	resp = ta.request(t, http.MethodPost, "/bottleneck-rules/"+created.ID+"/run", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var run models.DetectionRun

	decodeBody(t, resp, &run)
	assert.Equal(t, 0, run.EntitiesMatched)

	resp = ta.request(t, http.MethodGet, "/bottleneck-rules/"+created.ID+"/runs", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var runList struct {
		TotalCount int `json:"total_count"`
	}

	decodeBody(t, resp, &runList)
	assert.Equal(t, 1, runList.TotalCount)

	resp = ta.request(t, http.MethodDelete, "/bottleneck-rules/"+created.ID, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestCreateBottleneckRuleRejectsMissingVariant(t *testing.T) {
	t.Parallel()

	ta := setupTestApp(t)

	resp := ta.request(t, http.MethodPost, "/bottleneck-rules", web.CreateBottleneckRuleRequest{
		Name:            "no config",
		EntityType:      "deal",
		BottleneckType:  models.BottleneckDuration,
		DetectionConfig: models.DetectionConfig{Kind: models.DetectStageDuration},
	})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
}

func TestGetActionsListsRegisteredExecutors(t *testing.T) {
	t.Parallel()

	ta := setupTestApp(t)

	resp := ta.request(t, http.MethodGet, "/actions", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var payload struct {
		Actions []registry.ActionInfo `json:"actions"`
	}

	decodeBody(t, resp, &payload)
	require.Len(t, payload.Actions, 4)

	ids := make([]string, 0, len(payload.Actions))
	for _, action := range payload.Actions {
		ids = append(ids, action.ID)
	}

	assert.ElementsMatch(t, []string{
		string(models.ActionSendWebhook),
		string(models.ActionSendNotification),
		string(models.ActionCreateActivity),
		string(models.ActionUpdateField),
	}, ids)
}

func TestHealthCheck(t *testing.T) {
	t.Parallel()

	ta := setupTestApp(t)

	resp := ta.request(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
