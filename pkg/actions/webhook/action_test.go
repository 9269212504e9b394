package webhook_test

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/castellanhq/castellan/pkg/actions/webhook"
	"github.com/castellanhq/castellan/pkg/models"
	"github.com/castellanhq/castellan/pkg/protocol"
)

func executionContext() protocol.ExecutionContext {
	return protocol.ExecutionContext{
		Rule:     &models.AutomationRule{ID: "rule-1", Name: "deal-watch"},
		Model:    "deal",
		ObjectID: "deal-1",
		Record:   map[string]any{"name": "Acme", "stage": "won"},
	}
}

func TestExecuteDeliversRenderedPayload(t *testing.T) {
	t.Parallel()

	var gotBody, gotHeader, gotPath string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
		gotHeader = r.Header.Get("X-Rule")
		gotPath = r.URL.Path

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	executor, err := webhook.NewExecutor(models.WebhookActionConfig{
		URL:             server.URL + "/hooks/{{.metadata.model}}",
		Headers:         map[string]string{"X-Rule": "{{.rule.name}}"},
		PayloadTemplate: `{"deal":"{{.record.name}}","stage":"{{.record.stage}}"}`,
	})
	require.NoError(t, err)

	result, err := executor.Execute(context.Background(), executionContext(), slog.Default())
	require.NoError(t, err)

	assert.Equal(t, "/hooks/deal", gotPath)
	assert.Equal(t, "deal-watch", gotHeader)
	assert.JSONEq(t, `{"deal":"Acme","stage":"won"}`, gotBody)

	assert.Equal(t, http.StatusOK, result.StatusCode)
	assert.Equal(t, 1, result.Attempts)
	assert.JSONEq(t, `{"ok":true}`, result.Body)
}

func TestExecuteRetriesServerErrors(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)

			return
		}

		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	executor, err := webhook.NewExecutor(models.WebhookActionConfig{
		URL:         server.URL,
		MaxAttempts: 3,
	})
	require.NoError(t, err)

	result, err := executor.Execute(context.Background(), executionContext(), slog.Default())
	require.NoError(t, err)

	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, 2, result.Attempts)
	assert.Equal(t, http.StatusOK, result.StatusCode)
}

func TestExecuteClientErrorIsTerminal(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer server.Close()

	executor, err := webhook.NewExecutor(models.WebhookActionConfig{
		URL:         server.URL,
		MaxAttempts: 3,
	})
	require.NoError(t, err)

	result, err := executor.Execute(context.Background(), executionContext(), slog.Default())
	require.Error(t, err)
	require.NotNil(t, result, "failed deliveries still report status and attempts")

	assert.Equal(t, int32(1), calls.Load(), "4xx must not be retried")
	assert.Equal(t, http.StatusUnprocessableEntity, result.StatusCode)
	assert.Equal(t, 1, result.Attempts)
}

func TestExecuteExhaustedRetriesReturnError(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	executor, err := webhook.NewExecutor(models.WebhookActionConfig{
		URL:         server.URL,
		MaxAttempts: 2,
	})
	require.NoError(t, err)

	result, err := executor.Execute(context.Background(), executionContext(), slog.Default())
	require.Error(t, err)
	require.NotNil(t, result)

	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, http.StatusServiceUnavailable, result.StatusCode)
}

func TestPreviewDoesNotSend(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	executor, err := webhook.NewExecutor(models.WebhookActionConfig{
		URL:             server.URL + "/{{.record.stage}}",
		Method:          "put",
		PayloadTemplate: `{"name":"{{.record.name}}"}`,
	})
	require.NoError(t, err)

	preview, err := executor.Preview(context.Background(), executionContext())
	require.NoError(t, err)

	assert.Equal(t, int32(0), calls.Load())
	assert.Equal(t, server.URL+"/won", preview["url"])
	assert.Equal(t, http.MethodPut, preview["method"])
	assert.JSONEq(t, `{"name":"Acme"}`, preview["payload"].(string))
}

func TestNewExecutorRequiresURL(t *testing.T) {
	t.Parallel()

	_, err := webhook.NewExecutor(models.WebhookActionConfig{})
	assert.ErrorIs(t, err, webhook.ErrWebhookURLRequired)
}

func TestValidateRejectsBrokenTemplates(t *testing.T) {
	t.Parallel()

	executor, err := webhook.NewExecutor(models.WebhookActionConfig{
		URL:             "https://example.com",
		PayloadTemplate: "{{.record.name",
	})
	require.NoError(t, err)

	assert.Error(t, executor.Validate(context.Background()))
}
