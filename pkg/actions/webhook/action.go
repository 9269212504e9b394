// Package webhook provides the outbound HTTP delivery action.
package webhook

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/castellanhq/castellan/pkg/models"
	"github.com/castellanhq/castellan/pkg/protocol"
	"github.com/castellanhq/castellan/pkg/template"
)

const (
	defaultTimeoutSeconds = 30
	defaultMaxAttempts    = 3
	maxResponseBodyBytes  = 4096
	baseRetryDelay        = time.Second
)

var (
	// ErrWebhookURLRequired is returned when the webhook URL is missing.
	ErrWebhookURLRequired = errors.New("webhook url is required")
	// ErrWebhookServerError is returned when the server keeps answering 5xx.
	ErrWebhookServerError = errors.New("server error during webhook delivery")
)

// Executor delivers the rendered payload to the configured URL with retry
// and exponential backoff.
type Executor struct {
	config models.WebhookActionConfig
	client *http.Client
}

// NewExecutor creates a webhook executor from configuration.
func NewExecutor(config models.WebhookActionConfig) (*Executor, error) {
	if config.URL == "" {
		return nil, ErrWebhookURLRequired
	}

	if config.Method == "" {
		config.Method = http.MethodPost
	}

	config.Method = strings.ToUpper(config.Method)

	if config.TimeoutSeconds <= 0 {
		config.TimeoutSeconds = defaultTimeoutSeconds
	}

	if config.MaxAttempts <= 0 {
		config.MaxAttempts = defaultMaxAttempts
	}

	return &Executor{
		config: config,
		client: &http.Client{Timeout: time.Duration(config.TimeoutSeconds) * time.Second},
	}, nil
}

// Execute performs the HTTP delivery. Server errors (5xx) and transport
// failures are retried with exponential backoff; client errors (4xx) are
// terminal on the first response.
func (e *Executor) Execute(ctx context.Context, executionCtx protocol.ExecutionContext, logger *slog.Logger) (*models.ActionResult, error) {
	logger = logger.With("module", "webhook_action")
	logger.InfoContext(ctx, "Executing webhook action", "url", e.config.URL)

	url, headers, body, err := e.render(executionCtx)
	if err != nil {
		return nil, err
	}

	started := time.Now()

	var (
		lastErr error
		resp    *http.Response
		attempt int
	)

	for attempt = 1; attempt <= e.config.MaxAttempts; attempt++ {
		if attempt > 1 {
			delay := baseRetryDelay << (attempt - 2)

			logger.InfoContext(ctx, "Webhook retry", "attempt", attempt, "max_attempts", e.config.MaxAttempts)

			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("webhook delivery cancelled: %w", ctx.Err())
			case <-time.After(delay):
			}
		}

		req, err := http.NewRequestWithContext(ctx, e.config.Method, url, strings.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("failed to build webhook request: %w", err)
		}

		for key, value := range headers {
			req.Header.Set(key, value)
		}

		if req.Header.Get("Content-Type") == "" && body != "" {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err = e.client.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("webhook request failed: %w", err)

			continue
		}

		if resp.StatusCode >= http.StatusInternalServerError && attempt < e.config.MaxAttempts {
			closeBody(ctx, resp, logger)

			lastErr = fmt.Errorf("status %d, retrying: %w", resp.StatusCode, ErrWebhookServerError)

			continue
		}

		break
	}

	if attempt > e.config.MaxAttempts {
		attempt = e.config.MaxAttempts
	}

	if resp == nil {
		return &models.ActionResult{
			Attempts:  attempt,
			LatencyMs: time.Since(started).Milliseconds(),
		}, fmt.Errorf("all webhook attempts failed, last error: %w", lastErr)
	}

	defer closeBody(ctx, resp, logger)

	responseBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodyBytes))
	if err != nil {
		responseBody = nil
	}

	result := &models.ActionResult{
		StatusCode: resp.StatusCode,
		Body:       string(responseBody),
		Attempts:   attempt,
		LatencyMs:  time.Since(started).Milliseconds(),
	}

	if resp.StatusCode >= http.StatusBadRequest {
		return result, fmt.Errorf("webhook delivery answered status %d: %w", resp.StatusCode, ErrWebhookServerError)
	}

	return result, nil
}

// Preview renders URL, headers and payload without sending anything.
func (e *Executor) Preview(_ context.Context, executionCtx protocol.ExecutionContext) (map[string]any, error) {
	url, headers, body, err := e.render(executionCtx)
	if err != nil {
		return nil, err
	}

	return map[string]any{
		"url":     url,
		"method":  e.config.Method,
		"headers": headers,
		"payload": body,
	}, nil
}

// Validate checks the configured templates parse.
func (e *Executor) Validate(_ context.Context) error {
	_, err := template.Parse(e.config.URL)
	if err != nil {
		return fmt.Errorf("invalid url template: %w", err)
	}

	for key, value := range e.config.Headers {
		_, err := template.Parse(value)
		if err != nil {
			return fmt.Errorf("invalid header '%s' template: %w", key, err)
		}
	}

	_, err = template.Parse(e.config.PayloadTemplate)
	if err != nil {
		return fmt.Errorf("invalid payload template: %w", err)
	}

	return nil
}

func (e *Executor) render(executionCtx protocol.ExecutionContext) (string, map[string]string, string, error) {
	tctx := templateContext(executionCtx)

	url, err := template.RenderString(e.config.URL, tctx)
	if err != nil {
		return "", nil, "", fmt.Errorf("failed to render url: %w", err)
	}

	headers := make(map[string]string, len(e.config.Headers))

	for key, value := range e.config.Headers {
		rendered, err := template.RenderString(value, tctx)
		if err != nil {
			return "", nil, "", fmt.Errorf("failed to render header '%s': %w", key, err)
		}

		headers[key] = rendered
	}

	body := ""

	if e.config.PayloadTemplate != "" {
		body, err = template.RenderString(e.config.PayloadTemplate, tctx)
		if err != nil {
			return "", nil, "", fmt.Errorf("failed to render payload: %w", err)
		}
	}

	return url, headers, body, nil
}

func templateContext(executionCtx protocol.ExecutionContext) *template.Context {
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

	tctx.Metadata = map[string]any{
		"model":     executionCtx.Model,
		"object_id": executionCtx.ObjectID,
		"signal":    executionCtx.Signal,
	}

	return tctx
}

func closeBody(ctx context.Context, resp *http.Response, logger *slog.Logger) {
	err := resp.Body.Close()
	if err != nil {
		logger.ErrorContext(ctx, "failed to close response body", "error", err)
	}
}
