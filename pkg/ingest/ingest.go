// Package ingest runs the inbound webhook pipeline: auth, rate limiting,
// payload mapping and the create/update/upsert write, with a receipt
// persisted for every delivery attempt.
package ingest

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/castellanhq/castellan/pkg/entities"
	"github.com/castellanhq/castellan/pkg/eventbus"
	"github.com/castellanhq/castellan/pkg/events"
	"github.com/castellanhq/castellan/pkg/models"
	"github.com/castellanhq/castellan/pkg/otelhelper"
	"github.com/castellanhq/castellan/pkg/persistence"
	"github.com/castellanhq/castellan/pkg/ratelimit"
)

var (
	// ErrInvalidAuth is returned when the delivery fails the endpoint's
	// authentication check.
	ErrInvalidAuth = errors.New("webhook authentication failed")
	// ErrRateLimited is returned when the endpoint's window is exhausted.
	ErrRateLimited = errors.New("webhook rate limit exceeded")
	// ErrPayloadInvalid is returned for unparseable or incomplete payloads.
	ErrPayloadInvalid = errors.New("webhook payload invalid")
	// ErrTargetNotFound is returned when an update cannot locate its record.
	ErrTargetNotFound = errors.New("webhook target record not found")
)

const signaturePrefix = "sha256="

// Delivery is one inbound webhook request after transport decoding.
type Delivery struct {
	Slug      string
	Body      []byte
	APIKey    string // X-API-Key header
	Signature string // X-Signature header, hex HMAC-SHA256 of Body
	SourceIP  string
}

// Ingestor processes deliveries against configured endpoints. Every attempt
// that reaches a known endpoint leaves a receipt, whatever the outcome.
type Ingestor struct {
	logger      *slog.Logger
	persistence persistence.Persistence
	store       entities.Store
	limiter     ratelimit.Limiter
	publisher   eventbus.EventPublisher
	tracer      trace.Tracer
}

func New(logger *slog.Logger, p persistence.Persistence, store entities.Store, limiter ratelimit.Limiter, publisher eventbus.EventPublisher) *Ingestor {
	return &Ingestor{
		logger:      logger.With("module", "ingest"),
		persistence: p,
		store:       store,
		limiter:     limiter,
		publisher:   publisher,
		tracer:      otel.Tracer("castellan-ingest"),
	}
}

// Process runs the full pipeline for one delivery. The returned receipt is
// already persisted; the error mirrors the receipt's failure status so the
// transport layer can choose a response code.
func (i *Ingestor) Process(ctx context.Context, delivery Delivery) (*models.WebhookReceipt, error) {
	ctx, span := otelhelper.StartSpan(ctx, i.tracer, "ingest.process",
		attribute.String(otelhelper.EndpointSlugKey, delivery.Slug),
	)
	defer span.End()

	endpoint, err := i.persistence.EndpointRepository().EndpointBySlug(ctx, delivery.Slug)
	if err != nil {
		return nil, err
	}

	if !endpoint.IsActive {
		return nil, fmt.Errorf("%w: %s is inactive", persistence.ErrEndpointNotFound, delivery.Slug)
	}

	started := time.Now().UTC()

	receipt := &models.WebhookReceipt{
		EndpointID:   endpoint.ID,
		EndpointSlug: endpoint.Slug,
		Status:       models.ReceiptFailed,
		SourceIP:     delivery.SourceIP,
		ReceivedAt:   started,
	}

	// Written up front so a crash mid-pipeline still leaves a trace.
	err = i.persistence.ReceiptRepository().CreateReceipt(ctx, receipt)
	if err != nil {
		return nil, fmt.Errorf("failed to create receipt: %w", err)
	}

	processErr := i.process(ctx, endpoint, delivery, receipt)
	if processErr != nil {
		receipt.ErrorMessage = processErr.Error()

		otelhelper.SetError(span, processErr, attribute.String(otelhelper.ReceiptIDKey, receipt.ID))
	}

	receipt.LatencyMs = time.Since(started).Milliseconds()

	err = i.persistence.ReceiptRepository().UpdateReceipt(ctx, receipt)
	if err != nil {
		i.logger.ErrorContext(ctx, "Failed to finalize receipt",
			"receipt_id", receipt.ID, "endpoint", endpoint.Slug, "error", err)
	}

	return receipt, processErr
}

func (i *Ingestor) process(ctx context.Context, endpoint *models.WebhookEndpoint, delivery Delivery, receipt *models.WebhookReceipt) error {
	if !authenticate(endpoint, delivery) {
		receipt.Status = models.ReceiptInvalidAuth

		return ErrInvalidAuth
	}

	allowed, err := i.limiter.Allow(ctx, endpoint.ID, endpoint.RateLimitPerMinute, time.Minute)
	if err != nil {
		return fmt.Errorf("rate limiter failed: %w", err)
	}

	if !allowed {
		receipt.Status = models.ReceiptRateLimited

		return ErrRateLimited
	}

	var payload map[string]any

	err = json.Unmarshal(delivery.Body, &payload)
	if err != nil {
		receipt.Status = models.ReceiptValidationError

		return fmt.Errorf("%w: %s", ErrPayloadInvalid, err.Error())
	}

	receipt.Payload = payload

	fields, err := mapFields(endpoint, payload)
	if err != nil {
		receipt.Status = models.ReceiptValidationError

		return err
	}

	outcome, objectID, err := i.applyTarget(ctx, endpoint, fields)
	if err != nil {
		return err
	}

	receipt.Status = models.ReceiptSuccess
	receipt.Outcome = outcome
	receipt.ObjectID = objectID

	return nil
}

// authenticate checks the delivery against the endpoint's auth type. HMAC
// signatures are hex-encoded SHA-256 over the raw body, with an optional
// "sha256=" prefix.
func authenticate(endpoint *models.WebhookEndpoint, delivery Delivery) bool {
	switch endpoint.AuthType {
	case models.WebhookAuthNone:
		return true
	case models.WebhookAuthAPIKey:
		return subtle.ConstantTimeCompare([]byte(delivery.APIKey), []byte(endpoint.APIKey)) == 1
	case models.WebhookAuthHMAC:
		signature := strings.TrimPrefix(delivery.Signature, signaturePrefix)

		provided, err := hex.DecodeString(signature)
		if err != nil {
			return false
		}

		mac := hmac.New(sha256.New, []byte(endpoint.HMACSecret))
		mac.Write(delivery.Body)

		return hmac.Equal(provided, mac.Sum(nil))
	}

	return false
}

// mapFields applies the endpoint's field mapping and defaults to the payload
// and enforces required fields.
func mapFields(endpoint *models.WebhookEndpoint, payload map[string]any) (map[string]any, error) {
	fields := make(map[string]any, len(endpoint.FieldMapping)+len(endpoint.DefaultValues))

	for externalPath, targetField := range endpoint.FieldMapping {
		value, ok := lookupPath(payload, externalPath)
		if ok {
			fields[targetField] = value
		}
	}

	for targetField, value := range endpoint.DefaultValues {
		if _, ok := fields[targetField]; !ok {
			fields[targetField] = value
		}
	}

	var missing []string

	for _, required := range endpoint.RequiredFields {
		value, ok := fields[required]
		if !ok || value == nil || value == "" {
			missing = append(missing, required)
		}
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: missing required fields %s", ErrPayloadInvalid, strings.Join(missing, ", "))
	}

	return fields, nil
}

// lookupPath resolves a dotted path like "data.contact.email" against nested
// JSON objects.
func lookupPath(payload map[string]any, path string) (any, bool) {
	parts := strings.Split(path, ".")
	current := any(payload)

	for _, part := range parts {
		object, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}

		current, ok = object[part]
		if !ok {
			return nil, false
		}
	}

	return current, true
}

func (i *Ingestor) applyTarget(ctx context.Context, endpoint *models.WebhookEndpoint, fields map[string]any) (models.ReceiptOutcome, string, error) {
	var existing *entities.Record

	if endpoint.DedupeField != "" {
		dedupeValue, ok := fields[endpoint.DedupeField]
		if !ok || dedupeValue == nil {
			return "", "", fmt.Errorf("%w: dedupe field %q missing from mapped payload", ErrPayloadInvalid, endpoint.DedupeField)
		}

		found, err := i.store.FindByField(ctx, endpoint.TargetModel, endpoint.DedupeField, dedupeValue)
		if err != nil {
			return "", "", fmt.Errorf("failed to look up existing record: %w", err)
		}

		existing = found
	}

	switch endpoint.TargetAction {
	case models.WebhookTargetCreate:
		if existing != nil {
			return models.OutcomeDuplicate, existing.ID, nil
		}

		return i.createTarget(ctx, endpoint, fields)
	case models.WebhookTargetUpdate:
		if existing == nil {
			return "", "", fmt.Errorf("%w: no %s matches %s", ErrTargetNotFound, endpoint.TargetModel, endpoint.DedupeField)
		}

		return i.updateTarget(ctx, endpoint, existing, fields)
	case models.WebhookTargetUpsert:
		if existing == nil {
			return i.createTarget(ctx, endpoint, fields)
		}

		// An identical replay must not count as an update.
		if !wouldChange(existing.Fields, fields) {
			return models.OutcomeDuplicate, existing.ID, nil
		}

		return i.updateTarget(ctx, endpoint, existing, fields)
	}

	return "", "", fmt.Errorf("unknown target action: %s", endpoint.TargetAction)
}

// wouldChange reports whether applying the mapped fields would alter the
// record's current values.
func wouldChange(current, fields map[string]any) bool {
	for name, value := range fields {
		if !reflect.DeepEqual(current[name], value) {
			return true
		}
	}

	return false
}

func (i *Ingestor) createTarget(ctx context.Context, endpoint *models.WebhookEndpoint, fields map[string]any) (models.ReceiptOutcome, string, error) {
	record, err := i.store.Create(ctx, endpoint.TargetModel, fields)
	if err != nil {
		return "", "", fmt.Errorf("failed to create %s: %w", endpoint.TargetModel, err)
	}

	i.publish(ctx, record.ID, &events.EntityCreated{EntityChanged: events.EntityChanged{
		BaseEvent: events.BaseEvent{Type: events.EntityCreatedEvent, Timestamp: time.Now().UTC()},
		Model:     endpoint.TargetModel,
		ObjectID:  record.ID,
		NewValues: record.Fields,
	}})

	return models.OutcomeCreated, record.ID, nil
}

func (i *Ingestor) updateTarget(ctx context.Context, endpoint *models.WebhookEndpoint, existing *entities.Record, fields map[string]any) (models.ReceiptOutcome, string, error) {
	oldValues := existing.Fields
	newValues := make(map[string]any, len(oldValues)+len(fields))

	for name, value := range oldValues {
		newValues[name] = value
	}

	for name, value := range fields {
		_, err := i.store.UpdateField(ctx, endpoint.TargetModel, existing.ID, name, value)
		if err != nil {
			return "", "", fmt.Errorf("failed to update %s.%s: %w", endpoint.TargetModel, name, err)
		}

		newValues[name] = value
	}

	i.publish(ctx, existing.ID, &events.EntityUpdated{EntityChanged: events.EntityChanged{
		BaseEvent: events.BaseEvent{Type: events.EntityUpdatedEvent, Timestamp: time.Now().UTC()},
		Model:     endpoint.TargetModel,
		ObjectID:  existing.ID,
		OldValues: oldValues,
		NewValues: newValues,
	}})

	return models.OutcomeUpdated, existing.ID, nil
}

func (i *Ingestor) publish(ctx context.Context, key string, event events.Event) {
	if i.publisher == nil {
		return
	}

	err := i.publisher.Publish(ctx, key, event)
	if err != nil {
		i.logger.WarnContext(ctx, "Failed to publish entity event", "error", err)
	}
}
