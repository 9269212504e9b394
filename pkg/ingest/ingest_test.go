package ingest_test

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/castellanhq/castellan/pkg/entities"
	"github.com/castellanhq/castellan/pkg/ingest"
	"github.com/castellanhq/castellan/pkg/models"
	"github.com/castellanhq/castellan/pkg/persistence"
	"github.com/castellanhq/castellan/pkg/persistence/file"
	"github.com/castellanhq/castellan/pkg/ratelimit"
)

type testHarness struct {
	ingestor    *ingest.Ingestor
	persistence persistence.Persistence
	store       *entities.MemoryStore
	limiter     *ratelimit.MemoryLimiter
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()

	p := file.NewPersistence(t.TempDir())
	store := entities.NewMemoryStore()
	limiter := ratelimit.NewMemoryLimiter()

	return &testHarness{
		ingestor:    ingest.New(slog.Default(), p, store, limiter, nil),
		persistence: p,
		store:       store,
		limiter:     limiter,
	}
}

func (h *testHarness) saveEndpoint(t *testing.T, endpoint *models.WebhookEndpoint) *models.WebhookEndpoint {
	t.Helper()

	require.NoError(t, endpoint.Validate())
	require.NoError(t, h.persistence.EndpointRepository().SaveEndpoint(context.Background(), endpoint))

	return endpoint
}

func leadEndpoint(slug string) *models.WebhookEndpoint {
	return &models.WebhookEndpoint{
		Name:         "lead intake " + slug,
		Slug:         slug,
		IsActive:     true,
		AuthType:     models.WebhookAuthNone,
		TargetModel:  "lead",
		TargetAction: models.WebhookTargetCreate,
		FieldMapping: map[string]string{
			"contact.email": "email",
			"contact.name":  "name",
			"source":        "source",
		},
	}
}

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)

	return hex.EncodeToString(mac.Sum(nil))
}

func TestProcessCreatesRecordFromMappedPayload(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()

	endpoint := leadEndpoint("leads")
	endpoint.DefaultValues = map[string]any{"stage": "new"}
	h.saveEndpoint(t, endpoint)

	receipt, err := h.ingestor.Process(ctx, ingest.Delivery{
		Slug: "leads",
		Body: []byte(`{"contact":{"email":"jo@example.com","name":"Jo"},"source":"landing-page"}`),
	})
	require.NoError(t, err)

	assert.Equal(t, models.ReceiptSuccess, receipt.Status)
	assert.Equal(t, models.OutcomeCreated, receipt.Outcome)
	require.NotEmpty(t, receipt.ObjectID)

	record, err := h.store.Get(ctx, "lead", receipt.ObjectID)
	require.NoError(t, err)
	assert.Equal(t, "jo@example.com", record.Fields["email"])
	assert.Equal(t, "Jo", record.Fields["name"])
	assert.Equal(t, "landing-page", record.Fields["source"])
	assert.Equal(t, "new", record.Fields["stage"], "default values fill unmapped fields")
}

func TestProcessUnknownSlug(t *testing.T) {
	t.Parallel()

	h := newHarness(t)

	_, err := h.ingestor.Process(context.Background(), ingest.Delivery{
		Slug: "nope",
		Body: []byte(`{}`),
	})
	assert.ErrorIs(t, err, persistence.ErrEndpointNotFound)
}

func TestProcessAPIKeyAuth(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()

	endpoint := leadEndpoint("secure")
	endpoint.AuthType = models.WebhookAuthAPIKey
	endpoint.APIKey = "secret-key"
	h.saveEndpoint(t, endpoint)

	receipt, err := h.ingestor.Process(ctx, ingest.Delivery{
		Slug:   "secure",
		Body:   []byte(`{"contact":{"email":"jo@example.com"}}`),
		APIKey: "wrong",
	})
	require.ErrorIs(t, err, ingest.ErrInvalidAuth)
	assert.Equal(t, models.ReceiptInvalidAuth, receipt.Status)

	receipt, err = h.ingestor.Process(ctx, ingest.Delivery{
		Slug:   "secure",
		Body:   []byte(`{"contact":{"email":"jo@example.com"}}`),
		APIKey: "secret-key",
	})
	require.NoError(t, err)
	assert.Equal(t, models.ReceiptSuccess, receipt.Status)
}

func TestProcessHMACAuth(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()

	endpoint := leadEndpoint("signed")
	endpoint.AuthType = models.WebhookAuthHMAC
	endpoint.HMACSecret = "signing-secret"
	h.saveEndpoint(t, endpoint)

	body := []byte(`{"contact":{"email":"jo@example.com"}}`)

	receipt, err := h.ingestor.Process(ctx, ingest.Delivery{
		Slug:      "signed",
		Body:      body,
		Signature: "sha256=" + sign("signing-secret", body),
	})
	require.NoError(t, err)
	assert.Equal(t, models.ReceiptSuccess, receipt.Status)

	receipt, err = h.ingestor.Process(ctx, ingest.Delivery{
		Slug:      "signed",
		Body:      body,
		Signature: sign("wrong-secret", body),
	})
	require.ErrorIs(t, err, ingest.ErrInvalidAuth)
	assert.Equal(t, models.ReceiptInvalidAuth, receipt.Status)
}

func TestProcessRateLimited(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()

	endpoint := leadEndpoint("limited")
	endpoint.RateLimitPerMinute = 1
	h.saveEndpoint(t, endpoint)

	_, err := h.ingestor.Process(ctx, ingest.Delivery{
		Slug: "limited",
		Body: []byte(`{"contact":{"email":"a@example.com"}}`),
	})
	require.NoError(t, err)

	receipt, err := h.ingestor.Process(ctx, ingest.Delivery{
		Slug: "limited",
		Body: []byte(`{"contact":{"email":"b@example.com"}}`),
	})
	require.ErrorIs(t, err, ingest.ErrRateLimited)
	assert.Equal(t, models.ReceiptRateLimited, receipt.Status)
}

func TestProcessValidationErrors(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()

	endpoint := leadEndpoint("strict")
	endpoint.RequiredFields = []string{"email"}
	h.saveEndpoint(t, endpoint)

	receipt, err := h.ingestor.Process(ctx, ingest.Delivery{
		Slug: "strict",
		Body: []byte(`not json`),
	})
	require.ErrorIs(t, err, ingest.ErrPayloadInvalid)
	assert.Equal(t, models.ReceiptValidationError, receipt.Status)

	receipt, err = h.ingestor.Process(ctx, ingest.Delivery{
		Slug: "strict",
		Body: []byte(`{"contact":{"name":"No Email"}}`),
	})
	require.ErrorIs(t, err, ingest.ErrPayloadInvalid)
	assert.Equal(t, models.ReceiptValidationError, receipt.Status)
	assert.Contains(t, receipt.ErrorMessage, "email")
}

func TestProcessUpsertDedupes(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()

	endpoint := leadEndpoint("upsert")
	endpoint.TargetAction = models.WebhookTargetUpsert
	endpoint.DedupeField = "email"
	h.saveEndpoint(t, endpoint)

	first, err := h.ingestor.Process(ctx, ingest.Delivery{
		Slug: "upsert",
		Body: []byte(`{"contact":{"email":"jo@example.com","name":"Jo"}}`),
	})
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeCreated, first.Outcome)

	second, err := h.ingestor.Process(ctx, ingest.Delivery{
		Slug: "upsert",
		Body: []byte(`{"contact":{"email":"jo@example.com","name":"Joanna"}}`),
	})
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeUpdated, second.Outcome)
	assert.Equal(t, first.ObjectID, second.ObjectID)

	record, err := h.store.Get(ctx, "lead", first.ObjectID)
	require.NoError(t, err)
	assert.Equal(t, "Joanna", record.Fields["name"])

	// Replaying a payload that changes nothing is a duplicate, not an update.
	third, err := h.ingestor.Process(ctx, ingest.Delivery{
		Slug: "upsert",
		Body: []byte(`{"contact":{"email":"jo@example.com","name":"Joanna"}}`),
	})
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeDuplicate, third.Outcome)
	assert.Equal(t, first.ObjectID, third.ObjectID)

	records, err := h.store.List(ctx, "lead")
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestProcessCreateReportsDuplicate(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()

	endpoint := leadEndpoint("create-once")
	endpoint.DedupeField = "email"
	h.saveEndpoint(t, endpoint)

	body := []byte(`{"contact":{"email":"jo@example.com"}}`)

	first, err := h.ingestor.Process(ctx, ingest.Delivery{Slug: "create-once", Body: body})
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeCreated, first.Outcome)

	second, err := h.ingestor.Process(ctx, ingest.Delivery{Slug: "create-once", Body: body})
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeDuplicate, second.Outcome)
	assert.Equal(t, first.ObjectID, second.ObjectID)

	records, err := h.store.List(ctx, "lead")
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestProcessUpdateRequiresExistingRecord(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()

	endpoint := leadEndpoint("update-only")
	endpoint.TargetAction = models.WebhookTargetUpdate
	endpoint.DedupeField = "email"
	h.saveEndpoint(t, endpoint)

	receipt, err := h.ingestor.Process(ctx, ingest.Delivery{
		Slug: "update-only",
		Body: []byte(`{"contact":{"email":"missing@example.com"}}`),
	})
	require.ErrorIs(t, err, ingest.ErrTargetNotFound)
	assert.Equal(t, models.ReceiptFailed, receipt.Status)
}

func TestProcessAlwaysLeavesReceipt(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()

	endpoint := leadEndpoint("audited")
	endpoint.AuthType = models.WebhookAuthAPIKey
	endpoint.APIKey = "k"
	h.saveEndpoint(t, endpoint)

	_, _ = h.ingestor.Process(ctx, ingest.Delivery{Slug: "audited", Body: []byte(`{}`), APIKey: "bad"})
	_, _ = h.ingestor.Process(ctx, ingest.Delivery{Slug: "audited", Body: []byte(`{"contact":{"email":"a@b.c"}}`), APIKey: "k"})

	receipts, total, err := h.persistence.ReceiptRepository().ListReceipts(ctx, persistence.ReceiptFilter{
		EndpointID: endpoint.ID,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	require.Len(t, receipts, 2)

	failed, _, err := h.persistence.ReceiptRepository().ListReceipts(ctx, persistence.ReceiptFilter{
		EndpointID: endpoint.ID,
		Status:     models.ReceiptInvalidAuth,
	})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, models.ReceiptInvalidAuth, failed[0].Status)
}
