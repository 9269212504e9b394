package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/castellanhq/castellan/pkg/models"
	"github.com/castellanhq/castellan/pkg/persistence"
)

// EndpointRepository handles webhook endpoint database operations.
type EndpointRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

const endpointColumns = `
	id
  , name
  , slug
  , is_active
  , auth_type
  , api_key
  , hmac_secret
  , target_model
  , target_action
  , field_mapping
  , default_values
  , required_fields
  , dedupe_field
  , rate_limit_per_minute
  , created_at
  , updated_at
`

func (r *EndpointRepository) Endpoints(ctx context.Context) ([]*models.WebhookEndpoint, error) {
	query := "SELECT " + endpointColumns + " FROM webhook_endpoints ORDER BY created_at"

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query endpoints: %w", err)
	}

	defer func() {
		err := rows.Close()
		if err != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", err)
		}
	}()

	endpoints := make([]*models.WebhookEndpoint, 0)

	for rows.Next() {
		endpoint, err := scanEndpoint(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan endpoint: %w", err)
		}

		endpoints = append(endpoints, endpoint)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating endpoints: %w", err)
	}

	return endpoints, nil
}

func (r *EndpointRepository) EndpointByID(ctx context.Context, id string) (*models.WebhookEndpoint, error) {
	query := "SELECT " + endpointColumns + " FROM webhook_endpoints WHERE id = $1"

	endpoint, err := scanEndpoint(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", persistence.ErrEndpointNotFound, id)
		}

		return nil, fmt.Errorf("failed to scan endpoint: %w", err)
	}

	return endpoint, nil
}

func (r *EndpointRepository) EndpointBySlug(ctx context.Context, slug string) (*models.WebhookEndpoint, error) {
	query := "SELECT " + endpointColumns + " FROM webhook_endpoints WHERE slug = $1"

	endpoint, err := scanEndpoint(r.db.QueryRowContext(ctx, query, slug))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: slug %s", persistence.ErrEndpointNotFound, slug)
		}

		return nil, fmt.Errorf("failed to scan endpoint: %w", err)
	}

	return endpoint, nil
}

func (r *EndpointRepository) SaveEndpoint(ctx context.Context, endpoint *models.WebhookEndpoint) error {
	now := time.Now().UTC()

	if endpoint.CreatedAt.IsZero() {
		endpoint.CreatedAt = now
	}

	endpoint.UpdatedAt = now

	if endpoint.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("failed to generate endpoint ID: %w", err)
		}

		endpoint.ID = id.String()
	}

	fieldMappingJSON, err := json.Marshal(endpoint.FieldMapping)
	if err != nil {
		return fmt.Errorf("failed to marshal field mapping: %w", err)
	}

	defaultValuesJSON, err := json.Marshal(endpoint.DefaultValues)
	if err != nil {
		return fmt.Errorf("failed to marshal default values: %w", err)
	}

	requiredFieldsJSON, err := json.Marshal(endpoint.RequiredFields)
	if err != nil {
		return fmt.Errorf("failed to marshal required fields: %w", err)
	}

	query := `
		INSERT INTO webhook_endpoints (id, name, slug, is_active, auth_type, api_key,
			hmac_secret, target_model, target_action, field_mapping, default_values,
			required_fields, dedupe_field, rate_limit_per_minute, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			slug = EXCLUDED.slug,
			is_active = EXCLUDED.is_active,
			auth_type = EXCLUDED.auth_type,
			api_key = EXCLUDED.api_key,
			hmac_secret = EXCLUDED.hmac_secret,
			target_model = EXCLUDED.target_model,
			target_action = EXCLUDED.target_action,
			field_mapping = EXCLUDED.field_mapping,
			default_values = EXCLUDED.default_values,
			required_fields = EXCLUDED.required_fields,
			dedupe_field = EXCLUDED.dedupe_field,
			rate_limit_per_minute = EXCLUDED.rate_limit_per_minute,
			updated_at = EXCLUDED.updated_at
	`

	_, err = r.db.ExecContext(ctx, query,
		endpoint.ID,
		endpoint.Name,
		endpoint.Slug,
		endpoint.IsActive,
		endpoint.AuthType,
		endpoint.APIKey,
		endpoint.HMACSecret,
		endpoint.TargetModel,
		endpoint.TargetAction,
		fieldMappingJSON,
		defaultValuesJSON,
		requiredFieldsJSON,
		endpoint.DedupeField,
		endpoint.RateLimitPerMinute,
		endpoint.CreatedAt,
		endpoint.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err, "idx_webhook_endpoints_slug") {
			return fmt.Errorf("%w: %s", persistence.ErrSlugTaken, endpoint.Slug)
		}

		return fmt.Errorf("failed to save endpoint: %w", err)
	}

	return nil
}

func (r *EndpointRepository) DeleteEndpoint(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, "DELETE FROM webhook_endpoints WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("failed to delete endpoint: %w", err)
	}

	return nil
}

func scanEndpoint(row interface{ Scan(...any) error }) (*models.WebhookEndpoint, error) {
	var (
		endpoint           models.WebhookEndpoint
		fieldMappingJSON   []byte
		defaultValuesJSON  []byte
		requiredFieldsJSON []byte
	)

	err := row.Scan(
		&endpoint.ID,
		&endpoint.Name,
		&endpoint.Slug,
		&endpoint.IsActive,
		&endpoint.AuthType,
		&endpoint.APIKey,
		&endpoint.HMACSecret,
		&endpoint.TargetModel,
		&endpoint.TargetAction,
		&fieldMappingJSON,
		&defaultValuesJSON,
		&requiredFieldsJSON,
		&endpoint.DedupeField,
		&endpoint.RateLimitPerMinute,
		&endpoint.CreatedAt,
		&endpoint.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	err = json.Unmarshal(fieldMappingJSON, &endpoint.FieldMapping)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal field mapping: %w", err)
	}

	err = json.Unmarshal(defaultValuesJSON, &endpoint.DefaultValues)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal default values: %w", err)
	}

	err = json.Unmarshal(requiredFieldsJSON, &endpoint.RequiredFields)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal required fields: %w", err)
	}

	return &endpoint, nil
}

// ReceiptRepository handles the inbound delivery audit log.
type ReceiptRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

const receiptColumns = `
	id
  , endpoint_id
  , endpoint_slug
  , status
  , outcome
  , object_id
  , payload
  , error_message
  , source_ip
  , latency_ms
  , received_at
`

func (r *ReceiptRepository) CreateReceipt(ctx context.Context, receipt *models.WebhookReceipt) error {
	payloadJSON, err := json.Marshal(receipt.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	query := `
		INSERT INTO webhook_receipts (id, endpoint_id, endpoint_slug, status, outcome,
			object_id, payload, error_message, source_ip, latency_ms, received_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`

	_, err = r.db.ExecContext(ctx, query,
		receipt.ID,
		receipt.EndpointID,
		receipt.EndpointSlug,
		receipt.Status,
		receipt.Outcome,
		receipt.ObjectID,
		payloadJSON,
		receipt.ErrorMessage,
		receipt.SourceIP,
		receipt.LatencyMs,
		receipt.ReceivedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create receipt: %w", err)
	}

	return nil
}

func (r *ReceiptRepository) UpdateReceipt(ctx context.Context, receipt *models.WebhookReceipt) error {
	query := `
		UPDATE webhook_receipts SET
			status = $2,
			outcome = $3,
			object_id = $4,
			error_message = $5,
			latency_ms = $6
		WHERE id = $1
	`

	_, err := r.db.ExecContext(ctx, query,
		receipt.ID,
		receipt.Status,
		receipt.Outcome,
		receipt.ObjectID,
		receipt.ErrorMessage,
		receipt.LatencyMs,
	)
	if err != nil {
		return fmt.Errorf("failed to update receipt: %w", err)
	}

	return nil
}

func (r *ReceiptRepository) ListReceipts(ctx context.Context, filter persistence.ReceiptFilter) ([]*models.WebhookReceipt, int, error) {
	where := "TRUE"
	args := make([]any, 0, 3)

	appendArg := func(clause string, value any) {
		args = append(args, value)
		where += " AND " + clause + " $" + strconv.Itoa(len(args))
	}

	if filter.EndpointID != "" {
		appendArg("endpoint_id =", filter.EndpointID)
	}

	if filter.Status != "" {
		appendArg("status =", filter.Status)
	}

	if filter.Since != nil {
		appendArg("received_at >=", *filter.Since)
	}

	var total int

	err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM webhook_receipts WHERE "+where, args...).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to count receipts: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}

	query := "SELECT " + receiptColumns + " FROM webhook_receipts WHERE " + where +
		" ORDER BY received_at DESC LIMIT " + strconv.Itoa(limit) + " OFFSET " + strconv.Itoa(offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query receipts: %w", err)
	}

	defer func() {
		err := rows.Close()
		if err != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", err)
		}
	}()

	receipts := make([]*models.WebhookReceipt, 0)

	for rows.Next() {
		var (
			receipt     models.WebhookReceipt
			payloadJSON []byte
		)

		err := rows.Scan(
			&receipt.ID,
			&receipt.EndpointID,
			&receipt.EndpointSlug,
			&receipt.Status,
			&receipt.Outcome,
			&receipt.ObjectID,
			&payloadJSON,
			&receipt.ErrorMessage,
			&receipt.SourceIP,
			&receipt.LatencyMs,
			&receipt.ReceivedAt,
		)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan receipt: %w", err)
		}

		if len(payloadJSON) > 0 {
			err = json.Unmarshal(payloadJSON, &receipt.Payload)
			if err != nil {
				return nil, 0, fmt.Errorf("failed to unmarshal payload: %w", err)
			}
		}

		receipts = append(receipts, &receipt)
	}

	err = rows.Err()
	if err != nil {
		return nil, 0, fmt.Errorf("error iterating receipts: %w", err)
	}

	return receipts, total, nil
}
