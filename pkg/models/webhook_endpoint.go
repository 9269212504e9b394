package models

import (
	"errors"
	"time"
)

// WebhookAuthType is how inbound deliveries authenticate.
type WebhookAuthType string

const (
	WebhookAuthNone   WebhookAuthType = "none"
	WebhookAuthAPIKey WebhookAuthType = "api_key"
	WebhookAuthHMAC   WebhookAuthType = "hmac"
)

// WebhookTargetAction is what an inbound delivery does to the target entity.
type WebhookTargetAction string

const (
	WebhookTargetCreate WebhookTargetAction = "create"
	WebhookTargetUpdate WebhookTargetAction = "update"
	WebhookTargetUpsert WebhookTargetAction = "upsert"
)

// WebhookEndpoint is the configuration of one inbound ingestion URL. The
// slug is unique and forms the public path /webhooks/{slug}.
type WebhookEndpoint struct {
	ID           string              `json:"id"`
	Name         string              `json:"name" validate:"required,min=3"`
	Slug         string              `json:"slug" validate:"required"`
	IsActive     bool                `json:"is_active"`
	AuthType     WebhookAuthType     `json:"auth_type"     validate:"required,oneof=none api_key hmac"`
	APIKey       string              `json:"api_key,omitempty"`
	HMACSecret   string              `json:"hmac_secret,omitempty"`
	TargetModel  string              `json:"target_model"  validate:"required"`
	TargetAction WebhookTargetAction `json:"target_action" validate:"required,oneof=create update upsert"`
	// FieldMapping maps dotted external JSON paths to target entity fields.
	FieldMapping       map[string]string `json:"field_mapping"`
	DefaultValues      map[string]any    `json:"default_values,omitempty"`
	RequiredFields     []string          `json:"required_fields,omitempty"`
	DedupeField        string            `json:"dedupe_field,omitempty"`
	RateLimitPerMinute int               `json:"rate_limit_per_minute,omitempty"`
	CreatedAt          time.Time         `json:"created_at"`
	UpdatedAt          time.Time         `json:"updated_at"`
}

var (
	ErrAPIKeyRequired     = errors.New("api_key is required when auth_type is api_key")
	ErrAPIKeyNotAllowed   = errors.New("api_key is only valid when auth_type is api_key")
	ErrHMACSecretRequired = errors.New("hmac_secret is required when auth_type is hmac")
	ErrDedupeFieldRequired = errors.New("dedupe_field is required for upsert endpoints")
)

// Validate checks auth/target coherence. api_key is present iff the auth
// type requires it.
func (e *WebhookEndpoint) Validate() error {
	switch e.AuthType {
	case WebhookAuthAPIKey:
		if e.APIKey == "" {
			return ErrAPIKeyRequired
		}
	case WebhookAuthHMAC:
		if e.HMACSecret == "" {
			return ErrHMACSecretRequired
		}
	case WebhookAuthNone:
		if e.APIKey != "" {
			return ErrAPIKeyNotAllowed
		}
	default:
		return errors.New("unknown auth type: " + string(e.AuthType))
	}

	if e.TargetAction == WebhookTargetUpsert && e.DedupeField == "" {
		return ErrDedupeFieldRequired
	}

	return nil
}

// ReceiptStatus is the terminal state of one inbound delivery attempt.
type ReceiptStatus string

const (
	ReceiptSuccess         ReceiptStatus = "success"
	ReceiptFailed          ReceiptStatus = "failed"
	ReceiptInvalidAuth     ReceiptStatus = "invalid_auth"
	ReceiptValidationError ReceiptStatus = "validation_error"
	ReceiptRateLimited     ReceiptStatus = "rate_limited"
)

// ReceiptOutcome describes what happened to the target record.
type ReceiptOutcome string

const (
	OutcomeCreated   ReceiptOutcome = "created"
	OutcomeUpdated   ReceiptOutcome = "updated"
	OutcomeDuplicate ReceiptOutcome = "duplicate"
)

// WebhookReceipt is the immutable record of one inbound delivery attempt.
// It is written before any side effect so failures stay observable.
type WebhookReceipt struct {
	ID           string         `json:"id"`
	EndpointID   string         `json:"endpoint_id"`
	EndpointSlug string         `json:"endpoint_slug"`
	Status       ReceiptStatus  `json:"status"`
	Outcome      ReceiptOutcome `json:"outcome,omitempty"`
	ObjectID     string         `json:"object_id,omitempty"`
	Payload      map[string]any `json:"payload,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	SourceIP     string         `json:"source_ip,omitempty"`
	LatencyMs    int64          `json:"latency_ms"`
	ReceivedAt   time.Time      `json:"received_at"`
}
