package web

import (
	"errors"

	"github.com/gofiber/fiber/v3"

	"github.com/castellanhq/castellan/pkg/ingest"
	"github.com/castellanhq/castellan/pkg/models"
	"github.com/castellanhq/castellan/pkg/persistence"
)

func (h *APIHandlers) GetEndpoints(c fiber.Ctx) error {
	endpoints, err := h.persistence.EndpointRepository().Endpoints(c.Context())
	if err != nil {
		return internalError(c, err)
	}

	return c.JSON(fiber.Map{
		"endpoints":   endpoints,
		"total_count": len(endpoints),
	})
}

func (h *APIHandlers) GetEndpoint(c fiber.Ctx) error {
	endpoint, err := h.persistence.EndpointRepository().EndpointByID(c.Context(), c.Params("id"))
	if err != nil {
		return handleRepositoryError(c, err)
	}

	return c.JSON(endpoint)
}

func (h *APIHandlers) CreateEndpoint(c fiber.Ctx) error {
	var req CreateEndpointRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	isActive := true
	if req.IsActive != nil {
		isActive = *req.IsActive
	}

	endpoint := &models.WebhookEndpoint{
		Name:               req.Name,
		Slug:               req.Slug,
		IsActive:           isActive,
		AuthType:           req.AuthType,
		APIKey:             req.APIKey,
		HMACSecret:         req.HMACSecret,
		TargetModel:        req.TargetModel,
		TargetAction:       req.TargetAction,
		FieldMapping:       req.FieldMapping,
		DefaultValues:      req.DefaultValues,
		RequiredFields:     req.RequiredFields,
		DedupeField:        req.DedupeField,
		RateLimitPerMinute: req.RateLimitPerMinute,
	}

	if err := endpoint.Validate(); err != nil {
		return unprocessable(c, err.Error())
	}

	if err := h.persistence.EndpointRepository().SaveEndpoint(c.Context(), endpoint); err != nil {
		return handleRepositoryError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(endpoint)
}

func (h *APIHandlers) UpdateEndpoint(c fiber.Ctx) error {
	var req UpdateEndpointRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	endpoint, err := h.persistence.EndpointRepository().EndpointByID(c.Context(), c.Params("id"))
	if err != nil {
		return handleRepositoryError(c, err)
	}

	if req.Name != nil {
		endpoint.Name = *req.Name
	}

	if req.APIKey != nil {
		endpoint.APIKey = *req.APIKey
	}

	if req.HMACSecret != nil {
		endpoint.HMACSecret = *req.HMACSecret
	}

	if req.FieldMapping != nil {
		endpoint.FieldMapping = req.FieldMapping
	}

	if req.DefaultValues != nil {
		endpoint.DefaultValues = req.DefaultValues
	}

	if req.RequiredFields != nil {
		endpoint.RequiredFields = req.RequiredFields
	}

	if req.DedupeField != nil {
		endpoint.DedupeField = *req.DedupeField
	}

	if req.RateLimitPerMinute != nil {
		endpoint.RateLimitPerMinute = *req.RateLimitPerMinute
	}

	if req.IsActive != nil {
		endpoint.IsActive = *req.IsActive
	}

	if err := endpoint.Validate(); err != nil {
		return unprocessable(c, err.Error())
	}

	if err := h.persistence.EndpointRepository().SaveEndpoint(c.Context(), endpoint); err != nil {
		return handleRepositoryError(c, err)
	}

	return c.JSON(endpoint)
}

func (h *APIHandlers) DeleteEndpoint(c fiber.Ctx) error {
	err := h.persistence.EndpointRepository().DeleteEndpoint(c.Context(), c.Params("id"))
	if err != nil {
		return handleRepositoryError(c, err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}

func (h *APIHandlers) GetReceipts(c fiber.Ctx) error {
	endpoint, err := h.persistence.EndpointRepository().EndpointByID(c.Context(), c.Params("id"))
	if err != nil {
		return handleRepositoryError(c, err)
	}

	filter := persistence.ReceiptFilter{
		EndpointID: endpoint.ID,
		Status:     models.ReceiptStatus(c.Query("status")),
	}

	filter.Limit, filter.Offset, err = parsePagination(c)
	if err != nil {
		return badRequest(c, "Invalid query parameters: "+err.Error())
	}

	filter.Since, err = parseTimeQuery(c, "since")
	if err != nil {
		return badRequest(c, "Invalid query parameters: "+err.Error())
	}

	receipts, total, err := h.persistence.ReceiptRepository().ListReceipts(c.Context(), filter)
	if err != nil {
		return internalError(c, err)
	}

	return c.JSON(fiber.Map{
		"receipts":    receipts,
		"total_count": total,
	})
}

// ReceiveWebhook is the public ingestion path. The response status mirrors
// the receipt status so senders can react to auth, rate-limit and payload
// problems.
func (h *APIHandlers) ReceiveWebhook(c fiber.Ctx) error {
	receipt, err := h.ingestor.Process(c.Context(), ingest.Delivery{
		Slug:      c.Params("slug"),
		Body:      c.Body(),
		APIKey:    c.Get("X-API-Key"),
		Signature: c.Get("X-Signature"),
		SourceIP:  c.IP(),
	})

	switch {
	case err == nil:
		return c.JSON(fiber.Map{
			"receipt_id": receipt.ID,
			"status":     receipt.Status,
			"outcome":    receipt.Outcome,
			"object_id":  receipt.ObjectID,
		})
	case persistence.IsEndpointNotFound(err):
		return notFound(c, "webhook endpoint not found")
	case errors.Is(err, ingest.ErrInvalidAuth):
		return unauthorized(c, "webhook authentication failed")
	case errors.Is(err, ingest.ErrRateLimited):
		return tooManyRequests(c, "webhook rate limit exceeded")
	case errors.Is(err, ingest.ErrPayloadInvalid), errors.Is(err, ingest.ErrTargetNotFound):
		return unprocessable(c, err.Error())
	default:
		return internalError(c, err)
	}
}
