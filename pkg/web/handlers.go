package web

import (
	"log/slog"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"

	"github.com/castellanhq/castellan/pkg/detector"
	"github.com/castellanhq/castellan/pkg/engine"
	"github.com/castellanhq/castellan/pkg/ingest"
	"github.com/castellanhq/castellan/pkg/models"
	"github.com/castellanhq/castellan/pkg/persistence"
	"github.com/castellanhq/castellan/pkg/registry"
)

// APIHandlers carries the dependencies of every HTTP handler.
type APIHandlers struct {
	logger      *slog.Logger
	persistence persistence.Persistence
	engine      *engine.Engine
	detector    *detector.Detector
	ingestor    *ingest.Ingestor
	registry    *registry.Registry
	validator   *validator.Validate
}

func NewAPIHandlers(
	logger *slog.Logger,
	p persistence.Persistence,
	ruleEngine *engine.Engine,
	bottleneckDetector *detector.Detector,
	ingestor *ingest.Ingestor,
	reg *registry.Registry,
	validate *validator.Validate,
) *APIHandlers {
	return &APIHandlers{
		logger:      logger.With("module", "web"),
		persistence: p,
		engine:      ruleEngine,
		detector:    bottleneckDetector,
		ingestor:    ingestor,
		registry:    reg,
		validator:   validate,
	}
}

// Register mounts every route on the app.
func (h *APIHandlers) Register(app *fiber.App) {
	r := app.Group("/rules")
	r.Get("/", h.GetRules)
	r.Post("/", h.CreateRule)
	r.Get("/:id", h.GetRule)
	r.Patch("/:id", h.UpdateRule)
	r.Delete("/:id", h.DeleteRule)
	r.Post("/:id/test", h.TestRule)

	app.Get("/executions", h.GetExecutions)
	app.Get("/executions/:id", h.GetExecution)

	e := app.Group("/webhook-endpoints")
	e.Get("/", h.GetEndpoints)
	e.Post("/", h.CreateEndpoint)
	e.Get("/:id", h.GetEndpoint)
	e.Patch("/:id", h.UpdateEndpoint)
	e.Delete("/:id", h.DeleteEndpoint)
	e.Get("/:id/receipts", h.GetReceipts)

	app.Post("/webhooks/:slug", h.ReceiveWebhook)

	b := app.Group("/bottleneck-rules")
	b.Get("/", h.GetBottleneckRules)
	b.Post("/", h.CreateBottleneckRule)
	b.Get("/:id", h.GetBottleneckRule)
	b.Patch("/:id", h.UpdateBottleneckRule)
	b.Delete("/:id", h.DeleteBottleneckRule)
	b.Post("/:id/run", h.RunBottleneckRule)
	b.Get("/:id/runs", h.GetBottleneckRuns)

	app.Get("/detections", h.GetDetections)
	app.Post("/detections/:id/resolve", h.ResolveDetection)

	app.Get("/actions", h.GetActions)
	app.Get("/health", h.HealthCheck)
}

func (h *APIHandlers) GetRules(c fiber.Ctx) error {
	rules, err := h.persistence.RuleRepository().Rules(c.Context())
	if err != nil {
		return internalError(c, err)
	}

	return c.JSON(fiber.Map{
		"rules":       rules,
		"total_count": len(rules),
	})
}

func (h *APIHandlers) GetRule(c fiber.Ctx) error {
	rule, err := h.persistence.RuleRepository().RuleByID(c.Context(), c.Params("id"))
	if err != nil {
		return handleRepositoryError(c, err)
	}

	return c.JSON(rule)
}

func (h *APIHandlers) CreateRule(c fiber.Ctx) error {
	var req CreateRuleRequest
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

	rule := &models.AutomationRule{
		Name:              req.Name,
		Description:       req.Description,
		TriggerType:       req.TriggerType,
		TriggerModel:      req.TriggerModel,
		TriggerSignal:     req.TriggerSignal,
		TriggerConditions: req.TriggerConditions,
		ScheduleConfig:    req.ScheduleConfig,
		ActionType:        req.ActionType,
		ActionConfig:      req.ActionConfig,
		IsActive:          isActive,
		CreatedBy:         req.CreatedBy,
	}

	if err := rule.Validate(); err != nil {
		return unprocessable(c, err.Error())
	}

	if err := h.validateAction(c, rule); err != nil {
		return err
	}

	if err := h.persistence.RuleRepository().SaveRule(c.Context(), rule); err != nil {
		return handleRepositoryError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(rule)
}

func (h *APIHandlers) UpdateRule(c fiber.Ctx) error {
	var req UpdateRuleRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	rule, err := h.persistence.RuleRepository().RuleByID(c.Context(), c.Params("id"))
	if err != nil {
		return handleRepositoryError(c, err)
	}

	if req.Name != nil {
		rule.Name = *req.Name
	}

	if req.Description != nil {
		rule.Description = *req.Description
	}

	if req.TriggerConditions != nil {
		rule.TriggerConditions = req.TriggerConditions
	}

	if req.ScheduleConfig != nil {
		rule.ScheduleConfig = req.ScheduleConfig
	}

	if req.ActionConfig != nil {
		rule.ActionConfig = *req.ActionConfig
	}

	if req.IsActive != nil {
		rule.IsActive = *req.IsActive
	}

	if err := rule.Validate(); err != nil {
		return unprocessable(c, err.Error())
	}

	if err := h.validateAction(c, rule); err != nil {
		return err
	}

	if err := h.persistence.RuleRepository().SaveRule(c.Context(), rule); err != nil {
		return handleRepositoryError(c, err)
	}

	return c.JSON(rule)
}

func (h *APIHandlers) DeleteRule(c fiber.Ctx) error {
	err := h.persistence.RuleRepository().DeleteRule(c.Context(), c.Params("id"))
	if err != nil {
		return handleRepositoryError(c, err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}

func (h *APIHandlers) TestRule(c fiber.Ctx) error {
	var req TestRuleRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	result, err := h.engine.TestRule(c.Context(), c.Params("id"), req.ObjectID, req.DryRun)
	if err != nil {
		return handleRepositoryError(c, err)
	}

	return c.JSON(result)
}

// validateAction instantiates the configured executor so schema violations
// and broken templates surface at save time, not at first firing.
func (h *APIHandlers) validateAction(c fiber.Ctx, rule *models.AutomationRule) error {
	executor, err := h.registry.CreateExecutor(c.Context(), rule.ActionType, rule.ActionConfig)
	if err != nil {
		return unprocessable(c, err.Error())
	}

	if err := executor.Validate(c.Context()); err != nil {
		return unprocessable(c, err.Error())
	}

	return nil
}

func (h *APIHandlers) GetExecutions(c fiber.Ctx) error {
	filter, err := parseExecutionFilter(c)
	if err != nil {
		return badRequest(c, "Invalid query parameters: "+err.Error())
	}

	executions, total, err := h.persistence.ExecutionRepository().ListExecutions(c.Context(), *filter)
	if err != nil {
		return internalError(c, err)
	}

	return c.JSON(fiber.Map{
		"executions":  executions,
		"total_count": total,
		"pagination": fiber.Map{
			"limit":  filter.Limit,
			"offset": filter.Offset,
		},
	})
}

func (h *APIHandlers) GetExecution(c fiber.Ctx) error {
	execution, err := h.persistence.ExecutionRepository().ExecutionByID(c.Context(), c.Params("id"))
	if err != nil {
		return handleRepositoryError(c, err)
	}

	return c.JSON(execution)
}

func (h *APIHandlers) GetActions(c fiber.Ctx) error {
	return c.JSON(fiber.Map{"actions": h.registry.AvailableActions()})
}

func (h *APIHandlers) HealthCheck(c fiber.Ctx) error {
	err := h.persistence.HealthCheck(c.Context())
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"status":    "unhealthy",
			"error":     err.Error(),
			"timestamp": time.Now().UTC(),
		})
	}

	return c.JSON(fiber.Map{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
	})
}

func parseExecutionFilter(c fiber.Ctx) (*persistence.ExecutionFilter, error) {
	filter := &persistence.ExecutionFilter{
		RuleID: c.Query("rule_id"),
		Status: models.ExecutionStatus(c.Query("status")),
		Model:  c.Query("model"),
	}

	var err error

	filter.Limit, filter.Offset, err = parsePagination(c)
	if err != nil {
		return nil, err
	}

	filter.Since, err = parseTimeQuery(c, "since")
	if err != nil {
		return nil, err
	}

	filter.Until, err = parseTimeQuery(c, "until")
	if err != nil {
		return nil, err
	}

	return filter, nil
}

func parsePagination(c fiber.Ctx) (int, int, error) {
	limit, offset := 0, 0

	if limitStr := c.Query("limit"); limitStr != "" {
		parsed, err := strconv.Atoi(limitStr)
		if err != nil {
			return 0, 0, err
		}

		limit = parsed
	}

	if offsetStr := c.Query("offset"); offsetStr != "" {
		parsed, err := strconv.Atoi(offsetStr)
		if err != nil {
			return 0, 0, err
		}

		offset = parsed
	}

	return limit, offset, nil
}

func parseTimeQuery(c fiber.Ctx, name string) (*time.Time, error) {
	value := c.Query(name)
	if value == "" {
		return nil, nil
	}

	parsed, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return nil, err
	}

	return &parsed, nil
}
