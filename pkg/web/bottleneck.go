package web

import (
	"time"

	"github.com/gofiber/fiber/v3"

	"github.com/castellanhq/castellan/pkg/models"
	"github.com/castellanhq/castellan/pkg/persistence"
)

func (h *APIHandlers) GetBottleneckRules(c fiber.Ctx) error {
	rules, err := h.persistence.BottleneckRepository().BottleneckRules(c.Context())
	if err != nil {
		return internalError(c, err)
	}

	return c.JSON(fiber.Map{
		"rules":       rules,
		"total_count": len(rules),
	})
}

func (h *APIHandlers) GetBottleneckRule(c fiber.Ctx) error {
	rule, err := h.persistence.BottleneckRepository().BottleneckRuleByID(c.Context(), c.Params("id"))
	if err != nil {
		return handleRepositoryError(c, err)
	}

	return c.JSON(rule)
}

func (h *APIHandlers) CreateBottleneckRule(c fiber.Ctx) error {
	var req CreateBottleneckRuleRequest
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

	rule := &models.BottleneckRule{
		Name:                       req.Name,
		Description:                req.Description,
		EntityType:                 req.EntityType,
		BottleneckType:             req.BottleneckType,
		DetectionConfig:            req.DetectionConfig,
		FilterConditions:           req.FilterConditions,
		IsActive:                   isActive,
		CooldownHours:              req.CooldownHours,
		EnableWarnings:             req.EnableWarnings,
		WarningThresholdPercentage: req.WarningThresholdPercentage,
		SendNotification:           req.SendNotification,
		NotificationConfig:         req.NotificationConfig,
		CreateTask:                 req.CreateTask,
		TaskConfig:                 req.TaskConfig,
		RunOnSchedule:              req.RunOnSchedule,
		ScheduleIntervalMinutes:    req.ScheduleIntervalMinutes,
	}

	if err := rule.Validate(); err != nil {
		return unprocessable(c, err.Error())
	}

	if err := h.persistence.BottleneckRepository().SaveBottleneckRule(c.Context(), rule); err != nil {
		return handleRepositoryError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(rule)
}

func (h *APIHandlers) UpdateBottleneckRule(c fiber.Ctx) error {
	var req UpdateBottleneckRuleRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	rule, err := h.persistence.BottleneckRepository().BottleneckRuleByID(c.Context(), c.Params("id"))
	if err != nil {
		return handleRepositoryError(c, err)
	}

	if req.Name != nil {
		rule.Name = *req.Name
	}

	if req.Description != nil {
		rule.Description = *req.Description
	}

	if req.DetectionConfig != nil {
		rule.DetectionConfig = *req.DetectionConfig
	}

	if req.FilterConditions != nil {
		rule.FilterConditions = req.FilterConditions
	}

	if req.CooldownHours != nil {
		rule.CooldownHours = *req.CooldownHours
	}

	if req.EnableWarnings != nil {
		rule.EnableWarnings = *req.EnableWarnings
	}

	if req.WarningThresholdPercentage != nil {
		rule.WarningThresholdPercentage = *req.WarningThresholdPercentage
	}

	if req.SendNotification != nil {
		rule.SendNotification = *req.SendNotification
	}

	if req.NotificationConfig != nil {
		rule.NotificationConfig = req.NotificationConfig
	}

	if req.CreateTask != nil {
		rule.CreateTask = *req.CreateTask
	}

	if req.TaskConfig != nil {
		rule.TaskConfig = req.TaskConfig
	}

	if req.RunOnSchedule != nil {
		rule.RunOnSchedule = *req.RunOnSchedule
	}

	if req.ScheduleIntervalMinutes != nil {
		rule.ScheduleIntervalMinutes = *req.ScheduleIntervalMinutes
	}

	if req.IsActive != nil {
		rule.IsActive = *req.IsActive
	}

	if err := rule.Validate(); err != nil {
		return unprocessable(c, err.Error())
	}

	if err := h.persistence.BottleneckRepository().SaveBottleneckRule(c.Context(), rule); err != nil {
		return handleRepositoryError(c, err)
	}

	return c.JSON(rule)
}

func (h *APIHandlers) DeleteBottleneckRule(c fiber.Ctx) error {
	err := h.persistence.BottleneckRepository().DeleteBottleneckRule(c.Context(), c.Params("id"))
	if err != nil {
		return handleRepositoryError(c, err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}

// RunBottleneckRule triggers a synchronous scan and returns the run summary.
func (h *APIHandlers) RunBottleneckRule(c fiber.Ctx) error {
	run, err := h.detector.RunRuleByID(c.Context(), c.Params("id"))
	if err != nil {
		return handleRepositoryError(c, err)
	}

	return c.JSON(run)
}

func (h *APIHandlers) GetBottleneckRuns(c fiber.Ctx) error {
	limit, _, err := parsePagination(c)
	if err != nil {
		return badRequest(c, "Invalid query parameters: "+err.Error())
	}

	rule, err := h.persistence.BottleneckRepository().BottleneckRuleByID(c.Context(), c.Params("id"))
	if err != nil {
		return handleRepositoryError(c, err)
	}

	runs, err := h.persistence.BottleneckRepository().RunsByRule(c.Context(), rule.ID, limit)
	if err != nil {
		return internalError(c, err)
	}

	return c.JSON(fiber.Map{
		"runs":        runs,
		"total_count": len(runs),
	})
}

func (h *APIHandlers) GetDetections(c fiber.Ctx) error {
	filter, err := parseDetectionFilter(c)
	if err != nil {
		return badRequest(c, "Invalid query parameters: "+err.Error())
	}

	detections, total, err := h.persistence.BottleneckRepository().ListDetections(c.Context(), *filter)
	if err != nil {
		return internalError(c, err)
	}

	return c.JSON(fiber.Map{
		"detections":  detections,
		"total_count": total,
		"pagination": fiber.Map{
			"limit":  filter.Limit,
			"offset": filter.Offset,
		},
	})
}

func (h *APIHandlers) ResolveDetection(c fiber.Ctx) error {
	var req ResolveDetectionRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	err := h.persistence.BottleneckRepository().ResolveDetection(c.Context(), c.Params("id"), req.ResolvedBy, time.Now().UTC())
	if err != nil {
		return handleRepositoryError(c, err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}

func parseDetectionFilter(c fiber.Ctx) (*persistence.DetectionFilter, error) {
	filter := &persistence.DetectionFilter{
		RuleID:     c.Query("rule_id"),
		EntityType: c.Query("entity_type"),
		Severity:   models.Severity(c.Query("severity")),
		Unresolved: c.Query("unresolved") == "true",
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
