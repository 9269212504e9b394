// Package persistence provides the data storage abstraction for rules,
// executions, webhook endpoints, receipts and bottleneck detections.
package persistence

import (
	"context"
	"time"

	"github.com/castellanhq/castellan/pkg/models"
)

// ExecutionFilter narrows execution listings for the query surfaces.
type ExecutionFilter struct {
	RuleID string
	Status models.ExecutionStatus
	Model  string
	Since  *time.Time
	Until  *time.Time
	Limit  int
	Offset int
}

// DetectionFilter narrows detection listings.
type DetectionFilter struct {
	RuleID     string
	EntityType string
	Severity   models.Severity
	Unresolved bool
	Since      *time.Time
	Until      *time.Time
	Limit      int
	Offset     int
}

// ReceiptFilter narrows webhook receipt listings.
type ReceiptFilter struct {
	EndpointID string
	Status     models.ReceiptStatus
	Since      *time.Time
	Limit      int
	Offset     int
}

// RuleRepository stores automation rules. Deletion is soft: executions
// referencing a rule are never orphaned.
type RuleRepository interface {
	Rules(ctx context.Context) ([]*models.AutomationRule, error)
	ActiveRules(ctx context.Context) ([]*models.AutomationRule, error)
	RuleByID(ctx context.Context, id string) (*models.AutomationRule, error)
	SaveRule(ctx context.Context, rule *models.AutomationRule) error
	DeleteRule(ctx context.Context, id string) error
	// IncrementCounters atomically bumps total_executions and the
	// matching success/failure counter, and stamps last_triggered_at.
	IncrementCounters(ctx context.Context, ruleID string, success bool, triggeredAt time.Time) error
}

// ExecutionRepository stores the append-only execution log.
type ExecutionRepository interface {
	// CreateExecution persists a new execution. A non-empty DedupeKey
	// that already exists yields ErrDuplicateExecution.
	CreateExecution(ctx context.Context, execution *models.RuleExecution) error
	UpdateExecution(ctx context.Context, execution *models.RuleExecution) error
	ExecutionByID(ctx context.Context, id string) (*models.RuleExecution, error)
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*models.RuleExecution, int, error)
}

// EndpointRepository stores inbound webhook endpoint configurations.
type EndpointRepository interface {
	Endpoints(ctx context.Context) ([]*models.WebhookEndpoint, error)
	EndpointByID(ctx context.Context, id string) (*models.WebhookEndpoint, error)
	EndpointBySlug(ctx context.Context, slug string) (*models.WebhookEndpoint, error)
	SaveEndpoint(ctx context.Context, endpoint *models.WebhookEndpoint) error
	DeleteEndpoint(ctx context.Context, id string) error
}

// ReceiptRepository stores the inbound delivery audit log.
type ReceiptRepository interface {
	CreateReceipt(ctx context.Context, receipt *models.WebhookReceipt) error
	UpdateReceipt(ctx context.Context, receipt *models.WebhookReceipt) error
	ListReceipts(ctx context.Context, filter ReceiptFilter) ([]*models.WebhookReceipt, int, error)
}

// BottleneckRepository stores bottleneck rules, detections and run history.
type BottleneckRepository interface {
	BottleneckRules(ctx context.Context) ([]*models.BottleneckRule, error)
	// DueBottleneckRules returns active scheduled rules whose next_run_at
	// is unset or has passed.
	DueBottleneckRules(ctx context.Context, now time.Time) ([]*models.BottleneckRule, error)
	BottleneckRuleByID(ctx context.Context, id string) (*models.BottleneckRule, error)
	SaveBottleneckRule(ctx context.Context, rule *models.BottleneckRule) error
	DeleteBottleneckRule(ctx context.Context, id string) error

	// UnresolvedDetection returns the single unresolved detection for the
	// (rule, entity) pair, or nil.
	UnresolvedDetection(ctx context.Context, ruleID, entityID string) (*models.BottleneckDetection, error)
	// LatestDetection returns the most recent detection for the pair,
	// resolved or not, for cooldown checks.
	LatestDetection(ctx context.Context, ruleID, entityID string) (*models.BottleneckDetection, error)
	// SaveDetection upserts keyed on (rule, entity, is_resolved=false) so
	// concurrent scans cannot create duplicate unresolved detections.
	SaveDetection(ctx context.Context, detection *models.BottleneckDetection) error
	ResolveDetection(ctx context.Context, id, resolvedBy string, at time.Time) error
	UnresolvedDetectionsByRule(ctx context.Context, ruleID string) ([]*models.BottleneckDetection, error)
	ListDetections(ctx context.Context, filter DetectionFilter) ([]*models.BottleneckDetection, int, error)

	CreateRun(ctx context.Context, run *models.DetectionRun) error
	RunsByRule(ctx context.Context, ruleID string, limit int) ([]*models.DetectionRun, error)
}

type Persistence interface {
	RuleRepository() RuleRepository
	ExecutionRepository() ExecutionRepository
	EndpointRepository() EndpointRepository
	ReceiptRepository() ReceiptRepository
	BottleneckRepository() BottleneckRepository

	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}
