// Package engine routes domain events to automation rules, evaluates their
// conditions and records every firing.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/castellanhq/castellan/pkg/conditions"
	"github.com/castellanhq/castellan/pkg/entities"
	"github.com/castellanhq/castellan/pkg/eventbus"
	"github.com/castellanhq/castellan/pkg/events"
	"github.com/castellanhq/castellan/pkg/models"
	"github.com/castellanhq/castellan/pkg/otelhelper"
	"github.com/castellanhq/castellan/pkg/persistence"
	"github.com/castellanhq/castellan/pkg/protocol"
	"github.com/castellanhq/castellan/pkg/registry"
)

// Engine is the rule execution core. It consumes lifecycle events from the
// bus, selects eligible rules, evaluates conditions against the record
// snapshot and drives the configured action through the registry.
type Engine struct {
	logger      *slog.Logger
	persistence persistence.Persistence
	store       entities.Store
	registry    *registry.Registry
	recorder    *Recorder
	tracer      trace.Tracer
}

func New(logger *slog.Logger, p persistence.Persistence, store entities.Store, reg *registry.Registry, recorder *Recorder) *Engine {
	return &Engine{
		logger:      logger.With("module", "engine"),
		persistence: p,
		store:       store,
		registry:    reg,
		recorder:    recorder,
		tracer:      otel.Tracer("castellan-engine"),
	}
}

// Start registers the engine's handlers on the bus and begins consuming.
// Blocks until the context is cancelled.
func (e *Engine) Start(ctx context.Context, bus eventbus.EventBus) error {
	handlers := map[events.EventType]eventbus.EventHandler{
		events.EntityCreatedEvent: e.handleEntityCreated,
		events.EntityUpdatedEvent: e.handleEntityUpdated,
		events.EntityDeletedEvent: e.handleEntityDeleted,
		events.SignalEvent:        e.handleSignal,
		events.ViewActionEvent:    e.handleViewAction,
	}

	for eventType, handler := range handlers {
		err := bus.Handle(eventType, handler)
		if err != nil {
			return fmt.Errorf("failed to register handler for %s: %w", eventType, err)
		}
	}

	return bus.Subscribe(ctx)
}

func (e *Engine) handleEntityCreated(ctx context.Context, event any) error {
	created, ok := event.(*events.EntityCreated)
	if !ok {
		return errors.New("unexpected event payload for entity.created")
	}

	return e.Dispatch(ctx, Trigger{
		Type:     models.TriggerModelCreated,
		Model:    created.Model,
		ObjectID: created.ObjectID,
		New:      created.NewValues,
	})
}

func (e *Engine) handleEntityUpdated(ctx context.Context, event any) error {
	updated, ok := event.(*events.EntityUpdated)
	if !ok {
		return errors.New("unexpected event payload for entity.updated")
	}

	return e.Dispatch(ctx, Trigger{
		Type:     models.TriggerModelUpdated,
		Model:    updated.Model,
		ObjectID: updated.ObjectID,
		Old:      updated.OldValues,
		New:      updated.NewValues,
	})
}

func (e *Engine) handleEntityDeleted(ctx context.Context, event any) error {
	deleted, ok := event.(*events.EntityDeleted)
	if !ok {
		return errors.New("unexpected event payload for entity.deleted")
	}

	return e.Dispatch(ctx, Trigger{
		Type:     models.TriggerModelDeleted,
		Model:    deleted.Model,
		ObjectID: deleted.ObjectID,
		Old:      deleted.OldValues,
	})
}

func (e *Engine) handleSignal(ctx context.Context, event any) error {
	signal, ok := event.(*events.Signal)
	if !ok {
		return errors.New("unexpected event payload for signal")
	}

	return e.Dispatch(ctx, Trigger{
		Type:     models.TriggerSignal,
		Model:    signal.Model,
		ObjectID: signal.ObjectID,
		New:      signal.Payload,
		Signal:   signal.Name,
	})
}

func (e *Engine) handleViewAction(ctx context.Context, event any) error {
	action, ok := event.(*events.ViewAction)
	if !ok {
		return errors.New("unexpected event payload for view.action")
	}

	return e.Dispatch(ctx, Trigger{
		Type:     models.TriggerViewAction,
		Model:    action.Model,
		ObjectID: action.ObjectID,
		Signal:   action.Action,
	})
}

// Dispatch routes one trigger to every eligible rule. Rules run oldest
// first; one rule failing does not stop the rest.
func (e *Engine) Dispatch(ctx context.Context, trigger Trigger) error {
	rules, err := e.persistence.RuleRepository().ActiveRules(ctx)
	if err != nil {
		return fmt.Errorf("failed to load active rules: %w", err)
	}

	matched := Route(rules, trigger)
	if len(matched) == 0 {
		return nil
	}

	record, old := e.snapshots(ctx, trigger)

	var errs []error

	for _, rule := range matched {
		err := e.run(ctx, rule, trigger, record, old, "")
		if err != nil {
			e.logger.ErrorContext(ctx, "Rule execution failed",
				"rule_id", rule.ID, "rule_name", rule.Name, "error", err)
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// snapshots resolves the record state conditions and templates see. Deleted
// entities evaluate against their last known values.
func (e *Engine) snapshots(ctx context.Context, trigger Trigger) (map[string]any, map[string]any) {
	record := trigger.New

	if record == nil && trigger.Type == models.TriggerModelDeleted {
		record = trigger.Old
	}

	if record == nil && trigger.Model != "" && trigger.ObjectID != "" {
		loaded, err := e.store.Get(ctx, trigger.Model, trigger.ObjectID)
		if err == nil {
			record = loaded.Fields
		}
	}

	if record == nil {
		record = map[string]any{}
	}

	return record, trigger.Old
}

// run takes a single rule through the full lifecycle: begin, evaluate,
// execute, complete. A duplicate dedupe key means another worker already
// fired this window and is not an error.
func (e *Engine) run(ctx context.Context, rule *models.AutomationRule, trigger Trigger, record, old map[string]any, dedupeKey string) error {
	ctx, span := otelhelper.StartSpan(ctx, e.tracer, "engine.rule_fire",
		attribute.String(otelhelper.RuleIDKey, rule.ID),
		attribute.String(otelhelper.RuleNameKey, rule.Name),
		attribute.String(otelhelper.TriggerTypeKey, string(trigger.Type)),
		attribute.String(otelhelper.ActionTypeKey, string(rule.ActionType)),
		attribute.String(otelhelper.ModelKey, trigger.Model),
		attribute.String(otelhelper.ObjectIDKey, trigger.ObjectID),
	)
	defer span.End()

	triggerData := models.TriggerData{
		Model:     trigger.Model,
		ObjectID:  trigger.ObjectID,
		OldValues: old,
		NewValues: record,
		Signal:    trigger.Signal,
	}

	execution, err := e.recorder.Begin(ctx, rule, triggerData, false, dedupeKey)
	if err != nil {
		if persistence.IsDuplicateExecution(err) {
			e.logger.DebugContext(ctx, "Execution window already fired",
				"rule_id", rule.ID, "dedupe_key", dedupeKey)

			return nil
		}

		return fmt.Errorf("failed to begin execution: %w", err)
	}

	if !conditions.Evaluate(rule.TriggerConditions, record) {
		return e.recorder.Complete(ctx, execution, models.ExecutionSkipped, nil, "")
	}

	executor, err := e.registry.CreateExecutor(ctx, rule.ActionType, rule.ActionConfig)
	if err != nil {
		completeErr := e.recorder.Complete(ctx, execution, models.ExecutionFailed, nil, err.Error())

		return errors.Join(fmt.Errorf("failed to create executor: %w", err), completeErr)
	}

	result, err := executor.Execute(ctx, e.executionContext(rule, trigger, record, old, false), e.logger)
	if err != nil {
		otelhelper.SetError(span, err, attribute.String(otelhelper.ExecutionIDKey, execution.ID))

		completeErr := e.recorder.Complete(ctx, execution, models.ExecutionFailed, result, err.Error())

		return errors.Join(fmt.Errorf("action failed: %w", err), completeErr)
	}

	return e.recorder.Complete(ctx, execution, models.ExecutionSuccess, result, "")
}

func (e *Engine) executionContext(rule *models.AutomationRule, trigger Trigger, record, old map[string]any, isTest bool) protocol.ExecutionContext {
	return protocol.ExecutionContext{
		Rule:     rule,
		Model:    trigger.Model,
		ObjectID: trigger.ObjectID,
		Record:   record,
		Old:      old,
		Signal:   trigger.Signal,
		IsTest:   isTest,
	}
}

// TestRule runs a rule against one entity on demand. With dryRun set the
// action is only previewed: nothing is persisted and no counters move.
// Without it the action runs for real but the execution is marked as a test
// so the counters stay untouched.
func (e *Engine) TestRule(ctx context.Context, ruleID, objectID string, dryRun bool) (*models.TestResult, error) {
	rule, err := e.persistence.RuleRepository().RuleByID(ctx, ruleID)
	if err != nil {
		return nil, err
	}

	trigger := Trigger{
		Type:     models.TriggerManual,
		Model:    rule.TriggerModel,
		ObjectID: objectID,
	}

	record := map[string]any{}

	if rule.TriggerModel != "" && objectID != "" {
		loaded, err := e.store.Get(ctx, rule.TriggerModel, objectID)
		if err != nil {
			return nil, fmt.Errorf("failed to load record: %w", err)
		}

		record = loaded.Fields
	}

	result := &models.TestResult{
		RuleID:            rule.ID,
		DryRun:            dryRun,
		ConditionsMatched: conditions.Evaluate(rule.TriggerConditions, record),
	}

	if !result.ConditionsMatched {
		result.Status = models.ExecutionSkipped

		return result, nil
	}

	executor, err := e.registry.CreateExecutor(ctx, rule.ActionType, rule.ActionConfig)
	if err != nil {
		result.Status = models.ExecutionFailed
		result.ErrorMessage = err.Error()

		return result, nil
	}

	if dryRun {
		preview, err := executor.Preview(ctx, e.executionContext(rule, trigger, record, nil, true))
		if err != nil {
			result.Status = models.ExecutionFailed
			result.ErrorMessage = err.Error()

			return result, nil
		}

		result.Status = models.ExecutionSuccess
		result.ActionPreview = preview

		return result, nil
	}

	triggerData := models.TriggerData{Model: trigger.Model, ObjectID: objectID, NewValues: record}

	execution, err := e.recorder.Begin(ctx, rule, triggerData, true, "")
	if err != nil {
		return nil, fmt.Errorf("failed to begin test execution: %w", err)
	}

	actionResult, err := executor.Execute(ctx, e.executionContext(rule, trigger, record, nil, false), e.logger)
	if err != nil {
		result.Status = models.ExecutionFailed
		result.ErrorMessage = err.Error()
		result.ActionResult = actionResult

		return result, e.recorder.Complete(ctx, execution, models.ExecutionFailed, actionResult, err.Error())
	}

	result.Status = models.ExecutionSuccess
	result.ActionResult = actionResult

	return result, e.recorder.Complete(ctx, execution, models.ExecutionSuccess, actionResult, "")
}

// DefaultScanInterval is the scheduled-scan window width when none is
// configured.
const DefaultScanInterval = time.Minute

// RunScheduledScan fires scheduled rules whose anchor timestamp, shifted by
// the configured offset, falls inside the current window. The dedupe key
// makes the scan idempotent: re-running the same window never double-fires.
func (e *Engine) RunScheduledScan(ctx context.Context, now time.Time, interval time.Duration) error {
	rules, err := e.persistence.RuleRepository().ActiveRules(ctx)
	if err != nil {
		return fmt.Errorf("failed to load active rules: %w", err)
	}

	windowStart := now.Truncate(interval)

	var errs []error

	for _, rule := range rules {
		if rule.TriggerType != models.TriggerScheduled || rule.ScheduleConfig == nil {
			continue
		}

		err := e.scanRule(ctx, rule, windowStart, interval)
		if err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

func (e *Engine) scanRule(ctx context.Context, rule *models.AutomationRule, windowStart time.Time, interval time.Duration) error {
	records, err := e.store.List(ctx, rule.TriggerModel)
	if err != nil {
		return fmt.Errorf("failed to list %s records: %w", rule.TriggerModel, err)
	}

	windowEnd := windowStart.Add(interval)

	var errs []error

	for _, record := range records {
		anchor, ok := datetimeField(record.Fields, rule.ScheduleConfig.DatetimeField)
		if !ok {
			continue
		}

		due := anchor
		offset := time.Duration(rule.ScheduleConfig.OffsetHours) * time.Hour

		if rule.ScheduleConfig.OffsetType == models.OffsetBefore {
			due = anchor.Add(-offset)
		} else {
			due = anchor.Add(offset)
		}

		if due.Before(windowStart) || !due.Before(windowEnd) {
			continue
		}

		dedupeKey := rule.ID + ":" + record.ID + ":" + strconv.FormatInt(windowStart.Unix(), 10)

		trigger := Trigger{
			Type:     models.TriggerScheduled,
			Model:    rule.TriggerModel,
			ObjectID: record.ID,
			New:      record.Fields,
		}

		err := e.run(ctx, rule, trigger, record.Fields, nil, dedupeKey)
		if err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

func datetimeField(fields map[string]any, name string) (time.Time, bool) {
	value, ok := fields[name]
	if !ok || value == nil {
		return time.Time{}, false
	}

	switch typed := value.(type) {
	case time.Time:
		return typed, true
	case string:
		layouts := []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02 15:04:05", "2006-01-02"}

		for _, layout := range layouts {
			parsed, err := time.Parse(layout, typed)
			if err == nil {
				return parsed, true
			}
		}
	}

	return time.Time{}, false
}
