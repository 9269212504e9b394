// Package detector scans entities against bottleneck rules, maintains the
// detection lifecycle and fires the configured side effects.
package detector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/castellanhq/castellan/pkg/conditions"
	"github.com/castellanhq/castellan/pkg/entities"
	"github.com/castellanhq/castellan/pkg/models"
	"github.com/castellanhq/castellan/pkg/notify"
	"github.com/castellanhq/castellan/pkg/otelhelper"
	"github.com/castellanhq/castellan/pkg/persistence"
	"github.com/castellanhq/castellan/pkg/template"
)

// Run triggers recorded on the run history.
const (
	TriggerScheduled = "scheduled"
	TriggerManual    = "manual"
)

// Detector owns bottleneck rule runs. Each rule runs under its own mutex so
// a slow manual run and the scheduler cannot scan the same rule twice
// concurrently.
type Detector struct {
	logger      *slog.Logger
	persistence persistence.Persistence
	store       entities.Store
	notifier    notify.Notifier
	tracer      trace.Tracer

	mu       sync.Mutex
	ruleRuns map[string]*sync.Mutex
}

func New(logger *slog.Logger, p persistence.Persistence, store entities.Store, notifier notify.Notifier) *Detector {
	return &Detector{
		logger:      logger.With("module", "detector"),
		persistence: p,
		store:       store,
		notifier:    notifier,
		tracer:      otel.Tracer("castellan-detector"),
		ruleRuns:    make(map[string]*sync.Mutex),
	}
}

// RunDueRules scans every active scheduled rule whose next run has passed.
func (d *Detector) RunDueRules(ctx context.Context, now time.Time) error {
	rules, err := d.persistence.BottleneckRepository().DueBottleneckRules(ctx, now)
	if err != nil {
		return fmt.Errorf("failed to load due rules: %w", err)
	}

	var errs []error

	for _, rule := range rules {
		_, err := d.RunRule(ctx, rule, TriggerScheduled)
		if err != nil {
			d.logger.ErrorContext(ctx, "Bottleneck rule run failed",
				"rule_id", rule.ID, "rule_name", rule.Name, "error", err)
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// RunRuleByID loads and runs one rule on demand.
func (d *Detector) RunRuleByID(ctx context.Context, ruleID string) (*models.DetectionRun, error) {
	rule, err := d.persistence.BottleneckRepository().BottleneckRuleByID(ctx, ruleID)
	if err != nil {
		return nil, err
	}

	return d.RunRule(ctx, rule, TriggerManual)
}

// RunRule performs one full scan of a rule: evaluate every entity, upsert or
// resolve detections, fire first-detection side effects, and append the run
// to the rule's history.
func (d *Detector) RunRule(ctx context.Context, rule *models.BottleneckRule, trigger string) (*models.DetectionRun, error) {
	unlock := d.lockRule(rule.ID)
	defer unlock()

	ctx, span := otelhelper.StartSpan(ctx, d.tracer, "detector.rule_run",
		attribute.String(otelhelper.BottleneckRuleKey, rule.ID),
		attribute.String(otelhelper.RuleNameKey, rule.Name),
		attribute.String(otelhelper.ModelKey, rule.EntityType),
	)
	defer span.End()

	now := time.Now().UTC()
	snapshot := *rule

	run := &models.DetectionRun{
		RuleID:       rule.ID,
		RuleSnapshot: &snapshot,
		Trigger:      trigger,
		StartedAt:    now,
	}

	records, err := d.store.List(ctx, rule.EntityType)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s records: %w", rule.EntityType, err)
	}

	for _, record := range records {
		run.EntitiesScanned++

		if !conditions.Evaluate(rule.FilterConditions, record.Fields) {
			continue
		}

		err := d.evaluateEntity(ctx, rule, record, now, run)
		if err != nil {
			d.logger.WarnContext(ctx, "Entity evaluation failed",
				"rule_id", rule.ID, "entity_id", record.ID, "error", err)
		}
	}

	run.FinishedAt = time.Now().UTC()

	err = d.persistence.BottleneckRepository().CreateRun(ctx, run)
	if err != nil {
		return nil, fmt.Errorf("failed to record run: %w", err)
	}

	err = d.advanceSchedule(ctx, rule, now)
	if err != nil {
		return nil, err
	}

	d.logger.InfoContext(ctx, "Bottleneck rule run finished",
		"rule_id", rule.ID,
		"trigger", trigger,
		"scanned", run.EntitiesScanned,
		"matched", run.EntitiesMatched,
		"in_cooldown", run.EntitiesInCooldown,
		"created", run.DetectionsCreated,
		"resolved", run.DetectionsResolved,
	)

	return run, nil
}

func (d *Detector) evaluateEntity(ctx context.Context, rule *models.BottleneckRule, record *entities.Record, now time.Time, run *models.DetectionRun) error {
	repo := d.persistence.BottleneckRepository()

	metric, applicable, err := computeMetric(ctx, d.store, rule, record, now)
	if err != nil {
		return err
	}

	breachSeverity, breached := models.Severity(""), false
	if applicable {
		breachSeverity, breached = severity(rule, metric)
	}

	existing, err := repo.UnresolvedDetection(ctx, rule.ID, record.ID)
	if err != nil {
		return err
	}

	if !breached {
		// Auto-resolve: the entity no longer trips the rule.
		if existing != nil {
			err := repo.ResolveDetection(ctx, existing.ID, "auto", now)
			if err != nil {
				return err
			}

			run.DetectionsResolved++
		}

		return nil
	}

	run.EntitiesMatched++
	run.EntityIDs = append(run.EntityIDs, record.ID)

	// Cooldown applies to re-detection after a resolution, never to updating
	// an existing unresolved detection.
	if existing == nil && rule.CooldownHours > 0 {
		latest, err := repo.LatestDetection(ctx, rule.ID, record.ID)
		if err != nil {
			return err
		}

		if latest != nil && latest.IsResolved {
			since := latest.DetectedAt
			if latest.ResolvedAt != nil {
				since = *latest.ResolvedAt
			}

			if now.Sub(since).Hours() < rule.CooldownHours {
				run.EntitiesInCooldown++

				return nil
			}
		}
	}

	detection := &models.BottleneckDetection{
		RuleID:            rule.ID,
		EntityType:        rule.EntityType,
		EntityID:          record.ID,
		Severity:          breachSeverity,
		CurrentValue:      metric.Current,
		ThresholdValue:    metric.Threshold,
		ProjectedBreachAt: projectBreach(metric, now),
	}

	if existing != nil {
		detection.ID = existing.ID
		detection.DetectedAt = existing.DetectedAt
		detection.NotificationSent = existing.NotificationSent
		detection.TaskCreated = existing.TaskCreated
		detection.TaskID = existing.TaskID
	}

	err = repo.SaveDetection(ctx, detection)
	if err != nil {
		return err
	}

	if existing == nil {
		run.DetectionsCreated++
	}

	return d.fireSideEffects(ctx, rule, record, detection, now, run)
}

// fireSideEffects sends the notification and creates the follow-up task at
// most once per detection, tracked by flags on the detection itself.
func (d *Detector) fireSideEffects(ctx context.Context, rule *models.BottleneckRule, record *entities.Record, detection *models.BottleneckDetection, now time.Time, run *models.DetectionRun) error {
	changed := false

	if rule.SendNotification && rule.NotificationConfig != nil && !detection.NotificationSent {
		sent := d.sendNotifications(ctx, rule, record, detection)
		if sent > 0 {
			detection.NotificationSent = true
			run.NotificationsSent += sent
			changed = true
		}
	}

	if rule.CreateTask && rule.TaskConfig != nil && !detection.TaskCreated {
		taskID, err := d.createTask(ctx, rule, record, detection, now)
		if err != nil {
			d.logger.WarnContext(ctx, "Failed to create follow-up task",
				"rule_id", rule.ID, "entity_id", record.ID, "error", err)
		} else {
			detection.TaskCreated = true
			detection.TaskID = taskID
			run.TasksCreated++
			changed = true
		}
	}

	if !changed {
		return nil
	}

	return d.persistence.BottleneckRepository().SaveDetection(ctx, detection)
}

func (d *Detector) sendNotifications(ctx context.Context, rule *models.BottleneckRule, record *entities.Record, detection *models.BottleneckDetection) int {
	config := rule.NotificationConfig

	tctx := &template.Context{
		Record: record.Fields,
		Rule:   map[string]any{"id": rule.ID, "name": rule.Name},
		Metadata: map[string]any{
			"severity":  string(detection.Severity),
			"current":   detection.CurrentValue,
			"threshold": detection.ThresholdValue,
		},
	}

	title := rule.Name + " detected"

	if config.TitleTemplate != "" {
		rendered, err := template.RenderString(config.TitleTemplate, tctx)
		if err == nil {
			title = rendered
		}
	}

	body := ""

	if config.BodyTemplate != "" {
		rendered, err := template.RenderString(config.BodyTemplate, tctx)
		if err == nil {
			body = rendered
		}
	}

	recipients := config.Recipients

	if config.RecipientType == models.RecipientEntityField {
		recipients = nil

		if address, ok := record.Fields[config.RecipientField].(string); ok && address != "" {
			recipients = []string{address}
		}
	}

	channels := []string{notify.ChannelInApp}

	switch config.Channel {
	case notify.ChannelEmail:
		channels = []string{notify.ChannelEmail}
	case "both":
		channels = []string{notify.ChannelInApp, notify.ChannelEmail}
	}

	sent := 0

	for _, recipient := range recipients {
		for _, channel := range channels {
			err := d.notifier.Send(ctx, notify.Message{
				Recipient: recipient,
				Channel:   channel,
				Title:     title,
				Body:      body,
				Subject:   title,
				External:  config.RecipientType == models.RecipientExternalEmail,
			})
			if err != nil {
				d.logger.WarnContext(ctx, "Detection notification failed",
					"recipient", recipient, "channel", channel, "error", err)

				continue
			}

			sent++
		}
	}

	return sent
}

func (d *Detector) createTask(ctx context.Context, rule *models.BottleneckRule, record *entities.Record, detection *models.BottleneckDetection, now time.Time) (string, error) {
	config := rule.TaskConfig

	title := rule.Name + ": " + record.ID

	if config.TitleTemplate != "" {
		rendered, err := template.RenderString(config.TitleTemplate, &template.Context{
			Record: record.Fields,
			Rule:   map[string]any{"id": rule.ID, "name": rule.Name},
			Metadata: map[string]any{
				"severity": string(detection.Severity),
			},
		})
		if err != nil {
			return "", fmt.Errorf("failed to render task title: %w", err)
		}

		title = rendered
	}

	assignee := config.Assignee

	if config.AssigneeField != "" {
		if fromField, ok := record.Fields[config.AssigneeField].(string); ok && fromField != "" {
			assignee = fromField
		}
	}

	task := &entities.Task{
		Title:      title,
		Assignee:   assignee,
		EntityType: rule.EntityType,
		EntityID:   record.ID,
	}

	if config.DueInHours > 0 {
		dueAt := now.Add(time.Duration(config.DueInHours) * time.Hour)
		task.DueAt = &dueAt
	}

	return d.store.CreateTask(ctx, task)
}

// advanceSchedule stamps last_run_at and computes the next scheduled run.
func (d *Detector) advanceSchedule(ctx context.Context, rule *models.BottleneckRule, now time.Time) error {
	rule.LastRunAt = &now

	if rule.RunOnSchedule && rule.ScheduleIntervalMinutes > 0 {
		next := now.Add(time.Duration(rule.ScheduleIntervalMinutes) * time.Minute)
		rule.NextRunAt = &next
	}

	err := d.persistence.BottleneckRepository().SaveBottleneckRule(ctx, rule)
	if err != nil {
		return fmt.Errorf("failed to advance rule schedule: %w", err)
	}

	return nil
}

func (d *Detector) lockRule(ruleID string) func() {
	d.mu.Lock()

	lock, ok := d.ruleRuns[ruleID]
	if !ok {
		lock = &sync.Mutex{}
		d.ruleRuns[ruleID] = lock
	}

	d.mu.Unlock()
	lock.Lock()

	return lock.Unlock
}
