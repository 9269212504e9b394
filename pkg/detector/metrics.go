package detector

import (
	"context"
	"fmt"
	"time"

	"github.com/castellanhq/castellan/pkg/entities"
	"github.com/castellanhq/castellan/pkg/models"
)

const hoursPerDay = 24

// Metric is the computed value of one entity against one detection config.
type Metric struct {
	Current   float64
	Threshold float64
	// Projectable marks duration-style metrics where a breach time can be
	// extrapolated for warnings.
	Projectable bool
}

// computeMetric evaluates the rule's detection config against one record.
// The second return is false when the metric does not apply to the record
// (wrong stage, missing field), which is not an error.
func computeMetric(ctx context.Context, store entities.Store, rule *models.BottleneckRule, record *entities.Record, now time.Time) (Metric, bool, error) {
	config := rule.DetectionConfig

	switch config.Kind {
	case models.DetectStageDuration:
		return stageDurationMetric(config.StageDuration, record, now)
	case models.DetectLastActivity:
		return lastActivityMetric(ctx, store, config.LastActivity, record, now)
	case models.DetectOverdue:
		return overdueMetric(config.Overdue, record, now)
	case models.DetectCountInState:
		return countInStateMetric(ctx, store, config.CountInState, rule.EntityType, record)
	case models.DetectCustom:
		return customMetric(config.Custom, record)
	}

	return Metric{}, false, fmt.Errorf("unknown detection kind: %s", config.Kind)
}

// stageDurationMetric measures days spent in the current stage. The stage
// entry time comes from the conventional "<stage_field>_changed_at" field
// when present, falling back to the record's last update.
func stageDurationMetric(config *models.StageDurationConfig, record *entities.Record, now time.Time) (Metric, bool, error) {
	if config.Stage != "" {
		current, _ := record.Fields[config.StageField].(string)
		if current != config.Stage {
			return Metric{}, false, nil
		}
	}

	anchor := record.UpdatedAt

	if entered, ok := datetimeField(record.Fields, config.StageField+"_changed_at"); ok {
		anchor = entered
	}

	days := now.Sub(anchor).Hours() / hoursPerDay

	return Metric{Current: days, Threshold: config.ThresholdDays, Projectable: true}, true, nil
}

func lastActivityMetric(ctx context.Context, store entities.Store, config *models.LastActivityConfig, record *entities.Record, now time.Time) (Metric, bool, error) {
	last, err := store.LastActivityAt(ctx, record.Model, record.ID)
	if err != nil {
		return Metric{}, false, fmt.Errorf("failed to load last activity: %w", err)
	}

	anchor := record.CreatedAt
	if last != nil {
		anchor = *last
	}

	days := now.Sub(anchor).Hours() / hoursPerDay

	return Metric{Current: days, Threshold: config.ThresholdDays, Projectable: true}, true, nil
}

// overdueMetric measures hours past the due field against the grace period.
func overdueMetric(config *models.OverdueConfig, record *entities.Record, now time.Time) (Metric, bool, error) {
	due, ok := datetimeField(record.Fields, config.DueField)
	if !ok {
		return Metric{}, false, nil
	}

	hoursPast := now.Sub(due).Hours()
	if hoursPast < 0 {
		return Metric{}, false, nil
	}

	return Metric{Current: hoursPast, Threshold: config.GraceHours, Projectable: false}, true, nil
}

// countInStateMetric counts related records pointing at the entity through
// the conventional "<entity_type>_id" relation field.
func countInStateMetric(ctx context.Context, store entities.Store, config *models.CountInStateConfig, entityType string, record *entities.Record) (Metric, bool, error) {
	relationField := entityType + "_id"

	count, err := store.CountInState(ctx, config.RelatedModel, relationField, record.ID, config.StateField, config.State)
	if err != nil {
		return Metric{}, false, fmt.Errorf("failed to count related records: %w", err)
	}

	return Metric{Current: float64(count), Threshold: config.Threshold, Projectable: false}, true, nil
}

func customMetric(config *models.CustomDetectionConfig, record *entities.Record) (Metric, bool, error) {
	value, ok := numericField(record.Fields, config.MetricField)
	if !ok {
		return Metric{}, false, nil
	}

	return Metric{Current: value, Threshold: config.Threshold, Projectable: false}, true, nil
}

// severity classifies a metric. Returns false when the metric is below every
// threshold.
func severity(rule *models.BottleneckRule, metric Metric) (models.Severity, bool) {
	if metric.Current >= metric.Threshold {
		return models.SeverityCritical, true
	}

	if rule.EnableWarnings && rule.WarningThresholdPercentage > 0 {
		warningAt := metric.Threshold * rule.WarningThresholdPercentage / 100

		if metric.Current >= warningAt {
			return models.SeverityWarning, true
		}
	}

	return "", false
}

// projectBreach extrapolates when a duration metric will cross its
// threshold, assuming it grows linearly with time.
func projectBreach(metric Metric, now time.Time) *time.Time {
	if !metric.Projectable || metric.Current >= metric.Threshold {
		return nil
	}

	remainingDays := metric.Threshold - metric.Current
	at := now.Add(time.Duration(remainingDays * hoursPerDay * float64(time.Hour)))

	return &at
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

func numericField(fields map[string]any, name string) (float64, bool) {
	switch typed := fields[name].(type) {
	case float64:
		return typed, true
	case int:
		return float64(typed), true
	case int64:
		return float64(typed), true
	}

	return 0, false
}
