package file

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/castellanhq/castellan/pkg/models"
	"github.com/castellanhq/castellan/pkg/persistence"
	"github.com/google/uuid"
)

const (
	bottleneckRulesCollection = "bottleneck_rules"
	detectionsCollection      = "detections"
	runsCollection            = "detection_runs"
)

// BottleneckRepository handles bottleneck rule, detection and run history
// file operations.
type BottleneckRepository struct {
	p *Persistence
}

func (r *BottleneckRepository) BottleneckRules(_ context.Context) ([]*models.BottleneckRule, error) {
	rules, err := readAll[models.BottleneckRule](r.p, bottleneckRulesCollection)
	if err != nil {
		return nil, err
	}

	out := make([]*models.BottleneckRule, 0, len(rules))

	for _, rule := range rules {
		if rule.DeletedAt == nil {
			out = append(out, rule)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})

	return out, nil
}

func (r *BottleneckRepository) DueBottleneckRules(ctx context.Context, now time.Time) ([]*models.BottleneckRule, error) {
	rules, err := r.BottleneckRules(ctx)
	if err != nil {
		return nil, err
	}

	due := make([]*models.BottleneckRule, 0, len(rules))

	for _, rule := range rules {
		if !rule.IsActive || !rule.RunOnSchedule {
			continue
		}

		if rule.NextRunAt == nil || !rule.NextRunAt.After(now) {
			due = append(due, rule)
		}
	}

	return due, nil
}

func (r *BottleneckRepository) BottleneckRuleByID(_ context.Context, id string) (*models.BottleneckRule, error) {
	rule := new(models.BottleneckRule)

	found, err := r.p.read(bottleneckRulesCollection, id, rule)
	if err != nil {
		return nil, err
	}

	if !found || rule.DeletedAt != nil {
		return nil, fmt.Errorf("%w: %s", persistence.ErrBottleneckRuleNotFound, id)
	}

	return rule, nil
}

func (r *BottleneckRepository) SaveBottleneckRule(_ context.Context, rule *models.BottleneckRule) error {
	now := time.Now().UTC()

	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = now
	}

	rule.UpdatedAt = now

	if rule.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("failed to generate bottleneck rule ID: %w", err)
		}

		rule.ID = id.String()
	}

	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	return r.p.write(bottleneckRulesCollection, rule.ID, rule)
}

func (r *BottleneckRepository) DeleteBottleneckRule(ctx context.Context, id string) error {
	rule, err := r.BottleneckRuleByID(ctx, id)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	rule.DeletedAt = &now
	rule.IsActive = false

	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	return r.p.write(bottleneckRulesCollection, rule.ID, rule)
}

func (r *BottleneckRepository) UnresolvedDetection(_ context.Context, ruleID, entityID string) (*models.BottleneckDetection, error) {
	detections, err := readAll[models.BottleneckDetection](r.p, detectionsCollection)
	if err != nil {
		return nil, err
	}

	for _, detection := range detections {
		if detection.RuleID == ruleID && detection.EntityID == entityID && !detection.IsResolved {
			return detection, nil
		}
	}

	return nil, nil
}

func (r *BottleneckRepository) LatestDetection(_ context.Context, ruleID, entityID string) (*models.BottleneckDetection, error) {
	detections, err := readAll[models.BottleneckDetection](r.p, detectionsCollection)
	if err != nil {
		return nil, err
	}

	var latest *models.BottleneckDetection

	for _, detection := range detections {
		if detection.RuleID != ruleID || detection.EntityID != entityID {
			continue
		}

		if latest == nil || detection.DetectedAt.After(latest.DetectedAt) {
			latest = detection
		}
	}

	return latest, nil
}

// SaveDetection upserts keyed on (rule, entity, is_resolved=false): an
// existing unresolved detection for the pair is updated in place.
func (r *BottleneckRepository) SaveDetection(ctx context.Context, detection *models.BottleneckDetection) error {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	now := time.Now().UTC()

	if !detection.IsResolved {
		detections, err := readAll[models.BottleneckDetection](r.p, detectionsCollection)
		if err != nil {
			return err
		}

		for _, existing := range detections {
			if existing.RuleID == detection.RuleID && existing.EntityID == detection.EntityID &&
				!existing.IsResolved && existing.ID != detection.ID {
				detection.ID = existing.ID
				detection.DetectedAt = existing.DetectedAt
				detection.NotificationSent = detection.NotificationSent || existing.NotificationSent
				detection.TaskCreated = detection.TaskCreated || existing.TaskCreated

				break
			}
		}
	}

	if detection.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("failed to generate detection ID: %w", err)
		}

		detection.ID = id.String()
		detection.DetectedAt = now
	}

	detection.UpdatedAt = now

	return r.p.write(detectionsCollection, detection.ID, detection)
}

func (r *BottleneckRepository) ResolveDetection(_ context.Context, id, resolvedBy string, at time.Time) error {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	detection := new(models.BottleneckDetection)

	found, err := r.p.read(detectionsCollection, id, detection)
	if err != nil {
		return err
	}

	if !found {
		return fmt.Errorf("%w: %s", persistence.ErrDetectionNotFound, id)
	}

	detection.IsResolved = true
	detection.ResolvedAt = &at
	detection.ResolvedBy = resolvedBy
	detection.UpdatedAt = time.Now().UTC()

	return r.p.write(detectionsCollection, detection.ID, detection)
}

func (r *BottleneckRepository) UnresolvedDetectionsByRule(_ context.Context, ruleID string) ([]*models.BottleneckDetection, error) {
	detections, err := readAll[models.BottleneckDetection](r.p, detectionsCollection)
	if err != nil {
		return nil, err
	}

	out := make([]*models.BottleneckDetection, 0, len(detections))

	for _, detection := range detections {
		if detection.RuleID == ruleID && !detection.IsResolved {
			out = append(out, detection)
		}
	}

	return out, nil
}

func (r *BottleneckRepository) ListDetections(_ context.Context, filter persistence.DetectionFilter) ([]*models.BottleneckDetection, int, error) {
	detections, err := readAll[models.BottleneckDetection](r.p, detectionsCollection)
	if err != nil {
		return nil, 0, err
	}

	matched := make([]*models.BottleneckDetection, 0, len(detections))

	for _, detection := range detections {
		if filter.RuleID != "" && detection.RuleID != filter.RuleID {
			continue
		}

		if filter.EntityType != "" && detection.EntityType != filter.EntityType {
			continue
		}

		if filter.Severity != "" && detection.Severity != filter.Severity {
			continue
		}

		if filter.Unresolved && detection.IsResolved {
			continue
		}

		if filter.Since != nil && detection.DetectedAt.Before(*filter.Since) {
			continue
		}

		if filter.Until != nil && detection.DetectedAt.After(*filter.Until) {
			continue
		}

		matched = append(matched, detection)
	}

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].DetectedAt.After(matched[j].DetectedAt)
	})

	total := len(matched)

	limit := filter.Limit
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	offset := filter.Offset
	if offset > total {
		offset = total
	}

	end := offset + limit
	if end > total {
		end = total
	}

	return matched[offset:end], total, nil
}

func (r *BottleneckRepository) CreateRun(_ context.Context, run *models.DetectionRun) error {
	if run.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("failed to generate run ID: %w", err)
		}

		run.ID = id.String()
	}

	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	return r.p.write(runsCollection, run.ID, run)
}

func (r *BottleneckRepository) RunsByRule(_ context.Context, ruleID string, limit int) ([]*models.DetectionRun, error) {
	runs, err := readAll[models.DetectionRun](r.p, runsCollection)
	if err != nil {
		return nil, err
	}

	matched := make([]*models.DetectionRun, 0, len(runs))

	for _, run := range runs {
		if run.RuleID == ruleID {
			matched = append(matched, run)
		}
	}

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].StartedAt.After(matched[j].StartedAt)
	})

	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}

	return matched, nil
}
