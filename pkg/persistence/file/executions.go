package file

import (
	"context"
	"fmt"
	"sort"

	"github.com/castellanhq/castellan/pkg/models"
	"github.com/castellanhq/castellan/pkg/persistence"
)

const executionsCollection = "executions"

// ExecutionRepository handles execution log file operations.
type ExecutionRepository struct {
	p *Persistence
}

func (r *ExecutionRepository) CreateExecution(ctx context.Context, execution *models.RuleExecution) error {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	if execution.DedupeKey != "" {
		existing, err := readAll[models.RuleExecution](r.p, executionsCollection)
		if err != nil {
			return err
		}

		for _, other := range existing {
			if other.DedupeKey == execution.DedupeKey {
				return fmt.Errorf("%w: %s", persistence.ErrDuplicateExecution, execution.DedupeKey)
			}
		}
	}

	return r.p.write(executionsCollection, execution.ID, execution)
}

func (r *ExecutionRepository) UpdateExecution(_ context.Context, execution *models.RuleExecution) error {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	return r.p.write(executionsCollection, execution.ID, execution)
}

func (r *ExecutionRepository) ExecutionByID(_ context.Context, id string) (*models.RuleExecution, error) {
	execution := new(models.RuleExecution)

	found, err := r.p.read(executionsCollection, id, execution)
	if err != nil {
		return nil, err
	}

	if !found {
		return nil, fmt.Errorf("%w: %s", persistence.ErrExecutionNotFound, id)
	}

	return execution, nil
}

func (r *ExecutionRepository) ListExecutions(_ context.Context, filter persistence.ExecutionFilter) ([]*models.RuleExecution, int, error) {
	executions, err := readAll[models.RuleExecution](r.p, executionsCollection)
	if err != nil {
		return nil, 0, err
	}

	matched := make([]*models.RuleExecution, 0, len(executions))

	for _, execution := range executions {
		if filter.RuleID != "" && execution.RuleID != filter.RuleID {
			continue
		}

		if filter.Status != "" && execution.Status != filter.Status {
			continue
		}

		if filter.Model != "" && execution.TriggerData.Model != filter.Model {
			continue
		}

		if filter.Since != nil && execution.StartedAt.Before(*filter.Since) {
			continue
		}

		if filter.Until != nil && execution.StartedAt.After(*filter.Until) {
			continue
		}

		matched = append(matched, execution)
	}

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].StartedAt.After(matched[j].StartedAt)
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
