package conditions_test

import (
	"testing"

	"github.com/castellanhq/castellan/pkg/conditions"
	"github.com/castellanhq/castellan/pkg/models"
	"github.com/stretchr/testify/assert"
)

func cond(field string, op models.ConditionOperator, value any) models.Condition {
	return models.Condition{Field: field, Operator: op, Value: value}
}

func TestEvaluateOperators(t *testing.T) {
	t.Parallel()

	record := conditions.FieldMap{
		"status":     "shortlisted",
		"score":      82.5,
		"tags":       []any{"senior", "remote"},
		"notes":      "",
		"archived":   false,
		"owner":      nil,
		"created_at": "2026-08-01T10:00:00Z",
	}

	tests := []struct {
		name string
		cond models.Condition
		want bool
	}{
		{"equals match", cond("status", models.OperatorEquals, "shortlisted"), true},
		{"equals mismatch", cond("status", models.OperatorEquals, "applied"), false},
		{"equals numeric coercion", cond("score", models.OperatorEquals, "82.5"), true},
		{"not_equals", cond("status", models.OperatorNotEquals, "applied"), true},
		{"contains substring", cond("status", models.OperatorContains, "short"), true},
		{"contains membership", cond("tags", models.OperatorContains, "remote"), true},
		{"contains null tolerant", cond("owner", models.OperatorContains, "x"), false},
		{"not_contains null tolerant", cond("owner", models.OperatorNotContains, "x"), true},
		{"in list", cond("status", models.OperatorIn, []any{"applied", "shortlisted"}), true},
		{"not_in list", cond("status", models.OperatorNotIn, []any{"rejected"}), true},
		{"is_empty on empty string", cond("notes", models.OperatorIsEmpty, nil), true},
		{"is_empty on nil", cond("owner", models.OperatorIsEmpty, nil), true},
		{"is_not_empty on list", cond("tags", models.OperatorIsNotEmpty, nil), true},
		{"gt numeric", cond("score", models.OperatorGt, 80), true},
		{"lte numeric", cond("score", models.OperatorLte, 82.5), true},
		{"lt fails", cond("score", models.OperatorLt, 80), false},
		{"gt date coercion", cond("created_at", models.OperatorGt, "2026-07-01"), true},
		{"lt date coercion", cond("created_at", models.OperatorLt, "2026-09-01"), true},
		{"gt non-numeric", cond("status", models.OperatorGt, 5), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, conditions.Evaluate([]models.Condition{tt.cond}, record))
		})
	}
}

func TestEvaluateMissingFields(t *testing.T) {
	t.Parallel()

	record := conditions.FieldMap{"status": "applied"}

	// Absence does not match presence-style operators.
	assert.False(t, conditions.Evaluate([]models.Condition{cond("stage", models.OperatorEquals, "x")}, record))
	assert.False(t, conditions.Evaluate([]models.Condition{cond("stage", models.OperatorContains, "x")}, record))
	assert.False(t, conditions.Evaluate([]models.Condition{cond("stage", models.OperatorGt, 1)}, record))
	assert.False(t, conditions.Evaluate([]models.Condition{cond("stage", models.OperatorIsNotEmpty, nil)}, record))
	assert.False(t, conditions.Evaluate([]models.Condition{cond("stage", models.OperatorIn, []any{"x"})}, record))

	// But it does match absence-style ones.
	assert.True(t, conditions.Evaluate([]models.Condition{cond("stage", models.OperatorIsEmpty, nil)}, record))
	assert.True(t, conditions.Evaluate([]models.Condition{cond("stage", models.OperatorNotEquals, "x")}, record))
	assert.True(t, conditions.Evaluate([]models.Condition{cond("stage", models.OperatorNotContains, "x")}, record))

	// An absent field is trivially not in any candidate set.
	assert.True(t, conditions.Evaluate([]models.Condition{cond("stage", models.OperatorNotIn, []any{"x"})}, record))
}

func TestEvaluateCombinesWithAnd(t *testing.T) {
	t.Parallel()

	record := conditions.FieldMap{"status": "shortlisted", "score": 90.0}

	all := []models.Condition{
		cond("status", models.OperatorEquals, "shortlisted"),
		cond("score", models.OperatorGte, 85),
	}
	assert.True(t, conditions.Evaluate(all, record))

	all[1].Value = 95
	assert.False(t, conditions.Evaluate(all, record))

	// Empty condition list always matches.
	assert.True(t, conditions.Evaluate(nil, record))
}
