package models

// ConditionOperator is the comparison applied between a record field and a
// rule-configured value.
type ConditionOperator string

const (
	OperatorEquals      ConditionOperator = "equals"
	OperatorNotEquals   ConditionOperator = "not_equals"
	OperatorContains    ConditionOperator = "contains"
	OperatorNotContains ConditionOperator = "not_contains"
	OperatorIn          ConditionOperator = "in"
	OperatorNotIn       ConditionOperator = "not_in"
	OperatorIsEmpty     ConditionOperator = "is_empty"
	OperatorIsNotEmpty  ConditionOperator = "is_not_empty"
	OperatorGt          ConditionOperator = "gt"
	OperatorGte         ConditionOperator = "gte"
	OperatorLt          ConditionOperator = "lt"
	OperatorLte         ConditionOperator = "lte"
)

// Condition is a single field-level predicate. A rule's condition list is
// combined with logical AND.
type Condition struct {
	Field    string            `json:"field"    validate:"required"`
	Operator ConditionOperator `json:"operator" validate:"required"`
	Value    any               `json:"value,omitempty"`
}

// ValidOperator reports whether op is one of the supported operators.
func ValidOperator(op ConditionOperator) bool {
	switch op {
	case OperatorEquals, OperatorNotEquals,
		OperatorContains, OperatorNotContains,
		OperatorIn, OperatorNotIn,
		OperatorIsEmpty, OperatorIsNotEmpty,
		OperatorGt, OperatorGte, OperatorLt, OperatorLte:
		return true
	}

	return false
}
