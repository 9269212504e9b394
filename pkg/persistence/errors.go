// Package persistence provides standardized error types for persistence
// operations.
package persistence

import "errors"

// Standard persistence error types that all implementations should use.
var (
	// ErrRuleNotFound indicates an automation rule was not found.
	ErrRuleNotFound = errors.New("automation rule not found")

	// ErrExecutionNotFound indicates a rule execution was not found.
	ErrExecutionNotFound = errors.New("rule execution not found")

	// ErrDuplicateExecution indicates an execution with the same dedupe
	// key already exists (scheduled-window idempotency guard).
	ErrDuplicateExecution = errors.New("duplicate execution for dedupe key")

	// ErrEndpointNotFound indicates a webhook endpoint was not found.
	ErrEndpointNotFound = errors.New("webhook endpoint not found")

	// ErrSlugTaken indicates the endpoint slug is already in use.
	ErrSlugTaken = errors.New("endpoint slug already in use")

	// ErrBottleneckRuleNotFound indicates a bottleneck rule was not found.
	ErrBottleneckRuleNotFound = errors.New("bottleneck rule not found")

	// ErrDetectionNotFound indicates a bottleneck detection was not found.
	ErrDetectionNotFound = errors.New("bottleneck detection not found")
)

// IsRuleNotFound checks if an error indicates a missing automation rule.
func IsRuleNotFound(err error) bool {
	return errors.Is(err, ErrRuleNotFound)
}

// IsExecutionNotFound checks if an error indicates a missing execution.
func IsExecutionNotFound(err error) bool {
	return errors.Is(err, ErrExecutionNotFound)
}

// IsDuplicateExecution checks if an error indicates a dedupe-key collision.
func IsDuplicateExecution(err error) bool {
	return errors.Is(err, ErrDuplicateExecution)
}

// IsEndpointNotFound checks if an error indicates a missing endpoint.
func IsEndpointNotFound(err error) bool {
	return errors.Is(err, ErrEndpointNotFound)
}

// IsSlugTaken checks if an error indicates a slug conflict.
func IsSlugTaken(err error) bool {
	return errors.Is(err, ErrSlugTaken)
}

// IsBottleneckRuleNotFound checks if an error indicates a missing
// bottleneck rule.
func IsBottleneckRuleNotFound(err error) bool {
	return errors.Is(err, ErrBottleneckRuleNotFound)
}

// IsDetectionNotFound checks if an error indicates a missing detection.
func IsDetectionNotFound(err error) bool {
	return errors.Is(err, ErrDetectionNotFound)
}
