package services

import (
	"context"
	"errors"
)

// Sentinel errors for the scheduler service layer. Infrastructure failures
// (Mongo, Redis) are wrapped and propagated as-is; these cover the domain
// conditions callers branch on.
var (
	// ErrTaskNotFound is returned when a task id or name resolves to nothing
	ErrTaskNotFound = errors.New("task not found")

	// ErrExecutionNotFound is returned when an execution id resolves to nothing
	ErrExecutionNotFound = errors.New("execution not found")

	// ErrExecutionConflict is returned by the single-instance gate when the
	// task already has a running or paused execution
	ErrExecutionConflict = errors.New("task already has an active execution")

	// ErrValidation marks bad input: malformed cron expressions, unknown
	// task kinds, broken workflow configs. Wrapped with detail.
	ErrValidation = errors.New("validation failed")

	// ErrQueueFull is returned when the dispatch queue cannot accept work
	ErrQueueFull = errors.New("task queue is full")

	// ErrTerminateRequested aborts a running action after the terminate flag
	// was observed through a progress checkpoint
	ErrTerminateRequested = errors.New("terminate requested")

	// ErrCommandTimeout marks a command killed after exceeding its timeout
	ErrCommandTimeout = errors.New("command timed out")
)

// retryable reports whether a failure qualifies for the task retry policy.
// User-requested termination never retries; timeouts and action errors do.
func retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTerminateRequested) {
		return false
	}
	// Cancellation reaches actions through their context; it is the same
	// user intent as ErrTerminateRequested, just surfaced differently
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, ErrValidation) {
		return false
	}
	return true
}
