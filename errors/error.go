package errors

import (
	"errors"
	"fmt"
)

// PlanTranslationError occurs when a physical plan cannot be lowered to a
// task graph (dangling references, arity mismatches, cycles). It is a
// programming-contract violation, never retried.
type PlanTranslationError struct {
	Node string // name of the offending plan node, if known
	Msg  string
}

// Error returns a textual representation of this PlanTranslationError
func (e PlanTranslationError) Error() string {
	if len(e.Node) > 0 {
		return fmt.Sprintf("plan translation failed at node %s: %s", e.Node, e.Msg)
	}
	return fmt.Sprintf("plan translation failed: %s", e.Msg)
}

// ResourceUnsatisfiableError occurs when no worker class in a backend's
// advertised capacity could ever satisfy a task's resource request
type ResourceUnsatisfiableError struct {
	TaskID string
	Reason string
}

// Error returns a textual representation of this ResourceUnsatisfiableError
func (e ResourceUnsatisfiableError) Error() string {
	return fmt.Sprintf("resource request for task %s is unsatisfiable: %s", e.TaskID, e.Reason)
}

// TaskTransientError occurs when a task attempt fails for a reason worth
// retrying: worker loss, submission timeout, capacity contention
type TaskTransientError struct {
	TaskID     string
	WorkerLost bool
	Cause      error
}

// Error returns a textual representation of this TaskTransientError
func (e TaskTransientError) Error() string {
	if e.WorkerLost {
		return fmt.Sprintf("task %s lost its worker: %v", e.TaskID, e.Cause)
	}
	return fmt.Sprintf("task %s failed transiently: %v", e.TaskID, e.Cause)
}

// Unwrap returns the underlying cause of this TaskTransientError
func (e TaskTransientError) Unwrap() error {
	return e.Cause
}

// TaskTerminalError occurs when a task fails inside its compute (or
// exhausts its retries), aborting the whole execution. It carries the
// originating task's plan context and retry history for diagnosis.
type TaskTerminalError struct {
	TaskID   string
	Node     string // plan node the task implements
	Attempts int
	Cause    error
	History  error // aggregate of prior transient failures, if any
}

// Error returns a textual representation of this TaskTerminalError
func (e TaskTerminalError) Error() string {
	msg := fmt.Sprintf("task %s (node %s) failed terminally after %d attempt(s): %v", e.TaskID, e.Node, e.Attempts, e.Cause)
	if e.History != nil {
		msg += fmt.Sprintf("\nretry history:\n%v", e.History)
	}
	return msg
}

// Unwrap returns the underlying cause of this TaskTerminalError
func (e TaskTerminalError) Unwrap() error {
	return e.Cause
}

// CancellationError occurs when an execution is cancelled by the caller.
// It is a distinct terminal signal, not a failure.
type CancellationError struct{}

// Error returns a textual representation of this CancellationError
func (e CancellationError) Error() string {
	return "execution cancelled"
}

// RecomputeDepthError occurs when re-materializing a Lost partition would
// require recursing deeper than the configured recompute chain limit
type RecomputeDepthError struct {
	PartitionID string
	Limit       int
}

// Error returns a textual representation of this RecomputeDepthError
func (e RecomputeDepthError) Error() string {
	return fmt.Sprintf("recomputing lost partition %s exceeds recompute chain limit %d", e.PartitionID, e.Limit)
}

// NoMorePartitionsError occurs when a ResultStream is pulled after exhaustion
type NoMorePartitionsError struct{}

// Error returns a textual representation of this NoMorePartitionsError
func (e NoMorePartitionsError) Error() string {
	return "no more partitions"
}

// Transient wraps an error so that IsTransient reports true for it. Compute
// descriptors use this to signal conditions worth retrying on an otherwise
// terminal backend.
func Transient(taskID string, cause error) error {
	return TaskTransientError{TaskID: taskID, Cause: cause}
}

// IsTransient returns true iff err represents a retryable task failure
func IsTransient(err error) bool {
	var te TaskTransientError
	return errors.As(err, &te)
}

// IsTerminal returns true iff err aborted a whole execution
func IsTerminal(err error) bool {
	var te TaskTerminalError
	return errors.As(err, &te)
}

// IsCancellation returns true iff err represents caller-requested cancellation
func IsCancellation(err error) bool {
	var ce CancellationError
	return errors.As(err, &ce)
}

// IsNoMorePartitions returns true iff err signals ResultStream exhaustion
func IsNoMorePartitions(err error) bool {
	var ne NoMorePartitionsError
	return errors.As(err, &ne)
}
