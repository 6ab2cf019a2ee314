package skiff

import (
	"context"
	"time"
)

// TaskState describes where a Task is in its lifecycle
type TaskState int

const (
	// TaskPending indicates that at least one input partition is not yet Materialized
	TaskPending TaskState = iota
	// TaskReady indicates that every input partition is Materialized
	TaskReady
	// TaskSubmitted indicates that the task has been handed to a Backend
	TaskSubmitted
	// TaskRunning indicates that a Backend has started executing the task
	TaskRunning
	// TaskSucceeded indicates that the task finished and its outputs are Materialized
	TaskSucceeded
	// TaskFailed indicates that the task failed terminally
	TaskFailed
	// TaskCancelled indicates that execution was cancelled before the task finished
	TaskCancelled
)

// String returns a textual representation of a TaskState
func (s TaskState) String() string {
	switch s {
	case TaskPending:
		return "pending"
	case TaskReady:
		return "ready"
	case TaskSubmitted:
		return "submitted"
	case TaskRunning:
		return "running"
	case TaskSucceeded:
		return "succeeded"
	case TaskFailed:
		return "failed"
	case TaskCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// ComputeDescriptor is the opaque unit of work for one Task: a compute
// closure over materialized input partitions. The scheduler never
// interprets descriptor internals - it only observes success or a typed
// failure.
type ComputeDescriptor interface {
	Name() string
	Run(ctx context.Context, inputs []Partition) ([]Partition, error)
}

// FanoutDescriptor is a ComputeDescriptor whose output arity is decided at
// translation or scheduling time, e.g. the map side of a shuffle which
// buckets rows into n output partitions. WithFanout returns a descriptor
// specialized to produce exactly n outputs.
type FanoutDescriptor interface {
	ComputeDescriptor
	WithFanout(n int) ComputeDescriptor
}

// IndexedDescriptor is a ComputeDescriptor instantiated once per source
// partition, e.g. a scan which must know which chunk of its source to
// read. WithIndex returns a descriptor specialized to partition i.
type IndexedDescriptor interface {
	ComputeDescriptor
	WithIndex(i int) ComputeDescriptor
}

// EncodableDescriptor is implemented by descriptors which can cross the
// wire to a cluster backend. Remote workers decode them via a registry
// keyed on the descriptor's registered name.
type EncodableDescriptor interface {
	ComputeDescriptor
	Encode() ([]byte, error)
}

// TaskSpec is one schedulable unit as handed to a Backend
type TaskSpec struct {
	ID          string
	StageID     int
	Attempt     int // 0 for the first attempt
	Inputs      []*PartitionRef
	OutputIDs   []string // pre-assigned ids for output partitions, len == output arity
	Resources   ResourceRequest
	Descriptor  ComputeDescriptor
	Timeout     time.Duration // per-attempt timeout, 0 for none
}

// TaskResult is a Backend's asynchronous report of one task attempt
type TaskResult struct {
	TaskID     string
	Attempt    int
	Outputs    []*PartitionRef // materialized outputs on success, in OutputIDs order
	Err        error           // nil on success; classify with the errors package
	LostInputs []string        // input partition ids the backend observed as lost
}

// Backend executes submitted tasks and reports completions asynchronously.
// Implementations: an in-process worker pool (backend/local) and a remote
// cluster client (backend/cluster).
type Backend interface {
	// Submit hands a task to the backend. Rejection (e.g. an unsatisfiable
	// resource request) is reported synchronously; execution results arrive
	// on Completions.
	Submit(ctx context.Context, task *TaskSpec) error
	// Completions delivers one TaskResult per submitted task attempt
	Completions() <-chan TaskResult
	// Capacity returns the most recent advertisement of available resources
	Capacity() ResourceSummary
	// CapacityChanges streams capacity advertisements as they change.
	// Backends with static capacity may return a nil channel.
	CapacityChanges() <-chan ResourceSummary
	// Cancel best-effort aborts an in-flight task
	Cancel(taskID string)
	// Fetch retrieves the data behind a materialized PartitionRef
	Fetch(ctx context.Context, ref *PartitionRef) (Partition, error)
	// Release tells the backend a materialized partition is no longer referenced
	Release(partitionID string)
	// Stop shuts the backend down, aborting any in-flight work
	Stop() error
}

// ResultStream is the consumer-facing lazy sequence of root-stage outputs.
// Next blocks until the next output materializes, the plan fails, or ctx is
// done. Exhaustion is signalled with errors.NoMorePartitionsError. Streams
// are not restartable: once exhausted, failed or cancelled, a new execution
// must re-submit the plan.
type ResultStream interface {
	Next(ctx context.Context) (*PartitionRef, error)
	// Cancel aborts the execution behind this stream. Safe to call more than once.
	Cancel()
}
