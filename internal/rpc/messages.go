package rpc

import (
	"time"

	skiff "github.com/go-skiff/skiff"
)

// Failure kinds carried on the wire, mapped back to typed errors by the
// cluster backend
const (
	FailureNone       = ""
	FailureTransient  = "transient"
	FailureWorkerLost = "worker_lost"
	FailureTerminal   = "terminal"
)

// PartitionRefMsg is the wire form of a skiff.PartitionRef
type PartitionRefMsg struct {
	ID         string `json:"id"`
	Rows       int64  `json:"rows"`
	Bytes      int64  `json:"bytes"`
	ProducedBy string `json:"produced_by"`
	Location   string `json:"location"`
}

// ToRef converts a wire ref into a materialized skiff.PartitionRef
func (m *PartitionRefMsg) ToRef() *skiff.PartitionRef {
	return &skiff.PartitionRef{
		ID:         m.ID,
		Rows:       m.Rows,
		Bytes:      m.Bytes,
		State:      skiff.PartitionMaterialized,
		ProducedBy: m.ProducedBy,
		Location:   m.Location,
	}
}

// RefMsg converts a skiff.PartitionRef into its wire form
func RefMsg(ref *skiff.PartitionRef) *PartitionRefMsg {
	return &PartitionRefMsg{
		ID:         ref.ID,
		Rows:       ref.Rows,
		Bytes:      ref.Bytes,
		ProducedBy: ref.ProducedBy,
		Location:   ref.Location,
	}
}

// ResourcesMsg is the wire form of a skiff.ResourceRequest
type ResourcesMsg struct {
	NumCPUs     float64 `json:"num_cpus"`
	NumGPUs     float64 `json:"num_gpus"`
	MemoryBytes int64   `json:"memory_bytes"`
}

// SubmitRequest carries one task attempt to an executor. The descriptor
// travels as a registry name plus an opaque payload.
type SubmitRequest struct {
	TaskID            string             `json:"task_id"`
	StageID           int                `json:"stage_id"`
	Attempt           int                `json:"attempt"`
	Inputs            []*PartitionRefMsg `json:"inputs"`
	OutputIDs         []string           `json:"output_ids"`
	Resources         ResourcesMsg       `json:"resources"`
	DescriptorName    string             `json:"descriptor_name"`
	DescriptorPayload []byte             `json:"descriptor_payload"`
	TimeoutNs         int64              `json:"timeout_ns"`
}

// Timeout returns the per-attempt timeout encoded in the request
func (m *SubmitRequest) Timeout() time.Duration {
	return time.Duration(m.TimeoutNs)
}

// SubmitResponse acknowledges acceptance of a task attempt
type SubmitResponse struct{}

// CompletionEvent reports the outcome of one task attempt
type CompletionEvent struct {
	TaskID      string             `json:"task_id"`
	Attempt     int                `json:"attempt"`
	Outputs     []*PartitionRefMsg `json:"outputs,omitempty"`
	FailureKind string             `json:"failure_kind,omitempty"`
	Error       string             `json:"error,omitempty"`
	LostInputs  []string           `json:"lost_inputs,omitempty"`
}

// WorkerClassMsg is the wire form of a skiff.WorkerClass
type WorkerClassMsg struct {
	NumCPUs     float64 `json:"num_cpus"`
	NumGPUs     float64 `json:"num_gpus"`
	MemoryBytes int64   `json:"memory_bytes"`
	Count       int     `json:"count"`
}

// CapacitySummary is the wire form of a skiff.ResourceSummary
type CapacitySummary struct {
	AvailableCPUs   float64          `json:"available_cpus"`
	AvailableGPUs   float64          `json:"available_gpus"`
	AvailableMemory int64            `json:"available_memory"`
	Classes         []WorkerClassMsg `json:"classes,omitempty"`
}

// ToSummary converts a wire capacity advertisement to a skiff.ResourceSummary
func (m *CapacitySummary) ToSummary() skiff.ResourceSummary {
	out := skiff.ResourceSummary{
		AvailableCPUs:   m.AvailableCPUs,
		AvailableGPUs:   m.AvailableGPUs,
		AvailableMemory: m.AvailableMemory,
	}
	for _, c := range m.Classes {
		out.Classes = append(out.Classes, skiff.WorkerClass{
			NumCPUs:     c.NumCPUs,
			NumGPUs:     c.NumGPUs,
			MemoryBytes: c.MemoryBytes,
			Count:       c.Count,
		})
	}
	return out
}

// SummaryMsg converts a skiff.ResourceSummary into its wire form
func SummaryMsg(sum skiff.ResourceSummary) *CapacitySummary {
	out := &CapacitySummary{
		AvailableCPUs:   sum.AvailableCPUs,
		AvailableGPUs:   sum.AvailableGPUs,
		AvailableMemory: sum.AvailableMemory,
	}
	for _, c := range sum.Classes {
		out.Classes = append(out.Classes, WorkerClassMsg{
			NumCPUs:     c.NumCPUs,
			NumGPUs:     c.NumGPUs,
			MemoryBytes: c.MemoryBytes,
			Count:       c.Count,
		})
	}
	return out
}

// CancelRequest best-effort aborts an in-flight task
type CancelRequest struct {
	TaskID string `json:"task_id"`
}

// CancelResponse acknowledges a cancel request
type CancelResponse struct{}

// FetchRequest asks an executor for a materialized partition's data
type FetchRequest struct {
	PartitionID string `json:"partition_id"`
}

// FetchResponse carries a partition's encoded payload
type FetchResponse struct {
	PartitionID string `json:"partition_id"`
	Data        []byte `json:"data"`
}

// ReleaseRequest tells an executor a partition is no longer referenced
type ReleaseRequest struct {
	PartitionID string `json:"partition_id"`
}

// ReleaseResponse acknowledges a release request
type ReleaseResponse struct{}

// WatchRequest subscribes to an executor's event streams
type WatchRequest struct{}
