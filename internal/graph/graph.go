// Package graph holds the Stage/Task DAG produced by plan translation,
// plus the partition arena which tracks materialization state and
// dependency counts for every PartitionRef in an execution.
package graph

import (
	skiff "github.com/go-skiff/skiff"
)

// BoundaryKind describes how a Stage hands data to its consumers
type BoundaryKind int

const (
	// Pipelined stages stream outputs to consumers task-by-task
	Pipelined BoundaryKind = iota
	// Materializing stages must fully materialize before any consumer task becomes Ready
	Materializing
)

// Task is one schedulable unit: a compute closure over input partitions
// plus a resource request, producing one or more output partitions
type Task struct {
	ID          string
	StageID     int
	Seq         int // submission order within the stage
	Inputs      []string
	Outputs     []string
	Resources   skiff.ResourceRequest
	Descriptor  skiff.ComputeDescriptor
	State       skiff.TaskState
	Attempts    int
	NodeName    string // plan node context for error reporting
	RootOutput  bool   // true iff this task's outputs feed the ResultStream
	OutputIndex int    // plan-defined position of this task's outputs among root outputs
}

// Stage is a maximal subgraph of Tasks which can be pipelined without a
// materialization barrier. Stages form a DAG mirroring the plan's shuffle
// boundaries: a Stage's Tasks may only depend on partitions from the same
// or an earlier Stage.
type Stage struct {
	ID       int
	Boundary BoundaryKind
	Deps     []int
	Tasks    []*Task
	NodeName string

	// Deferred stages carry no tasks at translation time. Expand builds
	// them once upstream width is known, sizing adaptive fan-outs from the
	// total bytes produced by the stage's predecessors.
	Adaptive bool
	Expand   func(depOutputBytes int64) []*Task
}

// Graph is the immutable translation product: stages in topological order,
// rooted at the final output stage
type Graph struct {
	Stages []*Stage
	RootID int // id of the stage producing the final output
}

// Stage returns the stage with the given id, or nil
func (g *Graph) Stage(id int) *Stage {
	for _, s := range g.Stages {
		if s.ID == id {
			return s
		}
	}
	return nil
}

// Tasks returns every task currently in the graph, in stage order
func (g *Graph) Tasks() []*Task {
	var out []*Task
	for _, s := range g.Stages {
		out = append(out, s.Tasks...)
	}
	return out
}

// NumTasks returns the number of tasks currently in the graph. Adaptive
// stages contribute nothing until expanded.
func (g *Graph) NumTasks() int {
	n := 0
	for _, s := range g.Stages {
		n += len(s.Tasks)
	}
	return n
}
