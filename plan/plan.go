// Package plan contains the physical plan representation consumed by the
// execution core. A plan is an immutable operator tree produced by an
// external optimizer; this package is a read-only traversal contract plus
// builder helpers, not a wire format.
package plan

import (
	skiff "github.com/go-skiff/skiff"
)

// OpKind identifies a physical operator
type OpKind int

const (
	// Scan reads source partitions; always a leaf
	Scan OpKind = iota
	// Project is a pipelined column projection
	Project
	// Filter is a pipelined row filter
	Filter
	// MapPartitions is a pipelined arbitrary per-partition transform
	MapPartitions
	// Sample is a pipelined row sampler
	Sample
	// Limit is a pipelined row limit
	Limit
	// Sort requires a global reshuffle and forces a stage boundary
	Sort
	// HashRepartition redistributes rows by key hash and forces a stage boundary
	HashRepartition
	// Aggregate reduces rows across partitions and forces a stage boundary
	Aggregate
	// Concat appends the partitions of a second input after the first
	Concat
)

// String returns a textual representation of an OpKind
func (k OpKind) String() string {
	switch k {
	case Scan:
		return "scan"
	case Project:
		return "project"
	case Filter:
		return "filter"
	case MapPartitions:
		return "map_partitions"
	case Sample:
		return "sample"
	case Limit:
		return "limit"
	case Sort:
		return "sort"
	case HashRepartition:
		return "hash_repartition"
	case Aggregate:
		return "aggregate"
	case Concat:
		return "concat"
	default:
		return "unknown"
	}
}

// Pipelined returns true iff this operator fuses into its consumer without
// a materialization barrier
func (k OpKind) Pipelined() bool {
	switch k {
	case Project, Filter, MapPartitions, Sample, Limit:
		return true
	default:
		return false
	}
}

// Shuffle returns true iff this operator requires a global reshuffle
func (k OpKind) Shuffle() bool {
	switch k {
	case Sort, HashRepartition, Aggregate:
		return true
	default:
		return false
	}
}

// PartitioningKind describes how an operator's output is partitioned
type PartitioningKind int

const (
	// UnknownPartitioning makes no promise about row placement
	UnknownPartitioning PartitioningKind = iota
	// HashPartitioning places rows by key hash
	HashPartitioning
	// RangePartitioning places rows by key range (sorted output)
	RangePartitioning
)

// Partitioning is an operator's output partitioning metadata
type Partitioning struct {
	Kind          PartitioningKind
	NumPartitions int      // output partition count; 0 lets the scheduler decide adaptively
	Columns       []string // partitioning key columns, if any
}

// Field is one column of a schema
type Field struct {
	Name string
	Type string
}

// Schema describes the shape of an operator's output rows
type Schema struct {
	Fields []Field
}

// Node is one operator in a physical plan. Nodes are immutable once built:
// the execution core only reads them.
type Node struct {
	op           OpKind
	name         string
	children     []*Node
	schema       *Schema
	partitioning Partitioning
	kernel       skiff.ComputeDescriptor
	merge        skiff.ComputeDescriptor
	resources    skiff.ResourceRequest
	ordered      bool
	sourceParts  int
}

// Op returns this node's operator kind
func (n *Node) Op() OpKind { return n.op }

// Name returns a human-readable name for this node, used in error context
func (n *Node) Name() string { return n.name }

// Children returns this node's input operators
func (n *Node) Children() []*Node { return n.children }

// Schema returns this node's output schema
func (n *Node) Schema() *Schema { return n.schema }

// Partitioning returns this node's output partitioning metadata
func (n *Node) Partitioning() Partitioning { return n.partitioning }

// Kernel returns the opaque compute for this operator. For shuffle
// operators this is the map side, and must implement skiff.FanoutDescriptor.
func (n *Node) Kernel() skiff.ComputeDescriptor { return n.kernel }

// Merge returns the reduce-side compute for shuffle operators: it combines
// all same-bucket partitions into one output partition. Nil for pipelined
// operators.
func (n *Node) Merge() skiff.ComputeDescriptor { return n.merge }

// Resources returns the per-task resource request for this operator
func (n *Node) Resources() skiff.ResourceRequest { return n.resources }

// OrderSignificant returns true iff this node's output order is meaningful
// to the consumer (e.g. the root of a sorted plan)
func (n *Node) OrderSignificant() bool { return n.ordered }

// SourcePartitions returns the number of input partitions a Scan produces
func (n *Node) SourcePartitions() int { return n.sourceParts }

// Walk visits this node and all descendants depth-first, children before
// parents. Walk stops early if fn returns false.
func (n *Node) Walk(fn func(*Node) bool) bool {
	for _, c := range n.children {
		if !c.Walk(fn) {
			return false
		}
	}
	return fn(n)
}
