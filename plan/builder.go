package plan

import (
	skiff "github.com/go-skiff/skiff"
)

// NodeOption configures an optional attribute of a Node under construction
type NodeOption func(*Node)

// WithResources sets the per-task resource request for a node
func WithResources(r skiff.ResourceRequest) NodeOption {
	return func(n *Node) { n.resources = r }
}

// WithOrderSignificant marks a node's output order as meaningful
func WithOrderSignificant() NodeOption {
	return func(n *Node) { n.ordered = true }
}

// WithPartitioning overrides a node's output partitioning metadata
func WithPartitioning(p Partitioning) NodeOption {
	return func(n *Node) { n.partitioning = p }
}

// NewScan builds a leaf node producing numPartitions source partitions.
// The kernel is invoked once per source partition with no inputs.
func NewScan(name string, numPartitions int, schema *Schema, kernel skiff.ComputeDescriptor, opts ...NodeOption) *Node {
	n := &Node{
		op:           Scan,
		name:         name,
		schema:       schema,
		kernel:       kernel,
		sourceParts:  numPartitions,
		partitioning: Partitioning{Kind: UnknownPartitioning, NumPartitions: numPartitions},
	}
	n.applyDefaults(opts)
	return n
}

// NewPipelined builds a pipelined unary node (Project, Filter,
// MapPartitions, Sample or Limit)
func NewPipelined(op OpKind, name string, child *Node, schema *Schema, kernel skiff.ComputeDescriptor, opts ...NodeOption) *Node {
	n := &Node{
		op:       op,
		name:     name,
		children: []*Node{child},
		schema:   schema,
		kernel:   kernel,
	}
	if child != nil {
		n.partitioning = child.partitioning
	}
	n.applyDefaults(opts)
	return n
}

// NewShuffle builds a shuffle node (Sort, HashRepartition or Aggregate).
// kernel is the map side (must implement skiff.FanoutDescriptor when the
// partition count is decided at runtime); merge combines same-bucket
// partitions on the reduce side. numPartitions of 0 requests adaptive
// sizing by the scheduler.
func NewShuffle(op OpKind, name string, child *Node, schema *Schema, kernel skiff.ComputeDescriptor, merge skiff.ComputeDescriptor, numPartitions int, columns []string, opts ...NodeOption) *Node {
	kind := HashPartitioning
	if op == Sort {
		kind = RangePartitioning
	}
	n := &Node{
		op:           op,
		name:         name,
		children:     []*Node{child},
		schema:       schema,
		kernel:       kernel,
		merge:        merge,
		partitioning: Partitioning{Kind: kind, NumPartitions: numPartitions, Columns: columns},
	}
	n.applyDefaults(opts)
	return n
}

// NewConcat builds a node concatenating the partitions of b after those of
// a. Concat inserts no barrier: output partition count is the sum of the
// two children's counts.
func NewConcat(name string, a *Node, b *Node, schema *Schema, opts ...NodeOption) *Node {
	n := &Node{
		op:       Concat,
		name:     name,
		children: []*Node{a, b},
		schema:   schema,
		partitioning: Partitioning{
			Kind:          UnknownPartitioning,
			NumPartitions: childPartitions(a) + childPartitions(b),
		},
	}
	n.applyDefaults(opts)
	return n
}

func (n *Node) applyDefaults(opts []NodeOption) {
	for _, opt := range opts {
		opt(n)
	}
	if n.resources.NumCPUs == 0 {
		n.resources.NumCPUs = 1
	}
}

func childPartitions(n *Node) int {
	if n == nil {
		return 0
	}
	return n.partitioning.NumPartitions
}
