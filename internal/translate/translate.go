// Package translate lowers a physical plan DAG into a Stage/Task graph.
// Pipelined operators fuse into a single task per input partition; shuffle
// operators force a materializing stage boundary. Malformed plans fail
// translation immediately - that is a programming-contract violation, not
// a runtime condition to retry.
package translate

import (
	"fmt"
	"log"

	"github.com/gammazero/toposort"
	skiff "github.com/go-skiff/skiff"
	serrors "github.com/go-skiff/skiff/errors"
	"github.com/go-skiff/skiff/internal/graph"
	"github.com/go-skiff/skiff/plan"
	uuid "github.com/gofrs/uuid"
)

// translator accumulates stages while walking the plan tree
type translator struct {
	conf   *skiff.Config
	stages []*graph.Stage
	nextID int
}

// segment is one task-to-be in the currently-open (not yet closed) stage:
// a fused chain of pipelined kernels over a fixed set of input partitions.
// A segment bound to a deferred stage instead carries the kernels to fuse
// onto that stage's tasks once it expands at runtime.
type segment struct {
	inputs   []string
	kernels  []skiff.ComputeDescriptor
	deps     map[int]bool
	res      skiff.ResourceRequest
	nodeName string
	deferred *graph.Stage // non-nil iff this segment's width is unknown until runtime
}

// Translate lowers a plan rooted at root into an executable Graph
func Translate(root *plan.Node, conf *skiff.Config) (*graph.Graph, error) {
	if root == nil {
		return nil, serrors.PlanTranslationError{Msg: "plan root is nil"}
	}
	if err := validate(root); err != nil {
		return nil, err
	}
	tr := &translator{conf: conf}
	segs, err := tr.lower(root)
	if err != nil {
		return nil, err
	}
	var rootStage *graph.Stage
	if def := deferredOf(segs); def != nil {
		// the final operator chain fuses onto a stage which only expands at
		// runtime; that stage becomes the root and the scheduler marks its
		// tasks as root outputs after expansion
		rootStage = def
		rootStage.Boundary = graph.Pipelined
	} else {
		rootStage = tr.closeStage(segs, graph.Pipelined, root.Name())
		for i, t := range rootStage.Tasks {
			t.RootOutput = true
			t.OutputIndex = i
		}
	}
	g := &graph.Graph{Stages: tr.stages, RootID: rootStage.ID}
	if err := checkAcyclic(g); err != nil {
		return nil, err
	}
	log.Printf("Translated plan %s into %d stage(s), %d initial task(s)", root.Name(), len(g.Stages), g.NumTasks())
	return g, nil
}

// validate walks the tree checking structural contracts before lowering
func validate(root *plan.Node) error {
	var verr error
	seen := make(map[*plan.Node]bool)
	root.Walk(func(n *plan.Node) bool {
		if seen[n] {
			verr = serrors.PlanTranslationError{Node: n.Name(), Msg: "node appears more than once in the tree"}
			return false
		}
		seen[n] = true
		switch {
		case n.Op() == plan.Scan:
			if len(n.Children()) != 0 {
				verr = serrors.PlanTranslationError{Node: n.Name(), Msg: "scan must be a leaf"}
			} else if n.SourcePartitions() <= 0 {
				verr = serrors.PlanTranslationError{Node: n.Name(), Msg: "scan must produce at least one partition"}
			} else if n.Kernel() == nil {
				verr = serrors.PlanTranslationError{Node: n.Name(), Msg: "scan has no kernel"}
			}
		case n.Op() == plan.Concat:
			if len(n.Children()) != 2 || n.Children()[0] == nil || n.Children()[1] == nil {
				verr = serrors.PlanTranslationError{Node: n.Name(), Msg: "concat requires exactly two inputs"}
			}
		case n.Op().Pipelined() || n.Op().Shuffle():
			if len(n.Children()) != 1 || n.Children()[0] == nil {
				verr = serrors.PlanTranslationError{Node: n.Name(), Msg: fmt.Sprintf("%s requires exactly one input", n.Op())}
			} else if n.Kernel() == nil {
				verr = serrors.PlanTranslationError{Node: n.Name(), Msg: "node has no kernel"}
			} else if n.Op().Shuffle() && n.Merge() == nil {
				verr = serrors.PlanTranslationError{Node: n.Name(), Msg: "shuffle node has no merge kernel"}
			}
		default:
			verr = serrors.PlanTranslationError{Node: n.Name(), Msg: fmt.Sprintf("unknown operator %d", n.Op())}
		}
		if verr == nil && n.Schema() == nil {
			verr = serrors.PlanTranslationError{Node: n.Name(), Msg: "node has no output schema"}
		}
		return verr == nil
	})
	return verr
}

// lower produces the open segments for a subtree, closing stages at
// shuffle boundaries as it goes
func (tr *translator) lower(n *plan.Node) ([]*segment, error) {
	switch {
	case n.Op() == plan.Scan:
		return tr.lowerScan(n)
	case n.Op() == plan.Concat:
		left, err := tr.lower(n.Children()[0])
		if err != nil {
			return nil, err
		}
		right, err := tr.lower(n.Children()[1])
		if err != nil {
			return nil, err
		}
		if deferredOf(left) != nil || deferredOf(right) != nil {
			return nil, serrors.PlanTranslationError{Node: n.Name(), Msg: "concat over an adaptive boundary is not supported"}
		}
		return append(left, right...), nil
	case n.Op().Pipelined():
		segs, err := tr.lower(n.Children()[0])
		if err != nil {
			return nil, err
		}
		for _, s := range segs {
			s.kernels = append(s.kernels, n.Kernel())
			s.res = maxRequest(s.res, n.Resources())
			s.nodeName = n.Name()
		}
		return segs, nil
	case n.Op().Shuffle():
		return tr.lowerShuffle(n)
	default:
		return nil, serrors.PlanTranslationError{Node: n.Name(), Msg: fmt.Sprintf("cannot lower operator %s", n.Op())}
	}
}

func (tr *translator) lowerScan(n *plan.Node) ([]*segment, error) {
	idx, ok := n.Kernel().(skiff.IndexedDescriptor)
	if !ok {
		return nil, serrors.PlanTranslationError{Node: n.Name(), Msg: "scan kernel does not support per-partition instantiation"}
	}
	segs := make([]*segment, n.SourcePartitions())
	for i := range segs {
		segs[i] = &segment{
			kernels:  []skiff.ComputeDescriptor{idx.WithIndex(i)},
			deps:     make(map[int]bool),
			res:      n.Resources(),
			nodeName: n.Name(),
		}
	}
	return segs, nil
}

// lowerShuffle closes the producer stage and opens merge segments for the
// consumer side. For a static partition count over concrete inputs the
// fanout fuses into the producer tasks; otherwise fanout and merge become
// deferred stages expanded once upstream output statistics are known.
func (tr *translator) lowerShuffle(n *plan.Node) ([]*segment, error) {
	segs, err := tr.lower(n.Children()[0])
	if err != nil {
		return nil, err
	}
	numPartitions := n.Partitioning().NumPartitions
	adaptive := numPartitions == 0 && tr.conf.AdaptiveRepartitioning
	if numPartitions == 0 && !adaptive {
		// no explicit count and adaptivity is off: preserve input width
		numPartitions = len(segs)
		if def := deferredOf(segs); def != nil {
			numPartitions = 0 // width follows the deferred stage at runtime
			adaptive = true
		}
	}
	if def := deferredOf(segs); def != nil {
		// pipelined kernels accumulated on the deferred segment fuse into
		// that stage's own expansion; the new fanout reads its outputs plain
		return tr.deferShuffle(n, def, numPartitions)
	}
	if adaptive {
		producer := tr.closeStage(segs, graph.Materializing, n.Name())
		return tr.deferShuffle(n, producer, 0)
	}
	if numPartitions > 1 {
		fan, ok := n.Kernel().(skiff.FanoutDescriptor)
		if !ok {
			return nil, serrors.PlanTranslationError{Node: n.Name(), Msg: "shuffle kernel does not support fanout"}
		}
		for _, s := range segs {
			s.kernels = append(s.kernels, fan.WithFanout(numPartitions))
		}
	} else {
		for _, s := range segs {
			s.kernels = append(s.kernels, n.Kernel())
		}
	}
	for _, s := range segs {
		s.res = maxRequest(s.res, n.Resources())
		s.nodeName = n.Name()
	}
	producer := tr.closeStageWithArity(segs, graph.Materializing, n.Name(), numPartitions)
	return staticMergeSegments(n, producer, numPartitions), nil
}

// deferShuffle lowers a shuffle whose input width is only known at
// runtime: a fanout stage expands one task per upstream output partition,
// and a merge stage expands one task per bucket. staticP of 0 sizes the
// fanout adaptively from upstream output bytes.
func (tr *translator) deferShuffle(n *plan.Node, upstream *graph.Stage, staticP int) ([]*segment, error) {
	fan, ok := n.Kernel().(skiff.FanoutDescriptor)
	if !ok {
		return nil, serrors.PlanTranslationError{Node: n.Name(), Msg: "shuffle kernel does not support fanout"}
	}
	fanout := &graph.Stage{
		ID:       tr.nextStageID(),
		Boundary: graph.Materializing,
		Deps:     []int{upstream.ID},
		NodeName: n.Name(),
		Adaptive: staticP == 0,
	}
	merge := &graph.Stage{
		ID:       tr.nextStageID(),
		Boundary: graph.Materializing,
		Deps:     []int{fanout.ID},
		NodeName: n.Name(),
	}
	conf := tr.conf
	chosen := staticP
	fanout.Expand = func(depOutputBytes int64) []*graph.Task {
		if chosen == 0 {
			chosen = chooseFanout(depOutputBytes, conf)
		}
		var tasks []*graph.Task
		seq := 0
		for _, up := range upstream.Tasks {
			for _, out := range up.Outputs {
				tasks = append(tasks, &graph.Task{
					ID:         newID(),
					StageID:    fanout.ID,
					Seq:        seq,
					Inputs:     []string{out},
					Outputs:    newIDs(chosen),
					Resources:  n.Resources(),
					Descriptor: fan.WithFanout(chosen),
					NodeName:   n.Name(),
				})
				seq++
			}
		}
		fanout.Tasks = tasks
		return tasks
	}
	mergeSeg := &segment{
		deps:     map[int]bool{merge.ID: true},
		res:      n.Resources(),
		nodeName: n.Name(),
		deferred: merge,
	}
	merge.Expand = func(int64) []*graph.Task {
		// fanout always expands first, fixing the bucket count
		tasks := make([]*graph.Task, chosen)
		for b := 0; b < chosen; b++ {
			inputs := make([]string, 0, len(fanout.Tasks))
			for _, f := range fanout.Tasks {
				inputs = append(inputs, f.Outputs[b])
			}
			kernels := append([]skiff.ComputeDescriptor{n.Merge()}, mergeSeg.kernels...)
			tasks[b] = &graph.Task{
				ID:         newID(),
				StageID:    merge.ID,
				Seq:        b,
				Inputs:     inputs,
				Outputs:    newIDs(1),
				Resources:  maxRequest(n.Resources(), mergeSeg.res),
				Descriptor: fuse(kernels),
				NodeName:   mergeSeg.nodeName,
			}
		}
		merge.Tasks = tasks
		return tasks
	}
	tr.stages = append(tr.stages, fanout, merge)
	return []*segment{mergeSeg}, nil
}

// staticMergeSegments opens the consumer side of a static shuffle: one
// segment per bucket, reading that bucket's output from every producer task
func staticMergeSegments(n *plan.Node, producer *graph.Stage, numPartitions int) []*segment {
	segs := make([]*segment, numPartitions)
	for b := 0; b < numPartitions; b++ {
		inputs := make([]string, 0, len(producer.Tasks))
		for _, t := range producer.Tasks {
			inputs = append(inputs, t.Outputs[b])
		}
		segs[b] = &segment{
			inputs:   inputs,
			kernels:  []skiff.ComputeDescriptor{n.Merge()},
			deps:     map[int]bool{producer.ID: true},
			res:      n.Resources(),
			nodeName: n.Name(),
		}
	}
	return segs
}

// closeStage materializes the open segments into a Stage with one output
// partition per task
func (tr *translator) closeStage(segs []*segment, boundary graph.BoundaryKind, nodeName string) *graph.Stage {
	return tr.closeStageWithArity(segs, boundary, nodeName, 1)
}

func (tr *translator) closeStageWithArity(segs []*segment, boundary graph.BoundaryKind, nodeName string, arity int) *graph.Stage {
	s := &graph.Stage{
		ID:       tr.nextStageID(),
		Boundary: boundary,
		NodeName: nodeName,
	}
	depSet := make(map[int]bool)
	for i, seg := range segs {
		for d := range seg.deps {
			depSet[d] = true
		}
		s.Tasks = append(s.Tasks, &graph.Task{
			ID:         newID(),
			StageID:    s.ID,
			Seq:        i,
			Inputs:     seg.inputs,
			Outputs:    newIDs(arity),
			Resources:  seg.res,
			Descriptor: fuse(seg.kernels),
			NodeName:   seg.nodeName,
		})
	}
	for d := 0; d < s.ID; d++ {
		if depSet[d] {
			s.Deps = append(s.Deps, d)
		}
	}
	tr.stages = append(tr.stages, s)
	return s
}

func (tr *translator) nextStageID() int {
	id := tr.nextID
	tr.nextID++
	return id
}

// deferredOf returns the deferred stage the segments are bound to, or nil
// if the segments are concrete
func deferredOf(segs []*segment) *graph.Stage {
	if len(segs) == 1 && segs[0].deferred != nil {
		return segs[0].deferred
	}
	return nil
}

// checkAcyclic is a translator postcondition: the stage DAG must
// topologically sort, and every dependency must resolve to an earlier stage
func checkAcyclic(g *graph.Graph) error {
	var edges []toposort.Edge
	for _, s := range g.Stages {
		if len(s.Deps) == 0 {
			edges = append(edges, toposort.Edge{nil, s.ID})
		}
		for _, d := range s.Deps {
			if d >= s.ID {
				return serrors.PlanTranslationError{Node: s.NodeName, Msg: fmt.Sprintf("stage %d depends on later stage %d", s.ID, d)}
			}
			if g.Stage(d) == nil {
				return serrors.PlanTranslationError{Node: s.NodeName, Msg: fmt.Sprintf("stage %d depends on unknown stage %d", s.ID, d)}
			}
			edges = append(edges, toposort.Edge{d, s.ID})
		}
	}
	if _, err := toposort.Toposort(edges); err != nil {
		return serrors.PlanTranslationError{Msg: fmt.Sprintf("stage graph contains a cycle: %v", err)}
	}
	return nil
}

func chooseFanout(totalBytes int64, conf *skiff.Config) int {
	p := int(totalBytes / conf.TargetPartitionSize)
	if totalBytes%conf.TargetPartitionSize != 0 {
		p++
	}
	if p < 1 {
		p = 1
	}
	if p > conf.MaxTasksPerStage {
		p = conf.MaxTasksPerStage
	}
	return p
}

func maxRequest(a, b skiff.ResourceRequest) skiff.ResourceRequest {
	out := a
	if b.NumCPUs > out.NumCPUs {
		out.NumCPUs = b.NumCPUs
	}
	if b.NumGPUs > out.NumGPUs {
		out.NumGPUs = b.NumGPUs
	}
	if b.MemoryBytes > out.MemoryBytes {
		out.MemoryBytes = b.MemoryBytes
	}
	return out
}

func newID() string {
	id, err := uuid.NewV4()
	if err != nil {
		log.Fatalf("failed to generate UUID: %v", err)
	}
	return id.String()
}

func newIDs(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = newID()
	}
	return out
}
