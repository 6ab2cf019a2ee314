// Package local implements the in-process execution backend: a bounded
// worker pool running tasks on host threads. There are no network
// failures here, so failures are terminal unless the compute descriptor
// itself signals a transient condition.
package local

import (
	"context"
	"fmt"
	"sync"

	skiff "github.com/go-skiff/skiff"
	serrors "github.com/go-skiff/skiff/errors"
	"github.com/go-skiff/skiff/internal/pstore"
	iutil "github.com/go-skiff/skiff/internal/util"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// cpuSlotScale converts fractional CPU requests to semaphore weights
const cpuSlotScale = 1000

// Backend executes tasks on a bounded worker-thread pool, materializing
// outputs into a partition store
type Backend struct {
	conf        *skiff.Config
	store       *pstore.Store
	queue       chan *skiff.TaskSpec
	completions chan skiff.TaskResult
	cpus        *semaphore.Weighted
	eg          *errgroup.Group
	ctx         context.Context
	stop        context.CancelFunc
	cancelsLock sync.Mutex
	cancels     map[string]context.CancelFunc
}

// NewBackend produces a local Backend with conf.NumWorkers workers,
// spilling partitions under conf.SpillDir
func NewBackend(conf *skiff.Config, codec skiff.PartitionCodec) (*Backend, error) {
	store, err := pstore.NewStore(&pstore.StoreConfig{
		Dir:                 conf.SpillDir,
		MemoryHighWatermark: conf.CacheMemoryHighWatermark,
		Codec:               codec,
	})
	if err != nil {
		return nil, err
	}
	ctx, stop := context.WithCancel(context.Background())
	b := &Backend{
		conf:        conf,
		store:       store,
		queue:       make(chan *skiff.TaskSpec, 4*conf.NumWorkers),
		completions: make(chan skiff.TaskResult, 4*conf.NumWorkers),
		cpus:        semaphore.NewWeighted(int64(conf.NumWorkers) * cpuSlotScale),
		ctx:         ctx,
		stop:        stop,
		cancels:     make(map[string]context.CancelFunc),
	}
	b.eg, _ = errgroup.WithContext(ctx)
	for i := 0; i < conf.NumWorkers; i++ {
		b.eg.Go(b.workerLoop)
	}
	return b, nil
}

// Submit enqueues a task for execution. Unsatisfiable resource requests
// are rejected synchronously rather than silently starved.
func (b *Backend) Submit(ctx context.Context, task *skiff.TaskSpec) error {
	if !task.Resources.Valid() {
		return serrors.ResourceUnsatisfiableError{TaskID: task.ID, Reason: "negative resource demand"}
	}
	if !b.Capacity().Satisfiable(task.Resources) {
		return serrors.ResourceUnsatisfiableError{TaskID: task.ID, Reason: "no local worker class can satisfy the request"}
	}
	select {
	case b.queue <- task:
		return nil
	case <-b.ctx.Done():
		return fmt.Errorf("backend is stopped")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Completions delivers one TaskResult per submitted task attempt
func (b *Backend) Completions() <-chan skiff.TaskResult {
	return b.completions
}

// Capacity returns the pool's capacity: one worker class covering all
// pool workers, with no GPUs. The class advertises the pool's admission
// limit rather than the host's core count, so any request that passes
// Satisfiable can actually acquire its semaphore weight.
func (b *Backend) Capacity() skiff.ResourceSummary {
	return skiff.ResourceSummary{
		AvailableCPUs: float64(b.conf.NumWorkers),
		Classes: []skiff.WorkerClass{{
			NumCPUs: float64(b.conf.NumWorkers),
			Count:   1,
		}},
	}
}

// CapacityChanges returns nil: local capacity is static
func (b *Backend) CapacityChanges() <-chan skiff.ResourceSummary {
	return nil
}

// Cancel best-effort aborts an in-flight task
func (b *Backend) Cancel(taskID string) {
	b.cancelsLock.Lock()
	defer b.cancelsLock.Unlock()
	if cancel, ok := b.cancels[taskID]; ok {
		cancel()
	}
}

// Fetch retrieves the data behind a materialized PartitionRef
func (b *Backend) Fetch(ctx context.Context, ref *skiff.PartitionRef) (skiff.Partition, error) {
	return b.store.Get(ref.ID)
}

// Release tells the backend a materialized partition is no longer referenced
func (b *Backend) Release(partitionID string) {
	b.store.Release(partitionID)
}

// DropPartition discards a materialized partition's backing data without
// releasing it, simulating data loss for fault-injection tests
func (b *Backend) DropPartition(partitionID string) {
	b.store.Drop(partitionID)
}

// Stop shuts the worker pool down, aborting in-flight tasks
func (b *Backend) Stop() error {
	b.stop()
	err := b.eg.Wait()
	if derr := b.store.Destroy(); derr != nil && err == nil {
		err = derr
	}
	return err
}

func (b *Backend) workerLoop() error {
	for {
		select {
		case <-b.ctx.Done():
			return nil
		case task := <-b.queue:
			b.runTask(task)
		}
	}
}

func (b *Backend) runTask(task *skiff.TaskSpec) {
	weight := int64(task.Resources.NumCPUs * cpuSlotScale)
	if weight < 1 {
		weight = 1
	}
	if err := b.cpus.Acquire(b.ctx, weight); err != nil {
		return // shutting down
	}
	defer b.cpus.Release(weight)

	taskCtx, cancel := context.WithCancel(b.ctx)
	if task.Timeout > 0 {
		taskCtx, cancel = context.WithTimeout(b.ctx, task.Timeout)
	}
	b.cancelsLock.Lock()
	b.cancels[task.ID] = cancel
	b.cancelsLock.Unlock()
	defer func() {
		cancel()
		b.cancelsLock.Lock()
		delete(b.cancels, task.ID)
		b.cancelsLock.Unlock()
	}()

	b.deliver(b.execute(taskCtx, task))
}

// execute fetches inputs, runs the descriptor and persists outputs
func (b *Backend) execute(ctx context.Context, task *skiff.TaskSpec) skiff.TaskResult {
	res := skiff.TaskResult{TaskID: task.ID, Attempt: task.Attempt}
	inputs := make([]skiff.Partition, len(task.Inputs))
	for i, ref := range task.Inputs {
		part, err := b.store.Get(ref.ID)
		if err != nil {
			// a previously-materialized input is gone: report it lost so the
			// scheduler can re-materialize transitively
			res.Err = serrors.TaskTransientError{TaskID: task.ID, WorkerLost: true, Cause: err}
			res.LostInputs = append(res.LostInputs, ref.ID)
			return res
		}
		inputs[i] = part
	}
	var outputs []skiff.Partition
	err := iutil.SafeRun(task.Descriptor.Name(), func() error {
		var runErr error
		outputs, runErr = task.Descriptor.Run(ctx, inputs)
		return runErr
	})
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			err = serrors.TaskTransientError{TaskID: task.ID, Cause: ctx.Err()}
		}
		res.Err = err
		return res
	}
	if len(outputs) != len(task.OutputIDs) {
		res.Err = fmt.Errorf("task %s produced %d partition(s), expected %d", task.ID, len(outputs), len(task.OutputIDs))
		return res
	}
	for i, out := range outputs {
		if err := b.store.PutAs(task.OutputIDs[i], out); err != nil {
			res.Err = err
			return res
		}
		res.Outputs = append(res.Outputs, &skiff.PartitionRef{
			ID:         task.OutputIDs[i],
			Rows:       out.NumRows(),
			Bytes:      out.SizeBytes(),
			State:      skiff.PartitionMaterialized,
			ProducedBy: task.ID,
			Location:   "local",
		})
	}
	return res
}

func (b *Backend) deliver(res skiff.TaskResult) {
	select {
	case b.completions <- res:
	case <-b.ctx.Done():
	}
}
