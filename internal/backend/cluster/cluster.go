// Package cluster implements a Backend which drives tasks on remote
// executor processes over grpc. The driver side holds one connection per
// executor service, forwards task submissions, and folds the executors'
// completion and capacity streams into the channels the scheduler
// consumes.
package cluster

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	skiff "github.com/go-skiff/skiff"
	serrors "github.com/go-skiff/skiff/errors"
	"github.com/go-skiff/skiff/internal/rpc"
	"github.com/go-skiff/skiff/logging"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Options configures a cluster Backend
type Options struct {
	// Target is the executor service's connection string, host:port
	Target string
	// RPCTimeout bounds every unary call to the executor
	RPCTimeout time.Duration
}

func ensureDefaultOptionsValues(opts *Options) {
	if opts.RPCTimeout <= 0 {
		opts.RPCTimeout = 20 * time.Second
	}
}

// Backend drives tasks on a remote executor service
type Backend struct {
	conf        *skiff.Config
	opts        *Options
	conn        *grpc.ClientConn
	client      rpc.ExecutorClient
	codec       skiff.PartitionCodec
	completions chan skiff.TaskResult
	capChanges  chan skiff.ResourceSummary
	capLock     sync.Mutex
	capacity    skiff.ResourceSummary
	ctx         context.Context
	stop        context.CancelFunc
	wg          sync.WaitGroup
	logger      *logging.Logger
}

// NewBackend dials an executor service and subscribes to its completion
// and capacity streams
func NewBackend(conf *skiff.Config, opts *Options, codec skiff.PartitionCodec) (*Backend, error) {
	ensureDefaultOptionsValues(opts)
	conn, err := grpc.Dial(opts.Target, grpc.WithInsecure(),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(rpc.CodecName)))
	if err != nil {
		return nil, fmt.Errorf("fail to dial %s: %v", opts.Target, err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	b := &Backend{
		conf:        conf,
		opts:        opts,
		conn:        conn,
		client:      rpc.NewExecutorClient(conn),
		codec:       codec,
		completions: make(chan skiff.TaskResult, 4*conf.MaxConcurrentTasks),
		capChanges:  make(chan skiff.ResourceSummary, 4),
		ctx:         ctx,
		stop:        cancel,
		logger:      logging.New("cluster-backend", logging.InfoLevel),
	}
	callCtx, callCancel := context.WithTimeout(ctx, opts.RPCTimeout)
	sum, err := b.client.Capacity(callCtx, &rpc.WatchRequest{})
	callCancel()
	if err != nil {
		cancel()
		conn.Close()
		return nil, fmt.Errorf("unable to fetch executor capacity: %v", err)
	}
	b.capacity = sum.ToSummary()
	b.wg.Add(2)
	go b.watchCompletions()
	go b.watchCapacity()
	return b, nil
}

// Submit forwards a task attempt to the executor. The task's descriptor
// must be encodable to cross the wire.
func (b *Backend) Submit(ctx context.Context, spec *skiff.TaskSpec) error {
	if !spec.Resources.Valid() {
		return serrors.ResourceUnsatisfiableError{TaskID: spec.ID, Reason: "negative resource demand"}
	}
	if !b.Capacity().Satisfiable(spec.Resources) {
		return serrors.ResourceUnsatisfiableError{TaskID: spec.ID, Reason: "no executor worker class fits this request"}
	}
	enc, ok := spec.Descriptor.(skiff.EncodableDescriptor)
	if !ok {
		return serrors.PlanTranslationError{Msg: fmt.Sprintf("descriptor %s cannot cross the wire", spec.Descriptor.Name())}
	}
	payload, err := enc.Encode()
	if err != nil {
		return fmt.Errorf("unable to encode descriptor %s: %w", spec.Descriptor.Name(), err)
	}
	req := &rpc.SubmitRequest{
		TaskID:  spec.ID,
		StageID: spec.StageID,
		Attempt: spec.Attempt,
		Resources: rpc.ResourcesMsg{
			NumCPUs:     spec.Resources.NumCPUs,
			NumGPUs:     spec.Resources.NumGPUs,
			MemoryBytes: spec.Resources.MemoryBytes,
		},
		OutputIDs:         spec.OutputIDs,
		DescriptorName:    rpc.DescriptorWireName(spec.Descriptor),
		DescriptorPayload: payload,
		TimeoutNs:         int64(spec.Timeout),
	}
	for _, ref := range spec.Inputs {
		req.Inputs = append(req.Inputs, rpc.RefMsg(ref))
	}
	callCtx, cancel := context.WithTimeout(ctx, b.opts.RPCTimeout)
	defer cancel()
	if _, err := b.client.SubmitTask(callCtx, req); err != nil {
		return classifyRPCError(spec.ID, err)
	}
	return nil
}

// Completions delivers the executor's task results
func (b *Backend) Completions() <-chan skiff.TaskResult {
	return b.completions
}

// Capacity returns the most recent capacity advertisement
func (b *Backend) Capacity() skiff.ResourceSummary {
	b.capLock.Lock()
	defer b.capLock.Unlock()
	return b.capacity
}

// CapacityChanges streams capacity advertisements as executors come and go
func (b *Backend) CapacityChanges() <-chan skiff.ResourceSummary {
	return b.capChanges
}

// Cancel best-effort aborts an in-flight task on the executor
func (b *Backend) Cancel(taskID string) {
	ctx, cancel := context.WithTimeout(b.ctx, b.opts.RPCTimeout)
	defer cancel()
	if _, err := b.client.CancelTask(ctx, &rpc.CancelRequest{TaskID: taskID}); err != nil {
		b.logger.Warnf("unable to cancel task %s: %v", taskID, err)
	}
}

// Fetch transfers a materialized partition from the executor
func (b *Backend) Fetch(ctx context.Context, ref *skiff.PartitionRef) (skiff.Partition, error) {
	callCtx, cancel := context.WithTimeout(ctx, b.opts.RPCTimeout)
	defer cancel()
	res, err := b.client.FetchPartition(callCtx, &rpc.FetchRequest{PartitionID: ref.ID})
	if err != nil {
		return nil, classifyRPCError("", err)
	}
	return b.codec.Decode(ref.ID, res.Data)
}

// Release drops a partition on the executor
func (b *Backend) Release(partitionID string) {
	ctx, cancel := context.WithTimeout(b.ctx, b.opts.RPCTimeout)
	defer cancel()
	if _, err := b.client.ReleasePartition(ctx, &rpc.ReleaseRequest{PartitionID: partitionID}); err != nil {
		b.logger.Warnf("unable to release partition %s: %v", partitionID, err)
	}
}

// Stop tears the connection down
func (b *Backend) Stop() error {
	b.stop()
	b.wg.Wait()
	return b.conn.Close()
}

// watchCompletions folds the executor's completion stream into the
// completions channel, re-establishing the stream with backoff when it
// breaks. A permanently broken stream closes the channel, which the
// scheduler treats as a fatal backend loss.
func (b *Backend) watchCompletions() {
	defer b.wg.Done()
	defer close(b.completions)
	bo := newRedialBackoff()
	for {
		stream, err := b.client.WatchCompletions(b.ctx, &rpc.WatchRequest{})
		if err != nil {
			if !b.redial(bo, err) {
				return
			}
			continue
		}
		bo.Reset()
		for {
			ev, err := stream.Recv()
			if err != nil {
				if b.ctx.Err() != nil {
					return
				}
				b.logger.Warnf("completion stream broke: %v", err)
				break
			}
			select {
			case b.completions <- toResult(ev):
			case <-b.ctx.Done():
				return
			}
		}
		if !b.redial(bo, nil) {
			return
		}
	}
}

func (b *Backend) watchCapacity() {
	defer b.wg.Done()
	bo := newRedialBackoff()
	for {
		stream, err := b.client.WatchCapacity(b.ctx, &rpc.WatchRequest{})
		if err != nil {
			if !b.redial(bo, err) {
				return
			}
			continue
		}
		bo.Reset()
		for {
			sum, err := stream.Recv()
			if err != nil {
				if b.ctx.Err() != nil {
					return
				}
				break
			}
			next := sum.ToSummary()
			b.capLock.Lock()
			b.capacity = next
			b.capLock.Unlock()
			select {
			case b.capChanges <- next:
			case <-b.ctx.Done():
				return
			}
		}
		if !b.redial(bo, nil) {
			return
		}
	}
}

func newRedialBackoff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 250 * time.Millisecond
	bo.MaxInterval = 5 * time.Second
	bo.MaxElapsedTime = 0
	return bo
}

// redial waits out a connection failure with exponential backoff. Returns
// false once the backend is stopping.
func (b *Backend) redial(bo *backoff.ExponentialBackOff, err error) bool {
	if b.ctx.Err() != nil {
		return false
	}
	if err != nil {
		b.logger.Warnf("executor stream unavailable, redialing: %v", err)
	}
	select {
	case <-time.After(bo.NextBackOff()):
		return true
	case <-b.ctx.Done():
		return false
	}
}

func toResult(ev *rpc.CompletionEvent) skiff.TaskResult {
	res := skiff.TaskResult{
		TaskID:     ev.TaskID,
		Attempt:    ev.Attempt,
		LostInputs: ev.LostInputs,
	}
	switch ev.FailureKind {
	case rpc.FailureNone:
		for _, ref := range ev.Outputs {
			res.Outputs = append(res.Outputs, ref.ToRef())
		}
	case rpc.FailureWorkerLost:
		res.Err = serrors.TaskTransientError{TaskID: ev.TaskID, WorkerLost: true, Cause: errors.New(ev.Error)}
	case rpc.FailureTransient:
		res.Err = serrors.TaskTransientError{TaskID: ev.TaskID, Cause: errors.New(ev.Error)}
	default:
		res.Err = errors.New(ev.Error)
	}
	return res
}

// classifyRPCError maps transport-level failures to the transient error
// taxonomy: timeouts and unavailability are worth retrying, everything
// else surfaces as-is
func classifyRPCError(taskID string, err error) error {
	switch status.Code(err) {
	case codes.DeadlineExceeded, codes.Unavailable, codes.ResourceExhausted:
		return serrors.TaskTransientError{TaskID: taskID, Cause: err}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return serrors.TaskTransientError{TaskID: taskID, Cause: err}
	}
	return err
}
