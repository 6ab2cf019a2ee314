package sched

import (
	"context"
	"sync"

	skiff "github.com/go-skiff/skiff"
	serrors "github.com/go-skiff/skiff/errors"
)

// resultStream is the consumer-facing sequence of root outputs. It is
// forward-only and single-consumer: pulls block until the next root
// partition materializes, the plan fails, or the stream is exhausted.
// In ordered mode, out-of-order completions are buffered and released in
// plan-defined order.
type resultStream struct {
	lock       sync.Mutex
	ordered    bool
	buffered   map[int]*skiff.PartitionRef // completions awaiting their turn, by output index
	nextIdx    int
	releasable []*skiff.PartitionRef // outputs ready to hand to the consumer
	err        error
	done       bool
	pendingAck *skiff.PartitionRef // last ref handed out, acked on the next pull
	notify     chan struct{}
	cancel     func()
	consumed   func(partitionID string) // posts stream-consumption back to the event loop
}

func newResultStream(ordered bool, cancel func(), consumed func(string)) *resultStream {
	return &resultStream{
		ordered:  ordered,
		buffered: make(map[int]*skiff.PartitionRef),
		notify:   make(chan struct{}, 1),
		cancel:   cancel,
		consumed: consumed,
	}
}

// Next returns the next root output, blocking until one materializes.
// Exhaustion is signalled with errors.NoMorePartitionsError; failure and
// cancellation surface their terminal error on every subsequent call.
//
// The ref handed out stays fetchable until the following call to Next:
// consumption is only acknowledged on the subsequent pull, giving the
// caller a window to fetch the partition's data before it is released.
func (rs *resultStream) Next(ctx context.Context) (*skiff.PartitionRef, error) {
	rs.ack()
	for {
		rs.lock.Lock()
		if len(rs.releasable) > 0 {
			ref := rs.releasable[0]
			rs.releasable = rs.releasable[1:]
			rs.pendingAck = ref
			rs.lock.Unlock()
			return ref, nil
		}
		if rs.err != nil {
			err := rs.err
			rs.lock.Unlock()
			return nil, err
		}
		if rs.done {
			rs.lock.Unlock()
			return nil, serrors.NoMorePartitionsError{}
		}
		rs.lock.Unlock()
		select {
		case <-rs.notify:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Cancel aborts the execution behind this stream
func (rs *resultStream) Cancel() {
	rs.cancel()
}

// ack releases the previously-handed-out ref back to the event loop
func (rs *resultStream) ack() {
	rs.lock.Lock()
	ref := rs.pendingAck
	rs.pendingAck = nil
	rs.lock.Unlock()
	if ref != nil {
		rs.consumed(ref.ID)
	}
}

// push delivers one materialized root output to the stream
func (rs *resultStream) push(ref *skiff.PartitionRef, outputIndex int) {
	rs.lock.Lock()
	if rs.done || rs.err != nil {
		rs.lock.Unlock()
		return
	}
	if rs.ordered {
		rs.buffered[outputIndex] = ref
		for {
			next, ok := rs.buffered[rs.nextIdx]
			if !ok {
				break
			}
			delete(rs.buffered, rs.nextIdx)
			rs.releasable = append(rs.releasable, next)
			rs.nextIdx++
		}
	} else {
		rs.releasable = append(rs.releasable, ref)
	}
	rs.lock.Unlock()
	rs.signal()
}

// finish marks the stream exhausted once buffered outputs drain
func (rs *resultStream) finish() {
	rs.lock.Lock()
	rs.done = true
	rs.lock.Unlock()
	rs.signal()
}

// fail terminates the stream: no partial results are delivered past the
// point of failure
func (rs *resultStream) fail(err error) {
	rs.lock.Lock()
	if rs.err == nil {
		rs.err = err
	}
	rs.releasable = nil
	rs.buffered = make(map[int]*skiff.PartitionRef)
	rs.done = true
	rs.lock.Unlock()
	rs.signal()
}

func (rs *resultStream) signal() {
	select {
	case rs.notify <- struct{}{}:
	default:
	}
}
