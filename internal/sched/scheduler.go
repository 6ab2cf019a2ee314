// Package sched drives a Stage/Task graph to completion on a Backend. A
// single goroutine owns the schedule frontier and consumes an explicit
// event queue, so every suspension point is a channel receive and no lock
// guards frontier state. Task execution itself runs wherever the backend
// puts it; completions come back as asynchronous events.
package sched

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	skiff "github.com/go-skiff/skiff"
	serrors "github.com/go-skiff/skiff/errors"
	"github.com/go-skiff/skiff/internal/graph"
	"github.com/go-skiff/skiff/logging"
	"github.com/go-skiff/skiff/stats"
	"github.com/hashicorp/go-multierror"
)

type event interface{}

type retryDueEvent struct{ taskID string }

type streamConsumedEvent struct{ partitionID string }

// Scheduler owns one execution: readiness tracking, a bounded in-flight
// submission window, retries with exponential backoff, transitive
// re-materialization of lost partitions, and the result stream
type Scheduler struct {
	conf    *skiff.Config
	backend skiff.Backend
	g       *graph.Graph
	logger  *logging.Logger
	tracker *stats.RunStatistics

	events   chan event
	cancelCh chan struct{}
	doneCh   chan struct{}

	// frontier state, owned exclusively by the event loop
	arena        *graph.Arena
	tasks        map[string]*graph.Task
	waiting      map[string]int      // taskID -> unmaterialized input count
	consumersOf  map[string][]string // partitionID -> consumer task ids
	producerOf   map[string]string   // partitionID -> producing task id, kept past collection for recompute
	ready        []*graph.Task
	inflight     map[string]*graph.Task
	capacity     skiff.ResourceSummary
	usedCPUs     float64
	usedGPUs     float64
	usedMemory   int64
	expanded     map[int]bool
	stageRemain  map[int]int // unfinished task count per stage
	retryHistory map[string]*multierror.Error
	backoffs     map[string]*backoff.ExponentialBackOff
	retryTimers  map[string]*time.Timer

	stream *resultStream
}

// New produces a Scheduler for one translated graph. The graph must not
// be shared across Scheduler instances.
func New(conf *skiff.Config, b skiff.Backend, g *graph.Graph, tracker *stats.RunStatistics) *Scheduler {
	s := &Scheduler{
		conf:         conf,
		backend:      b,
		g:            g,
		logger:       logging.New("scheduler", logging.InfoLevel),
		tracker:      tracker,
		events:       make(chan event, 128),
		cancelCh:     make(chan struct{}),
		doneCh:       make(chan struct{}),
		tasks:        make(map[string]*graph.Task),
		waiting:      make(map[string]int),
		consumersOf:  make(map[string][]string),
		producerOf:   make(map[string]string),
		inflight:     make(map[string]*graph.Task),
		expanded:     make(map[int]bool),
		stageRemain:  make(map[int]int),
		retryHistory: make(map[string]*multierror.Error),
		backoffs:     make(map[string]*backoff.ExponentialBackOff),
		retryTimers:  make(map[string]*time.Timer),
	}
	s.arena = graph.NewArena(b.Release)
	return s
}

// Start begins driving the graph and returns the stream of root outputs.
// The returned stream is single-consumer and not restartable.
func (s *Scheduler) Start(ctx context.Context) skiff.ResultStream {
	s.stream = newResultStream(s.conf.OrderedOutput, s.Cancel, func(pid string) {
		select {
		case s.events <- streamConsumedEvent{partitionID: pid}:
		case <-s.doneCh:
		}
	})
	s.capacity = s.backend.Capacity()
	for _, st := range s.g.Stages {
		if st.Expand == nil {
			s.registerStage(st)
			s.expanded[st.ID] = true
		}
	}
	s.tracker.Start(len(s.g.Stages))
	go s.loop(ctx)
	return s.stream
}

// Cancel requests cooperative cancellation of the whole execution. Safe
// to call more than once and from any goroutine.
func (s *Scheduler) Cancel() {
	select {
	case <-s.cancelCh:
	default:
		close(s.cancelCh)
	}
}

// Done is closed once the event loop has exited and all state is released
func (s *Scheduler) Done() <-chan struct{} {
	return s.doneCh
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.doneCh)
	defer s.tracker.Finish()
	for {
		s.expandStages()
		if err := s.pump(); err != nil {
			s.abort(err)
			return
		}
		if s.finished() {
			s.stream.finish()
			if s.drained() {
				return
			}
		}
		select {
		case res, ok := <-s.backend.Completions():
			if !ok {
				s.abort(serrors.TaskTerminalError{Cause: contextError(ctx)})
				return
			}
			if err := s.handleResult(res); err != nil {
				s.abort(err)
				return
			}
		case ev := <-s.events:
			s.handleEvent(ev)
			if s.finished() && s.drained() {
				s.stream.finish()
				return
			}
		case sum := <-s.backend.CapacityChanges():
			s.capacity = sum
		case <-s.cancelCh:
			s.handleCancel()
			return
		case <-ctx.Done():
			s.handleCancel()
			return
		}
	}
}

func (s *Scheduler) handleEvent(ev event) {
	switch e := ev.(type) {
	case retryDueEvent:
		delete(s.retryTimers, e.taskID)
		t, ok := s.tasks[e.taskID]
		if !ok || t.State != skiff.TaskPending {
			return
		}
		if s.waiting[t.ID] == 0 {
			s.markReady(t)
		}
	case streamConsumedEvent:
		s.arena.ReleaseStream(e.partitionID)
	}
}

// registerStage installs a stage's tasks into the frontier: readiness
// counts, consumer indexes and arena entries for every output partition
func (s *Scheduler) registerStage(st *graph.Stage) {
	isRoot := st.ID == s.g.RootID
	s.stageRemain[st.ID] = len(st.Tasks)
	for _, t := range st.Tasks {
		if isRoot && !t.RootOutput {
			t.RootOutput = true
			t.OutputIndex = t.Seq
		}
		s.tasks[t.ID] = t
		for _, pid := range t.Inputs {
			s.consumersOf[pid] = append(s.consumersOf[pid], t.ID)
			s.arena.AddConsumers(pid, 1)
		}
		for _, pid := range t.Outputs {
			s.producerOf[pid] = t.ID
			s.arena.Add(&skiff.PartitionRef{
				ID:         pid,
				Rows:       -1,
				Bytes:      -1,
				State:      skiff.PartitionPending,
				ProducedBy: t.ID,
			}, 0, t.RootOutput)
		}
		unmat := s.unmaterializedInputs(t)
		s.waiting[t.ID] = unmat
		if unmat == 0 {
			s.markReady(t)
		} else {
			t.State = skiff.TaskPending
		}
	}
}

// expandStages builds tasks for deferred stages whose upstream width is
// now known. Adaptive stages additionally wait for their predecessors to
// fully materialize so output statistics can size the fan-out.
func (s *Scheduler) expandStages() {
	for _, st := range s.g.Stages {
		if st.Expand == nil || s.expanded[st.ID] {
			continue
		}
		ok := true
		var depBytes int64
		for _, d := range st.Deps {
			if !s.expanded[d] {
				ok = false
				break
			}
			if st.Adaptive && s.stageRemain[d] > 0 {
				ok = false
				break
			}
			depBytes += s.stageOutputBytes(s.g.Stage(d))
		}
		if !ok {
			continue
		}
		tasks := st.Expand(depBytes)
		s.expanded[st.ID] = true
		s.registerStage(st)
		s.logger.Debugf("expanded stage %d into %d task(s)", st.ID, len(tasks))
	}
}

func (s *Scheduler) stageOutputBytes(st *graph.Stage) int64 {
	var total int64
	for _, t := range st.Tasks {
		for _, pid := range t.Outputs {
			if ref, err := s.arena.Get(pid); err == nil && ref.Bytes > 0 {
				total += ref.Bytes
			}
		}
	}
	return total
}

// pump submits as many ready tasks as the in-flight window and the
// backend's advertised capacity admit. Tasks which do not fit stay
// queued: that is the backpressure mechanism.
func (s *Scheduler) pump() error {
	for len(s.ready) > 0 && len(s.inflight) < s.conf.MaxConcurrentTasks {
		idx := s.pickReady()
		t := s.ready[idx]
		if !s.capacity.Satisfiable(t.Resources) {
			return serrors.ResourceUnsatisfiableError{TaskID: t.ID, Reason: "no advertised worker class can run this task"}
		}
		if !s.admits(t.Resources) {
			return nil // saturated; wait for completions or capacity changes
		}
		s.ready = append(s.ready[:idx], s.ready[idx+1:]...)
		if err := s.submit(t); err != nil {
			return err
		}
	}
	return nil
}

// pickReady returns the index of the next task to submit: the task whose
// completion directly unblocks the most downstream tasks, tie-broken by
// stage then within-stage order for determinism
func (s *Scheduler) pickReady() int {
	best := 0
	bestScore := -1
	for i, t := range s.ready {
		score := s.unblockScore(t)
		better := score > bestScore
		if score == bestScore {
			b := s.ready[best]
			better = t.StageID < b.StageID || (t.StageID == b.StageID && t.Seq < b.Seq)
		}
		if better {
			best = i
			bestScore = score
		}
	}
	return best
}

// unblockScore counts downstream tasks for which this task's outputs are
// the last missing input
func (s *Scheduler) unblockScore(t *graph.Task) int {
	score := 0
	for _, pid := range t.Outputs {
		for _, cid := range s.consumersOf[pid] {
			if s.waiting[cid] == 1 {
				score++
			}
		}
	}
	return score
}

func (s *Scheduler) submit(t *graph.Task) error {
	inputs := make([]*skiff.PartitionRef, len(t.Inputs))
	for i, pid := range t.Inputs {
		ref, err := s.arena.Get(pid)
		if err != nil {
			return serrors.TaskTerminalError{TaskID: t.ID, Node: t.NodeName, Attempts: t.Attempts, Cause: err}
		}
		inputs[i] = ref
	}
	spec := &skiff.TaskSpec{
		ID:         t.ID,
		StageID:    t.StageID,
		Attempt:    t.Attempts,
		Inputs:     inputs,
		OutputIDs:  t.Outputs,
		Resources:  t.Resources,
		Descriptor: t.Descriptor,
		Timeout:    s.conf.TaskTimeout,
	}
	t.State = skiff.TaskSubmitted
	s.inflight[t.ID] = t
	s.usedCPUs += t.Resources.NumCPUs
	s.usedGPUs += t.Resources.NumGPUs
	s.usedMemory += t.Resources.MemoryBytes
	for _, pid := range t.Outputs {
		s.arena.MarkMaterializing(pid)
	}
	s.tracker.TaskSubmitted(t.StageID)
	if err := s.backend.Submit(context.Background(), spec); err != nil {
		if _, fatal := err.(serrors.ResourceUnsatisfiableError); fatal {
			return err
		}
		// submission itself failed (queue contention, network timeout):
		// the attempt never started, so give back its window slot and
		// budget before treating it like a transient attempt failure
		s.releaseBudget(t)
		delete(s.inflight, t.ID)
		for _, pid := range t.Outputs {
			s.arena.MarkPending(pid)
		}
		s.logger.Warnf("submission of task %s failed: %v", t.ID, err)
		return s.handleFailure(t, serrors.Transient(t.ID, err), nil)
	}
	t.State = skiff.TaskRunning
	return nil
}

func (s *Scheduler) handleResult(res skiff.TaskResult) error {
	t, ok := s.tasks[res.TaskID]
	if !ok || res.Attempt != t.Attempts {
		return nil // stale attempt; a retry has already been scheduled
	}
	if t.State != skiff.TaskSubmitted && t.State != skiff.TaskRunning {
		return nil
	}
	s.releaseBudget(t)
	delete(s.inflight, t.ID)
	if res.Err != nil {
		return s.handleFailure(t, res.Err, res.LostInputs)
	}
	return s.handleSuccess(t, res)
}

func (s *Scheduler) handleSuccess(t *graph.Task, res skiff.TaskResult) error {
	t.State = skiff.TaskSucceeded
	s.tracker.TaskSucceeded(t.StageID)
	for i, pid := range t.Outputs {
		if i >= len(res.Outputs) {
			return serrors.TaskTerminalError{
				TaskID: t.ID, Node: t.NodeName, Attempts: t.Attempts + 1,
				Cause: serrors.PlanTranslationError{Node: t.NodeName, Msg: "backend returned fewer outputs than the task's arity"},
			}
		}
		out := res.Outputs[i]
		s.arena.MarkMaterialized(pid, out.Rows, out.Bytes, out.Location)
		for _, cid := range s.consumersOf[pid] {
			c := s.tasks[cid]
			if s.waiting[cid] > 0 {
				s.waiting[cid]--
			}
			if s.waiting[cid] == 0 && c.State == skiff.TaskPending && s.retryTimers[cid] == nil {
				s.markReady(c)
			}
		}
	}
	for _, pid := range t.Inputs {
		s.arena.ReleaseConsumer(pid)
	}
	if s.stageRemain[t.StageID] > 0 {
		s.stageRemain[t.StageID]--
		if s.stageRemain[t.StageID] == 0 {
			s.logger.Infof("finished stage %d", t.StageID)
		}
	}
	if t.RootOutput {
		for _, pid := range t.Outputs {
			if ref, err := s.arena.Get(pid); err == nil {
				s.stream.push(ref, t.OutputIndex)
			}
		}
	}
	return nil
}

// handleFailure classifies one attempt's failure: transient failures are
// retried with exponential backoff up to the configured bound, lost
// inputs trigger transitive re-materialization, and everything else
// aborts the plan
func (s *Scheduler) handleFailure(t *graph.Task, taskErr error, lostInputs []string) error {
	t.Attempts++
	if !serrors.IsTransient(taskErr) {
		return serrors.TaskTerminalError{
			TaskID:   t.ID,
			Node:     t.NodeName,
			Attempts: t.Attempts,
			Cause:    taskErr,
			History:  s.retryHistory[t.ID].ErrorOrNil(),
		}
	}
	s.retryHistory[t.ID] = multierror.Append(s.retryHistory[t.ID], taskErr)
	if t.Attempts > s.conf.MaxTaskRetries {
		// retries exhausted: reclassify terminal
		return serrors.TaskTerminalError{
			TaskID:   t.ID,
			Node:     t.NodeName,
			Attempts: t.Attempts,
			Cause:    taskErr,
			History:  s.retryHistory[t.ID].ErrorOrNil(),
		}
	}
	s.tracker.TaskRetried(t.StageID)
	t.State = skiff.TaskPending
	for _, pid := range lostInputs {
		if err := s.handleLostInput(pid, 0); err != nil {
			return err
		}
	}
	s.recomputeWaiting(t)
	delay := s.nextBackoff(t.ID)
	s.logger.Warnf("task %s attempt %d failed transiently, retrying in %v: %v", t.ID, t.Attempts, delay, taskErr)
	s.retryTimers[t.ID] = time.AfterFunc(delay, func() {
		select {
		case s.events <- retryDueEvent{taskID: t.ID}:
		case <-s.doneCh:
		}
	})
	return nil
}

// handleLostInput marks a partition Lost and re-schedules its producing
// task, recursing through the producer's own inputs when they are gone
// too. The chain depth is bounded: beyond the limit the execution fails
// terminally rather than risking unbounded recursive recomputation.
func (s *Scheduler) handleLostInput(pid string, depth int) error {
	if depth > s.conf.RecomputeChainLimit {
		return serrors.RecomputeDepthError{PartitionID: pid, Limit: s.conf.RecomputeChainLimit}
	}
	ref, err := s.arena.Get(pid)
	if err != nil {
		// the entry was collected after its consumers finished; re-add it
		// so the recompute chain can flow through it again
		tid, ok := s.producerOf[pid]
		if !ok {
			return serrors.TaskTerminalError{Cause: fmt.Errorf("lost partition %s has no known producer", pid)}
		}
		ref = &skiff.PartitionRef{
			ID:         pid,
			Rows:       -1,
			Bytes:      -1,
			State:      skiff.PartitionPending,
			ProducedBy: tid,
		}
		s.arena.Add(ref, 0, false)
	} else {
		if ref.State == skiff.PartitionPending || ref.State == skiff.PartitionMaterializing {
			return nil // not produced yet, or already being recomputed
		}
		s.arena.MarkLost(pid)
		// demote any waiting consumers of the lost partition
		for _, cid := range s.consumersOf[pid] {
			c := s.tasks[cid]
			if c.State == skiff.TaskReady {
				s.unmarkReady(c)
			}
			if c.State == skiff.TaskPending || c.State == skiff.TaskReady {
				s.recomputeWaiting(c)
			}
		}
	}
	producer, ok := s.tasks[ref.ProducedBy]
	if !ok {
		return serrors.TaskTerminalError{Cause: fmt.Errorf("lost partition %s has no known producer", pid)}
	}
	if producer.State != skiff.TaskSucceeded {
		return nil // already queued for recomputation
	}
	producer.State = skiff.TaskPending
	s.stageRemain[producer.StageID]++
	s.arena.MarkPending(pid)
	for _, in := range producer.Inputs {
		inRef, err := s.arena.Get(in)
		if err != nil || inRef.State != skiff.PartitionMaterialized {
			if err := s.handleLostInput(in, depth+1); err != nil {
				return err
			}
		}
	}
	s.recomputeWaiting(producer)
	if s.waiting[producer.ID] == 0 {
		s.markReady(producer)
	}
	s.logger.Warnf("partition %s lost; re-scheduling producer task %s (depth %d)", pid, producer.ID, depth)
	return nil
}

func (s *Scheduler) recomputeWaiting(t *graph.Task) {
	s.waiting[t.ID] = s.unmaterializedInputs(t)
}

func (s *Scheduler) unmaterializedInputs(t *graph.Task) int {
	n := 0
	for _, pid := range t.Inputs {
		ref, err := s.arena.Get(pid)
		if err != nil || ref.State != skiff.PartitionMaterialized {
			n++
		}
	}
	return n
}

func (s *Scheduler) markReady(t *graph.Task) {
	t.State = skiff.TaskReady
	s.ready = append(s.ready, t)
}

func (s *Scheduler) unmarkReady(t *graph.Task) {
	for i, r := range s.ready {
		if r.ID == t.ID {
			s.ready = append(s.ready[:i], s.ready[i+1:]...)
			break
		}
	}
	t.State = skiff.TaskPending
}

func (s *Scheduler) admits(r skiff.ResourceRequest) bool {
	if r.NumCPUs > s.capacity.AvailableCPUs-s.usedCPUs {
		return false
	}
	if r.NumGPUs > s.capacity.AvailableGPUs-s.usedGPUs {
		return false
	}
	if s.capacity.AvailableMemory > 0 && r.MemoryBytes > s.capacity.AvailableMemory-s.usedMemory {
		return false
	}
	return true
}

func (s *Scheduler) releaseBudget(t *graph.Task) {
	s.usedCPUs -= t.Resources.NumCPUs
	s.usedGPUs -= t.Resources.NumGPUs
	s.usedMemory -= t.Resources.MemoryBytes
}

func (s *Scheduler) nextBackoff(taskID string) time.Duration {
	b, ok := s.backoffs[taskID]
	if !ok {
		b = backoff.NewExponentialBackOff()
		b.InitialInterval = s.conf.RetryInitialInterval
		b.MaxInterval = s.conf.RetryMaxInterval
		b.MaxElapsedTime = 0 // the retry count is the bound, not elapsed time
		b.Reset()
		s.backoffs[taskID] = b
	}
	return b.NextBackOff()
}

// finished reports whether every stage has expanded and every task has
// succeeded
func (s *Scheduler) finished() bool {
	for _, st := range s.g.Stages {
		if !s.expanded[st.ID] {
			return false
		}
		if s.stageRemain[st.ID] > 0 {
			return false
		}
	}
	return true
}

// drained reports whether every partition has been released, including
// root outputs pulled through the stream
func (s *Scheduler) drained() bool {
	return s.arena.Len() == 0
}

// abort tears the execution down after a terminal condition: in-flight
// work is best-effort cancelled and every partition released
func (s *Scheduler) abort(err error) {
	s.logger.Errorf("aborting execution: %v", err)
	for id := range s.inflight {
		s.backend.Cancel(id)
	}
	s.cancelNonTerminal()
	s.stopTimers()
	s.arena.ReleaseAll()
	s.stream.fail(err)
}

// handleCancel services a caller cancellation: all non-terminal tasks
// move to Cancelled, the backend best-effort aborts in-flight work
// within a grace period, and the stream yields a cancellation signal
func (s *Scheduler) handleCancel() {
	s.logger.Infof("cancelling execution: %d task(s) in flight", len(s.inflight))
	for id := range s.inflight {
		s.backend.Cancel(id)
	}
	grace := time.NewTimer(s.conf.CancelGracePeriod)
	defer grace.Stop()
	for len(s.inflight) > 0 {
		select {
		case res := <-s.backend.Completions():
			if t, ok := s.inflight[res.TaskID]; ok {
				s.releaseBudget(t)
				delete(s.inflight, res.TaskID)
			}
		case <-grace.C:
			s.logger.Warnf("grace period elapsed with %d task(s) still in flight", len(s.inflight))
			for _, t := range s.inflight {
				s.releaseBudget(t)
			}
			s.inflight = make(map[string]*graph.Task)
		}
	}
	s.cancelNonTerminal()
	s.stopTimers()
	s.arena.ReleaseAll()
	s.stream.fail(serrors.CancellationError{})
}

func (s *Scheduler) cancelNonTerminal() {
	for _, t := range s.tasks {
		switch t.State {
		case skiff.TaskSucceeded, skiff.TaskFailed, skiff.TaskCancelled:
		default:
			t.State = skiff.TaskCancelled
		}
	}
}

func (s *Scheduler) stopTimers() {
	for id, timer := range s.retryTimers {
		timer.Stop()
		delete(s.retryTimers, id)
	}
}

func contextError(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return serrors.CancellationError{}
}
