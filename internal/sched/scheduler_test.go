package sched

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	skiff "github.com/go-skiff/skiff"
	serrors "github.com/go-skiff/skiff/errors"
	"github.com/go-skiff/skiff/internal/graph"
	"github.com/go-skiff/skiff/internal/translate"
	"github.com/go-skiff/skiff/kernels"
	"github.com/go-skiff/skiff/plan"
	"github.com/go-skiff/skiff/stats"
	"github.com/stretchr/testify/require"
)

// fakeBackend is a scriptable Backend: each submission is handed to a
// script which decides the attempt's outcome. A nil script result holds
// the task in flight until the test completes it by hand.
type fakeBackend struct {
	lock        sync.Mutex
	script      func(spec *skiff.TaskSpec) *skiff.TaskResult
	submitErr   func(spec *skiff.TaskSpec) error // non-nil return rejects the submission
	submitted   []*skiff.TaskSpec
	cancelled   []string
	released    []string
	completions chan skiff.TaskResult
	capacity    skiff.ResourceSummary
}

func newFakeBackend(script func(spec *skiff.TaskSpec) *skiff.TaskResult) *fakeBackend {
	return &fakeBackend{
		script:      script,
		completions: make(chan skiff.TaskResult, 64),
		capacity: skiff.ResourceSummary{
			AvailableCPUs: 8,
			Classes:       []skiff.WorkerClass{{NumCPUs: 8, Count: 1}},
		},
	}
}

// succeed builds the standard successful result for a spec
func succeed(spec *skiff.TaskSpec) *skiff.TaskResult {
	res := &skiff.TaskResult{TaskID: spec.ID, Attempt: spec.Attempt}
	for _, id := range spec.OutputIDs {
		res.Outputs = append(res.Outputs, &skiff.PartitionRef{
			ID:         id,
			Rows:       1,
			Bytes:      64,
			State:      skiff.PartitionMaterialized,
			ProducedBy: spec.ID,
			Location:   "fake",
		})
	}
	return res
}

func (f *fakeBackend) Submit(ctx context.Context, spec *skiff.TaskSpec) error {
	f.lock.Lock()
	f.submitted = append(f.submitted, spec)
	script := f.script
	submitErr := f.submitErr
	f.lock.Unlock()
	if submitErr != nil {
		if err := submitErr(spec); err != nil {
			return err
		}
	}
	if res := script(spec); res != nil {
		f.completions <- *res
	}
	return nil
}

func (f *fakeBackend) Completions() <-chan skiff.TaskResult {
	return f.completions
}

func (f *fakeBackend) Capacity() skiff.ResourceSummary {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.capacity
}

func (f *fakeBackend) CapacityChanges() <-chan skiff.ResourceSummary {
	return nil
}

func (f *fakeBackend) Cancel(taskID string) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.cancelled = append(f.cancelled, taskID)
}

func (f *fakeBackend) Fetch(ctx context.Context, ref *skiff.PartitionRef) (skiff.Partition, error) {
	return nil, fmt.Errorf("fake backend holds no data")
}

func (f *fakeBackend) Release(partitionID string) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.released = append(f.released, partitionID)
}

func (f *fakeBackend) Stop() error {
	return nil
}

func (f *fakeBackend) submissions(taskID string) int {
	f.lock.Lock()
	defer f.lock.Unlock()
	n := 0
	for _, s := range f.submitted {
		if s.ID == taskID {
			n++
		}
	}
	return n
}

func (f *fakeBackend) numSubmitted() int {
	f.lock.Lock()
	defer f.lock.Unlock()
	return len(f.submitted)
}

func testConf() *skiff.Config {
	conf := &skiff.Config{}
	skiff.EnsureDefaultConfigValues(conf)
	conf.RetryInitialInterval = time.Millisecond
	conf.RetryMaxInterval = 5 * time.Millisecond
	conf.CancelGracePeriod = 50 * time.Millisecond
	return conf
}

func testSchema() *plan.Schema {
	return &plan.Schema{Fields: []plan.Field{{Name: "key", Type: "string"}}}
}

func linearGraph(t *testing.T, conf *skiff.Config, parts int) *graph.Graph {
	rows := make([][]byte, parts*2)
	for i := range rows {
		rows[i] = []byte(`{"key": "a"}`)
	}
	scan := plan.NewScan("scan", parts, testSchema(), kernels.NewMemorySource(rows, parts))
	filter := plan.NewPipelined(plan.Filter, "filter", scan, testSchema(), &kernels.FilterEquals{Path: "key", Value: "a"})
	g, err := translate.Translate(filter, conf)
	require.Nil(t, err)
	return g
}

func shuffleGraph(t *testing.T, conf *skiff.Config, parts, buckets int) *graph.Graph {
	rows := make([][]byte, parts*2)
	for i := range rows {
		rows[i] = []byte(`{"key": "a"}`)
	}
	scan := plan.NewScan("scan", parts, testSchema(), kernels.NewMemorySource(rows, parts))
	shuffle := plan.NewShuffle(plan.HashRepartition, "repartition", scan, testSchema(),
		&kernels.HashFanout{KeyPath: "key"}, kernels.MergeBuffers{}, buckets, []string{"key"})
	g, err := translate.Translate(shuffle, conf)
	require.Nil(t, err)
	return g
}

func drain(t *testing.T, stream skiff.ResultStream) ([]*skiff.PartitionRef, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var out []*skiff.PartitionRef
	for {
		ref, err := stream.Next(ctx)
		if err != nil {
			return out, err
		}
		out = append(out, ref)
	}
}

func TestSchedulerRunsLinearGraph(t *testing.T) {
	conf := testConf()
	conf.OrderedOutput = true
	g := linearGraph(t, conf, 4)
	backend := newFakeBackend(succeed)
	s := New(conf, backend, g, &stats.RunStatistics{})
	stream := s.Start(context.Background())

	refs, err := drain(t, stream)
	require.True(t, serrors.IsNoMorePartitions(err))
	require.Len(t, refs, 4)
	awaitDone(t, s)
	require.Equal(t, 4, backend.numSubmitted())
	// every root output was released after stream consumption
	require.Len(t, backend.released, 4)
}

func TestSchedulerOrderedOutput(t *testing.T) {
	conf := testConf()
	conf.OrderedOutput = true
	conf.MaxConcurrentTasks = 4
	g := linearGraph(t, conf, 4)

	// complete tasks in reverse submission order
	var pending []*skiff.TaskSpec
	var pendingLock sync.Mutex
	backend := newFakeBackend(func(spec *skiff.TaskSpec) *skiff.TaskResult {
		pendingLock.Lock()
		defer pendingLock.Unlock()
		pending = append(pending, spec)
		return nil
	})
	s := New(conf, backend, g, &stats.RunStatistics{})
	stream := s.Start(context.Background())

	require.Eventually(t, func() bool {
		pendingLock.Lock()
		defer pendingLock.Unlock()
		return len(pending) == 4
	}, 5*time.Second, time.Millisecond)

	pendingLock.Lock()
	for i := len(pending) - 1; i >= 0; i-- {
		backend.completions <- *succeed(pending[i])
	}
	pendingLock.Unlock()

	refs, err := drain(t, stream)
	require.True(t, serrors.IsNoMorePartitions(err))
	require.Len(t, refs, 4)
	// ordered mode delivers in plan order regardless of completion order
	tasks := g.Stage(g.RootID).Tasks
	for i, ref := range refs {
		require.Equal(t, tasks[i].Outputs[0], ref.ID)
	}
	awaitDone(t, s)
}

func TestSchedulerBoundsInFlightWindow(t *testing.T) {
	conf := testConf()
	conf.MaxConcurrentTasks = 2
	g := linearGraph(t, conf, 6)

	var pending []*skiff.TaskSpec
	var pendingLock sync.Mutex
	backend := newFakeBackend(func(spec *skiff.TaskSpec) *skiff.TaskResult {
		pendingLock.Lock()
		defer pendingLock.Unlock()
		pending = append(pending, spec)
		return nil
	})
	s := New(conf, backend, g, &stats.RunStatistics{})
	stream := s.Start(context.Background())

	require.Eventually(t, func() bool { return backend.numSubmitted() == 2 }, 5*time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, 2, backend.numSubmitted())

	// completing one admits exactly one more
	pendingLock.Lock()
	first := pending[0]
	pendingLock.Unlock()
	backend.completions <- *succeed(first)
	require.Eventually(t, func() bool { return backend.numSubmitted() == 3 }, 5*time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, 3, backend.numSubmitted())

	stream.Cancel()
	awaitDone(t, s)
}

func TestSchedulerRetriesTransientFailure(t *testing.T) {
	conf := testConf()
	g := linearGraph(t, conf, 2)

	var failedOnce sync.Map
	backend := newFakeBackend(nil)
	backend.script = func(spec *skiff.TaskSpec) *skiff.TaskResult {
		if spec.Attempt == 0 {
			if _, loaded := failedOnce.LoadOrStore(spec.ID, true); !loaded {
				return &skiff.TaskResult{
					TaskID:  spec.ID,
					Attempt: spec.Attempt,
					Err:     serrors.Transient(spec.ID, errors.New("worker hiccup")),
				}
			}
		}
		return succeed(spec)
	}
	tracker := &stats.RunStatistics{}
	s := New(conf, backend, g, tracker)
	stream := s.Start(context.Background())

	refs, err := drain(t, stream)
	require.True(t, serrors.IsNoMorePartitions(err))
	require.Len(t, refs, 2)
	require.Equal(t, 2, tracker.TotalRetries())
	awaitDone(t, s)
}

func TestSchedulerRetriesFailedSubmission(t *testing.T) {
	conf := testConf()
	g := linearGraph(t, conf, 1)

	// one advertised CPU: a leaked budget charge would starve the retry
	backend := newFakeBackend(succeed)
	backend.capacity = skiff.ResourceSummary{
		AvailableCPUs: 1,
		Classes:       []skiff.WorkerClass{{NumCPUs: 1, Count: 1}},
	}
	backend.submitErr = func(spec *skiff.TaskSpec) error {
		if spec.Attempt == 0 {
			return serrors.Transient(spec.ID, errors.New("submission queue full"))
		}
		return nil
	}
	tracker := &stats.RunStatistics{}
	s := New(conf, backend, g, tracker)
	stream := s.Start(context.Background())

	refs, err := drain(t, stream)
	require.True(t, serrors.IsNoMorePartitions(err))
	require.Len(t, refs, 1)
	require.Equal(t, 1, tracker.TotalRetries())
	awaitDone(t, s)

	taskID := g.Stages[0].Tasks[0].ID
	require.Equal(t, 2, backend.submissions(taskID))
}

func TestSchedulerExhaustedRetriesAreTerminal(t *testing.T) {
	conf := testConf()
	conf.MaxTaskRetries = 2
	g := linearGraph(t, conf, 1)

	backend := newFakeBackend(func(spec *skiff.TaskSpec) *skiff.TaskResult {
		return &skiff.TaskResult{
			TaskID:  spec.ID,
			Attempt: spec.Attempt,
			Err:     serrors.Transient(spec.ID, errors.New("always failing")),
		}
	})
	s := New(conf, backend, g, &stats.RunStatistics{})
	stream := s.Start(context.Background())

	_, err := drain(t, stream)
	var terminal serrors.TaskTerminalError
	require.True(t, errors.As(err, &terminal))
	require.Equal(t, 3, terminal.Attempts) // initial + 2 retries
	require.NotNil(t, terminal.History)
	awaitDone(t, s)

	taskID := g.Stages[0].Tasks[0].ID
	require.Equal(t, 3, backend.submissions(taskID))
}

func TestSchedulerTerminalFailureAbortsExecution(t *testing.T) {
	conf := testConf()
	conf.MaxConcurrentTasks = 1
	g := shuffleGraph(t, conf, 2, 2)

	backend := newFakeBackend(func(spec *skiff.TaskSpec) *skiff.TaskResult {
		res := &skiff.TaskResult{TaskID: spec.ID, Attempt: spec.Attempt}
		if spec.StageID == g.RootID {
			res.Err = errors.New("corrupt bucket")
			return res
		}
		return succeed(spec)
	})
	s := New(conf, backend, g, &stats.RunStatistics{})
	stream := s.Start(context.Background())

	refs, err := drain(t, stream)
	require.Empty(t, refs) // no partial results past the failure
	var terminal serrors.TaskTerminalError
	require.True(t, errors.As(err, &terminal))
	require.Equal(t, "repartition", terminal.Node)
	awaitDone(t, s)
}

func TestSchedulerRecomputesLostInputs(t *testing.T) {
	conf := testConf()
	g := shuffleGraph(t, conf, 1, 1)
	producerID := g.Stages[0].Tasks[0].ID

	var reportedLoss sync.Map
	backend := newFakeBackend(nil)
	backend.script = func(spec *skiff.TaskSpec) *skiff.TaskResult {
		if spec.StageID == g.RootID {
			if _, loaded := reportedLoss.LoadOrStore(spec.ID, true); !loaded {
				return &skiff.TaskResult{
					TaskID:     spec.ID,
					Attempt:    spec.Attempt,
					Err:        skiffWorkerLost(spec),
					LostInputs: []string{spec.Inputs[0].ID},
				}
			}
		}
		return succeed(spec)
	}
	s := New(conf, backend, g, &stats.RunStatistics{})
	stream := s.Start(context.Background())

	refs, err := drain(t, stream)
	require.True(t, serrors.IsNoMorePartitions(err))
	require.Len(t, refs, 1)
	awaitDone(t, s)
	// the lost partition's producer ran twice
	require.Equal(t, 2, backend.submissions(producerID))
}

func TestSchedulerCancellation(t *testing.T) {
	conf := testConf()
	conf.MaxConcurrentTasks = 4
	g := linearGraph(t, conf, 4)

	backend := newFakeBackend(func(spec *skiff.TaskSpec) *skiff.TaskResult {
		return nil // hold every task in flight
	})
	s := New(conf, backend, g, &stats.RunStatistics{})
	stream := s.Start(context.Background())

	require.Eventually(t, func() bool { return backend.numSubmitted() == 4 }, 5*time.Second, time.Millisecond)
	stream.Cancel()

	// held tasks drain through the grace path as synthetic failures
	backend.lock.Lock()
	held := append([]*skiff.TaskSpec{}, backend.submitted...)
	backend.lock.Unlock()
	for _, spec := range held {
		backend.completions <- skiff.TaskResult{TaskID: spec.ID, Attempt: spec.Attempt, Err: errors.New("aborted")}
	}

	_, err := stream.Next(context.Background())
	require.True(t, serrors.IsCancellation(err))
	awaitDone(t, s)

	backend.lock.Lock()
	defer backend.lock.Unlock()
	require.Len(t, backend.cancelled, 4)
	for _, task := range g.Tasks() {
		require.Equal(t, skiff.TaskCancelled, task.State)
	}
}

func skiffWorkerLost(spec *skiff.TaskSpec) error {
	return serrors.TaskTransientError{TaskID: spec.ID, WorkerLost: true, Cause: errors.New("executor died")}
}

func awaitDone(t *testing.T, s *Scheduler) {
	select {
	case <-s.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("scheduler did not shut down")
	}
}
