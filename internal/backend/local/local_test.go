package local

import (
	"context"
	"testing"
	"time"

	skiff "github.com/go-skiff/skiff"
	serrors "github.com/go-skiff/skiff/errors"
	"github.com/go-skiff/skiff/kernels"
	"github.com/go-skiff/skiff/partition"
	"github.com/stretchr/testify/require"
)

func testBackend(t *testing.T) *Backend {
	conf := &skiff.Config{NumWorkers: 2}
	skiff.EnsureDefaultConfigValues(conf)
	b, err := NewBackend(conf, partition.BufferCodec{})
	require.Nil(t, err)
	return b
}

func awaitCompletion(t *testing.T, b *Backend) skiff.TaskResult {
	select {
	case res := <-b.Completions():
		return res
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a completion")
		return skiff.TaskResult{}
	}
}

func TestLocalBackendRunsTask(t *testing.T) {
	b := testBackend(t)
	defer b.Stop()

	rows := [][]byte{[]byte(`{"key": "a"}`), []byte(`{"key": "b"}`)}
	spec := &skiff.TaskSpec{
		ID:         "t0",
		Attempt:    0,
		OutputIDs:  []string{"out0"},
		Resources:  skiff.ResourceRequest{NumCPUs: 1},
		Descriptor: kernels.NewMemorySource(rows, 1).WithIndex(0),
	}
	require.Nil(t, b.Submit(context.Background(), spec))

	res := awaitCompletion(t, b)
	require.Equal(t, "t0", res.TaskID)
	require.Nil(t, res.Err)
	require.Len(t, res.Outputs, 1)
	require.Equal(t, "out0", res.Outputs[0].ID)
	require.Equal(t, skiff.PartitionMaterialized, res.Outputs[0].State)
	require.EqualValues(t, 2, res.Outputs[0].Rows)

	part, err := b.Fetch(context.Background(), res.Outputs[0])
	require.Nil(t, err)
	require.EqualValues(t, 2, part.NumRows())
}

func TestLocalBackendRejectsUnsatisfiableRequest(t *testing.T) {
	b := testBackend(t)
	defer b.Stop()

	spec := &skiff.TaskSpec{
		ID:         "t0",
		OutputIDs:  []string{"out0"},
		Resources:  skiff.ResourceRequest{NumGPUs: 1},
		Descriptor: kernels.NewMemorySource([][]byte{[]byte("{}")}, 1).WithIndex(0),
	}
	err := b.Submit(context.Background(), spec)
	require.IsType(t, serrors.ResourceUnsatisfiableError{}, err)
}

func TestLocalBackendAdvertisesAdmittableCapacity(t *testing.T) {
	b := testBackend(t)
	defer b.Stop()

	// every advertised class must fit within the pool's admission limit,
	// or a satisfiable task could queue forever without running
	summary := b.Capacity()
	require.EqualValues(t, 2, summary.AvailableCPUs)
	for _, class := range summary.Classes {
		require.True(t, class.NumCPUs <= summary.AvailableCPUs)
	}

	wide := &skiff.TaskSpec{
		ID:         "wide",
		OutputIDs:  []string{"out0"},
		Resources:  skiff.ResourceRequest{NumCPUs: 4},
		Descriptor: kernels.NewMemorySource([][]byte{[]byte("{}")}, 1).WithIndex(0),
	}
	err := b.Submit(context.Background(), wide)
	require.IsType(t, serrors.ResourceUnsatisfiableError{}, err)
}

func TestLocalBackendReportsLostInputs(t *testing.T) {
	b := testBackend(t)
	defer b.Stop()

	// materialize a partition, then lose it before a consumer runs
	src := &skiff.TaskSpec{
		ID:         "producer",
		OutputIDs:  []string{"p0"},
		Resources:  skiff.ResourceRequest{NumCPUs: 1},
		Descriptor: kernels.NewMemorySource([][]byte{[]byte(`{"key": "a"}`)}, 1).WithIndex(0),
	}
	require.Nil(t, b.Submit(context.Background(), src))
	res := awaitCompletion(t, b)
	require.Nil(t, res.Err)

	b.DropPartition("p0")

	consumer := &skiff.TaskSpec{
		ID:         "consumer",
		Inputs:     res.Outputs,
		OutputIDs:  []string{"out0"},
		Resources:  skiff.ResourceRequest{NumCPUs: 1},
		Descriptor: &kernels.FilterEquals{Path: "key", Value: "a"},
	}
	require.Nil(t, b.Submit(context.Background(), consumer))
	res = awaitCompletion(t, b)
	require.NotNil(t, res.Err)
	require.True(t, serrors.IsTransient(res.Err))
	require.Equal(t, []string{"p0"}, res.LostInputs)
}

func TestLocalBackendCancelAbortsTask(t *testing.T) {
	b := testBackend(t)
	defer b.Stop()

	started := make(chan struct{}, 1)

	// MapFunc checks ctx between rows, so a multi-row partition suffices
	src := &skiff.TaskSpec{
		ID:         "producer",
		OutputIDs:  []string{"p0"},
		Resources:  skiff.ResourceRequest{NumCPUs: 1},
		Descriptor: kernels.NewMemorySource([][]byte{[]byte("{}"), []byte("{}")}, 1).WithIndex(0),
	}
	require.Nil(t, b.Submit(context.Background(), src))
	res := awaitCompletion(t, b)
	require.Nil(t, res.Err)

	waiting := &kernels.MapFunc{
		FnName: "wait",
		Fn: func(row []byte) ([]byte, error) {
			select {
			case started <- struct{}{}:
			default:
			}
			time.Sleep(50 * time.Millisecond)
			return row, nil
		},
	}
	spec := &skiff.TaskSpec{
		ID:         "slow",
		Inputs:     res.Outputs,
		OutputIDs:  []string{"out0"},
		Resources:  skiff.ResourceRequest{NumCPUs: 1},
		Descriptor: waiting,
	}
	require.Nil(t, b.Submit(context.Background(), spec))
	<-started
	b.Cancel("slow")

	res = awaitCompletion(t, b)
	require.Equal(t, "slow", res.TaskID)
	require.NotNil(t, res.Err)
}

func TestLocalBackendTimeoutIsTransient(t *testing.T) {
	b := testBackend(t)
	defer b.Stop()

	src := &skiff.TaskSpec{
		ID:         "producer",
		OutputIDs:  []string{"p0"},
		Resources:  skiff.ResourceRequest{NumCPUs: 1},
		Descriptor: kernels.NewMemorySource([][]byte{[]byte("{}"), []byte("{}")}, 1).WithIndex(0),
	}
	require.Nil(t, b.Submit(context.Background(), src))
	res := awaitCompletion(t, b)
	require.Nil(t, res.Err)

	slow := &kernels.MapFunc{
		FnName: "slow",
		Fn: func(row []byte) ([]byte, error) {
			time.Sleep(100 * time.Millisecond)
			return row, nil
		},
	}
	spec := &skiff.TaskSpec{
		ID:         "slow",
		Inputs:     res.Outputs,
		OutputIDs:  []string{"out0"},
		Resources:  skiff.ResourceRequest{NumCPUs: 1},
		Descriptor: slow,
		Timeout:    20 * time.Millisecond,
	}
	require.Nil(t, b.Submit(context.Background(), spec))
	res = awaitCompletion(t, b)
	require.NotNil(t, res.Err)
	require.True(t, serrors.IsTransient(res.Err))
}
