package translate

import (
	"testing"

	skiff "github.com/go-skiff/skiff"
	"github.com/go-skiff/skiff/errors"
	"github.com/go-skiff/skiff/internal/graph"
	"github.com/go-skiff/skiff/kernels"
	"github.com/go-skiff/skiff/plan"
	"github.com/stretchr/testify/require"
)

func testConf() *skiff.Config {
	conf := &skiff.Config{}
	skiff.EnsureDefaultConfigValues(conf)
	return conf
}

func testSchema() *plan.Schema {
	return &plan.Schema{Fields: []plan.Field{{Name: "key", Type: "string"}, {Name: "val", Type: "float"}}}
}

func testRows(n int) [][]byte {
	rows := make([][]byte, n)
	for i := range rows {
		rows[i] = []byte(`{"key": "abc", "val": 1}`)
	}
	return rows
}

func TestTranslatePipelinedFusion(t *testing.T) {
	scan := plan.NewScan("scan", 4, testSchema(), kernels.NewMemorySource(testRows(20), 4))
	filter := plan.NewPipelined(plan.Filter, "filter", scan, testSchema(), &kernels.FilterEquals{Path: "key", Value: "abc"})
	project := plan.NewPipelined(plan.Project, "project", filter, testSchema(), &kernels.Project{Paths: []string{"key"}})

	g, err := Translate(project, testConf())
	require.Nil(t, err)
	// the whole chain fuses into a single stage, one task per source partition
	require.Len(t, g.Stages, 1)
	require.Len(t, g.Stages[0].Tasks, 4)
	for i, task := range g.Stages[0].Tasks {
		require.Empty(t, task.Inputs)
		require.Len(t, task.Outputs, 1)
		require.True(t, task.RootOutput)
		require.Equal(t, i, task.OutputIndex)
		require.Equal(t, "memory_source->filter_equals->project", task.Descriptor.Name())
	}
}

func TestTranslateStaticShuffle(t *testing.T) {
	scan := plan.NewScan("scan", 4, testSchema(), kernels.NewMemorySource(testRows(20), 4))
	shuffle := plan.NewShuffle(plan.HashRepartition, "repartition", scan, testSchema(),
		&kernels.HashFanout{KeyPath: "key"}, kernels.MergeBuffers{}, 2, []string{"key"})

	g, err := Translate(shuffle, testConf())
	require.Nil(t, err)
	require.Len(t, g.Stages, 2)

	producer := g.Stages[0]
	require.Equal(t, graph.Materializing, producer.Boundary)
	require.Len(t, producer.Tasks, 4)
	for _, task := range producer.Tasks {
		require.Len(t, task.Outputs, 2)
		require.False(t, task.RootOutput)
	}

	merge := g.Stage(g.RootID)
	require.Len(t, merge.Tasks, 2)
	require.Equal(t, []int{producer.ID}, merge.Deps)
	for b, task := range merge.Tasks {
		// bucket b of every producer task
		require.Len(t, task.Inputs, 4)
		for i, pid := range task.Inputs {
			require.Equal(t, producer.Tasks[i].Outputs[b], pid)
		}
		require.True(t, task.RootOutput)
	}
}

func TestTranslateAdaptiveShuffleDefersExpansion(t *testing.T) {
	conf := testConf()
	conf.AdaptiveRepartitioning = true
	conf.TargetPartitionSize = 100

	scan := plan.NewScan("scan", 4, testSchema(), kernels.NewMemorySource(testRows(20), 4))
	shuffle := plan.NewShuffle(plan.Aggregate, "aggregate", scan, testSchema(),
		&kernels.HashFanout{KeyPath: "key"}, &kernels.SumByKey{KeyPath: "key", ValuePath: "val"}, 0, []string{"key"})

	g, err := Translate(shuffle, testConf())
	require.Nil(t, err)
	_ = g

	g, err = Translate(shuffle, conf)
	require.Nil(t, err)
	require.Len(t, g.Stages, 3)

	producer := g.Stages[0]
	fanout := g.Stages[1]
	merge := g.Stages[2]
	require.Len(t, producer.Tasks, 4)
	require.True(t, fanout.Adaptive)
	require.NotNil(t, fanout.Expand)
	require.Empty(t, fanout.Tasks)
	require.NotNil(t, merge.Expand)
	require.Equal(t, merge.ID, g.RootID)

	// 350 bytes of upstream output at a 100-byte target sizes the fanout to 4
	tasks := fanout.Expand(350)
	require.Len(t, tasks, 4)
	for _, task := range tasks {
		require.Len(t, task.Inputs, 1)
		require.Len(t, task.Outputs, 4)
	}

	merged := merge.Expand(0)
	require.Len(t, merged, 4)
	for b, task := range merged {
		require.Len(t, task.Inputs, 4)
		for i, pid := range task.Inputs {
			require.Equal(t, fanout.Tasks[i].Outputs[b], pid)
		}
	}
}

func TestTranslateConcat(t *testing.T) {
	left := plan.NewScan("left", 2, testSchema(), kernels.NewMemorySource(testRows(10), 2))
	right := plan.NewScan("right", 3, testSchema(), kernels.NewMemorySource(testRows(9), 3))
	concat := plan.NewConcat("concat", left, right, testSchema())

	g, err := Translate(concat, testConf())
	require.Nil(t, err)
	require.Len(t, g.Stages, 1)
	require.Len(t, g.Stages[0].Tasks, 5)
}

func TestTranslateValidationErrors(t *testing.T) {
	_, err := Translate(nil, testConf())
	require.IsType(t, errors.PlanTranslationError{}, err)

	noParts := plan.NewScan("scan", 0, testSchema(), kernels.NewMemorySource(testRows(1), 1))
	_, err = Translate(noParts, testConf())
	require.IsType(t, errors.PlanTranslationError{}, err)

	scan := plan.NewScan("scan", 2, testSchema(), kernels.NewMemorySource(testRows(4), 2))
	noMerge := plan.NewShuffle(plan.HashRepartition, "repartition", scan, testSchema(),
		&kernels.HashFanout{KeyPath: "key"}, nil, 2, []string{"key"})
	_, err = Translate(noMerge, testConf())
	require.IsType(t, errors.PlanTranslationError{}, err)

	noSchema := plan.NewPipelined(plan.Filter, "filter", scan, nil, &kernels.FilterEquals{Path: "key", Value: "abc"})
	_, err = Translate(noSchema, testConf())
	require.IsType(t, errors.PlanTranslationError{}, err)

	// a node may appear only once in the tree
	reused := plan.NewConcat("concat", scan, scan, testSchema())
	_, err = Translate(reused, testConf())
	require.IsType(t, errors.PlanTranslationError{}, err)
}

func TestTranslateShufflePreservesWidthWithoutAdaptivity(t *testing.T) {
	scan := plan.NewScan("scan", 3, testSchema(), kernels.NewMemorySource(testRows(9), 3))
	shuffle := plan.NewShuffle(plan.HashRepartition, "repartition", scan, testSchema(),
		&kernels.HashFanout{KeyPath: "key"}, kernels.MergeBuffers{}, 0, []string{"key"})

	g, err := Translate(shuffle, testConf())
	require.Nil(t, err)
	require.Len(t, g.Stage(g.RootID).Tasks, 3)
}
