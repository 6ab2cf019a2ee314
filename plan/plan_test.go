package plan

import (
	"testing"

	skiff "github.com/go-skiff/skiff"
	"github.com/stretchr/testify/require"
)

func testSchema() *Schema {
	return &Schema{Fields: []Field{{Name: "key", Type: "string"}}}
}

func TestOpKindPredicates(t *testing.T) {
	for _, k := range []OpKind{Project, Filter, MapPartitions, Sample, Limit} {
		require.True(t, k.Pipelined())
		require.False(t, k.Shuffle())
	}
	for _, k := range []OpKind{Sort, HashRepartition, Aggregate} {
		require.True(t, k.Shuffle())
		require.False(t, k.Pipelined())
	}
	require.False(t, Scan.Pipelined())
	require.False(t, Concat.Shuffle())
	require.Equal(t, "hash_repartition", HashRepartition.String())
	require.Equal(t, "unknown", OpKind(99).String())
}

func TestBuilderDefaultsOneCPU(t *testing.T) {
	scan := NewScan("scan", 4, testSchema(), nil)
	require.Equal(t, float64(1), scan.Resources().NumCPUs)
	require.Equal(t, 4, scan.SourcePartitions())
	require.Equal(t, 4, scan.Partitioning().NumPartitions)

	heavy := NewScan("scan", 4, testSchema(), nil, WithResources(skiff.ResourceRequest{NumCPUs: 2, MemoryBytes: 1024}))
	require.Equal(t, float64(2), heavy.Resources().NumCPUs)
	require.Equal(t, int64(1024), heavy.Resources().MemoryBytes)
}

func TestPipelinedInheritsChildPartitioning(t *testing.T) {
	scan := NewScan("scan", 3, testSchema(), nil)
	filter := NewPipelined(Filter, "filter", scan, testSchema(), nil)
	require.Equal(t, 3, filter.Partitioning().NumPartitions)
	require.Equal(t, []*Node{scan}, filter.Children())
}

func TestShufflePartitioningKind(t *testing.T) {
	scan := NewScan("scan", 3, testSchema(), nil)
	sorted := NewShuffle(Sort, "sort", scan, testSchema(), nil, nil, 2, []string{"key"})
	require.Equal(t, RangePartitioning, sorted.Partitioning().Kind)
	require.Equal(t, []string{"key"}, sorted.Partitioning().Columns)

	hashed := NewShuffle(HashRepartition, "repartition", scan, testSchema(), nil, nil, 0, []string{"key"})
	require.Equal(t, HashPartitioning, hashed.Partitioning().Kind)
	require.Equal(t, 0, hashed.Partitioning().NumPartitions)
}

func TestConcatSumsPartitionCounts(t *testing.T) {
	a := NewScan("a", 2, testSchema(), nil)
	b := NewScan("b", 3, testSchema(), nil)
	cat := NewConcat("concat", a, b, testSchema())
	require.Equal(t, 5, cat.Partitioning().NumPartitions)
	require.Equal(t, UnknownPartitioning, cat.Partitioning().Kind)
}

func TestWalkVisitsChildrenFirst(t *testing.T) {
	a := NewScan("a", 1, testSchema(), nil)
	b := NewScan("b", 1, testSchema(), nil)
	cat := NewConcat("concat", a, b, testSchema())
	root := NewPipelined(Filter, "filter", cat, testSchema(), nil)

	var order []string
	root.Walk(func(n *Node) bool {
		order = append(order, n.Name())
		return true
	})
	require.Equal(t, []string{"a", "b", "concat", "filter"}, order)

	// early exit stops the traversal
	order = nil
	root.Walk(func(n *Node) bool {
		order = append(order, n.Name())
		return n.Name() != "b"
	})
	require.Equal(t, []string{"a", "b"}, order)
}

func TestOrderSignificance(t *testing.T) {
	scan := NewScan("scan", 1, testSchema(), nil)
	require.False(t, scan.OrderSignificant())
	ordered := NewScan("scan", 1, testSchema(), nil, WithOrderSignificant())
	require.True(t, ordered.OrderSignificant())
}
