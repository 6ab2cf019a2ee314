package kernels

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	skiff "github.com/go-skiff/skiff"
	"github.com/go-skiff/skiff/internal/rpc"
	"github.com/go-skiff/skiff/partition"
	"github.com/tidwall/gjson"
)

const (
	hashFanoutName = "hash_fanout"
	mergeName      = "merge_buffers"
	sortMergeName  = "sort_merge"
	sumByKeyName   = "sum_by_key"
)

// HashFanout is the map side of a hash repartition: rows bucket by the
// hash of their key column. Fanout is fixed by the translator or the
// scheduler via WithFanout.
type HashFanout struct {
	KeyPath string `json:"key_path"`
	Fanout  int    `json:"fanout"`
}

// Name returns the name of this kernel
func (h *HashFanout) Name() string {
	return hashFanoutName
}

// WithFanout specializes this kernel to produce exactly n buckets
func (h *HashFanout) WithFanout(n int) skiff.ComputeDescriptor {
	return &HashFanout{KeyPath: h.KeyPath, Fanout: n}
}

// Run splits each input partition into Fanout buckets by key hash
func (h *HashFanout) Run(ctx context.Context, inputs []skiff.Partition) ([]skiff.Partition, error) {
	if h.Fanout <= 0 {
		return nil, fmt.Errorf("hash fanout has no bucket count")
	}
	bufs, err := asBuffers(inputs)
	if err != nil {
		return nil, err
	}
	merged := partition.CreateBuffer()
	for _, b := range bufs {
		for _, row := range b.Rows() {
			merged.Append(row)
		}
	}
	split := partition.HashSplit(merged, h.Fanout, func(row []byte) []byte {
		return []byte(gjson.GetBytes(row, h.KeyPath).String())
	})
	out := make([]skiff.Partition, len(split))
	for i, s := range split {
		out[i] = s
	}
	return out, nil
}

// Encode serializes this kernel for transfer to an executor
func (h *HashFanout) Encode() ([]byte, error) {
	return json.Marshal(h)
}

// MergeBuffers is the reduce side of a repartition with no aggregation:
// every input bucket concatenates into one partition
type MergeBuffers struct{}

// Name returns the name of this kernel
func (MergeBuffers) Name() string {
	return mergeName
}

// Run concatenates the input partitions' rows
func (MergeBuffers) Run(ctx context.Context, inputs []skiff.Partition) ([]skiff.Partition, error) {
	bufs, err := asBuffers(inputs)
	if err != nil {
		return nil, err
	}
	out := partition.CreateBuffer()
	for _, b := range bufs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for _, row := range b.Rows() {
			out.Append(row)
		}
	}
	return []skiff.Partition{out}, nil
}

// Encode serializes this kernel for transfer to an executor
func (MergeBuffers) Encode() ([]byte, error) {
	return json.Marshal(struct{}{})
}

// SortMerge is the reduce side of a range repartition: input buckets
// concatenate and sort by the key column's string value
type SortMerge struct {
	KeyPath string `json:"key_path"`
}

// Name returns the name of this kernel
func (s *SortMerge) Name() string {
	return sortMergeName
}

// Run concatenates and sorts the input partitions' rows
func (s *SortMerge) Run(ctx context.Context, inputs []skiff.Partition) ([]skiff.Partition, error) {
	parts, err := MergeBuffers{}.Run(ctx, inputs)
	if err != nil {
		return nil, err
	}
	merged := parts[0].(*partition.Buffer)
	rows := merged.Rows()
	sort.SliceStable(rows, func(i, j int) bool {
		return gjson.GetBytes(rows[i], s.KeyPath).String() < gjson.GetBytes(rows[j], s.KeyPath).String()
	})
	return []skiff.Partition{partition.FromRows(rows)}, nil
}

// Encode serializes this kernel for transfer to an executor
func (s *SortMerge) Encode() ([]byte, error) {
	return json.Marshal(s)
}

// SumByKey is an aggregating reduce: rows group by their key column and
// each group folds into one row {"key": k, "sum": total} summing the
// value column
type SumByKey struct {
	KeyPath   string `json:"key_path"`
	ValuePath string `json:"value_path"`
}

// Name returns the name of this kernel
func (s *SumByKey) Name() string {
	return sumByKeyName
}

// Run aggregates the input partitions' rows by key
func (s *SumByKey) Run(ctx context.Context, inputs []skiff.Partition) ([]skiff.Partition, error) {
	bufs, err := asBuffers(inputs)
	if err != nil {
		return nil, err
	}
	sums := make(map[string]float64)
	for _, b := range bufs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for _, row := range b.Rows() {
			key := gjson.GetBytes(row, s.KeyPath).String()
			sums[key] += gjson.GetBytes(row, s.ValuePath).Float()
		}
	}
	keys := make([]string, 0, len(sums))
	for k := range sums {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := partition.CreateBuffer()
	for _, k := range keys {
		out.Append([]byte(fmt.Sprintf(`{"key":%q,"sum":%v}`, k, sums[k])))
	}
	return []skiff.Partition{out}, nil
}

// Encode serializes this kernel for transfer to an executor
func (s *SumByKey) Encode() ([]byte, error) {
	return json.Marshal(s)
}

func init() {
	rpc.RegisterDescriptor(hashFanoutName, func(payload []byte) (skiff.ComputeDescriptor, error) {
		h := new(HashFanout)
		if err := json.Unmarshal(payload, h); err != nil {
			return nil, err
		}
		return h, nil
	})
	rpc.RegisterDescriptor(mergeName, func(payload []byte) (skiff.ComputeDescriptor, error) {
		return MergeBuffers{}, nil
	})
	rpc.RegisterDescriptor(sortMergeName, func(payload []byte) (skiff.ComputeDescriptor, error) {
		s := new(SortMerge)
		if err := json.Unmarshal(payload, s); err != nil {
			return nil, err
		}
		return s, nil
	})
	rpc.RegisterDescriptor(sumByKeyName, func(payload []byte) (skiff.ComputeDescriptor, error) {
		s := new(SumByKey)
		if err := json.Unmarshal(payload, s); err != nil {
			return nil, err
		}
		return s, nil
	})
}
