package kernels

import (
	"context"
	"encoding/json"
	"fmt"

	skiff "github.com/go-skiff/skiff"
	"github.com/go-skiff/skiff/internal/rpc"
	"github.com/go-skiff/skiff/partition"
)

const memorySourceName = "memory_source"

// MemorySource is a scan kernel over rows held in memory, split evenly
// into a fixed number of partitions. The scheduler instantiates one copy
// per partition via WithIndex.
type MemorySource struct {
	Rows          [][]byte `json:"rows"`
	NumPartitions int      `json:"num_partitions"`
	Index         int      `json:"index"`
}

// NewMemorySource produces a scan kernel over the given rows
func NewMemorySource(rows [][]byte, numPartitions int) *MemorySource {
	return &MemorySource{Rows: rows, NumPartitions: numPartitions}
}

// Name returns the name of this kernel
func (s *MemorySource) Name() string {
	return memorySourceName
}

// WithIndex specializes this source to scan partition i
func (s *MemorySource) WithIndex(i int) skiff.ComputeDescriptor {
	return &MemorySource{Rows: s.Rows, NumPartitions: s.NumPartitions, Index: i}
}

// Run produces this source's slice of the rows as one partition
func (s *MemorySource) Run(ctx context.Context, inputs []skiff.Partition) ([]skiff.Partition, error) {
	if s.NumPartitions <= 0 {
		return nil, fmt.Errorf("memory source has no partitioning")
	}
	out := partition.CreateBuffer()
	for i := s.Index; i < len(s.Rows); i += s.NumPartitions {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out.Append(s.Rows[i])
	}
	return []skiff.Partition{out}, nil
}

// Encode serializes this kernel for transfer to an executor
func (s *MemorySource) Encode() ([]byte, error) {
	return json.Marshal(s)
}

func init() {
	rpc.RegisterDescriptor(memorySourceName, func(payload []byte) (skiff.ComputeDescriptor, error) {
		s := new(MemorySource)
		if err := json.Unmarshal(payload, s); err != nil {
			return nil, err
		}
		return s, nil
	})
}
