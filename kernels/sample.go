package kernels

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"

	skiff "github.com/go-skiff/skiff"
	"github.com/go-skiff/skiff/internal/rpc"
	"github.com/go-skiff/skiff/partition"
)

const sampleName = "sample"

// Sample keeps each row with probability Fraction. The seed is fixed at
// plan-build time so a retried task resamples identically.
type Sample struct {
	Fraction float64 `json:"fraction"`
	Seed     int64   `json:"seed"`
}

// Name returns the name of this kernel
func (s *Sample) Name() string {
	return sampleName
}

// Run samples each input partition row-by-row
func (s *Sample) Run(ctx context.Context, inputs []skiff.Partition) ([]skiff.Partition, error) {
	if s.Fraction < 0 || s.Fraction > 1 {
		return nil, fmt.Errorf("sample fraction must be in [0, 1], got %v", s.Fraction)
	}
	bufs, err := asBuffers(inputs)
	if err != nil {
		return nil, err
	}
	rng := rand.New(rand.NewSource(s.Seed))
	out := make([]skiff.Partition, len(bufs))
	for i, b := range bufs {
		next := partition.CreateBuffer()
		for _, row := range b.Rows() {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			if rng.Float64() < s.Fraction {
				next.Append(row)
			}
		}
		out[i] = next
	}
	return out, nil
}

// Encode serializes this kernel for transfer to an executor
func (s *Sample) Encode() ([]byte, error) {
	return json.Marshal(s)
}

func init() {
	rpc.RegisterDescriptor(sampleName, func(payload []byte) (skiff.ComputeDescriptor, error) {
		s := new(Sample)
		if err := json.Unmarshal(payload, s); err != nil {
			return nil, err
		}
		return s, nil
	})
}
