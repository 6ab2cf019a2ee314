// Package kernels provides stock compute descriptors over Buffer
// partitions holding JSON rows. Every kernel here is encodable, so plans
// built from them run unchanged on local and cluster backends. Embedders
// with custom data layouts implement their own descriptors and register
// them the same way.
package kernels

import (
	"context"
	"fmt"

	skiff "github.com/go-skiff/skiff"
	"github.com/go-skiff/skiff/partition"
)

// asBuffers narrows opaque partitions to Buffers, the layout every stock
// kernel operates on
func asBuffers(inputs []skiff.Partition) ([]*partition.Buffer, error) {
	out := make([]*partition.Buffer, len(inputs))
	for i, in := range inputs {
		b, ok := in.(*partition.Buffer)
		if !ok {
			return nil, fmt.Errorf("stock kernels require Buffer partitions, got %T", in)
		}
		out[i] = b
	}
	return out, nil
}

// MapFunc wraps an arbitrary row transform as a descriptor for local
// execution. It cannot cross the wire; cluster plans need a registered
// encodable kernel instead.
type MapFunc struct {
	FnName string
	Fn     func(row []byte) ([]byte, error)
}

// Name returns the name of this kernel
func (m *MapFunc) Name() string {
	return m.FnName
}

// Run applies the transform row-by-row to every input partition
func (m *MapFunc) Run(ctx context.Context, inputs []skiff.Partition) ([]skiff.Partition, error) {
	bufs, err := asBuffers(inputs)
	if err != nil {
		return nil, err
	}
	out := make([]skiff.Partition, len(bufs))
	for i, b := range bufs {
		next := partition.CreateBuffer()
		for _, row := range b.Rows() {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			mapped, err := m.Fn(row)
			if err != nil {
				return nil, err
			}
			next.Append(mapped)
		}
		out[i] = next
	}
	return out, nil
}
