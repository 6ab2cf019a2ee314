package kernels

import (
	"context"
	"encoding/json"
	"fmt"

	skiff "github.com/go-skiff/skiff"
	"github.com/go-skiff/skiff/internal/rpc"
	"github.com/go-skiff/skiff/partition"
	"github.com/tidwall/gjson"
)

const (
	filterEqualsName = "filter_equals"
	projectName      = "project"
	limitName        = "limit"
)

// FilterEquals keeps rows whose JSON value at Path stringifies to Value
type FilterEquals struct {
	Path  string `json:"path"`
	Value string `json:"value"`
}

// Name returns the name of this kernel
func (f *FilterEquals) Name() string {
	return filterEqualsName
}

// Run filters each input partition row-by-row
func (f *FilterEquals) Run(ctx context.Context, inputs []skiff.Partition) ([]skiff.Partition, error) {
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
			if gjson.GetBytes(row, f.Path).String() == f.Value {
				next.Append(row)
			}
		}
		out[i] = next
	}
	return out, nil
}

// Encode serializes this kernel for transfer to an executor
func (f *FilterEquals) Encode() ([]byte, error) {
	return json.Marshal(f)
}

// Project rebuilds each row as a JSON object holding only the named paths
type Project struct {
	Paths []string `json:"paths"`
}

// Name returns the name of this kernel
func (p *Project) Name() string {
	return projectName
}

// Run projects each input partition row-by-row
func (p *Project) Run(ctx context.Context, inputs []skiff.Partition) ([]skiff.Partition, error) {
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
			next.Append(p.projectRow(row))
		}
		out[i] = next
	}
	return out, nil
}

func (p *Project) projectRow(row []byte) []byte {
	cols := make(map[string]interface{}, len(p.Paths))
	for _, path := range p.Paths {
		cols[path] = gjson.GetBytes(row, path).Value()
	}
	projected, err := json.Marshal(cols)
	if err != nil {
		// unreachable for gjson-derived values
		return row
	}
	return projected
}

// Encode serializes this kernel for transfer to an executor
func (p *Project) Encode() ([]byte, error) {
	return json.Marshal(p)
}

// Limit truncates each partition to at most N rows. A global limit is a
// Limit followed by a single-partition repartition and another Limit.
type Limit struct {
	N int `json:"n"`
}

// Name returns the name of this kernel
func (l *Limit) Name() string {
	return limitName
}

// Run truncates each input partition
func (l *Limit) Run(ctx context.Context, inputs []skiff.Partition) ([]skiff.Partition, error) {
	bufs, err := asBuffers(inputs)
	if err != nil {
		return nil, err
	}
	if l.N < 0 {
		return nil, fmt.Errorf("limit must be non-negative, got %d", l.N)
	}
	out := make([]skiff.Partition, len(bufs))
	for i, b := range bufs {
		rows := b.Rows()
		if len(rows) > l.N {
			rows = rows[:l.N]
		}
		out[i] = partition.FromRows(rows)
	}
	return out, nil
}

// Encode serializes this kernel for transfer to an executor
func (l *Limit) Encode() ([]byte, error) {
	return json.Marshal(l)
}

func init() {
	rpc.RegisterDescriptor(filterEqualsName, func(payload []byte) (skiff.ComputeDescriptor, error) {
		f := new(FilterEquals)
		if err := json.Unmarshal(payload, f); err != nil {
			return nil, err
		}
		return f, nil
	})
	rpc.RegisterDescriptor(projectName, func(payload []byte) (skiff.ComputeDescriptor, error) {
		p := new(Project)
		if err := json.Unmarshal(payload, p); err != nil {
			return nil, err
		}
		return p, nil
	})
	rpc.RegisterDescriptor(limitName, func(payload []byte) (skiff.ComputeDescriptor, error) {
		l := new(Limit)
		if err := json.Unmarshal(payload, l); err != nil {
			return nil, err
		}
		return l, nil
	})
}
