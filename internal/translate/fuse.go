package translate

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	skiff "github.com/go-skiff/skiff"
	"github.com/go-skiff/skiff/internal/rpc"
)

// fusedWireName is the registry key fused chains travel under, shared by
// every instance regardless of the kernels inside
const fusedWireName = "skiff.fused"

// fusedDescriptor chains pipelined kernels into one task-sized unit of
// work: each kernel's outputs feed the next kernel's inputs
type fusedDescriptor struct {
	kernels []skiff.ComputeDescriptor
}

// fuse collapses a kernel chain, avoiding a wrapper for single kernels
func fuse(kernels []skiff.ComputeDescriptor) skiff.ComputeDescriptor {
	if len(kernels) == 1 {
		return kernels[0]
	}
	return &fusedDescriptor{kernels: kernels}
}

// Name returns the chained names of the fused kernels
func (f *fusedDescriptor) Name() string {
	names := make([]string, len(f.kernels))
	for i, k := range f.kernels {
		names[i] = k.Name()
	}
	return strings.Join(names, "->")
}

// Run executes each fused kernel in order over the previous one's outputs
func (f *fusedDescriptor) Run(ctx context.Context, inputs []skiff.Partition) ([]skiff.Partition, error) {
	prev := inputs
	for _, k := range f.kernels {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		next, err := k.Run(ctx, prev)
		if err != nil {
			return nil, err
		}
		prev = next
	}
	return prev, nil
}

// WireName returns the registry key this chain travels under
func (f *fusedDescriptor) WireName() string {
	return fusedWireName
}

type fusedKernelMsg struct {
	Name    string `json:"name"`
	Payload []byte `json:"payload"`
}

// Encode serializes the chain as a sequence of registered kernel names
// plus their payloads. Every fused kernel must itself be encodable.
func (f *fusedDescriptor) Encode() ([]byte, error) {
	msgs := make([]fusedKernelMsg, len(f.kernels))
	for i, k := range f.kernels {
		enc, ok := k.(skiff.EncodableDescriptor)
		if !ok {
			return nil, fmt.Errorf("fused kernel %s cannot cross the wire", k.Name())
		}
		payload, err := enc.Encode()
		if err != nil {
			return nil, err
		}
		msgs[i] = fusedKernelMsg{Name: rpc.DescriptorWireName(k), Payload: payload}
	}
	return json.Marshal(msgs)
}

func decodeFused(payload []byte) (skiff.ComputeDescriptor, error) {
	var msgs []fusedKernelMsg
	if err := json.Unmarshal(payload, &msgs); err != nil {
		return nil, err
	}
	kernels := make([]skiff.ComputeDescriptor, len(msgs))
	for i, m := range msgs {
		k, err := rpc.DecodeDescriptor(m.Name, m.Payload)
		if err != nil {
			return nil, err
		}
		kernels[i] = k
	}
	return &fusedDescriptor{kernels: kernels}, nil
}

func init() {
	rpc.RegisterDescriptor(fusedWireName, decodeFused)
}
