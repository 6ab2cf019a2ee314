package rpc

import (
	"fmt"
	"sync"

	skiff "github.com/go-skiff/skiff"
)

// DecodeDescriptorFunc revives a compute descriptor from the payload
// produced by its EncodableDescriptor.Encode
type DecodeDescriptorFunc func(payload []byte) (skiff.ComputeDescriptor, error)

var (
	registryLock sync.RWMutex
	registry     = make(map[string]DecodeDescriptorFunc)
)

// RegisterDescriptor installs a decoder for descriptors with the given
// name. Both the driver and every executor must register the same set of
// descriptors before submitting or serving tasks.
func RegisterDescriptor(name string, decode DecodeDescriptorFunc) {
	registryLock.Lock()
	defer registryLock.Unlock()
	registry[name] = decode
}

// DecodeDescriptor revives a descriptor from its wire form
func DecodeDescriptor(name string, payload []byte) (skiff.ComputeDescriptor, error) {
	registryLock.RLock()
	decode, ok := registry[name]
	registryLock.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no descriptor registered under name %s", name)
	}
	return decode(payload)
}
