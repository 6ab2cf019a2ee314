// Package rpc defines the wire protocol between a cluster backend and its
// executor workers: a JSON codec over grpc, hand-registered service
// descriptors, and a registry for reviving compute descriptors on the
// remote side.
package rpc

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

// CodecName is the grpc content-subtype used by all skiff RPCs
const CodecName = "json"

type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}

func (jsonCodec) Name() string {
	return CodecName
}

func init() {
	encoding.RegisterCodec(jsonCodec{})
}
