package partition

import (
	"bytes"
	"encoding/gob"
	"fmt"

	skiff "github.com/go-skiff/skiff"
)

// BufferCodec serializes Buffer partitions with gob, for spilling and
// network transfer
type BufferCodec struct{}

// Encode serializes a Buffer partition
func (BufferCodec) Encode(part skiff.Partition) ([]byte, error) {
	b, ok := part.(*Buffer)
	if !ok {
		return nil, fmt.Errorf("BufferCodec cannot encode %T", part)
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(b.RowData); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decode deserializes a Buffer partition, restoring the given id
func (BufferCodec) Decode(id string, data []byte) (skiff.Partition, error) {
	var rows [][]byte
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&rows); err != nil {
		return nil, err
	}
	return &Buffer{PartID: id, RowData: rows}, nil
}
