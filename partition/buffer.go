// Package partition provides a simple in-memory Partition implementation
// used by tests and by embedders whose compute kernels operate on raw row
// buffers, plus the hash-bucketing helper shuffle kernels are built on.
package partition

import (
	"log"

	"github.com/cespare/xxhash/v2"
	uuid "github.com/gofrs/uuid"
)

// Buffer is an in-memory Partition holding opaque row buffers
type Buffer struct {
	PartID  string
	RowData [][]byte
}

// CreateBuffer produces an empty Buffer with a fresh id
func CreateBuffer() *Buffer {
	id, err := uuid.NewV4()
	if err != nil {
		log.Fatalf("failed to generate UUID: %v", err)
	}
	return &Buffer{PartID: id.String()}
}

// FromRows produces a Buffer containing the given rows
func FromRows(rows [][]byte) *Buffer {
	b := CreateBuffer()
	b.RowData = rows
	return b
}

// ID returns the unique identifier for this partition
func (b *Buffer) ID() string {
	return b.PartID
}

// NumRows returns the number of rows in this partition
func (b *Buffer) NumRows() int64 {
	return int64(len(b.RowData))
}

// SizeBytes returns the approximate in-memory size of this partition
func (b *Buffer) SizeBytes() int64 {
	var total int64
	for _, r := range b.RowData {
		total += int64(len(r))
	}
	return total
}

// Append adds a row to this partition
func (b *Buffer) Append(row []byte) {
	b.RowData = append(b.RowData, row)
}

// Rows returns the rows in this partition. Callers must not mutate them
// once the partition is materialized.
func (b *Buffer) Rows() [][]byte {
	return b.RowData
}

// BucketFor assigns a key to one of n buckets by hash, used by the map
// side of hash repartitions
func BucketFor(key []byte, n int) int {
	if n <= 1 {
		return 0
	}
	return int(xxhash.Sum64(key) % uint64(n))
}

// HashSplit distributes the rows of a Buffer into n new Buffers by key
// hash. keyFn extracts the partitioning key from a row.
func HashSplit(b *Buffer, n int, keyFn func(row []byte) []byte) []*Buffer {
	out := make([]*Buffer, n)
	for i := range out {
		out[i] = CreateBuffer()
	}
	for _, row := range b.RowData {
		out[BucketFor(keyFn(row), n)].Append(row)
	}
	return out
}
