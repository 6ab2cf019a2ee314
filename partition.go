package skiff

// PartitionState describes the materialization state of a PartitionRef
type PartitionState int

const (
	// PartitionPending indicates that no attempt has been made to compute this partition yet
	PartitionPending PartitionState = iota
	// PartitionMaterializing indicates that the producing Task is currently running
	PartitionMaterializing
	// PartitionMaterialized indicates that the partition's data is resident somewhere and immutable
	PartitionMaterialized
	// PartitionLost indicates that previously-materialized data has been lost (e.g. its worker died)
	PartitionLost
)

// String returns a textual representation of a PartitionState
func (s PartitionState) String() string {
	switch s {
	case PartitionPending:
		return "pending"
	case PartitionMaterializing:
		return "materializing"
	case PartitionMaterialized:
		return "materialized"
	case PartitionLost:
		return "lost"
	default:
		return "unknown"
	}
}

// PartitionRef is an opaque handle to one chunk of data, which may not be
// resident yet. Refs are shared by the Task which produces them and every
// Task which consumes them. Once Materialized, the underlying data never
// mutates - recomputation after loss produces an equivalent value, not
// necessarily a byte-identical one.
type PartitionRef struct {
	ID         string         // unique id for this partition
	Rows       int64          // estimated row count, or -1 if unknown
	Bytes      int64          // estimated byte size, or -1 if unknown
	State      PartitionState // current materialization state
	ProducedBy string         // id of the Task which produces this partition, if any
	Location   string         // opaque storage hint owned by the Backend
}

// Partition is the actual data behind a materialized PartitionRef. The
// scheduler never inspects partition contents - only backends and compute
// descriptors do.
type Partition interface {
	ID() string       // ID returns the unique identifier for this partition
	NumRows() int64   // NumRows returns the number of rows in this partition
	SizeBytes() int64 // SizeBytes returns the approximate in-memory size of this partition
}

// PartitionCodec serializes Partitions for spilling and network transfer
type PartitionCodec interface {
	Encode(part Partition) ([]byte, error)
	Decode(id string, data []byte) (Partition, error)
}
