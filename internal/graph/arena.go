package graph

import (
	"fmt"

	skiff "github.com/go-skiff/skiff"
)

// Arena tracks every PartitionRef in an execution, keyed by partition id,
// with explicit dependency-count bookkeeping instead of raw mutual
// references. An entry is garbage once its remaining consumer count and
// stream-consumption marker both reach zero.
//
// The Arena is owned by the scheduler's event loop and must not be touched
// from other goroutines.
type Arena struct {
	entries  map[string]*arenaEntry
	released func(partitionID string) // notified when an entry is collected
}

type arenaEntry struct {
	ref        *skiff.PartitionRef
	consumers  int  // tasks which still need to read this partition
	streamHold bool // a ResultStream consumer has not pulled this yet
}

// NewArena produces an empty Arena. released, if non-nil, is invoked for
// every partition id whose entry is collected.
func NewArena(released func(partitionID string)) *Arena {
	return &Arena{entries: make(map[string]*arenaEntry), released: released}
}

// Add registers a ref with the number of consumer tasks that will read it
func (a *Arena) Add(ref *skiff.PartitionRef, consumers int, streamHold bool) {
	a.entries[ref.ID] = &arenaEntry{ref: ref, consumers: consumers, streamHold: streamHold}
}

// Get returns the canonical ref for a partition id
func (a *Arena) Get(id string) (*skiff.PartitionRef, error) {
	e, ok := a.entries[id]
	if !ok {
		return nil, fmt.Errorf("partition %s is not in the arena", id)
	}
	return e.ref, nil
}

// AddConsumers raises the consumer count for a partition, e.g. when an
// adaptive stage expands and adds readers
func (a *Arena) AddConsumers(id string, n int) {
	if e, ok := a.entries[id]; ok {
		e.consumers += n
	}
}

// MarkMaterializing transitions a partition to Materializing
func (a *Arena) MarkMaterializing(id string) {
	if e, ok := a.entries[id]; ok {
		e.ref.State = skiff.PartitionMaterializing
	}
}

// MarkMaterialized transitions a partition to Materialized, recording the
// backend's size estimates and storage hint
func (a *Arena) MarkMaterialized(id string, rows, bytes int64, location string) {
	if e, ok := a.entries[id]; ok {
		e.ref.State = skiff.PartitionMaterialized
		e.ref.Rows = rows
		e.ref.Bytes = bytes
		e.ref.Location = location
	}
}

// MarkLost transitions a previously-materialized partition to Lost
func (a *Arena) MarkLost(id string) {
	if e, ok := a.entries[id]; ok {
		e.ref.State = skiff.PartitionLost
	}
}

// MarkPending resets a partition to Pending ahead of recomputation
func (a *Arena) MarkPending(id string) {
	if e, ok := a.entries[id]; ok {
		e.ref.State = skiff.PartitionPending
	}
}

// ReleaseConsumer records that one consumer task has finished reading the
// partition, collecting the entry if nothing else holds it
func (a *Arena) ReleaseConsumer(id string) {
	e, ok := a.entries[id]
	if !ok {
		return
	}
	if e.consumers > 0 {
		e.consumers--
	}
	a.collect(id, e)
}

// ReleaseStream records that the ResultStream consumer has pulled this
// root output
func (a *Arena) ReleaseStream(id string) {
	e, ok := a.entries[id]
	if !ok {
		return
	}
	e.streamHold = false
	a.collect(id, e)
}

// ReleaseAll drops every entry, notifying the release hook for each. Used
// on abort and cancellation.
func (a *Arena) ReleaseAll() {
	for id := range a.entries {
		delete(a.entries, id)
		if a.released != nil {
			a.released(id)
		}
	}
}

// Len returns the number of live entries
func (a *Arena) Len() int {
	return len(a.entries)
}

func (a *Arena) collect(id string, e *arenaEntry) {
	if e.consumers > 0 || e.streamHold {
		return
	}
	delete(a.entries, id)
	if a.released != nil {
		a.released(id)
	}
}
