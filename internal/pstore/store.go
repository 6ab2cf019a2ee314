// Package pstore stores materialized partitions for the local backend:
// an in-memory read cache in front of lz4-compressed files on disk. The
// scheduler never sees storage location, only materialization state.
package pstore

import (
	"fmt"
	"io"
	"log"
	"os"
	"path"

	"github.com/dgraph-io/ristretto"
	"github.com/docker/docker/pkg/locker"
	skiff "github.com/go-skiff/skiff"
	"github.com/pierrec/lz4/v4"
)

// StoreConfig configures a partition Store
type StoreConfig struct {
	Dir                 string // directory for spilled partition files
	MemoryHighWatermark int64  // soft byte limit for the in-memory cache
	Codec               skiff.PartitionCodec
}

// Store is a write-through partition store: Put always persists to disk,
// so cache admission and eviction can stay best-effort
type Store struct {
	config *StoreConfig
	cache  *ristretto.Cache
	plocks *locker.Locker
	dir    string
}

// NewStore produces a Store spilling under config.Dir
func NewStore(config *StoreConfig) (*Store, error) {
	if config.Codec == nil {
		log.Panicf("StoreConfig.Codec must be supplied")
	}
	if config.MemoryHighWatermark == 0 {
		config.MemoryHighWatermark = 512 * 1024 * 1024
	}
	dir, err := os.MkdirTemp(config.Dir, "skiff-pstore-*")
	if err != nil {
		return nil, fmt.Errorf("unable to create spill directory: %w", err)
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e6,
		MaxCost:     config.MemoryHighWatermark,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("unable to initialize partition cache: %w", err)
	}
	return &Store{
		config: config,
		cache:  cache,
		plocks: locker.New(),
		dir:    dir,
	}, nil
}

// Put persists a partition under its own id, making it available to Get
// until Release
func (s *Store) Put(part skiff.Partition) error {
	return s.PutAs(part.ID(), part)
}

// PutAs persists a partition under an externally-assigned id. Backends
// use this to key kernel outputs by their pre-assigned PartitionRef ids.
func (s *Store) PutAs(id string, part skiff.Partition) error {
	s.plocks.Lock(id)
	defer s.plocks.Unlock(id)
	data, err := s.config.Codec.Encode(part)
	if err != nil {
		return fmt.Errorf("unable to encode partition %s: %w", id, err)
	}
	f, err := os.Create(s.partPath(id))
	if err != nil {
		return err
	}
	zw := lz4.NewWriter(f)
	if _, err = zw.Write(data); err != nil {
		f.Close()
		return err
	}
	if err = zw.Close(); err != nil {
		f.Close()
		return err
	}
	if err = f.Close(); err != nil {
		return err
	}
	// cache only under the partition's own id; a mismatched entry would
	// serve data whose ID() disagrees with the lookup key
	if part.ID() == id {
		s.cache.Set(id, part, part.SizeBytes())
	}
	return nil
}

// Get retrieves a partition, loading it back from disk on a cache miss.
// A missing partition means the data has been lost.
func (s *Store) Get(id string) (skiff.Partition, error) {
	s.plocks.Lock(id)
	defer s.plocks.Unlock(id)
	if v, ok := s.cache.Get(id); ok {
		return v.(skiff.Partition), nil
	}
	f, err := os.Open(s.partPath(id))
	if err != nil {
		return nil, fmt.Errorf("partition %s is not resident: %w", id, err)
	}
	defer f.Close()
	data, err := io.ReadAll(lz4.NewReader(f))
	if err != nil {
		return nil, fmt.Errorf("unable to read spilled partition %s: %w", id, err)
	}
	part, err := s.config.Codec.Decode(id, data)
	if err != nil {
		return nil, fmt.Errorf("unable to decode spilled partition %s: %w", id, err)
	}
	s.cache.Set(id, part, part.SizeBytes())
	return part, nil
}

// Release drops a partition from the store once nothing references it
func (s *Store) Release(id string) {
	s.remove(id)
}

// Drop removes a partition's backing data without releasing it, leaving
// the store unable to serve it. Used in tests to simulate partition loss.
func (s *Store) Drop(id string) {
	s.remove(id)
}

func (s *Store) remove(id string) {
	s.plocks.Lock(id)
	defer s.plocks.Unlock(id)
	s.cache.Del(id)
	os.Remove(s.partPath(id))
}

// Destroy shuts the store down and removes all spilled data
func (s *Store) Destroy() error {
	s.cache.Close()
	return os.RemoveAll(s.dir)
}

func (s *Store) partPath(id string) string {
	return path.Join(s.dir, id+".lz4")
}
