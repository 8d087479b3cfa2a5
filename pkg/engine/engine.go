// Package engine is the KV Engine Adapter: a thread-safe facade over a
// bbolt database, one bucket per column family, offering batched
// reads/writes, sequence counters, distributed locks with fencing, and
// snapshot save/load. It knows nothing about Raft or the apply pipeline
// above it — pkg/statemachine is the only caller of its batch methods.
package engine

import (
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/rhea/pkg/log"
)

// MaxBatchWriteSize bounds how many operations share one bbolt
// transaction. Larger batches are split into chunks this size; each
// chunk commits atomically, but a chunk's failure does not roll back
// chunks already committed before it.
const MaxBatchWriteSize = 500

// dbFileName is the bbolt file name within a region's data directory.
const dbFileName = "data.db"

// BoltEngine implements the KV Engine Adapter over go.etcd.io/bbolt.
type BoltEngine struct {
	// mu is the single reader-writer lock from the concurrency policy:
	// every operation except Close/Reopen/snapshot-load/backup-restore
	// holds the read side; those four hold the write side.
	mu sync.RWMutex

	db       *bolt.DB
	dataDir  string
	regionID string
	version  uint64 // bumped on every (re)open; atomic

	log zerolog.Logger
}

// Open creates or opens the bbolt database for regionID under dataDir,
// creating every column family bucket if absent.
func Open(dataDir, regionID string) (*BoltEngine, error) {
	e := &BoltEngine{
		dataDir:  dataDir,
		regionID: regionID,
		log:      log.WithComponent("kvengine"),
	}
	if err := e.open(); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *BoltEngine) dbPath() string {
	return filepath.Join(e.dataDir, dbFileName)
}

func (e *BoltEngine) open() error {
	db, err := bolt.Open(e.dbPath(), 0600, nil)
	if err != nil {
		return fmt.Errorf("engine: open %s: %w", e.dbPath(), err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, cf := range allColumnFamilies {
			if _, err := tx.CreateBucketIfNotExists(bucketName(cf)); err != nil {
				return fmt.Errorf("create bucket %s: %w", cf, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return fmt.Errorf("engine: init column families: %w", err)
	}

	e.db = db
	atomic.AddUint64(&e.version, 1)
	e.log.Info().Str("region", e.regionID).Uint64("version", e.Version()).Msg("engine opened")
	return nil
}

// Close shuts the database down. It is not safe to call concurrently
// with any other method.
func (e *BoltEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.db == nil {
		return nil
	}
	err := e.db.Close()
	e.db = nil
	return err
}

// Reopen closes and reopens the underlying database, bumping the
// database-version counter. Outstanding iterators created before the
// call must treat themselves as invalidated once the version changes.
func (e *BoltEngine) Reopen() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.db != nil {
		if err := e.db.Close(); err != nil {
			return fmt.Errorf("engine: close before reopen: %w", err)
		}
	}
	return e.open()
}

// Version returns the current database-version counter.
func (e *BoltEngine) Version() uint64 {
	return atomic.LoadUint64(&e.version)
}

// RegionID returns the region this engine instance serves.
func (e *BoltEngine) RegionID() string {
	return e.regionID
}

// DataDir returns the directory the engine's files live under.
func (e *BoltEngine) DataDir() string {
	return e.dataDir
}

func (e *BoltEngine) view(fn func(tx *bolt.Tx) error) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.db == nil {
		return fmt.Errorf("engine: closed")
	}
	return e.db.View(fn)
}

func (e *BoltEngine) update(fn func(tx *bolt.Tx) error) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.db == nil {
		return fmt.Errorf("engine: closed")
	}
	return e.db.Update(fn)
}

// chunk splits items into groups of at most MaxBatchWriteSize.
func chunk[T any](items []T, size int) [][]T {
	if size <= 0 {
		size = MaxBatchWriteSize
	}
	var chunks [][]T
	for len(items) > 0 {
		n := size
		if n > len(items) {
			n = len(items)
		}
		chunks = append(chunks, items[:n])
		items = items[n:]
	}
	return chunks
}
