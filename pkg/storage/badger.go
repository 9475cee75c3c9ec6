// Package storage keeps a history of query stats snapshots in BadgerDB.
//
// The stats cache only holds running totals since the last reset. A Store
// persists periodic copies of the whole table so totals can be compared over
// time and survive a restart.
package storage

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/orneryd/qstats/pkg/cache"
)

// Key prefixes for BadgerDB storage organization
// Using single-byte prefixes for efficiency
const (
	prefixRow      = byte(0x01) // row:nanos:seq -> JSON(cache.Row)
	prefixSnapshot = byte(0x02) // snapshot:nanos -> JSON(SnapshotInfo)
)

// Errors
var (
	ErrNotFound      = errors.New("not found")
	ErrStorageClosed = errors.New("storage closed")
)

// Store persists stats snapshots using BadgerDB.
//
// Key Structure:
//   - Rows: 0x01 + big-endian unix nanos + big-endian row sequence -> JSON(cache.Row)
//   - Snapshots: 0x02 + big-endian unix nanos -> JSON(SnapshotInfo)
//
// A snapshot marker is written after its rows, so a listed snapshot is
// always complete.
//
// Example:
//
//	store, err := storage.Open(storage.StoreOptions{DataDir: "./data"})
//	if err != nil {
//		return err
//	}
//	defer store.Close()
//
//	rows, _ := eng.Cache().Rows()
//	info, err := store.SaveSnapshot(ctx, time.Now(), rows)
type Store struct {
	db     *badger.DB
	mu     sync.RWMutex
	closed bool
}

// StoreOptions configures a Store.
type StoreOptions struct {
	// DataDir is the directory for BadgerDB files.
	DataDir string

	// InMemory keeps everything in RAM. Data is lost on Close.
	InMemory bool

	// SyncWrites forces an fsync after every write.
	SyncWrites bool

	// Logger for BadgerDB internal logging.
	// If nil, BadgerDB logging is discarded.
	Logger badger.Logger
}

// SnapshotInfo describes one stored snapshot.
type SnapshotInfo struct {
	At         time.Time `json:"at"`
	Rows       int       `json:"rows"`
	Executions uint64    `json:"executions"`
}

// Open opens or creates a store.
func Open(opts StoreOptions) (*Store, error) {
	badgerOpts := badger.DefaultOptions(opts.DataDir)

	if opts.InMemory {
		badgerOpts = badgerOpts.WithInMemory(true).WithDir("").WithValueDir("")
	}

	if opts.SyncWrites {
		badgerOpts = badgerOpts.WithSyncWrites(true)
	}

	// nil discards badger's own logging
	badgerOpts = badgerOpts.WithLogger(opts.Logger)

	// Snapshots are small and written rarely
	badgerOpts = badgerOpts.
		WithMemTableSize(16 << 20).
		WithValueLogFileSize(64 << 20).
		WithNumMemtables(2).
		WithNumLevelZeroTables(2).
		WithNumLevelZeroTablesStall(4).
		WithValueThreshold(1024).
		WithBlockCacheSize(32 << 20).
		WithIndexCacheSize(16 << 20)

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB: %w", err)
	}
	return &Store{db: db}, nil
}

// OpenInMemory creates an in-memory store for testing.
func OpenInMemory() (*Store, error) {
	return Open(StoreOptions{InMemory: true})
}

// ============================================================================
// Key encoding helpers
// ============================================================================

func snapshotKey(at time.Time) []byte {
	key := make([]byte, 9)
	key[0] = prefixSnapshot
	binary.BigEndian.PutUint64(key[1:], uint64(at.UnixNano()))
	return key
}

// rowPrefix returns the prefix of every row of the snapshot taken at at.
func rowPrefix(at time.Time) []byte {
	key := make([]byte, 9)
	key[0] = prefixRow
	binary.BigEndian.PutUint64(key[1:], uint64(at.UnixNano()))
	return key
}

func rowKey(at time.Time, seq uint32) []byte {
	key := make([]byte, 13)
	copy(key, rowPrefix(at))
	binary.BigEndian.PutUint32(key[9:], seq)
	return key
}

// ============================================================================
// Snapshot operations
// ============================================================================

// SaveSnapshot stores rows as the snapshot taken at at. Saving again at the
// same instant replaces the marker but not stale rows, so callers use
// distinct timestamps.
func (s *Store) SaveSnapshot(ctx context.Context, at time.Time, rows []cache.Row) (SnapshotInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return SnapshotInfo{}, ErrStorageClosed
	}

	at = at.UTC()
	info := SnapshotInfo{At: at, Rows: len(rows)}

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()

	for i, r := range rows {
		if i%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return SnapshotInfo{}, err
			}
		}
		data, err := json.Marshal(r)
		if err != nil {
			return SnapshotInfo{}, fmt.Errorf("encoding row: %w", err)
		}
		if err := wb.Set(rowKey(at, uint32(i)), data); err != nil {
			return SnapshotInfo{}, fmt.Errorf("writing row: %w", err)
		}
		info.Executions += r.Count
	}

	data, err := json.Marshal(info)
	if err != nil {
		return SnapshotInfo{}, fmt.Errorf("encoding snapshot: %w", err)
	}
	if err := wb.Set(snapshotKey(at), data); err != nil {
		return SnapshotInfo{}, fmt.Errorf("writing snapshot: %w", err)
	}
	if err := wb.Flush(); err != nil {
		return SnapshotInfo{}, fmt.Errorf("flushing snapshot: %w", err)
	}
	return info, nil
}

// Snapshots lists stored snapshots, newest first. A limit of zero or less
// returns all of them.
func (s *Store) Snapshots(limit int) ([]SnapshotInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStorageClosed
	}

	var out []SnapshotInfo
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()

		markers := []byte{prefixSnapshot}
		for it.Seek([]byte{prefixSnapshot + 1}); it.ValidForPrefix(markers); it.Next() {
			var info SnapshotInfo
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &info)
			}); err != nil {
				return fmt.Errorf("decoding snapshot: %w", err)
			}
			out = append(out, info)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
		return nil
	})
	return out, err
}

// LatestSnapshot returns the newest snapshot, or ErrNotFound.
func (s *Store) LatestSnapshot() (SnapshotInfo, error) {
	list, err := s.Snapshots(1)
	if err != nil {
		return SnapshotInfo{}, err
	}
	if len(list) == 0 {
		return SnapshotInfo{}, ErrNotFound
	}
	return list[0], nil
}

// LoadSnapshot returns the rows of the snapshot taken at at, or ErrNotFound.
func (s *Store) LoadSnapshot(at time.Time) ([]cache.Row, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStorageClosed
	}

	var rows []cache.Row
	err := s.db.View(func(txn *badger.Txn) error {
		if _, err := txn.Get(snapshotKey(at)); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrNotFound
			}
			return err
		}

		prefix := rowPrefix(at)
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var r cache.Row
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &r)
			}); err != nil {
				return fmt.Errorf("decoding row: %w", err)
			}
			rows = append(rows, r)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// Prune deletes snapshots taken before before and returns how many were
// removed.
func (s *Store) Prune(before time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, ErrStorageClosed
	}

	var (
		keys    [][]byte
		removed int
	)
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		limit := snapshotKey(before)
		markers := []byte{prefixSnapshot}
		for it.Seek(markers); it.ValidForPrefix(markers); it.Next() {
			key := it.Item().KeyCopy(nil)
			if string(key) >= string(limit) {
				break
			}
			keys = append(keys, key)
			removed++
		}

		// rows of every pruned snapshot sort before the first kept one
		rows := []byte{prefixRow}
		rowLimit := rowPrefix(before)
		for it.Seek(rows); it.ValidForPrefix(rows); it.Next() {
			key := it.Item().KeyCopy(nil)
			if string(key) >= string(rowLimit) {
				break
			}
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if len(keys) == 0 {
		return 0, nil
	}

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, key := range keys {
		if err := wb.Delete(key); err != nil {
			return 0, fmt.Errorf("deleting snapshot key: %w", err)
		}
	}
	if err := wb.Flush(); err != nil {
		return 0, fmt.Errorf("flushing prune: %w", err)
	}
	return removed, nil
}

// ============================================================================
// Lifecycle
// ============================================================================

// Close closes the store. Further calls return ErrStorageClosed.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	s.closed = true
	return s.db.Close()
}

// RunGC runs garbage collection on the BadgerDB value log.
// It is a no-op for in-memory stores.
func (s *Store) RunGC() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStorageClosed
	}
	if s.db.Opts().InMemory {
		return nil
	}

	for {
		err := s.db.RunValueLogGC(0.5)
		if errors.Is(err, badger.ErrNoRewrite) || errors.Is(err, badger.ErrRejected) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}
