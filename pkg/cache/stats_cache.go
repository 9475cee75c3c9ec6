// Package cache aggregates per-query execution statistics.
//
// Every tracked statement is canonicalized into a fingerprint (see
// pkg/fingerprint) and looked up in a bounded cache. The caller then adds its
// latency and row counts to the returned entry with atomic operations:
//
//	if e, ok := c.Record(query); ok {
//		e.Record(elapsed, rowsSent, rowsExamined)
//	}
//
// Features:
//   - Bounded: once MaxEntries distinct keys are admitted, new keys are refused
//     while existing keys keep accumulating. Nothing is ever evicted.
//   - Entries live in an append-only arena addressed by index, so scans walk
//     the admitted prefix without taking the mutation lock.
//   - Full-table scans (ForEach, Reset) are serialized by a reader gate.
//     ForEach fails fast on contention; Reset polls for a bounded time.
//   - Optional per-client keys (Level 2): a "client_id" found in a query
//     comment is appended to the key as fingerprint@client.
package cache

import (
	"bytes"
	"errors"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog/log"

	"github.com/orneryd/qstats/pkg/fingerprint"
	"github.com/orneryd/qstats/pkg/minidump"
	"github.com/orneryd/qstats/pkg/pool"
)

// ErrConflictingLock is returned when a scan cannot obtain the reader gate.
var ErrConflictingLock = errors.New("Operation to read query stats was aborted due to a conflicting lock")

// Level selects the granularity of the cache key.
type Level int32

const (
	// LevelOff disables recording. Reset still works.
	LevelOff Level = 0
	// LevelFingerprint keys entries by fingerprint.
	LevelFingerprint Level = 1
	// LevelClient keys entries by fingerprint and client tag.
	LevelClient Level = 2
	// MaxReservedLevel is the highest level value reserved for finer
	// granularities (shard, graph and combinations) that are not implemented.
	MaxReservedLevel Level = 8
)

// Valid reports whether the level is implemented.
func (l Level) Valid() bool { return l >= LevelOff && l <= LevelClient }

// Reserved reports whether the level is reserved but not implemented.
func (l Level) Reserved() bool { return l > LevelClient && l <= MaxReservedLevel }

func (l Level) String() string {
	switch l {
	case LevelOff:
		return "off"
	case LevelFingerprint:
		return "fingerprint"
	case LevelClient:
		return "client"
	}
	if l.Reserved() {
		return "reserved"
	}
	return "invalid"
}

// Limits
const (
	DefaultInitialCapacity   = 10240
	DefaultMaxEntries        = 10240
	MaxEntriesCeiling        = 1000000
	DefaultGateRetries       = 200
	DefaultGateRetryInterval = 5 * time.Millisecond
)

// Config configures a Cache.
type Config struct {
	// Level is the key granularity. LevelOff disables recording.
	Level Level

	// InitialCapacity presizes the hash index.
	InitialCapacity int

	// MaxEntries bounds the number of distinct keys (1..MaxEntriesCeiling).
	MaxEntries int

	// MaxFingerprintLength bounds fingerprint length (see fingerprint.ClampLength).
	MaxFingerprintLength int

	// GateRetries and GateRetryInterval bound how long Reset waits for a
	// concurrent scan to finish.
	GateRetries       int
	GateRetryInterval time.Duration
}

// DefaultConfig returns per-fingerprint tracking with the default limits.
func DefaultConfig() Config {
	return Config{
		Level:                LevelFingerprint,
		InitialCapacity:      DefaultInitialCapacity,
		MaxEntries:           DefaultMaxEntries,
		MaxFingerprintLength: fingerprint.DefaultMaxLength,
		GateRetries:          DefaultGateRetries,
		GateRetryInterval:    DefaultGateRetryInterval,
	}
}

func (cfg Config) normalize() Config {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = DefaultMaxEntries
	}
	if cfg.MaxEntries > MaxEntriesCeiling {
		cfg.MaxEntries = MaxEntriesCeiling
	}
	if cfg.InitialCapacity <= 0 || cfg.InitialCapacity > cfg.MaxEntries {
		cfg.InitialCapacity = min(DefaultInitialCapacity, cfg.MaxEntries)
	}
	cfg.MaxFingerprintLength = fingerprint.ClampLength(cfg.MaxFingerprintLength)
	if cfg.GateRetries < 0 {
		cfg.GateRetries = 0
	}
	if cfg.GateRetryInterval <= 0 {
		cfg.GateRetryInterval = DefaultGateRetryInterval
	}
	if !cfg.Level.Valid() {
		cfg.Level = LevelOff
	}
	return cfg
}

// Cache is a bounded, concurrent map from query key to Entry.
type Cache struct {
	cfg   Config
	level atomic.Int32

	// mu guards index and entry creation. It is never held while counters
	// are updated.
	mu    sync.Mutex
	index map[uint64]int32

	arena    atomic.Pointer[arena]
	admitted atomic.Int32
	gate     readerGate

	hits          atomic.Uint64
	misses        atomic.Uint64
	rejected      atomic.Uint64
	gateConflicts atomic.Uint64
	fullLogged    atomic.Bool
}

// New creates a cache. Out-of-range limits are clamped and an
// unimplemented level disables recording.
func New(cfg Config) *Cache {
	cfg = cfg.normalize()
	c := &Cache{
		cfg:   cfg,
		index: make(map[uint64]int32, cfg.InitialCapacity),
	}
	c.level.Store(int32(cfg.Level))
	c.arena.Store(newArena(cfg.MaxEntries))
	return c
}

// Level returns the current key granularity.
func (c *Cache) Level() Level { return Level(c.level.Load()) }

// SetLevel changes the key granularity at runtime. Entries recorded under
// the previous level stay in the cache.
func (c *Cache) SetLevel(l Level) bool {
	if !l.Valid() {
		return false
	}
	c.level.Store(int32(l))
	return true
}

// Enabled reports whether Record admits queries.
func (c *Cache) Enabled() bool { return c.Level() != LevelOff }

// Config returns the normalized configuration.
func (c *Cache) Config() Config { return c.cfg }

// Record returns the entry for query, creating it when absent. It returns
// false when recording is disabled, the cache is shut down, or the cache is
// full and the key is new.
func (c *Cache) Record(query string) (*Entry, bool) {
	return c.RecordBytes(unsafe.Slice(unsafe.StringData(query), len(query)))
}

// RecordBytes is Record for a byte slice. query is only read.
func (c *Cache) RecordBytes(query []byte) (*Entry, bool) {
	level := c.Level()
	if level == LevelOff {
		return nil, false
	}
	a := c.arena.Load()
	if a == nil {
		return nil, false
	}

	buf := pool.GetScanBuffer(fingerprint.BufferSize(len(query)))
	defer pool.PutScanBuffer(buf)

	key, tag := fingerprint.AppendCanonical((*buf)[:0], query, c.cfg.MaxFingerprintLength)
	fpLen := len(key)
	if level == LevelClient && len(tag) > 0 {
		key = append(key, fingerprint.KeyDelimiter)
		key = append(key, tag...)
	} else {
		tag = nil
	}
	*buf = key

	h := xxhash.Sum64(key)
	e := c.lookup(a, h, key)
	if e == nil {
		var ok bool
		e, ok = c.insert(a, h, key, fpLen, tag)
		if !ok {
			return nil, false
		}
	} else {
		c.hits.Add(1)
	}

	if e.magic != entryMagic {
		minidump.Fatal("stats entry %d has bad tag %#x", e.index, e.magic)
	}
	return e, true
}

// lookup checks the head of the hash chain under the lock and compares key
// bytes outside it. On mismatch it walks the whole chain under the lock.
// It returns nil when the key is absent.
func (c *Cache) lookup(a *arena, h uint64, key []byte) *Entry {
	c.mu.Lock()
	head, ok := c.index[h]
	c.mu.Unlock()
	if !ok {
		return nil
	}
	if e := a.at(head); e != nil && bytes.Equal(e.key, key) {
		return e
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.findLocked(a, h, key)
}

// findLocked walks the chain for h. Caller must hold the lock.
func (c *Cache) findLocked(a *arena, h uint64, key []byte) *Entry {
	idx, ok := c.index[h]
	if !ok {
		return nil
	}
	for idx >= 0 {
		e := a.at(idx)
		if e == nil {
			return nil
		}
		if e.hash == h && bytes.Equal(e.key, key) {
			return e
		}
		idx = e.next
	}
	return nil
}

func (c *Cache) insert(a *arena, h uint64, key []byte, fpLen int, tag []byte) (*Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.arena.Load() != a {
		return nil, false
	}
	if e := c.findLocked(a, h, key); e != nil {
		c.hits.Add(1)
		return e, true
	}

	n := c.admitted.Load()
	if int(n) >= c.cfg.MaxEntries {
		c.rejected.Add(1)
		if !c.fullLogged.Swap(true) {
			log.Warn().
				Str("component", "cache").
				Int("max_entries", c.cfg.MaxEntries).
				Msg("query stats cache is full, new queries are not tracked")
		}
		return nil, false
	}

	e := &Entry{
		key:   append([]byte(nil), key...),
		fpLen: fpLen,
		hash:  h,
		index: n,
		next:  -1,
		magic: entryMagic,
	}
	if len(tag) > 0 {
		e.clientID = e.key[fpLen+1:]
	}
	if head, ok := c.index[h]; ok {
		e.next = head
	}

	a.store(n, e)
	c.index[h] = n
	c.admitted.Store(n + 1)
	c.misses.Add(1)
	return e, true
}

// Reset zeroes the counters of every entry. Entries stay admitted. It waits
// for a concurrent scan for at most GateRetries*GateRetryInterval and
// returns ErrConflictingLock when the scan is still running. Reset works
// regardless of the level.
func (c *Cache) Reset() error {
	if !c.gate.acquire(c.cfg.GateRetries, c.cfg.GateRetryInterval) {
		c.gateConflicts.Add(1)
		return ErrConflictingLock
	}
	defer c.gate.release()

	c.mu.Lock()
	defer c.mu.Unlock()

	a := c.arena.Load()
	if a == nil {
		return nil
	}
	n := c.admitted.Load()
	for i := int32(0); i < n; i++ {
		if e := a.at(i); e != nil {
			e.clear()
		}
	}
	log.Debug().Str("component", "cache").Int32("entries", n).Msg("query stats reset")
	return nil
}

// ForEach calls fn with a copy of every admitted entry, in admission order.
// It makes a single attempt at the reader gate and returns
// ErrConflictingLock if another scan holds it. An error from fn stops the
// walk and is returned.
func (c *Cache) ForEach(fn func(Row) error) error {
	if !c.gate.tryAcquire() {
		c.gateConflicts.Add(1)
		return ErrConflictingLock
	}
	defer c.gate.release()

	a := c.arena.Load()
	if a == nil {
		return nil
	}
	n := c.admitted.Load()
	for i := int32(0); i < n; i++ {
		e := a.at(i)
		if e == nil {
			continue
		}
		if err := fn(e.row(c.cfg.MaxFingerprintLength)); err != nil {
			return err
		}
	}
	return nil
}

// Rows returns a snapshot of every admitted entry.
func (c *Cache) Rows() ([]Row, error) {
	rows := make([]Row, 0, c.Len())
	err := c.ForEach(func(r Row) error {
		rows = append(rows, r)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// Len returns the number of admitted entries.
func (c *Cache) Len() int { return int(c.admitted.Load()) }

// Shutdown releases every entry. Later calls to Record return false and
// scans see an empty cache.
func (c *Cache) Shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.arena.Store(nil)
	c.index = make(map[uint64]int32)
	c.admitted.Store(0)
}

// Stats holds cache usage statistics.
type Stats struct {
	Level         Level  // Current key granularity
	Entries       int    // Admitted entries
	MaxEntries    int    // Capacity
	Hits          uint64 // Lookups that found an existing entry
	Misses        uint64 // Lookups that admitted a new entry
	Rejected      uint64 // New keys refused because the cache was full
	GateConflicts uint64 // Scans or resets refused by the reader gate
}

// Stats returns current usage statistics.
func (c *Cache) Stats() Stats {
	return Stats{
		Level:         c.Level(),
		Entries:       c.Len(),
		MaxEntries:    c.cfg.MaxEntries,
		Hits:          c.hits.Load(),
		Misses:        c.misses.Load(),
		Rejected:      c.rejected.Load(),
		GateConflicts: c.gateConflicts.Load(),
	}
}

// =============================================================================
// Arena
// =============================================================================

const chunkSize = 1024

type chunk [chunkSize]atomic.Pointer[Entry]

// arena stores entries by index. The chunk directory is sized for the
// maximum entry count up front and never reallocates, so readers can index
// it without the mutation lock.
type arena struct {
	chunks []atomic.Pointer[chunk]
}

func newArena(maxEntries int) *arena {
	return &arena{chunks: make([]atomic.Pointer[chunk], (maxEntries+chunkSize-1)/chunkSize)}
}

func (a *arena) at(i int32) *Entry {
	ci := int(i) / chunkSize
	if i < 0 || ci >= len(a.chunks) {
		return nil
	}
	ch := a.chunks[ci].Load()
	if ch == nil {
		return nil
	}
	return ch[int(i)%chunkSize].Load()
}

// store places e at index i. Caller must hold the cache lock.
func (a *arena) store(i int32, e *Entry) {
	ci := int(i) / chunkSize
	ch := a.chunks[ci].Load()
	if ch == nil {
		ch = new(chunk)
		a.chunks[ci].Store(ch)
	}
	ch[int(i)%chunkSize].Store(e)
}
