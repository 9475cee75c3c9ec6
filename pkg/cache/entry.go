package cache

import (
	"sync/atomic"
	"time"
)

// entryMagic tags every entry built by the cache. Lookups verify it.
const entryMagic uint32 = 0xBEEFBEEF

// Entry aggregates execution statistics for one cache key.
//
// The identity fields are written once before the entry is published and
// never change afterwards. Counters are updated with atomic operations and
// are never protected by the cache lock, so callers update them directly
// after Record returns.
type Entry struct {
	key      []byte // fingerprint, or fingerprint@client in per-client mode
	fpLen    int    // length of the fingerprint part of key
	hash     uint64
	clientID []byte
	index    int32
	next     int32 // next entry with the same hash, -1 terminates
	magic    uint32

	count        atomic.Uint64
	latency      atomic.Uint64 // cumulative, microseconds
	maxLatency   atomic.Uint64 // microseconds
	rowsSent     atomic.Uint64
	rowsExamined atomic.Uint64
}

// Record adds one execution to the entry.
func (e *Entry) Record(latency time.Duration, rowsSent, rowsExamined uint64) {
	us := uint64(0)
	if latency > 0 {
		us = uint64(latency / time.Microsecond)
	}
	e.count.Add(1)
	e.latency.Add(us)
	e.rowsSent.Add(rowsSent)
	e.rowsExamined.Add(rowsExamined)
	e.observeMax(us)
}

func (e *Entry) observeMax(us uint64) {
	for {
		cur := e.maxLatency.Load()
		if us <= cur || e.maxLatency.CompareAndSwap(cur, us) {
			return
		}
	}
}

// Key returns the cache key the entry was admitted under.
func (e *Entry) Key() string { return string(e.key) }

// Fingerprint returns the canonical query text without the client suffix.
func (e *Entry) Fingerprint() string { return string(e.key[:e.fpLen]) }

// ClientID returns the client tag, empty unless the cache tracks by client.
func (e *Entry) ClientID() string { return string(e.clientID) }

// Hash returns the 64-bit hash of the key.
func (e *Entry) Hash() uint64 { return e.hash }

// Count returns the number of recorded executions.
func (e *Entry) Count() uint64 { return e.count.Load() }

// Latency returns the cumulative latency.
func (e *Entry) Latency() time.Duration {
	return time.Duration(e.latency.Load()) * time.Microsecond
}

// MaxLatency returns the largest single latency recorded.
func (e *Entry) MaxLatency() time.Duration {
	return time.Duration(e.maxLatency.Load()) * time.Microsecond
}

func (e *Entry) clear() {
	e.count.Store(0)
	e.latency.Store(0)
	e.maxLatency.Store(0)
	e.rowsSent.Store(0)
	e.rowsExamined.Store(0)
}

func (e *Entry) row(displayLen int) Row {
	fp := e.key[:e.fpLen]
	if displayLen > 0 && len(fp) > displayLen {
		fp = fp[:displayLen]
	}
	return Row{
		Fingerprint:  string(fp),
		Hash:         e.hash,
		ClientID:     string(e.clientID),
		Count:        e.count.Load(),
		Latency:      e.latency.Load(),
		MaxLatency:   e.maxLatency.Load(),
		RowsSent:     e.rowsSent.Load(),
		RowsExamined: e.rowsExamined.Load(),
	}
}

// Row is a point-in-time copy of one entry, shaped like the
// QUERY_STATISTICS information-schema table. Latencies are microseconds.
type Row struct {
	Fingerprint  string `json:"QUERY_TYPE"`
	Hash         uint64 `json:"HASH_CODE"`
	ClientID     string `json:"CLIENT_ID"`
	Count        uint64 `json:"COUNT"`
	Latency      uint64 `json:"LATENCY"`
	MaxLatency   uint64 `json:"MAX_LATENCY"`
	RowsSent     uint64 `json:"ROWS_SENT"`
	RowsExamined uint64 `json:"ROWS_EXAMINED"`
}
