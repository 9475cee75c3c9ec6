// Package pool provides buffer pooling for the query fingerprint hot path.
//
// Every tracked statement is canonicalized into a scratch buffer before its
// stats entry is looked up. The buffer only lives for the duration of the
// lookup, so it is recycled instead of being allocated per statement.
//
// Usage:
//
//	buf := pool.GetScanBuffer(len(query) + 3*fingerprint.MaxClientIDLength + 1)
//	defer pool.PutScanBuffer(buf)
//
//	*buf, tag = fingerprint.AppendCanonical((*buf)[:0], query, maxLen)
package pool

import (
	"sync"
	"sync/atomic"
)

// DefaultScanBufferSize matches the default maximum fingerprint length.
const DefaultScanBufferSize = 4096

// PoolConfig configures buffer pooling behavior.
type PoolConfig struct {
	// Enabled controls whether pooling is active
	Enabled bool

	// MaxBufferSize is the largest buffer capacity kept for reuse.
	// Larger buffers are left to the garbage collector.
	MaxBufferSize int
}

var (
	configMu     sync.RWMutex
	globalConfig = PoolConfig{
		Enabled:       true,
		MaxBufferSize: 1024 * 1024,
	}
)

// Statistics
var (
	gets   atomic.Uint64
	misses atomic.Uint64
	puts   atomic.Uint64
)

// Configure sets global pool configuration.
// Should be called early during initialization.
func Configure(config PoolConfig) {
	if config.MaxBufferSize <= 0 {
		config.MaxBufferSize = 1024 * 1024
	}

	configMu.Lock()
	globalConfig = config
	configMu.Unlock()

	// Reinitialize the pool so buffers sized under the old limit are dropped
	scanBufferPool = sync.Pool{
		New: func() any {
			misses.Add(1)
			b := make([]byte, 0, DefaultScanBufferSize)
			return &b
		},
	}
}

// IsEnabled returns whether pooling is enabled.
func IsEnabled() bool {
	configMu.RLock()
	defer configMu.RUnlock()
	return globalConfig.Enabled
}

func currentConfig() PoolConfig {
	configMu.RLock()
	defer configMu.RUnlock()
	return globalConfig
}

// =============================================================================
// Scan Buffer Pool (canonicalizer output)
// =============================================================================

var scanBufferPool = sync.Pool{
	New: func() any {
		misses.Add(1)
		b := make([]byte, 0, DefaultScanBufferSize)
		return &b
	},
}

// GetScanBuffer returns an empty buffer with at least size bytes of capacity.
// Call PutScanBuffer when done.
func GetScanBuffer(size int) *[]byte {
	cfg := currentConfig()
	if !cfg.Enabled || size > cfg.MaxBufferSize {
		b := make([]byte, 0, size)
		return &b
	}

	gets.Add(1)
	bp := scanBufferPool.Get().(*[]byte)
	if cap(*bp) < size {
		*bp = make([]byte, 0, size)
	}
	*bp = (*bp)[:0]
	return bp
}

// PutScanBuffer returns a scan buffer to the pool.
func PutScanBuffer(bp *[]byte) {
	if bp == nil {
		return
	}
	cfg := currentConfig()
	if !cfg.Enabled || cap(*bp) > cfg.MaxBufferSize {
		return
	}
	puts.Add(1)
	*bp = (*bp)[:0]
	scanBufferPool.Put(bp)
}

// Stats holds pool usage counters.
type Stats struct {
	Gets   uint64 // Buffers handed out from the pool
	Misses uint64 // Buffers the pool had to allocate
	Puts   uint64 // Buffers returned for reuse
}

// GetStats returns a snapshot of pool usage.
func GetStats() Stats {
	return Stats{
		Gets:   gets.Load(),
		Misses: misses.Load(),
		Puts:   puts.Load(),
	}
}
