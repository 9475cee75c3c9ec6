package pool

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Configuration Tests
// =============================================================================

func TestConfigure(t *testing.T) {
	origConfig := currentConfig()
	defer Configure(origConfig)

	t.Run("enable pooling", func(t *testing.T) {
		Configure(PoolConfig{Enabled: true, MaxBufferSize: 8192})

		assert.True(t, IsEnabled())
		assert.Equal(t, 8192, currentConfig().MaxBufferSize)
	})

	t.Run("disable pooling", func(t *testing.T) {
		Configure(PoolConfig{Enabled: false})

		assert.False(t, IsEnabled())
	})

	t.Run("zero max size uses default", func(t *testing.T) {
		Configure(PoolConfig{Enabled: true})

		assert.Equal(t, 1024*1024, currentConfig().MaxBufferSize)
	})
}

// =============================================================================
// Scan Buffer Pool Tests
// =============================================================================

func TestScanBufferPool(t *testing.T) {
	origConfig := currentConfig()
	defer Configure(origConfig)
	Configure(PoolConfig{Enabled: true, MaxBufferSize: 1 << 20})

	t.Run("get returns empty buffer with capacity", func(t *testing.T) {
		bp := GetScanBuffer(100)
		require.NotNil(t, bp)
		assert.Len(t, *bp, 0)
		assert.GreaterOrEqual(t, cap(*bp), 100)
		PutScanBuffer(bp)
	})

	t.Run("grows to requested size", func(t *testing.T) {
		bp := GetScanBuffer(DefaultScanBufferSize * 4)
		assert.GreaterOrEqual(t, cap(*bp), DefaultScanBufferSize*4)
		PutScanBuffer(bp)
	})

	t.Run("reused buffer is reset", func(t *testing.T) {
		bp := GetScanBuffer(64)
		*bp = append(*bp, "SELECT ?"...)
		PutScanBuffer(bp)

		bp2 := GetScanBuffer(64)
		assert.Len(t, *bp2, 0)
		PutScanBuffer(bp2)
	})

	t.Run("oversized request bypasses pool", func(t *testing.T) {
		Configure(PoolConfig{Enabled: true, MaxBufferSize: 1024})
		before := GetStats()

		bp := GetScanBuffer(4096)
		assert.GreaterOrEqual(t, cap(*bp), 4096)
		PutScanBuffer(bp)

		after := GetStats()
		assert.Equal(t, before.Gets, after.Gets)
		assert.Equal(t, before.Puts, after.Puts)
	})

	t.Run("nil put is ignored", func(t *testing.T) {
		assert.NotPanics(t, func() { PutScanBuffer(nil) })
	})
}

func TestScanBufferPool_Disabled(t *testing.T) {
	origConfig := currentConfig()
	defer Configure(origConfig)
	Configure(PoolConfig{Enabled: false})

	before := GetStats()
	bp := GetScanBuffer(32)
	assert.GreaterOrEqual(t, cap(*bp), 32)
	PutScanBuffer(bp)

	after := GetStats()
	assert.Equal(t, before.Gets, after.Gets)
	assert.Equal(t, before.Puts, after.Puts)
}

func TestScanBufferPool_Concurrent(t *testing.T) {
	origConfig := currentConfig()
	defer Configure(origConfig)
	Configure(PoolConfig{Enabled: true, MaxBufferSize: 1 << 20})

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				bp := GetScanBuffer(128 + n)
				*bp = append(*bp, byte(j))
				PutScanBuffer(bp)
			}
		}(i)
	}
	wg.Wait()
}
