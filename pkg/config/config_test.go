package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/qstats/pkg/cache"
	"github.com/orneryd/qstats/pkg/fingerprint"
)

// =============================================================================
// Loading Tests
// =============================================================================

func TestDefault(t *testing.T) {
	c := Default()
	require.NoError(t, c.Validate())

	assert.Equal(t, 1, c.Stats.Level)
	assert.Equal(t, 10240, c.Stats.MaxEntries)
	assert.Equal(t, 4096, c.Stats.MaxFingerprintLength)
	assert.Equal(t, 200, c.Stats.ResetRetries)
	assert.Equal(t, 5*time.Millisecond, c.Stats.ResetRetryInterval)
	assert.Equal(t, time.Duration(0), c.Timer.StatementTimeout)
	assert.Equal(t, "127.0.0.1:7480", c.Server.Addr())
	assert.False(t, c.Storage.Enabled)
	assert.False(t, c.Audit.Enabled)
	assert.Equal(t, []string{"select", "insert", "update", "delete", "insert_select"}, c.Stats.Track)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("QSTATS_STATS_LEVEL", "2")
	t.Setenv("QSTATS_STATS_MAX_ENTRIES", "500")
	t.Setenv("QSTATS_STATEMENT_TIMEOUT", "3")
	t.Setenv("QSTATS_STATS_RESET_RETRY_INTERVAL", "10ms")
	t.Setenv("QSTATS_HTTP_ENABLED", "no")
	t.Setenv("QSTATS_STORAGE_ENABLED", "true")
	t.Setenv("QSTATS_MEMORY_LIMIT", "512MiB")
	t.Setenv("QSTATS_STATS_INITIAL_CAPACITY", "not-a-number")
	t.Setenv("QSTATS_STATS_TRACK", "select,replace")
	t.Setenv("QSTATS_AUDIT_ENABLED", "1")

	c := LoadFromEnv()
	assert.Equal(t, 2, c.Stats.Level)
	assert.Equal(t, 500, c.Stats.MaxEntries)
	assert.Equal(t, 3*time.Second, c.Timer.StatementTimeout)
	assert.Equal(t, 10*time.Millisecond, c.Stats.ResetRetryInterval)
	assert.False(t, c.Server.Enabled)
	assert.True(t, c.Storage.Enabled)
	assert.Equal(t, int64(512*1024*1024), c.Memory.RuntimeLimit)
	assert.Equal(t, cache.DefaultInitialCapacity, c.Stats.InitialCapacity)
	assert.Equal(t, []string{"select", "replace"}, c.Stats.Track)
	assert.True(t, c.Audit.Enabled)
}

func TestFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "qstats.yaml")

	orig := Default()
	orig.Stats.Level = 2
	orig.Timer.StatementTimeout = 1500 * time.Millisecond
	orig.Storage.Enabled = true
	orig.Storage.SnapshotInterval = 30 * time.Second
	require.NoError(t, orig.WriteFile(path))

	loaded, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, orig.Stats, loaded.Stats)
	assert.Equal(t, orig.Timer, loaded.Timer)
	assert.Equal(t, orig.Storage, loaded.Storage)
	assert.Equal(t, orig.Logging, loaded.Logging)
}

func TestLoadFile_Partial(t *testing.T) {
	path := filepath.Join(t.TempDir(), "qstats.yaml")
	require.NoError(t, os.WriteFile(path, []byte("stats:\n  max_entries: 42\ntimer:\n  statement_timeout: 2s\n"), 0o644))

	c, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 42, c.Stats.MaxEntries)
	assert.Equal(t, 2*time.Second, c.Timer.StatementTimeout)
	assert.Equal(t, 4096, c.Stats.MaxFingerprintLength, "unset fields keep defaults")
}

func TestLoadFile_Errors(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("stats: [unclosed"), 0o644))
	_, err = LoadFile(bad)
	assert.Error(t, err)
}

func TestLoadFromEnvOrFile(t *testing.T) {
	t.Run("missing file uses env", func(t *testing.T) {
		t.Setenv("QSTATS_STATS_MAX_ENTRIES", "77")
		c, err := LoadFromEnvOrFile(filepath.Join(t.TempDir(), "none.yaml"))
		require.NoError(t, err)
		assert.Equal(t, 77, c.Stats.MaxEntries)
	})

	t.Run("env overrides file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "qstats.yaml")
		require.NoError(t, os.WriteFile(path, []byte("stats:\n  level: 2\n  max_entries: 10\n"), 0o644))
		t.Setenv("QSTATS_STATS_MAX_ENTRIES", "20")

		c, err := LoadFromEnvOrFile(path)
		require.NoError(t, err)
		assert.Equal(t, 2, c.Stats.Level)
		assert.Equal(t, 20, c.Stats.MaxEntries)
	})
}

// =============================================================================
// Validation Tests
// =============================================================================

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"reserved level", func(c *Config) { c.Stats.Level = 5 }, "reserved"},
		{"negative level", func(c *Config) { c.Stats.Level = -1 }, "invalid stats level"},
		{"level above reserved", func(c *Config) { c.Stats.Level = 9 }, "invalid stats level"},
		{"zero max entries", func(c *Config) { c.Stats.MaxEntries = 0 }, "max entries"},
		{"max entries above ceiling", func(c *Config) { c.Stats.MaxEntries = 1000001 }, "max entries"},
		{"fingerprint length above ceiling", func(c *Config) { c.Stats.MaxFingerprintLength = 256*1024 + 1 }, "fingerprint length"},
		{"negative reset retries", func(c *Config) { c.Stats.ResetRetries = -1 }, "reset retries"},
		{"negative timeout", func(c *Config) { c.Timer.StatementTimeout = -time.Second }, "statement timeout"},
		{"bad port", func(c *Config) { c.Server.Port = 0 }, "http port"},
		{"storage without dir", func(c *Config) { c.Storage.Enabled = true; c.Storage.DataDir = "" }, "data directory"},
		{"storage without interval", func(c *Config) { c.Storage.Enabled = true; c.Storage.SnapshotInterval = 0 }, "snapshot interval"},
		{"bad log level", func(c *Config) { c.Logging.Level = "chatty" }, "log level"},
		{"unknown tracked kind", func(c *Config) { c.Stats.Track = []string{"select", "merge"} }, "unknown statement kind"},
		{"audit without path", func(c *Config) { c.Audit.Enabled = true; c.Audit.LogPath = "" }, "audit"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Default()
			tt.mutate(c)
			err := c.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}

	t.Run("in-memory storage needs no dir", func(t *testing.T) {
		c := Default()
		c.Storage.Enabled = true
		c.Storage.InMemory = true
		c.Storage.DataDir = ""
		assert.NoError(t, c.Validate())
	})

	t.Run("disabled server ignores port", func(t *testing.T) {
		c := Default()
		c.Server.Enabled = false
		c.Server.Port = 0
		assert.NoError(t, c.Validate())
	})
}

// =============================================================================
// Conversion Tests
// =============================================================================

func TestApplyTracking(t *testing.T) {
	defer fingerprint.ResetTracking()

	c := Default()
	c.Stats.Track = []string{"UPDATE", " replace"}
	require.NoError(t, c.ApplyTracking())
	assert.Equal(t, []fingerprint.StatementKind{fingerprint.KindUpdate, fingerprint.KindReplace}, fingerprint.TrackedKinds())

	c.Stats.Track = []string{"nope"}
	assert.Error(t, c.ApplyTracking())
	assert.True(t, fingerprint.Tracked(fingerprint.KindUpdate), "failed apply keeps the previous set")
}

func TestEngineConfig(t *testing.T) {
	c := Default()
	c.Stats.Level = 2
	c.Stats.MaxEntries = 99
	c.Timer.StatementTimeout = time.Second

	ec := c.EngineConfig()
	assert.Equal(t, cache.LevelClient, ec.Stats.Level)
	assert.Equal(t, 99, ec.Stats.MaxEntries)
	assert.Equal(t, 200, ec.Stats.GateRetries)
	assert.Equal(t, time.Second, ec.DefaultStatementTimeout)

	po := c.PoolOptions()
	assert.True(t, po.Enabled)
	assert.Equal(t, 1024*1024, po.MaxBufferSize)
}

func TestString(t *testing.T) {
	c := Default()
	c.Server.AdminTokenHash = "$2a$10$secret"
	s := c.String()
	assert.Contains(t, s, "level=1")
	assert.NotContains(t, s, "secret")
	assert.Contains(t, s, "unlimited")
}

// =============================================================================
// Memory Size Tests
// =============================================================================

func TestParseMemorySize(t *testing.T) {
	tests := []struct {
		input string
		want  int64
	}{
		{"1024", 1024},
		{"512MiB", 512 * 1024 * 1024},
		{"2GiB", 2 * 1024 * 1024 * 1024},
		{"1GB", 1000 * 1000 * 1000},
		{"  2GiB  ", 2 * 1024 * 1024 * 1024},
		{"0", 0},
		{"unlimited", 0},
		{"UNLIMITED", 0},
		{"", 0},
		{"abc", 0},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.want, parseMemorySize(tt.input))
		})
	}
}

func TestFormatMemorySize(t *testing.T) {
	assert.Equal(t, "unlimited", FormatMemorySize(0))
	assert.Equal(t, "1.0 KiB", FormatMemorySize(1024))
	assert.Equal(t, "2.0 GiB", FormatMemorySize(2*1024*1024*1024))
}
