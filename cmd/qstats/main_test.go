package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/qstats/pkg/audit"
	"github.com/orneryd/qstats/pkg/cache"
	"github.com/orneryd/qstats/pkg/config"
	"github.com/orneryd/qstats/pkg/engine"
	"github.com/orneryd/qstats/pkg/storage"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "qstats v"+version)
}

func TestFingerprintCommand(t *testing.T) {
	query := `SELECT * FROM t /* "client_id": "billing" */ WHERE id IN (1, 2, 3)`

	out, err := execute(t, "fingerprint", query)
	require.NoError(t, err)
	assert.Contains(t, out, "kind:        SELECT")
	assert.Contains(t, out, "fingerprint: SELECT * FROM t  WHERE id IN (?)")
	assert.Contains(t, out, "client_id:   billing")

	t.Run("client level changes the hash", func(t *testing.T) {
		byClient, err := execute(t, "fingerprint", "--level", "2", query)
		require.NoError(t, err)
		assert.NotEqual(t, hashLine(out), hashLine(byClient))
	})

	t.Run("invalid level", func(t *testing.T) {
		_, err := execute(t, "fingerprint", "--level", "3", query)
		assert.Error(t, err)
	})
}

func hashLine(out string) string {
	for _, line := range strings.Split(out, "\n") {
		if strings.HasPrefix(line, "hash:") {
			return line
		}
	}
	return ""
}

func TestInitCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "qstats.yaml")

	out, err := execute(t, "init", path)
	require.NoError(t, err)
	assert.Contains(t, out, path)

	cfg, err := config.LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, config.Default().Stats, cfg.Stats)

	_, err = execute(t, "init", path)
	assert.Error(t, err, "refuses to overwrite")

	_, err = execute(t, "init", "--force", path)
	assert.NoError(t, err)
}

// =============================================================================
// Replay Tests
// =============================================================================

const statementLog = `
-- warmup
SELECT * FROM users WHERE id = 1
SELECT * FROM users WHERE id = 2
/* "client_id": "api" */SELECT * FROM users WHERE id = 3
UPDATE users SET name = 'x' WHERE id = 4
CREATE TABLE t (a INT)
`

func TestReplay(t *testing.T) {
	summary, err := replay(context.Background(), strings.NewReader(statementLog), replayOptions{
		Workers:    3,
		Level:      cache.LevelFingerprint,
		MaxEntries: 100,
	})
	require.NoError(t, err)

	assert.Equal(t, 4, summary.Statements)
	require.Len(t, summary.Rows, 2)
	assert.Equal(t, "SELECT * FROM users WHERE id = ?", summary.Rows[0].Fingerprint)
	assert.Equal(t, uint64(3), summary.Rows[0].Count)

	var out bytes.Buffer
	printSummary(&out, summary)
	assert.Contains(t, out.String(), "QUERY_TYPE")
	assert.Contains(t, out.String(), "4 tracked statements, 2 keys, 0 timeouts")
}

func TestReplay_ByClient(t *testing.T) {
	summary, err := replay(context.Background(), strings.NewReader(statementLog), replayOptions{
		Workers:    1,
		Level:      cache.LevelClient,
		MaxEntries: 100,
		Timeout:    time.Minute,
	})
	require.NoError(t, err)
	require.Len(t, summary.Rows, 3)

	var clients []string
	for _, r := range summary.Rows {
		clients = append(clients, r.ClientID)
	}
	assert.Contains(t, clients, "api")
}

func TestReplay_InvalidLevel(t *testing.T) {
	_, err := replay(context.Background(), strings.NewReader(statementLog), replayOptions{Level: cache.LevelOff})
	assert.Error(t, err)
}

func TestReplayCommand_JSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "statements.sql")
	require.NoError(t, os.WriteFile(path, []byte(statementLog), 0o644))

	out, err := execute(t, "replay", "--json", path)
	require.NoError(t, err)
	assert.Contains(t, out, `"QUERY_TYPE": "SELECT * FROM users WHERE id = ?"`)
}

const slowLog = `
SELECT * FROM fast WHERE id = 1
-- sleep=500ms
SELECT * FROM slow WHERE id = 2
-- sleep=1ms
SELECT * FROM slow WHERE id = 3
`

func TestReplay_SleepHintTimeout(t *testing.T) {
	summary, err := replay(context.Background(), strings.NewReader(slowLog), replayOptions{
		Workers:    1,
		Level:      cache.LevelFingerprint,
		MaxEntries: 100,
		Timeout:    50 * time.Millisecond,
	})
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Timeouts)
	assert.Equal(t, 3, summary.Statements)
	require.Len(t, summary.Rows, 2)

	slow := summary.Rows[0]
	assert.Equal(t, "SELECT * FROM slow WHERE id = ?", slow.Fingerprint)
	assert.GreaterOrEqual(t, slow.MaxLatency, uint64(40_000), "killed statement ran until its deadline")
	assert.Less(t, slow.MaxLatency, uint64(500_000), "killed statement did not run to completion")

	var out bytes.Buffer
	printSummary(&out, summary)
	assert.Contains(t, out.String(), "1 timeouts")
}

func TestReplay_InvalidSleepHint(t *testing.T) {
	_, err := replay(context.Background(), strings.NewReader("SELECT 1\n-- sleep=soon\nSELECT 2\n"), replayOptions{
		Level: cache.LevelFingerprint,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 2")
}

func TestServeReplay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "statements.sql")
	require.NoError(t, os.WriteFile(path, []byte(statementLog+slowLog), 0o644))

	cfg := engine.DefaultConfig()
	cfg.DefaultStatementTimeout = 50 * time.Millisecond
	eng := engine.New(cfg)
	defer eng.Close()

	serveReplay(context.Background(), eng, path, 2)

	rows, err := eng.Cache().Rows()
	require.NoError(t, err)
	assert.Len(t, rows, 4)

	stats := eng.Timers().Stats()
	assert.Equal(t, uint64(1), stats.Fired)
	assert.Equal(t, uint64(8), stats.Armed)
	assert.Equal(t, 0, stats.Live, "replay sessions release their timers")

	t.Run("missing file leaves the engine untouched", func(t *testing.T) {
		serveReplay(context.Background(), eng, filepath.Join(t.TempDir(), "nope.sql"), 1)
		assert.Equal(t, 4, eng.Cache().Len())
	})
}

// =============================================================================
// Snapshot Loop Tests
// =============================================================================

func TestSaveSnapshot(t *testing.T) {
	c := cache.New(cache.DefaultConfig())
	defer c.Shutdown()
	_, ok := c.Record("SELECT 1")
	require.True(t, ok)

	store, err := storage.OpenInMemory()
	require.NoError(t, err)
	defer store.Close()

	saveSnapshot(context.Background(), c, store, time.Hour)

	info, err := store.LatestSnapshot()
	require.NoError(t, err)
	assert.Equal(t, 1, info.Rows)
}

func TestSnapshotLoop_FinalSnapshot(t *testing.T) {
	c := cache.New(cache.DefaultConfig())
	defer c.Shutdown()
	c.Record("SELECT 1")

	store, err := storage.OpenInMemory()
	require.NoError(t, err)
	defer store.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, snapshotLoop(ctx, c, store, time.Hour, 0))

	list, err := store.Snapshots(0)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestAuditCommand(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "audit.log")
	cfgPath := filepath.Join(dir, "qstats.yaml")

	cfg := config.Default()
	cfg.Audit.Enabled = true
	cfg.Audit.LogPath = logPath
	require.NoError(t, cfg.WriteFile(cfgPath))

	logger, err := audit.NewLogger(cfg.Audit)
	require.NoError(t, err)
	require.NoError(t, logger.Log(audit.Event{Type: audit.EventStatsReset, Success: true, IPAddress: "10.1.1.1"}))
	require.NoError(t, logger.Log(audit.Event{Type: audit.EventAccessDenied, Reason: "missing or invalid admin token"}))
	require.NoError(t, logger.Close())

	out, err := execute(t, "audit", "--config", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, "STATS_RESET")
	assert.Contains(t, out, "10.1.1.1")
	assert.Contains(t, out, "ACCESS_DENIED")

	out, err = execute(t, "audit", "--config", cfgPath, "--failures")
	require.NoError(t, err)
	assert.NotContains(t, out, "STATS_RESET")

	out, err = execute(t, "audit", "--config", cfgPath, "--limit", "1")
	require.NoError(t, err)
	assert.Contains(t, out, "(1 older events not shown)")
}
