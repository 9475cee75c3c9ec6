package audit

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLog_FillsDefaults(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(&buf)

	require.NoError(t, logger.Log(Event{Type: EventStatsReset, Success: true}))
	require.NoError(t, logger.Log(Event{Type: EventStatsReset, Success: true}))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)

	var first, second Event
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &second))
	assert.NotEmpty(t, first.ID)
	assert.NotEqual(t, first.ID, second.ID)
	assert.False(t, first.Timestamp.IsZero())
	assert.Equal(t, EventStatsReset, first.Type)
}

func TestLog_Disabled(t *testing.T) {
	logger, err := NewLogger(DefaultConfig())
	require.NoError(t, err)
	assert.False(t, logger.Enabled())
	assert.NoError(t, logger.Log(Event{Type: EventStatsReset}))
	assert.NoError(t, logger.Close())

	var nilLogger *Logger
	assert.False(t, nilLogger.Enabled())
	assert.NoError(t, nilLogger.Log(Event{Type: EventStatsReset}))
	assert.NoError(t, nilLogger.Close())
}

func TestLog_Closed(t *testing.T) {
	logger := NewLoggerWithWriter(&bytes.Buffer{})
	require.NoError(t, logger.Close())
	assert.ErrorIs(t, logger.Log(Event{Type: EventStatsReset}), ErrLoggerClosed)
}

func TestFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "audit.log")
	logger, err := NewLogger(Config{Enabled: true, LogPath: path, SyncWrites: true})
	require.NoError(t, err)

	base := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	events := []Event{
		{Timestamp: base, Type: EventStatsReset, Success: true, IPAddress: "10.0.0.1"},
		{Timestamp: base.Add(time.Minute), Type: EventAccessDenied, Success: false, Reason: "bad token"},
		{Timestamp: base.Add(2 * time.Minute), Type: EventLevelChange, Success: true, Metadata: map[string]string{"level": "client"}},
		{Timestamp: base.Add(3 * time.Minute), Type: EventStatsReset, Success: false, Reason: "conflicting lock"},
	}
	for _, e := range events {
		require.NoError(t, logger.Log(e))
	}
	require.NoError(t, logger.Close())

	reader := NewReader(path)

	t.Run("all", func(t *testing.T) {
		res, err := reader.Query(Query{})
		require.NoError(t, err)
		assert.Equal(t, 4, res.TotalCount)
		assert.False(t, res.HasMore)
		assert.Equal(t, "client", res.Events[2].Metadata["level"])
	})

	t.Run("by type", func(t *testing.T) {
		res, err := reader.Query(Query{EventTypes: []EventType{EventStatsReset}})
		require.NoError(t, err)
		assert.Len(t, res.Events, 2)
	})

	t.Run("failures only", func(t *testing.T) {
		failed := false
		res, err := reader.Query(Query{Success: &failed})
		require.NoError(t, err)
		require.Len(t, res.Events, 2)
		assert.Equal(t, EventAccessDenied, res.Events[0].Type)
	})

	t.Run("time window", func(t *testing.T) {
		res, err := reader.Query(Query{StartTime: base.Add(30 * time.Second), EndTime: base.Add(150 * time.Second)})
		require.NoError(t, err)
		assert.Len(t, res.Events, 2)
	})

	t.Run("limit keeps the newest", func(t *testing.T) {
		res, err := reader.Query(Query{Limit: 1})
		require.NoError(t, err)
		require.Len(t, res.Events, 1)
		assert.True(t, res.HasMore)
		assert.Equal(t, "conflicting lock", res.Events[0].Reason)
	})

	t.Run("appends on reopen", func(t *testing.T) {
		again, err := NewLogger(Config{Enabled: true, LogPath: path})
		require.NoError(t, err)
		require.NoError(t, again.Log(Event{Type: EventLevelChange, Success: true}))
		require.NoError(t, again.Close())

		res, err := reader.Query(Query{})
		require.NoError(t, err)
		assert.Equal(t, 5, res.TotalCount)
	})
}

func TestReader_MissingFile(t *testing.T) {
	res, err := NewReader(filepath.Join(t.TempDir(), "none.log")).Query(Query{})
	require.NoError(t, err)
	assert.Empty(t, res.Events)
}

func TestReader_Corrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	require.NoError(t, os.WriteFile(path, []byte("{not json\n"), 0o640))

	_, err := NewReader(path).Query(Query{})
	assert.Error(t, err)
}
