package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var _ badger.Logger = (*BadgerLogger)(nil)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want zerolog.Level
	}{
		{"", zerolog.InfoLevel},
		{"debug", zerolog.DebugLevel},
		{"WARN", zerolog.WarnLevel},
		{"warning", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := ParseLevel("loud")
	assert.Error(t, err)
}

func TestSetup_File(t *testing.T) {
	origLogger := log.Logger
	origLevel := zerolog.GlobalLevel()
	defer func() {
		_ = Close()
		log.Logger = origLogger
		zerolog.SetGlobalLevel(origLevel)
	}()

	path := filepath.Join(t.TempDir(), "logs", "qstats.log")
	require.NoError(t, Setup(Options{Level: "debug", Format: "json", Output: path}))

	log.Info().Str("component", "test").Msg("hello")
	require.NoError(t, Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(data), &entry))
	assert.Equal(t, "hello", entry["message"])
	assert.Equal(t, "test", entry["component"])
	assert.Equal(t, "info", entry["level"])
}

func TestSetup_InvalidOptions(t *testing.T) {
	assert.Error(t, Setup(Options{Level: "nope"}))
	assert.Error(t, Setup(Options{Level: "info", Format: "xml"}))
}

func TestBadgerLogger(t *testing.T) {
	var buf bytes.Buffer
	l := NewBadgerLogger(zerolog.New(&buf).Level(zerolog.TraceLevel))

	origLevel := zerolog.GlobalLevel()
	zerolog.SetGlobalLevel(zerolog.TraceLevel)
	defer zerolog.SetGlobalLevel(origLevel)

	l.Warningf("value log %d discarded\n", 3)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry))
	assert.Equal(t, "value log 3 discarded", entry["message"])
	assert.Equal(t, "badger", entry["component"])
	assert.Equal(t, "warn", entry["level"])
}
