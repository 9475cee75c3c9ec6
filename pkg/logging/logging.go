// Package logging configures the process-wide zerolog logger.
//
// Setup is called once at startup by the CLI. Packages then log through
// github.com/rs/zerolog/log with a component field:
//
//	logger := log.With().Str("component", "cache").Logger()
//	logger.Warn().Int("max_entries", max).Msg("stats cache full")
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options controls log output.
type Options struct {
	// Level is one of trace, debug, info, warn, error. Defaults to info.
	Level string `yaml:"level"`

	// Format is "json" or "console".
	Format string `yaml:"format"`

	// Output is "stdout", "stderr" or a file path. Files are rotated.
	Output string `yaml:"output"`

	// MaxSizeMB is the size at which a log file is rotated.
	MaxSizeMB int `yaml:"max_size_mb"`

	// MaxBackups is the number of rotated files kept.
	MaxBackups int `yaml:"max_backups"`
}

// DefaultOptions returns console logging at info level on stderr.
func DefaultOptions() Options {
	return Options{
		Level:      "info",
		Format:     "console",
		Output:     "stderr",
		MaxSizeMB:  50,
		MaxBackups: 3,
	}
}

var (
	mu      sync.Mutex
	rotator *lumberjack.Logger
)

// Setup replaces the global logger according to opts. Calling it again
// swaps the output and closes a previously opened log file.
func Setup(opts Options) error {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return err
	}

	mu.Lock()
	defer mu.Unlock()

	w, closer, err := buildWriter(opts)
	if err != nil {
		return err
	}

	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339Nano
	log.Logger = zerolog.New(w).With().Timestamp().Logger()

	if rotator != nil {
		if closeErr := rotator.Close(); closeErr != nil {
			log.Debug().Err(closeErr).Msg("failed to close old log rotator")
		}
	}
	rotator = closer
	return nil
}

// Close releases the log file, if any. Subsequent output goes to stderr.
func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if rotator == nil {
		return nil
	}
	log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	err := rotator.Close()
	rotator = nil
	return err
}

// ParseLevel converts a level name into a zerolog level. Empty means info.
func ParseLevel(s string) (zerolog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return zerolog.InfoLevel, nil
	case "warning":
		return zerolog.WarnLevel, nil
	}
	level, err := zerolog.ParseLevel(strings.ToLower(s))
	if err != nil {
		return zerolog.NoLevel, fmt.Errorf("invalid log level %q: %w", s, err)
	}
	return level, nil
}

func buildWriter(opts Options) (io.Writer, *lumberjack.Logger, error) {
	var (
		base   io.Writer
		closer *lumberjack.Logger
	)

	switch out := strings.TrimSpace(opts.Output); out {
	case "", "stderr":
		base = os.Stderr
	case "stdout":
		base = os.Stdout
	default:
		if err := os.MkdirAll(filepath.Dir(out), 0o750); err != nil {
			return nil, nil, fmt.Errorf("failed to create log directory %s: %w", filepath.Dir(out), err)
		}
		maxSize := opts.MaxSizeMB
		if maxSize <= 0 {
			maxSize = 50
		}
		closer = &lumberjack.Logger{
			Filename:   out,
			MaxSize:    maxSize,
			MaxBackups: max(opts.MaxBackups, 0),
		}
		base = closer
	}

	switch strings.ToLower(opts.Format) {
	case "", "json":
		return base, closer, nil
	case "console":
		return zerolog.ConsoleWriter{Out: base, TimeFormat: time.RFC3339, NoColor: closer != nil}, closer, nil
	default:
		return nil, nil, fmt.Errorf("invalid log format %q", opts.Format)
	}
}
