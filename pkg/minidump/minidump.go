// Package minidump records the state of the process when an internal
// consistency check fails.
//
// Fatal writes the stacks of every goroutine to a timestamped file in the
// configured directory, logs the fault and panics. It is reserved for
// invariant violations; recoverable conditions are returned as errors.
package minidump

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime/pprof"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Fault is the panic value raised by Fatal.
type Fault struct {
	Message  string
	DumpPath string
}

func (f *Fault) Error() string {
	if f.DumpPath == "" {
		return "fatal fault: " + f.Message
	}
	return fmt.Sprintf("fatal fault: %s (dump written to %s)", f.Message, f.DumpPath)
}

var (
	mu  sync.Mutex
	dir string
)

// Configure sets the directory dumps are written to. An empty directory
// disables dump files; Fatal still logs and panics.
func Configure(dumpDir string) {
	mu.Lock()
	dir = dumpDir
	mu.Unlock()
}

// Dir returns the configured dump directory.
func Dir() string {
	mu.Lock()
	defer mu.Unlock()
	return dir
}

// Fatal writes a goroutine dump and panics with a *Fault.
func Fatal(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)

	path, err := Write(msg)
	if err != nil {
		log.Error().Err(err).Msg("failed to write minidump")
	}

	log.Error().
		Str("component", "minidump").
		Str("dump", path).
		Msg(msg)

	panic(&Fault{Message: msg, DumpPath: path})
}

// Write dumps all goroutine stacks to a new file in the configured directory
// and returns its path. It returns "" when no directory is configured.
func Write(reason string) (string, error) {
	d := Dir()
	if d == "" {
		return "", nil
	}
	if err := os.MkdirAll(d, 0o755); err != nil {
		return "", fmt.Errorf("creating dump directory: %w", err)
	}

	name := fmt.Sprintf("qstats-%s-%d.dump", time.Now().UTC().Format("20060102T150405.000000000"), os.Getpid())
	path := filepath.Join(d, name)

	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("creating dump file: %w", err)
	}
	defer f.Close()

	if _, err := fmt.Fprintf(f, "reason: %s\ntime: %s\n\n", reason, time.Now().UTC().Format(time.RFC3339Nano)); err != nil {
		return "", fmt.Errorf("writing dump header: %w", err)
	}
	if err := pprof.Lookup("goroutine").WriteTo(f, 2); err != nil {
		return "", fmt.Errorf("writing goroutine stacks: %w", err)
	}
	return path, nil
}
