// Package audit records administrative actions taken against the query
// stats table.
//
// Every reset, level change and rejected admin request is appended to a
// JSON lines file so operators can tell who cleared the counters and when.
// Reading the stats is not audited.
//
// Example Usage:
//
//	logger, err := audit.NewLogger(audit.Config{
//		Enabled: true,
//		LogPath: "./logs/audit.log",
//	})
//	if err != nil {
//		return err
//	}
//	defer logger.Close()
//
//	logger.Log(audit.Event{
//		Type:      audit.EventStatsReset,
//		IPAddress: "10.0.0.7",
//		Success:   true,
//	})
//
//	result, _ := audit.NewReader("./logs/audit.log").Query(audit.Query{
//		EventTypes: []audit.EventType{audit.EventStatsReset},
//	})
package audit

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"
)

// ErrLoggerClosed is returned by Log after Close.
var ErrLoggerClosed = errors.New("audit logger is closed")

// EventType categorizes audit events.
type EventType string

const (
	// EventStatsReset is a reset of the stats counters.
	EventStatsReset EventType = "STATS_RESET"
	// EventLevelChange is a change of the stats level.
	EventLevelChange EventType = "LEVEL_CHANGE"
	// EventAccessDenied is an admin request with a missing or wrong token.
	EventAccessDenied EventType = "ACCESS_DENIED"
)

// Event is a single audit record.
type Event struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Type      EventType `json:"type"`

	IPAddress string `json:"ip_address,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`

	Success bool   `json:"success"`
	Reason  string `json:"reason,omitempty"`

	RequestID   string `json:"request_id,omitempty"`
	RequestPath string `json:"request_path,omitempty"`

	Metadata map[string]string `json:"metadata,omitempty"`
}

// Config configures the audit logger.
type Config struct {
	// Enabled turns logging on. A disabled logger accepts and drops events.
	Enabled bool `yaml:"enabled"`

	// LogPath is the JSON lines file events are appended to.
	LogPath string `yaml:"log_path"`

	// SyncWrites fsyncs after every event.
	SyncWrites bool `yaml:"sync_writes"`
}

// DefaultConfig returns a disabled configuration with the default path.
func DefaultConfig() Config {
	return Config{
		Enabled:    false,
		LogPath:    "./logs/audit.log",
		SyncWrites: true,
	}
}

// Logger appends audit events. Safe for concurrent use.
type Logger struct {
	mu       sync.Mutex
	writer   io.Writer
	file     *os.File
	config   Config
	sequence uint64
	closed   bool
}

// NewLogger opens config.LogPath for appending, creating its directory.
func NewLogger(config Config) (*Logger, error) {
	if !config.Enabled {
		return &Logger{config: config}, nil
	}

	dir := filepath.Dir(config.LogPath)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("creating audit log directory: %w", err)
	}

	file, err := os.OpenFile(config.LogPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0640)
	if err != nil {
		return nil, fmt.Errorf("opening audit log file: %w", err)
	}

	return &Logger{
		writer: file,
		file:   file,
		config: config,
	}, nil
}

// NewLoggerWithWriter creates an enabled logger writing to writer (for testing).
func NewLoggerWithWriter(writer io.Writer) *Logger {
	return &Logger{
		writer: writer,
		config: Config{Enabled: true},
	}
}

// Enabled reports whether events are recorded.
func (l *Logger) Enabled() bool {
	return l != nil && l.config.Enabled
}

// Log records an event. Timestamp and ID are filled in when empty.
func (l *Logger) Log(event Event) error {
	if !l.Enabled() {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return ErrLoggerClosed
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.ID == "" {
		l.sequence++
		event.ID = fmt.Sprintf("audit-%d-%d", event.Timestamp.UnixNano(), l.sequence)
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshaling audit event: %w", err)
	}
	if _, err := l.writer.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("writing audit event: %w", err)
	}

	if l.config.SyncWrites && l.file != nil {
		if err := l.file.Sync(); err != nil {
			return fmt.Errorf("syncing audit log: %w", err)
		}
	}
	return nil
}

// Close closes the underlying file. Later calls to Log fail.
func (l *Logger) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

// Query filters audit events. Zero fields match everything.
type Query struct {
	StartTime  time.Time
	EndTime    time.Time
	EventTypes []EventType
	Success    *bool
	Limit      int
}

// QueryResult holds audit query results.
type QueryResult struct {
	Events     []Event
	TotalCount int
	HasMore    bool
}

// Reader reads an audit log file.
type Reader struct {
	path string
}

// NewReader creates an audit log reader.
func NewReader(path string) *Reader {
	return &Reader{path: path}
}

// Query returns the matching events in file order. With a Limit only the
// most recent matches are returned. A missing file yields no events.
func (r *Reader) Query(q Query) (*QueryResult, error) {
	file, err := os.Open(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return &QueryResult{Events: []Event{}}, nil
		}
		return nil, fmt.Errorf("opening audit log: %w", err)
	}
	defer file.Close()

	events := []Event{}
	decoder := json.NewDecoder(file)
	for {
		var event Event
		if err := decoder.Decode(&event); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("decoding audit log: %w", err)
		}

		if !q.StartTime.IsZero() && event.Timestamp.Before(q.StartTime) {
			continue
		}
		if !q.EndTime.IsZero() && event.Timestamp.After(q.EndTime) {
			continue
		}
		if len(q.EventTypes) > 0 && !slices.Contains(q.EventTypes, event.Type) {
			continue
		}
		if q.Success != nil && event.Success != *q.Success {
			continue
		}
		events = append(events, event)
	}

	total := len(events)
	if q.Limit > 0 && len(events) > q.Limit {
		events = events[len(events)-q.Limit:]
	}
	return &QueryResult{
		Events:     events,
		TotalCount: total,
		HasMore:    len(events) < total,
	}, nil
}
