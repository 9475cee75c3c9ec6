// Package session models a client connection executing statements.
//
// A Session runs one statement at a time. Begin derives the statement's
// context; Kill cancels it, which is how an expired statement deadline
// aborts a running statement. Execution code is expected to watch the
// context and stop cooperatively.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/orneryd/qstats/pkg/timer"
)

// ErrKilled is the context cause of a killed statement.
var ErrKilled = errors.New("session: statement killed")

// Session is one client connection.
type Session struct {
	id       uuid.UUID
	clientID string
	timeout  time.Duration

	mu     sync.Mutex
	cancel context.CancelCauseFunc
	killed bool
	reason timer.KillReason

	// Timer is the statement timer cached for reuse by the engine.
	Timer *timer.Timer
}

// Option configures a Session.
type Option func(*Session)

// WithTimeout sets the per-statement timeout. Zero uses the engine default.
func WithTimeout(d time.Duration) Option {
	return func(s *Session) { s.timeout = d }
}

// WithClientID labels the session, for logging only.
func WithClientID(id string) Option {
	return func(s *Session) { s.clientID = id }
}

// New creates a session with a random identifier.
func New(opts ...Option) *Session {
	s := &Session{id: uuid.New()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ID returns the session identifier.
func (s *Session) ID() uuid.UUID { return s.id }

// ClientID returns the label given with WithClientID.
func (s *Session) ClientID() string { return s.clientID }

// Timeout returns the per-statement timeout, zero if unset.
func (s *Session) Timeout() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timeout
}

// SetTimeout changes the per-statement timeout for later statements.
func (s *Session) SetTimeout(d time.Duration) {
	s.mu.Lock()
	s.timeout = d
	s.mu.Unlock()
}

// Begin starts a statement and returns its context. The returned function
// ends the statement and must be called exactly once. Begin clears the
// killed state of the previous statement.
func (s *Session) Begin(ctx context.Context) (context.Context, func()) {
	stmtCtx, cancel := context.WithCancelCause(ctx)

	s.mu.Lock()
	s.cancel = cancel
	s.killed = false
	s.reason = 0
	s.mu.Unlock()

	return stmtCtx, func() {
		s.mu.Lock()
		s.cancel = nil
		s.mu.Unlock()
		cancel(nil)
	}
}

// Kill aborts the running statement, if any. It satisfies timer.Session.
func (s *Session) Kill(reason timer.KillReason) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel == nil {
		return
	}
	s.killed = true
	s.reason = reason
	s.cancel(ErrKilled)
}

// Killed reports whether the current or last statement was killed, and why.
func (s *Session) Killed() (bool, timer.KillReason) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.killed, s.reason
}
