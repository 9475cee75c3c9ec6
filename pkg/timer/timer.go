// Package timer provides per-statement deadline timers.
//
// A session arms a timer when a statement starts and disarms it when the
// statement ends. If the deadline passes first, the timer kills the session
// with KillTimeout from its own goroutine. The same Timer is reused for the
// next statement on the session.
//
//	t, err := svc.Set(sess, sess.timer, 2*time.Second)
//	if err != nil {
//		// no timer armed, run without a deadline
//	}
//	runStatement()
//	sess.timer, _ = svc.Reset(t)
//
// Expiry and disarm race by nature. Each Timer is reference counted: the
// owning session holds one reference and every armed expiry holds another.
// The timer is unregistered once both sides have let go, so a notification
// never runs against a destroyed timer and a detached session is never
// killed.
package timer

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// Errors returned by Set. Either way no timer is armed.
var (
	ErrInvalidDuration = errors.New("timer: duration must be positive")
	ErrServiceClosed   = errors.New("timer: service closed")
)

// KillReason tells a session why it is being killed.
type KillReason int

const (
	// KillTimeout means the statement exceeded its deadline.
	KillTimeout KillReason = iota + 1
)

func (r KillReason) String() string {
	if r == KillTimeout {
		return "statement timeout"
	}
	return "unknown"
}

//go:generate mockgen -source=timer.go -destination=mocks/mock_session.go -package=mocks Session

// Session receives the expiry notification. Kill is called from the timer's
// goroutine while the timer lock is held; it must not call back into the
// timer.
type Session interface {
	Kill(reason KillReason)
}

// Timer is a reusable deadline for one statement at a time.
type Timer struct {
	id  uint64
	svc *Service

	mu      sync.Mutex
	session Session
	t       *time.Timer
	gen     uint64
	refs    int
	owned   bool
}

// ID returns the registry identifier of the timer.
func (t *Timer) ID() uint64 { return t.id }

// Service is the registry of live timers. A closed service arms nothing;
// create a new one to start over.
type Service struct {
	// mu is read-held while a deadline is armed so Close cannot miss it.
	mu     sync.RWMutex
	timers map[uint64]*Timer
	closed bool
	nextID atomic.Uint64

	armed     atomic.Uint64
	fired     atomic.Uint64
	cancelled atomic.Uint64
	orphaned  atomic.Uint64
}

// NewService returns an open timer service.
func NewService() *Service {
	return &Service{timers: make(map[uint64]*Timer)}
}

// Set arms t to kill sess after d. A nil t creates a new timer. On failure
// the timer, new or not, is destroyed and nil is returned with the error.
func (s *Service) Set(sess Session, t *Timer, d time.Duration) (*Timer, error) {
	if t == nil {
		var err error
		if t, err = s.create(); err != nil {
			return nil, err
		}
	}
	if d <= 0 {
		s.End(t)
		return nil, ErrInvalidDuration
	}

	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		s.End(t)
		return nil, ErrServiceClosed
	}

	t.mu.Lock()
	if t.t != nil && t.t.Stop() {
		// re-armed without Reset
		t.refs--
		s.cancelled.Add(1)
	}
	t.session = sess
	t.gen++
	t.refs++
	gen := t.gen
	t.t = time.AfterFunc(d, func() { t.notify(gen) })
	t.mu.Unlock()
	s.mu.RUnlock()

	s.armed.Add(1)
	return t, nil
}

func (s *Service) create() (*Timer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrServiceClosed
	}
	t := &Timer{
		id:    s.nextID.Add(1),
		svc:   s,
		refs:  1,
		owned: true,
	}
	s.timers[t.id] = t
	return t, nil
}

// notify runs when the deadline of arm generation gen elapses.
func (t *Timer) notify(gen uint64) {
	t.mu.Lock()
	switch {
	case gen != t.gen:
		// superseded by a later arm
		t.svc.orphaned.Add(1)
	case t.session != nil:
		t.session.Kill(KillTimeout)
		t.session = nil
		t.svc.fired.Add(1)
	default:
		// owner detached while this notification was in flight
		t.svc.orphaned.Add(1)
	}
	t.refs--
	dead := t.refs == 0
	t.mu.Unlock()

	if dead {
		t.svc.destroy(t)
	}
}

// Reset disarms t. The returned timer is nil when t must not be reused; the
// bool reports whether the deadline already fired or is firing.
//
//   - not fired: (t, false), t can be re-armed
//   - fired and finished: (t, true), t can be re-armed
//   - firing right now: (nil, true), the running notification releases t and
//     will not touch the session
func (s *Service) Reset(t *Timer) (*Timer, bool) {
	if t == nil {
		return nil, false
	}

	t.mu.Lock()
	if t.t == nil {
		t.mu.Unlock()
		return t, false
	}
	if t.t.Stop() {
		t.t = nil
		t.session = nil
		t.refs--
		t.mu.Unlock()
		s.cancelled.Add(1)
		return t, false
	}
	t.t = nil
	if t.session == nil {
		t.mu.Unlock()
		return t, true
	}

	t.session = nil
	t.owned = false
	t.refs--
	dead := t.refs == 0
	t.mu.Unlock()

	if dead {
		s.destroy(t)
	}
	return nil, true
}

// End releases the owner's reference to t. A pending deadline is cancelled.
// Calling End twice is harmless.
func (s *Service) End(t *Timer) {
	if t == nil {
		return
	}

	t.mu.Lock()
	if !t.owned {
		t.mu.Unlock()
		return
	}
	t.owned = false
	t.session = nil
	if t.t != nil && t.t.Stop() {
		t.refs--
		s.cancelled.Add(1)
	}
	t.t = nil
	t.refs--
	dead := t.refs == 0
	t.mu.Unlock()

	if dead {
		s.destroy(t)
	}
}

func (s *Service) destroy(t *Timer) {
	s.mu.Lock()
	delete(s.timers, t.id)
	s.mu.Unlock()
}

// Live returns the number of timers not yet destroyed.
func (s *Service) Live() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.timers)
}

// Close stops every pending deadline and refuses further arming. Timers
// still owned by sessions stay registered until their owners call End. A
// deadline that already fired, or is firing, is left alone so that Reset
// still reports it as signaled.
func (s *Service) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	timers := make([]*Timer, 0, len(s.timers))
	for _, t := range s.timers {
		timers = append(timers, t)
	}
	s.mu.Unlock()

	var dead []*Timer
	for _, t := range timers {
		t.mu.Lock()
		if t.t != nil && t.t.Stop() {
			t.refs--
			s.cancelled.Add(1)
			t.t = nil
			t.session = nil
		}
		if t.refs == 0 {
			dead = append(dead, t)
		}
		t.mu.Unlock()
	}
	for _, t := range dead {
		s.destroy(t)
	}

	log.Debug().
		Str("component", "timer").
		Int("live", s.Live()).
		Msg("timer service closed")
}

// Closed reports whether Close has been called.
func (s *Service) Closed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

// Stats holds timer counters.
type Stats struct {
	Live      int    // Registered timers
	Armed     uint64 // Successful Set calls
	Fired     uint64 // Sessions killed by an expired deadline
	Cancelled uint64 // Deadlines stopped before they fired
	Orphaned  uint64 // Expiries that found no session to kill
}

// Stats returns current counters.
func (s *Service) Stats() Stats {
	return Stats{
		Live:      s.Live(),
		Armed:     s.armed.Load(),
		Fired:     s.fired.Load(),
		Cancelled: s.cancelled.Load(),
		Orphaned:  s.orphaned.Load(),
	}
}
