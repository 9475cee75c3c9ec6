// Package engine ties the stats cache and statement timers into the
// statement execution path.
//
// The Engine owns one stats cache and one timer service for the process.
// Execute wraps a statement: it arms the session's deadline, runs the
// statement under a cancellable context, disarms the deadline and records
// the statement's latency and row counts under its fingerprint.
//
// Example:
//
//	eng := engine.New(engine.DefaultConfig())
//	defer eng.Close()
//
//	sess := session.New(session.WithTimeout(5 * time.Second))
//	defer eng.ReleaseSession(sess)
//
//	res, err := eng.Execute(ctx, sess, engine.NewStatement(query),
//		func(ctx context.Context) (engine.Result, error) {
//			return db.Run(ctx, query)
//		})
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/orneryd/qstats/pkg/cache"
	"github.com/orneryd/qstats/pkg/fingerprint"
	"github.com/orneryd/qstats/pkg/session"
	"github.com/orneryd/qstats/pkg/timer"
)

// Errors
var (
	ErrStatementTimeout = errors.New("statement execution time exceeded")
	ErrEngineClosed     = errors.New("engine closed")
)

// Config configures an Engine.
type Config struct {
	// Stats configures the stats cache.
	Stats cache.Config

	// DefaultStatementTimeout applies to sessions without their own
	// timeout. Zero disables the deadline.
	DefaultStatementTimeout time.Duration
}

// DefaultConfig returns the default cache settings and no deadline.
func DefaultConfig() Config {
	return Config{Stats: cache.DefaultConfig()}
}

// Statement is one unit of work submitted by a session.
type Statement struct {
	Kind fingerprint.StatementKind
	Text string
}

// NewStatement classifies text and returns the statement.
func NewStatement(text string) Statement {
	return Statement{Kind: fingerprint.Classify(text), Text: text}
}

// Result is what a statement reports back for accounting.
type Result struct {
	RowsSent     uint64
	RowsExamined uint64
}

// ExecFunc runs a statement. It should return promptly once ctx is done.
type ExecFunc func(ctx context.Context) (Result, error)

// Engine runs statements with deadlines and statistics.
type Engine struct {
	cfg      Config
	cache    *cache.Cache
	timers   *timer.Service
	registry *prometheus.Registry
	log      zerolog.Logger

	statements *prometheus.CounterVec
	latency    prometheus.Histogram

	closed atomic.Bool
}

// New creates an engine with its own cache, timer service and metrics
// registry.
func New(cfg Config) *Engine {
	e := &Engine{
		cfg:      cfg,
		cache:    cache.New(cfg.Stats),
		timers:   timer.NewService(),
		registry: prometheus.NewRegistry(),
		log:      log.With().Str("component", "engine").Logger(),
		statements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "qstats",
			Subsystem: "engine",
			Name:      "statements_total",
			Help:      "Statements executed, by outcome",
		}, []string{"outcome"}),
		latency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "qstats",
			Subsystem: "engine",
			Name:      "statement_duration_seconds",
			Help:      "Statement execution time",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 10),
		}),
	}

	e.registry.MustRegister(
		cache.NewCollector(e.cache),
		timer.NewCollector(e.timers),
		e.statements,
		e.latency,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	e.log.Info().
		Str("level", e.cache.Level().String()).
		Int("max_entries", e.cache.Config().MaxEntries).
		Dur("default_timeout", cfg.DefaultStatementTimeout).
		Msg("engine started")
	return e
}

// Cache returns the engine's stats cache.
func (e *Engine) Cache() *cache.Cache { return e.cache }

// Timers returns the engine's timer service.
func (e *Engine) Timers() *timer.Service { return e.timers }

// Registry returns the metrics registry with every engine collector.
func (e *Engine) Registry() *prometheus.Registry { return e.registry }

// Execute runs stmt for sess.
//
// A deadline is armed when the session or the engine has a timeout. If it
// cannot be armed the statement runs without one. When the deadline expires
// the statement's context is cancelled and Execute returns
// ErrStatementTimeout. Tracked statement kinds are recorded in the stats
// cache whatever the outcome.
func (e *Engine) Execute(ctx context.Context, sess *session.Session, stmt Statement, exec ExecFunc) (Result, error) {
	if e.closed.Load() {
		return Result{}, ErrEngineClosed
	}

	timeout := sess.Timeout()
	if timeout <= 0 {
		timeout = e.cfg.DefaultStatementTimeout
	}

	stmtCtx, end := sess.Begin(ctx)
	if timeout > 0 {
		t, err := e.timers.Set(sess, sess.Timer, timeout)
		if err != nil {
			e.log.Warn().Err(err).Stringer("session", sess.ID()).Msg("statement runs without deadline")
		}
		sess.Timer = t
	}

	start := time.Now()
	res, err := exec(stmtCtx)
	elapsed := time.Since(start)

	if sess.Timer != nil {
		sess.Timer, _ = e.timers.Reset(sess.Timer)
	}
	killed, _ := sess.Killed()
	end()

	e.latency.Observe(elapsed.Seconds())
	e.record(stmt, elapsed, res)

	switch {
	case killed:
		e.statements.WithLabelValues("timeout").Inc()
		e.log.Debug().
			Stringer("session", sess.ID()).
			Dur("timeout", timeout).
			Msg("statement killed by deadline")
		return res, fmt.Errorf("%w (%s)", ErrStatementTimeout, timeout)
	case err != nil:
		e.statements.WithLabelValues("error").Inc()
		return res, err
	default:
		e.statements.WithLabelValues("ok").Inc()
		return res, nil
	}
}

// Observe accounts for a statement that ran outside the engine, such as one
// reported by a proxy. It reports whether the statement was recorded in the
// stats cache.
func (e *Engine) Observe(stmt Statement, elapsed time.Duration, res Result) bool {
	if e.closed.Load() {
		return false
	}
	e.latency.Observe(elapsed.Seconds())
	e.statements.WithLabelValues("observed").Inc()
	return e.record(stmt, elapsed, res)
}

func (e *Engine) record(stmt Statement, elapsed time.Duration, res Result) bool {
	if !fingerprint.Tracked(stmt.Kind) {
		return false
	}
	entry, ok := e.cache.Record(stmt.Text)
	if ok {
		entry.Record(elapsed, res.RowsSent, res.RowsExamined)
	}
	return ok
}

// ReleaseSession destroys the session's cached timer. Call it when the
// session disconnects.
func (e *Engine) ReleaseSession(sess *session.Session) {
	e.timers.End(sess.Timer)
	sess.Timer = nil
}

// Close stops every pending deadline and releases the stats cache.
func (e *Engine) Close() {
	if !e.closed.CompareAndSwap(false, true) {
		return
	}
	e.timers.Close()
	e.cache.Shutdown()
	e.log.Info().Msg("engine closed")
}
