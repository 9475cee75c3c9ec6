// Package server provides the HTTP introspection API for qstats.
//
// The API exposes the query stats table, a reset operation, the stats level,
// stored snapshots and Prometheus metrics. Statements executed elsewhere,
// for example behind a proxy, are reported with POST
// /query_statistics/record and land in the same table.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"

	"github.com/orneryd/qstats/pkg/audit"
	"github.com/orneryd/qstats/pkg/cache"
	"github.com/orneryd/qstats/pkg/engine"
	"github.com/orneryd/qstats/pkg/storage"
)

// Errors for HTTP operations.
var (
	ErrServerClosed = errors.New("server closed")
	ErrUnauthorized = errors.New("unauthorized")
	ErrBadRequest   = errors.New("bad request")
)

// Config holds HTTP server configuration.
type Config struct {
	// Address to bind to (default: "127.0.0.1")
	Address string
	// Port to listen on (default: 7480). Zero picks a free port.
	Port int
	// AdminTokenHash is a bcrypt hash of the bearer token required by the
	// mutating endpoints. Empty leaves them open.
	AdminTokenHash string
	// ReadTimeout for requests
	ReadTimeout time.Duration
	// WriteTimeout for responses
	WriteTimeout time.Duration
	// IdleTimeout for keep-alive connections
	IdleTimeout time.Duration
	// MaxRequestSize in bytes (default: 64KB)
	MaxRequestSize int64
}

// DefaultConfig returns default server configuration.
func DefaultConfig() *Config {
	return &Config{
		Address:        "127.0.0.1",
		Port:           7480,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   30 * time.Second,
		IdleTimeout:    120 * time.Second,
		MaxRequestSize: 64 * 1024,
	}
}

// SnapshotStore is the read side of the snapshot history.
type SnapshotStore interface {
	Snapshots(limit int) ([]storage.SnapshotInfo, error)
	LoadSnapshot(at time.Time) ([]cache.Row, error)
}

// Server is the HTTP introspection server.
type Server struct {
	config *Config
	engine *engine.Engine
	store  SnapshotStore
	audit  *audit.Logger
	logger zerolog.Logger

	httpServer *http.Server
	listener   net.Listener
	router     http.Handler

	mu      sync.RWMutex
	closed  atomic.Bool
	started time.Time

	// Metrics
	requestCount   atomic.Int64
	errorCount     atomic.Int64
	activeRequests atomic.Int64
}

// New creates a new HTTP server. store may be nil, in which case the
// snapshot endpoints are not mounted.
func New(eng *engine.Engine, store SnapshotStore, config *Config) (*Server, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if eng == nil {
		return nil, fmt.Errorf("engine required")
	}
	if config.MaxRequestSize <= 0 {
		config.MaxRequestSize = DefaultConfig().MaxRequestSize
	}

	s := &Server{
		config: config,
		engine: eng,
		store:  store,
		logger: log.With().Str("component", "server").Logger(),
	}
	s.router = s.buildRouter()
	return s, nil
}

// SetAuditLogger sets the audit logger for admin actions.
func (s *Server) SetAuditLogger(logger *audit.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audit = logger
}

// Handler returns the router. Useful for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start begins listening for HTTP connections. It returns once the
// listener is bound.
func (s *Server) Start() error {
	if s.closed.Load() {
		return ErrServerClosed
	}

	addr := net.JoinHostPort(s.config.Address, strconv.Itoa(s.config.Port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	s.mu.Lock()
	s.listener = listener
	s.started = time.Now()
	s.httpServer = &http.Server{
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}
	srv := s.httpServer
	s.mu.Unlock()

	s.logger.Info().Str("address", listener.Addr().String()).Msg("starting introspection server")

	go func() {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("http server error")
		}
	}()

	return nil
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil // Already closed
	}

	s.mu.RLock()
	srv := s.httpServer
	s.mu.RUnlock()

	if srv != nil {
		return srv.Shutdown(ctx)
	}
	return nil
}

// Addr returns the server's listen address.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

// Stats returns server statistics.
func (s *Server) Stats() ServerStats {
	s.mu.RLock()
	started := s.started
	s.mu.RUnlock()

	var uptime time.Duration
	if !started.IsZero() {
		uptime = time.Since(started)
	}
	return ServerStats{
		Uptime:         uptime,
		RequestCount:   s.requestCount.Load(),
		ErrorCount:     s.errorCount.Load(),
		ActiveRequests: s.activeRequests.Load(),
	}
}

// ServerStats holds server metrics.
type ServerStats struct {
	Uptime         time.Duration `json:"uptime"`
	RequestCount   int64         `json:"request_count"`
	ErrorCount     int64         `json:"error_count"`
	ActiveRequests int64         `json:"active_requests"`
}

// =============================================================================
// Router Setup
// =============================================================================

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(accessLog(s.logger))
	r.Use(middleware.Recoverer)
	r.Use(s.metricsMiddleware)

	r.Get("/health", s.handleHealth)

	r.Route("/query_statistics", func(r chi.Router) {
		r.Get("/", s.handleRows)
		r.Post("/record", s.handleRecord)
		r.With(s.requireAdmin).Post("/reset", s.handleReset)
		r.Get("/level", s.handleGetLevel)
		r.With(s.requireAdmin).Put("/level", s.handleSetLevel)

		if s.store != nil {
			r.Get("/snapshots", s.handleSnapshots)
			r.Get("/snapshots/{at}", s.handleSnapshot)
		}
	})

	metrics := promhttp.HandlerFor(s.engine.Registry(), promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
	r.Method(http.MethodGet, "/metrics", metrics)

	return r
}

// requireAdmin checks the bearer token against the configured bcrypt hash.
func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.config.AdminTokenHash == "" {
			next.ServeHTTP(w, r)
			return
		}

		token, ok := bearerToken(r)
		if !ok || bcrypt.CompareHashAndPassword([]byte(s.config.AdminTokenHash), []byte(token)) != nil {
			s.logger.Warn().
				Str("path", r.URL.Path).
				Str("remote_ip", r.RemoteAddr).
				Msg("rejected admin request")
			s.logAudit(r, audit.EventAccessDenied, false, "missing or invalid admin token", nil)
			w.Header().Set("WWW-Authenticate", `Bearer realm="qstats"`)
			s.writeError(w, http.StatusUnauthorized, "admin token required", ErrUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.requestCount.Add(1)
		s.activeRequests.Add(1)
		defer s.activeRequests.Add(-1)

		next.ServeHTTP(w, r)
	})
}

// =============================================================================
// Handlers
// =============================================================================

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"level":   s.engine.Cache().Level().String(),
		"entries": s.engine.Cache().Len(),
		"timers":  s.engine.Timers().Live(),
	})
}

func (s *Server) handleRows(w http.ResponseWriter, r *http.Request) {
	rows, err := s.engine.Cache().Rows()
	if err != nil {
		s.writeCacheError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, rows)
}

// RecordRequest is the body of POST /query_statistics/record: one statement
// that has finished executing.
type RecordRequest struct {
	Query        string `json:"query"`
	LatencyUs    uint64 `json:"latency_us"`
	RowsSent     uint64 `json:"rows_sent"`
	RowsExamined uint64 `json:"rows_examined"`
}

// RecordResponse tells the caller how the statement was classified and
// whether it entered the stats table.
type RecordResponse struct {
	Kind     string `json:"kind"`
	Recorded bool   `json:"recorded"`
}

func (s *Server) handleRecord(w http.ResponseWriter, r *http.Request) {
	var req RecordRequest
	if err := s.readJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body", ErrBadRequest)
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		s.writeError(w, http.StatusBadRequest, "query is required", ErrBadRequest)
		return
	}

	stmt := engine.NewStatement(req.Query)
	recorded := s.engine.Observe(stmt,
		time.Duration(req.LatencyUs)*time.Microsecond,
		engine.Result{RowsSent: req.RowsSent, RowsExamined: req.RowsExamined})
	s.writeJSON(w, http.StatusOK, RecordResponse{Kind: stmt.Kind.String(), Recorded: recorded})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Cache().Reset(); err != nil {
		s.logAudit(r, audit.EventStatsReset, false, err.Error(), nil)
		s.writeCacheError(w, err)
		return
	}
	s.logAudit(r, audit.EventStatsReset, true, "", nil)
	s.logger.Info().Str("remote_ip", r.RemoteAddr).Msg("query stats reset")
	w.WriteHeader(http.StatusNoContent)
}

// LevelRequest is the body of PUT /query_statistics/level.
type LevelRequest struct {
	Level int32 `json:"level"`
}

// LevelResponse describes the current stats level.
type LevelResponse struct {
	Level int32  `json:"level"`
	Name  string `json:"name"`
}

func (s *Server) handleGetLevel(w http.ResponseWriter, r *http.Request) {
	l := s.engine.Cache().Level()
	s.writeJSON(w, http.StatusOK, LevelResponse{Level: int32(l), Name: l.String()})
}

func (s *Server) handleSetLevel(w http.ResponseWriter, r *http.Request) {
	var req LevelRequest
	if err := s.readJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body", ErrBadRequest)
		return
	}

	l := cache.Level(req.Level)
	meta := map[string]string{"level": strconv.Itoa(int(req.Level))}
	if l.Reserved() {
		s.logAudit(r, audit.EventLevelChange, false, "reserved level", meta)
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("stats level %d is reserved and not implemented", req.Level), ErrBadRequest)
		return
	}
	if !s.engine.Cache().SetLevel(l) {
		s.logAudit(r, audit.EventLevelChange, false, "invalid level", meta)
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid stats level %d", req.Level), ErrBadRequest)
		return
	}

	s.logAudit(r, audit.EventLevelChange, true, "", meta)
	s.logger.Info().Stringer("level", l).Msg("stats level changed")
	s.writeJSON(w, http.StatusOK, LevelResponse{Level: int32(l), Name: l.String()})
}

func (s *Server) handleSnapshots(w http.ResponseWriter, r *http.Request) {
	list, err := s.store.Snapshots(parseIntQuery(r, "limit", 0))
	if err != nil {
		s.writeStorageError(w, err)
		return
	}
	if list == nil {
		list = []storage.SnapshotInfo{}
	}
	s.writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	at, err := parseSnapshotTime(chi.URLParam(r, "at"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "snapshot time must be RFC 3339 or unix nanoseconds", ErrBadRequest)
		return
	}

	rows, err := s.store.LoadSnapshot(at)
	if err != nil {
		s.writeStorageError(w, err)
		return
	}
	if rows == nil {
		rows = []cache.Row{}
	}
	s.writeJSON(w, http.StatusOK, rows)
}

// =============================================================================
// Helpers
// =============================================================================

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) <= len(prefix) || !strings.EqualFold(h[:len(prefix)], prefix) {
		return "", false
	}
	return strings.TrimSpace(h[len(prefix):]), true
}

func parseSnapshotTime(v string) (time.Time, error) {
	if n, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.Unix(0, n).UTC(), nil
	}
	return time.Parse(time.RFC3339Nano, v)
}

func parseIntQuery(r *http.Request, key string, defaultVal int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return n
}

func (s *Server) writeCacheError(w http.ResponseWriter, err error) {
	if errors.Is(err, cache.ErrConflictingLock) {
		s.writeError(w, http.StatusConflict, err.Error(), err)
		return
	}
	s.writeError(w, http.StatusInternalServerError, "internal server error", err)
}

func (s *Server) writeStorageError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "snapshot not found", err)
	case errors.Is(err, storage.ErrStorageClosed):
		s.writeError(w, http.StatusServiceUnavailable, "snapshot storage closed", err)
	default:
		s.writeError(w, http.StatusInternalServerError, "internal server error", err)
	}
}

// JSON helpers

func (s *Server) readJSON(r *http.Request, v interface{}) error {
	body := io.LimitReader(r.Body, s.config.MaxRequestSize)
	return json.NewDecoder(body).Decode(v)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug().Err(err).Msg("failed to write response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string, err error) {
	s.errorCount.Add(1)
	if status >= http.StatusInternalServerError {
		s.logger.Error().Err(err).Int("status", status).Msg(message)
	}

	s.writeJSON(w, status, map[string]interface{}{
		"error":   true,
		"message": message,
		"code":    status,
	})
}

// Audit helpers

func (s *Server) logAudit(r *http.Request, eventType audit.EventType, success bool, reason string, meta map[string]string) {
	s.mu.RLock()
	logger := s.audit
	s.mu.RUnlock()
	if !logger.Enabled() {
		return
	}

	err := logger.Log(audit.Event{
		Type:        eventType,
		IPAddress:   r.RemoteAddr,
		UserAgent:   r.UserAgent(),
		Success:     success,
		Reason:      reason,
		RequestID:   middleware.GetReqID(r.Context()),
		RequestPath: r.URL.Path,
		Metadata:    meta,
	})
	if err != nil {
		s.logger.Warn().Err(err).Msg("failed to write audit event")
	}
}
