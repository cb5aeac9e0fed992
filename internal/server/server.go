// Package server exposes voxintent sessions over HTTP.
//
// REST endpoints report the engine, the context catalogue, open sessions and
// their journaled inferences. GET /v1/listen upgrades to a WebSocket that
// carries one session: JSON control messages and binary audio in, JSON
// events out.
package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"sync"

	"github.com/coder/websocket"

	"github.com/MrWong99/voxintent/internal/health"
	"github.com/MrWong99/voxintent/internal/observe"
	"github.com/MrWong99/voxintent/internal/sessions"
)

// maxRecentLimit caps the limit query parameter of the inference endpoints.
const maxRecentLimit = 500

// Server routes HTTP requests to the session manager. It is safe for
// concurrent use.
type Server struct {
	mgr            *sessions.Manager
	health         *health.Handler
	metrics        *observe.Metrics
	metricsHandler http.Handler
	log            *slog.Logger
	origins        []string
	readLimit      int64

	handler http.Handler

	mu        sync.Mutex
	listeners map[*listener]struct{}
}

// Option configures a [Server].
type Option func(*Server)

// WithHealth serves /healthz and /readyz from h.
func WithHealth(h *health.Handler) Option {
	return func(s *Server) { s.health = h }
}

// WithMetrics records HTTP request latency into m.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithMetricsHandler serves h on GET /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metricsHandler = h }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.log = l
		}
	}
}

// WithOriginPatterns allows cross-origin WebSocket clients whose Origin host
// matches one of patterns.
func WithOriginPatterns(patterns ...string) Option {
	return func(s *Server) { s.origins = patterns }
}

// WithReadLimit bounds a single WebSocket message. Defaults to 1 MiB.
func WithReadLimit(n int64) Option {
	return func(s *Server) {
		if n > 0 {
			s.readLimit = n
		}
	}
}

// New creates a Server over mgr.
func New(mgr *sessions.Manager, opts ...Option) *Server {
	s := &Server{
		mgr:       mgr,
		log:       slog.Default(),
		readLimit: 1 << 20,
		listeners: make(map[*listener]struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}

	mux := http.NewServeMux()
	if s.health != nil {
		s.health.Register(mux)
	}
	if s.metricsHandler != nil {
		mux.Handle("GET /metrics", s.metricsHandler)
	}
	mux.HandleFunc("GET /v1/engine", s.handleEngine)
	mux.HandleFunc("GET /v1/contexts", s.handleContexts)
	mux.HandleFunc("GET /v1/sessions", s.handleListSessions)
	mux.HandleFunc("GET /v1/sessions/{id}", s.handleGetSession)
	mux.HandleFunc("DELETE /v1/sessions/{id}", s.handleDeleteSession)
	mux.HandleFunc("GET /v1/sessions/{id}/inferences", s.handleSessionInferences)
	mux.HandleFunc("GET /v1/inferences", s.handleAllInferences)
	mux.HandleFunc("GET /v1/listen", s.handleListen)

	s.handler = observe.Middleware(s.metrics)(mux)
	return s
}

// ServeHTTP implements [http.Handler].
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// CloseListeners closes every open /v1/listen connection with status going
// away. Their sessions are released as the connections wind down.
func (s *Server) CloseListeners() {
	s.mu.Lock()
	ls := make([]*listener, 0, len(s.listeners))
	for l := range s.listeners {
		ls = append(ls, l)
	}
	s.mu.Unlock()
	for _, l := range ls {
		_ = l.conn.Close(websocket.StatusGoingAway, "server shutting down")
	}
}

// Listeners returns the number of open /v1/listen connections.
func (s *Server) Listeners() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.listeners)
}

func (s *Server) track(l *listener, open bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if open {
		s.listeners[l] = struct{}{}
	} else {
		delete(s.listeners, l)
	}
}

type engineView struct {
	Version     string `json:"version"`
	FrameLength int    `json:"frame_length"`
	SampleRate  int    `json:"sample_rate"`
}

func (s *Server) handleEngine(w http.ResponseWriter, _ *http.Request) {
	e := s.mgr.Engine()
	writeJSON(w, http.StatusOK, engineView{
		Version:     e.Version(),
		FrameLength: e.FrameLength(),
		SampleRate:  e.SampleRate(),
	})
}

type contextView struct {
	Name     string `json:"name"`
	Default  bool   `json:"default"`
	HasModel bool   `json:"has_model"`
}

func (s *Server) handleContexts(w http.ResponseWriter, _ *http.Request) {
	cat := s.mgr.Catalogue()
	def := cat.Default()
	entries := cat.Entries()
	out := make([]contextView, 0, len(entries))
	for _, e := range entries {
		out = append(out, contextView{Name: e.Name, Default: e.Name == def, HasModel: e.Model != ""})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	infos := s.mgr.List()
	out := make([]SessionView, 0, len(infos))
	for _, info := range infos {
		out = append(out, sessionView(info))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.mgr.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionView(sess.Info()))
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	err := s.mgr.Close(r.Context(), r.PathValue("id"))
	switch {
	case errors.Is(err, sessions.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, err)
	case err != nil:
		writeError(w, http.StatusInternalServerError, err)
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) handleSessionInferences(w http.ResponseWriter, r *http.Request) {
	s.recent(w, r, r.PathValue("id"))
}

func (s *Server) handleAllInferences(w http.ResponseWriter, r *http.Request) {
	s.recent(w, r, "")
}

func (s *Server) recent(w http.ResponseWriter, r *http.Request, sessionID string) {
	limit, err := parseLimit(r.URL.Query().Get("limit"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	entries, err := s.mgr.Journal().Recent(r.Context(), sessionID, limit)
	if err != nil {
		observe.LoggerFrom(r.Context(), s.log).Warn("journal query failed", "session_id", sessionID, "err", err)
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	writeJSON(w, http.StatusOK, entryViews(entries))
}

// parseLimit parses the limit query parameter. Empty means the journal
// default.
func parseLimit(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, errors.New("limit must be a positive integer")
	}
	return min(n, maxRecentLimit), nil
}

type errorBody struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorBody{Error: err.Error()})
}

// writeJSON encodes v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
