// Package server exposes sessions and datasets over HTTP. Session progress is
// streamed to clients as server-sent events.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/kingrea/stepforge/internal/dataset"
	"github.com/kingrea/stepforge/internal/eventbus"
	"github.com/kingrea/stepforge/internal/pipeline"
	"github.com/kingrea/stepforge/internal/session"
)

// Version is reported by /health.
const Version = "1.0.0"

// ServerStatus reports runtime lifecycle states for the HTTP server.
type ServerStatus string

const (
	StatusStarting ServerStatus = "starting"
	StatusReady    ServerStatus = "ready"
	StatusDraining ServerStatus = "draining"
)

// Sessions is the session surface the server drives; *session.Manager
// implements it.
type Sessions interface {
	Start(req session.StartRequest) (session.Ticket, error)
	Subscribe(id string) (eventbus.Subscription, error)
	Snapshot(id string) (pipeline.Snapshot, error)
	Abandon(id string) error
	Active() []string
}

// Datasets is the dataset surface behind /datasets; *dataset.Store
// implements it.
type Datasets interface {
	Create(rec dataset.Record, content io.Reader) (dataset.Record, error)
	Get(id string) (dataset.Record, error)
	List(userID string) ([]dataset.Record, error)
	Delete(id string) error
	Preview(id string) (dataset.Preview, error)
}

// Logger matches the minimal Printf interface used across the module.
type Logger interface {
	Printf(format string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Printf(string, ...any) {}

// Server wraps the HTTP listener and handlers.
type Server struct {
	settings Settings
	sessions Sessions
	datasets Datasets
	logger   Logger
	clock    func() time.Time

	// draining is closed on Shutdown so open event streams end.
	draining  chan struct{}
	drainOnce sync.Once

	mu        sync.RWMutex
	server    *http.Server
	listener  net.Listener
	status    ServerStatus
	startTime time.Time
}

// Option customizes server construction.
type Option func(*Server)

// WithDatasets mounts the /datasets routes.
func WithDatasets(d Datasets) Option {
	return func(s *Server) {
		s.datasets = d
	}
}

// WithLogger overrides the default no-op logger.
func WithLogger(l Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock allows tests to control timestamps.
func WithClock(clock func() time.Time) Option {
	return func(s *Server) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// NewServer prepares a server using the provided settings.
func NewServer(settings Settings, sessions Sessions, opts ...Option) *Server {
	settings.normalize()
	s := &Server{
		settings: settings,
		sessions: sessions,
		logger:   nopLogger{},
		clock:    time.Now,
		status:   StatusStarting,
		draining: make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.startTime = s.clock()
	return s
}

// Handler returns the routing table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /sessions", s.handleListSessions)
	mux.HandleFunc("POST /sessions", s.handleStartSession)
	mux.HandleFunc("POST /sessions/stream", s.handleStreamSession)
	mux.HandleFunc("GET /sessions/{id}", s.handleGetSession)
	mux.HandleFunc("GET /sessions/{id}/events", s.handleSessionEvents)
	mux.HandleFunc("DELETE /sessions/{id}", s.handleAbandonSession)
	if s.datasets != nil {
		mux.HandleFunc("POST /datasets", s.handleUploadDataset)
		mux.HandleFunc("GET /datasets", s.handleListDatasets)
		mux.HandleFunc("GET /datasets/{id}", s.handleGetDataset)
		mux.HandleFunc("GET /datasets/{id}/preview", s.handlePreviewDataset)
		mux.HandleFunc("DELETE /datasets/{id}", s.handleDeleteDataset)
	}
	return mux
}

// Start binds the TCP listener and begins serving HTTP traffic.
func (s *Server) Start(ctx context.Context) error {
	if s == nil {
		return fmt.Errorf("server: server is nil")
	}
	if s.sessions == nil {
		return fmt.Errorf("server: session manager is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return fmt.Errorf("server: already started")
	}
	addr := s.settings.Address()
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", addr, err)
	}
	s.listener = listener
	s.startTime = s.clock()
	server := &http.Server{
		Handler:     s.Handler(),
		ReadTimeout: s.settings.ReadTimeout,
		IdleTimeout: s.settings.IdleTimeout,
	}
	if ctx != nil {
		server.BaseContext = func(net.Listener) context.Context { return ctx }
	}
	s.server = server
	s.status = StatusReady
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Printf("server: serve error: %v", err)
		}
	}()
	s.logger.Printf("server: listening on %s", listener.Addr().String())
	return nil
}

// Shutdown ends open event streams, stops accepting connections and waits
// for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s == nil {
		return nil
	}
	s.drainOnce.Do(func() { close(s.draining) })
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil || s.server == nil {
		return nil
	}
	s.status = StatusDraining
	if ctx == nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	}
	if err := s.server.Shutdown(ctx); err != nil {
		return err
	}
	s.listener = nil
	s.server = nil
	return nil
}

// Addr returns the bound TCP address once the server has started.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// BaseURL returns the HTTP base URL (scheme + host:port) for the running server.
func (s *Server) BaseURL() string {
	addr := s.Addr()
	if addr == "" {
		return s.settings.URL()
	}
	return "http://" + addr
}

// Status reports the server's lifecycle state.
func (s *Server) Status() ServerStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

type healthResponse struct {
	Status         string `json:"status"`
	Version        string `json:"version"`
	UptimeSeconds  int64  `json:"uptimeSeconds"`
	ActiveSessions int    `json:"activeSessions"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	started := s.startTime
	s.mu.RUnlock()
	writeJSON(w, http.StatusOK, healthResponse{
		Status:         string(s.Status()),
		Version:        Version,
		UptimeSeconds:  int64(s.clock().Sub(started).Seconds()),
		ActiveSessions: len(s.sessions.Active()),
	})
}

// decodeJSON reads a size-limited JSON body into dst and reports failures
// to the client.
func (s *Server) decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	reader := http.MaxBytesReader(w, r.Body, s.settings.MaxBodyBytes)
	defer reader.Close()
	body, err := io.ReadAll(reader)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload exceeds limit")
			return false
		}
		writeError(w, http.StatusBadRequest, "unable to read body")
		return false
	}
	if len(body) == 0 {
		writeError(w, http.StatusBadRequest, "empty body")
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
