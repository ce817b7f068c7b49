// Package diagnostics exposes a supervised slot over HTTP: health and
// readiness, Prometheus metrics, the slot snapshot, exit history and an
// operator halt. Client is the matching consumer used by the CLI and the
// dashboard.
package diagnostics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/randomizedcoder/go-trampoline/internal/metrics"
	"github.com/randomizedcoder/go-trampoline/internal/probe"
	"github.com/randomizedcoder/go-trampoline/internal/process"
	"github.com/randomizedcoder/go-trampoline/internal/supervisor"
)

// DefaultHistoryLimit caps history and journal responses when no limit is
// given.
const DefaultHistoryLimit = 20

// Slot is the supervisor surface the server reads from.
type Slot interface {
	Snapshot() supervisor.Snapshot
	History() []supervisor.ExitReport
	Halt()
}

// JournalReader reads persisted exit reports.
type JournalReader interface {
	Recent(ctx context.Context, slot string, limit int) ([]supervisor.ExitReport, error)
}

// ProbeStats reports liveness probe statistics.
type ProbeStats interface {
	Stats() probe.Stats
}

// SlotStatus is the body of GET /api/v1/slot.
type SlotStatus struct {
	supervisor.Snapshot
	Usage *process.Usage `json:"usage,omitempty"`
	Probe *probe.Stats   `json:"probe,omitempty"`
}

// Config holds the server configuration.
type Config struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// DefaultConfig returns the default server configuration.
func DefaultConfig() Config {
	return Config{
		Addr:            "127.0.0.1:9464",
		ReadTimeout:     5 * time.Second,
		WriteTimeout:    10 * time.Second,
		IdleTimeout:     30 * time.Second,
		ShutdownTimeout: 5 * time.Second,
	}
}

// Server is the diagnostics HTTP server.
type Server struct {
	cfg      Config
	slot     Slot
	journal  JournalReader
	gatherer prometheus.Gatherer
	probes   ProbeStats
	usage    func(ctx context.Context, pid int) (process.Usage, error)
	logger   *slog.Logger

	router     chi.Router
	httpServer *http.Server
}

// Option configures the server.
type Option func(*Server)

// WithJournal serves /api/v1/journal from j.
func WithJournal(j JournalReader) Option {
	return func(s *Server) { s.journal = j }
}

// WithGatherer serves /metrics from g.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) { s.gatherer = g }
}

// WithProbeStats adds probe statistics to the slot status.
func WithProbeStats(p ProbeStats) Option {
	return func(s *Server) { s.probes = p }
}

// WithUsageReader overrides how worker resource usage is sampled.
func WithUsageReader(fn func(ctx context.Context, pid int) (process.Usage, error)) Option {
	return func(s *Server) { s.usage = fn }
}

// NewServer creates a diagnostics server for slot.
func NewServer(cfg Config, slot Slot, logger *slog.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:    cfg,
		slot:   slot,
		usage:  process.ReadUsage,
		logger: logger,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.router = s.setupRouter()
	s.httpServer = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return s
}

func (s *Server) setupRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	if s.gatherer != nil {
		r.Method(http.MethodGet, "/metrics", metrics.Handler(s.gatherer))
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/slot", s.handleSlot)
		r.Get("/history", s.handleHistory)
		r.Get("/journal", s.handleJournal)
		r.Post("/halt", s.handleHalt)
	})
	return r
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		defer func() {
			s.logger.Debug("http_request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration", time.Since(start).String(),
				"request_id", middleware.GetReqID(r.Context()),
			)
		}()

		next.ServeHTTP(ww, r)
	})
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Listen binds the configured address.
func (s *Server) Listen() (net.Listener, error) {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("diagnostics listen on %s: %w", s.cfg.Addr, err)
	}
	return ln, nil
}

// Serve serves on ln until ctx is cancelled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.logger.Info("diagnostics_server_starting", "addr", ln.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.httpServer.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("diagnostics server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("diagnostics shutdown: %w", err)
	}
	s.logger.Debug("diagnostics_server_stopped")
	return nil
}

// =============================================================================
// Handlers
// =============================================================================

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReady is 200 only while a worker is running.
func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	state := s.slot.Snapshot().State
	status := http.StatusOK
	if state != supervisor.StateRunning {
		status = http.StatusServiceUnavailable
	}
	respondJSON(w, status, map[string]string{"state": state.String()})
}

func (s *Server) handleSlot(w http.ResponseWriter, r *http.Request) {
	st := SlotStatus{Snapshot: s.slot.Snapshot()}

	if h := st.Handle; h != nil && h.PID > 0 && s.usage != nil {
		u, err := s.usage(r.Context(), h.PID)
		if err != nil {
			s.logger.Debug("usage_read_failed", "pid", h.PID, "error", err)
		} else {
			st.Usage = &u
		}
	}
	if s.probes != nil {
		ps := s.probes.Stats()
		st.Probe = &ps
	}
	respondJSON(w, http.StatusOK, st)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	h := s.slot.History()
	if len(h) > limit {
		h = h[len(h)-limit:]
	}
	if h == nil {
		h = []supervisor.ExitReport{}
	}
	respondJSON(w, http.StatusOK, h)
}

func (s *Server) handleJournal(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		respondError(w, http.StatusNotFound, "journal not configured")
		return
	}
	limit, err := parseLimit(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	reports, err := s.journal.Recent(r.Context(), s.slot.Snapshot().Slot, limit)
	if err != nil {
		s.logger.Warn("journal_read_failed", "error", err)
		respondError(w, http.StatusInternalServerError, "journal read failed")
		return
	}
	if reports == nil {
		reports = []supervisor.ExitReport{}
	}
	respondJSON(w, http.StatusOK, reports)
}

func (s *Server) handleHalt(w http.ResponseWriter, r *http.Request) {
	s.logger.Info("halt_via_api", "request_id", middleware.GetReqID(r.Context()))
	s.slot.Halt()
	respondJSON(w, http.StatusAccepted, map[string]string{"status": "halting"})
}

func parseLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return DefaultHistoryLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("limit must be a positive integer, got %q", raw)
	}
	return n, nil
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			slog.Error("failed to encode response", "error", err)
		}
	}
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
