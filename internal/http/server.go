package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"aegisflux/agents/mitigation-agent/internal/engine"
	"aegisflux/agents/mitigation-agent/internal/rollback"
	"aegisflux/agents/mitigation-agent/internal/shadow"
	"aegisflux/agents/mitigation-agent/internal/store"
	"aegisflux/agents/mitigation-agent/internal/types"
)

const (
	defaultLimit = 100
	maxBodyBytes = 1 << 20
)

// Engine is what the operator API drives
type Engine interface {
	ProcessEvent(ctx context.Context, obs types.Observation) types.Result
	Status() types.Status
	Settings() types.Snapshot
	ProposeSetting(ctx context.Context, key, value string) (*shadow.State, shadow.Result)
	ApplyShadow(id uint64) (uint64, error)
	ShadowHistory(n int) []shadow.Entry
	ActionHistory(n int) []types.ActionRecord
	ResetPipeline(ctx context.Context) (shadow.Result, uint64, error)
	Checkpoint(description string) (uint64, error)
	RollbackLast() error
	RollbackTo(id uint64) error
	ListRollbackPoints(n int) []rollback.Point
}

// Journal serves recent events
type Journal interface {
	Recent(n int) []store.Entry
}

// Decoder validates ingested observations
type Decoder interface {
	Decode(data []byte) (types.Observation, error)
}

// Deps are the collaborators behind the routes
type Deps struct {
	Engine   Engine
	Journal  Journal
	Decoder  Decoder
	Gatherer prometheus.Gatherer
}

// Server provides the operator HTTP API
type Server struct {
	logger    *slog.Logger
	hostID    string
	version   string
	deps      Deps
	router    *chi.Mux
	server    *http.Server
	startTime time.Time
}

// NewServer creates a new HTTP server listening on addr
func NewServer(logger *slog.Logger, hostID, version, addr string, deps Deps) *Server {
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}

	s := &Server{
		logger:    logger,
		hostID:    hostID,
		version:   version,
		deps:      deps,
		router:    chi.NewRouter(),
		startTime: time.Now(),
	}

	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.Recoverer)
	s.router.Use(s.logRequests)
	s.routes()

	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) routes() {
	s.router.Get("/healthz", s.handleHealth)
	s.router.Get("/status", s.handleStatus)
	s.router.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{}))

	s.router.Get("/events", s.handleEvents)
	s.router.Post("/events", s.handleIngest)
	s.router.Get("/actions", s.handleActions)

	s.router.Route("/shadows", func(r chi.Router) {
		r.Get("/", s.handleShadows)
		r.Post("/", s.handlePropose)
		r.Post("/{id}/apply", s.handleApply)
	})

	s.router.Route("/rollbacks", func(r chi.Router) {
		r.Get("/", s.handleRollbackPoints)
		r.Post("/", s.handleCheckpoint)
		r.Post("/last", s.handleRollbackLast)
		r.Post("/{id}", s.handleRollbackTo)
	})

	s.router.Post("/pipeline/reset", s.handleReset)
	s.router.Get("/settings", s.handleSettings)
}

// Handler exposes the router
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until ctx is cancelled, then shuts down gracefully
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("Starting HTTP server", "addr", s.server.Addr)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s.logger.Info("Shutting down HTTP server")
	return s.server.Shutdown(shutdownCtx)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"status_code", ww.Status(),
			"duration", time.Since(start).String(),
			"request_id", middleware.GetReqID(r.Context()))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:    "healthy",
		HostID:    s.hostID,
		Timestamp: time.Now().Format(time.RFC3339),
		Uptime:    time.Since(s.startTime).Round(time.Second).String(),
		Version:   s.version,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, StatusResponse{
		HostID:    s.hostID,
		Timestamp: time.Now().Format(time.RFC3339),
		Version:   s.version,
		Status:    s.deps.Engine.Status(),
	})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	entries := []store.Entry{}
	if s.deps.Journal != nil {
		entries = append(entries, s.deps.Journal.Recent(limit)...)
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("failed to read body: %w", err))
		return
	}

	obs, err := s.deps.Decoder.Decode(data)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	writeJSON(w, http.StatusOK, s.deps.Engine.ProcessEvent(r.Context(), obs))
}

func (s *Server) handleActions(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Engine.ActionHistory(limit))
}

func (s *Server) handleShadows(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	entries := s.deps.Engine.ShadowHistory(limit)
	out := make([]ShadowResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, ShadowResponse{
			ShadowID:    e.State.ID,
			Description: e.State.Description,
			Result:      e.Result,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handlePropose(w http.ResponseWriter, r *http.Request) {
	var req ProposeRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	if req.Key == "" {
		writeError(w, http.StatusBadRequest, errors.New("key is required"))
		return
	}

	state, result := s.deps.Engine.ProposeSetting(r.Context(), req.Key, req.Value)
	writeJSON(w, http.StatusOK, ShadowResponse{
		ShadowID:    state.ID,
		Description: state.Description,
		Result:      result,
	})
}

func (s *Server) handleApply(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	pointID, err := s.deps.Engine.ApplyShadow(id)
	if err != nil {
		status := http.StatusUnprocessableEntity
		if errors.Is(err, engine.ErrNoPendingChange) {
			status = http.StatusConflict
		}
		writeError(w, status, err)
		return
	}
	writeJSON(w, http.StatusOK, ApplyResponse{ShadowID: id, RollbackPointID: pointID})
}

func (s *Server) handleRollbackPoints(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Engine.ListRollbackPoints(limit))
}

func (s *Server) handleCheckpoint(w http.ResponseWriter, r *http.Request) {
	req := CheckpointRequest{Description: "Operator checkpoint"}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
			return
		}
	}

	id, err := s.deps.Engine.Checkpoint(req.Description)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusCreated, ApplyResponse{RollbackPointID: id})
}

func (s *Server) handleRollbackLast(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Engine.RollbackLast(); err != nil {
		writeError(w, rollbackStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, RollbackResponse{Status: "completed"})
}

func (s *Server) handleRollbackTo(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.deps.Engine.RollbackTo(id); err != nil {
		writeError(w, rollbackStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, RollbackResponse{PointID: id, Status: "completed"})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	result, pointID, err := s.deps.Engine.ResetPipeline(r.Context())
	if err != nil {
		writeJSON(w, http.StatusConflict, struct {
			ErrorResponse
			Result shadow.Result `json:"result"`
		}{ErrorResponse{err.Error()}, result})
		return
	}
	writeJSON(w, http.StatusOK, ResetResponse{Result: result, RollbackPointID: pointID})
}

func (s *Server) handleSettings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, SettingsResponse{Settings: s.deps.Engine.Settings()})
}

func rollbackStatus(err error) int {
	switch {
	case errors.Is(err, rollback.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, rollback.ErrNoPreviousPoint):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func parseLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid limit %q", raw)
	}
	return n, nil
}

func parseID(r *http.Request) (uint64, error) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid id %q", raw)
	}
	return id, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, ErrorResponse{Error: err.Error()})
}
