package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/raysh454/uatu/internal/app"
	"github.com/raysh454/uatu/internal/logging"
	"github.com/raysh454/uatu/internal/metrics"
	"github.com/raysh454/uatu/internal/registry"
	"github.com/raysh454/uatu/internal/store"
)

const maxRequestBody = 1 << 20

// Server is the HTTP + WebSocket API surface for uatu.
type Server struct {
	cfg          Config
	orchestrator *app.Orchestrator
	registry     *registry.Registry
	metrics      *metrics.PipelineMetrics
	router       chi.Router
	upgrader     websocket.Upgrader
	logger       logging.Logger
}

// NewServer creates a new Server with its own Orchestrator.
func NewServer(cfg Config) (*Server, error) {
	if cfg.AppConfig == nil {
		cfg.AppConfig = app.DefaultConfig()
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = cfg.AppConfig.Server.Addr
	}

	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewStdoutLogger("server")
	}

	// Make sure the out root exists
	outRoot, err := expandPath(cfg.AppConfig.OutRoot)
	if err != nil {
		return nil, fmt.Errorf("expanding out root path: %w", err)
	}
	cfg.AppConfig.OutRoot = outRoot
	if err := os.MkdirAll(outRoot, 0o755); err != nil {
		logger.Warn("creating out root directory", logging.Field{Key: "path", Value: outRoot}, logging.Field{Key: "error", Value: err.Error()})
	}

	db, err := registry.OpenDB(cfg.AppConfig.RegistryDBPath())
	if err != nil {
		return nil, fmt.Errorf("opening registry database: %w", err)
	}
	reg, err := registry.NewRegistry(db, logger)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating registry: %w", err)
	}

	pm := cfg.Metrics
	if pm == nil {
		pm = metrics.NewPipelineMetrics()
	}
	opts := []app.Option{app.WithMetrics(pm)}
	if cfg.Deps != nil {
		opts = append(opts, app.WithDeps(*cfg.Deps))
	}
	orch := app.NewOrchestrator(cfg.AppConfig, reg, logger, opts...)

	r := chi.NewRouter()
	s := &Server{
		cfg:          cfg,
		orchestrator: orch,
		registry:     reg,
		metrics:      pm,
		router:       r,
		logger:       logger,
		upgrader: websocket.Upgrader{
			// The API is unauthenticated and meant for localhost.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	s.routes()
	return s, nil
}

// Orchestrator returns the underlying orchestrator for advanced use (tests, etc.).
func (s *Server) Orchestrator() *app.Orchestrator {
	return s.orchestrator
}

func (s *Server) routes() {
	r := s.router

	r.Use(s.corsMiddleware)

	// CORS preflight
	r.Options("/runs", s.optionsHandler("GET, POST"))
	r.Options("/runs/{runID}", s.optionsHandler("GET, DELETE"))
	r.Options("/runs/{runID}/status", s.optionsHandler("GET"))
	r.Options("/ws/runs/{runID}", s.optionsHandler("GET"))

	// Runs
	r.Post("/runs", s.handleStartRun)
	r.Get("/runs", s.handleListRuns)
	r.Get("/runs/{runID}", s.handleGetRun)
	r.Get("/runs/{runID}/status", s.handleRunStatus)
	r.Delete("/runs/{runID}", s.handleCancelRun)

	// WebSocket for run progress
	r.Get("/ws/runs/{runID}", s.handleRunWS)

	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "86400")

		next.ServeHTTP(w, r)
	})
}

func (s *Server) optionsHandler(methods string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Methods", methods)
		w.WriteHeader(http.StatusNoContent)
	}
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	fields := []logging.Field{
		{Key: "method", Value: r.Method},
		{Key: "path", Value: r.URL.Path},
	}

	if q := r.URL.Query(); len(q) > 0 {
		fields = append(fields, logging.Field{Key: "query", Value: q})
	}

	if r.Body != nil && r.Method == http.MethodPost {
		if bodyBytes, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody)); err == nil {
			fields = append(fields, logging.Field{Key: "body", Value: string(bodyBytes)})
			r.Body = io.NopCloser(bytes.NewReader(bodyBytes))
		}
	}

	s.logger.Info("http_request", fields...)

	s.router.ServeHTTP(w, r)
}

// Close cancels running audits and releases the registry.
func (s *Server) Close() {
	if s.orchestrator != nil {
		s.orchestrator.Close()
	}
	if s.registry != nil {
		s.registry.Close()
	}
}

// HTTPServer creates an *http.Server ready to ListenAndServe.
func (s *Server) HTTPServer() *http.Server {
	return &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      0, // allow streaming
	}
}

// --- JSON helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

// --- HTTP handlers ---

func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	var body StartRunRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.logger.Warn("decoding start run body", logging.Field{Key: "error", Value: err.Error()})
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	// Runs outlive the request that started them.
	job, err := s.orchestrator.StartRunJob(context.Background(), body.spec())
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, app.ErrClosed) {
			status = http.StatusServiceUnavailable
		}
		s.logger.Warn("starting run", logging.Field{Key: "error", Value: err.Error()})
		writeError(w, status, err.Error())
		return
	}
	s.logger.Info("started run", logging.Field{Key: "run_id", Value: job.ID}, logging.Field{Key: "input", Value: job.Input})
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	target := r.URL.Query().Get("target")
	limit := 50
	if ls := r.URL.Query().Get("limit"); ls != "" {
		if v, err := strconv.Atoi(ls); err == nil && v > 0 {
			limit = v
		}
	}

	runs, err := s.registry.ListRuns(r.Context(), target, limit)
	if err != nil {
		s.logger.Warn("listing runs", logging.Field{Key: "error", Value: err.Error()})
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if runs == nil {
		runs = []registry.Run{}
	}
	writeJSON(w, http.StatusOK, runs)
}

// lookup returns what is known about runID. ok is false when neither the
// registry nor the job table knows it.
func (s *Server) lookup(ctx context.Context, runID string) (RunDetails, bool, error) {
	var d RunDetails
	d.Job = s.orchestrator.GetJob(runID)
	run, err := s.registry.GetRun(ctx, runID)
	switch {
	case errors.Is(err, registry.ErrRunNotFound):
	case err != nil:
		return d, false, err
	default:
		d.Run = run
	}

	outDir := ""
	if d.Run != nil {
		outDir = d.Run.OutDir
	} else if d.Job != nil {
		outDir = d.Job.OutDir
	}
	if outDir != "" {
		if st, err := (store.Layout{Root: outDir}).ReadStatus(); err == nil {
			d.Status = &st
		}
	}
	return d, d.Run != nil || d.Job != nil, nil
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	d, ok, err := s.lookup(r.Context(), runID)
	if err != nil {
		s.logger.Warn("getting run", logging.Field{Key: "error", Value: err.Error()})
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleRunStatus(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	d, ok, err := s.lookup(r.Context(), runID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	if d.Status == nil {
		// Accepted but the pipeline has not written a snapshot yet.
		writeJSON(w, http.StatusOK, store.Status{RunID: runID, State: registry.StatusRunning})
		return
	}
	writeJSON(w, http.StatusOK, d.Status)
}

func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	if !s.orchestrator.CancelJob(runID) {
		writeError(w, http.StatusNotFound, "no running job for run")
		return
	}
	s.logger.Info("canceled run", logging.Field{Key: "run_id", Value: runID})
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "canceling"})
}

// handleRunWS streams a live run's job events. For a finished run it
// replays the persisted event log and closes.
func (s *Server) handleRunWS(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	d, ok, err := s.lookup(r.Context(), runID)
	if err != nil || !ok {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("upgrading to websocket", logging.Field{Key: "error", Value: err.Error()})
		return
	}
	defer conn.Close()

	if d.Job != nil && d.Job.Events != nil && d.Job.EndedAt.IsZero() {
		_ = conn.WriteJSON(d.Job)
		for ev := range d.Job.Events {
			if err := conn.WriteJSON(ev); err != nil {
				// Observers never own the run; a dropped client leaves it running.
				return
			}
		}
		return
	}

	if d.Run == nil {
		return
	}
	events, err := store.ReadEvents(store.Layout{Root: d.Run.OutDir}.Events())
	if err != nil {
		_ = conn.WriteJSON(ErrorResponse{Error: err.Error()})
		return
	}
	for _, ev := range events {
		if err := conn.WriteJSON(ev); err != nil {
			return
		}
	}
}

func expandPath(p string) (string, error) {
	if len(p) > 0 && p[0] == '~' {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, p[1:]), nil
	}
	return p, nil
}
