// Package server exposes the run trigger API: start a run, query its
// status, list and cancel runs.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/stagehand-ci/stagehand/internal/core/domain"
	"github.com/stagehand-ci/stagehand/internal/definition"
	"github.com/stagehand-ci/stagehand/internal/runtime"
)

// Server serves the trigger API for a directory of pipeline
// definitions.
type Server struct {
	manager     *runtime.Manager
	pipelineDir string
	logger      *slog.Logger
}

// New creates a Server.
func New(manager *runtime.Manager, pipelineDir string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{manager: manager, pipelineDir: pipelineDir, logger: logger}
}

// Handler builds the chi router with the standard middleware stack.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(s.logger))
	r.Use(TimeoutMiddleware(30 * time.Second))
	r.Use(middleware.Recoverer)
	r.Use(func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, "stagehand")
	})

	r.Get("/healthz", s.handleHealth)
	r.Post("/api/v1/pipelines/{name}/runs", s.handleStartRun)
	r.Get("/api/v1/runs", s.handleListRuns)
	r.Get("/api/v1/runs/{id}", s.handleGetRun)
	r.Delete("/api/v1/runs/{id}", s.handleCancelRun)

	return r
}

type startRunRequest struct {
	Params map[string]string `json:"params,omitempty"`
}

type startRunResponse struct {
	RunID string `json:"run_id"`
}

type errorResponse struct {
	Error  string   `json:"error"`
	Issues []string `json:"issues,omitempty"`
}

func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if strings.ContainsAny(name, `/\`) || name == "" {
		writeError(w, http.StatusBadRequest, "invalid pipeline name", nil)
		return
	}

	var req startRunRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error(), nil)
			return
		}
	}

	p, err := definition.Load(filepath.Join(s.pipelineDir, name+".yaml"))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			writeError(w, http.StatusNotFound, fmt.Sprintf("pipeline %q not found", name), nil)
			return
		}
		writeError(w, http.StatusBadRequest, err.Error(), nil)
		return
	}

	runID, err := s.manager.Start(p, req.Params)
	if err != nil {
		var ve *domain.ValidationError
		switch {
		case errors.As(err, &ve):
			writeError(w, http.StatusBadRequest, "pipeline validation failed", ve.Issues)
		case errors.Is(err, domain.ErrRunInProgress):
			writeError(w, http.StatusConflict, err.Error(), nil)
		default:
			writeError(w, http.StatusInternalServerError, err.Error(), nil)
		}
		return
	}

	writeJSON(w, http.StatusAccepted, startRunResponse{RunID: runID})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "id")

	report, err := s.manager.Get(r.Context(), runID)
	if err != nil {
		if errors.Is(err, domain.ErrRunNotFound) {
			writeError(w, http.StatusNotFound, "run not found", nil)
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error(), nil)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	pipeline := r.URL.Query().Get("pipeline")
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit", nil)
			return
		}
		limit = n
	}

	reports, err := s.manager.List(r.Context(), pipeline, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error(), nil)
		return
	}
	writeJSON(w, http.StatusOK, reports)
}

func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "id")
	if !s.manager.Cancel(runID) {
		writeError(w, http.StatusNotFound, "run not in flight", nil)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"run_id": runID, "status": "cancelling"})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string, issues []string) {
	writeJSON(w, status, errorResponse{Error: msg, Issues: issues})
}
