// Package api exposes the skip-trace engine over HTTP.
package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/sells-group/skiptrace-cli/internal/engine"
	"github.com/sells-group/skiptrace-cli/internal/model"
	"github.com/sells-group/skiptrace-cli/internal/report"
	"github.com/sells-group/skiptrace-cli/internal/store"
)

// Server holds the HTTP handler dependencies.
type Server struct {
	store store.Store
	coord *engine.Coordinator
	orch  *engine.Orchestrator
	rep   *report.Builder

	// background runs processing in its own goroutine; swapped in tests.
	background func(fn func())
}

// NewServer creates an API server.
func NewServer(s store.Store, coord *engine.Coordinator, orch *engine.Orchestrator) *Server {
	return &Server{
		store:      s,
		coord:      coord,
		orch:       orch,
		rep:        report.NewBuilder(s),
		background: func(fn func()) { go fn() },
	}
}

// Routes builds the router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	r.Get("/health", s.handleHealth)
	r.Post("/lookup", s.handleLookup)

	r.Route("/runs", func(r chi.Router) {
		r.Get("/", s.handleListRuns)
		r.Post("/", s.handleCreateRun)
		r.Route("/{runID}", func(r chi.Router) {
			r.Get("/", s.handleGetRun)
			r.Get("/report", s.handleRunReport)
			r.Post("/pause", s.handlePauseRun)
			r.Post("/resume", s.handleResumeRun)
			r.Post("/retry-failed", s.handleRetryFailed)
		})
	})

	r.Post("/items/{itemID}/retry", s.handleRetryItem)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "store unreachable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleLookup(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Subject model.Subject `json:"subject"`
		Force   bool          `json:"force"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result, err := s.orch.Resolve(r.Context(), req.Subject, engine.LookupOptions{Force: req.Force})
	if err != nil {
		switch engine.Category(err) {
		case model.ErrorCategoryValidation:
			writeError(w, http.StatusBadRequest, err.Error())
		case model.ErrorCategoryBudget:
			// Distinct status so batch callers can back off until the cap resets.
			writeError(w, http.StatusPaymentRequired, err.Error())
		case model.ErrorCategoryAuth:
			writeError(w, http.StatusBadGateway, err.Error())
		default:
			writeError(w, http.StatusBadGateway, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SourceLabel string          `json:"source_label"`
		Subjects    []model.Subject `json:"subjects"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Subjects) == 0 {
		writeError(w, http.StatusBadRequest, "subjects are required")
		return
	}
	if req.SourceLabel == "" {
		req.SourceLabel = "api"
	}

	run, err := s.coord.CreateRun(r.Context(), req.SourceLabel, req.Subjects)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.startProcessing(run.ID)
	writeJSON(w, http.StatusAccepted, run)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	filter := store.RunFilter{
		SourceLabel: r.URL.Query().Get("source"),
		Unfinished:  r.URL.Query().Get("unfinished") == "true",
	}
	runs, err := s.store.ListRuns(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.store.GetRun(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleRunReport(w http.ResponseWriter, r *http.Request) {
	rep, err := s.rep.Build(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (s *Server) handlePauseRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	if err := s.coord.Pause(r.Context(), runID, "operator request"); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "paused", "run_id": runID})
}

func (s *Server) handleResumeRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	if err := s.coord.Resume(r.Context(), runID); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	s.startProcessing(runID)
	writeJSON(w, http.StatusOK, map[string]string{"status": "resumed", "run_id": runID})
}

func (s *Server) handleRetryFailed(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	n, err := s.coord.RetryFailed(r.Context(), runID, r.URL.Query().Get("filter"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if n > 0 {
		s.startProcessing(runID)
	}
	writeJSON(w, http.StatusOK, map[string]any{"requeued": n, "run_id": runID})
}

func (s *Server) handleRetryItem(w http.ResponseWriter, r *http.Request) {
	itemID := chi.URLParam(r, "itemID")
	if err := s.coord.RetryItem(r.Context(), itemID); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}

	item, err := s.store.GetRunItem(r.Context(), itemID)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	s.startProcessing(item.RunID)
	writeJSON(w, http.StatusOK, item)
}

// startProcessing drains the run asynchronously. The background context is
// deliberately detached from the request: the run outlives the HTTP call.
func (s *Server) startProcessing(runID string) {
	s.background(func() {
		if err := s.coord.Process(context.Background(), runID); err != nil {
			zap.L().Error("run processing stopped", zap.String("run_id", runID), zap.Error(err))
		}
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Warn("response encode failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
