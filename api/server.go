// Package api exposes the generation pipeline over HTTP: a submission
// endpoint guarded by the admission controller, job reads, and a per-job
// SSE progress stream whose disconnect cancels unfinished work.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"

	"github.com/ayip001/themedraft/admission"
	"github.com/ayip001/themedraft/job"
	"github.com/ayip001/themedraft/stream"
)

// Server wires the HTTP surface to the admission controller, job store, and
// event bus.
type Server struct {
	jobs     job.Store
	admit    *admission.Controller
	bus      stream.Bus
	logger   *slog.Logger
	validate *validator.Validate
}

// NewServer creates the HTTP surface.
func NewServer(jobs job.Store, admit *admission.Controller, bus stream.Bus, logger *slog.Logger) *Server {
	return &Server{
		jobs:     jobs,
		admit:    admit,
		bus:      bus,
		logger:   logger,
		validate: validator.New(),
	}
}

// Router builds the chi handler tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Route("/v1", func(r chi.Router) {
		r.Post("/jobs", s.handleSubmit)
		r.Get("/jobs", s.handleListJobs)
		r.Get("/jobs/{jobID}", s.handleGetJob)
		r.Post("/jobs/{jobID}/cancel", s.handleCancelJob)
		r.Get("/jobs/{jobID}/events", s.handleJobEvents)
	})

	return r
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]any{"error": msg})
}
