package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/ayip001/themedraft"
	"github.com/ayip001/themedraft/admission"
	"github.com/ayip001/themedraft/id"
	"github.com/ayip001/themedraft/job"
)

// submitRequest is one tenant submission. The template type vocabulary is
// fixed; anything else is rejected at the edge.
type submitRequest struct {
	TenantID       string `json:"tenant_id" validate:"required"`
	TemplateType   string `json:"template_type" validate:"required,oneof=product collection page article blog"`
	Prompt         string `json:"prompt" validate:"required"`
	IdempotencyKey string `json:"idempotency_key" validate:"omitempty,max=255"`
}

// submitResponse acknowledges an accepted submission. Deduplicated is true
// when the submission collapsed onto an already-admitted job.
type submitResponse struct {
	JobID        string     `json:"job_id"`
	Status       job.Status `json:"status"`
	Deduplicated bool       `json:"deduplicated,omitempty"`
}

// denialResponse is the wire shape for a denied admission.
type denialResponse struct {
	Error             string `json:"error"`
	ErrorKind         string `json:"error_kind"`
	RetryAfterSeconds int    `json:"retry_after_seconds,omitempty"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	req.Prompt = strings.TrimSpace(req.Prompt)

	if err := s.validate.Struct(req); err != nil {
		writeErr(w, http.StatusBadRequest, validationMessage(err))
		return
	}

	in := admission.Input{
		TemplateType:   req.TemplateType,
		Prompt:         req.Prompt,
		IdempotencyKey: req.IdempotencyKey,
	}
	dec, err := s.admit.Admit(ctx, req.TenantID, in)
	if err != nil {
		s.logger.Error("admission check failed",
			slog.String("tenant_id", req.TenantID),
			slog.String("error", err.Error()),
		)
		writeErr(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !dec.Allowed {
		s.writeDenial(w, dec)
		return
	}

	if !dec.ExistingJobID.IsNil() {
		existing, err := s.jobs.GetJob(ctx, dec.ExistingJobID)
		if err != nil {
			writeErr(w, http.StatusInternalServerError, "internal error")
			return
		}
		writeJSON(w, http.StatusOK, submitResponse{
			JobID:        existing.ID.String(),
			Status:       existing.Status,
			Deduplicated: true,
		})
		return
	}

	j := job.New(req.TenantID, req.TemplateType, req.Prompt, dec.IdempotencyKey)
	if err := s.jobs.CreateJob(ctx, j); err != nil {
		// A concurrent identical submission won the insert; return its job.
		if errors.Is(err, themedraft.ErrDuplicateIdempotencyKey) {
			existing, lookupErr := s.jobs.JobByIdempotencyKey(ctx, req.TenantID, dec.IdempotencyKey)
			if lookupErr == nil {
				writeJSON(w, http.StatusOK, submitResponse{
					JobID:        existing.ID.String(),
					Status:       existing.Status,
					Deduplicated: true,
				})
				return
			}
		}
		s.logger.Error("failed to create job",
			slog.String("tenant_id", req.TenantID),
			slog.String("error", err.Error()),
		)
		writeErr(w, http.StatusInternalServerError, "internal error")
		return
	}

	s.logger.Info("job admitted",
		slog.String("job_id", j.ID.String()),
		slog.String("tenant_id", j.TenantID),
		slog.String("template_type", j.TemplateType),
	)
	writeJSON(w, http.StatusCreated, submitResponse{JobID: j.ID.String(), Status: j.Status})
}

// writeDenial maps an admission denial onto 429 with a machine-readable
// kind; only rate limiting carries a retry hint.
func (s *Server) writeDenial(w http.ResponseWriter, dec admission.Decision) {
	resp := denialResponse{ErrorKind: string(dec.Reason)}
	switch dec.Reason {
	case admission.DenyRateLimited:
		resp.Error = "rate limit exceeded, try again shortly"
		resp.RetryAfterSeconds = int(dec.RetryAfter.Seconds())
		if resp.RetryAfterSeconds < 1 {
			resp.RetryAfterSeconds = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(resp.RetryAfterSeconds))
	case admission.DenyCreditsExhausted:
		resp.Error = "generation credits exhausted"
	case admission.DenyDailyCapReached:
		resp.Error = "daily spend cap reached, try again tomorrow"
	default:
		resp.Error = "request denied"
	}
	writeJSON(w, http.StatusTooManyRequests, resp)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	jobID, ok := s.jobIDParam(w, r)
	if !ok {
		return
	}

	j, err := s.jobs.GetJob(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, themedraft.ErrJobNotFound) {
			writeErr(w, http.StatusNotFound, "job not found")
			return
		}
		writeErr(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, j)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	tenantID := r.URL.Query().Get("tenant")
	if tenantID == "" {
		writeErr(w, http.StatusBadRequest, "tenant query parameter is required")
		return
	}

	opts := job.ListOpts{Limit: 50}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeErr(w, http.StatusBadRequest, "invalid limit")
			return
		}
		opts.Limit = n
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeErr(w, http.StatusBadRequest, "invalid offset")
			return
		}
		opts.Offset = n
	}

	jobs, err := s.jobs.ListJobsByTenant(r.Context(), tenantID, opts)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	jobID, ok := s.jobIDParam(w, r)
	if !ok {
		return
	}
	ctx := r.Context()

	if _, err := s.jobs.GetJob(ctx, jobID); err != nil {
		if errors.Is(err, themedraft.ErrJobNotFound) {
			writeErr(w, http.StatusNotFound, "job not found")
			return
		}
		writeErr(w, http.StatusInternalServerError, "internal error")
		return
	}

	applied, err := s.jobs.CancelJob(ctx, jobID)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, "internal error")
		return
	}
	if applied {
		s.publishCancelled(ctx, jobID)
	}
	writeJSON(w, http.StatusOK, map[string]any{"cancelled": applied})
}

// jobIDParam parses the {jobID} path parameter, writing a 400 on failure.
func (s *Server) jobIDParam(w http.ResponseWriter, r *http.Request) (id.JobID, bool) {
	jobID, err := id.ParseJobID(chi.URLParam(r, "jobID"))
	if err != nil {
		writeErr(w, http.StatusBadRequest, "invalid job id")
		return id.Nil, false
	}
	return jobID, true
}

// validationMessage flattens the first validator error into a readable
// message.
func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return "invalid request"
	}
	fe := verrs[0]
	switch fe.Field() {
	case "Prompt":
		return "prompt is required"
	case "TenantID":
		return "tenant_id is required"
	case "TemplateType":
		return "template_type must be one of: product, collection, page, article, blog"
	default:
		return "invalid request"
	}
}
