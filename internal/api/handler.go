// Package api provides the HTTP API handlers and routing for the quantum jobs service.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"quantumjobs/internal/apperrors"
	"quantumjobs/internal/health"
	"quantumjobs/internal/job"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// maxRequestBodySize bounds the submission body: a 1 MiB payload plus envelope.
const maxRequestBodySize = 1<<20 + 4<<10

// Handler contains HTTP handlers for the jobs API
type Handler struct {
	svc    *job.Service
	health *health.Checker
}

// NewHandler creates a new API handler
func NewHandler(svc *job.Service, healthChecker *health.Checker) *Handler {
	return &Handler{
		svc:    svc,
		health: healthChecker,
	}
}

// errorResponse is the body of every failed request.
type errorResponse struct {
	Error     string `json:"error"`
	Kind      string `json:"kind,omitempty"`
	BackendID string `json:"backendId,omitempty"`
	Hint      string `json:"hint,omitempty"`
}

// backendsResponse is the body of GET /backends.
type backendsResponse struct {
	Backends any `json:"backends"`
}

// SubmitJob handles POST /jobs
func (h *Handler) SubmitJob(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var req job.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	resp, err := h.svc.Submit(r.Context(), &req)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusAccepted, resp)
}

// ListJobs handles GET /jobs?state=&limit=&offset=
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := job.ListOptions{State: job.State(q.Get("state"))}

	var err error
	if opts.Limit, err = intParam(q.Get("limit")); err != nil {
		h.handleError(w, r, apperrors.Validation("limit", "limit must be an integer"))
		return
	}
	if opts.Offset, err = intParam(q.Get("offset")); err != nil {
		h.handleError(w, r, apperrors.Validation("offset", "offset must be an integer"))
		return
	}

	resp, err := h.svc.List(r.Context(), opts)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, resp)
}

func intParam(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.Atoi(s)
}

// GetJob handles GET /jobs/{jobId}
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	j, err := h.svc.Get(r.Context(), chi.URLParam(r, "jobId"))
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, j)
}

// CancelJob handles POST /jobs/{jobId}/cancel. Cancelling a finished job
// answers 200 with applied=false.
func (h *Handler) CancelJob(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.Cancel(r.Context(), chi.URLParam(r, "jobId"))
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, res)
}

// ListBackends handles GET /backends
func (h *Handler) ListBackends(w http.ResponseWriter, r *http.Request) {
	backends, err := h.svc.Backends(r.Context())
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, backendsResponse{Backends: backends})
}

// Livez handles GET /livez - liveness probe.
// Returns 200 if the process is alive. Does not check dependencies.
func (h *Handler) Livez(w http.ResponseWriter, r *http.Request) {
	response := h.health.Liveness(r.Context())
	h.writeJSON(w, http.StatusOK, response)
}

// Readyz handles GET /readyz - readiness probe.
// Returns 503 while shutting down or when the upstream cloud cannot be reached.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	response := h.health.Readiness(r.Context())

	status := http.StatusOK
	if !response.Serving() {
		status = http.StatusServiceUnavailable
	}

	h.writeJSON(w, status, response)
}

// writeJSON writes a JSON response
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

// writeError writes an error response
func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, errorResponse{Error: message})
}

// handleError handles errors from service layer with appropriate HTTP status codes.
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.HTTPStatus(err)
	info := apperrors.ToInfo(err)
	if status >= 500 {
		slog.Error("Request failed", "error", err, "kind", info.Kind, "path", r.URL.Path, "requestId", middleware.GetReqID(r.Context()))
	} else {
		slog.Warn("Client error", "error", err, "path", r.URL.Path, "status", status)
	}
	h.writeJSON(w, status, errorResponse{
		Error:     info.Message,
		Kind:      info.Kind,
		BackendID: info.BackendID,
		Hint:      info.Hint,
	})
}
