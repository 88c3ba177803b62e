package queue

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/socialhostpro/fleetcmdagent/internal/httpserver"
)

// Handler exposes the Priority Job Queue over HTTP. Every
// decision lives in Queue; the handler only translates requests/responses.
type Handler struct {
	queue *Queue
}

// NewHandler creates a Handler.
func NewHandler(q *Queue) *Handler {
	return &Handler{queue: q}
}

// Routes mounts the submitter-facing and worker-facing queue endpoints.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/jobs", h.handleSubmit)
	r.Get("/jobs", h.handleList)
	r.Get("/jobs/{id}", h.handleGet)
	r.Delete("/jobs/{id}", h.handleCancel)
	r.Post("/jobs/{id}/retry", h.handleRetry)
	r.Get("/stats", h.handleStats)
	r.Post("/claim", h.handleClaim)
	r.Post("/complete/{job_id}", h.handleComplete)
	r.Post("/progress/{job_id}", h.handleProgress)
	return r
}

func (h *Handler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	id, err := h.queue.Submit(r.Context(), req)
	if err != nil {
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	priority := req.Priority
	switch priority {
	case PriorityHigh, PriorityNormal, PriorityLow:
	default:
		priority = PriorityNormal
	}
	httpserver.Respond(w, http.StatusCreated, map[string]string{
		"job_id": id,
		"status": string(StatusQueued),
		"queue":  string(priority),
	})
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	job, err := h.queue.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondQueueError(w, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, job)
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := ListFilter{
		Status:   Status(q.Get("status")),
		Priority: Priority(q.Get("priority")),
		Type:     q.Get("type"),
	}
	jobs, err := h.queue.List(r.Context(), filter)
	if err != nil {
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	if err := h.queue.Cancel(r.Context(), chi.URLParam(r, "id")); err != nil {
		respondQueueError(w, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (h *Handler) handleRetry(w http.ResponseWriter, r *http.Request) {
	if err := h.queue.Retry(r.Context(), chi.URLParam(r, "id")); err != nil {
		respondQueueError(w, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]string{"status": "queued"})
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.queue.Stats(r.Context())
	if err != nil {
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	httpserver.Respond(w, http.StatusOK, stats)
}

func (h *Handler) handleClaim(w http.ResponseWriter, r *http.Request) {
	var req ClaimRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	job, err := h.queue.Claim(r.Context(), req)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			httpserver.Respond(w, http.StatusNoContent, nil)
			return
		}
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	httpserver.Respond(w, http.StatusOK, job)
}

type completeRequest struct {
	WorkerID string         `json:"worker_id" validate:"required"`
	Result   map[string]any `json:"result,omitempty"`
	Error    string         `json:"error,omitempty"`
}

func (h *Handler) handleComplete(w http.ResponseWriter, r *http.Request) {
	var req completeRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	jobID := chi.URLParam(r, "job_id")
	if err := h.queue.Complete(r.Context(), jobID, req.WorkerID, req.Result, req.Error); err != nil {
		respondQueueError(w, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]string{"status": "recorded"})
}

type progressRequest struct {
	WorkerID string `json:"worker_id" validate:"required"`
	Progress int    `json:"progress"`
	Detail   string `json:"detail,omitempty"`
}

func (h *Handler) handleProgress(w http.ResponseWriter, r *http.Request) {
	var req progressRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	jobID := chi.URLParam(r, "job_id")
	if err := h.queue.UpdateProgress(r.Context(), jobID, req.WorkerID, req.Progress, req.Detail); err != nil {
		respondQueueError(w, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]string{"status": "recorded"})
}

func respondQueueError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		httpserver.RespondError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, ErrInvalidState):
		httpserver.RespondError(w, http.StatusConflict, "invalid_state", err.Error())
	case errors.Is(err, ErrNotOwner):
		httpserver.RespondError(w, http.StatusForbidden, "not_owner", err.Error())
	default:
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}
