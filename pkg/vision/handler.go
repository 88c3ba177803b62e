package vision

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/socialhostpro/fleetcmdagent/internal/httpserver"
)

// Handler exposes the Smart Scheduler over HTTP. Every decision
// lives in Scheduler; the handler only translates requests/responses.
type Handler struct {
	scheduler *Scheduler
}

// NewHandler creates a Handler.
func NewHandler(s *Scheduler) *Handler {
	return &Handler{scheduler: s}
}

// Routes mounts the vision-worker-facing and operator-facing endpoints.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/nodes/heartbeat", h.handleHeartbeat)
	r.Get("/nodes", h.handleListNodes)
	r.Post("/generate", h.handleGenerate)
	r.Get("/status", h.handleStatus)
	r.Get("/jobs/{id}", h.handleGetJob)
	r.Delete("/jobs/{id}", h.handleCancelJob)
	r.Post("/models/switch/{node_id}", h.handleSwitchModel)
	return r
}

func (h *Handler) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req HeartbeatReport
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	if err := h.scheduler.Heartbeat(r.Context(), req); err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]string{"status": "received"})
}

func (h *Handler) handleListNodes(w http.ResponseWriter, r *http.Request) {
	nodes, err := h.scheduler.ListNodes(r.Context())
	if err != nil {
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{"nodes": nodes})
}

func (h *Handler) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var req GenerateRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	id, err := h.scheduler.Submit(r.Context(), req)
	if err != nil {
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	httpserver.Respond(w, http.StatusCreated, map[string]string{"job_id": id})
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.scheduler.Status(r.Context())
	if err != nil {
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	httpserver.Respond(w, http.StatusOK, status)
}

func (h *Handler) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.scheduler.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondVisionError(w, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, job)
}

func (h *Handler) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	if err := h.scheduler.CancelJob(r.Context(), chi.URLParam(r, "id")); err != nil {
		respondVisionError(w, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (h *Handler) handleSwitchModel(w http.ResponseWriter, r *http.Request) {
	model := r.URL.Query().Get("model_name")
	if model == "" {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "model_name query parameter is required")
		return
	}
	nodeID := chi.URLParam(r, "node_id")
	if err := h.scheduler.SwitchModel(r.Context(), nodeID, model); err != nil {
		respondVisionError(w, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]string{"status": "switched", "model": model})
}

func respondVisionError(w http.ResponseWriter, err error) {
	if errors.Is(err, ErrNotFound) {
		httpserver.RespondError(w, http.StatusNotFound, "not_found", err.Error())
		return
	}
	httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", err.Error())
}
