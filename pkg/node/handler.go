package node

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/socialhostpro/fleetcmdagent/internal/httpserver"
)

// Handler exposes the Node Registry over HTTP. It is a thin
// adapter: every decision lives in Registry, the
// handler only translates requests and responses.
type Handler struct {
	registry *Registry
}

// NewHandler creates a Handler.
func NewHandler(r *Registry) *Handler {
	return &Handler{registry: r}
}

// Routes mounts the worker-facing and operator-facing node endpoints.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/register", h.handleRegister)
	r.Post("/{id}/heartbeat", h.handleHeartbeat)
	r.Get("/{id}", h.handleGet)
	r.Get("/", h.handleList)
	r.Delete("/{id}", h.handleDeregister)
	r.Post("/{id}/power-history/query", h.handlePowerHistory)
	return r
}

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	if err := h.registry.Register(r.Context(), req); err != nil {
		respondNodeError(w, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]string{"status": "registered", "node_id": req.NodeID})
}

func (h *Handler) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	nodeID := chi.URLParam(r, "id")
	var report HeartbeatReport
	if err := httpserver.Decode(r, &report); err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	if err := h.registry.Heartbeat(r.Context(), nodeID, report); err != nil {
		respondNodeError(w, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]string{"status": "received"})
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	n, err := h.registry.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondNodeError(w, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, n)
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	filter := ListFilter{
		Cluster: r.URL.Query().Get("cluster"),
		Status:  Status(r.URL.Query().Get("status")),
	}
	nodes, err := h.registry.List(r.Context(), filter)
	if err != nil {
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{"nodes": nodes})
}

func (h *Handler) handleDeregister(w http.ResponseWriter, r *http.Request) {
	if err := h.registry.Deregister(r.Context(), chi.URLParam(r, "id")); err != nil {
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]string{"status": "deregistered"})
}

func (h *Handler) handlePowerHistory(w http.ResponseWriter, r *http.Request) {
	samples, err := h.registry.PowerHistory(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{"samples": samples})
}

func respondNodeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		httpserver.RespondError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, ErrValidation):
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", err.Error())
	default:
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}
