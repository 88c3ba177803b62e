package autoscaler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/socialhostpro/fleetcmdagent/internal/httpserver"
)

// Handler exposes the Auto-Scaler's current decision state read-only.
// Provisioning stays external to this core (package doc), so there is
// nothing here for an operator to trigger, only to observe.
type Handler struct {
	scaler *Scaler
}

// NewHandler creates a Handler.
func NewHandler(s *Scaler) *Handler {
	return &Handler{scaler: s}
}

// Routes mounts the read-only scaler status endpoint.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/status", h.handleStatus)
	r.Get("/config", h.handleConfig)
	return r
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	state, err := h.scaler.State(r.Context())
	if err != nil {
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	httpserver.Respond(w, http.StatusOK, state)
}

func (h *Handler) handleConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.scaler.EffectiveConfig(r.Context())
	if err != nil {
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	httpserver.Respond(w, http.StatusOK, cfg)
}
