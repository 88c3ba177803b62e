package doctor

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/socialhostpro/fleetcmdagent/internal/httpserver"
	"github.com/socialhostpro/fleetcmdagent/pkg/commands"
)

// JobRetrier is the one queue operation the retry_job maintenance action
// needs. Kept narrow so this package has no import-time dependency on the
// job queue's full surface.
type JobRetrier interface {
	Retry(ctx context.Context, id string) error
}

// Handler exposes the Doctor's read-only status surface and the
// maintenance surface HTTPActionExecutor calls into.
type Handler struct {
	engine     *Engine
	dispatcher *commands.Dispatcher
	jobs       JobRetrier
}

// NewHandler creates a Handler. jobs may be nil if retry_job is never
// exercised by the action catalogue.
func NewHandler(engine *Engine, dispatcher *commands.Dispatcher, jobs JobRetrier) *Handler {
	return &Handler{engine: engine, dispatcher: dispatcher, jobs: jobs}
}

// Routes mounts the read-only status endpoints under /doctor.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/status", h.handleStatus)
	r.Get("/config", h.handleConfig)
	r.Get("/problems", h.handleProblems)
	r.Get("/history", h.handleHistory)
	r.Get("/alerts", h.handleAlerts)
	return r
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.engine.Status(r.Context())
	if err != nil {
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	httpserver.Respond(w, http.StatusOK, status)
}

func (h *Handler) handleConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.engine.EffectiveConfig(r.Context())
	if err != nil {
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	httpserver.Respond(w, http.StatusOK, cfg)
}

func (h *Handler) handleProblems(w http.ResponseWriter, r *http.Request) {
	problems, err := h.engine.Problems(r.Context())
	if err != nil {
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{"problems": problems})
}

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := HistoryCap
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			limit = n
		}
	}
	entries, err := h.engine.History(r.Context(), limit)
	if err != nil {
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{"history": entries})
}

func (h *Handler) handleAlerts(w http.ResponseWriter, r *http.Request) {
	limit := HistoryCap
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			limit = n
		}
	}
	entries, err := h.engine.Alerts(r.Context(), limit)
	if err != nil {
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{"alerts": entries})
}

// maintenanceRequest is the body HTTPActionExecutor sends to
// /maintenance/{action}.
type maintenanceRequest struct {
	NodeID string         `json:"node_id,omitempty"`
	Params map[string]any `json:"params,omitempty"`
}

// actionCommandType maps a catalogue action name to the worker-side command
// type used to carry it out. Every remediation is a thin push onto the
// node's command channel — the agent owns the actual shell/container work.
var actionCommandType = map[string]commands.Type{
	"disk_cleanup":       commands.TypeShell,
	"aggressive_cleanup": commands.TypeShell,
	"restart_agent":      commands.TypeShell,
	"fix_s3_mounts":      commands.TypeShell,
	"prune_docker":       commands.TypeDockerStop,
	"health_check":       commands.TypePing,
}

// MaintenanceRoutes mounts the internal actions the Doctor's
// HTTPActionExecutor POSTs to. These are not part of the
// public fleet API surface.
func (h *Handler) MaintenanceRoutes() chi.Router {
	r := chi.NewRouter()
	for name := range Catalogue {
		actionName := name
		r.Post("/"+actionName, h.handleMaintenance(actionName))
	}
	return r
}

func (h *Handler) handleMaintenance(action string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req maintenanceRequest
		if err := httpserver.Decode(r, &req); err != nil {
			httpserver.RespondError(w, http.StatusBadRequest, "bad_request", err.Error())
			return
		}

		if action == "retry_job" {
			h.handleRetryJob(w, r, req)
			return
		}
		if action == "alert_only" {
			httpserver.Respond(w, http.StatusOK, map[string]string{"status": "noted"})
			return
		}

		cmdType, ok := actionCommandType[action]
		if !ok {
			httpserver.RespondError(w, http.StatusNotFound, "not_found", "unknown maintenance action")
			return
		}
		if req.NodeID == "" {
			httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "node_id is required")
			return
		}

		params := req.Params
		if params == nil {
			params = map[string]any{}
		}
		params["action"] = action

		cmdID, err := h.dispatcher.Send(r.Context(), req.NodeID, cmdType, params)
		if err != nil {
			httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", err.Error())
			return
		}

		result, err := h.dispatcher.AwaitResult(r.Context(), cmdID)
		if err != nil {
			httpserver.RespondError(w, http.StatusGatewayTimeout, "timeout", err.Error())
			return
		}
		httpserver.Respond(w, http.StatusOK, result)
	}
}

func (h *Handler) handleRetryJob(w http.ResponseWriter, r *http.Request, req maintenanceRequest) {
	if h.jobs == nil {
		httpserver.RespondError(w, http.StatusNotImplemented, "not_implemented", "job retry is not wired")
		return
	}
	jobID, _ := req.Params["job_id"].(string)
	if jobID == "" {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "params.job_id is required")
		return
	}
	if err := h.jobs.Retry(r.Context(), jobID); err != nil {
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]string{"status": "retried", "job_id": jobID})
}
