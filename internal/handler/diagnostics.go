package handler

import (
	"net/http"

	"relay/internal/httputil"
	"relay/internal/plugin"
	"relay/internal/session"
)

// DiagnosticsHandler exposes read-only runtime state.
type DiagnosticsHandler struct {
	registry *session.Registry
	manager  *plugin.Manager
}

// NewDiagnosticsHandler creates the diagnostics handler.
func NewDiagnosticsHandler(registry *session.Registry, manager *plugin.Manager) *DiagnosticsHandler {
	return &DiagnosticsHandler{registry: registry, manager: manager}
}

// Sessions handles GET /api/diagnostics/sessions.
func (h *DiagnosticsHandler) Sessions(w http.ResponseWriter, r *http.Request) {
	sessions, buffers := h.registry.Counts()
	httputil.RespondJSON(w, http.StatusOK, map[string]interface{}{
		"sessions": sessions,
		"buffers":  buffers,
	})
}

// PluginSessions handles GET /api/diagnostics/plugin-sessions.
func (h *DiagnosticsHandler) PluginSessions(w http.ResponseWriter, r *http.Request) {
	httputil.RespondJSON(w, http.StatusOK, map[string]interface{}{
		"active": h.manager.ListActive(),
	})
}

// Health handles GET /health.
func Health(w http.ResponseWriter, r *http.Request) {
	httputil.RespondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
