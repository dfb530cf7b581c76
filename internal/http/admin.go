// Package http serves the read-only admin API next to the WebSocket
// endpoint: session state, delegation history and MCP server status.
package http

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/chapohq/chapo/internal/mcp"
	"github.com/chapohq/chapo/internal/sessions"
	"github.com/chapohq/chapo/internal/store"
)

// AdminHandler exposes inspection endpoints. Delegations and mcp may be nil
// when the matching subsystem is not configured; their routes then report 404.
type AdminHandler struct {
	sessions    *sessions.Manager
	delegations store.DelegationStore
	mcp         *mcp.Manager
	token       string
}

func NewAdminHandler(mgr *sessions.Manager, delegations store.DelegationStore, mcpMgr *mcp.Manager, token string) *AdminHandler {
	return &AdminHandler{sessions: mgr, delegations: delegations, mcp: mcpMgr, token: token}
}

// RegisterRoutes registers the admin routes on the given mux.
func (h *AdminHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/sessions/{id}", h.auth(h.handleSession))
	mux.HandleFunc("GET /v1/delegations", h.auth(h.handleDelegations))
	mux.HandleFunc("GET /v1/mcp/servers", h.auth(h.handleMCPServers))
}

func (h *AdminHandler) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.token != "" && extractBearerToken(r) != h.token {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		next(w, r)
	}
}

func (h *AdminHandler) handleSession(w http.ResponseWriter, r *http.Request) {
	state := h.sessions.Snapshot(r.PathValue("id"))
	writeJSON(w, http.StatusOK, state)
}

func (h *AdminHandler) handleDelegations(w http.ResponseWriter, r *http.Request) {
	if h.delegations == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "delegation history not configured"})
		return
	}

	q := r.URL.Query()
	opts := store.DelegationListOpts{
		SessionID: q.Get("sessionId"),
		Target:    q.Get("target"),
		Status:    q.Get("status"),
	}
	opts.Limit, _ = strconv.Atoi(q.Get("limit"))
	opts.Offset, _ = strconv.Atoi(q.Get("offset"))

	records, total, err := h.delegations.List(r.Context(), opts)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if records == nil {
		records = []store.DelegationRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"delegations": records, "total": total})
}

func (h *AdminHandler) handleMCPServers(w http.ResponseWriter, r *http.Request) {
	if h.mcp == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no MCP servers configured"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"servers": h.mcp.Status()})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func extractBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return r.URL.Query().Get("token")
}
