package http

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"
)

const (
	defaultPage  = 1
	defaultLimit = 10
	maxLimit     = 100
)

// Agents lists a bank's active agents with their predicted status
func (h *Handlers) Agents(w http.ResponseWriter, r *http.Request) {
	if h.deps.Dashboard == nil {
		h.unavailable(w, r, "Dashboard")
		return
	}
	bankID := mux.Vars(r)["bank_id"]

	page, ok := queryInt(r, "page", defaultPage)
	if !ok || page < 1 {
		h.writeError(w, r, http.StatusBadRequest, "invalid_page", "page must be a positive integer")
		return
	}
	limit, ok := queryInt(r, "limit", defaultLimit)
	if !ok || limit < 1 || limit > maxLimit {
		h.writeError(w, r, http.StatusBadRequest, "invalid_limit", "limit must be between 1 and 100")
		return
	}

	out, err := h.deps.Dashboard.AgentList(r.Context(), bankID, page, limit)
	if err != nil {
		log.Error().Err(err).Str("bank_id", bankID).Msg("Agent list failed")
		h.writeError(w, r, http.StatusInternalServerError, "dashboard_failed", "Failed to load agents")
		return
	}
	h.writeJSON(w, http.StatusOK, out)
}

// Summary returns the bank overview
func (h *Handlers) Summary(w http.ResponseWriter, r *http.Request) {
	if h.deps.Dashboard == nil {
		h.unavailable(w, r, "Dashboard")
		return
	}
	bankID := mux.Vars(r)["bank_id"]

	out, err := h.deps.Dashboard.Summary(r.Context(), bankID)
	if err != nil {
		log.Error().Err(err).Str("bank_id", bankID).Msg("Summary failed")
		h.writeError(w, r, http.StatusInternalServerError, "dashboard_failed", "Failed to load summary")
		return
	}
	h.writeJSON(w, http.StatusOK, out)
}

func queryInt(r *http.Request, name string, def int) (int, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return n, true
}
