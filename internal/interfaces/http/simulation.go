package http

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/floatwatch/internal/ledger"
	"github.com/sawpanic/floatwatch/internal/persistence"
	"github.com/sawpanic/floatwatch/internal/pipeline"
	"github.com/sawpanic/floatwatch/internal/simulation"
)

// Simulate applies a test transaction synchronously and returns the classification
func (h *Handlers) Simulate(w http.ResponseWriter, r *http.Request) {
	if h.deps.Simulator == nil {
		h.unavailable(w, r, "Simulation")
		return
	}

	var req simulation.Request
	if !h.decodeBody(w, r, &req) {
		return
	}

	out, err := h.deps.Simulator.ProcessTransaction(r.Context(), req)
	switch {
	case err == nil:
		h.writeJSON(w, http.StatusOK, out)
	case errors.Is(err, simulation.ErrInvalidRequest), errors.Is(err, pipeline.ErrInvalidEvent):
		h.writeError(w, r, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, persistence.ErrAgentNotFound):
		h.writeError(w, r, http.StatusNotFound, "agent_not_found", "Agent not found")
	case errors.Is(err, ledger.ErrFloatUnresolvable):
		h.writeError(w, r, http.StatusUnprocessableEntity, "float_unresolvable",
			"No float on record and no balance supplied")
	default:
		log.Error().Err(err).Str("agent_id", req.AgentID).Msg("Simulation failed")
		h.writeError(w, r, http.StatusInternalServerError, "simulation_failed", "Failed to process simulated transaction")
	}
}

// Refill records a physical cash refill and refreshes the agent's bank views
func (h *Handlers) Refill(w http.ResponseWriter, r *http.Request) {
	if h.deps.Refills == nil {
		h.unavailable(w, r, "Refills")
		return
	}
	agentCode := mux.Vars(r)["agent_id"]

	var req RefillRequest
	if !h.decodeBody(w, r, &req) {
		return
	}
	if !req.Amount.IsPositive() {
		h.writeError(w, r, http.StatusBadRequest, "invalid_amount", "amount must be positive")
		return
	}
	at := h.now().UTC()
	if req.RefillAt != nil {
		at = req.RefillAt.UTC()
	}

	agent, err := h.deps.Refills.RecordRefill(r.Context(), agentCode, req.Amount, at)
	if errors.Is(err, persistence.ErrAgentNotFound) {
		h.writeError(w, r, http.StatusNotFound, "agent_not_found", "Agent not found")
		return
	}
	if err != nil {
		log.Error().Err(err).Str("agent_id", agentCode).Msg("Refill failed")
		h.writeError(w, r, http.StatusInternalServerError, "refill_failed", "Failed to record refill")
		return
	}

	if h.deps.Dashboard != nil {
		if err := h.deps.Dashboard.Invalidate(r.Context(), agent.BankID); err != nil {
			log.Warn().Err(err).Str("bank_id", agent.BankID).Msg("Failed to invalidate dashboard cache")
		}
	}
	h.writeJSON(w, http.StatusCreated, RefillResponse{
		AgentID:  agent.AgentCode,
		BankID:   agent.BankID,
		Amount:   req.Amount,
		RefillAt: at,
	})
}
