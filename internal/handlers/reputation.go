package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"

	"github.com/agentmesh/registry/internal/metrics"
	"github.com/agentmesh/registry/internal/registry"
	"github.com/agentmesh/registry/internal/reputation"
)

// HandleSubmitRating records a rater's contribution to an agent's
// reputation history.
func HandleSubmitRating(ledger *reputation.Ledger, m *metrics.Metrics) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		agentID := mux.Vars(r)["agentId"]

		var req struct {
			RaterDID     string   `json:"raterDid"`
			Rating       float64  `json:"rating"`
			Category     string   `json:"category,omitempty"`
			EvidenceRefs []string `json:"evidenceRefs,omitempty"`
			ExecutionID  string   `json:"executionId,omitempty"`
			LatencyMs    float64  `json:"latencyMs,omitempty"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, `{"error":"request body is not a valid rating"}`, http.StatusBadRequest)
			return
		}
		if req.RaterDID == "" {
			http.Error(w, `{"error":"raterDid is required"}`, http.StatusBadRequest)
			return
		}

		txID, err := ledger.RecordEvent(r.Context(), reputation.RatingSubmission{
			AgentID:      agentID,
			RaterDID:     req.RaterDID,
			Rating:       req.Rating,
			Category:     req.Category,
			EvidenceRefs: req.EvidenceRefs,
			ExecutionID:  req.ExecutionID,
			LatencyMs:    req.LatencyMs,
		})
		if err != nil {
			writeError(w, err)
			return
		}

		category := req.Category
		if category == "" {
			category = "reliability"
		}
		m.ReputationEvents.WithLabelValues(category).Inc()
		writeJSON(w, http.StatusCreated, map[string]any{
			"agentId":    agentID,
			"ledgerTxId": txID,
		})
	}
}

// HandleGetReputation returns an agent's current aggregate score.
func HandleGetReputation(svc *registry.Service, m *metrics.Metrics) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		agentID := mux.Vars(r)["agentId"]

		entry, err := svc.Latest(r.Context(), agentID)
		if err != nil {
			writeError(w, err)
			return
		}

		m.AgentReputation.WithLabelValues(agentID).Set(entry.Reputation.Overall)
		writeJSON(w, http.StatusOK, map[string]any{
			"agentId":         agentID,
			"did":             entry.DID,
			"overall":         entry.Reputation.Overall,
			"categories":      entry.Reputation.Categories,
			"ratings":         len(entry.Reputation.History),
			"slashingHistory": entry.Reputation.SlashingHistory,
		})
	}
}

// HandleSlash applies an arbiter-ordered stake forfeiture and reputation
// penalty.
func HandleSlash(ledger *reputation.Ledger, m *metrics.Metrics) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		agentID := mux.Vars(r)["agentId"]

		var req struct {
			ActorDID     string   `json:"actorDid"`
			Amount       string   `json:"amount"`
			Reason       string   `json:"reason"`
			EvidenceRefs []string `json:"evidenceRefs,omitempty"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, `{"error":"request body is not a valid slashing order"}`, http.StatusBadRequest)
			return
		}
		amount, err := decimal.NewFromString(req.Amount)
		if err != nil || amount.LessThanOrEqual(decimal.Zero) {
			http.Error(w, `{"error":"amount must be a positive decimal string"}`, http.StatusBadRequest)
			return
		}
		if req.Reason == "" {
			http.Error(w, `{"error":"reason is required"}`, http.StatusBadRequest)
			return
		}

		txID, err := ledger.Slash(r.Context(), req.ActorDID, agentID, amount, req.Reason, req.EvidenceRefs)
		if err != nil {
			writeError(w, err)
			return
		}

		m.SlashingTotal.Inc()
		writeJSON(w, http.StatusOK, map[string]any{
			"agentId":    agentID,
			"ledgerTxId": txID,
		})
	}
}
