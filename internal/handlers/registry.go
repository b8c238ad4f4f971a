package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"

	"github.com/agentmesh/registry/internal/economics"
	"github.com/agentmesh/registry/internal/metrics"
	"github.com/agentmesh/registry/internal/registry"
)

// HandleRegister publishes or re-publishes an agent registry entry.
func HandleRegister(svc *registry.Service, m *metrics.Metrics) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var entry registry.AgentRegistryEntry
		if err := json.NewDecoder(r.Body).Decode(&entry); err != nil {
			http.Error(w, `{"error":"request body is not a valid registry entry"}`, http.StatusBadRequest)
			return
		}

		started := time.Now()
		result, err := svc.Publish(r.Context(), &entry)
		if err != nil {
			m.RegistrationsTotal.WithLabelValues("rejected").Inc()
			writeError(w, err)
			return
		}

		m.RegistrationsTotal.WithLabelValues("published").Inc()
		m.RegistrationDuration.Observe(time.Since(started).Seconds())
		if result.First {
			m.RegisteredAgents.Inc()
		}
		writeJSON(w, http.StatusCreated, result)
	}
}

// HandleGetAgent resolves the latest entry for an agent.
func HandleGetAgent(svc *registry.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		agentID := mux.Vars(r)["agentId"]
		if agentID == "" {
			http.Error(w, `{"error":"agentId is required"}`, http.StatusBadRequest)
			return
		}

		entry, err := svc.Latest(r.Context(), agentID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, entry)
	}
}

// HandleAgentHistory returns every superseded entry version, oldest first.
func HandleAgentHistory(svc *registry.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		agentID := mux.Vars(r)["agentId"]

		entries, err := svc.History(r.Context(), agentID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"agentId":  agentID,
			"versions": len(entries),
			"history":  entries,
		})
	}
}

// HandleUpdateDeployment merges new deployment info into the latest entry.
func HandleUpdateDeployment(svc *registry.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		agentID := mux.Vars(r)["agentId"]

		var patch registry.DeploymentInfo
		if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
			http.Error(w, `{"error":"request body is not valid deployment info"}`, http.StatusBadRequest)
			return
		}

		result, err := svc.UpdateDeployment(r.Context(), agentID, patch)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	}
}

// HandleBondStake deposits stake for an agent ahead of registration.
func HandleBondStake(econ *economics.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		agentID := mux.Vars(r)["agentId"]

		var req struct {
			Amount string `json:"amount"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, `{"error":"request body must carry an amount"}`, http.StatusBadRequest)
			return
		}
		amount, err := decimal.NewFromString(req.Amount)
		if err != nil || amount.LessThanOrEqual(decimal.Zero) {
			http.Error(w, `{"error":"amount must be a positive decimal string"}`, http.StatusBadRequest)
			return
		}

		econ.Bond(agentID, amount)
		writeJSON(w, http.StatusOK, map[string]any{
			"agentId": agentID,
			"bonded":  econ.Bonded(agentID).String(),
		})
	}
}

// HandleStakeQuote reports the stake a capability set would require.
func HandleStakeQuote(econ *economics.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Capabilities []registry.AgentCapability `json:"capabilities"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, `{"error":"request body must carry capabilities"}`, http.StatusBadRequest)
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"requiredStake": econ.RequiredStake(req.Capabilities).String(),
			"currency":      econ.Currency(),
		})
	}
}
