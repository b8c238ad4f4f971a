package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/agentmesh/registry/internal/metrics"
	"github.com/agentmesh/registry/internal/utip"
)

// HandleInvoke runs a tool call through the invocation engine.
func HandleInvoke(engine *utip.Engine, m *metrics.Metrics) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var call utip.ToolCall
		if err := json.NewDecoder(r.Body).Decode(&call); err != nil {
			http.Error(w, `{"error":"request body is not a valid tool call"}`, http.StatusBadRequest)
			return
		}

		resp, err := engine.Invoke(r.Context(), &call)
		if err != nil {
			m.InvocationsTotal.WithLabelValues("denied").Inc()
			writeError(w, err)
			return
		}

		m.InvocationsTotal.WithLabelValues(resp.StatusLabel()).Inc()
		m.InvocationDuration.WithLabelValues(resp.StatusLabel()).Observe(resp.LatencyMs / 1000)
		cost, _ := resp.Cost.Float64()
		m.InvocationCost.Observe(cost)
		writeJSON(w, http.StatusOK, resp)
	}
}

// HandleIssueToken mints a delegated invocation token.
func HandleIssueToken(auth *utip.Authenticator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			CallerDID  string   `json:"callerDid"`
			ToolIDs    []string `json:"toolIds"`
			TTLSeconds int      `json:"ttlSeconds"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, `{"error":"request body is not a valid token request"}`, http.StatusBadRequest)
			return
		}
		if req.CallerDID == "" || len(req.ToolIDs) == 0 {
			http.Error(w, `{"error":"callerDid and toolIds are required"}`, http.StatusBadRequest)
			return
		}
		ttl := time.Duration(req.TTLSeconds) * time.Second
		if ttl <= 0 {
			ttl = time.Hour
		}

		tok, err := auth.IssueToken(req.CallerDID, req.ToolIDs, ttl)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{
			"token":     tok.Token,
			"callerDid": tok.CallerDID,
			"toolIds":   tok.ToolIDs,
			"expiresAt": tok.ExpiresAt,
		})
	}
}

// HandleRevokeToken invalidates a delegated token.
func HandleRevokeToken(auth *utip.Authenticator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Token string `json:"token"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Token == "" {
			http.Error(w, `{"error":"token is required"}`, http.StatusBadRequest)
			return
		}

		auth.RevokeToken(req.Token)
		writeJSON(w, http.StatusOK, map[string]any{"revoked": true})
	}
}
