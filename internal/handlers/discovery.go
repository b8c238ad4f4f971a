package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/agentmesh/registry/internal/discovery"
	"github.com/agentmesh/registry/internal/economics"
	"github.com/agentmesh/registry/internal/metrics"
)

type discoveryRequest struct {
	Capabilities       []string           `json:"capabilities"`
	MinReputation      float64            `json:"minReputation,omitempty"`
	MaxCost            *string            `json:"maxCost,omitempty"`
	ExcludedProviders  []string           `json:"excludedProviders,omitempty"`
	PreferredProviders []string           `json:"preferredProviders,omitempty"`
	Metrics            map[string]float64 `json:"metrics,omitempty"`
	CallVolume         int                `json:"callVolume,omitempty"`
	Limit              int                `json:"limit,omitempty"`
}

// HandleDiscover serves capability discovery queries. A partial ledger
// failure degrades to 203 with whatever resolved, never a silent empty
// success.
func HandleDiscover(engine *discovery.Engine, m *metrics.Metrics) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req discoveryRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, `{"error":"request body is not a valid discovery query"}`, http.StatusBadRequest)
			return
		}

		criteria := discovery.Criteria{
			Capabilities:       req.Capabilities,
			MinReputation:      req.MinReputation,
			ExcludedProviders:  req.ExcludedProviders,
			PreferredProviders: req.PreferredProviders,
			RequestShape: economics.RequestShape{
				Metrics:    req.Metrics,
				CallVolume: req.CallVolume,
			},
			Limit: req.Limit,
		}
		if req.MaxCost != nil {
			maxCost, err := decimal.NewFromString(*req.MaxCost)
			if err != nil {
				http.Error(w, `{"error":"maxCost must be a decimal string"}`, http.StatusBadRequest)
				return
			}
			criteria.MaxCost = &maxCost
		}

		started := time.Now()
		matches, err := engine.Discover(r.Context(), criteria)
		m.DiscoveryDuration.Observe(time.Since(started).Seconds())

		var unavailable *discovery.UnavailableError
		switch {
		case errors.As(err, &unavailable):
			m.DiscoveriesTotal.WithLabelValues("partial").Inc()
			m.DiscoveryResults.Observe(float64(len(unavailable.Partial)))
			writeJSON(w, http.StatusNonAuthoritativeInfo, map[string]any{
				"agents":  unavailable.Partial,
				"partial": true,
				"error":   unavailable.Err.Error(),
			})
		case err != nil:
			m.DiscoveriesTotal.WithLabelValues("rejected").Inc()
			writeError(w, err)
		default:
			m.DiscoveriesTotal.WithLabelValues("ok").Inc()
			m.DiscoveryResults.Observe(float64(len(matches)))
			writeJSON(w, http.StatusOK, map[string]any{
				"agents":  matches,
				"partial": false,
			})
		}
	}
}
