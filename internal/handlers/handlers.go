// Package handlers exposes the registry's HTTP surface: publication,
// discovery, invocation, reputation, and health.
package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/agentmesh/registry/internal/circuitbreaker"
	"github.com/agentmesh/registry/internal/economics"
	"github.com/agentmesh/registry/internal/ledger"
	"github.com/agentmesh/registry/internal/registry"
	"github.com/agentmesh/registry/internal/reputation"
	"github.com/agentmesh/registry/internal/utip"
)

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Error("handlers: response encoding failed", "error", err)
	}
}

// writeError maps domain errors onto HTTP codes and a stable error body.
func writeError(w http.ResponseWriter, err error) {
	var (
		validation *registry.ValidationError
		authErr    *utip.AuthenticationError
		stakeErr   *economics.InsufficientStakeError
		budgetErr  *economics.BudgetExceededError
		rateErr    *utip.RateLimitedError
	)

	switch {
	case errors.As(err, &validation):
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error": validation.Error(),
			"code":  "VALIDATION_FAILED",
			"field": validation.Field,
		})
	case errors.As(err, &authErr):
		writeJSON(w, http.StatusUnauthorized, map[string]any{
			"error":  authErr.Error(),
			"code":   "AUTHENTICATION_FAILED",
			"method": string(authErr.Method),
		})
	case errors.As(err, &stakeErr):
		writeJSON(w, http.StatusPaymentRequired, map[string]any{
			"error":    stakeErr.Error(),
			"code":     "INSUFFICIENT_STAKE",
			"required": stakeErr.Required.String(),
			"bonded":   stakeErr.Bonded.String(),
		})
	case errors.As(err, &budgetErr):
		writeJSON(w, http.StatusPaymentRequired, map[string]any{
			"error":     budgetErr.Error(),
			"code":      "BUDGET_EXCEEDED",
			"limit":     budgetErr.Limit,
			"allowed":   budgetErr.Allowed.String(),
			"attempted": budgetErr.Attempted.String(),
		})
	case errors.As(err, &rateErr):
		w.Header().Set("Retry-After", "60")
		writeJSON(w, http.StatusTooManyRequests, map[string]any{
			"error": rateErr.Error(),
			"code":  "RATE_LIMITED",
			"limit": rateErr.Limit,
		})
	case errors.Is(err, circuitbreaker.ErrOpen):
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"error": err.Error(),
			"code":  "PROVIDER_UNAVAILABLE",
		})
	case errors.Is(err, reputation.ErrNotArbiter):
		writeJSON(w, http.StatusForbidden, map[string]any{
			"error": err.Error(),
			"code":  "NOT_ARBITER",
		})
	case errors.Is(err, ledger.ErrConflict):
		writeJSON(w, http.StatusConflict, map[string]any{
			"error": err.Error(),
			"code":  "POINTER_CONFLICT",
		})
	case errors.Is(err, ledger.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]any{
			"error": err.Error(),
			"code":  "NOT_FOUND",
		})
	default:
		slog.Error("handlers: internal error", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"error": "internal error",
			"code":  "INTERNAL",
		})
	}
}
