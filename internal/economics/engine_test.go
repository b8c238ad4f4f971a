package economics

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmesh/registry/internal/config"
	"github.com/agentmesh/registry/internal/registry"
)

type stubReliability struct {
	scores map[string]float64
}

func (s *stubReliability) CategoryScore(agentID, category string) (float64, bool) {
	v, ok := s.scores[agentID+"/"+category]
	return v, ok
}

func testEngine(t *testing.T) *Engine {
	t.Helper()
	return NewEngine(config.Default().Economics, nil)
}

func caps(names ...string) []registry.AgentCapability {
	out := make([]registry.AgentCapability, len(names))
	for i, n := range names {
		out[i] = registry.AgentCapability{ToolID: n, Name: n}
	}
	return out
}

func TestRequiredStake_BasePlusPerCapability(t *testing.T) {
	e := testEngine(t)

	// 10 base + 2 per capability.
	stake := e.RequiredStake(caps("summarize", "translate", "classify"))
	assert.True(t, stake.Equal(decimal.RequireFromString("16")),
		"three ordinary capabilities should need 16, got %s", stake)
}

func TestRequiredStake_HighRiskDoubles(t *testing.T) {
	e := testEngine(t)

	stake := e.RequiredStake(caps("summarize", "translate", "crypto-trading"))
	assert.True(t, stake.Equal(decimal.RequireFromString("32")),
		"a high-risk capability should double the requirement, got %s", stake)
}

func TestRequiredStake_Deterministic(t *testing.T) {
	e := testEngine(t)
	set := caps("payment-routing", "summarize")

	first := e.RequiredStake(set)
	for i := 0; i < 10; i++ {
		assert.True(t, first.Equal(e.RequiredStake(set)), "stake must be a pure function of the capability set")
	}
}

func TestEnsureStake_InsufficientThenBonded(t *testing.T) {
	e := testEngine(t)
	set := caps("summarize")

	_, err := e.EnsureStake("agent-1", set)
	var insufficient *InsufficientStakeError
	require.ErrorAs(t, err, &insufficient, "unbonded agent must be rejected")
	assert.True(t, insufficient.Required.Equal(decimal.RequireFromString("12")))
	assert.True(t, insufficient.Bonded.IsZero())

	e.Bond("agent-1", decimal.RequireFromString("12"))
	required, err := e.EnsureStake("agent-1", set)
	require.NoError(t, err)
	assert.True(t, required.Equal(decimal.RequireFromString("12")))
}

func TestSlashStake_FloorsAtZero(t *testing.T) {
	e := testEngine(t)
	e.Bond("agent-1", decimal.RequireFromString("5"))

	taken := e.SlashStake("agent-1", decimal.RequireFromString("8"))
	assert.True(t, taken.Equal(decimal.RequireFromString("5")), "slash can only take what is bonded")
	assert.True(t, e.Bonded("agent-1").IsZero())
}

func TestEstimateCost_ScalingAndDiscount(t *testing.T) {
	e := testEngine(t)

	cap := &registry.AgentCapability{
		ToolID: "analyze",
		Name:   "analyze",
		CostModel: registry.CostModel{
			BasePrice: decimal.RequireFromString("10"),
			ScalingFactors: []registry.ScalingFactor{
				{Metric: "complexity", Multiplier: decimal.RequireFromString("2"), Threshold: 5},
				{Metric: "data-size", Multiplier: decimal.RequireFromString("1.5"), Threshold: 100},
			},
			VolumeDiscounts: []registry.VolumeDiscount{
				{MinCalls: 100, Discount: decimal.RequireFromString("0.1")},
				{MinCalls: 1000, Discount: decimal.RequireFromString("0.2")},
			},
		},
	}

	// Below both thresholds, no volume: base price.
	price := e.EstimateCost("agent-1", cap, RequestShape{Metrics: map[string]float64{"complexity": 1}})
	assert.True(t, price.Equal(decimal.RequireFromString("10")))

	// Complexity threshold crossed: 10 * 2 = 20.
	price = e.EstimateCost("agent-1", cap, RequestShape{Metrics: map[string]float64{"complexity": 7}})
	assert.True(t, price.Equal(decimal.RequireFromString("20")))

	// Both factors plus the best discount: 10 * 2 * 1.5 * 0.8 = 24.
	price = e.EstimateCost("agent-1", cap, RequestShape{
		Metrics:    map[string]float64{"complexity": 7, "data-size": 500},
		CallVolume: 2000,
	})
	assert.True(t, price.Equal(decimal.RequireFromString("24")), "got %s", price)
}

func TestEstimateCost_PerformancePenalty(t *testing.T) {
	rel := &stubReliability{scores: map[string]float64{"flaky/reliability": 0.4}}
	e := NewEngine(config.Default().Economics, rel)

	cap := &registry.AgentCapability{
		ToolID: "analyze",
		Name:   "analyze",
		CostModel: registry.CostModel{
			BasePrice: decimal.RequireFromString("10"),
			PerformancePenalties: []registry.PerformancePenalty{
				{Category: "reliability", Threshold: 0.5, Multiplier: decimal.RequireFromString("0.5")},
			},
		},
	}

	price := e.EstimateCost("flaky", cap, RequestShape{})
	assert.True(t, price.Equal(decimal.RequireFromString("5")), "unreliable provider should be discounted")

	price = e.EstimateCost("unknown", cap, RequestShape{})
	assert.True(t, price.Equal(decimal.RequireFromString("10")), "unknown provider pays full price")
}

func TestCheckBudget_PerCallLimit(t *testing.T) {
	e := testEngine(t)

	budget := BudgetConstraints{MaxCostPerCall: decimal.RequireFromString("5")}
	err := e.CheckBudget("caller-1", budget, decimal.RequireFromString("7"))

	var exceeded *BudgetExceededError
	require.ErrorAs(t, err, &exceeded)
	assert.Equal(t, "max_cost_per_call", exceeded.Limit)
	assert.True(t, exceeded.Attempted.Equal(decimal.RequireFromString("7")))
}

func TestCheckBudget_CumulativeLimit(t *testing.T) {
	e := testEngine(t)

	budget := BudgetConstraints{MaxTotalCost: decimal.RequireFromString("10"), ResetPeriod: "daily"}

	require.NoError(t, e.CheckBudget("caller-1", budget, decimal.RequireFromString("6")))
	e.RecordSpend("caller-1", budget, decimal.RequireFromString("6"))

	err := e.CheckBudget("caller-1", budget, decimal.RequireFromString("6"))
	var exceeded *BudgetExceededError
	require.ErrorAs(t, err, &exceeded)
	assert.Equal(t, "max_total_cost", exceeded.Limit)
	assert.True(t, exceeded.Allowed.Equal(decimal.RequireFromString("4")), "remaining headroom should be reported")

	// A smaller call still fits.
	require.NoError(t, e.CheckBudget("caller-1", budget, decimal.RequireFromString("4")))
}

func TestCheckBudget_ZeroLimitsAllowEverything(t *testing.T) {
	e := testEngine(t)
	require.NoError(t, e.CheckBudget("caller-1", BudgetConstraints{}, decimal.RequireFromString("1000000")))
}

func TestBudgetExceededError_IsTyped(t *testing.T) {
	e := testEngine(t)
	err := e.CheckBudget("c", BudgetConstraints{MaxCostPerCall: decimal.RequireFromString("1")}, decimal.RequireFromString("2"))
	var exceeded *BudgetExceededError
	assert.True(t, errors.As(err, &exceeded))
}
