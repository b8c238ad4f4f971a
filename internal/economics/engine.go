// Package economics implements stake sizing, cost estimation, and caller
// budget enforcement. Stake computation is deterministic and auditable:
// any two nodes compute the identical requirement for the identical
// capability set.
package economics

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/agentmesh/registry/internal/config"
	"github.com/agentmesh/registry/internal/registry"
)

// InsufficientStakeError indicates the agent's bonded value is below the
// requirement for its declared capabilities.
type InsufficientStakeError struct {
	AgentID  string
	Required decimal.Decimal
	Bonded   decimal.Decimal
}

func (e *InsufficientStakeError) Error() string {
	return fmt.Sprintf("insufficient stake for %s: bonded %s, required %s",
		e.AgentID, e.Bonded, e.Required)
}

// BudgetExceededError names the specific limit a call would exceed so the
// caller can decide whether to retry with relaxed constraints.
type BudgetExceededError struct {
	Limit     string // "max_cost_per_call" or "max_total_cost"
	Allowed   decimal.Decimal
	Attempted decimal.Decimal
}

func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("budget exceeded: %s allows %s, call needs %s",
		e.Limit, e.Allowed, e.Attempted)
}

// BudgetConstraints bound a caller's spend. Carried in the invocation
// context.
type BudgetConstraints struct {
	MaxCostPerCall decimal.Decimal `json:"maxCostPerCall"`
	MaxTotalCost   decimal.Decimal `json:"maxTotalCost"`
	Currency       string          `json:"currency"`
	ResetPeriod    string          `json:"resetPeriod"` // daily, weekly, monthly
}

// RequestShape describes the request being priced: metric values matched
// against scaling-factor thresholds, plus the caller's call volume for
// discount selection.
type RequestShape struct {
	Metrics    map[string]float64
	CallVolume int
}

// ReliabilityProvider reports a target agent's recent category score.
// Implemented by the reputation ledger; injected so pricing can penalize
// unreliable providers without a package cycle.
type ReliabilityProvider interface {
	CategoryScore(agentID, category string) (float64, bool)
}

// Engine computes stakes and costs and tracks bonded value and caller
// spend windows.
type Engine struct {
	mu sync.Mutex

	baseStake      decimal.Decimal
	perCapability  decimal.Decimal
	riskMultiplier decimal.Decimal
	riskLexicon    []string
	currency       string

	reliability ReliabilityProvider

	bonded map[string]decimal.Decimal
	spend  map[string]*spendWindow
}

type spendWindow struct {
	total       decimal.Decimal
	periodStart time.Time
	period      time.Duration
}

// NewEngine builds an Engine from configuration. Malformed decimal
// strings in the config fall back to zero rather than panicking; the
// config defaults are always well-formed.
func NewEngine(cfg config.EconomicsConfig, reliability ReliabilityProvider) *Engine {
	parse := func(s string) decimal.Decimal {
		d, err := decimal.NewFromString(s)
		if err != nil {
			return decimal.Zero
		}
		return d
	}
	return &Engine{
		baseStake:      parse(cfg.BaseStake),
		perCapability:  parse(cfg.PerCapabilityStake),
		riskMultiplier: parse(cfg.RiskMultiplier),
		riskLexicon:    cfg.HighRiskLexicon,
		currency:       cfg.Currency,
		reliability:    reliability,
		bonded:         make(map[string]decimal.Decimal),
		spend:          make(map[string]*spendWindow),
	}
}

// SetReliabilityProvider attaches the reputation source after both
// engines exist. Call during wiring, before serving traffic.
func (e *Engine) SetReliabilityProvider(p ReliabilityProvider) {
	e.reliability = p
}

// Currency returns the network's settlement currency.
func (e *Engine) Currency() string { return e.currency }

// RequiredStake computes the bond an agent must hold to declare the given
// capabilities: (base + perCapability × count) × riskMultiplier when any
// capability name matches the high-risk lexicon. Pure function of the
// capability set.
func (e *Engine) RequiredStake(caps []registry.AgentCapability) decimal.Decimal {
	count := decimal.NewFromInt(int64(len(caps)))
	stake := e.baseStake.Add(e.perCapability.Mul(count))

	for _, c := range caps {
		if e.highRisk(c.Name) {
			return stake.Mul(e.riskMultiplier)
		}
	}
	return stake
}

func (e *Engine) highRisk(name string) bool {
	lower := strings.ToLower(name)
	for _, term := range e.riskLexicon {
		if strings.Contains(lower, term) {
			return true
		}
	}
	return false
}

// EnsureStake verifies the agent's bonded value covers its capability set.
func (e *Engine) EnsureStake(agentID string, caps []registry.AgentCapability) (decimal.Decimal, error) {
	required := e.RequiredStake(caps)

	e.mu.Lock()
	bonded := e.bonded[agentID]
	e.mu.Unlock()

	if bonded.LessThan(required) {
		return required, &InsufficientStakeError{AgentID: agentID, Required: required, Bonded: bonded}
	}
	return required, nil
}

// Bond deposits stake for an agent.
func (e *Engine) Bond(agentID string, amount decimal.Decimal) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.bonded[agentID] = e.bonded[agentID].Add(amount)
}

// Bonded returns the agent's current bonded value.
func (e *Engine) Bonded(agentID string) decimal.Decimal {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.bonded[agentID]
}

// SlashStake forfeits up to amount from the agent's bond and returns what
// was actually taken. Called only by the reputation ledger's privileged
// slashing path.
func (e *Engine) SlashStake(agentID string, amount decimal.Decimal) decimal.Decimal {
	e.mu.Lock()
	defer e.mu.Unlock()

	bonded := e.bonded[agentID]
	taken := amount
	if bonded.LessThan(amount) {
		taken = bonded
	}
	e.bonded[agentID] = bonded.Sub(taken)
	return taken
}

// EstimateCost prices a call against a capability's cost model: scaling
// factors in declaration order, then the best matching volume discount,
// then any performance penalty for the target's recent reliability.
func (e *Engine) EstimateCost(targetAgentID string, cap *registry.AgentCapability, shape RequestShape) decimal.Decimal {
	price := cap.CostModel.BasePrice

	for _, sf := range cap.CostModel.ScalingFactors {
		value, ok := shape.Metrics[sf.Metric]
		if !ok {
			continue
		}
		if sf.Threshold == 0 || value >= sf.Threshold {
			price = price.Mul(sf.Multiplier)
		}
	}

	var best decimal.Decimal
	for _, vd := range cap.CostModel.VolumeDiscounts {
		if shape.CallVolume >= vd.MinCalls && vd.Discount.GreaterThan(best) {
			best = vd.Discount
		}
	}
	if best.GreaterThan(decimal.Zero) {
		price = price.Mul(decimal.NewFromInt(1).Sub(best))
	}

	if e.reliability != nil {
		for _, pp := range cap.CostModel.PerformancePenalties {
			score, ok := e.reliability.CategoryScore(targetAgentID, pp.Category)
			if ok && score < pp.Threshold {
				price = price.Mul(pp.Multiplier)
			}
		}
	}

	return price
}

// CheckBudget allows or denies a call before any resource is consumed.
// Denials carry the specific exceeded limit.
func (e *Engine) CheckBudget(callerID string, budget BudgetConstraints, estimated decimal.Decimal) error {
	if budget.MaxCostPerCall.GreaterThan(decimal.Zero) && estimated.GreaterThan(budget.MaxCostPerCall) {
		return &BudgetExceededError{
			Limit:     "max_cost_per_call",
			Allowed:   budget.MaxCostPerCall,
			Attempted: estimated,
		}
	}

	if budget.MaxTotalCost.GreaterThan(decimal.Zero) {
		e.mu.Lock()
		current := e.currentSpend(callerID, budget)
		e.mu.Unlock()

		if current.Add(estimated).GreaterThan(budget.MaxTotalCost) {
			return &BudgetExceededError{
				Limit:     "max_total_cost",
				Allowed:   budget.MaxTotalCost.Sub(current),
				Attempted: estimated,
			}
		}
	}
	return nil
}

// RecordSpend charges the caller's current budget period.
func (e *Engine) RecordSpend(callerID string, budget BudgetConstraints, amount decimal.Decimal) {
	e.mu.Lock()
	defer e.mu.Unlock()

	w := e.window(callerID, budget)
	w.total = w.total.Add(amount)
}

// currentSpend must be called with the lock held.
func (e *Engine) currentSpend(callerID string, budget BudgetConstraints) decimal.Decimal {
	return e.window(callerID, budget).total
}

// window must be called with the lock held. Rolls the period over when
// the reset boundary has passed.
func (e *Engine) window(callerID string, budget BudgetConstraints) *spendWindow {
	period := resetPeriod(budget.ResetPeriod)
	w, ok := e.spend[callerID]
	if !ok {
		w = &spendWindow{periodStart: time.Now(), period: period}
		e.spend[callerID] = w
	}
	if time.Since(w.periodStart) > w.period {
		w.total = decimal.Zero
		w.periodStart = time.Now()
		w.period = period
	}
	return w
}

func resetPeriod(name string) time.Duration {
	switch name {
	case "weekly":
		return 7 * 24 * time.Hour
	case "monthly":
		return 30 * 24 * time.Hour
	default:
		return 24 * time.Hour
	}
}
