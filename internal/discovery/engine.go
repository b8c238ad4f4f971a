// Package discovery finds agents by capability over the ledger and
// content store and ranks them. Results for a fixed ledger snapshot and
// fixed criteria are deterministic: scores are computed from stored data
// only and ties break on DID order.
package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/agentmesh/registry/internal/config"
	"github.com/agentmesh/registry/internal/contentstore"
	"github.com/agentmesh/registry/internal/economics"
	"github.com/agentmesh/registry/internal/ledger"
	"github.com/agentmesh/registry/internal/registry"
)

// UnavailableError signals a transient discovery failure. Partial results
// already resolved before the failure are attached; callers get a
// best-effort answer, never a silently empty one.
type UnavailableError struct {
	Partial []*registry.AgentRegistryEntry
	Err     error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("discovery unavailable (%d partial results): %v", len(e.Partial), e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

// Criteria is the validated discovery request.
type Criteria struct {
	Capabilities       []string
	MinReputation      float64
	MaxCost            *decimal.Decimal
	ExcludedProviders  []string
	PreferredProviders []string
	RequestShape       economics.RequestShape
	Limit              int
}

// CostEstimator prices a capability for a request shape. Implemented by
// the economics engine.
type CostEstimator interface {
	EstimateCost(targetAgentID string, cap *registry.AgentCapability, shape economics.RequestShape) decimal.Decimal
}

// Engine queries the ledger and content store for matching entries.
type Engine struct {
	cfg    config.DiscoveryConfig
	chain  ledger.Client
	store  contentstore.Store
	costs  CostEstimator
	prefix string // DID prefix for provider matching, e.g. "did:agentmesh:"
}

// NewEngine wires the discovery engine.
func NewEngine(cfg config.DiscoveryConfig, chain ledger.Client, store contentstore.Store, costs CostEstimator, didNamespace string) *Engine {
	return &Engine{
		cfg:    cfg,
		chain:  chain,
		store:  store,
		costs:  costs,
		prefix: "did:" + didNamespace + ":",
	}
}

type capQueryResult struct {
	dids []string
	err  error
}

// Discover resolves entries declaring the requested capabilities, filters
// them, and returns the top matches best-first. A ledger timeout returns
// the partial results inside an UnavailableError; a single unreachable
// entry is skipped, not fatal.
func (e *Engine) Discover(ctx context.Context, criteria Criteria) ([]*registry.AgentRegistryEntry, error) {
	if len(criteria.Capabilities) == 0 {
		return nil, &registry.ValidationError{Field: "capabilities", Reason: "at least one capability is required"}
	}
	limit := criteria.Limit
	if limit <= 0 {
		limit = e.cfg.DefaultLimit
	}

	queryCtx, cancel := context.WithTimeout(ctx, e.cfg.QueryTimeout)
	defer cancel()

	// Independent concurrent queries per requested capability; merge
	// after all return or the bounded wait expires.
	results := make(chan capQueryResult, len(criteria.Capabilities))
	for _, name := range criteria.Capabilities {
		go func(capName string) {
			dids, err := e.chain.AgentsByCapability(queryCtx, ledger.CapabilityHash(capName))
			results <- capQueryResult{dids: dids, err: err}
		}(name)
	}

	seen := make(map[string]struct{})
	var dids []string
	var queryErr error
	for range criteria.Capabilities {
		select {
		case res := <-results:
			if res.err != nil {
				queryErr = res.err
				continue
			}
			for _, did := range res.dids {
				if _, dup := seen[did]; dup {
					continue
				}
				seen[did] = struct{}{}
				dids = append(dids, did)
			}
		case <-queryCtx.Done():
			queryErr = queryCtx.Err()
		}
		if queryCtx.Err() != nil {
			break
		}
	}
	sort.Strings(dids)

	// A capability-query timeout kills queryCtx, but the DIDs collected
	// before it expired must still resolve or the partial set is always
	// empty. Resolution gets its own bounded context in that case.
	resolveCtx := queryCtx
	if queryCtx.Err() != nil {
		var cancelResolve context.CancelFunc
		resolveCtx, cancelResolve = context.WithTimeout(ctx, e.cfg.QueryTimeout)
		defer cancelResolve()
	}

	candidates := e.resolveEntries(resolveCtx, dids)
	matches := e.filterAndRank(candidates, criteria)
	if len(matches) > limit {
		matches = matches[:limit]
	}

	if queryErr != nil {
		return matches, &UnavailableError{Partial: matches, Err: queryErr}
	}
	return matches, nil
}

// resolveEntries fetches and decodes the latest entry for each DID.
// Failures are logged and skipped so one unreachable provider does not
// abort the whole discovery.
func (e *Engine) resolveEntries(ctx context.Context, dids []string) []*registry.AgentRegistryEntry {
	entries := make([]*registry.AgentRegistryEntry, 0, len(dids))
	for _, did := range dids {
		hash, err := e.chain.LatestPointer(ctx, did)
		if err != nil {
			slog.Warn("discovery: skipping unresolvable pointer", "did", did, "error", err)
			continue
		}
		blob, err := e.store.Get(ctx, hash)
		if err != nil {
			slog.Warn("discovery: skipping unreachable entry blob", "did", did, "hash", hash, "error", err)
			continue
		}
		entry, err := registry.Decode(blob)
		if err != nil {
			slog.Warn("discovery: skipping undecodable entry", "did", did, "hash", hash, "error", err)
			continue
		}
		entries = append(entries, entry)
	}
	return entries
}

type scoredEntry struct {
	entry *registry.AgentRegistryEntry
	price decimal.Decimal
	score float64
}

// filterAndRank applies exclusion, reputation, and cost filters in that
// order, then scores what survives.
func (e *Engine) filterAndRank(candidates []*registry.AgentRegistryEntry, criteria Criteria) []*registry.AgentRegistryEntry {
	excluded := make(map[string]struct{}, len(criteria.ExcludedProviders))
	for _, p := range criteria.ExcludedProviders {
		excluded[e.normalizeProvider(p)] = struct{}{}
	}
	preferred := make(map[string]struct{}, len(criteria.PreferredProviders))
	for _, p := range criteria.PreferredProviders {
		preferred[e.normalizeProvider(p)] = struct{}{}
	}

	scored := make([]scoredEntry, 0, len(candidates))
	var maxPrice decimal.Decimal
	for _, entry := range candidates {
		if _, skip := excluded[entry.DID]; skip {
			continue
		}
		if entry.Reputation.Overall < criteria.MinReputation {
			continue
		}

		price, ok := e.effectivePrice(entry, criteria)
		if !ok {
			continue
		}
		if criteria.MaxCost != nil && price.GreaterThan(*criteria.MaxCost) {
			continue
		}

		if price.GreaterThan(maxPrice) {
			maxPrice = price
		}
		scored = append(scored, scoredEntry{entry: entry, price: price})
	}

	for i := range scored {
		normPrice := 0.0
		if maxPrice.GreaterThan(decimal.Zero) {
			normPrice, _ = scored[i].price.Div(maxPrice).Float64()
		}
		platforms := float64(len(scored[i].entry.DeploymentInfo.Platforms))

		score := e.cfg.ReputationW*scored[i].entry.Reputation.Overall +
			e.cfg.PriceW*(1-normPrice) +
			e.cfg.AvailabilityW*math.Min(1, platforms/3)

		if _, boost := preferred[scored[i].entry.DID]; boost {
			score += 0.05
		}
		scored[i].score = score
	}

	sort.Slice(scored, func(i, j int) bool {
		if scored[i].score != scored[j].score {
			return scored[i].score > scored[j].score
		}
		return scored[i].entry.DID < scored[j].entry.DID
	})

	out := make([]*registry.AgentRegistryEntry, len(scored))
	for i, s := range scored {
		out[i] = s.entry
	}
	return out
}

// effectivePrice returns the cheapest effective price among the entry's
// capabilities that match the request, pricing each for the request
// shape. False when the entry matches none of the requested names.
func (e *Engine) effectivePrice(entry *registry.AgentRegistryEntry, criteria Criteria) (decimal.Decimal, bool) {
	var best decimal.Decimal
	found := false
	for _, name := range criteria.Capabilities {
		cap := entry.Capability(name)
		if cap == nil {
			continue
		}
		price := e.costs.EstimateCost(entry.AgentID, cap, criteria.RequestShape)
		if !found || price.LessThan(best) {
			best = price
			found = true
		}
	}
	return best, found
}

// normalizeProvider accepts either a bare agent id or a full DID.
func (e *Engine) normalizeProvider(p string) string {
	if strings.HasPrefix(p, "did:") {
		return p
	}
	return e.prefix + p
}
