package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmesh/registry/internal/config"
	"github.com/agentmesh/registry/internal/contentstore"
	"github.com/agentmesh/registry/internal/economics"
	"github.com/agentmesh/registry/internal/events"
	"github.com/agentmesh/registry/internal/ledger"
	"github.com/agentmesh/registry/internal/registry"
)

type grantingStakes struct{}

func (grantingStakes) EnsureStake(agentID string, caps []registry.AgentCapability) (decimal.Decimal, error) {
	return decimal.RequireFromString("12"), nil
}

// failingCapLedger degrades capability queries while leaving pointer
// resolution intact.
type failingCapLedger struct {
	ledger.Client
	err error
}

func (f *failingCapLedger) AgentsByCapability(ctx context.Context, capabilityHash string) ([]string, error) {
	return nil, f.err
}

type fixture struct {
	engine *Engine
	reg    *registry.Service
	chain  *ledger.MemoryLedger
	store  *contentstore.MemoryStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store := contentstore.NewMemoryStore()
	chain := ledger.NewMemoryLedger()
	reg := registry.NewService("agentmesh", store, chain, grantingStakes{}, events.NewLocalBus())
	econ := economics.NewEngine(config.Default().Economics, nil)
	engine := NewEngine(config.Default().Discovery, chain, store, econ, "agentmesh")

	return &fixture{engine: engine, reg: reg, chain: chain, store: store}
}

func (f *fixture) publish(t *testing.T, agentID string, reputation float64, price string, platforms int, capNames ...string) {
	t.Helper()

	schema := json.RawMessage(`{"type":"object"}`)
	caps := make([]registry.AgentCapability, len(capNames))
	for i, n := range capNames {
		caps[i] = registry.AgentCapability{
			ToolID:       agentID + "-" + n,
			Name:         n,
			InputSchema:  schema,
			OutputSchema: schema,
			CostModel:    registry.CostModel{BasePrice: decimal.RequireFromString(price)},
		}
	}

	deploys := make([]registry.PlatformDeployment, platforms)
	names := []string{"http", "discord", "telegram", "grpc"}
	for i := 0; i < platforms; i++ {
		deploys[i] = registry.PlatformDeployment{Platform: names[i%len(names)], Endpoint: "http://" + agentID + ".local"}
	}

	entry := &registry.AgentRegistryEntry{
		AgentID:      agentID,
		Capabilities: caps,
		Reputation:   registry.ReputationScore{Overall: reputation},
		EconomicTerms: registry.EconomicTerms{
			PaymentModel: registry.PaymentPerCall,
			BasePrice:    decimal.RequireFromString(price),
			Currency:     "AKT",
		},
		DeploymentInfo: registry.DeploymentInfo{Platforms: deploys},
	}
	_, err := f.reg.Publish(context.Background(), entry)
	require.NoError(t, err)
}

func agentIDs(entries []*registry.AgentRegistryEntry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.AgentID
	}
	return out
}

func TestDiscover_RequiresCapabilities(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.Discover(context.Background(), Criteria{})
	var verr *registry.ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestDiscover_RanksByScore(t *testing.T) {
	f := newFixture(t)

	// High reputation, pricey, single platform.
	f.publish(t, "steady", 0.95, "10", 1, "summarize")
	// Mediocre reputation but cheap and everywhere.
	f.publish(t, "cheap", 0.55, "1", 3, "summarize")
	// Weak on every axis.
	f.publish(t, "weak", 0.30, "10", 1, "summarize")

	matches, err := f.engine.Discover(context.Background(), Criteria{Capabilities: []string{"summarize"}})
	require.NoError(t, err)
	require.Len(t, matches, 3)

	// steady: 0.4*0.95 + 0.3*0 + 0.3*1/3 = 0.48
	// cheap:  0.4*0.55 + 0.3*0.9 + 0.3*1 = 0.79
	// weak:   0.4*0.30 + 0.3*0 + 0.3*1/3 = 0.22
	assert.Equal(t, []string{"cheap", "steady", "weak"}, agentIDs(matches))
}

func TestDiscover_FiltersByMinReputation(t *testing.T) {
	f := newFixture(t)
	f.publish(t, "good", 0.9, "1", 1, "summarize")
	f.publish(t, "bad", 0.2, "1", 1, "summarize")

	matches, err := f.engine.Discover(context.Background(), Criteria{
		Capabilities:  []string{"summarize"},
		MinReputation: 0.5,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"good"}, agentIDs(matches))
}

func TestDiscover_FiltersByMaxCost(t *testing.T) {
	f := newFixture(t)
	f.publish(t, "cheap", 0.5, "1", 1, "summarize")
	f.publish(t, "pricey", 0.5, "100", 1, "summarize")

	maxCost := decimal.RequireFromString("10")
	matches, err := f.engine.Discover(context.Background(), Criteria{
		Capabilities: []string{"summarize"},
		MaxCost:      &maxCost,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"cheap"}, agentIDs(matches))
}

func TestDiscover_ExcludesProviders(t *testing.T) {
	f := newFixture(t)
	f.publish(t, "wanted", 0.5, "1", 1, "summarize")
	f.publish(t, "banned", 0.9, "1", 3, "summarize")

	matches, err := f.engine.Discover(context.Background(), Criteria{
		Capabilities:      []string{"summarize"},
		ExcludedProviders: []string{"banned"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"wanted"}, agentIDs(matches), "exclusion accepts bare agent ids")

	matches, err = f.engine.Discover(context.Background(), Criteria{
		Capabilities:      []string{"summarize"},
		ExcludedProviders: []string{"did:agentmesh:banned"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"wanted"}, agentIDs(matches), "exclusion accepts full DIDs")
}

func TestDiscover_DeduplicatesAcrossCapabilities(t *testing.T) {
	f := newFixture(t)
	f.publish(t, "multi", 0.5, "1", 1, "summarize", "translate")

	matches, err := f.engine.Discover(context.Background(), Criteria{
		Capabilities: []string{"summarize", "translate"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"multi"}, agentIDs(matches), "an agent matching several requested capabilities appears once")
}

func TestDiscover_Deterministic(t *testing.T) {
	f := newFixture(t)
	// Identical on every ranking axis; only the DID breaks the tie.
	f.publish(t, "alpha", 0.5, "1", 1, "summarize")
	f.publish(t, "beta", 0.5, "1", 1, "summarize")
	f.publish(t, "gamma", 0.5, "1", 1, "summarize")

	first, err := f.engine.Discover(context.Background(), Criteria{Capabilities: []string{"summarize"}})
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		again, err := f.engine.Discover(context.Background(), Criteria{Capabilities: []string{"summarize"}})
		require.NoError(t, err)
		assert.Equal(t, agentIDs(first), agentIDs(again), "same snapshot and criteria must give the same order")
	}
	assert.Equal(t, []string{"alpha", "beta", "gamma"}, agentIDs(first))
}

func TestDiscover_HonorsLimit(t *testing.T) {
	f := newFixture(t)
	for _, id := range []string{"a1", "a2", "a3", "a4"} {
		f.publish(t, id, 0.5, "1", 1, "summarize")
	}

	matches, err := f.engine.Discover(context.Background(), Criteria{
		Capabilities: []string{"summarize"},
		Limit:        2,
	})
	require.NoError(t, err)
	assert.Len(t, matches, 2)
}

func TestDiscover_SkipsUnresolvableEntries(t *testing.T) {
	f := newFixture(t)
	f.publish(t, "healthy", 0.5, "1", 1, "summarize")

	// A pointer with no matching blob behind it: discoverable on the
	// ledger but unreachable in the content store.
	_, err := f.chain.BindPointer(context.Background(), ledger.PointerBinding{
		DID:              "did:agentmesh:phantom",
		AgentID:          "phantom",
		ContentHash:      "deadbeef",
		Stake:            decimal.RequireFromString("12"),
		CapabilityHashes: []string{ledger.CapabilityHash("summarize")},
	})
	require.NoError(t, err)

	matches, err := f.engine.Discover(context.Background(), Criteria{Capabilities: []string{"summarize"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"healthy"}, agentIDs(matches), "one broken entry must not abort discovery")
}

// slowCapLedger answers one capability instantly and blocks on another
// until the query deadline expires.
type slowCapLedger struct {
	ledger.Client
	slowHash string
}

func (s *slowCapLedger) AgentsByCapability(ctx context.Context, capabilityHash string) ([]string, error) {
	if capabilityHash == s.slowHash {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return s.Client.AgentsByCapability(ctx, capabilityHash)
}

func TestDiscover_TimeoutKeepsResolvedResults(t *testing.T) {
	f := newFixture(t)
	f.publish(t, "healthy", 0.5, "1", 1, "summarize")

	cfg := config.Default().Discovery
	cfg.QueryTimeout = 100 * time.Millisecond
	slow := &slowCapLedger{Client: f.chain, slowHash: ledger.CapabilityHash("translate")}
	engine := NewEngine(cfg, slow, f.store,
		economics.NewEngine(config.Default().Economics, nil), "agentmesh")

	matches, err := engine.Discover(context.Background(), Criteria{
		Capabilities: []string{"summarize", "translate"},
	})

	var unavailable *UnavailableError
	require.ErrorAs(t, err, &unavailable)
	assert.Equal(t, []string{"healthy"}, agentIDs(matches),
		"agents found before the timeout must survive it")
	assert.Equal(t, matches, unavailable.Partial)
}

func TestDiscover_LedgerFailureYieldsUnavailable(t *testing.T) {
	f := newFixture(t)
	f.publish(t, "healthy", 0.5, "1", 1, "summarize")

	broken := &failingCapLedger{Client: f.chain, err: errors.New("chain rpc timeout")}
	engine := NewEngine(config.Default().Discovery, broken, f.store,
		economics.NewEngine(config.Default().Economics, nil), "agentmesh")

	matches, err := engine.Discover(context.Background(), Criteria{Capabilities: []string{"summarize"}})

	var unavailable *UnavailableError
	require.ErrorAs(t, err, &unavailable)
	assert.Equal(t, matches, unavailable.Partial, "partial results travel with the error")
}
