package reputation

import (
	"context"
	"encoding/json"
	"testing"

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

const arbiterDID = "did:agentmesh:arbiter"

type grantingStakes struct{}

func (grantingStakes) EnsureStake(agentID string, caps []registry.AgentCapability) (decimal.Decimal, error) {
	return decimal.RequireFromString("12"), nil
}

type recordingSlasher struct {
	agentID string
	amount  decimal.Decimal
	taken   decimal.Decimal
}

func (r *recordingSlasher) SlashStake(agentID string, amount decimal.Decimal) decimal.Decimal {
	r.agentID = agentID
	r.amount = amount
	return r.taken
}

func testEntry(agentID string) *registry.AgentRegistryEntry {
	schema := json.RawMessage(`{"type":"object"}`)
	return &registry.AgentRegistryEntry{
		AgentID: agentID,
		Capabilities: []registry.AgentCapability{{
			ToolID:       agentID + "-tool",
			Name:         "summarize",
			InputSchema:  schema,
			OutputSchema: schema,
			CostModel:    registry.CostModel{BasePrice: decimal.RequireFromString("1")},
		}},
		EconomicTerms: registry.EconomicTerms{
			PaymentModel: registry.PaymentPerCall,
			BasePrice:    decimal.RequireFromString("1"),
			Currency:     "AKT",
		},
		DeploymentInfo: registry.DeploymentInfo{
			Platforms: []registry.PlatformDeployment{{Platform: "http", Endpoint: "http://" + agentID + ".local"}},
		},
	}
}

func newTestLedger(t *testing.T, slasher StakeSlasher) (*Ledger, *registry.Service, ledger.Client) {
	t.Helper()

	store := contentstore.NewMemoryStore()
	chain := ledger.NewMemoryLedger()
	reg := registry.NewService("agentmesh", store, chain, grantingStakes{}, events.NewLocalBus())

	if slasher == nil {
		slasher = &recordingSlasher{}
	}
	led := NewLedger(config.Default().Reputation, reg, chain, slasher, events.NewLocalBus(), arbiterDID)
	return led, reg, chain
}

func mustPublish(t *testing.T, reg *registry.Service, agentID string) {
	t.Helper()
	_, err := reg.Publish(context.Background(), testEntry(agentID))
	require.NoError(t, err)
}

func TestRecordEvent_RejectsOutOfRangeRating(t *testing.T) {
	led, reg, _ := newTestLedger(t, nil)
	mustPublish(t, reg, "agent-1")

	_, err := led.RecordEvent(context.Background(), RatingSubmission{
		AgentID: "agent-1", RaterDID: "did:agentmesh:rater", Rating: 1.5,
	})
	var verr *registry.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "rating", verr.Field)
}

func TestRecordEvent_AppendsHistoryAndRecomputes(t *testing.T) {
	led, reg, chain := newTestLedger(t, nil)
	mustPublish(t, reg, "agent-1")
	ctx := context.Background()

	txID, err := led.RecordEvent(ctx, RatingSubmission{
		AgentID:      "agent-1",
		RaterDID:     "did:agentmesh:rater",
		Rating:       0.9,
		Category:     "reliability",
		EvidenceRefs: []string{"exec-1"},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, txID)

	entry, err := reg.Latest(ctx, "agent-1")
	require.NoError(t, err)
	require.Len(t, entry.Reputation.History, 1)
	assert.False(t, entry.Reputation.History[0].Unverified, "evidence-backed rating is verified")
	assert.InDelta(t, 0.9, entry.Reputation.Overall, 1e-9, "single rating seeds the category EWMA")

	require.Len(t, entry.Reputation.Categories, 1)
	cat := entry.Reputation.Categories[0]
	assert.Equal(t, "reliability", cat.Category)
	assert.Equal(t, 1, cat.SampleSize)
	assert.InDelta(t, 1.0/50, cat.Confidence, 1e-9, "confidence grows with sample size")

	height, err := chain.Height(ctx)
	require.NoError(t, err)
	evs, err := chain.EventsInRange(ctx, 0, height)
	require.NoError(t, err)
	var found bool
	for _, ev := range evs {
		if ev.Type == ledger.EventReputationUpdated && ev.AgentID == "agent-1" {
			found = true
		}
	}
	assert.True(t, found, "a reputation transaction must be submitted to the ledger")
}

func TestRecordEvent_UnverifiedRatingsAreFlagged(t *testing.T) {
	led, reg, _ := newTestLedger(t, nil)
	mustPublish(t, reg, "agent-1")
	ctx := context.Background()

	_, err := led.RecordEvent(ctx, RatingSubmission{
		AgentID: "agent-1", RaterDID: "did:agentmesh:rater", Rating: 0.9,
	})
	require.NoError(t, err)

	entry, err := reg.Latest(ctx, "agent-1")
	require.NoError(t, err)
	require.Len(t, entry.Reputation.History, 1)
	assert.True(t, entry.Reputation.History[0].Unverified, "no evidence means unverified")
	assert.Equal(t, "reliability", entry.Reputation.History[0].Category, "category defaults to reliability")
}

func TestRecordEvent_UnverifiedFirstSampleIsDownWeighted(t *testing.T) {
	led, reg, _ := newTestLedger(t, nil)
	mustPublish(t, reg, "agent-1")
	ctx := context.Background()

	_, err := led.RecordEvent(ctx, RatingSubmission{
		AgentID: "agent-1", RaterDID: "did:agentmesh:rater", Rating: 1.0,
	})
	require.NoError(t, err)

	entry, err := reg.Latest(ctx, "agent-1")
	require.NoError(t, err)
	// Unverified weight 0.5 blends a perfect rating with the 0.5 prior:
	// 0.5*0.5 + 0.5*1.0 = 0.75, not 1.0.
	assert.InDelta(t, 0.75, entry.Reputation.Overall, 1e-9,
		"a single unverified rating cannot set the score outright")
}

func TestRecordEvent_SelfRatingStoredButExcluded(t *testing.T) {
	led, reg, _ := newTestLedger(t, nil)
	mustPublish(t, reg, "agent-1")
	ctx := context.Background()

	_, err := led.RecordEvent(ctx, RatingSubmission{
		AgentID:      "agent-1",
		RaterDID:     "did:agentmesh:agent-1",
		Rating:       1.0,
		EvidenceRefs: []string{"exec-1"},
	})
	require.NoError(t, err)

	entry, err := reg.Latest(ctx, "agent-1")
	require.NoError(t, err)
	require.Len(t, entry.Reputation.History, 1, "history is complete, disputed or not")
	assert.True(t, entry.Reputation.History[0].Excluded)
	assert.Equal(t, 0.5, entry.Reputation.Overall, "excluded ratings leave the aggregate unchanged")
}

func TestRecordEvent_EWMAConvergesTowardRecentRatings(t *testing.T) {
	led, reg, _ := newTestLedger(t, nil)
	mustPublish(t, reg, "agent-1")
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := led.RecordEvent(ctx, RatingSubmission{
			AgentID: "agent-1", RaterDID: "did:agentmesh:rater", Rating: 1.0,
			EvidenceRefs: []string{"good"},
		})
		require.NoError(t, err)
	}
	entry, err := reg.Latest(ctx, "agent-1")
	require.NoError(t, err)
	high := entry.Reputation.Overall

	for i := 0; i < 5; i++ {
		_, err := led.RecordEvent(ctx, RatingSubmission{
			AgentID: "agent-1", RaterDID: "did:agentmesh:rater", Rating: 0.0,
			EvidenceRefs: []string{"bad"},
		})
		require.NoError(t, err)
	}
	entry, err = reg.Latest(ctx, "agent-1")
	require.NoError(t, err)

	assert.Less(t, entry.Reputation.Overall, high, "recent failures must pull the score down")
	assert.GreaterOrEqual(t, entry.Reputation.Overall, 0.0)
	assert.LessOrEqual(t, entry.Reputation.Overall, 1.0)
}

func TestRecordEvent_ClampedUnderAdversarialSequences(t *testing.T) {
	led, reg, _ := newTestLedger(t, nil)
	mustPublish(t, reg, "agent-1")
	ctx := context.Background()

	ratings := []float64{0, 1, 0, 0, 1, 1, 1, 0, 1, 0, 0, 0, 1, 1}
	for _, r := range ratings {
		_, err := led.RecordEvent(ctx, RatingSubmission{
			AgentID: "agent-1", RaterDID: "did:agentmesh:rater", Rating: r,
			EvidenceRefs: []string{"e"},
		})
		require.NoError(t, err)

		entry, err := reg.Latest(ctx, "agent-1")
		require.NoError(t, err)
		assert.GreaterOrEqual(t, entry.Reputation.Overall, 0.0)
		assert.LessOrEqual(t, entry.Reputation.Overall, 1.0)
		for _, cat := range entry.Reputation.Categories {
			assert.GreaterOrEqual(t, cat.Score, 0.0)
			assert.LessOrEqual(t, cat.Score, 1.0)
			assert.LessOrEqual(t, cat.Confidence, 1.0)
		}
	}
}

func TestSlash_RequiresArbiter(t *testing.T) {
	led, reg, _ := newTestLedger(t, nil)
	mustPublish(t, reg, "agent-1")

	_, err := led.Slash(context.Background(), "did:agentmesh:impostor", "agent-1",
		decimal.RequireFromString("5"), "fabricated results", nil)
	assert.ErrorIs(t, err, ErrNotArbiter)
}

func TestSlash_ForfeitsStakeAndPenalizesScore(t *testing.T) {
	slasher := &recordingSlasher{taken: decimal.RequireFromString("5")}
	led, reg, chain := newTestLedger(t, slasher)
	mustPublish(t, reg, "agent-1")
	ctx := context.Background()

	txID, err := led.Slash(ctx, arbiterDID, "agent-1",
		decimal.RequireFromString("5"), "fabricated results", []string{"evidence-1"})
	require.NoError(t, err)
	assert.NotEmpty(t, txID)

	assert.Equal(t, "agent-1", slasher.agentID)
	assert.True(t, slasher.amount.Equal(decimal.RequireFromString("5")))

	entry, err := reg.Latest(ctx, "agent-1")
	require.NoError(t, err)
	require.Len(t, entry.Reputation.SlashingHistory, 1)
	assert.Equal(t, "fabricated results", entry.Reputation.SlashingHistory[0].Reason)
	assert.True(t, entry.Reputation.SlashingHistory[0].Amount.Equal(decimal.RequireFromString("5")))

	// Neutral 0.5 minus the 0.2 penalty.
	assert.InDelta(t, 0.3, entry.Reputation.Overall, 1e-9, "the penalty must be visible immediately")

	height, err := chain.Height(ctx)
	require.NoError(t, err)
	evs, err := chain.EventsInRange(ctx, 0, height)
	require.NoError(t, err)
	var found bool
	for _, ev := range evs {
		if ev.Type == ledger.EventAgentSlashed && ev.AgentID == "agent-1" {
			found = true
			assert.Equal(t, "fabricated results", ev.Reason)
		}
	}
	assert.True(t, found)
}

func TestSlash_UnderBondedAgentStillSlashed(t *testing.T) {
	store := contentstore.NewMemoryStore()
	chain := ledger.NewMemoryLedger()
	econ := economics.NewEngine(config.Default().Economics, nil)
	reg := registry.NewService("agentmesh", store, chain, econ, events.NewLocalBus())
	led := NewLedger(config.Default().Reputation, reg, chain, econ, events.NewLocalBus(), arbiterDID)
	ctx := context.Background()

	// One capability requires 10 + 2 = 12 bonded; 15 clears the gate.
	econ.Bond("rogue", decimal.RequireFromString("15"))
	_, err := reg.Publish(ctx, testEntry("rogue"))
	require.NoError(t, err)

	// The slash drops the bond below the publication requirement. The
	// penalty re-publish must not be blocked by that.
	txID, err := led.Slash(ctx, arbiterDID, "rogue",
		decimal.RequireFromString("10"), "fabricated results", nil)
	require.NoError(t, err, "slashing cannot be gated on the stake it just took")
	assert.NotEmpty(t, txID)
	assert.True(t, econ.Bonded("rogue").Equal(decimal.RequireFromString("5")))

	entry, err := reg.Latest(ctx, "rogue")
	require.NoError(t, err)
	require.Len(t, entry.Reputation.SlashingHistory, 1)
	assert.InDelta(t, 0.3, entry.Reputation.Overall, 1e-9, "the penalty lands despite the reduced bond")

	// Ratings for the now under-bonded agent still land too.
	_, err = led.RecordEvent(ctx, RatingSubmission{
		AgentID: "rogue", RaterDID: "did:agentmesh:rater", Rating: 0.4,
		EvidenceRefs: []string{"e"},
	})
	require.NoError(t, err)
}

func TestSlash_PenaltyAppliesEvenWithStrongHistory(t *testing.T) {
	slasher := &recordingSlasher{taken: decimal.RequireFromString("5")}
	led, reg, _ := newTestLedger(t, slasher)
	mustPublish(t, reg, "agent-1")
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_, err := led.RecordEvent(ctx, RatingSubmission{
			AgentID: "agent-1", RaterDID: "did:agentmesh:rater", Rating: 1.0,
			EvidenceRefs: []string{"good"},
		})
		require.NoError(t, err)
	}
	before, err := reg.Latest(ctx, "agent-1")
	require.NoError(t, err)

	_, err = led.Slash(ctx, arbiterDID, "agent-1",
		decimal.RequireFromString("5"), "credential misuse", nil)
	require.NoError(t, err)

	after, err := reg.Latest(ctx, "agent-1")
	require.NoError(t, err)
	assert.LessOrEqual(t, after.Reputation.Overall, before.Reputation.Overall-0.2+1e-9,
		"a perfect rating history cannot absorb the slashing penalty")
}

func TestCategoryScore_ReportsLatestValue(t *testing.T) {
	led, reg, _ := newTestLedger(t, nil)
	mustPublish(t, reg, "agent-1")
	ctx := context.Background()

	_, err := led.RecordEvent(ctx, RatingSubmission{
		AgentID: "agent-1", RaterDID: "did:agentmesh:rater", Rating: 0.8,
		Category: "speed", EvidenceRefs: []string{"e"},
	})
	require.NoError(t, err)

	score, ok := led.CategoryScore("agent-1", "speed")
	require.True(t, ok)
	assert.InDelta(t, 0.8, score, 1e-9)

	_, ok = led.CategoryScore("agent-1", "accuracy")
	assert.False(t, ok, "unrated categories report no score")

	_, ok = led.CategoryScore("ghost", "speed")
	assert.False(t, ok)
}
