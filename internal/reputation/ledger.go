// Package reputation computes rating contributions, applies
// confidence-weighted aggregation, and submits reputation and slashing
// transactions. It owns ReputationScore recomputation but never the
// underlying events, which are contributed by arbitrary raters.
package reputation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/agentmesh/registry/internal/config"
	"github.com/agentmesh/registry/internal/events"
	"github.com/agentmesh/registry/internal/ledger"
	"github.com/agentmesh/registry/internal/registry"
)

// ErrNotArbiter rejects slashing submitted by anyone other than the
// protocol's dispute-resolution actor.
var ErrNotArbiter = errors.New("reputation: slashing requires the dispute-resolution arbiter")

// conflictRetries bounds optimistic-concurrency resubmission. Each retry
// refetches the latest entry state before reapplying the event.
const conflictRetries = 3

// neutralScore is the prior a fresh identity starts from.
const neutralScore = 0.5

// StakeSlasher reduces an agent's bonded stake. Implemented by the
// economics engine.
type StakeSlasher interface {
	SlashStake(agentID string, amount decimal.Decimal) decimal.Decimal
}

// Ledger is the reputation and trust ledger service.
type Ledger struct {
	cfg        config.ReputationConfig
	registry   *registry.Service
	chain      ledger.Client
	stakes     StakeSlasher
	bus        events.Bus
	arbiterDID string
}

// NewLedger wires the reputation ledger. arbiterDID identifies the only
// identity allowed to slash.
func NewLedger(cfg config.ReputationConfig, reg *registry.Service, chain ledger.Client, stakes StakeSlasher, bus events.Bus, arbiterDID string) *Ledger {
	return &Ledger{
		cfg:        cfg,
		registry:   reg,
		chain:      chain,
		stakes:     stakes,
		bus:        bus,
		arbiterDID: arbiterDID,
	}
}

// RatingSubmission is a single rater contribution.
type RatingSubmission struct {
	AgentID      string
	RaterDID     string
	Rating       float64
	Category     string
	EvidenceRefs []string
	ExecutionID  string
	LatencyMs    float64
}

// RecordEvent appends a rating to the agent's history, recomputes the
// aggregate, re-publishes the entry, and submits the reputation
// transaction. History is append-only and complete: disputed ratings are
// stored but excluded from the aggregate.
func (l *Ledger) RecordEvent(ctx context.Context, sub RatingSubmission) (string, error) {
	if sub.Rating < 0 || sub.Rating > 1 {
		return "", &registry.ValidationError{Field: "rating", Reason: "must be within [0,1]"}
	}
	if sub.Category == "" {
		sub.Category = "reliability"
	}

	event := registry.ReputationEvent{
		EventID:      uuid.New().String(),
		RaterDID:     sub.RaterDID,
		Rating:       sub.Rating,
		Category:     sub.Category,
		EvidenceRefs: sub.EvidenceRefs,
		ExecutionID:  sub.ExecutionID,
		LatencyMs:    sub.LatencyMs,
		Timestamp:    time.Now().UTC(),
	}

	// Submissions without verifiable evidence are accepted but flagged
	// and down-weighted during aggregation.
	if len(sub.EvidenceRefs) == 0 {
		event.Unverified = true
	}

	err := l.applyWithRetry(ctx, sub.AgentID, func(entry *registry.AgentRegistryEntry) error {
		ev := event
		ev.Excluded = l.disputed(ctx, entry, sub.RaterDID)
		entry.Reputation.History = append(entry.Reputation.History, ev)
		l.recompute(&entry.Reputation)
		return nil
	})
	if err != nil {
		return "", err
	}

	txID, err := l.chain.SubmitEvent(ctx, ledger.Event{
		Type:      ledger.EventReputationUpdated,
		AgentID:   sub.AgentID,
		Rating:    sub.Rating,
		RaterDID:  sub.RaterDID,
		LatencyMs: sub.LatencyMs,
	})
	if err != nil {
		return "", fmt.Errorf("submit reputation event: %w", err)
	}

	if l.bus != nil {
		_ = l.bus.Publish(ctx, &events.Event{
			Type:    events.TypeReputationUpdated,
			Source:  "reputation",
			AgentID: sub.AgentID,
			Payload: map[string]any{"rating": sub.Rating, "rater_did": sub.RaterDID},
		})
	}
	return txID, nil
}

// Slash is the privileged dispute-resolution path: it forfeits bonded
// stake, appends a SlashingEvent, and applies a fixed reputation penalty
// so discovery ranking reflects the incident immediately.
func (l *Ledger) Slash(ctx context.Context, actorDID, agentID string, amount decimal.Decimal, reason string, evidenceRefs []string) (string, error) {
	if actorDID != l.arbiterDID {
		return "", ErrNotArbiter
	}

	taken := l.stakes.SlashStake(agentID, amount)

	slashEvent := registry.SlashingEvent{
		EventID:      uuid.New().String(),
		Amount:       taken,
		Reason:       reason,
		EvidenceRefs: evidenceRefs,
		Timestamp:    time.Now().UTC(),
	}

	err := l.applyWithRetry(ctx, agentID, func(entry *registry.AgentRegistryEntry) error {
		prev := entry.Reputation.Overall
		entry.Reputation.SlashingHistory = append(entry.Reputation.SlashingHistory, slashEvent)

		// The penalty event is arbiter-issued, independent of rater
		// submissions, and excluded from the rating aggregate; the
		// penalty itself is applied as a floor below.
		entry.Reputation.History = append(entry.Reputation.History, registry.ReputationEvent{
			EventID:      uuid.New().String(),
			RaterDID:     l.arbiterDID,
			Rating:       0,
			Category:     "security",
			EvidenceRefs: evidenceRefs,
			Excluded:     true,
			Timestamp:    time.Now().UTC(),
		})

		l.recompute(&entry.Reputation)
		entry.Reputation.Overall = clamp01(math.Min(entry.Reputation.Overall, prev-l.cfg.SlashingPenalty))
		return nil
	})
	if err != nil {
		return "", err
	}

	txID, err := l.chain.SubmitEvent(ctx, ledger.Event{
		Type:    ledger.EventAgentSlashed,
		AgentID: agentID,
		Amount:  taken,
		Reason:  reason,
	})
	if err != nil {
		return "", fmt.Errorf("submit slashing event: %w", err)
	}

	slog.Warn("reputation: agent slashed",
		"agent_id", agentID,
		"amount", taken.String(),
		"reason", reason)

	if l.bus != nil {
		_ = l.bus.Publish(ctx, &events.Event{
			Type:    events.TypeAgentSlashed,
			Source:  "reputation",
			AgentID: agentID,
			Payload: map[string]any{"amount": taken.String(), "reason": reason},
		})
	}
	return txID, nil
}

// CategoryScore reports an agent's current score for one category.
// Satisfies the economics engine's ReliabilityProvider.
func (l *Ledger) CategoryScore(agentID, category string) (float64, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	entry, err := l.registry.Latest(ctx, agentID)
	if err != nil {
		return 0, false
	}
	for _, cs := range entry.Reputation.Categories {
		if cs.Category == category {
			return cs.Score, true
		}
	}
	return 0, false
}

// applyWithRetry fetches the latest entry, applies the mutation, and
// re-publishes, resubmitting against fresh state on pointer conflicts.
func (l *Ledger) applyWithRetry(ctx context.Context, agentID string, mutate func(*registry.AgentRegistryEntry) error) error {
	var lastErr error
	for attempt := 0; attempt <= conflictRetries; attempt++ {
		entry, err := l.registry.Latest(ctx, agentID)
		if err != nil {
			return fmt.Errorf("resolve agent %s: %w", agentID, err)
		}
		if err := mutate(entry); err != nil {
			return err
		}
		if _, err := l.registry.Republish(ctx, entry); err != nil {
			if errors.Is(err, ledger.ErrConflict) {
				lastErr = err
				continue
			}
			return err
		}
		return nil
	}
	return lastErr
}

// disputed reports whether a rating must be excluded from the aggregate:
// self-ratings, and ratings from identities whose own overall score is
// below the configured floor.
func (l *Ledger) disputed(ctx context.Context, entry *registry.AgentRegistryEntry, raterDID string) bool {
	if raterDID == entry.DID {
		return true
	}

	rater, err := l.registry.LatestByDID(ctx, raterDID)
	if err != nil {
		// Unknown raters are accepted; only a provably low-trust
		// identity is excluded.
		return false
	}
	return rater.Reputation.Overall < l.cfg.DisputedRaterFloor
}

// recompute rebuilds category scores and the overall aggregate from the
// append-only history. A malformed individual event is skipped and
// logged, never allowed to block the whole agent's aggregate.
func (l *Ledger) recompute(score *registry.ReputationScore) {
	type catState struct {
		ewma    float64
		started bool
		samples int
	}
	cats := make(map[string]*catState)

	for _, ev := range score.History {
		if ev.Excluded {
			continue
		}
		if ev.Rating < 0 || ev.Rating > 1 || ev.Category == "" {
			slog.Warn("reputation: skipping malformed history event", "event_id", ev.EventID)
			continue
		}

		st := cats[ev.Category]
		if st == nil {
			st = &catState{}
			cats[ev.Category] = st
		}

		alpha := l.cfg.EWMAAlpha
		if ev.Unverified {
			alpha *= l.cfg.UnverifiedWeight
		}
		if !st.started {
			// The first sample seeds the EWMA, but an unverified one
			// only pulls away from the neutral prior at its reduced
			// weight instead of setting the score outright.
			weight := 1.0
			if ev.Unverified {
				weight = l.cfg.UnverifiedWeight
			}
			st.ewma = (1-weight)*neutralScore + weight*ev.Rating
			st.started = true
		} else {
			st.ewma = (1-alpha)*st.ewma + alpha*ev.Rating
		}
		st.samples++
	}

	score.Categories = score.Categories[:0]
	var weighted, totalConf float64
	for name, st := range cats {
		confidence := 1.0
		if l.cfg.ConfidenceSaturation > 0 {
			confidence = math.Min(1, float64(st.samples)/float64(l.cfg.ConfidenceSaturation))
		}
		score.Categories = append(score.Categories, registry.CategoryScore{
			Category:   name,
			Score:      clamp01(st.ewma),
			Confidence: confidence,
			SampleSize: st.samples,
		})
		weighted += st.ewma * confidence
		totalConf += confidence
	}

	sort.Slice(score.Categories, func(i, j int) bool {
		return score.Categories[i].Category < score.Categories[j].Category
	})

	if totalConf > 0 {
		score.Overall = clamp01(weighted / totalConf)
	}
	// With no scoreable history the previous overall stands.
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
