package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/agentmesh/registry/internal/contentstore"
	"github.com/agentmesh/registry/internal/events"
	"github.com/agentmesh/registry/internal/ledger"
)

// StakeAuthority gates publication on bonded value. Implemented by the
// economics engine.
type StakeAuthority interface {
	EnsureStake(agentID string, caps []AgentCapability) (decimal.Decimal, error)
}

// PublishResult reports where a published entry landed. First marks the
// agent's initial registration as opposed to a re-publication.
type PublishResult struct {
	DID         string `json:"did"`
	ContentHash string `json:"contentHash"`
	LedgerTxID  string `json:"ledgerTxId"`
	First       bool   `json:"-"`
}

// Service owns the AgentRegistryEntry lifecycle: validation, stake
// gating, content-addressed storage, and the ledger pointer binding.
// Entries are immutable once stored; every publish creates a new blob
// and a new pointer transaction.
type Service struct {
	namespace string
	store     contentstore.Store
	ledger    ledger.Client
	stakes    StakeAuthority
	bus       events.Bus
}

// NewService wires the registry's collaborators. The bus may be nil when
// no watchers are interested in registration events.
func NewService(namespace string, store contentstore.Store, lc ledger.Client, stakes StakeAuthority, bus events.Bus) *Service {
	return &Service{
		namespace: namespace,
		store:     store,
		ledger:    lc,
		stakes:    stakes,
		bus:       bus,
	}
}

// Namespace returns the DID namespace this registry publishes under.
func (s *Service) Namespace() string { return s.namespace }

// Publish validates an entry, checks the publisher's bonded stake, stores
// the serialized entry in the content store, and binds the DID to the new
// content hash on the ledger. Re-publication follows the identical path;
// a concurrent pointer change surfaces as ledger.ErrConflict and the
// caller must refetch and resubmit.
func (s *Service) Publish(ctx context.Context, entry *AgentRegistryEntry) (*PublishResult, error) {
	return s.publish(ctx, entry, true)
}

// Republish re-binds a mutated entry without re-running the stake gate.
// The reputation ledger's recomputation and slashing re-publishes go
// through here: a slash must not be blocked by the very bond it just
// reduced. The gate applies to externally submitted registrations only.
func (s *Service) Republish(ctx context.Context, entry *AgentRegistryEntry) (*PublishResult, error) {
	return s.publish(ctx, entry, false)
}

func (s *Service) publish(ctx context.Context, entry *AgentRegistryEntry, enforceStake bool) (*PublishResult, error) {
	if err := Validate(entry); err != nil {
		return nil, err
	}

	entry.DID = DeriveDID(s.namespace, entry.AgentID)

	// EnsureStake reports the requirement even when the bond falls short,
	// so the binding records the correct stake on either path.
	stake, err := s.stakes.EnsureStake(entry.AgentID, entry.Capabilities)
	if err != nil && enforceStake {
		return nil, err
	}

	// Fresh registrations start from a neutral score; the reputation
	// ledger owns all later recomputation.
	expectedPrev, err := s.latestHash(ctx, entry.DID)
	if err != nil {
		return nil, err
	}
	if expectedPrev == "" && entry.Reputation.Overall == 0 && len(entry.Reputation.History) == 0 {
		entry.Reputation.Overall = 0.5
	}

	blob, err := Encode(entry)
	if err != nil {
		return nil, err
	}

	hash, err := s.store.Put(ctx, blob)
	if err != nil {
		return nil, fmt.Errorf("store entry blob: %w", err)
	}

	capHashes := make([]string, len(entry.Capabilities))
	for i, c := range entry.Capabilities {
		capHashes[i] = ledger.CapabilityHash(c.Name)
	}

	txID, err := s.ledger.BindPointer(ctx, ledger.PointerBinding{
		DID:              entry.DID,
		AgentID:          entry.AgentID,
		ContentHash:      hash,
		Stake:            stake,
		CapabilityHashes: capHashes,
		ExpectedPrev:     expectedPrev,
	})
	if err != nil {
		return nil, fmt.Errorf("bind registry pointer: %w", err)
	}

	slog.Info("registry: published entry",
		"agent_id", entry.AgentID,
		"did", entry.DID,
		"content_hash", hash,
		"capabilities", len(entry.Capabilities),
		"stake", stake.String())

	if s.bus != nil {
		_ = s.bus.Publish(ctx, &events.Event{
			Type:    events.TypeAgentRegistered,
			Source:  "registry",
			AgentID: entry.AgentID,
			Payload: map[string]any{
				"content_hash": hash,
				"did":          entry.DID,
			},
		})
	}

	return &PublishResult{DID: entry.DID, ContentHash: hash, LedgerTxID: txID, First: expectedPrev == ""}, nil
}

// Latest resolves the current entry for an agent.
func (s *Service) Latest(ctx context.Context, agentID string) (*AgentRegistryEntry, error) {
	did := DeriveDID(s.namespace, agentID)
	return s.LatestByDID(ctx, did)
}

// LatestByDID resolves the current entry bound to a DID.
func (s *Service) LatestByDID(ctx context.Context, did string) (*AgentRegistryEntry, error) {
	hash, err := s.ledger.LatestPointer(ctx, did)
	if err != nil {
		return nil, err
	}

	blob, err := s.store.Get(ctx, hash)
	if err != nil {
		return nil, fmt.Errorf("fetch entry blob %s: %w", hash, err)
	}
	return Decode(blob)
}

// History returns every superseded version of an agent's entry, oldest
// first. Old blobs remain resolvable forever.
func (s *Service) History(ctx context.Context, agentID string) ([]*AgentRegistryEntry, error) {
	did := DeriveDID(s.namespace, agentID)
	hashes, err := s.ledger.PointerHistory(ctx, did)
	if err != nil {
		return nil, err
	}

	entries := make([]*AgentRegistryEntry, 0, len(hashes))
	for _, hash := range hashes {
		blob, err := s.store.Get(ctx, hash)
		if err != nil {
			return nil, fmt.Errorf("fetch entry blob %s: %w", hash, err)
		}
		entry, err := Decode(blob)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// UpdateDeployment merges new deployment information into the latest
// entry and re-publishes it. Platform entries are matched by platform
// name; unmatched ones are appended.
func (s *Service) UpdateDeployment(ctx context.Context, agentID string, patch DeploymentInfo) (*PublishResult, error) {
	entry, err := s.Latest(ctx, agentID)
	if err != nil {
		return nil, err
	}

	for _, p := range patch.Platforms {
		replaced := false
		for i := range entry.DeploymentInfo.Platforms {
			if entry.DeploymentInfo.Platforms[i].Platform == p.Platform {
				entry.DeploymentInfo.Platforms[i] = p
				replaced = true
				break
			}
		}
		if !replaced {
			entry.DeploymentInfo.Platforms = append(entry.DeploymentInfo.Platforms, p)
		}
	}
	if patch.Constraints != nil {
		if entry.DeploymentInfo.Constraints == nil {
			entry.DeploymentInfo.Constraints = make(map[string]string)
		}
		for k, v := range patch.Constraints {
			entry.DeploymentInfo.Constraints[k] = v
		}
	}
	entry.DeploymentInfo.LastUpdated = time.Now().UTC()

	return s.Publish(ctx, entry)
}

// latestHash resolves the current pointer, mapping "no pointer yet" to an
// empty expected-previous for the CAS binding.
func (s *Service) latestHash(ctx context.Context, did string) (string, error) {
	hash, err := s.ledger.LatestPointer(ctx, did)
	if errors.Is(err, ledger.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("resolve latest pointer: %w", err)
	}
	return hash, nil
}
