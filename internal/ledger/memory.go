package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// txPerBlock controls how transactions map to block heights in the
// in-memory ledger. The external chain decides its own block cadence;
// this only matters for block-ranged event queries in tests and
// single-node deployments.
const txPerBlock = 10

// MemoryLedger is an in-process Client implementation. It keeps the full
// pointer history per DID, a capability index over latest bindings, the
// event log, and a Merkle root over all transaction hashes so state can
// be audited without replaying.
type MemoryLedger struct {
	mu sync.RWMutex

	txCount  uint64
	pointers map[string][]string // did -> content hash history, oldest first
	stakes   map[string]string   // did -> bonded stake at last binding (display only)
	capIndex map[string]map[string]struct{}
	events   []Event

	txHashes []string
	root     string
}

// NewMemoryLedger creates an empty in-memory ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		pointers: make(map[string][]string),
		stakes:   make(map[string]string),
		capIndex: make(map[string]map[string]struct{}),
	}
}

func (m *MemoryLedger) BindPointer(ctx context.Context, b PointerBinding) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	history := m.pointers[b.DID]
	var latest string
	if len(history) > 0 {
		latest = history[len(history)-1]
	}
	if latest != b.ExpectedPrev {
		return "", fmt.Errorf("%w: expected %q, latest is %q", ErrConflict, b.ExpectedPrev, latest)
	}

	m.pointers[b.DID] = append(history, b.ContentHash)
	m.stakes[b.DID] = b.Stake.String()

	// Rebuild the capability index entries for this DID. Only the latest
	// binding's capabilities are discoverable.
	for _, dids := range m.capIndex {
		delete(dids, b.DID)
	}
	for _, capHash := range b.CapabilityHashes {
		if m.capIndex[capHash] == nil {
			m.capIndex[capHash] = make(map[string]struct{})
		}
		m.capIndex[capHash][b.DID] = struct{}{}
	}

	txID := m.appendTx("bind|" + b.DID + "|" + b.ContentHash)
	m.events = append(m.events, Event{
		TxID:        txID,
		Type:        EventAgentRegistered,
		AgentID:     b.AgentID,
		ContentHash: b.ContentHash,
		Block:       m.height(),
		Timestamp:   time.Now().UTC(),
	})
	return txID, nil
}

func (m *MemoryLedger) LatestPointer(ctx context.Context, did string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	history := m.pointers[did]
	if len(history) == 0 {
		return "", fmt.Errorf("%w: %s", ErrNotFound, did)
	}
	return history[len(history)-1], nil
}

func (m *MemoryLedger) PointerHistory(ctx context.Context, did string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	history := m.pointers[did]
	if len(history) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, did)
	}
	out := make([]string, len(history))
	copy(out, history)
	return out, nil
}

func (m *MemoryLedger) AgentsByCapability(ctx context.Context, capabilityHash string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	dids := make([]string, 0, len(m.capIndex[capabilityHash]))
	for did := range m.capIndex[capabilityHash] {
		dids = append(dids, did)
	}
	return dids, nil
}

func (m *MemoryLedger) SubmitEvent(ctx context.Context, ev Event) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	ev.TxID = m.appendTx(string(ev.Type) + "|" + EventDigest(ev))
	ev.Block = m.height()
	m.events = append(m.events, ev)
	return ev.TxID, nil
}

func (m *MemoryLedger) EventsInRange(ctx context.Context, from, to uint64) ([]Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Event, 0)
	for _, ev := range m.events {
		if ev.Block >= from && ev.Block <= to {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (m *MemoryLedger) Height(ctx context.Context) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.height(), nil
}

// Root returns the current Merkle root over all transaction hashes.
func (m *MemoryLedger) Root() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.root
}

// height must be called with the lock held.
func (m *MemoryLedger) height() uint64 {
	return m.txCount/txPerBlock + 1
}

// appendTx records a transaction hash and recomputes the Merkle root.
// Must be called with the lock held.
func (m *MemoryLedger) appendTx(payload string) string {
	m.txCount++
	txID := "tx-" + uuid.New().String()
	m.txHashes = append(m.txHashes, hashLeaf(txID+"|"+payload))
	m.root = merkleRoot(m.txHashes)
	return txID
}

func hashLeaf(data string) string {
	sum := sha256.Sum256([]byte(data))
	return hex.EncodeToString(sum[:])
}

// merkleRoot folds leaf hashes pairwise, duplicating the last node at odd
// levels. Rebuilt per append; the tx volume of a single registry node
// keeps this cheap.
func merkleRoot(leaves []string) string {
	if len(leaves) == 0 {
		return ""
	}
	level := leaves
	for len(level) > 1 {
		next := make([]string, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			left := level[i]
			right := left
			if i+1 < len(level) {
				right = level[i+1]
			}
			next = append(next, hashLeaf(left+right))
		}
		level = next
	}
	return level[0]
}
