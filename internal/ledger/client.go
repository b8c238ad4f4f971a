// Package ledger defines the client interface to the external append-only
// ledger. The registry never talks to a chain directly; it submits signed
// transactions and reads historical events through this interface so tests
// and deployments can plug in different backends.
package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrNotFound indicates no pointer exists for the requested identifier.
	ErrNotFound = errors.New("ledger: pointer not found")

	// ErrConflict indicates an optimistic-concurrency loss: the caller's
	// expected previous hash no longer matches the latest pointer. The
	// caller must refetch the latest state and resubmit.
	ErrConflict = errors.New("ledger: pointer update conflict")
)

// EventType classifies ledger events consumed by watchers.
type EventType string

const (
	EventAgentRegistered   EventType = "AgentRegistered"
	EventReputationUpdated EventType = "ReputationUpdated"
	EventAgentSlashed      EventType = "AgentSlashed"
)

// Event is a single ledger event. Only the fields relevant to the event
// type are populated.
type Event struct {
	TxID        string          `json:"tx_id"`
	Type        EventType       `json:"type"`
	AgentID     string          `json:"agent_id"`
	ContentHash string          `json:"content_hash,omitempty"`
	Rating      float64         `json:"rating,omitempty"`
	RaterDID    string          `json:"rater_did,omitempty"`
	Amount      decimal.Decimal `json:"amount,omitempty"`
	Reason      string          `json:"reason,omitempty"`
	LatencyMs   float64         `json:"latency_ms,omitempty"`
	Block       uint64          `json:"block"`
	Timestamp   time.Time       `json:"timestamp"`
}

// PointerBinding is a registration transaction: it binds a decentralized
// identifier to the content hash of the latest entry blob and records the
// bonded stake and the capability identifiers the entry declares.
type PointerBinding struct {
	DID              string
	AgentID          string
	ContentHash      string
	Stake            decimal.Decimal
	CapabilityHashes []string

	// ExpectedPrev is the content hash the caller believes is current.
	// Empty means the caller expects no existing pointer. A mismatch
	// fails with ErrConflict.
	ExpectedPrev string
}

// Client is the interface to the external ledger. Every method honors the
// context deadline; a timeout surfaces as the context error, never a hang.
type Client interface {
	// BindPointer submits a registration transaction and returns its tx id.
	BindPointer(ctx context.Context, b PointerBinding) (string, error)

	// LatestPointer resolves the most recent content hash bound to a DID.
	LatestPointer(ctx context.Context, did string) (string, error)

	// PointerHistory returns every content hash ever bound to a DID,
	// oldest first. Superseded blobs remain resolvable.
	PointerHistory(ctx context.Context, did string) ([]string, error)

	// AgentsByCapability returns the DIDs of all agents whose latest
	// binding declared the given capability identifier hash.
	AgentsByCapability(ctx context.Context, capabilityHash string) ([]string, error)

	// SubmitEvent appends a reputation or slashing event and returns its tx id.
	SubmitEvent(ctx context.Context, ev Event) (string, error)

	// EventsInRange reads events with block height in [from, to].
	EventsInRange(ctx context.Context, from, to uint64) ([]Event, error)

	// Height returns the current block height.
	Height(ctx context.Context) (uint64, error)
}

// CapabilityHash derives the stable capability identifier used for
// discovery queries. Any two implementations must agree on this value.
func CapabilityHash(name string) string {
	sum := sha256.Sum256([]byte("cap:" + name))
	return hex.EncodeToString(sum[:])
}

// EventDigest computes the tamper-evident digest recorded alongside an
// event submission.
func EventDigest(ev Event) string {
	content := fmt.Sprintf("%s|%s|%s|%.6f|%s|%d",
		ev.Type, ev.AgentID, ev.RaterDID, ev.Rating, ev.Reason, ev.Timestamp.UnixNano())
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}
