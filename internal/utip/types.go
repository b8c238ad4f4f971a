// Package utip implements the universal tool invocation protocol: the
// call envelope, caller authentication, budget gating, dispatch, and
// signed provenance for every executed call.
package utip

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/agentmesh/registry/internal/economics"
)

// AuthMethod selects how a caller proves its identity.
type AuthMethod string

const (
	AuthDelegatedToken AuthMethod = "delegated-token"
	AuthCryptoIdentity AuthMethod = "cryptographic-identity"
	AuthZKProof        AuthMethod = "zero-knowledge-proof"
)

// AuthCredential carries the caller's proof material. Which fields are
// required depends on the method.
type AuthCredential struct {
	Method    AuthMethod `json:"method"`
	CallerDID string     `json:"callerDid"`

	// Delegated token fields.
	Token string `json:"token,omitempty"`

	// Cryptographic identity and proof fields. Signature and Proof are
	// base64-encoded; Timestamp anchors the freshness check.
	Nonce        string    `json:"nonce,omitempty"`
	Timestamp    time.Time `json:"timestamp,omitempty"`
	Signature    string    `json:"signature,omitempty"`
	Proof        string    `json:"proof,omitempty"`
	PublicKeyPEM string    `json:"publicKeyPem,omitempty"`
}

// CallContext carries caller identity, budget, and tracing for one call.
type CallContext struct {
	CallerID  string                      `json:"callerId"`
	SessionID string                      `json:"sessionId,omitempty"`
	TraceID   string                      `json:"traceId,omitempty"`
	Platform  string                      `json:"platform,omitempty"`
	Budget    economics.BudgetConstraints `json:"budget"`
	Shape     economics.RequestShape      `json:"-"`
	TimeoutMs int                         `json:"timeoutMs,omitempty"`
}

// ToolCall is the invocation request envelope. targetAgentId is an
// extension over the protocol's named keys: it routes the call to a
// specific provider instead of leaving resolution to the gateway.
type ToolCall struct {
	CallID        string          `json:"id"`
	ToolID        string          `json:"tool"`
	TargetAgentID string          `json:"targetAgentId"`
	Parameters    json.RawMessage `json:"parameters"`
	Context       CallContext     `json:"context"`
	Auth          AuthCredential  `json:"authentication"`
}

// ToolResponse is the invocation result envelope. Cost is the price
// quoted at authorization time, never re-derived from what execution
// actually consumed.
type ToolResponse struct {
	CallID        string          `json:"id"`
	Success       bool            `json:"success"`
	Result        json.RawMessage `json:"result,omitempty"`
	Error         string          `json:"error,omitempty"`
	Cost          decimal.Decimal `json:"cost"`
	Currency      string          `json:"currency,omitempty"`
	LatencyMs     float64         `json:"latencyMs"`
	Provenance    *ToolProvenance `json:"provenance,omitempty"`
	ProvenanceRef string          `json:"provenanceRef,omitempty"`
}

// StatusLabel names the outcome for logs and metrics.
func (r *ToolResponse) StatusLabel() string {
	if r.Success {
		return "completed"
	}
	return "failed"
}

// ToolProvenance is the tamper-evident execution record. It is produced
// for every call that reached execution, including calls whose execution
// failed, and stored in the content store under its own hash.
type ToolProvenance struct {
	ExecutionID  string    `json:"executionId"`
	CallID       string    `json:"callId"`
	ToolID       string    `json:"toolId"`
	AgentDID     string    `json:"agentDid"`
	CallerDID    string    `json:"callerDid"`
	RequestHash  string    `json:"requestHash"`
	ResponseHash string    `json:"responseHash"`
	Status       string    `json:"status"`
	CostCharged  string    `json:"costCharged"`
	LatencyMs    float64   `json:"latencyMs"`
	Timestamp    time.Time `json:"timestamp"`

	// Digest is the SHA3-256 of the record with Digest and Signature
	// blank; Signature is the registry operator's signature over Digest.
	Digest    string `json:"digest"`
	Signature string `json:"signature"`
}

// CallState is a stage in the invocation lifecycle.
type CallState string

const (
	StatePending        CallState = "pending"
	StateAuthenticating CallState = "authenticating"
	StateBudgetChecked  CallState = "budget_checked"
	StateExecuting      CallState = "executing"
	StateCompleted      CallState = "completed"
	StateFailed         CallState = "failed"
)

// validTransitions encodes the only moves the lifecycle permits. Both
// terminal states are absorbing.
var validTransitions = map[CallState][]CallState{
	StatePending:        {StateAuthenticating, StateFailed},
	StateAuthenticating: {StateBudgetChecked, StateFailed},
	StateBudgetChecked:  {StateExecuting, StateFailed},
	StateExecuting:      {StateCompleted, StateFailed},
	StateCompleted:      {},
	StateFailed:         {},
}

// InvalidTransitionError reports a lifecycle move the protocol forbids.
type InvalidTransitionError struct {
	CallID string
	From   CallState
	To     CallState
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("call %s: invalid transition %s -> %s", e.CallID, e.From, e.To)
}

// callRecord tracks one in-flight invocation.
type callRecord struct {
	mu      sync.Mutex
	callID  string
	state   CallState
	history []stateChange
}

type stateChange struct {
	from CallState
	to   CallState
	at   time.Time
}

func newCallRecord(callID string) *callRecord {
	return &callRecord{callID: callID, state: StatePending}
}

// transition advances the record, rejecting moves the lifecycle forbids.
func (r *callRecord) transition(to CallState) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, allowed := range validTransitions[r.state] {
		if allowed == to {
			r.history = append(r.history, stateChange{from: r.state, to: to, at: time.Now().UTC()})
			r.state = to
			return nil
		}
	}
	return &InvalidTransitionError{CallID: r.callID, From: r.state, To: to}
}

// State returns the record's current lifecycle stage.
func (r *callRecord) State() CallState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}
