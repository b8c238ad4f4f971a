// Package registry defines the agent registry data model and the
// publication path that binds entries to the ledger through the
// content-addressed store.
package registry

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// AgentRegistryEntry is the complete, immutable registration document for
// an agent. Updates never mutate a stored entry; they produce a new
// content-addressed blob and a new ledger pointer.
type AgentRegistryEntry struct {
	AgentID               string                 `json:"agentId"`
	DID                   string                 `json:"did"`
	Capabilities          []AgentCapability      `json:"capabilities"`
	VerifiableCredentials []VerifiableCredential `json:"verifiableCredentials"`
	Reputation            ReputationScore        `json:"reputation"`
	EconomicTerms         EconomicTerms          `json:"economicTerms"`
	DeploymentInfo        DeploymentInfo         `json:"deploymentInfo"`
}

// AgentCapability describes a single tool an agent offers. Owned
// exclusively by the entry that declares it.
type AgentCapability struct {
	ToolID       string          `json:"toolId"`
	Name         string          `json:"name"`
	Description  string          `json:"description"`
	InputSchema  json.RawMessage `json:"inputSchema"`
	OutputSchema json.RawMessage `json:"outputSchema"`
	CostModel    CostModel       `json:"costModel"`
	Permissions  []Permission    `json:"permissions"`
	Availability Availability    `json:"availability"`
	// VerificationKey is the PEM-encoded public key used to verify
	// zero-knowledge-proof authentication against this capability.
	VerificationKey string `json:"verificationKey,omitempty"`
}

type Permission string

// Availability declares where and how often a capability can be called.
// Rate limiting is the provider's own concern, expressed here.
type Availability struct {
	Schedule          string `json:"schedule,omitempty"` // e.g. "always", "business-hours"
	MaxCallsPerMinute int    `json:"maxCallsPerMinute,omitempty"`
}

// VerifiableCredential is a third-party signed claim about the agent.
// Read-only once issued; validity is re-checked at every use.
type VerifiableCredential struct {
	ID             string             `json:"id"`
	Issuer         string             `json:"issuer"`
	Subject        string             `json:"subject"`
	IssuanceDate   time.Time          `json:"issuanceDate"`
	ExpirationDate *time.Time         `json:"expirationDate,omitempty"`
	Claim          map[string]string  `json:"claim"`
	Proof          CryptographicProof `json:"proof"`
}

// Valid reports whether the credential is currently usable. Expiration is
// evaluated at call time, never cached.
func (vc *VerifiableCredential) Valid(now time.Time) bool {
	if vc.ExpirationDate == nil {
		return true
	}
	return now.Before(*vc.ExpirationDate)
}

type CryptographicProof struct {
	Type               string    `json:"type"`
	Created            time.Time `json:"created"`
	ProofPurpose       string    `json:"proofPurpose"`
	VerificationMethod string    `json:"verificationMethod"`
	Signature          string    `json:"signature"`
}

// ReputationScore is the aggregate trust state for an agent. Overall is
// always recomputed from history by the reputation ledger, never set
// directly by callers.
type ReputationScore struct {
	Overall         float64           `json:"overall"`
	Categories      []CategoryScore   `json:"categories"`
	History         []ReputationEvent `json:"history"`
	Attestations    []Attestation     `json:"attestations"`
	SlashingHistory []SlashingEvent   `json:"slashingHistory"`
}

type CategoryScore struct {
	Category   string  `json:"category"` // reliability, accuracy, speed, cost-effectiveness, security
	Score      float64 `json:"score"`
	Confidence float64 `json:"confidence"`
	SampleSize int     `json:"sampleSize"`
}

// ReputationEvent is a single rating contribution. Append-only.
type ReputationEvent struct {
	EventID      string    `json:"eventId"`
	RaterDID     string    `json:"raterDid"`
	Rating       float64   `json:"rating"`
	Category     string    `json:"category"`
	EvidenceRefs []string  `json:"evidenceRefs,omitempty"`
	ExecutionID  string    `json:"executionId,omitempty"`
	Unverified   bool      `json:"unverified,omitempty"`
	Excluded     bool      `json:"excluded,omitempty"`
	LatencyMs    float64   `json:"latencyMs,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

type Attestation struct {
	AttestorDID        string    `json:"attestorDid"`
	AttestorReputation float64   `json:"attestorReputation"`
	ClaimType          string    `json:"claimType"`
	ClaimValue         string    `json:"claimValue"`
	Evidence           []string  `json:"evidence,omitempty"`
	Timestamp          time.Time `json:"timestamp"`
	Signature          string    `json:"signature"`
}

// SlashingEvent records a punitive stake forfeiture. Append-only.
type SlashingEvent struct {
	EventID      string          `json:"eventId"`
	Amount       decimal.Decimal `json:"amount"`
	Reason       string          `json:"reason"`
	EvidenceRefs []string        `json:"evidenceRefs,omitempty"`
	Timestamp    time.Time       `json:"timestamp"`
}

type PaymentModel string

const (
	PaymentPerCall      PaymentModel = "per-call"
	PaymentSubscription PaymentModel = "subscription"
	PaymentComputeTime  PaymentModel = "compute-time"
	PaymentOutcomeBased PaymentModel = "outcome-based"
)

type EconomicTerms struct {
	PaymentModel   PaymentModel    `json:"paymentModel"`
	BasePrice      decimal.Decimal `json:"basePrice"`
	Currency       string          `json:"currency"`
	DynamicPricing *DynamicPricing `json:"dynamicPricing,omitempty"`
	EscrowRequired bool            `json:"escrowRequired"`
	SlashingPolicy *SlashingPolicy `json:"slashingPolicy,omitempty"`
}

type DynamicPricing struct {
	SurgeMultiplier decimal.Decimal `json:"surgeMultiplier"`
	OffPeakDiscount decimal.Decimal `json:"offPeakDiscount"`
}

type SlashingPolicy struct {
	MaxSlashPerIncident decimal.Decimal `json:"maxSlashPerIncident"`
	Arbiter             string          `json:"arbiter"`
}

type CostModel struct {
	BasePrice            decimal.Decimal      `json:"basePrice"`
	ScalingFactors       []ScalingFactor      `json:"scalingFactors,omitempty"`
	VolumeDiscounts      []VolumeDiscount     `json:"volumeDiscounts,omitempty"`
	PerformancePenalties []PerformancePenalty `json:"performancePenalties,omitempty"`
}

// ScalingFactor multiplies the price when the request's value for Metric
// meets or exceeds Threshold. Factors apply in declaration order.
type ScalingFactor struct {
	Metric     string          `json:"metric"` // complexity, data-size, processing-time, accuracy-requirement
	Multiplier decimal.Decimal `json:"multiplier"`
	Threshold  float64         `json:"threshold,omitempty"`
}

type VolumeDiscount struct {
	MinCalls int             `json:"minCalls"`
	Discount decimal.Decimal `json:"discount"` // fraction, e.g. 0.1 for 10% off
}

type PerformancePenalty struct {
	Category   string          `json:"category"` // usually "reliability"
	Threshold  float64         `json:"threshold"`
	Multiplier decimal.Decimal `json:"multiplier"`
}

type DeploymentInfo struct {
	Platforms   []PlatformDeployment `json:"platforms"`
	Constraints map[string]string    `json:"constraints,omitempty"`
	LastUpdated time.Time            `json:"lastUpdated,omitempty"`
}

type PlatformDeployment struct {
	Platform     string   `json:"platform"`
	Endpoint     string   `json:"endpoint"`
	Capabilities []string `json:"capabilities,omitempty"`
	Region       string   `json:"region,omitempty"`
}

// DeriveDID computes the deterministic decentralized identifier for an
// agent within a namespace.
func DeriveDID(namespace, agentID string) string {
	return fmt.Sprintf("did:%s:%s", namespace, agentID)
}

// Capability returns the declared capability with the given tool name,
// or nil if the entry does not declare it.
func (e *AgentRegistryEntry) Capability(name string) *AgentCapability {
	for i := range e.Capabilities {
		if e.Capabilities[i].Name == name || e.Capabilities[i].ToolID == name {
			return &e.Capabilities[i]
		}
	}
	return nil
}

// Endpoint resolves the first declared endpoint, preferring the given
// platform when present.
func (e *AgentRegistryEntry) Endpoint(platform string) (string, bool) {
	for _, p := range e.DeploymentInfo.Platforms {
		if p.Platform == platform && p.Endpoint != "" {
			return p.Endpoint, true
		}
	}
	for _, p := range e.DeploymentInfo.Platforms {
		if p.Endpoint != "" {
			return p.Endpoint, true
		}
	}
	return "", false
}
