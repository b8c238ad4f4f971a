package utip

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/xeipuuv/gojsonschema"
	"golang.org/x/crypto/sha3"

	"github.com/agentmesh/registry/internal/circuitbreaker"
	"github.com/agentmesh/registry/internal/config"
	"github.com/agentmesh/registry/internal/contentstore"
	"github.com/agentmesh/registry/internal/economics"
	"github.com/agentmesh/registry/internal/events"
	"github.com/agentmesh/registry/internal/identity"
	"github.com/agentmesh/registry/internal/middleware"
	"github.com/agentmesh/registry/internal/registry"
)

// RateLimitedError reports a call denied by the provider's declared
// per-minute availability limit.
type RateLimitedError struct {
	AgentID string
	ToolID  string
	Limit   int
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited: %s/%s allows %d calls per minute", e.AgentID, e.ToolID, e.Limit)
}

// maxResultBytes bounds how much of a provider response the engine will
// buffer.
const maxResultBytes = 4 << 20

// EntryResolver resolves registry entries. Implemented by the registry
// service.
type EntryResolver interface {
	Latest(ctx context.Context, agentID string) (*registry.AgentRegistryEntry, error)
	LatestByDID(ctx context.Context, did string) (*registry.AgentRegistryEntry, error)
}

// Economics is the pricing and budget surface the engine needs.
// Implemented by the economics engine.
type Economics interface {
	EstimateCost(targetAgentID string, cap *registry.AgentCapability, shape economics.RequestShape) decimal.Decimal
	CheckBudget(callerID string, budget economics.BudgetConstraints, estimated decimal.Decimal) error
	RecordSpend(callerID string, budget economics.BudgetConstraints, amount decimal.Decimal)
	Currency() string
}

// Engine drives the invocation lifecycle. Every call walks the same
// state machine; only calls that reach execution produce provenance or
// a charge.
type Engine struct {
	cfg      config.InvocationConfig
	entries  EntryResolver
	auth     *Authenticator
	econ     Economics
	store    contentstore.Store
	signer   identity.Signer
	bus      events.Bus
	client   *http.Client
	breakers *circuitbreaker.Group
	rates    *middleware.RateLimiter
}

// NewEngine wires the invocation engine. The signer signs provenance
// records; the bus may be nil.
func NewEngine(cfg config.InvocationConfig, entries EntryResolver, auth *Authenticator, econ Economics, store contentstore.Store, signer identity.Signer, bus events.Bus) *Engine {
	return &Engine{
		cfg:      cfg,
		entries:  entries,
		auth:     auth,
		econ:     econ,
		store:    store,
		signer:   signer,
		bus:      bus,
		client:   &http.Client{Timeout: cfg.ExecuteTimeout},
		breakers: circuitbreaker.NewGroup(circuitbreaker.DefaultConfig()),
		rates:    middleware.NewRateLimiter(0),
	}
}

// Close releases the engine's background resources.
func (e *Engine) Close() {
	e.rates.Stop()
}

// Invoke runs one tool call end to end. Authentication, validation, and
// budget failures return a typed error and no response: nothing was
// executed, so nothing is charged and no provenance exists. Once
// execution is attempted the returned response carries the outcome,
// the quoted cost, and the stored provenance reference.
func (e *Engine) Invoke(ctx context.Context, call *ToolCall) (*ToolResponse, error) {
	if call.CallID == "" {
		call.CallID = uuid.New().String()
	}
	if call.ToolID == "" {
		return nil, &registry.ValidationError{Field: "toolId", Reason: "must not be empty"}
	}
	if call.TargetAgentID == "" {
		return nil, &registry.ValidationError{Field: "targetAgentId", Reason: "must not be empty"}
	}

	rec := newCallRecord(call.CallID)
	if err := rec.transition(StateAuthenticating); err != nil {
		return nil, err
	}

	entry, err := e.entries.Latest(ctx, call.TargetAgentID)
	if err != nil {
		_ = rec.transition(StateFailed)
		return nil, fmt.Errorf("resolve target agent %s: %w", call.TargetAgentID, err)
	}
	cap := entry.Capability(call.ToolID)
	if cap == nil {
		_ = rec.transition(StateFailed)
		return nil, &registry.ValidationError{Field: "toolId", Reason: fmt.Sprintf("agent does not declare tool %q", call.ToolID)}
	}

	if err := e.auth.Authenticate(ctx, call, cap); err != nil {
		_ = rec.transition(StateFailed)
		slog.Warn("utip: authentication rejected",
			"call_id", call.CallID,
			"tool_id", call.ToolID,
			"caller_did", call.Auth.CallerDID,
			"error", err)
		return nil, err
	}

	if err := e.validateParameters(call.Parameters, cap.InputSchema); err != nil {
		_ = rec.transition(StateFailed)
		return nil, err
	}

	// The provider's own declared availability limit.
	if limit := cap.Availability.MaxCallsPerMinute; limit > 0 {
		if !e.rates.Allow(call.TargetAgentID+"/"+call.ToolID, limit) {
			_ = rec.transition(StateFailed)
			return nil, &RateLimitedError{AgentID: call.TargetAgentID, ToolID: call.ToolID, Limit: limit}
		}
	}

	endpoint, ok := entry.Endpoint(call.Context.Platform)
	if !ok {
		_ = rec.transition(StateFailed)
		return nil, &registry.ValidationError{Field: "targetAgentId", Reason: "agent publishes no reachable endpoint"}
	}
	breaker := e.breakers.Get(endpoint)
	if err := breaker.Allow(); err != nil {
		_ = rec.transition(StateFailed)
		return nil, fmt.Errorf("provider endpoint %s: %w", endpoint, err)
	}

	// Cost is fixed here. Whatever execution actually consumes, the
	// caller pays the quote.
	quote := e.econ.EstimateCost(call.TargetAgentID, cap, call.Context.Shape)
	if err := e.econ.CheckBudget(call.Context.CallerID, call.Context.Budget, quote); err != nil {
		_ = rec.transition(StateFailed)
		return nil, err
	}
	if err := rec.transition(StateBudgetChecked); err != nil {
		return nil, err
	}

	if err := rec.transition(StateExecuting); err != nil {
		return nil, err
	}

	started := time.Now()
	result, execErr := e.dispatch(ctx, endpoint, call)
	breaker.Record(execErr)
	latency := float64(time.Since(started).Milliseconds())

	resp := &ToolResponse{
		CallID:    call.CallID,
		Cost:      quote,
		Currency:  e.econ.Currency(),
		LatencyMs: latency,
	}
	if execErr != nil {
		resp.Error = execErr.Error()
		_ = rec.transition(StateFailed)
	} else {
		resp.Success = true
		resp.Result = result
		_ = rec.transition(StateCompleted)
	}

	// Execution was attempted, so the charge and the provenance record
	// both stand regardless of the outcome.
	e.econ.RecordSpend(call.Context.CallerID, call.Context.Budget, quote)

	prov, ref, provErr := e.recordProvenance(ctx, entry, call, resp)
	if provErr != nil {
		slog.Error("utip: provenance persistence failed", "call_id", call.CallID, "error", provErr)
	} else {
		resp.Provenance = prov
		resp.ProvenanceRef = ref
	}

	slog.Info("utip: call finished",
		"call_id", call.CallID,
		"tool_id", call.ToolID,
		"target", call.TargetAgentID,
		"status", resp.StatusLabel(),
		"cost", quote.String(),
		"latency_ms", latency)

	if e.bus != nil {
		_ = e.bus.Publish(ctx, &events.Event{
			Type:    events.TypeInvocationDone,
			Source:  "utip",
			AgentID: call.TargetAgentID,
			Payload: map[string]any{
				"call_id":    call.CallID,
				"tool_id":    call.ToolID,
				"status":     resp.StatusLabel(),
				"latency_ms": latency,
			},
		})
	}
	return resp, nil
}

// validateParameters checks the call parameters against the capability's
// published input schema.
func (e *Engine) validateParameters(params, schema json.RawMessage) error {
	if len(schema) == 0 {
		return nil
	}
	if len(params) == 0 {
		params = json.RawMessage(`{}`)
	}

	result, err := gojsonschema.Validate(
		gojsonschema.NewBytesLoader(schema),
		gojsonschema.NewBytesLoader(params),
	)
	if err != nil {
		return &registry.ValidationError{Field: "parameters", Reason: fmt.Sprintf("schema validation errored: %v", err)}
	}
	if !result.Valid() {
		first := result.Errors()[0]
		return &registry.ValidationError{Field: "parameters", Reason: first.String()}
	}
	return nil
}

// dispatch posts the call to the provider's endpoint and returns the raw
// result document.
func (e *Engine) dispatch(ctx context.Context, endpoint string, call *ToolCall) (json.RawMessage, error) {
	timeout := e.cfg.ExecuteTimeout
	if call.Context.TimeoutMs > 0 {
		if d := time.Duration(call.Context.TimeoutMs) * time.Millisecond; d < timeout {
			timeout = d
		}
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body, err := json.Marshal(map[string]any{
		"id":         call.CallID,
		"tool":       call.ToolID,
		"parameters": call.Parameters,
		"traceId":    call.Context.TraceID,
	})
	if err != nil {
		return nil, fmt.Errorf("encode dispatch body: %w", err)
	}

	req, err := http.NewRequestWithContext(execCtx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build dispatch request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-UTIP-Call-ID", call.CallID)

	httpResp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("dispatch to %s: %w", endpoint, err)
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResultBytes))
	if err != nil {
		return nil, fmt.Errorf("read provider response: %w", err)
	}
	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		return nil, fmt.Errorf("provider returned status %d", httpResp.StatusCode)
	}
	return data, nil
}

// recordProvenance builds, signs, and stores the execution record,
// returning the record and its content-store reference.
func (e *Engine) recordProvenance(ctx context.Context, entry *registry.AgentRegistryEntry, call *ToolCall, resp *ToolResponse) (*ToolProvenance, string, error) {
	prov := &ToolProvenance{
		ExecutionID:  uuid.New().String(),
		CallID:       call.CallID,
		ToolID:       call.ToolID,
		AgentDID:     entry.DID,
		CallerDID:    call.Auth.CallerDID,
		RequestHash:  contentstore.Hash(call.Parameters),
		ResponseHash: contentstore.Hash(resp.Result),
		Status:       resp.StatusLabel(),
		CostCharged:  resp.Cost.String(),
		LatencyMs:    resp.LatencyMs,
		Timestamp:    time.Now().UTC(),
	}

	unsigned, err := json.Marshal(prov)
	if err != nil {
		return nil, "", fmt.Errorf("encode provenance: %w", err)
	}
	digest := sha3.Sum256(unsigned)
	prov.Digest = fmt.Sprintf("%x", digest)

	if e.signer != nil {
		sig, err := e.signer.Sign(digest[:])
		if err != nil {
			return nil, "", fmt.Errorf("sign provenance: %w", err)
		}
		prov.Signature = base64.StdEncoding.EncodeToString(sig)
	}

	blob, err := json.Marshal(prov)
	if err != nil {
		return nil, "", fmt.Errorf("encode signed provenance: %w", err)
	}
	ref, err := e.store.Put(ctx, blob)
	if err != nil {
		return nil, "", fmt.Errorf("store provenance: %w", err)
	}
	return prov, ref, nil
}

// VerifyProvenance recomputes a stored record's digest and checks the
// operator signature against the given PEM key.
func VerifyProvenance(prov *ToolProvenance, operatorKeyPEM string) (bool, error) {
	clone := *prov
	clone.Digest = ""
	clone.Signature = ""

	unsigned, err := json.Marshal(&clone)
	if err != nil {
		return false, fmt.Errorf("encode provenance: %w", err)
	}
	digest := sha3.Sum256(unsigned)
	if fmt.Sprintf("%x", digest) != prov.Digest {
		return false, nil
	}

	sig, err := base64.StdEncoding.DecodeString(prov.Signature)
	if err != nil {
		return false, fmt.Errorf("decode provenance signature: %w", err)
	}
	return identity.VerifyWithPEM(operatorKeyPEM, digest[:], sig)
}

// RegistryKeyResolver resolves caller verification keys from published
// registry entries: the first capability that carries a key speaks for
// the identity.
type RegistryKeyResolver struct {
	Entries EntryResolver
}

func (r *RegistryKeyResolver) VerificationKeyPEM(ctx context.Context, callerDID string) (string, error) {
	entry, err := r.Entries.LatestByDID(ctx, callerDID)
	if err != nil {
		return "", err
	}
	for _, cap := range entry.Capabilities {
		if cap.VerificationKey != "" {
			return cap.VerificationKey, nil
		}
	}
	return "", fmt.Errorf("no verification key published for %s", callerDID)
}
