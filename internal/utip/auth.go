package utip

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	"github.com/agentmesh/registry/internal/config"
	"github.com/agentmesh/registry/internal/identity"
	"github.com/agentmesh/registry/internal/registry"
)

// AuthenticationError reports a rejected credential. The reason is safe
// to return to the caller; it never echoes proof material.
type AuthenticationError struct {
	Method AuthMethod
	Reason string
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("authentication failed (%s): %s", e.Method, e.Reason)
}

// CallerKeyResolver maps a caller DID to its published verification key.
type CallerKeyResolver interface {
	VerificationKeyPEM(ctx context.Context, callerDID string) (string, error)
}

// DelegatedToken is a pre-issued, scoped invocation grant.
type DelegatedToken struct {
	Token     string
	CallerDID string
	ToolIDs   []string
	ExpiresAt time.Time
}

// Authenticator validates the three credential methods the protocol
// accepts. Nonces are single-use within the replay window.
type Authenticator struct {
	cfg  config.InvocationConfig
	keys CallerKeyResolver

	mu     sync.Mutex
	tokens map[string]DelegatedToken
	nonces map[string]time.Time
}

// NewAuthenticator builds an Authenticator. keys may be nil when the
// cryptographic-identity method is not offered.
func NewAuthenticator(cfg config.InvocationConfig, keys CallerKeyResolver) *Authenticator {
	return &Authenticator{
		cfg:    cfg,
		keys:   keys,
		tokens: make(map[string]DelegatedToken),
		nonces: make(map[string]time.Time),
	}
}

// IssueToken mints a delegated token scoped to the given tools.
func (a *Authenticator) IssueToken(callerDID string, toolIDs []string, ttl time.Duration) (DelegatedToken, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return DelegatedToken{}, fmt.Errorf("mint delegated token: %w", err)
	}

	tok := DelegatedToken{
		Token:     base64.RawURLEncoding.EncodeToString(raw),
		CallerDID: callerDID,
		ToolIDs:   toolIDs,
		ExpiresAt: time.Now().Add(ttl),
	}

	a.mu.Lock()
	a.tokens[tok.Token] = tok
	a.mu.Unlock()
	return tok, nil
}

// RevokeToken invalidates a delegated token before its expiry.
func (a *Authenticator) RevokeToken(token string) {
	a.mu.Lock()
	delete(a.tokens, token)
	a.mu.Unlock()
}

// Authenticate validates the call's credential for the target capability.
// A failure here must leave no trace of the call beyond logs: no
// provenance, no charge.
func (a *Authenticator) Authenticate(ctx context.Context, call *ToolCall, cap *registry.AgentCapability) error {
	switch call.Auth.Method {
	case AuthDelegatedToken:
		return a.checkToken(call)
	case AuthCryptoIdentity:
		return a.checkIdentity(ctx, call)
	case AuthZKProof:
		return a.checkProof(call, cap)
	default:
		return &AuthenticationError{Method: call.Auth.Method, Reason: "unsupported authentication method"}
	}
}

func (a *Authenticator) checkToken(call *ToolCall) error {
	a.mu.Lock()
	tok, ok := a.tokens[call.Auth.Token]
	a.mu.Unlock()

	if !ok {
		return &AuthenticationError{Method: AuthDelegatedToken, Reason: "unknown token"}
	}
	if time.Now().After(tok.ExpiresAt) {
		return &AuthenticationError{Method: AuthDelegatedToken, Reason: "token expired"}
	}
	if tok.CallerDID != call.Auth.CallerDID {
		return &AuthenticationError{Method: AuthDelegatedToken, Reason: "token issued to a different caller"}
	}
	for _, id := range tok.ToolIDs {
		if id == call.ToolID {
			return nil
		}
	}
	return &AuthenticationError{Method: AuthDelegatedToken, Reason: "token scope does not cover tool"}
}

// checkIdentity verifies a signature over the call's challenge payload
// using the caller's published key. Freshness is enforced by the clock
// skew bound, replay by single-use nonces.
func (a *Authenticator) checkIdentity(ctx context.Context, call *ToolCall) error {
	cred := call.Auth
	if cred.Nonce == "" || cred.Signature == "" {
		return &AuthenticationError{Method: AuthCryptoIdentity, Reason: "nonce and signature are required"}
	}
	if skew := time.Since(cred.Timestamp); skew > a.cfg.MaxClockSkew || skew < -a.cfg.MaxClockSkew {
		return &AuthenticationError{Method: AuthCryptoIdentity, Reason: "credential timestamp outside accepted clock skew"}
	}
	if err := a.consumeNonce(cred.Nonce); err != nil {
		return err
	}

	if a.keys == nil {
		return &AuthenticationError{Method: AuthCryptoIdentity, Reason: "caller key resolution is not configured"}
	}
	pemKey, err := a.keys.VerificationKeyPEM(ctx, cred.CallerDID)
	if err != nil {
		return &AuthenticationError{Method: AuthCryptoIdentity, Reason: "caller has no published verification key"}
	}

	sig, err := base64.StdEncoding.DecodeString(cred.Signature)
	if err != nil {
		return &AuthenticationError{Method: AuthCryptoIdentity, Reason: "signature is not valid base64"}
	}

	ok, err := identity.VerifyWithPEM(pemKey, ChallengePayload(call), sig)
	if err != nil || !ok {
		return &AuthenticationError{Method: AuthCryptoIdentity, Reason: "signature verification failed"}
	}
	return nil
}

// checkProof verifies a capability-access proof against the verification
// key the provider published with the capability. Possession of the
// matching private key grants access without revealing caller identity
// material beyond the DID.
func (a *Authenticator) checkProof(call *ToolCall, cap *registry.AgentCapability) error {
	cred := call.Auth
	if cred.Proof == "" || cred.Nonce == "" {
		return &AuthenticationError{Method: AuthZKProof, Reason: "proof and nonce are required"}
	}
	if cap.VerificationKey == "" {
		return &AuthenticationError{Method: AuthZKProof, Reason: "capability publishes no verification key"}
	}
	if err := a.consumeNonce(cred.Nonce); err != nil {
		return err
	}

	proof, err := base64.StdEncoding.DecodeString(cred.Proof)
	if err != nil {
		return &AuthenticationError{Method: AuthZKProof, Reason: "proof is not valid base64"}
	}

	ok, err := identity.VerifyWithPEM(cap.VerificationKey, ChallengePayload(call), proof)
	if err != nil || !ok {
		return &AuthenticationError{Method: AuthZKProof, Reason: "proof verification failed"}
	}
	return nil
}

// consumeNonce marks a nonce used and rejects reuse inside the replay
// window. Expired nonces are pruned on the way through.
func (a *Authenticator) consumeNonce(nonce string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := time.Now()
	for n, seen := range a.nonces {
		if now.Sub(seen) > a.cfg.ReplayWindow {
			delete(a.nonces, n)
		}
	}

	if _, used := a.nonces[nonce]; used {
		return &AuthenticationError{Method: AuthCryptoIdentity, Reason: "nonce already used"}
	}
	a.nonces[nonce] = now
	return nil
}

// ChallengePayload is the canonical byte string callers sign for the
// cryptographic-identity and proof methods.
func ChallengePayload(call *ToolCall) []byte {
	return []byte(fmt.Sprintf("utip:v1:%s:%s:%s:%s:%d",
		call.CallID, call.ToolID, call.Auth.CallerDID, call.Auth.Nonce, call.Auth.Timestamp.Unix()))
}
