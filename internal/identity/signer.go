// Package identity provides the signing and verification primitives used
// across the protocol: caller authentication, attestations, and the
// verification keys capabilities publish for proof checks.
package identity

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
)

// Algorithm identifies the signature scheme a Signer implements.
type Algorithm string

const (
	// AlgorithmEd25519 uses Ed25519 (RFC 8032). Deterministic, fast,
	// 64-byte fixed signatures. The default.
	AlgorithmEd25519 Algorithm = "ed25519"

	// AlgorithmECDSA uses ECDSA over NIST P-256, for operators that
	// require FIPS-approved curves.
	AlgorithmECDSA Algorithm = "ecdsa-p256"
)

// DefaultAlgorithm is used when no preference is configured.
const DefaultAlgorithm = AlgorithmEd25519

// Signer abstracts signing and verification so the invocation engine can
// operate algorithm-agnostically.
type Signer interface {
	// Algorithm returns the scheme this signer implements.
	Algorithm() Algorithm

	// PublicKeyBytes returns raw public key bytes for wire transmission.
	PublicKeyBytes() []byte

	// Sign signs data and returns a signature.
	Sign(data []byte) ([]byte, error)

	// Verify checks a signature over data against a public key in the
	// same format PublicKeyBytes produces.
	Verify(publicKey, data, signature []byte) (bool, error)

	// EncodePublicKeyPEM returns the PEM-encoded public key for
	// embedding in registry entries.
	EncodePublicKeyPEM() (string, error)
}

// NewSigner generates a fresh key pair for the given algorithm.
func NewSigner(alg Algorithm) (Signer, error) {
	switch alg {
	case AlgorithmEd25519:
		return newEd25519Signer()
	case AlgorithmECDSA:
		return newECDSASigner()
	default:
		return nil, fmt.Errorf("unsupported signature algorithm: %s (supported: %s, %s)",
			alg, AlgorithmEd25519, AlgorithmECDSA)
	}
}

// Ed25519Signer implements Signer using Ed25519.
type Ed25519Signer struct {
	privateKey ed25519.PrivateKey
	publicKey  ed25519.PublicKey
}

func newEd25519Signer() (*Ed25519Signer, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("ed25519 key generation failed: %w", err)
	}
	return &Ed25519Signer{privateKey: priv, publicKey: pub}, nil
}

// NewEd25519SignerFromKey wraps an existing Ed25519 key pair.
func NewEd25519SignerFromKey(priv ed25519.PrivateKey) *Ed25519Signer {
	return &Ed25519Signer{
		privateKey: priv,
		publicKey:  priv.Public().(ed25519.PublicKey),
	}
}

func (s *Ed25519Signer) Algorithm() Algorithm { return AlgorithmEd25519 }

func (s *Ed25519Signer) PublicKeyBytes() []byte { return []byte(s.publicKey) }

func (s *Ed25519Signer) Sign(data []byte) ([]byte, error) {
	return ed25519.Sign(s.privateKey, data), nil
}

func (s *Ed25519Signer) Verify(publicKey, data, signature []byte) (bool, error) {
	if len(publicKey) != ed25519.PublicKeySize {
		return false, fmt.Errorf("invalid Ed25519 public key size: got %d, want %d",
			len(publicKey), ed25519.PublicKeySize)
	}
	return ed25519.Verify(ed25519.PublicKey(publicKey), data, signature), nil
}

func (s *Ed25519Signer) EncodePublicKeyPEM() (string, error) {
	return encodePublicKeyPEM(s.publicKey)
}

// ECDSASigner implements Signer using ECDSA over P-256.
type ECDSASigner struct {
	privateKey *ecdsa.PrivateKey
	publicKey  *ecdsa.PublicKey
}

func newECDSASigner() (*ECDSASigner, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("ecdsa key generation failed: %w", err)
	}
	return &ECDSASigner{privateKey: priv, publicKey: &priv.PublicKey}, nil
}

func (s *ECDSASigner) Algorithm() Algorithm { return AlgorithmECDSA }

func (s *ECDSASigner) PublicKeyBytes() []byte {
	der, err := x509.MarshalPKIXPublicKey(s.publicKey)
	if err != nil {
		return nil
	}
	return der
}

func (s *ECDSASigner) Sign(data []byte) ([]byte, error) {
	hash := sha256.Sum256(data)
	return ecdsa.SignASN1(rand.Reader, s.privateKey, hash[:])
}

func (s *ECDSASigner) Verify(publicKeyDER, data, signature []byte) (bool, error) {
	pub, err := x509.ParsePKIXPublicKey(publicKeyDER)
	if err != nil {
		return false, fmt.Errorf("failed to parse ECDSA public key: %w", err)
	}

	ecPub, ok := pub.(*ecdsa.PublicKey)
	if !ok {
		return false, errors.New("public key is not ECDSA")
	}

	hash := sha256.Sum256(data)
	return ecdsa.VerifyASN1(ecPub, hash[:], signature), nil
}

func (s *ECDSASigner) EncodePublicKeyPEM() (string, error) {
	return encodePublicKeyPEM(s.publicKey)
}

func encodePublicKeyPEM(pub any) (string, error) {
	derBytes, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("failed to marshal public key: %w", err)
	}
	pemBlock := &pem.Block{Type: "PUBLIC KEY", Bytes: derBytes}
	return string(pem.EncodeToMemory(pemBlock)), nil
}

// VerifyWithPEM checks a signature against a PEM-encoded public key, as
// published in a capability's verification key field. The key type
// selects the scheme.
func VerifyWithPEM(pemKey string, data, signature []byte) (bool, error) {
	block, _ := pem.Decode([]byte(pemKey))
	if block == nil {
		return false, errors.New("verification key is not valid PEM")
	}

	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return false, fmt.Errorf("failed to parse verification key: %w", err)
	}

	switch key := pub.(type) {
	case ed25519.PublicKey:
		return ed25519.Verify(key, data, signature), nil
	case *ecdsa.PublicKey:
		hash := sha256.Sum256(data)
		return ecdsa.VerifyASN1(key, hash[:], signature), nil
	default:
		return false, fmt.Errorf("unsupported verification key type %T", pub)
	}
}
