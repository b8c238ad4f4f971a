package identity

import (
	"crypto/ed25519"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEd25519Signer_SignVerify(t *testing.T) {
	signer, err := NewSigner(AlgorithmEd25519)
	require.NoError(t, err)
	assert.Equal(t, AlgorithmEd25519, signer.Algorithm())

	data := []byte("invocation challenge payload")

	sig, err := signer.Sign(data)
	require.NoError(t, err)
	assert.Len(t, sig, ed25519.SignatureSize, "Ed25519 signature must be 64 bytes")

	valid, err := signer.Verify(signer.PublicKeyBytes(), data, sig)
	require.NoError(t, err)
	assert.True(t, valid, "signature should verify with correct data")

	valid, err = signer.Verify(signer.PublicKeyBytes(), []byte("tampered data"), sig)
	require.NoError(t, err)
	assert.False(t, valid, "signature should NOT verify with tampered data")
}

func TestECDSASigner_SignVerify(t *testing.T) {
	signer, err := NewSigner(AlgorithmECDSA)
	require.NoError(t, err)
	assert.Equal(t, AlgorithmECDSA, signer.Algorithm())

	data := []byte("invocation challenge payload")

	sig, err := signer.Sign(data)
	require.NoError(t, err)
	assert.NotEmpty(t, sig)

	valid, err := signer.Verify(signer.PublicKeyBytes(), data, sig)
	require.NoError(t, err)
	assert.True(t, valid, "signature should verify with correct data")

	valid, err = signer.Verify(signer.PublicKeyBytes(), []byte("tampered"), sig)
	require.NoError(t, err)
	assert.False(t, valid)
}

func TestNewSigner_UnsupportedAlgorithm(t *testing.T) {
	_, err := NewSigner(Algorithm("rsa-4096"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported")
}

func TestVerifyWithPEM_Ed25519(t *testing.T) {
	signer, err := NewSigner(AlgorithmEd25519)
	require.NoError(t, err)

	pemKey, err := signer.EncodePublicKeyPEM()
	require.NoError(t, err)
	assert.Contains(t, pemKey, "PUBLIC KEY")

	data := []byte("proof payload")
	sig, err := signer.Sign(data)
	require.NoError(t, err)

	valid, err := VerifyWithPEM(pemKey, data, sig)
	require.NoError(t, err)
	assert.True(t, valid, "PEM verification should accept the signer's own signature")

	valid, err = VerifyWithPEM(pemKey, []byte("other payload"), sig)
	require.NoError(t, err)
	assert.False(t, valid)
}

func TestVerifyWithPEM_ECDSA(t *testing.T) {
	signer, err := NewSigner(AlgorithmECDSA)
	require.NoError(t, err)

	pemKey, err := signer.EncodePublicKeyPEM()
	require.NoError(t, err)

	data := []byte("proof payload")
	sig, err := signer.Sign(data)
	require.NoError(t, err)

	valid, err := VerifyWithPEM(pemKey, data, sig)
	require.NoError(t, err)
	assert.True(t, valid)
}

func TestVerifyWithPEM_RejectsGarbageKey(t *testing.T) {
	_, err := VerifyWithPEM("not a pem block", []byte("data"), []byte("sig"))
	require.Error(t, err)
}
