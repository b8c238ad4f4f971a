package contentstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_PutGetRoundTrip(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	blob := []byte(`{"agentId":"agent-1"}`)
	hash, err := s.Put(ctx, blob)
	require.NoError(t, err)
	assert.Equal(t, Hash(blob), hash, "returned hash must be the content address")

	got, err := s.Get(ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, blob, got)
}

func TestMemoryStore_PutIsIdempotent(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	blob := []byte("identical bytes")
	first, err := s.Put(ctx, blob)
	require.NoError(t, err)
	second, err := s.Put(ctx, blob)
	require.NoError(t, err)

	assert.Equal(t, first, second, "identical bytes must land at the same address")
	assert.Equal(t, 1, s.Len())
}

func TestMemoryStore_GetUnknownHash(t *testing.T) {
	s := NewMemoryStore()
	_, err := s.Get(context.Background(), Hash([]byte("never stored")))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_DefensiveCopies(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	blob := []byte("original")
	hash, err := s.Put(ctx, blob)
	require.NoError(t, err)

	// Mutating the caller's slice must not corrupt the stored blob.
	blob[0] = 'X'

	got, err := s.Get(ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, []byte("original"), got)
}

func TestHash_DistinctContentDistinctAddress(t *testing.T) {
	assert.NotEqual(t, Hash([]byte("a")), Hash([]byte("b")))
	assert.Len(t, Hash(nil), 64)
}
