// Package contentstore provides the client interface to the external
// content-addressed store. Blobs are opaque and keyed by the SHA-256 of
// their own content, so a resolved blob is tamper-evident by construction.
package contentstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
)

// ErrNotFound indicates no blob exists for the requested hash.
var ErrNotFound = errors.New("contentstore: blob not found")

// Store puts and gets opaque metadata blobs by content hash.
type Store interface {
	// Put stores a blob and returns its content hash. Storing the same
	// bytes twice returns the same hash and is a no-op.
	Put(ctx context.Context, blob []byte) (string, error)

	// Get retrieves a blob by content hash. Implementations verify the
	// retrieved bytes against the hash before returning them.
	Get(ctx context.Context, hash string) ([]byte, error)
}

// Hash computes the content address of a blob.
func Hash(blob []byte) string {
	sum := sha256.Sum256(blob)
	return hex.EncodeToString(sum[:])
}

// MemoryStore is an in-process Store for tests and single-node runs.
type MemoryStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blobs: make(map[string][]byte)}
}

func (s *MemoryStore) Put(ctx context.Context, blob []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	hash := Hash(blob)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.blobs[hash]; !exists {
		stored := make([]byte, len(blob))
		copy(stored, blob)
		s.blobs[hash] = stored
	}
	return hash, nil
}

func (s *MemoryStore) Get(ctx context.Context, hash string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	blob, ok := s.blobs[hash]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, hash)
	}
	out := make([]byte, len(blob))
	copy(out, blob)
	return out, nil
}

// Len returns the number of stored blobs.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.blobs)
}
