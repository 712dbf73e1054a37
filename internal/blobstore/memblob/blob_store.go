// Package memblob provides an in-memory blobstore.Provider for tests.
package memblob

import (
	"context"
	"fmt"
	"sync"

	"github.com/crawlkit/core/internal/blobstore"
)

// Store is a mutex-guarded, in-memory blobstore.Provider.
type Store struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

// New constructs an empty Store.
func New() *Store {
	return &Store{blobs: make(map[string][]byte)}
}

// Put implements blobstore.Provider.
func (s *Store) Put(_ context.Context, key, _ string, data []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs[key] = append([]byte(nil), data...)
	return "memblob://" + key, nil
}

// Get implements blobstore.Provider.
func (s *Store) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.blobs[key]
	if !ok {
		return nil, fmt.Errorf("memblob: key %q not found", key)
	}
	return append([]byte(nil), data...), nil
}

var _ blobstore.Provider = (*Store)(nil)
