// Package localblob implements blobstore.Provider against the local
// filesystem, for single-machine development runs.
package localblob

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/crawlkit/core/internal/blobstore"
)

// Store writes blobs under baseDir, one file per key.
type Store struct {
	baseDir string
}

// New constructs a Store rooted at baseDir, creating it if necessary.
func New(baseDir string) (*Store, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("localblob: create base dir: %w", err)
	}
	return &Store{baseDir: baseDir}, nil
}

// Put implements blobstore.Provider.
func (s *Store) Put(_ context.Context, key, _ string, data []byte) (string, error) {
	fullPath := filepath.Join(s.baseDir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
		return "", fmt.Errorf("localblob: create parent dir: %w", err)
	}
	if err := os.WriteFile(fullPath, data, 0o600); err != nil {
		return "", fmt.Errorf("localblob: write file: %w", err)
	}
	return "file://" + key, nil
}

// Get implements blobstore.Provider.
func (s *Store) Get(_ context.Context, key string) ([]byte, error) {
	fullPath := filepath.Join(s.baseDir, filepath.FromSlash(key))
	f, err := os.Open(fullPath)
	if err != nil {
		return nil, fmt.Errorf("localblob: open file: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("localblob: read file: %w", err)
	}
	return data, nil
}

var _ blobstore.Provider = (*Store)(nil)
