// Package gcsblob implements blobstore.Provider against Google Cloud
// Storage: a fail-fast bucket-attrs check on construction, writer-based Put.
package gcsblob

import (
	"context"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/crawlkit/core/internal/blobstore"
)

// Store is a GCS-backed blobstore.Provider scoped to one bucket.
type Store struct {
	client     *storage.Client
	bucketName string
	logger     *zap.Logger
}

// New initializes a GCS client and verifies bucketName exists and is
// reachable before returning, so misconfiguration fails at startup rather
// than on the first crawl.
func New(ctx context.Context, bucketName string, logger *zap.Logger, opts ...Option) (*Store, error) {
	cfg := config{}
	for _, opt := range opts {
		opt(&cfg)
	}

	client, err := storage.NewClient(ctx, cfg.clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("gcsblob: create client: %w", err)
	}

	bkt := client.Bucket(bucketName)
	if _, err := bkt.Attrs(ctx); err != nil {
		if cerr := client.Close(); cerr != nil {
			logger.Warn("gcsblob: close client after bucket check failure", zap.Error(cerr))
		}
		return nil, fmt.Errorf("gcsblob: bucket %q attrs: %w", bucketName, err)
	}

	return &Store{client: client, bucketName: bucketName, logger: logger}, nil
}

// Put implements blobstore.Provider.
func (s *Store) Put(ctx context.Context, key, contentType string, data []byte) (string, error) {
	wc := s.client.Bucket(s.bucketName).Object(key).NewWriter(ctx)
	wc.ContentType = contentType

	if _, err := wc.Write(data); err != nil {
		if cerr := wc.Close(); cerr != nil {
			s.logger.Warn("gcsblob: close writer after write failure", zap.Error(cerr))
		}
		return "", fmt.Errorf("gcsblob: write object %s: %w", key, err)
	}
	if err := wc.Close(); err != nil {
		return "", fmt.Errorf("gcsblob: close writer for object %s: %w", key, err)
	}
	return fmt.Sprintf("gs://%s/%s", s.bucketName, key), nil
}

// Get implements blobstore.Provider.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	r, err := s.client.Bucket(s.bucketName).Object(key).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("gcsblob: open reader for object %s: %w", key, err)
	}
	defer func() {
		if cerr := r.Close(); cerr != nil {
			s.logger.Warn("gcsblob: close reader failed", zap.Error(cerr))
		}
	}()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("gcsblob: read object %s: %w", key, err)
	}
	return data, nil
}

// Close releases the underlying client.
func (s *Store) Close() error {
	if err := s.client.Close(); err != nil {
		return fmt.Errorf("gcsblob: close client: %w", err)
	}
	return nil
}

var _ blobstore.Provider = (*Store)(nil)
