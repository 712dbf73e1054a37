// Package blobstore defines the content-addressable object storage
// interface the Crawler Worker uses to persist raw fetched content: the
// read/write pair the crawl pipeline's persist step needs.
package blobstore

import (
	"context"
	"strings"
)

// Provider stores and retrieves content-addressable blobs keyed by path.
type Provider interface {
	// Put uploads data under key, returning a location pointer suitable for
	// storage in a URL record's raw_location field.
	Put(ctx context.Context, key string, contentType string, data []byte) (string, error)

	// Get retrieves the blob previously stored under key.
	Get(ctx context.Context, key string) ([]byte, error)
}

// KeyFromLocation strips the scheme and bucket portion a Provider.Put
// location carries (gs://bucket/key, file://key, memblob://key) down
// to the bare key a Provider.Get call expects, so a consumer holding only
// the raw_location pointer from a message can read it back.
func KeyFromLocation(location string) string {
	rest := location
	if idx := strings.Index(rest, "://"); idx >= 0 {
		rest = rest[idx+3:]
	}
	if idx := strings.Index(rest, "/"); idx >= 0 {
		switch {
		case strings.HasPrefix(location, "gs://"):
			return rest[idx+1:]
		default:
			return rest
		}
	}
	return rest
}
