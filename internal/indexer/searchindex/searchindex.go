// Package searchindex defines the bulk-ingest boundary the Indexer Worker
// writes documents through and an HTTP client implementation speaking a
// minimal Elasticsearch/OpenSearch-style `_bulk` NDJSON protocol: an
// action/metadata line paired with a document line per entry, plus a
// create-index-if-absent startup check.
package searchindex

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Document is one document or chunk record upserted into the search index.
// IsChunk is false for the parent document record and true for a chunk;
// ChunkIndex (>= 0) is the chunk's position and is left 0 on the parent.
type Document struct {
	URLHash     string    `json:"url_hash"`
	URL         string    `json:"url"`
	Domain      string    `json:"domain"`
	Lang        string    `json:"lang"`
	Title       string    `json:"title"`
	Body        string    `json:"body"`
	ChunkIndex  int       `json:"chunk_idx,omitempty"`
	IsChunk     bool      `json:"is_chunk"`
	FetchedAt   time.Time `json:"fetched_at"`
	Embedding   []float32 `json:"embedding"`
}

// docID returns the upsert key: url_hash for the parent, url_hash:chunk_idx
// for a chunk, so re-indexing the same URL overwrites rather than
// duplicates.
func (d Document) docID() string {
	if d.IsChunk {
		return fmt.Sprintf("%s:%d", d.URLHash, d.ChunkIndex)
	}
	return d.URLHash
}

// Index upserts documents in batches and negotiates the embedding dimension
// against the live mapping at startup.
type Index interface {
	// EnsureMapping verifies the index's embedding field has dimension
	// dims. If the index does not yet exist, it is created with that
	// dimension. If it exists with a different dimension, EnsureMapping
	// returns an error rather than silently reindexing under a mismatched
	// vector width.
	EnsureMapping(ctx context.Context, dims int) error

	// BulkUpsert writes docs to the index in one request. If any record
	// fails, it returns an error naming the failed records; failed records
	// are not retried individually within the call. The caller retries the
	// whole batch on error.
	BulkUpsert(ctx context.Context, docs []Document) error
}

// Config points the HTTP client at one index.
type Config struct {
	Endpoint  string
	IndexName string
	Username  string
	Password  string
	Timeout   time.Duration
}

// DefaultConfig returns a conservative timeout.
func DefaultConfig(endpoint, indexName string) Config {
	return Config{Endpoint: endpoint, IndexName: indexName, Timeout: 30 * time.Second}
}

// Client is an Index backed by an Elasticsearch/OpenSearch-compatible HTTP
// endpoint.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// New constructs a Client.
func New(cfg Config) *Client {
	return &Client{cfg: cfg, httpClient: &http.Client{Timeout: cfg.Timeout}}
}

type mapping struct {
	Mappings struct {
		Properties struct {
			Embedding struct {
				Dims int `json:"dims"`
			} `json:"embedding"`
		} `json:"properties"`
	} `json:"mappings"`
}

// EnsureMapping implements Index.
func (c *Client) EnsureMapping(ctx context.Context, dims int) error {
	indexURL := c.cfg.Endpoint + "/" + c.cfg.IndexName

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, indexURL, nil)
	if err != nil {
		return fmt.Errorf("searchindex: new head request: %w", err)
	}
	c.setAuth(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("searchindex: head index: %w", err)
	}
	resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return c.verifyExistingDims(ctx, indexURL, dims)
	case http.StatusNotFound:
		return c.createIndex(ctx, indexURL, dims)
	default:
		return fmt.Errorf("searchindex: unexpected head status %d", resp.StatusCode)
	}
}

func (c *Client) verifyExistingDims(ctx context.Context, indexURL string, dims int) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, indexURL+"/_mapping", nil)
	if err != nil {
		return fmt.Errorf("searchindex: new mapping request: %w", err)
	}
	c.setAuth(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("searchindex: get mapping: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return fmt.Errorf("searchindex: mapping status %d: %s", resp.StatusCode, string(body))
	}

	var indexed map[string]mapping
	if err := json.NewDecoder(resp.Body).Decode(&indexed); err != nil {
		return fmt.Errorf("searchindex: decode mapping: %w", err)
	}
	live, ok := indexed[c.cfg.IndexName]
	if !ok {
		return fmt.Errorf("searchindex: mapping response missing index %q", c.cfg.IndexName)
	}
	if live.Mappings.Properties.Embedding.Dims != dims {
		return fmt.Errorf("searchindex: embedding dimension mismatch: index has %d, model reports %d",
			live.Mappings.Properties.Embedding.Dims, dims)
	}
	return nil
}

func (c *Client) createIndex(ctx context.Context, indexURL string, dims int) error {
	body := map[string]any{
		"mappings": map[string]any{
			"properties": map[string]any{
				"url_hash":   map[string]any{"type": "keyword"},
				"url":        map[string]any{"type": "keyword"},
				"domain":     map[string]any{"type": "keyword"},
				"lang":       map[string]any{"type": "keyword"},
				"title":      map[string]any{"type": "text"},
				"body":       map[string]any{"type": "text"},
				"chunk_idx":  map[string]any{"type": "integer"},
				"fetched_at": map[string]any{"type": "date"},
				"embedding":  map[string]any{"type": "dense_vector", "dims": dims, "similarity": "cosine"},
			},
		},
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("searchindex: marshal mapping: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, indexURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("searchindex: new create-index request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.setAuth(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("searchindex: create index: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return fmt.Errorf("searchindex: create index status %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

type bulkItemResult struct {
	Index struct {
		ID     string `json:"_id"`
		Status int    `json:"status"`
		Error  any    `json:"error,omitempty"`
	} `json:"index"`
}

type bulkResponse struct {
	Errors bool             `json:"errors"`
	Items  []bulkItemResult `json:"items"`
}

// BulkUpsert implements Index using the `_bulk` NDJSON action/document pair
// protocol, one action/metadata line followed by one document line per
// record.
func (c *Client) BulkUpsert(ctx context.Context, docs []Document) error {
	if len(docs) == 0 {
		return nil
	}

	var buf bytes.Buffer
	for _, doc := range docs {
		action := map[string]any{
			"index": map[string]any{"_index": c.cfg.IndexName, "_id": doc.docID()},
		}
		if err := encodeLine(&buf, action); err != nil {
			return err
		}
		if err := encodeLine(&buf, doc); err != nil {
			return err
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint+"/_bulk", &buf)
	if err != nil {
		return fmt.Errorf("searchindex: new bulk request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-ndjson")
	c.setAuth(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("searchindex: bulk request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return fmt.Errorf("searchindex: bulk status %d: %s", resp.StatusCode, string(body))
	}

	var parsed bulkResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return fmt.Errorf("searchindex: decode bulk response: %w", err)
	}
	if !parsed.Errors {
		return nil
	}

	var failed []string
	for _, item := range parsed.Items {
		if item.Index.Error != nil {
			failed = append(failed, fmt.Sprintf("%s: %v", item.Index.ID, item.Index.Error))
		}
	}
	return fmt.Errorf("searchindex: %d of %d records failed: %v", len(failed), len(docs), failed)
}

func (c *Client) setAuth(req *http.Request) {
	if c.cfg.Username != "" {
		req.SetBasicAuth(c.cfg.Username, c.cfg.Password)
	}
}

func encodeLine(buf *bytes.Buffer, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("searchindex: marshal bulk line: %w", err)
	}
	buf.Write(b)
	buf.WriteByte('\n')
	return nil
}
