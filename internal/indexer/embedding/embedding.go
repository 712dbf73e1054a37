// Package embedding defines the vector-embedding boundary the Indexer
// Worker depends on and a vendor-neutral HTTP/JSON client implementation.
// Embedding models vary in request shape and vector width from one provider
// to the next, so the client speaks a small generic REST contract rather
// than binding to one vendor's SDK.
package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Embedder generates vector embeddings for text and reports the dimension
// of the vectors it produces.
type Embedder interface {
	// Dimensions reports the embedding vector width for the configured
	// model, queried once at startup so the caller can verify the search
	// index mapping matches before ingesting any documents.
	Dimensions(ctx context.Context) (int, error)

	// Embed returns one vector per input text, in the same order.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Config configures the HTTP embedding client.
type Config struct {
	Endpoint  string
	Model     string
	APIKey    string
	Timeout   time.Duration
	BatchSize int
}

// DefaultConfig returns a conservative timeout and batch size.
func DefaultConfig(endpoint, model string) Config {
	return Config{Endpoint: endpoint, Model: model, Timeout: 30 * time.Second, BatchSize: 32}
}

// Client is an Embedder backed by a generic HTTP/JSON embedding service.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// New constructs a Client.
func New(cfg Config) *Client {
	return &Client{cfg: cfg, httpClient: &http.Client{Timeout: cfg.Timeout}}
}

type infoResponse struct {
	Dimensions int `json:"dimensions"`
}

// Dimensions queries the embedding service's /models/{model} info endpoint.
func (c *Client) Dimensions(ctx context.Context) (int, error) {
	url := fmt.Sprintf("%s/models/%s", c.cfg.Endpoint, c.cfg.Model)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, fmt.Errorf("embedding: new dimensions request: %w", err)
	}
	c.setAuth(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("embedding: dimensions request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return 0, fmt.Errorf("embedding: dimensions status %d: %s", resp.StatusCode, string(body))
	}

	var info infoResponse
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return 0, fmt.Errorf("embedding: decode dimensions response: %w", err)
	}
	if info.Dimensions <= 0 {
		return 0, fmt.Errorf("embedding: model %q reported non-positive dimension %d", c.cfg.Model, info.Dimensions)
	}
	return info.Dimensions, nil
}

type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// Embed implements Embedder, chunking texts into cfg.BatchSize-sized
// requests to stay within the service's per-call input limit.
func (c *Client) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	batchSize := c.cfg.BatchSize
	if batchSize <= 0 {
		batchSize = len(texts)
	}

	var out [][]float32
	for start := 0; start < len(texts); start += batchSize {
		end := start + batchSize
		if end > len(texts) {
			end = len(texts)
		}
		batch, err := c.embedBatch(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		out = append(out, batch...)
	}
	return out, nil
}

func (c *Client) embedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	payload, err := json.Marshal(embedRequest{Model: c.cfg.Model, Input: texts})
	if err != nil {
		return nil, fmt.Errorf("embedding: marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/embeddings", c.cfg.Endpoint)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("embedding: new embed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.setAuth(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embedding: embed request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, &RateLimitedError{RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"))}
	}
	if resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnprocessableEntity {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return nil, &InvalidInputError{Detail: string(body)}
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return nil, fmt.Errorf("embedding: status %d: %s", resp.StatusCode, string(body))
	}

	var parsed embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("embedding: decode embed response: %w", err)
	}
	if len(parsed.Embeddings) != len(texts) {
		return nil, fmt.Errorf("embedding: expected %d vectors, got %d", len(texts), len(parsed.Embeddings))
	}
	return parsed.Embeddings, nil
}

func (c *Client) setAuth(req *http.Request) {
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
}

// RateLimitedError signals a 429 from the embedding service, with an
// optional server-supplied retry hint.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("embedding: rate limited, retry after %s", e.RetryAfter)
}

// InvalidInputError signals a permanent client-side rejection (malformed or
// oversized input) that retrying will not fix.
type InvalidInputError struct {
	Detail string
}

func (e *InvalidInputError) Error() string {
	return "embedding: invalid input: " + e.Detail
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if d, err := time.ParseDuration(v + "s"); err == nil {
		return d
	}
	return 0
}
