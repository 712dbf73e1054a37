package embedding

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestDimensionsReturnsModelWidth(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/models/test-model" {
			t.Fatalf("unexpected path %q", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(infoResponse{Dimensions: 384})
	}))
	defer srv.Close()

	c := New(DefaultConfig(srv.URL, "test-model"))
	dims, err := c.Dimensions(context.Background())
	if err != nil {
		t.Fatalf("Dimensions: %v", err)
	}
	if dims != 384 {
		t.Fatalf("expected 384, got %d", dims)
	}
}

func TestDimensionsRejectsNonPositive(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(infoResponse{Dimensions: 0})
	}))
	defer srv.Close()

	c := New(DefaultConfig(srv.URL, "test-model"))
	if _, err := c.Dimensions(context.Background()); err == nil {
		t.Fatal("expected error for non-positive dimension")
	}
}

func TestEmbedBatchesRequests(t *testing.T) {
	t.Parallel()

	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		var req embedRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		vectors := make([][]float32, len(req.Input))
		for i := range vectors {
			vectors[i] = []float32{1, 2, 3}
		}
		_ = json.NewEncoder(w).Encode(embedResponse{Embeddings: vectors})
	}))
	defer srv.Close()

	cfg := DefaultConfig(srv.URL, "test-model")
	cfg.BatchSize = 2
	c := New(cfg)

	texts := []string{"a", "b", "c", "d", "e"}
	vectors, err := c.Embed(context.Background(), texts)
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(vectors) != len(texts) {
		t.Fatalf("expected %d vectors, got %d", len(texts), len(vectors))
	}
	if calls != 3 {
		t.Fatalf("expected 3 batched requests (2+2+1), got %d", calls)
	}
}

func TestEmbedReturnsRateLimitedError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "2")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := New(DefaultConfig(srv.URL, "test-model"))
	_, err := c.Embed(context.Background(), []string{"a"})
	if err == nil {
		t.Fatal("expected error")
	}
	rateLimited, ok := err.(*RateLimitedError)
	if !ok {
		t.Fatalf("expected *RateLimitedError, got %T", err)
	}
	if rateLimited.RetryAfter.Seconds() != 2 {
		t.Fatalf("expected 2s retry-after, got %v", rateLimited.RetryAfter)
	}
}

func TestEmbedReturnsInvalidInputError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte("input too long"))
	}))
	defer srv.Close()

	c := New(DefaultConfig(srv.URL, "test-model"))
	_, err := c.Embed(context.Background(), []string{"a"})
	if err == nil {
		t.Fatal("expected error")
	}
	if _, ok := err.(*InvalidInputError); !ok {
		t.Fatalf("expected *InvalidInputError, got %T", err)
	}
}

func TestEmbedMismatchedVectorCountErrors(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(embedResponse{Embeddings: [][]float32{{1, 2}}})
	}))
	defer srv.Close()

	c := New(DefaultConfig(srv.URL, "test-model"))
	if _, err := c.Embed(context.Background(), []string{"a", "b"}); err == nil {
		t.Fatal("expected error on vector count mismatch")
	}
}

func TestEmbedEmptyInputReturnsNil(t *testing.T) {
	t.Parallel()

	c := New(DefaultConfig("http://unused.invalid", "test-model"))
	vectors, err := c.Embed(context.Background(), nil)
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if vectors != nil {
		t.Fatalf("expected nil vectors for empty input, got %v", vectors)
	}
}
