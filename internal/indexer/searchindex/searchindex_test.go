package searchindex

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestEnsureMappingCreatesIndexWhenMissing(t *testing.T) {
	t.Parallel()

	var created bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodHead:
			w.WriteHeader(http.StatusNotFound)
		case http.MethodPut:
			created = true
			w.WriteHeader(http.StatusOK)
		default:
			t.Fatalf("unexpected method %s", r.Method)
		}
	}))
	defer srv.Close()

	c := New(DefaultConfig(srv.URL, "pages"))
	if err := c.EnsureMapping(context.Background(), 384); err != nil {
		t.Fatalf("EnsureMapping: %v", err)
	}
	if !created {
		t.Fatal("expected index to be created")
	}
}

func TestEnsureMappingAcceptsMatchingDims(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodHead:
			w.WriteHeader(http.StatusOK)
		case r.Method == http.MethodGet:
			resp := map[string]mapping{}
			m := mapping{}
			m.Mappings.Properties.Embedding.Dims = 384
			resp["pages"] = m
			_ = json.NewEncoder(w).Encode(resp)
		default:
			t.Fatalf("unexpected method %s", r.Method)
		}
	}))
	defer srv.Close()

	c := New(DefaultConfig(srv.URL, "pages"))
	if err := c.EnsureMapping(context.Background(), 384); err != nil {
		t.Fatalf("EnsureMapping: %v", err)
	}
}

func TestEnsureMappingRejectsDimensionMismatch(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodHead:
			w.WriteHeader(http.StatusOK)
		case r.Method == http.MethodGet:
			resp := map[string]mapping{}
			m := mapping{}
			m.Mappings.Properties.Embedding.Dims = 768
			resp["pages"] = m
			_ = json.NewEncoder(w).Encode(resp)
		}
	}))
	defer srv.Close()

	c := New(DefaultConfig(srv.URL, "pages"))
	if err := c.EnsureMapping(context.Background(), 384); err == nil {
		t.Fatal("expected dimension mismatch error")
	}
}

func TestBulkUpsertSendsActionMetadataPairs(t *testing.T) {
	t.Parallel()

	var lines []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/_bulk" {
			t.Fatalf("unexpected path %q", r.URL.Path)
		}
		scanner := bufio.NewScanner(r.Body)
		for scanner.Scan() {
			lines = append(lines, scanner.Text())
		}
		_ = json.NewEncoder(w).Encode(bulkResponse{Errors: false})
	}))
	defer srv.Close()

	c := New(DefaultConfig(srv.URL, "pages"))
	docs := []Document{
		{URLHash: "h1", URL: "https://example.com/a", IsChunk: false},
		{URLHash: "h1", URL: "https://example.com/a", ChunkIndex: 0, IsChunk: true},
	}
	if err := c.BulkUpsert(context.Background(), docs); err != nil {
		t.Fatalf("BulkUpsert: %v", err)
	}
	if len(lines) != 4 {
		t.Fatalf("expected 4 NDJSON lines (action+doc per record), got %d", len(lines))
	}

	var action map[string]map[string]string
	if err := json.Unmarshal([]byte(lines[0]), &action); err != nil {
		t.Fatalf("unmarshal action line: %v", err)
	}
	if action["index"]["_id"] != "h1" {
		t.Fatalf("expected parent doc id h1, got %q", action["index"]["_id"])
	}

	var chunkAction map[string]map[string]string
	if err := json.Unmarshal([]byte(lines[2]), &chunkAction); err != nil {
		t.Fatalf("unmarshal chunk action line: %v", err)
	}
	if chunkAction["index"]["_id"] != "h1:0" {
		t.Fatalf("expected chunk doc id h1:0, got %q", chunkAction["index"]["_id"])
	}
}

func TestBulkUpsertReturnsErrorOnPartialFailure(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := bulkResponse{Errors: true, Items: []bulkItemResult{
			{Index: struct {
				ID     string `json:"_id"`
				Status int    `json:"status"`
				Error  any    `json:"error,omitempty"`
			}{ID: "h1", Status: 400, Error: "mapper_parsing_exception"}},
		}}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	c := New(DefaultConfig(srv.URL, "pages"))
	err := c.BulkUpsert(context.Background(), []Document{{URLHash: "h1"}})
	if err == nil {
		t.Fatal("expected error on partial bulk failure")
	}
}

func TestBulkUpsertEmptyInputIsNoop(t *testing.T) {
	t.Parallel()

	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	c := New(DefaultConfig(srv.URL, "pages"))
	if err := c.BulkUpsert(context.Background(), nil); err != nil {
		t.Fatalf("BulkUpsert: %v", err)
	}
	if called {
		t.Fatal("expected no HTTP call for empty batch")
	}
}
