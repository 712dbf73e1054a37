package localblob

import (
	"context"
	"testing"
)

func TestPutGetRoundTrip(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	s, err := New(dir)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx := context.Background()

	if _, err := s.Put(ctx, "example.com/2026/08/03/abc.html", "text/html", []byte("hello")); err != nil {
		t.Fatalf("put: %v", err)
	}
	data, err := s.Get(ctx, "example.com/2026/08/03/abc.html")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(data) != "hello" {
		t.Fatalf("unexpected data: %s", data)
	}
}

func TestGetMissingKeyErrors(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	s, err := New(dir)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, err := s.Get(context.Background(), "missing"); err == nil {
		t.Fatal("expected error for missing key")
	}
}
