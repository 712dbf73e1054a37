package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfigFile(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write config file: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfigFile(t, `
embedding:
  endpoint: "http://embed.local"
  model: "test-model"
search_index:
  endpoint: "http://search.local"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Admin.Port != 8080 {
		t.Fatalf("expected default admin port 8080, got %d", cfg.Admin.Port)
	}
	if cfg.Crawler.Concurrency != 8 {
		t.Fatalf("expected default crawler concurrency 8, got %d", cfg.Crawler.Concurrency)
	}
	if cfg.Indexer.ChunkSize != 2000 {
		t.Fatalf("expected default chunk size 2000, got %d", cfg.Indexer.ChunkSize)
	}
	if cfg.PubSub.Driver != "memory" {
		t.Fatalf("expected default pubsub driver memory, got %q", cfg.PubSub.Driver)
	}
}

func TestLoadOverridesFromFile(t *testing.T) {
	path := writeConfigFile(t, `
admin:
  port: 9090
crawler:
  concurrency: 16
  owner_id: "crawler-east-1"
embedding:
  endpoint: "http://embed.local"
  model: "test-model"
search_index:
  endpoint: "http://search.local"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Admin.Port != 9090 {
		t.Fatalf("expected admin port 9090, got %d", cfg.Admin.Port)
	}
	if cfg.Crawler.Concurrency != 16 {
		t.Fatalf("expected crawler concurrency 16, got %d", cfg.Crawler.Concurrency)
	}
	if cfg.Crawler.OwnerID != "crawler-east-1" {
		t.Fatalf("expected owner id override, got %q", cfg.Crawler.OwnerID)
	}
}

func TestLoadOverridesFromEnv(t *testing.T) {
	path := writeConfigFile(t, `
embedding:
  endpoint: "http://embed.local"
  model: "test-model"
search_index:
  endpoint: "http://search.local"
`)

	t.Setenv("CRAWLKIT_ADMIN_PORT", "7070")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Admin.Port != 7070 {
		t.Fatalf("expected env override to set admin port 7070, got %d", cfg.Admin.Port)
	}
}

func TestValidateRequiresEmbeddingEndpoint(t *testing.T) {
	cfg := minimalValidConfig()
	cfg.Embedding.Endpoint = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for missing embedding endpoint")
	}
}

func TestValidateRequiresSearchIndexEndpoint(t *testing.T) {
	cfg := minimalValidConfig()
	cfg.SearchIndex.Endpoint = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for missing search index endpoint")
	}
}

func TestValidateRequiresPostgresDSNWhenDriverIsPostgres(t *testing.T) {
	cfg := minimalValidConfig()
	cfg.StateStore.Driver = "postgres"
	cfg.StateStore.DSN = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for missing postgres dsn")
	}
}

func TestValidateRequiresRedisAddrWhenDriverIsRedis(t *testing.T) {
	cfg := minimalValidConfig()
	cfg.RateLimit.Driver = "redis"
	cfg.RateLimit.RedisAddr = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for missing redis addr")
	}
}

func TestValidateRequiresGCSBucketWhenDriverIsGCS(t *testing.T) {
	cfg := minimalValidConfig()
	cfg.Blobs.Driver = "gcs"
	cfg.Blobs.GCSBucket = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for missing gcs bucket")
	}
}

func TestValidateAcceptsMinimalConfig(t *testing.T) {
	cfg := minimalValidConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected minimal config to validate, got %v", err)
	}
}

func TestCrawlerConfigDurationHelpers(t *testing.T) {
	cfg := CrawlerConfig{LeaseSeconds: 90, LeaseRenewSeconds: 30, FetchTimeoutSeconds: 30, DrainTimeoutSeconds: 15}
	if cfg.LeaseDuration().Seconds() != 90 {
		t.Fatalf("unexpected lease duration: %v", cfg.LeaseDuration())
	}
	if cfg.LeaseRenewInterval().Seconds() != 30 {
		t.Fatalf("unexpected lease renew interval: %v", cfg.LeaseRenewInterval())
	}
	if cfg.FetchTimeout().Seconds() != 30 {
		t.Fatalf("unexpected fetch timeout: %v", cfg.FetchTimeout())
	}
	if cfg.DrainTimeout().Seconds() != 15 {
		t.Fatalf("unexpected drain timeout: %v", cfg.DrainTimeout())
	}
}

func minimalValidConfig() Config {
	cfg := Config{}
	cfg.Admin.Port = 8080
	cfg.Crawler.Concurrency = 8
	cfg.Indexer.Concurrency = 4
	cfg.StateStore.Driver = "memory"
	cfg.RateLimit.Driver = "memory"
	cfg.PubSub.Driver = "memory"
	cfg.Blobs.Driver = "memory"
	cfg.Embedding.Endpoint = "http://embed.local"
	cfg.Embedding.Model = "test-model"
	cfg.SearchIndex.Endpoint = "http://search.local"
	return cfg
}
