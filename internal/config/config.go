// Package config loads and validates service configuration via Viper: an
// env-prefixed Viper instance, SetDefault calls, mapstructure-tagged
// sections, and a Validate pass, covering every binary in the
// discover/crawl/index pipeline this module runs.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures every service configuration knob loaded via Viper.
type Config struct {
	Admin      AdminConfig      `mapstructure:"admin"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	StateStore StateStoreConfig `mapstructure:"state_store"`
	RateLimit  RateLimitConfig  `mapstructure:"rate_limit"`
	PubSub     PubSubConfig     `mapstructure:"pubsub"`
	Blobs      BlobsConfig      `mapstructure:"blobs"`
	Crawler    CrawlerConfig    `mapstructure:"crawler"`
	Indexer    IndexerConfig    `mapstructure:"indexer"`
	Embedding  EmbeddingConfig  `mapstructure:"embedding"`
	SearchIndex SearchIndexConfig `mapstructure:"search_index"`
}

// AdminConfig controls the health/readiness/metrics HTTP server every
// worker binary runs alongside its queue loop.
type AdminConfig struct {
	Port int `mapstructure:"port"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// StateStoreConfig points at the URL-lifecycle backing store.
type StateStoreConfig struct {
	Driver       string `mapstructure:"driver"` // "postgres" or "memory"
	DSN          string `mapstructure:"dsn"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
}

// RateLimitConfig points at the shared cross-worker politeness counter.
type RateLimitConfig struct {
	Driver       string `mapstructure:"driver"` // "redis" or "memory"
	RedisAddr    string `mapstructure:"redis_addr"`
	DefaultQPS   float64 `mapstructure:"default_qps"`
}

// PubSubConfig names the topics/subscriptions backing the three queues and
// their dead-letter queues.
type PubSubConfig struct {
	Driver              string `mapstructure:"driver"` // "pubsub" or "memory"
	ProjectID           string `mapstructure:"project_id"`
	DiscoveryTopic      string `mapstructure:"discovery_topic"`
	DiscoverySub        string `mapstructure:"discovery_subscription"`
	CrawlTopic          string `mapstructure:"crawl_topic"`
	CrawlSub            string `mapstructure:"crawl_subscription"`
	IndexTopic          string `mapstructure:"index_topic"`
	IndexSub            string `mapstructure:"index_subscription"`
	DeadLetterTopicSuffix string `mapstructure:"dead_letter_topic_suffix"`
}

// BlobsConfig points at the raw/parsed content object store.
type BlobsConfig struct {
	Driver    string `mapstructure:"driver"` // "gcs", "local", or "memory"
	GCSBucket string `mapstructure:"gcs_bucket"`
	LocalDir  string `mapstructure:"local_dir"`
}

// CrawlerConfig governs the Crawler Worker.
type CrawlerConfig struct {
	OwnerID            string `mapstructure:"owner_id"`
	UserAgent          string `mapstructure:"user_agent"`
	Concurrency        int    `mapstructure:"concurrency"`
	LeaseSeconds       int    `mapstructure:"lease_seconds"`
	LeaseRenewSeconds  int    `mapstructure:"lease_renew_seconds"`
	FetchTimeoutSeconds int   `mapstructure:"fetch_timeout_seconds"`
	MaxRedirects       int    `mapstructure:"max_redirects"`
	MaxBodyBytes       int64  `mapstructure:"max_body_bytes"`
	MaxOutlinksPerPage int    `mapstructure:"max_outlinks_per_page"`
	DrainTimeoutSeconds int   `mapstructure:"drain_timeout_seconds"`
}

// IndexerConfig governs the Indexer Worker.
type IndexerConfig struct {
	Concurrency      int `mapstructure:"concurrency"`
	ChunkSize        int `mapstructure:"chunk_size"`
	ChunkOverlap     int `mapstructure:"chunk_overlap"`
	BulkBatchSize    int `mapstructure:"bulk_batch_size"`
	EmbedConcurrency int `mapstructure:"embed_concurrency"`
	DrainTimeoutSeconds int `mapstructure:"drain_timeout_seconds"`
}

// EmbeddingConfig points at the external embedding service.
type EmbeddingConfig struct {
	Endpoint  string `mapstructure:"endpoint"`
	Model     string `mapstructure:"model"`
	APIKey    string `mapstructure:"api_key"`
	BatchSize int    `mapstructure:"batch_size"`
}

// SearchIndexConfig points at the external search index.
type SearchIndexConfig struct {
	Endpoint  string `mapstructure:"endpoint"`
	IndexName string `mapstructure:"index_name"`
	Username  string `mapstructure:"username"`
	Password  string `mapstructure:"password"`
}

// Load builds a Config from an optional file on disk plus CRAWLKIT_-prefixed
// environment variables, applying defaults before either.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CRAWLKIT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("config: read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("admin.port", 8080)
	v.SetDefault("logging.development", false)

	v.SetDefault("state_store.driver", "memory")
	v.SetDefault("state_store.max_open_conns", 10)
	v.SetDefault("state_store.max_idle_conns", 5)

	v.SetDefault("rate_limit.driver", "memory")
	v.SetDefault("rate_limit.default_qps", 1.0)

	v.SetDefault("pubsub.driver", "memory")
	v.SetDefault("pubsub.discovery_topic", "discovery")
	v.SetDefault("pubsub.discovery_subscription", "discovery-sub")
	v.SetDefault("pubsub.crawl_topic", "crawl")
	v.SetDefault("pubsub.crawl_subscription", "crawl-sub")
	v.SetDefault("pubsub.index_topic", "index")
	v.SetDefault("pubsub.index_subscription", "index-sub")
	v.SetDefault("pubsub.dead_letter_topic_suffix", "-dlq")

	v.SetDefault("blobs.driver", "memory")
	v.SetDefault("blobs.local_dir", "./data/blobs")

	v.SetDefault("crawler.owner_id", "crawler-1")
	v.SetDefault("crawler.user_agent", "crawlkit-bot/1.0")
	v.SetDefault("crawler.concurrency", 8)
	v.SetDefault("crawler.lease_seconds", 90)
	v.SetDefault("crawler.lease_renew_seconds", 30)
	v.SetDefault("crawler.fetch_timeout_seconds", 30)
	v.SetDefault("crawler.max_redirects", 5)
	v.SetDefault("crawler.max_body_bytes", 10<<20)
	v.SetDefault("crawler.max_outlinks_per_page", 200)
	v.SetDefault("crawler.drain_timeout_seconds", 30)

	v.SetDefault("indexer.concurrency", 4)
	v.SetDefault("indexer.chunk_size", 2000)
	v.SetDefault("indexer.chunk_overlap", 200)
	v.SetDefault("indexer.bulk_batch_size", 100)
	v.SetDefault("indexer.embed_concurrency", 4)
	v.SetDefault("indexer.drain_timeout_seconds", 30)

	v.SetDefault("embedding.batch_size", 32)

	v.SetDefault("search_index.index_name", "pages")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Admin.Port <= 0 {
		return fmt.Errorf("config: admin.port must be > 0")
	}
	if c.Crawler.Concurrency <= 0 {
		return fmt.Errorf("config: crawler.concurrency must be > 0")
	}
	if c.Indexer.Concurrency <= 0 {
		return fmt.Errorf("config: indexer.concurrency must be > 0")
	}
	if c.StateStore.Driver == "postgres" && c.StateStore.DSN == "" {
		return fmt.Errorf("config: state_store.dsn required when driver is postgres")
	}
	if c.RateLimit.Driver == "redis" && c.RateLimit.RedisAddr == "" {
		return fmt.Errorf("config: rate_limit.redis_addr required when driver is redis")
	}
	if c.PubSub.Driver == "pubsub" && c.PubSub.ProjectID == "" {
		return fmt.Errorf("config: pubsub.project_id required when driver is pubsub")
	}
	if c.Blobs.Driver == "gcs" && c.Blobs.GCSBucket == "" {
		return fmt.Errorf("config: blobs.gcs_bucket required when driver is gcs")
	}
	if c.Embedding.Endpoint == "" {
		return fmt.Errorf("config: embedding.endpoint is required")
	}
	if c.Embedding.Model == "" {
		return fmt.Errorf("config: embedding.model is required")
	}
	if c.SearchIndex.Endpoint == "" {
		return fmt.Errorf("config: search_index.endpoint is required")
	}
	return nil
}

// LeaseDuration converts the configured lease seconds into a Duration.
func (c CrawlerConfig) LeaseDuration() time.Duration {
	return time.Duration(c.LeaseSeconds) * time.Second
}

// LeaseRenewInterval converts the configured renew seconds into a Duration.
func (c CrawlerConfig) LeaseRenewInterval() time.Duration {
	return time.Duration(c.LeaseRenewSeconds) * time.Second
}

// FetchTimeout converts the configured fetch timeout seconds into a
// Duration.
func (c CrawlerConfig) FetchTimeout() time.Duration {
	return time.Duration(c.FetchTimeoutSeconds) * time.Second
}

// DrainTimeout converts the configured drain timeout seconds into a
// Duration.
func (c CrawlerConfig) DrainTimeout() time.Duration {
	return time.Duration(c.DrainTimeoutSeconds) * time.Second
}

// DrainTimeout converts the configured drain timeout seconds into a
// Duration.
func (c IndexerConfig) DrainTimeout() time.Duration {
	return time.Duration(c.DrainTimeoutSeconds) * time.Second
}
