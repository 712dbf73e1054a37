// Package cmd defines and implements the CLI commands for the crawlkit
// executable: a cobra root command plus one subcommand per worker role
// (discover, crawl, index, reconcile) and an operator-facing seed command,
// all sharing one dependency-wired App built from internal/config.
package cmd

import (
	"context"
	"fmt"
	"time"

	gcpubsub "cloud.google.com/go/pubsub"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/crawlkit/core/internal/adminserver"
	"github.com/crawlkit/core/internal/blobstore"
	"github.com/crawlkit/core/internal/blobstore/gcsblob"
	"github.com/crawlkit/core/internal/blobstore/localblob"
	"github.com/crawlkit/core/internal/blobstore/memblob"
	"github.com/crawlkit/core/internal/clock"
	"github.com/crawlkit/core/internal/clock/system"
	"github.com/crawlkit/core/internal/config"
	"github.com/crawlkit/core/internal/crawler/collyfetcher"
	"github.com/crawlkit/core/internal/crawler/goquerylinks"
	"github.com/crawlkit/core/internal/gate"
	"github.com/crawlkit/core/internal/gate/ratelimit"
	"github.com/crawlkit/core/internal/gate/ratelimit/local"
	redislimiter "github.com/crawlkit/core/internal/gate/ratelimit/redis"
	"github.com/crawlkit/core/internal/gate/robots"
	idgen "github.com/crawlkit/core/internal/idgen"
	"github.com/crawlkit/core/internal/indexer/embedding"
	"github.com/crawlkit/core/internal/indexer/searchindex"
	"github.com/crawlkit/core/internal/logging"
	"github.com/crawlkit/core/internal/metrics"
	"github.com/crawlkit/core/internal/queue"
	"github.com/crawlkit/core/internal/queue/memqueue"
	pubsubqueue "github.com/crawlkit/core/internal/queue/pubsub"
	"github.com/crawlkit/core/internal/statestore"
	"github.com/crawlkit/core/internal/statestore/memstore"
	"github.com/crawlkit/core/internal/statestore/postgres"
)

// App bundles every collaborator a worker subcommand needs, built once from
// config and shared across whichever subcommand the operator invoked.
type App struct {
	cfg     config.Config
	logger  *zap.Logger
	clock   clock.Clock
	ownerID string

	store statestore.Store
	gate  *gate.Gate
	blobs blobstore.Provider

	discoveryQueue, discoveryDLQ queue.Provider
	crawlQueue, crawlDLQ         queue.Provider
	indexQueue, indexDLQ         queue.Provider

	embedder embedding.Embedder
	index    searchindex.Index

	closers []func() error
}

// newApp wires every dependency named in cfg and returns a ready App. The
// caller must call Close when done.
func newApp(ctx context.Context, cfgPath string) (*App, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	metrics.Init()

	a := &App{cfg: cfg, logger: logger, clock: system.New()}

	ownerSuffix, err := idgen.NewUUIDGenerator().NewID()
	if err != nil {
		return nil, fmt.Errorf("generate owner id suffix: %w", err)
	}
	a.ownerID = fmt.Sprintf("%s-%s", cfg.Crawler.OwnerID, ownerSuffix[:8])

	if err := a.buildStore(ctx); err != nil {
		return nil, err
	}
	if err := a.buildGate(); err != nil {
		return nil, err
	}
	if err := a.buildBlobs(ctx); err != nil {
		return nil, err
	}
	if err := a.buildQueues(ctx); err != nil {
		return nil, err
	}
	a.buildIndexingDeps()

	return a, nil
}

func (a *App) buildStore(ctx context.Context) error {
	switch a.cfg.StateStore.Driver {
	case "postgres":
		store, err := postgres.New(ctx, postgres.Config{
			DSN:      a.cfg.StateStore.DSN,
			Table:    "url_records",
			MaxConns: int32(a.cfg.StateStore.MaxOpenConns),
			MinConns: int32(a.cfg.StateStore.MaxIdleConns),
		}, a.clock)
		if err != nil {
			return fmt.Errorf("connect state store: %w", err)
		}
		a.store = store
	default:
		a.store = memstore.New(a.clock)
	}
	return nil
}

func (a *App) buildGate() error {
	var limiterImpl ratelimit.Limiter
	switch a.cfg.RateLimit.Driver {
	case "redis":
		client := goredis.NewClient(&goredis.Options{Addr: a.cfg.RateLimit.RedisAddr})
		a.closers = append(a.closers, client.Close)
		limiterImpl = redislimiter.New(client, a.clock)
	default:
		limiterImpl = local.New()
	}

	robotsCache := robots.New(a.cfg.Crawler.UserAgent, time.Hour, time.Minute, a.clock, a.logger)
	a.gate = gate.New(gate.Config{
		DefaultQPS: a.cfg.RateLimit.DefaultQPS,
		Window:     10 * time.Second,
	}, robotsCache, limiterImpl)
	return nil
}

func (a *App) buildBlobs(ctx context.Context) error {
	switch a.cfg.Blobs.Driver {
	case "gcs":
		store, err := gcsblob.New(ctx, a.cfg.Blobs.GCSBucket, a.logger)
		if err != nil {
			return fmt.Errorf("connect blob store: %w", err)
		}
		a.blobs = store
	case "local":
		store, err := localblob.New(a.cfg.Blobs.LocalDir)
		if err != nil {
			return fmt.Errorf("open local blob store: %w", err)
		}
		a.blobs = store
	default:
		a.blobs = memblob.New()
	}
	return nil
}

func (a *App) buildQueues(ctx context.Context) error {
	if a.cfg.PubSub.Driver != "pubsub" {
		a.discoveryDLQ = memqueue.New(a.clock, 0, nil)
		a.discoveryQueue = memqueue.New(a.clock, queue.DiscoveryVisibilityTimeoutSeconds*time.Second, a.discoveryDLQ)
		a.crawlDLQ = memqueue.New(a.clock, 0, nil)
		a.crawlQueue = memqueue.New(a.clock, queue.CrawlVisibilityTimeoutSeconds*time.Second, a.crawlDLQ)
		a.indexDLQ = memqueue.New(a.clock, 0, nil)
		a.indexQueue = memqueue.New(a.clock, queue.IndexVisibilityTimeoutSeconds*time.Second, a.indexDLQ)
		return nil
	}

	client, err := gcpubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return fmt.Errorf("connect pubsub client: %w", err)
	}
	a.closers = append(a.closers, client.Close)

	build := func(topic, sub string) (queue.Provider, error) {
		return pubsubqueue.New(ctx, client, topic, sub)
	}
	suffix := a.cfg.PubSub.DeadLetterTopicSuffix

	var buildErr error
	mustBuild := func(topic, sub string) queue.Provider {
		if buildErr != nil {
			return nil
		}
		q, err := build(topic, sub)
		if err != nil {
			buildErr = err
			return nil
		}
		return q
	}

	a.discoveryQueue = mustBuild(a.cfg.PubSub.DiscoveryTopic, a.cfg.PubSub.DiscoverySub)
	a.discoveryDLQ = mustBuild(a.cfg.PubSub.DiscoveryTopic+suffix, a.cfg.PubSub.DiscoverySub+suffix)
	a.crawlQueue = mustBuild(a.cfg.PubSub.CrawlTopic, a.cfg.PubSub.CrawlSub)
	a.crawlDLQ = mustBuild(a.cfg.PubSub.CrawlTopic+suffix, a.cfg.PubSub.CrawlSub+suffix)
	a.indexQueue = mustBuild(a.cfg.PubSub.IndexTopic, a.cfg.PubSub.IndexSub)
	a.indexDLQ = mustBuild(a.cfg.PubSub.IndexTopic+suffix, a.cfg.PubSub.IndexSub+suffix)
	if buildErr != nil {
		return fmt.Errorf("connect pubsub queues: %w", buildErr)
	}
	return nil
}

func (a *App) buildIndexingDeps() {
	a.embedder = embedding.New(embedding.Config{
		Endpoint:  a.cfg.Embedding.Endpoint,
		Model:     a.cfg.Embedding.Model,
		APIKey:    a.cfg.Embedding.APIKey,
		Timeout:   30 * time.Second,
		BatchSize: a.cfg.Embedding.BatchSize,
	})
	a.index = searchindex.New(searchindex.Config{
		Endpoint:  a.cfg.SearchIndex.Endpoint,
		IndexName: a.cfg.SearchIndex.IndexName,
		Username:  a.cfg.SearchIndex.Username,
		Password:  a.cfg.SearchIndex.Password,
		Timeout:   30 * time.Second,
	})
}

// newFetcher builds the crawler's HTTP fetcher. Broken out so tests could
// substitute a different Fetcher without touching the rest of the wiring.
func newFetcher() *collyfetcher.Fetcher {
	return collyfetcher.New()
}

// newOutlinkExtractor builds the crawler's outlink extractor.
func newOutlinkExtractor() *goquerylinks.Extractor {
	return goquerylinks.New()
}

// adminServer builds the health/readiness/metrics HTTP server every worker
// binary runs alongside its queue loop.
func (a *App) adminServer() *adminserver.Server {
	return adminserver.New(a.logger)
}

// Close releases every resource opened while wiring the App, in reverse
// order, returning the first error encountered.
func (a *App) Close() error {
	var firstErr error
	closeAll := func(providers ...queue.Provider) {
		for _, p := range providers {
			if p == nil {
				continue
			}
			if err := p.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	closeAll(a.discoveryQueue, a.discoveryDLQ, a.crawlQueue, a.crawlDLQ, a.indexQueue, a.indexDLQ)

	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if syncErr := a.logger.Sync(); syncErr != nil && firstErr == nil {
		// Sync commonly fails on stdout/stderr when not a real file; not
		// worth surfacing as the command's exit error.
		_ = syncErr
	}
	return firstErr
}
