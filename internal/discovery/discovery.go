// Package discovery implements the Discovery Coordinator: per-domain
// sitemap enumeration, idempotent pending-record insertion, and
// crawl-queue publication, following a consume-process-ack loop fed from
// the discovery queue.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/antchfx/xmlquery"
	"go.uber.org/zap"

	"github.com/crawlkit/core/internal/gate"
	"github.com/crawlkit/core/internal/metrics"
	"github.com/crawlkit/core/internal/queue"
	"github.com/crawlkit/core/internal/statestore"
	"github.com/crawlkit/core/internal/urlnorm"
	"github.com/crawlkit/core/internal/workerpool"
)

// ErrBackpressure is returned when the crawl queue's approximate depth
// exceeds Config.CrawlQueueDepthCeiling; the caller should return the
// discovery message to visibility rather than ack it.
var ErrBackpressure = errors.New("discovery: crawl queue depth exceeds ceiling")

// Config bounds the Discovery Coordinator's sitemap walk.
type Config struct {
	UserAgent              string
	MaxSitemapDepth        int
	MaxURLsPerDomain       int
	CrawlQueueDepthCeiling int
}

// DefaultConfig returns reasonable bounds (depth 3, no explicit per-domain
// URL cap beyond a generous default, no backpressure ceiling).
func DefaultConfig(userAgent string) Config {
	return Config{
		UserAgent:              userAgent,
		MaxSitemapDepth:        3,
		MaxURLsPerDomain:       50000,
		CrawlQueueDepthCeiling: 0,
	}
}

// depthProber is implemented by queue.Provider backends that can report an
// approximate depth (memqueue.Queue does); others skip the backpressure
// check.
type depthProber interface {
	ApproxDepth() int
}

// sitemapSource is the slice of gate.Gate the Coordinator depends on,
// satisfied by *gate.Gate and fakeable in tests.
type sitemapSource interface {
	Sitemaps(ctx context.Context, domain string) ([]string, error)
}

// Coordinator is the Discovery Coordinator.
type Coordinator struct {
	gate       sitemapSource
	store      statestore.Store
	crawlQueue queue.Provider
	httpClient *http.Client
	logger     *zap.Logger
	cfg        Config
}

// New constructs a Coordinator.
func New(g *gate.Gate, store statestore.Store, crawlQueue queue.Provider, logger *zap.Logger, cfg Config) *Coordinator {
	return &Coordinator{
		gate:       g,
		store:      store,
		crawlQueue: crawlQueue,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		logger:     logger,
		cfg:        cfg,
	}
}

// Run drives the cooperative event loop: concurrency goroutines poll the
// discovery queue and process messages until ctx is canceled, then drain
// in-flight work up to drainTimeout. Mirrors the Crawler Worker's Run.
func (c *Coordinator) Run(ctx context.Context, discoveryQueue queue.Provider, concurrency int, drainTimeout time.Duration) {
	metrics.SetActiveWorkers("discovery", concurrency)
	defer metrics.SetActiveWorkers("discovery", 0)

	pool := workerpool.New(concurrency, drainTimeout)
	pool.Run(ctx, func(pollCtx context.Context) (workerpool.Task, error) {
		d, err := discoveryQueue.Receive(pollCtx)
		if err != nil {
			return nil, err
		}
		return func(taskCtx context.Context) {
			c.handleDelivery(taskCtx, discoveryQueue, d)
		}, nil
	})
}

func (c *Coordinator) handleDelivery(ctx context.Context, discoveryQueue queue.Provider, d queue.Delivery) {
	msg, err := queue.DecodeDiscovery(d.Body)
	if err != nil {
		c.logger.Warn("discovery: decode message failed, dropping", zap.Error(err))
		if ackErr := discoveryQueue.Ack(ctx, d.ReceiptHandle); ackErr != nil {
			c.logger.Warn("discovery: ack undecodable message failed", zap.Error(ackErr))
		}
		return
	}

	if err := c.ProcessMessage(ctx, msg); err != nil {
		c.logger.Warn("discovery: process message failed", zap.String("domain", msg.Domain), zap.Error(err))
		if nackErr := discoveryQueue.Nack(ctx, d.ReceiptHandle); nackErr != nil {
			c.logger.Warn("discovery: nack failed", zap.String("domain", msg.Domain), zap.Error(nackErr))
		}
		return
	}

	if ackErr := discoveryQueue.Ack(ctx, d.ReceiptHandle); ackErr != nil {
		c.logger.Warn("discovery: ack failed", zap.String("domain", msg.Domain), zap.Error(ackErr))
	}
}

// ProcessMessage implements the per-domain sitemap walk and enqueue pass.
func (c *Coordinator) ProcessMessage(ctx context.Context, msg queue.DiscoveryMessage) error {
	if prober, ok := c.crawlQueue.(depthProber); ok && c.cfg.CrawlQueueDepthCeiling > 0 {
		if prober.ApproxDepth() > c.cfg.CrawlQueueDepthCeiling {
			return ErrBackpressure
		}
	}

	sitemaps, err := c.gate.Sitemaps(ctx, msg.Domain)
	if err != nil {
		c.logger.Warn("discovery: sitemap lookup failed", zap.String("domain", msg.Domain), zap.Error(err))
	}
	if len(sitemaps) == 0 {
		sitemaps = []string{fmt.Sprintf("https://%s/sitemap.xml", msg.Domain)}
	}

	seen := make(map[string]bool)
	var pageURLs []string
	for _, sm := range sitemaps {
		c.walkSitemap(ctx, sm, 0, seen, &pageURLs)
		if len(pageURLs) >= c.cfg.MaxURLsPerDomain {
			break
		}
	}
	if len(pageURLs) > c.cfg.MaxURLsPerDomain {
		pageURLs = pageURLs[:c.cfg.MaxURLsPerDomain]
	}

	inserted := 0
	for _, raw := range pageURLs {
		if err := c.enqueueIfNew(ctx, raw); err != nil {
			c.logger.Warn("discovery: enqueue failed", zap.String("url", raw), zap.Error(err))
			continue
		}
		inserted++
	}

	c.logger.Info("discovery: pass complete",
		zap.String("domain", msg.Domain),
		zap.Int("sitemaps", len(sitemaps)),
		zap.Int("candidate_urls", len(pageURLs)),
		zap.Int("newly_enqueued", inserted),
	)
	return nil
}

func (c *Coordinator) enqueueIfNew(ctx context.Context, rawURL string) error {
	canonical, err := urlnorm.Normalize(rawURL)
	if err != nil {
		return fmt.Errorf("normalize: %w", err)
	}
	urlHash := urlnorm.Hash(canonical)
	domain, err := urlnorm.RegistrableDomain(canonical)
	if err != nil {
		return fmt.Errorf("registrable domain: %w", err)
	}

	inserted, err := c.store.InsertPending(ctx, urlHash, canonical, domain)
	if err != nil {
		return fmt.Errorf("insert pending: %w", err)
	}
	if !inserted {
		return nil
	}

	body, err := queue.EncodeCrawl(queue.CrawlMessage{
		URL:        canonical,
		Domain:     domain,
		URLHash:    urlHash,
		Priority:   0,
		Attempt:    0,
		EnqueuedAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("encode crawl message: %w", err)
	}
	if err := c.crawlQueue.Publish(ctx, body); err != nil {
		return fmt.Errorf("publish crawl message: %w", err)
	}
	return nil
}

// walkSitemap fetches and parses sitemapURL, recursing into nested sitemap
// indices up to Config.MaxSitemapDepth and appending discovered page URLs
// to pageURLs. A fetch or parse failure is logged and treated as
// non-fatal: one domain's sitemap errors should not block others.
func (c *Coordinator) walkSitemap(ctx context.Context, sitemapURL string, depth int, seen map[string]bool, pageURLs *[]string) {
	if depth > c.cfg.MaxSitemapDepth || seen[sitemapURL] || len(*pageURLs) >= c.cfg.MaxURLsPerDomain {
		return
	}
	seen[sitemapURL] = true

	doc, err := c.fetchXML(ctx, sitemapURL)
	if err != nil {
		c.logger.Warn("discovery: sitemap fetch failed", zap.String("url", sitemapURL), zap.Error(err))
		return
	}

	if index := xmlquery.FindOne(doc, "//sitemapindex"); index != nil {
		for _, loc := range xmlquery.Find(doc, "//sitemapindex/sitemap/loc") {
			c.walkSitemap(ctx, loc.InnerText(), depth+1, seen, pageURLs)
			if len(*pageURLs) >= c.cfg.MaxURLsPerDomain {
				return
			}
		}
		return
	}

	for _, loc := range xmlquery.Find(doc, "//urlset/url/loc") {
		if len(*pageURLs) >= c.cfg.MaxURLsPerDomain {
			return
		}
		*pageURLs = append(*pageURLs, loc.InnerText())
	}
}

func (c *Coordinator) fetchXML(ctx context.Context, rawURL string) (*xmlquery.Node, error) {
	if _, err := url.Parse(rawURL); err != nil {
		return nil, fmt.Errorf("parse sitemap url: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("User-Agent", c.cfg.UserAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch: %w", err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			c.logger.Debug("discovery: close sitemap response body failed", zap.Error(cerr))
		}
	}()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	doc, err := xmlquery.Parse(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return nil, fmt.Errorf("parse xml: %w", err)
	}
	return doc, nil
}
