// Package robots caches per-domain robots.txt policies using
// temoto/robotstxt behind a permissive-on-failure, mutex-guarded host cache,
// adding TTL expiry, Crawl-delay extraction, and discovered-sitemap
// exposure for the politeness gate.
package robots

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/temoto/robotstxt"
	"go.uber.org/zap"

	"github.com/crawlkit/core/internal/clock"
)

// Policy is a cached robots.txt evaluation result for one domain.
type Policy struct {
	data       *robotstxt.RobotsData
	CrawlDelay time.Duration
	Sitemaps   []string
	Permissive bool
	ExpiresAt  time.Time
}

// Cache fetches, parses, and TTL-caches robots.txt policies per host.
type Cache struct {
	client     *http.Client
	userAgent  string
	ttl        time.Duration
	failureTTL time.Duration
	clock      clock.Clock
	logger     *zap.Logger

	mu      sync.Mutex
	entries map[string]Policy
}

// New constructs a Cache. ttl governs a successfully-fetched policy's
// lifetime; failureTTL governs the short-lived permissive default cached
// after a fetch error, to avoid stampeding an unreachable host.
func New(userAgent string, ttl, failureTTL time.Duration, clk clock.Clock, logger *zap.Logger) *Cache {
	return &Cache{
		client:     &http.Client{Timeout: 10 * time.Second},
		userAgent:  userAgent,
		ttl:        ttl,
		failureTTL: failureTTL,
		clock:      clk,
		logger:     logger,
		entries:    make(map[string]Policy),
	}
}

// IsAllowed reports whether rawURL may be fetched under the cached policy
// for its host, loading and caching that policy first if necessary.
func (c *Cache) IsAllowed(ctx context.Context, rawURL string) (bool, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return false, fmt.Errorf("robots: parse url: %w", err)
	}
	policy, err := c.policyFor(ctx, parsed)
	if err != nil {
		return true, nil
	}
	if policy.Permissive || policy.data == nil {
		return true, nil
	}
	group := policy.data.FindGroup(c.userAgent)
	if group == nil {
		return true, nil
	}
	return group.Test(parsed.Path), nil
}

// CrawlDelay returns the Crawl-delay directive declared for domain's host,
// or zero if none was declared, loading the policy first if necessary.
func (c *Cache) CrawlDelay(ctx context.Context, domain string) (time.Duration, error) {
	parsed := &url.URL{Scheme: "https", Host: domain}
	policy, err := c.policyFor(ctx, parsed)
	if err != nil {
		return 0, err
	}
	return policy.CrawlDelay, nil
}

// Sitemaps returns the sitemap URLs discovered for domain's host, loading
// the policy first if necessary. Used by the discovery coordinator to seed
// its enumeration.
func (c *Cache) Sitemaps(ctx context.Context, domain string) ([]string, error) {
	parsed := &url.URL{Scheme: "https", Host: domain}
	policy, err := c.policyFor(ctx, parsed)
	if err != nil {
		return nil, err
	}
	return policy.Sitemaps, nil
}

func (c *Cache) policyFor(ctx context.Context, parsed *url.URL) (Policy, error) {
	hostKey := strings.ToLower(parsed.Host)

	c.mu.Lock()
	if cached, ok := c.entries[hostKey]; ok && c.clock.Now().Before(cached.ExpiresAt) {
		c.mu.Unlock()
		return cached, nil
	}
	c.mu.Unlock()

	policy, err := c.fetch(ctx, parsed)
	if err != nil {
		c.logger.Warn("robots fetch failed; caching permissive default",
			zap.String("host", hostKey), zap.Error(err))
		policy = Policy{Permissive: true, ExpiresAt: c.clock.Now().Add(c.failureTTL)}
	}

	c.mu.Lock()
	c.entries[hostKey] = policy
	c.mu.Unlock()
	return policy, nil
}

func (c *Cache) fetch(ctx context.Context, parsed *url.URL) (Policy, error) {
	robotsURL := *parsed
	robotsURL.Path = path.Join("/", "robots.txt")
	robotsURL.RawQuery = ""
	robotsURL.Fragment = ""

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL.String(), nil)
	if err != nil {
		return Policy{}, fmt.Errorf("robots: new request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.client.Do(req)
	if err != nil {
		return Policy{}, fmt.Errorf("robots: fetch: %w", err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			c.logger.Debug("robots: close response body failed", zap.Error(cerr))
		}
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Policy{}, fmt.Errorf("robots: read body: %w", err)
	}
	data, err := robotstxt.FromStatusAndBytes(resp.StatusCode, body)
	if err != nil {
		return Policy{}, fmt.Errorf("robots: parse: %w", err)
	}

	policy := Policy{
		data:      data,
		Sitemaps:  append([]string(nil), data.Sitemaps...),
		ExpiresAt: c.clock.Now().Add(c.ttl),
	}
	if group := data.FindGroup(c.userAgent); group != nil {
		policy.CrawlDelay = group.CrawlDelay
	}
	return policy, nil
}
