// Package gate fuses robots evaluation and sliding-window QPS control
// behind a single interface: every crawl
// consults the gate once before fetching.
package gate

import (
	"context"
	"fmt"
	"time"

	"github.com/crawlkit/core/internal/gate/ratelimit"
	"github.com/crawlkit/core/internal/gate/robots"
)

// Config bounds the effective QPS computation: effective =
// min(PerDomainQPS[domain] if set, DefaultQPS, 1/crawl_delay).
type Config struct {
	DefaultQPS    float64
	PerDomainQPS  map[string]float64
	Window        time.Duration
	RobotsTTL     time.Duration
	RobotsFailTTL time.Duration
}

// Gate is the fused politeness and rate gate every crawl consults before
// fetching.
type Gate struct {
	cfg     Config
	robots  *robots.Cache
	limiter ratelimit.Limiter
}

// New constructs a Gate from its robots cache and rate limiter backend.
func New(cfg Config, robotsCache *robots.Cache, limiter ratelimit.Limiter) *Gate {
	return &Gate{cfg: cfg, robots: robotsCache, limiter: limiter}
}

// IsAllowed reports whether rawURL passes the cached robots.txt policy for
// its host.
func (g *Gate) IsAllowed(ctx context.Context, rawURL string) (bool, error) {
	return g.robots.IsAllowed(ctx, rawURL)
}

// Sitemaps returns the sitemap URLs discovered for domain's robots.txt.
func (g *Gate) Sitemaps(ctx context.Context, domain string) ([]string, error) {
	return g.robots.Sitemaps(ctx, domain)
}

// AcquireSlot checks the sliding-window QPS ceiling for domain, folding in
// any robots-declared Crawl-delay in the effective-QPS formula.
func (g *Gate) AcquireSlot(ctx context.Context, domain string) (ratelimit.Decision, error) {
	qps := g.cfg.DefaultQPS
	if per, ok := g.cfg.PerDomainQPS[domain]; ok && per > 0 && per < qps {
		qps = per
	}

	crawlDelay, err := g.robots.CrawlDelay(ctx, domain)
	if err != nil {
		return ratelimit.Decision{}, fmt.Errorf("gate: acquireslot: %w", err)
	}
	if crawlDelay > 0 {
		if delayQPS := 1 / crawlDelay.Seconds(); delayQPS < qps {
			qps = delayQPS
		}
	}

	return g.limiter.AcquireSlot(ctx, domain, qps, g.cfg.Window)
}
