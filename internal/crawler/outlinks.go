package crawler

import (
	"context"

	"go.uber.org/zap"

	"github.com/crawlkit/core/internal/queue"
	"github.com/crawlkit/core/internal/urlnorm"
)

// handleOutlinks extracts
// hyperlink targets, then for same-domain links idempotently insert pending
// records and crawl messages directly, while cross-domain links are
// coalesced to one discovery message per domain per page, per the resolved
// open question that keeps per-domain backpressure centralized for domains
// the fleet hasn't already seen.
func (w *Worker) handleOutlinks(ctx context.Context, msg queue.CrawlMessage, body []byte) {
	if w.outlinks == nil {
		return
	}

	links, err := w.outlinks.Extract(msg.URL, body)
	if err != nil {
		w.logger.Debug("crawler: outlink extraction failed", zap.String("url", msg.URL), zap.Error(err))
		return
	}

	seenDomains := make(map[string]bool)
	emitted := 0
	for _, link := range links {
		if emitted >= w.cfg.MaxOutlinksPerPage {
			break
		}
		canonical, err := urlnorm.Normalize(link)
		if err != nil {
			continue
		}
		domain, err := urlnorm.RegistrableDomain(canonical)
		if err != nil {
			continue
		}

		if domain == msg.Domain {
			if err := w.enqueueSameDomainOutlink(ctx, canonical, domain); err != nil {
				w.logger.Debug("crawler: same-domain outlink enqueue failed", zap.String("url", canonical), zap.Error(err))
				continue
			}
		} else {
			if seenDomains[domain] {
				continue
			}
			seenDomains[domain] = true
			if err := w.enqueueDiscoveryOutlink(ctx, domain); err != nil {
				w.logger.Debug("crawler: discovery outlink enqueue failed", zap.String("domain", domain), zap.Error(err))
				continue
			}
		}
		emitted++
	}
}

func (w *Worker) enqueueSameDomainOutlink(ctx context.Context, canonical, domain string) error {
	urlHash := urlnorm.Hash(canonical)
	inserted, err := w.store.InsertPending(ctx, urlHash, canonical, domain)
	if err != nil {
		return err
	}
	if !inserted {
		return nil
	}

	body, err := queue.EncodeCrawl(queue.CrawlMessage{
		URL:        canonical,
		Domain:     domain,
		URLHash:    urlHash,
		EnqueuedAt: w.clock.Now(),
	})
	if err != nil {
		return err
	}
	return w.crawlQueue.Publish(ctx, body)
}

func (w *Worker) enqueueDiscoveryOutlink(ctx context.Context, domain string) error {
	body, err := queue.EncodeDiscovery(queue.DiscoveryMessage{Domain: domain, Source: "outlink"})
	if err != nil {
		return err
	}
	return w.discoveryQueue.Publish(ctx, body)
}
