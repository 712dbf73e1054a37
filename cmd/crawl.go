package cmd

import (
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/crawlkit/core/internal/crawler"
)

func newCrawlCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "crawl",
		Short: "Run the Crawler Worker.",
		Long: `crawl consumes the crawl queue: locks a URL, consults the
politeness gate, fetches the page, persists raw content, and emits an
index-ready message, following a lock/gate/fetch/persist/ack pipeline.`,
		RunE: runCrawlCommand,
	}
}

func runCrawlCommand(c *cobra.Command, _ []string) error {
	app, err := appFromContext(c.Context())
	if err != nil {
		return err
	}

	cfg := crawler.Config{
		OwnerID:            app.ownerID,
		UserAgent:          app.cfg.Crawler.UserAgent,
		LeaseDuration:      app.cfg.Crawler.LeaseDuration(),
		LeaseRenewInterval: app.cfg.Crawler.LeaseRenewInterval(),
		FetchTimeout:       app.cfg.Crawler.FetchTimeout(),
		MaxRedirects:       app.cfg.Crawler.MaxRedirects,
		MaxBodyBytes:       app.cfg.Crawler.MaxBodyBytes,
		RateWaitThreshold:  5 * time.Second,
		MaxOutlinksPerPage: app.cfg.Crawler.MaxOutlinksPerPage,
		Concurrency:        app.cfg.Crawler.Concurrency,
		DrainTimeout:       app.cfg.Crawler.DrainTimeout(),
	}

	worker := crawler.New(cfg, crawler.Deps{
		Gate:           app.gate,
		Store:          app.store,
		Fetcher:        newFetcher(),
		Outlinks:       newOutlinkExtractor(),
		Blobs:          app.blobs,
		CrawlQueue:     app.crawlQueue,
		CrawlDLQ:       app.crawlDLQ,
		DiscoveryQueue: app.discoveryQueue,
		IndexQueue:     app.indexQueue,
		Clock:          app.clock,
		Logger:         app.logger,
	})

	admin := app.adminServer()
	srv := &http.Server{Addr: adminAddr(app), Handler: admin.Handler()}
	go serveAdmin(c.Context(), srv, app.logger)

	worker.Run(c.Context())
	app.logger.Info("crawl: stopped")
	return nil
}
