package cmd

import (
	"net/http"

	"github.com/spf13/cobra"

	"github.com/crawlkit/core/internal/discovery"
)

func newDiscoverCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "discover",
		Short: "Run the Discovery Coordinator worker.",
		Long: `discover consumes the discovery queue: for each domain it
resolves robots.txt, walks sitemaps, and idempotently enqueues new crawl
messages, subject to crawl-queue backpressure.`,
		RunE: runDiscoverCommand,
	}
}

func runDiscoverCommand(c *cobra.Command, _ []string) error {
	app, err := appFromContext(c.Context())
	if err != nil {
		return err
	}

	coordinator := discovery.New(app.gate, app.store, app.crawlQueue, app.logger, discovery.Config{
		UserAgent:              app.cfg.Crawler.UserAgent,
		MaxSitemapDepth:        3,
		MaxURLsPerDomain:       50000,
		CrawlQueueDepthCeiling: 0,
	})

	admin := app.adminServer()
	srv := &http.Server{Addr: adminAddr(app), Handler: admin.Handler()}
	go serveAdmin(c.Context(), srv, app.logger)

	coordinator.Run(c.Context(), app.discoveryQueue, app.cfg.Crawler.Concurrency, app.cfg.Crawler.DrainTimeout())
	app.logger.Info("discover: stopped")
	return nil
}
