package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/crawlkit/core/internal/queue"
)

func newSeedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "seed [domain...]",
		Short: "Publish one or more domains to the discovery queue.",
		Long: `seed is the operator's entry point into the pipeline: it
publishes a discovery message per domain argument, which a discover
worker then picks up to resolve robots.txt, walk sitemaps, and enqueue
crawl messages. It does not touch the state store directly.`,
		Args: cobra.MinimumNArgs(1),
		RunE: runSeedCommand,
	}
}

func runSeedCommand(c *cobra.Command, domains []string) error {
	app, err := appFromContext(c.Context())
	if err != nil {
		return err
	}

	for _, domain := range domains {
		body, err := queue.EncodeDiscovery(queue.DiscoveryMessage{Domain: domain, Source: "seed"})
		if err != nil {
			return fmt.Errorf("seed: encode discovery message for %q: %w", domain, err)
		}
		if err := app.discoveryQueue.Publish(c.Context(), body); err != nil {
			return fmt.Errorf("seed: publish discovery message for %q: %w", domain, err)
		}
		app.logger.Info("seed: published domain", zap.String("domain", domain))
	}
	return nil
}
