package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var cfgFile string

// appKeyType is the context key the App instance travels under between
// PersistentPreRunE and each subcommand's RunE.
type appKeyType string

const appKey appKeyType = "app"

// newRootCmd builds the cobra root command. PersistentPreRunE wires the
// App once config is known and before any subcommand runs; PersistentPostRun
// releases it regardless of which subcommand ran or how it exited.
func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "crawlkit",
		Short: "Distributed crawl and search-indexing pipeline workers.",
		Long: `crawlkit runs the discovery, crawl, and index stages of a
distributed web-crawling pipeline. Each subcommand runs one worker role's
cooperative event loop against the shared queue, state store, and index
backends named in the config file.`,

		PersistentPreRunE: func(c *cobra.Command, _ []string) error {
			app, err := newApp(c.Context(), cfgFile)
			if err != nil {
				return fmt.Errorf("initialize app: %w", err)
			}
			c.SetContext(context.WithValue(c.Context(), appKey, app))
			return nil
		},
		PersistentPostRun: func(c *cobra.Command, _ []string) {
			if app, ok := c.Context().Value(appKey).(*App); ok && app != nil {
				if err := app.Close(); err != nil {
					app.logger.Warn("shutdown: close app failed", zap.Error(err))
				}
			}
		},
	}

	root.PersistentFlags().StringVar(&cfgFile, "config", "", "path to config file (env vars are read regardless)")

	root.AddCommand(newDiscoverCmd())
	root.AddCommand(newCrawlCmd())
	root.AddCommand(newIndexCmd())
	root.AddCommand(newReconcileCmd())
	root.AddCommand(newSeedCmd())

	return root
}

// Execute runs the root command against ctx, which should already carry
// signal-triggered cancellation so Run loops drain cleanly on SIGINT/SIGTERM.
func Execute(ctx context.Context) error {
	return newRootCmd().ExecuteContext(ctx)
}

func appFromContext(ctx context.Context) (*App, error) {
	app, ok := ctx.Value(appKey).(*App)
	if !ok || app == nil {
		return nil, fmt.Errorf("cmd: app not initialized")
	}
	return app, nil
}
