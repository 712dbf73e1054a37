package cmd

import (
	"net/http"

	"github.com/spf13/cobra"

	"github.com/crawlkit/core/internal/reconciler"
)

func newReconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Run the lease-reclaim scan standalone.",
		Long: `reconcile periodically scans the state store's
lease_expires_at index and moves expired in_progress records back to
pending, so a crashed crawler's lock is eventually reclaimed by another.
Safe to run alongside any number of crawl/index/discover workers.`,
		RunE: runReconcileCommand,
	}
}

func runReconcileCommand(c *cobra.Command, _ []string) error {
	app, err := appFromContext(c.Context())
	if err != nil {
		return err
	}

	r := reconciler.New(app.store, reconciler.DefaultConfig(), app.logger)

	admin := app.adminServer()
	srv := &http.Server{Addr: adminAddr(app), Handler: admin.Handler()}
	go serveAdmin(c.Context(), srv, app.logger)

	r.Run(c.Context())
	app.logger.Info("reconcile: stopped")
	return nil
}
