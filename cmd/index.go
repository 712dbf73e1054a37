package cmd

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/crawlkit/core/internal/indexer"
)

func newIndexCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "index",
		Short: "Run the Indexer Worker.",
		Long: `index consumes the index queue: loads a crawled page's
content, chunks it, generates embeddings, and bulk-upserts document and
chunk records into the search index. On startup it negotiates the
embedding dimension against the index mapping and refuses to start on a
mismatch.`,
		RunE: runIndexCommand,
	}
}

func runIndexCommand(c *cobra.Command, _ []string) error {
	app, err := appFromContext(c.Context())
	if err != nil {
		return err
	}

	worker := indexer.New(indexer.Config{
		ChunkSize:        app.cfg.Indexer.ChunkSize,
		ChunkOverlap:     app.cfg.Indexer.ChunkOverlap,
		BulkBatchSize:    app.cfg.Indexer.BulkBatchSize,
		EmbedConcurrency: int64(app.cfg.Indexer.EmbedConcurrency),
		Concurrency:      app.cfg.Indexer.Concurrency,
		DrainTimeout:     app.cfg.Indexer.DrainTimeout(),
	}, indexer.Deps{
		Blobs:      app.blobs,
		Embedder:   app.embedder,
		Index:      app.index,
		IndexQueue: app.indexQueue,
		IndexDLQ:   app.indexDLQ,
		Clock:      app.clock,
		Logger:     app.logger,
	})

	if err := worker.Prepare(c.Context()); err != nil {
		return fmt.Errorf("index: startup dimension negotiation failed: %w", err)
	}

	admin := app.adminServer()
	srv := &http.Server{Addr: adminAddr(app), Handler: admin.Handler()}
	go serveAdmin(c.Context(), srv, app.logger)

	worker.Run(c.Context())
	app.logger.Info("index: stopped")
	return nil
}
