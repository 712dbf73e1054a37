package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
)

const shutdownGrace = 10 * time.Second

func adminAddr(app *App) string {
	return fmt.Sprintf(":%d", app.cfg.Admin.Port)
}

// serveAdmin runs srv until ctx is canceled, then shuts it down gracefully.
// Every worker subcommand starts one admin server alongside its queue loop.
func serveAdmin(ctx context.Context, srv *http.Server, logger *zap.Logger) {
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("admin: graceful shutdown failed", zap.Error(err))
		}
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Warn("admin: server exited", zap.Error(err))
	}
}
