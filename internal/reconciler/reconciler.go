// Package reconciler runs the state store's lease-reclaim scan on a
// fixed interval: the background pass that moves expired in_progress
// records back to pending so a crashed worker's lock is eventually
// reclaimed by another ("P2: liveness after crash").
package reconciler

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/crawlkit/core/internal/statestore"
)

// Config bounds one reconciler pass.
type Config struct {
	Interval  time.Duration
	BatchSize int
}

// DefaultConfig scans every 30s in batches of 100.
func DefaultConfig() Config {
	return Config{Interval: 30 * time.Second, BatchSize: 100}
}

// Reconciler periodically calls Store.ReclaimExpired.
type Reconciler struct {
	store  statestore.Store
	cfg    Config
	logger *zap.Logger
}

// New constructs a Reconciler.
func New(store statestore.Store, cfg Config, logger *zap.Logger) *Reconciler {
	return &Reconciler{store: store, cfg: cfg, logger: logger}
}

// Run loops on Config.Interval until ctx is canceled, logging how many
// records each pass reclaimed.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.runOnce(ctx)
		}
	}
}

func (r *Reconciler) runOnce(ctx context.Context) {
	n, err := r.store.ReclaimExpired(ctx, r.cfg.BatchSize)
	if err != nil {
		r.logger.Warn("reconciler: reclaim pass failed", zap.Error(err))
		return
	}
	if n > 0 {
		r.logger.Info("reconciler: reclaimed expired leases", zap.Int("count", n))
	}
}
