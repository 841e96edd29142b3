// Package jobs holds the background maintenance tasks the server runs
// alongside request handling.
package jobs

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/dukerupert/kurv/internal/storage"
)

// Cleanup periodically deletes abandoned carts: records whose last write
// is older than the configured cutoff. Backends that expire records on
// their own (Redis TTLs) don't implement the purge hook, in which case
// the job disables itself.
type Cleanup struct {
	store     storage.Store
	olderThan time.Duration
	interval  time.Duration
	logger    *slog.Logger
}

// NewCleanup builds the janitor. olderThan is the abandonment cutoff,
// interval how often to sweep.
func NewCleanup(store storage.Store, olderThan, interval time.Duration, logger *slog.Logger) *Cleanup {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cleanup{
		store:     store,
		olderThan: olderThan,
		interval:  interval,
		logger:    logger,
	}
}

// Run sweeps on a ticker until the context is cancelled. It returns
// immediately when the backend cannot purge.
func (c *Cleanup) Run(ctx context.Context) {
	if _, ok := c.store.(storage.Purger); !ok {
		c.logger.Info("cart cleanup disabled: storage backend manages expiry itself")
		return
	}

	c.logger.Info("cart cleanup started",
		"older_than", c.olderThan.String(),
		"interval", c.interval.String(),
	)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("cart cleanup stopped")
			return
		case <-ticker.C:
			if err := c.sweep(ctx); err != nil {
				c.logger.Error("cart cleanup sweep failed", "error", err)
			}
		}
	}
}

// sweep runs one purge pass.
func (c *Cleanup) sweep(ctx context.Context) error {
	purger, ok := c.store.(storage.Purger)
	if !ok {
		return storage.ErrUnsupported
	}

	purged, err := purger.PurgeInactive(ctx, c.olderThan)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}

	if purged > 0 {
		c.logger.Info("purged abandoned carts", "count", purged)
	}
	return nil
}
