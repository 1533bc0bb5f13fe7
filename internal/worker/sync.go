package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ecobuddy-backend/internal/config"
	"github.com/ecobuddy-backend/internal/postgres"
	"github.com/ecobuddy-backend/internal/redis"
)

// SyncWorker periodically reloads the Redis ranking mirror from Postgres.
// Postgres is written transactionally first on every purchase, so the
// mirror can only lag, never lead; reconciliation is one-directional.
type SyncWorker struct {
	mirror  *redis.Mirror
	store   *postgres.Store
	config  *config.SyncConfig
	logger  *slog.Logger
	stopCh  chan struct{}
	doneCh  chan struct{}
	mu      sync.Mutex
	running bool
}

// NewSyncWorker creates a new sync worker
func NewSyncWorker(
	mirror *redis.Mirror,
	store *postgres.Store,
	cfg *config.SyncConfig,
	logger *slog.Logger,
) *SyncWorker {
	return &SyncWorker{
		mirror: mirror,
		store:  store,
		config: cfg,
		logger: logger,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start begins the background sync process
func (w *SyncWorker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	w.logger.Info("sync worker started", "interval", w.config.Interval)

	go w.run(ctx)
	return nil
}

// Stop stops the background sync process
func (w *SyncWorker) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.mu.Unlock()

	close(w.stopCh)
	<-w.doneCh

	w.mu.Lock()
	w.running = false
	w.mu.Unlock()

	w.logger.Info("sync worker stopped")
	return nil
}

// run is the main worker loop
func (w *SyncWorker) run(ctx context.Context) {
	defer close(w.doneCh)

	ticker := time.NewTicker(w.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			if err := w.SyncMirror(ctx); err != nil {
				w.logger.Error("sync cycle failed", "error", err)
			}
		}
	}
}

// SyncMirror reloads every leaderboard entry from Postgres into the Redis
// mirror, in batches. Also used at startup for recovery.
func (w *SyncWorker) SyncMirror(ctx context.Context) error {
	startTime := time.Now()

	entries, err := w.store.AllEntries(ctx)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		w.logger.Debug("no leaderboard entries to sync")
		return nil
	}

	batchSize := w.config.BatchSize
	if batchSize == 0 {
		batchSize = 1000
	}

	for start := 0; start < len(entries); start += batchSize {
		end := start + batchSize
		if end > len(entries) {
			end = len(entries)
		}
		if err := w.mirror.BatchSetTotals(ctx, entries[start:end]); err != nil {
			return err
		}
	}

	w.logger.Info("mirror sync completed",
		"duration", time.Since(startTime),
		"entries", len(entries),
	)
	return nil
}

// IsRunning returns whether the worker is currently running
func (w *SyncWorker) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// RunOnce runs a single sync cycle (useful for manual triggers)
func (w *SyncWorker) RunOnce(ctx context.Context) error {
	return w.SyncMirror(ctx)
}
