// Package worker repairs the Redis ranked set from PostgreSQL truth on
// an interval, recovering from Redis loss or drift.
package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/SamuelBlebo/smash-leaderboard/internal/config"
)

// Rebuilder rewrites the ranked read path from durable truth.
type Rebuilder interface {
	RebuildRanked(ctx context.Context) error
}

// RebuildWorker runs Rebuilder on a fixed interval.
type RebuildWorker struct {
	rebuilder Rebuilder
	config    *config.SyncConfig
	logger    *slog.Logger
	stopCh    chan struct{}
	doneCh    chan struct{}
	mu        sync.Mutex
	running   bool
}

// NewRebuildWorker creates a rebuild worker.
func NewRebuildWorker(rebuilder Rebuilder, cfg *config.SyncConfig, logger *slog.Logger) *RebuildWorker {
	return &RebuildWorker{
		rebuilder: rebuilder,
		config:    cfg,
		logger:    logger,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// Start begins the background rebuild loop.
func (w *RebuildWorker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	w.logger.Info("rebuild worker started", "interval", w.config.Interval)

	go w.run(ctx)
	return nil
}

// Stop stops the background loop and waits for it to exit.
func (w *RebuildWorker) Stop() error {
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

	w.logger.Info("rebuild worker stopped")
	return nil
}

func (w *RebuildWorker) run(ctx context.Context) {
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
			w.rebuildOnce(ctx)
		}
	}
}

func (w *RebuildWorker) rebuildOnce(ctx context.Context) {
	start := time.Now()
	if err := w.rebuilder.RebuildRanked(ctx); err != nil {
		w.logger.Error("ranked set rebuild failed", "error", err)
		return
	}
	w.logger.Debug("ranked set rebuild completed", "duration", time.Since(start))
}

// RunOnce triggers a single rebuild (startup recovery).
func (w *RebuildWorker) RunOnce(ctx context.Context) {
	w.rebuildOnce(ctx)
}

// IsRunning reports whether the loop is active.
func (w *RebuildWorker) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}
