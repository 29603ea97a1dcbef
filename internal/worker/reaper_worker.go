// Package worker provides background workers for the backend.
package worker

import (
	"context"
	"log/slog"
	"time"
)

// Redriver is the pipeline operation the reaper invokes each cycle.
type Redriver interface {
	// ProcessUndelivered redrives delivery for pending alerts and
	// reports how many were redelivered and how many were abandoned.
	ProcessUndelivered(ctx context.Context) (redelivered, abandoned int, err error)
}

// ReaperWorkerConfig holds configuration for the delivery reaper.
type ReaperWorkerConfig struct {
	// Interval between redrive passes.
	Interval time.Duration
}

// DefaultReaperWorkerConfig returns sensible defaults.
func DefaultReaperWorkerConfig() ReaperWorkerConfig {
	return ReaperWorkerConfig{
		Interval: 60 * time.Second,
	}
}

// ReaperWorker periodically redrives delivery for undelivered alerts.
// A crash between alert creation and delivery leaves the alert PENDING
// with no delivered_at; this worker picks those up.
type ReaperWorker struct {
	pipeline Redriver
	config   ReaperWorkerConfig
	logger   *slog.Logger
	stopCh   chan struct{}
}

// NewReaperWorker creates a new delivery reaper.
func NewReaperWorker(pipeline Redriver, config ReaperWorkerConfig, logger *slog.Logger) *ReaperWorker {
	return &ReaperWorker{
		pipeline: pipeline,
		config:   config,
		logger:   logger.With("component", "reaper_worker"),
		stopCh:   make(chan struct{}),
	}
}

// Start begins the reaper in a goroutine.
func (w *ReaperWorker) Start(ctx context.Context) {
	go w.run(ctx)
}

// Stop signals the worker to stop.
func (w *ReaperWorker) Stop() {
	close(w.stopCh)
}

func (w *ReaperWorker) run(ctx context.Context) {
	w.logger.Info("reaper worker started", "interval", w.config.Interval)

	// Run immediately on start
	w.runOnce(ctx)

	ticker := time.NewTicker(w.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("reaper worker stopping (context cancelled)")
			return
		case <-w.stopCh:
			w.logger.Info("reaper worker stopping (stop signal)")
			return
		case <-ticker.C:
			w.runOnce(ctx)
		}
	}
}

func (w *ReaperWorker) runOnce(ctx context.Context) {
	start := time.Now()

	redelivered, abandoned, err := w.pipeline.ProcessUndelivered(ctx)
	if err != nil {
		w.logger.Error("redrive pass failed", "error", err)
		return
	}

	if redelivered > 0 || abandoned > 0 {
		w.logger.Info("reaper cycle complete",
			"duration", time.Since(start),
			"redelivered", redelivered,
			"abandoned", abandoned,
		)
	}
}
