package buffer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/nightwatch-sec/nightwatch/pkg/types"
)

// DetectionWriter persists a batch of detections.
type DetectionWriter interface {
	BulkCreateDetections(ctx context.Context, detections []*types.Detection) error
}

// Flusher drains the Redis buffer into Postgres in batches.
type Flusher struct {
	buffer   *DetectionBuffer
	writer   DetectionWriter
	logger   *slog.Logger
	interval time.Duration
	batch    int

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewFlusher creates a new buffer flusher.
func NewFlusher(buffer *DetectionBuffer, writer DetectionWriter, logger *slog.Logger) *Flusher {
	return &Flusher{
		buffer:   buffer,
		writer:   writer,
		logger:   logger.With("component", "buffer_flusher"),
		interval: DefaultFlushInterval,
		batch:    DefaultBatchSize,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the background flushing loop.
func (f *Flusher) Start() {
	f.wg.Add(1)
	go f.run()
	f.logger.Info("buffer flusher started", "interval", f.interval, "batch_size", f.batch)
}

// Stop stops the flusher and waits for the final flush.
func (f *Flusher) Stop() {
	close(f.stopCh)
	f.wg.Wait()
	f.logger.Info("buffer flusher stopped")
}

func (f *Flusher) run() {
	defer f.wg.Done()

	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		select {
		case <-f.stopCh:
			// Final flush before stopping
			f.flush()
			return
		case <-ticker.C:
			f.flush()
		}
	}
}

func (f *Flusher) flush() {
	ctx := context.Background()

	size, err := f.buffer.Len(ctx)
	if err != nil {
		f.logger.Error("failed to get buffer size", "error", err)
		return
	}
	if size == 0 {
		return
	}

	start := time.Now()
	detections, err := f.buffer.Pop(ctx, f.batch)
	if err != nil {
		f.logger.Error("failed to pop from buffer", "error", err)
		return
	}
	if len(detections) == 0 {
		return
	}

	batch := make([]*types.Detection, len(detections))
	for i := range detections {
		batch[i] = &detections[i]
	}

	if err := f.writer.BulkCreateDetections(ctx, batch); err != nil {
		f.logger.Error("failed to flush detections, re-buffering",
			"count", len(detections),
			"error", err,
		)
		// Put the batch back so a transient database error loses nothing.
		if err := f.buffer.Push(ctx, detections); err != nil {
			f.logger.Error("failed to re-buffer detections", "count", len(detections), "error", err)
		}
		return
	}

	f.logger.Debug("flushed detections",
		"count", len(detections),
		"duration", time.Since(start),
		"remaining", size-int64(len(detections)),
	)
}
