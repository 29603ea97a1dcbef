// Package buffer provides a Redis-backed write-ahead buffer for detections.
// This decouples detector ingestion from database writes, so a burst of
// detections from many cameras never stalls the ingest endpoint on a slow
// database.
package buffer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nightwatch-sec/nightwatch/pkg/types"
)

const (
	// Redis key for the detection queue
	keyDetections = "nightwatch:detections"

	// DefaultBatchSize bounds one flush to the database.
	DefaultBatchSize = 5000

	// DefaultFlushInterval is how often the flusher drains the buffer.
	DefaultFlushInterval = 2 * time.Second
)

// DetectionBuffer provides Redis-backed buffering for incoming detections.
type DetectionBuffer struct {
	client *redis.Client
	logger *slog.Logger
}

// NewDetectionBuffer creates a new Redis-backed detection buffer.
func NewDetectionBuffer(redisURL string, logger *slog.Logger) (*DetectionBuffer, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return &DetectionBuffer{
		client: client,
		logger: logger,
	}, nil
}

// Push adds detections to the buffer.
func (b *DetectionBuffer) Push(ctx context.Context, detections []types.Detection) error {
	if len(detections) == 0 {
		return nil
	}

	values := make([]interface{}, len(detections))
	for i, d := range detections {
		data, err := json.Marshal(d)
		if err != nil {
			return fmt.Errorf("failed to marshal detection: %w", err)
		}
		values[i] = data
	}

	if err := b.client.LPush(ctx, keyDetections, values...).Err(); err != nil {
		return fmt.Errorf("failed to push detections to redis: %w", err)
	}
	return nil
}

// Pop retrieves and removes up to max detections in FIFO order.
func (b *DetectionBuffer) Pop(ctx context.Context, max int) ([]types.Detection, error) {
	raw, err := b.client.RPopCount(ctx, keyDetections, max).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to pop detections from redis: %w", err)
	}

	detections := make([]types.Detection, 0, len(raw))
	for _, item := range raw {
		var d types.Detection
		if err := json.Unmarshal([]byte(item), &d); err != nil {
			b.logger.Warn("dropping undecodable buffered detection", "error", err)
			continue
		}
		detections = append(detections, d)
	}
	return detections, nil
}

// Len returns the current buffer depth.
func (b *DetectionBuffer) Len(ctx context.Context) (int64, error) {
	return b.client.LLen(ctx, keyDetections).Result()
}

// Close closes the Redis connection.
func (b *DetectionBuffer) Close() error {
	return b.client.Close()
}
