// Package config provides configuration for the backend.
//
// This file centralizes hardcoded values that would otherwise be scattered
// throughout the codebase, making them easier to find, modify, and test.
package config

import "time"

// Pagination defaults for API list endpoints.
const (
	// DefaultPaginationLimit is the default number of items returned
	// when no limit is specified.
	DefaultPaginationLimit = 50

	// MaxPaginationLimit is the maximum number of items that can be
	// requested in a single API call.
	MaxPaginationLimit = 1000
)

// Notification transport timeouts.
const (
	// DefaultWebhookTimeout bounds a single webhook POST.
	DefaultWebhookTimeout = 30 * time.Second

	// SMTPDialTimeout bounds the TCP connect to the SMTP server.
	SMTPDialTimeout = 30 * time.Second
)

// Detection ingest buffering.
const (
	// BufferFlushBatchSize is the number of detections to flush from the
	// Redis buffer to the database in a single operation.
	BufferFlushBatchSize = 5000

	// BufferFlushInterval is how often to flush the Redis buffer.
	BufferFlushInterval = 2 * time.Second
)

// Delivery reaper behavior.
const (
	// ReaperInterval is how often undelivered alerts are redriven.
	ReaperInterval = 60 * time.Second

	// ReaperGraceInterval is how old a pending alert must be before the
	// reaper redrives it, leaving room for the in-flight first attempt.
	ReaperGraceInterval = 2 * time.Minute

	// ReaperMaxAttempts is how many redelivery attempts are made before
	// an alert is flagged delivery_abandoned.
	ReaperMaxAttempts = 5
)

// Cache TTLs for API response caching.
const (
	// CacheTTLRecentAlerts is the TTL for the recent-alerts listing.
	CacheTTLRecentAlerts = 15 * time.Second

	// CacheTTLCameraList is the TTL for the camera listing.
	CacheTTLCameraList = 60 * time.Second

	// CacheTTLTelemetry is the TTL for system telemetry snapshots.
	CacheTTLTelemetry = 10 * time.Second
)

// Database and Redis connectivity checks.
const (
	// DatabasePingTimeout is the timeout for database connectivity checks.
	DatabasePingTimeout = 5 * time.Second

	// RedisConnectionTimeout is the timeout for Redis connectivity checks.
	RedisConnectionTimeout = 5 * time.Second
)
