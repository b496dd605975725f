package config

import "time"

// Storage
const (
	StorageUsageCacheFor = 10 * time.Second
	BadgerGCInterval     = 10 * time.Minute
)

// Rollup health: a pass is considered stale after this long without success.
const (
	RollupStaleAfter     = 15 * time.Minute
	RollupMaxRetries     = 3
	RollupInitialBackoff = 1 * time.Second
	RollupPassTimeout    = 5 * time.Minute
)

// Ingest timeouts and limits
const (
	IngestTimeout         = 5 * time.Second
	IngestMaxBodyBytes    = 4 << 20
	CollectionPastLimit   = 72 * time.Hour
	CollectionFutureLimit = 10 * time.Minute
	DelayedMetricsAfter   = 5 * time.Minute
)

// Read API defaults and limits
const (
	QueryTimeout       = 10 * time.Second
	QueryDefaultPoints = 100
	QueryMaxPoints     = 5000
	QueryMaxWindow     = 365 * 24 * time.Hour
)

// WebSocket configuration
const (
	WSReadBufferSize  = 1024
	WSWriteBufferSize = 1024
	WSBroadcastBuffer = 256
	WSChannelBuffer   = 10
	WSWriteDeadline   = 10 * time.Second
	WSReadDeadline    = 60 * time.Second
	WSPingInterval    = 30 * time.Second
)
