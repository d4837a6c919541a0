package gateway

import "time"

// Security/performance limits for the UI websocket surface.
const (
	// Max bytes per websocket frame read (hard limit).
	maxFrameBytes = 64 << 10 // 64 KiB
)

const (
	// Heartbeat defaults (can be overridden by env in gateway.go).
	heartbeatInterval = 25 * time.Second
	heartbeatTimeout  = 5 * time.Second

	// Per-connection rate limits (events per window).
	rateLimitEvents = 120
	rateLimitWindow = 10 * time.Second

	// Snapshot pushes per conversation are coalesced to at most one per
	// this interval to bound outbound bandwidth during bursts.
	snapshotMinInterval = 50 * time.Millisecond
)
