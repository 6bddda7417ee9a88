// Package server exposes the recorder over HTTP and WebSocket.
package server

import "time"

// Server configuration constants
const (
	// Largest accepted ingest message: 1 s of 16 kHz PCM16 with headroom.
	IngestReadLimit = 64 << 10

	// Per-connection ingest pacing; capture sends ~10 batches per second and
	// faster senders are slowed down to this rate.
	IngestRate  = 50
	IngestBurst = 100

	// Per-client write timeout for broadcast events.
	BroadcastWriteTimeout = 2 * time.Second

	// Timeout of a health check.
	HealthTimeout = 2 * time.Second
)
