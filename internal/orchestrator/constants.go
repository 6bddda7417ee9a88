package orchestrator

import "time"

// Orchestrator configuration constants
const (
	// Time StopSession waits for in-flight chunk uploads before the full artifact.
	DefaultStopTimeout = 2 * time.Minute

	// Interval of the in-process leftover sweep.
	DefaultSweepInterval = 5 * time.Minute

	// Tracker event channel capacity.
	EventBuffer = 256
)
