package grpcclient

import "time"

// Client configuration defaults.
const (
	DefaultKeepaliveTime    = 10 * time.Second
	DefaultKeepaliveTimeout = 3 * time.Second

	DefaultHealthCheckInterval = 5 * time.Second
	HealthCheckTimeout         = 2 * time.Second

	// DefaultCallTimeout bounds one classification; frames arrive every 20 ms.
	DefaultCallTimeout = 200 * time.Millisecond
)

// Remote VAD service identity.
const (
	ServiceName    = "vad.v1.VoiceActivity"
	classifyMethod = "/" + ServiceName + "/Classify"
)
