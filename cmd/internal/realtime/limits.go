package realtime

import "time"

// History bounds. Every append and every read pushes the expiry out by HistoryTTL.
const (
	HistoryCap = 1000
	HistoryTTL = 12 * time.Hour
)

// Gateway defaults, overridable through GatewayConfig.
const (
	defaultMaxFrameBytes = 64 << 10

	defaultSendQueueSize = 256
	minSendQueueSize     = 32

	defaultWriteTimeout = 5 * time.Second
	defaultOpTimeout    = 10 * time.Second
	closeGrace          = 1 * time.Second

	heartbeatInterval = 25 * time.Second
	heartbeatTimeout  = 5 * time.Second
	maxPingFailures   = 3

	rateLimitEvents = 120
	rateLimitWindow = 10 * time.Second
)
