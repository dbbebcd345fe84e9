package constants

import "time"

// Connection timing constants
const (
	// ReconnectDelay is the delay before the first reconnect attempt
	ReconnectDelay = 2 * time.Second

	// ReconnectMaxDelay caps the backoff between reconnect attempts
	ReconnectMaxDelay = 60 * time.Second

	// AutoJoinDelay is the delay after registration before auto-joining channels
	AutoJoinDelay = 2 * time.Second
)

// MaxBufferMessages is the number of messages retained per buffer before the
// oldest are evicted
const MaxBufferMessages = 1000
