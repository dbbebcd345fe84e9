package irc

// Domain events published on the bus. Every externally observable store
// mutation made through the adapter is paired with exactly one of these.
const (
	EventConnecting       = "connecting"
	EventConnected        = "connected"
	EventRegistered       = "registered"
	EventDisconnected     = "disconnected"
	EventMessage          = "message"
	EventUserAdded        = "user-added"
	EventUserRemoved      = "user-removed"
	EventUserJoinedBuffer = "user-joined-buffer"
	EventUserLeftBuffer   = "user-left-buffer"
	EventUserNickChanged  = "user-nick-changed"
)

// EventNames lists every domain event, useful for wildcard subscriptions
var EventNames = []string{
	EventConnecting,
	EventConnected,
	EventRegistered,
	EventDisconnected,
	EventMessage,
	EventUserAdded,
	EventUserRemoved,
	EventUserJoinedBuffer,
	EventUserLeftBuffer,
	EventUserNickChanged,
}
