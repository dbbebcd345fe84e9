package irc

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/matt0x6f/headless-irc/internal/events"
	"github.com/matt0x6f/headless-irc/internal/logger"
	"github.com/matt0x6f/headless-irc/internal/state"
)

// Event payloads. Identifiers and primitive fields are copied on publish;
// entity pointers reference the canonical store objects and are read-only by
// convention for consumers.

// NetworkEvent accompanies the connection lifecycle events
type NetworkEvent struct {
	NetworkID string                `json:"networkid"`
	State     state.ConnectionState `json:"state"`
	Error     string                `json:"error,omitempty"`
}

// MessageEvent accompanies the message event
type MessageEvent struct {
	Buffer    string        `json:"buffer"`
	NetworkID string        `json:"networkid"`
	Message   state.Message `json:"message"`
}

// UserEvent accompanies user-added
type UserEvent struct {
	NetworkID string      `json:"networkid"`
	User      *state.User `json:"user"`
}

// UserRemovedEvent accompanies user-removed
type UserRemovedEvent struct {
	NetworkID string `json:"networkid"`
	Nick      string `json:"nick"`
}

// BufferUserEvent accompanies user-joined-buffer
type BufferUserEvent struct {
	Buffer    string      `json:"buffer"`
	NetworkID string      `json:"networkid"`
	User      *state.User `json:"user"`
}

// BufferNickEvent accompanies user-left-buffer
type BufferNickEvent struct {
	Buffer    string `json:"buffer"`
	NetworkID string `json:"networkid"`
	Nick      string `json:"nick"`
}

// NickChangedEvent accompanies user-nick-changed
type NickChangedEvent struct {
	NetworkID string `json:"networkid"`
	OldNick   string `json:"old_nick"`
	NewNick   string `json:"new_nick"`
}

// Adapter exposes the entity store through the call shape the protocol
// layer expects, and fans every mutation out as a domain event on the bus.
// State is always mutated before the paired event is published, so a
// handler of that event observes the new state.
type Adapter struct {
	store *state.Store
	bus   *events.Bus
	log   zerolog.Logger
}

// NewAdapter creates an adapter over the given store and bus
func NewAdapter(store *state.Store, bus *events.Bus) *Adapter {
	return &Adapter{
		store: store,
		bus:   bus,
		log:   logger.Log.With().Str("component", "adapter").Logger(),
	}
}

// Store returns the wrapped entity store
func (a *Adapter) Store() *state.Store {
	return a.store
}

// Bus returns the event bus
func (a *Adapter) Bus() *events.Bus {
	return a.bus
}

// GetOrCreateNetwork forwards to the store; creation publishes no event
func (a *Adapter) GetOrCreateNetwork(id string) *state.Network {
	return a.store.GetOrCreateNetwork(id)
}

// GetNetwork forwards to the store
func (a *Adapter) GetNetwork(id string) *state.Network {
	return a.store.GetNetwork(id)
}

// GetOrAddBuffer forwards to the store
func (a *Adapter) GetOrAddBuffer(networkID, name string) *state.Buffer {
	return a.store.GetOrAddBuffer(networkID, name)
}

// GetBuffer forwards to the store
func (a *Adapter) GetBuffer(networkID, name string) *state.Buffer {
	return a.store.GetBuffer(networkID, name)
}

// AddMessage stores the message and publishes a message event. The event is
// published even when the buffer already held the line; only a nil buffer
// suppresses it.
func (a *Adapter) AddMessage(buffer *state.Buffer, msg state.Message) *state.Message {
	if buffer == nil {
		return nil
	}
	stored := a.store.AddMessage(buffer, msg)
	a.publishMessage(buffer, stored, msg)
	return stored
}

// AddMessageNoRepeat stores the message unless it repeats the buffer's last
// line. The message event is published either way, matching the legacy
// surface the protocol layer was written against.
func (a *Adapter) AddMessageNoRepeat(buffer *state.Buffer, msg state.Message) *state.Message {
	if buffer == nil {
		return nil
	}
	stored := a.store.AddMessageNoRepeat(buffer, msg)
	a.publishMessage(buffer, stored, msg)
	return stored
}

func (a *Adapter) publishMessage(buffer *state.Buffer, stored *state.Message, original state.Message) {
	payload := MessageEvent{
		Buffer:    buffer.Name,
		NetworkID: buffer.NetworkID,
	}
	if stored != nil {
		payload.Message = *stored
	} else {
		payload.Message = original
	}
	a.bus.Publish(EventMessage, payload)
}

// AddUser upserts a network user and publishes user-added
func (a *Adapter) AddUser(networkID string, update state.UserUpdate) *state.User {
	user := a.store.AddUser(networkID, update)
	a.bus.Publish(EventUserAdded, UserEvent{NetworkID: networkID, User: user})
	return user
}

// GetUser forwards to the store
func (a *Adapter) GetUser(networkID, nick string) *state.User {
	return a.store.GetUser(networkID, nick)
}

// RemoveUser removes a user from the network index and publishes
// user-removed. Buffer memberships are not cascaded; see
// state.Store.RemoveUser.
func (a *Adapter) RemoveUser(networkID, nick string) {
	a.store.RemoveUser(networkID, nick)
	a.bus.Publish(EventUserRemoved, UserRemovedEvent{NetworkID: networkID, Nick: nick})
}

// AddUserToBuffer records the membership and publishes user-joined-buffer
func (a *Adapter) AddUserToBuffer(buffer *state.Buffer, update state.UserUpdate) {
	if buffer == nil {
		return
	}
	a.store.AddUserToBuffer(buffer, update)
	a.bus.Publish(EventUserJoinedBuffer, BufferUserEvent{
		Buffer:    buffer.Name,
		NetworkID: buffer.NetworkID,
		User:      a.store.GetUser(buffer.NetworkID, update.Nick),
	})
}

// AddUsersToBuffer records a batch of memberships without per-user events,
// e.g. a NAMES reply
func (a *Adapter) AddUsersToBuffer(buffer *state.Buffer, updates []state.UserUpdate) {
	a.store.AddUsersToBuffer(buffer, updates)
}

// RemoveUserFromBuffer removes the membership and publishes user-left-buffer
func (a *Adapter) RemoveUserFromBuffer(buffer *state.Buffer, nick string) {
	if buffer == nil {
		return
	}
	a.store.RemoveUserFromBuffer(buffer, nick)
	a.bus.Publish(EventUserLeftBuffer, BufferNickEvent{
		Buffer:    buffer.Name,
		NetworkID: buffer.NetworkID,
		Nick:      nick,
	})
}

// GetBuffersWithUser forwards to the store
func (a *Adapter) GetBuffersWithUser(networkID, nick string) []*state.Buffer {
	return a.store.GetBuffersWithUser(networkID, nick)
}

// ChangeUserNick re-keys the user everywhere and publishes user-nick-changed
func (a *Adapter) ChangeUserNick(networkID, oldNick, newNick string) {
	a.store.ChangeUserNick(networkID, oldNick, newNick)
	a.bus.Publish(EventUserNickChanged, NickChangedEvent{
		NetworkID: networkID,
		OldNick:   oldNick,
		NewNick:   newNick,
	})
}

// UsersTransaction forwards to the store; batch edits publish no events
func (a *Adapter) UsersTransaction(networkID string, fn func(users map[string]*state.User)) {
	a.store.UsersTransaction(networkID, fn)
}

// ClearMessageRange forwards to the store
func (a *Adapter) ClearMessageRange(buffer *state.Buffer, start, end time.Time) {
	a.store.ClearMessageRange(buffer, start, end)
}

// Setting forwards to the store's global settings
func (a *Adapter) Setting(name string) any {
	return a.store.Setting(name)
}

// SetSetting forwards to the store's global settings
func (a *Adapter) SetSetting(name string, value any) {
	a.store.SetSetting(name, value)
}

// SetActiveBuffer forwards to the store
func (a *Adapter) SetActiveBuffer(networkID, name string) {
	a.store.SetActiveBuffer(networkID, name)
}

// ActiveBuffer forwards to the store
func (a *Adapter) ActiveBuffer() *state.Buffer {
	return a.store.ActiveBuffer()
}

// ActiveNetwork forwards to the store
func (a *Adapter) ActiveNetwork() *state.Network {
	return a.store.ActiveNetwork()
}

// Set writes a key into a settings/flags bag. Shim for the generic
// field-mutation call the protocol layer makes against a reactive state
// tree; the bag is mutated in place and no event is published.
func (a *Adapter) Set(bag map[string]any, key string, value any) any {
	if bag != nil {
		bag[key] = value
	}
	return value
}

// Delete removes a key from a settings/flags bag. Shim, see Set.
func (a *Adapter) Delete(bag map[string]any, key string) {
	if bag != nil {
		delete(bag, key)
	}
}

// Emit forwards an arbitrary event to the bus. Shim for the protocol
// layer's ambient emit calls.
func (a *Adapter) Emit(event string, args ...any) {
	a.bus.Publish(event, args...)
}

// Connecting marks the network as connecting and publishes the event. The
// state change is visible to handlers of the event itself.
func (a *Adapter) Connecting(network *state.Network) {
	network.State = state.StateConnecting
	a.log.Debug().Str("network", network.ID).Msg("Connecting")
	a.bus.Publish(EventConnecting, NetworkEvent{NetworkID: network.ID, State: network.State})
}

// Connected marks the network as connected and publishes the event
func (a *Adapter) Connected(network *state.Network) {
	network.State = state.StateConnected
	network.StateError = ""
	a.log.Debug().Str("network", network.ID).Msg("Connected")
	a.bus.Publish(EventConnected, NetworkEvent{NetworkID: network.ID, State: network.State})
}

// Registered publishes the registered event; the network stays connected
func (a *Adapter) Registered(network *state.Network) {
	a.log.Debug().Str("network", network.ID).Str("nick", network.Nick).Msg("Registered")
	a.bus.Publish(EventRegistered, NetworkEvent{NetworkID: network.ID, State: network.State})
}

// Disconnected marks the network as disconnected, records the error text on
// abnormal close, then publishes the event
func (a *Adapter) Disconnected(network *state.Network, errText string) {
	network.State = state.StateDisconnected
	if errText != "" {
		network.StateError = errText
		network.LastError = errText
	}
	a.log.Debug().Str("network", network.ID).Str("error", errText).Msg("Disconnected")
	a.bus.Publish(EventDisconnected, NetworkEvent{
		NetworkID: network.ID,
		State:     network.State,
		Error:     errText,
	})
}
