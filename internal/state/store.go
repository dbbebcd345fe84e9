package state

import (
	"strings"
	"sync"
	"time"

	"github.com/matt0x6f/headless-irc/internal/constants"
)

// Store is the in-memory entity store: networks, their buffers and users,
// and the bounded message history per buffer. All operations are safe for
// concurrent use; multi-step invariant updates (membership, nick re-keying)
// happen inside a single critical section so they are observed atomically.
//
// Mutators are tolerant of missing input: a nil buffer or unknown network id
// is a no-op, never an error, because protocol traffic can legitimately race
// ahead of store population.
type Store struct {
	mu       sync.Mutex
	networks map[string]*Network
	buffers  map[string]map[string]*Buffer // network id -> folded name -> buffer
	users    map[string]map[string]*User   // network id -> folded nick -> user
	settings map[string]any

	nextMessageID int64

	activeNetwork string
	activeBuffer  string
	hasActive     bool
}

// NewStore creates an empty store
func NewStore() *Store {
	return &Store{
		networks: make(map[string]*Network),
		buffers:  make(map[string]map[string]*Buffer),
		users:    make(map[string]map[string]*User),
		settings: make(map[string]any),
	}
}

// GetOrCreateNetwork returns the network for id, allocating a
// default-valued network plus its buffer and user indexes on first
// reference. Idempotent: later calls return the same instance.
func (s *Store) GetOrCreateNetwork(id string) *Network {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getOrCreateNetworkLocked(id)
}

func (s *Store) getOrCreateNetworkLocked(id string) *Network {
	if network, ok := s.networks[id]; ok {
		return network
	}
	network := &Network{
		ID:    id,
		State: StateDisconnected,
		Connection: ConnectionConfig{
			Port:     6667,
			Encoding: "utf8",
		},
		Settings: make(map[string]any),
		Buffers:  []*Buffer{},
		Users:    make(map[string]*User),
	}
	s.networks[id] = network
	s.buffers[id] = make(map[string]*Buffer)
	s.users[id] = make(map[string]*User)
	return network
}

// GetNetwork returns the network for id, or nil
func (s *Store) GetNetwork(id string) *Network {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.networks[id]
}

// Networks returns all networks in creation-independent map order
func (s *Store) Networks() []*Network {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Network, 0, len(s.networks))
	for _, network := range s.networks {
		out = append(out, network)
	}
	return out
}

// GetOrAddBuffer returns the buffer for name on the given network, creating
// the network and the buffer as needed. Lookup is case-insensitive; the
// stored name preserves the case of the first reference. The buffer is
// appended to the network's ordered collection on first creation only.
func (s *Store) GetOrAddBuffer(networkID, name string) *Buffer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getOrAddBufferLocked(networkID, name)
}

func (s *Store) getOrAddBufferLocked(networkID, name string) *Buffer {
	network := s.getOrCreateNetworkLocked(networkID)
	bufferMap := s.buffers[networkID]

	key := foldKey(name)
	if buffer, ok := bufferMap[key]; ok {
		return buffer
	}

	buffer := &Buffer{
		ID:        networkID + "-" + name,
		NetworkID: networkID,
		Name:      name,
		Enabled:   true,
		Users:     make(map[string]*BufferUser),
		Modes:     make(map[string]string),
		Settings:  make(map[string]any),
		Flags:     make(map[string]any),
		Messages:  []*Message{},
		network:   network,
	}
	bufferMap[key] = buffer
	network.Buffers = append(network.Buffers, buffer)
	return buffer
}

// GetBuffer returns the buffer for name on the given network, or nil
func (s *Store) GetBuffer(networkID, name string) *Buffer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getBufferLocked(networkID, name)
}

func (s *Store) getBufferLocked(networkID, name string) *Buffer {
	bufferMap, ok := s.buffers[networkID]
	if !ok {
		return nil
	}
	return bufferMap[foldKey(name)]
}

// RenameBuffer re-keys a buffer under a new name, preserving its identity
// and message history. The buffer ID does not change.
func (s *Store) RenameBuffer(buffer *Buffer, newName string) {
	if buffer == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	bufferMap, ok := s.buffers[buffer.NetworkID]
	if !ok {
		return
	}
	delete(bufferMap, foldKey(buffer.Name))
	buffer.Name = newName
	bufferMap[foldKey(newName)] = buffer
}

// AddMessage assigns a synthetic id and buffer/network linkage to msg,
// appends it to the buffer and evicts the oldest entries beyond the
// retention cap. Returns the stored message, or nil when buffer is nil.
func (s *Store) AddMessage(buffer *Buffer, msg Message) *Message {
	if buffer == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addMessageLocked(buffer, msg)
}

func (s *Store) addMessageLocked(buffer *Buffer, msg Message) *Message {
	s.nextMessageID++
	msg.ID = s.nextMessageID
	msg.BufferID = buffer.ID
	msg.NetworkID = buffer.NetworkID
	if msg.Time.IsZero() {
		msg.Time = time.Now()
	}

	stored := &msg
	buffer.Messages = append(buffer.Messages, stored)
	if len(buffer.Messages) > constants.MaxBufferMessages {
		buffer.Messages = buffer.Messages[1:]
	}
	return stored
}

// AddMessageNoRepeat appends msg unless the immediately preceding message in
// the buffer has identical body and type. Used to collapse duplicate
// transient error lines. Returns nil when the append was suppressed.
func (s *Store) AddMessageNoRepeat(buffer *Buffer, msg Message) *Message {
	if buffer == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if last := buffer.LastMessage(); last != nil && last.Message == msg.Message && last.Type == msg.Type {
		return nil
	}
	return s.addMessageLocked(buffer, msg)
}

// ClearMessageRange removes buffer messages whose timestamp falls within
// [start, end]. Messages without a timestamp are kept.
func (s *Store) ClearMessageRange(buffer *Buffer, start, end time.Time) {
	if buffer == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := buffer.Messages[:0]
	for _, msg := range buffer.Messages {
		if msg.Time.IsZero() || msg.Time.Before(start) || msg.Time.After(end) {
			kept = append(kept, msg)
		}
	}
	// Release the dropped pointers still held in the backing array's tail.
	for i := len(kept); i < len(buffer.Messages); i++ {
		buffer.Messages[i] = nil
	}
	buffer.Messages = kept
}

// AddUser creates a network user on first sight, keyed by case-folded nick,
// or merges the update's non-nil fields into the existing record. The
// Whois and WhoFlags sub-records are guaranteed present afterwards either
// way; consumers never need to check for their existence.
func (s *Store) AddUser(networkID string, update UserUpdate) *User {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addUserLocked(networkID, update)
}

func (s *Store) addUserLocked(networkID string, update UserUpdate) *User {
	network := s.getOrCreateNetworkLocked(networkID)
	userMap := s.users[networkID]
	key := foldKey(update.Nick)

	user, ok := userMap[key]
	if !ok {
		user = &User{
			ID:        networkID + "-" + key,
			NetworkID: networkID,
			Nick:      update.Nick,
			Modes:     []string{},
			Buffers:   make(map[string]*BufferMembership),
		}
		userMap[key] = user
		network.Users[key] = user
	} else if update.Nick != "" {
		// Same folded key, possibly fresher display casing.
		user.Nick = update.Nick
	}

	if update.Username != nil {
		user.Username = *update.Username
	}
	if update.Host != nil {
		user.Host = *update.Host
	}
	if update.Realname != nil {
		user.Realname = *update.Realname
	}
	if update.Away != nil {
		user.Away = *update.Away
	}
	if update.Account != nil {
		user.Account = *update.Account
	}
	if update.Modes != nil {
		user.Modes = copyModes(update.Modes)
	}

	if user.Buffers == nil {
		user.Buffers = make(map[string]*BufferMembership)
	}
	if user.Whois == nil {
		user.Whois = make(map[string]any)
	}
	if user.WhoFlags == nil {
		user.WhoFlags = make(map[string]any)
	}
	return user
}

// GetUser returns the user for nick on the given network, or nil
func (s *Store) GetUser(networkID, nick string) *User {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getUserLocked(networkID, nick)
}

func (s *Store) getUserLocked(networkID, nick string) *User {
	userMap, ok := s.users[networkID]
	if !ok {
		return nil
	}
	return userMap[foldKey(nick)]
}

// RemoveUser deletes the user from the network-level index only. It does
// not cascade into per-buffer membership: callers handling a quit or kill
// must call RemoveUserFromBuffer for each affected buffer first (see
// GetBuffersWithUser). This narrow contract matches the protocol layer's
// call order and is deliberate.
func (s *Store) RemoveUser(networkID, nick string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	userMap, ok := s.users[networkID]
	if !ok {
		return
	}
	key := foldKey(nick)
	delete(userMap, key)

	if network, ok := s.networks[networkID]; ok {
		delete(network.Users, key)
	}
}

// AddUserToBuffer upserts the user on the buffer's network and records the
// membership on both sides: the buffer's user mapping and the user's buffer
// mapping are updated together.
func (s *Store) AddUserToBuffer(buffer *Buffer, update UserUpdate) {
	if buffer == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	user := s.addUserLocked(buffer.NetworkID, update)
	key := foldKey(update.Nick)

	bu, ok := buffer.Users[key]
	if !ok {
		buffer.Users[key] = &BufferUser{
			Nick:  user.Nick,
			Modes: copyModes(update.Modes),
			User:  user,
		}
	} else {
		bu.Nick = user.Nick
		if update.Modes != nil {
			bu.Modes = copyModes(update.Modes)
		}
	}

	if _, ok := user.Buffers[buffer.ID]; !ok {
		user.Buffers[buffer.ID] = &BufferMembership{Modes: copyModes(update.Modes)}
	}
}

// copyModes returns an independent mode slice. The two membership sides and
// the user record must never alias one backing array, or an in-place edit on
// one corrupts the others.
func copyModes(modes []string) []string {
	out := make([]string, len(modes))
	copy(out, modes)
	return out
}

// AddUsersToBuffer adds a batch of users to a buffer, e.g. a NAMES reply
func (s *Store) AddUsersToBuffer(buffer *Buffer, updates []UserUpdate) {
	for _, update := range updates {
		s.AddUserToBuffer(buffer, update)
	}
}

// RemoveUserFromBuffer removes the membership from both sides
func (s *Store) RemoveUserFromBuffer(buffer *Buffer, nick string) {
	if buffer == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeUserFromBufferLocked(buffer, nick)
}

func (s *Store) removeUserFromBufferLocked(buffer *Buffer, nick string) {
	key := foldKey(nick)
	delete(buffer.Users, key)

	if user := s.getUserLocked(buffer.NetworkID, nick); user != nil {
		delete(user.Buffers, buffer.ID)
	}
}

// ClearBufferUsers empties a buffer's membership, removing the membership
// from each user's buffer mapping as well
func (s *Store) ClearBufferUsers(buffer *Buffer) {
	if buffer == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, bu := range buffer.Users {
		if bu.User != nil {
			delete(bu.User.Buffers, buffer.ID)
		} else if user := s.getUserLocked(buffer.NetworkID, key); user != nil {
			delete(user.Buffers, buffer.ID)
		}
	}
	buffer.Users = make(map[string]*BufferUser)
}

// UpdateBufferUserMode grants or revokes a membership mode letter, keeping
// both sides of the membership in step
func (s *Store) UpdateBufferUserMode(buffer *Buffer, nick, mode string, enabled bool) {
	if buffer == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	bu, ok := buffer.Users[foldKey(nick)]
	if !ok {
		return
	}
	bu.Modes = applyMode(bu.Modes, mode, enabled)

	if user := s.getUserLocked(buffer.NetworkID, nick); user != nil {
		if membership, ok := user.Buffers[buffer.ID]; ok {
			membership.Modes = applyMode(membership.Modes, mode, enabled)
		}
	}
}

func applyMode(modes []string, mode string, enabled bool) []string {
	for i, m := range modes {
		if m == mode {
			if enabled {
				return modes
			}
			out := make([]string, 0, len(modes)-1)
			out = append(out, modes[:i]...)
			return append(out, modes[i+1:]...)
		}
	}
	if enabled {
		return append(modes, mode)
	}
	return modes
}

// GetBuffersWithUser returns the network's buffers whose membership contains
// the case-folded nick
func (s *Store) GetBuffersWithUser(networkID, nick string) []*Buffer {
	s.mu.Lock()
	defer s.mu.Unlock()

	network, ok := s.networks[networkID]
	if !ok {
		return nil
	}
	key := foldKey(nick)
	var out []*Buffer
	for _, buffer := range network.Buffers {
		if _, ok := buffer.Users[key]; ok {
			out = append(out, buffer)
		}
	}
	return out
}

// ChangeUserNick re-keys the user from oldNick to newNick in the network
// index and in every buffer membership map, in one critical section, so no
// observer sees the user under neither or both keys. No-op when oldNick is
// unknown. The user's ID does not change.
func (s *Store) ChangeUserNick(networkID, oldNick, newNick string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	userMap, ok := s.users[networkID]
	if !ok {
		return
	}
	oldKey := foldKey(oldNick)
	newKey := foldKey(newNick)
	user, ok := userMap[oldKey]
	if !ok {
		return
	}

	user.Nick = newNick
	delete(userMap, oldKey)
	userMap[newKey] = user

	if network, ok := s.networks[networkID]; ok {
		delete(network.Users, oldKey)
		network.Users[newKey] = user
	}

	for _, buffer := range s.buffers[networkID] {
		if bu, ok := buffer.Users[oldKey]; ok {
			bu.Nick = newNick
			delete(buffer.Users, oldKey)
			buffer.Users[newKey] = bu
		}
	}
}

// UsersTransaction hands fn a plain mutable view of the network's user
// index for batch edits without per-user notification, e.g. applying a full
// WHO response. The view's keys are upper-cased; on return the index is
// rebuilt from the view with keys folded back to lower-case and the
// network's public user mapping replaced. The key casing is an internal
// peculiarity kept for protocol-layer compatibility, not a contract.
//
// fn must edit the view directly and must not call back into the store.
func (s *Store) UsersTransaction(networkID string, fn func(users map[string]*User)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	network, ok := s.networks[networkID]
	if !ok {
		return
	}
	userMap := s.users[networkID]

	view := make(map[string]*User, len(userMap))
	for key, user := range userMap {
		view[strings.ToUpper(key)] = user
	}

	fn(view)

	rebuilt := make(map[string]*User, len(view))
	for key, user := range view {
		rebuilt[foldKey(key)] = user
	}
	s.users[networkID] = rebuilt
	network.Users = rebuilt
}

// Setting returns a global setting value, or nil
func (s *Store) Setting(name string) any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings[name]
}

// SetSetting stores a global setting value
func (s *Store) SetSetting(name string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings[name] = value
}

// MergeSettings merges a settings bag into the store's global settings
func (s *Store) MergeSettings(settings map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, value := range settings {
		s.settings[name] = value
	}
}

// SetActiveBuffer records the currently viewed network/buffer pair
func (s *Store) SetActiveBuffer(networkID, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activeNetwork = networkID
	s.activeBuffer = name
	s.hasActive = true
}

// ClearActiveBuffer forgets the current selection
func (s *Store) ClearActiveBuffer() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activeNetwork = ""
	s.activeBuffer = ""
	s.hasActive = false
}

// ActiveNetwork returns the currently selected network, or nil when no
// selection has been made
func (s *Store) ActiveNetwork() *Network {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.hasActive {
		return nil
	}
	return s.networks[s.activeNetwork]
}

// ActiveBuffer returns the currently selected buffer, or nil when no
// selection has been made
func (s *Store) ActiveBuffer() *Buffer {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.hasActive || s.activeBuffer == "" {
		return nil
	}
	return s.getBufferLocked(s.activeNetwork, s.activeBuffer)
}
