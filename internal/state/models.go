package state

import (
	"strings"
	"time"
)

// ConnectionState describes a network's connection lifecycle
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
)

// MessageType tags a stored message
type MessageType string

const (
	MsgPrivmsg  MessageType = "privmsg"
	MsgNotice   MessageType = "notice"
	MsgAction   MessageType = "action"
	MsgTraffic  MessageType = "traffic"
	MsgError    MessageType = "error"
	MsgMOTD     MessageType = "motd"
	MsgWallops  MessageType = "wallops"
	MsgInvite   MessageType = "invite"
	MsgNick     MessageType = "nick"
	MsgMode     MessageType = "mode"
	MsgTopic    MessageType = "topic"
	MsgHelp     MessageType = "help"
	MsgPresence MessageType = "presence"
)

// DefaultChanTypes is used for channel classification until the server
// advertises CHANTYPES.
const DefaultChanTypes = "#&"

// ServerBufferName is the implicit server/console buffer
const ServerBufferName = "*"

// RawBufferName is the raw protocol log buffer
const RawBufferName = "*raw"

// ConnectionConfig holds the connection parameters stored on a network
type ConnectionConfig struct {
	Server   string `json:"server"`
	Port     int    `json:"port"`
	TLS      bool   `json:"tls"`
	Path     string `json:"path"`
	Password string `json:"password"`
	Direct   bool   `json:"direct"`
	Encoding string `json:"encoding"`
	Nick     string `json:"nick"`
}

// Network is one logical connection/session to a chat server. Its ID is
// caller-supplied and immutable for the network's lifetime.
type Network struct {
	ID         string           `json:"id"`
	Name       string           `json:"name"`
	State      ConnectionState  `json:"state"`
	StateError string           `json:"state_error"`
	LastError  string           `json:"last_error"`
	Nick       string           `json:"nick"`
	Username   string           `json:"username"`
	Gecos      string           `json:"gecos"`
	ChanTypes  string           `json:"chantypes"`
	Connection ConnectionConfig `json:"connection"`
	Settings   map[string]any   `json:"settings"`
	Buffers    []*Buffer        `json:"buffers"`
	Users      map[string]*User `json:"users"` // lower-cased nick -> user
}

// IsChannelName reports whether name starts with one of the network's
// channel prefixes
func (n *Network) IsChannelName(name string) bool {
	if name == "" {
		return false
	}
	prefixes := n.ChanTypes
	if prefixes == "" {
		prefixes = DefaultChanTypes
	}
	return strings.ContainsRune(prefixes, rune(name[0]))
}

// UserByNick returns the network user for nick, or nil
func (n *Network) UserByNick(nick string) *User {
	return n.Users[foldKey(nick)]
}

// CurrentUser returns the user record for the network's own nick, or nil
func (n *Network) CurrentUser() *User {
	return n.UserByNick(n.Nick)
}

// Setting returns a network-scoped setting value, or nil
func (n *Network) Setting(name string) any {
	if n.Settings == nil {
		return nil
	}
	return n.Settings[name]
}

// SetSetting stores a network-scoped setting value
func (n *Network) SetSetting(name string, value any) {
	if n.Settings == nil {
		n.Settings = make(map[string]any)
	}
	n.Settings[name] = value
}

// BufferUser is a user's membership record within one buffer
type BufferUser struct {
	Nick  string   `json:"nick"`
	Modes []string `json:"modes"`
	User  *User    `json:"-"`
}

// HasMode reports whether the membership carries the given mode letter
func (bu *BufferUser) HasMode(mode string) bool {
	for _, m := range bu.Modes {
		if m == mode {
			return true
		}
	}
	return false
}

// BufferMembership is the buffer-side entry stored on a user
type BufferMembership struct {
	Modes []string `json:"modes"`
}

// Buffer is a named conversation context (channel, query or server console)
// within a network. The ID is derived from the network and the buffer's
// original name and is immutable.
type Buffer struct {
	ID        string                 `json:"id"`
	NetworkID string                 `json:"networkid"`
	Name      string                 `json:"name"`
	Joined    bool                   `json:"joined"`
	Enabled   bool                   `json:"enabled"`
	Users     map[string]*BufferUser `json:"users"` // lower-cased nick -> membership
	Modes     map[string]string      `json:"modes"`
	Topic     string                 `json:"topic"`
	TopicBy   string                 `json:"topic_by"`
	TopicWhen int64                  `json:"topic_when"`
	Settings  map[string]any         `json:"settings"`
	Flags     map[string]any         `json:"flags"`
	Messages  []*Message             `json:"latest_messages"`

	network *Network
}

// Network returns the buffer's owning network
func (b *Buffer) Network() *Network {
	return b.network
}

// IsServer reports whether this is the server/console buffer
func (b *Buffer) IsServer() bool {
	return b.Name == ServerBufferName
}

// IsRaw reports whether this is the raw protocol log buffer
func (b *Buffer) IsRaw() bool {
	return b.Name == RawBufferName
}

// IsSpecial reports whether the buffer is any client-internal buffer
func (b *Buffer) IsSpecial() bool {
	return strings.HasPrefix(b.Name, "*")
}

// IsChannel reports whether the buffer is a channel, using the owning
// network's advertised channel prefixes. The server buffer is never a
// channel.
func (b *Buffer) IsChannel() bool {
	if b.IsSpecial() {
		return false
	}
	if b.network != nil {
		return b.network.IsChannelName(b.Name)
	}
	return b.Name != "" && strings.ContainsRune(DefaultChanTypes, rune(b.Name[0]))
}

// IsQuery reports whether the buffer is a direct-message query
func (b *Buffer) IsQuery() bool {
	return !b.IsChannel() && !b.IsSpecial()
}

// HasNick reports whether nick is in the buffer's membership, folding case
func (b *Buffer) HasNick(nick string) bool {
	_, ok := b.Users[foldKey(nick)]
	return ok
}

// IsUserAnOp reports whether nick holds channel operator status here
func (b *Buffer) IsUserAnOp(nick string) bool {
	bu := b.Users[foldKey(nick)]
	return bu != nil && bu.HasMode("o")
}

// Setting returns a buffer-scoped setting value, or nil
func (b *Buffer) Setting(name string) any {
	if b.Settings == nil {
		return nil
	}
	return b.Settings[name]
}

// SetSetting stores a buffer-scoped setting value
func (b *Buffer) SetSetting(name string, value any) {
	if b.Settings == nil {
		b.Settings = make(map[string]any)
	}
	b.Settings[name] = value
}

// Flag returns a transient buffer flag, or nil
func (b *Buffer) Flag(name string) any {
	if b.Flags == nil {
		return nil
	}
	return b.Flags[name]
}

// SetFlag stores a transient buffer flag
func (b *Buffer) SetFlag(name string, value any) {
	if b.Flags == nil {
		b.Flags = make(map[string]any)
	}
	b.Flags[name] = value
}

// LastMessage returns the most recent message in the buffer, or nil
func (b *Buffer) LastMessage() *Message {
	if len(b.Messages) == 0 {
		return nil
	}
	return b.Messages[len(b.Messages)-1]
}

// User is a nick visible somewhere on a network. The ID is assigned at
// creation and survives nick changes; Nick is the mutable lookup key.
type User struct {
	ID        string                       `json:"id"`
	NetworkID string                       `json:"networkid"`
	Nick      string                       `json:"nick"`
	Username  string                       `json:"username"`
	Host      string                       `json:"host"`
	Realname  string                       `json:"realname"`
	Away      string                       `json:"away"`
	Account   string                       `json:"account"`
	Modes     []string                     `json:"modes"`
	Buffers   map[string]*BufferMembership `json:"buffers"` // buffer ID -> membership
	Whois     map[string]any               `json:"whois"`
	WhoFlags  map[string]any               `json:"who_flags"`
}

// Message is an immutable line of buffer history
type Message struct {
	ID        int64             `json:"id"`
	BufferID  string            `json:"buffer_id"`
	NetworkID string            `json:"networkid"`
	Time      time.Time         `json:"time"`
	Nick      string            `json:"nick"`
	Message   string            `json:"message"`
	Type      MessageType       `json:"type"`
	Tags      map[string]string `json:"tags,omitempty"`
	Highlight bool              `json:"highlight,omitempty"`
}

// UserUpdate is a partial user record. The Nick is the lookup key and is
// always required; nil pointer fields are left untouched on merge, matching
// shallow field overwrite semantics.
type UserUpdate struct {
	Nick     string
	Username *string
	Host     *string
	Realname *string
	Away     *string
	Account  *string
	Modes    []string
}

// Str is a convenience for building UserUpdate pointer fields
func Str(v string) *string {
	return &v
}

// foldKey normalizes an identifier for case-insensitive lookup
func foldKey(s string) string {
	return strings.ToLower(s)
}
