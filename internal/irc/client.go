package irc

import (
	"encoding/base64"
	"errors"
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ergochat/irc-go/ircevent"
	"github.com/ergochat/irc-go/ircmsg"
	"github.com/matt0x6f/headless-irc/internal/constants"
	"github.com/matt0x6f/headless-irc/internal/events"
	"github.com/matt0x6f/headless-irc/internal/format"
	"github.com/matt0x6f/headless-irc/internal/logger"
	"github.com/matt0x6f/headless-irc/internal/state"
	"github.com/matt0x6f/headless-irc/internal/validation"
)

// ErrNotConnected is returned by protocol operations invoked without an
// active connection
var ErrNotConnected = errors.New("not connected")

// SASLConfig configures SASL authentication
type SASLConfig struct {
	Enabled          bool
	Mechanism        string // PLAIN, SCRAM-SHA-256 or SCRAM-SHA-512
	Username         string
	Password         string
	DisconnectOnFail bool
}

// Options configures a headless client. Zero values get sensible defaults;
// Store, Bus and Formatter may be supplied to share them across clients.
type Options struct {
	Server        string
	Port          int
	TLS           bool
	Path          string
	Password      string
	Nick          string
	Username      string
	Gecos         string
	Encoding      string
	AutoReconnect bool
	SASL          SASLConfig

	NetworkID   string
	NetworkName string
	AutoJoin    []string
	Settings    map[string]any

	Store     *state.Store
	Bus       *events.Bus
	Formatter format.Formatter
}

// Client is a headless IRC client: it drives the protocol connection and
// keeps the entity store current, publishing a domain event for every
// externally observable change.
type Client struct {
	opts      Options
	store     *state.Store
	bus       *events.Bus
	adapter   *Adapter
	formatter format.Formatter

	networkID string
	network   *state.Network
	conn      *ircevent.Connection

	mu                sync.RWMutex
	connected         bool
	registered        bool
	quitting          bool
	reconnectAttempts int

	saslMechanism     string
	saslUsername      string
	saslPassword      string
	saslInProgress    bool
	saslAuthenticated bool
	scramState        *SCRAMState

	whoMu       sync.Mutex
	whoPending  map[string]state.UserUpdate
	whoFlags    map[string]map[string]any
	prefixModes map[byte]string
}

// NewClient creates a headless client from options. The network entity is
// created in the store immediately; nothing touches the wire until Connect.
func NewClient(opts Options) (*Client, error) {
	if opts.Port == 0 {
		opts.Port = 6667
	}
	if opts.Nick == "" {
		opts.Nick = fmt.Sprintf("Guest%d", rand.Intn(100))
	}
	if opts.Username == "" {
		opts.Username = opts.Nick
	}
	if opts.Gecos == "" {
		opts.Gecos = "Headless IRC Client"
	}
	if opts.Encoding == "" {
		opts.Encoding = "utf8"
	}
	if opts.NetworkID == "" {
		opts.NetworkID = "1"
	}
	if opts.NetworkName == "" {
		opts.NetworkName = "Network"
	}

	if err := validation.ValidateConnectionConfig(opts.Server, opts.Port, opts.Nick); err != nil {
		return nil, err
	}

	store := opts.Store
	if store == nil {
		store = state.NewStore()
	}
	bus := opts.Bus
	if bus == nil {
		bus = events.NewBus()
	}
	formatter := opts.Formatter
	if formatter == nil {
		formatter = format.NewPlainText()
	}

	c := &Client{
		opts:          opts,
		store:         store,
		bus:           bus,
		adapter:       NewAdapter(store, bus),
		formatter:     formatter,
		networkID:     opts.NetworkID,
		saslMechanism: opts.SASL.Mechanism,
		saslUsername:  opts.SASL.Username,
		saslPassword:  opts.SASL.Password,
		whoPending:    make(map[string]state.UserUpdate),
		whoFlags:      make(map[string]map[string]any),
		prefixModes:   map[byte]string{'@': "o", '%': "h", '+': "v"},
	}

	network := store.GetOrCreateNetwork(c.networkID)
	network.Name = opts.NetworkName
	network.Nick = opts.Nick
	network.Username = opts.Username
	network.Gecos = opts.Gecos
	network.Connection = state.ConnectionConfig{
		Server:   opts.Server,
		Port:     opts.Port,
		TLS:      opts.TLS,
		Path:     opts.Path,
		Password: opts.Password,
		Direct:   true,
		Encoding: opts.Encoding,
		Nick:     opts.Nick,
	}
	c.network = network

	if opts.Settings != nil {
		store.MergeSettings(opts.Settings)
	}

	// The server buffer always exists.
	store.GetOrAddBuffer(c.networkID, state.ServerBufferName)

	c.conn = &ircevent.Connection{
		Server:        fmt.Sprintf("%s:%d", opts.Server, opts.Port),
		Nick:          opts.Nick,
		User:          opts.Username,
		RealName:      opts.Gecos,
		UseTLS:        opts.TLS,
		Password:      opts.Password,
		ReconnectFreq: 0, // reconnection is handled here, with backoff
	}
	c.setupHandlers()

	if opts.SASL.Enabled {
		logger.Log.Debug().
			Str("network", network.Name).
			Str("mechanism", c.saslMechanism).
			Str("username", c.saslUsername).
			Msg("SASL enabled")
	}

	return c, nil
}

// Store returns the entity store backing this client
func (c *Client) Store() *state.Store {
	return c.store
}

// Bus returns the event bus domain events are published on
func (c *Client) Bus() *events.Bus {
	return c.bus
}

// Adapter returns the legacy state adapter wrapping the store
func (c *Client) Adapter() *Adapter {
	return c.adapter
}

// Network returns this client's network entity
func (c *Client) Network() *state.Network {
	return c.network
}

// On subscribes a handler to a domain event and returns an unsubscribe
// function
func (c *Client) On(event string, handler events.Handler) func() {
	return c.bus.Subscribe(event, handler)
}

// IsConnected returns whether the client has an established connection
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// IsRegistered returns whether registration with the server completed
func (c *Client) IsRegistered() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.registered
}

// Buffer returns the named buffer on this client's network, or nil
func (c *Client) Buffer(name string) *state.Buffer {
	return c.store.GetBuffer(c.networkID, name)
}

// Buffers returns the network's buffers in creation order
func (c *Client) Buffers() []*state.Buffer {
	return c.network.Buffers
}

// User returns the network user for nick, or nil
func (c *Client) User(nick string) *state.User {
	return c.store.GetUser(c.networkID, nick)
}

// Users returns the network's user mapping keyed by folded nick
func (c *Client) Users() map[string]*state.User {
	return c.network.Users
}

// IsChannelName reports whether name is a channel per the server's
// advertised prefixes
func (c *Client) IsChannelName(name string) bool {
	return c.network.IsChannelName(name)
}

// Connect establishes the connection. The network state moves to
// connecting before the dial and to connected once the socket is up; a
// dial failure moves it to disconnected with the error recorded.
func (c *Client) Connect() error {
	c.mu.Lock()
	c.quitting = false
	c.mu.Unlock()

	c.adapter.Connecting(c.network)

	if err := c.conn.Connect(); err != nil {
		logger.Log.Error().Err(err).Str("server", c.conn.Server).Msg("Connection failed")
		c.adapter.Disconnected(c.network, err.Error())
		c.scheduleReconnect()
		return err
	}

	c.mu.Lock()
	c.connected = true
	c.reconnectAttempts = 0
	c.mu.Unlock()

	c.adapter.Connected(c.network)

	go c.conn.Loop()
	return nil
}

// Disconnect quits the connection. Auto-reconnect is suppressed for a
// deliberate disconnect.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.quitting = true
	connected := c.connected
	c.mu.Unlock()

	if connected {
		c.conn.Quit()
	}
}

func (c *Client) ensureConnected() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.connected {
		return ErrNotConnected
	}
	return nil
}

// Send sends a message to a channel or user and echoes it into the local
// buffer
func (c *Client) Send(target, text string) error {
	if err := c.ensureConnected(); err != nil {
		return err
	}
	c.conn.Privmsg(target, text)

	buffer := c.adapter.GetOrAddBuffer(c.networkID, target)
	c.adapter.AddMessage(buffer, state.Message{
		Nick:    c.network.Nick,
		Message: text,
		Type:    state.MsgPrivmsg,
	})
	return nil
}

// Action sends a /me action. The local echo goes through the formatter,
// since an action line has no server-rendered form to store.
func (c *Client) Action(target, text string) error {
	if err := c.ensureConnected(); err != nil {
		return err
	}
	c.conn.Privmsg(target, "\x01ACTION "+text+"\x01")

	buffer := c.adapter.GetOrAddBuffer(c.networkID, target)
	c.adapter.AddMessage(buffer, state.Message{
		Nick:    c.network.Nick,
		Message: c.formatter.FormatText(state.MsgAction, c.network.Nick, text),
		Type:    state.MsgAction,
	})
	return nil
}

// Join joins a channel, optionally with a key
func (c *Client) Join(channel, key string) error {
	if err := validation.ValidateChannelName(channel); err != nil {
		return err
	}
	if err := c.ensureConnected(); err != nil {
		return err
	}
	if key != "" {
		c.conn.SendRaw(fmt.Sprintf("JOIN %s %s", channel, key))
	} else {
		c.conn.Join(channel)
	}
	return nil
}

// Part leaves a channel
func (c *Client) Part(channel, reason string) error {
	if err := c.ensureConnected(); err != nil {
		return err
	}
	if reason != "" {
		c.conn.SendRaw(fmt.Sprintf("PART %s :%s", channel, reason))
	} else {
		c.conn.Part(channel)
	}
	return nil
}

// ChangeNick requests a nickname change. The store is updated when the
// server confirms with a NICK line.
func (c *Client) ChangeNick(newNick string) error {
	if err := validation.ValidateNickname(newNick); err != nil {
		return err
	}
	if err := c.ensureConnected(); err != nil {
		return err
	}
	c.conn.SendRaw("NICK " + newNick)
	return nil
}

// Raw sends a raw protocol line
func (c *Client) Raw(line string) error {
	if err := c.ensureConnected(); err != nil {
		return err
	}
	c.conn.SendRaw(line)
	return nil
}

func (c *Client) serverBuffer() *state.Buffer {
	return c.store.GetOrAddBuffer(c.networkID, state.ServerBufferName)
}

func (c *Client) isSelf(nick string) bool {
	return strings.EqualFold(nick, c.network.Nick)
}

func containsFold(haystack, needle string) bool {
	return needle != "" && strings.Contains(strings.ToLower(haystack), strings.ToLower(needle))
}

func (c *Client) scheduleReconnect() {
	c.mu.Lock()
	if !c.opts.AutoReconnect || c.quitting {
		c.mu.Unlock()
		return
	}
	c.reconnectAttempts++
	delay := constants.ReconnectDelay * time.Duration(1<<uint(c.reconnectAttempts-1))
	if delay > constants.ReconnectMaxDelay {
		delay = constants.ReconnectMaxDelay
	}
	c.mu.Unlock()

	logger.Log.Info().Dur("delay", delay).Str("server", c.conn.Server).Msg("Scheduling reconnect")
	time.AfterFunc(delay, func() {
		c.mu.RLock()
		skip := c.connected || c.quitting
		c.mu.RUnlock()
		if !skip {
			c.Connect()
		}
	})
}

// setupHandlers wires the protocol callbacks to the typed handlers below
func (c *Client) setupHandlers() {
	// Raw line log, kept in the *raw buffer when enabled via settings.
	c.conn.AddCallback("", func(e ircmsg.Message) {
		if c.store.Setting("log_raw") != true {
			return
		}
		rawLine, _ := e.Line()
		raw := c.store.GetOrAddBuffer(c.networkID, state.RawBufferName)
		c.adapter.AddMessage(raw, state.Message{
			Message: rawLine,
			Type:    state.MsgTraffic,
		})
	})

	// Fires once registration with the server completes.
	c.conn.AddConnectCallback(func(e ircmsg.Message) {
		confirmed := ""
		if len(e.Params) > 0 {
			confirmed = e.Params[0]
		}
		c.handleRegistered(confirmed)
	})

	c.conn.AddDisconnectCallback(func(e ircmsg.Message) {
		c.handleDisconnected()
	})

	c.conn.AddCallback("005", func(e ircmsg.Message) {
		c.handleISupport(e.Params)
	})

	c.conn.AddCallback("JOIN", func(e ircmsg.Message) {
		if len(e.Params) < 1 {
			return
		}
		c.handleJoin(e.Nick(), e.Params[0])
	})

	c.conn.AddCallback("PART", func(e ircmsg.Message) {
		if len(e.Params) < 1 {
			return
		}
		reason := ""
		if len(e.Params) > 1 {
			reason = e.Params[1]
		}
		c.handlePart(e.Nick(), e.Params[0], reason)
	})

	c.conn.AddCallback("KICK", func(e ircmsg.Message) {
		if len(e.Params) < 2 {
			return
		}
		reason := ""
		if len(e.Params) > 2 {
			reason = e.Params[2]
		}
		c.handleKick(e.Nick(), e.Params[0], e.Params[1], reason)
	})

	c.conn.AddCallback("QUIT", func(e ircmsg.Message) {
		reason := ""
		if len(e.Params) > 0 {
			reason = e.Params[0]
		}
		c.handleQuit(e.Nick(), reason)
	})

	c.conn.AddCallback("NICK", func(e ircmsg.Message) {
		if len(e.Params) < 1 {
			return
		}
		c.handleNickChange(e.Nick(), e.Params[0])
	})

	c.conn.AddCallback("PRIVMSG", func(e ircmsg.Message) {
		if len(e.Params) < 2 {
			return
		}
		c.handlePrivmsg(e.Nick(), e.Params[0], e.Params[1])
	})

	c.conn.AddCallback("NOTICE", func(e ircmsg.Message) {
		if len(e.Params) < 2 {
			return
		}
		c.handleNotice(e.Nick(), e.Params[0], e.Params[1])
	})

	c.conn.AddCallback("TOPIC", func(e ircmsg.Message) {
		if len(e.Params) < 2 {
			return
		}
		c.handleTopic(e.Nick(), e.Params[0], e.Params[1])
	})

	// RPL_TOPIC and RPL_TOPICWHOTIME on join.
	c.conn.AddCallback("332", func(e ircmsg.Message) {
		if len(e.Params) < 3 {
			return
		}
		if buffer := c.store.GetBuffer(c.networkID, e.Params[1]); buffer != nil {
			buffer.Topic = e.Params[2]
		}
	})
	c.conn.AddCallback("333", func(e ircmsg.Message) {
		if len(e.Params) < 4 {
			return
		}
		if buffer := c.store.GetBuffer(c.networkID, e.Params[1]); buffer != nil {
			buffer.TopicBy = e.Params[2]
			if when, err := strconv.ParseInt(e.Params[3], 10, 64); err == nil {
				buffer.TopicWhen = when
			}
		}
	})

	// RPL_NAMREPLY / RPL_ENDOFNAMES.
	c.conn.AddCallback("353", func(e ircmsg.Message) {
		if len(e.Params) < 4 {
			return
		}
		c.handleNames(e.Params[2], e.Params[3])
	})

	// RPL_WHOREPLY / RPL_ENDOFWHO.
	c.conn.AddCallback("352", func(e ircmsg.Message) {
		c.handleWhoReply(e.Params)
	})
	c.conn.AddCallback("315", func(e ircmsg.Message) {
		c.handleWhoEnd()
	})

	// RPL_AWAY.
	c.conn.AddCallback("301", func(e ircmsg.Message) {
		if len(e.Params) < 3 {
			return
		}
		c.adapter.AddUser(c.networkID, state.UserUpdate{
			Nick: e.Params[1],
			Away: state.Str(e.Params[2]),
		})
	})

	// away-notify and account-notify extensions.
	c.conn.AddCallback("AWAY", func(e ircmsg.Message) {
		away := ""
		if len(e.Params) > 0 {
			away = e.Params[0]
		}
		c.adapter.AddUser(c.networkID, state.UserUpdate{
			Nick: e.Nick(),
			Away: state.Str(away),
		})
	})
	c.conn.AddCallback("ACCOUNT", func(e ircmsg.Message) {
		if len(e.Params) < 1 {
			return
		}
		account := e.Params[0]
		if account == "*" {
			account = ""
		}
		c.adapter.AddUser(c.networkID, state.UserUpdate{
			Nick:    e.Nick(),
			Account: state.Str(account),
		})
	})

	c.conn.AddCallback("MODE", func(e ircmsg.Message) {
		if len(e.Params) < 2 {
			return
		}
		c.handleMode(e.Nick(), e.Params[0], e.Params[1], e.Params[2:])
	})

	// MOTD.
	for _, numeric := range []string{"375", "372"} {
		c.conn.AddCallback(numeric, func(e ircmsg.Message) {
			if len(e.Params) < 2 {
				return
			}
			c.adapter.AddMessage(c.serverBuffer(), state.Message{
				Message: e.Params[len(e.Params)-1],
				Type:    state.MsgMOTD,
			})
		})
	}

	c.conn.AddCallback("WALLOPS", func(e ircmsg.Message) {
		if len(e.Params) < 1 {
			return
		}
		c.adapter.AddMessage(c.serverBuffer(), state.Message{
			Nick:    e.Nick(),
			Message: e.Params[len(e.Params)-1],
			Type:    state.MsgWallops,
		})
	})

	c.conn.AddCallback("INVITE", func(e ircmsg.Message) {
		if len(e.Params) < 2 {
			return
		}
		c.adapter.AddMessage(c.serverBuffer(), state.Message{
			Nick:    e.Nick(),
			Message: fmt.Sprintf("%s invited %s to %s", e.Nick(), e.Params[0], e.Params[1]),
			Type:    state.MsgInvite,
		})
	})

	c.conn.AddCallback("ERROR", func(e ircmsg.Message) {
		text := "Server error"
		if len(e.Params) > 0 {
			text = e.Params[len(e.Params)-1]
		}
		c.handleServerError(text)
	})

	// Common error numerics land in the server buffer; duplicates collapse.
	for _, numeric := range []string{"401", "403", "404", "421", "433", "442", "471", "473", "474", "475"} {
		c.conn.AddCallback(numeric, func(e ircmsg.Message) {
			if len(e.Params) < 2 {
				return
			}
			c.handleServerError(strings.Join(e.Params[1:], " "))
		})
	}

	c.setupSASLHandlers()
}

// handleRegistered runs when the server accepts registration
func (c *Client) handleRegistered(confirmedNick string) {
	c.mu.Lock()
	c.registered = true
	c.mu.Unlock()

	if confirmedNick != "" {
		c.network.Nick = confirmedNick
	}

	c.adapter.AddMessage(c.serverBuffer(), state.Message{
		Message: "Connected to server",
		Type:    state.MsgTraffic,
	})
	c.adapter.Registered(c.network)

	// Post-registration CAP negotiation for SASL. Ideally CAP LS goes out
	// before registration completes, but the connection layer owns that
	// window; servers accept a post-registration REAUTHENTICATE-style flow.
	if c.opts.SASL.Enabled {
		c.conn.SendRaw("CAP LS 302")
	}

	if len(c.opts.AutoJoin) > 0 {
		time.AfterFunc(constants.AutoJoinDelay, func() {
			for _, channel := range c.opts.AutoJoin {
				if err := c.Join(channel, ""); err != nil {
					logger.Log.Warn().Err(err).Str("channel", channel).Msg("Auto-join failed")
				}
			}
		})
	}
}

// handleDisconnected runs when the socket closes for any reason
func (c *Client) handleDisconnected() {
	c.mu.Lock()
	c.connected = false
	c.registered = false
	c.saslInProgress = false
	c.saslAuthenticated = false
	c.scramState = nil
	c.mu.Unlock()

	// Membership is stale once the connection is gone.
	for _, buffer := range c.network.Buffers {
		if buffer.IsChannel() {
			buffer.Joined = false
			c.store.ClearBufferUsers(buffer)
		}
	}

	c.adapter.AddMessage(c.serverBuffer(), state.Message{
		Message: "Disconnected from server",
		Type:    state.MsgTraffic,
	})
	c.adapter.Disconnected(c.network, c.network.StateError)
	c.scheduleReconnect()
}

// handleISupport applies the ISUPPORT tokens the store cares about
func (c *Client) handleISupport(params []string) {
	for _, token := range params {
		switch {
		case strings.HasPrefix(token, "CHANTYPES="):
			c.network.ChanTypes = strings.TrimPrefix(token, "CHANTYPES=")
		case strings.HasPrefix(token, "PREFIX="):
			c.applyPrefixToken(strings.TrimPrefix(token, "PREFIX="))
		}
	}
}

// applyPrefixToken parses a PREFIX token like "(ov)@+" into the
// prefix-symbol to mode-letter mapping
func (c *Client) applyPrefixToken(token string) {
	if !strings.HasPrefix(token, "(") {
		return
	}
	closing := strings.Index(token, ")")
	if closing < 0 || len(token) <= closing+1 {
		return
	}
	modes := token[1:closing]
	symbols := token[closing+1:]
	if len(modes) != len(symbols) {
		return
	}
	mapping := make(map[byte]string, len(modes))
	for i := 0; i < len(modes); i++ {
		mapping[symbols[i]] = string(modes[i])
	}
	c.whoMu.Lock()
	c.prefixModes = mapping
	c.whoMu.Unlock()
}

func (c *Client) handleJoin(nick, channel string) {
	logger.Log.Debug().
		Str("user", nick).
		Str("channel", channel).
		Str("network", c.network.Name).
		Msg("User joined channel")

	buffer := c.adapter.GetOrAddBuffer(c.networkID, channel)
	if c.isSelf(nick) {
		buffer.Joined = true
	}
	c.adapter.AddUserToBuffer(buffer, state.UserUpdate{Nick: nick})
	c.adapter.AddMessage(buffer, state.Message{
		Nick:    nick,
		Message: fmt.Sprintf("%s joined %s", nick, channel),
		Type:    state.MsgTraffic,
	})
}

func (c *Client) handlePart(nick, channel, reason string) {
	buffer := c.store.GetBuffer(c.networkID, channel)
	if buffer == nil {
		return
	}

	text := fmt.Sprintf("%s left %s", nick, channel)
	if reason != "" {
		text += " (" + reason + ")"
	}
	c.adapter.AddMessage(buffer, state.Message{
		Nick:    nick,
		Message: text,
		Type:    state.MsgTraffic,
	})

	c.adapter.RemoveUserFromBuffer(buffer, nick)
	if c.isSelf(nick) {
		buffer.Joined = false
		c.store.ClearBufferUsers(buffer)
	}
}

func (c *Client) handleKick(by, channel, target, reason string) {
	buffer := c.store.GetBuffer(c.networkID, channel)
	if buffer == nil {
		return
	}

	text := fmt.Sprintf("%s kicked %s from %s", by, target, channel)
	if reason != "" {
		text += " (" + reason + ")"
	}
	c.adapter.AddMessage(buffer, state.Message{
		Nick:    by,
		Message: text,
		Type:    state.MsgTraffic,
	})

	c.adapter.RemoveUserFromBuffer(buffer, target)
	if c.isSelf(target) {
		buffer.Joined = false
		c.store.ClearBufferUsers(buffer)
	}
}

// handleQuit removes the user from every buffer before removing them from
// the network index; RemoveUser does not cascade on its own.
func (c *Client) handleQuit(nick, reason string) {
	text := fmt.Sprintf("%s quit", nick)
	if reason != "" {
		text += " (" + reason + ")"
	}

	for _, buffer := range c.adapter.GetBuffersWithUser(c.networkID, nick) {
		c.adapter.AddMessage(buffer, state.Message{
			Nick:    nick,
			Message: text,
			Type:    state.MsgPresence,
		})
		c.adapter.RemoveUserFromBuffer(buffer, nick)
	}
	c.adapter.RemoveUser(c.networkID, nick)
}

func (c *Client) handleNickChange(oldNick, newNick string) {
	c.adapter.ChangeUserNick(c.networkID, oldNick, newNick)
	if c.isSelf(oldNick) {
		c.network.Nick = newNick
		c.network.Connection.Nick = newNick
	}

	for _, buffer := range c.adapter.GetBuffersWithUser(c.networkID, newNick) {
		c.adapter.AddMessage(buffer, state.Message{
			Nick:    newNick,
			Message: fmt.Sprintf("%s is now known as %s", oldNick, newNick),
			Type:    state.MsgNick,
		})
	}
}

func (c *Client) handlePrivmsg(nick, target, text string) {
	msgType := state.MsgPrivmsg

	// CTCP messages are wrapped in \001.
	if len(text) >= 2 && text[0] == '\x01' && text[len(text)-1] == '\x01' {
		ctcp := text[1 : len(text)-1]
		parts := strings.Fields(ctcp)
		if len(parts) == 0 {
			return
		}
		command := strings.ToUpper(parts[0])
		args := strings.Join(parts[1:], " ")
		if command != "ACTION" {
			c.handleCTCPRequest(nick, command, args)
			return
		}
		msgType = state.MsgAction
		text = args
	}

	bufferName := target
	if !c.IsChannelName(target) {
		// Direct message: the buffer is named after the remote party.
		bufferName = nick
		if c.isSelf(nick) && !c.isSelf(target) {
			bufferName = target
		}
	}

	buffer := c.adapter.GetOrAddBuffer(c.networkID, bufferName)
	c.adapter.AddMessage(buffer, state.Message{
		Nick:      nick,
		Message:   text,
		Type:      msgType,
		Highlight: !c.isSelf(nick) && containsFold(text, c.network.Nick),
	})
}

func (c *Client) handleNotice(nick, target, text string) {
	var buffer *state.Buffer
	switch {
	case c.IsChannelName(target):
		buffer = c.adapter.GetOrAddBuffer(c.networkID, target)
	case nick != "" && c.isSelf(target):
		// Notice addressed to us from another user.
		buffer = c.adapter.GetOrAddBuffer(c.networkID, nick)
	default:
		// Server notices and pre-registration targets like "*".
		buffer = c.serverBuffer()
	}

	c.adapter.AddMessage(buffer, state.Message{
		Nick:      nick,
		Message:   text,
		Type:      state.MsgNotice,
		Highlight: !c.isSelf(nick) && containsFold(text, c.network.Nick),
	})
}

// handleCTCPRequest answers the common CTCP queries
func (c *Client) handleCTCPRequest(nick, command, args string) {
	logger.Log.Debug().Str("user", nick).Str("command", command).Msg("CTCP request")
	switch command {
	case "VERSION":
		c.conn.Notice(nick, "\x01VERSION headless-irc\x01")
	case "PING":
		c.conn.Notice(nick, "\x01PING "+args+"\x01")
	case "TIME":
		c.conn.Notice(nick, "\x01TIME "+time.Now().Format(time.RFC1123)+"\x01")
	}
}

func (c *Client) handleTopic(nick, channel, topic string) {
	buffer := c.adapter.GetOrAddBuffer(c.networkID, channel)
	buffer.Topic = topic
	buffer.TopicBy = nick
	buffer.TopicWhen = time.Now().Unix()

	c.adapter.AddMessage(buffer, state.Message{
		Nick:    nick,
		Message: fmt.Sprintf("%s changed the topic to: %s", nick, topic),
		Type:    state.MsgTopic,
	})
}

// handleNames applies one RPL_NAMREPLY line as a bulk membership update
func (c *Client) handleNames(channel, names string) {
	buffer := c.adapter.GetOrAddBuffer(c.networkID, channel)

	c.whoMu.Lock()
	prefixes := c.prefixModes
	c.whoMu.Unlock()

	var updates []state.UserUpdate
	for _, name := range strings.Fields(names) {
		var modes []string
		for len(name) > 0 {
			mode, ok := prefixes[name[0]]
			if !ok {
				break
			}
			modes = append(modes, mode)
			name = name[1:]
		}
		if name == "" {
			continue
		}
		update := state.UserUpdate{Nick: name}
		if modes != nil {
			update.Modes = modes
		}
		updates = append(updates, update)
	}
	c.adapter.AddUsersToBuffer(buffer, updates)
}

// handleWhoReply accumulates one RPL_WHOREPLY line; the batch is applied at
// RPL_ENDOFWHO in a single users transaction
func (c *Client) handleWhoReply(params []string) {
	// <me> <channel> <user> <host> <server> <nick> <flags> :<hops> <realname>
	if len(params) < 8 {
		return
	}
	username, host, nick, flags := params[2], params[3], params[5], params[6]
	realname := params[7]
	if idx := strings.IndexByte(realname, ' '); idx >= 0 {
		realname = realname[idx+1:]
	}

	away := ""
	if strings.ContainsRune(flags, 'G') {
		away = "Away"
	}

	c.whoMu.Lock()
	defer c.whoMu.Unlock()
	key := strings.ToLower(nick)
	c.whoPending[key] = state.UserUpdate{
		Nick:     nick,
		Username: state.Str(username),
		Host:     state.Str(host),
		Realname: state.Str(realname),
		Away:     state.Str(away),
	}
	c.whoFlags[key] = map[string]any{
		"away":     away != "",
		"operator": strings.ContainsRune(flags, '*'),
	}
}

// handleWhoEnd applies the accumulated WHO batch without per-user events
func (c *Client) handleWhoEnd() {
	c.whoMu.Lock()
	pending := c.whoPending
	flags := c.whoFlags
	c.whoPending = make(map[string]state.UserUpdate)
	c.whoFlags = make(map[string]map[string]any)
	c.whoMu.Unlock()

	if len(pending) == 0 {
		return
	}

	c.adapter.UsersTransaction(c.networkID, func(users map[string]*state.User) {
		for key, update := range pending {
			user, ok := users[strings.ToUpper(key)]
			if !ok {
				continue
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
			for name, value := range flags[key] {
				user.WhoFlags[name] = value
			}
		}
	})
}

// handleMode applies channel membership mode changes (+o/-o and friends)
func (c *Client) handleMode(by, target, modes string, args []string) {
	if !c.IsChannelName(target) {
		return
	}
	buffer := c.store.GetBuffer(c.networkID, target)
	if buffer == nil {
		return
	}

	c.adapter.AddMessage(buffer, state.Message{
		Nick:    by,
		Message: fmt.Sprintf("%s sets mode %s %s", by, modes, strings.Join(args, " ")),
		Type:    state.MsgMode,
	})

	adding := true
	argIdx := 0
	for _, mode := range modes {
		switch mode {
		case '+':
			adding = true
		case '-':
			adding = false
		case 'o', 'h', 'v':
			if argIdx >= len(args) {
				return
			}
			c.store.UpdateBufferUserMode(buffer, args[argIdx], string(mode), adding)
			argIdx++
		case 'b', 'k', 'l', 'e', 'I':
			// Modes with an argument we do not track per-member.
			if argIdx < len(args) {
				argIdx++
			}
		}
	}
}

// handleServerError records a transient server error, collapsing repeats
func (c *Client) handleServerError(text string) {
	logger.Log.Warn().Str("network", c.network.Name).Str("error", text).Msg("Server error")
	c.network.LastError = text
	c.adapter.AddMessageNoRepeat(c.serverBuffer(), state.Message{
		Message: text,
		Type:    state.MsgError,
	})
}

// setupSASLHandlers wires the CAP/AUTHENTICATE flow. PLAIN is answered
// inline; SCRAM is handled in scram.go.
func (c *Client) setupSASLHandlers() {
	c.conn.AddCallback("CAP", func(e ircmsg.Message) {
		if !c.opts.SASL.Enabled || len(e.Params) < 3 {
			return
		}
		subcommand := e.Params[1]
		caps := e.Params[2]
		switch subcommand {
		case "LS":
			if strings.Contains(caps, "sasl") {
				c.conn.SendRaw("CAP REQ :sasl")
			}
		case "ACK":
			if strings.Contains(caps, "sasl") {
				c.mu.Lock()
				c.saslInProgress = true
				c.mu.Unlock()
				c.conn.SendRaw("AUTHENTICATE " + c.saslMechanism)
			}
		case "NAK":
			c.conn.SendRaw("CAP END")
		}
	})

	c.conn.AddCallback("AUTHENTICATE", func(e ircmsg.Message) {
		if len(e.Params) < 1 {
			return
		}
		response := e.Params[0]
		switch c.saslMechanism {
		case "PLAIN":
			if response == "+" {
				payload := c.saslUsername + "\x00" + c.saslUsername + "\x00" + c.saslPassword
				c.conn.SendRaw("AUTHENTICATE " + base64.StdEncoding.EncodeToString([]byte(payload)))
			}
		case "SCRAM-SHA-256", "SCRAM-SHA-512":
			c.handleSCRAMAuth(response)
		}
	})

	// RPL_SASLSUCCESS.
	c.conn.AddCallback("903", func(e ircmsg.Message) {
		c.mu.Lock()
		c.saslInProgress = false
		c.saslAuthenticated = true
		c.scramState = nil
		c.mu.Unlock()
		c.adapter.AddMessage(c.serverBuffer(), state.Message{
			Message: "SASL authentication successful",
			Type:    state.MsgTraffic,
		})
		c.conn.SendRaw("CAP END")
	})

	// ERR_SASLFAIL and ERR_SASLABORTED.
	for _, numeric := range []string{"904", "906"} {
		c.conn.AddCallback(numeric, func(e ircmsg.Message) {
			c.mu.Lock()
			c.saslInProgress = false
			c.scramState = nil
			c.mu.Unlock()
			c.handleServerError("SASL authentication failed")
			if c.opts.SASL.DisconnectOnFail {
				c.Disconnect()
			} else {
				c.conn.SendRaw("CAP END")
			}
		})
	}
}
