package irc

import (
	"errors"
	"strings"
	"testing"

	"github.com/matt0x6f/headless-irc/internal/state"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	client, err := NewClient(Options{
		Server:      "irc.example.com",
		Nick:        "tester",
		NetworkID:   "1",
		NetworkName: "Example",
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return client
}

func TestNewClientDefaults(t *testing.T) {
	client, err := NewClient(Options{Server: "irc.example.com"})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	network := client.Network()
	if network == nil || network.State != state.StateDisconnected {
		t.Fatalf("unexpected network: %+v", network)
	}
	if !strings.HasPrefix(network.Nick, "Guest") {
		t.Fatalf("expected a Guest nick default, got %q", network.Nick)
	}
	if network.Connection.Port != 6667 || network.Connection.Encoding != "utf8" {
		t.Fatalf("unexpected connection defaults: %+v", network.Connection)
	}
	if client.Buffer("*") == nil {
		t.Fatal("server buffer should exist from construction")
	}
}

func TestNewClientValidatesOptions(t *testing.T) {
	if _, err := NewClient(Options{}); err == nil {
		t.Fatal("expected an error for a missing server")
	}
	if _, err := NewClient(Options{Server: "irc.example.com", Port: 70000}); err == nil {
		t.Fatal("expected an error for an out-of-range port")
	}
}

func TestOperationsRequireConnection(t *testing.T) {
	client := newTestClient(t)

	checks := map[string]error{
		"send":   client.Send("#chat", "hi"),
		"action": client.Action("#chat", "waves"),
		"join":   client.Join("#chat", ""),
		"part":   client.Part("#chat", ""),
		"nick":   client.ChangeNick("other"),
		"raw":    client.Raw("PING :x"),
	}
	for op, err := range checks {
		if !errors.Is(err, ErrNotConnected) {
			t.Fatalf("%s: expected ErrNotConnected, got %v", op, err)
		}
	}
}

func TestJoinValidatesChannelName(t *testing.T) {
	client := newTestClient(t)
	err := client.Join("chat", "")
	if err == nil || errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected a validation error, got %v", err)
	}
}

func TestHandleJoinUpdatesStoreAndPublishes(t *testing.T) {
	client := newTestClient(t)

	var joins []BufferUserEvent
	client.On(EventUserJoinedBuffer, func(args ...any) {
		joins = append(joins, args[0].(BufferUserEvent))
	})

	client.handleJoin("alice", "#chat")

	buffer := client.Buffer("#chat")
	if buffer == nil || !buffer.HasNick("alice") {
		t.Fatalf("membership missing after join: %+v", buffer)
	}
	if buffer.Joined {
		t.Fatal("a remote join must not mark the buffer joined")
	}
	if len(joins) != 1 || joins[0].User.Nick != "alice" {
		t.Fatalf("unexpected join events: %+v", joins)
	}
	if len(buffer.Messages) != 1 || buffer.Messages[0].Type != state.MsgTraffic {
		t.Fatalf("expected a traffic line, got %+v", buffer.Messages)
	}

	client.handleJoin("tester", "#chat")
	if !client.Buffer("#chat").Joined {
		t.Fatal("own join should mark the buffer joined")
	}
}

func TestHandlePartAndQuit(t *testing.T) {
	client := newTestClient(t)
	client.handleJoin("alice", "#chat")
	client.handleJoin("alice", "#dev")

	client.handlePart("alice", "#chat", "bye")
	if client.Buffer("#chat").HasNick("alice") {
		t.Fatal("alice should have left #chat")
	}
	if !client.Buffer("#dev").HasNick("alice") {
		t.Fatal("alice should still be in #dev")
	}

	var removed []UserRemovedEvent
	client.On(EventUserRemoved, func(args ...any) {
		removed = append(removed, args[0].(UserRemovedEvent))
	})

	client.handleQuit("alice", "leaving")

	if client.User("alice") != nil {
		t.Fatal("alice should be removed from the network")
	}
	if client.Buffer("#dev").HasNick("alice") {
		t.Fatal("quit should clear every buffer membership")
	}
	if len(removed) != 1 {
		t.Fatalf("expected one user-removed event, got %d", len(removed))
	}
}

func TestHandleNickChange(t *testing.T) {
	client := newTestClient(t)
	client.handleJoin("Bob", "#chat")

	client.handleNickChange("Bob", "Bobby")

	if client.User("Bob") != nil {
		t.Fatal("old nick should resolve to absent")
	}
	if client.User("bobby") == nil {
		t.Fatal("new nick should resolve")
	}
	if !client.Buffer("#chat").HasNick("Bobby") {
		t.Fatal("buffer membership should be re-keyed")
	}

	// Own nick follows the rename.
	client.handleNickChange("tester", "tester2")
	if client.Network().Nick != "tester2" {
		t.Fatalf("own nick not updated: %q", client.Network().Nick)
	}
}

func TestHandlePrivmsgRouting(t *testing.T) {
	client := newTestClient(t)

	// Channel message.
	client.handlePrivmsg("alice", "#chat", "hello tester!")
	buffer := client.Buffer("#chat")
	if buffer == nil || len(buffer.Messages) != 1 {
		t.Fatalf("channel message not stored: %+v", buffer)
	}
	if !buffer.Messages[0].Highlight {
		t.Fatal("own nick in the body should set the highlight flag")
	}

	// Direct message lands in a query buffer named for the sender.
	client.handlePrivmsg("alice", "tester", "psst")
	query := client.Buffer("alice")
	if query == nil || !query.IsQuery() || len(query.Messages) != 1 {
		t.Fatalf("query message not stored: %+v", query)
	}

	// CTCP ACTION is stored as an action.
	client.handlePrivmsg("alice", "#chat", "\x01ACTION waves\x01")
	last := buffer.LastMessage()
	if last.Type != state.MsgAction || last.Message != "waves" {
		t.Fatalf("unexpected action message: %+v", last)
	}
}

func TestHandleNames(t *testing.T) {
	client := newTestClient(t)

	published := 0
	client.On(EventUserJoinedBuffer, func(args ...any) { published++ })

	client.handleNames("#chat", "@alice +bob carol")

	buffer := client.Buffer("#chat")
	if len(buffer.Users) != 3 {
		t.Fatalf("expected 3 members, got %d", len(buffer.Users))
	}
	if !buffer.IsUserAnOp("alice") {
		t.Fatal("@ prefix should map to op")
	}
	if bu := buffer.Users["bob"]; bu == nil || !bu.HasMode("v") {
		t.Fatalf("+ prefix should map to voice: %+v", bu)
	}
	// Bulk updates publish no per-user events.
	if published != 0 {
		t.Fatalf("expected no join events for a NAMES batch, got %d", published)
	}
}

func TestHandleISupport(t *testing.T) {
	client := newTestClient(t)

	client.handleISupport([]string{"tester", "CHANTYPES=#&+", "PREFIX=(qov)~@+", "are supported by this server"})

	if client.Network().ChanTypes != "#&+" {
		t.Fatalf("CHANTYPES not applied: %q", client.Network().ChanTypes)
	}
	if !client.IsChannelName("+local") {
		t.Fatal("classification should follow CHANTYPES")
	}

	client.handleNames("#chat", "~owner @op +voiced")
	buffer := client.Buffer("#chat")
	if bu := buffer.Users["owner"]; bu == nil || !bu.HasMode("q") {
		t.Fatalf("~ prefix should map to q after PREFIX update: %+v", bu)
	}
}

func TestWhoBatchAppliesInTransaction(t *testing.T) {
	client := newTestClient(t)
	client.handleJoin("alice", "#chat")
	client.handleJoin("bob", "#chat")

	client.handleWhoReply([]string{"tester", "#chat", "al", "host1.example", "srv", "alice", "H", "0 Alice Liddell"})
	client.handleWhoReply([]string{"tester", "#chat", "rb", "host2.example", "srv", "bob", "G*", "0 Bob Rob"})
	client.handleWhoEnd()

	alice := client.User("alice")
	if alice.Username != "al" || alice.Host != "host1.example" || alice.Realname != "Alice Liddell" {
		t.Fatalf("WHO data not applied: %+v", alice)
	}
	if alice.WhoFlags["away"] != false {
		t.Fatalf("unexpected who flags: %+v", alice.WhoFlags)
	}

	bob := client.User("bob")
	if bob.Away == "" || bob.WhoFlags["away"] != true || bob.WhoFlags["operator"] != true {
		t.Fatalf("away/oper flags not applied: %+v away=%q", bob.WhoFlags, bob.Away)
	}
}

func TestHandleModeUpdatesMembership(t *testing.T) {
	client := newTestClient(t)
	client.handleJoin("alice", "#chat")
	client.handleJoin("bob", "#chat")

	client.handleMode("oper", "#chat", "+o-v+v", []string{"alice", "bob", "bob"})

	buffer := client.Buffer("#chat")
	if !buffer.IsUserAnOp("alice") {
		t.Fatal("+o not applied")
	}
	if bu := buffer.Users["bob"]; !bu.HasMode("v") {
		t.Fatalf("+v not applied: %+v", bu)
	}

	client.handleMode("oper", "#chat", "-o", []string{"alice"})
	if buffer.IsUserAnOp("alice") {
		t.Fatal("-o not applied")
	}
}

func TestModeRevokeAfterNamesPrefix(t *testing.T) {
	client := newTestClient(t)
	client.handleNames("#chat", "@alice")

	client.handleMode("oper", "#chat", "-o", []string{"alice"})

	buffer := client.Buffer("#chat")
	if buffer.IsUserAnOp("alice") {
		t.Fatal("-o not applied to the buffer side")
	}
	user := client.User("alice")
	if membership := user.Buffers[buffer.ID]; len(membership.Modes) != 0 {
		t.Fatalf("user-side membership out of step: %+v", membership.Modes)
	}
	if len(user.Modes) != 1 || user.Modes[0] != "o" {
		t.Fatalf("network-level modes must survive a channel mode change: %+v", user.Modes)
	}
}

func TestHandleServerErrorCollapsesRepeats(t *testing.T) {
	client := newTestClient(t)

	client.handleServerError("#private :Cannot join channel")
	client.handleServerError("#private :Cannot join channel")
	client.handleServerError("#other :Cannot join channel")

	buffer := client.Buffer("*")
	errorLines := 0
	for _, msg := range buffer.Messages {
		if msg.Type == state.MsgError {
			errorLines++
		}
	}
	if errorLines != 2 {
		t.Fatalf("expected 2 error lines, got %d", errorLines)
	}
	if client.Network().LastError != "#other :Cannot join channel" {
		t.Fatalf("last error not recorded: %q", client.Network().LastError)
	}
}

func TestHandleRegisteredAndDisconnected(t *testing.T) {
	client := newTestClient(t)

	var order []string
	client.On(EventRegistered, func(args ...any) {
		order = append(order, "registered")
	})
	client.On(EventDisconnected, func(args ...any) {
		order = append(order, "disconnected")
		if client.Network().State != state.StateDisconnected {
			t.Fatal("state must be updated before the event is published")
		}
	})

	client.handleRegistered("granted")
	if !client.IsRegistered() {
		t.Fatal("registered flag not set")
	}
	if client.Network().Nick != "granted" {
		t.Fatalf("confirmed nick not applied: %q", client.Network().Nick)
	}

	client.handleJoin("granted", "#chat")
	if !client.Buffer("#chat").Joined {
		t.Fatal("own join should mark the buffer joined")
	}
	client.handleDisconnected()

	if client.IsRegistered() {
		t.Fatal("registered flag should clear on disconnect")
	}
	buffer := client.Buffer("#chat")
	if buffer.Joined || len(buffer.Users) != 0 {
		t.Fatalf("channel state should be stale-cleared on disconnect: %+v", buffer)
	}
	if len(order) != 2 || order[0] != "registered" || order[1] != "disconnected" {
		t.Fatalf("unexpected event order: %+v", order)
	}
}

func TestSharedStoreAcrossClients(t *testing.T) {
	store := state.NewStore()

	first, err := NewClient(Options{Server: "irc.example.com", Nick: "a", NetworkID: "1", Store: store})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	second, err := NewClient(Options{Server: "irc2.example.com", Nick: "b", NetworkID: "2", Store: store})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	first.handleJoin("alice", "#chat")
	second.handleJoin("alice", "#chat")

	if store.GetUser("1", "alice") == store.GetUser("2", "alice") {
		t.Fatal("users must be scoped per network, not global")
	}

	store.SetActiveBuffer("2", "#chat")
	if got := store.ActiveNetwork(); got == nil || got.ID != "2" {
		t.Fatalf("unexpected active network: %+v", got)
	}
}
