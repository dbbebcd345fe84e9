package irc

import (
	"testing"

	"github.com/matt0x6f/headless-irc/internal/events"
	"github.com/matt0x6f/headless-irc/internal/state"
)

func newTestAdapter() (*Adapter, *state.Store, *events.Bus) {
	store := state.NewStore()
	bus := events.NewBus()
	return NewAdapter(store, bus), store, bus
}

func TestJoinLeaveScenario(t *testing.T) {
	adapter, store, bus := newTestAdapter()

	store.GetOrCreateNetwork("1")
	buffer := adapter.GetOrAddBuffer("1", "#chat")

	var joins []BufferUserEvent
	bus.Subscribe(EventUserJoinedBuffer, func(args ...any) {
		joins = append(joins, args[0].(BufferUserEvent))
	})

	adapter.AddUserToBuffer(buffer, state.UserUpdate{Nick: "alice"})

	if len(joins) != 1 {
		t.Fatalf("expected 1 join event, got %d", len(joins))
	}
	ev := joins[0]
	if ev.Buffer != "#chat" || ev.NetworkID != "1" {
		t.Fatalf("unexpected join payload: %+v", ev)
	}
	if ev.User == nil || ev.User.Nick != "alice" {
		t.Fatalf("unexpected user in join payload: %+v", ev.User)
	}

	// Removal with different case succeeds and the membership invariant
	// holds empty on both sides.
	var leaves []BufferNickEvent
	bus.Subscribe(EventUserLeftBuffer, func(args ...any) {
		leaves = append(leaves, args[0].(BufferNickEvent))
	})

	adapter.RemoveUserFromBuffer(buffer, "ALICE")

	if len(leaves) != 1 || leaves[0].Nick != "ALICE" || leaves[0].Buffer != "#chat" {
		t.Fatalf("unexpected leave events: %+v", leaves)
	}
	if len(buffer.Users) != 0 {
		t.Fatalf("buffer membership not empty: %+v", buffer.Users)
	}
	if user := store.GetUser("1", "alice"); user == nil || len(user.Buffers) != 0 {
		t.Fatalf("user side of membership not empty: %+v", user)
	}
}

func TestMessageEventAndPanicContainment(t *testing.T) {
	adapter, _, bus := newTestAdapter()
	buffer := adapter.GetOrAddBuffer("1", "#chat")

	var errPayload []any
	bus.Subscribe(events.ErrorEvent, func(args ...any) {
		errPayload = args
	})
	bus.Subscribe(EventMessage, func(args ...any) {
		panic("subscriber broke")
	})
	var got []MessageEvent
	bus.Subscribe(EventMessage, func(args ...any) {
		got = append(got, args[0].(MessageEvent))
	})

	adapter.AddMessage(buffer, state.Message{Nick: "alice", Message: "hi", Type: state.MsgPrivmsg})

	if len(got) != 1 {
		t.Fatalf("panicking subscriber blocked dispatch: %d events", len(got))
	}
	if got[0].Buffer != "#chat" || got[0].NetworkID != "1" || got[0].Message.Message != "hi" {
		t.Fatalf("unexpected message payload: %+v", got[0])
	}
	if got[0].Message.ID == 0 {
		t.Fatal("payload should carry the stored message with its id")
	}
	if len(errPayload) != 2 || errPayload[0] != "subscriber broke" || errPayload[1] != EventMessage {
		t.Fatalf("unexpected error event payload: %+v", errPayload)
	}
}

func TestNoRepeatStillPublishes(t *testing.T) {
	adapter, _, bus := newTestAdapter()
	buffer := adapter.GetOrAddBuffer("1", "*")

	published := 0
	bus.Subscribe(EventMessage, func(args ...any) { published++ })

	adapter.AddMessageNoRepeat(buffer, state.Message{Message: "no such channel", Type: state.MsgError})
	adapter.AddMessageNoRepeat(buffer, state.Message{Message: "no such channel", Type: state.MsgError})

	if len(buffer.Messages) != 1 {
		t.Fatalf("expected 1 stored message, got %d", len(buffer.Messages))
	}
	// The legacy surface publishes per call, not per append.
	if published != 2 {
		t.Fatalf("expected 2 message events, got %d", published)
	}
}

func TestNickChangeEvent(t *testing.T) {
	adapter, store, bus := newTestAdapter()
	buffer := adapter.GetOrAddBuffer("1", "#chat")
	adapter.AddUserToBuffer(buffer, state.UserUpdate{Nick: "Bob"})

	var changes []NickChangedEvent
	bus.Subscribe(EventUserNickChanged, func(args ...any) {
		changes = append(changes, args[0].(NickChangedEvent))
	})

	adapter.ChangeUserNick("1", "Bob", "Bobby")

	if len(changes) != 1 || changes[0].OldNick != "Bob" || changes[0].NewNick != "Bobby" {
		t.Fatalf("unexpected nick change events: %+v", changes)
	}
	if store.GetUser("1", "bob") != nil || store.GetUser("1", "bobby") == nil {
		t.Fatal("store not re-keyed")
	}
}

func TestUserRemovedEvent(t *testing.T) {
	adapter, _, bus := newTestAdapter()
	adapter.AddUser("1", state.UserUpdate{Nick: "alice"})

	var removed []UserRemovedEvent
	bus.Subscribe(EventUserRemoved, func(args ...any) {
		removed = append(removed, args[0].(UserRemovedEvent))
	})

	adapter.RemoveUser("1", "alice")

	if len(removed) != 1 || removed[0].Nick != "alice" || removed[0].NetworkID != "1" {
		t.Fatalf("unexpected user-removed events: %+v", removed)
	}
}

func TestLifecycleStateVisibleToHandlers(t *testing.T) {
	adapter, store, bus := newTestAdapter()
	network := store.GetOrCreateNetwork("1")

	// State must be mutated before the event is published.
	var seen []state.ConnectionState
	bus.Subscribe(EventConnecting, func(args ...any) {
		seen = append(seen, network.State)
	})
	bus.Subscribe(EventDisconnected, func(args ...any) {
		seen = append(seen, network.State)
		ev := args[0].(NetworkEvent)
		if ev.Error != "connection reset" {
			t.Fatalf("unexpected disconnect error: %q", ev.Error)
		}
	})

	adapter.Connecting(network)
	adapter.Connected(network)
	adapter.Disconnected(network, "connection reset")

	if len(seen) != 2 || seen[0] != state.StateConnecting || seen[1] != state.StateDisconnected {
		t.Fatalf("handlers observed stale state: %+v", seen)
	}
	if network.StateError != "connection reset" || network.LastError != "connection reset" {
		t.Fatalf("error text not recorded: %+v", network)
	}
}

func TestReactivityShims(t *testing.T) {
	adapter, _, bus := newTestAdapter()

	bag := map[string]any{}
	adapter.Set(bag, "theme", "dark")
	if bag["theme"] != "dark" {
		t.Fatalf("Set did not write: %+v", bag)
	}
	adapter.Delete(bag, "theme")
	if _, ok := bag["theme"]; ok {
		t.Fatalf("Delete did not remove: %+v", bag)
	}
	// Shims tolerate nil bags.
	adapter.Set(nil, "x", 1)
	adapter.Delete(nil, "x")

	got := ""
	bus.Subscribe("custom", func(args ...any) {
		got = args[0].(string)
	})
	adapter.Emit("custom", "payload")
	if got != "payload" {
		t.Fatalf("Emit did not forward to the bus: %q", got)
	}
}
