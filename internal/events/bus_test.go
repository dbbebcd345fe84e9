package events

import "testing"

func TestSubscribeAndPublish(t *testing.T) {
	bus := NewBus()

	var got []any
	bus.Subscribe("ping", func(args ...any) {
		got = append(got, args...)
	})

	bus.Publish("ping", 1, "two")

	if len(got) != 2 || got[0] != 1 || got[1] != "two" {
		t.Fatalf("unexpected args: %+v", got)
	}
}

func TestUnsubscribeFunc(t *testing.T) {
	bus := NewBus()

	calls := 0
	unsub := bus.Subscribe("ping", func(args ...any) { calls++ })

	bus.Publish("ping")
	unsub()
	bus.Publish("ping")

	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
	if n := len(bus.Handlers("ping")); n != 0 {
		t.Fatalf("expected empty handler list, got %d", n)
	}
}

func TestUnsubscribeByHandler(t *testing.T) {
	bus := NewBus()

	calls := 0
	handler := Handler(func(args ...any) { calls++ })
	bus.Subscribe("ping", handler)
	bus.Unsubscribe("ping", handler)

	bus.Publish("ping")

	if calls != 0 {
		t.Fatalf("expected 0 calls, got %d", calls)
	}
}

func TestUnsubscribeMatchesCodePointer(t *testing.T) {
	bus := NewBus()

	calls := 0
	newHandler := func() Handler {
		return func(args ...any) { calls++ }
	}
	first := newHandler()
	second := newHandler()
	bus.Subscribe("ev", first)
	bus.Subscribe("ev", second)

	// Closures created from one function literal share a code pointer, so
	// removal by handler takes out one registration, not a specific one.
	// Exact removal needs the unsubscribe function from Subscribe.
	bus.Unsubscribe("ev", first)

	bus.Publish("ev")
	if calls != 1 {
		t.Fatalf("expected 1 remaining registration, got %d calls", calls)
	}
}

func TestPublishOrderAndSnapshot(t *testing.T) {
	bus := NewBus()

	var order []string
	var unsubSecond func()
	bus.Subscribe("ev", func(args ...any) {
		order = append(order, "first")
		// Removing the second handler mid-publish must not affect the
		// in-flight dispatch.
		unsubSecond()
	})
	unsubSecond = bus.Subscribe("ev", func(args ...any) {
		order = append(order, "second")
	})

	bus.Publish("ev")
	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Fatalf("unexpected dispatch order: %+v", order)
	}

	bus.Publish("ev")
	if len(order) != 3 {
		t.Fatalf("second handler ran after removal: %+v", order)
	}
}

func TestSubscribeOnce(t *testing.T) {
	bus := NewBus()

	calls := 0
	bus.SubscribeOnce("ev", func(args ...any) {
		calls++
		// Re-entrant publish during the first invocation must not
		// re-trigger the once handler.
		bus.Publish("ev")
	})

	bus.Publish("ev")
	bus.Publish("ev")

	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
}

func TestPanicContainment(t *testing.T) {
	bus := NewBus()

	var errArgs []any
	bus.Subscribe(ErrorEvent, func(args ...any) {
		errArgs = args
	})

	otherRan := false
	bus.Subscribe("message", func(args ...any) {
		panic("boom")
	})
	bus.Subscribe("message", func(args ...any) {
		otherRan = true
	})

	bus.Publish("message", "hello")

	if !otherRan {
		t.Fatal("panic prevented later handlers from running")
	}
	if len(errArgs) != 2 || errArgs[0] != "boom" || errArgs[1] != "message" {
		t.Fatalf("unexpected error event payload: %+v", errArgs)
	}
}

func TestPanicInErrorHandlerDoesNotRecurse(t *testing.T) {
	bus := NewBus()

	calls := 0
	bus.Subscribe(ErrorEvent, func(args ...any) {
		calls++
		panic("again")
	})
	bus.Subscribe("ev", func(args ...any) {
		panic("boom")
	})

	bus.Publish("ev")

	if calls != 1 {
		t.Fatalf("expected error handler to run once, got %d", calls)
	}
}

func TestUnsubscribeAll(t *testing.T) {
	bus := NewBus()

	bus.Subscribe("a", func(args ...any) {})
	bus.Subscribe("a", func(args ...any) {})
	bus.Subscribe("b", func(args ...any) {})

	bus.UnsubscribeAll("a")
	if n := len(bus.Handlers("a")); n != 0 {
		t.Fatalf("expected a cleared, got %d handlers", n)
	}
	if n := len(bus.Handlers("b")); n != 1 {
		t.Fatalf("expected b untouched, got %d handlers", n)
	}

	bus.UnsubscribeAll()
	if n := len(bus.Handlers("b")); n != 0 {
		t.Fatalf("expected everything cleared, got %d handlers", n)
	}
}
