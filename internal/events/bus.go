package events

import (
	"reflect"
	"sync"
)

// ErrorEvent is published when a handler panics during dispatch. The payload
// is (recovered value, original event name).
const ErrorEvent = "error"

// Handler is an event callback
type Handler func(args ...any)

type registration struct {
	fn   Handler
	once bool
}

// Bus routes named events to registered handlers
type Bus struct {
	mu       sync.Mutex
	handlers map[string][]*registration
}

// NewBus creates a new event bus
func NewBus() *Bus {
	return &Bus{
		handlers: make(map[string][]*registration),
	}
}

// Subscribe registers a handler for an event and returns an unsubscribe
// function that removes exactly this registration.
func (b *Bus) Subscribe(event string, handler Handler) func() {
	return b.add(event, handler, false)
}

// SubscribeOnce registers a handler that is removed before its first
// invocation, so a re-entrant publish of the same event during that
// invocation does not re-trigger it.
func (b *Bus) SubscribeOnce(event string, handler Handler) func() {
	return b.add(event, handler, true)
}

func (b *Bus) add(event string, handler Handler, once bool) func() {
	reg := &registration{fn: handler, once: once}

	b.mu.Lock()
	b.handlers[event] = append(b.handlers[event], reg)
	b.mu.Unlock()

	return func() {
		b.remove(event, reg)
	}
}

// Unsubscribe removes the first registration of handler for event. Go
// functions are not comparable, so identity is the code pointer: a handler
// registered twice needs two Unsubscribe calls, and two distinct closures
// created from the same function literal share identity, so removing one can
// remove the other's registration. Callers that need exact removal must use
// the unsubscribe function returned by Subscribe, which is tied to a single
// registration.
func (b *Bus) Unsubscribe(event string, handler Handler) {
	ptr := reflect.ValueOf(handler).Pointer()

	b.mu.Lock()
	defer b.mu.Unlock()

	regs := b.handlers[event]
	for i, reg := range regs {
		if reflect.ValueOf(reg.fn).Pointer() == ptr {
			b.handlers[event] = append(regs[:i], regs[i+1:]...)
			break
		}
	}
	if len(b.handlers[event]) == 0 {
		delete(b.handlers, event)
	}
}

func (b *Bus) remove(event string, reg *registration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	regs := b.handlers[event]
	for i, r := range regs {
		if r == reg {
			b.handlers[event] = append(regs[:i], regs[i+1:]...)
			break
		}
	}
	if len(b.handlers[event]) == 0 {
		delete(b.handlers, event)
	}
}

// Publish invokes a snapshot of the handlers registered for event, in
// registration order. Handlers added or removed during dispatch do not
// affect the in-flight dispatch. A panicking handler is contained and
// republished as an ErrorEvent carrying (recovered value, event), unless
// the failing handler was itself handling ErrorEvent.
func (b *Bus) Publish(event string, args ...any) {
	b.mu.Lock()
	regs := b.handlers[event]
	snapshot := make([]*registration, len(regs))
	copy(snapshot, regs)
	// Once handlers drop out of the live list before they run.
	for _, reg := range snapshot {
		if reg.once {
			b.removeLocked(event, reg)
		}
	}
	b.mu.Unlock()

	for _, reg := range snapshot {
		b.invoke(event, reg.fn, args)
	}
}

func (b *Bus) removeLocked(event string, reg *registration) {
	regs := b.handlers[event]
	for i, r := range regs {
		if r == reg {
			b.handlers[event] = append(regs[:i], regs[i+1:]...)
			break
		}
	}
	if len(b.handlers[event]) == 0 {
		delete(b.handlers, event)
	}
}

func (b *Bus) invoke(event string, fn Handler, args []any) {
	defer func() {
		if r := recover(); r != nil && event != ErrorEvent {
			b.Publish(ErrorEvent, r, event)
		}
	}()
	fn(args...)
}

// UnsubscribeAll removes all handlers for the named events, or every handler
// on the bus when called with no arguments.
func (b *Bus) UnsubscribeAll(events ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(events) == 0 {
		b.handlers = make(map[string][]*registration)
		return
	}
	for _, event := range events {
		delete(b.handlers, event)
	}
}

// Handlers returns a snapshot of the handlers registered for event
func (b *Bus) Handlers(event string) []Handler {
	b.mu.Lock()
	defer b.mu.Unlock()

	regs := b.handlers[event]
	out := make([]Handler, len(regs))
	for i, reg := range regs {
		out[i] = reg.fn
	}
	return out
}
