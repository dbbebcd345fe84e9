package notify

import (
	"sync"

	"github.com/gen2brain/beeep"
	"github.com/matt0x6f/headless-irc/internal/events"
	"github.com/matt0x6f/headless-irc/internal/irc"
	"github.com/matt0x6f/headless-irc/internal/logger"
	"github.com/matt0x6f/headless-irc/internal/state"
)

// Notifier turns highlighted and direct messages into desktop notifications.
// It is a plain bus subscriber; the protocol layer does not know it exists.
type Notifier struct {
	store *state.Store

	mu          sync.Mutex
	enabled     bool
	unsubscribe func()
}

// New creates a notifier watching the given store and bus
func New(store *state.Store, bus *events.Bus) *Notifier {
	n := &Notifier{store: store, enabled: true}
	n.unsubscribe = bus.Subscribe(irc.EventMessage, n.onMessage)
	return n
}

// SetEnabled toggles notification delivery without unsubscribing
func (n *Notifier) SetEnabled(enabled bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.enabled = enabled
}

// Close detaches the notifier from the bus
func (n *Notifier) Close() {
	if n.unsubscribe != nil {
		n.unsubscribe()
		n.unsubscribe = nil
	}
}

func (n *Notifier) onMessage(args ...any) {
	if len(args) == 0 {
		return
	}
	ev, ok := args[0].(irc.MessageEvent)
	if !ok {
		return
	}

	n.mu.Lock()
	enabled := n.enabled
	n.mu.Unlock()
	if !enabled || !n.shouldNotify(ev) {
		return
	}

	title := ev.Message.Nick
	if buffer := n.store.GetBuffer(ev.NetworkID, ev.Buffer); buffer != nil && buffer.IsChannel() {
		title = ev.Message.Nick + " in " + ev.Buffer
	}
	if err := beeep.Notify(title, ev.Message.Message, ""); err != nil {
		logger.Log.Debug().Err(err).Msg("Desktop notification failed")
	}
}

// shouldNotify filters for highlights and direct messages, skipping our own
// lines, non-chat traffic and the buffer currently being viewed
func (n *Notifier) shouldNotify(ev irc.MessageEvent) bool {
	switch ev.Message.Type {
	case state.MsgPrivmsg, state.MsgAction, state.MsgNotice:
	default:
		return false
	}

	network := n.store.GetNetwork(ev.NetworkID)
	if network == nil || ev.Message.Nick == "" || ev.Message.Nick == network.Nick {
		return false
	}

	buffer := n.store.GetBuffer(ev.NetworkID, ev.Buffer)
	if buffer == nil || buffer.IsSpecial() {
		return false
	}
	if active := n.store.ActiveBuffer(); active != nil && active.ID == buffer.ID {
		return false
	}

	return ev.Message.Highlight || buffer.IsQuery()
}
