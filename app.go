package main

import (
	"context"
	"fmt"
	"sync"

	"github.com/matt0x6f/headless-irc/internal/config"
	"github.com/matt0x6f/headless-irc/internal/events"
	"github.com/matt0x6f/headless-irc/internal/format"
	"github.com/matt0x6f/headless-irc/internal/irc"
	"github.com/matt0x6f/headless-irc/internal/logger"
	"github.com/matt0x6f/headless-irc/internal/notify"
	"github.com/matt0x6f/headless-irc/internal/security"
	"github.com/matt0x6f/headless-irc/internal/state"
	"github.com/rs/zerolog"
)

// App wires the shared store, bus and per-network clients together and owns
// their lifecycle
type App struct {
	cfg       *config.Config
	store     *state.Store
	bus       *events.Bus
	formatter format.Formatter
	keychain  *security.Keychain
	notifier  *notify.Notifier

	mu      sync.RWMutex
	clients map[string]*irc.Client

	done chan struct{}
}

// NewApp creates the application from a loaded configuration. All clients
// share one store and one bus, so cross-network state lives in one place.
func NewApp(cfg *config.Config) (*App, error) {
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		logger.SetLevel(level)
	} else {
		logger.Log.Warn().Str("level", cfg.LogLevel).Msg("Unknown log level, keeping default")
	}

	app := &App{
		cfg:       cfg,
		store:     state.NewStore(),
		bus:       events.NewBus(),
		formatter: format.NewPlainText(),
		keychain:  security.NewKeychain(),
		clients:   make(map[string]*irc.Client),
		done:      make(chan struct{}),
	}

	if cfg.Notifications {
		app.notifier = notify.New(app.store, app.bus)
	}

	for _, nc := range cfg.Networks {
		opts := cfg.ClientOptions(nc)
		opts.Store = app.store
		opts.Bus = app.bus
		opts.Formatter = app.formatter

		client, err := irc.NewClient(opts)
		if err != nil {
			return nil, fmt.Errorf("network %s: %w", nc.ID, err)
		}
		app.clients[nc.ID] = client
	}

	app.subscribeConsole()
	return app, nil
}

// Client returns the client for a network id, or nil
func (a *App) Client(networkID string) *irc.Client {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.clients[networkID]
}

// Store returns the shared entity store
func (a *App) Store() *state.Store {
	return a.store
}

// Bus returns the shared event bus
func (a *App) Bus() *events.Bus {
	return a.bus
}

// SavePassword stores a server password in the system keychain
func (a *App) SavePassword(server, password string) error {
	return a.keychain.StorePassword(server, password)
}

// ForgetPassword removes a server password from the system keychain
func (a *App) ForgetPassword(server string) error {
	return a.keychain.DeletePassword(server)
}

// Run connects every configured network and blocks until shutdown
func (a *App) Run() error {
	a.mu.RLock()
	clients := make([]*irc.Client, 0, len(a.clients))
	for _, client := range a.clients {
		clients = append(clients, client)
	}
	a.mu.RUnlock()

	for _, client := range clients {
		go func(c *irc.Client) {
			if err := c.Connect(); err != nil {
				logger.Log.Error().Err(err).Str("network", c.Network().Name).Msg("Initial connect failed")
			}
		}(client)
	}

	<-a.done
	return nil
}

// shutdown disconnects every client and releases bus subscriptions
func (a *App) shutdown(ctx context.Context) {
	logger.Log.Info().Msg("Shutting down")

	a.mu.RLock()
	clients := make([]*irc.Client, 0, len(a.clients))
	for _, client := range a.clients {
		clients = append(clients, client)
	}
	a.mu.RUnlock()

	for _, client := range clients {
		client.Disconnect()
	}
	if a.notifier != nil {
		a.notifier.Close()
	}

	select {
	case <-a.done:
	default:
		close(a.done)
	}
}

// subscribeConsole prints domain events to stdout, which is the whole user
// interface of the headless runner
func (a *App) subscribeConsole() {
	a.bus.Subscribe(irc.EventMessage, func(args ...any) {
		ev, ok := args[0].(irc.MessageEvent)
		if !ok {
			return
		}
		line := a.formatter.FormatText(ev.Message.Type, ev.Message.Nick, ev.Message.Message)
		fmt.Printf("[%s/%s] %s\n", ev.NetworkID, ev.Buffer, line)
	})

	a.bus.Subscribe(irc.EventConnecting, func(args ...any) {
		if ev, ok := args[0].(irc.NetworkEvent); ok {
			fmt.Printf("[%s] connecting...\n", ev.NetworkID)
		}
	})
	a.bus.Subscribe(irc.EventRegistered, func(args ...any) {
		if ev, ok := args[0].(irc.NetworkEvent); ok {
			fmt.Printf("[%s] registered\n", ev.NetworkID)
		}
	})
	a.bus.Subscribe(irc.EventDisconnected, func(args ...any) {
		ev, ok := args[0].(irc.NetworkEvent)
		if !ok {
			return
		}
		if ev.Error != "" {
			fmt.Printf("[%s] disconnected: %s\n", ev.NetworkID, ev.Error)
		} else {
			fmt.Printf("[%s] disconnected\n", ev.NetworkID)
		}
	})

	a.bus.Subscribe(events.ErrorEvent, func(args ...any) {
		logger.Log.Error().Interface("panic", args).Msg("Event handler panicked")
	})
}
