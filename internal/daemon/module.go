// Package daemon composes the chat engine with fx: logger, bus, state
// machine, session lock, store, signaling client, transport, and the
// chat client itself, plus the lifecycle hooks that start and stop them.
package daemon

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/sirus-rnd/p2pchat/internal/bus"
	"github.com/sirus-rnd/p2pchat/internal/chat"
	"github.com/sirus-rnd/p2pchat/internal/config"
	"github.com/sirus-rnd/p2pchat/internal/lock"
	"github.com/sirus-rnd/p2pchat/internal/logging"
	"github.com/sirus-rnd/p2pchat/internal/session"
	"github.com/sirus-rnd/p2pchat/internal/signaling"
	"github.com/sirus-rnd/p2pchat/internal/status"
	"github.com/sirus-rnd/p2pchat/internal/store"
	"github.com/sirus-rnd/p2pchat/internal/transport"
)

// Params holds the resolved session configuration passed to the fx
// module.
type Params struct {
	SessionName   string
	SignalingAddr string // optional override; empty = use config
}

// Module returns the fx module for the daemon, composing all providers
// and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideStateMachine,
			provideLock,
			provideStore,
			provideSignaling,
			provideClient,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig() (*config.Config, error) {
	return config.Load(session.ConfigPath())
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.SessionName), p.SessionName)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := session.EnsureDir(p.SessionName); err != nil {
		return nil, err
	}
	logger.Info("acquiring session lock", zap.String("session", p.SessionName))
	l, err := lock.Acquire(session.Dir(p.SessionName))
	if err != nil {
		return nil, err
	}
	logger.Info("session lock acquired")
	return l, nil
}

func provideStore(p Params, logger *zap.Logger) (*store.DB, error) {
	dbPath := session.DBPath(p.SessionName)
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

func provideSignaling(p Params, cfg *config.Config, logger *zap.Logger) (signaling.Client, error) {
	addr := cfg.Signaling.Address
	if p.SignalingAddr != "" {
		addr = p.SignalingAddr
	}
	logger.Info("dialing signaling service", zap.String("address", addr))
	return signaling.Dial(addr)
}

func provideClient(p Params, cfg *config.Config, sig signaling.Client, db *store.DB,
	b *bus.Bus, machine *status.Machine, logger *zap.Logger) *chat.Client {
	return chat.New(chat.Options{
		Session:    p.SessionName,
		Signaling:  sig,
		Transport:  func(ice []string) transport.Transport { return transport.NewWebRTC(ice) },
		Store:      db,
		Bus:        b,
		Status:     machine,
		Log:        logger,
		ICEServers: cfg.ICE.Servers,
	})
}

func registerLifecycle(lc fx.Lifecycle, client *chat.Client, sig signaling.Client,
	db *store.DB, lk *lock.Lock, machine *status.Machine, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			if client.Authenticated() {
				go func() {
					if err := client.Connect(context.Background()); err != nil {
						logger.Error("auto-connect failed", zap.Error(err))
					}
				}()
			} else {
				logger.Info("no session token found, auth required")
				_ = machine.Transition(status.AuthRequired)
			}
			return nil
		},
		OnStop: func(ctx context.Context) error {
			client.Close(ctx)
			_ = sig.Close()
			_ = db.Close()
			_ = lk.Release()
			_ = logger.Sync()
			return nil
		},
	})
}
