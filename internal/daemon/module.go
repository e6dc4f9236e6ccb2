// Package daemon composes the core services into a running process.
package daemon

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/lfmarques/susurro/internal/account"
	"github.com/lfmarques/susurro/internal/bus"
	"github.com/lfmarques/susurro/internal/call"
	"github.com/lfmarques/susurro/internal/clock"
	"github.com/lfmarques/susurro/internal/config"
	"github.com/lfmarques/susurro/internal/cryptobox"
	"github.com/lfmarques/susurro/internal/lock"
	"github.com/lfmarques/susurro/internal/logging"
	"github.com/lfmarques/susurro/internal/messaging"
	"github.com/lfmarques/susurro/internal/outbox"
	"github.com/lfmarques/susurro/internal/profile"
	"github.com/lfmarques/susurro/internal/roster"
	"github.com/lfmarques/susurro/internal/store"
	"github.com/lfmarques/susurro/internal/transport"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved profile configuration passed to the fx module.
type Params struct {
	ProfileName string
	Config      *config.Config
	DataDir     string              // optional override for testing; empty = use default profile dir
	Transport   *transport.Loopback // optional shared hub; nil = process-local hub
}

func (p Params) dir() string {
	if p.DataDir != "" {
		return p.DataDir
	}
	return profile.Dir(p.ProfileName)
}

func (p Params) cfg() *config.Config {
	if p.Config != nil {
		return p.Config
	}
	return config.Default()
}

// Module returns the fx module for the daemon, composing all providers and
// lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideBus,
			provideLock,
			provideStore,
			provideClock,
			provideKDF,
			provideAccountManager,
			provideRoster,
			provideMessaging,
			provideHub,
			provideTransportSender,
			provideCallMachine,
			provideDispatcher,
			provideRosterBridge,
			provideAckBridge,
			provideOutboxSender,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(filepath.Join(p.dir(), "logs", "susurrod.log"), p.ProfileName)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := os.MkdirAll(p.dir(), 0700); err != nil {
		return nil, err
	}
	logger.Info("acquiring profile lock", zap.String("profile", p.ProfileName))
	l, err := lock.Acquire(p.dir())
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

func provideStore(p Params, logger *zap.Logger) (*store.DB, error) {
	dbPath := filepath.Join(p.dir(), "susurro.db")
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
	if !db.SearchAvailable() {
		logger.Warn("full-text search disabled, build with -tags sqlite_fts5 to enable")
	}
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

func provideClock(p Params, b *bus.Bus, logger *zap.Logger) *clock.Service {
	threshold := time.Duration(p.cfg().Clock.DriftWarnThresholdMs) * time.Millisecond
	return clock.New(threshold, b, logger)
}

func provideKDF() cryptobox.KDF {
	return cryptobox.Argon2{}
}

func provideAccountManager(p Params, db *store.DB, kdf cryptobox.KDF, b *bus.Bus, logger *zap.Logger) *account.Manager {
	return account.NewManager(db, kdf, p.cfg().KDF, b, logger)
}

func provideRoster(db *store.DB, mgr *account.Manager, b *bus.Bus, logger *zap.Logger) *roster.Registry {
	return roster.New(db, mgr, b, logger)
}

func provideMessaging(db *store.DB, reg *roster.Registry, clk *clock.Service, b *bus.Bus, logger *zap.Logger) *messaging.Service {
	return messaging.NewService(db, reg, clk, b, logger)
}

func provideHub(p Params) *transport.Loopback {
	if p.Transport != nil {
		return p.Transport
	}
	return transport.NewLoopback()
}

func provideTransportSender(hub *transport.Loopback) transport.Sender {
	return hub
}

func provideCallMachine(p Params, mgr *account.Manager, out transport.Sender, clk *clock.Service, b *bus.Bus, logger *zap.Logger) *call.Machine {
	bridge := transport.NewSignalBridge(mgr, out)
	dial := time.Duration(p.cfg().Call.DialTimeoutSec) * time.Second
	ring := time.Duration(p.cfg().Call.RingTimeoutSec) * time.Second
	return call.NewMachine(bridge, clk, b, dial, ring, logger)
}

func provideDispatcher(msgs *messaging.Service, reg *roster.Registry, machine *call.Machine, clk *clock.Service, mgr *account.Manager, out transport.Sender, logger *zap.Logger) *transport.Dispatcher {
	return transport.NewDispatcher(msgs, reg, machine, clk, mgr, out, logger)
}

func provideRosterBridge(mgr *account.Manager, out transport.Sender, b *bus.Bus, logger *zap.Logger) *transport.RosterBridge {
	return transport.NewRosterBridge(mgr, out, b, logger)
}

func provideAckBridge(mgr *account.Manager, out transport.Sender, b *bus.Bus, logger *zap.Logger) *transport.AckBridge {
	return transport.NewAckBridge(mgr, out, b, logger)
}

func provideOutboxSender(db *store.DB, reg *roster.Registry, mgr *account.Manager, msgs *messaging.Service, out transport.Sender, b *bus.Bus, logger *zap.Logger) *outbox.Sender {
	return outbox.NewSender(db, reg, mgr, msgs, out, b, logger)
}

func registerLifecycle(
	lc fx.Lifecycle,
	p Params,
	lk *lock.Lock,
	reg *roster.Registry,
	sender *outbox.Sender,
	dispatcher *transport.Dispatcher,
	bridge *transport.RosterBridge,
	acks *transport.AckBridge,
	hub *transport.Loopback,
	mgr *account.Manager,
	b *bus.Bus,
	logger *zap.Logger,
) {
	done := make(chan struct{})

	attach := func() bool {
		a, err := mgr.Account()
		if err != nil {
			return false
		}
		hub.Attach(a.UUID, dispatcher.Dispatch)
		logger.Info("transport attached", zap.String("peer_id", a.UUID))
		return true
	}

	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			reg.Start(context.Background())
			bridge.Start(context.Background())
			acks.Start(context.Background())
			sender.Start(context.Background())

			// Attach now if an account exists, or as soon as one is created.
			if !attach() {
				logger.Info("no account registered, transport idle")
				events, unsub := b.Subscribe("account.created", 4)
				go func() {
					defer unsub()
					for {
						select {
						case <-events:
							if attach() {
								return
							}
						case <-done:
							return
						}
					}
				}()
			}

			logger.Info("daemon started", zap.String("profile", p.ProfileName))
			return nil
		},
		OnStop: func(_ context.Context) error {
			close(done)
			sender.Stop()
			acks.Stop()
			bridge.Stop()
			reg.Stop()
			if a, err := mgr.Account(); err == nil {
				hub.Detach(a.UUID)
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
