// Package daemon composes the session daemon: store, connection
// manager, event router, reconciler, outbox and the local control API,
// wired together with fx lifecycle hooks.
package daemon

import (
	"context"
	"os"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/chirp-im/chirp/internal/apiclient"
	"github.com/chirp-im/chirp/internal/bus"
	"github.com/chirp-im/chirp/internal/config"
	"github.com/chirp-im/chirp/internal/lock"
	"github.com/chirp-im/chirp/internal/logging"
	"github.com/chirp-im/chirp/internal/outbox"
	"github.com/chirp-im/chirp/internal/session"
	"github.com/chirp-im/chirp/internal/status"
	"github.com/chirp-im/chirp/internal/store"
	intsync "github.com/chirp-im/chirp/internal/sync"
	"github.com/chirp-im/chirp/internal/transport"
)

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
	SocketPath  string // optional override for testing; empty = use default
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
			provideCredentials,
			provideTransport,
			providePresence,
			provideEngine,
			provideAPIClient,
			provideReconciler,
			provideSender,
			NewHandlers,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(logger *zap.Logger) *config.Config {
	cfg, err := config.Load(session.ConfigPath())
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Warn("config unreadable, using defaults", zap.Error(err))
		}
		return config.Default()
	}
	return cfg
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.SessionName), p.SessionName)
}

func provideBus(logger *zap.Logger) *bus.Bus {
	return bus.New().WithLogger(logger)
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := session.EnsureDir(p.SessionName); err != nil {
		return nil, err
	}
	l, err := lock.Acquire(session.Dir(p.SessionName))
	if err != nil {
		return nil, err
	}
	logger.Info("session lock acquired", zap.String("session", p.SessionName))
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
	}
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

func provideCredentials(p Params) *session.Credentials {
	return session.NewCredentials(p.SessionName)
}

func provideTransport(cfg *config.Config, creds *session.Credentials, m *status.Machine, b *bus.Bus, logger *zap.Logger) *transport.Manager {
	return transport.NewManager(transport.Options{
		URL:               cfg.Server.WSURL,
		HeartbeatInterval: cfg.Sync.HeartbeatInterval.Std(),
		ReconnectMinDelay: cfg.Sync.ReconnectMinDelay.Std(),
		ReconnectMaxDelay: cfg.Sync.ReconnectMaxDelay.Std(),
	}, creds, m, b, logger)
}

func providePresence() *intsync.Presence {
	return intsync.NewPresence()
}

func provideEngine(db *store.DB, b *bus.Bus, presence *intsync.Presence, logger *zap.Logger) *intsync.Engine {
	return intsync.NewEngine(db, b, presence, logger)
}

func provideAPIClient(cfg *config.Config, creds *session.Credentials) *apiclient.Client {
	return apiclient.New(cfg.Server.APIURL, creds)
}

func provideReconciler(db *store.DB, b *bus.Bus, api *apiclient.Client, cfg *config.Config, logger *zap.Logger) *intsync.Reconciler {
	return intsync.NewReconciler(db, b, api, logger, cfg.Sync.ChatPageSize, cfg.Sync.SendAttemptCap)
}

func provideSender(db *store.DB, t *transport.Manager, m *status.Machine, b *bus.Bus, cfg *config.Config, logger *zap.Logger) *outbox.Sender {
	return outbox.NewSender(db, t, m, b, logger, cfg.Sync.RetryInterval.Std(), cfg.Sync.SendAttemptCap)
}

func registerLifecycle(lc fx.Lifecycle, srv *Server, lk *lock.Lock, t *transport.Manager, engine *intsync.Engine, reconciler *intsync.Reconciler, sender *outbox.Sender, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// Router and reconciler subscribe before the transport can
			// publish anything.
			engine.Start(context.Background())
			reconciler.Start(context.Background())
			sender.Start(context.Background())

			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("control server error", zap.Error(err))
				}
			}()

			t.Connect(context.Background())
			return nil
		},
		OnStop: func(ctx context.Context) error {
			t.Disconnect()
			sender.Stop()
			reconciler.Stop()
			engine.Stop()
			srv.Stop(ctx)
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
