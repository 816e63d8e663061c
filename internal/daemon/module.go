// Package daemon composes the engine into a runnable process.
package daemon

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/zapdesk/zapdesk/internal/bus"
	"github.com/zapdesk/zapdesk/internal/config"
	"github.com/zapdesk/zapdesk/internal/datadir"
	"github.com/zapdesk/zapdesk/internal/httpapi"
	"github.com/zapdesk/zapdesk/internal/identity"
	"github.com/zapdesk/zapdesk/internal/lock"
	"github.com/zapdesk/zapdesk/internal/logging"
	"github.com/zapdesk/zapdesk/internal/metrics"
	"github.com/zapdesk/zapdesk/internal/noise"
	"github.com/zapdesk/zapdesk/internal/outbox"
	"github.com/zapdesk/zapdesk/internal/pairing"
	"github.com/zapdesk/zapdesk/internal/session"
	"github.com/zapdesk/zapdesk/internal/store"
	"github.com/zapdesk/zapdesk/internal/syncengine"
	"github.com/zapdesk/zapdesk/internal/transport"
	"github.com/zapdesk/zapdesk/internal/wa"
)

// Params holds the resolved startup options passed to the fx module.
type Params struct {
	ConfigPath string
	DataDir    string // optional override; empty = value from config
	ListenAddr string // optional override; empty = value from config
}

// Module returns the fx module for the daemon, composing all providers and
// lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLayout,
			provideLogger,
			provideBroadcaster,
			provideBroker,
			provideRegistry,
			provideMetrics,
			provideLock,
			provideStore,
			provideDialer,
			provideNoiseFilter,
			provideSyncEngine,
			provideManager,
			provideSender,
			provideServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	cfg, err := config.Load(p.ConfigPath)
	if err != nil {
		return nil, err
	}
	if p.DataDir != "" {
		cfg.DataDir = p.DataDir
	}
	if p.ListenAddr != "" {
		cfg.ListenAddr = p.ListenAddr
	}
	return cfg, nil
}

func provideLayout(cfg *config.Config) (datadir.Layout, error) {
	l := datadir.New(cfg.DataDir)
	if err := l.EnsureBase(); err != nil {
		return datadir.Layout{}, err
	}
	return l, nil
}

func provideLogger(l datadir.Layout) (*zap.Logger, error) {
	return logging.New(l.LogPath())
}

func provideBroadcaster() *bus.Broadcaster {
	return bus.New()
}

func provideBroker() *pairing.Broker {
	return pairing.NewBroker()
}

func provideRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

func provideMetrics(reg *prometheus.Registry) *metrics.Metrics {
	return metrics.New(reg)
}

func provideLock(l datadir.Layout, logger *zap.Logger) (*lock.Lock, error) {
	logger.Info("acquiring daemon lock", zap.String("data_dir", l.Base()))
	lk, err := lock.Acquire(l.Base())
	if err != nil {
		return nil, err
	}
	logger.Info("daemon lock acquired")
	return lk, nil
}

func provideStore(l datadir.Layout, logger *zap.Logger) (*store.DB, error) {
	dbPath := l.AppDBPath()
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

	stamped, err := identity.Backfill(db, logger)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if stamped > 0 {
		logger.Info("chat handles backfilled", zap.Int("count", stamped))
	}

	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

func provideDialer(l datadir.Layout, logger *zap.Logger) transport.Dialer {
	return wa.NewDialer(l, logger)
}

func provideNoiseFilter(cfg *config.Config) *noise.Filter {
	managed := make(map[string]bool, len(cfg.Noise.ManagedGroups))
	for _, g := range cfg.Noise.ManagedGroups {
		managed[g] = true
	}
	return noise.NewFilter(noise.Policy{
		ExcludeUnmanagedGroups: cfg.Noise.ExcludeUnmanagedGroups,
		ManagedGroups:          managed,
	})
}

func provideSyncEngine(db *store.DB, f *noise.Filter, bc *bus.Broadcaster, m *metrics.Metrics, logger *zap.Logger) *syncengine.Engine {
	return syncengine.NewEngine(db, f, bc, m, logger)
}

func provideManager(d transport.Dialer, e *syncengine.Engine, broker *pairing.Broker,
	bc *bus.Broadcaster, db *store.DB, m *metrics.Metrics, cfg *config.Config, logger *zap.Logger) *session.Manager {
	return session.NewManager(d, e, broker, bc, db, m, cfg, logger)
}

func provideSender(db *store.DB, mgr *session.Manager, e *syncengine.Engine, logger *zap.Logger) *outbox.Sender {
	return outbox.NewSender(db, mgr, e, logger)
}

func provideServer(mgr *session.Manager, broker *pairing.Broker, db *store.DB,
	bc *bus.Broadcaster, cfg *config.Config, reg *prometheus.Registry, logger *zap.Logger) *httpapi.Server {
	return httpapi.NewServer(mgr, broker, db, bc, cfg, reg, logger)
}

func registerLifecycle(lc fx.Lifecycle, srv *httpapi.Server, lk *lock.Lock,
	mgr *session.Manager, sender *outbox.Sender, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			if err := srv.Start(); err != nil {
				return err
			}
			sender.Start(context.Background())
			logger.Info("daemon started")
			return nil
		},
		OnStop: func(ctx context.Context) error {
			sender.Stop()
			mgr.Shutdown(ctx)
			if err := srv.Stop(ctx); err != nil {
				logger.Warn("http shutdown error", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
