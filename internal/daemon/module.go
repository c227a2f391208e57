package daemon

import (
	"context"

	"github.com/lucasmdrs/chirp/internal/ack"
	"github.com/lucasmdrs/chirp/internal/bus"
	"github.com/lucasmdrs/chirp/internal/config"
	"github.com/lucasmdrs/chirp/internal/directory"
	"github.com/lucasmdrs/chirp/internal/history"
	"github.com/lucasmdrs/chirp/internal/lock"
	"github.com/lucasmdrs/chirp/internal/logging"
	"github.com/lucasmdrs/chirp/internal/profile"
	"github.com/lucasmdrs/chirp/internal/status"
	"github.com/lucasmdrs/chirp/internal/store"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved profile configuration passed to the fx module.
type Params struct {
	ProfileName string
}

// Module returns the fx module for the daemon, composing all providers and
// lifecycle hooks.
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
			provideDirectory,
			provideAckDispatcher,
			providePreviewGenerator,
			provideHistoryService,
			provideEngine,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) *config.Config {
	cfg, err := config.Load(profile.ConfigPath())
	if err != nil {
		return config.Default()
	}
	return cfg
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(profile.LogPath(p.ProfileName), p.ProfileName)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := profile.EnsureDir(p.ProfileName); err != nil {
		return nil, err
	}
	logger.Info("acquiring profile lock", zap.String("profile", p.ProfileName))
	l, err := lock.Acquire(profile.Dir(p.ProfileName))
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

func provideStore(p Params, logger *zap.Logger) (*store.DB, error) {
	dbPath := profile.DBPath(p.ProfileName)
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

func provideDirectory(db *store.DB, b *bus.Bus, cfg *config.Config, logger *zap.Logger) *directory.Directory {
	return directory.New(db, b, logger, cfg.Muted)
}

func provideAckDispatcher(logger *zap.Logger) *ack.Dispatcher {
	// The transport adapter replaces NopSender when one is registered.
	return ack.NewDispatcher(ack.NopSender{}, logger)
}

func providePreviewGenerator(db *store.DB, b *bus.Bus, cfg *config.Config, logger *zap.Logger) *history.Generator {
	if !cfg.Previews.Enabled {
		return nil
	}
	return history.NewGenerator(db, b, logger)
}

func provideHistoryService(db *store.DB, b *bus.Bus, dir *directory.Directory, previews *history.Generator, acks *ack.Dispatcher, logger *zap.Logger) *history.Service {
	return history.New(db, b, dir, previews, acks, logger)
}

func provideEngine(service *history.Service, b *bus.Bus, machine *status.Machine, logger *zap.Logger) *history.Engine {
	return history.NewEngine(service, b, machine, logger)
}

func registerLifecycle(lc fx.Lifecycle, lk *lock.Lock, db *store.DB, dir *directory.Directory, engine *history.Engine, previews *history.Generator, acks *ack.Dispatcher, machine *status.Machine, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			if err := dir.Load(); err != nil {
				return err
			}
			if previews != nil {
				previews.Start(context.Background())
			}
			acks.Start(context.Background())
			engine.Start(context.Background())
			_ = machine.Transition(status.Live)
			logger.Info("history engine started")
			return nil
		},
		OnStop: func(context.Context) error {
			engine.Stop()
			acks.Stop()
			if previews != nil {
				previews.Stop()
			}
			if err := db.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
