package daemon

import (
	"context"
	"io"

	"github.com/matheus3301/sms/internal/api"
	"github.com/matheus3301/sms/internal/bus"
	"github.com/matheus3301/sms/internal/config"
	"github.com/matheus3301/sms/internal/external"
	"github.com/matheus3301/sms/internal/lock"
	"github.com/matheus3301/sms/internal/logging"
	"github.com/matheus3301/sms/internal/notify"
	"github.com/matheus3301/sms/internal/outbox"
	"github.com/matheus3301/sms/internal/pager"
	"github.com/matheus3301/sms/internal/recycle"
	"github.com/matheus3301/sms/internal/session"
	"github.com/matheus3301/sms/internal/status"
	"github.com/matheus3301/sms/internal/store"
	intsync "github.com/matheus3301/sms/internal/sync"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
	SocketPath  string         // optional override for testing; empty = use default
	Config      *config.Config // optional; nil = load ~/.sms/config.toml
	// Demo seeds the in-memory external store with sample threads. It has
	// no effect when the config names an external database.
	Demo bool
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideStateMachine,
			lock.NewThreads,
			provideLock,
			provideStore,
			provideExternal,
			provideNotifier,
			provideSyncEngine,
			providePager,
			provideTransport,
			providePipeline,
			provideRecycleBin,
			provideService,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	if p.Config != nil {
		return p.Config, nil
	}
	return config.LoadOrDefault(session.ConfigPath())
}

func provideLogger(p Params, cfg *config.Config) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.SessionName), p.SessionName, cfg.LogLevel)
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

// provideStore depends on the lock so the cache is never opened by a second
// daemon.
func provideStore(p Params, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	dbPath := session.CachePath(p.SessionName)
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

func provideExternal(p Params, cfg *config.Config, logger *zap.Logger) (external.Store, error) {
	if cfg.ExternalDB != "" {
		logger.Info("reading external message store", zap.String("path", cfg.ExternalDB), zap.Int("rps", cfg.ExternalRPS))
		return external.OpenSQLite(cfg.ExternalDB, cfg.ExternalRPS, logger)
	}
	mem := external.NewMemory()
	if p.Demo {
		seedDemo(mem)
		logger.Info("serving demo threads from memory")
	} else {
		logger.Warn("no external_db configured, external store is empty")
	}
	return mem, nil
}

func provideNotifier(logger *zap.Logger) notify.Sink {
	return notify.NewLog(logger)
}

func provideSyncEngine(db *store.DB, ext external.Store, b *bus.Bus, n notify.Sink, m *status.Machine,
	threads *lock.Threads, cfg *config.Config, logger *zap.Logger) *intsync.Engine {
	return intsync.NewEngine(db, ext, b, n, m, threads, intsync.Options{
		Sort:          sortOptions(cfg),
		BulkChunkSize: cfg.BulkChunkSize,
		BulkWorkers:   cfg.BulkWorkers,
	}, logger)
}

func providePager(db *store.DB, ext external.Store, b *bus.Bus, cfg *config.Config, logger *zap.Logger) *pager.Manager {
	return pager.NewManager(db, ext, b, pager.Config{
		MessagesLimit:     cfg.MessagesLimit,
		PrefetchThreshold: cfg.PrefetchThreshold,
		MaxJumpIterations: cfg.MaxJumpIterations,
		UseRecycleBin:     cfg.UseRecycleBin,
	}, logger)
}

func provideTransport(b *bus.Bus, cfg *config.Config) outbox.Transport {
	return outbox.NewBusTransport(b, cfg.SendChannels, cfg.DefaultChannel)
}

func providePipeline(db *store.DB, ext external.Store, t outbox.Transport, b *bus.Bus, n notify.Sink,
	threads *lock.Threads, cfg *config.Config, logger *zap.Logger) *outbox.Pipeline {
	return outbox.NewPipeline(db, ext, t, nil, b, n, threads, outbox.Options{
		MinScheduleBuffer: cfg.ScheduleMinBuffer(),
		PinnedChannels:    cfg.PinnedChannels,
	}, logger)
}

func provideRecycleBin(db *store.DB, p *outbox.Pipeline, b *bus.Bus, threads *lock.Threads,
	cfg *config.Config, logger *zap.Logger) *recycle.Bin {
	return recycle.NewBin(db, p, b, threads, cfg.UseRecycleBin, logger)
}

func provideService(p Params, m *status.Machine, db *store.DB, b *bus.Bus, engine *intsync.Engine,
	pages *pager.Manager, pipeline *outbox.Pipeline, bin *recycle.Bin, cfg *config.Config, logger *zap.Logger) *api.Service {
	return api.NewService(api.Deps{
		SessionName: p.SessionName,
		Machine:     m,
		DB:          db,
		Bus:         b,
		Engine:      engine,
		Pages:       pages,
		Outbox:      pipeline,
		Bin:         bin,
		Sort:        sortOptions(cfg),
		Logger:      logger,
	})
}

func sortOptions(cfg *config.Config) store.SortOptions {
	return store.SortOptions{UnreadAtTop: cfg.UnreadAtTop, GroupsFirst: cfg.GroupsFirst}
}

func registerLifecycle(lc fx.Lifecycle, srv *Server, lk *lock.Lock, db *store.DB, ext external.Store,
	engine *intsync.Engine, pages *pager.Manager, pipeline *outbox.Pipeline, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// Subscribers first so nothing emitted during startup is missed.
			engine.Start(context.Background())
			pages.Start(context.Background())
			pipeline.Start(context.Background())

			// Start gRPC server in background.
			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("gRPC server error", zap.Error(err))
				}
			}()

			go startup(context.Background(), engine, pipeline, logger)
			return nil
		},
		OnStop: func(ctx context.Context) error {
			srv.Stop(ctx)
			pipeline.Stop()
			pages.Stop()
			engine.Stop()
			if c, ok := ext.(io.Closer); ok {
				if err := c.Close(); err != nil {
					logger.Warn("error closing external store", zap.Error(err))
				}
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

// startup re-arms scheduled sends, counts the run and kicks off the first
// reconciliation pass.
func startup(ctx context.Context, engine *intsync.Engine, pipeline *outbox.Pipeline, logger *zap.Logger) {
	if n, err := pipeline.RestoreSchedules(ctx); err != nil {
		logger.Error("failed to restore scheduled messages", zap.Error(err))
	} else if n > 0 {
		logger.Info("scheduled messages restored", zap.Int("count", n))
	}
	run, err := engine.Reconciler().BumpRunCount(ctx)
	if err != nil {
		logger.Error("failed to bump run count", zap.Error(err))
	}
	logger.Info("starting first reconciliation", zap.Int64("run", run))
	engine.RequestRefresh()
}
