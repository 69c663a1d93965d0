package daemon

import (
	"context"

	"github.com/matheus3301/lifetrack/internal/api"
	"github.com/matheus3301/lifetrack/internal/bus"
	"github.com/matheus3301/lifetrack/internal/config"
	"github.com/matheus3301/lifetrack/internal/endpoint"
	"github.com/matheus3301/lifetrack/internal/lock"
	"github.com/matheus3301/lifetrack/internal/logging"
	"github.com/matheus3301/lifetrack/internal/outbox"
	"github.com/matheus3301/lifetrack/internal/profile"
	"github.com/matheus3301/lifetrack/internal/remote"
	"github.com/matheus3301/lifetrack/internal/status"
	"github.com/matheus3301/lifetrack/internal/store"
	intsync "github.com/matheus3301/lifetrack/internal/sync"
	"github.com/matheus3301/lifetrack/internal/tracing"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved profile configuration passed to the fx module.
type Params struct {
	ProfileName string
	SocketPath  string // optional override for testing; empty = use default
	Console     bool   // mirror logs to stderr
	// Settings overrides settings.toml and .env; nil loads them from the
	// profile directory.
	Settings *config.Settings
}

// TracingShutdown flushes and stops the tracer provider.
type TracingShutdown func(context.Context) error

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideSettings,
			provideLive,
			provideBus,
			provideStateMachine,
			provideLock,
			provideStore,
			provideTracing,
			provideSyncParams,
			provideSyncEngine,
			provideReadReceipts,
			provideQueue,
			provideRunner,
			provideService,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(profile.LogPath(p.ProfileName), p.ProfileName, logging.Options{Console: p.Console})
}

func provideSettings(p Params, logger *zap.Logger) (*config.Settings, error) {
	if p.Settings != nil {
		return p.Settings, p.Settings.Validate()
	}
	s, err := config.LoadSettings(profile.SettingsPath(p.ProfileName))
	if err != nil {
		return nil, err
	}
	if err := config.ApplyEnv(s, profile.EnvPath(p.ProfileName)); err != nil {
		return nil, err
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	logger.Info("settings loaded",
		zap.String("mode", s.Mode),
		zap.String("viewer", s.ViewerUserID),
		zap.Duration("interval", s.Sync.Interval.Duration),
	)
	return s, nil
}

func provideLive(p Params, s *config.Settings) *config.Live {
	path := profile.SettingsPath(p.ProfileName)
	if p.Settings != nil {
		path = ""
	}
	return config.NewLive(path, *s)
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
	socketPath := p.SocketPath
	if socketPath == "" {
		socketPath = profile.SocketPath(p.ProfileName)
	}
	l, err := lock.Acquire(profile.LockPath(p.ProfileName), lock.Owner{Profile: p.ProfileName, Socket: socketPath})
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired", zap.String("path", l.Path()), zap.Int("pid", l.Owner().PID))
	return l, nil
}

// provideStore takes the lock so that the database is only opened by the
// process holding it.
func provideStore(p Params, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
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

func provideTracing(p Params, s *config.Settings) (TracingShutdown, error) {
	shutdown, err := tracing.Setup(profile.TracePath(p.ProfileName), tracing.Options{
		Enabled:    s.Tracing.Enabled,
		SampleRate: s.Tracing.SampleRate,
		Service:    "lifetrackd",
	})
	return TracingShutdown(shutdown), err
}

func syncConfig(s *config.Settings) intsync.Config {
	return intsync.Config{
		OutboxBatch:     s.Sync.OutboxBatch,
		FriendLimit:     s.Sync.FriendLimit,
		PageSize:        s.Sync.PageSize,
		PullConcurrency: s.Sync.PullConcurrency,
		RequestTimeout:  s.Sync.RequestTimeout.Duration,
		Retry: outbox.Policy{
			BaseDelay:   s.Retry.BaseDelay.Duration,
			MaxDelay:    s.Retry.MaxDelay.Duration,
			MaxAttempts: s.Retry.MaxAttempts,
		},
	}
}

// provideSyncParams depends on TracingShutdown so the tracer provider is
// installed before the engine obtains its tracer.
func provideSyncParams(s *config.Settings, db *store.DB, live *config.Live, b *bus.Bus, logger *zap.Logger, _ TracingShutdown) intsync.Params {
	return intsync.Params{
		DB:       db,
		Resolver: endpoint.NewResolver(),
		Source:   live,
		NewRemote: intsync.HTTPRemote(
			remote.WithRateLimit(s.Remote.RateLimit, s.Remote.Burst),
			remote.WithLogger(logger),
		),
		Bus:    b,
		Logger: logger,
		Config: syncConfig(s),
	}
}

func provideSyncEngine(sp intsync.Params) *intsync.Engine {
	return intsync.NewEngine(sp)
}

func provideReadReceipts(sp intsync.Params) *intsync.ReadReceipts {
	return intsync.NewReadReceipts(sp)
}

func provideQueue(db *store.DB, b *bus.Bus, logger *zap.Logger) *outbox.Queue {
	return outbox.NewQueue(db, b, logger)
}

func provideRunner(s *config.Settings, e *intsync.Engine, m *status.Machine, live *config.Live, logger *zap.Logger) *intsync.Runner {
	return intsync.NewRunner(e, m, live.Viewer, s.Sync.Interval.Duration, logger)
}

type serviceIn struct {
	fx.In

	Params   Params
	DB       *store.DB
	Queue    *outbox.Queue
	Engine   *intsync.Engine
	Runner   *intsync.Runner
	Receipts *intsync.ReadReceipts
	Live     *config.Live
	Sync     intsync.Params
	Machine  *status.Machine
	Bus      *bus.Bus
	Logger   *zap.Logger
}

func provideService(in serviceIn) *api.Service {
	return api.NewService(api.Deps{
		Profile:  in.Params.ProfileName,
		DB:       in.DB,
		Queue:    in.Queue,
		Engine:   in.Engine,
		Runner:   in.Runner,
		Receipts: in.Receipts,
		Live:     in.Live,
		Resolver: in.Sync.Resolver,
		Machine:  in.Machine,
		Bus:      in.Bus,
		Logger:   in.Logger,
	})
}

type lifecycleIn struct {
	fx.In

	Lifecycle fx.Lifecycle
	Server    *Server
	Lock      *lock.Lock
	DB        *store.DB
	Runner    *intsync.Runner
	Tracing   TracingShutdown
	Logger    *zap.Logger
}

func registerLifecycle(in lifecycleIn) {
	logger := in.Logger
	in.Lifecycle.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// Start gRPC server in background.
			go func() {
				if err := in.Server.Start(); err != nil {
					logger.Error("gRPC server error", zap.Error(err))
				}
			}()

			// First cycle runs immediately; it also moves the state out of BOOTING.
			in.Runner.Start(context.Background())
			return nil
		},
		OnStop: func(ctx context.Context) error {
			in.Runner.Stop()
			in.Server.Stop(ctx)
			if err := in.Tracing(ctx); err != nil {
				logger.Warn("error flushing traces", zap.Error(err))
			}
			if err := in.DB.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := in.Lock.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			_ = logger.Sync()
			return nil
		},
	})
}
