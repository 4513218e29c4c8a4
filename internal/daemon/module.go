package daemon

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/matheus3301/bluebubbles/internal/api"
	"github.com/matheus3301/bluebubbles/internal/bluebubbles"
	"github.com/matheus3301/bluebubbles/internal/bus"
	"github.com/matheus3301/bluebubbles/internal/config"
	"github.com/matheus3301/bluebubbles/internal/lock"
	"github.com/matheus3301/bluebubbles/internal/logging"
	"github.com/matheus3301/bluebubbles/internal/profile"
	"github.com/matheus3301/bluebubbles/internal/status"
	"github.com/matheus3301/bluebubbles/internal/store"
	intsync "github.com/matheus3301/bluebubbles/internal/sync"
	"github.com/matheus3301/bluebubbles/internal/worker"
)

// Params holds the resolved profile passed to the fx module.
type Params struct {
	Profile    string
	SocketPath string // optional override for testing; empty = profile default
	ConfigPath string // optional override; empty = profile.ConfigPath()
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			providePaths,
			provideConfig,
			provideLogger,
			provideBus,
			provideStateMachine,
			provideLock,
			provideStore,
			providePool,
			provideClient,
			provideSocket,
			provideEngine,
			provideCacheService,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func providePaths(p Params) (profile.Paths, error) {
	if err := profile.ValidateName(p.Profile); err != nil {
		return profile.Paths{}, err
	}
	paths := profile.For(p.Profile)
	return paths, paths.Ensure()
}

func provideConfig(p Params, paths profile.Paths) (*config.Config, error) {
	path := p.ConfigPath
	if path == "" {
		path = profile.ConfigPath()
	}
	return config.Resolve(path, paths.EnvFile())
}

func provideLogger(paths profile.Paths, cfg *config.Config) (*zap.Logger, error) {
	return logging.New(paths.LogPath(), paths.Name, cfg.Log.Level)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(paths profile.Paths, logger *zap.Logger) (*lock.Lock, error) {
	logger.Info("acquiring profile lock", zap.String("profile", paths.Name))
	l, err := lock.Acquire(paths.Dir)
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

// provideStore takes the lock so the cache is only opened by its owner.
func provideStore(paths profile.Paths, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	dbPath := paths.CacheDB()
	db, err := store.Open(dbPath, store.Options{AttachmentsDir: paths.AttachmentsDir(), Logger: logger.Named("store")})
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

func providePool(cfg *config.Config, logger *zap.Logger) *worker.Pool {
	return worker.New(cfg.Sync.Workers, cfg.Sync.QueueSize, logger.Named("worker"))
}

// provideClient returns nil when no server is configured.
func provideClient(cfg *config.Config, logger *zap.Logger) *bluebubbles.Client {
	if !cfg.Configured() {
		return nil
	}
	return bluebubbles.New(bluebubbles.Options{
		URL:         cfg.Server.URL,
		Password:    cfg.Server.Password,
		Timeout:     cfg.Server.RequestTimeout,
		LongTimeout: cfg.Server.LongTimeout,
		Logger:      logger.Named("client"),
	})
}

// provideSocket returns nil when no server is configured.
func provideSocket(cfg *config.Config, b *bus.Bus, logger *zap.Logger) (*bluebubbles.Socket, error) {
	if !cfg.Configured() {
		return nil, nil
	}
	return bluebubbles.NewSocket(bluebubbles.SocketOptions{
		URL:      cfg.Server.URL,
		Password: cfg.Server.Password,
		Bus:      b,
		Logger:   logger.Named("push"),
	})
}

func provideEngine(cfg *config.Config, db *store.DB, client *bluebubbles.Client, b *bus.Bus, pool *worker.Pool, machine *status.Machine, logger *zap.Logger) *intsync.Engine {
	opts := intsync.Options{
		DB:              db,
		Bus:             b,
		Pool:            pool,
		Machine:         machine,
		Logger:          logger.Named("sync"),
		ChatPageSize:    cfg.Sync.ChatPageSize,
		MessagePageSize: cfg.Sync.MessagePageSize,
		Debounce:        cfg.Sync.Debounce,
		ContactTTL:      cfg.Sync.ContactTTL,
		SendMethod:      cfg.Server.SendMethod,
	}
	if client != nil {
		opts.Remote = client
		opts.SyncOnStart = true
	}
	return intsync.New(opts)
}

func provideCacheService(paths profile.Paths, cfg *config.Config, engine *intsync.Engine, db *store.DB, machine *status.Machine, b *bus.Bus, socket *bluebubbles.Socket, logger *zap.Logger) *api.CacheService {
	opts := api.Options{
		Profile:   paths.Name,
		ServerURL: cfg.Server.URL,
		Engine:    engine,
		DB:        db,
		Machine:   machine,
		Bus:       b,
		Logger:    logger.Named("api"),
	}
	if socket != nil {
		opts.Push = socket
	}
	return api.NewCacheService(opts)
}

type lifecycleParams struct {
	fx.In

	Server  *Server
	Lock    *lock.Lock
	DB      *store.DB
	Pool    *worker.Pool
	Engine  *intsync.Engine
	Socket  *bluebubbles.Socket
	Machine *status.Machine
	Logger  *zap.Logger
}

func registerLifecycle(lc fx.Lifecycle, p lifecycleParams) {
	runCtx, cancel := context.WithCancel(context.Background())
	pushDone := make(chan struct{})
	logger := p.Logger

	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			if p.Socket == nil {
				logger.Info("no server configured")
				_ = p.Machine.Transition(status.Unconfigured)
			} else {
				_ = p.Machine.Transition(status.Connecting)
			}

			// Paint the cached chat list before anything touches the server.
			if err := p.Engine.Start(runCtx); err != nil {
				return err
			}

			go func() {
				if err := p.Server.Start(); err != nil {
					logger.Error("gRPC server error", zap.Error(err))
				}
			}()

			if p.Socket == nil {
				close(pushDone)
				return nil
			}
			go func() {
				defer close(pushDone)
				if err := p.Socket.Run(runCtx); err != nil {
					logger.Error("push channel stopped", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			cancel()
			select {
			case <-pushDone:
			case <-ctx.Done():
			}
			p.Server.Stop(ctx)
			p.Engine.Stop()
			p.Pool.Close()
			dbErr := p.DB.Close()
			if err := p.Lock.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			_ = logger.Sync()
			return dbErr
		},
	})
}
