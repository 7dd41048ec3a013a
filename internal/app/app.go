// Package app assembles the builder's components from configuration. Both
// the server and the ezbuild CLI start from New.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/eztheme/builder/internal/archive"
	"github.com/eztheme/builder/internal/artifact"
	"github.com/eztheme/builder/internal/asset"
	"github.com/eztheme/builder/internal/auth"
	"github.com/eztheme/builder/internal/billing"
	"github.com/eztheme/builder/internal/config"
	"github.com/eztheme/builder/internal/joblock"
	"github.com/eztheme/builder/internal/metrics"
	"github.com/eztheme/builder/internal/middleware"
	"github.com/eztheme/builder/internal/pipeline"
	"github.com/eztheme/builder/internal/service"
	"github.com/eztheme/builder/internal/store"
	"github.com/eztheme/builder/internal/substitute"
	"github.com/eztheme/builder/internal/template"
	"github.com/eztheme/builder/internal/toolchain"
	ws "github.com/eztheme/builder/internal/websocket"
)

// taskGrace is added to the build timeout to cover the stages around the
// build tool.
const taskGrace = 10 * time.Minute

// App holds the wired components. Mirror is nil when R2 is not configured.
type App struct {
	Config   *config.Config
	Logger   *slog.Logger
	Redis    *redis.Client
	Pool     *pgxpool.Pool
	Registry *prometheus.Registry

	Store      store.Store
	Locker     joblock.Locker
	Ledger     billing.Ledger
	Template   *template.Cache
	Artifacts  *artifact.Store
	Mirror     artifact.Mirror
	Hub        *ws.Hub
	Metrics    *metrics.Metrics
	Controller *pipeline.Controller
	Queue      *asynq.Client
	Service    *service.BuildService
}

// New connects to the configured backends and wires the pipeline. Close
// releases what New opened.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	a := &App{
		Config:   cfg,
		Logger:   logger,
		Registry: prometheus.NewRegistry(),
		Hub:      ws.NewHub(),
	}
	a.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.Metrics = metrics.New(a.Registry)

	a.Redis = redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := a.Redis.Ping(ctx).Err(); err != nil {
		logger.Warn("redis not available", "addr", cfg.Redis.Addr, "error", err)
	}
	a.Queue = asynq.NewClient(a.RedisOpt())

	if err := a.openStore(ctx); err != nil {
		a.Close()
		return nil, err
	}

	switch cfg.Lock.Driver {
	case "local":
		a.Locker = joblock.NewLocal()
	case "redis", "":
		a.Locker = joblock.NewRedis(a.Redis, cfg.Lock.TTL)
	default:
		a.Close()
		return nil, fmt.Errorf("unknown lock driver %q", cfg.Lock.Driver)
	}

	if cfg.Billing.PricePerBuild > 0 {
		a.Ledger = billing.NewRedis(a.Redis)
	} else {
		a.Ledger = billing.Free{}
	}

	runner := toolchain.NewShellRunner()
	a.Template = template.NewCache(template.Options{
		Dir:            cfg.Template.CacheDir,
		WorkspaceDir:   cfg.Template.WorkspaceDir,
		Repository:     cfg.Template.Repository,
		Ref:            cfg.Template.Ref,
		InstallCommand: cfg.Template.InstallCommand,
		WarmCommand:    cfg.Template.WarmCommand,
		Exclude:        cfg.Template.Exclude,
		Timeout:        cfg.Template.Timeout,
		Env:            cfg.Build.Env,
	}, runner)

	engine, err := substitute.NewEngine(cfg.Build.ConfigTemplate, cfg.Build.ConfigTarget)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.Artifacts = artifact.NewStore(cfg.Artifact.Dir)
	mirror, err := artifact.NewR2Mirror(&cfg.R2, cfg.Artifact.URLExpiry)
	if err != nil {
		logger.Warn("R2 mirror not initialized", "error", err)
	}
	var publisher pipeline.Publisher
	if mirror != nil {
		a.Mirror = mirror
		publisher = mirror
	}

	a.Controller = pipeline.New(pipeline.Deps{
		Store:        a.Store,
		Locker:       a.Locker,
		Materializer: a.Template,
		Renderer:     engine,
		Injector:     asset.NewInjector(cfg.Build.LogoPath),
		Builder:      toolchain.NewBuilder(runner, cfg.Build.Command, cfg.Build.Env, cfg.Build.Timeout),
		Archiver:     archive.NewZipper(cfg.Artifact.Dir),
		Artifacts:    a.Artifacts,
		Mirror:       publisher,
		Observer:     pipeline.Observers{a.Hub, a.Metrics},
		OutputDir:    cfg.Build.OutputDir,
	})

	a.Service = service.NewBuildService(a.Store, a.Ledger, a.Controller, a.Queue, a.Artifacts, a.Mirror, service.Options{
		PricePerBuild: cfg.Billing.PricePerBuild,
		MaxAssetSize:  cfg.Build.MaxAssetSize,
		TaskTimeout:   TaskTimeout(cfg),
	})
	return a, nil
}

func (a *App) openStore(ctx context.Context) error {
	switch a.Config.Store.Driver {
	case store.DriverMemory:
		a.Store = store.NewMemory()
	case store.DriverRedis, "":
		a.Store = store.NewRedis(a.Redis, a.Config.Store.Retention)
	case store.DriverPostgres:
		if a.Config.Store.DatabaseURL == "" {
			return errors.New("store.database_url is required for the postgres store")
		}
		pool, err := store.NewPool(ctx, a.Config.Store.DatabaseURL)
		if err != nil {
			return err
		}
		a.Pool = pool
		pg := store.NewPostgres(pool)
		if err := pg.Migrate(ctx); err != nil {
			return err
		}
		a.Store = pg
	default:
		return fmt.Errorf("unknown store driver %q", a.Config.Store.Driver)
	}
	return nil
}

// TaskTimeout bounds one queued build run
func TaskTimeout(cfg *config.Config) time.Duration {
	return cfg.Build.Timeout + taskGrace
}

// RedisOpt is the asynq connection to the configured Redis
func (a *App) RedisOpt() asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     a.Config.Redis.Addr,
		Password: a.Config.Redis.Password,
		DB:       a.Config.Redis.DB,
	}
}

// AsynqLogLevel maps server.log_level onto asynq's levels
func AsynqLogLevel(level string) asynq.LogLevel {
	switch strings.ToLower(level) {
	case "debug":
		return asynq.DebugLevel
	case "warn", "warning":
		return asynq.WarnLevel
	case "error":
		return asynq.ErrorLevel
	default:
		return asynq.InfoLevel
	}
}

// Close releases the connections opened by New
func (a *App) Close() {
	if a.Queue != nil {
		if err := a.Queue.Close(); err != nil {
			a.Logger.Warn("close asynq client", "error", err)
		}
	}
	if a.Pool != nil {
		a.Pool.Close()
	}
	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			a.Logger.Warn("close redis", "error", err)
		}
	}
}

// RouterDeps collects the HTTP layer's dependencies from the wired app
func (a *App) RouterDeps(authenticator *auth.Authenticator) RouterDeps {
	return RouterDeps{
		Service:       a.Service,
		Hub:           a.Hub,
		Authenticator: authenticator,
		RateLimiter:   middleware.NewRateLimiter(a.Redis),
		Gatherer:      a.Registry,
		GatewayMode:   a.Config.Gateway.Enabled,
		BuildPerHour:  a.Config.RateLimit.BuildPerHour,
		MaxAssetSize:  a.Config.Build.MaxAssetSize,
		LogLevel:      a.Config.Server.LogLevel,
		MirrorEnabled: a.Mirror != nil,
		TemplateStatus: func() error {
			_, err := a.Template.Status()
			return err
		},
	}
}
