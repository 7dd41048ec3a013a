package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"golang.org/x/sync/errgroup"

	"github.com/eztheme/builder/internal/app"
	"github.com/eztheme/builder/internal/auth"
	"github.com/eztheme/builder/internal/config"
	"github.com/eztheme/builder/internal/service"
	"github.com/eztheme/builder/internal/telemetry"
	"github.com/eztheme/builder/internal/worker"
)

// @title          EZ-Theme Builder API
// @version        1.0
// @description    Queues customized EZ-Theme builds and serves their archives.
// @BasePath       /
// @securityDefinitions.apikey BearerAuth
// @in             header
// @name           Authorization
func main() {
	if err := run(); err != nil {
		slog.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := telemetry.SetupLogger(cfg.Server.LogLevel, cfg.Server.LogFormat)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	// JWKS verification is optional; the legacy secret still works without it
	var verifier auth.TokenVerifier
	if cfg.Zitadel.Issuer != "" {
		jwks, err := auth.NewJWKSVerifier(ctx, &cfg.Zitadel)
		if err != nil {
			logger.Warn("JWKS verifier not initialized", "error", err)
		} else {
			verifier = jwks
		}
	}
	authenticator := auth.NewAuthenticator(verifier, cfg.JWT.Secret)
	if cfg.Gateway.Enabled {
		logger.Info("gateway mode enabled, using header-based auth")
	}

	if n, err := a.Controller.Recover(ctx); err != nil {
		logger.Error("recovering interrupted builds", "error", err)
	} else if n > 0 {
		logger.Warn("marked interrupted builds as failed", "count", n)
	}

	go a.Hub.Run()
	defer a.Hub.Stop()

	// Warm the template cache so the first build does not pay for the clone
	go func() {
		if err := a.Template.Ensure(ctx); err != nil {
			logger.Error("template cache not ready", "error", err)
		}
	}()

	srv := asynq.NewServer(a.RedisOpt(), asynq.Config{
		Concurrency: cfg.Worker.Concurrency,
		Queues:      map[string]int{service.QueueBuilds: 1},
		LogLevel:    app.AsynqLogLevel(cfg.Server.LogLevel),
	})
	mux := asynq.NewServeMux()
	mux.HandleFunc(service.TaskTypeBuild, worker.NewBuildWorker(a.Controller, logger).ProcessTask)

	router := app.NewRouter(a.RouterDeps(authenticator))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		addr := ":" + cfg.Server.Port
		logger.Info("server starting", "addr", addr, "store", cfg.Store.Driver, "lock", cfg.Lock.Driver)
		return router.Listen(addr)
	})
	g.Go(func() error {
		if err := srv.Start(mux); err != nil {
			return err
		}
		<-gctx.Done()
		srv.Shutdown()
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down server")
		return router.ShutdownWithTimeout(10 * time.Second)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
