package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/eztheme/builder/internal/pipeline"
	"github.com/eztheme/builder/internal/service"
	"github.com/eztheme/builder/internal/store"
	"github.com/eztheme/builder/internal/telemetry"
)

// Starter runs a pending build to completion
type Starter interface {
	Start(ctx context.Context, id string) error
}

// BuildWorker processes build tasks
type BuildWorker struct {
	controller Starter
	logger     *slog.Logger
}

// NewBuildWorker creates a new build worker
func NewBuildWorker(controller Starter, logger *slog.Logger) *BuildWorker {
	if logger == nil {
		logger = slog.Default()
	}
	return &BuildWorker{controller: controller, logger: logger}
}

// ProcessTask handles one build:process task. Duplicate or stale deliveries
// are acknowledged; a failed run is reported to asynq after the build has
// already been marked failed.
func (w *BuildWorker) ProcessTask(ctx context.Context, t *asynq.Task) error {
	buildID, err := service.ParseBuildTask(t.Payload())
	if err != nil {
		return fmt.Errorf("%w: %w", asynq.SkipRetry, err)
	}

	log := telemetry.WithBuildID(w.logger, buildID)
	ctx = telemetry.WithLogger(ctx, w.logger)
	log.Info("starting build")

	err = w.controller.Start(ctx, buildID)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, pipeline.ErrJobBusy), errors.Is(err, pipeline.ErrJobNotPending):
		log.Info("skipping build task", "reason", err)
		return nil
	case errors.Is(err, store.ErrNotFound):
		log.Warn("build task for unknown build")
		return nil
	default:
		return fmt.Errorf("%w: %w", asynq.SkipRetry, err)
	}
}
