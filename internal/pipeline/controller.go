// Package pipeline drives a build job through its stages and owns every
// status transition after creation.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"
	"time"

	"github.com/eztheme/builder/internal/joblock"
	"github.com/eztheme/builder/internal/model"
	"github.com/eztheme/builder/internal/store"
	"github.com/eztheme/builder/internal/substitute"
	"github.com/eztheme/builder/internal/telemetry"
	"github.com/eztheme/builder/internal/toolchain"
)

const (
	finalizeTimeout = 30 * time.Second
	maxErrorTail    = 4096
)

type Materializer interface {
	Materialize(ctx context.Context, jobID string) (string, error)
}

type Renderer interface {
	Apply(workspace string, config map[string]any) (substitute.Report, error)
}

type Injector interface {
	Inject(workspace string, data []byte) error
}

type Builder interface {
	Build(ctx context.Context, workspace string) (*toolchain.Result, error)
}

type Archiver interface {
	Archive(ctx context.Context, srcDir, jobID string) (string, error)
}

type ArtifactVerifier interface {
	Verify(locator string) error
}

type Publisher interface {
	Publish(ctx context.Context, locator, path string) error
}

// Deps are the collaborators of a Controller. Mirror and Observer are optional.
type Deps struct {
	Store        store.Store
	Locker       joblock.Locker
	Materializer Materializer
	Renderer     Renderer
	Injector     Injector
	Builder      Builder
	Archiver     Archiver
	Artifacts    ArtifactVerifier
	Mirror       Publisher
	Observer     Observer
	// OutputDir is the build tool's output directory, relative to the workspace.
	OutputDir string
}

// Controller runs build jobs. Runs of different jobs proceed concurrently;
// runs of one job are serialized by the Locker.
type Controller struct {
	Deps
}

func New(deps Deps) *Controller {
	if deps.Observer == nil {
		deps.Observer = Observers(nil)
	}
	return &Controller{Deps: deps}
}

// runState is what one run carries between stages.
type runState struct {
	job         *model.BuildJob
	log         *slog.Logger
	workspace   string
	archivePath string
	locator     string
	unresolved  int
	results     []StageResult
}

type stage struct {
	name  Stage
	fatal bool
	fn    func(ctx context.Context, r *runState) error
}

func (c *Controller) stages() []stage {
	return []stage{
		{StageMaterialize, true, c.materialize},
		{StageSubstitute, true, c.substitute},
		{StageInject, false, c.inject},
		{StageBuild, true, c.build},
		{StageArchive, true, c.archive},
		{StageExpose, true, c.expose},
	}
}

// Start runs a pending job to a terminal status. It returns ErrJobBusy if the
// job is locked or processing and ErrJobNotPending for any other status.
// A failed run returns the stage error after the job has been marked failed.
func (c *Controller) Start(ctx context.Context, id string) error {
	release, err := c.acquire(ctx, id)
	if err != nil {
		return err
	}
	defer release()

	job, err := c.Store.Get(ctx, id)
	if err != nil {
		return err
	}
	switch job.Status {
	case model.BuildStatusPending:
	case model.BuildStatusProcessing:
		return ErrJobBusy
	default:
		return fmt.Errorf("%w: %s", ErrJobNotPending, job.Status)
	}
	return c.run(ctx, job)
}

// Retry resets a non-processing job to pending and runs it again against its
// stored config snapshot.
func (c *Controller) Retry(ctx context.Context, id string) error {
	release, err := c.acquireForRetry(ctx, id)
	if err != nil {
		return err
	}
	defer release()

	job, err := c.reset(ctx, id)
	if err != nil {
		return err
	}
	return c.run(ctx, job)
}

// Reset moves a failed or completed job back to pending without running it,
// for callers that hand the run to a queue. A pending job is already waiting
// for a run and yields ErrJobQueued.
func (c *Controller) Reset(ctx context.Context, id string) (*model.BuildJob, error) {
	release, err := c.acquireForRetry(ctx, id)
	if err != nil {
		return nil, err
	}
	defer release()

	job, err := c.Store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Status == model.BuildStatusPending {
		return nil, ErrJobQueued
	}
	return c.reset(ctx, id)
}

// Recover marks jobs stuck in processing as failed when no live run holds
// their lock, which happens when a worker dies mid-run. It returns the
// number of jobs recovered.
func (c *Controller) Recover(ctx context.Context) (int, error) {
	jobs, err := c.Store.ListByStatus(ctx, model.BuildStatusProcessing)
	if err != nil {
		return 0, err
	}

	recovered := 0
	for _, job := range jobs {
		release, err := c.Locker.TryAcquire(ctx, job.ID)
		if errors.Is(err, joblock.ErrHeld) {
			continue
		}
		if err != nil {
			return recovered, err
		}

		current, err := c.Store.Get(ctx, job.ID)
		if err == nil && current.Status == model.BuildStatusProcessing {
			_, err = c.Store.UpdateStatus(ctx, job.ID, model.StatusUpdate{
				Status: model.BuildStatusFailed,
				Error:  "interrupted",
			})
			if err == nil {
				recovered++
				slog.Warn("recovered interrupted build", "build_id", job.ID)
			}
		}
		release()
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return recovered, err
		}
	}
	return recovered, nil
}

func (c *Controller) acquire(ctx context.Context, id string) (func(), error) {
	release, err := c.Locker.TryAcquire(ctx, id)
	if errors.Is(err, joblock.ErrHeld) {
		return nil, ErrJobBusy
	}
	if err != nil {
		return nil, err
	}
	return release, nil
}

// acquireForRetry reports a held lock as both busy and not retryable.
func (c *Controller) acquireForRetry(ctx context.Context, id string) (func(), error) {
	release, err := c.acquire(ctx, id)
	if errors.Is(err, ErrJobBusy) {
		return nil, fmt.Errorf("%w: %w", ErrJobNotRetryable, ErrJobBusy)
	}
	return release, err
}

func (c *Controller) reset(ctx context.Context, id string) (*model.BuildJob, error) {
	job, err := c.Store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Status == model.BuildStatusProcessing {
		return nil, ErrJobNotRetryable
	}
	return c.Store.UpdateStatus(ctx, id, model.StatusUpdate{Status: model.BuildStatusPending})
}

// run executes the stages of a locked pending job and always leaves it in a
// terminal status with its workspace removed.
func (c *Controller) run(ctx context.Context, job *model.BuildJob) error {
	log := telemetry.WithBuildID(telemetry.FromContext(ctx), job.ID)

	job, err := c.Store.UpdateStatus(ctx, job.ID, model.StatusUpdate{Status: model.BuildStatusProcessing})
	if err != nil {
		return fmt.Errorf("mark processing: %w", err)
	}
	log.Info("build started", "attempt", job.Attempts)
	c.Observer.RunStarted(job.ID)

	r := &runState{job: job, log: log}
	runErr := c.execute(ctx, r)
	c.cleanup(r, runErr)
	return c.finalize(ctx, r, runErr)
}

func (c *Controller) execute(ctx context.Context, r *runState) (err error) {
	defer func() {
		if p := recover(); p != nil {
			r.log.Error("build panicked", "panic", p, "stack", string(debug.Stack()))
			err = fmt.Errorf("build panicked: %v", p)
		}
	}()

	stages := c.stages()
	for i, s := range stages {
		start := time.Now()
		stageErr := s.fn(ctx, r)
		res := StageResult{
			Stage:    s.name,
			Duration: time.Since(start),
			Err:      stageErr,
			Fatal:    stageErr != nil && s.fatal,
		}
		r.results = append(r.results, res)
		c.Observer.StageFinished(r.job.ID, res, i+1, len(stages))

		switch {
		case stageErr == nil:
			r.log.Debug("stage finished", "stage", s.name, "duration", res.Duration)
		case !s.fatal:
			r.log.Warn("stage failed, continuing", "stage", s.name, "error", stageErr)
		default:
			r.log.Error("stage failed", "stage", s.name, "error", stageErr)
			return stageErr
		}
	}
	return nil
}

func (c *Controller) materialize(ctx context.Context, r *runState) error {
	ws, err := c.Materializer.Materialize(ctx, r.job.ID)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrTemplateUnavailable, err)
	}
	r.workspace = ws
	return nil
}

func (c *Controller) substitute(_ context.Context, r *runState) error {
	cfg, err := r.job.Config()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSubstitutionFailed, err)
	}
	report, err := c.Renderer.Apply(r.workspace, cfg)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSubstitutionFailed, err)
	}

	if report.Partial() {
		r.unresolved = len(report.Unresolved) + len(report.Leftover)
		r.log.Warn("config substitution incomplete",
			"error", report.Err(),
			"unresolved", report.Unresolved,
			"leftover", report.Leftover,
		)
	}
	return nil
}

func (c *Controller) inject(_ context.Context, r *runState) error {
	if err := c.Injector.Inject(r.workspace, r.job.Asset); err != nil {
		return fmt.Errorf("%w: %w", ErrAssetInjectionFailed, err)
	}
	return nil
}

func (c *Controller) build(ctx context.Context, r *runState) error {
	res, err := c.Builder.Build(ctx, r.workspace)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrBuildToolFailed, err)
	}
	r.log.Debug("build tool finished", "duration", res.Duration)
	return nil
}

func (c *Controller) archive(ctx context.Context, r *runState) error {
	path, err := c.Archiver.Archive(ctx, filepath.Join(r.workspace, c.OutputDir), r.job.ID)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrArchivalFailed, err)
	}
	r.archivePath = path
	r.locator = filepath.Base(path)
	return nil
}

func (c *Controller) expose(ctx context.Context, r *runState) error {
	if err := c.Artifacts.Verify(r.locator); err != nil {
		return fmt.Errorf("%w: %w", ErrArtifactUnreadable, err)
	}
	if c.Mirror != nil {
		if err := c.Mirror.Publish(ctx, r.locator, r.archivePath); err != nil {
			r.log.Warn("artifact mirror failed", "error", err)
		}
	}
	return nil
}

func (c *Controller) cleanup(r *runState, runErr error) {
	if r.workspace != "" {
		if err := os.RemoveAll(r.workspace); err != nil {
			r.log.Warn("failed to remove workspace", "workspace", r.workspace, "error", err)
		}
	}
	// a failed run exposes no artifact
	if runErr != nil && r.archivePath != "" {
		if err := os.Remove(r.archivePath); err != nil && !errors.Is(err, os.ErrNotExist) {
			r.log.Warn("failed to remove artifact of failed build", "error", err)
		}
		r.locator = ""
	}
}

// finalize records the terminal status. It ignores cancellation of ctx so a
// task deadline cannot leave the job in processing.
func (c *Controller) finalize(ctx context.Context, r *runState, runErr error) error {
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()

	out := Outcome{
		Status:          model.BuildStatusCompleted,
		ArtifactLocator: r.locator,
		Unresolved:      r.unresolved,
		Stages:          r.results,
	}
	if runErr != nil {
		out.Status = model.BuildStatusFailed
		out.ArtifactLocator = ""
		out.Error = failureMessage(runErr)
	}

	_, err := c.Store.UpdateStatus(fctx, r.job.ID, model.StatusUpdate{
		Status:          out.Status,
		ArtifactLocator: out.ArtifactLocator,
		Error:           out.Error,
	})
	if err != nil {
		r.log.Error("failed to record build outcome", "status", out.Status, "error", err)
		return errors.Join(runErr, fmt.Errorf("finalize: %w", err))
	}

	c.Observer.RunFinished(r.job.ID, out)
	r.log.Info("build finished", "status", out.Status, "locator", out.ArtifactLocator)
	return runErr
}

// failureMessage is the error recorded on a failed job, including the tail
// of the build tool's stderr when there is one.
func failureMessage(err error) string {
	msg := err.Error()
	var exitErr *toolchain.ExitError
	if errors.As(err, &exitErr) && exitErr.Stderr != "" {
		stderr := exitErr.Stderr
		if len(stderr) > maxErrorTail {
			stderr = stderr[len(stderr)-maxErrorTail:]
		}
		msg += "\n" + stderr
	}
	return msg
}
