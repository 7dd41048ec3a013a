// Package service is the intake boundary of the build pipeline: it validates
// requests, charges credits, records jobs and hands them to the queue.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/eztheme/builder/internal/artifact"
	"github.com/eztheme/builder/internal/billing"
	"github.com/eztheme/builder/internal/model"
	"github.com/eztheme/builder/internal/pipeline"
	"github.com/eztheme/builder/internal/store"
)

const (
	DefaultPageLimit = 10
	MaxPageLimit     = 100

	refundTimeout = 10 * time.Second
)

var (
	ErrNotCompleted  = errors.New("build not completed")
	ErrAssetTooLarge = errors.New("asset too large")
	ErrEnqueueFailed = errors.New("build could not be queued")
)

// Enqueuer is the part of *asynq.Client the service uses
type Enqueuer interface {
	Enqueue(task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// Resetter moves a finished build back to pending under the per-build lock
type Resetter interface {
	Reset(ctx context.Context, id string) (*model.BuildJob, error)
}

type Options struct {
	PricePerBuild int64
	MaxAssetSize  int64
	// TaskTimeout bounds one queued run, build tool included
	TaskTimeout time.Duration
}

// BuildService handles build job intake and retrieval
type BuildService struct {
	store     store.Store
	ledger    billing.Ledger
	lifecycle Resetter
	queue     Enqueuer
	artifacts *artifact.Store
	mirror    artifact.Mirror
	opts      Options
}

// NewBuildService wires the service. mirror may be nil.
func NewBuildService(
	st store.Store,
	ledger billing.Ledger,
	lifecycle Resetter,
	queue Enqueuer,
	artifacts *artifact.Store,
	mirror artifact.Mirror,
	opts Options,
) *BuildService {
	return &BuildService{
		store:     st,
		ledger:    ledger,
		lifecycle: lifecycle,
		queue:     queue,
		artifacts: artifacts,
		mirror:    mirror,
		opts:      opts,
	}
}

// CreateInput is a validated-at-the-edge build request
type CreateInput struct {
	Owner  string
	Config []byte
	Logo   []byte
}

// Create records a pending build and queues it. The owner is charged first
// and refunded when the build cannot be recorded or queued.
func (s *BuildService) Create(ctx context.Context, in CreateInput) (*model.BuildJob, error) {
	job := &model.BuildJob{
		ID:             uuid.NewString(),
		Owner:          in.Owner,
		ConfigSnapshot: append([]byte(nil), in.Config...),
		Status:         model.BuildStatusPending,
		CreatedAt:      time.Now().UTC(),
	}
	if len(in.Logo) > 0 {
		job.Asset = in.Logo
	}

	cfg, err := job.Config()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", model.ErrInvalidConfig, err)
	}
	if err := model.ValidateConfig(cfg); err != nil {
		return nil, err
	}
	if s.opts.MaxAssetSize > 0 && int64(len(in.Logo)) > s.opts.MaxAssetSize {
		return nil, fmt.Errorf("%w: %d bytes, limit %d", ErrAssetTooLarge, len(in.Logo), s.opts.MaxAssetSize)
	}

	if err := s.charge(ctx, in.Owner); err != nil {
		return nil, err
	}

	if err := s.store.Create(ctx, job); err != nil {
		s.refund(ctx, in.Owner, job.ID)
		return nil, fmt.Errorf("save build: %w", err)
	}

	if err := s.enqueue(ctx, job.ID); err != nil {
		s.refund(ctx, in.Owner, job.ID)
		return nil, err
	}

	slog.Info("build queued", "build_id", job.ID, "owner", in.Owner)
	return job, nil
}

// Retry charges the owner again, resets the build to pending and queues it
func (s *BuildService) Retry(ctx context.Context, owner, id string) (*model.BuildJob, error) {
	job, err := s.Get(ctx, owner, id)
	if err != nil {
		return nil, err
	}
	switch job.Status {
	case model.BuildStatusProcessing:
		return nil, pipeline.ErrJobNotRetryable
	case model.BuildStatusPending:
		return nil, pipeline.ErrJobQueued
	}

	if err := s.charge(ctx, owner); err != nil {
		return nil, err
	}

	job, err = s.lifecycle.Reset(ctx, id)
	if err != nil {
		s.refund(ctx, owner, id)
		return nil, err
	}

	if err := s.enqueue(ctx, id); err != nil {
		s.refund(ctx, owner, id)
		return nil, err
	}

	slog.Info("build requeued", "build_id", id, "owner", owner, "attempts", job.Attempts)
	return job, nil
}

// Get returns an owner's build. Builds of other owners are reported as not
// found.
func (s *BuildService) Get(ctx context.Context, owner, id string) (*model.BuildJob, error) {
	job, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Owner != owner {
		return nil, store.ErrNotFound
	}
	return job, nil
}

// Lookup returns any build by id, for progress subscriptions
func (s *BuildService) Lookup(ctx context.Context, id string) (*model.BuildJob, error) {
	return s.store.Get(ctx, id)
}

// List returns a page of the owner's builds, newest first
func (s *BuildService) List(ctx context.Context, owner string, page, limit int) (*model.BuildListResponse, error) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = DefaultPageLimit
	}
	if limit > MaxPageLimit {
		limit = MaxPageLimit
	}

	jobs, total, err := s.store.List(ctx, owner, page, limit)
	if err != nil {
		return nil, err
	}

	resp := &model.BuildListResponse{
		Builds: make([]*model.BuildResponse, 0, len(jobs)),
		Pagination: model.Pagination{
			Page:  page,
			Limit: limit,
			Total: total,
			Pages: (total + limit - 1) / limit,
		},
	}
	for _, job := range jobs {
		resp.Builds = append(resp.Builds, model.NewBuildResponse(job))
	}
	return resp, nil
}

// Credits reports the owner's balance and the current build price
func (s *BuildService) Credits(ctx context.Context, owner string) (*model.CreditsResponse, error) {
	balance, err := s.ledger.Balance(ctx, owner)
	if err != nil {
		return nil, err
	}
	return &model.CreditsResponse{Balance: balance, PricePerBuild: s.opts.PricePerBuild}, nil
}

// Download is a completed build's artifact: either an open local file or a
// signed object storage URL.
type Download struct {
	Name        string
	File        *os.File
	Size        int64
	RedirectURL string
}

// Download resolves the artifact of a completed build. A completed build
// whose archive is gone locally falls back to the mirror when one is
// configured; otherwise it is a data integrity failure.
func (s *BuildService) Download(ctx context.Context, owner, id string) (*Download, error) {
	job, err := s.Get(ctx, owner, id)
	if err != nil {
		return nil, err
	}
	if job.Status != model.BuildStatusCompleted || job.ArtifactLocator == "" {
		return nil, fmt.Errorf("%w: status is %s", ErrNotCompleted, job.Status)
	}

	name := artifact.DownloadName(job.ArtifactLocator)
	f, info, err := s.artifacts.Open(job.ArtifactLocator)
	if err == nil {
		return &Download{Name: name, File: f, Size: info.Size()}, nil
	}
	if s.mirror == nil {
		return nil, err
	}

	url, signErr := s.mirror.SignedURL(ctx, job.ArtifactLocator)
	if signErr != nil {
		return nil, fmt.Errorf("%w: %w", err, signErr)
	}
	return &Download{Name: name, RedirectURL: url}, nil
}

func (s *BuildService) charge(ctx context.Context, owner string) error {
	if s.opts.PricePerBuild <= 0 {
		return nil
	}
	return s.ledger.Debit(ctx, owner, s.opts.PricePerBuild)
}

// refund credits the owner back; it runs even if the request was cancelled.
func (s *BuildService) refund(ctx context.Context, owner, buildID string) {
	if s.opts.PricePerBuild <= 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), refundTimeout)
	defer cancel()

	if err := s.ledger.Credit(ctx, owner, s.opts.PricePerBuild); err != nil {
		slog.Error("refund failed", "build_id", buildID, "owner", owner, "amount", s.opts.PricePerBuild, "error", err)
	}
}

// enqueue hands a pending build to the worker queue. A build that cannot be
// queued is marked failed so it can be retried later.
func (s *BuildService) enqueue(ctx context.Context, id string) error {
	task, err := NewBuildTask(id)
	if err != nil {
		return err
	}

	if _, err := s.queue.Enqueue(task, TaskOptions(s.opts.TaskTimeout)...); err != nil {
		ctx := context.WithoutCancel(ctx)
		if _, uerr := s.store.UpdateStatus(ctx, id, model.StatusUpdate{
			Status: model.BuildStatusFailed,
			Error:  ErrEnqueueFailed.Error(),
		}); uerr != nil {
			slog.Error("failed to mark unqueued build", "build_id", id, "error", uerr)
		}
		return fmt.Errorf("%w: %w", ErrEnqueueFailed, err)
	}
	return nil
}
