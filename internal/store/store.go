// Package store persists build jobs.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/eztheme/builder/internal/model"
)

var (
	ErrNotFound      = errors.New("build not found")
	ErrAlreadyExists = errors.New("build already exists")
)

// Store is the job store used by the intake boundary and the pipeline.
// Implementations return copies; callers never share memory with the store.
type Store interface {
	Create(ctx context.Context, job *model.BuildJob) error
	Get(ctx context.Context, id string) (*model.BuildJob, error)
	// UpdateStatus atomically applies u to the stored job and returns the result.
	UpdateStatus(ctx context.Context, id string, u model.StatusUpdate) (*model.BuildJob, error)
	// List returns one page of an owner's jobs, newest first, and the owner's total.
	List(ctx context.Context, owner string, page, limit int) ([]*model.BuildJob, int, error)
	ListByStatus(ctx context.Context, status model.BuildStatus) ([]*model.BuildJob, error)
}

// Driver names accepted in the store.driver setting.
const (
	DriverMemory   = "memory"
	DriverRedis    = "redis"
	DriverPostgres = "postgres"
)

func offset(page, limit int) int {
	if page < 1 {
		page = 1
	}
	return (page - 1) * limit
}

func clone(job *model.BuildJob) *model.BuildJob {
	c := *job
	c.ConfigSnapshot = append([]byte(nil), job.ConfigSnapshot...)
	if job.Asset != nil {
		c.Asset = append([]byte(nil), job.Asset...)
	}
	if job.StartedAt != nil {
		t := *job.StartedAt
		c.StartedAt = &t
	}
	if job.FinishedAt != nil {
		t := *job.FinishedAt
		c.FinishedAt = &t
	}
	return &c
}

func validateUpdate(u model.StatusUpdate) error {
	if !u.Status.Valid() {
		return fmt.Errorf("invalid status %q", u.Status)
	}
	return nil
}

func now() time.Time {
	return time.Now().UTC()
}
