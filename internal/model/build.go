package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// BuildStatus is the lifecycle state of a build job
type BuildStatus string

const (
	BuildStatusPending    BuildStatus = "pending"
	BuildStatusProcessing BuildStatus = "processing"
	BuildStatusCompleted  BuildStatus = "completed"
	BuildStatusFailed     BuildStatus = "failed"
)

// Valid reports whether s is one of the known statuses
func (s BuildStatus) Valid() bool {
	switch s {
	case BuildStatusPending, BuildStatusProcessing, BuildStatusCompleted, BuildStatusFailed:
		return true
	}
	return false
}

// BuildJob is one request to produce a customized theme artifact
type BuildJob struct {
	ID              string          `json:"id"`
	Owner           string          `json:"owner"`
	ConfigSnapshot  json.RawMessage `json:"config"`
	Asset           []byte          `json:"asset,omitempty"`
	Status          BuildStatus     `json:"status"`
	ArtifactLocator string          `json:"artifactLocator,omitempty"`
	Error           string          `json:"error,omitempty"`
	Attempts        int             `json:"attempts"`
	CreatedAt       time.Time       `json:"createdAt"`
	StartedAt       *time.Time      `json:"startedAt,omitempty"`
	FinishedAt      *time.Time      `json:"finishedAt,omitempty"`
}

// Config decodes the stored snapshot. Numbers stay json.Number so their
// literal form survives substitution unchanged.
func (j *BuildJob) Config() (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(j.ConfigSnapshot))
	dec.UseNumber()

	var cfg map[string]any
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config snapshot: %w", err)
	}
	if cfg == nil {
		cfg = map[string]any{}
	}
	return cfg, nil
}

// StatusUpdate is the only mutation the pipeline applies to a stored job
type StatusUpdate struct {
	Status          BuildStatus
	ArtifactLocator string
	Error           string
}

// Apply mutates job according to u. The artifact locator is kept only for
// completed jobs.
func (u StatusUpdate) Apply(job *BuildJob, now time.Time) {
	job.Status = u.Status
	job.Error = u.Error
	job.ArtifactLocator = ""

	switch u.Status {
	case BuildStatusProcessing:
		job.Attempts++
		job.StartedAt = &now
		job.FinishedAt = nil
	case BuildStatusCompleted:
		job.ArtifactLocator = u.ArtifactLocator
		job.FinishedAt = &now
	case BuildStatusFailed:
		job.FinishedAt = &now
	case BuildStatusPending:
		job.StartedAt = nil
		job.FinishedAt = nil
	}
}

// BuildCreateRequest is the JSON body of POST /api/builds. Config is kept raw
// so the stored snapshot is the caller's exact JSON.
type BuildCreateRequest struct {
	Config json.RawMessage `json:"config" validate:"required"`
	Logo   string          `json:"logo,omitempty" validate:"omitempty,base64"`
}

// BuildResponse is the public view of a build job
type BuildResponse struct {
	BuildID     string      `json:"buildId"`
	Status      BuildStatus `json:"status"`
	DownloadURL string      `json:"downloadUrl,omitempty"`
	Error       string      `json:"error,omitempty"`
	Attempts    int         `json:"attempts"`
	CreatedAt   time.Time   `json:"createdAt"`
	StartedAt   *time.Time  `json:"startedAt,omitempty"`
	FinishedAt  *time.Time  `json:"finishedAt,omitempty"`
}

// NewBuildResponse converts a job to its API representation
func NewBuildResponse(job *BuildJob) *BuildResponse {
	resp := &BuildResponse{
		BuildID:    job.ID,
		Status:     job.Status,
		Error:      job.Error,
		Attempts:   job.Attempts,
		CreatedAt:  job.CreatedAt,
		StartedAt:  job.StartedAt,
		FinishedAt: job.FinishedAt,
	}
	if job.Status == BuildStatusCompleted {
		resp.DownloadURL = DownloadPath(job.ID)
	}
	return resp
}

// DownloadPath is the API path serving a completed build's artifact
func DownloadPath(id string) string {
	return fmt.Sprintf("/api/builds/%s/download", id)
}

// Pagination describes a page of a list response
type Pagination struct {
	Page  int `json:"page"`
	Limit int `json:"limit"`
	Total int `json:"total"`
	Pages int `json:"pages"`
}

// BuildListResponse is the body of GET /api/builds
type BuildListResponse struct {
	Builds     []*BuildResponse `json:"builds"`
	Pagination Pagination       `json:"pagination"`
}

// CreditsResponse is the body of GET /api/credits
type CreditsResponse struct {
	Balance       int64 `json:"balance"`
	PricePerBuild int64 `json:"pricePerBuild"`
}
