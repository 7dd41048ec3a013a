package pipeline

import (
	"time"

	"github.com/eztheme/builder/internal/model"
)

// Stage names one step of a pipeline run.
type Stage string

const (
	StageMaterialize Stage = "materialize"
	StageSubstitute  Stage = "substitute"
	StageInject      Stage = "inject"
	StageBuild       Stage = "build"
	StageArchive     Stage = "archive"
	StageExpose      Stage = "expose"
)

// StageResult is the outcome of one stage. Err is set for both fatal and
// tolerated failures; Fatal tells them apart.
type StageResult struct {
	Stage    Stage
	Duration time.Duration
	Err      error
	Fatal    bool
}

// Outcome is the terminal state of a run.
type Outcome struct {
	Status          model.BuildStatus
	ArtifactLocator string
	Error           string
	Unresolved      int
	Stages          []StageResult
}

// Observer receives run events. Implementations must not block.
type Observer interface {
	RunStarted(jobID string)
	// StageFinished reports stage number done of total.
	StageFinished(jobID string, res StageResult, done, total int)
	RunFinished(jobID string, out Outcome)
}

// Observers fans events out to several observers.
type Observers []Observer

func (o Observers) RunStarted(jobID string) {
	for _, obs := range o {
		obs.RunStarted(jobID)
	}
}

func (o Observers) StageFinished(jobID string, res StageResult, done, total int) {
	for _, obs := range o {
		obs.StageFinished(jobID, res, done, total)
	}
}

func (o Observers) RunFinished(jobID string, out Outcome) {
	for _, obs := range o {
		obs.RunFinished(jobID, out)
	}
}
