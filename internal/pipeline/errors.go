package pipeline

import (
	"errors"

	"github.com/eztheme/builder/internal/substitute"
)

// Stage failures. Leaf errors are wrapped so that errors.Is matches the
// sentinel and errors.As still reaches the cause (e.g. *toolchain.ExitError).
var (
	ErrTemplateUnavailable  = errors.New("template unavailable")
	ErrSubstitutionFailed   = errors.New("config substitution failed")
	ErrSubstitutionPartial  = substitute.ErrPartial
	ErrAssetInjectionFailed = errors.New("asset injection failed")
	ErrBuildToolFailed      = errors.New("build tool failed")
	ErrArchivalFailed       = errors.New("archival failed")
	ErrArtifactUnreadable   = errors.New("artifact unreadable")
)

// Lifecycle rejections. None of them change the stored job.
var (
	ErrJobBusy         = errors.New("build is already processing")
	ErrJobNotRetryable = errors.New("build cannot be retried while processing")
	ErrJobNotPending   = errors.New("build is not pending")
	ErrJobQueued       = errors.New("build is already queued")
)
