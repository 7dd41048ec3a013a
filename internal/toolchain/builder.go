package toolchain

import (
	"context"
	"time"
)

// Builder runs the template project's build command against a workspace.
type Builder struct {
	runner  Runner
	line    string
	env     map[string]string
	timeout time.Duration
}

// NewBuilder creates a builder. A zero timeout disables the deadline, which
// leaves a hung toolchain holding the build's lock; callers should set one.
func NewBuilder(runner Runner, line string, env map[string]string, timeout time.Duration) *Builder {
	return &Builder{
		runner:  runner,
		line:    line,
		env:     env,
		timeout: timeout,
	}
}

// Build runs the configured command in workspace. A non-zero exit or a
// timeout is returned as *ExitError.
func (b *Builder) Build(ctx context.Context, workspace string) (*Result, error) {
	return b.runner.Run(ctx, Command{
		Dir:     workspace,
		Line:    b.line,
		Env:     b.env,
		Timeout: b.timeout,
	})
}
