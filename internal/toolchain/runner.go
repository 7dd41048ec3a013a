// Package toolchain runs the template project's own commands (dependency
// install, build) inside a directory.
package toolchain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"
)

// tailSize bounds how much of each output stream is kept for diagnostics.
const tailSize = 64 * 1024

// Command is one shell command line to run in Dir.
type Command struct {
	Dir     string
	Line    string
	Env     map[string]string
	Timeout time.Duration
}

// Result holds the captured tails of a finished command.
type Result struct {
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// ExitError is returned when a command exits non-zero, is killed or times out.
type ExitError struct {
	Line     string
	ExitCode int
	Stderr   string
	TimedOut bool
	Err      error
}

func (e *ExitError) Error() string {
	if e.TimedOut {
		return fmt.Sprintf("%q timed out", e.Line)
	}
	return fmt.Sprintf("%q exited with code %d", e.Line, e.ExitCode)
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// Runner executes commands. ShellRunner is the production implementation;
// tests substitute their own.
type Runner interface {
	Run(ctx context.Context, cmd Command) (*Result, error)
}

// ShellRunner runs command lines through sh -c.
type ShellRunner struct {
	// WaitDelay bounds how long Run waits for output pipes after the
	// process is killed.
	WaitDelay time.Duration
}

// NewShellRunner creates a runner with a 10 second kill grace period
func NewShellRunner() *ShellRunner {
	return &ShellRunner{WaitDelay: 10 * time.Second}
}

// Run executes cmd and waits for it to finish.
func (r *ShellRunner) Run(ctx context.Context, cmd Command) (*Result, error) {
	if strings.TrimSpace(cmd.Line) == "" {
		return nil, errors.New("empty command line")
	}

	if cmd.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cmd.Timeout)
		defer cancel()
	}

	c := exec.CommandContext(ctx, "sh", "-c", cmd.Line)
	c.Dir = cmd.Dir
	c.Env = MergeEnv(os.Environ(), cmd.Env)
	c.WaitDelay = r.WaitDelay

	stdout := newTail(tailSize)
	stderr := newTail(tailSize)
	c.Stdout = stdout
	c.Stderr = stderr

	slog.Debug("running command", "line", cmd.Line, "dir", cmd.Dir)
	start := time.Now()
	err := c.Run()

	res := &Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}
	if err == nil {
		return res, nil
	}

	exitErr := &ExitError{
		Line:     cmd.Line,
		ExitCode: -1,
		Stderr:   res.Stderr,
		TimedOut: errors.Is(ctx.Err(), context.DeadlineExceeded),
		Err:      err,
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		exitErr.ExitCode = ee.ExitCode()
	}
	return res, exitErr
}

// MergeEnv overlays overrides on base (KEY=VALUE entries). Overrides win and
// are appended in sorted order so the result is stable.
func MergeEnv(base []string, overrides map[string]string) []string {
	out := make([]string, 0, len(base)+len(overrides))
	for _, kv := range base {
		key, _, _ := strings.Cut(kv, "=")
		if _, ok := overrides[key]; ok {
			continue
		}
		out = append(out, kv)
	}

	keys := make([]string, 0, len(overrides))
	for k := range overrides {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out = append(out, k+"="+overrides[k])
	}
	return out
}

// tail keeps the last max bytes written to it.
type tail struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func newTail(max int) *tail {
	return &tail{max: max}
}

func (t *tail) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(p), nil
}

func (t *tail) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
