// Package template keeps a prepared copy of the upstream theme project on
// disk and hands out private deep copies of it to build jobs.
package template

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/otiai10/copy"
	"golang.org/x/sync/singleflight"

	"github.com/eztheme/builder/internal/toolchain"
)

// MarkerFile is written into a prepared cache directory and never copied into workspaces.
const MarkerFile = ".ezbuild-template.json"

var ErrNotPrepared = errors.New("template cache not prepared")

// Marker records what a cache directory was populated from.
type Marker struct {
	Repository string    `json:"repository"`
	Ref        string    `json:"ref,omitempty"`
	PreparedAt time.Time `json:"preparedAt"`
}

// Options configures a Cache.
type Options struct {
	Dir            string
	WorkspaceDir   string
	Repository     string
	Ref            string
	InstallCommand string
	WarmCommand    string
	Exclude        []string
	Timeout        time.Duration
	Env            map[string]string
}

// Cache owns the template directory. Jobs copy under the read lock; a refresh
// swaps the directory under the write lock.
type Cache struct {
	opts   Options
	runner toolchain.Runner

	mu    sync.RWMutex
	group singleflight.Group
}

func NewCache(opts Options, runner toolchain.Runner) *Cache {
	return &Cache{opts: opts, runner: runner}
}

// Status returns the marker of the prepared cache.
func (c *Cache) Status() (*Marker, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.readMarker()
}

// Ensure populates the cache if it is missing or was prepared from a
// different repository or ref.
func (c *Cache) Ensure(ctx context.Context) error {
	if c.fresh() {
		return nil
	}
	return c.populate(ctx)
}

// Refresh repopulates the cache unconditionally.
func (c *Cache) Refresh(ctx context.Context) error {
	return c.populate(ctx)
}

// Materialize deep-copies the template into a fresh workspace named after
// jobID and returns its path. A stale workspace of the same name is replaced.
func (c *Cache) Materialize(ctx context.Context, jobID string) (string, error) {
	if jobID == "" || strings.ContainsAny(jobID, `/\`) || jobID == "." || jobID == ".." {
		return "", fmt.Errorf("invalid workspace name %q", jobID)
	}
	if err := c.Ensure(ctx); err != nil {
		return "", err
	}

	workspace := filepath.Join(c.opts.WorkspaceDir, jobID)
	if err := os.RemoveAll(workspace); err != nil {
		return "", fmt.Errorf("remove stale workspace: %w", err)
	}
	if err := os.MkdirAll(c.opts.WorkspaceDir, 0o755); err != nil {
		return "", fmt.Errorf("create workspace root: %w", err)
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	if _, err := c.readMarker(); err != nil {
		return "", err
	}

	err := copy.Copy(c.opts.Dir, workspace, copy.Options{
		Skip: func(info os.FileInfo, src, _ string) (bool, error) {
			if err := ctx.Err(); err != nil {
				return true, err
			}
			return c.skip(info, src), nil
		},
		OnSymlink: func(string) copy.SymlinkAction {
			return copy.Shallow
		},
	})
	if err != nil {
		_ = os.RemoveAll(workspace)
		return "", fmt.Errorf("copy template: %w", err)
	}
	return workspace, nil
}

func (c *Cache) skip(info os.FileInfo, src string) bool {
	rel, err := filepath.Rel(c.opts.Dir, src)
	if err != nil || rel == "." {
		return false
	}
	name := info.Name()
	if rel == MarkerFile {
		return true
	}
	for _, pattern := range c.opts.Exclude {
		if ok, _ := filepath.Match(pattern, name); ok {
			return true
		}
	}
	return false
}

func (c *Cache) fresh() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	m, err := c.readMarker()
	if err != nil {
		return false
	}
	return m.Repository == c.opts.Repository && m.Ref == c.opts.Ref
}

// populate prepares a staging copy and swaps it in. Concurrent callers
// share one population.
func (c *Cache) populate(ctx context.Context) error {
	_, err, _ := c.group.Do("populate", func() (any, error) {
		return nil, c.prepare(ctx)
	})
	return err
}

func (c *Cache) prepare(ctx context.Context) error {
	if c.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.Timeout)
		defer cancel()
	}

	parent := filepath.Dir(filepath.Clean(c.opts.Dir))
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return fmt.Errorf("create cache parent: %w", err)
	}
	staging, err := os.MkdirTemp(parent, ".template-staging-")
	if err != nil {
		return fmt.Errorf("create staging dir: %w", err)
	}
	defer os.RemoveAll(staging)

	slog.Info("preparing template cache", "repository", c.opts.Repository, "ref", c.opts.Ref)
	start := time.Now()

	for _, line := range c.commands() {
		if _, err := c.runner.Run(ctx, toolchain.Command{
			Dir:  staging,
			Line: line,
			Env:  c.opts.Env,
		}); err != nil {
			return fmt.Errorf("prepare template (%s): %w", line, err)
		}
	}

	marker := Marker{
		Repository: c.opts.Repository,
		Ref:        c.opts.Ref,
		PreparedAt: time.Now().UTC(),
	}
	data, err := json.MarshalIndent(marker, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(staging, MarkerFile), data, 0o644); err != nil {
		return fmt.Errorf("write marker: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := os.RemoveAll(c.opts.Dir); err != nil {
		return fmt.Errorf("remove old cache: %w", err)
	}
	if err := os.Rename(staging, c.opts.Dir); err != nil {
		return fmt.Errorf("swap cache: %w", err)
	}

	slog.Info("template cache ready", "dir", c.opts.Dir, "duration", time.Since(start))
	return nil
}

func (c *Cache) commands() []string {
	clone := "git clone --depth 1"
	if c.opts.Ref != "" {
		clone += " --branch " + shellQuote(c.opts.Ref)
	}
	clone += " " + shellQuote(c.opts.Repository) + " ."

	lines := []string{clone}
	if c.opts.InstallCommand != "" {
		lines = append(lines, c.opts.InstallCommand)
	}
	if c.opts.WarmCommand != "" {
		lines = append(lines, c.opts.WarmCommand)
	}
	return lines
}

func (c *Cache) readMarker() (*Marker, error) {
	data, err := os.ReadFile(filepath.Join(c.opts.Dir, MarkerFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotPrepared
	}
	if err != nil {
		return nil, err
	}

	var m Marker
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode marker: %w", err)
	}
	return &m, nil
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
