package template

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eztheme/builder/internal/toolchain"
)

// fakeRunner stands in for git and npm: a clone writes a small project
// into the command directory.
type fakeRunner struct {
	mu     sync.Mutex
	lines  []string
	clones atomic.Int32
	delay  time.Duration
	fail   string
}

func (f *fakeRunner) Run(_ context.Context, cmd toolchain.Command) (*toolchain.Result, error) {
	f.mu.Lock()
	f.lines = append(f.lines, cmd.Line)
	f.mu.Unlock()

	if f.fail != "" && strings.HasPrefix(cmd.Line, f.fail) {
		return nil, &toolchain.ExitError{Line: cmd.Line, ExitCode: 1, Stderr: "boom"}
	}
	if strings.HasPrefix(cmd.Line, "git clone") {
		f.clones.Add(1)
		time.Sleep(f.delay)
		files := map[string]string{
			"package.json":        `{"name":"ez-theme"}`,
			"src/main.js":         "import config from './config'",
			"src/config/index.js": "export default {}",
			".git/HEAD":           "ref: refs/heads/main",
			"npm-debug.log":       "noise",
			"cache.tmp":           "noise",
		}
		for name, body := range files {
			path := filepath.Join(cmd.Dir, filepath.FromSlash(name))
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return nil, err
			}
			if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
				return nil, err
			}
		}
	}
	return &toolchain.Result{}, nil
}

func newTestCache(t *testing.T, runner toolchain.Runner) *Cache {
	t.Helper()
	root := t.TempDir()
	return NewCache(Options{
		Dir:            filepath.Join(root, "base-build"),
		WorkspaceDir:   filepath.Join(root, "temp"),
		Repository:     "https://example.com/ez-theme.git",
		Ref:            "main",
		InstallCommand: "npm install",
		WarmCommand:    "npm run build",
		Exclude:        []string{".git", "*.log", "*.tmp", "*.temp"},
	}, runner)
}

func TestMaterialize_PopulatesAndCopies(t *testing.T) {
	runner := &fakeRunner{}
	c := newTestCache(t, runner)

	ws, err := c.Materialize(context.Background(), "job-1")
	require.NoError(t, err)

	assert.Equal(t, []string{
		"git clone --depth 1 --branch 'main' 'https://example.com/ez-theme.git' .",
		"npm install",
		"npm run build",
	}, runner.lines)

	assert.FileExists(t, filepath.Join(ws, "package.json"))
	assert.FileExists(t, filepath.Join(ws, "src", "config", "index.js"))
	assert.NoDirExists(t, filepath.Join(ws, ".git"))
	assert.NoFileExists(t, filepath.Join(ws, "npm-debug.log"))
	assert.NoFileExists(t, filepath.Join(ws, "cache.tmp"))
	assert.NoFileExists(t, filepath.Join(ws, MarkerFile))

	// the cache itself is untouched by the exclusions
	assert.DirExists(t, filepath.Join(c.opts.Dir, ".git"))
}

func TestMaterialize_WorkspacesAreIndependent(t *testing.T) {
	c := newTestCache(t, &fakeRunner{})
	ctx := context.Background()

	a, err := c.Materialize(ctx, "job-a")
	require.NoError(t, err)
	b, err := c.Materialize(ctx, "job-b")
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(a, "src", "main.js"), []byte("changed"), 0o644))

	data, err := os.ReadFile(filepath.Join(b, "src", "main.js"))
	require.NoError(t, err)
	assert.Equal(t, "import config from './config'", string(data))

	cached, err := os.ReadFile(filepath.Join(c.opts.Dir, "src", "main.js"))
	require.NoError(t, err)
	assert.Equal(t, "import config from './config'", string(cached))
}

func TestMaterialize_ReplacesStaleWorkspace(t *testing.T) {
	c := newTestCache(t, &fakeRunner{})
	stale := filepath.Join(c.opts.WorkspaceDir, "job-1", "leftover.txt")
	require.NoError(t, os.MkdirAll(filepath.Dir(stale), 0o755))
	require.NoError(t, os.WriteFile(stale, []byte("x"), 0o644))

	_, err := c.Materialize(context.Background(), "job-1")
	require.NoError(t, err)
	assert.NoFileExists(t, stale)
}

func TestMaterialize_RejectsPathNames(t *testing.T) {
	c := newTestCache(t, &fakeRunner{})
	for _, id := range []string{"", "..", "a/b"} {
		_, err := c.Materialize(context.Background(), id)
		assert.Error(t, err, id)
	}
}

func TestEnsure_PopulatesOnceWhenFresh(t *testing.T) {
	runner := &fakeRunner{}
	c := newTestCache(t, runner)
	ctx := context.Background()

	require.NoError(t, c.Ensure(ctx))
	require.NoError(t, c.Ensure(ctx))
	assert.Equal(t, int32(1), runner.clones.Load())

	m, err := c.Status()
	require.NoError(t, err)
	assert.Equal(t, "main", m.Ref)
	assert.False(t, m.PreparedAt.IsZero())
}

func TestEnsure_RepopulatesWhenRefChanges(t *testing.T) {
	runner := &fakeRunner{}
	c := newTestCache(t, runner)
	require.NoError(t, c.Ensure(context.Background()))

	c.opts.Ref = "v2"
	require.NoError(t, c.Ensure(context.Background()))
	assert.Equal(t, int32(2), runner.clones.Load())
}

func TestEnsure_ConcurrentCallersShareOnePopulation(t *testing.T) {
	runner := &fakeRunner{delay: 50 * time.Millisecond}
	c := newTestCache(t, runner)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, c.Ensure(context.Background()))
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), runner.clones.Load())
}

func TestEnsure_FailureLeavesNoCache(t *testing.T) {
	c := newTestCache(t, &fakeRunner{fail: "npm install"})

	err := c.Ensure(context.Background())
	var exitErr *toolchain.ExitError
	require.True(t, errors.As(err, &exitErr))

	_, err = c.Status()
	assert.ErrorIs(t, err, ErrNotPrepared)

	entries, err := os.ReadDir(filepath.Dir(c.opts.Dir))
	require.NoError(t, err)
	assert.Empty(t, entries, "staging directory must be removed")
}

func TestRefresh_SwapsCache(t *testing.T) {
	runner := &fakeRunner{}
	c := newTestCache(t, runner)
	require.NoError(t, c.Ensure(context.Background()))

	extra := filepath.Join(c.opts.Dir, "extra.txt")
	require.NoError(t, os.WriteFile(extra, []byte("x"), 0o644))

	require.NoError(t, c.Refresh(context.Background()))
	assert.NoFileExists(t, extra)
	assert.Equal(t, int32(2), runner.clones.Load())
}

func TestShellQuote(t *testing.T) {
	assert.Equal(t, `'it'\''s'`, shellQuote("it's"))
}
