package substitute

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

//go:embed config-template.js
var defaultTemplate string

// Engine renders the configuration module of a workspace from a fixed
// template source.
type Engine struct {
	source string
	target string
}

// NewEngine loads the template source from templatePath, or uses the
// embedded default when templatePath is empty. target is the module path
// relative to a workspace root.
func NewEngine(templatePath, target string) (*Engine, error) {
	if target == "" {
		return nil, errors.New("config target path is required")
	}

	source := defaultTemplate
	if templatePath != "" {
		data, err := os.ReadFile(templatePath)
		if err != nil {
			return nil, fmt.Errorf("read config template: %w", err)
		}
		source = string(data)
	}

	return &Engine{source: source, target: filepath.FromSlash(target)}, nil
}

// NewEngineFromSource builds an engine around an in-memory template source.
func NewEngineFromSource(source, target string) *Engine {
	return &Engine{source: source, target: filepath.FromSlash(target)}
}

// Source returns the template text used for every render.
func (e *Engine) Source() string {
	return e.source
}

// Render renders the template source against config.
func (e *Engine) Render(config map[string]any) (string, Report) {
	return Render(e.source, config)
}

// Apply renders config and replaces the workspace's configuration module
// with the result. The old file is removed rather than patched, so nothing
// from a previous template version survives.
func (e *Engine) Apply(workspace string, config map[string]any) (Report, error) {
	out, report := e.Render(config)

	path := filepath.Join(workspace, e.target)
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return report, fmt.Errorf("remove config module: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return report, fmt.Errorf("create config module dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(out), 0o644); err != nil {
		return report, fmt.Errorf("write config module: %w", err)
	}
	return report, nil
}
