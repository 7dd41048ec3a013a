package asset

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
)

var ErrWriteFailed = errors.New("asset write failed")

// Injector writes an uploaded logo into a fixed path of a workspace
type Injector struct {
	relPath string
}

// NewInjector creates an injector targeting relPath inside each workspace
func NewInjector(relPath string) *Injector {
	return &Injector{relPath: filepath.FromSlash(relPath)}
}

// Path returns the absolute asset path for a workspace
func (i *Injector) Path(workspace string) string {
	return filepath.Join(workspace, i.relPath)
}

// Inject overwrites the workspace's default asset with data. An empty asset
// leaves the default untouched.
func (i *Injector) Inject(workspace string, data []byte) error {
	if len(data) == 0 {
		return nil
	}

	if ct := http.DetectContentType(data); !strings.HasPrefix(ct, "image/") {
		slog.Warn("asset does not look like an image", "content_type", ct, "path", i.relPath)
	}

	path := i.Path(workspace)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("%w: %w", ErrWriteFailed, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("%w: %w", ErrWriteFailed, err)
	}
	return nil
}
