// Package artifact resolves artifact locators of completed builds to
// readable archives, locally and in object storage.
package artifact

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

var (
	// ErrArtifactMissing means a completed build's archive cannot be read.
	ErrArtifactMissing = errors.New("artifact missing")
	ErrInvalidLocator  = errors.New("invalid artifact locator")
)

// Store reads archives from the artifact directory.
type Store struct {
	dir string
}

func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

// Path resolves a locator to a path inside the artifact directory.
func (s *Store) Path(locator string) (string, error) {
	if locator == "" || locator != filepath.Base(locator) || strings.HasPrefix(locator, ".") {
		return "", fmt.Errorf("%w: %q", ErrInvalidLocator, locator)
	}
	return filepath.Join(s.dir, locator), nil
}

// Open opens the archive for reading. The caller closes the file.
func (s *Store) Open(locator string) (*os.File, os.FileInfo, error) {
	path, err := s.Path(locator)
	if err != nil {
		return nil, nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrArtifactMissing, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("%w: %w", ErrArtifactMissing, err)
	}
	if !info.Mode().IsRegular() {
		f.Close()
		return nil, nil, fmt.Errorf("%w: %s is not a regular file", ErrArtifactMissing, locator)
	}
	return f, info, nil
}

// Verify checks that the archive exists and is readable.
func (s *Store) Verify(locator string) error {
	f, _, err := s.Open(locator)
	if err != nil {
		return err
	}
	return f.Close()
}

// Remove deletes an archive; a missing archive is not an error.
func (s *Store) Remove(locator string) error {
	path, err := s.Path(locator)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
