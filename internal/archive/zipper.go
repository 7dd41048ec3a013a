// Package archive packages a build output directory into a zip artifact.
package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zip"
)

var ErrEmptyOutput = errors.New("build output is missing or not a directory")

// Zipper writes archives named <id>.zip into a fixed directory.
type Zipper struct {
	dir string
}

func NewZipper(dir string) *Zipper {
	return &Zipper{dir: dir}
}

// Dir returns the artifact directory.
func (z *Zipper) Dir() string {
	return z.dir
}

// Locator returns the artifact name for a job.
func Locator(jobID string) string {
	return jobID + ".zip"
}

// Archive zips the contents of srcDir and returns the final artifact path.
// The archive is written to a temporary file and renamed into place only
// once it is complete, so a returned path always refers to a whole archive.
func (z *Zipper) Archive(ctx context.Context, srcDir, jobID string) (string, error) {
	info, err := os.Stat(srcDir)
	if err != nil || !info.IsDir() {
		return "", ErrEmptyOutput
	}
	if err := os.MkdirAll(z.dir, 0o755); err != nil {
		return "", fmt.Errorf("create artifact dir: %w", err)
	}

	final := filepath.Join(z.dir, Locator(jobID))
	tmp, err := os.CreateTemp(z.dir, "."+jobID+"-*.zip.tmp")
	if err != nil {
		return "", fmt.Errorf("create temp archive: %w", err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = tmp.Close()
			_ = os.Remove(tmpName)
		}
	}()

	if err := writeZip(ctx, tmp, srcDir); err != nil {
		return "", err
	}
	if err := tmp.Sync(); err != nil {
		return "", fmt.Errorf("sync archive: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close archive: %w", err)
	}
	if err := os.Rename(tmpName, final); err != nil {
		return "", fmt.Errorf("rename archive: %w", err)
	}
	committed = true
	return final, nil
}

func writeZip(ctx context.Context, w io.Writer, srcDir string) error {
	zw := zip.NewWriter(w)
	zw.RegisterCompressor(zip.Deflate, func(out io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(out, flate.BestCompression)
	})

	err := filepath.WalkDir(srcDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if path == srcDir {
			return nil
		}

		rel, err := filepath.Rel(srcDir, path)
		if err != nil {
			return err
		}
		name := filepath.ToSlash(rel)

		info, err := d.Info()
		if err != nil {
			return err
		}
		hdr, err := zip.FileInfoHeader(info)
		if err != nil {
			return err
		}
		hdr.Name = name

		if d.IsDir() {
			hdr.Name += "/"
			_, err := zw.CreateHeader(hdr)
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}

		hdr.Method = zip.Deflate
		entry, err := zw.CreateHeader(hdr)
		if err != nil {
			return err
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(entry, f)
		return err
	})
	if err != nil {
		_ = zw.Close()
		return fmt.Errorf("write archive: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("finish archive: %w", err)
	}
	return nil
}
