package asset

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var pngHeader = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")

func TestInject_NoAssetIsNoop(t *testing.T) {
	workspace := t.TempDir()
	inj := NewInjector("public/images/logo.png")

	require.NoError(t, inj.Inject(workspace, nil))

	_, err := os.Stat(inj.Path(workspace))
	assert.True(t, os.IsNotExist(err))
}

func TestInject_CreatesDirectoriesAndOverwrites(t *testing.T) {
	workspace := t.TempDir()
	inj := NewInjector("public/images/logo.png")
	path := inj.Path(workspace)

	require.NoError(t, inj.Inject(workspace, []byte("old")))
	require.NoError(t, inj.Inject(workspace, pngHeader))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, pngHeader, data)
	assert.Equal(t, filepath.Join(workspace, "public", "images", "logo.png"), path)
}

func TestInject_WriteFailure(t *testing.T) {
	workspace := t.TempDir()
	inj := NewInjector("public/images/logo.png")
	// A directory in place of the file makes the write fail regardless of uid.
	require.NoError(t, os.MkdirAll(inj.Path(workspace), 0o755))

	err := inj.Inject(workspace, pngHeader)
	assert.ErrorIs(t, err, ErrWriteFailed)
}
