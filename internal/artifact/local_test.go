package artifact

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eztheme/builder/internal/config"
)

func TestStore_OpenAndVerify(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "abc.zip"), []byte("PK"), 0o644))
	s := NewStore(dir)

	require.NoError(t, s.Verify("abc.zip"))

	f, info, err := s.Open("abc.zip")
	require.NoError(t, err)
	defer f.Close()
	assert.Equal(t, int64(2), info.Size())
	data, err := io.ReadAll(f)
	require.NoError(t, err)
	assert.Equal(t, "PK", string(data))
}

func TestStore_Missing(t *testing.T) {
	s := NewStore(t.TempDir())
	assert.ErrorIs(t, s.Verify("gone.zip"), ErrArtifactMissing)
}

func TestStore_DirectoryIsNotAnArtifact(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dir, "abc.zip"), 0o755))
	assert.ErrorIs(t, NewStore(dir).Verify("abc.zip"), ErrArtifactMissing)
}

func TestStore_RejectsTraversal(t *testing.T) {
	s := NewStore(t.TempDir())
	for _, locator := range []string{"", "../etc/passwd", "a/b.zip", ".hidden.zip"} {
		_, err := s.Path(locator)
		assert.ErrorIs(t, err, ErrInvalidLocator, locator)
	}
}

func TestStore_Remove(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "abc.zip"), []byte("PK"), 0o644))
	s := NewStore(dir)

	require.NoError(t, s.Remove("abc.zip"))
	require.NoError(t, s.Remove("abc.zip"))
	assert.NoFileExists(t, filepath.Join(dir, "abc.zip"))
}

func TestNewR2Mirror_Unconfigured(t *testing.T) {
	m, err := NewR2Mirror(&config.R2Config{}, 0)
	require.NoError(t, err)
	assert.Nil(t, m)

	_, err = NewR2Mirror(&config.R2Config{AccountID: "acc"}, 0)
	assert.Error(t, err)
}

func TestDownloadName(t *testing.T) {
	assert.Equal(t, "ez-theme-abc.zip", DownloadName("abc.zip"))
}
