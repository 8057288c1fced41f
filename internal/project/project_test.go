package project

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalRoot_ResolvesSymlinks(t *testing.T) {
	dir := t.TempDir()
	real := filepath.Join(dir, "real")
	require.NoError(t, os.Mkdir(real, 0o755))
	link := filepath.Join(dir, "link")
	require.NoError(t, os.Symlink(real, link))

	got, err := CanonicalRoot(link)
	require.NoError(t, err)
	resolved, err := filepath.EvalSymlinks(real)
	require.NoError(t, err)
	assert.Equal(t, resolved, got)
}

func TestCanonicalRoot_Errors(t *testing.T) {
	_, err := CanonicalRoot("")
	assert.Error(t, err)

	_, err = CanonicalRoot(filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)

	file := filepath.Join(t.TempDir(), "f")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))
	_, err = CanonicalRoot(file)
	assert.Error(t, err)
}

func TestID_IsStable(t *testing.T) {
	assert.Equal(t, ID("/a/b"), ID("/a/b"))
	assert.NotEqual(t, ID("/a/b"), ID("/a/c"))
	assert.Len(t, ID("/a/b"), 24)
}

func TestName(t *testing.T) {
	assert.Equal(t, "widget", Name("/home/ads/projects/widget"))
	assert.Equal(t, "/", Name("/"))
}
