package bootstrap

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adsrv/adsrv/internal/execution"
	"github.com/adsrv/adsrv/internal/locking"
)

// initSourceRepo builds a local repo usable as a clone source.
func initSourceRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	runGit(t, dir, "init")
	runGit(t, dir, "config", "user.name", "src")
	runGit(t, dir, "config", "user.email", "src@test")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "main.go"), []byte("package main\n"), 0o644))
	runGit(t, dir, "add", ".")
	runGit(t, dir, "commit", "-m", "initial")
	return dir
}

func newPreparer(t *testing.T, stateDir string) *WorktreePreparer {
	t.Helper()
	log := testLogger(t)
	return NewWorktreePreparer(stateDir, locking.NewPool(), execution.NewRunner(log), log)
}

func TestPrepare_ClonesAndAddsWorktree(t *testing.T) {
	requireGit(t)
	src := initSourceRepo(t)
	stateDir := t.TempDir()

	prep, err := newPreparer(t, stateDir).Prepare(context.Background(), ProjectSource{
		Kind:  SourceLocalPath,
		Value: src,
	}, "bootstrap")
	require.NoError(t, err)

	assert.NotEmpty(t, prep.ProjectID)
	assert.NotEmpty(t, prep.RunID)
	assert.True(t, strings.HasPrefix(prep.BranchName, "bootstrap/"))
	assert.FileExists(t, filepath.Join(prep.WorktreeDir, "main.go"))
	assert.DirExists(t, prep.ArtifactsDir)

	// The worktree carries the bootstrap identity locally.
	out, gitErr := exec.Command("git", "-C", prep.WorktreeDir, "config", "user.name").Output()
	require.NoError(t, gitErr)
	assert.Equal(t, botUserName, strings.TrimSpace(string(out)))

	// The lock is released on the success path.
	_, statErr := os.Stat(filepath.Join(prep.BootstrapRoot, ".locks", "repo.lock"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestPrepare_ReusesCloneAcrossRuns(t *testing.T) {
	requireGit(t)
	src := initSourceRepo(t)
	stateDir := t.TempDir()
	p := newPreparer(t, stateDir)

	first, err := p.Prepare(context.Background(), ProjectSource{Kind: SourceLocalPath, Value: src}, "bootstrap")
	require.NoError(t, err)
	second, err := p.Prepare(context.Background(), ProjectSource{Kind: SourceLocalPath, Value: src}, "bootstrap")
	require.NoError(t, err)

	assert.Equal(t, first.ProjectID, second.ProjectID)
	assert.Equal(t, first.RepoDir, second.RepoDir)
	assert.NotEqual(t, first.RunID, second.RunID)
	assert.NotEqual(t, first.WorktreeDir, second.WorktreeDir)
	assert.FileExists(t, filepath.Join(second.WorktreeDir, "main.go"))
}

func TestPrepare_FailedCloneLeavesNoRepo(t *testing.T) {
	requireGit(t)
	stateDir := t.TempDir()

	prep := ProjectSource{Kind: SourceLocalPath, Value: filepath.Join(t.TempDir(), "does-not-exist")}
	_, err := newPreparer(t, stateDir).Prepare(context.Background(), prep, "bootstrap")
	require.Error(t, err)

	// The temp-clone-then-rename protocol must not leave a half clone behind.
	entries, _ := os.ReadDir(filepath.Join(stateDir, "bootstraps"))
	for _, e := range entries {
		_, statErr := os.Stat(filepath.Join(stateDir, "bootstraps", e.Name(), "repo"))
		assert.True(t, os.IsNotExist(statErr))
	}
}

func TestPrepare_EmptySourceRejected(t *testing.T) {
	_, err := newPreparer(t, t.TempDir()).Prepare(context.Background(), ProjectSource{}, "bootstrap")
	assert.Error(t, err)
}
