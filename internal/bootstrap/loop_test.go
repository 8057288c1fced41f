package bootstrap

import (
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adsrv/adsrv/internal/common/logger"
	"github.com/adsrv/adsrv/internal/execution"
	"github.com/adsrv/adsrv/internal/verify"
)

func requireGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
}

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)
	return log
}

func runGit(t *testing.T, dir string, args ...string) {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, "git %v: %s", args, out)
}

// initWorktree creates a standalone git repo that stands in for a prepared
// worktree.
func initWorktree(t *testing.T) *Prep {
	t.Helper()
	root := t.TempDir()
	wt := filepath.Join(root, "worktree")
	require.NoError(t, os.MkdirAll(wt, 0o755))

	runGit(t, wt, "init")
	runGit(t, wt, "config", "user.name", botUserName)
	runGit(t, wt, "config", "user.email", botUserEmail)
	require.NoError(t, os.WriteFile(filepath.Join(wt, "README.md"), []byte("seed\n"), 0o644))
	runGit(t, wt, "add", "README.md")
	runGit(t, wt, "commit", "-m", "seed")

	artifacts := filepath.Join(root, "artifacts")
	require.NoError(t, os.MkdirAll(artifacts, 0o755))
	return &Prep{
		RunID:        "testrun",
		WorktreeDir:  wt,
		ArtifactsDir: artifacts,
		BranchName:   "bootstrap/testrun",
	}
}

// scriptedAgent runs a function per iteration and counts resets.
type scriptedAgent struct {
	iterate func(req IterationRequest) error
	resets  int
	reqs    []IterationRequest
}

func (a *scriptedAgent) RunIteration(ctx context.Context, req IterationRequest) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	a.reqs = append(a.reqs, req)
	if a.iterate == nil {
		return nil
	}
	return a.iterate(req)
}

func (a *scriptedAgent) Reset(ctx context.Context) error {
	a.resets++
	return nil
}

func newLoop(t *testing.T, agent AgentRunner) *Loop {
	t.Helper()
	log := testLogger(t)
	runner := execution.NewRunner(log)
	return NewLoop(runner, verify.NewRunner(runner, log), agent, log)
}

// markerRecipe passes lint and test only once the named file exists.
func markerRecipe(marker string) *Recipe {
	return &Recipe{
		Name: "marker",
		Lint: []RecipeStep{{Name: "lint", Cmd: "test", Args: []string{"-f", marker}}},
		Test: []RecipeStep{{Name: "test", Cmd: "true"}},
	}
}

func TestLoop_SucceedsAndCommits(t *testing.T) {
	requireGit(t)
	prep := initWorktree(t)

	agent := &scriptedAgent{iterate: func(req IterationRequest) error {
		if req.Iteration < 2 {
			return nil
		}
		return os.WriteFile(filepath.Join(req.Cwd, "fixed"), []byte("done\n"), 0o644)
	}}

	res, err := newLoop(t, agent).Run(context.Background(), prep, RunSpec{
		Goal:          "make lint pass",
		MaxIterations: 5,
		Recipe:        markerRecipe("fixed"),
		Commit:        CommitSpec{Enabled: true, MessageTemplate: "fix: {goal} ({runId})"},
	})
	require.NoError(t, err)

	assert.True(t, res.OK)
	assert.Equal(t, 2, res.Iterations)
	assert.NotEmpty(t, res.FinalCommit)
	assert.Equal(t, "bootstrap/testrun", res.FinalBranch)

	out, gitErr := exec.Command("git", "-C", prep.WorktreeDir, "log", "-1", "--pretty=%s").Output()
	require.NoError(t, gitErr)
	assert.Contains(t, string(out), "fix: make lint pass (testrun)")

	// Final report is durable.
	data, readErr := os.ReadFile(filepath.Join(prep.ArtifactsDir, "final.json"))
	require.NoError(t, readErr)
	var final LoopResult
	require.NoError(t, json.Unmarshal(data, &final))
	assert.True(t, final.OK)
}

func TestLoop_FeedbackCarriesPreviousFailure(t *testing.T) {
	requireGit(t)
	prep := initWorktree(t)

	agent := &scriptedAgent{iterate: func(req IterationRequest) error {
		if req.Iteration == 2 {
			return os.WriteFile(filepath.Join(req.Cwd, "fixed"), nil, 0o644)
		}
		// Keep producing a patch so the streak clamp stays out of the way.
		return os.WriteFile(filepath.Join(req.Cwd, "README.md"), []byte(req.Goal), 0o644)
	}}

	_, err := newLoop(t, agent).Run(context.Background(), prep, RunSpec{
		Goal:          "g",
		MaxIterations: 3,
		Recipe:        markerRecipe("fixed"),
	})
	require.NoError(t, err)

	require.Len(t, agent.reqs, 2)
	assert.Empty(t, agent.reqs[0].Feedback.LintSummary)
	assert.Contains(t, agent.reqs[1].Feedback.LintSummary, "lint failed")
	assert.Contains(t, agent.reqs[1].Feedback.DiffSummary, "produced a patch")
}

func TestLoop_RepeatedFailureEscalatesStrategy(t *testing.T) {
	requireGit(t)
	prep := initWorktree(t)

	// The agent never changes anything, so every iteration fails with the
	// same signature and no patch.
	agent := &scriptedAgent{}

	res, err := newLoop(t, agent).Run(context.Background(), prep, RunSpec{
		Goal:          "g",
		MaxIterations: 3,
		Recipe:        markerRecipe("never"),
	})
	require.NoError(t, err)

	assert.False(t, res.OK)
	assert.Equal(t, ErrMaxIterations.Error(), res.Error)
	assert.Equal(t, 3, res.Iterations)
	require.Len(t, res.StrategyChanges, 2)
	assert.Contains(t, res.StrategyChanges[0], string(StrategyCleanDeps))
	assert.Contains(t, res.StrategyChanges[1], string(StrategyRestartAgent))
	assert.Equal(t, 1, agent.resets)

	// Strategy notes reach the agent on the following iteration.
	require.Len(t, agent.reqs, 3)
	assert.Contains(t, agent.reqs[1].Feedback.StrategyNote, "reinstalled")
	assert.Contains(t, agent.reqs[2].Feedback.StrategyNote, "restarted")
}

func TestLoop_AgentErrorIsPersistedNotFatal(t *testing.T) {
	requireGit(t)
	prep := initWorktree(t)

	agent := &scriptedAgent{iterate: func(req IterationRequest) error {
		if req.Iteration == 1 {
			return assert.AnError
		}
		return os.WriteFile(filepath.Join(req.Cwd, "fixed"), nil, 0o644)
	}}

	res, err := newLoop(t, agent).Run(context.Background(), prep, RunSpec{
		Goal:          "g",
		MaxIterations: 3,
		Recipe:        markerRecipe("fixed"),
	})
	require.NoError(t, err)
	assert.True(t, res.OK)

	data, readErr := os.ReadFile(filepath.Join(prep.ArtifactsDir, "iter-1", "agent_error.txt"))
	require.NoError(t, readErr)
	assert.Contains(t, string(data), assert.AnError.Error())
}

func TestLoop_DiffPatchArtifacts(t *testing.T) {
	requireGit(t)
	prep := initWorktree(t)

	agent := &scriptedAgent{iterate: func(req IterationRequest) error {
		return os.WriteFile(filepath.Join(req.Cwd, "README.md"), []byte("changed\n"), 0o644)
	}}

	_, err := newLoop(t, agent).Run(context.Background(), prep, RunSpec{
		Goal:          "g",
		MaxIterations: 1,
		Recipe:        markerRecipe("never"),
	})
	require.NoError(t, err)

	data, readErr := os.ReadFile(filepath.Join(prep.ArtifactsDir, "iter-1", "diff.patch"))
	require.NoError(t, readErr)
	assert.Contains(t, string(data), "+changed")
}

func TestLoop_CommitWithNothingSafeIsTerminal(t *testing.T) {
	requireGit(t)
	prep := initWorktree(t)

	// Only an unsafe path is produced; verification passes anyway.
	agent := &scriptedAgent{iterate: func(req IterationRequest) error {
		dir := filepath.Join(req.Cwd, "._state")
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
		return os.WriteFile(filepath.Join(dir, "junk"), nil, 0o644)
	}}

	res, err := newLoop(t, agent).Run(context.Background(), prep, RunSpec{
		Goal:          "g",
		MaxIterations: 1,
		Recipe:        &Recipe{Name: "noop", Lint: []RecipeStep{{Name: "lint", Cmd: "true"}}},
		Commit:        CommitSpec{Enabled: true},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no safe files to stage")
	assert.False(t, res.OK)
}

func TestLoop_RequireHardSandboxFailsFast(t *testing.T) {
	prep := &Prep{WorktreeDir: t.TempDir(), ArtifactsDir: t.TempDir()}

	_, err := newLoop(t, &scriptedAgent{}).Run(context.Background(), prep, RunSpec{
		Goal:          "g",
		MaxIterations: 1,
		Sandbox:       SandboxSpec{Backend: SandboxNone, RequireHardSandbox: true},
	})
	assert.ErrorIs(t, err, ErrSandboxUnavailable)
}

func TestLoop_CancellationWritesFinalReport(t *testing.T) {
	requireGit(t)
	prep := initWorktree(t)

	ctx, cancel := context.WithCancel(context.Background())
	agent := &scriptedAgent{iterate: func(req IterationRequest) error {
		cancel()
		return ctx.Err()
	}}

	res, err := newLoop(t, agent).Run(ctx, prep, RunSpec{
		Goal:          "g",
		MaxIterations: 5,
		Recipe:        markerRecipe("never"),
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.True(t, res.Cancelled)

	_, statErr := os.Stat(filepath.Join(prep.ArtifactsDir, "final.json"))
	assert.NoError(t, statErr)
}

func TestLoop_ReinstallOnDependencyChange(t *testing.T) {
	requireGit(t)
	prep := initWorktree(t)

	installSentinel := filepath.Join(prep.WorktreeDir, "installed")
	recipe := &Recipe{
		Name:    "node-ish",
		Install: []RecipeStep{{Name: "install", Cmd: "touch", Args: []string{installSentinel}}},
		Lint:    []RecipeStep{{Name: "lint", Cmd: "test", Args: []string{"-f", "fixed"}}},
	}

	agent := &scriptedAgent{iterate: func(req IterationRequest) error {
		switch req.Iteration {
		case 1:
			// Touch a dependency manifest, then drop the install sentinel so
			// the re-install is observable.
			if err := os.WriteFile(filepath.Join(req.Cwd, "package.json"), []byte("{}"), 0o644); err != nil {
				return err
			}
			return os.Remove(installSentinel)
		default:
			return os.WriteFile(filepath.Join(req.Cwd, "fixed"), nil, 0o644)
		}
	}}

	res, err := newLoop(t, agent).Run(context.Background(), prep, RunSpec{
		Goal:             "g",
		MaxIterations:    3,
		AllowInstallDeps: true,
		Recipe:           recipe,
	})
	require.NoError(t, err)
	assert.True(t, res.OK)

	_, statErr := os.Stat(installSentinel)
	assert.NoError(t, statErr, "install step should have re-run after package.json changed")
}

func TestLoop_IterationBudgetClamped(t *testing.T) {
	requireGit(t)
	prep := initWorktree(t)

	agent := &scriptedAgent{iterate: func(req IterationRequest) error {
		// Fresh patch each iteration keeps signatures moving.
		return os.WriteFile(filepath.Join(req.Cwd, "README.md"), []byte(time.Now().String()), 0o644)
	}}

	res, err := newLoop(t, agent).Run(context.Background(), prep, RunSpec{
		Goal:          "g",
		MaxIterations: 99,
		Recipe:        markerRecipe("never"),
	})
	require.NoError(t, err)
	assert.Equal(t, maxIterationCap, res.Iterations)
}
