// Package bootstrap prepares isolated git worktrees and drives the iterative
// fix loop that runs an agent against a goal until lint and tests pass.
package bootstrap

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/adsrv/adsrv/internal/common/logger"
	"github.com/adsrv/adsrv/internal/execution"
	"github.com/adsrv/adsrv/internal/locking"
	"github.com/adsrv/adsrv/internal/project"
)

const (
	// repoLockTimeout bounds how long a run waits for another process to
	// finish touching the shared clone.
	repoLockTimeout = 30 * time.Minute

	gitTimeout = 10 * time.Minute

	botUserName  = "ads-bootstrap"
	botUserEmail = "bootstrap@ads.local"
)

// SourceKind distinguishes how a project is addressed.
type SourceKind string

const (
	SourceGitURL    SourceKind = "git_url"
	SourceLocalPath SourceKind = "local_path"
)

// ProjectSource identifies the repository a run operates on.
type ProjectSource struct {
	Kind  SourceKind `json:"kind" yaml:"kind"`
	Value string     `json:"value" yaml:"value"`
}

// Prep describes a prepared worktree.
type Prep struct {
	ProjectID     string        `json:"projectId"`
	RunID         string        `json:"runId"`
	BootstrapRoot string        `json:"bootstrapRoot"`
	RepoDir       string        `json:"repoDir"`
	WorktreeDir   string        `json:"worktreeDir"`
	ArtifactsDir  string        `json:"artifactsDir"`
	BranchName    string        `json:"branchName"`
	Source        ProjectSource `json:"source"`
}

// WorktreePreparer owns the shared clone cache and carves per-run worktrees
// out of it.
type WorktreePreparer struct {
	stateDir string
	locks    *locking.Pool
	exec     *execution.Runner
	logger   *logger.Logger
}

// NewWorktreePreparer creates a preparer rooted at stateDir.
func NewWorktreePreparer(stateDir string, locks *locking.Pool, exec *execution.Runner, log *logger.Logger) *WorktreePreparer {
	return &WorktreePreparer{
		stateDir: stateDir,
		locks:    locks,
		exec:     exec,
		logger:   log.WithFields(zap.String("component", "bootstrap-worktree")),
	}
}

// Prepare ensures a clone of the source exists under the bootstrap root and
// adds a fresh worktree on a new run branch. The whole operation runs inside
// the project's async lock and, nested, the on-disk repo lock, so concurrent
// runs against the same project serialize across processes.
func (p *WorktreePreparer) Prepare(ctx context.Context, source ProjectSource, branchPrefix string) (*Prep, error) {
	if source.Value == "" {
		return nil, fmt.Errorf("empty project source")
	}
	if branchPrefix == "" {
		branchPrefix = "bootstrap"
	}

	projectID := project.ID(source.Value)
	runID := strings.ReplaceAll(uuid.NewString()[:13], "-", "")
	bootstrapRoot := filepath.Join(p.stateDir, "bootstraps", projectID)

	prep := &Prep{
		ProjectID:     projectID,
		RunID:         runID,
		BootstrapRoot: bootstrapRoot,
		RepoDir:       filepath.Join(bootstrapRoot, "repo"),
		WorktreeDir:   filepath.Join(bootstrapRoot, "worktrees", runID),
		ArtifactsDir:  filepath.Join(bootstrapRoot, "artifacts", runID),
		BranchName:    branchPrefix + "/" + runID,
		Source:        source,
	}

	err := p.locks.RunExclusive(ctx, bootstrapRoot, func() error {
		lock := locking.NewDirLock(filepath.Join(bootstrapRoot, ".locks", "repo.lock"), p.logger)
		if err := lock.Acquire(ctx, locking.DirLockOptions{
			Timeout:   repoLockTimeout,
			ProjectID: projectID,
			RunID:     runID,
		}); err != nil {
			return err
		}
		defer func() { _ = lock.Release() }()

		if err := p.ensureClone(ctx, prep); err != nil {
			return err
		}
		return p.addWorktree(ctx, prep)
	})
	if err != nil {
		return nil, err
	}

	p.logger.Info("worktree prepared",
		zap.String("project_id", projectID),
		zap.String("run_id", runID),
		zap.String("branch", prep.BranchName))
	return prep, nil
}

// ensureClone makes bootstrapRoot/repo a clone of the source. First-time
// clones land in a temp sibling and are renamed into place so a crashed clone
// never masquerades as a valid repo. Existing clones get a best-effort fetch.
func (p *WorktreePreparer) ensureClone(ctx context.Context, prep *Prep) error {
	if _, err := os.Stat(filepath.Join(prep.RepoDir, ".git")); err == nil {
		res, fetchErr := p.git(ctx, prep.RepoDir, "fetch", "--all", "--prune")
		if fetchErr != nil || res.ExitCode != 0 {
			p.logger.Warn("fetch failed, continuing with cached clone",
				zap.String("repo", prep.RepoDir),
				zap.String("stderr", gitStderr(res, fetchErr)))
		}
		return nil
	}

	if err := os.MkdirAll(prep.BootstrapRoot, 0o755); err != nil {
		return fmt.Errorf("failed to create bootstrap root: %w", err)
	}

	tmpDir := prep.RepoDir + ".tmp-" + prep.RunID
	defer os.RemoveAll(tmpDir)

	res, err := p.git(ctx, prep.BootstrapRoot, "clone", prep.Source.Value, tmpDir)
	if err != nil {
		return fmt.Errorf("clone failed: %w", err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("clone failed: %s", res.Stderr)
	}

	if err := os.Rename(tmpDir, prep.RepoDir); err != nil {
		return fmt.Errorf("failed to move clone into place: %w", err)
	}
	return nil
}

func (p *WorktreePreparer) addWorktree(ctx context.Context, prep *Prep) error {
	// Drop bookkeeping for worktrees that were purged out from under git.
	if res, err := p.git(ctx, prep.RepoDir, "worktree", "prune"); err != nil || res.ExitCode != 0 {
		p.logger.Warn("worktree prune failed", zap.String("stderr", gitStderr(res, err)))
	}

	if err := os.MkdirAll(filepath.Dir(prep.WorktreeDir), 0o755); err != nil {
		return fmt.Errorf("failed to create worktrees dir: %w", err)
	}
	if err := os.MkdirAll(prep.ArtifactsDir, 0o755); err != nil {
		return fmt.Errorf("failed to create artifacts dir: %w", err)
	}

	res, err := p.git(ctx, prep.RepoDir, "worktree", "add", "-b", prep.BranchName, prep.WorktreeDir, "HEAD")
	if err != nil {
		return fmt.Errorf("worktree add failed: %w", err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("worktree add failed: %s", res.Stderr)
	}

	// A stable local identity so loop commits never depend on host config.
	for _, kv := range [][2]string{{"user.name", botUserName}, {"user.email", botUserEmail}} {
		res, err := p.git(ctx, prep.WorktreeDir, "config", kv[0], kv[1])
		if err != nil || res.ExitCode != 0 {
			return fmt.Errorf("failed to set %s: %s", kv[0], gitStderr(res, err))
		}
	}
	return nil
}

func (p *WorktreePreparer) git(ctx context.Context, dir string, args ...string) (*execution.Result, error) {
	return p.exec.Run(ctx, execution.Request{
		Cmd:     "git",
		Args:    args,
		Cwd:     dir,
		Timeout: gitTimeout,
	})
}

func gitStderr(res *execution.Result, err error) string {
	if err != nil {
		return err.Error()
	}
	if res != nil {
		return strings.TrimSpace(res.Stderr)
	}
	return ""
}
