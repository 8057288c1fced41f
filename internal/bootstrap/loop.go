package bootstrap

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/adsrv/adsrv/internal/common/logger"
	"github.com/adsrv/adsrv/internal/execution"
	"github.com/adsrv/adsrv/internal/verify"
)

// Strategy is the loop's current repair posture.
type Strategy string

const (
	StrategyNormalFix    Strategy = "normal_fix"
	StrategyCleanDeps    Strategy = "clean_deps"
	StrategyRestartAgent Strategy = "restart_agent"
)

// SandboxBackend selects how agent commands are confined.
type SandboxBackend string

const (
	SandboxBwrap SandboxBackend = "bwrap"
	SandboxNone  SandboxBackend = "none"
)

// ErrMaxIterations is returned when the loop exhausts its budget.
var ErrMaxIterations = errors.New("max iterations exceeded")

// ErrSandboxUnavailable is returned when a hard sandbox is required but the
// backend is none.
var ErrSandboxUnavailable = errors.New("hard sandbox required but backend is none")

// maxIterationCap clamps the configured iteration budget.
const maxIterationCap = 10

// cleanDepsTargets are removed from the worktree when escalating to
// clean_deps.
var cleanDepsTargets = []string{"node_modules", ".venv", ".pytest_cache", ".mypy_cache", "__pycache__"}

// CommitSpec controls whether and how a passing run is committed.
type CommitSpec struct {
	Enabled         bool   `json:"enabled" yaml:"enabled"`
	MessageTemplate string `json:"messageTemplate" yaml:"message_template"`
}

// SandboxSpec controls agent confinement.
type SandboxSpec struct {
	Backend            SandboxBackend `json:"backend" yaml:"backend"`
	RequireHardSandbox bool           `json:"requireHardSandbox" yaml:"require_hard_sandbox"`
}

// WorktreeSpec carries per-run worktree options.
type WorktreeSpec struct {
	BranchPrefix string `json:"branchPrefix" yaml:"branch_prefix"`
}

// RunSpec is the full description of one bootstrap run.
type RunSpec struct {
	Project          ProjectSource `json:"project" yaml:"project"`
	Goal             string        `json:"goal" yaml:"goal"`
	MaxIterations    int           `json:"maxIterations" yaml:"max_iterations"`
	AllowNetwork     bool          `json:"allowNetwork" yaml:"allow_network"`
	AllowInstallDeps bool          `json:"allowInstallDeps" yaml:"allow_install_deps"`
	Commit           CommitSpec    `json:"commit" yaml:"commit"`
	Sandbox          SandboxSpec   `json:"sandbox" yaml:"sandbox"`
	Worktree         WorktreeSpec  `json:"worktree" yaml:"worktree"`
	Recipe           *Recipe       `json:"recipe,omitempty" yaml:"recipe,omitempty"`
}

// Feedback summarizes the previous iteration for the agent.
type Feedback struct {
	LintSummary  string `json:"lintSummary,omitempty"`
	TestSummary  string `json:"testSummary,omitempty"`
	DiffSummary  string `json:"diffSummary,omitempty"`
	StrategyNote string `json:"strategyNote,omitempty"`
}

// IterationRequest is one agent invocation inside the loop.
type IterationRequest struct {
	Iteration int
	Goal      string
	Cwd       string
	Feedback  Feedback
}

// AgentRunner is the loop's view of the coding agent.
type AgentRunner interface {
	RunIteration(ctx context.Context, req IterationRequest) error
	Reset(ctx context.Context) error
}

// IterationReport is persisted per iteration.
type IterationReport struct {
	Iteration int           `json:"iteration"`
	Strategy  Strategy      `json:"strategy"`
	Install   verify.Report `json:"install"`
	Lint      verify.Report `json:"lint"`
	Test      verify.Report `json:"test"`
	Signature string        `json:"signature"`
	HasPatch  bool          `json:"hasPatch"`
	AgentErr  string        `json:"agentError,omitempty"`
	OK        bool          `json:"ok"`
}

// LoopResult is the final outcome of a run.
type LoopResult struct {
	OK              bool     `json:"ok"`
	Iterations      int      `json:"iterations"`
	StrategyChanges []string `json:"strategyChanges,omitempty"`
	FinalCommit     string   `json:"finalCommit,omitempty"`
	FinalBranch     string   `json:"finalBranch,omitempty"`
	LastReportPath  string   `json:"lastReportPath,omitempty"`
	Cancelled       bool     `json:"cancelled,omitempty"`
	Error           string   `json:"error,omitempty"`
}

// Loop drives agent iterations against a prepared worktree until the recipe
// passes or the budget runs out.
type Loop struct {
	exec     *execution.Runner
	verifier *verify.Runner
	agent    AgentRunner
	logger   *logger.Logger
}

// NewLoop creates a bootstrap loop.
func NewLoop(exec *execution.Runner, verifier *verify.Runner, agent AgentRunner, log *logger.Logger) *Loop {
	return &Loop{
		exec:     exec,
		verifier: verifier,
		agent:    agent,
		logger:   log.WithFields(zap.String("component", "bootstrap-loop")),
	}
}

// Run executes the loop. The final report is written on every path, including
// cancellation; the context error is returned only when cancellation was the
// direct cause of stopping.
func (l *Loop) Run(ctx context.Context, prep *Prep, spec RunSpec) (*LoopResult, error) {
	if spec.Sandbox.RequireHardSandbox && spec.Sandbox.Backend == SandboxNone {
		return nil, ErrSandboxUnavailable
	}

	recipe, err := ResolveRecipe(prep.WorktreeDir, spec.Recipe)
	if err != nil {
		return nil, err
	}

	maxIter := spec.MaxIterations
	if maxIter < 1 {
		maxIter = 1
	}
	if maxIter > maxIterationCap {
		maxIter = maxIterationCap
	}

	log := l.logger.WithFields(
		zap.String("run_id", prep.RunID),
		zap.String("recipe", recipe.Name))
	log.Info("bootstrap loop starting", zap.Int("max_iterations", maxIter))

	st := &loopState{
		strategy: StrategyNormalFix,
		result:   &LoopResult{FinalBranch: prep.BranchName},
	}

	// Initial dependency install so iteration 1 starts from a working tree.
	if spec.AllowInstallDeps && len(recipe.Install) > 0 {
		st.install, _ = l.verifier.Run(ctx, prep.WorktreeDir, Steps(recipe.Install))
	}

	var prev *IterationReport
	for i := 1; i <= maxIter; i++ {
		report, iterErr := l.runIteration(ctx, prep, spec, recipe, st, i, prev)
		if iterErr != nil {
			return l.finish(ctx, prep, st, iterErr)
		}
		st.result.Iterations = i
		prev = report

		if report.OK {
			if commitErr := l.commitIfEnabled(ctx, prep, spec, st, i); commitErr != nil {
				return l.finish(ctx, prep, st, commitErr)
			}
			st.result.OK = true
			return l.finish(ctx, prep, st, nil)
		}
	}

	return l.finish(ctx, prep, st, ErrMaxIterations)
}

type loopState struct {
	strategy      Strategy
	streak        int
	lastSignature string
	install       verify.Report
	result        *LoopResult
}

func (l *Loop) runIteration(ctx context.Context, prep *Prep, spec RunSpec, recipe *Recipe, st *loopState, i int, prev *IterationReport) (*IterationReport, error) {
	iterDir := filepath.Join(prep.ArtifactsDir, fmt.Sprintf("iter-%d", i))
	if err := os.MkdirAll(iterDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create iteration dir: %w", err)
	}

	report := &IterationReport{Iteration: i, Strategy: st.strategy, Install: st.install}

	// 1. Feedback for the agent from the previous iteration.
	feedback := buildFeedback(prev, st.strategy)

	// 2. Agent invocation. Failures are recorded, not fatal.
	agentErr := l.agent.RunIteration(ctx, IterationRequest{
		Iteration: i,
		Goal:      spec.Goal,
		Cwd:       prep.WorktreeDir,
		Feedback:  feedback,
	})
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if agentErr != nil {
		report.AgentErr = agentErr.Error()
		_ = os.WriteFile(filepath.Join(iterDir, "agent_error.txt"), []byte(agentErr.Error()), 0o644)
		l.logger.Warn("agent iteration failed", zap.Int("iteration", i), zap.Error(agentErr))
	}

	// 3. Re-install when the agent touched dependency manifests.
	changed := l.changedFiles(ctx, prep.WorktreeDir)
	if spec.AllowInstallDeps && len(recipe.Install) > 0 && touchesDependencies(changed) {
		st.install, _ = l.verifier.Run(ctx, prep.WorktreeDir, Steps(recipe.Install))
		report.Install = st.install
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	// 4. Snapshot the patch.
	patch := l.diff(ctx, prep.WorktreeDir)
	report.HasPatch = strings.TrimSpace(patch) != ""
	if report.HasPatch {
		_ = os.WriteFile(filepath.Join(iterDir, "diff.patch"), []byte(patch), 0o644)
	}

	// 5. Lint, then test, unless the install is broken.
	if st.install.Enabled && !st.install.OK() {
		report.Lint = skippedReport("install_failed", recipe.Lint)
		report.Test = skippedReport("install_failed", recipe.Test)
	} else {
		report.Lint, _ = l.verifier.Run(ctx, prep.WorktreeDir, Steps(recipe.Lint))
		if report.Lint.OK() {
			report.Test, _ = l.verifier.Run(ctx, prep.WorktreeDir, Steps(recipe.Test))
		} else {
			report.Test = skippedReport("lint_failed", recipe.Test)
		}
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	// 6. Outcome and failure signature.
	report.OK = report.Lint.OK() && report.Test.OK() && (!st.install.Enabled || st.install.OK())
	report.Signature = report.Lint.Signature() + "::" + report.Test.Signature()

	// 7. Streak tracking and strategy escalation.
	if !report.OK {
		if report.Signature == st.lastSignature {
			st.streak++
		} else {
			st.streak = 1
		}
		if !report.HasPatch && st.streak < 2 {
			// No patch means the agent is stuck even if the signature moved.
			st.streak = 2
		}
		st.lastSignature = report.Signature
		l.escalate(ctx, prep, spec, recipe, st, i)
	}

	// 8. Persist the iteration outcome.
	path := filepath.Join(iterDir, "report.json")
	if data, err := json.MarshalIndent(report, "", "  "); err == nil {
		_ = os.WriteFile(path, data, 0o644)
	}
	st.result.LastReportPath = path

	return report, nil
}

func (l *Loop) escalate(ctx context.Context, prep *Prep, spec RunSpec, recipe *Recipe, st *loopState, i int) {
	switch {
	case st.streak >= 3 && st.strategy != StrategyRestartAgent:
		st.strategy = StrategyRestartAgent
		st.result.StrategyChanges = append(st.result.StrategyChanges,
			fmt.Sprintf("iter-%d: %s", i, StrategyRestartAgent))
		l.logger.Warn("escalating strategy", zap.Int("iteration", i), zap.String("strategy", string(StrategyRestartAgent)))
		if err := l.agent.Reset(ctx); err != nil {
			l.logger.Warn("agent reset failed", zap.Error(err))
		}

	case st.streak >= 2 && st.strategy == StrategyNormalFix:
		st.strategy = StrategyCleanDeps
		st.result.StrategyChanges = append(st.result.StrategyChanges,
			fmt.Sprintf("iter-%d: %s", i, StrategyCleanDeps))
		l.logger.Warn("escalating strategy", zap.Int("iteration", i), zap.String("strategy", string(StrategyCleanDeps)))

		for _, target := range cleanDepsTargets {
			_ = os.RemoveAll(filepath.Join(prep.WorktreeDir, target))
		}
		if spec.AllowInstallDeps && len(recipe.Install) > 0 {
			st.install, _ = l.verifier.Run(ctx, prep.WorktreeDir, Steps(recipe.Install))
		}
	}
}

// commitIfEnabled stages safe changes and commits them. Zero staged files or
// a failing commit is terminal: a "passing" run with nothing durable is a bug
// upstream, not a success.
func (l *Loop) commitIfEnabled(ctx context.Context, prep *Prep, spec RunSpec, st *loopState, iteration int) error {
	if !spec.Commit.Enabled {
		return nil
	}

	var staged int
	for _, f := range l.changedFiles(ctx, prep.WorktreeDir) {
		if !safeToStage(f) {
			continue
		}
		res, err := l.git(ctx, prep.WorktreeDir, "add", "--", f)
		if err != nil || res.ExitCode != 0 {
			return fmt.Errorf("failed to stage %s: %s", f, gitStderr(res, err))
		}
		staged++
	}
	if staged == 0 {
		return errors.New("commit enabled but no safe files to stage")
	}

	msg := renderCommitMessage(spec.Commit.MessageTemplate, spec.Goal, prep.RunID, iteration)
	res, err := l.git(ctx, prep.WorktreeDir, "commit", "-m", msg)
	if err != nil || res.ExitCode != 0 {
		return fmt.Errorf("commit failed: %s", gitStderr(res, err))
	}

	if res, err := l.git(ctx, prep.WorktreeDir, "rev-parse", "HEAD"); err == nil && res.ExitCode == 0 {
		st.result.FinalCommit = strings.TrimSpace(res.Stdout)
	}
	return nil
}

func (l *Loop) finish(ctx context.Context, prep *Prep, st *loopState, cause error) (*LoopResult, error) {
	res := st.result
	if cause != nil {
		res.OK = false
		res.Error = cause.Error()
		if errors.Is(cause, context.Canceled) || errors.Is(cause, context.DeadlineExceeded) {
			res.Cancelled = true
		}
	}

	finalPath := filepath.Join(prep.ArtifactsDir, "final.json")
	if data, err := json.MarshalIndent(res, "", "  "); err == nil {
		_ = os.WriteFile(finalPath, data, 0o644)
	}

	if res.Cancelled {
		return res, cause
	}
	if cause != nil && !errors.Is(cause, ErrMaxIterations) {
		return res, cause
	}
	return res, nil
}

func (l *Loop) changedFiles(ctx context.Context, dir string) []string {
	res, err := l.git(ctx, dir, "diff", "--name-only", "HEAD")
	if err != nil || res.ExitCode != 0 {
		return nil
	}
	var files []string
	for _, line := range strings.Split(res.Stdout, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			files = append(files, line)
		}
	}
	// Untracked files matter for staging and dependency detection too.
	if res, err := l.git(ctx, dir, "ls-files", "--others", "--exclude-standard"); err == nil && res.ExitCode == 0 {
		for _, line := range strings.Split(res.Stdout, "\n") {
			if line = strings.TrimSpace(line); line != "" {
				files = append(files, line)
			}
		}
	}
	return files
}

func (l *Loop) diff(ctx context.Context, dir string) string {
	res, err := l.git(ctx, dir, "diff", "HEAD")
	if err != nil || res.ExitCode != 0 {
		return ""
	}
	return res.Stdout
}

func (l *Loop) git(ctx context.Context, dir string, args ...string) (*execution.Result, error) {
	return l.exec.Run(ctx, execution.Request{
		Cmd:     "git",
		Args:    args,
		Cwd:     dir,
		Timeout: gitTimeout,
	})
}

// safeToStage excludes editor/state droppings from loop commits.
func safeToStage(path string) bool {
	for _, seg := range strings.Split(filepath.ToSlash(path), "/") {
		if strings.HasPrefix(seg, "._") || seg == ".ads" || seg == ".locks" || seg == "node_modules" || seg == ".venv" || seg == "__pycache__" {
			return false
		}
	}
	return true
}

func renderCommitMessage(template, goal, runID string, iteration int) string {
	if template == "" {
		template = "bootstrap: {goal} (run {runId}, iteration {iteration})"
	}
	msg := strings.ReplaceAll(template, "{goal}", goal)
	msg = strings.ReplaceAll(msg, "{runId}", runID)
	msg = strings.ReplaceAll(msg, "{iteration}", fmt.Sprintf("%d", iteration))
	return msg
}

func buildFeedback(prev *IterationReport, strategy Strategy) Feedback {
	var fb Feedback
	if prev != nil {
		fb.LintSummary = summarizeReport(prev.Lint)
		fb.TestSummary = summarizeReport(prev.Test)
		if prev.HasPatch {
			fb.DiffSummary = "previous iteration produced a patch"
		} else {
			fb.DiffSummary = "previous iteration produced no changes"
		}
	}
	switch strategy {
	case StrategyCleanDeps:
		fb.StrategyNote = "dependencies were wiped and reinstalled; assume a clean environment"
	case StrategyRestartAgent:
		fb.StrategyNote = "your session was restarted; previous context is gone, re-read the code before editing"
	}
	return fb
}

func summarizeReport(r verify.Report) string {
	if !r.Enabled {
		return ""
	}
	if r.OK() {
		return "ok"
	}
	var parts []string
	for _, res := range r.Results {
		if res.OK || res.Skipped {
			continue
		}
		tail := res.Stderr
		if tail == "" {
			tail = res.Stdout
		}
		if len(tail) > 2000 {
			tail = tail[len(tail)-2000:]
		}
		parts = append(parts, fmt.Sprintf("%s failed (exit %d):\n%s", res.Name, res.ExitCode, tail))
	}
	return strings.Join(parts, "\n")
}

func skippedReport(reason string, steps []RecipeStep) verify.Report {
	report := verify.Report{Enabled: len(steps) > 0}
	for _, s := range steps {
		report.Results = append(report.Results, verify.StepResult{
			Name:    s.Name,
			Cmd:     s.Cmd,
			Args:    s.Args,
			Skipped: true,
			Notes:   []string{"skipped: " + reason},
		})
	}
	return report
}
