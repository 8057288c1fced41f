// Package verify runs ordered command steps (lint, test, install) inside a
// workspace and produces a structured report.
package verify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/adsrv/adsrv/internal/common/logger"
	"github.com/adsrv/adsrv/internal/execution"
)

// DefaultStepTimeout bounds a step when the recipe does not set one.
const DefaultStepTimeout = 10 * time.Minute

// Step is one verification command.
type Step struct {
	Name    string        `json:"name"`
	Cmd     string        `json:"cmd"`
	Args    []string      `json:"args"`
	Timeout time.Duration `json:"timeout,omitempty"`
	// DependsOnPrevious marks the step as meaningless when the preceding
	// step failed; such steps are skipped, not run.
	DependsOnPrevious bool `json:"depends_on_previous,omitempty"`
	Env               []string
}

// StepResult is one step's outcome inside the report.
type StepResult struct {
	Name     string   `json:"name"`
	Cmd      string   `json:"cmd"`
	Args     []string `json:"args"`
	ExitCode int      `json:"exitCode"`
	Stdout   string   `json:"stdout"`
	Stderr   string   `json:"stderr"`
	Notes    []string `json:"notes,omitempty"`
	Skipped  bool     `json:"skipped,omitempty"`
	OK       bool     `json:"ok"`
}

// Report is the outcome of one verification pass.
type Report struct {
	Enabled bool         `json:"enabled"`
	Results []StepResult `json:"results"`
}

// OK reports whether every executed step succeeded.
func (r Report) OK() bool {
	if !r.Enabled {
		return true
	}
	for _, res := range r.Results {
		if res.Skipped {
			continue
		}
		if !res.OK {
			return false
		}
	}
	return true
}

// Signature condenses the failing steps into a stable string used for
// repeated-failure detection.
func (r Report) Signature() string {
	var parts []string
	for _, res := range r.Results {
		if res.Skipped || res.OK {
			continue
		}
		parts = append(parts, fmt.Sprintf("%s=%d", res.Name, res.ExitCode))
	}
	if len(parts) == 0 {
		return "ok"
	}
	return strings.Join(parts, ",")
}

// Runner executes verification steps through the command runner.
type Runner struct {
	exec   *execution.Runner
	logger *logger.Logger
}

// NewRunner creates a verification runner.
func NewRunner(exec *execution.Runner, log *logger.Logger) *Runner {
	return &Runner{
		exec:   exec,
		logger: log.WithFields(zap.String("component", "verify")),
	}
}

// Run executes the steps in order inside dir. A failed step skips following
// steps that declare DependsOnPrevious; independent steps still run and are
// reported. Cancellation aborts immediately with the partial report.
func (r *Runner) Run(ctx context.Context, dir string, steps []Step) (Report, error) {
	report := Report{Enabled: len(steps) > 0}
	prevFailed := false

	for _, step := range steps {
		if prevFailed && step.DependsOnPrevious {
			report.Results = append(report.Results, StepResult{
				Name:    step.Name,
				Cmd:     step.Cmd,
				Args:    step.Args,
				Skipped: true,
				Notes:   []string{"skipped: previous step failed"},
			})
			continue
		}

		res := r.runStep(ctx, dir, step)
		report.Results = append(report.Results, res)

		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		prevFailed = !res.OK
	}
	return report, nil
}

func (r *Runner) runStep(ctx context.Context, dir string, step Step) StepResult {
	timeout := step.Timeout
	if timeout <= 0 {
		timeout = DefaultStepTimeout
	}

	r.logger.Info("verification step",
		zap.String("name", step.Name),
		zap.String("cmd", step.Cmd),
		zap.Strings("args", step.Args))

	out, err := r.exec.Run(ctx, execution.Request{
		Cmd:     step.Cmd,
		Args:    step.Args,
		Cwd:     dir,
		Env:     step.Env,
		Timeout: timeout,
	})

	res := StepResult{
		Name: step.Name,
		Cmd:  step.Cmd,
		Args: step.Args,
	}
	if out != nil {
		res.ExitCode = out.ExitCode
		res.Stdout = out.Stdout
		res.Stderr = out.Stderr
		if out.StdoutTruncated || out.StderrTruncated {
			res.Notes = append(res.Notes, "output truncated")
		}
	}

	switch {
	case err == nil:
		res.OK = res.ExitCode == 0
		if !res.OK {
			res.Notes = append(res.Notes, fmt.Sprintf("exit code %d", res.ExitCode))
		}
	case errors.Is(err, execution.ErrTimeout):
		res.OK = false
		res.Notes = append(res.Notes, fmt.Sprintf("timed out after %s", timeout))
	case errors.Is(err, context.Canceled):
		res.OK = false
		res.Notes = append(res.Notes, "cancelled")
	default:
		res.OK = false
		res.ExitCode = -1
		res.Notes = append(res.Notes, err.Error())
	}
	return res
}
