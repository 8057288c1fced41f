// Package execution spawns and supervises child processes for agent CLIs,
// verification steps and git plumbing. Arguments are passed directly to the
// program; nothing is ever interpolated through a shell.
package execution

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/adsrv/adsrv/internal/common/logger"
)

var (
	// ErrTimeout is returned when the process exceeded its deadline and was killed.
	ErrTimeout = errors.New("command timed out")
	// ErrNotAllowed is returned when the program is not on the allowlist.
	ErrNotAllowed = errors.New("command not allowed")
)

const (
	// killGracePeriod is how long a process gets between SIGTERM and SIGKILL.
	killGracePeriod = 2 * time.Second

	// DefaultMaxOutputBytes caps each captured stream when the request does
	// not specify a limit.
	DefaultMaxOutputBytes = 1 << 20 // 1 MiB
)

// Request describes one subprocess invocation.
type Request struct {
	Cmd            string
	Args           []string
	Cwd            string
	Env            []string // nil inherits the parent environment
	Timeout        time.Duration
	MaxOutputBytes int
	// Allowlist, when non-empty, rejects invocations whose program name is
	// not listed.
	Allowlist []string
}

// Result captures the outcome of a finished (or killed) subprocess.
type Result struct {
	ExitCode        int
	Stdout          string
	Stderr          string
	Killed          bool
	StdoutTruncated bool
	StderrTruncated bool
	Duration        time.Duration
}

// Runner executes subprocesses with caps and cancellation.
type Runner struct {
	logger *logger.Logger
}

// NewRunner creates a command runner.
func NewRunner(log *logger.Logger) *Runner {
	return &Runner{
		logger: log.WithFields(zap.String("component", "command-runner")),
	}
}

// Run executes the request and waits for completion. Non-zero exit codes are
// reported in the result, not as errors. Cancellation and timeout kill the
// process (SIGTERM, then SIGKILL after a short grace period); cancellation
// surfaces as the context error, timeout as ErrTimeout.
func (r *Runner) Run(ctx context.Context, req Request) (*Result, error) {
	if req.Cmd == "" {
		return nil, fmt.Errorf("empty command")
	}
	if len(req.Allowlist) > 0 && !contains(req.Allowlist, req.Cmd) {
		return nil, fmt.Errorf("%w: %s", ErrNotAllowed, req.Cmd)
	}

	maxBytes := req.MaxOutputBytes
	if maxBytes <= 0 {
		maxBytes = DefaultMaxOutputBytes
	}

	// The deadline is composed with the external context so either can kill
	// the process; timedOut disambiguates afterwards.
	runCtx := ctx
	var cancel context.CancelFunc
	if req.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	cmd := exec.Command(req.Cmd, req.Args...)
	cmd.Dir = req.Cwd
	if req.Env != nil {
		cmd.Env = req.Env
	}
	// Own process group so the grace-period kill reaches grandchildren.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout := newCapBuffer(maxBytes)
	stderr := newCapBuffer(maxBytes)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", req.Cmd, err)
	}

	r.logger.Debug("process started",
		zap.String("cmd", req.Cmd),
		zap.Strings("args", req.Args),
		zap.Int("pid", cmd.Process.Pid))

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	killed := false
	var waitErr error
	select {
	case waitErr = <-done:
	case <-runCtx.Done():
		killed = true
		r.terminate(cmd)
		waitErr = <-done
	}

	result := &Result{
		ExitCode:        exitCode(cmd, waitErr),
		Stdout:          stdout.String(),
		Stderr:          stderr.String(),
		Killed:          killed,
		StdoutTruncated: stdout.Truncated(),
		StderrTruncated: stderr.Truncated(),
		Duration:        time.Since(start),
	}

	if killed {
		if ctx.Err() != nil {
			// External cancellation is surfaced distinctly, never reclassified.
			return result, ctx.Err()
		}
		return result, fmt.Errorf("%w after %s", ErrTimeout, req.Timeout)
	}

	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			// Non-zero exit is a normal, reported failure.
			return result, nil
		}
		return result, fmt.Errorf("wait failed for %s: %w", req.Cmd, waitErr)
	}

	return result, nil
}

// terminate sends SIGTERM to the process group and escalates to SIGKILL
// after the grace period.
func (r *Runner) terminate(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	pgid := -cmd.Process.Pid
	_ = syscall.Kill(pgid, syscall.SIGTERM)

	// SIGKILL after the grace period; a no-op (ESRCH) if the group is gone.
	time.AfterFunc(killGracePeriod, func() {
		_ = syscall.Kill(pgid, syscall.SIGKILL)
	})
}

func exitCode(cmd *exec.Cmd, waitErr error) int {
	if cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			return exitErr.ExitCode()
		}
	}
	return -1
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}

// capBuffer collects stream output up to a byte limit, then discards the
// rest and remembers that truncation happened.
type capBuffer struct {
	mu        sync.Mutex
	buf       []byte
	max       int
	truncated bool
}

func newCapBuffer(max int) *capBuffer {
	return &capBuffer{max: max}
}

func (b *capBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	remaining := b.max - len(b.buf)
	if remaining <= 0 {
		b.truncated = true
		return len(p), nil
	}
	if len(p) > remaining {
		b.buf = append(b.buf, p[:remaining]...)
		b.truncated = true
		return len(p), nil
	}
	b.buf = append(b.buf, p...)
	return len(p), nil
}

func (b *capBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}

func (b *capBuffer) Truncated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.truncated
}
