package locking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/adsrv/adsrv/internal/common/logger"
)

// ErrLockTimeout is returned when the directory lock could not be acquired
// within the configured timeout.
var ErrLockTimeout = errors.New("directory lock acquisition timed out")

const (
	ownerFileName = "owner.json"

	// orphanGracePeriod is how old a lock directory without a readable owner
	// record must be before it is removed.
	orphanGracePeriod = 2 * time.Minute
)

// Owner describes the holder of a directory lock.
type Owner struct {
	PID          int    `json:"pid"`
	Host         string `json:"host"`
	AcquiredAtMs int64  `json:"acquiredAtMs"`
	ProjectID    string `json:"projectId"`
	RunID        string `json:"runId"`
}

// DirLockOptions configures acquisition behavior.
type DirLockOptions struct {
	Timeout     time.Duration // total acquisition budget
	PollMin     time.Duration // lower bound of the jittered poll interval
	PollMax     time.Duration // upper bound of the jittered poll interval
	ProjectID   string
	RunID       string
}

func (o *DirLockOptions) withDefaults() DirLockOptions {
	opts := *o
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Minute
	}
	if opts.PollMin <= 0 {
		opts.PollMin = 50 * time.Millisecond
	}
	if opts.PollMax <= opts.PollMin {
		opts.PollMax = 250 * time.Millisecond
	}
	return opts
}

// DirLock is a cross-process exclusive lock backed by atomic directory
// creation. The holder records itself in owner.json; competing processes
// recover locks whose owner pid is no longer alive on this host.
type DirLock struct {
	path   string
	logger *logger.Logger
	held   bool
}

// NewDirLock creates a lock handle for the given lock directory path.
func NewDirLock(path string, log *logger.Logger) *DirLock {
	return &DirLock{
		path:   path,
		logger: log.WithFields(zap.String("component", "dir-lock"), zap.String("lock_path", path)),
	}
}

// Acquire takes the lock, polling with jittered backoff until the timeout.
func (l *DirLock) Acquire(ctx context.Context, opts DirLockOptions) error {
	o := opts.withDefaults()
	deadline := time.Now().Add(o.Timeout)

	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("failed to prepare lock parent: %w", err)
	}

	for {
		err := l.tryAcquire(o)
		if err == nil {
			l.held = true
			return nil
		}
		if !os.IsExist(err) {
			return fmt.Errorf("failed to create lock directory: %w", err)
		}

		l.recoverStale()

		if time.Now().After(deadline) {
			return fmt.Errorf("%w: %s", ErrLockTimeout, l.path)
		}

		jitter := o.PollMin + time.Duration(rand.Int63n(int64(o.PollMax-o.PollMin)))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(jitter):
		}
	}
}

// tryAcquire attempts the atomic mkdir and writes the owner record.
func (l *DirLock) tryAcquire(o DirLockOptions) error {
	if err := os.Mkdir(l.path, 0o755); err != nil {
		return err
	}

	host, _ := os.Hostname()
	owner := Owner{
		PID:          os.Getpid(),
		Host:         host,
		AcquiredAtMs: time.Now().UnixMilli(),
		ProjectID:    o.ProjectID,
		RunID:        o.RunID,
	}
	data, err := json.Marshal(owner)
	if err == nil {
		err = os.WriteFile(filepath.Join(l.path, ownerFileName), data, 0o644)
	}
	if err != nil {
		// Don't hold a lock we can't attribute.
		_ = os.RemoveAll(l.path)
		return fmt.Errorf("failed to write lock owner: %w", err)
	}
	return nil
}

// recoverStale removes the lock directory when the recorded owner is dead on
// this host, or when no valid owner record exists past the grace period.
func (l *DirLock) recoverStale() {
	data, err := os.ReadFile(filepath.Join(l.path, ownerFileName))
	if err != nil {
		info, statErr := os.Stat(l.path)
		if statErr != nil {
			return // lock released concurrently
		}
		if time.Since(info.ModTime()) > orphanGracePeriod {
			l.logger.Warn("removing orphaned lock directory without owner record")
			_ = os.RemoveAll(l.path)
		}
		return
	}

	var owner Owner
	if err := json.Unmarshal(data, &owner); err != nil {
		l.logger.Warn("removing lock with unreadable owner record", zap.Error(err))
		_ = os.RemoveAll(l.path)
		return
	}

	host, _ := os.Hostname()
	if owner.Host != host {
		// Cannot probe liveness across hosts; leave it alone.
		return
	}
	if pidAlive(owner.PID) {
		return
	}

	l.logger.Warn("recovering lock from dead owner",
		zap.Int("owner_pid", owner.PID),
		zap.String("owner_run_id", owner.RunID))
	_ = os.RemoveAll(l.path)
}

// Release drops the lock. Safe to call on all paths; releasing a lock that
// was never acquired is a no-op.
func (l *DirLock) Release() error {
	if !l.held {
		return nil
	}
	l.held = false
	if err := os.RemoveAll(l.path); err != nil {
		return fmt.Errorf("failed to remove lock directory: %w", err)
	}
	return nil
}

// Held reports whether this handle currently holds the lock.
func (l *DirLock) Held() bool {
	return l.held
}

// pidAlive reports whether a process with the given pid exists on this host.
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	// Signal 0 performs the permission/liveness check without delivering.
	err := syscall.Kill(pid, 0)
	if err == nil {
		return true
	}
	return errors.Is(err, syscall.EPERM)
}
