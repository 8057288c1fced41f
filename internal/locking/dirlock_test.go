package locking

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adsrv/adsrv/internal/common/logger"
)

func dirlockLogger(t *testing.T) *logger.Logger {
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)
	return log
}

func TestDirLock_AcquireAndRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".locks", "repo.lock")
	lock := NewDirLock(path, dirlockLogger(t))

	err := lock.Acquire(context.Background(), DirLockOptions{
		Timeout:   time.Second,
		ProjectID: "proj-1",
		RunID:     "run-1",
	})
	require.NoError(t, err)
	assert.True(t, lock.Held())

	data, err := os.ReadFile(filepath.Join(path, "owner.json"))
	require.NoError(t, err)

	var owner Owner
	require.NoError(t, json.Unmarshal(data, &owner))
	assert.Equal(t, os.Getpid(), owner.PID)
	assert.Equal(t, "proj-1", owner.ProjectID)
	assert.Equal(t, "run-1", owner.RunID)

	require.NoError(t, lock.Release())
	assert.False(t, lock.Held())
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestDirLock_ContentionTimesOut(t *testing.T) {
	path := filepath.Join(t.TempDir(), "repo.lock")
	log := dirlockLogger(t)

	holder := NewDirLock(path, log)
	require.NoError(t, holder.Acquire(context.Background(), DirLockOptions{Timeout: time.Second}))
	defer func() { _ = holder.Release() }()

	contender := NewDirLock(path, log)
	err := contender.Acquire(context.Background(), DirLockOptions{
		Timeout: 200 * time.Millisecond,
		PollMin: 10 * time.Millisecond,
		PollMax: 30 * time.Millisecond,
	})
	require.ErrorIs(t, err, ErrLockTimeout)
	assert.False(t, contender.Held())
}

func TestDirLock_RecoversDeadOwner(t *testing.T) {
	path := filepath.Join(t.TempDir(), "repo.lock")
	require.NoError(t, os.MkdirAll(path, 0o755))

	host, _ := os.Hostname()
	// PID 1 belongs to init and is alive; use an implausible pid instead.
	owner := Owner{PID: 1 << 30, Host: host, AcquiredAtMs: time.Now().UnixMilli()}
	data, err := json.Marshal(owner)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(path, "owner.json"), data, 0o644))

	lock := NewDirLock(path, dirlockLogger(t))
	err = lock.Acquire(context.Background(), DirLockOptions{
		Timeout: 2 * time.Second,
		PollMin: 10 * time.Millisecond,
		PollMax: 30 * time.Millisecond,
	})
	require.NoError(t, err)
	assert.True(t, lock.Held())
	require.NoError(t, lock.Release())
}

func TestDirLock_ReleaseWithoutAcquireIsNoop(t *testing.T) {
	lock := NewDirLock(filepath.Join(t.TempDir(), "repo.lock"), dirlockLogger(t))
	assert.NoError(t, lock.Release())
}

func TestDirLock_AcquireRespectsContext(t *testing.T) {
	path := filepath.Join(t.TempDir(), "repo.lock")
	log := dirlockLogger(t)

	holder := NewDirLock(path, log)
	require.NoError(t, holder.Acquire(context.Background(), DirLockOptions{Timeout: time.Second}))
	defer func() { _ = holder.Release() }()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	contender := NewDirLock(path, log)
	err := contender.Acquire(ctx, DirLockOptions{
		Timeout: time.Minute,
		PollMin: 10 * time.Millisecond,
		PollMax: 20 * time.Millisecond,
	})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
