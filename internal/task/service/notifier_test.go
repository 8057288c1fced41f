package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adsrv/adsrv/internal/events/bus"
	"github.com/adsrv/adsrv/internal/notify"
	"github.com/adsrv/adsrv/internal/task/models"
	"github.com/adsrv/adsrv/internal/task/repository/sqlite"
)

type fakeSender struct {
	mu    sync.Mutex
	sent  []string
	fail  error
	calls int
}

func (s *fakeSender) Send(ctx context.Context, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.fail != nil {
		return s.fail
	}
	s.sent = append(s.sent, text)
	return nil
}

func notifierFixture(t *testing.T, sender Sender) (*Notifier, *sqlite.Repository) {
	t.Helper()
	repo := svcRepo(t)
	n := NewNotifier(repo, sender, bus.NewMemoryEventBus(svcLogger(t)), svcLogger(t))
	return n, repo
}

func terminalTask(t *testing.T, repo *sqlite.Repository, status models.TaskStatus, errMsg string) *models.Task {
	t.Helper()
	ctx := context.Background()
	task, err := repo.CreateTask(ctx, sqlite.CreateTaskInput{
		Title: "t", Prompt: "p", WorkspaceRoot: "/home/ads/projects/widget",
	}, time.Now(), nil)
	require.NoError(t, err)
	require.NoError(t, repo.SetStatus(ctx, task.ID, models.TaskStatusPlanning, time.Now()))
	if errMsg != "" {
		require.NoError(t, repo.SetError(ctx, task.ID, errMsg))
	}
	require.NoError(t, repo.SetStatus(ctx, task.ID, status, time.Now()))
	got, err := repo.GetTask(ctx, task.ID)
	require.NoError(t, err)
	return got
}

func TestNotifier_TerminalEventUpsertsOutboxRow(t *testing.T) {
	sender := &fakeSender{}
	n, repo := notifierFixture(t, sender)
	task := terminalTask(t, repo, models.TaskStatusCompleted, "")

	ev := bus.NewEvent(SubjectTaskCompleted, "task-queue", map[string]interface{}{
		"task_id": task.ID, "workspace_root": task.WorkspaceRoot,
	})
	require.NoError(t, n.onTerminalEvent(context.Background(), ev))

	due, err := repo.DueNotifications(context.Background(), time.Now(), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, task.ID, due[0].TaskID)
	assert.Equal(t, "widget", due[0].ProjectName)
	assert.Equal(t, models.TaskStatusCompleted, due[0].Status)
}

func TestNotifier_SkipsNonTerminalFailure(t *testing.T) {
	sender := &fakeSender{}
	n, repo := notifierFixture(t, sender)
	task := terminalTask(t, repo, models.TaskStatusFailed, "boom")

	ev := bus.NewEvent(SubjectTaskFailed, "task-queue", map[string]interface{}{
		"task_id": task.ID, "terminal": false,
	})
	require.NoError(t, n.onTerminalEvent(context.Background(), ev))

	due, err := repo.DueNotifications(context.Background(), time.Now(), 10)
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestNotifier_DeliverDueMarksAtMostOnce(t *testing.T) {
	sender := &fakeSender{}
	n, repo := notifierFixture(t, sender)
	task := terminalTask(t, repo, models.TaskStatusCompleted, "")

	ev := bus.NewEvent(SubjectTaskCompleted, "task-queue", map[string]interface{}{"task_id": task.ID})
	require.NoError(t, n.onTerminalEvent(context.Background(), ev))

	n.deliverDue(context.Background())
	n.deliverDue(context.Background())

	sender.mu.Lock()
	defer sender.mu.Unlock()
	require.Len(t, sender.sent, 1)
	assert.Contains(t, sender.sent[0], "Task completed")
	assert.Contains(t, sender.sent[0], "Project: widget")
	assert.Contains(t, sender.sent[0], "Task: "+task.ID)
}

func TestNotifier_FailureSchedulesBackoff(t *testing.T) {
	sender := &fakeSender{fail: errors.New("network down")}
	n, repo := notifierFixture(t, sender)
	task := terminalTask(t, repo, models.TaskStatusFailed, "boom")

	ev := bus.NewEvent(SubjectTaskFailed, "task-queue", map[string]interface{}{
		"task_id": task.ID, "terminal": true,
	})
	require.NoError(t, n.onTerminalEvent(context.Background(), ev))

	n.deliverDue(context.Background())

	// Not due again until the backoff elapses.
	due, err := repo.DueNotifications(context.Background(), time.Now(), 10)
	require.NoError(t, err)
	assert.Empty(t, due)

	due, err = repo.DueNotifications(context.Background(), time.Now().Add(notifyBackoffBase+time.Second), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, 1, due[0].RetryCount)
	assert.Contains(t, due[0].LastError, "network down")
}

func TestNotifyBackoff(t *testing.T) {
	assert.Equal(t, 30*time.Second, notifyBackoff(0, errors.New("x")))
	assert.Equal(t, 60*time.Second, notifyBackoff(1, errors.New("x")))
	assert.Equal(t, notifyBackoffMax, notifyBackoff(10, errors.New("x")))

	// A server-supplied retry-after wins over the exponential schedule.
	limited := &notify.RateLimitedError{After: 42 * time.Second, Err: errors.New("flood")}
	assert.Equal(t, 42*time.Second, notifyBackoff(0, limited))
}

func TestNotifier_RerenderAfterSecondTerminalKeepsDelivery(t *testing.T) {
	sender := &fakeSender{}
	n, repo := notifierFixture(t, sender)
	task := terminalTask(t, repo, models.TaskStatusCompleted, "")

	ev := bus.NewEvent(SubjectTaskCompleted, "task-queue", map[string]interface{}{"task_id": task.ID})
	require.NoError(t, n.onTerminalEvent(context.Background(), ev))
	n.deliverDue(context.Background())

	// A duplicate terminal event after delivery does not re-arm the row.
	require.NoError(t, n.onTerminalEvent(context.Background(), ev))
	n.deliverDue(context.Background())

	sender.mu.Lock()
	defer sender.mu.Unlock()
	assert.Len(t, sender.sent, 1)
}
