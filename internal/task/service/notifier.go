package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/adsrv/adsrv/internal/common/logger"
	"github.com/adsrv/adsrv/internal/events/bus"
	"github.com/adsrv/adsrv/internal/project"
	"github.com/adsrv/adsrv/internal/task/models"
	"github.com/adsrv/adsrv/internal/task/repository/sqlite"
)

const (
	// defaultNotifyTimezone renders outbound timestamps.
	defaultNotifyTimezone = "Asia/Shanghai"

	timezoneEnvVar = "ADS_TELEGRAM_NOTIFY_TIMEZONE"

	notifyTimeFormat = "2006-01-02 15:04:05"

	senderInterval = 30 * time.Second

	notifyBackoffBase = 30 * time.Second
	notifyBackoffMax  = 15 * time.Minute
)

// Sender delivers one outbound notification text.
type Sender interface {
	Send(ctx context.Context, text string) error
}

// retryAfterHint is implemented by sender errors that carry a server-supplied
// retry delay.
type retryAfterHint interface {
	RetryAfter() time.Duration
}

// Notifier records terminal task transitions in the outbox and delivers them
// in the background with retry.
type Notifier struct {
	repo   *sqlite.Repository
	sender Sender
	bus    bus.EventBus
	logger *logger.Logger

	loc *time.Location

	mu     sync.Mutex
	subs   []bus.Subscription
	stop   chan struct{}
	wg     sync.WaitGroup
	closed bool
}

// NewNotifier creates a notifier. The render timezone comes from
// ADS_TELEGRAM_NOTIFY_TIMEZONE; invalid values silently fall back to the
// default.
func NewNotifier(repo *sqlite.Repository, sender Sender, eventBus bus.EventBus, log *logger.Logger) *Notifier {
	return &Notifier{
		repo:   repo,
		sender: sender,
		bus:    eventBus,
		logger: log.WithFields(zap.String("component", "task-notifier")),
		loc:    resolveTimezone(os.Getenv(timezoneEnvVar)),
		stop:   make(chan struct{}),
	}
}

func resolveTimezone(name string) *time.Location {
	if name != "" {
		if loc, err := time.LoadLocation(name); err == nil {
			return loc
		}
	}
	if loc, err := time.LoadLocation(defaultNotifyTimezone); err == nil {
		return loc
	}
	return time.UTC
}

// Start subscribes to terminal task events and launches the sender loop.
func (n *Notifier) Start(ctx context.Context) error {
	for _, subject := range []string{SubjectTaskCompleted, SubjectTaskFailed, SubjectTaskCancelled} {
		sub, err := n.bus.Subscribe(subject, n.onTerminalEvent)
		if err != nil {
			return fmt.Errorf("failed to subscribe %s: %w", subject, err)
		}
		n.mu.Lock()
		n.subs = append(n.subs, sub)
		n.mu.Unlock()
	}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		ticker := time.NewTicker(senderInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-n.stop:
				return
			case <-ticker.C:
				n.deliverDue(ctx)
			}
		}
	}()
	return nil
}

// Close detaches subscriptions and stops the sender loop.
func (n *Notifier) Close() {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.closed = true
	subs := n.subs
	n.subs = nil
	close(n.stop)
	n.mu.Unlock()

	for _, s := range subs {
		_ = s.Unsubscribe()
	}
	n.wg.Wait()
}

// onTerminalEvent upserts the outbox row for a finished task. Non-terminal
// retry failures are skipped.
func (n *Notifier) onTerminalEvent(ctx context.Context, ev *bus.Event) error {
	if ev.Type == SubjectTaskFailed {
		if terminal, ok := ev.Data["terminal"].(bool); ok && !terminal {
			return nil
		}
	}
	taskID := ev.String("task_id")
	if taskID == "" {
		return nil
	}

	task, err := n.repo.GetTask(ctx, taskID)
	if err != nil {
		n.logger.Warn("terminal event for unknown task", zap.String("task_id", taskID), zap.Error(err))
		return nil
	}

	row := &models.Notification{
		TaskID:        task.ID,
		WorkspaceRoot: task.WorkspaceRoot,
		Status:        task.Status,
		ProjectName:   notifyProjectName(task.WorkspaceRoot),
		LastError:     task.Error,
		StartedAt:     task.StartedAt,
		CompletedAt:   task.CompletedAt,
	}
	if err := n.repo.UpsertNotification(ctx, row); err != nil {
		n.logger.Error("failed to upsert notification", zap.String("task_id", taskID), zap.Error(err))
	}
	return nil
}

// deliverDue attempts each due outbox row once.
func (n *Notifier) deliverDue(ctx context.Context) {
	now := time.Now()
	due, err := n.repo.DueNotifications(ctx, now, 20)
	if err != nil {
		n.logger.Error("failed to list due notifications", zap.Error(err))
		return
	}

	for _, row := range due {
		text := n.renderMessage(row)
		if err := n.sender.Send(ctx, text); err != nil {
			delay := notifyBackoff(row.RetryCount, err)
			if recordErr := n.repo.RecordNotifyFailure(ctx, row.TaskID, err.Error(), now.Add(delay)); recordErr != nil {
				n.logger.Error("failed to record notify failure", zap.Error(recordErr))
			}
			n.logger.Warn("notification delivery failed",
				zap.String("task_id", row.TaskID),
				zap.Duration("next_retry_in", delay),
				zap.Error(err))
			continue
		}
		if _, err := n.repo.MarkNotified(ctx, row.TaskID, now); err != nil {
			n.logger.Error("failed to mark notified", zap.Error(err))
		}
	}
}

// notifyBackoff doubles from the base per retry, capped, unless the error
// carries an explicit retry-after hint.
func notifyBackoff(retryCount int, cause error) time.Duration {
	var hint retryAfterHint
	if errors.As(cause, &hint) && hint.RetryAfter() > 0 {
		return hint.RetryAfter()
	}
	delay := notifyBackoffBase << retryCount
	if delay > notifyBackoffMax || delay <= 0 {
		delay = notifyBackoffMax
	}
	return delay
}

func (n *Notifier) renderMessage(row *models.Notification) string {
	var b strings.Builder

	switch row.Status {
	case models.TaskStatusCompleted:
		b.WriteString("Task completed")
	case models.TaskStatusFailed:
		b.WriteString("Task failed")
	case models.TaskStatusCancelled:
		b.WriteString("Task cancelled")
	default:
		b.WriteString("Task " + string(row.Status))
	}
	b.WriteString("\n")

	if row.ProjectName != "" {
		fmt.Fprintf(&b, "Project: %s\n", row.ProjectName)
	}
	fmt.Fprintf(&b, "Task: %s\n", row.TaskID)
	if row.StartedAt != nil {
		fmt.Fprintf(&b, "Started: %s\n", row.StartedAt.In(n.loc).Format(notifyTimeFormat))
	}
	if row.CompletedAt != nil {
		fmt.Fprintf(&b, "Finished: %s\n", row.CompletedAt.In(n.loc).Format(notifyTimeFormat))
	}
	if row.LastError != "" {
		fmt.Fprintf(&b, "Error: %s\n", row.LastError)
	}
	return strings.TrimRight(b.String(), "\n")
}

func notifyProjectName(root string) string {
	if strings.TrimSpace(root) == "" {
		return ""
	}
	return project.Name(strings.TrimRight(root, "/"))
}
