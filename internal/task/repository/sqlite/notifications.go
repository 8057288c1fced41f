package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/adsrv/adsrv/internal/task/models"
)

// UpsertNotification records a terminal transition in the outbox. A second
// terminal transition for the same task overwrites the row but keeps an
// existing notified_at, so an already-delivered notification never re-fires.
func (r *Repository) UpsertNotification(ctx context.Context, n *models.Notification) error {
	_, err := r.writer.NamedExecContext(ctx, `
		INSERT INTO task_notifications (task_id, workspace_root, status, project_name,
		                                last_error, retry_count, started_at, completed_at,
		                                next_retry_at, notified_at)
		VALUES (:task_id, :workspace_root, :status, :project_name,
		        :last_error, :retry_count, :started_at, :completed_at,
		        :next_retry_at, :notified_at)
		ON CONFLICT(task_id) DO UPDATE SET
		    workspace_root = excluded.workspace_root,
		    status         = excluded.status,
		    project_name   = excluded.project_name,
		    last_error     = excluded.last_error,
		    started_at     = excluded.started_at,
		    completed_at   = excluded.completed_at`,
		n)
	if err != nil {
		return fmt.Errorf("failed to upsert notification: %w", err)
	}
	return nil
}

// DueNotifications returns undelivered rows whose retry time has arrived.
func (r *Repository) DueNotifications(ctx context.Context, now time.Time, limit int) ([]*models.Notification, error) {
	if limit <= 0 {
		limit = 20
	}
	var rows []*models.Notification
	err := r.reader.SelectContext(ctx, &rows, `
		SELECT * FROM task_notifications
		WHERE notified_at IS NULL AND (next_retry_at IS NULL OR next_retry_at <= ?)
		ORDER BY completed_at ASC LIMIT ?`,
		now.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list due notifications: %w", err)
	}
	return rows, nil
}

// MarkNotified stamps delivery at most once. Returns true when this call set
// the timestamp.
func (r *Repository) MarkNotified(ctx context.Context, taskID string, now time.Time) (bool, error) {
	res, err := r.writer.ExecContext(ctx,
		`UPDATE task_notifications SET notified_at = ? WHERE task_id = ? AND notified_at IS NULL`,
		now.UTC(), taskID)
	if err != nil {
		return false, fmt.Errorf("failed to mark notified: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// RecordNotifyFailure bumps the retry counter and schedules the next attempt.
func (r *Repository) RecordNotifyFailure(ctx context.Context, taskID, lastError string, nextRetryAt time.Time) error {
	_, err := r.writer.ExecContext(ctx, `
		UPDATE task_notifications
		SET retry_count = retry_count + 1, last_error = ?, next_retry_at = ?
		WHERE task_id = ?`,
		lastError, nextRetryAt.UTC(), taskID)
	if err != nil {
		return fmt.Errorf("failed to record notify failure: %w", err)
	}
	return nil
}
