// Package sqlite implements the durable task store over the workspace
// database. All writes go through the single-writer connection; reads may use
// the reader pool.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/adsrv/adsrv/internal/task/models"
)

var (
	// ErrNotFound is returned when the referenced task does not exist.
	ErrNotFound = errors.New("task not found")
	// ErrConflict is returned when a mutation is not valid in the task's
	// current status.
	ErrConflict = errors.New("task state conflict")
	// ErrAttachmentConflict is returned when an attachment is already
	// assigned to another task.
	ErrAttachmentConflict = errors.New("attachment already assigned")
)

// Repository is the sqlite-backed task store.
type Repository struct {
	writer *sqlx.DB
	reader *sqlx.DB
}

// NewRepository creates a repository over the writer and reader pools.
func NewRepository(writer, reader *sqlx.DB) *Repository {
	if reader == nil {
		reader = writer
	}
	return &Repository{writer: writer, reader: reader}
}

// CreateTaskInput carries the caller-supplied task fields.
type CreateTaskInput struct {
	Title          string
	Prompt         string
	Model          string
	ModelParams    string
	Priority       int
	InheritContext bool
	AgentID        string
	MaxRetries     int
	WorkspaceRoot  string
	ParentTaskID   *string
	AttachmentIDs  []string
}

// CreateTaskOptions overrides creation defaults.
type CreateTaskOptions struct {
	// Status, when non-empty, must be pending or queued.
	Status models.TaskStatus
}

// CreateTask inserts a task with a monotonic queue order derived from now.
// Referenced attachments are claimed atomically; claiming an attachment that
// already belongs to a task fails the whole insert.
func (r *Repository) CreateTask(ctx context.Context, input CreateTaskInput, now time.Time, opts *CreateTaskOptions) (*models.Task, error) {
	status := models.TaskStatusPending
	if opts != nil && opts.Status != "" {
		if opts.Status != models.TaskStatusPending && opts.Status != models.TaskStatusQueued {
			return nil, fmt.Errorf("%w: cannot create task with status %s", ErrConflict, opts.Status)
		}
		status = opts.Status
	}

	task := &models.Task{
		ID:             uuid.NewString(),
		Title:          input.Title,
		Prompt:         input.Prompt,
		Model:          input.Model,
		ModelParams:    input.ModelParams,
		Status:         status,
		Priority:       input.Priority,
		InheritContext: input.InheritContext,
		AgentID:        input.AgentID,
		MaxRetries:     input.MaxRetries,
		WorkspaceRoot:  input.WorkspaceRoot,
		ParentTaskID:   input.ParentTaskID,
		CreatedAt:      now.UTC(),
	}

	err := r.inTx(ctx, func(tx *sqlx.Tx) error {
		order, err := nextQueueOrder(ctx, tx, now)
		if err != nil {
			return err
		}
		task.QueueOrder = order

		_, err = tx.NamedExecContext(ctx, `
			INSERT INTO tasks (id, title, prompt, model, model_params, status, priority,
			                   queue_order, inherit_context, agent_id, retry_count, max_retries,
			                   workspace_root, parent_task_id, thread_id, result, error, created_at)
			VALUES (:id, :title, :prompt, :model, :model_params, :status, :priority,
			        :queue_order, :inherit_context, :agent_id, :retry_count, :max_retries,
			        :workspace_root, :parent_task_id, :thread_id, :result, :error, :created_at)`,
			task)
		if err != nil {
			return fmt.Errorf("failed to insert task: %w", err)
		}

		for _, attID := range input.AttachmentIDs {
			res, err := tx.ExecContext(ctx,
				`UPDATE attachments SET task_id = ? WHERE id = ? AND task_id IS NULL`,
				task.ID, attID)
			if err != nil {
				return fmt.Errorf("failed to claim attachment %s: %w", attID, err)
			}
			if n, _ := res.RowsAffected(); n == 0 {
				return fmt.Errorf("%w: %s", ErrAttachmentConflict, attID)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return task, nil
}

// nextQueueOrder returns a queue order strictly greater than any existing one
// and at least now's unix milliseconds, so orders stay monotonic even when
// tasks arrive within the same millisecond.
func nextQueueOrder(ctx context.Context, tx *sqlx.Tx, now time.Time) (int64, error) {
	var maxOrder sql.NullInt64
	if err := tx.GetContext(ctx, &maxOrder, `SELECT MAX(queue_order) FROM tasks`); err != nil {
		return 0, fmt.Errorf("failed to read queue order: %w", err)
	}
	order := now.UnixMilli()
	if maxOrder.Valid && maxOrder.Int64 >= order {
		order = maxOrder.Int64 + 1
	}
	return order, nil
}

// ListFilter narrows ListTasks.
type ListFilter struct {
	WorkspaceRoot string
	Status        models.TaskStatus
	Limit         int
}

// ListTasks returns tasks ordered by (priority DESC, queue_order ASC,
// created_at ASC). Archived tasks are excluded.
func (r *Repository) ListTasks(ctx context.Context, filter ListFilter) ([]*models.Task, error) {
	query := `SELECT * FROM tasks WHERE archived_at IS NULL`
	args := []any{}
	if filter.WorkspaceRoot != "" {
		query += ` AND workspace_root = ?`
		args = append(args, filter.WorkspaceRoot)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, filter.Status)
	}
	query += ` ORDER BY priority DESC, queue_order ASC, created_at ASC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	var tasks []*models.Task
	if err := r.reader.SelectContext(ctx, &tasks, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	return tasks, nil
}

// GetTask fetches one task by id.
func (r *Repository) GetTask(ctx context.Context, id string) (*models.Task, error) {
	var task models.Task
	err := r.reader.GetContext(ctx, &task, `SELECT * FROM tasks WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	return &task, nil
}

// ReorderPendingTasks permutes the queue orders of the given pending tasks to
// match the requested sequence. Ids that are not pending reject the whole
// reorder.
func (r *Repository) ReorderPendingTasks(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	return r.inTx(ctx, func(tx *sqlx.Tx) error {
		type row struct {
			ID         string `db:"id"`
			QueueOrder int64  `db:"queue_order"`
		}
		query, args, err := sqlx.In(
			`SELECT id, queue_order FROM tasks WHERE id IN (?) AND status = ?`,
			ids, models.TaskStatusPending)
		if err != nil {
			return err
		}
		var rows []row
		if err := tx.SelectContext(ctx, &rows, tx.Rebind(query), args...); err != nil {
			return fmt.Errorf("failed to load pending tasks: %w", err)
		}
		if len(rows) != len(ids) {
			return fmt.Errorf("%w: reorder includes non-pending tasks", ErrConflict)
		}

		// Reuse the existing order values: sort them and hand them out in the
		// requested sequence, so the permutation never collides with other
		// tasks.
		orders := make([]int64, 0, len(rows))
		for _, rw := range rows {
			orders = append(orders, rw.QueueOrder)
		}
		slices.Sort(orders)

		for i, id := range ids {
			if _, err := tx.ExecContext(ctx,
				`UPDATE tasks SET queue_order = ? WHERE id = ?`, orders[i], id); err != nil {
				return fmt.Errorf("failed to reorder task %s: %w", id, err)
			}
		}
		return nil
	})
}

// MovePendingTask swaps a pending task with its queue neighbor. Moving past
// the edge is a no-op.
func (r *Repository) MovePendingTask(ctx context.Context, id, direction string) error {
	if direction != "up" && direction != "down" {
		return fmt.Errorf("invalid direction %q", direction)
	}
	return r.inTx(ctx, func(tx *sqlx.Tx) error {
		var task models.Task
		err := tx.GetContext(ctx, &task, `SELECT * FROM tasks WHERE id = ?`, id)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		if err != nil {
			return err
		}
		if task.Status != models.TaskStatusPending {
			return fmt.Errorf("%w: task is %s", ErrConflict, task.Status)
		}

		cmp, order := "<", "DESC"
		if direction == "down" {
			cmp, order = ">", "ASC"
		}
		var neighbor models.Task
		err = tx.GetContext(ctx, &neighbor, fmt.Sprintf(
			`SELECT * FROM tasks WHERE status = ? AND queue_order %s ? ORDER BY queue_order %s LIMIT 1`,
			cmp, order),
			models.TaskStatusPending, task.QueueOrder)
		if errors.Is(err, sql.ErrNoRows) {
			return nil // already at the edge
		}
		if err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE tasks SET queue_order = ? WHERE id = ?`, neighbor.QueueOrder, task.ID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE tasks SET queue_order = ? WHERE id = ?`, task.QueueOrder, neighbor.ID); err != nil {
			return err
		}
		return nil
	})
}

// DequeueNextQueuedTask atomically promotes the head queued task to pending
// with a fresh queue order. Returns nil when nothing is queued.
func (r *Repository) DequeueNextQueuedTask(ctx context.Context, now time.Time) (*models.Task, error) {
	var task models.Task
	err := r.inTx(ctx, func(tx *sqlx.Tx) error {
		err := tx.GetContext(ctx, &task, `
			SELECT * FROM tasks WHERE status = ? AND archived_at IS NULL
			ORDER BY priority DESC, queue_order ASC, created_at ASC LIMIT 1`,
			models.TaskStatusQueued)
		if errors.Is(err, sql.ErrNoRows) {
			return sql.ErrNoRows
		}
		if err != nil {
			return err
		}

		order, err := nextQueueOrder(ctx, tx, now)
		if err != nil {
			return err
		}
		task.Status = models.TaskStatusPending
		task.QueueOrder = order
		_, err = tx.ExecContext(ctx,
			`UPDATE tasks SET status = ?, queue_order = ? WHERE id = ?`,
			task.Status, task.QueueOrder, task.ID)
		return err
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to dequeue: %w", err)
	}
	return &task, nil
}

// TaskUpdates is a partial patch for UpdateTask. Nil fields are untouched.
type TaskUpdates struct {
	Title          *string
	Prompt         *string
	Model          *string
	ModelParams    *string
	Priority       *int
	InheritContext *bool
	MaxRetries     *int
	AgentID        *string
	ThreadID       *string
}

// restricted reports whether the patch touches fields that are frozen once
// the task leaves pending.
func (u TaskUpdates) restricted() bool {
	return u.Title != nil || u.Prompt != nil || u.Model != nil ||
		u.Priority != nil || u.InheritContext != nil || u.MaxRetries != nil
}

// UpdateTask applies a partial patch. Edits to title, prompt, model,
// priority, inheritContext or maxRetries are rejected once the task is no
// longer pending.
func (r *Repository) UpdateTask(ctx context.Context, id string, updates TaskUpdates, now time.Time) (*models.Task, error) {
	err := r.inTx(ctx, func(tx *sqlx.Tx) error {
		var task models.Task
		err := tx.GetContext(ctx, &task, `SELECT * FROM tasks WHERE id = ?`, id)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		if err != nil {
			return err
		}
		if task.Status != models.TaskStatusPending && updates.restricted() {
			return fmt.Errorf("%w: cannot edit %s task", ErrConflict, task.Status)
		}

		apply := func(col string, val any) error {
			_, err := tx.ExecContext(ctx,
				fmt.Sprintf(`UPDATE tasks SET %s = ? WHERE id = ?`, col), val, id)
			return err
		}
		sets := []struct {
			col string
			val any
			set bool
		}{
			{"title", deref(updates.Title), updates.Title != nil},
			{"prompt", deref(updates.Prompt), updates.Prompt != nil},
			{"model", deref(updates.Model), updates.Model != nil},
			{"model_params", deref(updates.ModelParams), updates.ModelParams != nil},
			{"priority", derefInt(updates.Priority), updates.Priority != nil},
			{"inherit_context", derefBool(updates.InheritContext), updates.InheritContext != nil},
			{"max_retries", derefInt(updates.MaxRetries), updates.MaxRetries != nil},
			{"agent_id", deref(updates.AgentID), updates.AgentID != nil},
			{"thread_id", deref(updates.ThreadID), updates.ThreadID != nil},
		}
		for _, s := range sets {
			if !s.set {
				continue
			}
			if err := apply(s.col, s.val); err != nil {
				return fmt.Errorf("failed to update %s: %w", s.col, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return r.GetTask(ctx, id)
}

// SetStatus transitions a task, maintaining started/completed timestamps.
func (r *Repository) SetStatus(ctx context.Context, id string, status models.TaskStatus, now time.Time) error {
	set := `status = ?`
	args := []any{status}
	switch {
	case status == models.TaskStatusPlanning:
		set += `, started_at = COALESCE(started_at, ?)`
		args = append(args, now.UTC())
	case status.IsTerminal():
		set += `, completed_at = ?`
		args = append(args, now.UTC())
	}
	args = append(args, id)

	res, err := r.writer.ExecContext(ctx,
		fmt.Sprintf(`UPDATE tasks SET %s WHERE id = ?`, set), args...)
	if err != nil {
		return fmt.Errorf("failed to set status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// SetResult records the final output of a completed task.
func (r *Repository) SetResult(ctx context.Context, id, result string) error {
	_, err := r.writer.ExecContext(ctx, `UPDATE tasks SET result = ? WHERE id = ?`, result, id)
	return err
}

// SetError records the failure message of a task.
func (r *Repository) SetError(ctx context.Context, id, message string) error {
	_, err := r.writer.ExecContext(ctx, `UPDATE tasks SET error = ? WHERE id = ?`, message, id)
	return err
}

// RequeueForRetry increments the retry counter and sends the task back to
// pending at the tail of the queue.
func (r *Repository) RequeueForRetry(ctx context.Context, id string, now time.Time) error {
	return r.inTx(ctx, func(tx *sqlx.Tx) error {
		order, err := nextQueueOrder(ctx, tx, now)
		if err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE tasks SET status = ?, retry_count = retry_count + 1, queue_order = ?
			WHERE id = ?`,
			models.TaskStatusPending, order, id)
		if err != nil {
			return fmt.Errorf("failed to requeue: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil
	})
}

// MarkPromptInjected sets the injection timestamp at most once. Returns true
// when this call performed the set.
func (r *Repository) MarkPromptInjected(ctx context.Context, id string, now time.Time) (bool, error) {
	res, err := r.writer.ExecContext(ctx,
		`UPDATE tasks SET prompt_injected_at = ? WHERE id = ? AND prompt_injected_at IS NULL`,
		now.UTC(), id)
	if err != nil {
		return false, fmt.Errorf("failed to mark prompt injected: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// ArchiveTask stamps a terminal task as archived.
func (r *Repository) ArchiveTask(ctx context.Context, id string, now time.Time) error {
	res, err := r.writer.ExecContext(ctx,
		`UPDATE tasks SET archived_at = ? WHERE id = ? AND archived_at IS NULL`,
		now.UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to archive: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// AddMessage appends one conversation entry.
func (r *Repository) AddMessage(ctx context.Context, msg *models.Message) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	_, err := r.writer.NamedExecContext(ctx, `
		INSERT INTO messages (id, task_id, conversation_id, role, message_type, content, created_at)
		VALUES (:id, :task_id, :conversation_id, :role, :message_type, :content, :created_at)`,
		msg)
	if err != nil {
		return fmt.Errorf("failed to add message: %w", err)
	}
	return nil
}

// GetMessages returns a task's messages oldest first.
func (r *Repository) GetMessages(ctx context.Context, taskID string, limit int) ([]*models.Message, error) {
	query := `SELECT * FROM messages WHERE task_id = ? ORDER BY created_at ASC`
	args := []any{taskID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	var msgs []*models.Message
	if err := r.reader.SelectContext(ctx, &msgs, query, args...); err != nil {
		return nil, fmt.Errorf("failed to get messages: %w", err)
	}
	return msgs, nil
}

// GetConversationMessages returns a conversation's messages oldest first.
func (r *Repository) GetConversationMessages(ctx context.Context, conversationID string, limit int) ([]*models.Message, error) {
	query := `SELECT * FROM messages WHERE conversation_id = ? ORDER BY created_at ASC`
	args := []any{conversationID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	var msgs []*models.Message
	if err := r.reader.SelectContext(ctx, &msgs, query, args...); err != nil {
		return nil, fmt.Errorf("failed to get conversation messages: %w", err)
	}
	return msgs, nil
}

// SavePlan replaces a task's plan steps.
func (r *Repository) SavePlan(ctx context.Context, taskID string, steps []*models.PlanStep) error {
	return r.inTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM plan_steps WHERE task_id = ?`, taskID); err != nil {
			return err
		}
		for i, step := range steps {
			if step.ID == "" {
				step.ID = uuid.NewString()
			}
			step.TaskID = taskID
			step.StepIndex = i
			if step.CreatedAt.IsZero() {
				step.CreatedAt = time.Now().UTC()
			}
			if step.Status == "" {
				step.Status = "pending"
			}
			if _, err := tx.NamedExecContext(ctx, `
				INSERT INTO plan_steps (id, task_id, step_index, description, status, created_at)
				VALUES (:id, :task_id, :step_index, :description, :status, :created_at)`,
				step); err != nil {
				return fmt.Errorf("failed to save plan step: %w", err)
			}
		}
		return nil
	})
}

// GetPlan returns a task's plan steps in order.
func (r *Repository) GetPlan(ctx context.Context, taskID string) ([]*models.PlanStep, error) {
	var steps []*models.PlanStep
	err := r.reader.SelectContext(ctx, &steps,
		`SELECT * FROM plan_steps WHERE task_id = ? ORDER BY step_index ASC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to get plan: %w", err)
	}
	return steps, nil
}

// CompletePlanStep marks one step done.
func (r *Repository) CompletePlanStep(ctx context.Context, stepID string, now time.Time) error {
	_, err := r.writer.ExecContext(ctx,
		`UPDATE plan_steps SET status = 'completed', completed_at = ? WHERE id = ?`,
		now.UTC(), stepID)
	return err
}

// DeleteTask removes a task and everything hanging off it. Deleting an
// absent task is a no-op.
func (r *Repository) DeleteTask(ctx context.Context, id string) error {
	return r.inTx(ctx, func(tx *sqlx.Tx) error {
		// Dependent tasks cascade through the parent_task_id FK; attachment
		// rows are removed explicitly so their blobs can't leak references.
		if _, err := tx.ExecContext(ctx, `DELETE FROM attachments WHERE task_id = ?`, id); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
		return err
	})
}

// AddAttachment stores an attachment record.
func (r *Repository) AddAttachment(ctx context.Context, att *models.Attachment) error {
	if att.ID == "" {
		att.ID = uuid.NewString()
	}
	if att.CreatedAt.IsZero() {
		att.CreatedAt = time.Now().UTC()
	}
	_, err := r.writer.NamedExecContext(ctx, `
		INSERT INTO attachments (id, task_id, file_name, mime_type, size_bytes, storage_key, created_at)
		VALUES (:id, :task_id, :file_name, :mime_type, :size_bytes, :storage_key, :created_at)`,
		att)
	if err != nil {
		return fmt.Errorf("failed to add attachment: %w", err)
	}
	return nil
}

// PurgeArchivedCompletedTasksBatch deletes up to limit archived, completed
// tasks older than the cutoff and returns what was removed so the caller can
// reclaim attachment blobs.
func (r *Repository) PurgeArchivedCompletedTasksBatch(ctx context.Context, cutoff time.Time, limit int) (*models.PurgedBatch, error) {
	if limit <= 0 {
		limit = 100
	}
	batch := &models.PurgedBatch{}

	err := r.inTx(ctx, func(tx *sqlx.Tx) error {
		if err := tx.SelectContext(ctx, &batch.TaskIDs, `
			SELECT id FROM tasks
			WHERE status = ? AND archived_at IS NOT NULL AND archived_at < ?
			ORDER BY archived_at ASC LIMIT ?`,
			models.TaskStatusCompleted, cutoff.UTC(), limit); err != nil {
			return fmt.Errorf("failed to select purge batch: %w", err)
		}
		if len(batch.TaskIDs) == 0 {
			return nil
		}

		query, args, err := sqlx.In(
			`SELECT id, storage_key FROM attachments WHERE task_id IN (?)`, batch.TaskIDs)
		if err != nil {
			return err
		}
		if err := tx.SelectContext(ctx, &batch.Attachments, tx.Rebind(query), args...); err != nil {
			return fmt.Errorf("failed to select purge attachments: %w", err)
		}

		query, args, err = sqlx.In(`DELETE FROM attachments WHERE task_id IN (?)`, batch.TaskIDs)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, tx.Rebind(query), args...); err != nil {
			return err
		}

		query, args, err = sqlx.In(`DELETE FROM tasks WHERE id IN (?)`, batch.TaskIDs)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, tx.Rebind(query), args...)
		return err
	})
	if err != nil {
		return nil, err
	}
	return batch, nil
}

// GetActiveTaskID returns the id of the task currently planning or running,
// or empty.
func (r *Repository) GetActiveTaskID(ctx context.Context) (string, error) {
	var id string
	err := r.reader.GetContext(ctx, &id, `
		SELECT id FROM tasks WHERE status IN (?, ?) LIMIT 1`,
		models.TaskStatusPlanning, models.TaskStatusRunning)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get active task: %w", err)
	}
	return id, nil
}

func (r *Repository) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := r.writer.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func derefInt(i *int) int {
	if i == nil {
		return 0
	}
	return *i
}

func derefBool(b *bool) bool {
	if b == nil {
		return false
	}
	return *b
}

