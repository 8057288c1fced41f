package sqlite

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
    id                 TEXT PRIMARY KEY,
    title              TEXT NOT NULL,
    prompt             TEXT NOT NULL,
    model              TEXT NOT NULL DEFAULT '',
    model_params       TEXT NOT NULL DEFAULT '',
    status             TEXT NOT NULL DEFAULT 'pending',
    priority           INTEGER NOT NULL DEFAULT 0,
    queue_order        INTEGER NOT NULL,
    inherit_context    INTEGER NOT NULL DEFAULT 0,
    agent_id           TEXT NOT NULL DEFAULT '',
    retry_count        INTEGER NOT NULL DEFAULT 0,
    max_retries        INTEGER NOT NULL DEFAULT 0,
    workspace_root     TEXT NOT NULL DEFAULT '',
    parent_task_id     TEXT REFERENCES tasks(id) ON DELETE CASCADE,
    thread_id          TEXT NOT NULL DEFAULT '',
    result             TEXT NOT NULL DEFAULT '',
    error              TEXT NOT NULL DEFAULT '',
    prompt_injected_at TIMESTAMP,
    created_at         TIMESTAMP NOT NULL,
    started_at         TIMESTAMP,
    completed_at       TIMESTAMP,
    archived_at        TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
CREATE INDEX IF NOT EXISTS idx_tasks_queue ON tasks(priority DESC, queue_order ASC, created_at ASC);
CREATE INDEX IF NOT EXISTS idx_tasks_archived ON tasks(archived_at) WHERE archived_at IS NOT NULL;

CREATE TABLE IF NOT EXISTS plan_steps (
    id           TEXT PRIMARY KEY,
    task_id      TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
    step_index   INTEGER NOT NULL,
    description  TEXT NOT NULL,
    status       TEXT NOT NULL DEFAULT 'pending',
    created_at   TIMESTAMP NOT NULL,
    completed_at TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_plan_steps_task ON plan_steps(task_id, step_index);

CREATE TABLE IF NOT EXISTS messages (
    id              TEXT PRIMARY KEY,
    task_id         TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
    conversation_id TEXT NOT NULL DEFAULT '',
    role            TEXT NOT NULL,
    message_type    TEXT NOT NULL DEFAULT 'chat',
    content         TEXT NOT NULL,
    created_at      TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_messages_task ON messages(task_id, created_at);
CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, created_at);

CREATE TABLE IF NOT EXISTS attachments (
    id          TEXT PRIMARY KEY,
    task_id     TEXT REFERENCES tasks(id) ON DELETE SET NULL,
    file_name   TEXT NOT NULL,
    mime_type   TEXT NOT NULL DEFAULT '',
    size_bytes  INTEGER NOT NULL DEFAULT 0,
    storage_key TEXT NOT NULL,
    created_at  TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS task_notifications (
    task_id        TEXT PRIMARY KEY,
    workspace_root TEXT NOT NULL,
    status         TEXT NOT NULL,
    project_name   TEXT NOT NULL DEFAULT '',
    last_error     TEXT NOT NULL DEFAULT '',
    retry_count    INTEGER NOT NULL DEFAULT 0,
    started_at     TIMESTAMP,
    completed_at   TIMESTAMP,
    next_retry_at  TIMESTAMP,
    notified_at    TIMESTAMP
);
`

// InitSchema creates all task tables.
func InitSchema(ctx context.Context, conn *sqlx.DB) error {
	if _, err := conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize task schema: %w", err)
	}
	return nil
}
