package models

import "time"

// Notification is one outbox row for a task's terminal transition.
type Notification struct {
	TaskID        string     `json:"task_id" db:"task_id"`
	WorkspaceRoot string     `json:"workspace_root" db:"workspace_root"`
	Status        TaskStatus `json:"status" db:"status"`
	ProjectName   string     `json:"project_name" db:"project_name"`
	LastError     string     `json:"last_error,omitempty" db:"last_error"`
	RetryCount    int        `json:"retry_count" db:"retry_count"`
	StartedAt     *time.Time `json:"started_at,omitempty" db:"started_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty" db:"completed_at"`
	NextRetryAt   *time.Time `json:"next_retry_at,omitempty" db:"next_retry_at"`
	NotifiedAt    *time.Time `json:"notified_at,omitempty" db:"notified_at"`
}
