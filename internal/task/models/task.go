// Package models defines the task domain types shared by the store, queue
// and HTTP layer.
package models

import "time"

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	// TaskStatusQueued tasks wait behind the pending set and are promoted in
	// order.
	TaskStatusQueued TaskStatus = "queued"
	// TaskStatusPending tasks are eligible for pickup by the queue.
	TaskStatusPending TaskStatus = "pending"
	// TaskStatusPlanning tasks are being decomposed into steps.
	TaskStatusPlanning TaskStatus = "planning"
	// TaskStatusRunning tasks have an executor working through their steps.
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
)

// IsTerminal reports whether the status is final.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed || s == TaskStatusCancelled
}

// IsActive reports whether a task in this status occupies the queue.
func (s TaskStatus) IsActive() bool {
	return s == TaskStatusPlanning || s == TaskStatusRunning
}

// EditableWhilePending are the fields updateTask refuses to change once a
// task has left pending.
var EditableWhilePending = []string{"title", "prompt", "model", "priority", "inherit_context", "max_retries"}

// Task is one unit of queued agent work.
type Task struct {
	ID               string     `json:"id" db:"id"`
	Title            string     `json:"title" db:"title"`
	Prompt           string     `json:"prompt" db:"prompt"`
	Model            string     `json:"model,omitempty" db:"model"`
	ModelParams      string     `json:"model_params,omitempty" db:"model_params"`
	Status           TaskStatus `json:"status" db:"status"`
	Priority         int        `json:"priority" db:"priority"`
	QueueOrder       int64      `json:"queue_order" db:"queue_order"`
	InheritContext   bool       `json:"inherit_context" db:"inherit_context"`
	AgentID          string     `json:"agent_id,omitempty" db:"agent_id"`
	RetryCount       int        `json:"retry_count" db:"retry_count"`
	MaxRetries       int        `json:"max_retries" db:"max_retries"`
	WorkspaceRoot    string     `json:"workspace_root" db:"workspace_root"`
	ParentTaskID     *string    `json:"parent_task_id,omitempty" db:"parent_task_id"`
	ThreadID         string     `json:"thread_id,omitempty" db:"thread_id"`
	Result           string     `json:"result,omitempty" db:"result"`
	Error            string     `json:"error,omitempty" db:"error"`
	PromptInjectedAt *time.Time `json:"prompt_injected_at,omitempty" db:"prompt_injected_at"`
	CreatedAt        time.Time  `json:"created_at" db:"created_at"`
	StartedAt        *time.Time `json:"started_at,omitempty" db:"started_at"`
	CompletedAt      *time.Time `json:"completed_at,omitempty" db:"completed_at"`
	ArchivedAt       *time.Time `json:"archived_at,omitempty" db:"archived_at"`
}

// PlanStep is one step of a planned task.
type PlanStep struct {
	ID          string     `json:"id" db:"id"`
	TaskID      string     `json:"task_id" db:"task_id"`
	StepIndex   int        `json:"step_index" db:"step_index"`
	Description string     `json:"description" db:"description"`
	Status      string     `json:"status" db:"status"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty" db:"completed_at"`
}

// MessageRole identifies the author of a conversation message.
type MessageRole string

const (
	MessageRoleUser      MessageRole = "user"
	MessageRoleAssistant MessageRole = "assistant"
	MessageRoleSystem    MessageRole = "system"
)

// MessageType distinguishes chat from execution transcripts.
type MessageType string

const (
	MessageTypeChat   MessageType = "chat"
	MessageTypeStep   MessageType = "step"
	MessageTypeResult MessageType = "result"
)

// Message is one conversation entry attached to a task.
type Message struct {
	ID             string      `json:"id" db:"id"`
	TaskID         string      `json:"task_id" db:"task_id"`
	ConversationID string      `json:"conversation_id" db:"conversation_id"`
	Role           MessageRole `json:"role" db:"role"`
	MessageType    MessageType `json:"message_type" db:"message_type"`
	Content        string      `json:"content" db:"content"`
	CreatedAt      time.Time   `json:"created_at" db:"created_at"`
}

// Attachment is a stored blob referenced by a task.
type Attachment struct {
	ID         string    `json:"id" db:"id"`
	TaskID     *string   `json:"task_id,omitempty" db:"task_id"`
	FileName   string    `json:"file_name" db:"file_name"`
	MimeType   string    `json:"mime_type" db:"mime_type"`
	SizeBytes  int64     `json:"size_bytes" db:"size_bytes"`
	StorageKey string    `json:"storage_key" db:"storage_key"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}

// PurgedBatch is the result of one archive-purge pass: tasks removed from the
// store and the attachment blobs whose files still need reclaiming.
type PurgedBatch struct {
	TaskIDs     []string
	Attachments []PurgedAttachment
}

// PurgedAttachment identifies one blob to delete from disk.
type PurgedAttachment struct {
	ID         string `db:"id"`
	StorageKey string `db:"storage_key"`
}
