// Package service contains the task queue scheduler, the terminal-transition
// notifier and the archive purger.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/adsrv/adsrv/internal/common/logger"
	"github.com/adsrv/adsrv/internal/events/bus"
	"github.com/adsrv/adsrv/internal/locking"
	"github.com/adsrv/adsrv/internal/task/models"
	"github.com/adsrv/adsrv/internal/task/repository/sqlite"
)

// Bus subjects published by the queue. The WebSocket gateway re-labels these
// for clients.
const (
	SubjectTaskStarted   = "task.started"
	SubjectTaskPlanned   = "task.planned"
	SubjectTaskRunning   = "task.running"
	SubjectTaskUpdated   = "task.updated"
	SubjectTaskCompleted = "task.completed"
	SubjectTaskFailed    = "task.failed"
	SubjectTaskCancelled = "task.cancelled"
	SubjectStepStarted   = "task.step.started"
	SubjectStepCompleted = "task.step.completed"
	SubjectTaskMessage   = "task.message"
	SubjectTaskDelta     = "task.delta"
	SubjectTaskCommand   = "task.command"
)

// ErrQueueStopped is returned by control operations after Close.
var ErrQueueStopped = errors.New("task queue stopped")

// StepResult is what the executor produced for one plan step.
type StepResult struct {
	// Messages are persisted to the task conversation.
	Messages []string
	// Summary contributes to the task's final result.
	Summary string
}

// Planner decomposes a task into steps.
type Planner interface {
	Plan(ctx context.Context, task *models.Task) ([]*models.PlanStep, error)
}

// Executor runs one plan step.
type Executor interface {
	ExecuteStep(ctx context.Context, task *models.Task, step *models.PlanStep) (*StepResult, error)
}

// Queue schedules pending tasks one at a time, holding the picked task's
// workspace lock for the duration of the run.
type Queue struct {
	repo     *sqlite.Repository
	bus      bus.EventBus
	locks    *locking.Pool
	planner  Planner
	executor Executor
	logger   *logger.Logger

	mu                sync.Mutex
	queueRunning      bool
	pauseReason       string
	dequeueInProgress bool
	currentTaskID     string
	currentCancel     context.CancelFunc
	// singleTask, when set, pauses the queue again after that task's
	// terminal event.
	singleTask string

	notify chan struct{}
	done   chan struct{}
	wg     sync.WaitGroup
	closed bool
}

// QueueConfig wires a queue.
type QueueConfig struct {
	Repo     *sqlite.Repository
	Bus      bus.EventBus
	Locks    *locking.Pool
	Planner  Planner
	Executor Executor
	// AutoStart begins scheduling immediately.
	AutoStart bool
}

// NewQueue creates the scheduler. Call Run to start its loop.
func NewQueue(cfg QueueConfig, log *logger.Logger) *Queue {
	return &Queue{
		repo:         cfg.Repo,
		bus:          cfg.Bus,
		locks:        cfg.Locks,
		planner:      cfg.Planner,
		executor:     cfg.Executor,
		queueRunning: cfg.AutoStart,
		logger:       log.WithFields(zap.String("component", "task-queue")),
		notify:       make(chan struct{}, 1),
		done:         make(chan struct{}),
	}
}

// Run drives the scheduling loop until the context ends or Close is called.
func (q *Queue) Run(ctx context.Context) {
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		q.kick()
		for {
			select {
			case <-ctx.Done():
				return
			case <-q.done:
				return
			case <-q.notify:
				q.schedule(ctx)
			}
		}
	}()
}

// Close stops the loop and aborts the active task.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	cancel := q.currentCancel
	close(q.done)
	q.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	q.wg.Wait()
}

// Start resumes scheduling.
func (q *Queue) Start() {
	q.mu.Lock()
	q.queueRunning = true
	q.pauseReason = ""
	q.mu.Unlock()
	q.kick()
}

// Pause stops picking new tasks; the active task keeps running.
func (q *Queue) Pause(reason string) {
	q.mu.Lock()
	q.queueRunning = false
	q.pauseReason = reason
	q.mu.Unlock()
}

// Resume is Start under its control-surface name.
func (q *Queue) Resume() { q.Start() }

// Status is the queue's control-surface snapshot.
type Status struct {
	Running       bool   `json:"running"`
	PauseReason   string `json:"pause_reason,omitempty"`
	CurrentTaskID string `json:"current_task_id,omitempty"`
}

// Status reports the scheduler state.
func (q *Queue) Status() Status {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Status{
		Running:       q.queueRunning,
		PauseReason:   q.pauseReason,
		CurrentTaskID: q.currentTaskID,
	}
}

// NotifyNewTask wakes the scheduler.
func (q *Queue) NotifyNewTask() { q.kick() }

func (q *Queue) kick() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Retry sends a failed or cancelled task back to pending at the queue tail.
func (q *Queue) Retry(ctx context.Context, id string) error {
	task, err := q.repo.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if !task.Status.IsTerminal() {
		return fmt.Errorf("%w: task is %s", sqlite.ErrConflict, task.Status)
	}
	if err := q.repo.RequeueForRetry(ctx, id, time.Now()); err != nil {
		return err
	}
	q.publishTask(ctx, SubjectTaskUpdated, task, nil)
	q.kick()
	return nil
}

// Cancel aborts the task. The active task's context is cancelled; a waiting
// task transitions directly.
func (q *Queue) Cancel(ctx context.Context, id string) error {
	q.mu.Lock()
	active := q.currentTaskID == id
	cancel := q.currentCancel
	q.mu.Unlock()

	if active && cancel != nil {
		cancel()
		// The run loop owns the terminal transition for the active task.
		return nil
	}

	task, err := q.repo.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if task.Status.IsTerminal() {
		return nil
	}
	if err := q.repo.SetStatus(ctx, id, models.TaskStatusCancelled, time.Now()); err != nil {
		return err
	}
	q.publishTask(ctx, SubjectTaskCancelled, task, nil)
	return nil
}

// RunSingle executes exactly one task: the queue auto-resumes for its
// duration and is paused again on the task's terminal event. Idempotent when
// the same task is already running through the controller.
func (q *Queue) RunSingle(ctx context.Context, id string) error {
	if _, err := q.repo.GetTask(ctx, id); err != nil {
		return err
	}

	q.mu.Lock()
	if q.singleTask == id && q.currentTaskID == id {
		q.mu.Unlock()
		return nil
	}
	if q.currentTaskID != "" {
		q.mu.Unlock()
		return fmt.Errorf("%w: another task is active", sqlite.ErrConflict)
	}
	q.singleTask = id
	q.queueRunning = true
	q.mu.Unlock()

	// A queued target is promoted by pickNext's promotion pass.
	q.kick()
	return nil
}

// schedule performs one promotion-and-pick pass.
func (q *Queue) schedule(ctx context.Context) {
	q.mu.Lock()
	if !q.queueRunning || q.currentTaskID != "" || q.dequeueInProgress {
		q.mu.Unlock()
		return
	}
	q.dequeueInProgress = true
	single := q.singleTask
	q.mu.Unlock()

	task := q.pickNext(ctx, single)

	q.mu.Lock()
	q.dequeueInProgress = false
	if task == nil {
		q.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	q.currentTaskID = task.ID
	q.currentCancel = cancel
	q.mu.Unlock()

	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		// The task's workspace lock is held for the whole run, so interactive
		// turns on the same workspace wait instead of interleaving.
		err := q.locks.RunExclusive(runCtx, task.WorkspaceRoot, func() error {
			q.runTask(runCtx, task)
			return nil
		})
		if err != nil {
			// Lock acquisition aborted, typically a cancel while waiting.
			q.finishWithError(runCtx, task, err)
		}

		q.mu.Lock()
		q.currentTaskID = ""
		q.currentCancel = nil
		wasSingle := q.singleTask == task.ID
		if wasSingle {
			q.singleTask = ""
			q.queueRunning = false
			q.pauseReason = "single-task run finished"
		}
		q.mu.Unlock()

		cancel()
		if !wasSingle {
			q.kick()
		}
	}()
}

// pickNext promotes queued tasks into pending and returns the
// highest-priority pending task. The scheduler goroutine is the only caller,
// so the store mutations here need no extra lock; the picked task's workspace
// lock is taken for the execution itself.
func (q *Queue) pickNext(ctx context.Context, single string) *models.Task {
	// Promotion pass.
	for {
		promoted, err := q.repo.DequeueNextQueuedTask(ctx, time.Now())
		if err != nil {
			q.logger.Error("scheduling pass failed", zap.Error(err))
			return nil
		}
		if promoted == nil {
			break
		}
		q.publishTask(ctx, SubjectTaskUpdated, promoted, map[string]any{
			"status": string(promoted.Status),
		})
	}

	if single != "" {
		task, err := q.repo.GetTask(ctx, single)
		if err != nil {
			q.logger.Error("scheduling pass failed", zap.Error(err))
			return nil
		}
		if task.Status != models.TaskStatusPending {
			q.logger.Error("scheduling pass failed",
				zap.Error(fmt.Errorf("%w: single task is %s", sqlite.ErrConflict, task.Status)))
			return nil
		}
		return task
	}

	pending, err := q.repo.ListTasks(ctx, sqlite.ListFilter{
		Status: models.TaskStatusPending,
		Limit:  1,
	})
	if err != nil {
		q.logger.Error("scheduling pass failed", zap.Error(err))
		return nil
	}
	if len(pending) > 0 {
		return pending[0]
	}
	return nil
}

// runTask drives one task through planning, execution and its terminal
// transition.
func (q *Queue) runTask(ctx context.Context, task *models.Task) {
	log := q.logger.WithTaskID(task.ID)
	now := time.Now()

	if err := q.repo.SetStatus(ctx, task.ID, models.TaskStatusPlanning, now); err != nil {
		log.Error("failed to enter planning", zap.Error(err))
		return
	}
	q.publishTask(ctx, SubjectTaskStarted, task, nil)

	// First pickup of this task injects the prompt exactly once; retries of
	// the same task must not re-inject.
	injected, err := q.repo.MarkPromptInjected(ctx, task.ID, now)
	if err != nil {
		log.Warn("prompt injection bookkeeping failed", zap.Error(err))
	}

	steps, err := q.planner.Plan(ctx, task)
	if err != nil {
		q.finishWithError(ctx, task, err)
		return
	}
	if err := q.repo.SavePlan(ctx, task.ID, steps); err != nil {
		q.finishWithError(ctx, task, err)
		return
	}
	q.publishTask(ctx, SubjectTaskPlanned, task, map[string]any{
		"steps":           len(steps),
		"prompt_injected": injected,
	})

	if err := q.repo.SetStatus(ctx, task.ID, models.TaskStatusRunning, time.Now()); err != nil {
		q.finishWithError(ctx, task, err)
		return
	}
	q.publishTask(ctx, SubjectTaskRunning, task, nil)

	var summaries []string
	for _, step := range steps {
		q.publishTask(ctx, SubjectStepStarted, task, map[string]any{
			"step_id": step.ID, "description": step.Description,
		})

		res, err := q.executor.ExecuteStep(ctx, task, step)
		if err != nil {
			q.finishWithError(ctx, task, err)
			return
		}
		for _, msg := range res.Messages {
			m := &models.Message{
				TaskID:      task.ID,
				Role:        models.MessageRoleAssistant,
				MessageType: models.MessageTypeStep,
				Content:     msg,
			}
			if err := q.repo.AddMessage(ctx, m); err != nil {
				log.Warn("failed to persist step message", zap.Error(err))
			}
			q.publishTask(ctx, SubjectTaskMessage, task, map[string]any{"content": msg})
		}
		if res.Summary != "" {
			summaries = append(summaries, res.Summary)
		}
		if err := q.repo.CompletePlanStep(ctx, step.ID, time.Now()); err != nil {
			log.Warn("failed to complete plan step", zap.Error(err))
		}
		q.publishTask(ctx, SubjectStepCompleted, task, map[string]any{"step_id": step.ID})
	}

	result := strings.Join(summaries, "\n")
	if err := q.repo.SetResult(ctx, task.ID, result); err != nil {
		log.Warn("failed to store result", zap.Error(err))
	}
	if err := q.repo.SetStatus(ctx, task.ID, models.TaskStatusCompleted, time.Now()); err != nil {
		log.Error("failed to complete task", zap.Error(err))
		return
	}
	q.publishTask(ctx, SubjectTaskCompleted, task, map[string]any{"result": result})
	log.Info("task completed")
}

// finishWithError applies the retry policy: transient failures requeue until
// maxRetries, then the task fails terminally. Cancellation is terminal
// immediately.
func (q *Queue) finishWithError(ctx context.Context, task *models.Task, cause error) {
	log := q.logger.WithTaskID(task.ID)
	// The run context died with the cancel; terminal bookkeeping still has
	// to go through.
	bg := context.WithoutCancel(ctx)

	if errors.Is(cause, context.Canceled) {
		if err := q.repo.SetStatus(bg, task.ID, models.TaskStatusCancelled, time.Now()); err != nil {
			log.Error("failed to mark cancelled", zap.Error(err))
		}
		q.publishTask(bg, SubjectTaskCancelled, task, nil)
		log.Info("task cancelled")
		return
	}

	_ = q.repo.SetError(bg, task.ID, cause.Error())

	fresh, err := q.repo.GetTask(bg, task.ID)
	if err != nil {
		log.Error("failed to reload task", zap.Error(err))
		return
	}
	if fresh.RetryCount < fresh.MaxRetries {
		if err := q.repo.RequeueForRetry(bg, task.ID, time.Now()); err != nil {
			log.Error("failed to requeue", zap.Error(err))
			return
		}
		q.publishTask(bg, SubjectTaskFailed, task, map[string]any{
			"error":    cause.Error(),
			"terminal": false,
			"retry":    fresh.RetryCount + 1,
		})
		log.Warn("task failed, requeued", zap.Error(cause), zap.Int("retry", fresh.RetryCount+1))
		return
	}

	if err := q.repo.SetStatus(bg, task.ID, models.TaskStatusFailed, time.Now()); err != nil {
		log.Error("failed to mark failed", zap.Error(err))
		return
	}
	q.publishTask(bg, SubjectTaskFailed, task, map[string]any{
		"error":    cause.Error(),
		"terminal": true,
	})
	log.Error("task failed terminally", zap.Error(cause))
}

// publishTask stamps every event with the task's workspace root; the gateway
// bridge routes on it.
func (q *Queue) publishTask(ctx context.Context, subject string, task *models.Task, data map[string]any) {
	payload := map[string]any{
		"task_id":        task.ID,
		"workspace_root": task.WorkspaceRoot,
	}
	for k, v := range data {
		payload[k] = v
	}
	if err := q.bus.Publish(ctx, subject, bus.NewEvent(subject, "task-queue", payload)); err != nil {
		q.logger.Warn("failed to publish task event",
			zap.String("subject", subject), zap.Error(err))
	}
}
