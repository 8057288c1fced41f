// Package handlers exposes the task queue over HTTP.
package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/adsrv/adsrv/internal/common/logger"
	"github.com/adsrv/adsrv/internal/events/bus"
	"github.com/adsrv/adsrv/internal/task/models"
	"github.com/adsrv/adsrv/internal/task/repository/sqlite"
	"github.com/adsrv/adsrv/internal/task/service"
)

// TaskHandler serves /api/tasks and /api/task-queue.
type TaskHandler struct {
	repo   *sqlite.Repository
	queue  *service.Queue
	bus    bus.EventBus
	logger *logger.Logger
}

// NewTaskHandler creates the handler.
func NewTaskHandler(repo *sqlite.Repository, queue *service.Queue, eventBus bus.EventBus, log *logger.Logger) *TaskHandler {
	return &TaskHandler{
		repo:   repo,
		queue:  queue,
		bus:    eventBus,
		logger: log.WithFields(zap.String("component", "task-api")),
	}
}

// RegisterRoutes mounts the task API.
func (h *TaskHandler) RegisterRoutes(r gin.IRouter) {
	tasks := r.Group("/api/tasks")
	{
		tasks.GET("", h.listTasks)
		tasks.POST("", h.createTask)
		tasks.POST("/reorder", h.reorderTasks)
		tasks.GET("/:id", h.getTask)
		tasks.PATCH("/:id", h.patchTask)
		tasks.DELETE("/:id", h.deleteTask)
		tasks.GET("/:id/plan", h.getPlan)
		tasks.POST("/:id/retry", h.retryTask)
		tasks.POST("/:id/run", h.runTask)
		tasks.POST("/:id/rerun", h.rerunTask)
		tasks.POST("/:id/move", h.moveTask)
		tasks.POST("/:id/chat", h.chatTask)
	}
	queue := r.Group("/api/task-queue")
	{
		queue.GET("/status", h.queueStatus)
		queue.POST("/status", h.queueStatus)
		queue.GET("/run", h.queueRun)
		queue.POST("/run", h.queueRun)
		queue.GET("/pause", h.queuePause)
		queue.POST("/pause", h.queuePause)
	}
}

// respondErr maps repository errors onto the stable {error: message} body.
func (h *TaskHandler) respondErr(c *gin.Context, err error) {
	switch {
	case errors.Is(err, sqlite.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, sqlite.ErrConflict), errors.Is(err, sqlite.ErrAttachmentConflict):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		h.logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "request failed"})
	}
}

func (h *TaskHandler) listTasks(c *gin.Context) {
	filter := sqlite.ListFilter{
		WorkspaceRoot: c.Query("workspace"),
		Status:        models.TaskStatus(c.Query("status")),
	}
	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		filter.Limit = limit
	}

	tasks, err := h.repo.ListTasks(c.Request.Context(), filter)
	if err != nil {
		h.respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tasks": tasks})
}

type createTaskRequest struct {
	Prompt         string   `json:"prompt" binding:"required"`
	Title          string   `json:"title"`
	Model          string   `json:"model"`
	Priority       int      `json:"priority"`
	InheritContext bool     `json:"inheritContext"`
	MaxRetries     int      `json:"maxRetries"`
	Attachments    []string `json:"attachments"`
	WorkspaceRoot  string   `json:"workspaceRoot"`
}

func (h *TaskHandler) createTask(c *gin.Context) {
	var req createTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	task, err := h.repo.CreateTask(c.Request.Context(), sqlite.CreateTaskInput{
		Title:          req.Title,
		Prompt:         req.Prompt,
		Model:          req.Model,
		Priority:       req.Priority,
		InheritContext: req.InheritContext,
		MaxRetries:     req.MaxRetries,
		WorkspaceRoot:  req.WorkspaceRoot,
		AttachmentIDs:  req.Attachments,
	}, time.Now(), nil)
	if err != nil {
		h.respondErr(c, err)
		return
	}

	h.queue.NotifyNewTask()
	c.JSON(http.StatusCreated, task)
}

func (h *TaskHandler) getTask(c *gin.Context) {
	task, err := h.repo.GetTask(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

func (h *TaskHandler) getPlan(c *gin.Context) {
	if _, err := h.repo.GetTask(c.Request.Context(), c.Param("id")); err != nil {
		h.respondErr(c, err)
		return
	}
	steps, err := h.repo.GetPlan(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"steps": steps})
}

type patchTaskRequest struct {
	Action string `json:"action"`

	Title          *string `json:"title"`
	Prompt         *string `json:"prompt"`
	Model          *string `json:"model"`
	Priority       *int    `json:"priority"`
	InheritContext *bool   `json:"inheritContext"`
	MaxRetries     *int    `json:"maxRetries"`
	AgentID        *string `json:"agentId"`
	ThreadID       *string `json:"threadId"`
}

func (h *TaskHandler) patchTask(c *gin.Context) {
	id := c.Param("id")
	var req patchTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	switch req.Action {
	case "cancel":
		if err := h.queue.Cancel(c.Request.Context(), id); err != nil {
			h.respondErr(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "cancelled"})
		return
	case "pause":
		h.queue.Pause("paused via task API")
		c.JSON(http.StatusOK, h.queue.Status())
		return
	case "resume":
		h.queue.Resume()
		c.JSON(http.StatusOK, h.queue.Status())
		return
	case "":
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown action: " + req.Action})
		return
	}

	task, err := h.repo.UpdateTask(c.Request.Context(), id, sqlite.TaskUpdates{
		Title:          req.Title,
		Prompt:         req.Prompt,
		Model:          req.Model,
		Priority:       req.Priority,
		InheritContext: req.InheritContext,
		MaxRetries:     req.MaxRetries,
		AgentID:        req.AgentID,
		ThreadID:       req.ThreadID,
	}, time.Now())
	if err != nil {
		h.respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

func (h *TaskHandler) deleteTask(c *gin.Context) {
	if err := h.repo.DeleteTask(c.Request.Context(), c.Param("id")); err != nil {
		h.respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

func (h *TaskHandler) retryTask(c *gin.Context) {
	if err := h.queue.Retry(c.Request.Context(), c.Param("id")); err != nil {
		h.respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "queued"})
}

func (h *TaskHandler) runTask(c *gin.Context) {
	if err := h.queue.RunSingle(c.Request.Context(), c.Param("id")); err != nil {
		h.respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "running"})
}

// rerunTask requeues a finished task and runs it exclusively.
func (h *TaskHandler) rerunTask(c *gin.Context) {
	id := c.Param("id")
	if err := h.queue.Retry(c.Request.Context(), id); err != nil {
		h.respondErr(c, err)
		return
	}
	if err := h.queue.RunSingle(c.Request.Context(), id); err != nil {
		h.respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "running"})
}

type reorderRequest struct {
	IDs []string `json:"ids" binding:"required"`
}

func (h *TaskHandler) reorderTasks(c *gin.Context) {
	var req reorderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.repo.ReorderPendingTasks(c.Request.Context(), req.IDs); err != nil {
		h.respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "reordered"})
}

type moveRequest struct {
	Direction string `json:"direction" binding:"required"`
}

func (h *TaskHandler) moveTask(c *gin.Context) {
	var req moveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Direction != "up" && req.Direction != "down" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "direction must be up or down"})
		return
	}
	if h.queue.Status().Running {
		c.JSON(http.StatusConflict, gin.H{"error": "queue is running; pause it before moving tasks"})
		return
	}
	if err := h.repo.MovePendingTask(c.Request.Context(), c.Param("id"), req.Direction); err != nil {
		h.respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "moved"})
}

type chatRequest struct {
	Content string `json:"content" binding:"required"`
}

func (h *TaskHandler) chatTask(c *gin.Context) {
	id := c.Param("id")
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	task, err := h.repo.GetTask(c.Request.Context(), id)
	if err != nil {
		h.respondErr(c, err)
		return
	}
	if task.Status == models.TaskStatusCancelled {
		c.JSON(http.StatusConflict, gin.H{"error": "task is cancelled"})
		return
	}

	msg := &models.Message{
		TaskID:      task.ID,
		Role:        models.MessageRoleUser,
		MessageType: models.MessageTypeChat,
		Content:     req.Content,
	}
	if err := h.repo.AddMessage(c.Request.Context(), msg); err != nil {
		h.respondErr(c, err)
		return
	}

	if h.bus != nil {
		ev := bus.NewEvent(service.SubjectTaskMessage, "task-api", map[string]interface{}{
			"task_id":        task.ID,
			"workspace_root": task.WorkspaceRoot,
			"content":        req.Content,
			"role":           string(models.MessageRoleUser),
		})
		if err := h.bus.Publish(c.Request.Context(), service.SubjectTaskMessage, ev); err != nil {
			h.logger.Warn("failed to publish chat message", zap.Error(err))
		}
	}
	c.JSON(http.StatusOK, msg)
}

func (h *TaskHandler) queueStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.queue.Status())
}

func (h *TaskHandler) queueRun(c *gin.Context) {
	h.queue.Start()
	c.JSON(http.StatusOK, h.queue.Status())
}

func (h *TaskHandler) queuePause(c *gin.Context) {
	h.queue.Pause(c.DefaultQuery("reason", "paused via API"))
	c.JSON(http.StatusOK, h.queue.Status())
}
