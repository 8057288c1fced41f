package websocket

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/adsrv/adsrv/internal/common/logger"
	"github.com/adsrv/adsrv/internal/events/bus"
	"github.com/adsrv/adsrv/internal/task/service"
)

// clientEventNames maps internal bus subjects onto the names clients see.
var clientEventNames = map[string]string{
	service.SubjectTaskStarted:   "task:started",
	service.SubjectTaskPlanned:   "task:planned",
	service.SubjectTaskRunning:   "task:running",
	service.SubjectTaskUpdated:   "task:updated",
	service.SubjectTaskCompleted: "task:completed",
	service.SubjectTaskFailed:    "task:failed",
	service.SubjectTaskCancelled: "task:cancelled",
	service.SubjectStepStarted:   "step:started",
	service.SubjectStepCompleted: "step:completed",
	service.SubjectTaskMessage:   "task:message",
	service.SubjectTaskDelta:     "message:delta",
	service.SubjectTaskCommand:   "command",
}

// TaskEventBridge relays task lifecycle events from the bus onto the hub.
type TaskEventBridge struct {
	hub    *Hub
	bus    bus.EventBus
	subs   []bus.Subscription
	logger *logger.Logger
}

// NewTaskEventBridge creates the bridge.
func NewTaskEventBridge(hub *Hub, eventBus bus.EventBus, log *logger.Logger) *TaskEventBridge {
	return &TaskEventBridge{
		hub:    hub,
		bus:    eventBus,
		logger: log.WithFields(zap.String("component", "task-event-bridge")),
	}
}

// Start subscribes to all task subjects.
func (b *TaskEventBridge) Start() error {
	sub, err := b.bus.Subscribe("task.>", b.onEvent)
	if err != nil {
		return fmt.Errorf("failed to subscribe to task events: %w", err)
	}
	b.subs = append(b.subs, sub)
	return nil
}

// Close detaches the bridge.
func (b *TaskEventBridge) Close() {
	for _, s := range b.subs {
		_ = s.Unsubscribe()
	}
	b.subs = nil
}

// onEvent rebroadcasts one bus event to the workspace's connections. Bus
// delivery failures never propagate upward.
func (b *TaskEventBridge) onEvent(ctx context.Context, ev *bus.Event) error {
	name, ok := clientEventNames[ev.Type]
	if !ok {
		return nil
	}
	workspaceRoot := ev.String("workspace_root")
	if workspaceRoot == "" {
		return nil
	}

	frame, err := json.Marshal(map[string]any{
		"type": msgTaskEvent,
		"event": map[string]any{
			"name": name,
			"data": ev.Data,
		},
	})
	if err != nil {
		b.logger.Error("failed to marshal task event", zap.Error(err))
		return nil
	}

	broadcast := Broadcast{
		SessionID: DeriveSessionID(workspaceRoot),
		TaskEvent: true,
		Message:   frame,
	}
	// Terminal transitions leave a trace in connected sessions' histories.
	switch name {
	case "task:completed", "task:failed", "task:cancelled":
		broadcast.HistoryRole = "status"
		broadcast.HistoryText = name + " " + ev.String("task_id")
	}
	b.hub.Publish(broadcast)
	return nil
}
