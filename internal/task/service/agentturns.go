package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/adsrv/adsrv/internal/agent"
	"github.com/adsrv/adsrv/internal/common/logger"
	"github.com/adsrv/adsrv/internal/events/bus"
	"github.com/adsrv/adsrv/internal/task/models"
)

// planStepCap bounds how many steps a plan turn may produce.
const planStepCap = 10

// stepSummaryMaxChars bounds the per-step contribution to the task result.
const stepSummaryMaxChars = 400

// AgentTurns implements Planner and Executor by running prompt turns on a
// dedicated orchestrator. Plan and step turns share the orchestrator's
// conversation thread, so step turns see the plan they came from. Step turns
// stream: agent output and command activity go out on the bus as they happen.
type AgentTurns struct {
	orch         *agent.Orchestrator
	bus          bus.EventBus
	planModel    string
	defaultModel string
	logger       *logger.Logger
}

// NewAgentTurns creates the planner/executor pair backing the task queue.
// A nil event bus disables mid-turn streaming.
func NewAgentTurns(orch *agent.Orchestrator, eventBus bus.EventBus, planModel, defaultModel string, log *logger.Logger) *AgentTurns {
	return &AgentTurns{
		orch:         orch,
		bus:          eventBus,
		planModel:    planModel,
		defaultModel: defaultModel,
		logger:       log.WithFields(zap.String("component", "agent-turns")),
	}
}

// Plan asks the agent for a short numbered plan and parses it into steps.
// A response without any numbered lines degrades to a single-step plan that
// carries the whole prompt.
func (a *AgentTurns) Plan(ctx context.Context, task *models.Task) ([]*models.PlanStep, error) {
	a.prepareTurn(task, a.planModel)
	if !task.InheritContext {
		a.orch.Reset()
	}

	prompt := fmt.Sprintf(
		"Plan the following task as a short numbered list of concrete steps, at most %d. "+
			"One line per step, no prose before or after the list.\n\nTask: %s",
		planStepCap, task.Prompt)

	res, err := a.orch.Send(ctx, agent.TextInput(prompt), agent.SendOptions{})
	if err != nil {
		return nil, fmt.Errorf("plan turn failed: %w", err)
	}

	descriptions := parsePlanLines(res.Response)
	if len(descriptions) == 0 {
		descriptions = []string{task.Prompt}
	}
	if len(descriptions) > planStepCap {
		descriptions = descriptions[:planStepCap]
	}

	now := time.Now().UTC()
	steps := make([]*models.PlanStep, 0, len(descriptions))
	for i, d := range descriptions {
		steps = append(steps, &models.PlanStep{
			ID:          uuid.NewString(),
			TaskID:      task.ID,
			StepIndex:   i,
			Description: d,
			Status:      "pending",
			CreatedAt:   now,
		})
	}
	a.logger.Debug("task planned",
		zap.String("task_id", task.ID),
		zap.Int("steps", len(steps)))
	return steps, nil
}

// ExecuteStep runs one step as a streaming prompt turn and reports the
// agent's answer as the step's message and summary.
func (a *AgentTurns) ExecuteStep(ctx context.Context, task *models.Task, step *models.PlanStep) (*StepResult, error) {
	a.prepareTurn(task, "")

	unsubscribe := a.orch.OnEvent(a.stepEventRelay(ctx, task))
	defer unsubscribe()

	prompt := fmt.Sprintf("Execute step %d of the plan: %s", step.StepIndex+1, step.Description)
	res, err := a.orch.Send(ctx, agent.TextInput(prompt), agent.SendOptions{Streaming: true})
	if err != nil {
		return nil, fmt.Errorf("step %d failed: %w", step.StepIndex+1, err)
	}

	response := strings.TrimSpace(res.Response)
	result := &StepResult{Summary: summarize(response)}
	if response != "" {
		result.Messages = []string{response}
	}
	return result, nil
}

// stepEventRelay turns mid-turn adapter events into bus events. Message items
// carry cumulative text, so only the suffix beyond the last snapshot is
// published as a delta.
func (a *AgentTurns) stepEventRelay(ctx context.Context, task *models.Task) agent.Handler {
	seen := make(map[string]string)
	var mu sync.Mutex

	return func(ev agent.Event) {
		if a.bus == nil || ev.Item == nil {
			return
		}
		switch ev.Item.Type {
		case agent.ItemAgentMessage:
			mu.Lock()
			last := seen[ev.Item.ID]
			delta := ev.Item.Text
			if strings.HasPrefix(ev.Item.Text, last) {
				delta = ev.Item.Text[len(last):]
			}
			if len(ev.Item.Text) > len(last) {
				seen[ev.Item.ID] = ev.Item.Text
			}
			mu.Unlock()
			if delta == "" {
				return
			}
			a.publishStepEvent(ctx, SubjectTaskDelta, task, map[string]any{"delta": delta})

		case agent.ItemCommandExecution:
			data := map[string]any{
				"command": ev.Item.Command,
				"status":  ev.Item.Status,
			}
			if ev.Item.ExitCode != nil {
				data["exit_code"] = *ev.Item.ExitCode
			}
			a.publishStepEvent(ctx, SubjectTaskCommand, task, data)
		}
	}
}

func (a *AgentTurns) publishStepEvent(ctx context.Context, subject string, task *models.Task, data map[string]any) {
	payload := map[string]any{
		"task_id":        task.ID,
		"workspace_root": task.WorkspaceRoot,
	}
	for k, v := range data {
		payload[k] = v
	}
	if err := a.bus.Publish(ctx, subject, bus.NewEvent(subject, "agent-turns", payload)); err != nil {
		a.logger.Warn("failed to publish step event",
			zap.String("subject", subject), zap.Error(err))
	}
}

// prepareTurn points the orchestrator at the task's workspace and model. The
// model override argument wins over the task's own model.
func (a *AgentTurns) prepareTurn(task *models.Task, override string) {
	if task.WorkspaceRoot != "" {
		a.orch.SetWorkingDirectory(task.WorkspaceRoot)
	}
	model := override
	if model == "" {
		model = task.Model
	}
	if model == "" {
		model = a.defaultModel
	}
	a.orch.SetModel(model)
}

// parsePlanLines extracts the step descriptions from a numbered-list response.
func parsePlanLines(response string) []string {
	var out []string
	for _, line := range strings.Split(response, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		rest, ok := stripListMarker(line)
		if !ok || rest == "" {
			continue
		}
		out = append(out, rest)
	}
	return out
}

// stripListMarker removes a leading "1." / "2)" / "-" marker and reports
// whether the line looked like a list item at all.
func stripListMarker(line string) (string, bool) {
	if strings.HasPrefix(line, "- ") {
		return strings.TrimSpace(line[2:]), true
	}
	i := 0
	for i < len(line) && line[i] >= '0' && line[i] <= '9' {
		i++
	}
	if i == 0 || i >= len(line) {
		return "", false
	}
	if line[i] != '.' && line[i] != ')' {
		return "", false
	}
	return strings.TrimSpace(line[i+1:]), true
}

// summarize keeps the first line of a response, clipped to a sane length.
func summarize(response string) string {
	line := response
	if idx := strings.IndexByte(line, '\n'); idx >= 0 {
		line = line[:idx]
	}
	line = strings.TrimSpace(line)
	if len(line) > stepSummaryMaxChars {
		line = line[:stepSummaryMaxChars]
	}
	return line
}
