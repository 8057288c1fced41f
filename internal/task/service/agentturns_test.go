package service

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adsrv/adsrv/internal/agent"
	"github.com/adsrv/adsrv/internal/events/bus"
	"github.com/adsrv/adsrv/internal/task/models"
)

// cannedAdapter answers each Send with the next canned response, emitting the
// matching slice of mid-turn events first.
type cannedAdapter struct {
	responses []string
	turnEvs   [][]agent.Event
	prompts   []string
	handlers  []agent.Handler
	model     string
	workDir   string
	resets    int
}

func (a *cannedAdapter) ID() string { return "canned" }

func (a *cannedAdapter) Send(ctx context.Context, input agent.Input, opts agent.SendOptions) (*agent.SendResult, error) {
	a.prompts = append(a.prompts, input.Text())
	if len(a.turnEvs) > 0 {
		var evs []agent.Event
		evs, a.turnEvs = a.turnEvs[0], a.turnEvs[1:]
		for _, ev := range evs {
			for _, h := range a.handlers {
				h(ev)
			}
		}
	}
	resp := ""
	if len(a.responses) > 0 {
		resp, a.responses = a.responses[0], a.responses[1:]
	}
	return &agent.SendResult{Response: resp}, nil
}

func (a *cannedAdapter) OnEvent(h agent.Handler) func() {
	a.handlers = append(a.handlers, h)
	return func() {}
}

func (a *cannedAdapter) ThreadID() string                { return "" }
func (a *cannedAdapter) Reset()                          { a.resets++ }
func (a *cannedAdapter) SetModel(model string)           { a.model = model }
func (a *cannedAdapter) Model() string                   { return a.model }
func (a *cannedAdapter) SetWorkingDirectory(path string) { a.workDir = path }
func (a *cannedAdapter) Status() agent.Status            { return agent.Status{Ready: true} }

func newAgentTurnsFixture(t *testing.T, responses ...string) (*AgentTurns, *cannedAdapter) {
	t.Helper()
	turns, adapter, _ := newAgentTurnsBusFixture(t, responses...)
	return turns, adapter
}

func newAgentTurnsBusFixture(t *testing.T, responses ...string) (*AgentTurns, *cannedAdapter, *eventRecorder) {
	t.Helper()
	adapter := &cannedAdapter{responses: responses}
	orch, err := agent.NewOrchestrator(svcLogger(t), adapter)
	require.NoError(t, err)

	eventBus := bus.NewMemoryEventBus(svcLogger(t))
	rec := &eventRecorder{}
	_, err = eventBus.Subscribe("task.>", rec.record)
	require.NoError(t, err)

	return NewAgentTurns(orch, eventBus, "plan-model", "default-model", svcLogger(t)), adapter, rec
}

func TestAgentTurns_PlanParsesNumberedList(t *testing.T) {
	turns, adapter := newAgentTurnsFixture(t,
		"1. Read the failing test\n2) Fix the parser\n- Run the suite\nDone.")

	task := &models.Task{ID: "t1", Prompt: "fix the parser", WorkspaceRoot: "/tmp/ws"}
	steps, err := turns.Plan(context.Background(), task)
	require.NoError(t, err)

	require.Len(t, steps, 3)
	assert.Equal(t, "Read the failing test", steps[0].Description)
	assert.Equal(t, "Fix the parser", steps[1].Description)
	assert.Equal(t, "Run the suite", steps[2].Description)
	for i, s := range steps {
		assert.Equal(t, i, s.StepIndex)
		assert.Equal(t, "t1", s.TaskID)
		assert.Equal(t, "pending", s.Status)
		assert.NotEmpty(t, s.ID)
	}

	assert.Equal(t, "plan-model", adapter.model)
	assert.Equal(t, "/tmp/ws", adapter.workDir)
	assert.Equal(t, 1, adapter.resets)
}

func TestAgentTurns_PlanFallsBackToSingleStep(t *testing.T) {
	turns, _ := newAgentTurnsFixture(t, "I would just do it directly.")

	task := &models.Task{ID: "t1", Prompt: "do the thing"}
	steps, err := turns.Plan(context.Background(), task)
	require.NoError(t, err)

	require.Len(t, steps, 1)
	assert.Equal(t, "do the thing", steps[0].Description)
}

func TestAgentTurns_PlanCapsSteps(t *testing.T) {
	var lines []string
	for i := 1; i <= planStepCap+5; i++ {
		lines = append(lines, "1. step")
	}
	turns, _ := newAgentTurnsFixture(t, strings.Join(lines, "\n"))

	steps, err := turns.Plan(context.Background(), &models.Task{ID: "t1", Prompt: "p"})
	require.NoError(t, err)
	assert.Len(t, steps, planStepCap)
}

func TestAgentTurns_PlanKeepsThreadWhenInheritingContext(t *testing.T) {
	turns, adapter := newAgentTurnsFixture(t, "1. step")

	_, err := turns.Plan(context.Background(), &models.Task{ID: "t1", Prompt: "p", InheritContext: true})
	require.NoError(t, err)
	assert.Zero(t, adapter.resets)
}

func TestAgentTurns_ExecuteStepUsesTaskModel(t *testing.T) {
	turns, adapter := newAgentTurnsFixture(t, "Patched the parser.\nAll tests pass now.")

	task := &models.Task{ID: "t1", Prompt: "p", Model: "task-model", WorkspaceRoot: "/tmp/ws"}
	step := &models.PlanStep{TaskID: "t1", StepIndex: 1, Description: "Fix the parser"}

	res, err := turns.ExecuteStep(context.Background(), task, step)
	require.NoError(t, err)

	require.Len(t, res.Messages, 1)
	assert.Contains(t, res.Messages[0], "Patched the parser.")
	assert.Equal(t, "Patched the parser.", res.Summary)
	assert.Equal(t, "task-model", adapter.model)
	require.Len(t, adapter.prompts, 1)
	assert.Contains(t, adapter.prompts[0], "step 2")
	assert.Contains(t, adapter.prompts[0], "Fix the parser")
}

func TestAgentTurns_ExecuteStepStreamsDeltasAndCommands(t *testing.T) {
	turns, adapter, rec := newAgentTurnsBusFixture(t, "Here is the answer")
	exitCode := 0
	adapter.turnEvs = [][]agent.Event{{
		{Type: agent.EventItemUpdated, Item: &agent.Item{ID: "m1", Type: agent.ItemAgentMessage, Text: "Here"}},
		{Type: agent.EventItemUpdated, Item: &agent.Item{ID: "m1", Type: agent.ItemAgentMessage, Text: "Here is the answer"}},
		{Type: agent.EventItemCompleted, Item: &agent.Item{
			ID: "c1", Type: agent.ItemCommandExecution,
			Command: "go test ./...", Status: "completed", ExitCode: &exitCode,
		}},
	}}

	task := &models.Task{ID: "t1", Prompt: "p", WorkspaceRoot: "/tmp/proj"}
	_, err := turns.ExecuteStep(context.Background(), task, &models.PlanStep{TaskID: "t1", Description: "d"})
	require.NoError(t, err)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.events, 3)

	assert.Equal(t, SubjectTaskDelta, rec.events[0].Type)
	assert.Equal(t, "Here", rec.events[0].String("delta"))
	assert.Equal(t, SubjectTaskDelta, rec.events[1].Type)
	assert.Equal(t, " is the answer", rec.events[1].String("delta"))

	assert.Equal(t, SubjectTaskCommand, rec.events[2].Type)
	assert.Equal(t, "go test ./...", rec.events[2].String("command"))
	assert.Equal(t, "completed", rec.events[2].String("status"))

	for _, ev := range rec.events {
		assert.Equal(t, "t1", ev.String("task_id"))
		assert.Equal(t, "/tmp/proj", ev.String("workspace_root"))
	}
}

func TestAgentTurns_ExecuteStepFallsBackToDefaultModel(t *testing.T) {
	turns, adapter := newAgentTurnsFixture(t, "ok")

	_, err := turns.ExecuteStep(context.Background(),
		&models.Task{ID: "t1", Prompt: "p"},
		&models.PlanStep{TaskID: "t1", Description: "d"})
	require.NoError(t, err)
	assert.Equal(t, "default-model", adapter.model)
}

func TestStripListMarker(t *testing.T) {
	cases := []struct {
		in   string
		want string
		ok   bool
	}{
		{"1. first", "first", true},
		{"12) twelfth", "twelfth", true},
		{"- dash", "dash", true},
		{"no marker", "", false},
		{"1", "", false},
		{"1x mixed", "", false},
	}
	for _, tc := range cases {
		got, ok := stripListMarker(tc.in)
		assert.Equal(t, tc.ok, ok, tc.in)
		assert.Equal(t, tc.want, got, tc.in)
	}
}
