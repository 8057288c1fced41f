package main

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func play(t *testing.T, req request) []event {
	t.Helper()
	var buf bytes.Buffer
	runScenario(json.NewEncoder(&buf), req)

	var events []event
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		var ev event
		require.NoError(t, json.Unmarshal([]byte(line), &ev))
		events = append(events, ev)
	}
	return events
}

func TestScenario_DefaultAnswerStreams(t *testing.T) {
	events := play(t, request{Type: "prompt", Text: "what is this repo", Stream: true})

	require.GreaterOrEqual(t, len(events), 3)
	assert.Equal(t, "turn.started", events[0].Type)

	last := events[len(events)-1]
	assert.Equal(t, "turn.completed", last.Type)
	assert.NotEmpty(t, last.ThreadID)

	var sawUpdate, sawMessage bool
	for _, ev := range events {
		if ev.Type == "item.updated" && ev.Item != nil && ev.Item.Type == "agent_message" {
			sawUpdate = true
		}
		if ev.Type == "item.completed" && ev.Item != nil && ev.Item.Type == "agent_message" {
			sawMessage = true
			assert.Contains(t, ev.Item.Text, "what is this repo")
		}
	}
	assert.True(t, sawUpdate)
	assert.True(t, sawMessage)
}

func TestScenario_NonStreamingSkipsDeltas(t *testing.T) {
	events := play(t, request{Type: "prompt", Text: "hello", Stream: false})
	for _, ev := range events {
		assert.NotEqual(t, "item.updated", ev.Type)
	}
}

func TestScenario_FailureIsTerminal(t *testing.T) {
	events := play(t, request{Type: "prompt", Text: "please fail"})
	require.Len(t, events, 2)
	assert.Equal(t, "turn.failed", events[1].Type)
	assert.Equal(t, "simulated agent failure", events[1].Error)
}

func TestScenario_CommandLifecycle(t *testing.T) {
	events := play(t, request{Type: "prompt", Text: "run a command"})

	var statuses []string
	for _, ev := range events {
		if ev.Item != nil && ev.Item.Type == "command_execution" {
			statuses = append(statuses, ev.Type)
			if ev.Type == "item.completed" {
				require.NotNil(t, ev.Item.ExitCode)
				assert.Zero(t, *ev.Item.ExitCode)
			}
		}
	}
	assert.Equal(t, []string{"item.started", "item.updated", "item.completed"}, statuses)
}

func TestScenario_EchoesThreadID(t *testing.T) {
	events := play(t, request{Type: "prompt", Text: "hello", ThreadID: "t-42"})
	assert.Equal(t, "t-42", events[len(events)-1].ThreadID)
}

func TestScenario_PlanReturnsNumberedList(t *testing.T) {
	events := play(t, request{Type: "prompt", Text: "plan this work"})
	last := events[len(events)-1]
	assert.Equal(t, "turn.completed", last.Type)
	assert.Contains(t, last.Response, "1. ")
}
