package agent

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adsrv/adsrv/internal/common/logger"
)

// writeFakeAgent creates an executable shell script that plays the agent
// side of the stream-JSON protocol.
func writeFakeAgent(t *testing.T, script string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-agent")
	full := "#!/bin/sh\nread -r _request\n" + script
	require.NoError(t, os.WriteFile(path, []byte(full), 0o755))
	return path
}

func sjLogger(t *testing.T) *logger.Logger {
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)
	return log
}

func TestStreamJSON_HappyTurn(t *testing.T) {
	bin := writeFakeAgent(t, `
echo '{"type":"turn.started"}'
echo '{"type":"item.started","item":{"id":"i1","type":"command_execution","command":"ls -la","status":"in_progress"}}'
echo '{"type":"item.completed","item":{"id":"i1","type":"command_execution","command":"ls -la","status":"completed","exit_code":0,"aggregated_output":"README.md"}}'
echo '{"type":"item.updated","item":{"id":"i2","type":"agent_message","text":"All done."}}'
echo '{"type":"turn.completed","response":"All done.","thread_id":"th-42"}'
`)

	a := NewStreamJSONAdapter(StreamJSONConfig{ID: "codex", Command: bin}, sjLogger(t))

	var events []Event
	unsub := a.OnEvent(func(ev Event) { events = append(events, ev) })
	defer unsub()

	res, err := a.Send(context.Background(), TextInput("list files"), SendOptions{Streaming: true})
	require.NoError(t, err)
	assert.Equal(t, "All done.", res.Response)
	assert.Equal(t, "th-42", a.ThreadID())

	require.Len(t, events, 5)
	assert.Equal(t, EventTurnStarted, events[0].Type)
	assert.Equal(t, PhaseBoot, events[0].Phase)
	assert.Equal(t, PhaseCommand, events[1].Phase)
	assert.Equal(t, "ls -la", events[1].Item.Command)
	require.NotNil(t, events[2].Item.ExitCode)
	assert.Equal(t, 0, *events[2].Item.ExitCode)
	assert.Equal(t, PhaseResponding, events[3].Phase)
	assert.Equal(t, EventTurnCompleted, events[4].Type)
}

func TestStreamJSON_TurnFailedIsClassified(t *testing.T) {
	bin := writeFakeAgent(t, `
echo '{"type":"turn.started"}'
echo '{"type":"turn.failed","error":"session not found: th-1"}'
`)

	a := NewStreamJSONAdapter(StreamJSONConfig{ID: "codex", Command: bin}, sjLogger(t))
	_, err := a.Send(context.Background(), TextInput("x"), SendOptions{})

	var classified *ClassifiedError
	require.ErrorAs(t, err, &classified)
	assert.Equal(t, ErrCodeThreadStale, classified.Code)
	assert.True(t, classified.NeedsReset)
	assert.Equal(t, ErrCodeThreadStale+": session not found: th-1", a.Status().Error)
}

func TestStreamJSON_AgentCrashMidTurn(t *testing.T) {
	bin := writeFakeAgent(t, `
echo '{"type":"turn.started"}'
echo "boom" >&2
exit 7
`)

	a := NewStreamJSONAdapter(StreamJSONConfig{ID: "codex", Command: bin}, sjLogger(t))
	_, err := a.Send(context.Background(), TextInput("x"), SendOptions{})

	var classified *ClassifiedError
	require.ErrorAs(t, err, &classified)
	assert.Equal(t, ErrCodeAgentCrashed, classified.Code)
	assert.Contains(t, classified.Err.Error(), "boom")
}

func TestStreamJSON_CancellationKillsAgent(t *testing.T) {
	bin := writeFakeAgent(t, `
echo '{"type":"turn.started"}'
sleep 30
`)

	a := NewStreamJSONAdapter(StreamJSONConfig{ID: "codex", Command: bin}, sjLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := a.Send(ctx, TextInput("x"), SendOptions{})
	require.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestStreamJSON_CumulativeSnapshotsCollapseIntoResponse(t *testing.T) {
	bin := writeFakeAgent(t, `
echo '{"type":"turn.started"}'
echo '{"type":"item.updated","item":{"id":"m1","type":"agent_message","text":"Here"}}'
echo '{"type":"item.updated","item":{"id":"m1","type":"agent_message","text":"Here is"}}'
echo '{"type":"item.updated","item":{"id":"m1","type":"agent_message","text":"Here is the answer"}}'
echo '{"type":"item.completed","item":{"id":"m1","type":"agent_message","text":"Here is the answer"}}'
echo '{"type":"turn.completed","thread_id":"th-7"}'
`)

	a := NewStreamJSONAdapter(StreamJSONConfig{ID: "codex", Command: bin}, sjLogger(t))
	res, err := a.Send(context.Background(), TextInput("x"), SendOptions{Streaming: true})
	require.NoError(t, err)
	assert.Equal(t, "Here is the answer", res.Response)
	assert.Equal(t, "th-7", a.ThreadID())
}

func TestStreamJSON_ResponseFallbackJoinsDistinctMessages(t *testing.T) {
	bin := writeFakeAgent(t, `
echo '{"type":"item.updated","item":{"id":"m1","type":"agent_message","text":"First thought."}}'
echo '{"type":"item.updated","item":{"id":"m2","type":"agent_message","text":"Second"}}'
echo '{"type":"item.updated","item":{"id":"m2","type":"agent_message","text":"Second thought."}}'
echo '{"type":"turn.completed"}'
`)

	a := NewStreamJSONAdapter(StreamJSONConfig{ID: "codex", Command: bin}, sjLogger(t))
	res, err := a.Send(context.Background(), TextInput("x"), SendOptions{Streaming: true})
	require.NoError(t, err)
	assert.Equal(t, "First thought.\nSecond thought.", res.Response)
}

func TestStreamJSON_SkipsDiagnosticLines(t *testing.T) {
	bin := writeFakeAgent(t, `
echo 'warning: something non-json'
echo '{"type":"turn.completed","response":"ok","thread_id":"th-9"}'
`)

	a := NewStreamJSONAdapter(StreamJSONConfig{ID: "codex", Command: bin}, sjLogger(t))
	res, err := a.Send(context.Background(), TextInput("x"), SendOptions{})
	require.NoError(t, err)
	assert.Equal(t, "ok", res.Response)
}

func TestStreamJSON_ResetClearsThread(t *testing.T) {
	a := NewStreamJSONAdapter(StreamJSONConfig{ID: "codex", Command: "true"}, sjLogger(t))
	a.SetThreadID("th-1")
	require.Equal(t, "th-1", a.ThreadID())

	a.Reset()
	assert.Empty(t, a.ThreadID())
}

func TestStreamJSON_ModelSelection(t *testing.T) {
	a := NewStreamJSONAdapter(StreamJSONConfig{ID: "codex", Command: "true", DefaultModel: "gpt-base"}, sjLogger(t))
	assert.Equal(t, "gpt-base", a.Model())

	a.SetModel("gpt-max")
	assert.Equal(t, "gpt-max", a.Model())

	a.SetModel("")
	assert.Equal(t, "gpt-base", a.Model())
}
