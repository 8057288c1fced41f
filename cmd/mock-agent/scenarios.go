package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// request is the single stdin line that starts a turn.
type request struct {
	Type     string   `json:"type"`
	Text     string   `json:"text"`
	Images   []string `json:"images,omitempty"`
	ThreadID string   `json:"thread_id,omitempty"`
	Model    string   `json:"model,omitempty"`
	Stream   bool     `json:"stream"`
}

// event is one stdout line. The shape mirrors the normalized adapter event
// vocabulary plus the thread id on terminal events.
type event struct {
	Type     string `json:"type"`
	Phase    string `json:"phase,omitempty"`
	Title    string `json:"title,omitempty"`
	Detail   string `json:"detail,omitempty"`
	Item     *item  `json:"item,omitempty"`
	Response string `json:"response,omitempty"`
	Error    string `json:"error,omitempty"`
	ThreadID string `json:"thread_id,omitempty"`
}

type item struct {
	ID               string       `json:"id"`
	Type             string       `json:"type"`
	Command          string       `json:"command,omitempty"`
	Status           string       `json:"status,omitempty"`
	ExitCode         *int         `json:"exit_code,omitempty"`
	AggregatedOutput string       `json:"aggregated_output,omitempty"`
	Changes          []fileChange `json:"changes,omitempty"`
	Text             string       `json:"text,omitempty"`
}

type fileChange struct {
	Kind string `json:"kind"`
	Path string `json:"path"`
}

// threadID keeps continuity across turns: an incoming thread id is echoed
// back, a fresh one is minted per process otherwise.
func threadID(req request) string {
	if req.ThreadID != "" {
		return req.ThreadID
	}
	return fmt.Sprintf("mock-thread-%d", os.Getpid())
}

// runScenario picks a canned event sequence from keywords in the prompt and
// plays it. Unknown prompts get a short streamed answer.
func runScenario(enc *json.Encoder, req request) {
	emit := func(ev event) { _ = enc.Encode(ev) }

	emit(event{Type: "turn.started", Phase: "boot", Title: "session started"})

	prompt := strings.ToLower(req.Text)
	switch {
	case strings.Contains(prompt, "fail"):
		emit(event{Type: "turn.failed", Phase: "error", Error: "simulated agent failure"})
		return

	case strings.Contains(prompt, "command"):
		playCommand(emit)

	case strings.Contains(prompt, "edit"):
		playEdit(emit)

	case strings.Contains(prompt, "plan"):
		emit(event{
			Type:     "turn.completed",
			Phase:    "completed",
			Response: "1. Inspect the failing area\n2. Apply the fix\n3. Run the tests",
			ThreadID: threadID(req),
		})
		return
	}

	playAnswer(emit, req)
	emit(event{Type: "turn.completed", Phase: "completed", ThreadID: threadID(req)})
}

// playAnswer streams a reasoning item and a word-by-word agent message.
func playAnswer(emit func(event), req request) {
	emit(event{Type: "item.started", Phase: "analysis", Item: &item{
		ID: "r1", Type: "reasoning", Text: "Looking at the request",
	}})

	words := strings.Fields("Here is what I found for: " + req.Text)
	text := ""
	for _, w := range words {
		if text != "" {
			text += " "
		}
		text += w
		if req.Stream {
			emit(event{Type: "item.updated", Phase: "responding", Item: &item{
				ID: "m1", Type: "agent_message", Text: text,
			}})
		}
	}
	emit(event{Type: "item.completed", Phase: "responding", Item: &item{
		ID: "m1", Type: "agent_message", Text: text,
	}})
}

// playCommand emits a command_execution item through its lifecycle.
func playCommand(emit func(event)) {
	cmd := "go test ./..."
	emit(event{Type: "item.started", Phase: "command", Item: &item{
		ID: "c1", Type: "command_execution", Command: cmd, Status: "running",
	}})
	emit(event{Type: "item.updated", Phase: "command", Item: &item{
		ID: "c1", Type: "command_execution", Command: cmd, Status: "running",
		AggregatedOutput: "ok  \tpkg\t0.01s",
	}})
	zero := 0
	emit(event{Type: "item.completed", Phase: "command", Item: &item{
		ID: "c1", Type: "command_execution", Command: cmd, Status: "completed",
		ExitCode: &zero, AggregatedOutput: "ok  \tpkg\t0.01s\nPASS",
	}})
}

// playEdit emits a file_change item covering one updated path.
func playEdit(emit func(event)) {
	changes := []fileChange{{Kind: "update", Path: "main.go"}}
	emit(event{Type: "item.started", Phase: "editing", Item: &item{
		ID: "f1", Type: "file_change", Status: "running", Changes: changes,
	}})
	emit(event{Type: "item.completed", Phase: "editing", Item: &item{
		ID: "f1", Type: "file_change", Status: "completed", Changes: changes,
	}})
}
