// Package agent defines the uniform contract over external CLI coding agents
// and the orchestrator that routes turns between them.
package agent

import "encoding/json"

// EventType identifies a normalized event emitted during a turn.
type EventType string

const (
	EventTurnStarted   EventType = "turn.started"
	EventTurnCompleted EventType = "turn.completed"
	EventTurnFailed    EventType = "turn.failed"
	EventItemStarted   EventType = "item.started"
	EventItemUpdated   EventType = "item.updated"
	EventItemCompleted EventType = "item.completed"
)

// ItemType identifies the payload kind of an item.* event.
type ItemType string

const (
	ItemCommandExecution ItemType = "command_execution"
	ItemFileChange       ItemType = "file_change"
	ItemToolCall         ItemType = "tool_call"
	ItemMCPToolCall      ItemType = "mcp_tool_call"
	ItemWebSearch        ItemType = "web_search"
	ItemReasoning        ItemType = "reasoning"
	ItemAgentMessage     ItemType = "agent_message"
	ItemTodoList         ItemType = "todo_list"
)

// Phase is the abstract turn phase an event belongs to. Adapters map their
// native progress vocabulary onto these tags.
type Phase string

const (
	PhaseBoot       Phase = "boot"
	PhaseAnalysis   Phase = "analysis"
	PhaseContext    Phase = "context"
	PhaseCommand    Phase = "command"
	PhaseEditing    Phase = "editing"
	PhaseTool       Phase = "tool"
	PhaseResponding Phase = "responding"
	PhaseCompleted  Phase = "completed"
	PhaseError      Phase = "error"
	PhaseConnection Phase = "connection"
)

// FileChangeKind classifies one path inside a file_change item.
type FileChangeKind string

const (
	FileChangeAdd    FileChangeKind = "add"
	FileChangeDelete FileChangeKind = "delete"
	FileChangeUpdate FileChangeKind = "update"
)

// FileChange is one changed path inside a file_change item.
type FileChange struct {
	Kind FileChangeKind `json:"kind"`
	Path string         `json:"path"`
}

// Item carries the type-specific fields of an item.* event.
type Item struct {
	ID   string   `json:"id"`
	Type ItemType `json:"type"`

	// command_execution
	Command          string `json:"command,omitempty"`
	Status           string `json:"status,omitempty"`
	ExitCode         *int   `json:"exit_code,omitempty"`
	AggregatedOutput string `json:"aggregated_output,omitempty"`

	// file_change
	Changes []FileChange `json:"changes,omitempty"`

	// tool_call / mcp_tool_call
	ToolName string          `json:"tool_name,omitempty"`
	ToolArgs json.RawMessage `json:"tool_args,omitempty"`

	// web_search
	Query string `json:"query,omitempty"`

	// reasoning / agent_message: the cumulative text so far, re-sent in
	// full on every update
	Text string `json:"text,omitempty"`
}

// Usage reports token accounting for a completed turn, when the agent
// surfaces it.
type Usage struct {
	InputTokens  int `json:"input_tokens,omitempty"`
	OutputTokens int `json:"output_tokens,omitempty"`
}

// Event is one normalized adapter event. For each turn an adapter emits
// turn.started, zero or more item.* events, and exactly one of
// turn.completed or turn.failed.
type Event struct {
	Type    EventType `json:"type"`
	AgentID string    `json:"agent_id,omitempty"`
	Phase   Phase     `json:"phase,omitempty"`
	Title   string    `json:"title,omitempty"`
	Detail  string    `json:"detail,omitempty"`

	Item *Item `json:"item,omitempty"`

	// turn.completed
	Response string `json:"response,omitempty"`
	Usage    *Usage `json:"usage,omitempty"`

	// turn.failed
	ErrorMessage string `json:"error,omitempty"`
}

// Handler receives normalized events. Handlers must not block; slow
// consumers buffer on their own side.
type Handler func(Event)

// InputPart is one element of a heterogeneous prompt input.
type InputPart struct {
	Text       string `json:"text,omitempty"`
	LocalImage string `json:"local_image,omitempty"` // path to an image file
}

// Input is the prompt payload for one turn.
type Input struct {
	Parts []InputPart
}

// TextInput builds an Input from a plain string.
func TextInput(text string) Input {
	return Input{Parts: []InputPart{{Text: text}}}
}

// Text concatenates the text parts of the input.
func (in Input) Text() string {
	var out string
	for _, p := range in.Parts {
		if p.Text != "" {
			if out != "" {
				out += "\n"
			}
			out += p.Text
		}
	}
	return out
}

// Images returns the local image paths of the input, in order.
func (in Input) Images() []string {
	var paths []string
	for _, p := range in.Parts {
		if p.LocalImage != "" {
			paths = append(paths, p.LocalImage)
		}
	}
	return paths
}
