// Package websocket is the realtime gateway: it upgrades chat connections,
// runs the prompt turn pipeline against the orchestrator, and fans task
// lifecycle events out to interested connections.
package websocket

import "encoding/json"

// ClientMessage is the envelope of every client-to-server frame.
type ClientMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// InlineImage is a base64-encoded image attached to a prompt.
type InlineImage struct {
	Name string `json:"name,omitempty"`
	// Data is the base64 payload, optionally as a data: URL.
	Data string `json:"data"`
}

// PromptPayload is the body of a {type:"prompt"} frame.
type PromptPayload struct {
	Text            string        `json:"text"`
	Images          []InlineImage `json:"images,omitempty"`
	ClientMessageID string        `json:"client_message_id,omitempty"`
}

// ResumePayload is the body of a {type:"task_resume"} frame.
type ResumePayload struct {
	// Mode selects the thread source: "auto", "current" or "saved".
	Mode     string `json:"mode,omitempty"`
	ThreadID string `json:"threadId,omitempty"`
}

// CommandView is the client-facing snapshot of one running command.
type CommandView struct {
	ID          string `json:"id"`
	Command     string `json:"command"`
	Status      string `json:"status,omitempty"`
	ExitCode    *int   `json:"exit_code,omitempty"`
	OutputDelta string `json:"outputDelta,omitempty"`
}

// PatchView summarizes one file_change item.
type PatchView struct {
	Summary string      `json:"summary"`
	Files   []PatchFile `json:"files"`
}

// PatchFile is one changed path inside a patch summary.
type PatchFile struct {
	Kind    string `json:"kind"`
	Path    string `json:"path"`
	Added   int    `json:"added"`
	Removed int    `json:"removed"`
}

// server-to-client frame types.
const (
	msgWelcome   = "welcome"
	msgAck       = "ack"
	msgDelta     = "delta"
	msgCommand   = "command"
	msgPatch     = "patch"
	msgExplored  = "explored"
	msgAgent     = "agent"
	msgAgents    = "agents"
	msgResult    = "result"
	msgError     = "error"
	msgHistory   = "history"
	msgWorkspace = "workspace"
	msgTaskEvent = "task:event"
)
