package websocket

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/adsrv/adsrv/internal/activity"
	"github.com/adsrv/adsrv/internal/agent"
	"github.com/adsrv/adsrv/internal/session"
)

const (
	historyBlockMaxEntries = 20
	historyBlockMaxChars   = 8000
)

// handlePrompt runs one prompt turn under the workspace lock.
func (c *Client) handlePrompt(ctx context.Context, p PromptPayload) {
	if strings.TrimSpace(p.Text) == "" && len(p.Images) == 0 {
		c.emitError(errorView{Code: "bad_request", Hint: "empty prompt"})
		return
	}

	if !c.rememberMessageID(p.ClientMessageID) {
		c.emit(msgAck, map[string]any{"client_message_id": p.ClientMessageID, "duplicate": true})
		return
	}
	if p.ClientMessageID != "" {
		c.emit(msgAck, map[string]any{"client_message_id": p.ClientMessageID, "duplicate": false})
	}

	sess, err := c.ensureSession()
	if err != nil {
		c.emitError(errorView{Code: "session_error", OriginalError: err.Error(), Hint: "failed to open session"})
		return
	}

	turnCtx, cancel := context.WithCancel(ctx)
	if !c.beginTurn(cancel) {
		cancel()
		c.emitError(errorView{Code: "conflict", Hint: "a turn is already running, /interrupt it first"})
		return
	}
	defer c.cancelTurn()

	err = c.gw.locks.RunExclusive(turnCtx, c.workspaceRoot, func() error {
		return c.runTurn(turnCtx, sess, p)
	})
	if err != nil && turnCtx.Err() == nil {
		c.emitClassified(err)
	} else if turnCtx.Err() != nil {
		c.emitClassified(turnCtx.Err())
	}
}

func (c *Client) emitClassified(err error) {
	classified := agent.Classify(err)
	c.emitError(errorView{
		Code:          classified.Code,
		Retryable:     classified.Retryable,
		NeedsReset:    classified.NeedsReset,
		OriginalError: classified.Err.Error(),
		Hint:          hintFor(classified.Code),
	})
}

func hintFor(code string) string {
	switch code {
	case agent.ErrCodeAborted:
		return "the turn was interrupted"
	case agent.ErrCodeRateLimited:
		return "the agent is rate limited, try again shortly"
	case agent.ErrCodeTimeout:
		return "the agent timed out, try again"
	case agent.ErrCodeThreadStale:
		return "the conversation thread is stale, resetting may help"
	case agent.ErrCodeAgentCrashed:
		return "the agent process crashed, it will be restarted"
	default:
		return "the agent failed to complete the turn"
	}
}

func (c *Client) runTurn(ctx context.Context, sess *session.Session, p PromptPayload) error {
	text := strings.TrimSpace(p.Text)

	// Slash commands that run inside a turn.
	switch {
	case strings.HasPrefix(text, "/search"):
		return c.runSearch(ctx, sess, strings.TrimSpace(strings.TrimPrefix(text, "/search")))
	case strings.HasPrefix(text, "/bootstrap"):
		return c.runBootstrap(ctx, sess, text)
	}

	input, cleanup, err := c.buildInput(sess, text, p.Images)
	if err != nil {
		c.emitError(errorView{Code: "bad_request", OriginalError: err.Error(), Hint: "failed to decode attached image"})
		return nil
	}
	defer cleanup()

	agentID := sess.Orchestrator.ActiveID()
	expectedThread := sess.SavedThread(agentID)

	tr := newTurnTranslator(c, sess)
	unsubscribe := sess.Orchestrator.OnEvent(tr.handle)
	defer unsubscribe()

	sess.AppendHistory("user", text)

	result, err := sess.Orchestrator.Send(ctx, input, agent.SendOptions{Streaming: true})
	if err != nil {
		return err
	}

	threadID := sess.Orchestrator.ThreadID()
	threadReset := expectedThread != "" && threadID != expectedThread
	sess.SaveThread(agentID, threadID)
	sess.AppendHistory("assistant", result.Response)

	c.emit(msgResult, map[string]any{
		"ok":               true,
		"output":           result.Response,
		"threadId":         threadID,
		"expectedThreadId": expectedThread,
		"threadReset":      threadReset,
	})
	return nil
}

// buildInput assembles the turn input: the history-injection prefix when
// flagged, the prompt text, and any inline images materialized to disk.
func (c *Client) buildInput(sess *session.Session, text string, images []InlineImage) (agent.Input, func(), error) {
	var parts []agent.InputPart

	if sess.ConsumeHistoryInjection() {
		if block := sess.HistoryBlock(historyBlockMaxEntries, historyBlockMaxChars); block != "" {
			parts = append(parts, agent.InputPart{Text: block})
		}
	}
	if text != "" {
		parts = append(parts, agent.InputPart{Text: text})
	}

	cleanup := func() {}
	if len(images) > 0 {
		dir, err := os.MkdirTemp("", "ads-images-")
		if err != nil {
			return agent.Input{}, cleanup, err
		}
		cleanup = func() { _ = os.RemoveAll(dir) }

		for i, img := range images {
			data, err := decodeImage(img.Data)
			if err != nil {
				cleanup()
				return agent.Input{}, func() {}, err
			}
			name := img.Name
			if name == "" {
				name = fmt.Sprintf("image-%d.png", i+1)
			}
			path := filepath.Join(dir, filepath.Base(name))
			if err := os.WriteFile(path, data, 0o600); err != nil {
				cleanup()
				return agent.Input{}, func() {}, err
			}
			parts = append(parts, agent.InputPart{LocalImage: path})
		}
	}
	return agent.Input{Parts: parts}, cleanup, nil
}

func decodeImage(data string) ([]byte, error) {
	// Accept data: URLs by stripping the prefix.
	if idx := strings.Index(data, "base64,"); idx >= 0 {
		data = data[idx+len("base64,"):]
	}
	return base64.StdEncoding.DecodeString(data)
}

// commandState tracks the per-command prefix diff.
type commandState struct {
	headerSent bool
	lastOutput string
}

// turnTranslator lifts adapter events into client frames.
type turnTranslator struct {
	c    *Client
	sess *session.Session

	mu         sync.Mutex
	responding map[string]string // item id -> last seen responding text
	reasoning  map[string]string
	commands   map[string]*commandState
	snapshots  map[string]string // path -> content before the change
}

func newTurnTranslator(c *Client, sess *session.Session) *turnTranslator {
	return &turnTranslator{
		c:          c,
		sess:       sess,
		responding: make(map[string]string),
		reasoning:  make(map[string]string),
		commands:   make(map[string]*commandState),
		snapshots:  make(map[string]string),
	}
}

func (t *turnTranslator) handle(ev agent.Event) {
	t.c.tracker.IngestEvent(ev)

	if ev.Item == nil {
		t.handlePhase(ev)
		return
	}

	switch ev.Item.Type {
	case agent.ItemAgentMessage:
		t.emitSuffixDelta(t.responding, ev.Item.ID, ev.Item.Text, "")
	case agent.ItemReasoning:
		t.emitSuffixDelta(t.reasoning, ev.Item.ID, ev.Item.Text, "step")
	case agent.ItemCommandExecution:
		t.handleCommandItem(ev.Item)
	case agent.ItemFileChange:
		t.handleFileChange(ev)
	case agent.ItemWebSearch, agent.ItemToolCall, agent.ItemMCPToolCall:
		t.emitExplored()
	}
}

// handlePhase converts progress phases into step-sourced deltas.
func (t *turnTranslator) handlePhase(ev agent.Event) {
	switch ev.Phase {
	case agent.PhaseBoot, agent.PhaseAnalysis, agent.PhaseContext,
		agent.PhaseEditing, agent.PhaseTool, agent.PhaseConnection:
	default:
		return
	}
	if ev.Title == "" && ev.Detail == "" {
		return
	}
	line := "[" + string(ev.Phase) + "] " + ev.Title
	if ev.Detail != "" {
		line += ": " + ev.Detail
	}
	t.c.emit(msgDelta, map[string]any{"delta": line + "\n", "source": "step"})
}

// emitSuffixDelta sends only the text beyond what the client already saw for
// this item.
func (t *turnTranslator) emitSuffixDelta(seen map[string]string, itemID, text, source string) {
	t.mu.Lock()
	last := seen[itemID]
	delta := text
	if strings.HasPrefix(text, last) {
		delta = text[len(last):]
	}
	if len(text) > len(last) {
		seen[itemID] = text
	}
	t.mu.Unlock()

	if delta == "" {
		return
	}
	fields := map[string]any{"delta": delta}
	if source != "" {
		fields["source"] = source
	}
	t.c.emit(msgDelta, fields)
}

func (t *turnTranslator) handleCommandItem(item *agent.Item) {
	key := item.ID + ":cmd:" + item.Command

	t.mu.Lock()
	st, ok := t.commands[key]
	if !ok {
		st = &commandState{}
		t.commands[key] = st
	}
	var outputDelta string
	if !st.headerSent {
		st.headerSent = true
		outputDelta = "$ " + item.Command + "\n"
		t.sess.AppendHistory("status", "$ "+item.Command)
	}
	if strings.HasPrefix(item.AggregatedOutput, st.lastOutput) {
		outputDelta += item.AggregatedOutput[len(st.lastOutput):]
	} else if item.AggregatedOutput != "" {
		outputDelta += item.AggregatedOutput
	}
	if len(item.AggregatedOutput) > len(st.lastOutput) {
		st.lastOutput = item.AggregatedOutput
	}
	t.mu.Unlock()

	if outputDelta == "" && item.Status == "" && item.ExitCode == nil {
		return
	}
	t.c.emit(msgCommand, map[string]any{"command": CommandView{
		ID:          key,
		Command:     item.Command,
		Status:      item.Status,
		ExitCode:    item.ExitCode,
		OutputDelta: outputDelta,
	}})
}

// handleFileChange snapshots paths when the change starts and emits a patch
// summary when it completes.
func (t *turnTranslator) handleFileChange(ev agent.Event) {
	switch ev.Type {
	case agent.EventItemStarted, agent.EventItemUpdated:
		t.mu.Lock()
		for _, ch := range ev.Item.Changes {
			if _, ok := t.snapshots[ch.Path]; !ok {
				t.snapshots[ch.Path] = t.readWorkspaceFile(ch.Path)
			}
		}
		t.mu.Unlock()
	case agent.EventItemCompleted:
		patch := t.buildPatch(ev.Item.Changes)
		t.c.emit(msgPatch, map[string]any{"patch": patch})
		t.c.tracker.Add(activity.Entry{
			Category: activity.CategoryWrite,
			Summary:  patch.Summary,
			Source:   "file_change",
		})
		t.emitExplored()
	}
}

func (t *turnTranslator) readWorkspaceFile(path string) string {
	full := path
	if !filepath.IsAbs(full) {
		full = filepath.Join(t.sess.Cwd(), path)
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return ""
	}
	return string(data)
}

// buildPatch diffs each changed file against its pre-change snapshot.
func (t *turnTranslator) buildPatch(changes []agent.FileChange) PatchView {
	dmp := diffmatchpatch.New()
	var files []PatchFile
	var totalAdded, totalRemoved int

	for _, ch := range changes {
		t.mu.Lock()
		before := t.snapshots[ch.Path]
		t.mu.Unlock()
		after := t.readWorkspaceFile(ch.Path)

		var added, removed int
		for _, d := range dmp.DiffMain(before, after, false) {
			switch d.Type {
			case diffmatchpatch.DiffInsert:
				added += countLines(d.Text)
			case diffmatchpatch.DiffDelete:
				removed += countLines(d.Text)
			}
		}
		totalAdded += added
		totalRemoved += removed
		files = append(files, PatchFile{
			Kind:    string(ch.Kind),
			Path:    ch.Path,
			Added:   added,
			Removed: removed,
		})
	}

	noun := "files"
	if len(files) == 1 {
		noun = "file"
	}
	return PatchView{
		Summary: fmt.Sprintf("%d %s changed (+%d -%d)", len(files), noun, totalAdded, totalRemoved),
		Files:   files,
	}
}

func countLines(s string) int {
	if s == "" {
		return 0
	}
	n := strings.Count(s, "\n")
	if !strings.HasSuffix(s, "\n") {
		n++
	}
	return n
}

func (t *turnTranslator) emitExplored() {
	items := t.c.tracker.Items()
	if len(items) == 0 {
		return
	}
	t.c.emit(msgExplored, map[string]any{"explored": items})
}
