package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/adsrv/adsrv/internal/common/logger"
)

// maxEventLineBytes bounds a single stream-JSON line from the agent.
const maxEventLineBytes = 4 << 20 // 4 MiB

// stderrTailLines is how many trailing stderr lines are kept for error context.
const stderrTailLines = 20

// StreamJSONConfig describes how to launch a stream-JSON CLI agent.
type StreamJSONConfig struct {
	// ID is the stable agent identifier ("codex", "claude", "gemini", ...).
	ID string
	// Command is the agent binary.
	Command string
	// Args are passed before the protocol begins.
	Args []string
	// DefaultModel is used when no explicit model is set.
	DefaultModel string
	// WorkDir is the initial working directory.
	WorkDir string
	// TurnTimeout bounds a single turn; zero means no deadline.
	TurnTimeout time.Duration
}

// wireRequest is the single request line written to the agent's stdin.
type wireRequest struct {
	Type     string   `json:"type"` // "prompt"
	Text     string   `json:"text"`
	Images   []string `json:"images,omitempty"`
	ThreadID string   `json:"thread_id,omitempty"`
	Model    string   `json:"model,omitempty"`
	Stream   bool     `json:"stream"`
}

// wireEvent is one stdout line from the agent. The wire vocabulary is the
// normalized schema itself plus the thread id on terminal events.
type wireEvent struct {
	Event
	ThreadID string `json:"thread_id,omitempty"`
}

// StreamJSONAdapter drives a CLI agent through a line-delimited JSON
// protocol: one process per turn, one request line in, a stream of event
// lines out. The thread id carried on terminal events makes turns resumable
// across processes.
type StreamJSONAdapter struct {
	cfg    StreamJSONConfig
	logger *logger.Logger
	subs   *subscribers

	mu        sync.RWMutex
	threadID  string
	model     string
	workDir   string
	streaming bool
	lastErr   string
}

// NewStreamJSONAdapter creates an adapter for the given CLI agent.
func NewStreamJSONAdapter(cfg StreamJSONConfig, log *logger.Logger) *StreamJSONAdapter {
	return &StreamJSONAdapter{
		cfg:     cfg,
		logger:  log.WithFields(zap.String("adapter", "streamjson"), zap.String("agent_id", cfg.ID)),
		subs:    newSubscribers(),
		model:   cfg.DefaultModel,
		workDir: cfg.WorkDir,
	}
}

// ID returns the agent identifier.
func (a *StreamJSONAdapter) ID() string { return a.cfg.ID }

// OnEvent subscribes to normalized events.
func (a *StreamJSONAdapter) OnEvent(handler Handler) func() {
	return a.subs.add(handler)
}

// ThreadID returns the saved conversation thread id.
func (a *StreamJSONAdapter) ThreadID() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.threadID
}

// SetThreadID installs a thread id to resume from on the next turn.
func (a *StreamJSONAdapter) SetThreadID(id string) {
	a.mu.Lock()
	a.threadID = id
	a.mu.Unlock()
}

// Reset clears the conversation thread.
func (a *StreamJSONAdapter) Reset() {
	a.mu.Lock()
	a.threadID = ""
	a.lastErr = ""
	a.mu.Unlock()
}

// SetModel selects the model for subsequent turns.
func (a *StreamJSONAdapter) SetModel(model string) {
	a.mu.Lock()
	if model == "" {
		a.model = a.cfg.DefaultModel
	} else {
		a.model = model
	}
	a.mu.Unlock()
}

// Model returns the currently selected model.
func (a *StreamJSONAdapter) Model() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.model
}

// SetWorkingDirectory changes the cwd for subsequent turns.
func (a *StreamJSONAdapter) SetWorkingDirectory(path string) {
	a.mu.Lock()
	a.workDir = path
	a.mu.Unlock()
}

// WorkingDirectory returns the cwd used for turns.
func (a *StreamJSONAdapter) WorkingDirectory() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.workDir
}

// Status reports readiness and the last turn error.
func (a *StreamJSONAdapter) Status() Status {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return Status{
		Ready:     !a.streaming,
		Streaming: a.streaming,
		Error:     a.lastErr,
	}
}

// Send submits one prompt turn. The agent process is spawned, fed a request
// line, and its event lines are re-emitted to subscribers until the terminal
// event arrives or the process dies.
func (a *StreamJSONAdapter) Send(ctx context.Context, input Input, opts SendOptions) (*SendResult, error) {
	a.mu.Lock()
	if a.streaming {
		a.mu.Unlock()
		return nil, &ClassifiedError{Code: ErrCodeProtocol, Err: errors.New("turn already in progress")}
	}
	a.streaming = true
	threadID := a.threadID
	model := a.model
	workDir := a.workDir
	a.mu.Unlock()

	defer func() {
		a.mu.Lock()
		a.streaming = false
		a.mu.Unlock()
	}()

	runCtx := ctx
	var cancel context.CancelFunc
	if a.cfg.TurnTimeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, a.cfg.TurnTimeout)
		defer cancel()
	}

	result, err := a.runTurn(runCtx, wireRequest{
		Type:     "prompt",
		Text:     input.Text(),
		Images:   input.Images(),
		ThreadID: threadID,
		Model:    model,
		Stream:   opts.Streaming,
	}, workDir, opts.Env)

	if err != nil {
		if ctx.Err() != nil {
			// Cancellation wins over whatever the dying process reported.
			a.setLastErr("")
			return nil, ctx.Err()
		}
		classified := Classify(err)
		a.setLastErr(classified.Error())
		a.subs.emit(Event{
			Type:         EventTurnFailed,
			AgentID:      a.cfg.ID,
			Phase:        PhaseError,
			ErrorMessage: classified.Error(),
		})
		return nil, classified
	}

	a.setLastErr("")
	return result, nil
}

func (a *StreamJSONAdapter) setLastErr(msg string) {
	a.mu.Lock()
	a.lastErr = msg
	a.mu.Unlock()
}

func (a *StreamJSONAdapter) runTurn(ctx context.Context, req wireRequest, workDir string, env []string) (*SendResult, error) {
	cmd := exec.Command(a.cfg.Command, a.cfg.Args...)
	cmd.Dir = workDir
	if env != nil {
		cmd.Env = env
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start agent %s: %w", a.cfg.Command, err)
	}
	a.logger.Debug("agent turn started", zap.Int("pid", cmd.Process.Pid))

	// Kill the process group when the context ends before the turn does.
	killDone := make(chan struct{})
	defer close(killDone)
	go func() {
		select {
		case <-ctx.Done():
			pgid := -cmd.Process.Pid
			_ = syscall.Kill(pgid, syscall.SIGTERM)
			time.AfterFunc(2*time.Second, func() { _ = syscall.Kill(pgid, syscall.SIGKILL) })
		case <-killDone:
		}
	}()

	var stderrTail []string
	var stderrWg sync.WaitGroup
	stderrWg.Add(1)
	go func() {
		defer stderrWg.Done()
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			stderrTail = append(stderrTail, scanner.Text())
			if len(stderrTail) > stderrTailLines {
				stderrTail = stderrTail[1:]
			}
		}
	}()

	if err := a.writeRequest(stdin, req); err != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return nil, err
	}

	result, turnErr := a.readEvents(stdout)

	stderrWg.Wait()
	waitErr := cmd.Wait()

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if turnErr != nil {
		return nil, turnErr
	}
	if result == nil {
		// Stream ended without a terminal event: the agent died mid-turn.
		detail := strings.Join(stderrTail, "\n")
		if waitErr != nil {
			return nil, fmt.Errorf("agent exited mid-turn (%v): %s", waitErr, detail)
		}
		return nil, fmt.Errorf("agent stream ended without terminal event: %s", detail)
	}
	return result, nil
}

func (a *StreamJSONAdapter) writeRequest(stdin io.WriteCloser, req wireRequest) error {
	defer stdin.Close()
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}
	if _, err := stdin.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write request: %w", err)
	}
	return nil
}

// readEvents consumes event lines until the terminal event. Malformed lines
// are logged and skipped, matching how the CLIs interleave diagnostics.
func (a *StreamJSONAdapter) readEvents(stdout io.Reader) (*SendResult, error) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxEventLineBytes)

	// Message items stream cumulative snapshots; only the latest snapshot of
	// each item contributes to the response fallback.
	messageText := make(map[string]string)
	var messageOrder []string
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || line[0] != '{' {
			continue
		}

		var wev wireEvent
		if err := json.Unmarshal([]byte(line), &wev); err != nil {
			a.logger.Debug("skipping malformed event line", zap.Error(err))
			continue
		}

		ev := wev.Event
		ev.AgentID = a.cfg.ID
		if ev.Phase == "" {
			ev.Phase = derivePhase(ev)
		}

		switch ev.Type {
		case EventTurnCompleted:
			if wev.ThreadID != "" {
				a.SetThreadID(wev.ThreadID)
			}
			a.subs.emit(ev)
			if ev.Response != "" {
				return &SendResult{Response: ev.Response, Usage: ev.Usage}, nil
			}
			var parts []string
			for _, id := range messageOrder {
				if messageText[id] != "" {
					parts = append(parts, messageText[id])
				}
			}
			return &SendResult{Response: strings.Join(parts, "\n"), Usage: ev.Usage}, nil

		case EventTurnFailed:
			a.subs.emit(ev)
			return nil, errors.New(ev.ErrorMessage)

		default:
			if ev.Item != nil && ev.Item.Type == ItemAgentMessage {
				if _, seen := messageText[ev.Item.ID]; !seen {
					messageOrder = append(messageOrder, ev.Item.ID)
				}
				messageText[ev.Item.ID] = ev.Item.Text
			}
			a.subs.emit(ev)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read agent stream: %w", err)
	}
	return nil, nil
}

// derivePhase maps an event to its abstract phase tag when the agent did not
// set one explicitly.
func derivePhase(ev Event) Phase {
	switch ev.Type {
	case EventTurnStarted:
		return PhaseBoot
	case EventTurnCompleted:
		return PhaseCompleted
	case EventTurnFailed:
		return PhaseError
	}
	if ev.Item == nil {
		return PhaseConnection
	}
	switch ev.Item.Type {
	case ItemCommandExecution:
		return PhaseCommand
	case ItemFileChange:
		return PhaseEditing
	case ItemToolCall, ItemMCPToolCall:
		return PhaseTool
	case ItemWebSearch, ItemReasoning:
		return PhaseAnalysis
	case ItemAgentMessage:
		return PhaseResponding
	case ItemTodoList:
		return PhaseContext
	default:
		return PhaseConnection
	}
}
