package agent

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/adsrv/adsrv/internal/common/logger"
)

// ErrUnknownAgent is returned when routing to an agent id that is not held
// by the orchestrator.
var ErrUnknownAgent = errors.New("unknown agent")

// AgentInfo is the snapshot of one held adapter.
type AgentInfo struct {
	ID       string `json:"id"`
	Active   bool   `json:"active"`
	Model    string `json:"model"`
	ThreadID string `json:"thread_id,omitempty"`
	Ready    bool   `json:"ready"`
}

// DelegationHook observes collaborative-turn delegation. Stage is
// "delegation:start" or "delegation:result".
type DelegationHook func(stage, agentID, detail string)

// delegateDirective matches supervisor lines of the form
// "@delegate(<agent-id>): <prompt>".
var delegateDirective = regexp.MustCompile(`(?m)^@delegate\(([a-z0-9_-]+)\):\s*(.+)$`)

// Orchestrator holds the adapters of one session and routes turns to the
// active one. Event subscribers receive events from whichever adapter is
// processing a turn.
type Orchestrator struct {
	logger *logger.Logger
	subs   *subscribers

	mu       sync.RWMutex
	order    []string
	adapters map[string]Adapter
	activeID string
	unsubs   []func()

	delegationHook DelegationHook
}

// NewOrchestrator creates an orchestrator over the given adapters; the first
// adapter is active.
func NewOrchestrator(log *logger.Logger, adapters ...Adapter) (*Orchestrator, error) {
	if len(adapters) == 0 {
		return nil, errors.New("orchestrator needs at least one adapter")
	}

	o := &Orchestrator{
		logger:   log.WithFields(zap.String("component", "orchestrator")),
		subs:     newSubscribers(),
		adapters: make(map[string]Adapter, len(adapters)),
	}
	for _, a := range adapters {
		if _, dup := o.adapters[a.ID()]; dup {
			return nil, fmt.Errorf("duplicate agent id %q", a.ID())
		}
		o.adapters[a.ID()] = a
		o.order = append(o.order, a.ID())
		// Relay all adapter events to orchestrator subscribers.
		o.unsubs = append(o.unsubs, a.OnEvent(o.subs.emit))
	}
	o.activeID = o.order[0]
	return o, nil
}

// OnEvent subscribes to the merged event stream of all adapters.
func (o *Orchestrator) OnEvent(handler Handler) func() {
	return o.subs.add(handler)
}

// SetDelegationHook installs the observer for collaborative turns.
func (o *Orchestrator) SetDelegationHook(hook DelegationHook) {
	o.mu.Lock()
	o.delegationHook = hook
	o.mu.Unlock()
}

// Active returns the active adapter.
func (o *Orchestrator) Active() Adapter {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.adapters[o.activeID]
}

// ActiveID returns the active adapter's id.
func (o *Orchestrator) ActiveID() string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.activeID
}

// SwitchAgent makes the identified adapter active.
func (o *Orchestrator) SwitchAgent(id string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.adapters[id]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAgent, id)
	}
	o.activeID = id
	return nil
}

// ListAgents returns snapshots in registration order.
func (o *Orchestrator) ListAgents() []AgentInfo {
	o.mu.RLock()
	defer o.mu.RUnlock()

	infos := make([]AgentInfo, 0, len(o.order))
	for _, id := range o.order {
		a := o.adapters[id]
		st := a.Status()
		infos = append(infos, AgentInfo{
			ID:       id,
			Active:   id == o.activeID,
			Model:    a.Model(),
			ThreadID: a.ThreadID(),
			Ready:    st.Ready,
		})
	}
	return infos
}

// Send routes a turn to the active adapter.
func (o *Orchestrator) Send(ctx context.Context, input Input, opts SendOptions) (*SendResult, error) {
	return o.Active().Send(ctx, input, opts)
}

// InvokeAgent routes a turn to a specific adapter.
func (o *Orchestrator) InvokeAgent(ctx context.Context, id string, input Input, opts SendOptions) (*SendResult, error) {
	o.mu.RLock()
	a, ok := o.adapters[id]
	o.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAgent, id)
	}
	return a.Send(ctx, input, opts)
}

// ThreadID returns the active adapter's thread id.
func (o *Orchestrator) ThreadID() string {
	return o.Active().ThreadID()
}

// Reset clears the active adapter's thread.
func (o *Orchestrator) Reset() {
	o.Active().Reset()
}

// SetModel selects the model on the active adapter.
func (o *Orchestrator) SetModel(model string) {
	o.Active().SetModel(model)
}

// SetWorkingDirectory updates the cwd on every held adapter so switching
// agents mid-session keeps them in the same tree.
func (o *Orchestrator) SetWorkingDirectory(path string) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	for _, a := range o.adapters {
		a.SetWorkingDirectory(path)
	}
}

// Status reports the active adapter's status.
func (o *Orchestrator) Status() Status {
	return o.Active().Status()
}

// Close detaches the orchestrator's event relays.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	unsubs := o.unsubs
	o.unsubs = nil
	o.mu.Unlock()
	for _, u := range unsubs {
		u()
	}
}

// CollaborativeTurn sends the input to the active adapter and then executes
// any supervisor delegation directives in its response, invoking subordinate
// agents sequentially. Delegated results are appended to the supervisor's
// response with the directive lines stripped.
func (o *Orchestrator) CollaborativeTurn(ctx context.Context, input Input, opts SendOptions) (*SendResult, error) {
	result, err := o.Send(ctx, input, opts)
	if err != nil {
		return nil, err
	}

	directives := delegateDirective.FindAllStringSubmatch(result.Response, -1)
	if len(directives) == 0 {
		return result, nil
	}

	o.mu.RLock()
	hook := o.delegationHook
	activeID := o.activeID
	o.mu.RUnlock()

	response := delegateDirective.ReplaceAllString(result.Response, "")
	var sections []string
	if trimmed := strings.TrimSpace(response); trimmed != "" {
		sections = append(sections, trimmed)
	}

	for _, d := range directives {
		subID, subPrompt := d[1], d[2]
		if subID == activeID {
			o.logger.Warn("supervisor attempted self-delegation", zap.String("agent_id", subID))
			continue
		}
		if hook != nil {
			hook("delegation:start", subID, subPrompt)
		}

		subResult, subErr := o.InvokeAgent(ctx, subID, TextInput(subPrompt), opts)
		if subErr != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			detail := fmt.Sprintf("delegation to %s failed: %v", subID, subErr)
			if hook != nil {
				hook("delegation:result", subID, detail)
			}
			sections = append(sections, detail)
			continue
		}

		if hook != nil {
			hook("delegation:result", subID, subResult.Response)
		}
		sections = append(sections, fmt.Sprintf("[%s]\n%s", subID, subResult.Response))
	}

	return &SendResult{
		Response: strings.Join(sections, "\n\n"),
		Usage:    result.Usage,
	}, nil
}
