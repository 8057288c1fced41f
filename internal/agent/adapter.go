package agent

import (
	"context"
	"sync"
)

// SendOptions controls one turn.
type SendOptions struct {
	// Streaming requests incremental item.* events; non-streaming adapters
	// may emit only the terminal event.
	Streaming bool
	// Env overrides child-process environment entries for this turn.
	Env []string
}

// SendResult is the terminal outcome of a successful turn.
type SendResult struct {
	Response string
	Usage    *Usage
}

// Status describes an adapter's current condition.
type Status struct {
	Ready     bool   `json:"ready"`
	Streaming bool   `json:"streaming"`
	Error     string `json:"error,omitempty"`
}

// Adapter is the uniform contract over a CLI coding agent.
//
// Implementations normalize their native event vocabulary to the Event
// schema: per turn, turn.started, zero or more item.* events, then exactly
// one of turn.completed or turn.failed.
type Adapter interface {
	// ID returns the stable agent identifier ("codex", "claude", ...).
	ID() string

	// Send submits a prompt turn and blocks until the turn terminates.
	Send(ctx context.Context, input Input, opts SendOptions) (*SendResult, error)

	// OnEvent subscribes to the normalized event stream; the returned
	// function unsubscribes.
	OnEvent(handler Handler) func()

	// ThreadID returns the saved conversation thread id, or "" when none.
	ThreadID() string

	// Reset clears the conversation thread.
	Reset()

	// SetModel selects the model for subsequent turns ("" restores default).
	SetModel(model string)

	// Model returns the currently selected model.
	Model() string

	// SetWorkingDirectory changes the cwd for subsequent turns.
	SetWorkingDirectory(path string)

	// Status reports readiness and the last turn error, if any.
	Status() Status
}

// subscribers is a small fan-out helper shared by adapter implementations.
type subscribers struct {
	mu       sync.RWMutex
	nextID   int
	handlers map[int]Handler
}

func newSubscribers() *subscribers {
	return &subscribers{handlers: make(map[int]Handler)}
}

func (s *subscribers) add(h Handler) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.handlers[id] = h
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.handlers, id)
		s.mu.Unlock()
	}
}

func (s *subscribers) emit(ev Event) {
	s.mu.RLock()
	handlers := make([]Handler, 0, len(s.handlers))
	for _, h := range s.handlers {
		handlers = append(handlers, h)
	}
	s.mu.RUnlock()

	for _, h := range handlers {
		h(ev)
	}
}
