// Package locking provides the cooperative per-workspace mutex pool and the
// inter-process directory lock used for worktree preparation.
package locking

import (
	"context"
	"sync"
)

// Mutex is a FIFO-fair cooperative lock. Waiters acquire in arrival order;
// acquisition is abortable through the caller's context.
type Mutex struct {
	mu     sync.Mutex
	locked bool
	// waiters holds one channel per queued acquirer, signalled in order.
	waiters []chan struct{}
}

// NewMutex creates an unlocked mutex.
func NewMutex() *Mutex {
	return &Mutex{}
}

// Lock acquires the mutex, waiting behind earlier arrivals.
func (m *Mutex) Lock(ctx context.Context) error {
	m.mu.Lock()
	if !m.locked && len(m.waiters) == 0 {
		m.locked = true
		m.mu.Unlock()
		return nil
	}

	turn := make(chan struct{})
	m.waiters = append(m.waiters, turn)
	m.mu.Unlock()

	select {
	case <-turn:
		return nil
	case <-ctx.Done():
		m.abandon(turn)
		return ctx.Err()
	}
}

// abandon removes a cancelled waiter; if its turn raced with cancellation,
// the grant is passed on.
func (m *Mutex) abandon(turn chan struct{}) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, w := range m.waiters {
		if w == turn {
			m.waiters = append(m.waiters[:i], m.waiters[i+1:]...)
			return
		}
	}
	// Not in the queue: the grant already fired. Hand it to the next waiter.
	m.unlockLocked()
}

// Unlock releases the mutex, waking the longest-waiting acquirer.
func (m *Mutex) Unlock() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unlockLocked()
}

func (m *Mutex) unlockLocked() {
	if len(m.waiters) > 0 {
		next := m.waiters[0]
		m.waiters = m.waiters[1:]
		close(next)
		return
	}
	m.locked = false
}

// RunExclusive runs op while holding the mutex.
func (m *Mutex) RunExclusive(ctx context.Context, op func() error) error {
	if err := m.Lock(ctx); err != nil {
		return err
	}
	defer m.Unlock()
	return op()
}

// IsLocked reports whether the mutex is currently held.
func (m *Mutex) IsLocked() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.locked
}

// Pool maps workspace roots to their mutex. Locks are created on first use
// and never evicted; the pool is the single serialization point for all
// per-workspace state mutations.
type Pool struct {
	mu    sync.Mutex
	locks map[string]*Mutex
}

// NewPool creates an empty lock pool.
func NewPool() *Pool {
	return &Pool{locks: make(map[string]*Mutex)}
}

// Get returns the mutex for a workspace root, creating it on first use.
func (p *Pool) Get(workspaceRoot string) *Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()

	if lock, ok := p.locks[workspaceRoot]; ok {
		return lock
	}
	lock := NewMutex()
	p.locks[workspaceRoot] = lock
	return lock
}

// RunExclusive runs op while holding the workspace's mutex.
func (p *Pool) RunExclusive(ctx context.Context, workspaceRoot string, op func() error) error {
	return p.Get(workspaceRoot).RunExclusive(ctx, op)
}

// Len returns the number of distinct workspace locks created so far.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.locks)
}
