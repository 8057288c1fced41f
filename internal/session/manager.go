// Package session tracks per-user chat sessions: the orchestrator, working
// directory, conversation history, and saved agent threads.
package session

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/adsrv/adsrv/internal/agent"
	"github.com/adsrv/adsrv/internal/common/logger"
)

// DefaultIdleTTL is how long a session may sit untouched before the
// collector prunes it.
const DefaultIdleTTL = 2 * time.Hour

// collectInterval is how often the collector scans for idle sessions.
const collectInterval = 10 * time.Minute

// HistoryEntry is one line of a session's recent conversation.
type HistoryEntry struct {
	Role string    `json:"role"` // "user" | "assistant" | "status"
	Text string    `json:"text"`
	Ts   time.Time `json:"ts"`
}

// threadRecord holds the per-agent thread identity of a session.
type threadRecord struct {
	saved  string
	resume string
}

// Session is one user's live record.
type Session struct {
	UserID       int
	Orchestrator *agent.Orchestrator

	mu           sync.Mutex
	cwd          string
	lastActivity time.Time
	history      []HistoryEntry
	needsHistory bool
	threads      map[string]*threadRecord
	logger       *logger.Logger
}

// Cwd returns the session's working directory.
func (s *Session) Cwd() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cwd
}

// Logger returns the session's conversation logger.
func (s *Session) Logger() *logger.Logger {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.logger
}

// OrchestratorFactory builds a session's orchestrator lazily. resumeThread,
// when non-empty, is installed on the active adapter before first use.
type OrchestratorFactory func(cwd, resumeThread string) (*agent.Orchestrator, error)

// Manager owns the session table and the idle collector.
type Manager struct {
	logger  *logger.Logger
	factory OrchestratorFactory
	idleTTL time.Duration

	mu       sync.Mutex
	sessions map[int]*Session

	stop     chan struct{}
	stopOnce sync.Once
}

// NewManager creates a session manager. idleTTL <= 0 selects the default.
func NewManager(log *logger.Logger, factory OrchestratorFactory, idleTTL time.Duration) *Manager {
	if idleTTL <= 0 {
		idleTTL = DefaultIdleTTL
	}
	return &Manager{
		logger:   log.WithFields(zap.String("component", "session-manager")),
		factory:  factory,
		idleTTL:  idleTTL,
		sessions: make(map[int]*Session),
		stop:     make(chan struct{}),
	}
}

// Start launches the idle collector.
func (m *Manager) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(collectInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stop:
				return
			case <-ticker.C:
				m.collect()
			}
		}
	}()
}

// Stop halts the collector and closes every session.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })

	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[int]*Session)
	m.mu.Unlock()

	for _, s := range sessions {
		s.Orchestrator.Close()
	}
}

// GetOrCreate returns the user's session, constructing the orchestrator on
// first use. A non-empty cwd on an existing session updates it.
func (m *Manager) GetOrCreate(userID int, cwd, resumeThread string) (*Session, error) {
	m.mu.Lock()
	s, ok := m.sessions[userID]
	m.mu.Unlock()

	if ok {
		s.touch()
		if cwd != "" && cwd != s.Cwd() {
			m.SetCwd(s, cwd)
		}
		return s, nil
	}

	orch, err := m.factory(cwd, resumeThread)
	if err != nil {
		return nil, err
	}

	s = &Session{
		UserID:       userID,
		Orchestrator: orch,
		cwd:          cwd,
		lastActivity: time.Now(),
		threads:      make(map[string]*threadRecord),
		logger:       m.sessionLogger(userID, cwd),
	}
	if resumeThread != "" {
		s.threads[orch.ActiveID()] = &threadRecord{saved: resumeThread}
	}

	m.mu.Lock()
	// Another goroutine may have raced the construction; keep the winner.
	if existing, dup := m.sessions[userID]; dup {
		m.mu.Unlock()
		orch.Close()
		existing.touch()
		return existing, nil
	}
	m.sessions[userID] = s
	m.mu.Unlock()

	m.logger.Info("session created", zap.Int("user_id", userID), zap.String("cwd", cwd))
	return s, nil
}

// Get returns the live session for the user, or nil.
func (m *Manager) Get(userID int) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[userID]
}

// Remove closes and drops a session.
func (m *Manager) Remove(userID int) {
	m.mu.Lock()
	s, ok := m.sessions[userID]
	delete(m.sessions, userID)
	m.mu.Unlock()
	if ok {
		s.Orchestrator.Close()
	}
}

// SetCwd updates the working directory and rebuilds the conversation logger
// so its fields reflect the new tree.
func (m *Manager) SetCwd(s *Session, cwd string) {
	s.mu.Lock()
	s.cwd = cwd
	s.logger = m.sessionLogger(s.UserID, cwd)
	s.mu.Unlock()
	s.Orchestrator.SetWorkingDirectory(cwd)
	s.touch()
}

func (m *Manager) sessionLogger(userID int, cwd string) *logger.Logger {
	return m.logger.WithFields(zap.Int("user_id", userID), zap.String("cwd", cwd))
}

func (m *Manager) collect() {
	cutoff := time.Now().Add(-m.idleTTL)

	m.mu.Lock()
	var idle []*Session
	for id, s := range m.sessions {
		if s.lastActive().Before(cutoff) {
			idle = append(idle, s)
			delete(m.sessions, id)
		}
	}
	m.mu.Unlock()

	for _, s := range idle {
		m.logger.Info("pruning idle session", zap.Int("user_id", s.UserID))
		s.Orchestrator.Close()
	}
}

// Len reports the number of live sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

func (s *Session) lastActive() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// SaveThread records the agent's thread id. Saving the same id again is a
// no-op.
func (s *Session) SaveThread(agentID, threadID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.threadRecord(agentID)
	rec.saved = threadID
}

// SavedThread returns the saved thread id for the agent, if any.
func (s *Session) SavedThread(agentID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.threads[agentID]; ok {
		return rec.saved
	}
	return ""
}

// StashResumeThread preserves a restore point when a reset is about to
// discard the live thread.
func (s *Session) StashResumeThread(agentID, threadID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.threadRecord(agentID)
	rec.resume = threadID
}

// ResumeThread returns the stashed restore point for the agent, if any.
func (s *Session) ResumeThread(agentID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.threads[agentID]; ok {
		return rec.resume
	}
	return ""
}

func (s *Session) threadRecord(agentID string) *threadRecord {
	rec, ok := s.threads[agentID]
	if !ok {
		rec = &threadRecord{}
		s.threads[agentID] = rec
	}
	return rec
}

// SetNeedsHistoryInjection marks that the next turn should prepend the
// recent-history context block.
func (s *Session) SetNeedsHistoryInjection(v bool) {
	s.mu.Lock()
	s.needsHistory = v
	s.mu.Unlock()
}

// ConsumeHistoryInjection reads and clears the injection flag.
func (s *Session) ConsumeHistoryInjection() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := s.needsHistory
	s.needsHistory = false
	return v
}

// AppendHistory records one conversation entry.
func (s *Session) AppendHistory(role, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, HistoryEntry{Role: role, Text: text, Ts: time.Now()})
	// The injection block only ever looks at a bounded tail.
	const keep = 200
	if len(s.history) > keep {
		s.history = append([]HistoryEntry(nil), s.history[len(s.history)-keep:]...)
	}
}

// RecentHistory returns a copy of the newest max entries, oldest first.
func (s *Session) RecentHistory(max int) []HistoryEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	if max <= 0 || len(s.history) == 0 {
		return nil
	}
	start := len(s.history) - max
	if start < 0 {
		start = 0
	}
	return append([]HistoryEntry(nil), s.history[start:]...)
}

// ClearHistory drops the conversation and optionally seeds a single status
// entry describing why.
func (s *Session) ClearHistory(statusNote string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = nil
	if statusNote != "" {
		s.history = []HistoryEntry{{Role: "status", Text: statusNote, Ts: time.Now()}}
	}
}

// HistoryBlock synthesizes the recent-history context prefix: at most
// maxEntries of the newest user/assistant entries, bounded to maxChars.
func (s *Session) HistoryBlock(maxEntries, maxChars int) string {
	s.mu.Lock()
	entries := append([]HistoryEntry(nil), s.history...)
	s.mu.Unlock()

	var picked []HistoryEntry
	for i := len(entries) - 1; i >= 0 && len(picked) < maxEntries; i-- {
		if entries[i].Role == "user" || entries[i].Role == "assistant" {
			picked = append(picked, entries[i])
		}
	}
	if len(picked) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("Recent conversation context:\n")
	total := b.Len()
	// picked is newest-first; emit oldest-first.
	for i := len(picked) - 1; i >= 0; i-- {
		line := picked[i].Role + ": " + picked[i].Text + "\n"
		if total+len(line) > maxChars {
			break
		}
		b.WriteString(line)
		total += len(line)
	}
	return b.String()
}
