package session

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adsrv/adsrv/internal/agent"
	"github.com/adsrv/adsrv/internal/common/logger"
)

type nullAdapter struct {
	id       string
	subs     int32
	threadID atomic.Value
}

func (n *nullAdapter) ID() string { return n.id }
func (n *nullAdapter) Send(ctx context.Context, input agent.Input, opts agent.SendOptions) (*agent.SendResult, error) {
	return &agent.SendResult{Response: "ok"}, nil
}
func (n *nullAdapter) OnEvent(h agent.Handler) func() {
	atomic.AddInt32(&n.subs, 1)
	return func() { atomic.AddInt32(&n.subs, -1) }
}
func (n *nullAdapter) ThreadID() string {
	if v := n.threadID.Load(); v != nil {
		return v.(string)
	}
	return ""
}
func (n *nullAdapter) Reset()                     { n.threadID.Store("") }
func (n *nullAdapter) SetModel(string)            {}
func (n *nullAdapter) Model() string              { return "" }
func (n *nullAdapter) SetWorkingDirectory(string) {}
func (n *nullAdapter) Status() agent.Status       { return agent.Status{Ready: true} }

func testManager(t *testing.T, idleTTL time.Duration) (*Manager, *int32) {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)

	var built int32
	factory := func(cwd, resumeThread string) (*agent.Orchestrator, error) {
		atomic.AddInt32(&built, 1)
		return agent.NewOrchestrator(log, &nullAdapter{id: "codex"})
	}
	return NewManager(log, factory, idleTTL), &built
}

func TestManager_GetOrCreateIsLazyAndCached(t *testing.T) {
	m, built := testManager(t, 0)
	defer m.Stop()

	s1, err := m.GetOrCreate(7, "/tmp/proj", "")
	require.NoError(t, err)
	s2, err := m.GetOrCreate(7, "", "")
	require.NoError(t, err)

	assert.Same(t, s1, s2)
	assert.EqualValues(t, 1, atomic.LoadInt32(built))
	assert.Equal(t, "/tmp/proj", s1.Cwd())
	assert.Equal(t, 1, m.Len())
}

func TestManager_ResumeThreadSeedsSavedThread(t *testing.T) {
	m, _ := testManager(t, 0)
	defer m.Stop()

	s, err := m.GetOrCreate(1, "/tmp", "th-old")
	require.NoError(t, err)
	assert.Equal(t, "th-old", s.SavedThread("codex"))
}

func TestManager_SetCwdRebuildsLogger(t *testing.T) {
	m, _ := testManager(t, 0)
	defer m.Stop()

	s, err := m.GetOrCreate(1, "/tmp/a", "")
	require.NoError(t, err)
	before := s.Logger()

	m.SetCwd(s, "/tmp/b")
	assert.Equal(t, "/tmp/b", s.Cwd())
	assert.NotSame(t, before, s.Logger())
}

func TestManager_CollectPrunesIdleSessions(t *testing.T) {
	m, _ := testManager(t, 10*time.Millisecond)
	defer m.Stop()

	_, err := m.GetOrCreate(1, "/tmp", "")
	require.NoError(t, err)
	require.Equal(t, 1, m.Len())

	time.Sleep(30 * time.Millisecond)
	m.collect()
	assert.Equal(t, 0, m.Len())
}

func TestSession_ThreadStorageIsIdempotent(t *testing.T) {
	m, _ := testManager(t, 0)
	defer m.Stop()

	s, err := m.GetOrCreate(1, "/tmp", "")
	require.NoError(t, err)

	s.SaveThread("codex", "th-1")
	s.SaveThread("codex", "th-1")
	assert.Equal(t, "th-1", s.SavedThread("codex"))

	s.StashResumeThread("codex", "th-1")
	assert.Equal(t, "th-1", s.ResumeThread("codex"))
	assert.Empty(t, s.SavedThread("claude"))
}

func TestSession_HistoryInjectionFlagConsumesOnce(t *testing.T) {
	m, _ := testManager(t, 0)
	defer m.Stop()

	s, err := m.GetOrCreate(1, "/tmp", "")
	require.NoError(t, err)

	assert.False(t, s.ConsumeHistoryInjection())
	s.SetNeedsHistoryInjection(true)
	assert.True(t, s.ConsumeHistoryInjection())
	assert.False(t, s.ConsumeHistoryInjection())
}

func TestSession_HistoryBlockBounds(t *testing.T) {
	m, _ := testManager(t, 0)
	defer m.Stop()

	s, err := m.GetOrCreate(1, "/tmp", "")
	require.NoError(t, err)

	for i := 0; i < 30; i++ {
		s.AppendHistory("user", "question")
		s.AppendHistory("assistant", "answer")
	}
	s.AppendHistory("status", "ignored by injection")

	block := s.HistoryBlock(20, 8000)
	require.NotEmpty(t, block)
	assert.Equal(t, 20, strings.Count(block, "\n")-1)
	assert.NotContains(t, block, "ignored by injection")
	assert.LessOrEqual(t, len(block), 8000)
}

func TestSession_ClearHistorySeedsStatusEntry(t *testing.T) {
	m, _ := testManager(t, 0)
	defer m.Stop()

	s, err := m.GetOrCreate(1, "/tmp", "")
	require.NoError(t, err)

	s.AppendHistory("user", "hello")
	s.ClearHistory("resumed thread th-9")

	assert.Empty(t, s.HistoryBlock(20, 8000))
	s.mu.Lock()
	require.Len(t, s.history, 1)
	assert.Equal(t, "status", s.history[0].Role)
	s.mu.Unlock()
}

func TestSession_RecentHistoryReturnsNewestOldestFirst(t *testing.T) {
	m, _ := testManager(t, 0)
	defer m.Stop()

	s, err := m.GetOrCreate(1, "/tmp", "")
	require.NoError(t, err)

	assert.Nil(t, s.RecentHistory(5))

	s.AppendHistory("user", "one")
	s.AppendHistory("assistant", "two")
	s.AppendHistory("status", "three")

	got := s.RecentHistory(2)
	require.Len(t, got, 2)
	assert.Equal(t, "two", got[0].Text)
	assert.Equal(t, "three", got[1].Text)

	assert.Len(t, s.RecentHistory(10), 3)
	assert.Nil(t, s.RecentHistory(0))
}
