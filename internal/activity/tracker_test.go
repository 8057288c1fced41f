package activity

import (
	"fmt"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adsrv/adsrv/internal/agent"
)

func TestClassifyCommand(t *testing.T) {
	tests := []struct {
		command string
		cat     Category
		summary string
	}{
		{"ls -la internal", CategoryList, "ls internal"},
		{"rg -n TODO internal/task", CategorySearch, "rg TODO internal/task"},
		{"grep -r handler .", CategorySearch, "grep handler ."},
		{"find . -name '*.go'", CategorySearch, "find . '*.go'"},
		{"cat internal/task/models/task.go", CategoryRead, "task.go"},
		{"sed -n 1,40p go.mod", CategoryRead, "go.mod"},
		{"/usr/bin/ls src", CategoryList, "/usr/bin/ls src"},
		{"go test ./...", CategoryExecute, "go test ./..."},
	}

	for _, tt := range tests {
		t.Run(tt.command, func(t *testing.T) {
			cat, summary := ClassifyCommand(tt.command)
			assert.Equal(t, tt.cat, cat)
			assert.Equal(t, tt.summary, summary)
		})
	}
}

func TestTruncateKeepsRunesIntact(t *testing.T) {
	long := "экспорт результатов в отдельный каталог для последующей проверки и сравнения версий"
	got := truncate(long, 80)
	assert.True(t, len(got) <= 80)
	assert.True(t, utf8.ValidString(got))

	assert.Equal(t, "short", truncate("short", 80))
}

func TestClassifyTool(t *testing.T) {
	tests := []struct {
		tool   string
		target string
		cat    Category
	}{
		{"read", "internal/db/sqlite.go", CategoryRead},
		{"apply_patch", "internal/db/sqlite.go", CategoryWrite},
		{"vsearch", "lock pool", CategorySearch},
		{"exec", "make lint", CategoryExecute},
		{"agent", "claude", CategoryAgent},
		{"web_search", "sqlite wal", CategoryWebSearch},
		{"mermaid_render", "", CategoryTool},
	}

	for _, tt := range tests {
		t.Run(tt.tool, func(t *testing.T) {
			cat, _ := ClassifyTool(tt.tool, tt.target)
			assert.Equal(t, tt.cat, cat)
		})
	}
}

func TestTracker_ConsecutiveDedupe(t *testing.T) {
	tr := NewTracker(Options{Enabled: true, Dedupe: DedupeConsecutive})

	for i := 0; i < 3; i++ {
		tr.Add(Entry{Category: CategorySearch, Summary: "rg TODO"})
	}
	tr.Add(Entry{Category: CategoryExecute, Summary: "go test ./..."})

	items := tr.Items()
	require.Len(t, items, 2)
	assert.Equal(t, "rg TODO ×3", items[0].Summary)
	assert.Equal(t, "go test ./...", items[1].Summary)
}

func TestTracker_DedupeNoneKeepsDuplicates(t *testing.T) {
	tr := NewTracker(Options{Enabled: true, Dedupe: DedupeNone})

	tr.Add(Entry{Category: CategorySearch, Summary: "rg TODO"})
	tr.Add(Entry{Category: CategorySearch, Summary: "rg TODO"})

	require.Len(t, tr.Items(), 2)
}

func TestTracker_ReadRunsMerge(t *testing.T) {
	tr := NewTracker(Options{Enabled: true, Dedupe: DedupeConsecutive})

	for _, f := range []string{"a.go", "b.go", "c.go", "d.go", "e.go"} {
		tr.Add(Entry{Category: CategoryRead, Summary: f})
	}

	items := tr.Items()
	require.Len(t, items, 1)
	assert.Equal(t, "a.go, b.go, c.go (+2 more)", items[0].Summary)
}

func TestTracker_ReadMergeBreaksOnOtherCategory(t *testing.T) {
	tr := NewTracker(Options{Enabled: true, Dedupe: DedupeConsecutive})

	tr.Add(Entry{Category: CategoryRead, Summary: "a.go"})
	tr.Add(Entry{Category: CategoryRead, Summary: "b.go"})
	tr.Add(Entry{Category: CategoryExecute, Summary: "make test"})
	tr.Add(Entry{Category: CategoryRead, Summary: "c.go"})

	items := tr.Items()
	require.Len(t, items, 3)
	assert.Equal(t, "a.go, b.go", items[0].Summary)
	assert.Equal(t, "make test", items[1].Summary)
	assert.Equal(t, "c.go", items[2].Summary)
}

func TestTracker_MaxItemsKeepsNewest(t *testing.T) {
	tr := NewTracker(Options{Enabled: true, MaxItems: 5, Dedupe: DedupeNone})

	for i := 0; i < 20; i++ {
		tr.Add(Entry{Category: CategoryExecute, Summary: fmt.Sprintf("cmd-%d", i)})
	}

	items := tr.Items()
	require.Len(t, items, 5)
	assert.Equal(t, "cmd-15", items[0].Summary)
	assert.Equal(t, "cmd-19", items[4].Summary)
}

func TestTracker_DisabledIsNoop(t *testing.T) {
	tr := NewTracker(Options{Enabled: false})
	tr.Add(Entry{Category: CategoryExecute, Summary: "x"})
	assert.Empty(t, tr.Items())
}

func TestTracker_IngestEvent(t *testing.T) {
	tr := NewTracker(Options{Enabled: true, Dedupe: DedupeNone})

	tr.IngestEvent(agent.Event{
		Type:    agent.EventItemStarted,
		AgentID: "codex",
		Item:    &agent.Item{Type: agent.ItemCommandExecution, Command: "rg -n Lock internal"},
	})
	// Updates for the same item must not double-count.
	tr.IngestEvent(agent.Event{
		Type:    agent.EventItemUpdated,
		AgentID: "codex",
		Item:    &agent.Item{Type: agent.ItemCommandExecution, Command: "rg -n Lock internal"},
	})
	tr.IngestEvent(agent.Event{
		Type:    agent.EventItemCompleted,
		AgentID: "codex",
		Item: &agent.Item{Type: agent.ItemFileChange, Changes: []agent.FileChange{
			{Kind: agent.FileChangeUpdate, Path: "internal/locking/mutex.go"},
		}},
	})
	tr.IngestEvent(agent.Event{
		Type:    agent.EventItemStarted,
		AgentID: "codex",
		Item:    &agent.Item{Type: agent.ItemWebSearch, Query: "sqlite busy timeout"},
	})

	items := tr.Items()
	require.Len(t, items, 3)
	assert.Equal(t, CategorySearch, items[0].Category)
	assert.Equal(t, CategoryWrite, items[1].Category)
	assert.Equal(t, "mutex.go", items[1].Summary)
	assert.Equal(t, CategoryWebSearch, items[2].Category)
	assert.Equal(t, "codex", items[0].Source)
}
