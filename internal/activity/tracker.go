// Package activity derives the bounded "Explored" feed from normalized agent
// events and explicit tool invocations.
package activity

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/adsrv/adsrv/internal/agent"
)

// Category classifies one explored entry.
type Category string

const (
	CategoryList      Category = "List"
	CategorySearch    Category = "Search"
	CategoryRead      Category = "Read"
	CategoryWrite     Category = "Write"
	CategoryExecute   Category = "Execute"
	CategoryAgent     Category = "Agent"
	CategoryTool      Category = "Tool"
	CategoryWebSearch Category = "WebSearch"
)

// DedupeMode controls feed compaction.
type DedupeMode string

const (
	DedupeNone        DedupeMode = "none"
	DedupeConsecutive DedupeMode = "consecutive"
)

// readMergeFanout bounds how many file names a merged Read entry spells out
// before collapsing the tail into "(+N more)".
const readMergeFanout = 3

// Entry is one item of the explored feed.
type Entry struct {
	Category Category          `json:"category"`
	Summary  string            `json:"summary"`
	Ts       time.Time         `json:"ts"`
	Source   string            `json:"source"`
	Meta     map[string]string `json:"meta,omitempty"`
}

// Tracker ingests events and exposes the compacted feed.
type Tracker struct {
	mu       sync.RWMutex
	entries  []Entry
	maxItems int
	dedupe   DedupeMode
	enabled  bool
}

// Options configures a tracker.
type Options struct {
	Enabled  bool
	MaxItems int
	Dedupe   DedupeMode
}

// NewTracker creates a tracker.
func NewTracker(opts Options) *Tracker {
	maxItems := opts.MaxItems
	if maxItems <= 0 {
		maxItems = 50
	}
	dedupe := opts.Dedupe
	if dedupe == "" {
		dedupe = DedupeConsecutive
	}
	return &Tracker{
		maxItems: maxItems,
		dedupe:   dedupe,
		enabled:  opts.Enabled,
	}
}

// Add appends a raw entry to the feed.
func (t *Tracker) Add(e Entry) {
	if !t.enabled {
		return
	}
	if e.Ts.IsZero() {
		e.Ts = time.Now()
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.entries = append(t.entries, e)
	// Raw storage is bounded too; compaction can only shrink, so a few
	// multiples of maxItems is always enough to fill the feed.
	if overflow := len(t.entries) - t.maxItems*4; overflow > 0 {
		t.entries = append([]Entry(nil), t.entries[overflow:]...)
	}
}

// IngestEvent derives entries from a normalized adapter event.
func (t *Tracker) IngestEvent(ev agent.Event) {
	if !t.enabled || ev.Item == nil {
		return
	}
	item := ev.Item

	switch item.Type {
	case agent.ItemCommandExecution:
		if ev.Type != agent.EventItemStarted {
			return
		}
		cat, summary := ClassifyCommand(item.Command)
		t.Add(Entry{Category: cat, Summary: summary, Source: ev.AgentID})

	case agent.ItemFileChange:
		if ev.Type != agent.EventItemCompleted {
			return
		}
		for _, ch := range item.Changes {
			t.Add(Entry{Category: CategoryWrite, Summary: filepath.Base(ch.Path), Source: ev.AgentID})
		}

	case agent.ItemToolCall, agent.ItemMCPToolCall:
		if ev.Type != agent.EventItemStarted {
			return
		}
		cat, summary := ClassifyTool(item.ToolName, string(item.ToolArgs))
		t.Add(Entry{Category: cat, Summary: summary, Source: ev.AgentID})

	case agent.ItemWebSearch:
		if ev.Type != agent.EventItemStarted {
			return
		}
		t.Add(Entry{Category: CategoryWebSearch, Summary: item.Query, Source: ev.AgentID})
	}
}

// RecordTool ingests an explicit tool-invocation hook.
func (t *Tracker) RecordTool(toolName, target, source string) {
	if !t.enabled {
		return
	}
	cat, summary := ClassifyTool(toolName, target)
	t.Add(Entry{Category: cat, Summary: summary, Source: source})
}

// Items returns the compacted feed, newest last, capped at maxItems.
func (t *Tracker) Items() []Entry {
	t.mu.RLock()
	raw := append([]Entry(nil), t.entries...)
	t.mu.RUnlock()

	compacted := compact(raw, t.dedupe)
	if len(compacted) > t.maxItems {
		compacted = compacted[len(compacted)-t.maxItems:]
	}
	return compacted
}

// Reset drops the feed.
func (t *Tracker) Reset() {
	t.mu.Lock()
	t.entries = nil
	t.mu.Unlock()
}

// compact is the pure feed compaction: consecutive duplicates collapse with
// a ×N suffix, and runs of Read entries merge into one listing. Restartable:
// compact(compact-input) over any prefix yields a prefix of the result.
func compact(entries []Entry, mode DedupeMode) []Entry {
	if mode == DedupeNone || len(entries) == 0 {
		return entries
	}

	var out []Entry
	i := 0
	for i < len(entries) {
		e := entries[i]

		// Merge a run of distinct Read entries into one.
		if e.Category == CategoryRead {
			j := i
			var names []string
			for j < len(entries) && entries[j].Category == CategoryRead {
				if len(names) == 0 || names[len(names)-1] != entries[j].Summary {
					names = append(names, entries[j].Summary)
				}
				j++
			}
			if len(names) > 1 {
				out = append(out, Entry{
					Category: CategoryRead,
					Summary:  mergeNames(names),
					Ts:       entries[j-1].Ts,
					Source:   e.Source,
				})
				i = j
				continue
			}
		}

		// Collapse consecutive identical (category, summary) pairs.
		run := 1
		for i+run < len(entries) &&
			entries[i+run].Category == e.Category &&
			entries[i+run].Summary == e.Summary {
			run++
		}
		if run > 1 {
			e.Summary = fmt.Sprintf("%s ×%d", e.Summary, run)
			e.Ts = entries[i+run-1].Ts
		}
		out = append(out, e)
		i += run
	}
	return out
}

func mergeNames(names []string) string {
	if len(names) <= readMergeFanout {
		return strings.Join(names, ", ")
	}
	head := strings.Join(names[:readMergeFanout], ", ")
	return fmt.Sprintf("%s (+%d more)", head, len(names)-readMergeFanout)
}

// ClassifyCommand maps a shell command line to an explored category by
// tokenizing its program name.
func ClassifyCommand(command string) (Category, string) {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return CategoryExecute, command
	}
	prog := filepath.Base(fields[0])

	switch prog {
	case "ls", "tree":
		return CategoryList, summarizeArgs(fields)
	case "rg", "grep", "find", "ag":
		return CategorySearch, summarizeArgs(fields)
	case "cat", "head", "tail", "less", "sed":
		return CategoryRead, readTarget(fields)
	default:
		return CategoryExecute, truncate(command, 80)
	}
}

// ClassifyTool maps a tool invocation to an explored category.
func ClassifyTool(toolName, target string) (Category, string) {
	name := strings.ToLower(toolName)
	summary := truncate(target, 80)
	if summary == "" {
		summary = toolName
	}

	switch {
	case name == "read" || name == "read_file":
		return CategoryRead, filepath.Base(summary)
	case name == "write" || name == "write_file" || name == "apply_patch" || name == "edit":
		return CategoryWrite, filepath.Base(summary)
	case name == "search" || name == "grep" || name == "find" || name == "vsearch" || name == "glob":
		return CategorySearch, summary
	case name == "exec" || name == "bash" || name == "shell":
		return CategoryExecute, summary
	case name == "agent" || strings.HasPrefix(name, "agent_"):
		return CategoryAgent, summary
	case name == "web_search" || name == "websearch":
		return CategoryWebSearch, summary
	default:
		return CategoryTool, toolName
	}
}

// readTarget picks the last non-flag argument as the file being read.
func readTarget(fields []string) string {
	for i := len(fields) - 1; i > 0; i-- {
		if !strings.HasPrefix(fields[i], "-") {
			return filepath.Base(fields[i])
		}
	}
	return fields[0]
}

// summarizeArgs keeps the program plus its non-flag arguments.
func summarizeArgs(fields []string) string {
	parts := []string{fields[0]}
	for _, f := range fields[1:] {
		if !strings.HasPrefix(f, "-") {
			parts = append(parts, f)
		}
	}
	return truncate(strings.Join(parts, " "), 80)
}

// truncate clips to at most n bytes, never splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n - 1
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "…"
}
