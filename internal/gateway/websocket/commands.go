package websocket

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/adsrv/adsrv/internal/agent"
	"github.com/adsrv/adsrv/internal/bootstrap"
	"github.com/adsrv/adsrv/internal/execution"
	"github.com/adsrv/adsrv/internal/session"
)

const (
	searchTimeout     = 30 * time.Second
	searchMaxMatches  = 50
	bootstrapTimeout  = 2 * time.Hour
	defaultBootstraps = 5
)

// handleCommand runs a local slash command outside a prompt turn.
func (c *Client) handleCommand(ctx context.Context, raw string) {
	raw = strings.TrimSpace(raw)
	if raw == "" || !strings.HasPrefix(raw, "/") {
		c.emitError(errorView{Code: "bad_request", Hint: "commands start with a slash"})
		return
	}
	fields := strings.Fields(raw)
	name, args := fields[0], fields[1:]

	switch name {
	case "/cd":
		if len(args) != 1 {
			c.emitError(errorView{Code: "bad_request", Hint: "usage: /cd <path>"})
			return
		}
		c.commandCd(args[0])
	case "/pwd":
		sess, err := c.ensureSession()
		if err != nil {
			c.emitError(errorView{Code: "session_error", OriginalError: err.Error(), Hint: "failed to open session"})
			return
		}
		c.emit(msgWorkspace, map[string]any{"cwd": sess.Cwd()})
	case "/agent":
		if len(args) != 1 {
			c.emitError(errorView{Code: "bad_request", Hint: "usage: /agent <id>"})
			return
		}
		c.commandAgent(args[0])
	case "/interrupt":
		c.cancelTurn()
		c.emit(msgResult, map[string]any{"ok": true, "output": "interrupted"})
	default:
		c.emitError(errorView{Code: "bad_request", Hint: "unknown command: " + name})
	}
}

// commandCd validates the target against the allow-list and moves the
// session's working directory.
func (c *Client) commandCd(path string) {
	abs, err := c.gw.validateAllowedDir(path)
	if err != nil {
		c.emitError(errorView{Code: "path_not_allowed", OriginalError: err.Error(), Hint: "choose a directory inside the allowed roots"})
		return
	}
	sess, err := c.ensureSession()
	if err != nil {
		c.emitError(errorView{Code: "session_error", OriginalError: err.Error(), Hint: "failed to open session"})
		return
	}

	c.gw.sessions.SetCwd(sess, abs)
	fields := map[string]any{"cwd": abs}
	if !workspaceInitialized(abs) {
		fields["warning"] = "workspace is not initialized (no .git found)"
	}
	c.emit(msgWorkspace, fields)
}

func (c *Client) commandAgent(id string) {
	sess, err := c.ensureSession()
	if err != nil {
		c.emitError(errorView{Code: "session_error", OriginalError: err.Error(), Hint: "failed to open session"})
		return
	}
	if err := sess.Orchestrator.SwitchAgent(id); err != nil {
		c.emitError(errorView{Code: "bad_request", OriginalError: err.Error(), Hint: "unknown agent id"})
		return
	}
	c.emit(msgAgent, map[string]any{"agent": id, "threadId": sess.Orchestrator.ThreadID()})
	c.emitAgents()
}

// runSearch executes a ripgrep query in the session's tree and streams a
// formatted result bubble.
func (c *Client) runSearch(ctx context.Context, sess *session.Session, query string) error {
	if query == "" {
		c.emitError(errorView{Code: "bad_request", Hint: "usage: /search <query>"})
		return nil
	}

	res, err := c.gw.exec.Run(ctx, execution.Request{
		Cmd:       "rg",
		Args:      []string{"-n", "--max-count", strconv.Itoa(searchMaxMatches), "--", query},
		Cwd:       sess.Cwd(),
		Timeout:   searchTimeout,
		Allowlist: []string{"rg"},
	})
	if err != nil {
		return err
	}

	c.tracker.RecordTool("search", query, "slash")
	var out strings.Builder
	fmt.Fprintf(&out, "Search results for %q:\n", query)
	switch {
	case res.ExitCode == 0 && strings.TrimSpace(res.Stdout) != "":
		out.WriteString(res.Stdout)
		if res.StdoutTruncated {
			out.WriteString("\n(output truncated)")
		}
	case res.ExitCode == 1:
		out.WriteString("no matches")
	default:
		out.WriteString("search failed: " + strings.TrimSpace(res.Stderr))
	}

	c.emit(msgDelta, map[string]any{"delta": out.String() + "\n", "source": "step"})
	c.emit(msgResult, map[string]any{"ok": res.ExitCode == 0 || res.ExitCode == 1, "output": out.String()})
	return nil
}

// bootstrapArgs is the parsed form of a /bootstrap command line.
type bootstrapArgs struct {
	Soft          bool
	NoInstall     bool
	NoNetwork     bool
	MaxIterations int
	Model         string
	Target        string
	Goal          string
}

// parseBootstrapArgs parses "/bootstrap [flags] <repoPath|gitUrl> <goal...>".
func parseBootstrapArgs(raw string) (bootstrapArgs, error) {
	args := bootstrapArgs{MaxIterations: defaultBootstraps}
	fields := strings.Fields(raw)
	if len(fields) == 0 || fields[0] != "/bootstrap" {
		return args, fmt.Errorf("not a bootstrap command")
	}

	var positional []string
	for _, f := range fields[1:] {
		switch {
		case f == "--soft":
			args.Soft = true
		case f == "--no-install":
			args.NoInstall = true
		case f == "--no-network":
			args.NoNetwork = true
		case strings.HasPrefix(f, "--max-iterations="):
			n, err := strconv.Atoi(strings.TrimPrefix(f, "--max-iterations="))
			if err != nil || n < 1 || n > 10 {
				return args, fmt.Errorf("invalid --max-iterations value")
			}
			args.MaxIterations = n
		case strings.HasPrefix(f, "--model="):
			args.Model = strings.TrimPrefix(f, "--model=")
		case strings.HasPrefix(f, "--"):
			return args, fmt.Errorf("unknown flag %s", f)
		default:
			positional = append(positional, f)
		}
	}

	if len(positional) < 2 {
		return args, fmt.Errorf("usage: /bootstrap [flags] <repoPath|gitUrl> <goal...>")
	}
	args.Target = positional[0]
	args.Goal = strings.Join(positional[1:], " ")
	return args, nil
}

func isGitURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://") ||
		strings.HasPrefix(s, "git@") || strings.HasPrefix(s, "ssh://") ||
		strings.HasSuffix(s, ".git")
}

// runBootstrap parses the command line, resolves the project source, and
// drives one bootstrap cycle.
func (c *Client) runBootstrap(ctx context.Context, sess *session.Session, raw string) error {
	if c.gw.bootstrapper == nil {
		c.emitError(errorView{Code: "bad_request", Hint: "bootstrap is not configured on this server"})
		return nil
	}

	args, err := parseBootstrapArgs(raw)
	if err != nil {
		c.emitError(errorView{Code: "bad_request", OriginalError: err.Error(), Hint: "check the /bootstrap usage"})
		return nil
	}

	source := bootstrap.ProjectSource{Kind: bootstrap.SourceGitURL, Value: args.Target}
	if !isGitURL(args.Target) {
		abs, err := c.gw.validateAllowedDir(args.Target)
		if err != nil {
			c.emitError(errorView{Code: "path_not_allowed", OriginalError: err.Error(), Hint: "the repository path must be inside the allowed roots"})
			return nil
		}
		source = bootstrap.ProjectSource{Kind: bootstrap.SourceLocalPath, Value: abs}
	}

	spec := bootstrap.RunSpec{
		Project:          source,
		Goal:             args.Goal,
		MaxIterations:    args.MaxIterations,
		AllowNetwork:     !args.NoNetwork,
		AllowInstallDeps: !args.NoInstall,
		Commit:           bootstrap.CommitSpec{Enabled: !args.Soft},
		Sandbox:          bootstrap.SandboxSpec{Backend: bootstrap.SandboxNone},
	}

	c.emit(msgDelta, map[string]any{
		"delta":  fmt.Sprintf("[bootstrap] starting: %s (max %d iterations)\n", args.Goal, args.MaxIterations),
		"source": "step",
	})

	runCtx, cancel := context.WithTimeout(ctx, bootstrapTimeout)
	defer cancel()
	res, err := c.gw.bootstrapper.Run(runCtx, spec)
	if err != nil {
		return err
	}

	summary := fmt.Sprintf("bootstrap finished: ok=%v iterations=%d", res.OK, res.Iterations)
	if res.FinalCommit != "" {
		summary += " commit=" + res.FinalCommit
	}
	if res.Error != "" {
		summary += " error=" + res.Error
	}
	sess.AppendHistory("status", summary)
	c.emit(msgResult, map[string]any{"ok": res.OK, "output": summary, "bootstrap": res})
	return nil
}

// threadSetter is implemented by adapters that can resume a saved thread.
type threadSetter interface {
	SetThreadID(id string)
}

// handleResume restores a conversation thread: explicit id, then the current
// live thread, then the saved one, then none. The chosen thread is validated
// with a minimal probe turn before history is cleared.
func (c *Client) handleResume(ctx context.Context, p ResumePayload) {
	sess, err := c.ensureSession()
	if err != nil {
		c.emitError(errorView{Code: "session_error", OriginalError: err.Error(), Hint: "failed to open session"})
		return
	}

	agentID := sess.Orchestrator.ActiveID()
	var chosen string
	switch {
	case p.ThreadID != "":
		chosen = p.ThreadID
	case p.Mode == "saved":
		chosen = sess.SavedThread(agentID)
	case sess.Orchestrator.ThreadID() != "":
		chosen = sess.Orchestrator.ThreadID()
	default:
		chosen = sess.SavedThread(agentID)
	}

	if chosen != "" {
		ts, ok := sess.Orchestrator.Active().(threadSetter)
		if !ok {
			c.emitError(errorView{Code: "bad_request", Hint: "the active agent does not support thread resume"})
			return
		}
		ts.SetThreadID(chosen)

		// Probe the thread with a minimal turn before trusting it.
		probeCtx, cancel := context.WithTimeout(ctx, time.Minute)
		_, probeErr := sess.Orchestrator.Send(probeCtx, agent.TextInput("ping"), agent.SendOptions{})
		cancel()
		if probeErr != nil {
			classified := agent.Classify(probeErr)
			if classified.NeedsReset {
				sess.Orchestrator.Reset()
			}
			c.logger.Warn("thread probe failed",
				zap.String("agent_id", agentID),
				zap.String("thread_id", chosen),
				zap.Error(probeErr))
			c.emitClassified(probeErr)
			return
		}
	}

	note := "resumed session"
	if chosen != "" {
		note = "resumed thread " + chosen
	}
	sess.ClearHistory(note)
	sess.SaveThread(agentID, sess.Orchestrator.ThreadID())

	c.emit(msgHistory, map[string]any{"entries": []session.HistoryEntry{{Role: "status", Text: note}}})
	c.emit(msgResult, map[string]any{
		"ok":       true,
		"output":   note,
		"threadId": sess.Orchestrator.ThreadID(),
	})
}
