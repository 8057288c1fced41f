package bootstrap

import (
	"context"
	"fmt"
	"strings"

	"github.com/adsrv/adsrv/internal/agent"
)

// OrchestratorRunner adapts the chat orchestrator to the loop's agent
// contract. Each iteration becomes one prompt turn in the worktree.
type OrchestratorRunner struct {
	orch *agent.Orchestrator
}

// NewOrchestratorRunner wraps an orchestrator as a loop agent.
func NewOrchestratorRunner(orch *agent.Orchestrator) *OrchestratorRunner {
	return &OrchestratorRunner{orch: orch}
}

// RunIteration sends one repair turn. The loop inspects the worktree itself,
// so only the error matters here.
func (r *OrchestratorRunner) RunIteration(ctx context.Context, req IterationRequest) error {
	r.orch.SetWorkingDirectory(req.Cwd)
	_, err := r.orch.Send(ctx, agent.TextInput(renderIterationPrompt(req)), agent.SendOptions{})
	return err
}

// Reset discards the conversation thread when the loop escalates to
// restart_agent.
func (r *OrchestratorRunner) Reset(ctx context.Context) error {
	r.orch.Reset()
	return nil
}

// renderIterationPrompt formats the goal and the previous iteration's
// findings as one prompt.
func renderIterationPrompt(req IterationRequest) string {
	var b strings.Builder
	if req.Iteration == 0 {
		fmt.Fprintf(&b, "Work on this repository toward the goal: %s\n", req.Goal)
	} else {
		fmt.Fprintf(&b, "Iteration %d toward the goal: %s\n", req.Iteration+1, req.Goal)
	}

	fb := req.Feedback
	if fb.StrategyNote != "" {
		b.WriteString("\nNote: " + fb.StrategyNote + "\n")
	}
	if fb.LintSummary != "" {
		b.WriteString("\nLint findings from the last run:\n" + fb.LintSummary + "\n")
	}
	if fb.TestSummary != "" {
		b.WriteString("\nTest failures from the last run:\n" + fb.TestSummary + "\n")
	}
	if fb.DiffSummary != "" {
		b.WriteString("\nYour previous changes:\n" + fb.DiffSummary + "\n")
	}
	if fb.LintSummary != "" || fb.TestSummary != "" {
		b.WriteString("\nFix the reported problems. Keep changes minimal.")
	}
	return b.String()
}
