package gates

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/steveyegge/quorum/internal/phase"
	"github.com/steveyegge/quorum/internal/types"
)

// AutoApproveEnv skips the interactive prompt when set to "true"
const AutoApproveEnv = "QUORUM_AUTO_APPROVE"

// AcceptGate asks a human to override a failed evaluation before the task
// is accepted
type AcceptGate struct {
	state  *types.TaskState
	report *phase.EvalReport
	in     *bufio.Reader
	out    io.Writer
}

// AcceptConfig holds configuration for the accept gate
type AcceptConfig struct {
	State  *types.TaskState
	Report *phase.EvalReport // nil if the test stage produced no report
	In     io.Reader         // defaults to os.Stdin
	Out    io.Writer         // defaults to os.Stdout
}

// NewAcceptGate creates a new accept gate
func NewAcceptGate(cfg *AcceptConfig) (*AcceptGate, error) {
	if cfg.State == nil {
		return nil, fmt.Errorf("task state is required")
	}
	in := cfg.In
	if in == nil {
		in = os.Stdin
	}
	out := cfg.Out
	if out == nil {
		out = os.Stdout
	}
	return &AcceptGate{
		state:  cfg.State,
		report: cfg.Report,
		in:     bufio.NewReader(in),
		out:    out,
	}, nil
}

// Run passes straight through when the evaluation passed; otherwise it shows
// the report and prompts for an explicit override
func (g *AcceptGate) Run(ctx context.Context) *Result {
	result := &Result{
		Gate:   GateAccept,
		Passed: false,
	}

	eval := CheckEvaluation(g.report)
	if eval.Passed {
		result.Passed = true
		result.Output = "Evaluation passed"
		return result
	}

	if os.Getenv(AutoApproveEnv) == "true" {
		result.Passed = true
		result.Output = "Auto-approved via " + AutoApproveEnv + " environment variable"
		return result
	}

	fmt.Fprintln(g.out, "\n"+strings.Repeat("=", 80))
	fmt.Fprint(g.out, g.buildSummary(eval))
	fmt.Fprintln(g.out, strings.Repeat("=", 80))

	for {
		if err := ctx.Err(); err != nil {
			result.Error = err
			result.Output = "Cancelled"
			return result
		}

		decision, err := g.promptUser("\nAccept despite failed evaluation? [y/n/r=show report]: ")
		if err != nil {
			result.Error = fmt.Errorf("failed to get user input: %w", err)
			result.Output = "Error reading user input"
			return result
		}

		switch strings.ToLower(decision) {
		case "y", "yes":
			result.Passed = true
			result.Output = "Override approved by user"
			return result

		case "n", "no":
			result.Output = "Rejected by user"
			return result

		case "r", "report":
			fmt.Fprint(g.out, eval.Output)

		default:
			fmt.Fprintf(g.out, "Invalid input '%s'. Please enter y, n, or r.\n", decision)
		}
	}
}

func (g *AcceptGate) buildSummary(eval *Result) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("=== Accept gate: %s ===\n\n", g.state.TaskID))
	sb.WriteString(fmt.Sprintf("Phase: %s\n", g.state.Phase))
	test := g.state.Actor(types.StageTest)
	sb.WriteString(fmt.Sprintf("Test stage: %s (round %d)\n\n", test.Status, test.Round))

	if g.report != nil {
		if step, failed := g.report.FirstFailed(); failed {
			sb.WriteString(fmt.Sprintf("First failed step: %s\n\n", step))
		}
	}
	sb.WriteString(eval.Output)
	return sb.String()
}

func (g *AcceptGate) promptUser(prompt string) (string, error) {
	fmt.Fprint(g.out, prompt)
	response, err := g.in.ReadString('\n')
	if err != nil && (err != io.EOF || response == "") {
		return "", err
	}
	return strings.TrimSpace(response), nil
}
