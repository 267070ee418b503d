// Package gates holds the checkpoints a task passes on its way to accept.
package gates

import (
	"fmt"
	"strings"

	"github.com/fatih/color"

	"github.com/steveyegge/quorum/internal/phase"
)

// GateType identifies different gates
type GateType string

const (
	GateEvaluation GateType = "evaluation"
	GateAccept     GateType = "accept"
)

// Result represents the outcome of a gate check
type Result struct {
	Gate   GateType
	Passed bool
	Output string
	Error  error
}

var (
	passMark = color.New(color.FgGreen).SprintFunc()
	failMark = color.New(color.FgRed).SprintFunc()
	skipMark = color.New(color.FgYellow).SprintFunc()
)

// CheckEvaluation turns an evaluation report into a gate result. The gate
// passes when no step failed; a missing report does not pass.
func CheckEvaluation(report *phase.EvalReport) *Result {
	result := &Result{Gate: GateEvaluation}
	if report == nil {
		result.Output = "No evaluation report"
		return result
	}

	result.Output = FormatReport(report)
	_, failed := report.FirstFailed()
	result.Passed = !failed
	return result
}

// FormatReport lists the evaluation steps with their outcome
func FormatReport(report *phase.EvalReport) string {
	if len(report.Results) == 0 {
		return "Evaluation report has no steps\n"
	}
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Evaluation steps (%d):\n", len(report.Results)))
	for _, r := range report.Results {
		var mark string
		switch r.Status {
		case phase.StepOK:
			mark = passMark("✓ PASS")
		case phase.StepFailed:
			mark = failMark("✗ FAIL")
		default:
			mark = skipMark("- SKIP")
		}
		sb.WriteString(fmt.Sprintf("  %s: %s\n", mark, r.Step))
	}
	return sb.String()
}
