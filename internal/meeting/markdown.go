package meeting

import (
	"fmt"
	"strings"

	"github.com/steveyegge/quorum/internal/types"
)

// RenderMarkdown renders the meeting as human-readable notes
func RenderMarkdown(m *Meeting) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("# Planning meeting: %s\n\n", m.TaskID))
	if !m.UpdatedAt.IsZero() {
		sb.WriteString(fmt.Sprintf("_Updated %s_\n\n", m.UpdatedAt.Format("2006-01-02 15:04:05 MST")))
	}

	for _, r := range m.Rounds {
		sb.WriteString(fmt.Sprintf("## Round %s (%s)\n\n", formatRound(r.Round), r.Kind))
		if r.Decision != "" {
			sb.WriteString(fmt.Sprintf("**Decision:** %s  \n", r.Decision))
			sb.WriteString(fmt.Sprintf("**Coverage:** %.0f%%, **avg confidence:** %.2f\n\n",
				r.Metrics.ConsensusCoverage*100, r.Metrics.AvgConfidence))
		}
		if r.AvgClarity != nil {
			sb.WriteString(fmt.Sprintf("**Answer clarity:** %.2f\n\n", *r.AvgClarity))
		}

		if len(r.Verdicts) > 0 {
			sb.WriteString("| Role | Stance | Confidence | Comments |\n")
			sb.WriteString("|---|---|---|---|\n")
			for _, v := range r.Verdicts {
				sb.WriteString(fmt.Sprintf("| %s | %s | %.2f | %s |\n",
					v.Role, v.Stance(), v.Confidence, cell(v.Comments)))
			}
			sb.WriteString("\n")
		}

		for _, s := range r.Signals {
			sb.WriteString(fmt.Sprintf("- ⚠ %s (%s): %s\n", s.Type, s.Severity, s.Description))
		}
		for _, s := range r.Summary {
			sb.WriteString(fmt.Sprintf("- ✓ %s\n", s))
		}
		for _, d := range r.Divergences {
			sb.WriteString(fmt.Sprintf("- ✗ %s\n", d))
		}
		if len(r.Signals)+len(r.Summary)+len(r.Divergences) > 0 {
			sb.WriteString("\n")
		}
	}

	if len(m.Issues) > 0 {
		sb.WriteString("## Issues\n\n")
		for _, d := range m.Issues {
			mark := "[ ]"
			if d.Status() == types.IssueResolved {
				mark = "[x]"
			}
			sb.WriteString(fmt.Sprintf("- %s **%s** (%s): %s\n", mark, d.SignalType, d.Severity, d.Description))
			for _, r := range d.Rounds {
				line := fmt.Sprintf("  - round %s: %s", formatRound(r.Round), r.Status)
				if len(r.Roles) > 0 {
					line += " [" + strings.Join(r.Roles, ", ") + "]"
				}
				if r.Note != "" {
					line += " " + r.Note
				}
				sb.WriteString(line + "\n")
			}
		}
	}
	return sb.String()
}

func cell(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	return strings.ReplaceAll(s, "|", "\\|")
}

func formatRound(r float64) string {
	if r == float64(int(r)) {
		return fmt.Sprintf("%d", int(r))
	}
	return fmt.Sprintf("%.1f", r)
}
