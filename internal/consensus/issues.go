package consensus

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/steveyegge/quorum/internal/types"
)

// issueNamespace scopes the name-based issue ids, so the same concern gets the
// same id in every round and can be matched when it goes away
var issueNamespace = uuid.MustParse("6f1c2a3e-5d0b-4c87-9a41-0b6e3f2d9c11")

// IssueID returns the stable id for a concern. key distinguishes concerns of
// the same signal type (for blocking questions, the role and question).
func IssueID(signal types.SignalType, key string) string {
	return uuid.NewSHA1(issueNamespace, []byte(string(signal)+"\x00"+key)).String()
}

var suggestions = map[types.SignalType]string{
	types.SignalNoNewInfo:           "Stop iterating and ask the requester to break the tie",
	types.SignalRequirementClarity:  "Ask the requester to pin down the pending requirements",
	types.SignalNarrativeDivergence: "Ask the requester which direction the dissenting roles should follow",
	types.SignalCommitmentReadiness: "Ask what would raise the low-confidence roles to a firm position",
	types.SignalUserUncertainty:     "Confirm the intended outcome with the requester before planning further",
}

// buildIssues escalates this round's detections into open issues. Each
// blocking question becomes its own issue; other signals become one issue each.
func buildIssues(round float64, detections []Detection) []types.Issue {
	var issues []types.Issue
	for _, d := range detections {
		if !d.Triggered {
			continue
		}
		if d.Signal.Type == types.SignalBlockingQuestions {
			for _, q := range d.Questions {
				issues = append(issues, types.Issue{
					ID:          IssueID(types.SignalBlockingQuestions, q.Role+"\x00"+q.Question),
					SignalType:  types.SignalBlockingQuestions,
					Severity:    d.Signal.Severity,
					Status:      types.IssueOpen,
					Description: q.Question,
					Suggestion:  fmt.Sprintf("Ask the requester on behalf of %s", q.Role),
					Roles:       []string{q.Role},
					Round:       round,
				})
			}
			continue
		}

		description := d.Signal.Description
		if d.Signal.Evidence != "" {
			description += " (" + d.Signal.Evidence + ")"
		}
		issues = append(issues, types.Issue{
			ID:          IssueID(d.Signal.Type, ""),
			SignalType:  d.Signal.Type,
			Severity:    d.Signal.Severity,
			Status:      types.IssueOpen,
			Description: description,
			Suggestion:  suggestions[d.Signal.Type],
			Roles:       append([]string(nil), d.Roles...),
			Round:       round,
		})
	}
	return issues
}

// OpenIssues returns the issues whose latest entry in the append-only history
// is still open, in order of first appearance
func OpenIssues(history []types.Issue) []types.Issue {
	latest := make(map[string]types.Issue)
	var order []string
	for _, is := range history {
		if _, ok := latest[is.ID]; !ok {
			order = append(order, is.ID)
		}
		latest[is.ID] = is
	}
	var open []types.Issue
	for _, id := range order {
		if latest[id].Status == types.IssueOpen {
			open = append(open, latest[id])
		}
	}
	return open
}

// resolvedSince returns resolved copies of previously open issues that were
// not detected again this round
func resolvedSince(history []types.Issue, current []types.Issue, round float64) []types.Issue {
	still := make(map[string]bool, len(current))
	for _, is := range current {
		still[is.ID] = true
	}
	var resolved []types.Issue
	for _, is := range OpenIssues(history) {
		if still[is.ID] {
			continue
		}
		is.Status = types.IssueResolved
		is.Round = round
		is.Roles = append([]string(nil), is.Roles...)
		resolved = append(resolved, is)
	}
	return resolved
}

func signalList(signals []types.Signal) string {
	parts := make([]string, len(signals))
	for i, s := range signals {
		parts[i] = string(s.Type) + ":" + string(s.Severity)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}
