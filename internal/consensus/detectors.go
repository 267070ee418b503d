package consensus

import (
	"fmt"
	"strings"

	"github.com/steveyegge/quorum/internal/types"
)

// uncertaintyFlags are the brief flags that mark the requester as unsure
var uncertaintyFlags = map[string]bool{
	"uncertain": true,
	"unclear":   true,
	"unsure":    true,
	"ambiguous": true,
}

// roleQuestion is one blocking question attributed to the role that asked it
type roleQuestion struct {
	Role     string
	Question string
}

// Detection is the outcome of one signal detector
type Detection struct {
	Triggered bool
	Signal    types.Signal
	Roles     []string       // roles implicated, in verdict order
	Items     []string       // deduplicated pending items (requirement clarity)
	Questions []roleQuestion // blocking questions (blocking questions)
}

type detector func(in EvaluationInput, threshold float64) Detection

// detectors run in this order; the order is also the order of the signal list
var detectors = []detector{
	detectBlockingQuestions,
	detectNoNewInfo,
	detectRequirementClarity,
	detectNarrativeDivergence,
	detectCommitmentReadiness,
	detectUserUncertainty,
}

func detectBlockingQuestions(in EvaluationInput, _ float64) Detection {
	var qs []roleQuestion
	var roles []string
	for _, v := range in.Verdicts {
		if len(v.BlockingOpenQuestions) == 0 {
			continue
		}
		roles = append(roles, v.Role)
		for _, q := range v.BlockingOpenQuestions {
			qs = append(qs, roleQuestion{Role: v.Role, Question: q})
		}
	}
	if len(qs) == 0 {
		return Detection{}
	}

	evidence := make([]string, len(qs))
	for i, q := range qs {
		evidence[i] = q.Question
	}
	return Detection{
		Triggered: true,
		Signal: types.Signal{
			Type:        types.SignalBlockingQuestions,
			Severity:    types.SeverityCritical,
			Description: fmt.Sprintf("%d blocking question(s) from %s", len(qs), strings.Join(roles, ", ")),
			Evidence:    strings.Join(evidence, "; "),
		},
		Roles:     roles,
		Questions: qs,
	}
}

// detectNoNewInfo compares the two most recent round summaries. It needs a
// second round and two summaries to compare.
func detectNoNewInfo(in EvaluationInput, _ float64) Detection {
	if in.Round < 2 || len(in.RoundSummaries) < 2 {
		return Detection{}
	}
	prev := in.RoundSummaries[len(in.RoundSummaries)-2]
	curr := in.RoundSummaries[len(in.RoundSummaries)-1]
	if len(curr.NewConsensusPoints) > 0 || len(curr.RemainingDivergence) == 0 {
		return Detection{}
	}
	return Detection{
		Triggered: true,
		Signal: types.Signal{
			Type:        types.SignalNoNewInfo,
			Severity:    types.SeverityHigh,
			Description: "discussion is looping: no new consensus since the previous round",
			Evidence: fmt.Sprintf("round %v: %d divergence point(s); round %v: 0 new consensus, %d divergence point(s)",
				prev.Round, len(prev.RemainingDivergence), curr.Round, len(curr.RemainingDivergence)),
		},
	}
}

func detectRequirementClarity(in EvaluationInput, _ float64) Detection {
	seen := make(map[string]bool)
	var items []string
	for _, s := range in.RoundSummaries {
		for _, p := range s.PendingClarifications {
			p = strings.TrimSpace(p)
			if p == "" || seen[p] {
				continue
			}
			seen[p] = true
			items = append(items, p)
		}
	}
	if len(items) == 0 {
		return Detection{}
	}

	severity := types.SeverityMedium
	if len(items) > 3 {
		severity = types.SeverityHigh
	}
	return Detection{
		Triggered: true,
		Signal: types.Signal{
			Type:        types.SignalRequirementClarity,
			Severity:    severity,
			Description: fmt.Sprintf("%d requirement(s) still need clarification", len(items)),
			Evidence:    strings.Join(items, "; "),
		},
		Items: items,
	}
}

func detectNarrativeDivergence(in EvaluationInput, _ float64) Detection {
	var roles []string
	for _, v := range in.Verdicts {
		if !v.Agrees() {
			roles = append(roles, v.Role)
		}
	}
	if len(roles) == 0 {
		return Detection{}
	}

	severity := types.SeverityMedium
	if len(roles) > 2 {
		severity = types.SeverityHigh
	}
	return Detection{
		Triggered: true,
		Signal: types.Signal{
			Type:        types.SignalNarrativeDivergence,
			Severity:    severity,
			Description: fmt.Sprintf("%d role(s) do not agree with the plan", len(roles)),
			Evidence:    strings.Join(roles, ", "),
		},
		Roles: roles,
	}
}

// detectCommitmentReadiness always reports medium severity, however many
// roles are under-committed. Narrative divergence scales with the count.
func detectCommitmentReadiness(in EvaluationInput, threshold float64) Detection {
	var roles []string
	for _, v := range in.Verdicts {
		if v.Confidence < threshold || !v.Agrees() {
			roles = append(roles, v.Role)
		}
	}
	if len(roles) == 0 {
		return Detection{}
	}
	return Detection{
		Triggered: true,
		Signal: types.Signal{
			Type:        types.SignalCommitmentReadiness,
			Severity:    types.SeverityMedium,
			Description: fmt.Sprintf("%d role(s) are not ready to commit (confidence below %.2f or no agreement)", len(roles), threshold),
			Evidence:    strings.Join(roles, ", "),
		},
		Roles: roles,
	}
}

func detectUserUncertainty(in EvaluationInput, _ float64) Detection {
	var matched []string
	for _, f := range in.Brief.Flags {
		if uncertaintyFlags[strings.ToLower(strings.TrimSpace(f))] {
			matched = append(matched, f)
		}
	}
	if len(matched) == 0 {
		return Detection{}
	}
	return Detection{
		Triggered: true,
		Signal: types.Signal{
			Type:        types.SignalUserUncertainty,
			Severity:    types.SeverityHigh,
			Description: "the requester flagged the brief as uncertain",
			Evidence:    "flags: " + strings.Join(matched, ", "),
		},
	}
}

// ShouldTriggerClarificationMeeting reports whether a signal set warrants
// interrupting the requester: any critical signal, two or more high signals,
// or user uncertainty together with any other signal.
func ShouldTriggerClarificationMeeting(signals []types.Signal) bool {
	critical, high := 0, 0
	uncertain := false
	for _, s := range signals {
		switch s.Severity {
		case types.SeverityCritical:
			critical++
		case types.SeverityHigh:
			high++
		}
		if s.Type == types.SignalUserUncertainty {
			uncertain = true
		}
	}
	return critical >= 1 || high >= 2 || (uncertain && len(signals) > 1)
}
