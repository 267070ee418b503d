package ai

import (
	"fmt"
	"strings"

	"github.com/steveyegge/quorum/internal/types"
)

var roleDescriptions = map[string]string{
	types.RoleProduct:        "You are the product reviewer. You judge whether the plan solves the requester's actual problem and whether scope and acceptance criteria are clear.",
	types.RoleSystemDesign:   "You are the system design reviewer. You judge architecture, interfaces, data flow and how the change fits the existing system.",
	types.RoleSeniorEngineer: "You are the senior engineer. You judge whether the plan is implementable as written, what it will cost, and what is likely to go wrong while building it.",
	types.RoleTest:           "You are the test reviewer. You judge whether the plan can be verified and what tests must exist before it is accepted.",
	types.RoleRisk:           "You are the risk reviewer. You judge security, data loss, rollout and rollback risk.",
}

// RoleDescription returns the persona used as the system prompt for a role
func RoleDescription(role string) string {
	if d, ok := roleDescriptions[role]; ok {
		return d
	}
	return fmt.Sprintf("You are the %s reviewer on a planning panel.", strings.ReplaceAll(role, "_", " "))
}

// PlanningPrompt asks a role for its verdict on the current brief
func PlanningPrompt(role string, payload types.RolePayload) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Planning round %s for task %s.\n\n", formatRound(payload.Round), payload.TaskID)
	b.WriteString("REQUEST:\n")
	b.WriteString(payload.Brief)
	b.WriteString("\n\n")

	if payload.Prior != nil {
		b.WriteString("YOUR PREVIOUS VERDICT:\n")
		fmt.Fprintf(&b, "stance: %s, confidence: %.2f\n", payload.Prior.Stance(), payload.Prior.Confidence)
		if payload.Prior.Comments != "" {
			fmt.Fprintf(&b, "comments: %s\n", payload.Prior.Comments)
		}
		for _, q := range payload.Prior.BlockingOpenQuestions {
			fmt.Fprintf(&b, "blocking question: %s\n", q)
		}
		b.WriteString("\n")
	}

	fmt.Fprintf(&b, "From the %s perspective, decide whether this plan is ready to implement.\n", strings.ReplaceAll(role, "_", " "))
	b.WriteString(`Respond with ONLY a JSON object:
{
  "ok": true or false,
  "confidence": number between 0 and 1,
  "comments": "short justification",
  "blocking_open_questions": ["questions that must be answered before you can agree"]
}
Leave blocking_open_questions empty unless you truly cannot proceed without an answer.`)
	return b.String()
}

// TelephonePrompt re-consults a role after the requester answered clarification
// questions. The role restates its position as a stance.
func TelephonePrompt(role string, payload types.RolePayload) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Clarification after round %s for task %s.\n\n", formatRound(payload.Round), payload.TaskID)
	if payload.Brief != "" {
		b.WriteString("REQUEST:\n")
		b.WriteString(payload.Brief)
		b.WriteString("\n\n")
	}
	b.WriteString("THE REQUESTER ANSWERED:\n")
	if strings.TrimSpace(payload.Answers) == "" {
		b.WriteString("(no answers; every question was skipped)\n")
	} else {
		b.WriteString(payload.Answers)
	}
	b.WriteString("\n")

	if payload.Prior != nil {
		b.WriteString("YOUR POSITION BEFORE THE ANSWERS:\n")
		fmt.Fprintf(&b, "stance: %s, confidence: %.2f\n", payload.Prior.Stance(), payload.Prior.Confidence)
		if payload.Prior.Comments != "" {
			fmt.Fprintf(&b, "comments: %s\n", payload.Prior.Comments)
		}
		for _, q := range payload.Prior.BlockingOpenQuestions {
			fmt.Fprintf(&b, "blocking question: %s\n", q)
		}
		b.WriteString("\n")
	}

	fmt.Fprintf(&b, "From the %s perspective, restate your position given these answers.\n", strings.ReplaceAll(role, "_", " "))
	b.WriteString(`Respond with ONLY a JSON object:
{
  "stance": "agree" | "disagree" | "mixed",
  "confidence": number between 0 and 1,
  "comments": "what changed in your view",
  "blocking_questions": ["questions still blocking you"]
}`)
	return b.String()
}

// BuildPrompt picks the prompt for the payload kind
func BuildPrompt(role string, payload types.RolePayload) string {
	if payload.Kind == types.PayloadTelephone {
		return TelephonePrompt(role, payload)
	}
	return PlanningPrompt(role, payload)
}

func formatRound(r float64) string {
	if r == float64(int(r)) {
		return fmt.Sprintf("%d", int(r))
	}
	return fmt.Sprintf("%.1f", r)
}
