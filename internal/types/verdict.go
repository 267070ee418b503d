package types

import (
	"context"
	"encoding/json"
	"time"
)

// Planning roles. Each one produces an independent verdict per round.
const (
	RoleProduct        = "product"
	RoleSystemDesign   = "system_design"
	RoleSeniorEngineer = "senior_engineer"
	RoleTest           = "test"
	RoleRisk           = "risk"
)

// PlanningRoles is the fixed role set polled every round, in output order
var PlanningRoles = []string{
	RoleProduct,
	RoleSystemDesign,
	RoleSeniorEngineer,
	RoleTest,
	RoleRisk,
}

// RoleVerdict is one role's opinion for one round.
// OK is nil when the role's position is unknown.
type RoleVerdict struct {
	Role                  string   `json:"role"`
	OK                    *bool    `json:"ok"`
	Confidence            float64  `json:"confidence"`
	Comments              string   `json:"comments,omitempty"`
	BlockingOpenQuestions []string `json:"blocking_open_questions,omitempty"`
}

// Agrees reports whether the role explicitly approved the plan
func (v RoleVerdict) Agrees() bool {
	return v.OK != nil && *v.OK
}

// Stance converts the agreement flag into a Stance
func (v RoleVerdict) Stance() Stance {
	switch {
	case v.OK == nil:
		return StanceUnknown
	case *v.OK:
		return StanceAgree
	default:
		return StanceDisagree
	}
}

// Bool returns a pointer to b, for building verdicts
func Bool(b bool) *bool {
	return &b
}

// Stance is a role's position after re-consultation
type Stance string

const (
	StanceAgree    Stance = "agree"
	StanceDisagree Stance = "disagree"
	StanceMixed    Stance = "mixed"
	StanceUnknown  Stance = "unknown"
)

// IsValid checks if the stance value is valid
func (s Stance) IsValid() bool {
	switch s {
	case StanceAgree, StanceDisagree, StanceMixed, StanceUnknown:
		return true
	}
	return false
}

// OK maps a stance back onto a verdict agreement flag
func (s Stance) OK() *bool {
	switch s {
	case StanceAgree:
		return Bool(true)
	case StanceDisagree:
		return Bool(false)
	}
	return nil
}

// RoundSummary condenses one discussion round for round-over-round comparison
type RoundSummary struct {
	Round                 float64  `json:"round"`
	NewConsensusPoints    []string `json:"new_consensus_points"`
	RemainingDivergence   []string `json:"remaining_divergence"`
	PendingClarifications []string `json:"pending_clarifications,omitempty"`
}

// Payload kinds
const (
	PayloadPlanning  = "planning"
	PayloadTelephone = "telephone"
)

// RolePayload is the context handed to a role invocation
type RolePayload struct {
	Kind     string       `json:"kind"`
	TaskID   string       `json:"task_id,omitempty"`
	Round    float64      `json:"round"`
	Brief    string       `json:"brief,omitempty"`
	Answers  string       `json:"answers,omitempty"`
	Prior    *RoleVerdict `json:"prior,omitempty"`
	Prompt   string       `json:"prompt"`
	Deadline time.Time    `json:"-"`
}

// RoleResult is what a role invocation returns. Ordinary failures are reported
// with OK=false and Error set rather than as a Go error.
type RoleResult struct {
	OK      bool            `json:"ok"`
	Verdict *RoleVerdict    `json:"verdict,omitempty"`
	Raw     string          `json:"raw,omitempty"`
	Meeting json.RawMessage `json:"meeting,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// RoleInvoker produces a role's raw verdict. Implementations must be safe for
// concurrent use.
type RoleInvoker interface {
	InvokeRole(ctx context.Context, role string, payload RolePayload) RoleResult
}

// RoleInvokerFunc adapts a function to RoleInvoker
type RoleInvokerFunc func(ctx context.Context, role string, payload RolePayload) RoleResult

// InvokeRole calls f
func (f RoleInvokerFunc) InvokeRole(ctx context.Context, role string, payload RolePayload) RoleResult {
	return f(ctx, role, payload)
}
