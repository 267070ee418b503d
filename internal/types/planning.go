package types

import (
	"time"
)

// DraftStatus is the lifecycle state of the planning draft
type DraftStatus string

const (
	DraftStatusDraft     DraftStatus = "draft"
	DraftStatusFinalized DraftStatus = "finalized"
)

// Draft status reasons
const (
	DraftReasonConsensusReached      = "consensus_reached"
	DraftReasonAwaitingClarification = "awaiting_clarification"
	DraftReasonMaxRoundsReached      = "max_rounds_reached"
)

// RoundSignals records the signals triggered in one evaluation round
type RoundSignals struct {
	Round   float64  `json:"round"`
	Signals []Signal `json:"signals"`
}

// DraftInfo is the running planning-draft record. SignalsHistory and
// IssuesEncountered are append-only across rounds.
type DraftInfo struct {
	Status            DraftStatus    `json:"status"`
	Reason            string         `json:"reason,omitempty"`
	SignalsHistory    []RoundSignals `json:"signals_history,omitempty"`
	IssuesEncountered []Issue        `json:"issues_encountered,omitempty"`
}

// Clone returns a copy whose slices can be appended to without aliasing d
func (d DraftInfo) Clone() DraftInfo {
	out := d
	out.SignalsHistory = append([]RoundSignals(nil), d.SignalsHistory...)
	out.IssuesEncountered = append([]Issue(nil), d.IssuesEncountered...)
	return out
}

// ConsensusMetrics are recomputed on every evaluation
type ConsensusMetrics struct {
	ConsensusCoverage float64  `json:"consensus_coverage"`
	AvgConfidence     float64  `json:"avg_confidence"`
	RolesBlocking     []string `json:"roles_blocking"`
}

// EvaluateResult is the output of one consensus evaluation
type EvaluateResult struct {
	Round             float64           `json:"round"`
	Decision          Decision          `json:"decision"`
	ConvergenceStatus ConvergenceStatus `json:"convergence_status"`
	Reason            string            `json:"reason"`
	Metrics           ConsensusMetrics  `json:"metrics"`
	Signals           []Signal          `json:"signals"`
	Issues            []Issue           `json:"issues"`
	DraftInfoUpdates  DraftInfo         `json:"draft_info_updates"`
	EvaluatedAt       time.Time         `json:"evaluated_at"`
}

// HasSignal reports whether a signal of the given type was triggered
func (r *EvaluateResult) HasSignal(t SignalType) bool {
	for _, s := range r.Signals {
		if s.Type == t {
			return true
		}
	}
	return false
}

// UserBrief is the requester's description of the change plus free-form flags
type UserBrief struct {
	Text  string   `json:"text"`
	Flags []string `json:"flags,omitempty"`
}

// PlanningContext is the mutable planning state one evaluation cycle works on.
// Round advances by 1 per planning round and by 0.5 per clarification session.
type PlanningContext struct {
	TaskID             string          `json:"task_id"`
	Round              float64         `json:"round"`
	Brief              UserBrief       `json:"brief"`
	Verdicts           []RoleVerdict   `json:"verdicts"`
	RoundSummaries     []RoundSummary  `json:"round_summaries,omitempty"`
	DraftInfo          DraftInfo       `json:"draft_info"`
	LastEvaluation     *EvaluateResult `json:"last_evaluation,omitempty"`
	ClarificationCount int             `json:"clarification_count"`
}

// VerdictFor returns the stored verdict for a role, if any
func (p *PlanningContext) VerdictFor(role string) (RoleVerdict, bool) {
	for _, v := range p.Verdicts {
		if v.Role == role {
			return v, true
		}
	}
	return RoleVerdict{}, false
}
