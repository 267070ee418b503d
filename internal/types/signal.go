package types

// SignalType identifies a risk pattern detected during consensus evaluation
type SignalType string

const (
	SignalBlockingQuestions   SignalType = "blocking_questions"
	SignalNoNewInfo           SignalType = "no_new_info"
	SignalRequirementClarity  SignalType = "requirement_clarity"
	SignalNarrativeDivergence SignalType = "narrative_divergence"
	SignalCommitmentReadiness SignalType = "commitment_readiness"
	SignalUserUncertainty     SignalType = "user_uncertainty"
)

// IsValid checks if the signal type value is valid
func (t SignalType) IsValid() bool {
	switch t {
	case SignalBlockingQuestions, SignalNoNewInfo, SignalRequirementClarity,
		SignalNarrativeDivergence, SignalCommitmentReadiness, SignalUserUncertainty:
		return true
	}
	return false
}

// Severity is a closed set of signal severities
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// IsValid checks if the severity value is valid
func (s Severity) IsValid() bool {
	return s.Rank() >= 0
}

// Rank orders severities: critical > high > medium > low. Unknown values rank -1.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 3
	case SeverityHigh:
		return 2
	case SeverityMedium:
		return 1
	case SeverityLow:
		return 0
	}
	return -1
}

// Signal is a detected risk indicator. Signals are derived, never stored on their own.
type Signal struct {
	Type        SignalType `json:"type"`
	Severity    Severity   `json:"severity"`
	Description string     `json:"description"`
	Evidence    string     `json:"evidence,omitempty"`
}

// IssueStatus tracks whether an escalated signal is still open
type IssueStatus string

const (
	IssueOpen     IssueStatus = "open"
	IssueResolved IssueStatus = "resolved"
)

// Issue is a signal escalated to a tracked item
type Issue struct {
	ID          string      `json:"id"`
	SignalType  SignalType  `json:"signal_type"`
	Severity    Severity    `json:"severity"`
	Status      IssueStatus `json:"status"`
	Description string      `json:"description"`
	Suggestion  string      `json:"suggestion,omitempty"`
	Roles       []string    `json:"roles,omitempty"`
	Round       float64     `json:"round"`
}

// Priority orders clarification questions
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

// Rank orders priorities: critical > high > medium > low. Unknown values rank -1.
func (p Priority) Rank() int {
	return Severity(p).Rank()
}

// IsValid checks if the priority value is valid
func (p Priority) IsValid() bool {
	return p.Rank() >= 0
}

// Decision is the outcome of a consensus evaluation
type Decision string

const (
	DecisionGo           Decision = "go"
	DecisionHold         Decision = "hold"
	DecisionClarify      Decision = "clarify"
	DecisionRedoPlanning Decision = "redo_planning"
)

// ConvergenceStatus describes how far the roles have converged
type ConvergenceStatus string

const (
	ConvergenceConverged         ConvergenceStatus = "converged"
	ConvergencePartial           ConvergenceStatus = "partial"
	ConvergenceNeedClarification ConvergenceStatus = "need_clarification"
	ConvergenceNone              ConvergenceStatus = "none"
)

// ConvergenceStatus maps a decision 1:1 onto its convergence status
func (d Decision) ConvergenceStatus() ConvergenceStatus {
	switch d {
	case DecisionGo:
		return ConvergenceConverged
	case DecisionHold:
		return ConvergencePartial
	case DecisionClarify:
		return ConvergenceNeedClarification
	default:
		return ConvergenceNone
	}
}

// IsValid checks if the decision value is valid
func (d Decision) IsValid() bool {
	switch d {
	case DecisionGo, DecisionHold, DecisionClarify, DecisionRedoPlanning:
		return true
	}
	return false
}
