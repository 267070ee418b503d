// Package consensus decides, after each planning round, whether the roles have
// converged enough to proceed.
//
// Evaluation is a pure function of its input: six detectors scan the verdicts,
// round summaries and brief for risk signals, coverage and confidence metrics
// are computed over the verdicts, and a priority-ordered policy maps both onto
// one of four decisions (go, hold, clarify, redo_planning). The running draft
// record is carried forward with the round's signals and issues appended.
package consensus

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/steveyegge/quorum/internal/config"
	"github.com/steveyegge/quorum/internal/types"
)

// EvaluationInput is everything one evaluation looks at
type EvaluationInput struct {
	Round          float64
	Verdicts       []types.RoleVerdict
	RoundSummaries []types.RoundSummary
	Brief          types.UserBrief
	PreviousDraft  types.DraftInfo
}

// InputFromContext builds the evaluation input for the current planning state
func InputFromContext(p *types.PlanningContext) EvaluationInput {
	return EvaluationInput{
		Round:          p.Round,
		Verdicts:       p.Verdicts,
		RoundSummaries: p.RoundSummaries,
		Brief:          p.Brief,
		PreviousDraft:  p.DraftInfo,
	}
}

// Engine evaluates planning rounds against a fixed set of thresholds
type Engine struct {
	cfg config.ConsensusConfig
	now func() time.Time
}

// NewEngine creates an engine. The config is assumed to be validated.
func NewEngine(cfg config.ConsensusConfig) *Engine {
	return &Engine{cfg: cfg, now: time.Now}
}

// Config returns the thresholds the engine was built with
func (e *Engine) Config() config.ConsensusConfig {
	return e.cfg
}

// Evaluate runs the detectors, computes metrics, applies the decision policy
// and produces the draft-info record to persist. It never mutates in.
func (e *Engine) Evaluate(in EvaluationInput) *types.EvaluateResult {
	detections := Detect(in, e.cfg.ConfidenceThreshold)

	signals := []types.Signal{}
	for _, d := range detections {
		if d.Triggered {
			signals = append(signals, d.Signal)
		}
	}

	metrics := ComputeMetrics(in.Verdicts, e.cfg.ConfidenceThreshold)
	decision, why := e.decide(in.Round, metrics, signals)

	issues := buildIssues(in.Round, detections)
	if issues == nil {
		issues = []types.Issue{}
	}

	result := &types.EvaluateResult{
		Round:             in.Round,
		Decision:          decision,
		ConvergenceStatus: decision.ConvergenceStatus(),
		Reason: fmt.Sprintf("%s: %s (coverage=%.2f, avg_confidence=%.2f, signals=%s)",
			decision, why, metrics.ConsensusCoverage, metrics.AvgConfidence, signalList(signals)),
		Metrics:          metrics,
		Signals:          signals,
		Issues:           issues,
		DraftInfoUpdates: draftUpdates(in, decision, signals, issues),
		EvaluatedAt:      e.now().UTC(),
	}

	slog.Info("consensus evaluated",
		"round", in.Round,
		"decision", decision,
		"coverage", metrics.ConsensusCoverage,
		"avg_confidence", metrics.AvgConfidence,
		"signals", len(signals))
	return result
}

// Detect runs every detector in order
func Detect(in EvaluationInput, confidenceThreshold float64) []Detection {
	out := make([]Detection, len(detectors))
	for i, d := range detectors {
		out[i] = d(in, confidenceThreshold)
	}
	return out
}

// ComputeMetrics derives coverage, mean confidence and the blocking roles.
// A role counts toward coverage only if it agrees with at least threshold
// confidence; every other role is blocking.
func ComputeMetrics(verdicts []types.RoleVerdict, threshold float64) types.ConsensusMetrics {
	m := types.ConsensusMetrics{RolesBlocking: []string{}}
	if len(verdicts) == 0 {
		return m
	}

	covered := 0
	total := 0.0
	for _, v := range verdicts {
		total += v.Confidence
		if v.Agrees() && v.Confidence >= threshold {
			covered++
		} else {
			m.RolesBlocking = append(m.RolesBlocking, v.Role)
		}
	}
	n := float64(len(verdicts))
	m.ConsensusCoverage = float64(covered) / n
	m.AvgConfidence = total / n
	return m
}

// decide applies the policy rules in priority order; the first match wins
func (e *Engine) decide(round float64, m types.ConsensusMetrics, signals []types.Signal) (types.Decision, string) {
	critical, high := false, false
	for _, s := range signals {
		switch s.Severity {
		case types.SeverityCritical:
			critical = true
		case types.SeverityHigh:
			high = true
		}
	}

	switch {
	case critical:
		return types.DecisionClarify, "critical signal present"
	case m.ConsensusCoverage >= e.cfg.CoverageThreshold && !high:
		return types.DecisionGo, "coverage threshold met with no high-severity signals"
	case round >= float64(e.cfg.MaxRoundsBeforeClarify) && m.ConsensusCoverage >= e.cfg.HoldCoverageFloor:
		return types.DecisionHold, "round limit reached with partial coverage"
	case round >= float64(e.cfg.MaxRoundsBeforeClarify):
		return types.DecisionRedoPlanning, "round limit reached with coverage below the hold floor"
	}
	return types.DecisionHold, "not converged yet"
}

// draftUpdates appends this round's signals and issues to the previous draft
// record and sets the status for the decision
func draftUpdates(in EvaluationInput, d types.Decision, signals []types.Signal, issues []types.Issue) types.DraftInfo {
	out := in.PreviousDraft.Clone()

	out.SignalsHistory = append(out.SignalsHistory, types.RoundSignals{
		Round:   in.Round,
		Signals: append([]types.Signal{}, signals...),
	})
	resolved := resolvedSince(in.PreviousDraft.IssuesEncountered, issues, in.Round)
	out.IssuesEncountered = append(out.IssuesEncountered, issues...)
	out.IssuesEncountered = append(out.IssuesEncountered, resolved...)

	switch d {
	case types.DecisionGo:
		out.Status = types.DraftStatusFinalized
		out.Reason = types.DraftReasonConsensusReached
	case types.DecisionClarify:
		out.Status = types.DraftStatusDraft
		out.Reason = types.DraftReasonAwaitingClarification
	default:
		out.Status = types.DraftStatusDraft
		out.Reason = types.DraftReasonMaxRoundsReached
	}
	return out
}
