// Package phase computes where a task goes next in the fixed stage pipeline.
//
// SuggestNext is a pure function of the persisted state and two side
// artifacts: the plan-review result and the test evaluation report. It never
// mutates state; only RedoPhase and StatePatch application move counters.
package phase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/steveyegge/quorum/internal/types"
)

// ErrUnknownPhase is returned when the state's phase does not resolve to a stage
var ErrUnknownPhase = errors.New("unknown phase")

// Artifact keys read from TaskState.Artifacts
const (
	ArtifactPlanReview = "plan_review"
	ArtifactEvalReport = "eval_report"
)

// Suggestion reasons
const (
	ReasonPlanReviewNotOK = "plan_review_not_ok"
	ReasonEvalFailed      = "eval_failed_needs_gate"
	ReasonEvalPassed      = "eval_passed_ready_for_accept"
	ReasonNextStage       = "next_stage"
	ReasonPipelineDone    = "pipeline_complete"
)

// PlanReview is the plan-review artifact. A missing ok field is not a rejection.
type PlanReview struct {
	OK     *bool `json:"ok,omitempty"`
	Issues []any `json:"issues,omitempty"`
}

// Rejected reports whether the review explicitly set ok to false
func (r *PlanReview) Rejected() bool {
	return r != nil && r.OK != nil && !*r.OK
}

// StepStatus is the outcome of one evaluation step
type StepStatus string

const (
	StepOK      StepStatus = "ok"
	StepFailed  StepStatus = "failed"
	StepSkipped StepStatus = "skipped"
)

// StepResult is one evaluation step outcome
type StepResult struct {
	Step   string     `json:"step"`
	Status StepStatus `json:"status"`
}

// EvalReport is the test-stage evaluation report artifact
type EvalReport struct {
	Results []StepResult `json:"results"`
}

// FirstFailed returns the first failed step, if any
func (r *EvalReport) FirstFailed() (string, bool) {
	for _, res := range r.Results {
		if res.Status == StepFailed {
			return res.Step, true
		}
	}
	return "", false
}

// SideArtifacts are the outcomes SuggestNext consults besides the phase.
// Nil means the artifact does not exist.
type SideArtifacts struct {
	PlanReview *PlanReview
	EvalReport *EvalReport
}

// ArtifactsFromState decodes the side artifacts stored in the task state.
// An undecodable artifact is treated as absent and logged.
func ArtifactsFromState(state *types.TaskState) SideArtifacts {
	var side SideArtifacts

	var review PlanReview
	if found, err := state.ArtifactAs(ArtifactPlanReview, &review); err != nil {
		slog.Warn("ignoring unreadable plan review", "task", state.TaskID, "error", err)
	} else if found {
		side.PlanReview = &review
	}

	var report EvalReport
	if found, err := state.ArtifactAs(ArtifactEvalReport, &report); err != nil {
		slog.Warn("ignoring unreadable evaluation report", "task", state.TaskID, "error", err)
	} else if found {
		side.EvalReport = &report
	}

	return side
}

// Suggestion is the next phase to run and why. Phase is empty once the
// pipeline is complete.
type Suggestion struct {
	Phase   types.Stage       `json:"phase,omitempty"`
	Reason  string            `json:"reason"`
	Details map[string]string `json:"details,omitempty"`
}

// Complete reports whether the pipeline has no further stage
func (s Suggestion) Complete() bool {
	return s.Phase == ""
}

// SuggestNext computes the next phase from the current state and side artifacts
func SuggestNext(state *types.TaskState, side SideArtifacts) (Suggestion, error) {
	current, ok := types.NormalizeStage(string(state.Phase))
	if !ok {
		return Suggestion{}, fmt.Errorf("%w: %q", ErrUnknownPhase, state.Phase)
	}

	switch current {
	case types.StagePlanReview:
		if side.PlanReview.Rejected() {
			return Suggestion{Phase: types.StagePlanning, Reason: ReasonPlanReviewNotOK}, nil
		}
	case types.StageTest:
		if side.EvalReport != nil {
			if step, failed := side.EvalReport.FirstFailed(); failed {
				return Suggestion{
					Phase:   types.StageAccept,
					Reason:  ReasonEvalFailed,
					Details: map[string]string{"failed_step": step},
				}, nil
			}
			return Suggestion{Phase: types.StageAccept, Reason: ReasonEvalPassed}, nil
		}
	}

	idx := current.Index()
	if idx+1 >= len(types.Pipeline) {
		return Suggestion{Reason: ReasonPipelineDone}, nil
	}
	return Suggestion{Phase: types.Pipeline[idx+1], Reason: ReasonNextStage}, nil
}

// Snapshotter preserves the current planning documents under a round number
type Snapshotter interface {
	SnapshotPlanning(ctx context.Context, taskID string, round int) error
}

// RedoPhase regresses the task to stage: the stage's round increments, its
// actor is marked redo and it becomes the current phase. Redoing planning
// after its first round snapshots the prior planning documents first.
// The state is only modified once the snapshot succeeded.
func RedoPhase(ctx context.Context, state *types.TaskState, stage types.Stage, snap Snapshotter) error {
	target, ok := types.NormalizeStage(string(stage))
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownPhase, stage)
	}

	actor := state.Actor(target)
	if target == types.StagePlanning && actor.Round > 0 && snap != nil {
		if err := snap.SnapshotPlanning(ctx, state.TaskID, actor.Round); err != nil {
			return fmt.Errorf("failed to snapshot planning round %d: %w", actor.Round, err)
		}
	}

	status := types.ActorRedo
	round := actor.Round + 1
	if err := state.ApplyPatch(types.StatePatch{
		Phase:  &target,
		Actors: map[types.Stage]types.ActorPatch{target: {Status: &status, Round: &round}},
	}); err != nil {
		return err
	}

	slog.Info("phase redone", "task", state.TaskID, "stage", target, "round", round)
	return nil
}
