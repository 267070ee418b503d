package phase

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steveyegge/quorum/internal/types"
)

type mockSnapshotter struct {
	rounds []int
	err    error
}

func (m *mockSnapshotter) SnapshotPlanning(ctx context.Context, taskID string, round int) error {
	if m.err != nil {
		return m.err
	}
	m.rounds = append(m.rounds, round)
	return nil
}

func stateAt(phase string) *types.TaskState {
	s := types.NewTaskState("task-1")
	s.Phase = types.Stage(phase)
	return s
}

func TestSuggestNext(t *testing.T) {
	tests := []struct {
		name       string
		phase      string
		side       SideArtifacts
		wantPhase  types.Stage
		wantReason string
		wantStep   string
	}{
		{
			name:       "planning advances",
			phase:      "planning",
			wantPhase:  types.StagePlanReview,
			wantReason: ReasonNextStage,
		},
		{
			name:       "plan review ok advances",
			phase:      "plan_review",
			side:       SideArtifacts{PlanReview: &PlanReview{OK: types.Bool(true)}},
			wantPhase:  types.StageCodegen,
			wantReason: ReasonNextStage,
		},
		{
			name:       "plan review not ok goes back",
			phase:      "plan_review",
			side:       SideArtifacts{PlanReview: &PlanReview{OK: types.Bool(false)}},
			wantPhase:  types.StagePlanning,
			wantReason: ReasonPlanReviewNotOK,
		},
		{
			name:       "plan review without ok advances",
			phase:      "plan_review",
			side:       SideArtifacts{PlanReview: &PlanReview{Issues: []any{"naming"}}},
			wantPhase:  types.StageCodegen,
			wantReason: ReasonNextStage,
		},
		{
			name:       "done suffix normalized",
			phase:      "plan_review_done",
			side:       SideArtifacts{PlanReview: &PlanReview{OK: types.Bool(false)}},
			wantPhase:  types.StagePlanning,
			wantReason: ReasonPlanReviewNotOK,
		},
		{
			name:       "plan review artifact ignored elsewhere",
			phase:      "codegen",
			side:       SideArtifacts{PlanReview: &PlanReview{OK: types.Bool(false)}},
			wantPhase:  types.StageCodeReview,
			wantReason: ReasonNextStage,
		},
		{
			name:  "eval failed needs gate",
			phase: "test_run",
			side: SideArtifacts{EvalReport: &EvalReport{Results: []StepResult{
				{Step: "lint", Status: StepOK},
				{Step: "unit", Status: StepFailed},
				{Step: "e2e", Status: StepFailed},
			}}},
			wantPhase:  types.StageAccept,
			wantReason: ReasonEvalFailed,
			wantStep:   "unit",
		},
		{
			name:  "eval passed",
			phase: "test",
			side: SideArtifacts{EvalReport: &EvalReport{Results: []StepResult{
				{Step: "lint", Status: StepOK},
				{Step: "e2e", Status: StepSkipped},
			}}},
			wantPhase:  types.StageAccept,
			wantReason: ReasonEvalPassed,
		},
		{
			name:       "test without report advances linearly",
			phase:      "test",
			wantPhase:  types.StageAccept,
			wantReason: ReasonNextStage,
		},
		{
			name:       "accept is terminal",
			phase:      "accept",
			wantReason: ReasonPipelineDone,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := SuggestNext(stateAt(tt.phase), tt.side)
			require.NoError(t, err)
			assert.Equal(t, tt.wantPhase, got.Phase)
			assert.Equal(t, tt.wantReason, got.Reason)
			assert.Equal(t, tt.wantPhase == "", got.Complete())
			if tt.wantStep != "" {
				assert.Equal(t, tt.wantStep, got.Details["failed_step"])
			}
		})
	}
}

func TestSuggestNextUnknownPhase(t *testing.T) {
	_, err := SuggestNext(stateAt("deploy"), SideArtifacts{})
	assert.True(t, errors.Is(err, ErrUnknownPhase))
}

func TestSuggestNextIdempotent(t *testing.T) {
	state := stateAt("plan_review")
	side := SideArtifacts{PlanReview: &PlanReview{OK: types.Bool(false)}}
	before := state.Clone()

	first, err := SuggestNext(state, side)
	require.NoError(t, err)
	second, err := SuggestNext(state, side)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, before.Actors, state.Actors)
	assert.Equal(t, before.Phase, state.Phase)
}

func TestArtifactsFromState(t *testing.T) {
	state := stateAt("test")
	state.Artifacts[ArtifactPlanReview] = json.RawMessage(`{"ok":false,"issues":["missing auth"]}`)
	state.Artifacts[ArtifactEvalReport] = json.RawMessage(`{"results":[{"step":"unit","status":"failed"}]}`)

	side := ArtifactsFromState(state)
	require.NotNil(t, side.PlanReview)
	assert.True(t, side.PlanReview.Rejected())
	require.NotNil(t, side.EvalReport)
	step, failed := side.EvalReport.FirstFailed()
	assert.True(t, failed)
	assert.Equal(t, "unit", step)

	state.Artifacts[ArtifactPlanReview] = json.RawMessage(`{"issues":["missing auth"]}`)
	side = ArtifactsFromState(state)
	require.NotNil(t, side.PlanReview)
	assert.Nil(t, side.PlanReview.OK)
	assert.False(t, side.PlanReview.Rejected())

	state.Artifacts[ArtifactEvalReport] = json.RawMessage(`"garbage"`)
	side = ArtifactsFromState(state)
	assert.Nil(t, side.EvalReport)
}

func TestRedoPhase(t *testing.T) {
	ctx := context.Background()
	state := stateAt("codegen")
	snap := &mockSnapshotter{}

	// First redo of planning: round was zero, nothing to snapshot
	require.NoError(t, RedoPhase(ctx, state, types.StagePlanning, snap))
	assert.Equal(t, types.StagePlanning, state.Phase)
	assert.Equal(t, types.ActorStatus{Status: types.ActorRedo, Round: 1}, state.Actor(types.StagePlanning))
	assert.Empty(t, snap.rounds)

	// Second redo snapshots round 1 before incrementing
	require.NoError(t, RedoPhase(ctx, state, types.StagePlanning, snap))
	assert.Equal(t, 2, state.Actor(types.StagePlanning).Round)
	assert.Equal(t, []int{1}, snap.rounds)

	// Other stages never snapshot
	require.NoError(t, RedoPhase(ctx, state, "code_review_done", snap))
	assert.Equal(t, types.StageCodeReview, state.Phase)
	assert.Equal(t, 1, state.Actor(types.StageCodeReview).Round)
	assert.Equal(t, []int{1}, snap.rounds)
}

func TestRedoPhaseSnapshotFailureLeavesStateUntouched(t *testing.T) {
	state := stateAt("plan_review")
	state.Actors[types.StagePlanning] = types.ActorStatus{Status: types.ActorCompleted, Round: 1}
	snap := &mockSnapshotter{err: errors.New("disk full")}

	err := RedoPhase(context.Background(), state, types.StagePlanning, snap)
	assert.Error(t, err)
	assert.Equal(t, types.StagePlanReview, state.Phase)
	assert.Equal(t, types.ActorStatus{Status: types.ActorCompleted, Round: 1}, state.Actor(types.StagePlanning))
}

func TestRedoPhaseUnknownStage(t *testing.T) {
	err := RedoPhase(context.Background(), stateAt("planning"), "deploy", nil)
	assert.True(t, errors.Is(err, ErrUnknownPhase))
}
