package planning

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steveyegge/quorum/internal/clarify"
	"github.com/steveyegge/quorum/internal/config"
	"github.com/steveyegge/quorum/internal/meeting"
	"github.com/steveyegge/quorum/internal/storage"
	"github.com/steveyegge/quorum/internal/storage/file"
	"github.com/steveyegge/quorum/internal/telephone"
	"github.com/steveyegge/quorum/internal/transcript"
	"github.com/steveyegge/quorum/internal/types"
)

const taskID = "t1"

func agree(conf float64) types.RoleVerdict {
	return types.RoleVerdict{OK: types.Bool(true), Confidence: conf, Comments: "looks good"}
}

func disagree(conf float64, questions ...string) types.RoleVerdict {
	return types.RoleVerdict{OK: types.Bool(false), Confidence: conf, Comments: "not yet", BlockingOpenQuestions: questions}
}

// scripted answers planning and telephone calls from fixed verdict tables.
// Roles missing from a table agree with confidence 0.9.
func scripted(planning, telephone map[string]types.RoleVerdict) types.RoleInvoker {
	return types.RoleInvokerFunc(func(ctx context.Context, role string, payload types.RolePayload) types.RoleResult {
		table := planning
		if payload.Kind == types.PayloadTelephone {
			table = telephone
		}
		v, ok := table[role]
		if !ok {
			v = agree(0.9)
		}
		v.Role = role
		return types.RoleResult{OK: true, Verdict: &v}
	})
}

func newPlanner(t *testing.T, inv types.RoleInvoker, tweak func(*config.Config)) (*Planner, *storage.Store) {
	t.Helper()
	backend, err := file.New(t.TempDir())
	require.NoError(t, err)
	store := storage.New(backend)

	settings := config.DefaultConfig()
	if tweak != nil {
		tweak(&settings)
	}
	p, err := New(&Config{Store: store, Invoker: inv, Settings: settings})
	require.NoError(t, err)
	return p, store
}

func start(t *testing.T, p *Planner) {
	t.Helper()
	_, err := p.Start(context.Background(), taskID, types.UserBrief{Text: "Add rate limiting to the public API"})
	require.NoError(t, err)
}

func TestNewValidates(t *testing.T) {
	_, err := New(&Config{Settings: config.DefaultConfig()})
	assert.Error(t, err)

	backend, err := file.New(t.TempDir())
	require.NoError(t, err)
	bad := config.DefaultConfig()
	bad.Consensus.CoverageThreshold = 0
	_, err = New(&Config{Store: storage.New(backend), Settings: bad})
	assert.Error(t, err)
}

func TestStart(t *testing.T) {
	ctx := context.Background()
	p, store := newPlanner(t, nil, nil)

	_, err := p.Start(ctx, taskID, types.UserBrief{Text: "   "})
	assert.ErrorIs(t, err, ErrEmptyBrief)

	_, err = p.Context(ctx, taskID)
	assert.ErrorIs(t, err, ErrNotStarted)

	pc, err := p.Start(ctx, taskID, types.UserBrief{Text: " Build it ", Flags: []string{"unsure"}})
	require.NoError(t, err)
	assert.Equal(t, "Build it", pc.Brief.Text)
	assert.Equal(t, 0.0, pc.Round)

	loaded, err := p.Context(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, []string{"unsure"}, loaded.Brief.Flags)

	records, err := transcript.New(store, taskID).Records(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, transcript.KindBrief, records[0].Kind)

	_, err = store.Read(ctx, taskID, storage.DocState)
	assert.NoError(t, err)
}

func TestStartOutsidePlanning(t *testing.T) {
	ctx := context.Background()
	p, store := newPlanner(t, nil, nil)

	next := types.StageCodegen
	_, err := store.ApplyPatch(ctx, taskID, types.StatePatch{Phase: &next})
	require.NoError(t, err)

	_, err = p.Start(ctx, taskID, types.UserBrief{Text: "brief"})
	assert.ErrorIs(t, err, ErrNotPlanning)
}

func TestCycleRequiresInvokerAndStart(t *testing.T) {
	ctx := context.Background()

	p, _ := newPlanner(t, nil, nil)
	start(t, p)
	_, err := p.Cycle(ctx, taskID)
	assert.Error(t, err)

	p, _ = newPlanner(t, scripted(nil, nil), nil)
	_, err = p.Cycle(ctx, taskID)
	assert.ErrorIs(t, err, ErrNotStarted)
}

func TestCycleGo(t *testing.T) {
	ctx := context.Background()
	p, store := newPlanner(t, scripted(nil, nil), nil)
	start(t, p)

	out, err := p.Cycle(ctx, taskID)
	require.NoError(t, err)

	assert.Equal(t, types.DecisionGo, out.Decision())
	assert.Equal(t, 1.0, out.Context.Round)
	assert.Len(t, out.Context.Verdicts, len(types.PlanningRoles))
	assert.Equal(t, types.DraftStatusFinalized, out.Context.DraftInfo.Status)
	assert.Nil(t, out.Session)

	state, err := store.LoadState(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, types.StagePlanReview, state.Phase)
	assert.Equal(t, types.ActorCompleted, state.Actor(types.StagePlanning).Status)

	var art decisionArtifact
	found, err := state.ArtifactAs(ArtifactConsensus, &art)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, types.DecisionGo, art.Decision)
	assert.Equal(t, 1.0, art.Metrics.ConsensusCoverage)

	m, err := meeting.NewRecorder(store).Load(ctx, taskID)
	require.NoError(t, err)
	assert.Len(t, m.Rounds, 1)

	_, err = p.Cycle(ctx, taskID)
	assert.ErrorIs(t, err, ErrNotPlanning)
}

func TestCycleFailedRolesAreUnknown(t *testing.T) {
	ctx := context.Background()
	inv := types.RoleInvokerFunc(func(ctx context.Context, role string, payload types.RolePayload) types.RoleResult {
		if role == types.RoleRisk {
			return types.RoleResult{OK: false, Error: "boom"}
		}
		v := agree(0.9)
		return types.RoleResult{OK: true, Verdict: &v}
	})
	p, _ := newPlanner(t, inv, nil)
	start(t, p)

	out, err := p.Cycle(ctx, taskID)
	require.NoError(t, err)

	risk, ok := out.Context.VerdictFor(types.RoleRisk)
	require.True(t, ok)
	assert.Nil(t, risk.OK)
	assert.Contains(t, risk.Comments, "boom")
	assert.Equal(t, 0.8, out.Evaluation.Metrics.ConsensusCoverage)
}

func TestClarifyAndResume(t *testing.T) {
	ctx := context.Background()
	planningVerdicts := map[string]types.RoleVerdict{
		types.RoleRisk: disagree(0.4, "What is the rollback plan?"),
	}
	p, store := newPlanner(t, scripted(planningVerdicts, nil), nil)
	start(t, p)

	out, err := p.Cycle(ctx, taskID)
	require.NoError(t, err)
	require.Equal(t, types.DecisionClarify, out.Decision())
	require.NotNil(t, out.Session)
	assert.Equal(t, 1, out.Session.SessionNumber)
	assert.Equal(t, types.SessionAwaitingUserResponse, out.Session.Status)
	require.NotEmpty(t, out.Session.Questions)
	assert.Equal(t, "What is the rollback plan?", out.Session.Questions[0].Question)
	assert.Equal(t, types.PriorityCritical, out.Session.Questions[0].Priority)

	_, err = p.Cycle(ctx, taskID)
	assert.ErrorIs(t, err, ErrSessionOpen)

	open, err := p.OpenSession(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, out.Session.ID, open.ID)

	answer := "Redeploy the previous release tag within ten minutes of an alert"
	resumed, err := p.Resume(ctx, taskID, map[string]string{out.Session.Questions[0].ID: answer})
	require.NoError(t, err)

	require.NotNil(t, resumed.Telephone)
	assert.Equal(t, types.TelephoneCompleted, resumed.Telephone.Status)
	assert.Equal(t, types.DecisionGo, resumed.Decision())
	assert.Equal(t, 1.5, resumed.Context.Round)
	assert.Equal(t, 1, resumed.Context.ClarificationCount)
	assert.Contains(t, resumed.Context.Brief.Text, "[clarification 1 @ ")
	assert.Contains(t, resumed.Context.Brief.Text, answer)

	risk, ok := resumed.Context.VerdictFor(types.RoleRisk)
	require.True(t, ok)
	assert.True(t, risk.Agrees())

	sessions, err := p.Sessions(ctx, taskID)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, types.SessionCompleted, sessions[0].Status)
	require.NotNil(t, sessions[0].TelephoneGameResult)

	history, err := transcript.New(store, taskID).History(ctx)
	require.NoError(t, err)
	require.Len(t, history, len(out.Session.Questions))
	assert.True(t, history[0].Answered)
	assert.Equal(t, answer, history[0].Answer)
	assert.False(t, history[1].Answered)

	m, err := meeting.NewRecorder(store).Load(ctx, taskID)
	require.NoError(t, err)
	require.Len(t, m.Rounds, 3)
	assert.Equal(t, meeting.KindClarification, m.Rounds[1].Kind)

	_, err = p.Resume(ctx, taskID, nil)
	assert.ErrorIs(t, err, ErrNotPlanning)
}

func TestResumeStopsWhenTelephoneFails(t *testing.T) {
	ctx := context.Background()
	planningVerdicts := map[string]types.RoleVerdict{
		types.RoleRisk: disagree(0.4, "What is the rollback plan?"),
	}
	p, store := newPlanner(t, scripted(planningVerdicts, nil), nil)
	start(t, p)

	out, err := p.Cycle(ctx, taskID)
	require.NoError(t, err)
	require.NotNil(t, out.Session)
	answers := map[string]string{out.Session.Questions[0].ID: "Redeploy the previous release tag"}

	working := p.coordinator
	p.coordinator = telephone.NewCoordinator(p.settings.Telephone, nil)
	_, err = p.Resume(ctx, taskID, answers)
	require.ErrorIs(t, err, ErrTelephoneFailed)
	assert.Contains(t, err.Error(), "no role invoker configured")

	pc, err := p.Context(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, 1.0, pc.Round)
	assert.Equal(t, 0, pc.ClarificationCount)
	assert.NotContains(t, pc.Brief.Text, "[clarification 1 @ ")

	sessions, err := p.Sessions(ctx, taskID)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, types.SessionFeedbackCollected, sessions[0].Status)
	require.NotNil(t, sessions[0].TelephoneGameResult)
	assert.Equal(t, types.TelephoneFailed, sessions[0].TelephoneGameResult.Status)

	m, err := meeting.NewRecorder(store).Load(ctx, taskID)
	require.NoError(t, err)
	assert.Len(t, m.Rounds, 1)

	_, err = p.Cycle(ctx, taskID)
	assert.ErrorIs(t, err, ErrSessionOpen)

	open, err := p.OpenSession(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, out.Session.ID, open.ID)

	p.coordinator = working
	resumed, err := p.Resume(ctx, taskID, answers)
	require.NoError(t, err)
	assert.Equal(t, types.DecisionGo, resumed.Decision())
	assert.Equal(t, 1.5, resumed.Context.Round)
	assert.Equal(t, 1, resumed.Context.ClarificationCount)

	history, err := transcript.New(store, taskID).History(ctx)
	require.NoError(t, err)
	require.Len(t, history, len(out.Session.Questions))
	assert.True(t, history[0].Answered)
}

func TestResumeWithoutSession(t *testing.T) {
	p, _ := newPlanner(t, scripted(nil, nil), nil)
	start(t, p)

	_, err := p.Resume(context.Background(), taskID, nil)
	assert.ErrorIs(t, err, ErrNoOpenSession)
}

func TestClarificationLimit(t *testing.T) {
	ctx := context.Background()
	stillBlocked := map[string]types.RoleVerdict{
		types.RoleRisk: disagree(0.4, "What is the rollback plan?"),
	}
	p, _ := newPlanner(t, scripted(stillBlocked, stillBlocked), func(c *config.Config) {
		c.Clarification.MaxClarifications = 1
	})
	start(t, p)

	out, err := p.Cycle(ctx, taskID)
	require.NoError(t, err)
	require.NotNil(t, out.Session)

	out, err = p.Resume(ctx, taskID, map[string]string{out.Session.Questions[0].ID: "skip"})
	require.NoError(t, err)

	assert.Equal(t, types.DecisionClarify, out.Decision())
	assert.Nil(t, out.Session)
	assert.ErrorIs(t, out.ClarifyErr, clarify.ErrClarificationLimitExceeded)

	sessions, err := p.Sessions(ctx, taskID)
	require.NoError(t, err)
	assert.Len(t, sessions, 1)
}

func TestRunStopsAtRedo(t *testing.T) {
	ctx := context.Background()
	split := map[string]types.RoleVerdict{
		types.RoleSystemDesign:   disagree(0.8),
		types.RoleSeniorEngineer: disagree(0.8),
		types.RoleTest:           disagree(0.8),
		types.RoleRisk:           disagree(0.8),
	}
	p, store := newPlanner(t, scripted(split, nil), nil)
	start(t, p)

	out, err := p.Run(ctx, taskID, 5)
	require.NoError(t, err)

	assert.Equal(t, types.DecisionRedoPlanning, out.Decision())
	assert.Equal(t, 2.0, out.Evaluation.Round)

	state, err := store.LoadState(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, types.StagePlanning, state.Phase)
	assert.Equal(t, types.ActorRedo, state.Actor(types.StagePlanning).Status)
	assert.Equal(t, 1, state.Actor(types.StagePlanning).Round)

	pc, err := p.Context(ctx, taskID)
	require.NoError(t, err)
	assert.Empty(t, pc.Verdicts)
	assert.Empty(t, pc.RoundSummaries)
	require.NotNil(t, pc.LastEvaluation)
	assert.Equal(t, types.DecisionRedoPlanning, pc.LastEvaluation.Decision)
}

func TestRunHoldsUntilLimit(t *testing.T) {
	ctx := context.Background()
	split := map[string]types.RoleVerdict{
		types.RoleTest: disagree(0.8),
		types.RoleRisk: disagree(0.8),
	}
	p, _ := newPlanner(t, scripted(split, nil), nil)
	start(t, p)

	out, err := p.Run(ctx, taskID, 3)
	require.NoError(t, err)

	assert.Equal(t, types.DecisionHold, out.Decision())
	assert.Equal(t, 3.0, out.Context.Round)
	assert.Len(t, out.Context.RoundSummaries, 3)

	var sawNoNewInfo bool
	for _, s := range out.Evaluation.Signals {
		if s.Type == types.SignalNoNewInfo {
			sawNoNewInfo = true
		}
	}
	assert.True(t, sawNoNewInfo)

	_, err = p.Run(ctx, taskID, 0)
	assert.Error(t, err)
}

func TestRunCanceled(t *testing.T) {
	p, _ := newPlanner(t, scripted(nil, nil), nil)
	start(t, p)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := p.Run(ctx, taskID, 2)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSummarizeRound(t *testing.T) {
	tests := []struct {
		name       string
		previous   []types.RoleVerdict
		current    []types.RoleVerdict
		wantPoints []string
		wantDiv    int
	}{
		{
			name:       "first round",
			current:    []types.RoleVerdict{{Role: "a", OK: types.Bool(true)}, {Role: "b", OK: types.Bool(false), Comments: "why"}},
			wantPoints: []string{"a agrees"},
			wantDiv:    1,
		},
		{
			name:       "unchanged",
			previous:   []types.RoleVerdict{{Role: "a", OK: types.Bool(true)}, {Role: "b"}},
			current:    []types.RoleVerdict{{Role: "a", OK: types.Bool(true)}, {Role: "b"}},
			wantPoints: []string{},
			wantDiv:    1,
		},
		{
			name:       "role comes around",
			previous:   []types.RoleVerdict{{Role: "a", OK: types.Bool(false)}},
			current:    []types.RoleVerdict{{Role: "a", OK: types.Bool(true)}},
			wantPoints: []string{"a agrees"},
			wantDiv:    0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rs := SummarizeRound(2, tt.previous, tt.current)
			assert.Equal(t, 2.0, rs.Round)
			assert.Equal(t, tt.wantPoints, rs.NewConsensusPoints)
			assert.Len(t, rs.RemainingDivergence, tt.wantDiv)
		})
	}

	rs := SummarizeRound(1, nil, []types.RoleVerdict{{Role: "b", OK: types.Bool(false), Comments: "why"}})
	assert.True(t, strings.HasPrefix(rs.RemainingDivergence[0], "b is disagree: why"))
}
