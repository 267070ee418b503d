package meeting

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steveyegge/quorum/internal/storage"
	"github.com/steveyegge/quorum/internal/storage/file"
	"github.com/steveyegge/quorum/internal/types"
)

func TestMergeIssueDiscussions(t *testing.T) {
	existing := []IssueDiscussion{
		{IssueID: "a", SignalType: types.SignalBlockingQuestions, Severity: types.SeverityMedium, Description: "first",
			Rounds: []DiscussionRound{{Round: 1, Status: types.IssueOpen}}},
		{IssueID: "b", Rounds: []DiscussionRound{{Round: 1, Status: types.IssueOpen}}},
	}
	incoming := []IssueDiscussion{
		{IssueID: "c", Description: "new", Rounds: []DiscussionRound{{Round: 2, Status: types.IssueOpen}}},
		{IssueID: "a", Severity: types.SeverityCritical, Description: "rewritten",
			Rounds: []DiscussionRound{{Round: 2, Status: types.IssueResolved}}},
	}

	got := MergeIssueDiscussions(existing, incoming)

	require.Len(t, got, 3)
	assert.Equal(t, []string{"a", "b", "c"}, []string{got[0].IssueID, got[1].IssueID, got[2].IssueID})
	assert.Equal(t, "first", got[0].Description)
	assert.Equal(t, types.SeverityCritical, got[0].Severity)
	require.Len(t, got[0].Rounds, 2)
	assert.Equal(t, types.IssueResolved, got[0].Status())
	assert.Equal(t, types.IssueOpen, got[1].Status())

	// inputs untouched
	assert.Len(t, existing[0].Rounds, 1)
	assert.Equal(t, types.SeverityMedium, existing[0].Severity)
}

func TestMergeIssueDiscussionsEmpty(t *testing.T) {
	assert.Empty(t, MergeIssueDiscussions(nil, nil))
	got := MergeIssueDiscussions(nil, []IssueDiscussion{{IssueID: "x"}})
	assert.Len(t, got, 1)
}

func TestDiscussionsFromEvaluation(t *testing.T) {
	res := &types.EvaluateResult{
		Round: 2,
		Issues: []types.Issue{
			{ID: "open", Status: types.IssueOpen, Suggestion: "ask", Roles: []string{"risk"}, Round: 2},
		},
		DraftInfoUpdates: types.DraftInfo{IssuesEncountered: []types.Issue{
			{ID: "old", Status: types.IssueOpen, Round: 1},
			{ID: "open", Status: types.IssueOpen, Round: 2},
			{ID: "old", Status: types.IssueResolved, Round: 2},
		}},
	}

	got := DiscussionsFromEvaluation(res)
	require.Len(t, got, 2)
	assert.Equal(t, "open", got[0].IssueID)
	assert.Equal(t, "ask", got[0].Rounds[0].Note)
	assert.Equal(t, "old", got[1].IssueID)
	assert.Equal(t, types.IssueResolved, got[1].Status())
}

func newRecorder(t *testing.T) (*Recorder, *storage.Store) {
	t.Helper()
	backend, err := file.New(t.TempDir())
	require.NoError(t, err)
	store := storage.New(backend)
	r := NewRecorder(store)
	r.now = func() time.Time { return time.Date(2025, 3, 1, 11, 0, 0, 0, time.UTC) }
	return r, store
}

func TestRecorderAppendsRoundsAndRendersMarkdown(t *testing.T) {
	ctx := context.Background()
	r, store := newRecorder(t)

	m, err := r.Load(ctx, "t1")
	require.NoError(t, err)
	assert.Empty(t, m.Rounds)

	verdicts := []types.RoleVerdict{{Role: types.RoleRisk, OK: types.Bool(false), Confidence: 0.3, Comments: "rollback | unclear"}}
	res := &types.EvaluateResult{
		Round:    1,
		Decision: types.DecisionClarify,
		Metrics:  types.ConsensusMetrics{ConsensusCoverage: 0.8, AvgConfidence: 0.78},
		Signals:  []types.Signal{{Type: types.SignalBlockingQuestions, Severity: types.SeverityCritical, Description: "1 blocking question(s)"}},
		Issues:   []types.Issue{{ID: "i1", SignalType: types.SignalBlockingQuestions, Severity: types.SeverityCritical, Status: types.IssueOpen, Description: "Rollback plan?"}},
	}
	_, err = r.RecordEvaluation(ctx, "t1", verdicts, res)
	require.NoError(t, err)

	s := &types.ClarificationSession{ID: "s1"}
	fb := &types.Feedback{AvgClarity: 0.5}
	tel := &types.TelephoneGameResult{Status: types.TelephoneCompleted, NewConsensusPoints: []string{"agreed"}}
	m, err = r.RecordClarification(ctx, "t1", 1.5, verdicts, s, fb, tel)
	require.NoError(t, err)

	require.Len(t, m.Rounds, 2)
	assert.Equal(t, KindClarification, m.Rounds[1].Kind)
	require.NotNil(t, m.Rounds[1].AvgClarity)
	assert.Equal(t, 0.5, *m.Rounds[1].AvgClarity)
	require.Len(t, m.Issues, 1)

	reloaded, err := r.Load(ctx, "t1")
	require.NoError(t, err)
	assert.Len(t, reloaded.Rounds, 2)
	assert.Equal(t, time.Date(2025, 3, 1, 11, 0, 0, 0, time.UTC), reloaded.UpdatedAt)

	md, err := store.Read(ctx, "t1", storage.DocMeetingMarkdown)
	require.NoError(t, err)
	notes := string(md)
	assert.Contains(t, notes, "# Planning meeting: t1")
	assert.Contains(t, notes, "## Round 1 (planning)")
	assert.Contains(t, notes, "## Round 1.5 (clarification)")
	assert.Contains(t, notes, "**Coverage:** 80%")
	assert.Contains(t, notes, `rollback \| unclear`)
	assert.Contains(t, notes, "- [ ] **blocking_questions** (critical): Rollback plan?")
	assert.Contains(t, notes, "- ✓ agreed")
}
