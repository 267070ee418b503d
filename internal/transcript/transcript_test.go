package transcript

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steveyegge/quorum/internal/storage"
	"github.com/steveyegge/quorum/internal/storage/file"
	"github.com/steveyegge/quorum/internal/types"
)

func text(s string) *string { return &s }

func newLog(t *testing.T) (*Log, string) {
	t.Helper()
	root := t.TempDir()
	backend, err := file.New(root)
	require.NoError(t, err)
	l := New(storage.New(backend), "t1")
	l.now = func() time.Time { return time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC) }
	return l, root
}

func TestAppendSessionAndHistory(t *testing.T) {
	ctx := context.Background()
	l, _ := newLog(t)

	require.NoError(t, l.AppendBrief(ctx, 1, "Add SSO login"))

	s := &types.ClarificationSession{
		TriggeredBy: types.Trigger{Round: 1},
		Questions: []types.Question{
			{Question: "Rollback plan?", FromRoles: []string{"risk"}},
			{Question: "Which regions?", FromRoles: []string{"product", "risk"}},
		},
	}
	fb := &types.Feedback{Answers: []types.Answer{
		{Text: text("feature flag"), Clarity: 0.06},
		{Text: text("skip"), Skipped: true},
	}}
	require.NoError(t, l.AppendSession(ctx, s, fb))

	records, err := l.Records(ctx)
	require.NoError(t, err)
	require.Len(t, records, 4)
	assert.Equal(t, KindBrief, records[0].Kind)
	assert.Equal(t, SpeakerUser, records[0].Role)
	assert.Equal(t, time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC), records[0].TS)
	assert.Equal(t, "product,risk", records[2].FromRole)
	assert.Equal(t, KindClarifyAnswer, records[3].Kind)

	history, err := l.History(ctx)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, Exchange{Round: 1, Index: 0, Question: "Rollback plan?", Answer: "feature flag", Answered: true, FromRole: "risk"}, history[0])
	assert.False(t, history[1].Answered)
}

func TestBuildHistoryOrdersByRoundAndIndex(t *testing.T) {
	records := []Record{
		{Kind: KindClarifyAnswer, Round: 2, Index: 0, Text: "a2-0"},
		{Kind: KindClarifyQuestion, Round: 2, Index: 1, Text: "q2-1"},
		{Kind: KindClarifyQuestion, Round: 1.5, Index: 0, Text: "q1.5-0"},
		{Kind: KindClarifyQuestion, Round: 2, Index: 0, Text: "q2-0"},
		{Kind: KindBrief, Round: 1, Text: "brief"},
	}

	got := BuildHistory(records)
	require.Len(t, got, 3)
	assert.Equal(t, "q1.5-0", got[0].Question)
	assert.Equal(t, "q2-0", got[1].Question)
	assert.Equal(t, "a2-0", got[1].Answer)
	assert.Equal(t, "q2-1", got[2].Question)
}

func TestRecordsSkipsMalformedLines(t *testing.T) {
	ctx := context.Background()
	l, root := newLog(t)
	require.NoError(t, l.AppendBrief(ctx, 1, "first"))

	path := filepath.Join(root, "t1", storage.DocTranscript)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("{not json\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	require.NoError(t, l.AppendBrief(ctx, 2, "second"))

	records, err := l.Records(ctx)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "second", records[1].Text)
}

func TestEmptyTranscript(t *testing.T) {
	l, _ := newLog(t)
	history, err := l.History(context.Background())
	require.NoError(t, err)
	assert.Empty(t, history)
}
