// Package meeting keeps the planning meeting audit trail: one record per
// evaluated round plus a per-issue discussion history, stored as
// planning.meeting.json with a Markdown rendering next to it.
package meeting

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/steveyegge/quorum/internal/storage"
	"github.com/steveyegge/quorum/internal/types"
)

// Round kinds
const (
	KindPlanning      = "planning"
	KindClarification = "clarification"
)

// RoundRecord is the audit entry for one evaluated round
type RoundRecord struct {
	Round       float64                `json:"round"`
	Kind        string                 `json:"kind"`
	Verdicts    []types.RoleVerdict    `json:"verdicts"`
	Decision    types.Decision         `json:"decision"`
	Reason      string                 `json:"reason"`
	Metrics     types.ConsensusMetrics `json:"metrics"`
	Signals     []types.Signal         `json:"signals,omitempty"`
	Summary     []string               `json:"summary,omitempty"`
	RecordedAt  time.Time              `json:"recorded_at"`
	SessionID   string                 `json:"session_id,omitempty"`
	AvgClarity  *float64               `json:"avg_clarity,omitempty"`
	Divergences []string               `json:"divergences,omitempty"`
}

// DiscussionRound is one round's view of an issue
type DiscussionRound struct {
	Round  float64           `json:"round"`
	Status types.IssueStatus `json:"status"`
	Roles  []string          `json:"roles,omitempty"`
	Note   string            `json:"note,omitempty"`
}

// IssueDiscussion follows one issue across rounds
type IssueDiscussion struct {
	IssueID     string            `json:"issue_id"`
	SignalType  types.SignalType  `json:"signal_type"`
	Severity    types.Severity    `json:"severity"`
	Description string            `json:"description"`
	Rounds      []DiscussionRound `json:"rounds"`
}

// Status is the status reported by the issue's latest round
func (d IssueDiscussion) Status() types.IssueStatus {
	if len(d.Rounds) == 0 {
		return types.IssueOpen
	}
	return d.Rounds[len(d.Rounds)-1].Status
}

// Meeting is the whole audit document
type Meeting struct {
	TaskID    string            `json:"task_id"`
	Rounds    []RoundRecord     `json:"rounds"`
	Issues    []IssueDiscussion `json:"issues"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// MergeIssueDiscussions merges incoming discussions into existing ones by
// issue id. Rounds are appended, never replaced; the existing description
// and signal are kept and only filled in when empty. New issues are appended
// in incoming order. Neither input is modified.
func MergeIssueDiscussions(existing, incoming []IssueDiscussion) []IssueDiscussion {
	out := make([]IssueDiscussion, len(existing))
	index := make(map[string]int, len(existing))
	for i, d := range existing {
		d.Rounds = append([]DiscussionRound(nil), d.Rounds...)
		out[i] = d
		index[d.IssueID] = i
	}

	for _, d := range incoming {
		i, ok := index[d.IssueID]
		if !ok {
			d.Rounds = append([]DiscussionRound(nil), d.Rounds...)
			index[d.IssueID] = len(out)
			out = append(out, d)
			continue
		}
		cur := &out[i]
		if cur.Description == "" {
			cur.Description = d.Description
		}
		if cur.SignalType == "" {
			cur.SignalType = d.SignalType
		}
		if d.Severity.Rank() > cur.Severity.Rank() {
			cur.Severity = d.Severity
		}
		cur.Rounds = append(cur.Rounds, d.Rounds...)
	}
	return out
}

// DiscussionsFromEvaluation turns an evaluation's open issues, plus the
// issues it marked resolved, into discussion entries for its round
func DiscussionsFromEvaluation(res *types.EvaluateResult) []IssueDiscussion {
	var out []IssueDiscussion
	add := func(is types.Issue, note string) {
		out = append(out, IssueDiscussion{
			IssueID:     is.ID,
			SignalType:  is.SignalType,
			Severity:    is.Severity,
			Description: is.Description,
			Rounds: []DiscussionRound{{
				Round:  res.Round,
				Status: is.Status,
				Roles:  append([]string(nil), is.Roles...),
				Note:   note,
			}},
		})
	}
	for _, is := range res.Issues {
		add(is, is.Suggestion)
	}
	for _, is := range res.DraftInfoUpdates.IssuesEncountered {
		if is.Status == types.IssueResolved && is.Round == res.Round {
			add(is, "no longer detected")
		}
	}
	return out
}

// Recorder persists the meeting audit for tasks
type Recorder struct {
	store *storage.Store
	now   func() time.Time
}

// NewRecorder creates a recorder over a store
func NewRecorder(store *storage.Store) *Recorder {
	return &Recorder{store: store, now: time.Now}
}

// Load returns a task's meeting, or an empty one if none was recorded yet
func (r *Recorder) Load(ctx context.Context, taskID string) (*Meeting, error) {
	var m Meeting
	err := r.store.ReadJSON(ctx, taskID, storage.DocMeeting, &m)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return &Meeting{TaskID: taskID, Rounds: []RoundRecord{}, Issues: []IssueDiscussion{}}, nil
	case err != nil:
		return nil, fmt.Errorf("failed to load meeting for %s: %w", taskID, err)
	}
	if m.TaskID == "" {
		m.TaskID = taskID
	}
	return &m, nil
}

// Record appends a round and its issue discussions, then rewrites both the
// JSON document and its Markdown rendering
func (r *Recorder) Record(ctx context.Context, taskID string, rec RoundRecord, discussions []IssueDiscussion) (*Meeting, error) {
	m, err := r.Load(ctx, taskID)
	if err != nil {
		return nil, err
	}
	now := r.now().UTC()
	if rec.RecordedAt.IsZero() {
		rec.RecordedAt = now
	}
	m.Rounds = append(m.Rounds, rec)
	m.Issues = MergeIssueDiscussions(m.Issues, discussions)
	m.UpdatedAt = now

	if err := r.store.WriteJSON(ctx, taskID, storage.DocMeeting, m); err != nil {
		return nil, fmt.Errorf("failed to save meeting for %s: %w", taskID, err)
	}
	if err := r.store.Write(ctx, taskID, storage.DocMeetingMarkdown, []byte(RenderMarkdown(m))); err != nil {
		return nil, fmt.Errorf("failed to save meeting notes for %s: %w", taskID, err)
	}
	return m, nil
}

// RecordEvaluation records a planning round from its evaluation result
func (r *Recorder) RecordEvaluation(ctx context.Context, taskID string, verdicts []types.RoleVerdict,
	res *types.EvaluateResult) (*Meeting, error) {
	rec := RoundRecord{
		Round:    res.Round,
		Kind:     KindPlanning,
		Verdicts: append([]types.RoleVerdict(nil), verdicts...),
		Decision: res.Decision,
		Reason:   res.Reason,
		Metrics:  res.Metrics,
		Signals:  res.Signals,
	}
	return r.Record(ctx, taskID, rec, DiscussionsFromEvaluation(res))
}

// RecordClarification records a clarification session and the telephone game
// that followed it. verdicts are the merged verdicts after the session.
func (r *Recorder) RecordClarification(ctx context.Context, taskID string, round float64, verdicts []types.RoleVerdict,
	s *types.ClarificationSession, fb *types.Feedback, tel *types.TelephoneGameResult) (*Meeting, error) {
	rec := RoundRecord{
		Round:     round,
		Kind:      KindClarification,
		Verdicts:  append([]types.RoleVerdict(nil), verdicts...),
		SessionID: s.ID,
	}
	if fb != nil {
		clarity := fb.AvgClarity
		rec.AvgClarity = &clarity
	}
	if tel != nil {
		rec.Summary = append([]string(nil), tel.NewConsensusPoints...)
		rec.Divergences = append([]string(nil), tel.RemainingDivergence...)
		if tel.Status == types.TelephoneFailed {
			rec.Divergences = append(rec.Divergences, "telephone game failed: "+tel.Error)
		}
	}
	return r.Record(ctx, taskID, rec, nil)
}
