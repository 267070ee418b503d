// Package transcript records the planning conversation with the requester as
// an append-only JSONL document and rebuilds the question/answer history.
package transcript

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/steveyegge/quorum/internal/storage"
	"github.com/steveyegge/quorum/internal/types"
)

// Kind classifies a transcript record
type Kind string

const (
	KindBrief           Kind = "brief"
	KindClarifyQuestion Kind = "clarify_question"
	KindClarifyAnswer   Kind = "clarify_answer"
)

// Speakers
const (
	SpeakerUser      = "user"
	SpeakerAssistant = "assistant"
)

// Record is one transcript line
type Record struct {
	TS       time.Time `json:"ts"`
	Role     string    `json:"role"`
	Kind     Kind      `json:"kind"`
	Round    float64   `json:"round"`
	Index    int       `json:"index"`
	Text     string    `json:"text"`
	FromRole string    `json:"from_role,omitempty"`
}

// Exchange is one question with its answer, if any
type Exchange struct {
	Round    float64 `json:"round"`
	Index    int     `json:"index"`
	Question string  `json:"question"`
	Answer   string  `json:"answer,omitempty"`
	Answered bool    `json:"answered"`
	FromRole string  `json:"from_role,omitempty"`
}

// Log appends to and reads one task's transcript
type Log struct {
	store  *storage.Store
	taskID string
	now    func() time.Time
}

// New returns the transcript of a task
func New(store *storage.Store, taskID string) *Log {
	return &Log{store: store, taskID: taskID, now: time.Now}
}

// Append writes one record, stamping it if TS is unset
func (l *Log) Append(ctx context.Context, rec Record) error {
	if rec.TS.IsZero() {
		rec.TS = l.now().UTC()
	}
	if err := l.store.AppendJSONL(ctx, l.taskID, storage.DocTranscript, rec); err != nil {
		return fmt.Errorf("failed to append transcript record: %w", err)
	}
	return nil
}

// AppendBrief records the requester's brief for a round
func (l *Log) AppendBrief(ctx context.Context, round float64, text string) error {
	return l.Append(ctx, Record{Role: SpeakerUser, Kind: KindBrief, Round: round, Text: text})
}

// AppendSession records a session's questions and, when fb is non-nil, the
// non-skipped answers
func (l *Log) AppendSession(ctx context.Context, s *types.ClarificationSession, fb *types.Feedback) error {
	if err := l.AppendQuestions(ctx, s); err != nil {
		return err
	}
	if fb == nil {
		return nil
	}
	return l.AppendAnswers(ctx, s, fb)
}

// AppendQuestions records a session's questions, keyed by the round that
// triggered the session and the question's position
func (l *Log) AppendQuestions(ctx context.Context, s *types.ClarificationSession) error {
	for i, q := range s.Questions {
		rec := Record{
			Role:     SpeakerAssistant,
			Kind:     KindClarifyQuestion,
			Round:    s.TriggeredBy.Round,
			Index:    i,
			Text:     q.Question,
			FromRole: strings.Join(q.FromRoles, ","),
		}
		if err := l.Append(ctx, rec); err != nil {
			return err
		}
	}
	return nil
}

// AppendAnswers records the non-skipped answers of a session
func (l *Log) AppendAnswers(ctx context.Context, s *types.ClarificationSession, fb *types.Feedback) error {
	for i, a := range fb.Answers {
		if a.Skipped || a.Text == nil {
			continue
		}
		rec := Record{Role: SpeakerUser, Kind: KindClarifyAnswer, Round: s.TriggeredBy.Round, Index: i, Text: *a.Text}
		if err := l.Append(ctx, rec); err != nil {
			return err
		}
	}
	return nil
}

// Records returns every readable record in write order. Lines that do not
// decode are logged and skipped.
func (l *Log) Records(ctx context.Context) ([]Record, error) {
	lines, err := l.store.Lines(ctx, l.taskID, storage.DocTranscript)
	if err != nil {
		return nil, fmt.Errorf("failed to read transcript for %s: %w", l.taskID, err)
	}
	records := make([]Record, 0, len(lines))
	for n, line := range lines {
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			slog.Warn("skipping malformed transcript line", "task", l.taskID, "line", n+1, "error", err)
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

// History returns the question/answer exchanges ordered by (round, index)
func (l *Log) History(ctx context.Context) ([]Exchange, error) {
	records, err := l.Records(ctx)
	if err != nil {
		return nil, err
	}
	return BuildHistory(records), nil
}

type exchangeKey struct {
	round float64
	index int
}

// BuildHistory pairs questions with answers by (round, index). The latest
// question or answer written for a key wins.
func BuildHistory(records []Record) []Exchange {
	byKey := make(map[exchangeKey]*Exchange)
	for _, rec := range records {
		if rec.Kind != KindClarifyQuestion && rec.Kind != KindClarifyAnswer {
			continue
		}
		k := exchangeKey{rec.Round, rec.Index}
		ex, ok := byKey[k]
		if !ok {
			ex = &Exchange{Round: rec.Round, Index: rec.Index}
			byKey[k] = ex
		}
		if rec.Kind == KindClarifyQuestion {
			ex.Question = rec.Text
			ex.FromRole = rec.FromRole
		} else {
			ex.Answer = rec.Text
			ex.Answered = true
		}
	}

	out := make([]Exchange, 0, len(byKey))
	for _, ex := range byKey {
		out = append(out, *ex)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Round != out[j].Round {
			return out[i].Round < out[j].Round
		}
		return out[i].Index < out[j].Index
	})
	return out
}
