// Package clarify runs bounded question-and-answer sessions with the requester
// when the consensus engine cannot decide on its own.
//
// A session is opened from the latest evaluation, turns its issues into a
// prioritized question list, collects and scores the answers, and finally
// merges them back into the planning context together with the roles'
// re-consulted positions.
package clarify

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/steveyegge/quorum/internal/config"
	"github.com/steveyegge/quorum/internal/types"
	"github.com/steveyegge/quorum/internal/verdict"
)

var (
	// ErrClarificationLimitExceeded is returned when a task has used all its sessions
	ErrClarificationLimitExceeded = errors.New("clarification limit exceeded")

	// ErrMissingTrigger is returned when there is no evaluation to clarify
	ErrMissingTrigger = errors.New("no evaluation to clarify")
)

const (
	// clarityFullLength is the answer length (in characters) that scores 1.0
	clarityFullLength = 200
	// clarityTokenBonus is added for answers with more than clarityBonusTokens words
	clarityTokenBonus  = 0.2
	clarityBonusTokens = 5
)

// Manager opens, scores and merges clarification sessions
type Manager struct {
	cfg config.ClarificationConfig
	now func() time.Time
}

// NewManager creates a session manager with the given limits
func NewManager(cfg config.ClarificationConfig) *Manager {
	return &Manager{cfg: cfg, now: time.Now}
}

// Open starts the next clarification session for a planning context. It does
// not modify p; the session counter advances in MergeBack.
func (m *Manager) Open(ctx context.Context, p *types.PlanningContext) (*types.ClarificationSession, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	number := p.ClarificationCount + 1
	if number > m.cfg.MaxClarifications {
		return nil, fmt.Errorf("%w: session %d of %d", ErrClarificationLimitExceeded, number, m.cfg.MaxClarifications)
	}
	eval := p.LastEvaluation
	if eval == nil {
		return nil, ErrMissingTrigger
	}

	now := m.now().UTC()
	id := ulid.MustNew(ulid.Timestamp(now), rand.Reader).String()
	s := &types.ClarificationSession{
		ID:            id,
		TaskID:        p.TaskID,
		SessionNumber: number,
		TriggeredBy: types.Trigger{
			Round:   eval.Round,
			Signals: append([]types.Signal(nil), eval.Signals...),
			Summary: eval.Reason,
		},
		Status:    types.SessionInitiated,
		CreatedAt: now,
	}
	s.Questions = BuildQuestions(id, eval, m.cfg.MaxQuestions)
	s.Status = types.SessionAwaitingUserResponse

	slog.Info("clarification session opened",
		"task", p.TaskID,
		"session", number,
		"questions", len(s.Questions))
	return s, nil
}

// BuildQuestions derives the question list from an evaluation: one critical
// question per blocking question, one generic high question for user
// uncertainty, and one question per remaining issue at the issue's severity.
// Questions are stably sorted by priority, highest first, and capped at limit
// (0 means no cap).
func BuildQuestions(sessionID string, eval *types.EvaluateResult, limit int) []types.Question {
	var qs []types.Question
	for _, is := range eval.Issues {
		q, ok := questionFor(is)
		if !ok {
			continue
		}
		q.ID = uuid.NewSHA1(uuid.NameSpaceOID, []byte(sessionID+"/"+is.ID)).String()
		qs = append(qs, q)
	}

	sort.SliceStable(qs, func(i, j int) bool {
		return qs[i].Priority.Rank() > qs[j].Priority.Rank()
	})
	if limit > 0 && len(qs) > limit {
		qs = qs[:limit]
	}
	return qs
}

func questionFor(is types.Issue) (types.Question, bool) {
	q := types.Question{
		RelatedSignal: is.SignalType,
		Priority:      types.Priority(is.Severity),
		FromRoles:     append([]string(nil), is.Roles...),
	}
	roles := strings.Join(is.Roles, ", ")

	switch is.SignalType {
	case types.SignalBlockingQuestions:
		q.Question = is.Description
		q.Context = "Blocking question raised by " + roles
		q.Priority = types.PriorityCritical
	case types.SignalUserUncertainty:
		q.Question = "The brief was flagged as uncertain. What outcome matters most, and what is explicitly out of scope?"
		q.Context = is.Description
		q.Priority = types.PriorityHigh
	case types.SignalRequirementClarity:
		q.Question = "Some requirements are still open. Can you pin them down?"
		q.Context = is.Description
	case types.SignalNarrativeDivergence:
		q.Question = fmt.Sprintf("%s disagree with the current plan. Which direction should planning follow?", roles)
		q.Context = is.Description
	case types.SignalCommitmentReadiness:
		q.Question = fmt.Sprintf("What would let %s commit to the plan with confidence?", roles)
		q.Context = is.Description
	default:
		return types.Question{}, false
	}
	if !q.Priority.IsValid() {
		q.Priority = types.PriorityMedium
	}
	return q, true
}

// Clarity scores one answer in [0,1]: length up to 200 characters scales
// linearly, answers with more than five words get a 0.2 bonus. Missing,
// empty and "skip" answers score 0.
func Clarity(answer *string) float64 {
	if IsSkip(answer) {
		return 0
	}
	text := strings.TrimSpace(*answer)
	score := min(1, float64(utf8.RuneCountInString(text))/clarityFullLength)
	if len(strings.Fields(text)) > clarityBonusTokens {
		score = min(1, score+clarityTokenBonus)
	}
	return score
}

// IsSkip reports whether an answer counts as skipped
func IsSkip(answer *string) bool {
	if answer == nil {
		return true
	}
	text := strings.TrimSpace(*answer)
	return text == "" || strings.EqualFold(text, types.SkipAnswer)
}

// CollectFeedback scores the answers, keyed by question ID. Questions
// without an answer count as skipped; answers to unknown IDs are ignored.
func (m *Manager) CollectFeedback(s *types.ClarificationSession, answers map[string]string) *types.Feedback {
	fb := &types.Feedback{
		SessionID:   s.ID,
		Answers:     make([]types.Answer, len(s.Questions)),
		CollectedAt: m.now().UTC(),
	}

	total := 0.0
	for i := range s.Questions {
		q := &s.Questions[i]
		var text *string
		if answer, ok := answers[q.ID]; ok {
			t := strings.TrimSpace(answer)
			text = &t
		}
		a := types.Answer{
			QuestionID: q.ID,
			Question:   q.Question,
			Text:       text,
			Clarity:    Clarity(text),
			Skipped:    IsSkip(text),
		}
		q.Answered = !a.Skipped
		total += a.Clarity
		fb.Answers[i] = a
	}
	if len(fb.Answers) > 0 {
		fb.AvgClarity = total / float64(len(fb.Answers))
	}

	s.UserResponse = fb
	s.Status = types.SessionFeedbackCollected
	return fb
}

// FormatAnswers renders the non-skipped answers as Q/A pairs
func FormatAnswers(fb *types.Feedback) string {
	var b strings.Builder
	for _, a := range fb.Answered() {
		if a.Text == nil {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "Q: %s\nA: %s\n", a.Question, *a.Text)
	}
	return b.String()
}

// MergeBack folds a finished session into the planning context: answers are
// appended to the brief under a timestamped marker, telephone updates replace
// the verdicts of their roles, the session counter increments, and the
// planning round advances by half a round.
func (m *Manager) MergeBack(ctx context.Context, p *types.PlanningContext, s *types.ClarificationSession,
	fb *types.Feedback, tel *types.TelephoneGameResult) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if answers := FormatAnswers(fb); answers != "" {
		marker := fmt.Sprintf("[clarification %d @ %s]", s.SessionNumber, m.now().UTC().Format(time.RFC3339))
		if p.Brief.Text != "" {
			p.Brief.Text += "\n\n"
		}
		p.Brief.Text += marker + "\n" + answers
	}

	p.ClarificationCount++
	p.Round += 0.5

	if tel != nil && tel.Status == types.TelephoneCompleted {
		updates := make([]types.RoleVerdict, len(tel.PerRoleUpdates))
		for i, u := range tel.PerRoleUpdates {
			updates[i] = u.Verdict()
		}
		p.Verdicts = verdict.ReplaceByRole(p.Verdicts, updates)
		p.RoundSummaries = append(p.RoundSummaries, RoundSummary(p.Round, s, tel))
	}

	s.TelephoneGameResult = tel
	s.Status = types.SessionCompleted

	slog.Info("clarification merged",
		"task", p.TaskID,
		"session", s.SessionNumber,
		"round", p.Round,
		"avg_clarity", fb.AvgClarity)
	return nil
}

// RoundSummary condenses a telephone result into the record the no-new-info
// detector compares across rounds. Unanswered questions stay pending.
func RoundSummary(round float64, s *types.ClarificationSession, tel *types.TelephoneGameResult) types.RoundSummary {
	rs := types.RoundSummary{
		Round:               round,
		NewConsensusPoints:  append([]string{}, tel.NewConsensusPoints...),
		RemainingDivergence: append([]string{}, tel.RemainingDivergence...),
	}
	for _, q := range s.Questions {
		if !q.Answered && q.RelatedSignal != types.SignalUserUncertainty {
			rs.PendingClarifications = append(rs.PendingClarifications, q.Question)
		}
	}
	return rs
}
