package types

import (
	"time"
)

// SessionStatus is the lifecycle state of a clarification session
type SessionStatus string

const (
	SessionInitiated            SessionStatus = "initiated"
	SessionAwaitingUserResponse SessionStatus = "awaiting_user_response"
	SessionFeedbackCollected    SessionStatus = "feedback_collected"
	SessionCompleted            SessionStatus = "completed"
)

// IsValid checks if the session status value is valid
func (s SessionStatus) IsValid() bool {
	switch s {
	case SessionInitiated, SessionAwaitingUserResponse, SessionFeedbackCollected, SessionCompleted:
		return true
	}
	return false
}

// SkipAnswer is the answer text that marks a question as deliberately skipped
const SkipAnswer = "skip"

// Trigger records why a clarification session was opened
type Trigger struct {
	Round   float64  `json:"round"`
	Signals []Signal `json:"signals"`
	Summary string   `json:"summary"`
}

// Question is one user-facing clarification question
type Question struct {
	ID            string     `json:"id"`
	Question      string     `json:"question"`
	Context       string     `json:"context,omitempty"`
	RelatedSignal SignalType `json:"related_signal"`
	Priority      Priority   `json:"priority"`
	FromRoles     []string   `json:"from_roles,omitempty"`
	Answered      bool       `json:"answered"`
}

// ClarificationSession is a bounded interactive round with the requester
type ClarificationSession struct {
	ID                  string               `json:"id"`
	TaskID              string               `json:"task_id"`
	SessionNumber       int                  `json:"session_number"`
	TriggeredBy         Trigger              `json:"triggered_by"`
	Questions           []Question           `json:"questions"`
	UserResponse        *Feedback            `json:"user_response,omitempty"`
	TelephoneGameResult *TelephoneGameResult `json:"telephone_game_result,omitempty"`
	Status              SessionStatus        `json:"status"`
	CreatedAt           time.Time            `json:"created_at"`
}

// Answer is the requester's reply to one question. Text is nil when omitted.
type Answer struct {
	QuestionID string  `json:"question_id"`
	Question   string  `json:"question"`
	Text       *string `json:"text"`
	Clarity    float64 `json:"clarity"`
	Skipped    bool    `json:"skipped"`
}

// Feedback is the collected set of answers for a session
type Feedback struct {
	SessionID   string    `json:"session_id"`
	Answers     []Answer  `json:"answers"`
	AvgClarity  float64   `json:"avg_clarity"`
	CollectedAt time.Time `json:"collected_at"`
}

// Answered returns the non-skipped answers
func (f *Feedback) Answered() []Answer {
	var out []Answer
	for _, a := range f.Answers {
		if !a.Skipped {
			out = append(out, a)
		}
	}
	return out
}

// RoleUpdate is one role's refreshed position after re-consultation
type RoleUpdate struct {
	Role               string   `json:"role"`
	PreviousStance     Stance   `json:"previous_stance"`
	NewStance          Stance   `json:"new_stance"`
	PreviousConfidence float64  `json:"previous_confidence"`
	Confidence         float64  `json:"confidence"`
	UpdatedComments    string   `json:"updated_comments"`
	BlockingQuestions  []string `json:"blocking_questions"`
	Failed             bool     `json:"failed,omitempty"`
}

// Verdict converts the update into the verdict stored for the role
func (u RoleUpdate) Verdict() RoleVerdict {
	return RoleVerdict{
		Role:                  u.Role,
		OK:                    u.NewStance.OK(),
		Confidence:            u.Confidence,
		Comments:              u.UpdatedComments,
		BlockingOpenQuestions: append([]string(nil), u.BlockingQuestions...),
	}
}

// TelephoneStatus is the overall outcome of a telephone game
type TelephoneStatus string

const (
	TelephoneCompleted TelephoneStatus = "completed"
	TelephoneFailed    TelephoneStatus = "failed"
)

// TelephoneGameResult is the outcome of re-polling every role
type TelephoneGameResult struct {
	Timestamp           time.Time       `json:"timestamp"`
	PerRoleUpdates      []RoleUpdate    `json:"per_role_updates"`
	NewConsensusPoints  []string        `json:"new_consensus_points"`
	RemainingDivergence []string        `json:"remaining_divergence"`
	Status              TelephoneStatus `json:"status"`
	Error               string          `json:"error,omitempty"`
}
