// Package planning drives the planning stage of a task.
//
// A planning cycle polls every planning role for a verdict on the current
// brief, evaluates the verdicts with the consensus engine and applies the
// decision to the task:
//
//   - go: the planning actor completes and the task moves to the next stage
//   - hold: nothing changes; the next cycle polls the roles again
//   - redo_planning: the planning stage is redone (snapshotting prior output)
//   - clarify: a clarification session is opened and the cycle stops until
//     the requester answers (see Resume)
//
// Every evaluation is appended to the meeting notes, and every question and
// answer exchanged with the requester is appended to the transcript.
package planning

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"

	"github.com/steveyegge/quorum/internal/ai"
	"github.com/steveyegge/quorum/internal/clarify"
	"github.com/steveyegge/quorum/internal/config"
	"github.com/steveyegge/quorum/internal/consensus"
	"github.com/steveyegge/quorum/internal/meeting"
	"github.com/steveyegge/quorum/internal/phase"
	"github.com/steveyegge/quorum/internal/storage"
	"github.com/steveyegge/quorum/internal/telephone"
	"github.com/steveyegge/quorum/internal/transcript"
	"github.com/steveyegge/quorum/internal/types"
	"github.com/steveyegge/quorum/internal/verdict"
)

// ArtifactConsensus is the state artifact holding the latest planning decision
const ArtifactConsensus = "consensus"

var (
	// ErrEmptyBrief is returned when planning is started without a brief
	ErrEmptyBrief = errors.New("planning brief is empty")

	// ErrNotPlanning is returned when the task is past (or not yet at) planning
	ErrNotPlanning = errors.New("task is not in the planning phase")

	// ErrNotStarted is returned when no planning context exists for the task
	ErrNotStarted = errors.New("planning has not been started")

	// ErrNoOpenSession is returned by Resume when no session awaits answers
	ErrNoOpenSession = errors.New("no clarification session is awaiting answers")

	// ErrSessionOpen is returned by Cycle while a session awaits answers
	ErrSessionOpen = errors.New("a clarification session is awaiting answers")

	// ErrTelephoneFailed is returned by Resume when the roles could not be
	// re-consulted. The session keeps its answers and can be resumed again.
	ErrTelephoneFailed = errors.New("telephone game failed")
)

// Config holds the planner's collaborators
type Config struct {
	Store    *storage.Store
	Invoker  types.RoleInvoker // required by Cycle, Resume and Run only
	Settings config.Config
}

// Planner runs planning cycles for tasks held in one store. Callers must
// serialize calls for the same task (see storage.AcquireTaskLock).
type Planner struct {
	store       *storage.Store
	invoker     types.RoleInvoker
	settings    config.Config
	roles       []string
	engine      *consensus.Engine
	clarifier   *clarify.Manager
	coordinator *telephone.Coordinator
	meetings    *meeting.Recorder
}

// Outcome describes what one cycle (or resume) did
type Outcome struct {
	Evaluation *types.EvaluateResult
	Context    *types.PlanningContext
	State      *types.TaskState

	// Session is the clarification session opened by a clarify decision
	Session *types.ClarificationSession
	// ClarifyErr explains why a clarify decision opened no session
	ClarifyErr error
	// Telephone is the re-consultation run by Resume
	Telephone *types.TelephoneGameResult
}

// Decision returns the evaluated decision
func (o *Outcome) Decision() types.Decision {
	if o == nil || o.Evaluation == nil {
		return ""
	}
	return o.Evaluation.Decision
}

// New creates a planner
func New(cfg *Config) (*Planner, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if err := cfg.Settings.Validate(); err != nil {
		return nil, fmt.Errorf("invalid planning settings: %w", err)
	}
	return &Planner{
		store:       cfg.Store,
		invoker:     cfg.Invoker,
		settings:    cfg.Settings,
		roles:       types.PlanningRoles,
		engine:      consensus.NewEngine(cfg.Settings.Consensus),
		clarifier:   clarify.NewManager(cfg.Settings.Clarification),
		coordinator: telephone.NewCoordinator(cfg.Settings.Telephone, cfg.Invoker),
		meetings:    meeting.NewRecorder(cfg.Store),
	}, nil
}

// Start records the requester's brief. A task that already has a planning
// context keeps its history and has its brief replaced.
func (p *Planner) Start(ctx context.Context, taskID string, brief types.UserBrief) (*types.PlanningContext, error) {
	brief.Text = strings.TrimSpace(brief.Text)
	if brief.Text == "" {
		return nil, ErrEmptyBrief
	}

	state, err := p.planningState(ctx, taskID)
	if err != nil {
		return nil, err
	}

	pc, err := p.Context(ctx, taskID)
	switch {
	case errors.Is(err, ErrNotStarted):
		pc = &types.PlanningContext{TaskID: taskID, DraftInfo: types.DraftInfo{Status: types.DraftStatusDraft}}
	case err != nil:
		return nil, err
	}
	pc.Brief = brief

	if err := p.saveContext(ctx, pc); err != nil {
		return nil, err
	}
	if err := transcript.New(p.store, taskID).AppendBrief(ctx, pc.Round, brief.Text); err != nil {
		return nil, err
	}
	if err := p.store.SaveState(ctx, state); err != nil {
		return nil, err
	}

	slog.Info("planning started", "task", taskID, "round", pc.Round, "flags", brief.Flags)
	return pc, nil
}

// Context loads the planning context of a task
func (p *Planner) Context(ctx context.Context, taskID string) (*types.PlanningContext, error) {
	var pc types.PlanningContext
	err := p.store.ReadJSON(ctx, taskID, storage.DocPlanning, &pc)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w for task %s", ErrNotStarted, taskID)
	}
	if err != nil {
		return nil, err
	}
	if pc.TaskID == "" {
		pc.TaskID = taskID
	}
	return &pc, nil
}

// Sessions loads the clarification sessions of a task, oldest first
func (p *Planner) Sessions(ctx context.Context, taskID string) ([]*types.ClarificationSession, error) {
	var sessions []*types.ClarificationSession
	err := p.store.ReadJSON(ctx, taskID, storage.DocClarifications, &sessions)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return sessions, nil
}

// OpenSession returns the session awaiting answers (or a retry after a
// failed telephone game), if any
func (p *Planner) OpenSession(ctx context.Context, taskID string) (*types.ClarificationSession, error) {
	sessions, err := p.Sessions(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if s := lastOpen(sessions); s != nil {
		return s, nil
	}
	return nil, ErrNoOpenSession
}

func lastOpen(sessions []*types.ClarificationSession) *types.ClarificationSession {
	if len(sessions) == 0 {
		return nil
	}
	s := sessions[len(sessions)-1]
	switch s.Status {
	case types.SessionAwaitingUserResponse, types.SessionFeedbackCollected:
		return s
	}
	return nil
}

// Cycle runs one planning round: it polls the roles, evaluates their
// verdicts and applies the decision.
func (p *Planner) Cycle(ctx context.Context, taskID string) (*Outcome, error) {
	if p.invoker == nil {
		return nil, fmt.Errorf("no role invoker configured")
	}
	state, err := p.planningState(ctx, taskID)
	if err != nil {
		return nil, err
	}
	pc, err := p.Context(ctx, taskID)
	if err != nil {
		return nil, err
	}
	sessions, err := p.Sessions(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if s := lastOpen(sessions); s != nil {
		return nil, fmt.Errorf("%w: session %d", ErrSessionOpen, s.SessionNumber)
	}

	pc.Round = math.Floor(pc.Round) + 1
	previous := pc.Verdicts
	pc.Verdicts = p.poll(ctx, pc)
	pc.RoundSummaries = append(pc.RoundSummaries, SummarizeRound(pc.Round, previous, pc.Verdicts))

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("planning round %v canceled: %w", pc.Round, err)
	}
	return p.evaluate(ctx, state, pc, sessions)
}

// Resume records the requester's answers to the open clarification session,
// re-consults the roles and evaluates the merged verdicts. answers are keyed
// by question ID; a missing, empty or "skip" answer skips the question.
func (p *Planner) Resume(ctx context.Context, taskID string, answers map[string]string) (*Outcome, error) {
	state, err := p.planningState(ctx, taskID)
	if err != nil {
		return nil, err
	}
	pc, err := p.Context(ctx, taskID)
	if err != nil {
		return nil, err
	}
	sessions, err := p.Sessions(ctx, taskID)
	if err != nil {
		return nil, err
	}
	s := lastOpen(sessions)
	if s == nil {
		return nil, ErrNoOpenSession
	}

	fb := p.clarifier.CollectFeedback(s, answers)

	tel := p.coordinator.Execute(ctx, pc, s, fb)
	if tel.Status == types.TelephoneFailed {
		slog.Warn("telephone game failed", "task", taskID, "session", s.SessionNumber, "error", tel.Error)
		s.TelephoneGameResult = tel
		if err := p.store.WriteJSON(ctx, taskID, storage.DocClarifications, sessions); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w for session %d: %s", ErrTelephoneFailed, s.SessionNumber, tel.Error)
	}
	if err := transcript.New(p.store, taskID).AppendAnswers(ctx, s, fb); err != nil {
		return nil, err
	}
	if err := p.clarifier.MergeBack(ctx, pc, s, fb, tel); err != nil {
		return nil, fmt.Errorf("failed to merge clarification %d: %w", s.SessionNumber, err)
	}
	if _, err := p.meetings.RecordClarification(ctx, taskID, pc.Round, pc.Verdicts, s, fb, tel); err != nil {
		return nil, err
	}

	out, err := p.evaluate(ctx, state, pc, sessions)
	if err != nil {
		return nil, err
	}
	out.Telephone = tel
	return out, nil
}

// Run repeats Cycle while the decision is hold, up to maxCycles cycles.
// It stops at the first go, redo_planning or clarify decision.
func (p *Planner) Run(ctx context.Context, taskID string, maxCycles int) (*Outcome, error) {
	if maxCycles <= 0 {
		return nil, fmt.Errorf("maxCycles must be positive: %d", maxCycles)
	}

	var out *Outcome
	for i := 1; i <= maxCycles; i++ {
		if err := ctx.Err(); err != nil {
			return out, fmt.Errorf("planning canceled after %d cycles: %w", i-1, err)
		}

		var err error
		out, err = p.Cycle(ctx, taskID)
		if err != nil {
			return out, fmt.Errorf("planning cycle %d failed: %w", i, err)
		}
		if out.Decision() != types.DecisionHold {
			return out, nil
		}
		slog.Debug("planning on hold", "task", taskID, "cycle", i, "reason", out.Evaluation.Reason)
	}
	return out, nil
}

// planningState loads the task state and checks it is in planning
func (p *Planner) planningState(ctx context.Context, taskID string) (*types.TaskState, error) {
	state, err := p.store.LoadState(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if state.Phase != types.StagePlanning {
		return nil, fmt.Errorf("%w: %s is at %s", ErrNotPlanning, taskID, state.Phase)
	}
	return state, nil
}

// poll asks every role for a verdict on the current brief. Failed, late or
// malformed replies become unknown verdicts.
func (p *Planner) poll(ctx context.Context, pc *types.PlanningContext) []types.RoleVerdict {
	opts := telephone.Options{
		BatchSize: p.settings.Telephone.MaxParallelInvokes,
		Timeout:   p.settings.Telephone.RoleTimeout,
	}
	results := telephone.Dispatch(ctx, p.roles, opts,
		func(ctx context.Context, role string) types.RoleResult {
			payload := types.RolePayload{
				Kind:   types.PayloadPlanning,
				TaskID: pc.TaskID,
				Round:  pc.Round,
				Brief:  pc.Brief.Text,
			}
			if prior, ok := pc.VerdictFor(role); ok {
				payload.Prior = &prior
			}
			if deadline, ok := ctx.Deadline(); ok {
				payload.Deadline = deadline
			}
			payload.Prompt = ai.PlanningPrompt(role, payload)
			return p.invoker.InvokeRole(ctx, role, payload)
		},
		func(role string, err error) types.RoleResult {
			return types.RoleResult{OK: false, Error: fmt.Sprintf("role %s did not answer: %v", role, err)}
		})
	return verdict.Aggregate(p.roles, results)
}

// evaluate runs the consensus engine over pc, records the round and applies
// the decision. pc, the sessions and the state are saved.
func (p *Planner) evaluate(ctx context.Context, state *types.TaskState, pc *types.PlanningContext,
	sessions []*types.ClarificationSession) (*Outcome, error) {
	res := p.engine.Evaluate(consensus.InputFromContext(pc))
	pc.LastEvaluation = res
	pc.DraftInfo = res.DraftInfoUpdates

	if _, err := p.meetings.RecordEvaluation(ctx, pc.TaskID, pc.Verdicts, res); err != nil {
		return nil, err
	}

	out := &Outcome{Evaluation: res, Context: pc, State: state}
	switch res.Decision {
	case types.DecisionGo:
		if err := p.complete(state); err != nil {
			return nil, err
		}

	case types.DecisionRedoPlanning:
		if err := phase.RedoPhase(ctx, state, types.StagePlanning, p.store); err != nil {
			return nil, err
		}
		// verdicts of the abandoned attempt no longer count as divergence
		pc.Verdicts = nil
		pc.RoundSummaries = nil

	case types.DecisionClarify:
		s, err := p.clarifier.Open(ctx, pc)
		if err != nil {
			if !errors.Is(err, clarify.ErrClarificationLimitExceeded) {
				return nil, err
			}
			slog.Warn("clarification needed but limit reached", "task", pc.TaskID, "error", err)
			out.ClarifyErr = err
			break
		}
		out.Session = s
		sessions = append(sessions, s)
		if err := p.store.WriteJSON(ctx, pc.TaskID, storage.DocClarifications, sessions); err != nil {
			return nil, err
		}
		if err := transcript.New(p.store, pc.TaskID).AppendQuestions(ctx, s); err != nil {
			return nil, err
		}
	}

	// a resumed session was mutated in place and must be saved
	if out.Session == nil && len(sessions) > 0 {
		if err := p.store.WriteJSON(ctx, pc.TaskID, storage.DocClarifications, sessions); err != nil {
			return nil, err
		}
	}

	if err := recordDecision(state, res); err != nil {
		return nil, err
	}
	if err := p.saveContext(ctx, pc); err != nil {
		return nil, err
	}
	if err := p.store.SaveState(ctx, state); err != nil {
		return nil, err
	}

	slog.Info("planning round complete",
		"task", pc.TaskID,
		"round", pc.Round,
		"decision", res.Decision,
		"phase", state.Phase)
	return out, nil
}

// complete marks the planning actor completed and moves to the next stage
func (p *Planner) complete(state *types.TaskState) error {
	next, err := phase.SuggestNext(state, phase.ArtifactsFromState(state))
	if err != nil {
		return err
	}
	status := types.ActorCompleted
	patch := types.StatePatch{Actors: map[types.Stage]types.ActorPatch{types.StagePlanning: {Status: &status}}}
	if !next.Complete() {
		patch.Phase = &next.Phase
	}
	return state.ApplyPatch(patch)
}

type decisionArtifact struct {
	Round    float64                `json:"round"`
	Decision types.Decision         `json:"decision"`
	Reason   string                 `json:"reason"`
	Metrics  types.ConsensusMetrics `json:"metrics"`
}

func recordDecision(state *types.TaskState, res *types.EvaluateResult) error {
	raw, err := json.Marshal(decisionArtifact{
		Round:    res.Round,
		Decision: res.Decision,
		Reason:   res.Reason,
		Metrics:  res.Metrics,
	})
	if err != nil {
		return fmt.Errorf("failed to encode consensus artifact: %w", err)
	}
	return state.ApplyPatch(types.StatePatch{Artifacts: map[string]json.RawMessage{ArtifactConsensus: raw}})
}

func (p *Planner) saveContext(ctx context.Context, pc *types.PlanningContext) error {
	if err := p.store.WriteJSON(ctx, pc.TaskID, storage.DocPlanning, pc); err != nil {
		return fmt.Errorf("failed to save planning context for %s: %w", pc.TaskID, err)
	}
	return nil
}
