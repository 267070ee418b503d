// Package telephone re-consults every planning role after the requester has
// answered clarification questions, and condenses the refreshed positions
// into new consensus points and remaining divergence.
package telephone

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/steveyegge/quorum/internal/ai"
	"github.com/steveyegge/quorum/internal/clarify"
	"github.com/steveyegge/quorum/internal/config"
	"github.com/steveyegge/quorum/internal/types"
	"github.com/steveyegge/quorum/internal/verdict"
)

// basicDirectionRatio is the agree ratio at which roles share a direction
const basicDirectionRatio = 0.75

// Coordinator runs the telephone game against a role invoker
type Coordinator struct {
	cfg     config.TelephoneConfig
	invoker types.RoleInvoker
	roles   []string
	prompt  func(role string, payload types.RolePayload) string
	now     func() time.Time
}

// NewCoordinator creates a coordinator that polls the standard planning roles
func NewCoordinator(cfg config.TelephoneConfig, invoker types.RoleInvoker) *Coordinator {
	return &Coordinator{
		cfg:     cfg,
		invoker: invoker,
		roles:   types.PlanningRoles,
		prompt:  ai.TelephonePrompt,
		now:     time.Now,
	}
}

type roleCall struct {
	role    string
	payload types.RolePayload
}

// Execute re-polls every role with the collected answers and each role's
// prior verdict from p. Individual role failures degrade that role's update;
// only a failure to set up the game yields status failed.
func (c *Coordinator) Execute(ctx context.Context, p *types.PlanningContext, s *types.ClarificationSession,
	fb *types.Feedback) (result *types.TelephoneGameResult) {
	started := c.now().UTC()
	defer func() {
		if r := recover(); r != nil {
			result = failed(started, fmt.Errorf("telephone game aborted: %v", r))
		}
	}()

	calls, err := c.prepare(ctx, p, s, fb)
	if err != nil {
		slog.Error("telephone game setup failed", "error", err)
		return failed(started, err)
	}

	results := Dispatch(ctx, calls,
		Options{BatchSize: c.cfg.MaxParallelInvokes, Timeout: c.cfg.RoleTimeout},
		func(ctx context.Context, rc roleCall) types.RoleResult {
			return c.invoker.InvokeRole(ctx, rc.role, rc.payload)
		},
		func(rc roleCall, err error) types.RoleResult {
			msg := err.Error()
			if errors.Is(err, context.DeadlineExceeded) {
				msg = fmt.Sprintf("timed out after %s", c.cfg.RoleTimeout)
			}
			slog.Warn("role re-consultation failed", "role", rc.role, "error", msg)
			return types.RoleResult{OK: false, Error: msg}
		})

	updates := make([]types.RoleUpdate, len(calls))
	for i, rc := range calls {
		updates[i] = roleUpdate(rc.role, rc.payload.Prior, results[i])
	}
	points, divergence := Synthesize(updates)

	slog.Info("telephone game completed",
		"task", p.TaskID,
		"session", s.SessionNumber,
		"roles", len(updates),
		"consensus_points", len(points),
		"divergence", len(divergence))
	return &types.TelephoneGameResult{
		Timestamp:           started,
		PerRoleUpdates:      updates,
		NewConsensusPoints:  points,
		RemainingDivergence: divergence,
		Status:              types.TelephoneCompleted,
	}
}

// prepare builds one payload per role
func (c *Coordinator) prepare(ctx context.Context, p *types.PlanningContext, s *types.ClarificationSession,
	fb *types.Feedback) ([]roleCall, error) {
	switch {
	case c.invoker == nil:
		return nil, errors.New("no role invoker configured")
	case p == nil || s == nil || fb == nil:
		return nil, errors.New("planning context, session and feedback are required")
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("telephone game not started: %w", err)
	}

	answers := clarify.FormatAnswers(fb)
	calls := make([]roleCall, len(c.roles))
	for i, role := range c.roles {
		payload := types.RolePayload{
			Kind:    types.PayloadTelephone,
			TaskID:  p.TaskID,
			Round:   s.TriggeredBy.Round,
			Brief:   p.Brief.Text,
			Answers: answers,
		}
		if v, ok := p.VerdictFor(role); ok {
			payload.Prior = &v
		}
		payload.Prompt = c.prompt(role, payload)
		calls[i] = roleCall{role: role, payload: payload}
	}
	return calls, nil
}

func failed(at time.Time, err error) *types.TelephoneGameResult {
	return &types.TelephoneGameResult{
		Timestamp:           at,
		PerRoleUpdates:      []types.RoleUpdate{},
		NewConsensusPoints:  []string{},
		RemainingDivergence: []string{},
		Status:              types.TelephoneFailed,
		Error:               err.Error(),
	}
}

// roleUpdate reads one role's reply against its prior verdict
func roleUpdate(role string, prior *types.RoleVerdict, res types.RoleResult) types.RoleUpdate {
	u := types.RoleUpdate{Role: role, PreviousStance: types.StanceUnknown}
	if prior != nil {
		u.PreviousStance = prior.Stance()
		u.PreviousConfidence = prior.Confidence
	}

	if !res.OK {
		note := "re-consultation failed"
		if res.Error != "" {
			note += ": " + res.Error
		}
		u.PreviousStance = types.StanceUnknown
		u.NewStance = types.StanceUnknown
		u.UpdatedComments = note
		u.BlockingQuestions = []string{}
		u.Failed = true
		return u
	}

	var reply verdict.Reply
	if res.Verdict != nil {
		reply = verdict.ReplyFromVerdict(*res.Verdict)
	} else {
		var ok bool
		reply, ok = verdict.ParseReply(res.Raw)
		if !ok {
			slog.Warn("malformed telephone reply, treating as mixed", "role", role)
		}
	}

	u.NewStance = reply.Stance
	u.Confidence = reply.Confidence
	u.UpdatedComments = reply.Comments
	u.BlockingQuestions = reply.BlockingQuestions
	if u.BlockingQuestions == nil {
		u.BlockingQuestions = []string{}
	}
	return u
}

// Synthesize condenses the role updates. A basic-direction point is emitted
// when at least three quarters of the roles agree, and an improvement point
// when any role gained confidence. Dissenting roles and roles that still have
// blocking questions each produce a divergence note. When no point was
// produced a generic point records that views were adjusted.
func Synthesize(updates []types.RoleUpdate) (points, divergence []string) {
	points, divergence = []string{}, []string{}

	var agree int
	var dissent, improved, blocking []string
	for _, u := range updates {
		switch u.NewStance {
		case types.StanceAgree:
			agree++
		case types.StanceDisagree, types.StanceMixed:
			dissent = append(dissent, u.Role)
		}
		if !u.Failed && u.Confidence > u.PreviousConfidence {
			improved = append(improved, u.Role)
		}
		if len(u.BlockingQuestions) > 0 {
			blocking = append(blocking, u.Role)
		}
	}

	if len(updates) > 0 && float64(agree)/float64(len(updates)) >= basicDirectionRatio {
		points = append(points, fmt.Sprintf("Reached basic direction consensus (%d of %d roles agree)", agree, len(updates)))
	}
	if len(dissent) > 0 {
		divergence = append(divergence, "Divergent or mixed views remain: "+strings.Join(dissent, ", "))
	}
	if len(improved) > 0 {
		points = append(points, "Confidence improved after clarification: "+strings.Join(improved, ", "))
	}
	if len(blocking) > 0 {
		divergence = append(divergence, "Blocking questions remain for: "+strings.Join(blocking, ", "))
	}
	if len(points) == 0 {
		points = append(points, "Roles adjusted views after clarification")
	}
	return points, divergence
}
