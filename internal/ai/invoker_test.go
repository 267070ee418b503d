package ai

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steveyegge/quorum/internal/types"
)

type fakeMessages struct {
	mu      sync.Mutex
	replies []string
	errs    []error
	params  []anthropic.MessageNewParams
}

func (f *fakeMessages) New(ctx context.Context, body anthropic.MessageNewParams, opts ...option.RequestOption) (*anthropic.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.params = append(f.params, body)
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	reply := ""
	if len(f.replies) > 0 {
		reply = f.replies[0]
		f.replies = f.replies[1:]
	}
	return &anthropic.Message{
		Content: []anthropic.ContentBlockUnion{{Type: "text", Text: reply}},
	}, nil
}

func testInvoker(f *fakeMessages) *AnthropicInvoker {
	cfg := Config{Model: "test-model", Retry: testRetryConfig()}
	inv := newInvoker(f, cfg)
	inv.retrier.sleep = func(ctx context.Context, _ time.Duration) error { return nil }
	return inv
}

func TestInvokeRoleBuildsPlanningPrompt(t *testing.T) {
	f := &fakeMessages{replies: []string{`{"ok":true,"confidence":0.9}`}}
	inv := testInvoker(f)

	res := inv.InvokeRole(context.Background(), types.RoleRisk, types.RolePayload{
		Kind:   "planning",
		TaskID: "task-1",
		Round:  1,
		Brief:  "Add SSO login",
	})
	require.True(t, res.OK, res.Error)
	assert.Equal(t, `{"ok":true,"confidence":0.9}`, res.Raw)

	require.Len(t, f.params, 1)
	assert.Equal(t, anthropic.Model("test-model"), f.params[0].Model)
	require.Len(t, f.params[0].System, 1)
	assert.Contains(t, f.params[0].System[0].Text, "risk reviewer")
}

func TestInvokeRoleUsesGivenPrompt(t *testing.T) {
	f := &fakeMessages{replies: []string{"reply"}}
	inv := testInvoker(f)

	res := inv.InvokeRole(context.Background(), types.RoleTest, types.RolePayload{Prompt: "custom prompt"})
	assert.True(t, res.OK)
	assert.Equal(t, "reply", res.Raw)
}

func TestInvokeRoleReportsFailures(t *testing.T) {
	f := &fakeMessages{errs: []error{apiError(http.StatusUnauthorized, "")}}
	inv := testInvoker(f)

	res := inv.InvokeRole(context.Background(), types.RoleProduct, types.RolePayload{Brief: "x"})
	assert.False(t, res.OK)
	assert.NotEmpty(t, res.Error)
	assert.Len(t, f.params, 1)
}

func TestInvokeRoleRetriesTransient(t *testing.T) {
	f := &fakeMessages{
		errs:    []error{apiError(http.StatusServiceUnavailable, ""), nil},
		replies: []string{`{"ok":false}`},
	}
	inv := testInvoker(f)

	res := inv.InvokeRole(context.Background(), types.RoleProduct, types.RolePayload{Brief: "x"})
	assert.True(t, res.OK)
	assert.Len(t, f.params, 2)
}

func TestInvokeRoleEmptyResponse(t *testing.T) {
	f := &fakeMessages{replies: []string{"   "}}
	res := testInvoker(f).InvokeRole(context.Background(), types.RoleProduct, types.RolePayload{Brief: "x"})
	assert.False(t, res.OK)
	assert.Equal(t, "empty response", res.Error)
}

func TestPlanningPromptIncludesPriorVerdict(t *testing.T) {
	prompt := PlanningPrompt(types.RoleSeniorEngineer, types.RolePayload{
		TaskID: "task-1",
		Round:  1.5,
		Brief:  "Add SSO login",
		Prior: &types.RoleVerdict{
			OK:                    types.Bool(false),
			Confidence:            0.3,
			BlockingOpenQuestions: []string{"what auth model?"},
		},
	})
	assert.Contains(t, prompt, "Planning round 1.5")
	assert.Contains(t, prompt, "stance: disagree, confidence: 0.30")
	assert.Contains(t, prompt, "blocking question: what auth model?")
	assert.Contains(t, prompt, "senior engineer perspective")
}
