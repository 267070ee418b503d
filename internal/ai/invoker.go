package ai

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/steveyegge/quorum/internal/types"
)

// DefaultModel is used when no model is configured
const DefaultModel = "claude-sonnet-4-5-20250929"

// messageClient is the slice of the Anthropic client the invoker uses
type messageClient interface {
	New(ctx context.Context, body anthropic.MessageNewParams, opts ...option.RequestOption) (*anthropic.Message, error)
}

// Config holds invoker configuration
type Config struct {
	APIKey    string // Anthropic API key (if empty, reads ANTHROPIC_API_KEY)
	Model     string // Model to use (default: DefaultModel)
	MaxTokens int64  // Response token cap (default: 2048)
	Retry     RetryConfig
}

// AnthropicInvoker produces role verdicts by prompting a model. It is safe
// for concurrent use; calls share one retrier, so concurrency, pacing and
// circuit breaking apply across roles.
type AnthropicInvoker struct {
	messages  messageClient
	model     string
	maxTokens int64
	retrier   *Retrier
}

var _ types.RoleInvoker = (*AnthropicInvoker)(nil)

// NewAnthropicInvoker creates an invoker backed by the Anthropic API
func NewAnthropicInvoker(cfg Config) (*AnthropicInvoker, error) {
	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
		if apiKey == "" {
			return nil, fmt.Errorf("ANTHROPIC_API_KEY not set")
		}
	}
	client := anthropic.NewClient(option.WithAPIKey(apiKey))
	return newInvoker(&client.Messages, cfg), nil
}

func newInvoker(messages messageClient, cfg Config) *AnthropicInvoker {
	model := cfg.Model
	if model == "" {
		model = DefaultModel
	}
	maxTokens := cfg.MaxTokens
	if maxTokens == 0 {
		maxTokens = 2048
	}
	retry := cfg.Retry
	if retry.MaxRetries == 0 && retry.InitialBackoff == 0 {
		retry = DefaultRetryConfig()
	}
	return &AnthropicInvoker{
		messages:  messages,
		model:     model,
		maxTokens: maxTokens,
		retrier:   NewRetrier(retry),
	}
}

// InvokeRole asks the model for a role's response. The payload's Prompt is
// sent as-is when set; otherwise a prompt is built for the payload kind. The raw
// text is returned for the caller to normalize. Failures are reported in the
// result, never as panics or errors.
func (a *AnthropicInvoker) InvokeRole(ctx context.Context, role string, payload types.RolePayload) types.RoleResult {
	prompt := payload.Prompt
	if prompt == "" {
		prompt = BuildPrompt(role, payload)
	}

	var text string
	err := a.retrier.Do(ctx, "role "+role, func(attemptCtx context.Context) error {
		resp, apiErr := a.messages.New(attemptCtx, anthropic.MessageNewParams{
			Model:     anthropic.Model(a.model),
			MaxTokens: a.maxTokens,
			System:    []anthropic.TextBlockParam{{Text: RoleDescription(role)}},
			Messages: []anthropic.MessageParam{
				anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
			},
		})
		if apiErr != nil {
			return apiErr
		}

		var sb strings.Builder
		for _, block := range resp.Content {
			if block.Type == "text" {
				sb.WriteString(block.Text)
			}
		}
		text = sb.String()
		slog.Debug("role responded",
			"role", role,
			"input_tokens", resp.Usage.InputTokens,
			"output_tokens", resp.Usage.OutputTokens)
		return nil
	})
	if err != nil {
		return types.RoleResult{OK: false, Error: err.Error()}
	}
	if strings.TrimSpace(text) == "" {
		return types.RoleResult{OK: false, Error: "empty response"}
	}
	return types.RoleResult{OK: true, Raw: text}
}
