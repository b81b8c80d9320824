package actions

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/bedrock"
	"github.com/anthropics/anthropic-sdk-go/option"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"

	"github.com/docxology/codomyrmex-sub001/internal/config"
	"github.com/docxology/codomyrmex-sub001/pkg/models"
)

// Prompt is one llm.complete request.
type Prompt struct {
	System      string
	User        string
	Model       string
	MaxTokens   int
	Temperature *float64
}

// Completion is the model's reply.
type Completion struct {
	Text         string `json:"text"`
	Model        string `json:"model"`
	StopReason   string `json:"stop_reason,omitempty"`
	InputTokens  int64  `json:"input_tokens"`
	OutputTokens int64  `json:"output_tokens"`
}

// Completer sends a single-turn prompt to a language model.
type Completer interface {
	Complete(ctx context.Context, p Prompt) (Completion, error)
}

// AnthropicCompleter implements Completer with the Anthropic SDK, either
// against the public API or through AWS Bedrock.
type AnthropicCompleter struct {
	client    anthropic.Client
	model     string
	maxTokens int
	bedrock   bool
}

// NewAnthropicCompleter builds a Completer from the llm config section.
// The anthropic provider needs an API key; bedrock loads AWS credentials
// from the default chain.
func NewAnthropicCompleter(ctx context.Context, cfg *config.LLMConfig) (*AnthropicCompleter, error) {
	var opts []option.RequestOption
	useBedrock := cfg.Provider == "bedrock"

	if useBedrock {
		var loadOpts []func(*awsconfig.LoadOptions) error
		if cfg.AWSRegion != "" {
			loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.AWSRegion))
		}
		opts = append(opts, bedrock.WithLoadDefaultConfig(ctx, loadOpts...))
	} else {
		key, err := cfg.ResolveAPIKey()
		if err != nil {
			return nil, err
		}
		opts = append(opts, option.WithAPIKey(key))
	}

	model := cfg.Model
	if model == "" {
		model = "claude-sonnet-4-5-20250929" // anthropic.ModelClaudeSonnet4_5_20250929 (absent in the go1.21-compatible SDK)
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1024
	}

	return &AnthropicCompleter{
		client:    anthropic.NewClient(opts...),
		model:     model,
		maxTokens: maxTokens,
		bedrock:   useBedrock,
	}, nil
}

// bedrockModels maps API model names to Bedrock cross-region inference profiles.
var bedrockModels = map[string]string{
	"claude-sonnet-4-5":          "us.anthropic.claude-sonnet-4-5-20250929-v1:0",
	"claude-sonnet-4-5-20250929": "us.anthropic.claude-sonnet-4-5-20250929-v1:0",
	"claude-sonnet-4-20250514":   "us.anthropic.claude-sonnet-4-20250514-v1:0",
	"claude-haiku-4-5":           "us.anthropic.claude-haiku-4-5-20251001-v1:0",
	"claude-haiku-4-5-20251001":  "us.anthropic.claude-haiku-4-5-20251001-v1:0",
	"claude-opus-4-1-20250805":   "us.anthropic.claude-opus-4-1-20250805-v1:0",
}

func (a *AnthropicCompleter) resolveModel(model string) string {
	if model == "" {
		model = a.model
	}
	if a.bedrock {
		if m, ok := bedrockModels[model]; ok {
			return m
		}
	}
	return model
}

// Complete implements Completer.
func (a *AnthropicCompleter) Complete(ctx context.Context, p Prompt) (Completion, error) {
	maxTokens := p.MaxTokens
	if maxTokens <= 0 {
		maxTokens = a.maxTokens
	}
	model := a.resolveModel(p.Model)

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: int64(maxTokens),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(p.User)),
		},
	}
	if p.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: p.System}}
	}
	if p.Temperature != nil {
		params.Temperature = anthropic.Float(*p.Temperature)
	}

	resp, err := a.client.Messages.New(ctx, params)
	if err != nil {
		return Completion{}, classifyAPIError(err)
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if tb, ok := block.AsAny().(anthropic.TextBlock); ok {
			text.WriteString(tb.Text)
		}
	}
	return Completion{
		Text:         text.String(),
		Model:        string(resp.Model),
		StopReason:   string(resp.StopReason),
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
	}, nil
}

// classifyAPIError keeps rate limits and server errors retryable and turns
// other client errors into validation failures.
func classifyAPIError(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		code := apiErr.StatusCode
		if code >= 400 && code < 500 && code != 429 && code != 408 {
			return models.WrapError(models.KindValidation, "llm.complete", err)
		}
	}
	return models.WrapError(models.KindExecution, "llm.complete", err)
}

type llmAction struct {
	llm Completer
}

// complete sends params["prompt"] with optional "system", "model",
// "max_tokens" and "temperature".
func (l *llmAction) complete(ctx context.Context, params map[string]any) (any, error) {
	const op = "llm.complete"

	prompt, err := requireString(op, params, "prompt")
	if err != nil {
		return nil, err
	}
	p := Prompt{User: prompt}
	p.System, _ = stringParam(params, "system")
	p.Model, _ = stringParam(params, "model")
	if p.MaxTokens, err = intParam(params, "max_tokens", 0); err != nil {
		return nil, paramError(op, "%v", err)
	}
	if v, ok := params["temperature"]; ok && v != nil {
		t, ok := v.(float64)
		if !ok || t < 0 || t > 1 {
			return nil, paramError(op, "temperature must be a number between 0 and 1, got %v", v)
		}
		p.Temperature = &t
	}

	c, err := l.llm.Complete(ctx, p)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	return c, nil
}

// Describe reports which backend and default model are in use.
func (a *AnthropicCompleter) Describe() string {
	backend := "anthropic"
	if a.bedrock {
		backend = "bedrock"
	}
	return fmt.Sprintf("%s/%s", backend, a.resolveModel(""))
}
