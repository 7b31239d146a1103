// Package extract wraps the Anthropic API behind the single operation the
// batch pipeline needs: send a group of source texts, get back the raw model
// answer for the whole group.
package extract

import (
	"context"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/hypergraph-labs/extract-cli/internal/resilience"
)

// Client processes one batch of source texts and returns the raw model
// answer. The answer is stored verbatim in the ledger; parsing happens
// downstream.
type Client interface {
	Process(ctx context.Context, texts []string) (string, error)
}

// Options configures the Anthropic-backed client.
type Options struct {
	Model       string
	MaxTokens   int64
	Temperature *float64
	Prompt      *PromptTemplate
	Retry       resilience.RetryConfig
}

// anthropicClient implements Client using the official SDK.
type anthropicClient struct {
	client    sdk.Client
	model     string
	maxTokens int64
	temp      *float64
	prompt    *PromptTemplate
	retry     resilience.RetryConfig
}

// NewAnthropicClient creates a Client backed by the Anthropic API. Transient
// API failures are retried inside the client; non-transient failures are
// returned to the caller unchanged.
func NewAnthropicClient(apiKey string, opts Options) Client {
	prompt := opts.Prompt
	if prompt == nil {
		prompt = DefaultPromptTemplate()
	}
	retry := opts.Retry
	if retry.MaxAttempts == 0 {
		retry = resilience.DefaultRetryConfig()
	}
	if retry.ShouldRetry == nil {
		retry.ShouldRetry = isRetryableAPIError
	}
	if retry.OnRetry == nil {
		retry.OnRetry = resilience.RetryLogger("anthropic", "process_batch")
	}
	maxTokens := opts.MaxTokens
	if maxTokens == 0 {
		maxTokens = 4096
	}

	return &anthropicClient{
		client:    sdk.NewClient(option.WithAPIKey(apiKey)),
		model:     opts.Model,
		maxTokens: maxTokens,
		temp:      opts.Temperature,
		prompt:    prompt,
		retry:     retry,
	}
}

func (c *anthropicClient) Process(ctx context.Context, texts []string) (string, error) {
	if len(texts) == 0 {
		return "", eris.New("extract: empty batch")
	}

	params := sdk.MessageNewParams{
		Model:     sdk.Model(c.model),
		MaxTokens: c.maxTokens,
		System: []sdk.TextBlockParam{
			{Text: c.prompt.System},
		},
		Messages: []sdk.MessageParam{
			sdk.NewUserMessage(sdk.NewTextBlock(c.prompt.Render(texts))),
		},
	}
	if c.temp != nil {
		params.Temperature = sdk.Float(*c.temp)
	}

	msg, err := resilience.DoVal(ctx, c.retry, func(ctx context.Context) (*sdk.Message, error) {
		return c.client.Messages.New(ctx, params)
	})
	if err != nil {
		return "", eris.Wrap(err, "extract: create message")
	}

	var b strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	answer := b.String()
	if answer == "" {
		return "", eris.Errorf("extract: empty answer from model (stop_reason %s)", msg.StopReason)
	}

	zap.L().Debug("batch processed",
		zap.String("model", string(msg.Model)),
		zap.Int("texts", len(texts)),
		zap.Int64("input_tokens", msg.Usage.InputTokens),
		zap.Int64("output_tokens", msg.Usage.OutputTokens),
	)
	return answer, nil
}

// isRetryableAPIError extends the shared transient check with the bare
// status codes the SDK renders into error strings.
func isRetryableAPIError(err error) bool {
	if resilience.IsTransient(err) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "429") || strings.Contains(msg, "529")
}
