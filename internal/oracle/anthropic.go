package oracle

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicOptions configures the Anthropic-backed oracle.
type AnthropicOptions struct {
	Model       anthropic.Model
	Temperature float64
	MaxTokens   int64
	APIKey      string
}

// AnthropicOracle implements Oracle on the Anthropic Messages API.
type AnthropicOracle struct {
	client *anthropic.Client
	opts   AnthropicOptions
}

// NewAnthropicOracle creates an oracle using the official client. The API
// key falls back to the SDK's environment lookup when unset.
func NewAnthropicOracle(optFns ...func(o *AnthropicOptions)) *AnthropicOracle {
	opts := AnthropicOptions{
		Model:       anthropic.ModelClaude3_5Haiku20241022,
		Temperature: 1.0,
		MaxTokens:   1024,
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	var clientOpts []option.RequestOption
	if opts.APIKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(opts.APIKey))
	}
	client := anthropic.NewClient(clientOpts...)

	return &AnthropicOracle{client: &client, opts: opts}
}

// ProposeChain renders the prompts, performs one Messages call, and parses
// the reply. Transport and shape failures surface as errors for the
// dispatcher's retry policy; ctx carries the per-job timeout.
func (o *AnthropicOracle) ProposeChain(ctx context.Context, req Request) (Response, error) {
	system, user := BuildPrompts(req)

	resp, err := o.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:       o.opts.Model,
		MaxTokens:   o.opts.MaxTokens,
		Temperature: anthropic.Float(o.opts.Temperature),
		System:      []anthropic.TextBlockParam{{Text: system}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(user)),
		},
	})
	if err != nil {
		return Response{}, fmt.Errorf("anthropic api: %w", err)
	}

	var b strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			b.WriteString(block.AsText().Text)
		}
	}
	return ParseResponse(b.String())
}
