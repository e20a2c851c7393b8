package llm

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/agentrun/orchestrator/internal/orcherr"
	"github.com/agentrun/orchestrator/internal/streamparser"
)

// AnthropicClient adapts anthropic-sdk-go into the llm.Client interface,
// translating its content_block_start/content_block_delta/content_block_stop
// triad into streamparser.RawChunk values, keyed by index to support
// multiple concurrent tool_use blocks even though Anthropic only ever
// streams one at a time today.
type AnthropicClient struct {
	client       anthropic.Client
	defaultModel string
	retry        RetryConfig
}

// AnthropicConfig configures the client.
type AnthropicConfig struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
	Retry        RetryConfig
}

func NewAnthropicClient(config AnthropicConfig) (*AnthropicClient, error) {
	if config.APIKey == "" {
		return nil, fmt.Errorf("anthropic: API key is required")
	}
	if config.DefaultModel == "" {
		config.DefaultModel = "claude-sonnet-4-20250514"
	}
	if config.Retry == (RetryConfig{}) {
		config.Retry = DefaultRetryConfig()
	}

	opts := []option.RequestOption{option.WithAPIKey(config.APIKey)}
	if strings.TrimSpace(config.BaseURL) != "" {
		opts = append(opts, option.WithBaseURL(config.BaseURL))
	}

	return &AnthropicClient{
		client:       anthropic.NewClient(opts...),
		defaultModel: config.DefaultModel,
		retry:        config.Retry,
	}, nil
}

func (c *AnthropicClient) Name() string { return "anthropic" }

// Stream implements Client.
func (c *AnthropicClient) Stream(ctx context.Context, req Request) (<-chan streamparser.RawChunk, error) {
	model := req.Model
	if model == "" {
		model = c.defaultModel
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  convertMessages(req.Messages),
		MaxTokens: int64(maxTokensOrDefault(req.MaxTokens)),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: req.System}}
	}
	if len(req.Tools) > 0 {
		params.Tools = convertTools(req.Tools)
	}

	out := make(chan streamparser.RawChunk)

	go func() {
		defer close(out)
		stream := c.client.Messages.NewStreaming(ctx, params)
		relayAnthropicStream(ctx, stream, out)
	}()

	return out, nil
}

func relayAnthropicStream(ctx context.Context, stream interface {
	Next() bool
	Current() anthropic.MessageStreamEventUnion
	Err() error
}, out chan<- streamparser.RawChunk) {
	for stream.Next() {
		event := stream.Current()
		switch event.Type {
		case "content_block_start":
			start := event.AsContentBlockStart()
			if start.ContentBlock.Type == "tool_use" {
				toolUse := start.ContentBlock.AsToolUse()
				chunk := streamparser.RawChunk{
					Index:               int(start.Index),
					ToolCallID:          toolUse.ID,
					ToolCallName:        toolUse.Name,
					ToolCallIndexActive: true,
				}
				select {
				case out <- chunk:
				case <-ctx.Done():
					return
				}
			}
		case "content_block_delta":
			delta := event.AsContentBlockDelta()
			switch delta.Delta.Type {
			case "text_delta":
				if delta.Delta.Text != "" {
					select {
					case out <- streamparser.RawChunk{TextDelta: delta.Delta.Text}:
					case <-ctx.Done():
						return
					}
				}
			case "input_json_delta":
				if delta.Delta.PartialJSON != "" {
					select {
					case out <- streamparser.RawChunk{Index: int(delta.Index), ArgsJSONDelta: delta.Delta.PartialJSON, ToolCallIndexActive: true}:
					case <-ctx.Done():
						return
					}
				}
			}
		case "message_stop":
			select {
			case out <- streamparser.RawChunk{FinishReason: "stop"}:
			case <-ctx.Done():
			}
			return
		}
	}
}

// Complete implements Client for the Context Manager's non-streaming
// summarization calls.
func (c *AnthropicClient) Complete(ctx context.Context, prompt string, maxTokens int) (string, error) {
	if maxTokens <= 0 {
		maxTokens = 1024
	}

	var lastErr error
	backoff := c.retry.BaseDelay
	for attempt := 0; attempt <= c.retry.MaxAttempts; attempt++ {
		msg, err := c.client.Messages.New(ctx, anthropic.MessageNewParams{
			Model:     anthropic.Model(c.defaultModel),
			MaxTokens: int64(maxTokens),
			Messages: []anthropic.MessageParam{
				anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
			},
		})
		if err == nil {
			var sb strings.Builder
			for _, block := range msg.Content {
				if block.Type == "text" {
					sb.WriteString(block.AsText().Text)
				}
			}
			return sb.String(), nil
		}
		lastErr = err

		if attempt >= c.retry.MaxAttempts {
			break
		}
		sleep := time.Duration(float64(backoff) * math.Pow(2, float64(attempt)))
		if sleep > c.retry.MaxDelay {
			sleep = c.retry.MaxDelay
		}
		select {
		case <-time.After(sleep):
		case <-ctx.Done():
			return "", orcherr.Cancelled("summarization completion cancelled")
		}
	}
	return "", orcherr.WrapProvider(lastErr, "anthropic completion failed after %d attempts", c.retry.MaxAttempts+1)
}

func maxTokensOrDefault(n int) int {
	if n <= 0 {
		return 4096
	}
	return n
}

func convertMessages(messages []Message) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case "user":
			out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		case "assistant":
			blocks := []anthropic.ContentBlockParamUnion{}
			if m.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(m.Content))
			}
			for _, tc := range m.ToolCalls {
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.CallID, tc.Arguments, tc.Name))
			}
			out = append(out, anthropic.NewAssistantMessage(blocks...))
		case "tool":
			out = append(out, anthropic.NewUserMessage(anthropic.NewToolResultBlock(m.ToolCallID, m.Content, false)))
		}
	}
	return out
}

func convertTools(tools []ToolSchema) []anthropic.ToolUnionParam {
	out := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		schema := anthropic.ToolInputSchemaParam{
			Properties: t.Parameters["properties"],
			Required:   toStringSlice(t.Parameters["required"]),
		}
		toolParam := anthropic.ToolUnionParamOfTool(schema, t.Name)
		if toolParam.OfTool != nil {
			toolParam.OfTool.Description = anthropic.String(t.Description)
		}
		out = append(out, toolParam)
	}
	return out
}

func toStringSlice(v any) []string {
	if arr, ok := v.([]string); ok {
		return arr
	}
	if anyArr, ok := v.([]any); ok {
		out := make([]string, 0, len(anyArr))
		for _, a := range anyArr {
			if s, ok := a.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
