package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/agentrun/orchestrator/internal/orcherr"
	"github.com/agentrun/orchestrator/internal/streamparser"
)

// OpenAIClient adapts sashabaranov/go-openai's chat-completion streaming
// into llm.Client: its index-keyed delta.ToolCalls accumulation maps onto
// streamparser.RawChunk almost directly, since both are index-coalesced by
// construction.
type OpenAIClient struct {
	client       *openai.Client
	defaultModel string
	retry        RetryConfig
}

type OpenAIConfig struct {
	APIKey       string
	DefaultModel string
	Retry        RetryConfig
}

func NewOpenAIClient(config OpenAIConfig) (*OpenAIClient, error) {
	if config.APIKey == "" {
		return nil, fmt.Errorf("openai: API key is required")
	}
	if config.DefaultModel == "" {
		config.DefaultModel = "gpt-4o"
	}
	if config.Retry == (RetryConfig{}) {
		config.Retry = DefaultRetryConfig()
	}
	return &OpenAIClient{
		client:       openai.NewClient(config.APIKey),
		defaultModel: config.DefaultModel,
		retry:        config.Retry,
	}, nil
}

func (c *OpenAIClient) Name() string { return "openai" }

func (c *OpenAIClient) Stream(ctx context.Context, req Request) (<-chan streamparser.RawChunk, error) {
	model := req.Model
	if model == "" {
		model = c.defaultModel
	}

	chatReq := openai.ChatCompletionRequest{
		Model:    model,
		Messages: convertOpenAIMessages(req.Messages, req.System),
		Stream:   true,
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = convertOpenAITools(req.Tools)
	}

	stream, err := c.streamWithRetry(ctx, chatReq)
	if err != nil {
		return nil, err
	}

	out := make(chan streamparser.RawChunk)
	go func() {
		defer close(out)
		defer stream.Close()
		relayOpenAIStream(ctx, stream, out)
	}()
	return out, nil
}

func (c *OpenAIClient) streamWithRetry(ctx context.Context, req openai.ChatCompletionRequest) (*openai.ChatCompletionStream, error) {
	var lastErr error
	backoff := c.retry.BaseDelay
	for attempt := 0; attempt <= c.retry.MaxAttempts; attempt++ {
		if attempt > 0 {
			sleep := time.Duration(float64(backoff) * math.Pow(2, float64(attempt-1)))
			if sleep > c.retry.MaxDelay {
				sleep = c.retry.MaxDelay
			}
			select {
			case <-time.After(sleep):
			case <-ctx.Done():
				return nil, orcherr.Cancelled("openai stream request cancelled")
			}
		}
		stream, err := c.client.CreateChatCompletionStream(ctx, req)
		if err == nil {
			return stream, nil
		}
		lastErr = err
	}
	return nil, orcherr.WrapProvider(lastErr, "openai stream failed after %d attempts", c.retry.MaxAttempts+1)
}

func relayOpenAIStream(ctx context.Context, stream *openai.ChatCompletionStream, out chan<- streamparser.RawChunk) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		resp, err := stream.Recv()
		if err != nil {
			if err == io.EOF {
				select {
				case out <- streamparser.RawChunk{FinishReason: "stop"}:
				case <-ctx.Done():
				}
			}
			return
		}
		if len(resp.Choices) == 0 {
			continue
		}
		delta := resp.Choices[0].Delta

		if delta.Content != "" {
			select {
			case out <- streamparser.RawChunk{TextDelta: delta.Content}:
			case <-ctx.Done():
				return
			}
		}

		for _, tc := range delta.ToolCalls {
			idx := 0
			if tc.Index != nil {
				idx = *tc.Index
			}
			chunk := streamparser.RawChunk{Index: idx, ToolCallIndexActive: true}
			if tc.ID != "" {
				chunk.ToolCallID = tc.ID
			}
			if tc.Function.Name != "" {
				chunk.ToolCallName = tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				chunk.ArgsJSONDelta = tc.Function.Arguments
			}
			select {
			case out <- chunk:
			case <-ctx.Done():
				return
			}
		}

		if resp.Choices[0].FinishReason != "" {
			select {
			case out <- streamparser.RawChunk{FinishReason: string(resp.Choices[0].FinishReason)}:
			case <-ctx.Done():
			}
			return
		}
	}
}

// Complete implements Client for the Context Manager's non-streaming
// summarization calls.
func (c *OpenAIClient) Complete(ctx context.Context, prompt string, maxTokens int) (string, error) {
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:     c.defaultModel,
		MaxTokens: maxTokens,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	})
	if err != nil {
		return "", orcherr.WrapProvider(err, "openai completion failed")
	}
	if len(resp.Choices) == 0 {
		return "", nil
	}
	return resp.Choices[0].Message.Content, nil
}

func convertOpenAIMessages(messages []Message, system string) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages)+1)
	if system != "" {
		out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: system})
	}
	for _, m := range messages {
		msg := openai.ChatCompletionMessage{Content: m.Content}
		switch m.Role {
		case "tool":
			msg.Role = openai.ChatMessageRoleTool
			msg.ToolCallID = m.ToolCallID
		case "assistant":
			msg.Role = openai.ChatMessageRoleAssistant
			if len(m.ToolCalls) > 0 {
				msg.ToolCalls = make([]openai.ToolCall, len(m.ToolCalls))
				for i, tc := range m.ToolCalls {
					args, _ := json.Marshal(tc.Arguments)
					msg.ToolCalls[i] = openai.ToolCall{
						ID:   tc.CallID,
						Type: openai.ToolTypeFunction,
						Function: openai.FunctionCall{
							Name:      tc.Name,
							Arguments: string(args),
						},
					}
				}
			}
		default:
			msg.Role = openai.ChatMessageRoleUser
		}
		out = append(out, msg)
	}
	return out
}

func convertOpenAITools(tools []ToolSchema) []openai.Tool {
	out := make([]openai.Tool, 0, len(tools))
	for _, t := range tools {
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}
	return out
}
