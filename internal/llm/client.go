// Package llm adapts third-party provider SDKs (Anthropic, OpenAI) into the
// streamparser.RawChunk shape the stream parser consumes, and exposes a
// single non-streaming Complete call for the context manager's
// summarization stage.
package llm

import (
	"context"
	"time"

	"github.com/agentrun/orchestrator/internal/streamparser"
	"github.com/agentrun/orchestrator/pkg/model"
)

// Message is one turn of conversation handed to a provider. Tool-call and
// tool-result turns are pre-flattened by the orchestrator's prompt assembly
// into the provider's own wire shape inside the adapter, not here.
type Message struct {
	Role    string // "system", "user", "assistant", "tool"
	Content string
	// ToolCallID pairs a "tool" role message back to the call it answers.
	ToolCallID string
	// ToolCalls carries an assistant turn's native tool invocations forward
	// so the provider sees its own prior calls on replay (required for
	// Anthropic/OpenAI's tool_use/tool_calls-then-tool_result turn pairing).
	ToolCalls []model.ToolCall
}

// ToolSchema is one tool's native function-calling schema, built from
// toolregistry.ToolSpec by the orchestrator before each request.
type ToolSchema struct {
	Name        string
	Description string
	Parameters  map[string]any // JSON Schema object
}

// Request is one streaming completion call.
type Request struct {
	Model     string
	System    string
	Messages  []Message
	Tools     []ToolSchema
	MaxTokens int
}

// Client streams a completion as streamparser.RawChunk values and supports a
// single blocking Complete call for non-streaming uses (context
// summarization). Implementations must be safe for concurrent use.
type Client interface {
	Stream(ctx context.Context, req Request) (<-chan streamparser.RawChunk, error)
	Complete(ctx context.Context, prompt string, maxTokens int) (string, error)
	Name() string
}

// RetryConfig bounds the exponential backoff applied to provider errors:
// retried up to MaxAttempts times with delay doubling from BaseDelay up to
// MaxDelay, after which the run fails.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{MaxAttempts: 5, BaseDelay: 500 * time.Millisecond, MaxDelay: 10 * time.Second}
}
