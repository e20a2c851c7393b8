package llm

import (
	"encoding/json"
	"testing"

	openai "github.com/sashabaranov/go-openai"

	"github.com/agentrun/orchestrator/pkg/model"
)

func TestNewOpenAIClient_RequiresAPIKey(t *testing.T) {
	if _, err := NewOpenAIClient(OpenAIConfig{}); err == nil {
		t.Fatal("expected an error when no API key is configured")
	}
}

func TestNewOpenAIClient_AppliesDefaults(t *testing.T) {
	c, err := NewOpenAIClient(OpenAIConfig{APIKey: "test-key"})
	if err != nil {
		t.Fatalf("NewOpenAIClient: %v", err)
	}
	if c.defaultModel != "gpt-4o" {
		t.Errorf("defaultModel = %q, want gpt-4o", c.defaultModel)
	}
	if c.Name() != "openai" {
		t.Errorf("Name() = %q, want openai", c.Name())
	}
}

func TestConvertOpenAIMessages_PrependsSystemAndMapsRoles(t *testing.T) {
	messages := []Message{
		{Role: "user", Content: "hi"},
		{Role: "assistant", Content: "sure", ToolCalls: []model.ToolCall{
			{CallID: "c1", Name: "search", Arguments: map[string]any{"query": "go"}},
		}},
		{Role: "tool", ToolCallID: "c1", Content: "result"},
	}
	out := convertOpenAIMessages(messages, "be concise")

	if len(out) != 4 {
		t.Fatalf("got %d messages, want 4 (system + 3)", len(out))
	}
	if out[0].Role != openai.ChatMessageRoleSystem || out[0].Content != "be concise" {
		t.Errorf("first message = %+v, want system prompt", out[0])
	}
	if out[2].Role != openai.ChatMessageRoleAssistant || len(out[2].ToolCalls) != 1 {
		t.Fatalf("assistant message = %+v, want one tool call", out[2])
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(out[2].ToolCalls[0].Function.Arguments), &args); err != nil {
		t.Fatalf("tool call arguments not valid JSON: %v", err)
	}
	if args["query"] != "go" {
		t.Errorf("arguments = %v, want query=go", args)
	}
	if out[3].Role != openai.ChatMessageRoleTool || out[3].ToolCallID != "c1" {
		t.Errorf("tool message = %+v, want role=tool call_id=c1", out[3])
	}
}

func TestConvertOpenAIMessages_NoSystemWhenEmpty(t *testing.T) {
	out := convertOpenAIMessages([]Message{{Role: "user", Content: "hi"}}, "")
	if len(out) != 1 {
		t.Fatalf("got %d messages, want 1 (no system prompt prepended)", len(out))
	}
}

func TestConvertOpenAITools(t *testing.T) {
	tools := []ToolSchema{{Name: "search", Description: "searches", Parameters: map[string]any{"type": "object"}}}
	out := convertOpenAITools(tools)
	if len(out) != 1 || out[0].Function.Name != "search" {
		t.Fatalf("got %+v, want one tool named search", out)
	}
}
