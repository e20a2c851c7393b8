package contextmgr

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/agentrun/orchestrator/pkg/model"
)

func TestManager_EffectiveMessages_PrependsLatestSummary(t *testing.T) {
	m := New(nil, DefaultConfig())
	now := time.Now()
	summary := &model.Message{Kind: model.KindSummary, SummaryText: "earlier work", CoversUntil: now, CreatedAt: now}
	tail := userMsg("what's next", now.Add(time.Minute))

	out := m.EffectiveMessages([]*model.Message{summary, tail})

	if len(out) != 2 || out[0].Kind != model.KindSummary || out[1] != tail {
		t.Fatalf("EffectiveMessages = %+v, want [summary, tail]", out)
	}
}

func TestManager_EffectiveMessages_NoSummaryReturnsPrunedHistory(t *testing.T) {
	m := New(nil, DefaultConfig())
	now := time.Now()
	history := []*model.Message{userMsg("hi", now), assistantMsg(now.Add(time.Second))}

	out := m.EffectiveMessages(history)
	if len(out) != 2 {
		t.Fatalf("got %d messages, want 2 (nothing to prune, no summary to prepend)", len(out))
	}
}

func TestManager_MaybeSummarize_NilProviderIsNoOp(t *testing.T) {
	m := New(nil, DefaultConfig())
	history := chatHistory(50, time.Now())
	msg, err := m.MaybeSummarize(context.Background(), "thread1", history)
	if err != nil {
		t.Fatalf("MaybeSummarize: %v", err)
	}
	if msg != nil {
		t.Error("expected nil summary when the Manager has no provider configured")
	}
}

func TestManager_MaybeSummarize_DelegatesToProvider(t *testing.T) {
	provider := &fakeProvider{summary: "done so far"}
	cfg := DefaultConfig()
	cfg.Summarization.KeepRecentMessages = 2
	m := New(provider, cfg)

	history := chatHistory(20, time.Now())
	msg, err := m.MaybeSummarize(context.Background(), "thread1", history)
	if err != nil {
		t.Fatalf("MaybeSummarize: %v", err)
	}
	if msg == nil || msg.SummaryText != "done so far" {
		t.Fatalf("msg = %+v, want a generated summary", msg)
	}
}

type fakeCompleter struct {
	response string
	err      error
	prompt   string
}

func (f *fakeCompleter) Complete(ctx context.Context, prompt string, maxTokens int) (string, error) {
	f.prompt = prompt
	if f.err != nil {
		return "", f.err
	}
	return f.response, nil
}

func TestLLMSummaryProvider_DelegatesToCompleter(t *testing.T) {
	completer := &fakeCompleter{response: "summary text"}
	provider := &LLMSummaryProvider{Completer: completer}

	history := chatHistory(3, time.Now())
	out, err := provider.Summarize(context.Background(), history, 1000)
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	if out != "summary text" {
		t.Errorf("out = %q, want completer's response", out)
	}
	if completer.prompt == "" {
		t.Error("expected a non-empty rendered prompt to be sent to the completer")
	}
}

func TestBuildSummarizationPrompt_IncludesToolCallsAndResults(t *testing.T) {
	history := []*model.Message{
		{Kind: model.KindAssistant, ToolCalls: []model.ToolCall{{CallID: "1", Name: "search"}}},
		{Kind: model.KindToolResult, ToolResult: &model.ToolResult{CallID: "1", Success: true, Output: "results here"}},
	}
	prompt := buildSummarizationPrompt(history, 500)

	if !strings.Contains(prompt, "search") {
		t.Error("expected the tool call name in the prompt")
	}
	if !strings.Contains(prompt, "results here") {
		t.Error("expected the tool result output in the prompt")
	}
}
