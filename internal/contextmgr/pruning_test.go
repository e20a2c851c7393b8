package contextmgr

import (
	"strings"
	"testing"
	"time"

	"github.com/agentrun/orchestrator/pkg/model"
)

func userMsg(text string, at time.Time) *model.Message {
	return &model.Message{
		Kind:         model.KindUser,
		Content:      []model.ContentPart{{Type: "text", Text: text}},
		IsLLMVisible: true,
		CreatedAt:    at,
	}
}

func assistantMsg(at time.Time) *model.Message {
	return &model.Message{Kind: model.KindAssistant, IsLLMVisible: true, CreatedAt: at}
}

func toolResultMsg(output string, at time.Time) *model.Message {
	return &model.Message{
		Kind:         model.KindToolResult,
		ToolResult:   &model.ToolResult{CallID: "1", Success: true, Output: output},
		IsLLMVisible: true,
		CreatedAt:    at,
	}
}

func TestPrune_NoOpBelowSoftTrimRatio(t *testing.T) {
	settings := DefaultPruningSettings()
	messages := []*model.Message{
		userMsg("hello", time.Now()),
		toolResultMsg("small output", time.Now()),
	}
	out := prune(messages, settings, 400_000)
	if out[1].ToolResult.Output != "small output" {
		t.Error("expected no pruning when well under the soft trim ratio")
	}
}

func TestPrune_SoftTrimsOversizedToolResult(t *testing.T) {
	settings := DefaultPruningSettings()
	settings.KeepLastAssistants = 1
	big := strings.Repeat("x", 10_000)
	messages := []*model.Message{
		toolResultMsg(big, time.Now()),
		assistantMsg(time.Now()),
	}
	out := prune(messages, settings, 20_000)

	if len(out[0].ToolResult.Output) >= len(big) {
		t.Fatal("expected the oversized tool result to be soft-trimmed")
	}
	if !strings.Contains(out[0].ToolResult.Output, "[trimmed]") {
		t.Error("expected a trim marker in the soft-trimmed output")
	}
}

func TestPrune_KeepsRecentAssistantTurnsUntouched(t *testing.T) {
	settings := DefaultPruningSettings()
	settings.KeepLastAssistants = 1
	big := strings.Repeat("x", 10_000)
	now := time.Now()
	messages := []*model.Message{
		toolResultMsg(big, now),
		assistantMsg(now.Add(time.Second)),
		toolResultMsg(big, now.Add(2 * time.Second)),
	}
	out := prune(messages, settings, 20_000)

	// The tool result after the last-kept assistant turn must stay untouched.
	if out[2].ToolResult.Output != big {
		t.Error("tool result after the cutoff assistant turn should not be pruned")
	}
}

func TestPrune_HardClearsWhenSoftTrimIsNotEnough(t *testing.T) {
	settings := DefaultPruningSettings()
	settings.KeepLastAssistants = 1
	settings.MinPrunableChars = 0
	big := strings.Repeat("x", 50_000)
	messages := []*model.Message{
		toolResultMsg(big, time.Now()),
		toolResultMsg(big, time.Now()),
		assistantMsg(time.Now()),
	}
	out := prune(messages, settings, 10_000)

	if out[0].ToolResult.Output != settings.HardClear.Placeholder {
		t.Errorf("expected hard clear placeholder, got %q", out[0].ToolResult.Output)
	}
}

func TestPrune_DisabledIsNoOp(t *testing.T) {
	settings := DefaultPruningSettings()
	settings.Enabled = false
	big := strings.Repeat("x", 500_000)
	messages := []*model.Message{toolResultMsg(big, time.Now())}
	out := prune(messages, settings, 1000)
	if out[0].ToolResult.Output != big {
		t.Error("expected no pruning when disabled")
	}
}

func TestPrune_DoesNotMutateInputMessages(t *testing.T) {
	settings := DefaultPruningSettings()
	settings.KeepLastAssistants = 1
	big := strings.Repeat("x", 10_000)
	original := toolResultMsg(big, time.Now())
	messages := []*model.Message{original, assistantMsg(time.Now())}

	prune(messages, settings, 20_000)

	if original.ToolResult.Output != big {
		t.Error("prune must not mutate the caller's Message/ToolResult in place")
	}
}
