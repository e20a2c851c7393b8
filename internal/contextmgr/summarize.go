package contextmgr

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agentrun/orchestrator/pkg/model"
)

// SummaryProvider generates a summary of a message run, normally an LLM call
// scoped to a cheap model, kept behind a narrow interface so a fake can
// stand in for tests without touching a real provider.
type SummaryProvider interface {
	Summarize(ctx context.Context, messages []*model.Message, maxChars int) (string, error)
}

// SummarizationConfig triggers summarization on an estimated token count
// rather than a raw message count.
type SummarizationConfig struct {
	MaxTokensBeforeSummary int
	KeepRecentMessages     int
	MaxSummaryChars        int
}

func DefaultSummarizationConfig() SummarizationConfig {
	return SummarizationConfig{
		MaxTokensBeforeSummary: 8000,
		KeepRecentMessages:     10,
		MaxSummaryChars:        2000,
	}
}

// estimateTokens is a crude chars/4 heuristic used when a provider does not
// return an exact token count.
func estimateTokens(messages []*model.Message) int {
	return estimateChars(messages) / 4
}

// latestSummary returns the most recent summary message and its CoversUntil
// checkpoint, or the zero time if none exists yet.
func latestSummary(history []*model.Message) (*model.Message, time.Time) {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Kind == model.KindSummary {
			return history[i], history[i].CoversUntil
		}
	}
	return nil, time.Time{}
}

// sinceCheckpoint returns the LLM-visible messages created after coversUntil.
func sinceCheckpoint(history []*model.Message, coversUntil time.Time) []*model.Message {
	var out []*model.Message
	for _, m := range history {
		if m.Kind == model.KindSummary {
			continue
		}
		if !m.IsLLMVisible {
			continue
		}
		if m.CreatedAt.After(coversUntil) {
			out = append(out, m)
		}
	}
	return out
}

// needsSummarization reports whether the messages since the last checkpoint
// exceed the configured token budget.
func needsSummarization(history []*model.Message, config SummarizationConfig) bool {
	_, coversUntil := latestSummary(history)
	pending := sinceCheckpoint(history, coversUntil)
	return estimateTokens(pending) > config.MaxTokensBeforeSummary
}

// maybeSummarize generates a new summary message if the token threshold is
// exceeded, covering every pending message except the most recent
// KeepRecentMessages, so the next iteration keeps the tail it needs for
// immediate continuity. Returns nil, nil if no summarization is needed.
func maybeSummarize(ctx context.Context, threadID string, history []*model.Message, provider SummaryProvider, config SummarizationConfig) (*model.Message, error) {
	if !needsSummarization(history, config) {
		return nil, nil
	}

	_, coversUntil := latestSummary(history)
	pending := sinceCheckpoint(history, coversUntil)
	if len(pending) <= config.KeepRecentMessages {
		return nil, nil
	}
	toSummarize := pending[:len(pending)-config.KeepRecentMessages]

	text, err := provider.Summarize(ctx, toSummarize, config.MaxSummaryChars)
	if err != nil {
		return nil, fmt.Errorf("generate summary: %w", err)
	}

	return &model.Message{
		ID:           uuid.NewString(),
		ThreadID:     threadID,
		Kind:         model.KindSummary,
		SummaryText:  text,
		CoversUntil:  toSummarize[len(toSummarize)-1].CreatedAt,
		IsLLMVisible: true,
		CreatedAt:    time.Now(),
	}, nil
}

// buildSummarizationPrompt renders the messages to summarize into a single
// prompt for an LLM-backed SummaryProvider.
func buildSummarizationPrompt(messages []*model.Message, maxChars int) string {
	var sb strings.Builder
	sb.WriteString("Summarize the following agent run concisely. ")
	fmt.Fprintf(&sb, "Keep the summary under %d characters. ", maxChars)
	sb.WriteString("Preserve: key decisions, outstanding tasks, and the outcome of each tool call.\n\n")

	for _, m := range messages {
		fmt.Fprintf(&sb, "[%s]: %s\n", m.Kind, m.Text())
		for _, tc := range m.ToolCalls {
			fmt.Fprintf(&sb, "  [called %s]\n", tc.Name)
		}
		if m.ToolResult != nil {
			out := m.ToolResult.Output
			if len(out) > 200 {
				out = out[:200] + "..."
			}
			status := "ok"
			if !m.ToolResult.Success {
				status = "error"
			}
			fmt.Fprintf(&sb, "  [tool result (%s): %s]\n", status, out)
		}
	}
	return sb.String()
}
