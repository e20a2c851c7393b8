// Package contextmgr keeps each iteration's prompt within the model's
// context window by first pruning oversized tool-result text, then, only
// if that is not enough, triggering LLM-based summarization with a
// covers_until checkpoint.
package contextmgr

import (
	"context"
	"fmt"

	"github.com/agentrun/orchestrator/pkg/model"
)

// Config bundles pruning and summarization knobs for one Manager.
type Config struct {
	Pruning       PruningSettings
	Summarization SummarizationConfig
	CharWindow    int // approximate character budget of the model's context window
}

// DefaultConfig returns sensible defaults for both stages.
func DefaultConfig() Config {
	return Config{
		Pruning:       DefaultPruningSettings(),
		Summarization: DefaultSummarizationConfig(),
		CharWindow:    400_000, // ~100k tokens at the 4-chars/token heuristic
	}
}

// Manager is the Context Manager for one run's thread.
type Manager struct {
	provider SummaryProvider
	config   Config
}

// New creates a Manager. provider may be nil if the run's config disables
// summarization (pruning alone still applies).
func New(provider SummaryProvider, config Config) *Manager {
	if config.CharWindow <= 0 {
		config.CharWindow = DefaultConfig().CharWindow
	}
	return &Manager{provider: provider, config: config}
}

// EffectiveMessages returns the messages the next LLM call should see: the
// latest summary (if any) as a synthetic leading system-visible message,
// followed by every LLM-visible message since its checkpoint, pruned to fit
// the window. Pruning runs before summarization is even consulted because it
// is cheap, local, and needs no provider round-trip.
func (m *Manager) EffectiveMessages(history []*model.Message) []*model.Message {
	summary, coversUntil := latestSummary(history)
	pending := sinceCheckpoint(history, coversUntil)
	pruned := prune(pending, m.config.Pruning, m.config.CharWindow)

	if summary == nil {
		return pruned
	}
	out := make([]*model.Message, 0, len(pruned)+1)
	out = append(out, summary)
	return append(out, pruned...)
}

// MaybeSummarize runs the summarization stage if the token budget since the
// last checkpoint is still exceeded after pruning, returning the new summary
// message to append to the Message Store, or nil if nothing was needed.
// Callers must persist the result themselves; the Manager never writes to
// the store directly.
func (m *Manager) MaybeSummarize(ctx context.Context, threadID string, history []*model.Message) (*model.Message, error) {
	if m.provider == nil {
		return nil, nil
	}
	_, coversUntil := latestSummary(history)
	pruned := prune(sinceCheckpoint(history, coversUntil), m.config.Pruning, m.config.CharWindow)
	if estimateTokens(pruned) <= m.config.Summarization.MaxTokensBeforeSummary {
		return nil, nil
	}
	return maybeSummarize(ctx, threadID, history, m.provider, m.config.Summarization)
}

// Completer is the minimal shape of an LLM client the Context Manager needs
// to summarize: one non-streaming text completion call. internal/llm.Client
// satisfies this without the Context Manager importing the llm package's
// streaming machinery.
type Completer interface {
	Complete(ctx context.Context, prompt string, maxTokens int) (string, error)
}

// LLMSummaryProvider adapts a Completer into a SummaryProvider behind a
// narrow interface so a fake Completer can stand in during tests.
type LLMSummaryProvider struct {
	Completer Completer
}

func (p *LLMSummaryProvider) Summarize(ctx context.Context, messages []*model.Message, maxChars int) (string, error) {
	prompt := buildSummarizationPrompt(messages, maxChars)
	text, err := p.Completer.Complete(ctx, prompt, maxChars/4)
	if err != nil {
		return "", fmt.Errorf("summarize via completer: %w", err)
	}
	return text, nil
}
