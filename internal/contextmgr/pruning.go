package contextmgr

import "github.com/agentrun/orchestrator/pkg/model"

// PruningSettings controls in-memory tool-result trimming, applied before
// summarization because it is cheap, local, and needs no LLM call. A run has
// no prompt-cache concept to go stale, so trimming here is driven purely by
// how much of the context window the tool-result text occupies.
type PruningSettings struct {
	Enabled              bool
	KeepLastAssistants   int
	SoftTrimRatio        float64
	HardClearRatio       float64
	MinPrunableChars     int
	SoftTrim             SoftTrimSettings
	HardClear            HardClearSettings
}

type SoftTrimSettings struct {
	MaxChars  int
	HeadChars int
	TailChars int
}

type HardClearSettings struct {
	Enabled     bool
	Placeholder string
}

// DefaultPruningSettings returns sensible size-ratio thresholds.
func DefaultPruningSettings() PruningSettings {
	return PruningSettings{
		Enabled:            true,
		KeepLastAssistants: 3,
		SoftTrimRatio:      0.3,
		HardClearRatio:     0.5,
		MinPrunableChars:   50_000,
		SoftTrim:           SoftTrimSettings{MaxChars: 4000, HeadChars: 1500, TailChars: 1500},
		HardClear:          HardClearSettings{Enabled: true, Placeholder: "[tool result cleared to fit context window]"},
	}
}

// prune trims or clears tool_result message content once the window
// occupies at least SoftTrimRatio of charWindow, leaving every message from
// the KeepLastAssistants-th most recent assistant message onward untouched.
// A history with fewer assistant messages than that is not pruned at all.
func prune(messages []*model.Message, settings PruningSettings, charWindow int) []*model.Message {
	if !settings.Enabled || len(messages) == 0 || charWindow <= 0 {
		return messages
	}

	cutoff, ok := assistantCutoff(messages, settings.KeepLastAssistants)
	if !ok {
		return messages
	}

	total := estimateChars(messages)
	if float64(total)/float64(charWindow) < settings.SoftTrimRatio {
		return messages
	}

	out := cloneMessages(messages)

	type ref struct{ idx int }
	var prunable []ref

	for i := 0; i < cutoff; i++ {
		msg := out[i]
		if msg.Kind != model.KindToolResult || msg.ToolResult == nil {
			continue
		}
		prunable = append(prunable, ref{idx: i})

		before := len(msg.ToolResult.Output)
		trimmed, changed := softTrim(msg.ToolResult.Output, settings.SoftTrim)
		if !changed {
			continue
		}
		result := *msg.ToolResult
		result.Output = trimmed
		msg.ToolResult = &result
		total += len(trimmed) - before
	}

	if float64(total)/float64(charWindow) < settings.HardClearRatio || !settings.HardClear.Enabled {
		return out
	}

	var prunableChars int
	for _, r := range prunable {
		prunableChars += len(out[r.idx].ToolResult.Output)
	}
	if prunableChars < settings.MinPrunableChars {
		return out
	}

	ratio := float64(total) / float64(charWindow)
	for _, r := range prunable {
		if ratio < settings.HardClearRatio {
			break
		}
		msg := out[r.idx]
		before := len(msg.ToolResult.Output)
		result := *msg.ToolResult
		result.Output = settings.HardClear.Placeholder
		msg.ToolResult = &result
		total += len(settings.HardClear.Placeholder) - before
		ratio = float64(total) / float64(charWindow)
	}

	return out
}

func assistantCutoff(messages []*model.Message, keepLastAssistants int) (int, bool) {
	if keepLastAssistants <= 0 {
		return len(messages), true
	}
	remaining := keepLastAssistants
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Kind == model.KindAssistant {
			remaining--
			if remaining == 0 {
				return i, true
			}
		}
	}
	return 0, false
}

func softTrim(content string, s SoftTrimSettings) (string, bool) {
	if len(content) <= s.MaxChars {
		return content, false
	}
	head, tail := max0(s.HeadChars), max0(s.TailChars)
	if head+tail >= len(content) {
		return content, false
	}
	return content[:head] + "\n...[trimmed]...\n" + content[len(content)-tail:], true
}

func max0(n int) int {
	if n < 0 {
		return 0
	}
	return n
}

func estimateChars(messages []*model.Message) int {
	total := 0
	for _, m := range messages {
		total += estimateMessageChars(m)
	}
	return total
}

func estimateMessageChars(m *model.Message) int {
	n := len(m.Text()) + len(m.SummaryText)
	if m.ToolResult != nil {
		n += len(m.ToolResult.Output)
	}
	for _, tc := range m.ToolCalls {
		for _, v := range tc.Arguments {
			if s, ok := v.(string); ok {
				n += len(s)
			}
		}
	}
	return n
}

func cloneMessages(messages []*model.Message) []*model.Message {
	out := make([]*model.Message, len(messages))
	for i, m := range messages {
		cp := *m
		out[i] = &cp
	}
	return out
}
