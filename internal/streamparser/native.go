package streamparser

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/agentrun/orchestrator/pkg/model"
)

// partialCall tracks one in-flight native tool call, keyed by stream index,
// accumulating id/name/arguments across content_block_start/delta/stop
// events until all three are present and the arguments parse as JSON.
type partialCall struct {
	id          string
	name        string
	args        strings.Builder
	started     bool // tool_call_started already emitted
	completed   bool // tool_call_complete already emitted
}

// NativeParser parses structured function-call deltas. A call is complete once it has a non-empty id, a name, and its
// accumulated argument string first parses as valid JSON.
type NativeParser struct {
	calls      map[int]*partialCall
	callOrder  []int
	runID      string
	iteration  int
	occurrence int
}

// NewNativeParser creates a parser for one iteration of one run. runID and
// iteration feed the deterministic call_id fallback used only if the
// provider never supplies one (native providers normally do).
func NewNativeParser(runID string, iteration int) *NativeParser {
	return &NativeParser{calls: make(map[int]*partialCall), runID: runID, iteration: iteration}
}

func (p *NativeParser) callFor(idx int) *partialCall {
	c, ok := p.calls[idx]
	if !ok {
		c = &partialCall{}
		p.calls[idx] = c
		p.callOrder = append(p.callOrder, idx)
	}
	return c
}

// Feed implements Parser.
func (p *NativeParser) Feed(chunk RawChunk) []model.Event {
	var events []model.Event

	if chunk.TextDelta != "" {
		events = append(events, contentDelta(chunk.TextDelta))
	}

	if chunk.ToolCallIndexActive {
		c := p.callFor(chunk.Index)
		if chunk.ToolCallID != "" {
			c.id = chunk.ToolCallID
		}
		if chunk.ToolCallName != "" {
			c.name = chunk.ToolCallName
		}
		if chunk.ArgsJSONDelta != "" {
			c.args.WriteString(chunk.ArgsJSONDelta)
		}

		if !c.started && c.name != "" {
			c.started = true
			events = append(events, toolCallStarted(model.ToolCall{
				CallID: p.callID(c, chunk.Index),
				Name:   c.name,
				Origin: model.OriginNative,
				Index:  chunk.Index,
			}))
		}
		if chunk.ArgsJSONDelta != "" {
			events = append(events, toolCallArgsDelta(p.callID(c, chunk.Index), chunk.ArgsJSONDelta))
		}
		if !c.completed && c.id != "" && c.name != "" && validJSON(c.args.String()) {
			c.completed = true
			events = append(events, toolCallComplete(p.finalize(c, chunk.Index, false)))
		}
	}

	if chunk.FinishReason != "" {
		events = append(events, p.flushIncomplete()...)
	}

	return events
}

// Flush implements Parser.
func (p *NativeParser) Flush() []model.Event {
	return p.flushIncomplete()
}

func (p *NativeParser) flushIncomplete() []model.Event {
	var events []model.Event
	for _, idx := range p.callOrder {
		c := p.calls[idx]
		if c.completed {
			continue
		}
		c.completed = true
		if !c.started && c.name != "" {
			events = append(events, toolCallStarted(model.ToolCall{
				CallID: p.callID(c, idx), Name: c.name, Origin: model.OriginNative, Index: idx,
			}))
		}
		// An incomplete call still gets exactly one tool_call_complete; it is
		// marked Malformed (so the scheduler synthesizes a failed result) when
		// its arguments never parsed as JSON.
		events = append(events, toolCallComplete(p.finalize(c, idx, true)))
	}
	return events
}

func (p *NativeParser) callID(c *partialCall, idx int) string {
	if c.id != "" {
		return c.id
	}
	return fmt.Sprintf("%s-iter%d-call%d", p.runID, p.iteration, idx)
}

func (p *NativeParser) finalize(c *partialCall, idx int, malformed bool) model.ToolCall {
	args := map[string]any{}
	if !malformed || validJSON(c.args.String()) {
		_ = json.Unmarshal([]byte(c.args.String()), &args)
	}
	return model.ToolCall{
		CallID:    p.callID(c, idx),
		Name:      c.name,
		Arguments: args,
		Origin:    model.OriginNative,
		Index:     idx,
		Malformed: malformed && !validJSON(c.args.String()),
	}
}

func validJSON(s string) bool {
	if strings.TrimSpace(s) == "" {
		return false
	}
	var v any
	return json.Unmarshal([]byte(s), &v) == nil
}
