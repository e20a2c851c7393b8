// Package streamparser holds two independent incremental parsers, one for
// native function-call deltas and one for XML tags embedded in assistant
// text, that emit the same unified event variants so the tool scheduler and
// event bus stay dialect-agnostic.
package streamparser

import "github.com/agentrun/orchestrator/pkg/model"

// RawChunk is the provider-agnostic shape an internal/llm.Client adapter
// normalizes each streamed SSE event into before handing it to a Parser.
// Anthropic's content_block_start/content_block_delta/content_block_stop
// triad (see internal/llm/anthropic.go) collapses onto this one struct; an
// OpenAI-shaped provider does the same from its own delta format.
type RawChunk struct {
	// TextDelta is incremental assistant prose, forwarded as content_delta.
	TextDelta string

	// Index is the tool-call slot this chunk belongs to. Two chunks with the
	// same Index are the same call.
	Index int
	// ToolCallID is set on the chunk that first reveals a call's id.
	ToolCallID string
	// ToolCallName is set on the chunk that first reveals a call's name.
	ToolCallName string
	// ArgsJSONDelta is a fragment of the call's argument JSON, accumulated
	// across chunks sharing Index.
	ArgsJSONDelta string
	// ToolCallIndexActive marks that this chunk carries tool-call metadata
	// (distinguishes "no tool call in this chunk" from Index==0's zero value).
	ToolCallIndexActive bool

	// FinishReason is non-empty on the chunk that ends the stream, causing a
	// final flush of any pending incomplete call as failed.
	FinishReason string
}

// Parser converts a raw provider chunk stream into the unified ParserEvent
// sequence. Implementations (NativeParser, XMLParser) are not safe for
// concurrent use; exactly one goroutine drives a Parser instance per run.
type Parser interface {
	// Feed consumes one chunk and returns zero or more events.
	Feed(chunk RawChunk) []model.Event

	// Flush emits any pending events once the stream ends.
	Flush() []model.Event
}

func contentDelta(text string) model.Event {
	return model.Event{Type: model.EventContentDelta, Payload: model.EventPayload{ContentDelta: text}}
}

func toolCallStarted(tc model.ToolCall) model.Event {
	call := tc
	return model.Event{Type: model.EventToolCallStarted, Payload: model.EventPayload{ToolCall: &call}}
}

func toolCallArgsDelta(callID, delta string) model.Event {
	return model.Event{Type: model.EventToolCallArgDelta, Payload: model.EventPayload{ToolCallID: callID, ArgsDelta: delta}}
}

func toolCallComplete(tc model.ToolCall) model.Event {
	call := tc
	return model.Event{Type: model.EventToolCallComplete, Payload: model.EventPayload{ToolCall: &call}}
}
