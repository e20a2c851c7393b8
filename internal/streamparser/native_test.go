package streamparser

import (
	"testing"

	"github.com/agentrun/orchestrator/pkg/model"
)

func TestNativeParser_SingleCallAcrossChunks(t *testing.T) {
	p := NewNativeParser("run1", 0)

	var events []model.Event
	events = append(events, p.Feed(RawChunk{TextDelta: "thinking... "})...)
	events = append(events, p.Feed(RawChunk{Index: 0, ToolCallID: "call_1", ToolCallName: "echo", ToolCallIndexActive: true})...)
	events = append(events, p.Feed(RawChunk{Index: 0, ArgsJSONDelta: `{"text":`, ToolCallIndexActive: true})...)
	events = append(events, p.Feed(RawChunk{Index: 0, ArgsJSONDelta: `"hi"}`, ToolCallIndexActive: true})...)
	events = append(events, p.Feed(RawChunk{FinishReason: "tool_calls"})...)

	var started, complete int
	var call *model.ToolCall
	for _, ev := range events {
		switch ev.Type {
		case model.EventToolCallStarted:
			started++
		case model.EventToolCallComplete:
			complete++
			call = ev.Payload.ToolCall
		}
	}

	if started != 1 {
		t.Fatalf("started = %d, want 1", started)
	}
	if complete != 1 {
		t.Fatalf("complete = %d, want 1", complete)
	}
	if call == nil || call.Malformed {
		t.Fatalf("call = %+v, want non-malformed complete call", call)
	}
	if call.Arguments["text"] != "hi" {
		t.Errorf("arguments = %+v, want text=hi", call.Arguments)
	}
}

func TestNativeParser_TwoConcurrentCallsByIndex(t *testing.T) {
	p := NewNativeParser("run1", 0)

	events := p.Feed(RawChunk{Index: 0, ToolCallID: "a", ToolCallName: "echo", ToolCallIndexActive: true})
	events = append(events, p.Feed(RawChunk{Index: 1, ToolCallID: "b", ToolCallName: "finish", ToolCallIndexActive: true})...)
	events = append(events, p.Feed(RawChunk{Index: 0, ArgsJSONDelta: `{}`, ToolCallIndexActive: true})...)
	events = append(events, p.Feed(RawChunk{Index: 1, ArgsJSONDelta: `{}`, ToolCallIndexActive: true})...)

	var names []string
	for _, ev := range events {
		if ev.Type == model.EventToolCallComplete {
			names = append(names, ev.Payload.ToolCall.Name)
		}
	}
	if len(names) != 2 || names[0] != "echo" || names[1] != "finish" {
		t.Fatalf("completed calls = %v, want [echo finish]", names)
	}
}

func TestNativeParser_FlushMarksIncompleteCallMalformed(t *testing.T) {
	p := NewNativeParser("run1", 2)
	p.Feed(RawChunk{Index: 0, ToolCallID: "c1", ToolCallName: "echo", ToolCallIndexActive: true})
	p.Feed(RawChunk{Index: 0, ArgsJSONDelta: `{"text":"unterminated`, ToolCallIndexActive: true})

	events := p.Flush()
	if len(events) != 1 || events[0].Type != model.EventToolCallComplete {
		t.Fatalf("events = %+v, want one tool_call_complete", events)
	}
	if !events[0].Payload.ToolCall.Malformed {
		t.Error("expected call to be marked malformed on flush with invalid JSON")
	}
}

func TestNativeParser_CallIDFallsBackWhenProviderOmitsIt(t *testing.T) {
	p := NewNativeParser("run9", 3)
	p.Feed(RawChunk{Index: 5, ToolCallName: "echo", ToolCallIndexActive: true})
	events := p.Feed(RawChunk{Index: 5, ArgsJSONDelta: `{}`, ToolCallIndexActive: true})
	// Without an id the call is not complete during Feed; the end-of-stream
	// flush completes it under the deterministic fallback id.
	events = append(events, p.Flush()...)

	var call *model.ToolCall
	for _, ev := range events {
		if ev.Type == model.EventToolCallComplete {
			call = ev.Payload.ToolCall
		}
	}
	if call == nil {
		t.Fatal("expected a completed call")
	}
	want := "run9-iter3-call5"
	if call.CallID != want {
		t.Errorf("call_id = %q, want %q", call.CallID, want)
	}
}
