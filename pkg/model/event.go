package model

import "time"

// EventType enumerates the unified event model emitted by the Stream Parser,
// Tool Scheduler, and Orchestrator onto the Event Bus.
type EventType string

const (
	EventContentDelta     EventType = "content_delta"
	EventToolCallStarted  EventType = "tool_call_started"
	EventToolCallArgDelta EventType = "tool_call_args_delta"
	EventToolCallComplete EventType = "tool_call_complete"
	EventToolResult       EventType = "tool_result"
	EventStatus           EventType = "status"
	EventError            EventType = "error"
	EventEnd              EventType = "end"
)

// Status payload values for EventStatus.
const (
	StatusRunStart       = "run-start"
	StatusRunEnd         = "run-end"
	StatusIterationStart = "iteration-start"
	StatusIterationEnd   = "iteration-end"
)

// Event is one element of a run's durable, sequenced stream. Seq is dense and
// monotonic starting at 0 for a given RunID; the last event of a run always
// has Type EventEnd.
type Event struct {
	RunID   string    `json:"run_id"`
	Seq     uint64    `json:"seq"`
	Type    EventType `json:"type"`
	Time    time.Time `json:"time"`
	Payload EventPayload `json:"payload"`
}

// EventPayload carries the fields that match Event.Type; most types set one
// field, tool_call_args_delta sets ArgsDelta and ToolCallID.
type EventPayload struct {
	ContentDelta string         `json:"content_delta,omitempty"`
	ToolCall     *ToolCall      `json:"tool_call,omitempty"`
	ArgsDelta    string         `json:"args_delta,omitempty"` // raw JSON fragment for the call named by ToolCallID
	ToolCallID   string         `json:"tool_call_id,omitempty"`
	ToolResult   *ToolResult    `json:"tool_result,omitempty"`
	Status       string         `json:"status,omitempty"`
	Error        string         `json:"error,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}
