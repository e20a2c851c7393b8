package model

import "time"

// RunStatus is the lifecycle state of a Run.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunStopped   RunStatus = "stopped"
)

// ToolMode selects which stream dialect the parser activates for a run.
// Per spec, the active dialect is pinned to config for the whole run; if the
// model emits markers of the other dialect they are passed through as plain
// text rather than parsed.
type ToolMode string

const (
	ToolModeNative ToolMode = "native"
	ToolModeXML    ToolMode = "xml"
)

// RunConfig holds the per-run knobs the Orchestrator and its collaborators
// read; it never escapes to environment/credential concerns, those are
// process-level (see internal/config).
type RunConfig struct {
	Model            string
	SystemPrompt     string
	MaxIterations    int
	ToolMode         ToolMode
	ExecuteOnStream  bool // carried on the run; the orchestrator dispatches tools after the stream ends either way
	ParallelTools    bool
	TerminalToolName string        // e.g. "idle"; presence in an assistant turn ends the run
	IterationTimeout time.Duration // carried on the run; the orchestrator sets no per-iteration deadline from it
}

// Run is one invocation of the agent loop against a Thread.
type Run struct {
	ID              string     `json:"run_id"`
	ThreadID        string     `json:"thread_id"`
	Status          RunStatus  `json:"status"`
	Config          RunConfig  `json:"config"`
	StartedAt       time.Time  `json:"started_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	Error           string     `json:"error,omitempty"`
	OwnerInstanceID string     `json:"owner_instance_id"`
}

// Summary is a checkpoint: a Message of KindSummary whose presence hides all
// older LLM-visible messages (CreatedAt at or before CoversUntil) from prompt
// assembly.
type Summary struct {
	ThreadID    string
	Text        string
	CoversUntil time.Time
}
