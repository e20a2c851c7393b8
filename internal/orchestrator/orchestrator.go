// Package orchestrator drives the per-run tool-use iteration loop, tying
// together the stream parser, tool scheduler, context manager, event bus,
// run registry, and message store: Init -> Stream -> Execute Tools ->
// Complete/Continue, over runs scoped to a thread and a pluggable
// llm.Client/scheduler.Scheduler pairing.
package orchestrator

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentrun/orchestrator/internal/contextmgr"
	"github.com/agentrun/orchestrator/internal/eventbus"
	"github.com/agentrun/orchestrator/internal/llm"
	"github.com/agentrun/orchestrator/internal/observability"
	"github.com/agentrun/orchestrator/internal/orcherr"
	"github.com/agentrun/orchestrator/internal/runregistry"
	"github.com/agentrun/orchestrator/internal/scheduler"
	"github.com/agentrun/orchestrator/internal/store"
	"github.com/agentrun/orchestrator/internal/streamparser"
	"github.com/agentrun/orchestrator/internal/toolregistry"
	"github.com/agentrun/orchestrator/pkg/model"
)

// ownershipTTL is how long a run registry entry survives without a
// heartbeat before a peer instance may claim the run as abandoned.
const ownershipTTL = 30 * time.Second

// Orchestrator drives runs for one process instance.
type Orchestrator struct {
	store      store.MessageStore
	bus        eventbus.Bus
	runs       runregistry.Registry
	tools      *toolregistry.Registry
	sched      *scheduler.Scheduler
	llmClient  llm.Client
	logger     *observability.Logger
	instanceID string

	// runsMu/runIndex back Get/ListByThread for the HTTP surface; the
	// authoritative run state lives here rather than in the run registry,
	// which only tracks ownership.
	runsMu   sync.Mutex
	runIndex map[string]*model.Run
}

// New wires one Orchestrator instance. instanceID identifies this process in
// the run registry (ListOwnedBy keys on it); ListExpired reports lapsed runs
// whatever instance registered them.
func New(
	messageStore store.MessageStore,
	bus eventbus.Bus,
	runs runregistry.Registry,
	tools *toolregistry.Registry,
	sched *scheduler.Scheduler,
	llmClient llm.Client,
	logger *observability.Logger,
	instanceID string,
) *Orchestrator {
	return &Orchestrator{
		store: messageStore, bus: bus, runs: runs, tools: tools,
		sched: sched, llmClient: llmClient, logger: logger, instanceID: instanceID,
		runIndex: make(map[string]*model.Run),
	}
}

// GetRun returns the current snapshot of a run known to this instance, or
// false if no such run has been started here.
func (o *Orchestrator) GetRun(runID string) (*model.Run, bool) {
	o.runsMu.Lock()
	defer o.runsMu.Unlock()
	run, ok := o.runIndex[runID]
	if !ok {
		return nil, false
	}
	cp := *run
	return &cp, true
}

// ListRunsByThread returns every run started on threadID by this instance,
// most recent first.
func (o *Orchestrator) ListRunsByThread(threadID string) []*model.Run {
	o.runsMu.Lock()
	defer o.runsMu.Unlock()
	var out []*model.Run
	for _, run := range o.runIndex {
		if run.ThreadID == threadID {
			cp := *run
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out
}

func (o *Orchestrator) indexRun(run *model.Run) {
	o.runsMu.Lock()
	defer o.runsMu.Unlock()
	o.runIndex[run.ID] = run
}

// StartRun creates a Run and launches its iteration loop in the background.
// It returns as soon as the run is registered; callers observe progress by
// subscribing to the Event Bus with the returned Run's ID.
func (o *Orchestrator) StartRun(ctx context.Context, threadID string, cfg model.RunConfig) (*model.Run, error) {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = 10
	}
	run := &model.Run{
		ID:              uuid.NewString(),
		ThreadID:        threadID,
		Status:          model.RunRunning,
		Config:          cfg,
		StartedAt:       time.Now(),
		OwnerInstanceID: o.instanceID,
	}

	o.runsMu.Lock()
	for _, existing := range o.runIndex {
		if existing.ThreadID == threadID && existing.Status == model.RunRunning {
			o.runsMu.Unlock()
			return nil, orcherr.WrapClient(store.ErrRunActive, "start run on thread %s (active run %s)", threadID, existing.ID)
		}
	}
	o.runIndex[run.ID] = run
	o.runsMu.Unlock()

	if err := o.runs.Register(ctx, run.ID, o.instanceID, ownershipTTL); err != nil {
		o.runsMu.Lock()
		delete(o.runIndex, run.ID)
		o.runsMu.Unlock()
		return nil, orcherr.WrapInternal(err, "register run %s", run.ID)
	}

	go o.execute(context.Background(), run)

	return run, nil
}

// StopRun requests cooperative cancellation of an in-flight run. The loop
// checks for the signal at every suspension point: before each LLM call,
// after each streamed chunk, and before each tool dispatch.
func (o *Orchestrator) StopRun(runID string) error {
	return o.bus.SignalStop(runID)
}

func (o *Orchestrator) execute(ctx context.Context, run *model.Run) {
	defer o.runs.Unregister(ctx, run.ID)
	defer o.bus.Close(run.ID)

	stop := o.bus.StopSignal(run.ID)
	heartbeatStop := o.startHeartbeat(ctx, run.ID)
	defer close(heartbeatStop)

	o.publish(ctx, run.ID, model.EventStatus, model.EventPayload{Status: model.StatusRunStart})

	ctxMgr := contextmgr.New(o.summaryProvider(), contextmgr.DefaultConfig())

	finalStatus := model.RunCompleted
	var finalErr error

	for iteration := 0; iteration < run.Config.MaxIterations; iteration++ {
		if cancelled(stop, ctx) {
			finalStatus = model.RunStopped
			break
		}

		o.publish(ctx, run.ID, model.EventStatus, model.EventPayload{Status: model.StatusIterationStart})

		history, err := o.store.Read(ctx, run.ThreadID, 0, 0)
		if err != nil {
			finalStatus, finalErr = model.RunFailed, orcherr.WrapInternal(err, "read thread history")
			break
		}

		if summary, err := ctxMgr.MaybeSummarize(ctx, run.ThreadID, history); err != nil {
			o.logger.Error(ctx, "summarization failed", "run_id", run.ID, "error", err)
		} else if summary != nil {
			if err := o.store.Append(ctx, summary); err != nil {
				o.logger.Error(ctx, "persist summary failed", "run_id", run.ID, "error", err)
			} else {
				history = append(history, summary)
			}
		}

		effective := ctxMgr.EffectiveMessages(history)

		streamCtx, cancelStream := watchStop(ctx, stop)
		assistantText, calls, err := o.streamIteration(streamCtx, run, iteration, effective)
		cancelStream()

		if err != nil && orcherr.IsTerminal(err) {
			finalStatus, finalErr = terminalOutcome(err)
			if finalStatus != model.RunStopped {
				break
			}
		} else if err != nil {
			o.logger.Warn(ctx, "iteration recovered from non-terminal error", "run_id", run.ID, "error", err)
		}

		assistantMsg := &model.Message{
			ID: uuid.NewString(), ThreadID: run.ThreadID, Kind: model.KindAssistant,
			Content:      textContent(assistantText),
			ToolCalls:    calls,
			IsLLMVisible: true,
			CreatedAt:    time.Now(),
		}
		if err := o.store.Append(ctx, assistantMsg); err != nil {
			finalStatus, finalErr = model.RunFailed, orcherr.WrapInternal(err, "persist assistant message")
			break
		}

		if finalStatus == model.RunStopped {
			o.synthesizeInterrupted(ctx, run, calls)
			break
		}

		if containsTerminalTool(calls, run.Config.TerminalToolName) {
			o.dispatchAndPersist(ctx, run, calls)
			finalStatus = model.RunCompleted
			break
		}

		if len(calls) == 0 {
			finalStatus = model.RunCompleted
			break
		}

		if cancelled(stop, ctx) {
			finalStatus = model.RunStopped
			o.synthesizeInterrupted(ctx, run, calls)
			break
		}
		o.dispatchAndPersist(ctx, run, calls)

		o.publish(ctx, run.ID, model.EventStatus, model.EventPayload{Status: model.StatusIterationEnd})

		if iteration == run.Config.MaxIterations-1 {
			finalStatus = model.RunCompleted
		}
	}

	now := time.Now()
	final := *run
	final.Status = finalStatus
	final.CompletedAt = &now
	if finalErr != nil {
		final.Error = finalErr.Error()
		o.publish(ctx, run.ID, model.EventError, model.EventPayload{Error: finalErr.Error()})
	}
	o.indexRun(&final)
	o.publish(ctx, run.ID, model.EventStatus, model.EventPayload{Status: model.StatusRunEnd})
	o.bus.Publish(ctx, run.ID, model.Event{Type: model.EventEnd})
}

// streamIteration runs one LLM call to completion, feeding each chunk to the
// dialect-appropriate parser and publishing every resulting event, returning
// the accumulated assistant text and completed tool calls.
func (o *Orchestrator) streamIteration(ctx context.Context, run *model.Run, iteration int, history []*model.Message) (string, []model.ToolCall, error) {
	req := o.buildRequest(run, history)

	chunks, err := o.llmClient.Stream(ctx, req)
	if err != nil {
		return "", nil, orcherr.WrapProvider(err, "start stream for run %s", run.ID)
	}

	var parser streamparser.Parser
	if run.Config.ToolMode == model.ToolModeXML {
		parser = streamparser.NewXMLParser(run.ID, iteration, o.tools.XMLSchemas())
	} else {
		parser = streamparser.NewNativeParser(run.ID, iteration)
	}

	var text string
	var calls []model.ToolCall
	var cancelErr error

streamLoop:
	for {
		select {
		case <-ctx.Done():
			cancelErr = orcherr.Cancelled("run %s stopped mid-stream", run.ID)
			break streamLoop
		case chunk, ok := <-chunks:
			if !ok {
				break streamLoop
			}
			for _, ev := range parser.Feed(chunk) {
				o.bus.Publish(ctx, run.ID, ev)
				switch ev.Type {
				case model.EventContentDelta:
					text += ev.Payload.ContentDelta
				case model.EventToolCallComplete:
					if ev.Payload.ToolCall != nil {
						calls = append(calls, *ev.Payload.ToolCall)
					}
				}
			}
		}
	}

	for _, ev := range parser.Flush() {
		o.bus.Publish(ctx, run.ID, ev)
		if ev.Type == model.EventToolCallComplete && ev.Payload.ToolCall != nil {
			calls = append(calls, *ev.Payload.ToolCall)
		}
	}

	return text, calls, cancelErr
}

func (o *Orchestrator) dispatchAndPersist(ctx context.Context, run *model.Run, calls []model.ToolCall) {
	if len(calls) == 0 {
		return
	}
	results := o.sched.Dispatch(ctx, run.ID, calls, run.Config.ParallelTools)
	for _, r := range results {
		result := r
		msg := &model.Message{
			ID: uuid.NewString(), ThreadID: run.ThreadID, Kind: model.KindToolResult,
			ToolResult: &result, IsLLMVisible: true, CreatedAt: time.Now(),
		}
		if err := o.store.Append(ctx, msg); err != nil {
			o.logger.Error(ctx, "persist tool result failed", "run_id", run.ID, "call_id", result.CallID, "error", err)
		}
	}
}

func (o *Orchestrator) buildRequest(run *model.Run, history []*model.Message) llm.Request {
	system := run.Config.SystemPrompt
	req := llm.Request{
		Model:     run.Config.Model,
		System:    system,
		MaxTokens: 4096,
	}

	if run.Config.ToolMode != model.ToolModeXML {
		for _, spec := range o.tools.NativeSchemas() {
			req.Tools = append(req.Tools, llm.ToolSchema{
				Name: spec.Name, Description: spec.Name, Parameters: paramsToSchema(spec),
			})
		}
	}

	for _, m := range history {
		switch m.Kind {
		case model.KindUser, model.KindSystem, model.KindStatus:
			req.Messages = append(req.Messages, llm.Message{Role: "user", Content: m.Text()})
		case model.KindSummary:
			req.Messages = append(req.Messages, llm.Message{Role: "user", Content: "[prior context summary]\n" + m.SummaryText})
		case model.KindAssistant:
			req.Messages = append(req.Messages, llm.Message{Role: "assistant", Content: m.Text(), ToolCalls: m.ToolCalls})
		case model.KindToolResult:
			if m.ToolResult != nil {
				req.Messages = append(req.Messages, llm.Message{Role: "tool", Content: m.ToolResult.Output, ToolCallID: m.ToolResult.CallID})
			}
		}
	}
	return req
}

func paramsToSchema(spec *toolregistry.ToolSpec) map[string]any {
	props := map[string]any{}
	var required []string
	for _, p := range spec.Params {
		props[p.Name] = map[string]any{"type": string(p.Type)}
		if p.Required {
			required = append(required, p.Name)
		}
	}
	return map[string]any{"type": "object", "properties": props, "required": required}
}

func (o *Orchestrator) summaryProvider() contextmgr.SummaryProvider {
	if o.llmClient == nil {
		return nil
	}
	return &contextmgr.LLMSummaryProvider{Completer: o.llmClient}
}

func (o *Orchestrator) startHeartbeat(ctx context.Context, runID string) chan struct{} {
	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(ownershipTTL / 3)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := o.runs.Heartbeat(ctx, runID, ownershipTTL); err != nil {
					o.logger.Warn(ctx, "heartbeat failed", "run_id", runID, "error", err)
				}
			case <-stop:
				return
			}
		}
	}()
	return stop
}

func (o *Orchestrator) publish(ctx context.Context, runID string, t model.EventType, payload model.EventPayload) {
	o.bus.Publish(ctx, runID, model.Event{Type: t, Payload: payload})
}

// watchStop derives a context that is cancelled either when parent is
// cancelled or when stop fires, so a mid-stream STOP tears down the
// in-flight LLM call instead of only being noticed between chunks.
func watchStop(parent context.Context, stop <-chan struct{}) (context.Context, context.CancelFunc) {
	child, cancel := context.WithCancel(parent)
	go func() {
		select {
		case <-stop:
			cancel()
		case <-child.Done():
		}
	}()
	return child, cancel
}

// synthesizeInterrupted records a failed tool_result for every call that was
// parsed into the assistant message but never reached the scheduler, so a
// STOP still produces exactly one tool_result per tool_call_complete.
func (o *Orchestrator) synthesizeInterrupted(ctx context.Context, run *model.Run, calls []model.ToolCall) {
	for _, c := range calls {
		result := model.ToolResult{CallID: c.CallID, Success: false, Output: "interrupted"}
		o.bus.Publish(ctx, run.ID, model.Event{Type: model.EventToolResult, Payload: model.EventPayload{ToolResult: &result}})
		msg := &model.Message{
			ID: uuid.NewString(), ThreadID: run.ThreadID, Kind: model.KindToolResult,
			ToolResult: &result, IsLLMVisible: true, CreatedAt: time.Now(),
		}
		if err := o.store.Append(ctx, msg); err != nil {
			o.logger.Error(ctx, "persist interrupted tool result failed", "run_id", run.ID, "call_id", c.CallID, "error", err)
		}
	}
}

func cancelled(stop <-chan struct{}, ctx context.Context) bool {
	select {
	case <-stop:
		return true
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

func containsTerminalTool(calls []model.ToolCall, terminalName string) bool {
	if terminalName == "" {
		return false
	}
	for _, c := range calls {
		if c.Name == terminalName {
			return true
		}
	}
	return false
}

func terminalOutcome(err error) (model.RunStatus, error) {
	if kind, ok := orcherr.KindOf(err); ok && kind == orcherr.KindCancelled {
		return model.RunStopped, nil
	}
	return model.RunFailed, err
}

func textContent(text string) []model.ContentPart {
	if text == "" {
		return nil
	}
	return []model.ContentPart{{Type: "text", Text: text}}
}
