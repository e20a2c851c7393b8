// Package scheduler dispatches parsed ToolCalls to their registered
// handlers under a serial-or-parallel policy, de-duplicates concurrent
// executions of the same call_id (via golang.org/x/sync/singleflight), retries
// transient failures with backoff, recovers from handler panics, and
// publishes tool_result events onto the event bus.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/agentrun/orchestrator/internal/eventbus"
	"github.com/agentrun/orchestrator/internal/orcherr"
	"github.com/agentrun/orchestrator/internal/toolregistry"
	"github.com/agentrun/orchestrator/pkg/model"
)

// Config tunes concurrency, timeout, and retry behavior for every call the
// Scheduler dispatches; per-tool overrides are not modeled.
type Config struct {
	MaxConcurrency  int
	DefaultTimeout  time.Duration
	MaxRetries      int
	RetryBackoff    time.Duration
	MaxRetryBackoff time.Duration
}

// DefaultConfig returns sensible concurrency, timeout, and retry defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrency:  5,
		DefaultTimeout:  30 * time.Second,
		MaxRetries:      2,
		RetryBackoff:    100 * time.Millisecond,
		MaxRetryBackoff: 5 * time.Second,
	}
}

// Scheduler dispatches tool calls; one Scheduler may serve many runs, each
// Dispatch naming its run by runID.
type Scheduler struct {
	registry *toolregistry.Registry
	bus      eventbus.Bus
	config   Config

	sem   chan struct{}
	group singleflight.Group
}

// New creates a Scheduler bound to a tool registry and event bus.
func New(registry *toolregistry.Registry, bus eventbus.Bus, config Config) *Scheduler {
	if config.MaxConcurrency <= 0 {
		config.MaxConcurrency = DefaultConfig().MaxConcurrency
	}
	return &Scheduler{
		registry: registry,
		bus:      bus,
		config:   config,
		sem:      make(chan struct{}, config.MaxConcurrency),
	}
}

// Dispatch executes calls per the run's ParallelTools policy and publishes a
// tool_result event for each onto the bus, in call order regardless of
// completion order: results are attributed back to their call_id, and
// publication follows the calls as parsed rather than the order they
// finish. The returned results are also ordered by input index.
func (s *Scheduler) Dispatch(ctx context.Context, runID string, calls []model.ToolCall, parallel bool) []model.ToolResult {
	if len(calls) == 0 {
		return nil
	}

	results := make([]model.ToolResult, len(calls))

	if !parallel {
		for i, c := range calls {
			results[i] = s.execute(ctx, runID, c)
		}
	} else {
		var wg sync.WaitGroup
		for i, c := range calls {
			wg.Add(1)
			go func(idx int, call model.ToolCall) {
				defer wg.Done()
				results[idx] = s.execute(ctx, runID, call)
			}(i, c)
		}
		wg.Wait()
	}

	for _, r := range results {
		s.publishResult(ctx, runID, r)
	}
	return results
}

// ByCallID indexes results for O(1) lookup by the caller (e.g. prompt
// assembly pairing tool_result messages back to their originating call).
func ByCallID(results []model.ToolResult) map[string]model.ToolResult {
	out := make(map[string]model.ToolResult, len(results))
	for _, r := range results {
		out[r.CallID] = r
	}
	return out
}

func (s *Scheduler) publishResult(ctx context.Context, runID string, r model.ToolResult) {
	result := r
	_, _ = s.bus.Publish(ctx, runID, model.Event{
		Type:    model.EventToolResult,
		Payload: model.EventPayload{ToolResult: &result},
	})
}

// execute runs one call: concurrent dispatch of the same call_id joins the
// in-flight execution via singleflight instead of re-invoking the handler.
// No record of finished calls is kept, so a dispatch of a call_id whose
// execution has already finished runs the handler again.
func (s *Scheduler) execute(ctx context.Context, runID string, call model.ToolCall) model.ToolResult {
	if call.Malformed {
		return model.ToolResult{
			CallID:  call.CallID,
			Success: false,
			Output:  fmt.Sprintf("tool call %q arguments were malformed and never completed", call.Name),
		}
	}

	v, _, _ := s.group.Do(call.CallID, func() (any, error) {
		return s.executeWithRetry(ctx, runID, call), nil
	})
	return v.(model.ToolResult)
}

func (s *Scheduler) executeWithRetry(ctx context.Context, runID string, call model.ToolCall) model.ToolResult {
	select {
	case s.sem <- struct{}{}:
		defer func() { <-s.sem }()
	case <-ctx.Done():
		return failure(call.CallID, orcherr.Cancelled("run %s stopped before tool %q ran", runID, call.Name))
	}

	spec, ok := s.registry.Resolve(call.Name)
	if !ok {
		return failure(call.CallID, orcherr.Tool("unknown tool %q", call.Name))
	}

	args, err := spec.CoerceArgs(call.Arguments)
	if err != nil {
		return failure(call.CallID, err)
	}

	timeout := s.config.DefaultTimeout
	backoff := s.config.RetryBackoff

	var lastErr error
	for attempt := 0; attempt <= s.config.MaxRetries; attempt++ {
		result, err := s.invoke(ctx, spec, args, call.CallID, timeout)
		if err == nil {
			return *result
		}
		lastErr = err

		if !retryable(err) || ctx.Err() != nil || attempt >= s.config.MaxRetries {
			break
		}

		sleep := backoff * time.Duration(1<<uint(attempt))
		if sleep > s.config.MaxRetryBackoff {
			sleep = s.config.MaxRetryBackoff
		}
		select {
		case <-time.After(sleep):
		case <-ctx.Done():
			lastErr = orcherr.Cancelled("run %s stopped while retrying tool %q", runID, call.Name)
		}
	}
	return failure(call.CallID, lastErr)
}

// invoke runs one handler attempt under a timeout with panic recovery.
func (s *Scheduler) invoke(ctx context.Context, spec *toolregistry.ToolSpec, args map[string]any, callID string, timeout time.Duration) (*model.ToolResult, error) {
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		result *model.ToolResult
		err    error
	}
	ch := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- outcome{err: orcherr.Tool("tool %q panicked: %v\n%s", spec.Name, r, debug.Stack())}
			}
		}()
		result, err := spec.Handler(execCtx, args)
		if err != nil {
			ch <- outcome{err: orcherr.WrapTool(err, "tool %q failed", spec.Name)}
			return
		}
		result.CallID = callID
		ch <- outcome{result: result}
	}()

	select {
	case out := <-ch:
		return out.result, out.err
	case <-execCtx.Done():
		if ctx.Err() != nil {
			return nil, orcherr.Cancelled("tool %q cancelled", spec.Name)
		}
		return nil, orcherr.Tool("tool %q timed out after %s", spec.Name, timeout)
	}
}

func retryable(err error) bool {
	// invoke wraps handler errors as Tool, so look through the chain for a
	// provider-classified cause rather than only the outermost kind.
	return errors.Is(err, orcherr.Provider(""))
}

func failure(callID string, err error) model.ToolResult {
	return model.ToolResult{CallID: callID, Success: false, Output: err.Error()}
}
