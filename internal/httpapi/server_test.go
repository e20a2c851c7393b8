package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/agentrun/orchestrator/internal/eventbus"
	"github.com/agentrun/orchestrator/internal/observability"
	"github.com/agentrun/orchestrator/internal/ratelimit"
	"github.com/agentrun/orchestrator/internal/store"
	"github.com/agentrun/orchestrator/pkg/model"
)

type fakeOrchestrator struct {
	mu   sync.Mutex
	runs map[string]*model.Run

	startErr  error
	stopErr   error
	stopCalls []string
}

func newFakeOrchestrator() *fakeOrchestrator {
	return &fakeOrchestrator{runs: make(map[string]*model.Run)}
}

func (f *fakeOrchestrator) StartRun(ctx context.Context, threadID string, cfg model.RunConfig) (*model.Run, error) {
	if f.startErr != nil {
		return nil, f.startErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	run := &model.Run{ID: "run-" + threadID, ThreadID: threadID, Status: model.RunRunning, Config: cfg, StartedAt: time.Now()}
	f.runs[run.ID] = run
	return run, nil
}

func (f *fakeOrchestrator) StopRun(runID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopCalls = append(f.stopCalls, runID)
	return f.stopErr
}

func (f *fakeOrchestrator) GetRun(runID string) (*model.Run, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.runs[runID]
	return r, ok
}

func (f *fakeOrchestrator) ListRunsByThread(threadID string) []*model.Run {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*model.Run
	for _, r := range f.runs {
		if r.ThreadID == threadID {
			out = append(out, r)
		}
	}
	return out
}

func newTestServer(orch RunStarter) (*Server, *eventbus.MemoryBus) {
	bus := eventbus.NewMemoryBus(eventbus.DefaultBackpressureConfig())
	logger := observability.NewLogger(observability.LogConfig{Level: "error", Format: "text"})
	s := New(Config{DefaultRun: model.RunConfig{MaxIterations: 10}}, orch, bus, store.NewMemoryStore(), logger)
	return s, bus
}

func TestStartRun_CreatesRunAndReturns202(t *testing.T) {
	orch := newFakeOrchestrator()
	s, _ := newTestServer(orch)

	req := httptest.NewRequest(http.MethodPost, "/thread/t1/agent/start", strings.NewReader(`{"model":"claude-sonnet-4-20250514"}`))
	rec := httptest.NewRecorder()
	s.handleThreadRoutes(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202, body: %s", rec.Code, rec.Body.String())
	}
	var run model.Run
	if err := json.Unmarshal(rec.Body.Bytes(), &run); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if run.ThreadID != "t1" {
		t.Errorf("thread_id = %q, want t1", run.ThreadID)
	}
}

func TestStartRun_EmptyBodyUsesDefaults(t *testing.T) {
	orch := newFakeOrchestrator()
	s, _ := newTestServer(orch)

	req := httptest.NewRequest(http.MethodPost, "/thread/t1/agent/start", nil)
	rec := httptest.NewRecorder()
	s.handleThreadRoutes(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202, body: %s", rec.Code, rec.Body.String())
	}
}

func TestStartRun_InvalidJSONReturns400(t *testing.T) {
	orch := newFakeOrchestrator()
	s, _ := newTestServer(orch)

	req := httptest.NewRequest(http.MethodPost, "/thread/t1/agent/start", strings.NewReader(`{not json`))
	rec := httptest.NewRecorder()
	s.handleThreadRoutes(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestGetRun_NotFoundReturns404(t *testing.T) {
	orch := newFakeOrchestrator()
	s, _ := newTestServer(orch)

	req := httptest.NewRequest(http.MethodGet, "/agent-run/missing", nil)
	rec := httptest.NewRecorder()
	s.handleRunRoutes(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestGetRun_FoundReturns200(t *testing.T) {
	orch := newFakeOrchestrator()
	orch.runs["run-1"] = &model.Run{ID: "run-1", ThreadID: "t1", Status: model.RunRunning}
	s, _ := newTestServer(orch)

	req := httptest.NewRequest(http.MethodGet, "/agent-run/run-1", nil)
	rec := httptest.NewRecorder()
	s.handleRunRoutes(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestStopRun_UnknownReturns404WithoutCallingStop(t *testing.T) {
	orch := newFakeOrchestrator()
	s, _ := newTestServer(orch)

	req := httptest.NewRequest(http.MethodPost, "/agent-run/missing/stop", nil)
	rec := httptest.NewRecorder()
	s.handleRunRoutes(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
	if len(orch.stopCalls) != 0 {
		t.Error("StopRun should not be called for an unknown run")
	}
}

func TestStopRun_KnownReturns202(t *testing.T) {
	orch := newFakeOrchestrator()
	orch.runs["run-1"] = &model.Run{ID: "run-1", ThreadID: "t1"}
	s, _ := newTestServer(orch)

	req := httptest.NewRequest(http.MethodPost, "/agent-run/run-1/stop", nil)
	rec := httptest.NewRecorder()
	s.handleRunRoutes(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", rec.Code)
	}
	if len(orch.stopCalls) != 1 || orch.stopCalls[0] != "run-1" {
		t.Errorf("stopCalls = %v, want [run-1]", orch.stopCalls)
	}
}

func TestListRuns_ReturnsEmptyArrayNotNull(t *testing.T) {
	orch := newFakeOrchestrator()
	s, _ := newTestServer(orch)

	req := httptest.NewRequest(http.MethodGet, "/thread/empty-thread/agent-runs", nil)
	rec := httptest.NewRecorder()
	s.handleThreadRoutes(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if strings.Contains(rec.Body.String(), `"runs":null`) {
		t.Error("expected an empty array, not null, for a thread with no runs")
	}
}

func TestStreamRun_ReplaysFromLastEventID(t *testing.T) {
	orch := newFakeOrchestrator()
	s, bus := newTestServer(orch)

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		bus.Publish(ctx, "run-1", model.Event{Type: model.EventContentDelta})
	}
	bus.Publish(ctx, "run-1", model.Event{Type: model.EventEnd})

	req := httptest.NewRequest(http.MethodGet, "/agent-run/run-1/stream", nil)
	req.Header.Set("Last-Event-ID", "2")
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		s.handleRunRoutes(rec, req)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("streamRun did not return after the terminal event")
	}

	body := rec.Body.String()
	if strings.Count(body, "event: content_delta") != 2 {
		t.Errorf("expected 2 replayed content_delta events after Last-Event-ID: 2, got body:\n%s", body)
	}
	if !strings.Contains(body, "event: end") {
		t.Error("expected the terminal end event in the SSE body")
	}
}

func TestStartRun_RateLimitedReturns429(t *testing.T) {
	orch := newFakeOrchestrator()
	bus := eventbus.NewMemoryBus(eventbus.DefaultBackpressureConfig())
	logger := observability.NewLogger(observability.LogConfig{Level: "error", Format: "text"})
	s := New(Config{
		DefaultRun: model.RunConfig{MaxIterations: 10},
		RunStart:   ratelimit.Config{Enabled: true, RequestsPerSecond: 1, BurstSize: 1},
	}, orch, bus, store.NewMemoryStore(), logger)

	ok := httptest.NewRequest(http.MethodPost, "/thread/t1/agent/start", nil)
	rec := httptest.NewRecorder()
	s.handleThreadRoutes(rec, ok)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("first start: status = %d, want 202", rec.Code)
	}

	blocked := httptest.NewRequest(http.MethodPost, "/thread/t1/agent/start", nil)
	rec2 := httptest.NewRecorder()
	s.handleThreadRoutes(rec2, blocked)
	if rec2.Code != http.StatusTooManyRequests {
		t.Fatalf("second start: status = %d, want 429", rec2.Code)
	}

	other := httptest.NewRequest(http.MethodPost, "/thread/t2/agent/start", nil)
	rec3 := httptest.NewRecorder()
	s.handleThreadRoutes(rec3, other)
	if rec3.Code != http.StatusAccepted {
		t.Errorf("a different thread's burst should be unaffected, got %d", rec3.Code)
	}
}

func TestSplitPath(t *testing.T) {
	cases := map[string][]string{
		"":          nil,
		"/":         nil,
		"a/b/c":     {"a", "b", "c"},
		"/a/b/c/":   {"a", "b", "c"},
	}
	for in, want := range cases {
		got := splitPath(in)
		if len(got) != len(want) {
			t.Errorf("splitPath(%q) = %v, want %v", in, got, want)
			continue
		}
		for i := range got {
			if got[i] != want[i] {
				t.Errorf("splitPath(%q) = %v, want %v", in, got, want)
				break
			}
		}
	}
}
