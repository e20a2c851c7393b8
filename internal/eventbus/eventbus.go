// Package eventbus implements the per-run durable, sequenced event channel:
// publish assigns a dense monotonic seq, subscribers replay from any seq and
// then join the live fan-out, and slow subscribers have their droppable
// events dropped rather than being allowed to block the run.
package eventbus

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agentrun/orchestrator/pkg/model"
)

// Bus is the Event Bus contract used by the Orchestrator and Tool Scheduler.
type Bus interface {
	// Publish assigns the next seq for runID (overwriting any event.Seq the
	// caller set) and appends event durably, then fans it out to live
	// subscribers. Events are not de-duplicated by a caller-supplied seq.
	// Once the run's EventEnd has been published, further publishes are
	// dropped and the run's next unassigned seq is returned.
	Publish(ctx context.Context, runID string, event model.Event) (seq uint64, err error)

	// Subscribe replays all durable events with Seq >= fromSeq, then streams
	// live events until a terminal EventEnd has been delivered or ctx is done.
	Subscribe(ctx context.Context, runID string, fromSeq uint64) (<-chan model.Event, error)

	// SignalStop delivers a STOP request on runID's control channel. It is
	// not part of the sequenced event stream and is deliverable even while
	// the run's event flow is paused.
	SignalStop(runID string) error

	// StopSignal returns a channel closed when SignalStop(runID) is called.
	StopSignal(runID string) <-chan struct{}

	// Close releases resources held for runID (call after the run ends).
	Close(runID string)
}

// BackpressureConfig configures the two-lane buffering used per subscriber:
// lifecycle events (status, tool_call_*, tool_result, error, end) are never
// dropped; content deltas may be dropped under backpressure since the
// client can reconstruct a full transcript from the persisted messages.
type BackpressureConfig struct {
	HighPriBuffer int
	LowPriBuffer  int
	KeepAlive     time.Duration
}

// DefaultBackpressureConfig returns sensible per-subscriber buffer sizes.
func DefaultBackpressureConfig() BackpressureConfig {
	return BackpressureConfig{HighPriBuffer: 32, LowPriBuffer: 256, KeepAlive: 15 * time.Second}
}

func isDroppable(t model.EventType) bool {
	switch t {
	case model.EventContentDelta, model.EventToolCallArgDelta:
		return true
	default:
		return false
	}
}

// runState is the bus's per-run bookkeeping: the durable log plus live
// subscriber fan-out.
type runState struct {
	mu       sync.Mutex
	log      []model.Event // durable append-only log, indexed by Seq
	highSeq  uint64        // next seq to assign; 0 means no events yet
	ended    bool
	subs     map[*subscriber]struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
}

type subscriber struct {
	highPri chan model.Event
	lowPri  chan model.Event
	dropped uint64
}

// MemoryBus is an in-process Bus implementation. It is the default for a
// single instance and the one used in tests; a cluster deployment pairs it
// with internal/runregistry.RedisRegistry for run ownership. STOP signals
// are delivered only within this process. The durable log itself stays
// process-local here; a
// production deployment would back runState.log with the same Postgres
// table the message store uses.
type MemoryBus struct {
	cfg BackpressureConfig

	mu   sync.Mutex
	runs map[string]*runState
}

// NewMemoryBus creates a Bus with the given backpressure configuration.
func NewMemoryBus(cfg BackpressureConfig) *MemoryBus {
	if cfg.HighPriBuffer <= 0 {
		cfg.HighPriBuffer = 32
	}
	if cfg.LowPriBuffer <= 0 {
		cfg.LowPriBuffer = 256
	}
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = 15 * time.Second
	}
	return &MemoryBus{cfg: cfg, runs: make(map[string]*runState)}
}

func (b *MemoryBus) state(runID string) *runState {
	b.mu.Lock()
	defer b.mu.Unlock()
	rs, ok := b.runs[runID]
	if !ok {
		rs = &runState{subs: make(map[*subscriber]struct{}), stopCh: make(chan struct{})}
		b.runs[runID] = rs
	}
	return rs
}

// Publish implements Bus.
func (b *MemoryBus) Publish(ctx context.Context, runID string, event model.Event) (uint64, error) {
	rs := b.state(runID)

	rs.mu.Lock()
	if rs.ended {
		rs.mu.Unlock()
		return rs.highSeq, nil
	}
	seq := rs.highSeq
	event.RunID = runID
	event.Seq = seq
	rs.log = append(rs.log, event)
	rs.highSeq++
	if event.Type == model.EventEnd {
		rs.ended = true
	}
	subs := make([]*subscriber, 0, len(rs.subs))
	for s := range rs.subs {
		subs = append(subs, s)
	}
	rs.mu.Unlock()

	for _, s := range subs {
		deliver(ctx, s, event)
	}
	return seq, nil
}

func deliver(ctx context.Context, s *subscriber, event model.Event) {
	if isDroppable(event.Type) {
		select {
		case s.lowPri <- event:
		default:
			atomic.AddUint64(&s.dropped, 1)
		}
		return
	}
	select {
	case s.highPri <- event:
	case <-ctx.Done():
		select {
		case s.highPri <- event:
		default:
			atomic.AddUint64(&s.dropped, 1)
		}
	}
}

// Subscribe implements Bus.
func (b *MemoryBus) Subscribe(ctx context.Context, runID string, fromSeq uint64) (<-chan model.Event, error) {
	rs := b.state(runID)
	sub := &subscriber{
		highPri: make(chan model.Event, b.cfg.HighPriBuffer),
		lowPri:  make(chan model.Event, b.cfg.LowPriBuffer),
	}

	rs.mu.Lock()
	backlog := make([]model.Event, 0, len(rs.log))
	for _, e := range rs.log {
		if e.Seq >= fromSeq {
			backlog = append(backlog, e)
		}
	}
	alreadyEnded := rs.ended
	if !alreadyEnded {
		rs.subs[sub] = struct{}{}
	}
	rs.mu.Unlock()

	out := make(chan model.Event, b.cfg.HighPriBuffer)
	go func() {
		defer close(out)
		defer func() {
			rs.mu.Lock()
			delete(rs.subs, sub)
			rs.mu.Unlock()
		}()

		for _, e := range backlog {
			select {
			case out <- e:
			case <-ctx.Done():
				return
			}
			if e.Type == model.EventEnd {
				return
			}
		}
		if alreadyEnded {
			return
		}

		ticker := time.NewTicker(b.cfg.KeepAlive)
		defer ticker.Stop()
		for {
			select {
			case e := <-sub.highPri:
				if e.Type == model.EventEnd {
					// Droppable events still buffered were published before
					// end; forward them first so end stays the last event.
					for len(sub.lowPri) > 0 {
						out <- <-sub.lowPri
					}
					out <- e
					return
				}
				out <- e
			case e := <-sub.lowPri:
				select {
				case out <- e:
				default:
				}
			case <-ticker.C:
				// keep-alive tick: nothing is sequenced, persisted or
				// forwarded to out, so subscribers receive no ping event;
				// internal/httpapi writes no keep-alive lines either.
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}

// SignalStop implements Bus.
func (b *MemoryBus) SignalStop(runID string) error {
	rs := b.state(runID)
	rs.stopOnce.Do(func() { close(rs.stopCh) })
	return nil
}

// StopSignal implements Bus.
func (b *MemoryBus) StopSignal(runID string) <-chan struct{} {
	return b.state(runID).stopCh
}

// Close releases a run's bookkeeping.
func (b *MemoryBus) Close(runID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.runs, runID)
}
