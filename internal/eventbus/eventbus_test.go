package eventbus

import (
	"context"
	"testing"
	"time"

	"github.com/agentrun/orchestrator/pkg/model"
)

func TestMemoryBus_PublishAssignsMonotonicSeq(t *testing.T) {
	b := NewMemoryBus(DefaultBackpressureConfig())
	ctx := context.Background()

	seq0, _ := b.Publish(ctx, "run1", model.Event{Type: model.EventContentDelta})
	seq1, _ := b.Publish(ctx, "run1", model.Event{Type: model.EventContentDelta})
	if seq0 != 0 || seq1 != 1 {
		t.Fatalf("seqs = %d, %d, want 0, 1", seq0, seq1)
	}
}

func TestMemoryBus_SubscribeReplaysFromSeq(t *testing.T) {
	b := NewMemoryBus(DefaultBackpressureConfig())
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		b.Publish(ctx, "run1", model.Event{Type: model.EventContentDelta})
	}
	b.Publish(ctx, "run1", model.Event{Type: model.EventEnd})

	subCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	events, err := b.Subscribe(subCtx, "run1", 3)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	var seqs []uint64
	for ev := range events {
		seqs = append(seqs, ev.Seq)
	}
	if len(seqs) != 3 || seqs[0] != 3 {
		t.Fatalf("replayed seqs = %v, want starting at 3 with 3 events (seq 3,4,end)", seqs)
	}
}

func TestMemoryBus_SubscribeStopsAtEnd(t *testing.T) {
	b := NewMemoryBus(DefaultBackpressureConfig())
	ctx := context.Background()
	b.Publish(ctx, "run1", model.Event{Type: model.EventEnd})

	subCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	events, err := b.Subscribe(subCtx, "run1", 0)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	count := 0
	for range events {
		count++
	}
	if count != 1 {
		t.Fatalf("got %d events, want 1 (terminal end)", count)
	}
}

func TestMemoryBus_PublishAfterEndIsNoOp(t *testing.T) {
	b := NewMemoryBus(DefaultBackpressureConfig())
	ctx := context.Background()
	b.Publish(ctx, "run1", model.Event{Type: model.EventEnd})
	seq, err := b.Publish(ctx, "run1", model.Event{Type: model.EventContentDelta})
	if err != nil {
		t.Fatalf("Publish after end: %v", err)
	}
	if seq != 1 {
		t.Errorf("seq = %d, want unchanged high-water mark (1)", seq)
	}
}

func TestMemoryBus_SignalStopClosesStopChannel(t *testing.T) {
	b := NewMemoryBus(DefaultBackpressureConfig())
	stopCh := b.StopSignal("run1")

	select {
	case <-stopCh:
		t.Fatal("stop channel should not be closed yet")
	default:
	}

	if err := b.SignalStop("run1"); err != nil {
		t.Fatalf("SignalStop: %v", err)
	}

	select {
	case <-stopCh:
	case <-time.After(time.Second):
		t.Fatal("stop channel was not closed after SignalStop")
	}
}

func TestMemoryBus_LiveFanOutDeliversToSubscriber(t *testing.T) {
	b := NewMemoryBus(DefaultBackpressureConfig())
	ctx := context.Background()

	subCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	events, err := b.Subscribe(subCtx, "run1", 0)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	go func() {
		b.Publish(ctx, "run1", model.Event{Type: model.EventContentDelta, Payload: model.EventPayload{ContentDelta: "hi"}})
		b.Publish(ctx, "run1", model.Event{Type: model.EventEnd})
	}()

	var got []model.Event
	for ev := range events {
		got = append(got, ev)
	}
	if len(got) != 2 || got[0].Payload.ContentDelta != "hi" {
		t.Fatalf("got = %+v, want content delta then end", got)
	}
}
