// Package store implements the message store: an append-only log of
// Messages per thread, with range reads and a "messages since the last
// summary" read for the context manager.
package store

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/agentrun/orchestrator/pkg/model"
)

// ErrRunActive is wrapped in the error Orchestrator.StartRun returns when a
// caller tries to start a second run on a thread that already has one.
var ErrRunActive = errors.New("a run is already active on this thread")

// MessageStore is the append-only persistence contract. Writers are assumed
// single-threaded per thread during a run.
type MessageStore interface {
	Append(ctx context.Context, msg *model.Message) error

	// Read returns messages for threadID with CreatedSeqNum > since (0 for
	// "from the start"), oldest-first, capped at limit (0 = unlimited).
	Read(ctx context.Context, threadID string, since int64, limit int) ([]*model.Message, error)

	// ReadSinceSummary returns the most recent summary message (if any)
	// followed by every message appended after it, oldest-first. If no
	// summary exists, it returns every message of the thread; messages are
	// not filtered by IsLLMVisible.
	ReadSinceSummary(ctx context.Context, threadID string) ([]*model.Message, error)
}

// MemoryStore is an in-process MessageStore used for tests and single-node
// deployments without Postgres configured.
type MemoryStore struct {
	mu   sync.Mutex
	byID map[string][]*model.Message // threadID -> messages in append order
	seq  map[string]int64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: make(map[string][]*model.Message), seq: make(map[string]int64)}
}

func (s *MemoryStore) Append(_ context.Context, msg *model.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq[msg.ThreadID]++
	msg.CreatedSeqNum = s.seq[msg.ThreadID]
	s.byID[msg.ThreadID] = append(s.byID[msg.ThreadID], msg)
	return nil
}

func (s *MemoryStore) Read(_ context.Context, threadID string, since int64, limit int) ([]*model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := s.byID[threadID]
	out := make([]*model.Message, 0, len(all))
	for _, m := range all {
		if m.CreatedSeqNum > since {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedSeqNum < out[j].CreatedSeqNum })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) ReadSinceSummary(_ context.Context, threadID string) ([]*model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := s.byID[threadID]

	lastSummary := -1
	for i := len(all) - 1; i >= 0; i-- {
		if all[i].Kind == model.KindSummary {
			lastSummary = i
			break
		}
	}
	if lastSummary == -1 {
		out := make([]*model.Message, len(all))
		copy(out, all)
		return out, nil
	}
	out := make([]*model.Message, 0, len(all)-lastSummary)
	out = append(out, all[lastSummary:]...)
	return out, nil
}
