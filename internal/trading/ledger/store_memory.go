package ledger

import (
	"context"
	"sync"

	"funding_arb/internal/core"
)

// MemoryStore keeps the trade log in process. Used for paper runs and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	entries []*core.TradeLogEntry
	err     error
}

func NewMemoryStore(entries ...*core.TradeLogEntry) *MemoryStore {
	return &MemoryStore{entries: entries}
}

// FailWith makes subsequent appends return err; nil clears it
func (s *MemoryStore) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *MemoryStore) Append(ctx context.Context, entries ...*core.TradeLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	for _, e := range entries {
		cp := *e
		s.entries = append(s.entries, &cp)
	}
	return nil
}

func (s *MemoryStore) LoadAll(ctx context.Context) ([]*core.TradeLogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*core.TradeLogEntry, len(s.entries))
	for i, e := range s.entries {
		cp := *e
		out[i] = &cp
	}
	return out, nil
}

func (s *MemoryStore) Close() error {
	return nil
}
