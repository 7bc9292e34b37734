// Package memory is an in-process ledger store.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"loanLedger/internal/model"
	"loanLedger/internal/storage"
)

// Store keeps events in memory keyed by (block_hash, log_index).
type Store struct {
	mu     sync.RWMutex
	events []model.Event
	seen   map[model.EventKey]struct{}
	state  map[string]uint64
}

// NewStore returns an empty Store.
func NewStore() *Store {
	return &Store{
		seen:  make(map[model.EventKey]struct{}),
		state: make(map[string]uint64),
	}
}

// InsertEvent stores event, or returns storage.ErrDuplicateEvent when its key is already present.
func (s *Store) InsertEvent(ctx context.Context, event model.Event) error {
	if event == nil {
		return fmt.Errorf("event is nil")
	}
	key := event.Meta().Key()

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.seen[key]; ok {
		return storage.ErrDuplicateEvent
	}
	s.seen[key] = struct{}{}
	s.events = append(s.events, event)
	return nil
}

// LedgerEvents returns the events matching q in chain order.
func (s *Store) LedgerEvents(ctx context.Context, q storage.LedgerQuery) ([]model.Event, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	out := make([]model.Event, 0)
	for _, ev := range s.events {
		if q.Matches(ev) {
			out = append(out, ev)
		}
	}
	s.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Meta().Before(out[j].Meta())
	})
	return out, nil
}

// Agreements returns every stored AgreementCreated event.
func (s *Store) Agreements(ctx context.Context) ([]model.AgreementCreated, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.AgreementCreated, 0)
	for _, ev := range s.events {
		if a, ok := ev.(model.AgreementCreated); ok {
			out = append(out, a)
		}
	}
	return out, nil
}

// LoadState returns the checkpoint saved under name.
func (s *Store) LoadState(ctx context.Context, name string) (uint64, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	block, ok := s.state[name]
	return block, ok, nil
}

// SaveState records block as the checkpoint for name.
func (s *Store) SaveState(ctx context.Context, name string, block uint64) error {
	if name == "" {
		return fmt.Errorf("state name required")
	}
	s.mu.Lock()
	s.state[name] = block
	s.mu.Unlock()
	return nil
}

// Len returns the number of stored events.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}

// Close is a no-op.
func (s *Store) Close() {}
