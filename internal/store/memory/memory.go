// Package memory is an in-process Store used for local runs and tests.
package memory

import (
	"context"
	"sync"

	"github.com/lsm/feedmirror/internal/feed"
)

// Store keeps events in a map. Contents are lost on restart.
type Store struct {
	mu     sync.RWMutex
	events map[string]feed.Event
}

// New creates an empty Store.
func New() *Store {
	return &Store{events: make(map[string]feed.Event)}
}

// Exists reports whether id has been recorded.
func (s *Store) Exists(_ context.Context, id string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.events[id]
	return ok, nil
}

// Insert records the event unless its id is already present.
func (s *Store) Insert(_ context.Context, event feed.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.events[event.ID]; !ok {
		s.events[event.ID] = event
	}
	return nil
}

// Len returns the number of recorded events.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}

// Close is a no-op.
func (s *Store) Close() error { return nil }
