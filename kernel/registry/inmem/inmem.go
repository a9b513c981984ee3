// Package inmem provides a process-local registry.Store, used by tests
// and single-process deployments.
package inmem

import (
	"context"
	"sync"
	"time"

	"github.com/leolilley/ryeos-kernel/kernel/registry"
)

// Store is an in-memory registry.Store.
type Store struct {
	mu      sync.Mutex
	records map[string]registry.Record
}

// New constructs an empty Store.
func New() *Store {
	return &Store{records: make(map[string]registry.Record)}
}

var _ registry.Store = (*Store)(nil)

func (s *Store) Register(_ context.Context, rec registry.Record) (registry.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.records[rec.ThreadID]; ok {
		return existing, nil
	}
	now := time.Now()
	if rec.Status == "" {
		rec.Status = registry.StatusCreated
	}
	rec.CreatedAt = now
	rec.UpdatedAt = now
	s.records[rec.ThreadID] = rec
	return rec, nil
}

func (s *Store) UpdateStatus(_ context.Context, threadID string, status registry.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[threadID]
	if !ok {
		return registry.ErrNotFound
	}
	rec.Status = status
	rec.UpdatedAt = time.Now()
	if status.Terminal() {
		t := rec.UpdatedAt
		rec.CompletedAt = &t
	}
	s.records[threadID] = rec
	return nil
}

func (s *Store) SetResult(_ context.Context, threadID string, resultText string, outputs []byte, errText string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[threadID]
	if !ok {
		return registry.ErrNotFound
	}
	rec.ResultText = resultText
	rec.Outputs = outputs
	rec.ErrorText = errText
	rec.UpdatedAt = time.Now()
	s.records[threadID] = rec
	return nil
}

func (s *Store) SetContinuation(_ context.Context, fromThreadID, toThreadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[fromThreadID]
	if !ok {
		return registry.ErrNotFound
	}
	rec.ContinuationThreadID = toThreadID
	rec.UpdatedAt = time.Now()
	s.records[fromThreadID] = rec
	return nil
}

func (s *Store) SetChainInfo(_ context.Context, threadID, chainRootID, previousThreadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[threadID]
	if !ok {
		return registry.ErrNotFound
	}
	rec.ChainRootID = chainRootID
	rec.PreviousThreadID = previousThreadID
	rec.UpdatedAt = time.Now()
	s.records[threadID] = rec
	return nil
}

func (s *Store) GetThread(_ context.Context, threadID string) (registry.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[threadID]
	if !ok {
		return registry.Record{}, registry.ErrNotFound
	}
	return rec, nil
}

func (s *Store) ListActive(_ context.Context) ([]registry.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []registry.Record
	for _, rec := range s.records {
		if !rec.Status.Terminal() {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (s *Store) ListChildren(_ context.Context, parentID string) ([]registry.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []registry.Record
	for _, rec := range s.records {
		if rec.ParentID == parentID {
			out = append(out, rec)
		}
	}
	return out, nil
}
