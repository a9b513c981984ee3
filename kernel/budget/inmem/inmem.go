// Package inmem provides a process-local budget.Store for tests and
// single-process deployments. Writes are serialized behind a single
// mutex, preserving a single-writer discipline on each account;
// a real deployment swaps this for kernel/budget/mongo without changing
// callers since both satisfy budget.Store.
package inmem

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/leolilley/ryeos-kernel/kernel/budget"
)

// Store is an in-memory budget.Store implementation.
type Store struct {
	mu      sync.Mutex
	entries map[string]budget.Entry
	// reserveKeys tracks (childID, amount, parentID) tuples already
	// applied, so a retried Reserve call is a no-op instead of
	// double-reserving.
	reserveKeys map[string]struct{}
}

// New constructs an empty Store.
func New() *Store {
	return &Store{
		entries:     make(map[string]budget.Entry),
		reserveKeys: make(map[string]struct{}),
	}
}

var _ budget.Store = (*Store)(nil)

func (s *Store) Register(_ context.Context, threadID string, maxSpend float64) (budget.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[threadID]; ok {
		return e, nil
	}
	now := time.Now()
	e := budget.Entry{
		ThreadID:  threadID,
		Reserved:  maxSpend,
		MaxSpend:  maxSpend,
		Status:    budget.StatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.entries[threadID] = e
	return e, nil
}

func (s *Store) Reserve(_ context.Context, childID string, amount float64, parentID string) (budget.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := reserveKey(childID, amount, parentID)
	if _, done := s.reserveKeys[key]; done {
		if e, ok := s.entries[childID]; ok {
			return e, nil
		}
	}

	parent, ok := s.entries[parentID]
	if !ok {
		return budget.Entry{}, budget.ErrNotFound
	}
	if parent.Remaining() < amount {
		return budget.Entry{}, budget.ErrInsufficientBudget
	}

	if existing, ok := s.entries[childID]; ok {
		return existing, nil
	}

	now := time.Now()
	child := budget.Entry{
		ThreadID:       childID,
		ParentThreadID: parentID,
		Reserved:       amount,
		MaxSpend:       amount,
		Status:         budget.StatusActive,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	s.entries[childID] = child
	s.reserveKeys[key] = struct{}{}
	return child, nil
}

func (s *Store) ReportActual(_ context.Context, threadID string, amount float64) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[threadID]
	if !ok {
		return 0, budget.ErrNotFound
	}
	raw := e.Actual + amount
	clamped := budget.Clamp(raw, e.Reserved)
	overspend := raw - clamped
	e.Actual = clamped
	e.UpdatedAt = time.Now()
	s.entries[threadID] = e
	return overspend, nil
}

func (s *Store) CascadeSpend(_ context.Context, _ string, parentID string, amount float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.entries[parentID]
	if !ok {
		return budget.ErrNotFound
	}
	p.Actual = budget.Clamp(p.Actual+amount, p.Reserved)
	p.UpdatedAt = time.Now()
	s.entries[parentID] = p
	return nil
}

func (s *Store) Release(_ context.Context, threadID string, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[threadID]
	if !ok {
		return budget.ErrNotFound
	}
	e.Status = budget.StatusReleased
	e.UpdatedAt = time.Now()
	s.entries[threadID] = e
	return nil
}

func (s *Store) GetRemaining(_ context.Context, threadID string) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[threadID]
	if !ok {
		return 0, budget.ErrNotFound
	}
	return e.Remaining(), nil
}

func (s *Store) Get(_ context.Context, threadID string) (budget.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[threadID]
	if !ok {
		return budget.Entry{}, budget.ErrNotFound
	}
	return e, nil
}

func reserveKey(childID string, amount float64, parentID string) string {
	return childID + "|" + parentID + "|" + strconv.FormatFloat(amount, 'g', -1, 64)
}
