package store

import (
	"context"
	"sync"

	"github.com/localmarket/dealflow/market"
)

// MemoryStore keeps records in process memory.
type MemoryStore struct {
	mu   sync.RWMutex
	recs map[string]market.TransactionRecord
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{recs: make(map[string]market.TransactionRecord)}
}

func (s *MemoryStore) Save(_ context.Context, rec *market.TransactionRecord) error {
	if rec == nil || rec.ID == "" {
		return market.Invalid("record", "missing id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.recs[rec.ID]; ok {
		return ErrConflict
	}
	s.recs[rec.ID] = clone(*rec)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*market.TransactionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.recs[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := clone(rec)
	return &out, nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.recs[id]; !ok {
		return ErrNotFound
	}
	delete(s.recs, id)
	return nil
}

func (s *MemoryStore) UpdateStatus(_ context.Context, id string, status market.RecordStatus) error {
	if !validStatus(status) {
		return market.Invalid("status", "unknown record status "+string(status))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recs[id]
	if !ok {
		return ErrNotFound
	}
	rec.Status = status
	s.recs[id] = rec
	return nil
}

// Len returns the number of stored records.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.recs)
}

func clone(rec market.TransactionRecord) market.TransactionRecord {
	if t := rec.Delivery.Transporter; t != nil {
		cp := *t
		rec.Delivery.Transporter = &cp
	}
	return rec
}
