package ledger

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for tests and single-process
// deployments. All chain mutation happens under one mutex, which
// satisfies the single-writer-per-chain discipline trivially.
type MemoryStore struct {
	mu      sync.RWMutex
	byEvent map[string]Record
	byChain map[string][]Record
	heads   map[string]ChainHead
	clock   func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byEvent: make(map[string]Record),
		byChain: make(map[string][]Record),
		heads:   make(map[string]ChainHead),
		clock:   time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (s *MemoryStore) WithClock(clock func() time.Time) *MemoryStore {
	s.clock = clock
	return s
}

func (s *MemoryStore) Commit(ctx context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byEvent[rec.EventID]; ok {
		return ErrDuplicateEvent
	}

	head := s.headLocked(rec.ChainID)
	if head.LastSequence != rec.Sequence-1 || head.LastHash != rec.PrevHash {
		return ErrChainConflict
	}

	s.byEvent[rec.EventID] = rec
	s.byChain[rec.ChainID] = append(s.byChain[rec.ChainID], rec)
	s.heads[rec.ChainID] = ChainHead{
		ChainID:      rec.ChainID,
		LastSequence: rec.Sequence,
		LastHash:     rec.RecordHash,
		UpdatedAt:    s.clock(),
	}
	return nil
}

func (s *MemoryStore) Head(ctx context.Context, chainID string) (ChainHead, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.headLocked(chainID), nil
}

// headLocked returns the stored head, or the genesis head for a chain
// that has no records yet.
func (s *MemoryStore) headLocked(chainID string) ChainHead {
	if head, ok := s.heads[chainID]; ok {
		return head
	}
	return ChainHead{ChainID: chainID, LastSequence: 0, LastHash: GenesisHash}
}

func (s *MemoryStore) GetByEventID(ctx context.Context, eventID string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.byEvent[eventID]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

func (s *MemoryStore) GetRange(ctx context.Context, chainID string, from, to uint64) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	records := s.byChain[chainID]
	out := make([]Record, 0)
	for _, rec := range records {
		if rec.Sequence >= from && rec.Sequence <= to {
			out = append(out, rec)
		}
	}
	return out, nil
}

// Tamper overwrites a stored record in place. Only for integrity tests;
// a real store never mutates committed records.
func (s *MemoryStore) Tamper(eventID string, mutate func(*Record)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.byEvent[eventID]
	if !ok {
		return false
	}
	mutate(&rec)
	s.byEvent[eventID] = rec
	for i := range s.byChain[rec.ChainID] {
		if s.byChain[rec.ChainID][i].EventID == eventID {
			s.byChain[rec.ChainID][i] = rec
		}
	}
	return true
}
