package escrow

import (
	"context"
	"sync"

	"github.com/mbd888/atomicswap/internal/swap"
)

// MemoryStore is an in-memory Store for tests and single-node deployments.
type MemoryStore struct {
	mu      sync.RWMutex
	escrows map[swap.Hash]*swap.Htlc
	// byAccount indexes escrow IDs by maker and taker address, in
	// insertion order.
	byAccount map[string][]swap.Hash
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		escrows:   make(map[swap.Hash]*swap.Htlc),
		byAccount: make(map[string][]swap.Hash),
	}
}

func (s *MemoryStore) Create(_ context.Context, h *swap.Htlc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.escrows[h.ID]; ok {
		return ErrHtlcAlreadyExists
	}
	cp := *h
	s.escrows[h.ID] = &cp
	s.byAccount[h.Immutables.Maker] = append(s.byAccount[h.Immutables.Maker], h.ID)
	if h.Immutables.Taker != h.Immutables.Maker {
		s.byAccount[h.Immutables.Taker] = append(s.byAccount[h.Immutables.Taker], h.ID)
	}
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id swap.Hash) (*swap.Htlc, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.escrows[id]
	if !ok {
		return nil, ErrHtlcDoesNotExist
	}
	cp := *h
	return &cp, nil
}

func (s *MemoryStore) UpdateStatus(_ context.Context, id swap.Hash, status swap.HtlcStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.escrows[id]
	if !ok {
		return ErrHtlcDoesNotExist
	}
	h.Status = status
	return nil
}

func (s *MemoryStore) ListByAccount(_ context.Context, addr string, limit int) ([]*swap.Htlc, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.byAccount[addr]
	out := make([]*swap.Htlc, 0, min(len(ids), limit))
	// Newest first.
	for i := len(ids) - 1; i >= 0 && len(out) < limit; i-- {
		cp := *s.escrows[ids[i]]
		out = append(out, &cp)
	}
	return out, nil
}
