package intent

import (
	"context"
	"sync"

	"github.com/mbd888/atomicswap/internal/swap"
)

// MemoryStore is an in-memory Store for tests and single-node deployments.
type MemoryStore struct {
	mu      sync.RWMutex
	intents map[swap.Hash]*swap.StoredSwapIntent
	byMaker map[string][]swap.Hash
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		intents: make(map[swap.Hash]*swap.StoredSwapIntent),
		byMaker: make(map[string][]swap.Hash),
	}
}

func (s *MemoryStore) Create(_ context.Context, si *swap.StoredSwapIntent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.intents[si.Key]; ok {
		return ErrIntentAlreadyExists
	}
	cp := *si
	s.intents[si.Key] = &cp
	s.byMaker[si.Intent.Maker] = append(s.byMaker[si.Intent.Maker], si.Key)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, key swap.Hash) (*swap.StoredSwapIntent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	si, ok := s.intents[key]
	if !ok {
		return nil, ErrIntentDoesNotExist
	}
	cp := *si
	return &cp, nil
}

func (s *MemoryStore) Transition(_ context.Context, key swap.Hash, from, to swap.IntentStatus, resolver string, htlcID swap.Hash) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	si, ok := s.intents[key]
	if !ok {
		return ErrIntentDoesNotExist
	}
	if si.Status != from {
		return ErrIntentNotActive
	}
	si.Status = to
	if resolver != "" {
		si.Resolver = resolver
	}
	if !htlcID.IsZero() {
		si.HtlcID = htlcID
	}
	return nil
}

func (s *MemoryStore) ListByMaker(_ context.Context, maker string, limit int) ([]*swap.StoredSwapIntent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := s.byMaker[maker]
	out := make([]*swap.StoredSwapIntent, 0, min(len(keys), limit))
	for i := len(keys) - 1; i >= 0 && len(out) < limit; i-- {
		cp := *s.intents[keys[i]]
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemoryStore) ListExpirable(_ context.Context, height uint64, limit int) ([]*swap.StoredSwapIntent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*swap.StoredSwapIntent
	for _, si := range s.intents {
		if si.Status == swap.IntentActive && si.Intent.TimeoutAfterBlock < height {
			cp := *si
			out = append(out, &cp)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}
