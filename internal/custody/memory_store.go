package custody

import (
	"context"
	"math/big"
	"sync"
	"time"
)

// MemoryStore is an in-memory custody store for demo/development mode and
// tests. All mutations happen under one mutex, so a multi-account transfer
// is atomic.
type MemoryStore struct {
	free    map[string]*big.Int
	held    map[string]map[Reason]*big.Int
	entries []*Entry
	nextID  int64
	mu      sync.RWMutex
}

// NewMemoryStore creates a new in-memory custody store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		free: make(map[string]*big.Int),
		held: make(map[string]map[Reason]*big.Int),
	}
}

func (m *MemoryStore) freeOf(addr string) *big.Int {
	if b, ok := m.free[addr]; ok {
		return b
	}
	b := new(big.Int)
	m.free[addr] = b
	return b
}

func (m *MemoryStore) heldOf(addr string, reason Reason) *big.Int {
	byReason, ok := m.held[addr]
	if !ok {
		byReason = make(map[Reason]*big.Int)
		m.held[addr] = byReason
	}
	if b, ok := byReason[reason]; ok {
		return b
	}
	b := new(big.Int)
	byReason[reason] = b
	return b
}

func (m *MemoryStore) append(addr, kind string, reason Reason, amount *big.Int, counterparty string) {
	m.nextID++
	m.entries = append(m.entries, &Entry{
		ID:           m.nextID,
		Address:      addr,
		Kind:         kind,
		Reason:       string(reason),
		Amount:       amount.String(),
		Counterparty: counterparty,
		CreatedAt:    time.Now(),
	})
}

func (m *MemoryStore) Deposit(ctx context.Context, addr string, amount *big.Int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	free := m.freeOf(addr)
	free.Add(free, amount)
	m.append(addr, "deposit", "", amount, "")
	return nil
}

func (m *MemoryStore) Withdraw(ctx context.Context, addr string, amount *big.Int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	free := m.freeOf(addr)
	if free.Cmp(amount) < 0 {
		return ErrInsufficientBalance
	}
	free.Sub(free, amount)
	m.append(addr, "withdraw", "", amount, "")
	return nil
}

func (m *MemoryStore) Hold(ctx context.Context, reason Reason, addr string, amount *big.Int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	free := m.freeOf(addr)
	if free.Cmp(amount) < 0 {
		return ErrInsufficientBalance
	}
	held := m.heldOf(addr, reason)
	free.Sub(free, amount)
	held.Add(held, amount)
	m.append(addr, "hold", reason, amount, "")
	return nil
}

func (m *MemoryStore) Release(ctx context.Context, reason Reason, addr string, amount *big.Int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	held := m.heldOf(addr, reason)
	if held.Cmp(amount) < 0 {
		return ErrInsufficientHold
	}
	free := m.freeOf(addr)
	held.Sub(held, amount)
	free.Add(free, amount)
	m.append(addr, "release", reason, amount, "")
	return nil
}

func (m *MemoryStore) Transfer(ctx context.Context, from, to string, amount *big.Int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	src := m.freeOf(from)
	if src.Cmp(amount) < 0 {
		return ErrInsufficientBalance
	}
	dst := m.freeOf(to)
	src.Sub(src, amount)
	dst.Add(dst, amount)
	m.append(from, "transfer_out", "", amount, to)
	m.append(to, "transfer_in", "", amount, from)
	return nil
}

func (m *MemoryStore) Balance(ctx context.Context, addr string) (*Balance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	free := new(big.Int)
	if b, ok := m.free[addr]; ok {
		free.Set(b)
	}
	onHold := new(big.Int)
	for _, b := range m.held[addr] {
		onHold.Add(onHold, b)
	}
	return &Balance{
		Address:   addr,
		Free:      free.String(),
		OnHold:    onHold.String(),
		UpdatedAt: time.Now(),
	}, nil
}

func (m *MemoryStore) BalanceOnHold(ctx context.Context, reason Reason, addr string) (*big.Int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := new(big.Int)
	if byReason, ok := m.held[addr]; ok {
		if b, ok := byReason[reason]; ok {
			out.Set(b)
		}
	}
	return out, nil
}

func (m *MemoryStore) History(ctx context.Context, addr string, beforeID int64, limit int) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Entry
	for i := len(m.entries) - 1; i >= 0 && len(result) < limit; i-- {
		e := m.entries[i]
		if e.Address != addr {
			continue
		}
		if beforeID > 0 && e.ID >= beforeID {
			continue
		}
		result = append(result, e)
	}
	return result, nil
}
