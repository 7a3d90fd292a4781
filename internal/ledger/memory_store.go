package ledger

import (
	"context"
	"math/big"
	"sort"
	"sync"

	"github.com/mbd888/trustmesh/internal/idgen"
	"github.com/mbd888/trustmesh/internal/usdc"
)

// MemoryStore is an in-memory ledger store for development and tests.
type MemoryStore struct {
	mu        sync.RWMutex
	balances  map[string]*big.Int
	transfers map[string]*Transfer
	entries   []*Entry
	deposits  map[string]bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		balances:  make(map[string]*big.Int),
		transfers: make(map[string]*Transfer),
		deposits:  make(map[string]bool),
	}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) Balance(_ context.Context, address string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return usdc.Format(m.balances[address]), nil
}

func (m *MemoryStore) Deposit(_ context.Context, e *Entry) error {
	amt, err := usdc.Parse(e.Amount)
	if err != nil {
		return ErrInvalidAmount
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.Reference != "" {
		if m.deposits[e.Reference] {
			return ErrDuplicateDeposit
		}
		m.deposits[e.Reference] = true
	}
	m.add(e.Address, amt)
	cp := *e
	m.entries = append(m.entries, &cp)
	return nil
}

func (m *MemoryStore) Transfer(_ context.Context, t *Transfer) error {
	amt, err := usdc.Parse(t.Amount)
	if err != nil {
		return ErrInvalidAmount
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	bal := m.balances[t.From]
	if bal == nil || bal.Cmp(amt) < 0 {
		return ErrInsufficientBalance
	}
	m.add(t.From, new(big.Int).Neg(amt))
	m.add(t.To, amt)

	cp := *t
	m.transfers[t.TxID] = &cp
	m.entries = append(m.entries,
		&Entry{ID: idgen.WithPrefix(idgen.PrefixTransfer), Address: t.From, Type: EntryDebit, Amount: t.Amount, TxID: t.TxID, Memo: t.Memo, CreatedAt: t.CreatedAt},
		&Entry{ID: idgen.WithPrefix(idgen.PrefixTransfer), Address: t.To, Type: EntryCredit, Amount: t.Amount, TxID: t.TxID, Memo: t.Memo, CreatedAt: t.CreatedAt},
	)
	return nil
}

// caller holds m.mu
func (m *MemoryStore) add(address string, delta *big.Int) {
	bal, ok := m.balances[address]
	if !ok {
		bal = new(big.Int)
		m.balances[address] = bal
	}
	bal.Add(bal, delta)
}

func (m *MemoryStore) GetTransfer(_ context.Context, txID string) (*Transfer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.transfers[txID]
	if !ok {
		return nil, ErrTransferNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *MemoryStore) History(_ context.Context, address string, limit int) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Entry
	for _, e := range m.entries {
		if e.Address == address {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
