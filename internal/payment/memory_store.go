package payment

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is a process-local received set.
type MemoryStore struct {
	mu       sync.RWMutex
	payments map[string]*Received
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{payments: make(map[string]*Received)}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) Insert(_ context.Context, r *Received) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.payments[r.PaymentID]; ok {
		return false, nil
	}
	cp := *r
	m.payments[r.PaymentID] = &cp
	return true, nil
}

func (m *MemoryStore) Get(_ context.Context, paymentID string) (*Received, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.payments[paymentID]
	if !ok {
		return nil, ErrPaymentNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) Has(_ context.Context, paymentID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.payments[paymentID]
	return ok, nil
}

func (m *MemoryStore) MarkSettled(_ context.Context, paymentID, txID string, at time.Time) error {
	return m.update(paymentID, StatusSettled, func(r *Received) {
		r.TxID = txID
		r.SettledAt = &at
	})
}

func (m *MemoryStore) MarkFailed(_ context.Context, paymentID, reason string, at time.Time) error {
	return m.update(paymentID, StatusFailed, func(r *Received) {
		r.FailureReason = reason
		r.SettledAt = &at
	})
}

func (m *MemoryStore) update(paymentID string, to Status, apply func(*Received)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.payments[paymentID]
	if !ok {
		return ErrPaymentNotFound
	}
	if err := Transition(r.Status, to); err != nil {
		return err
	}
	r.Status = to
	apply(r)
	return nil
}
