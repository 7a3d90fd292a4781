package reputation

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/trustmesh/internal/errkind"
)

// ErrDuplicatePayment is returned by stores when a payment id already has
// feedback.
var ErrDuplicatePayment = errkind.New(errkind.Validation, "reputation: feedback already references this payment")

// MemoryStore keeps feedback in process memory.
type MemoryStore struct {
	mu        sync.RWMutex
	feedback  map[string]*Feedback
	byAgent   map[string][]string
	byPayment map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		feedback:  make(map[string]*Feedback),
		byAgent:   make(map[string][]string),
		byPayment: make(map[string]string),
	}
}

func (m *MemoryStore) Create(_ context.Context, f *Feedback) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if f.PaymentID != "" {
		if _, ok := m.byPayment[f.PaymentID]; ok {
			return ErrDuplicatePayment
		}
		m.byPayment[f.PaymentID] = f.ID
	}
	c := *f
	m.feedback[f.ID] = &c
	m.byAgent[f.AgentID] = append(m.byAgent[f.AgentID], f.ID)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Feedback, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	f, ok := m.feedback[id]
	if !ok {
		return nil, ErrFeedbackNotFound
	}
	c := *f
	return &c, nil
}

func (m *MemoryStore) GetByPayment(ctx context.Context, paymentID string) (*Feedback, error) {
	m.mu.RLock()
	id, ok := m.byPayment[paymentID]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrFeedbackNotFound
	}
	return m.Get(ctx, id)
}

func (m *MemoryStore) ListByAgent(_ context.Context, agentID string) ([]*Feedback, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := m.byAgent[agentID]
	out := make([]*Feedback, 0, len(ids))
	for _, id := range ids {
		c := *m.feedback[id]
		out = append(out, &c)
	}
	return out, nil
}

func (m *MemoryStore) Revoke(_ context.Context, id string, at time.Time) (*Feedback, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.feedback[id]
	if !ok {
		return nil, ErrFeedbackNotFound
	}
	if !f.Revoked {
		f.Revoked = true
		f.RevokedAt = &at
	}
	c := *f
	return &c, nil
}

func (m *MemoryStore) AgentIDs(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.byAgent))
	for id := range m.byAgent {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// isDuplicate reports a duplicate-payment failure from any backend.
func isDuplicate(err error) bool {
	return errors.Is(err, ErrDuplicatePayment)
}
