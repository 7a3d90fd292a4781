package identity

import (
	"context"
	"sync"
)

// MemoryStore keeps versions in process memory.
type MemoryStore struct {
	mu       sync.RWMutex
	versions map[string][]*Agent // id -> versions, oldest first
	byOwner  map[string]string   // owner -> id
	order    []string            // ids in registration order
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		versions: make(map[string][]*Agent),
		byOwner:  make(map[string]string),
	}
}

func (m *MemoryStore) Create(ctx context.Context, agent *Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.byOwner[agent.Owner]; ok {
		return ErrOwnerTaken
	}
	m.versions[agent.ID] = []*Agent{agent.Clone()}
	m.byOwner[agent.Owner] = agent.ID
	m.order = append(m.order, agent.ID)
	return nil
}

func (m *MemoryStore) Update(ctx context.Context, agent *Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	versions, ok := m.versions[agent.ID]
	if !ok {
		return ErrAgentNotFound
	}
	if versions[len(versions)-1].Version+1 != agent.Version {
		return ErrStaleVersion
	}
	m.versions[agent.ID] = append(versions, agent.Clone())
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	versions, ok := m.versions[id]
	if !ok {
		return nil, ErrAgentNotFound
	}
	return versions[len(versions)-1].Clone(), nil
}

func (m *MemoryStore) GetByOwner(ctx context.Context, owner string) (*Agent, error) {
	m.mu.RLock()
	id, ok := m.byOwner[owner]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrAgentNotFound
	}
	return m.Get(ctx, id)
}

func (m *MemoryStore) List(ctx context.Context, limit, offset int) ([]*Agent, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Agent
	for i := offset; i < len(m.order) && len(out) < limit; i++ {
		versions := m.versions[m.order[i]]
		out = append(out, versions[len(versions)-1].Clone())
	}
	return out, nil
}

func (m *MemoryStore) History(ctx context.Context, id string) ([]*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	versions, ok := m.versions[id]
	if !ok {
		return nil, ErrAgentNotFound
	}
	out := make([]*Agent, len(versions))
	for i, v := range versions {
		out[i] = v.Clone()
	}
	return out, nil
}

func (m *MemoryStore) SearchByCapability(ctx context.Context, capability string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var ids []string
	for _, id := range m.order {
		versions := m.versions[id]
		if versions[len(versions)-1].HasCapability(capability) {
			ids = append(ids, id)
		}
	}
	return ids, nil
}
