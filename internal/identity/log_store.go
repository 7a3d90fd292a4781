package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/mbd888/trustmesh/internal/topiclog"
)

type logEntryType string

const (
	entryRegistered logEntryType = "registered"
	entryUpdated    logEntryType = "updated"
)

type logEntry struct {
	Type  logEntryType `json:"type"`
	Agent *Agent       `json:"agent"`
}

// LogStore keeps the registry on an append-only topic. Reads replay any
// messages not yet applied into an in-memory projection; writes check the
// projection, append, then apply their own message.
type LogStore struct {
	log     topiclog.Log
	topicID string

	mu      sync.Mutex
	applied int64
	view    *MemoryStore
}

// NewLogStore binds to topicID, creating a new topic when it is empty.
func NewLogStore(ctx context.Context, log topiclog.Log, topicID string) (*LogStore, error) {
	if topicID == "" {
		id, err := log.CreateTopic(ctx)
		if err != nil {
			return nil, err
		}
		topicID = id
	}
	s := &LogStore{log: log, topicID: topicID, view: NewMemoryStore()}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.syncLocked(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// TopicID is the topic backing the registry.
func (s *LogStore) TopicID() string { return s.topicID }

func (s *LogStore) syncLocked(ctx context.Context) error {
	msgs, err := s.log.ListMessages(ctx, s.topicID)
	if err != nil {
		return err
	}
	for _, m := range msgs {
		if m.Sequence <= s.applied {
			continue
		}
		var e logEntry
		if err := json.Unmarshal(m.Payload, &e); err != nil || e.Agent == nil {
			// Foreign or corrupt message; replay skips it.
			s.applied = m.Sequence
			continue
		}
		s.apply(ctx, e)
		s.applied = m.Sequence
	}
	return nil
}

// apply folds one entry into the projection. Entries that conflict with
// what came earlier in the topic lose, so every replica projects the same
// state.
func (s *LogStore) apply(ctx context.Context, e logEntry) {
	switch e.Type {
	case entryRegistered:
		_ = s.view.Create(ctx, e.Agent)
	case entryUpdated:
		_ = s.view.Update(ctx, e.Agent)
	}
}

func (s *LogStore) append(ctx context.Context, e logEntry) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("identity: encode log entry: %w", err)
	}
	if _, err := s.log.SubmitMessage(ctx, s.topicID, payload); err != nil {
		return err
	}
	// Replay picks up our message along with anything another writer
	// appended first; if theirs won, ours was a no-op.
	if err := s.syncLocked(ctx); err != nil {
		return err
	}
	got, err := s.view.Get(ctx, e.Agent.ID)
	if err != nil || got.Version != e.Agent.Version || !got.UpdatedAt.Equal(e.Agent.UpdatedAt) {
		if e.Type == entryRegistered {
			return ErrOwnerTaken
		}
		return ErrStaleVersion
	}
	return nil
}

func (s *LogStore) Create(ctx context.Context, agent *Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.syncLocked(ctx); err != nil {
		return err
	}
	if _, err := s.view.GetByOwner(ctx, agent.Owner); err == nil {
		return ErrOwnerTaken
	}
	return s.append(ctx, logEntry{Type: entryRegistered, Agent: agent})
}

func (s *LogStore) Update(ctx context.Context, agent *Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.syncLocked(ctx); err != nil {
		return err
	}
	current, err := s.view.Get(ctx, agent.ID)
	if err != nil {
		return err
	}
	if current.Version+1 != agent.Version {
		return ErrStaleVersion
	}
	return s.append(ctx, logEntry{Type: entryUpdated, Agent: agent})
}

func (s *LogStore) read(ctx context.Context) (*MemoryStore, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.syncLocked(ctx); err != nil {
		return nil, err
	}
	return s.view, nil
}

func (s *LogStore) Get(ctx context.Context, id string) (*Agent, error) {
	view, err := s.read(ctx)
	if err != nil {
		return nil, err
	}
	return view.Get(ctx, id)
}

func (s *LogStore) GetByOwner(ctx context.Context, owner string) (*Agent, error) {
	view, err := s.read(ctx)
	if err != nil {
		return nil, err
	}
	return view.GetByOwner(ctx, owner)
}

func (s *LogStore) List(ctx context.Context, limit, offset int) ([]*Agent, error) {
	view, err := s.read(ctx)
	if err != nil {
		return nil, err
	}
	return view.List(ctx, limit, offset)
}

func (s *LogStore) History(ctx context.Context, id string) ([]*Agent, error) {
	view, err := s.read(ctx)
	if err != nil {
		return nil, err
	}
	return view.History(ctx, id)
}

func (s *LogStore) SearchByCapability(ctx context.Context, capability string) ([]string, error) {
	view, err := s.read(ctx)
	if err != nil {
		return nil, err
	}
	return view.SearchByCapability(ctx, capability)
}
