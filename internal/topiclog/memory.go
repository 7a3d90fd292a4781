package topiclog

import (
	"context"
	"sync"
	"time"

	"github.com/mbd888/trustmesh/internal/idgen"
)

// MemoryLog keeps topics in process memory.
type MemoryLog struct {
	mu     sync.RWMutex
	topics map[string][]Message
}

func NewMemoryLog() *MemoryLog {
	return &MemoryLog{topics: make(map[string][]Message)}
}

func (m *MemoryLog) CreateTopic(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	id := idgen.WithPrefix(topicPrefix)
	m.mu.Lock()
	m.topics[id] = nil
	m.mu.Unlock()
	return id, nil
}

func (m *MemoryLog) SubmitMessage(ctx context.Context, topicID string, payload []byte) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	msgs, ok := m.topics[topicID]
	if !ok {
		return 0, ErrTopicNotFound
	}
	seq := int64(len(msgs)) + 1
	m.topics[topicID] = append(msgs, Message{
		TopicID:   topicID,
		Sequence:  seq,
		Payload:   append([]byte(nil), payload...),
		Timestamp: time.Now().UTC(),
	})
	return seq, nil
}

func (m *MemoryLog) ListMessages(ctx context.Context, topicID string) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	msgs, ok := m.topics[topicID]
	if !ok {
		return nil, ErrTopicNotFound
	}
	return append([]Message(nil), msgs...), nil
}
