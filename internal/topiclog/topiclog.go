// Package topiclog is an append-only, topic-partitioned message log.
//
// The identity registry can be backed by a topic: every registration and
// metadata update is submitted as a message and state is rebuilt by
// replaying the topic in sequence order.
package topiclog

import (
	"context"
	"time"

	"github.com/mbd888/trustmesh/internal/errkind"
)

var ErrTopicNotFound = errkind.New(errkind.NotFound, "topiclog: topic not found")

// Message is one entry in a topic. Sequence numbers start at 1 and are
// dense within a topic.
type Message struct {
	TopicID   string    `json:"topicId"`
	Sequence  int64     `json:"sequence"`
	Payload   []byte    `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

// Log is the append-only log service.
type Log interface {
	CreateTopic(ctx context.Context) (string, error)
	SubmitMessage(ctx context.Context, topicID string, payload []byte) (int64, error)
	ListMessages(ctx context.Context, topicID string) ([]Message, error)
}

const topicPrefix = "tpc_"
