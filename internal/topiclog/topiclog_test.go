package topiclog

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/mbd888/trustmesh/internal/errkind"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func backends(t *testing.T) map[string]Log {
	t.Helper()
	lite, err := OpenSQLite(filepath.Join(t.TempDir(), "topics.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = lite.Close() })

	return map[string]Log{
		"memory": NewMemoryLog(),
		"sqlite": lite,
	}
}

func TestLog_AppendAndList(t *testing.T) {
	for name, log := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			topic, err := log.CreateTopic(ctx)
			require.NoError(t, err)

			msgs, err := log.ListMessages(ctx, topic)
			require.NoError(t, err)
			assert.Empty(t, msgs)

			for i := 1; i <= 3; i++ {
				seq, err := log.SubmitMessage(ctx, topic, []byte(fmt.Sprintf(`{"n":%d}`, i)))
				require.NoError(t, err)
				assert.Equal(t, int64(i), seq)
			}

			msgs, err = log.ListMessages(ctx, topic)
			require.NoError(t, err)
			require.Len(t, msgs, 3)
			for i, m := range msgs {
				assert.Equal(t, int64(i+1), m.Sequence)
				assert.Equal(t, topic, m.TopicID)
				assert.Equal(t, fmt.Sprintf(`{"n":%d}`, i+1), string(m.Payload))
			}
		})
	}
}

func TestLog_TopicsAreIndependent(t *testing.T) {
	for name, log := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			a, _ := log.CreateTopic(ctx)
			b, _ := log.CreateTopic(ctx)
			require.NotEqual(t, a, b)

			_, _ = log.SubmitMessage(ctx, a, []byte("x"))
			seq, err := log.SubmitMessage(ctx, b, []byte("y"))
			require.NoError(t, err)
			assert.Equal(t, int64(1), seq)
		})
	}
}

func TestLog_UnknownTopic(t *testing.T) {
	for name, log := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, err := log.SubmitMessage(ctx, "tpc_missing", []byte("x"))
			assert.ErrorIs(t, err, ErrTopicNotFound)
			assert.Equal(t, errkind.NotFound, errkind.KindOf(err))

			_, err = log.ListMessages(ctx, "tpc_missing")
			assert.ErrorIs(t, err, ErrTopicNotFound)
		})
	}
}

func TestLog_ConcurrentSubmitsGetDenseSequences(t *testing.T) {
	for name, log := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			topic, err := log.CreateTopic(ctx)
			require.NoError(t, err)

			const n = 20
			var wg sync.WaitGroup
			wg.Add(n)
			for i := 0; i < n; i++ {
				go func() {
					defer wg.Done()
					_, err := log.SubmitMessage(ctx, topic, []byte("m"))
					assert.NoError(t, err)
				}()
			}
			wg.Wait()

			msgs, err := log.ListMessages(ctx, topic)
			require.NoError(t, err)
			require.Len(t, msgs, n)
			for i, m := range msgs {
				assert.Equal(t, int64(i+1), m.Sequence)
			}
		})
	}
}

func TestMemoryLog_CopiesPayload(t *testing.T) {
	ctx := context.Background()
	log := NewMemoryLog()
	topic, _ := log.CreateTopic(ctx)

	payload := []byte("orig")
	_, _ = log.SubmitMessage(ctx, topic, payload)
	payload[0] = 'X'

	msgs, _ := log.ListMessages(ctx, topic)
	assert.Equal(t, "orig", string(msgs[0].Payload))
}

func TestOpenSQLite_RequiresPath(t *testing.T) {
	_, err := OpenSQLite(" ")
	assert.Error(t, err)
}

func TestSQLiteLog_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "topics.db")
	ctx := context.Background()

	lite, err := OpenSQLite(path)
	require.NoError(t, err)
	topic, _ := lite.CreateTopic(ctx)
	_, _ = lite.SubmitMessage(ctx, topic, []byte("persisted"))
	require.NoError(t, lite.Close())

	lite, err = OpenSQLite(path)
	require.NoError(t, err)
	defer lite.Close()
	msgs, err := lite.ListMessages(ctx, topic)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "persisted", string(msgs[0].Payload))
}
