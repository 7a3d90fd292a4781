package realtime

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/mbd888/trustmesh/internal/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runningHub(t *testing.T) *Hub {
	t.Helper()
	h := NewHub(logging.Discard())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go h.Run(ctx)
	return h
}

func connect(h *Hub, sub Subscription) *Client {
	c := &Client{hub: h, send: make(chan []byte, 16), sub: sub}
	h.register <- c
	return c
}

func receive(t *testing.T, c *Client) Event {
	t.Helper()
	select {
	case msg := <-c.send:
		var e Event
		require.NoError(t, json.Unmarshal(msg, &e))
		return e
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestSubscription_Matches(t *testing.T) {
	e := &Event{Type: EventOrderUpdated, AgentID: "agt_1", OrderID: "ord_1"}

	assert.True(t, Subscription{}.matches(e))
	assert.True(t, Subscription{EventTypes: []EventType{EventOrderUpdated}}.matches(e))
	assert.False(t, Subscription{EventTypes: []EventType{EventPaymentSettled}}.matches(e))
	assert.True(t, Subscription{AgentIDs: []string{"agt_1"}}.matches(e))
	assert.False(t, Subscription{AgentIDs: []string{"agt_2"}}.matches(e))
	assert.False(t, Subscription{OrderIDs: []string{"ord_2"}}.matches(e))
}

func TestHub_PublishToClient(t *testing.T) {
	h := runningHub(t)
	c := connect(h, Subscription{})

	h.Publish(Event{Type: EventPaymentVerified, PaymentID: "p1", Data: map[string]any{"amount": "10"}})

	e := receive(t, c)
	assert.Equal(t, EventPaymentVerified, e.Type)
	assert.Equal(t, "p1", e.PaymentID)
	assert.False(t, e.Timestamp.IsZero())
}

func TestHub_FilteredPublish(t *testing.T) {
	h := runningHub(t)
	c := connect(h, Subscription{OrderIDs: []string{"ord_mine"}})

	h.Publish(Event{Type: EventOrderUpdated, OrderID: "ord_other"})
	h.Publish(Event{Type: EventOrderUpdated, OrderID: "ord_mine"})

	e := receive(t, c)
	assert.Equal(t, "ord_mine", e.OrderID)
}

func TestHub_RegisterUnregister(t *testing.T) {
	h := runningHub(t)
	c := connect(h, Subscription{})
	h.unregister <- c

	require.Eventually(t, func() bool {
		return h.Stats()["connectedClients"].(int) == 0
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(1), h.Stats()["peakClients"].(int64))

	_, open := <-c.send
	assert.False(t, open, "send channel closed on unregister")
}

func TestHub_StopsOnCancel(t *testing.T) {
	h := NewHub(logging.Discard())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("hub did not stop")
	}
}

func TestHub_PublishDropsWhenFull(t *testing.T) {
	h := NewHub(logging.Discard()) // not running
	for i := 0; i < cap(h.broadcast)+5; i++ {
		h.Publish(Event{Type: EventAgentUpdated})
	}
	assert.Equal(t, int64(5), h.Stats()["droppedEvents"].(int64))
}

func TestRecorder(t *testing.T) {
	var r Recorder
	var p Publisher = &r
	p.Publish(Event{Type: EventAgentRegistered})
	p.Publish(Event{Type: EventFeedbackSubmitted})
	assert.Equal(t, []EventType{EventAgentRegistered, EventFeedbackSubmitted}, r.Types())
	assert.Len(t, r.Events(), 2)

	Nop{}.Publish(Event{})
}
