package hub

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/cosignr/coordinator/internal/models"
)

// fakeConn records every payload written to it and can be told to fail.
type fakeConn struct {
	mu       sync.Mutex
	messages [][]byte
	failWith error
}

func (c *fakeConn) WriteMessage(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failWith != nil {
		return c.failWith
	}
	c.messages = append(c.messages, append([]byte(nil), data...))
	return nil
}

func (c *fakeConn) received() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.messages))
	copy(out, c.messages)
	return out
}

func cancelMessage(hashes ...string) models.BroadcastMessage {
	return models.BroadcastMessage{
		Type: models.MessageTypeCancelRequestAccepted,
		Data: models.BroadcastData{OrderHashes: hashes},
	}
}

func TestHub_BroadcastIsolation(t *testing.T) {
	h := New(zap.NewNop())

	conn1 := &fakeConn{}
	conn2 := &fakeConn{}
	sub1 := NewSubscriber(conn1)
	sub2 := NewSubscriber(conn2)
	h.Subscribe(1, sub1)
	h.Subscribe(2, sub2)

	h.Broadcast(cancelMessage("0xabc"), 1)

	require.Len(t, conn1.received(), 1)
	assert.Empty(t, conn2.received())

	var msg models.BroadcastMessage
	require.NoError(t, json.Unmarshal(conn1.received()[0], &msg))
	assert.Equal(t, models.MessageTypeCancelRequestAccepted, msg.Type)
	assert.Equal(t, []string{"0xabc"}, msg.Data.OrderHashes)
}

func TestHub_BroadcastIdenticalPayload(t *testing.T) {
	h := New(zap.NewNop())

	conns := []*fakeConn{{}, {}, {}}
	for _, c := range conns {
		h.Subscribe(1, NewSubscriber(c))
	}

	h.Broadcast(cancelMessage("0xabc", "0xdef"), 1)

	first := conns[0].received()
	require.Len(t, first, 1)
	for _, c := range conns[1:] {
		got := c.received()
		require.Len(t, got, 1)
		assert.Equal(t, first[0], got[0])
	}
}

func TestHub_NoSubscriberBroadcast(t *testing.T) {
	h := New(zap.NewNop())

	// never-subscribed network id
	h.Broadcast(cancelMessage("0xabc"), 42)

	// emptied set is an equally valid target
	conn := &fakeConn{}
	sub := NewSubscriber(conn)
	h.Subscribe(1, sub)
	h.Unsubscribe(1, sub)
	h.Broadcast(cancelMessage("0xabc"), 1)
	assert.Empty(t, conn.received())
}

func TestHub_UnsubscribeIdempotent(t *testing.T) {
	h := New(zap.NewNop())

	conn1 := &fakeConn{}
	conn2 := &fakeConn{}
	sub1 := NewSubscriber(conn1)
	sub2 := NewSubscriber(conn2)
	h.Subscribe(1, sub1)
	h.Subscribe(1, sub2)

	h.Unsubscribe(1, sub1)
	h.Unsubscribe(1, sub1)
	h.Unsubscribe(1, NewSubscriber(&fakeConn{})) // never present

	assert.Equal(t, 1, h.SubscriberCount(1))

	h.Broadcast(cancelMessage("0xabc"), 1)
	assert.Empty(t, conn1.received())
	assert.Len(t, conn2.received(), 1)
}

func TestHub_SendFailureIsolated(t *testing.T) {
	h := New(zap.NewNop())

	failing := &fakeConn{failWith: errors.New("connection reset")}
	healthy := &fakeConn{}
	h.Subscribe(1, NewSubscriber(failing))
	h.Subscribe(1, NewSubscriber(healthy))

	h.Broadcast(cancelMessage("0xabc"), 1)
	assert.Len(t, healthy.received(), 1)

	// the failing subscriber is not removed: the next broadcast still
	// attempts it and still reaches the healthy one
	assert.Equal(t, 2, h.SubscriberCount(1))
	h.Broadcast(cancelMessage("0xdef"), 1)
	assert.Len(t, healthy.received(), 2)
}

func TestHub_ConcurrentAccess(t *testing.T) {
	h := New(zap.NewNop())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(networkID int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				sub := NewSubscriber(&fakeConn{})
				h.Subscribe(networkID, sub)
				h.Broadcast(cancelMessage("0xabc"), networkID)
				h.Unsubscribe(networkID, sub)
			}
		}(i % 2)
	}
	wg.Wait()

	assert.Equal(t, 0, h.SubscriberCount(0))
	assert.Equal(t, 0, h.SubscriberCount(1))
}
