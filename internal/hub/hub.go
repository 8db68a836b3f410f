package hub

import (
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/cosignr/coordinator/internal/metrics"
	"github.com/cosignr/coordinator/internal/models"
)

// Conn is the transport side of a subscriber. *websocket.Conn satisfies it.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
}

// Subscriber is one live connection registered with the hub. Writes are
// serialized through a per-subscriber mutex because websocket connections do
// not support concurrent writers.
type Subscriber struct {
	ID   uuid.UUID
	conn Conn
	mu   sync.Mutex
}

// NewSubscriber wraps a connection for registration with the hub.
func NewSubscriber(conn Conn) *Subscriber {
	return &Subscriber{ID: uuid.New(), conn: conn}
}

func (s *Subscriber) send(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// Hub maintains live subscriber connections partitioned by network id and
// fans notification events out to the subscribers of one network. Safe for
// concurrent Subscribe/Unsubscribe/Broadcast callers.
type Hub struct {
	log *zap.Logger

	mu       sync.RWMutex
	networks map[int]map[*Subscriber]struct{}
}

// New creates an empty hub.
func New(log *zap.Logger) *Hub {
	return &Hub{
		log:      log,
		networks: make(map[int]map[*Subscriber]struct{}),
	}
}

// Subscribe registers sub under networkID. The network's set is created
// lazily on first subscription. A broadcast in flight at call time may or may
// not include sub, but never observes a partially inserted one.
func (h *Hub) Subscribe(networkID int, sub *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()

	set, ok := h.networks[networkID]
	if !ok {
		set = make(map[*Subscriber]struct{})
		h.networks[networkID] = set
	}
	set[sub] = struct{}{}
	metrics.Subscribers.Inc()
}

// Unsubscribe removes sub from networkID's set. Idempotent: removing an
// already-removed or never-present subscriber is a no-op. An emptied set
// stays in the map; emptiness is a valid permanent state.
func (h *Hub) Unsubscribe(networkID int, sub *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()

	set, ok := h.networks[networkID]
	if !ok {
		return
	}
	if _, present := set[sub]; !present {
		return
	}
	delete(set, sub)
	metrics.Subscribers.Dec()
}

// Broadcast serializes msg once and sends the identical payload to every
// subscriber currently in networkID's set. An unknown network id is a no-op.
// A failed send is logged and counted but neither aborts the remaining
// deliveries nor removes the subscriber; teardown happens only through the
// transport's close signal.
func (h *Hub) Broadcast(msg models.BroadcastMessage, networkID int) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.log.Error("failed to marshal broadcast message", zap.Error(err))
		return
	}

	h.mu.RLock()
	subscribers := make([]*Subscriber, 0, len(h.networks[networkID]))
	for sub := range h.networks[networkID] {
		subscribers = append(subscribers, sub)
	}
	h.mu.RUnlock()

	metrics.BroadcastsTotal.Inc()
	for _, sub := range subscribers {
		if err := sub.send(data); err != nil {
			metrics.BroadcastSendFailures.Inc()
			h.log.Warn("failed to deliver broadcast",
				zap.String("subscriber_id", sub.ID.String()),
				zap.Int("network_id", networkID),
				zap.Error(err))
		}
	}
}

// SubscriberCount reports the number of live subscribers for one network.
func (h *Hub) SubscriberCount(networkID int) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.networks[networkID])
}
