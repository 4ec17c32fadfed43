package hub

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"qms/orchestrator/internal/events"

	"go.uber.org/zap"
)

// Subscription filters broadcasts by location. An empty location receives
// every location's events.
type Subscription struct {
	LocationID string
}

type Client struct {
	ID           string
	Send         chan []byte
	Subscription Subscription
}

type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
	logger  *zap.Logger
}

type SubscribeMessage struct {
	Action     string `json:"action"`
	LocationID string `json:"location_id"`
}

type envelope struct {
	ID         string         `json:"id"`
	Type       events.Topic   `json:"type"`
	LocationID string         `json:"location_id"`
	EntityID   string         `json:"entity_id"`
	Payload    any            `json:"payload,omitempty"`
	Diff       map[string]any `json:"diff,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}

func New(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{clients: make(map[string]*Client), logger: logger}
}

func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[client.ID] = client
}

func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client.ID]; !ok {
		return
	}
	delete(h.clients, client.ID)
	close(client.Send)
}

func (h *Hub) UpdateSubscription(client *Client, sub Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	client.Subscription = sub
}

func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) Broadcast(payload []byte, locationID string) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, client := range h.clients {
		if client.Subscription.LocationID != "" && client.Subscription.LocationID != locationID {
			continue
		}
		select {
		case client.Send <- payload:
		default:
			h.logger.Warn("drop message for client", zap.String("client_id", client.ID), zap.String("location_id", locationID))
		}
	}
}

// Run forwards every bus event to subscribed clients until ctx ends.
func (h *Hub) Run(ctx context.Context, source interface {
	Watch(locationID string, buffer int) (<-chan events.Event, func())
}) {
	ch, stop := source.Watch("", 256)
	defer stop()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			payload, err := Encode(event)
			if err != nil {
				h.logger.Warn("encode event", zap.String("topic", string(event.Topic)), zap.Error(err))
				continue
			}
			h.Broadcast(payload, event.LocationID)
		}
	}
}

func Encode(event events.Event) ([]byte, error) {
	return json.Marshal(envelope{
		ID:         event.ID,
		Type:       event.Topic,
		LocationID: event.LocationID,
		EntityID:   event.EntityID,
		Payload:    event.Payload,
		Diff:       event.Diff,
		OccurredAt: event.OccurredAt,
	})
}

func ParseSubscribe(data []byte) (SubscribeMessage, bool) {
	var msg SubscribeMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return SubscribeMessage{}, false
	}
	if msg.Action != "subscribe" && msg.Action != "unsubscribe" {
		return SubscribeMessage{}, false
	}
	return msg, true
}
