// Package events is the typed publish/subscribe channel that carries every
// mutation of the orchestration core to its observers.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type Topic string

const (
	QueueEntryAdded             Topic = "queue.entry.added"
	QueueEntryUpdated           Topic = "queue.entry.updated"
	QueueEntryRemoved           Topic = "queue.entry.removed"
	CheckinAdded                Topic = "checkin.added"
	CheckinUpdated              Topic = "checkin.updated"
	CheckinConverted            Topic = "checkin.converted"
	EmployeeAvailabilityChanged Topic = "employee.availability.changed"
	SystemAlert                 Topic = "system.alert"
	RebalanceNeeded             Topic = "queue.rebalance.needed"
)

type Event struct {
	ID         string         `json:"id"`
	Topic      Topic          `json:"topic"`
	LocationID string         `json:"location_id"`
	EntityID   string         `json:"entity_id"`
	Payload    any            `json:"payload,omitempty"`
	Diff       map[string]any `json:"diff,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
	Origin     string         `json:"origin"`
}

// Handler runs synchronously in the publishing goroutine.
type Handler func(ctx context.Context, event Event)

// Publisher is the narrow view held by components that only emit events.
type Publisher interface {
	Publish(ctx context.Context, event Event)
}

type watcher struct {
	locationID string
	ch         chan Event
}

type Bus struct {
	mu       sync.RWMutex
	handlers map[Topic][]Handler
	watchers map[string]*watcher
	origin   string
	logger   *zap.Logger
	now      func() time.Time
}

func NewBus(origin string, logger *zap.Logger) *Bus {
	if origin == "" {
		origin = uuid.NewString()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		handlers: make(map[Topic][]Handler),
		watchers: make(map[string]*watcher),
		origin:   origin,
		logger:   logger,
		now:      time.Now,
	}
}

func (b *Bus) Origin() string { return b.origin }

func (b *Bus) Subscribe(topic Topic, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[topic] = append(b.handlers[topic], handler)
}

// Watch returns a buffered channel of events for one location, or for every
// location when locationID is empty. Events are dropped for a watcher whose
// buffer is full. The returned func stops the watch and closes the channel.
func (b *Bus) Watch(locationID string, buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	id := uuid.NewString()
	w := &watcher{locationID: locationID, ch: make(chan Event, buffer)}
	b.mu.Lock()
	b.watchers[id] = w
	b.mu.Unlock()

	var once sync.Once
	return w.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.watchers, id)
			b.mu.Unlock()
			close(w.ch)
		})
	}
}

// Publish stamps and delivers a locally originated event.
func (b *Bus) Publish(ctx context.Context, event Event) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = b.now().UTC()
	}
	if event.Origin == "" {
		event.Origin = b.origin
	}
	b.deliver(ctx, event)
}

// Inject delivers an event received from another process unchanged.
func (b *Bus) Inject(ctx context.Context, event Event) {
	b.deliver(ctx, event)
}

func (b *Bus) deliver(ctx context.Context, event Event) {
	b.mu.RLock()
	handlers := append([]Handler(nil), b.handlers[event.Topic]...)
	for _, w := range b.watchers {
		if w.locationID != "" && w.locationID != event.LocationID {
			continue
		}
		select {
		case w.ch <- event:
		default:
			b.logger.Warn("drop event for slow watcher", zap.String("topic", string(event.Topic)), zap.String("location_id", event.LocationID))
		}
	}
	b.mu.RUnlock()

	for _, handler := range handlers {
		handler(ctx, event)
	}
}

// Local reports whether the event was published by this process.
func (b *Bus) Local(event Event) bool {
	return event.Origin == b.origin
}
