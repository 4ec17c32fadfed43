package events

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusHandlersRunInOrder(t *testing.T) {
	bus := NewBus("node-a", nil)
	var seen []string
	bus.Subscribe(QueueEntryAdded, func(ctx context.Context, e Event) { seen = append(seen, "first:"+e.EntityID) })
	bus.Subscribe(QueueEntryAdded, func(ctx context.Context, e Event) { seen = append(seen, "second:"+e.EntityID) })
	bus.Subscribe(QueueEntryRemoved, func(ctx context.Context, e Event) { seen = append(seen, "removed") })

	bus.Publish(context.Background(), Event{Topic: QueueEntryAdded, LocationID: "1", EntityID: "e1"})

	assert.Equal(t, []string{"first:e1", "second:e1"}, seen)
}

func TestBusPublishStampsEvent(t *testing.T) {
	bus := NewBus("node-a", nil)
	var got Event
	bus.Subscribe(SystemAlert, func(ctx context.Context, e Event) { got = e })

	bus.Publish(context.Background(), Event{Topic: SystemAlert, LocationID: "1"})

	assert.NotEmpty(t, got.ID)
	assert.False(t, got.OccurredAt.IsZero())
	assert.Equal(t, "node-a", got.Origin)
	assert.True(t, bus.Local(got))
}

func TestWatchFiltersByLocation(t *testing.T) {
	bus := NewBus("node-a", nil)
	one, stopOne := bus.Watch("1", 4)
	defer stopOne()
	all, stopAll := bus.Watch("", 4)
	defer stopAll()

	bus.Publish(context.Background(), Event{Topic: CheckinAdded, LocationID: "1", EntityID: "a"})
	bus.Publish(context.Background(), Event{Topic: CheckinAdded, LocationID: "2", EntityID: "b"})

	require.Len(t, one, 1)
	assert.Equal(t, "a", (<-one).EntityID)
	require.Len(t, all, 2)
}

func TestWatchDropsWhenFull(t *testing.T) {
	bus := NewBus("node-a", nil)
	ch, stop := bus.Watch("", 1)
	defer stop()

	bus.Publish(context.Background(), Event{Topic: CheckinAdded, LocationID: "1", EntityID: "a"})
	bus.Publish(context.Background(), Event{Topic: CheckinAdded, LocationID: "1", EntityID: "b"})

	require.Len(t, ch, 1)
	assert.Equal(t, "a", (<-ch).EntityID)
}

func TestStopClosesWatch(t *testing.T) {
	bus := NewBus("node-a", nil)
	ch, stop := bus.Watch("", 1)
	stop()
	stop()
	_, ok := <-ch
	assert.False(t, ok)
}
