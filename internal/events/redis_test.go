package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRelayForwardPublishesLocalEvents(t *testing.T) {
	client, mock := redismock.NewClientMock()
	bus := NewBus("node-a", nil)
	relay := NewRedisRelay(client, bus, nil)

	event := Event{
		ID:         "evt-1",
		Topic:      QueueEntryAdded,
		LocationID: "1",
		EntityID:   "entry-1",
		OccurredAt: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
		Origin:     "node-a",
	}
	data, err := json.Marshal(event)
	require.NoError(t, err)
	mock.ExpectPublish("qms:events:1", data).SetVal(1)

	require.NoError(t, relay.Forward(context.Background(), event))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRelayForwardSkipsRemoteEvents(t *testing.T) {
	client, mock := redismock.NewClientMock()
	relay := NewRedisRelay(client, NewBus("node-a", nil), nil)

	require.NoError(t, relay.Forward(context.Background(), Event{Topic: QueueEntryAdded, LocationID: "1", Origin: "node-b"}))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRelayDecode(t *testing.T) {
	client, _ := redismock.NewClientMock()
	relay := NewRedisRelay(client, NewBus("node-a", nil), nil)

	remote, _ := json.Marshal(Event{ID: "x", Topic: QueueEntryUpdated, LocationID: "1", Origin: "node-b"})
	own, _ := json.Marshal(Event{ID: "y", Topic: QueueEntryUpdated, LocationID: "1", Origin: "node-a"})

	event, ok := relay.decode("qms:events:1", string(remote))
	require.True(t, ok)
	assert.Equal(t, "x", event.ID)

	_, ok = relay.decode("qms:events:1", string(own))
	assert.False(t, ok)
	_, ok = relay.decode("qms:events:1", "{not json")
	assert.False(t, ok)
	_, ok = relay.decode("other", string(remote))
	assert.False(t, ok)
}
