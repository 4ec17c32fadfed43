package events

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const channelPrefix = "qms:events:"

// RedisRelay mirrors bus traffic between processes sharing a Redis server.
// Locally originated events are published to a per-location channel; events
// from other origins are injected into the local bus.
type RedisRelay struct {
	client *redis.Client
	bus    *Bus
	logger *zap.Logger
}

func NewRedisRelay(client *redis.Client, bus *Bus, logger *zap.Logger) *RedisRelay {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisRelay{client: client, bus: bus, logger: logger}
}

func ChannelFor(locationID string) string {
	return channelPrefix + locationID
}

func (r *RedisRelay) Forward(ctx context.Context, event Event) error {
	if !r.bus.Local(event) {
		return nil
	}
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return r.client.Publish(ctx, ChannelFor(event.LocationID), data).Err()
}

// decode parses a relayed message; ok is false for malformed messages and
// for messages this process published itself.
func (r *RedisRelay) decode(channel, payload string) (Event, bool) {
	if !strings.HasPrefix(channel, channelPrefix) {
		return Event{}, false
	}
	var event Event
	if err := json.Unmarshal([]byte(payload), &event); err != nil {
		r.logger.Warn("relay decode failed", zap.String("channel", channel), zap.Error(err))
		return Event{}, false
	}
	if r.bus.Local(event) {
		return Event{}, false
	}
	return event, true
}

// Run forwards local events and injects remote ones until ctx is done.
func (r *RedisRelay) Run(ctx context.Context) {
	local, stop := r.bus.Watch("", 256)
	defer stop()

	sub := r.client.PSubscribe(ctx, channelPrefix+"*")
	defer sub.Close()
	remote := sub.Channel()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-local:
			if !ok {
				return
			}
			if err := r.Forward(ctx, event); err != nil {
				r.logger.Warn("relay publish failed", zap.String("topic", string(event.Topic)), zap.Error(err))
			}
		case msg, ok := <-remote:
			if !ok {
				return
			}
			if event, ok := r.decode(msg.Channel, msg.Payload); ok {
				r.bus.Inject(ctx, event)
			}
		}
	}
}
