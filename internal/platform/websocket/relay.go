package websocket

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
)

const DefaultRelayChannel = "careflow:realtime"

// RedisRelay fans events out to every server instance through Redis pub/sub.
// Emit publishes to Redis; Run delivers what Redis hands back to the local
// hub, including this instance's own events.
type RedisRelay struct {
	client  *redis.Client
	hub     *Hub
	channel string
	logger  zerolog.Logger
}

func NewRedisRelay(client *redis.Client, hub *Hub, channel string, logger zerolog.Logger) *RedisRelay {
	if channel == "" {
		channel = DefaultRelayChannel
	}
	return &RedisRelay{client: client, hub: hub, channel: channel, logger: logger}
}

func (r *RedisRelay) ToChannel(name string) Emitter {
	return relayEmitter{relay: r, channel: name}
}

type relayEmitter struct {
	relay   *RedisRelay
	channel string
}

func (e relayEmitter) Emit(ctx context.Context, event string, payload interface{}) error {
	ev, err := NewEvent(e.channel, event, payload)
	if err != nil {
		return err
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if err := e.relay.client.Publish(ctx, e.relay.channel, data).Err(); err != nil {
		return fmt.Errorf("publish realtime event: %w", err)
	}
	return nil
}

// Run subscribes to the relay channel. ready, if non-nil, is closed once the
// subscription is confirmed. It blocks until ctx is cancelled.
func (r *RedisRelay) Run(ctx context.Context, ready chan<- struct{}) error {
	sub := r.client.Subscribe(ctx, r.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", r.channel, err)
	}
	if ready != nil {
		close(ready)
	}
	r.logger.Info().Str("channel", r.channel).Msg("realtime relay subscribed")

	msgs := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			var ev Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				r.logger.Warn().Err(err).Msg("dropping malformed realtime event")
				continue
			}
			r.hub.Deliver(ev)
		}
	}
}
