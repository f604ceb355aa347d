package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const channelPrefix = "events:session:"

// RedisBroadcaster fans events out over Redis pub/sub so that subscribers on
// any API process receive them.
type RedisBroadcaster struct {
	client *redis.Client
}

// NewRedisBroadcaster creates a broadcaster backed by the given Redis client
func NewRedisBroadcaster(client *redis.Client) *RedisBroadcaster {
	return &RedisBroadcaster{client: client}
}

// Publish sends an event to the session channel. Errors are returned so the
// caller can log them, but callers treat publishing as best-effort.
func (b *RedisBroadcaster) Publish(ctx context.Context, sessionID string, event Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	event.SessionID = sessionID

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal broadcast event: %w", err)
	}

	return b.client.Publish(ctx, channelPrefix+sessionID, payload).Err()
}

// Subscribe opens a Redis subscription on the session channel
func (b *RedisBroadcaster) Subscribe(ctx context.Context, sessionID string) (<-chan Event, func(), error) {
	sub := b.client.Subscribe(ctx, channelPrefix+sessionID)

	// Wait for the subscription to be confirmed before handing it out
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, nil, err
	}

	events := make(chan Event, 16)
	done := make(chan struct{})

	go func() {
		defer close(events)
		ch := sub.Channel()
		for {
			select {
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var event Event
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					log.Printf("broadcast: dropping malformed event on %s: %v", msg.Channel, err)
					continue
				}
				select {
				case events <- event:
				default:
					// Slow subscriber: drop rather than block the pump
				}
			case <-done:
				return
			}
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(done)
			sub.Close()
		})
	}

	return events, cancel, nil
}
