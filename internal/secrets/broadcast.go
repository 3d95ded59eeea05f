package secrets

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultChannel is the named broadcast channel secret rotations travel on.
const DefaultChannel = "docufen:sus"

// Broadcaster fans secret rotations out to every open session of the same
// user over Redis pub/sub. Messages are a one-entry {userID: newSecret}
// object, matching the wire shape of the browser broadcast channel.
type Broadcaster struct {
	client  *redis.Client
	channel string
}

// NewBroadcaster connects to Redis and verifies the connection.
func NewBroadcaster(redisURL, channel string) (*Broadcaster, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	if channel == "" {
		channel = DefaultChannel
	}
	return &Broadcaster{client: client, channel: channel}, nil
}

// NewBroadcasterWithClient wraps an existing Redis client.
func NewBroadcasterWithClient(client *redis.Client, channel string) *Broadcaster {
	if channel == "" {
		channel = DefaultChannel
	}
	return &Broadcaster{client: client, channel: channel}
}

// Publish announces a rotated secret to every listener.
func (b *Broadcaster) Publish(ctx context.Context, userID, secret string) error {
	payload, err := json.Marshal(map[string]string{userID: secret})
	if err != nil {
		return fmt.Errorf("marshal secret update: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish secret update: %w", err)
	}
	return nil
}

// Listen applies incoming secret updates to the store until the context is
// cancelled. Malformed messages are logged and skipped.
func (b *Broadcaster) Listen(ctx context.Context, store *Store) error {
	sub := b.client.Subscribe(ctx, b.channel)
	defer sub.Close()

	// Force the subscription before the caller proceeds.
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", b.channel, err)
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var update map[string]string
			if err := json.Unmarshal([]byte(msg.Payload), &update); err != nil {
				log.Printf("secrets: dropping malformed broadcast: %v", err)
				continue
			}
			for userID, secret := range update {
				store.Set(userID, secret)
			}
		}
	}
}

// Close releases the Redis connection.
func (b *Broadcaster) Close() error {
	return b.client.Close()
}
