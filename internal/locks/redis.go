// Package locks provides a Redis-backed document lock store. The key TTL is
// the lock lease, so abandoned locks expire server-side without a sweeper.
package locks

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vincentgggg12/docufen-admin-sub002/internal/store"
)

// lockData is the JSON payload stored per held lock
type lockData struct {
	SessionID  string    `json:"session_id"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// RedisStore implements document lock storage using Redis
type RedisStore struct {
	client *redis.Client
	prefix string
	lease  time.Duration
}

// NewRedisStore creates a new Redis-backed lock store
func NewRedisStore(redisURL string, lease time.Duration) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &RedisStore{
		client: client,
		prefix: "lock:",
		lease:  lease,
	}, nil
}

// NewRedisStoreWithClient creates a store from an existing Redis client
func NewRedisStoreWithClient(client *redis.Client, lease time.Duration) *RedisStore {
	return &RedisStore{
		client: client,
		prefix: "lock:",
		lease:  lease,
	}
}

func (s *RedisStore) key(documentKey string) string {
	return s.prefix + documentKey
}

// GetLock returns the current holder, or store.ErrNotFound once the lease
// has run out and Redis has dropped the key.
func (s *RedisStore) GetLock(ctx context.Context, documentKey string) (store.Lock, error) {
	jsonData, err := s.client.Get(ctx, s.key(documentKey)).Result()
	if err == redis.Nil {
		return store.Lock{}, store.ErrNotFound
	}
	if err != nil {
		return store.Lock{}, fmt.Errorf("lookup lock: %w", err)
	}

	var data lockData
	if err := json.Unmarshal([]byte(jsonData), &data); err != nil {
		return store.Lock{}, fmt.Errorf("unmarshal lock data: %w", err)
	}

	return store.Lock{
		DocumentKey: documentKey,
		SessionID:   data.SessionID,
		AcquiredAt:  data.AcquiredAt,
	}, nil
}

// AcquireLock grants or refreshes the lock for a session
func (s *RedisStore) AcquireLock(ctx context.Context, documentKey, sessionID string, at time.Time) error {
	jsonData, err := json.Marshal(lockData{SessionID: sessionID, AcquiredAt: at})
	if err != nil {
		return fmt.Errorf("marshal lock data: %w", err)
	}
	if err := s.client.Set(ctx, s.key(documentKey), jsonData, s.lease).Err(); err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	return nil
}

// ReleaseLock drops the lock if this session still holds it
func (s *RedisStore) ReleaseLock(ctx context.Context, documentKey, sessionID string) error {
	current, err := s.GetLock(ctx, documentKey)
	if err == store.ErrNotFound {
		return nil
	}
	if err != nil {
		return err
	}
	if current.SessionID != sessionID {
		return nil
	}
	if err := s.client.Del(ctx, s.key(documentKey)).Err(); err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	return nil
}

// Close closes the Redis connection
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks if Redis is reachable
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
