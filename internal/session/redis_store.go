package session

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisOptions configures a RedisStore.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
	TTL      time.Duration
}

// RedisStore keeps sessions as JSON strings under {prefix}session:{id}. Every
// Save resets the TTL.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedisStore dials a Redis client from opts.
func NewRedisStore(opts RedisOptions) *RedisStore {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	return NewRedisStoreWithClient(client, opts.Prefix, opts.TTL)
}

// NewRedisStoreWithClient wraps an existing client.
func NewRedisStoreWithClient(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisStore{
		client: client,
		prefix: prefix + "session:",
		ttl:    ttl,
	}
}

func (r *RedisStore) key(id string) string {
	return r.prefix + id
}

// Get loads a session by ID.
func (r *RedisStore) Get(ctx context.Context, id string) (*Session, error) {
	if id == "" {
		return nil, errNotFound()
	}
	val, err := r.client.Get(ctx, r.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, errNotFound()
	}
	if err != nil {
		return nil, errBackend("failed to load session", err)
	}

	var s Session
	if err := json.Unmarshal(val, &s); err != nil {
		return nil, errBackend("failed to decode session", err)
	}
	return &s, nil
}

// Save writes the session and refreshes its TTL.
func (r *RedisStore) Save(ctx context.Context, s *Session) error {
	data, err := json.Marshal(s)
	if err != nil {
		return errBackend("failed to encode session", err)
	}
	if err := r.client.Set(ctx, r.key(s.ID), data, r.ttl).Err(); err != nil {
		return errBackend("failed to save session", err)
	}
	return nil
}

// Delete removes a session. Deleting an unknown ID is not an error.
func (r *RedisStore) Delete(ctx context.Context, id string) error {
	if err := r.client.Del(ctx, r.key(id)).Err(); err != nil {
		return errBackend("failed to delete session", err)
	}
	return nil
}

// Ping checks connectivity for health checks.
func (r *RedisStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close releases the underlying client.
func (r *RedisStore) Close() error {
	return r.client.Close()
}
