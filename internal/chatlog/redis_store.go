package chatlog

import (
	"context"
	"errors"
	"fmt"

	"github.com/Tyrowin/roomchat/internal/protocol"
	"github.com/redis/go-redis/v9"
)

// RedisStore keeps each room mirror as a string value under MirrorKey.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore wraps an existing client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// NewRedisStoreFromURL connects using a redis:// URL.
func NewRedisStoreFromURL(url string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return NewRedisStore(redis.NewClient(opts)), nil
}

// Load returns the stored sequence for room.
func (s *RedisStore) Load(ctx context.Context, room string) ([]protocol.Message, error) {
	payload, err := s.client.Get(ctx, MirrorKey(room)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", MirrorKey(room), err)
	}
	return decodeMessages(payload)
}

// Save overwrites the stored sequence for room.
func (s *RedisStore) Save(ctx context.Context, room string, messages []protocol.Message) error {
	payload, err := encodeMessages(messages)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, MirrorKey(room), payload, 0).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", MirrorKey(room), err)
	}
	return nil
}

// Close closes the underlying client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
