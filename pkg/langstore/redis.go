package langstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultRedisPrefix = "tutor"

// RedisStore keeps one string key per conversation.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

type RedisOption func(*RedisStore)

// WithTTL expires language keys after ttl. Zero keeps them forever.
func WithTTL(ttl time.Duration) RedisOption {
	return func(s *RedisStore) {
		s.ttl = ttl
	}
}

// WithPrefix replaces the "tutor" key prefix.
func WithPrefix(prefix string) RedisOption {
	return func(s *RedisStore) {
		s.prefix = prefix
	}
}

func NewRedisStore(client *redis.Client, opts ...RedisOption) *RedisStore {
	s := &RedisStore{client: client, prefix: defaultRedisPrefix}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStore) key(conversationID string) string {
	return s.prefix + ":conversation:" + conversationID + ":language"
}

func (s *RedisStore) SetLanguage(ctx context.Context, conversationID, language string) error {
	if err := validate(conversationID, language); err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.key(conversationID), language, s.ttl).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

func (s *RedisStore) GetLanguage(ctx context.Context, conversationID string) (string, error) {
	if err := validateID(conversationID); err != nil {
		return "", err
	}
	lang, err := s.client.Get(ctx, s.key(conversationID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("redis get failed: %w", err)
	}
	return lang, nil
}

// Ping reports whether the server answers.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
