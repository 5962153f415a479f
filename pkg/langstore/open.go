package langstore

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// Open builds the store selected by cfg.Backend. The returned close func
// releases its connections.
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (Store, func(), error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch cfg.Backend {
	case BackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		store := NewRedisStore(client, WithPrefix(cfg.RedisPrefix), WithTTL(cfg.RedisTTL))
		if err := store.Ping(ctx); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("connect redis %s: %w", cfg.RedisAddr, err)
		}
		logger.Info("language store ready", "backend", "redis", "addr", cfg.RedisAddr)
		return store, func() { _ = client.Close() }, nil
	case BackendPostgres:
		if cfg.AutoMigrate {
			if err := Migrate(ctx, cfg.PostgresDSN); err != nil {
				return nil, nil, err
			}
		}
		store, err := NewPostgresStore(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("language store ready", "backend", "postgres", "migrated", cfg.AutoMigrate)
		return store, store.Close, nil
	case BackendMemory, "":
		logger.Info("language store ready", "backend", "memory")
		return NewMemoryStore(), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
}
