package langstore

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/vango-go/vai-tutor/internal/env"
)

type Backend string

const (
	BackendMemory   Backend = "memory"
	BackendRedis    Backend = "redis"
	BackendPostgres Backend = "postgres"
)

type Config struct {
	Addr    string
	Backend Backend

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisPrefix   string
	RedisTTL      time.Duration

	PostgresDSN string
	AutoMigrate bool

	// APIKeys, when non-empty, requires a matching bearer token on every
	// /v1 request.
	APIKeys map[string]struct{}

	ReadHeaderTimeout   time.Duration
	ReadTimeout         time.Duration
	ShutdownGracePeriod time.Duration

	LogLevel  string
	LogFormat string
}

func LoadConfigFromEnv() (Config, error) {
	cfg := Config{
		Addr:                env.Or("TUTOR_LANGSTORE_ADDR", ":8090"),
		Backend:             Backend(strings.ToLower(env.Or("TUTOR_LANGSTORE_BACKEND", string(BackendMemory)))),
		RedisAddr:           env.Or("TUTOR_LANGSTORE_REDIS_ADDR", "localhost:6379"),
		RedisPassword:       env.Or("TUTOR_LANGSTORE_REDIS_PASSWORD", ""),
		RedisDB:             env.IntOr("TUTOR_LANGSTORE_REDIS_DB", 0),
		RedisPrefix:         env.Or("TUTOR_LANGSTORE_REDIS_PREFIX", defaultRedisPrefix),
		RedisTTL:            env.DurationOr("TUTOR_LANGSTORE_REDIS_TTL", 0),
		PostgresDSN:         env.Or("TUTOR_LANGSTORE_POSTGRES_DSN", ""),
		AutoMigrate:         env.BoolOr("TUTOR_LANGSTORE_AUTO_MIGRATE", true),
		APIKeys:             map[string]struct{}{},
		ReadHeaderTimeout:   env.DurationOr("TUTOR_LANGSTORE_READ_HEADER_TIMEOUT", 10*time.Second),
		ReadTimeout:         env.DurationOr("TUTOR_LANGSTORE_READ_TIMEOUT", 30*time.Second),
		ShutdownGracePeriod: env.DurationOr("TUTOR_LANGSTORE_SHUTDOWN_GRACE_PERIOD", 10*time.Second),
		LogLevel:            env.Or("LOG_LEVEL", "info"),
		LogFormat:           env.Or("LOG_FORMAT", "text"),
	}
	for _, k := range env.SplitCSV(env.Or("TUTOR_LANGSTORE_API_KEYS", "")) {
		cfg.APIKeys[k] = struct{}{}
	}

	switch cfg.Backend {
	case BackendMemory:
	case BackendRedis:
		if strings.TrimSpace(cfg.RedisAddr) == "" {
			return Config{}, errors.New("TUTOR_LANGSTORE_REDIS_ADDR must not be empty")
		}
		if cfg.RedisTTL < 0 {
			return Config{}, errors.New("TUTOR_LANGSTORE_REDIS_TTL must be >= 0")
		}
	case BackendPostgres:
		if strings.TrimSpace(cfg.PostgresDSN) == "" {
			return Config{}, errors.New("TUTOR_LANGSTORE_POSTGRES_DSN is required for the postgres backend")
		}
	default:
		return Config{}, fmt.Errorf("TUTOR_LANGSTORE_BACKEND must be one of memory|redis|postgres, got %q", cfg.Backend)
	}
	if cfg.ReadHeaderTimeout <= 0 {
		return Config{}, errors.New("TUTOR_LANGSTORE_READ_HEADER_TIMEOUT must be > 0")
	}
	if cfg.ReadTimeout <= 0 {
		return Config{}, errors.New("TUTOR_LANGSTORE_READ_TIMEOUT must be > 0")
	}
	if cfg.ShutdownGracePeriod <= 0 {
		return Config{}, errors.New("TUTOR_LANGSTORE_SHUTDOWN_GRACE_PERIOD must be > 0")
	}
	return cfg, nil
}
