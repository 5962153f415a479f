package langstore

import (
	"strings"
	"testing"
	"time"
)

func clearLangstoreEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"TUTOR_LANGSTORE_ADDR",
		"TUTOR_LANGSTORE_BACKEND",
		"TUTOR_LANGSTORE_REDIS_ADDR",
		"TUTOR_LANGSTORE_REDIS_PASSWORD",
		"TUTOR_LANGSTORE_REDIS_DB",
		"TUTOR_LANGSTORE_REDIS_PREFIX",
		"TUTOR_LANGSTORE_REDIS_TTL",
		"TUTOR_LANGSTORE_POSTGRES_DSN",
		"TUTOR_LANGSTORE_AUTO_MIGRATE",
		"TUTOR_LANGSTORE_API_KEYS",
		"TUTOR_LANGSTORE_READ_HEADER_TIMEOUT",
		"TUTOR_LANGSTORE_READ_TIMEOUT",
		"TUTOR_LANGSTORE_SHUTDOWN_GRACE_PERIOD",
		"LOG_LEVEL",
		"LOG_FORMAT",
	} {
		t.Setenv(k, "")
	}
}

func TestLoadConfigFromEnv_Defaults(t *testing.T) {
	clearLangstoreEnv(t)
	cfg, err := LoadConfigFromEnv()
	if err != nil {
		t.Fatalf("LoadConfigFromEnv() error = %v", err)
	}
	if cfg.Addr != ":8090" || cfg.Backend != BackendMemory {
		t.Fatalf("cfg=%+v", cfg)
	}
	if cfg.ShutdownGracePeriod != 10*time.Second || !cfg.AutoMigrate {
		t.Fatalf("cfg=%+v", cfg)
	}
}

func TestLoadConfigFromEnv_Redis(t *testing.T) {
	clearLangstoreEnv(t)
	t.Setenv("TUTOR_LANGSTORE_BACKEND", "REDIS")
	t.Setenv("TUTOR_LANGSTORE_REDIS_TTL", "720h")
	t.Setenv("TUTOR_LANGSTORE_API_KEYS", "a, b ,,")

	cfg, err := LoadConfigFromEnv()
	if err != nil {
		t.Fatalf("LoadConfigFromEnv() error = %v", err)
	}
	if cfg.Backend != BackendRedis || cfg.RedisTTL != 720*time.Hour {
		t.Fatalf("cfg=%+v", cfg)
	}
	if len(cfg.APIKeys) != 2 {
		t.Fatalf("APIKeys=%v", cfg.APIKeys)
	}
}

func TestLoadConfigFromEnv_Invalid(t *testing.T) {
	cases := map[string]map[string]string{
		"TUTOR_LANGSTORE_BACKEND":      {"TUTOR_LANGSTORE_BACKEND": "sqlite"},
		"TUTOR_LANGSTORE_POSTGRES_DSN": {"TUTOR_LANGSTORE_BACKEND": "postgres"},
		"TUTOR_LANGSTORE_READ_TIMEOUT": {"TUTOR_LANGSTORE_READ_TIMEOUT": "-1s"},
	}
	for want, vars := range cases {
		t.Run(want, func(t *testing.T) {
			clearLangstoreEnv(t)
			for k, v := range vars {
				t.Setenv(k, v)
			}
			_, err := LoadConfigFromEnv()
			if err == nil || !strings.Contains(err.Error(), want) {
				t.Fatalf("err=%v, want mention of %s", err, want)
			}
		})
	}
}
