package langstore

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestValidateLanguage(t *testing.T) {
	valid := []string{"en", "es", "fil", "pt-BR", "zh-Hant-TW", "sr-Latn"}
	invalid := []string{"", "E", "EN", "english", "en_US", "en-", "en-toolongsubtag", "??"}
	for _, l := range valid {
		if err := ValidateLanguage(l); err != nil {
			t.Fatalf("ValidateLanguage(%q) = %v", l, err)
		}
	}
	for _, l := range invalid {
		if err := ValidateLanguage(l); !errors.Is(err, ErrInvalidLanguage) {
			t.Fatalf("ValidateLanguage(%q) = %v, want ErrInvalidLanguage", l, err)
		}
	}
}

func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	if _, err := s.GetLanguage(ctx, "c1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetLanguage(missing) err=%v, want ErrNotFound", err)
	}
	if err := s.SetLanguage(ctx, "c1", "en"); err != nil {
		t.Fatalf("SetLanguage: %v", err)
	}
	if err := s.SetLanguage(ctx, "c1", "es"); err != nil {
		t.Fatalf("SetLanguage overwrite: %v", err)
	}
	got, err := s.GetLanguage(ctx, "c1")
	if err != nil || got != "es" {
		t.Fatalf("GetLanguage=%q,%v want es", got, err)
	}
	if err := s.SetLanguage(ctx, "", "en"); !errors.Is(err, ErrInvalidID) {
		t.Fatalf("empty id err=%v", err)
	}
	if err := s.SetLanguage(ctx, strings.Repeat("x", maxIDLength+1), "en"); !errors.Is(err, ErrInvalidID) {
		t.Fatalf("long id err=%v", err)
	}
	if err := s.SetLanguage(ctx, "c2", "Spanish"); !errors.Is(err, ErrInvalidLanguage) {
		t.Fatalf("bad language err=%v", err)
	}
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore())
}

func setupRedisStore(t *testing.T, opts ...RedisOption) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisStore(client, opts...), mr
}

func TestRedisStore(t *testing.T) {
	store, _ := setupRedisStore(t)
	exerciseStore(t, store)
}

func TestRedisStore_KeyLayoutAndTTL(t *testing.T) {
	store, mr := setupRedisStore(t, WithTTL(time.Hour))
	if err := store.SetLanguage(context.Background(), "conv-9", "fr"); err != nil {
		t.Fatalf("SetLanguage: %v", err)
	}
	const key = "tutor:conversation:conv-9:language"
	got, err := mr.Get(key)
	if err != nil || got != "fr" {
		t.Fatalf("raw key %s=%q,%v", key, got, err)
	}
	if ttl := mr.TTL(key); ttl != time.Hour {
		t.Fatalf("ttl=%v, want 1h", ttl)
	}

	mr.FastForward(2 * time.Hour)
	if _, err := store.GetLanguage(context.Background(), "conv-9"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("after expiry err=%v, want ErrNotFound", err)
	}
}

func TestRedisStore_Prefix(t *testing.T) {
	store, mr := setupRedisStore(t, WithPrefix("staging"))
	if err := store.SetLanguage(context.Background(), "c1", "de"); err != nil {
		t.Fatalf("SetLanguage: %v", err)
	}
	if !mr.Exists("staging:conversation:c1:language") {
		t.Fatalf("keys=%v", mr.Keys())
	}
}

func TestRedisStore_ServerDown(t *testing.T) {
	store, mr := setupRedisStore(t)
	mr.Close()
	_, err := store.GetLanguage(context.Background(), "c1")
	if err == nil || errors.Is(err, ErrNotFound) {
		t.Fatalf("err=%v, want connection failure", err)
	}
	if store.Ping(context.Background()) == nil {
		t.Fatalf("Ping succeeded against closed server")
	}
}

func TestOpen_MemoryAndRedis(t *testing.T) {
	s, closeFn, err := Open(context.Background(), Config{Backend: BackendMemory}, nil)
	if err != nil {
		t.Fatalf("Open memory: %v", err)
	}
	closeFn()
	if _, ok := s.(*MemoryStore); !ok {
		t.Fatalf("store=%T", s)
	}

	mr := miniredis.RunT(t)
	s, closeFn, err = Open(context.Background(), Config{Backend: BackendRedis, RedisAddr: mr.Addr(), RedisPrefix: "tutor"}, nil)
	if err != nil {
		t.Fatalf("Open redis: %v", err)
	}
	defer closeFn()
	exerciseStore(t, s)
}

func TestMigrationsEmbedded(t *testing.T) {
	data, err := migrations.ReadFile("migrations/00001_conversation_languages.sql")
	if err != nil {
		t.Fatalf("read migration: %v", err)
	}
	if !strings.Contains(string(data), "+goose Up") || !strings.Contains(string(data), "conversation_languages") {
		t.Fatalf("migration=%q", data)
	}
}
