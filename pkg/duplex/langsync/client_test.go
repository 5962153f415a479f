package langsync

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

func TestPersist_SendsPut(t *testing.T) {
	var (
		gotMethod, gotPath, gotAuth string
		gotBody                     map[string]string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod, gotPath, gotAuth = r.Method, r.URL.Path, r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c, err := New(Config{BaseURL: srv.URL + "/", APIKey: "k1"})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := c.Persist(context.Background(), "conv 7", "es"); err != nil {
		t.Fatalf("Persist() error = %v", err)
	}
	if gotMethod != http.MethodPut || gotPath != "/v1/conversations/conv 7/language" {
		t.Fatalf("request %s %s", gotMethod, gotPath)
	}
	if gotAuth != "Bearer k1" || gotBody["language"] != "es" {
		t.Fatalf("auth=%q body=%v", gotAuth, gotBody)
	}
}

func TestPersist_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"invalid language"}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	c, _ := New(Config{BaseURL: srv.URL})
	err := c.Persist(context.Background(), "c1", "??")
	if err == nil || !strings.Contains(err.Error(), "status 400") {
		t.Fatalf("Persist() error = %v, want status 400", err)
	}
}

func TestPersistAsync_LogsFailures(t *testing.T) {
	var (
		mu    sync.Mutex
		calls int
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		mu.Unlock()
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	var logs strings.Builder
	c, _ := New(Config{BaseURL: srv.URL, Logger: slog.New(slog.NewTextHandler(&logs, nil))})
	c.PersistAsync("c1", "fr")
	c.PersistAsync("c1", "de")
	c.Wait()

	if calls != 2 {
		t.Fatalf("calls=%d, want 2", calls)
	}
	if !strings.Contains(logs.String(), "language persist failed") {
		t.Fatalf("logs=%q", logs.String())
	}
}

func TestNew_RequiresBaseURL(t *testing.T) {
	if _, err := New(Config{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}); err == nil {
		t.Fatalf("expected error for empty base url")
	}
}
