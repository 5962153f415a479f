package langstore

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/vango-go/vai-tutor/pkg/duplex/metrics"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func do(t *testing.T, h http.Handler, method, path, body string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestHandler_PutThenGet(t *testing.T) {
	metrics.Reset()
	h := NewHandler(HandlerConfig{Store: NewMemoryStore(), Logger: discardLogger()})

	rr := do(t, h, http.MethodPut, "/v1/conversations/c1/language", `{"language":"pt-BR"}`, nil)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("PUT status=%d body=%q", rr.Code, rr.Body.String())
	}
	if rr.Header().Get("X-Request-ID") == "" {
		t.Fatalf("expected X-Request-ID header")
	}

	rr = do(t, h, http.MethodGet, "/v1/conversations/c1/language", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("GET status=%d", rr.Code)
	}
	var got languageBody
	if err := json.Unmarshal(rr.Body.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.ConversationID != "c1" || got.Language != "pt-BR" {
		t.Fatalf("body=%+v", got)
	}

	if v := testutil.ToFloat64(metrics.LangstoreRequestsTotal().WithLabelValues("put", "204")); v != 1 {
		t.Fatalf("put 204 counter=%v", v)
	}
}

func TestHandler_Errors(t *testing.T) {
	h := NewHandler(HandlerConfig{Store: NewMemoryStore(), Logger: discardLogger()})
	cases := []struct {
		name, method, path, body string
		status                   int
		errType                  string
	}{
		{"missing", http.MethodGet, "/v1/conversations/nope/language", "", http.StatusNotFound, "not_found_error"},
		{"bad json", http.MethodPut, "/v1/conversations/c1/language", `{"language":`, http.StatusBadRequest, "invalid_request_error"},
		{"bad tag", http.MethodPut, "/v1/conversations/c1/language", `{"language":"English"}`, http.StatusBadRequest, "invalid_request_error"},
		{"empty body", http.MethodPut, "/v1/conversations/c1/language", "", http.StatusBadRequest, "invalid_request_error"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rr := do(t, h, tc.method, tc.path, tc.body, map[string]string{"X-Request-ID": "req_fixed"})
			if rr.Code != tc.status {
				t.Fatalf("status=%d, want %d (body %q)", rr.Code, tc.status, rr.Body.String())
			}
			var env errorEnvelope
			if err := json.Unmarshal(rr.Body.Bytes(), &env); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if env.Error.Type != tc.errType || env.Error.RequestID != "req_fixed" {
				t.Fatalf("error=%+v", env.Error)
			}
		})
	}
}

func TestHandler_MethodNotAllowed(t *testing.T) {
	h := NewHandler(HandlerConfig{Store: NewMemoryStore(), Logger: discardLogger()})
	rr := do(t, h, http.MethodDelete, "/v1/conversations/c1/language", "", nil)
	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status=%d", rr.Code)
	}
}

func TestHandler_APIKeys(t *testing.T) {
	h := NewHandler(HandlerConfig{
		Store:   NewMemoryStore(),
		APIKeys: map[string]struct{}{"k1": {}},
		Logger:  discardLogger(),
	})
	body := `{"language":"en"}`
	if rr := do(t, h, http.MethodPut, "/v1/conversations/c1/language", body, nil); rr.Code != http.StatusUnauthorized {
		t.Fatalf("no token status=%d", rr.Code)
	}
	if rr := do(t, h, http.MethodPut, "/v1/conversations/c1/language", body, map[string]string{"Authorization": "Bearer nope"}); rr.Code != http.StatusUnauthorized {
		t.Fatalf("bad token status=%d", rr.Code)
	}
	if rr := do(t, h, http.MethodPut, "/v1/conversations/c1/language", body, map[string]string{"Authorization": "Bearer k1"}); rr.Code != http.StatusNoContent {
		t.Fatalf("good token status=%d", rr.Code)
	}
	if rr := do(t, h, http.MethodGet, "/healthz", "", nil); rr.Code != http.StatusOK {
		t.Fatalf("healthz should not need a key, status=%d", rr.Code)
	}
}

type brokenStore struct{ pingErr error }

func (brokenStore) SetLanguage(context.Context, string, string) error {
	return errors.New("connection refused")
}

func (brokenStore) GetLanguage(context.Context, string) (string, error) {
	panic("boom")
}

func (b brokenStore) Ping(context.Context) error { return b.pingErr }

func TestHandler_StoreFailures(t *testing.T) {
	var logs strings.Builder
	h := NewHandler(HandlerConfig{
		Store:  brokenStore{pingErr: errors.New("down")},
		Logger: slog.New(slog.NewTextHandler(&logs, nil)),
	})

	if rr := do(t, h, http.MethodPut, "/v1/conversations/c1/language", `{"language":"en"}`, nil); rr.Code != http.StatusInternalServerError {
		t.Fatalf("put status=%d", rr.Code)
	}
	if rr := do(t, h, http.MethodGet, "/v1/conversations/c1/language", "", nil); rr.Code != http.StatusInternalServerError {
		t.Fatalf("panic status=%d", rr.Code)
	}
	if rr := do(t, h, http.MethodGet, "/healthz", "", nil); rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("healthz status=%d", rr.Code)
	}
	if !strings.Contains(logs.String(), "panic") || !strings.Contains(logs.String(), "store failure") {
		t.Fatalf("logs=%q", logs.String())
	}
}

func TestHandler_Metrics(t *testing.T) {
	reg := metrics.NewRegistry()
	h := NewHandler(HandlerConfig{Store: NewMemoryStore(), Logger: discardLogger(), Metrics: metrics.Handler(reg)})
	_ = do(t, h, http.MethodGet, "/v1/conversations/x/language", "", nil)

	rr := do(t, h, http.MethodGet, "/metrics", "", nil)
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), "langstore_requests_total") {
		t.Fatalf("metrics status=%d", rr.Code)
	}
}
