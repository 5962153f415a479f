package langstore

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/vango-go/vai-tutor/pkg/duplex/metrics"
)

const maxBodyBytes = 4 << 10

// Pinger is implemented by stores backed by a remote server.
type Pinger interface {
	Ping(ctx context.Context) error
}

type HandlerConfig struct {
	Store   Store
	APIKeys map[string]struct{}
	Logger  *slog.Logger
	// Metrics serves /metrics when set.
	Metrics http.Handler
}

type languageBody struct {
	ConversationID string `json:"conversation_id,omitempty"`
	Language       string `json:"language"`
}

// NewHandler returns the HTTP surface of the language store.
func NewHandler(cfg HandlerConfig) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	h := &handler{store: cfg.Store, logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("PUT /v1/conversations/{id}/language", h.put)
	mux.HandleFunc("GET /v1/conversations/{id}/language", h.get)
	mux.HandleFunc("GET /healthz", h.health)
	if cfg.Metrics != nil {
		mux.Handle("GET /metrics", cfg.Metrics)
	}

	var out http.Handler = mux
	out = requireAPIKey(cfg.APIKeys, out)
	out = recoverPanics(logger, out)
	out = accessLog(logger, out)
	out = requestID(out)
	return out
}

type handler struct {
	store  Store
	logger *slog.Logger
}

func (h *handler) put(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var body languageBody
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(&body); err != nil {
		h.fail(w, r, "put", http.StatusBadRequest, "invalid_request_error", "body must be a JSON object with a language field")
		return
	}
	if err := h.store.SetLanguage(r.Context(), id, body.Language); err != nil {
		h.storeError(w, r, "put", err)
		return
	}
	metrics.RecordLangstoreRequest("put", strconv.Itoa(http.StatusNoContent))
	h.logger.Debug("language stored", "conversation_id", id, "language", body.Language)
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) get(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	lang, err := h.store.GetLanguage(r.Context(), id)
	if err != nil {
		h.storeError(w, r, "get", err)
		return
	}
	metrics.RecordLangstoreRequest("get", strconv.Itoa(http.StatusOK))
	writeJSON(w, http.StatusOK, languageBody{ConversationID: id, Language: lang})
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	if p, ok := h.store.(Pinger); ok {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := p.Ping(ctx); err != nil {
			h.logger.Warn("store ping failed", "error", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handler) storeError(w http.ResponseWriter, r *http.Request, op string, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		h.fail(w, r, op, http.StatusNotFound, "not_found_error", "no language recorded for conversation")
	case errors.Is(err, ErrInvalidID):
		h.fail(w, r, op, http.StatusBadRequest, "invalid_request_error", "invalid conversation id")
	case errors.Is(err, ErrInvalidLanguage):
		h.fail(w, r, op, http.StatusBadRequest, "invalid_request_error", "invalid language tag")
	default:
		h.logger.Error("store failure", "op", op, "conversation_id", r.PathValue("id"), "error", err)
		h.fail(w, r, op, http.StatusInternalServerError, "api_error", "store unavailable")
	}
}

func (h *handler) fail(w http.ResponseWriter, r *http.Request, op string, status int, typ, msg string) {
	metrics.RecordLangstoreRequest(op, strconv.Itoa(status))
	writeError(w, r, status, typ, msg)
}
