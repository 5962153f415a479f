// Package langsync reports the detected conversation language to the
// language store service.
package langsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

const defaultTimeout = 5 * time.Second

type Config struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
	Timeout    time.Duration
	Logger     *slog.Logger
}

type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	timeout time.Duration
	logger  *slog.Logger

	wg sync.WaitGroup
}

func New(cfg Config) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, fmt.Errorf("langsync: base url is required")
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("langsync: invalid base url: %w", err)
	}
	c := &Client{
		baseURL: base,
		apiKey:  strings.TrimSpace(cfg.APIKey),
		http:    cfg.HTTPClient,
		timeout: cfg.Timeout,
		logger:  cfg.Logger,
	}
	if c.http == nil {
		c.http = http.DefaultClient
	}
	if c.timeout <= 0 {
		c.timeout = defaultTimeout
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c, nil
}

// Persist stores language for the conversation and waits for the answer.
func (c *Client) Persist(ctx context.Context, conversationID, language string) error {
	body, err := json.Marshal(map[string]string{"language": language})
	if err != nil {
		return err
	}
	endpoint := c.baseURL + "/v1/conversations/" + url.PathEscape(conversationID) + "/language"
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("persist language: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("persist language: status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// PersistAsync is fire-and-forget: failures are logged, never returned.
func (c *Client) PersistAsync(conversationID, language string) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
		defer cancel()
		if err := c.Persist(ctx, conversationID, language); err != nil {
			c.logger.Warn("language persist failed", "conversation_id", conversationID, "language", language, "error", err)
			return
		}
		c.logger.Debug("language persisted", "conversation_id", conversationID, "language", language)
	}()
}

// Wait blocks until in-flight PersistAsync calls finish.
func (c *Client) Wait() {
	c.wg.Wait()
}
