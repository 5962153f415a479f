// Package transport owns the persistent duplex channel to the tutoring server.
//
// A Session dials a websocket, pumps inbound frames onto Messages, keeps the
// channel alive with a PING probe and reconnects with capped exponential
// backoff after unexpected closures. Status changes are published on
// Statuses; the terminal "connection lost" notice is a Status with Lost set.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vango-go/vai-tutor/pkg/duplex/metrics"
	"github.com/vango-go/vai-tutor/pkg/duplex/protocol"
)

type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

const (
	DefaultPingInterval  = 30 * time.Second
	DefaultMaxReconnects = 5
	DefaultBaseDelay     = time.Second
	DefaultMaxDelay      = 10 * time.Second
	defaultWriteTimeout  = 5 * time.Second
	defaultDialTimeout   = 10 * time.Second
)

// ReasonServerClosed is reported when the server ends the session with a
// normal or policy-violation close frame.
const ReasonServerClosed = "server closed session"

// ReasonExhausted is reported once the reconnect ceiling is reached.
const ReasonExhausted = "reconnect attempts exhausted"

var ErrClosed = errors.New("transport closed")

// Conn is the subset of *websocket.Conn the session uses.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// WebsocketDialer dials with gorilla/websocket.
type WebsocketDialer struct {
	Dialer *websocket.Dialer
	Header http.Header
}

func (d WebsocketDialer) Dial(ctx context.Context, rawURL string) (Conn, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, resp, err := dialer.DialContext(ctx, rawURL, d.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket dial failed (status %d): %w", resp.StatusCode, err)
		}
		return nil, err
	}
	return conn, nil
}

// Timer is a pending reconnect.
type Timer interface {
	Stop() bool
}

type Message struct {
	Binary bool
	Data   []byte
}

type Status struct {
	State State
	// Attempt and Delay describe a scheduled reconnect.
	Attempt int
	Delay   time.Duration
	// Lost marks the terminal notice; no further reconnects follow.
	Lost   bool
	Reason string
	Err    error
}

type Config struct {
	URL           string
	PingInterval  time.Duration
	MaxReconnects int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	WriteTimeout  time.Duration
	DialTimeout   time.Duration

	Dialer Dialer
	Logger *slog.Logger
	// AfterFunc schedules reconnects; tests replace it to observe delays.
	AfterFunc func(d time.Duration, f func()) Timer
}

type Session struct {
	cfg       Config
	dialer    Dialer
	logger    *slog.Logger
	afterFunc func(d time.Duration, f func()) Timer

	msgs     chan Message
	statuses chan Status

	mu          sync.Mutex
	ctx         context.Context
	state       State
	conn        Conn
	stop        chan struct{}
	attempts    int
	intentional bool
	lost        bool
	timer       Timer
	// gen changes whenever the current connection is abandoned, so stale
	// readers, dials and timers can tell they no longer own the session.
	gen   uint64
	hooks []func()

	writeMu sync.Mutex
}

func New(cfg Config) *Session {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = DefaultPingInterval
	}
	if cfg.MaxReconnects <= 0 {
		cfg.MaxReconnects = DefaultMaxReconnects
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultBaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = DefaultMaxDelay
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	s := &Session{
		cfg:       cfg,
		dialer:    cfg.Dialer,
		logger:    cfg.Logger,
		afterFunc: cfg.AfterFunc,
		msgs:      make(chan Message, 256),
		statuses:  make(chan Status, 32),
		ctx:       context.Background(),
	}
	if s.dialer == nil {
		s.dialer = WebsocketDialer{}
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.afterFunc == nil {
		s.afterFunc = func(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }
	}
	return s
}

// Backoff returns the delay before reconnect attempt n (0-based).
func Backoff(attempt int, base, limit time.Duration) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= limit {
			return limit
		}
	}
	return min(d, limit)
}

func (s *Session) Messages() <-chan Message { return s.msgs }

func (s *Session) Statuses() <-chan Status { return s.statuses }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Connected() bool {
	return s.State() == StateConnected
}

// Attempts is the number of reconnects scheduled since the last successful
// connect.
func (s *Session) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

// OnDisconnect registers fn to run after every intentional Disconnect.
func (s *Session) OnDisconnect(fn func()) {
	if fn == nil {
		return
	}
	s.mu.Lock()
	s.hooks = append(s.hooks, fn)
	s.mu.Unlock()
}

// Connect opens the channel. It is a no-op while connected or connecting.
// A dial failure schedules a reconnect and is also returned. ctx bounds the
// dial and every later reconnect.
func (s *Session) Connect(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.state != StateDisconnected {
		s.mu.Unlock()
		return nil
	}
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if s.lost {
		s.attempts = 0
		s.lost = false
	}
	s.intentional = false
	s.ctx = ctx
	s.state = StateConnecting
	gen := s.gen
	s.mu.Unlock()

	s.publish(Status{State: StateConnecting})
	return s.dial(gen)
}

// Disconnect closes the channel on purpose: no reconnect follows.
func (s *Session) Disconnect() {
	s.mu.Lock()
	s.intentional = true
	s.gen++
	timer := s.timer
	s.timer = nil
	conn := s.conn
	s.conn = nil
	stop := s.stop
	s.stop = nil
	prev := s.state
	s.state = StateDisconnected
	hooks := append([]func(){}, s.hooks...)
	s.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}
	if stop != nil {
		close(stop)
	}
	if conn != nil {
		s.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(s.cfg.WriteTimeout))
		s.writeMu.Unlock()
		_ = conn.Close()
	}
	for _, h := range hooks {
		h()
	}
	if prev != StateDisconnected {
		s.logger.Info("transport disconnected")
		s.publish(Status{State: StateDisconnected})
	}
}

// Send writes v as a JSON text frame. It reports false, after logging, when
// the channel is not open or the write fails.
func (s *Session) Send(v any) bool {
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Warn("encode outbound frame", "error", err)
		return false
	}
	return s.write(websocket.TextMessage, data)
}

// SendBinary writes data verbatim as a binary frame.
func (s *Session) SendBinary(data []byte) bool {
	return s.write(websocket.BinaryMessage, data)
}

func (s *Session) write(messageType int, data []byte) bool {
	s.mu.Lock()
	conn := s.conn
	open := s.state == StateConnected && conn != nil
	s.mu.Unlock()
	if !open {
		s.logger.Debug("dropping outbound frame; transport not open", "bytes", len(data))
		return false
	}

	s.writeMu.Lock()
	_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	err := conn.WriteMessage(messageType, data)
	s.writeMu.Unlock()
	if err != nil {
		// The reader sees the same failure and drives the reconnect.
		s.logger.Warn("transport write failed", "error", err)
		return false
	}
	return true
}

func (s *Session) dial(gen uint64) error {
	s.mu.Lock()
	parent := s.ctx
	s.mu.Unlock()

	dctx, cancel := context.WithTimeout(parent, s.cfg.DialTimeout)
	conn, err := s.dialer.Dial(dctx, s.cfg.URL)
	cancel()

	if err != nil {
		s.mu.Lock()
		if s.gen != gen {
			s.mu.Unlock()
			return err
		}
		s.state = StateDisconnected
		s.mu.Unlock()
		s.logger.Warn("transport dial failed", "error", err)
		s.scheduleReconnect(err)
		return err
	}

	s.mu.Lock()
	if s.gen != gen || s.intentional {
		s.mu.Unlock()
		_ = conn.Close()
		return ErrClosed
	}
	stop := make(chan struct{})
	s.conn = conn
	s.stop = stop
	s.state = StateConnected
	s.attempts = 0
	s.intentional = false
	s.mu.Unlock()

	s.logger.Info("transport connected", "url", s.cfg.URL)
	s.publish(Status{State: StateConnected})
	go s.readLoop(gen, conn, stop)
	go s.pingLoop(stop)
	return nil
}

func (s *Session) readLoop(gen uint64, conn Conn, stop chan struct{}) {
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			s.closed(gen, conn, err)
			return
		}
		msg := Message{Binary: messageType == websocket.BinaryMessage, Data: data}
		select {
		case s.msgs <- msg:
		case <-stop:
			return
		}
	}
}

func (s *Session) closed(gen uint64, conn Conn, err error) {
	s.mu.Lock()
	if s.gen != gen {
		// Disconnect already tore this connection down.
		s.mu.Unlock()
		return
	}
	s.gen++
	s.conn = nil
	if s.stop != nil {
		close(s.stop)
		s.stop = nil
	}
	s.state = StateDisconnected
	s.mu.Unlock()
	_ = conn.Close()

	if code, ok := closeCode(err); ok && (code == websocket.CloseNormalClosure || code == websocket.ClosePolicyViolation) {
		s.mu.Lock()
		s.lost = true
		s.mu.Unlock()
		s.logger.Warn("server closed session", "code", code, "error", err)
		metrics.RecordConnectionLost("server_closed")
		s.publish(Status{State: StateDisconnected, Lost: true, Reason: ReasonServerClosed, Err: err})
		return
	}
	s.logger.Warn("transport closed unexpectedly", "error", err)
	s.scheduleReconnect(err)
}

func (s *Session) scheduleReconnect(cause error) {
	s.mu.Lock()
	if s.intentional || s.ctx.Err() != nil {
		s.mu.Unlock()
		s.publish(Status{State: StateDisconnected, Err: cause})
		return
	}
	if s.attempts >= s.cfg.MaxReconnects {
		s.lost = true
		attempts := s.attempts
		s.mu.Unlock()
		s.logger.Error("transport reconnect attempts exhausted", "attempts", attempts, "error", cause)
		metrics.RecordConnectionLost("exhausted")
		s.publish(Status{State: StateDisconnected, Lost: true, Reason: ReasonExhausted, Attempt: attempts, Err: cause})
		return
	}
	delay := Backoff(s.attempts, s.cfg.BaseDelay, s.cfg.MaxDelay)
	s.attempts++
	attempt := s.attempts
	gen := s.gen
	s.timer = s.afterFunc(delay, func() { s.reconnect(gen) })
	s.mu.Unlock()

	metrics.RecordReconnectAttempt()
	s.logger.Info("transport reconnect scheduled", "attempt", attempt, "delay_ms", delay.Milliseconds())
	s.publish(Status{State: StateDisconnected, Attempt: attempt, Delay: delay, Err: cause})
}

func (s *Session) reconnect(gen uint64) {
	s.mu.Lock()
	if s.gen != gen || s.intentional || s.state != StateDisconnected {
		s.mu.Unlock()
		return
	}
	s.timer = nil
	s.state = StateConnecting
	s.mu.Unlock()

	s.publish(Status{State: StateConnecting})
	_ = s.dial(gen)
}

func (s *Session) pingLoop(stop chan struct{}) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if !s.Send(protocol.Ping()) {
				return
			}
		}
	}
}

func (s *Session) publish(st Status) {
	select {
	case s.statuses <- st:
	default:
		s.logger.Debug("dropping transport status; consumer is behind", "state", st.State.String())
	}
}

func closeCode(err error) (int, bool) {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code, true
	}
	return 0, false
}

// SessionURL derives the live websocket URL for a conversation from an HTTP
// or websocket base URL. Any base path is kept.
func SessionURL(base, conversationID string) (string, error) {
	raw := strings.TrimSpace(base)
	if raw == "" {
		return "", fmt.Errorf("empty server url")
	}
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	id := strings.TrimSpace(conversationID)
	if id == "" {
		return "", fmt.Errorf("empty conversation id")
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/v1/live/" + url.PathEscape(id)
	u.RawQuery = ""
	u.Fragment = ""
	return u.String(), nil
}
