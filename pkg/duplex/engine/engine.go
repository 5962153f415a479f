// Package engine wires the live voice pipeline together.
//
// One goroutine (Run) owns routing, resequencing and the per-utterance flags.
// Inbound frames, transport status changes and caller commands all reach it
// over channels and are handled strictly one at a time, so none of that state
// needs its own lock. Playback, the avatar queue and the transport are safe
// for concurrent use and report back through callbacks.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vango-go/vai-tutor/pkg/duplex/avatar"
	"github.com/vango-go/vai-tutor/pkg/duplex/capture"
	"github.com/vango-go/vai-tutor/pkg/duplex/metrics"
	"github.com/vango-go/vai-tutor/pkg/duplex/playback"
	"github.com/vango-go/vai-tutor/pkg/duplex/protocol"
	"github.com/vango-go/vai-tutor/pkg/duplex/reseq"
	"github.com/vango-go/vai-tutor/pkg/duplex/router"
	"github.com/vango-go/vai-tutor/pkg/duplex/transport"
	"github.com/vango-go/vai-tutor/pkg/duplex/viseme"
)

// Transport is the duplex channel; *transport.Session implements it.
type Transport interface {
	Connect(ctx context.Context) error
	Disconnect()
	OnDisconnect(fn func())
	Send(v any) bool
	SendBinary(data []byte) bool
	Connected() bool
	Messages() <-chan transport.Message
	Statuses() <-chan transport.Status
}

// Recorder is the microphone pipeline; *capture.Recorder implements it.
type Recorder interface {
	Start(ctx context.Context) error
	Stop()
	Abort()
	MarkIdle()
	State() capture.State
}

// Player is the local playback FIFO; *playback.Scheduler implements it.
type Player interface {
	Enqueue(buf playback.Buffer)
	Interrupt()
	Active() bool
}

// AvatarQueue is the avatar-gated delivery queue; *avatar.Queue implements it.
type AvatarQueue interface {
	Enqueue(item avatar.Item) bool
	UpdateState(s avatar.State)
	Flush()
	State() avatar.State
}

// LanguageSink persists the detected conversation language.
type LanguageSink interface {
	PersistAsync(conversationID, language string)
}

type Dependencies struct {
	Transport Transport
	Recorder  Recorder
	Player    Player
	Decoder   playback.Decoder
	// Avatar and Languages are optional.
	Avatar    AvatarQueue
	Languages LanguageSink

	ConversationID string
	Logger         *slog.Logger
	Now            func() time.Time
}

type EventKind int

const (
	EventTranscript EventKind = iota
	EventSessionState
	EventPlaybackIdle
	EventConnection
	EventNotice
	EventUtteranceStart
	EventUtteranceEnd
)

func (k EventKind) String() string {
	switch k {
	case EventTranscript:
		return "transcript"
	case EventSessionState:
		return "session_state"
	case EventPlaybackIdle:
		return "playback_idle"
	case EventConnection:
		return "connection"
	case EventNotice:
		return "notice"
	case EventUtteranceStart:
		return "utterance_start"
	case EventUtteranceEnd:
		return "utterance_end"
	default:
		return "unknown"
	}
}

type NoticeKind int

const (
	NoticeNone NoticeKind = iota
	NoticeConnectionLost
	NoticeMicrophone
	NoticeServer
	NoticeNotConnected
)

func (k NoticeKind) String() string {
	switch k {
	case NoticeConnectionLost:
		return "connection_lost"
	case NoticeMicrophone:
		return "microphone"
	case NoticeServer:
		return "server"
	case NoticeNotConnected:
		return "not_connected"
	default:
		return "none"
	}
}

// Event is what the engine reports to its UI.
type Event struct {
	Kind     EventKind
	Notice   NoticeKind
	Text     string
	Language string
	// UtteranceID identifies the utterance for utterance start/end events.
	UtteranceID string
	Connection  transport.State
	Attempt     int
	Delay       time.Duration
	Raw         json.RawMessage
	Err         error
}

type Stats struct {
	ReleasedChunks int
	SkippedChunks  int
	DroppedChunks  int
	DecodeFailures int
	NextSequence   int
	// Buffered holds sequences received ahead of NextSequence.
	Buffered       []int
	// Missing holds the sequences below the highest buffered one that
	// have neither arrived nor been skipped.
	Missing        []int
	UtteranceID    string
	Language       string
	Suppressed     bool
	LastPong       time.Time
}

type Engine struct {
	deps   Dependencies
	logger *slog.Logger
	now    func() time.Time

	router *router.Router
	reseq  *reseq.Buffer[protocol.TTSChunk]

	cmds   chan func()
	events chan Event

	// Loop-owned state.
	runCtx      context.Context
	suppress    bool
	utteranceID string
	language    string

	mu    sync.Mutex
	stats Stats
}

func New(deps Dependencies) (*Engine, error) {
	if deps.Transport == nil {
		return nil, errors.New("engine: transport is required")
	}
	if deps.Recorder == nil {
		return nil, errors.New("engine: recorder is required")
	}
	if deps.Player == nil {
		return nil, errors.New("engine: player is required")
	}
	if deps.Decoder == nil {
		deps.Decoder = playback.PCMDecoder{Raw: true}
	}
	e := &Engine{
		deps:   deps,
		logger: deps.Logger,
		now:    deps.Now,
		cmds:   make(chan func(), 16),
		events: make(chan Event, 64),
		runCtx: context.Background(),
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.now == nil {
		e.now = time.Now
	}
	e.logger = e.logger.With("conversation_id", deps.ConversationID)
	e.router = router.New(handler{e}, e.logger)
	e.reseq = reseq.New(e.released, e.logger)
	deps.Transport.OnDisconnect(deps.Recorder.Abort)
	return e, nil
}

func (e *Engine) Events() <-chan Event { return e.events }

// Run processes inbound frames, transport statuses and commands until ctx is
// done.
func (e *Engine) Run(ctx context.Context) error {
	e.runCtx = ctx
	msgs := e.deps.Transport.Messages()
	statuses := e.deps.Transport.Statuses()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-msgs:
			e.handleMessage(msg)
		case st := <-statuses:
			e.handleStatus(st)
		case fn := <-e.cmds:
			fn()
		}
	}
}

// do runs fn on the loop goroutine and waits for its result.
func (e *Engine) do(ctx context.Context, fn func() error) error {
	done := make(chan error, 1)
	select {
	case e.cmds <- func() { done <- fn() }:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) Connect(ctx context.Context) error {
	return e.deps.Transport.Connect(ctx)
}

// Disconnect closes the channel on purpose; active capture stops with it.
func (e *Engine) Disconnect() {
	e.deps.Transport.Disconnect()
}

// StartRecording begins streaming the microphone. Failures are also reported
// as notices.
func (e *Engine) StartRecording(ctx context.Context) error {
	return e.do(ctx, func() error { return e.startRecording(ctx) })
}

func (e *Engine) StopRecording(ctx context.Context) error {
	return e.do(ctx, func() error {
		e.deps.Recorder.Stop()
		return nil
	})
}

// Interrupt barges in on the tutor: playback stops, queued audio is dropped,
// the server is told, and chunks of the interrupted utterance are ignored
// until the next utterance starts.
func (e *Engine) Interrupt(ctx context.Context) error {
	return e.do(ctx, func() error {
		e.interrupt()
		return nil
	})
}

// SetAvatarState forwards an avatar state change to the delivery queue.
func (e *Engine) SetAvatarState(ctx context.Context, s avatar.State) error {
	return e.do(ctx, func() error {
		e.setAvatarState(s)
		return nil
	})
}

// NotifyPlaybackIdle is the playback scheduler's idle hook.
func (e *Engine) NotifyPlaybackIdle() {
	e.emit(Event{Kind: EventPlaybackIdle})
}

func (e *Engine) Stats() Stats {
	e.mu.Lock()
	st := e.stats
	e.mu.Unlock()
	st.NextSequence = e.reseq.Next()
	st.Buffered = e.reseq.Pending()
	st.Missing = missingSequences(st.NextSequence, st.Buffered, e.reseq.Skipped())
	return st
}

func missingSequences(next int, buffered, skipped []int) []int {
	if len(buffered) == 0 {
		return nil
	}
	resolved := make(map[int]bool, len(buffered)+len(skipped))
	for _, s := range buffered {
		resolved[s] = true
	}
	for _, s := range skipped {
		resolved[s] = true
	}
	var out []int
	for s := next; s < buffered[len(buffered)-1]; s++ {
		if !resolved[s] {
			out = append(out, s)
		}
	}
	return out
}

func (e *Engine) startRecording(ctx context.Context) error {
	err := e.deps.Recorder.Start(ctx)
	if err == nil {
		return nil
	}
	notice := NoticeMicrophone
	if errors.Is(err, capture.ErrNotConnected) {
		notice = NoticeNotConnected
	}
	e.emit(Event{Kind: EventNotice, Notice: notice, Err: err})
	e.logger.Warn("start recording failed", "error", err)
	return err
}

func (e *Engine) interrupt() {
	e.deps.Player.Interrupt()
	if e.deps.Avatar != nil {
		e.deps.Avatar.Flush()
	}
	e.reseq.Reset()
	e.suppress = true
	e.updateStats(func(st *Stats) { st.Suppressed = true })
	metrics.RecordInterrupt("barge_in")
	if !e.deps.Transport.Send(protocol.Interrupt()) {
		e.logger.Warn("interrupt not delivered to server; transport not open")
	}
	e.logger.Info("playback interrupted", "utterance_id", e.utteranceID)
}

func (e *Engine) setAvatarState(s avatar.State) {
	if e.deps.Avatar == nil {
		return
	}
	e.deps.Avatar.UpdateState(s)
	if s == avatar.StateClosed || s == avatar.StateError {
		e.reseq.Reset()
	}
}

func (e *Engine) handleMessage(msg transport.Message) {
	e.router.Route(msg.Binary, msg.Data)
}

func (e *Engine) handleStatus(st transport.Status) {
	e.emit(Event{
		Kind:       EventConnection,
		Connection: st.State,
		Attempt:    st.Attempt,
		Delay:      st.Delay,
		Err:        st.Err,
	})
	if st.Lost {
		e.deps.Recorder.Abort()
		e.emit(Event{Kind: EventNotice, Notice: NoticeConnectionLost, Text: st.Reason, Err: st.Err})
	}
}

// released receives chunks from the resequencer in order.
func (e *Engine) released(seq int, chunk protocol.TTSChunk) {
	metrics.RecordReleased("sequenced")
	e.deliver(chunk, fmt.Sprintf("seq=%d", seq))
}

func (e *Engine) deliver(chunk protocol.TTSChunk, label string) {
	e.updateStats(func(st *Stats) { st.ReleasedChunks++ })
	if q := e.deps.Avatar; q != nil && avatarPresent(q.State()) {
		e.deliverToAvatar(q, chunk, label)
		return
	}

	buf, err := e.deps.Decoder.Decode(e.runCtx, chunk.Audio)
	if err != nil {
		e.decodeFailed(label, err)
		return
	}
	buf.Label = label
	e.deps.Player.Enqueue(buf)
}

func (e *Engine) deliverToAvatar(q AvatarQueue, chunk protocol.TTSChunk, label string) {
	d := time.Duration(chunk.DurationMS) * time.Millisecond
	if d <= 0 {
		buf, err := e.deps.Decoder.Decode(e.runCtx, chunk.Audio)
		if err != nil {
			e.decodeFailed(label, err)
			return
		}
		d = buf.Duration
	}
	events := make([]viseme.Event, 0, len(chunk.Visemes))
	for _, v := range chunk.Visemes {
		events = append(events, viseme.Event{TimeMS: v.TimeMS, Code: v.VisemeID})
	}
	item := avatar.Item{
		ID:       uuid.NewString(),
		Audio:    chunk.Audio,
		Timeline: viseme.Map(events),
		Duration: d,
	}
	if !q.Enqueue(item) {
		e.logger.Debug("avatar queue rejected chunk", "chunk", label)
	}
}

func (e *Engine) decodeFailed(label string, err error) {
	metrics.RecordDecodeFailure()
	e.updateStats(func(st *Stats) { st.DecodeFailures++ })
	e.logger.Warn("dropping undecodable tts chunk", "chunk", label, "error", err)
}

// avatarPresent reports whether audio should go to the avatar instead of
// the local speakers. A closed or failed avatar falls back to local playback.
func avatarPresent(s avatar.State) bool {
	return s != avatar.StateClosed && s != avatar.StateError
}

func (e *Engine) emit(ev Event) {
	select {
	case e.events <- ev:
	default:
		e.logger.Warn("dropping engine event; consumer is behind", "kind", ev.Kind.String())
	}
}

func (e *Engine) updateStats(fn func(st *Stats)) {
	e.mu.Lock()
	fn(&e.stats)
	e.mu.Unlock()
}

// handler adapts router callbacks onto the loop-owned engine state.
type handler struct{ e *Engine }

func (h handler) OnTranscription(msg protocol.Transcription) {
	e := h.e
	e.deps.Recorder.MarkIdle()
	e.emit(Event{Kind: EventTranscript, Text: msg.Text, Language: msg.Language})

	if msg.Language == "" || msg.Language == e.language {
		return
	}
	e.language = msg.Language
	e.updateStats(func(st *Stats) { st.Language = msg.Language })
	if e.deps.Languages != nil && e.deps.ConversationID != "" {
		e.deps.Languages.PersistAsync(e.deps.ConversationID, msg.Language)
	}
}

func (h handler) OnTTSStart(msg protocol.TTSStart) {
	e := h.e
	e.deps.Player.Interrupt()
	if e.deps.Avatar != nil {
		e.deps.Avatar.Flush()
	}
	e.reseq.Reset()
	e.suppress = false
	e.utteranceID = uuid.NewString()
	id := e.utteranceID
	e.updateStats(func(st *Stats) {
		st.Suppressed = false
		st.UtteranceID = id
	})
	metrics.RecordInterrupt("utterance_start")
	e.logger.Debug("utterance started", "utterance_id", id)
	e.emit(Event{Kind: EventUtteranceStart, UtteranceID: id, Text: msg.Text})
}

func (h handler) OnTTSChunk(chunk protocol.TTSChunk) {
	e := h.e
	if e.suppress {
		e.updateStats(func(st *Stats) { st.DroppedChunks++ })
		e.logger.Debug("dropping tts chunk of interrupted utterance", "sequence", chunk.Sequence)
		return
	}
	if !chunk.Sequenced {
		metrics.RecordReleased("legacy")
		e.deliver(chunk, "legacy")
		return
	}
	e.reseq.OnChunk(chunk.Sequence, chunk)
}

func (h handler) OnTTSSkip(msg protocol.TTSSkip) {
	e := h.e
	if e.suppress {
		return
	}
	metrics.RecordSkip()
	e.updateStats(func(st *Stats) { st.SkippedChunks++ })
	e.reseq.OnSkip(msg.Sequence, msg.Reason)
}

func (h handler) OnTTSEnd() {
	e := h.e
	if pending := e.reseq.Pending(); len(pending) > 0 {
		e.logger.Info("utterance ended with unresolved gaps", "next_sequence", e.reseq.Next(), "buffered", pending)
	}
	e.emit(Event{Kind: EventUtteranceEnd, UtteranceID: e.utteranceID})
}

func (h handler) OnSessionState(msg protocol.SessionState) {
	h.e.emit(Event{Kind: EventSessionState, Raw: msg.Raw})
}

func (h handler) OnServerError(msg protocol.ServerError) {
	e := h.e
	e.deps.Recorder.Abort()
	e.logger.Warn("server reported error", "message", msg.Message)
	e.emit(Event{Kind: EventNotice, Notice: NoticeServer, Text: msg.Message})
}

func (h handler) OnPong() {
	now := h.e.now()
	h.e.updateStats(func(st *Stats) { st.LastPong = now })
}
