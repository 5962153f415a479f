// Package capture records microphone audio and forwards it to the transport
// as fixed-cadence binary chunks.
package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/vango-go/vai-tutor/pkg/duplex/metrics"
)

var (
	ErrNotConnected = errors.New("not connected to the tutoring server")
	ErrMicrophone   = errors.New("microphone unavailable")
)

// Format is the capture format requested from a Source.
type Format struct {
	SampleRate       int
	Channels         int
	EchoCancellation bool
	NoiseSuppression bool
}

func DefaultFormat() Format {
	return Format{SampleRate: 16000, Channels: 1, EchoCancellation: true, NoiseSuppression: true}
}

// Source opens a PCM16LE stream in the requested format. Closing the stream
// releases the device.
type Source interface {
	Open(ctx context.Context, f Format) (io.ReadCloser, error)
}

// Sink is where chunks go, normally the transport session.
type Sink interface {
	SendBinary(data []byte) bool
	Connected() bool
}

type State int

const (
	StateIdle State = iota
	StateRecording
	StateProcessing
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRecording:
		return "recording"
	case StateProcessing:
		return "processing"
	default:
		return "unknown"
	}
}

const DefaultChunkInterval = 250 * time.Millisecond

// silentWarnAfter is how long a stream may deliver only zero samples before
// the recorder warns about the device.
const silentWarnAfter = 3 * time.Second

type Config struct {
	Source        Source
	Sink          Sink
	Format        Format
	ChunkInterval time.Duration
	Logger        *slog.Logger
}

type Recorder struct {
	source   Source
	sink     Sink
	format   Format
	interval time.Duration
	logger   *slog.Logger

	mu       sync.Mutex
	state    State
	stream   io.ReadCloser
	cancel   context.CancelFunc
	pending  []byte
	stopTick chan struct{}
	tickDone chan struct{}
	readDone chan struct{}
}

func NewRecorder(cfg Config) *Recorder {
	r := &Recorder{
		source:   cfg.Source,
		sink:     cfg.Sink,
		format:   cfg.Format,
		interval: cfg.ChunkInterval,
		logger:   cfg.Logger,
	}
	if r.format.SampleRate <= 0 {
		r.format = DefaultFormat()
	}
	if r.format.Channels <= 0 {
		r.format.Channels = 1
	}
	if r.interval <= 0 {
		r.interval = DefaultChunkInterval
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	return r
}

func (r *Recorder) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Start acquires the microphone and begins streaming chunks. It fails with
// ErrNotConnected when the sink is not connected, and with an error wrapping
// ErrMicrophone when the device cannot be opened; state is unchanged on
// failure. Starting while already recording is a no-op.
func (r *Recorder) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.state == StateRecording {
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	if r.sink == nil || !r.sink.Connected() {
		return ErrNotConnected
	}
	if r.source == nil {
		return fmt.Errorf("%w: no capture source configured", ErrMicrophone)
	}

	rctx, cancel := context.WithCancel(ctx)
	stream, err := r.source.Open(rctx, r.format)
	if err != nil {
		cancel()
		return fmt.Errorf("%w: %w", ErrMicrophone, err)
	}

	r.mu.Lock()
	if r.state == StateRecording {
		// Lost a race with a concurrent Start.
		r.mu.Unlock()
		cancel()
		_ = stream.Close()
		return nil
	}
	r.state = StateRecording
	r.stream = stream
	r.cancel = cancel
	r.pending = nil
	r.stopTick = make(chan struct{})
	r.tickDone = make(chan struct{})
	r.readDone = make(chan struct{})
	stopTick, tickDone, readDone := r.stopTick, r.tickDone, r.readDone
	r.mu.Unlock()

	r.logger.Info("recording started", "sample_rate", r.format.SampleRate, "chunk_ms", r.interval.Milliseconds())
	go r.readLoop(stream, readDone)
	go r.tickLoop(stopTick, tickDone)
	return nil
}

// Stop ends recording: the cadence stops, the final partial chunk is sent,
// and only then is the device released. Bytes the device hands over while
// closing go out as one last chunk. State moves to Processing until
// MarkIdle.
func (r *Recorder) Stop() {
	r.mu.Lock()
	if r.state != StateRecording {
		r.mu.Unlock()
		return
	}
	r.state = StateProcessing
	stream, cancel := r.stream, r.cancel
	stopTick, tickDone, readDone := r.stopTick, r.tickDone, r.readDone
	r.stream, r.cancel = nil, nil
	r.mu.Unlock()

	close(stopTick)
	<-tickDone
	r.flush()

	_ = stream.Close()
	cancel()
	<-readDone
	r.flush()

	r.logger.Info("recording stopped")
}

// Abort stops recording without moving to Processing, e.g. when the
// transport goes away.
func (r *Recorder) Abort() {
	r.Stop()
	r.MarkIdle()
}

// MarkIdle clears Processing once the server has answered.
func (r *Recorder) MarkIdle() {
	r.mu.Lock()
	if r.state == StateProcessing {
		r.state = StateIdle
	}
	r.mu.Unlock()
}

func (r *Recorder) readLoop(stream io.Reader, done chan struct{}) {
	defer close(done)
	tmp := make([]byte, 16*1024)
	startedAt := time.Now()
	var (
		gotData      bool
		heardSignal  bool
		warnedSilent bool
	)
	for {
		n, err := stream.Read(tmp)
		if n > 0 {
			gotData = true
			if !heardSignal {
				if peak, _ := PCM16Stats(tmp[:n]); peak > 0 {
					heardSignal = true
				}
			}
			r.mu.Lock()
			r.pending = append(r.pending, tmp[:n]...)
			r.mu.Unlock()
		}
		if gotData && !heardSignal && !warnedSilent && time.Since(startedAt) > silentWarnAfter {
			warnedSilent = true
			r.logger.Warn("microphone audio is all zeros; check the input device and microphone permissions")
		}
		if err != nil {
			if r.State() == StateRecording && !errors.Is(err, io.EOF) {
				r.logger.Warn("microphone stream ended", "error", err)
			}
			return
		}
	}
}

func (r *Recorder) tickLoop(stop, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			r.flush()
		}
	}
}

func (r *Recorder) flush() {
	r.mu.Lock()
	chunk := r.pending
	r.pending = nil
	r.mu.Unlock()
	if len(chunk) == 0 {
		return
	}
	if !r.sink.SendBinary(chunk) {
		r.logger.Debug("audio chunk not sent", "bytes", len(chunk))
		return
	}
	metrics.RecordCaptureBytes(len(chunk))
}
