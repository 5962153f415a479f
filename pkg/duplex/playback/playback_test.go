package playback

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"slices"
	"sync"
	"testing"
	"time"
)

type fakeOutput struct {
	mu        sync.Mutex
	started   []string
	stopped   []string
	active    int
	maxActive int
	ends      map[string]func()
	failOn    string
}

type fakeSource struct {
	out   *fakeOutput
	label string
	done  bool
}

func newFakeOutput() *fakeOutput {
	return &fakeOutput{ends: make(map[string]func())}
}

func (o *fakeOutput) Play(buf Buffer, onEnded func()) (Source, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if buf.Label == o.failOn {
		return nil, errors.New("device busy")
	}
	o.started = append(o.started, buf.Label)
	o.active++
	if o.active > o.maxActive {
		o.maxActive = o.active
	}
	src := &fakeSource{out: o, label: buf.Label}
	o.ends[buf.Label] = func() {
		o.mu.Lock()
		if !src.done {
			src.done = true
			o.active--
		}
		o.mu.Unlock()
		onEnded()
	}
	return src, nil
}

func (s *fakeSource) Stop() {
	s.out.mu.Lock()
	defer s.out.mu.Unlock()
	s.out.stopped = append(s.out.stopped, s.label)
	if !s.done {
		s.done = true
		s.out.active--
	}
}

// end simulates the output finishing label naturally.
func (o *fakeOutput) end(t *testing.T, label string) {
	t.Helper()
	o.mu.Lock()
	fn, ok := o.ends[label]
	o.mu.Unlock()
	if !ok {
		t.Fatalf("buffer %q was never started", label)
	}
	fn()
}

func (o *fakeOutput) snapshot() (started, stopped []string, maxActive int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return slices.Clone(o.started), slices.Clone(o.stopped), o.maxActive
}

func testBuffer(label string) Buffer {
	return Buffer{PCM: []byte{0, 0, 1, 1}, SampleRate: 24000, Channels: 1, Label: label}
}

func newTestScheduler(out Output) (*Scheduler, *int) {
	idle := 0
	s := NewScheduler(out, SchedulerConfig{
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		OnIdle: func() { idle++ },
	})
	return s, &idle
}

func TestScheduler_PlaysBackToBack(t *testing.T) {
	out := newFakeOutput()
	s, idle := newTestScheduler(out)

	s.Enqueue(testBuffer("a"))
	s.Enqueue(testBuffer("b"))
	s.Enqueue(testBuffer("c"))

	if started, _, _ := out.snapshot(); !slices.Equal(started, []string{"a"}) {
		t.Fatalf("started=%v, want [a]", started)
	}
	if !s.Active() || s.Len() != 2 {
		t.Fatalf("Active=%v Len=%d, want true/2", s.Active(), s.Len())
	}

	out.end(t, "a")
	out.end(t, "b")
	out.end(t, "c")

	started, _, maxActive := out.snapshot()
	if !slices.Equal(started, []string{"a", "b", "c"}) {
		t.Fatalf("started=%v", started)
	}
	if maxActive != 1 {
		t.Fatalf("maxActive=%d, want 1", maxActive)
	}
	if s.Active() {
		t.Fatalf("scheduler still active after drain")
	}
	if *idle != 1 {
		t.Fatalf("idle signalled %d times, want 1", *idle)
	}
}

func TestScheduler_InterruptStopsAndIgnoresLateCompletion(t *testing.T) {
	out := newFakeOutput()
	s, idle := newTestScheduler(out)

	s.Enqueue(testBuffer("a"))
	s.Enqueue(testBuffer("b"))
	s.Interrupt()

	if s.Active() || s.Len() != 0 {
		t.Fatalf("after Interrupt Active=%v Len=%d", s.Active(), s.Len())
	}
	if *idle != 1 {
		t.Fatalf("idle=%d, want 1", *idle)
	}

	s.Enqueue(testBuffer("c"))
	// The interrupted source reporting completion must not advance the FIFO.
	out.end(t, "a")
	if !s.Active() {
		t.Fatalf("late completion of interrupted buffer ended the new one")
	}

	started, stopped, maxActive := out.snapshot()
	if !slices.Equal(started, []string{"a", "c"}) {
		t.Fatalf("started=%v, want [a c]", started)
	}
	if !slices.Equal(stopped, []string{"a"}) {
		t.Fatalf("stopped=%v, want [a]", stopped)
	}
	if maxActive != 1 {
		t.Fatalf("maxActive=%d, want 1", maxActive)
	}
}

func TestScheduler_OutputFailureDropsOnlyThatBuffer(t *testing.T) {
	out := newFakeOutput()
	out.failOn = "bad"
	s, _ := newTestScheduler(out)

	s.Enqueue(testBuffer("a"))
	s.Enqueue(testBuffer("bad"))
	s.Enqueue(testBuffer("c"))
	out.end(t, "a")

	started, _, _ := out.snapshot()
	if !slices.Equal(started, []string{"a", "c"}) {
		t.Fatalf("started=%v, want [a c]", started)
	}
}

func TestScheduler_PlayNextIsNoopWhilePlaying(t *testing.T) {
	out := newFakeOutput()
	s, _ := newTestScheduler(out)

	s.Enqueue(testBuffer("a"))
	s.Enqueue(testBuffer("b"))
	s.PlayNext()
	s.PlayNext()

	if started, _, _ := out.snapshot(); len(started) != 1 {
		t.Fatalf("started=%v, want one buffer", started)
	}
}

func TestScheduler_NullOutputDrains(t *testing.T) {
	idle := make(chan struct{}, 1)
	s := NewScheduler(NullOutput{}, SchedulerConfig{OnIdle: func() {
		select {
		case idle <- struct{}{}:
		default:
		}
	}})
	s.Enqueue(Buffer{PCM: make([]byte, 96), SampleRate: 24000, Channels: 1, Duration: 2 * time.Millisecond})
	s.Enqueue(Buffer{PCM: make([]byte, 96), SampleRate: 24000, Channels: 1, Duration: 2 * time.Millisecond})

	select {
	case <-idle:
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for idle")
	}
	if s.Active() || s.Len() != 0 {
		t.Fatalf("Active=%v Len=%d after drain", s.Active(), s.Len())
	}
}

func wavBytes(rate, channels int, pcm []byte) []byte {
	var b bytes.Buffer
	b.WriteString("RIFF")
	_ = binary.Write(&b, binary.LittleEndian, uint32(36+len(pcm)))
	b.WriteString("WAVE")
	b.WriteString("fmt ")
	_ = binary.Write(&b, binary.LittleEndian, uint32(16))
	_ = binary.Write(&b, binary.LittleEndian, uint16(1))
	_ = binary.Write(&b, binary.LittleEndian, uint16(channels))
	_ = binary.Write(&b, binary.LittleEndian, uint32(rate))
	_ = binary.Write(&b, binary.LittleEndian, uint32(rate*channels*2))
	_ = binary.Write(&b, binary.LittleEndian, uint16(channels*2))
	_ = binary.Write(&b, binary.LittleEndian, uint16(16))
	b.WriteString("data")
	_ = binary.Write(&b, binary.LittleEndian, uint32(len(pcm)))
	b.Write(pcm)
	return b.Bytes()
}

func TestPCMDecoder_WAV(t *testing.T) {
	pcm := make([]byte, 16000*2/10) // 100ms @ 16kHz mono
	buf, err := PCMDecoder{}.Decode(context.Background(), wavBytes(16000, 1, pcm))
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if buf.SampleRate != 16000 || buf.Channels != 1 || len(buf.PCM) != len(pcm) {
		t.Fatalf("buf rate=%d ch=%d len=%d", buf.SampleRate, buf.Channels, len(buf.PCM))
	}
	if buf.Duration != 100*time.Millisecond {
		t.Fatalf("Duration=%v, want 100ms", buf.Duration)
	}
}

func TestPCMDecoder_RawAndRejections(t *testing.T) {
	raw := make([]byte, 48000) // 1s @ 24kHz mono
	buf, err := PCMDecoder{Raw: true}.Decode(context.Background(), raw)
	if err != nil {
		t.Fatalf("Decode(raw) error = %v", err)
	}
	if buf.Duration != time.Second || buf.SampleRate != DefaultSampleRate {
		t.Fatalf("raw buf=%v rate=%d", buf.Duration, buf.SampleRate)
	}

	if _, err := (PCMDecoder{}).Decode(context.Background(), raw); !errors.Is(err, ErrUnsupportedFormat) {
		t.Fatalf("Decode(raw) without Raw err=%v, want ErrUnsupportedFormat", err)
	}
	if _, err := (PCMDecoder{Raw: true}).Decode(context.Background(), []byte{1, 2, 3}); err == nil {
		t.Fatalf("expected error for misaligned pcm")
	}
	if _, err := (PCMDecoder{}).Decode(context.Background(), nil); err == nil {
		t.Fatalf("expected error for empty payload")
	}
	if _, err := (PCMDecoder{}).Decode(context.Background(), []byte("RIFF\x00\x00\x00\x00WAVEjunk")); err == nil {
		t.Fatalf("expected error for truncated wav")
	}
}

func TestSineTone(t *testing.T) {
	tone := SineTone(440, 24000, 20*time.Millisecond, 0.2)
	if len(tone.PCM) != 960 {
		t.Fatalf("len=%d, want 960", len(tone.PCM))
	}
	if tone.Duration != 20*time.Millisecond {
		t.Fatalf("Duration=%v", tone.Duration)
	}
	if got := SineTone(0, 24000, time.Second, 1); len(got.PCM) != 0 {
		t.Fatalf("expected empty tone for zero frequency")
	}
}
