// Package playback plays decoded TTS audio back-to-back through an Output,
// with at most one buffer sounding at a time.
package playback

import (
	"log/slog"
	"sync"
	"time"
)

// Buffer is decoded PCM16LE audio ready for an Output.
type Buffer struct {
	PCM        []byte
	SampleRate int
	Channels   int
	Duration   time.Duration

	// Label identifies the buffer in logs, e.g. "seq=3".
	Label string
}

// Source is one playing buffer.
type Source interface {
	Stop()
}

// Output starts playback of buf and calls onEnded once it finishes on its
// own. onEnded may also fire after Stop; the Scheduler ignores completions of
// sources it no longer considers active.
type Output interface {
	Play(buf Buffer, onEnded func()) (Source, error)
}

type SchedulerConfig struct {
	Logger *slog.Logger
	// OnIdle runs after the FIFO drains or after Interrupt. It must not block.
	OnIdle func()
}

type Scheduler struct {
	out    Output
	logger *slog.Logger
	onIdle func()

	mu      sync.Mutex
	queue   []Buffer
	playing bool
	source  Source
	// gen identifies the active playback. Completions carrying an older gen
	// belong to interrupted sources and must not advance the FIFO.
	gen uint64
}

func NewScheduler(out Output, cfg SchedulerConfig) *Scheduler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{out: out, logger: logger, onIdle: cfg.OnIdle}
}

// Enqueue appends buf to the FIFO and starts it if nothing is playing.
func (s *Scheduler) Enqueue(buf Buffer) {
	if len(buf.PCM) == 0 {
		return
	}
	s.mu.Lock()
	s.queue = append(s.queue, buf)
	s.mu.Unlock()
	s.PlayNext()
}

// PlayNext starts the FIFO head unless something is already playing or the
// FIFO is empty.
func (s *Scheduler) PlayNext() {
	for {
		s.mu.Lock()
		if s.playing || len(s.queue) == 0 {
			s.mu.Unlock()
			return
		}
		buf := s.queue[0]
		s.queue[0] = Buffer{}
		s.queue = s.queue[1:]
		s.playing = true
		s.gen++
		gen := s.gen
		s.mu.Unlock()

		src, err := s.out.Play(buf, func() { s.finished(gen) })

		s.mu.Lock()
		if err != nil {
			if s.gen == gen {
				s.playing = false
			}
			empty := len(s.queue) == 0 && !s.playing
			s.mu.Unlock()
			s.logger.Warn("audio output failed; dropping buffer", "buffer", buf.Label, "error", err)
			if empty {
				s.signalIdle()
				return
			}
			continue
		}
		if s.gen != gen || !s.playing {
			// Interrupted or already finished while Play was starting.
			stale := s.gen != gen
			s.mu.Unlock()
			if stale && src != nil {
				src.Stop()
			}
			return
		}
		s.source = src
		s.mu.Unlock()
		return
	}
}

// Interrupt clears the FIFO, stops the active source and signals idle.
func (s *Scheduler) Interrupt() {
	s.mu.Lock()
	s.queue = nil
	src := s.source
	s.source = nil
	s.playing = false
	s.gen++
	s.mu.Unlock()

	if src != nil {
		src.Stop()
	}
	s.signalIdle()
}

// Active reports whether a buffer is currently sounding.
func (s *Scheduler) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.playing
}

// Len is the number of buffers waiting behind the active one.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

func (s *Scheduler) finished(gen uint64) {
	s.mu.Lock()
	if gen != s.gen || !s.playing {
		s.mu.Unlock()
		return
	}
	s.playing = false
	s.source = nil
	empty := len(s.queue) == 0
	s.mu.Unlock()

	if empty {
		s.signalIdle()
		return
	}
	s.PlayNext()
}

func (s *Scheduler) signalIdle() {
	if s.onIdle != nil {
		s.onIdle()
	}
}
