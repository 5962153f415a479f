package playback

import (
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"
)

// FFplayOutput plays each buffer through its own ffplay process reading
// PCM16LE from stdin.
type FFplayOutput struct {
	Path     string
	LogLevel string
	// Volume is ffplay's startup volume, 0-100.
	Volume int
	Logger *slog.Logger
}

type ffplaySource struct {
	mu      sync.Mutex
	cmd     *exec.Cmd
	stopped bool
}

func (o FFplayOutput) Play(buf Buffer, onEnded func()) (Source, error) {
	path := strings.TrimSpace(o.Path)
	if path == "" {
		path = "ffplay"
	}
	logLevel := strings.TrimSpace(o.LogLevel)
	if logLevel == "" {
		logLevel = "error"
	}
	volume := o.Volume
	if volume <= 0 || volume > 100 {
		volume = 80
	}
	rate := buf.SampleRate
	if rate <= 0 {
		rate = DefaultSampleRate
	}
	// ffplay does not accept ffmpeg-style `-ac`; use `-ch_layout`.
	chLayout := "mono"
	if buf.Channels == 2 {
		chLayout = "stereo"
	}
	args := []string{
		"-hide_banner",
		"-loglevel", logLevel,
		"-nostats",
		"-autoexit",
		"-volume", strconv.Itoa(volume),
		"-nodisp",
		"-f", "s16le",
		"-ch_layout", chLayout,
		"-ar", strconv.Itoa(rate),
		"-i", "-",
	}
	cmd := exec.Command(path, args...)
	if runtime.GOOS == "darwin" && os.Getenv("SDL_AUDIODRIVER") == "" {
		// SDL can otherwise pick a dummy backend with no sound.
		cmd.Env = append(os.Environ(), "SDL_AUDIODRIVER=coreaudio")
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	cmd.Stdout = io.Discard
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		_ = stdin.Close()
		return nil, fmt.Errorf("start ffplay: %w", err)
	}
	if o.Logger != nil {
		o.Logger.Debug("ffplay started", "pid", cmd.Process.Pid, "buffer", buf.Label, "duration_ms", buf.Duration.Milliseconds())
	}

	src := &ffplaySource{cmd: cmd}
	go func() {
		_, _ = stdin.Write(buf.PCM)
		_ = stdin.Close()
	}()
	go func() {
		_ = cmd.Wait()
		if onEnded != nil {
			onEnded()
		}
	}()
	return src, nil
}

func (s *ffplaySource) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.stopped = true
	if s.cmd != nil && s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
}

// NullOutput simulates playback by waiting out each buffer's duration.
type NullOutput struct{}

type timerSource struct {
	t *time.Timer
}

func (NullOutput) Play(buf Buffer, onEnded func()) (Source, error) {
	d := buf.Duration
	if d <= 0 {
		d = PCMDuration(len(buf.PCM), buf.SampleRate, max(buf.Channels, 1))
	}
	t := time.AfterFunc(d, func() {
		if onEnded != nil {
			onEnded()
		}
	})
	return timerSource{t: t}, nil
}

func (s timerSource) Stop() {
	s.t.Stop()
}

// SineTone returns a mono PCM16LE sine tone, used for speaker checks.
func SineTone(freqHz int, sampleRateHz int, d time.Duration, amp float64) Buffer {
	if sampleRateHz <= 0 || d <= 0 || freqHz <= 0 {
		return Buffer{}
	}
	if amp <= 0 {
		amp = 0.2
	}
	if amp > 1.0 {
		amp = 1.0
	}
	samples := int(float64(sampleRateHz) * d.Seconds())
	if samples <= 0 {
		samples = 1
	}
	out := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		t := float64(i) / float64(sampleRateHz)
		v := amp * math.Sin(2*math.Pi*float64(freqHz)*t)
		s := int16(v * 32767.0)
		out[i*2] = byte(s)
		out[i*2+1] = byte(s >> 8)
	}
	return Buffer{
		PCM:        out,
		SampleRate: sampleRateHz,
		Channels:   1,
		Duration:   PCMDuration(len(out), sampleRateHz, 1),
		Label:      fmt.Sprintf("tone-%dhz", freqHz),
	}
}
