package capture

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"sync"
)

// FFmpegSource captures from an OS audio device through ffmpeg, or from any
// shell command that writes PCM16LE to stdout.
type FFmpegSource struct {
	Path string
	// InputFormat and Device default per OS: avfoundation "none:0" on
	// macOS, pulse "default" on Linux, dshow on Windows (Device required).
	InputFormat string
	Device      string
	// Command replaces ffmpeg entirely and runs via /bin/sh -lc.
	Command string
	Logger  *slog.Logger
}

func (s FFmpegSource) Open(ctx context.Context, f Format) (io.ReadCloser, error) {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var cmd *exec.Cmd
	if strings.TrimSpace(s.Command) != "" {
		cmd = exec.CommandContext(ctx, "/bin/sh", "-lc", s.Command)
	} else {
		args, err := s.args(f)
		if err != nil {
			return nil, err
		}
		path := strings.TrimSpace(s.Path)
		if path == "" {
			path = "ffmpeg"
		}
		cmd = exec.CommandContext(ctx, path, args...)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, _ := cmd.StderrPipe()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start capture process: %w", err)
	}
	go logFFmpegStderr(stderr, logger)
	if f.EchoCancellation {
		logger.Debug("echo cancellation is left to the OS capture stack")
	}
	return &processStream{ReadCloser: stdout, cmd: cmd}, nil
}

func (s FFmpegSource) args(f Format) ([]string, error) {
	inputFormat, device := s.InputFormat, s.Device
	if inputFormat == "" {
		switch runtime.GOOS {
		case "darwin":
			inputFormat = "avfoundation"
		case "linux":
			inputFormat = "pulse"
		case "windows":
			inputFormat = "dshow"
		default:
			return nil, fmt.Errorf("no default capture input for %s; set an input format", runtime.GOOS)
		}
	}
	if device == "" {
		switch inputFormat {
		case "avfoundation":
			// `none:<index>` avoids opening a camera.
			device = "none:0"
		case "pulse", "alsa":
			device = "default"
		default:
			return nil, fmt.Errorf("capture input %q needs a device", inputFormat)
		}
	}
	rate := f.SampleRate
	if rate <= 0 {
		rate = 16000
	}
	channels := f.Channels
	if channels <= 0 {
		channels = 1
	}
	args := []string{
		"-hide_banner",
		"-loglevel", "error",
		"-f", inputFormat,
		"-i", device,
	}
	if f.NoiseSuppression {
		args = append(args, "-af", "afftdn")
	}
	args = append(args,
		"-ac", strconv.Itoa(channels),
		"-ar", strconv.Itoa(rate),
		"-f", "s16le",
		"-",
	)
	return args, nil
}

type processStream struct {
	io.ReadCloser
	cmd  *exec.Cmd
	once sync.Once
}

func (p *processStream) Close() error {
	p.once.Do(func() {
		if p.cmd.Process != nil {
			_ = p.cmd.Process.Kill()
		}
		_ = p.ReadCloser.Close()
		_ = p.cmd.Wait()
	})
	return nil
}

func logFFmpegStderr(r io.ReadCloser, logger *slog.Logger) {
	if r == nil {
		return
	}
	defer r.Close()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		// macOS AVFoundation prints camera deprecation noise even for audio-only input.
		if strings.Contains(line, "NSCameraUseContinuityCameraDeviceType") ||
			strings.Contains(line, "AVCaptureDeviceTypeExternal is deprecated for Continuity Cameras") {
			continue
		}
		logger.Warn("ffmpeg", "line", line)
	}
}

// ListDevices prints the capture devices ffmpeg can see on this OS.
func ListDevices(w io.Writer) error {
	var args []string
	switch runtime.GOOS {
	case "darwin":
		args = []string{"-hide_banner", "-f", "avfoundation", "-list_devices", "true", "-i", ""}
	case "windows":
		args = []string{"-hide_banner", "-f", "dshow", "-list_devices", "true", "-i", "dummy"}
	default:
		args = []string{"-hide_banner", "-sources", "pulse"}
	}
	cmd := exec.Command("ffmpeg", args...)
	cmd.Stdout = w
	cmd.Stderr = w
	if err := cmd.Run(); err != nil {
		// ffmpeg exits non-zero after printing device lists.
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil
		}
		return err
	}
	return nil
}

// PCM16Stats returns the peak absolute sample and the RMS level (0..1) of
// PCM16LE audio.
func PCM16Stats(p []byte) (peakAbs int, rms float64) {
	if len(p) < 2 {
		return 0, 0
	}
	var sumSquares float64
	samples := 0
	for i := 0; i+1 < len(p); i += 2 {
		v := int16(binary.LittleEndian.Uint16(p[i : i+2]))
		abs := int(v)
		if abs < 0 {
			abs = -abs
		}
		if abs > peakAbs {
			peakAbs = abs
		}
		f := float64(v) / 32768.0
		sumSquares += f * f
		samples++
	}
	if samples == 0 {
		return peakAbs, 0
	}
	return peakAbs, math.Sqrt(sumSquares / float64(samples))
}
