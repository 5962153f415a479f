package playback

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// Decoder turns a TTS payload into PCM. Decode is called for one chunk at a
// time.
type Decoder interface {
	Decode(ctx context.Context, payload []byte) (Buffer, error)
}

var ErrUnsupportedFormat = errors.New("unsupported audio format")

// PCMDecoder accepts RIFF/WAVE PCM16 payloads. When Raw is set, anything
// that is not a WAVE container is taken as headerless PCM16LE at SampleRate.
type PCMDecoder struct {
	SampleRate int
	Channels   int
	Raw        bool
}

func (d PCMDecoder) Decode(_ context.Context, payload []byte) (Buffer, error) {
	if len(payload) == 0 {
		return Buffer{}, fmt.Errorf("empty audio payload")
	}
	if isWAV(payload) {
		return decodeWAV(payload)
	}
	if !d.Raw {
		return Buffer{}, ErrUnsupportedFormat
	}
	rate, channels := d.SampleRate, d.Channels
	if rate <= 0 {
		rate = DefaultSampleRate
	}
	if channels <= 0 {
		channels = 1
	}
	if len(payload)%(2*channels) != 0 {
		return Buffer{}, fmt.Errorf("raw pcm16 payload length %d is not frame aligned", len(payload))
	}
	return Buffer{
		PCM:        payload,
		SampleRate: rate,
		Channels:   channels,
		Duration:   PCMDuration(len(payload), rate, channels),
	}, nil
}

const DefaultSampleRate = 24000

func isWAV(p []byte) bool {
	return len(p) >= 12 && string(p[0:4]) == "RIFF" && string(p[8:12]) == "WAVE"
}

func decodeWAV(p []byte) (Buffer, error) {
	var (
		haveFmt  bool
		format   uint16
		channels int
		rate     int
		bits     uint16
	)
	off := 12
	for off+8 <= len(p) {
		id := string(p[off : off+4])
		size := int(binary.LittleEndian.Uint32(p[off+4 : off+8]))
		body := off + 8
		end := body + size
		if size < 0 || end > len(p) {
			// Streaming encoders often write a bogus data size; take what is there.
			if id == "data" {
				end = len(p)
			} else {
				return Buffer{}, fmt.Errorf("wav chunk %q overruns payload", id)
			}
		}
		switch id {
		case "fmt ":
			if size < 16 {
				return Buffer{}, fmt.Errorf("wav fmt chunk too short")
			}
			format = binary.LittleEndian.Uint16(p[body : body+2])
			channels = int(binary.LittleEndian.Uint16(p[body+2 : body+4]))
			rate = int(binary.LittleEndian.Uint32(p[body+4 : body+8]))
			bits = binary.LittleEndian.Uint16(p[body+14 : body+16])
			haveFmt = true
		case "data":
			if !haveFmt {
				return Buffer{}, fmt.Errorf("wav data chunk before fmt chunk")
			}
			if format != 1 || bits != 16 {
				return Buffer{}, fmt.Errorf("%w: wav format=%d bits=%d", ErrUnsupportedFormat, format, bits)
			}
			if channels <= 0 || rate <= 0 {
				return Buffer{}, fmt.Errorf("wav header has channels=%d rate=%d", channels, rate)
			}
			pcm := p[body:end]
			pcm = pcm[:len(pcm)-len(pcm)%(2*channels)]
			return Buffer{
				PCM:        pcm,
				SampleRate: rate,
				Channels:   channels,
				Duration:   PCMDuration(len(pcm), rate, channels),
			}, nil
		}
		off = end + size%2
	}
	return Buffer{}, fmt.Errorf("wav payload has no data chunk")
}

// PCMDuration is the play time of n bytes of PCM16 audio.
func PCMDuration(n, sampleRate, channels int) time.Duration {
	bytesPerSecond := int64(sampleRate) * int64(channels) * 2
	if bytesPerSecond <= 0 || n <= 0 {
		return 0
	}
	return time.Duration(int64(n) * int64(time.Second) / bytesPerSecond)
}

// FFmpegDecoder transcodes compressed payloads (mp3, opus, ...) to PCM16LE by
// piping them through ffmpeg. WAVE PCM16 payloads skip the subprocess.
type FFmpegDecoder struct {
	Path       string
	SampleRate int
}

func (d FFmpegDecoder) Decode(ctx context.Context, payload []byte) (Buffer, error) {
	if len(payload) == 0 {
		return Buffer{}, fmt.Errorf("empty audio payload")
	}
	if isWAV(payload) {
		if buf, err := decodeWAV(payload); err == nil {
			return buf, nil
		}
	}
	path := strings.TrimSpace(d.Path)
	if path == "" {
		path = "ffmpeg"
	}
	rate := d.SampleRate
	if rate <= 0 {
		rate = DefaultSampleRate
	}
	args := []string{
		"-hide_banner",
		"-loglevel", "error",
		"-i", "pipe:0",
		"-ac", "1",
		"-ar", strconv.Itoa(rate),
		"-f", "s16le",
		"pipe:1",
	}
	cmd := exec.CommandContext(ctx, path, args...)
	cmd.Stdin = bytes.NewReader(payload)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return Buffer{}, fmt.Errorf("ffmpeg decode: %w: %s", err, msg)
		}
		return Buffer{}, fmt.Errorf("ffmpeg decode: %w", err)
	}
	pcm := stdout.Bytes()
	pcm = pcm[:len(pcm)-len(pcm)%2]
	if len(pcm) == 0 {
		return Buffer{}, fmt.Errorf("ffmpeg decode produced no audio")
	}
	return Buffer{
		PCM:        pcm,
		SampleRate: rate,
		Channels:   1,
		Duration:   PCMDuration(len(pcm), rate, 1),
	}, nil
}
