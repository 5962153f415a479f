// Package protocol defines the live tutoring wire format: the JSON and binary
// frames the server sends, their normalized Go types, and the few frames the
// client sends back.
package protocol

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"compress/zlib"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

const (
	TypePing          = "PING"
	TypePong          = "PONG"
	TypeInterrupt     = "INTERRUPT"
	TypeAudioChunk    = "AUDIO_CHUNK"
	TypeTranscription = "TRANSCRIPTION"
	TypeTTSChunk      = "TTS_CHUNK"
	TypeTTSSkip       = "TTS_SKIP"
	TypeTTSStart      = "TTS_START"
	TypeTTSEnd        = "TTS_END"
	TypeSessionState  = "SESSION_STATE"
	TypeError         = "ERROR"
)

// maxInflatedBytes bounds decompressed TTS payloads.
const maxInflatedBytes = 16 << 20

type DecodeError struct {
	Code    string
	Message string
	Param   string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

func badRequest(message, param string) *DecodeError {
	return &DecodeError{Code: "bad_request", Message: message, Param: param}
}

func unsupported(message, param string) *DecodeError {
	return &DecodeError{Code: "unsupported", Message: message, Param: param}
}

// ClientControl is the only structured frame the client sends.
type ClientControl struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

func Ping() ClientControl { return ClientControl{Type: TypePing} }
func Interrupt() ClientControl { return ClientControl{Type: TypeInterrupt} }

// VisemeEvent is one synthesizer viseme at an offset into the chunk audio.
type VisemeEvent struct {
	TimeMS   float64 `json:"timeMs"`
	VisemeID int     `json:"visemeId"`
}

// Transcription is recognized user speech.
type Transcription struct {
	Text     string `json:"text"`
	Language string `json:"language,omitempty"`
}

// TTSChunk is the normalized form of both the legacy base64/binary payload
// and the sequenced object payload.
type TTSChunk struct {
	Sequence   int
	Sequenced  bool
	Audio      []byte
	Text       string
	IsLast     bool
	Visemes    []VisemeEvent
	DurationMS int
}

type TTSSkip struct {
	Sequence int    `json:"sequence"`
	Reason   string `json:"reason,omitempty"`
}

type TTSStart struct {
	Text string `json:"text,omitempty"`
}

type TTSEnd struct{}

type SessionState struct {
	Raw json.RawMessage
}

type ServerError struct {
	Message string
}

type Pong struct{}

type envelope struct {
	Type  string          `json:"type"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error json.RawMessage `json:"error,omitempty"`
}

type ttsSkipObject struct {
	Sequence *int   `json:"sequence"`
	Reason   string `json:"reason,omitempty"`
}

type ttsChunkObject struct {
	Sequence   *int          `json:"sequence"`
	Data       string        `json:"data"`
	Text       string        `json:"text,omitempty"`
	IsLast     bool          `json:"isLast,omitempty"`
	Compressed bool          `json:"compressed,omitempty"`
	Visemes    []VisemeEvent `json:"visemes,omitempty"`
	DurationMS int           `json:"durationMs,omitempty"`
}

// DecodeBinaryFrame treats a binary frame as legacy, unsequenced TTS audio.
func DecodeBinaryFrame(data []byte) (TTSChunk, error) {
	if len(data) == 0 {
		return TTSChunk{}, badRequest("empty binary frame", "")
	}
	audio := make([]byte, len(data))
	copy(audio, data)
	return TTSChunk{Audio: audio}, nil
}

// DecodeServerFrame parses a structured server frame into one of
// Transcription, TTSChunk, TTSSkip, TTSStart, TTSEnd, SessionState,
// ServerError or Pong.
func DecodeServerFrame(data []byte) (any, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, badRequest("invalid json frame", "")
	}
	typ := strings.ToUpper(strings.TrimSpace(env.Type))
	if typ == "" {
		return nil, badRequest("missing type", "type")
	}

	switch typ {
	case TypeTranscription:
		return decodeTranscription(env.Data)
	case TypeTTSChunk:
		return decodeTTSChunk(env.Data)
	case TypeTTSSkip:
		return decodeTTSSkip(env.Data)
	case TypeTTSStart:
		var msg TTSStart
		if len(env.Data) > 0 && !isJSONNull(env.Data) {
			// Some servers send the sentence text as a bare string.
			var text string
			if err := json.Unmarshal(env.Data, &text); err == nil {
				msg.Text = text
			} else {
				_ = json.Unmarshal(env.Data, &msg)
			}
		}
		return msg, nil
	case TypeTTSEnd:
		return TTSEnd{}, nil
	case TypeSessionState:
		raw := append(json.RawMessage(nil), env.Data...)
		return SessionState{Raw: raw}, nil
	case TypeError:
		return ServerError{Message: errorMessage(env)}, nil
	case TypePong:
		return Pong{}, nil
	case TypePing, TypeInterrupt, TypeAudioChunk:
		return nil, unsupported("client-only message type", "type")
	default:
		return nil, badRequest("unsupported message type", "type")
	}
}

// decodeTTSSkip requires an explicit sequence; a defaulted zero would
// swallow the utterance's first chunk.
func decodeTTSSkip(raw json.RawMessage) (TTSSkip, error) {
	if len(raw) == 0 || isJSONNull(raw) {
		return TTSSkip{}, badRequest("TTS_SKIP.data is required", "data")
	}
	var obj ttsSkipObject
	if err := json.Unmarshal(raw, &obj); err != nil {
		return TTSSkip{}, badRequest("invalid TTS_SKIP frame", "data")
	}
	if obj.Sequence == nil {
		return TTSSkip{}, badRequest("TTS_SKIP.data.sequence is required", "data.sequence")
	}
	if *obj.Sequence < 0 {
		return TTSSkip{}, badRequest("TTS_SKIP.data.sequence must be >= 0", "data.sequence")
	}
	return TTSSkip{Sequence: *obj.Sequence, Reason: obj.Reason}, nil
}

func decodeTranscription(raw json.RawMessage) (Transcription, error) {
	if len(raw) == 0 || isJSONNull(raw) {
		return Transcription{}, badRequest("TRANSCRIPTION.data is required", "data")
	}
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return Transcription{Text: text}, nil
	}
	var msg Transcription
	if err := json.Unmarshal(raw, &msg); err != nil {
		return Transcription{}, badRequest("invalid TRANSCRIPTION frame", "data")
	}
	msg.Language = strings.TrimSpace(msg.Language)
	return msg, nil
}

func decodeTTSChunk(raw json.RawMessage) (TTSChunk, error) {
	if len(raw) == 0 || isJSONNull(raw) {
		return TTSChunk{}, badRequest("TTS_CHUNK.data is required", "data")
	}

	var legacy string
	if err := json.Unmarshal(raw, &legacy); err == nil {
		audio, err := decodeBase64(legacy)
		if err != nil {
			return TTSChunk{}, badRequest("invalid TTS_CHUNK base64 audio", "data")
		}
		if len(audio) == 0 {
			return TTSChunk{}, badRequest("TTS_CHUNK.data is empty", "data")
		}
		return TTSChunk{Audio: audio}, nil
	}

	var obj ttsChunkObject
	if err := json.Unmarshal(raw, &obj); err != nil {
		return TTSChunk{}, badRequest("invalid TTS_CHUNK frame", "data")
	}
	audio, err := decodeBase64(obj.Data)
	if err != nil {
		return TTSChunk{}, badRequest("invalid TTS_CHUNK base64 audio", "data.data")
	}
	if len(audio) == 0 {
		return TTSChunk{}, badRequest("TTS_CHUNK.data.data is required", "data.data")
	}
	if obj.Compressed {
		audio, err = Inflate(audio)
		if err != nil {
			return TTSChunk{}, badRequest("TTS_CHUNK payload could not be decompressed", "data.compressed")
		}
	}
	chunk := TTSChunk{
		Audio:      audio,
		Text:       obj.Text,
		IsLast:     obj.IsLast,
		Visemes:    obj.Visemes,
		DurationMS: obj.DurationMS,
	}
	if obj.Sequence != nil {
		if *obj.Sequence < 0 {
			return TTSChunk{}, badRequest("TTS_CHUNK.data.sequence must be >= 0", "data.sequence")
		}
		chunk.Sequence = *obj.Sequence
		chunk.Sequenced = true
	}
	return chunk, nil
}

// Inflate decompresses a gzip, zlib or raw deflate payload.
func Inflate(p []byte) ([]byte, error) {
	var (
		r   io.ReadCloser
		err error
	)
	switch {
	case len(p) >= 2 && p[0] == 0x1f && p[1] == 0x8b:
		r, err = gzip.NewReader(bytes.NewReader(p))
	case len(p) >= 2 && p[0]&0x0f == 0x08 && (uint16(p[0])<<8|uint16(p[1]))%31 == 0:
		r, err = zlib.NewReader(bytes.NewReader(p))
	default:
		r = flate.NewReader(bytes.NewReader(p))
	}
	if err != nil {
		return nil, err
	}
	defer r.Close()

	out, err := io.ReadAll(io.LimitReader(r, maxInflatedBytes+1))
	if err != nil {
		return nil, err
	}
	if len(out) > maxInflatedBytes {
		return nil, fmt.Errorf("inflated payload exceeds %d bytes", maxInflatedBytes)
	}
	return out, nil
}

func errorMessage(env envelope) string {
	for _, raw := range []json.RawMessage{env.Error, env.Data} {
		if len(raw) == 0 || isJSONNull(raw) {
			continue
		}
		var s string
		if err := json.Unmarshal(raw, &s); err == nil && strings.TrimSpace(s) != "" {
			return strings.TrimSpace(s)
		}
		var obj struct {
			Message string `json:"message"`
		}
		if err := json.Unmarshal(raw, &obj); err == nil && strings.TrimSpace(obj.Message) != "" {
			return strings.TrimSpace(obj.Message)
		}
	}
	return "unknown server error"
}

func decodeBase64(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	if i := strings.Index(s, ";base64,"); i >= 0 && strings.HasPrefix(s, "data:") {
		s = s[i+len(";base64,"):]
	}
	return base64.StdEncoding.DecodeString(s)
}

func isJSONNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}
