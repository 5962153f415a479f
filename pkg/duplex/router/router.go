// Package router classifies inbound frames and dispatches them to typed
// handler methods. Bad frames are logged and dropped; routing never blocks on
// its own and never panics on input.
package router

import (
	"errors"
	"log/slog"

	"github.com/vango-go/vai-tutor/pkg/duplex/metrics"
	"github.com/vango-go/vai-tutor/pkg/duplex/protocol"
)

type Handler interface {
	OnTranscription(msg protocol.Transcription)
	OnTTSChunk(chunk protocol.TTSChunk)
	OnTTSSkip(msg protocol.TTSSkip)
	OnTTSStart(msg protocol.TTSStart)
	OnTTSEnd()
	OnSessionState(msg protocol.SessionState)
	OnServerError(msg protocol.ServerError)
	OnPong()
}

type Router struct {
	h      Handler
	logger *slog.Logger
}

func New(h Handler, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{h: h, logger: logger}
}

// Route dispatches one frame and reports whether it reached the handler.
func (r *Router) Route(binary bool, data []byte) bool {
	if binary {
		chunk, err := protocol.DecodeBinaryFrame(data)
		if err != nil {
			r.drop("malformed", err)
			return false
		}
		metrics.RecordFrame("tts_chunk_binary")
		r.h.OnTTSChunk(chunk)
		return true
	}

	msg, err := protocol.DecodeServerFrame(data)
	if err != nil {
		reason := "malformed"
		var de *protocol.DecodeError
		if errors.As(err, &de) && de.Param == "type" {
			reason = "unknown"
		}
		r.drop(reason, err)
		return false
	}

	switch m := msg.(type) {
	case protocol.Transcription:
		metrics.RecordFrame("transcription")
		r.h.OnTranscription(m)
	case protocol.TTSChunk:
		metrics.RecordFrame("tts_chunk")
		r.h.OnTTSChunk(m)
	case protocol.TTSSkip:
		metrics.RecordFrame("tts_skip")
		r.h.OnTTSSkip(m)
	case protocol.TTSStart:
		metrics.RecordFrame("tts_start")
		r.h.OnTTSStart(m)
	case protocol.TTSEnd:
		metrics.RecordFrame("tts_end")
		r.h.OnTTSEnd()
	case protocol.SessionState:
		metrics.RecordFrame("session_state")
		r.h.OnSessionState(m)
	case protocol.ServerError:
		metrics.RecordFrame("error")
		r.h.OnServerError(m)
	case protocol.Pong:
		metrics.RecordFrame("pong")
		r.h.OnPong()
	default:
		r.drop("unknown", errors.New("unhandled frame type"))
		return false
	}
	return true
}

func (r *Router) drop(reason string, err error) {
	metrics.RecordDroppedFrame(reason)
	r.logger.Warn("dropping inbound frame", "reason", reason, "error", err)
}
