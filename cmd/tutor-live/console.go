package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/vango-go/vai-tutor/pkg/duplex/engine"
	"github.com/vango-go/vai-tutor/pkg/duplex/viseme"
)

func printEvent(w io.Writer, ev engine.Event) {
	switch ev.Kind {
	case engine.EventTranscript:
		if ev.Language != "" {
			fmt.Fprintf(w, "[you:%s] %s\n", ev.Language, ev.Text)
			return
		}
		fmt.Fprintf(w, "[you] %s\n", ev.Text)
	case engine.EventUtteranceStart:
		fmt.Fprintf(w, "[tutor] speaking (%s)\n", ev.UtteranceID)
	case engine.EventUtteranceEnd:
		fmt.Fprintf(w, "[tutor] done (%s)\n", ev.UtteranceID)
	case engine.EventPlaybackIdle:
		fmt.Fprintln(w, "[playback] idle")
	case engine.EventSessionState:
		fmt.Fprintf(w, "[session] %s\n", string(ev.Raw))
	case engine.EventConnection:
		if ev.Attempt > 0 {
			fmt.Fprintf(w, "[conn] %s (retry %d in %s)\n", ev.Connection, ev.Attempt, ev.Delay)
			return
		}
		fmt.Fprintf(w, "[conn] %s\n", ev.Connection)
	case engine.EventNotice:
		msg := noticeText(ev.Notice)
		if ev.Text != "" {
			msg += ": " + ev.Text
		} else if ev.Err != nil {
			msg += ": " + ev.Err.Error()
		}
		fmt.Fprintf(w, "[!] %s\n", msg)
	}
}

func noticeText(k engine.NoticeKind) string {
	switch k {
	case engine.NoticeConnectionLost:
		return "connection lost, press q and restart to reconnect"
	case engine.NoticeMicrophone:
		return "microphone unavailable"
	case engine.NoticeNotConnected:
		return "not connected to the tutoring server"
	case engine.NoticeServer:
		return "server error"
	default:
		return k.String()
	}
}

func printStats(w io.Writer, st engine.Stats) {
	fmt.Fprintf(w, "released=%d skipped=%d dropped=%d decode_failures=%d next_seq=%d buffered=%v missing=%v language=%q suppressed=%v",
		st.ReleasedChunks, st.SkippedChunks, st.DroppedChunks, st.DecodeFailures,
		st.NextSequence, st.Buffered, st.Missing, st.Language, st.Suppressed)
	if !st.LastPong.IsZero() {
		fmt.Fprintf(w, " last_pong=%s", st.LastPong.Format(time.TimeOnly))
	}
	fmt.Fprintln(w)
}

// consoleAvatar stands in for a rendered avatar: it prints each submitted
// utterance's mouth shapes.
type consoleAvatar struct {
	mu sync.Mutex
	w  io.Writer
}

func (a *consoleAvatar) IsReady() bool { return true }

func (a *consoleAvatar) Submit(_ context.Context, audio []byte, timeline []viseme.Expression, id string) error {
	names := make([]string, 0, len(timeline))
	for _, e := range timeline {
		names = append(names, e.Name)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	fmt.Fprintf(a.w, "[avatar] %s bytes=%d visemes=%s\n", id, len(audio), strings.Join(names, " "))
	return nil
}

func (a *consoleAvatar) StopAudio() {
	a.mu.Lock()
	defer a.mu.Unlock()
	fmt.Fprintln(a.w, "[avatar] stop")
}
