// Package avatar gates TTS delivery to an avatar rendering surface on the
// avatar's readiness state.
//
// The Queue accepts items only while the avatar is READY or PLAYING and the
// surface reports ready. Accepted items drain one at a time. Before each
// item the state and the surface are checked again, and a failed check
// pauses the drain until the next Enqueue or the next transition into a
// deliverable state. The renderer gives no completion callback, so each item
// holds the surface for its declared duration plus a fixed gap.
//
// Entering CLOSED or ERROR discards every queued item and the item in flight.
package avatar

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vango-go/vai-tutor/pkg/duplex/metrics"
	"github.com/vango-go/vai-tutor/pkg/duplex/viseme"
)

type State int

const (
	StateClosed State = iota
	StateLoading
	StateReady
	StatePlaying
	StateError
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateLoading:
		return "LOADING"
	case StateReady:
		return "READY"
	case StatePlaying:
		return "PLAYING"
	case StateError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Deliverable reports whether items may be handed to the surface in s.
func (s State) Deliverable() bool {
	return s == StateReady || s == StatePlaying
}

// ParseState is the inverse of String.
func ParseState(v string) (State, bool) {
	for s := StateClosed; s <= StateError; s++ {
		if s.String() == v {
			return s, true
		}
	}
	return StateClosed, false
}

// Surface is the avatar renderer.
type Surface interface {
	IsReady() bool
	Submit(ctx context.Context, audio []byte, timeline []viseme.Expression, id string) error
	StopAudio()
}

type Item struct {
	ID       string
	Audio    []byte
	Timeline []viseme.Expression
	Duration time.Duration
	// Priority orders waiting items; higher goes first, ties keep FIFO order.
	Priority   int
	EnqueuedAt time.Time
}

type Stats struct {
	Enqueued int
	Played   int
	Rejected int
	Errored  int
	Dropped  int
	Depth    int
	State    State
	// PlayingID is the item currently holding the surface, if any.
	PlayingID string
}

type Config struct {
	Surface Surface
	Logger  *slog.Logger
	// Gap is added to every item's duration before the next item is sent.
	Gap   time.Duration
	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

const DefaultGap = 200 * time.Millisecond

type Queue struct {
	surface Surface
	logger  *slog.Logger
	gap     time.Duration
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error

	mu        sync.Mutex
	state     State
	items     []Item
	draining  bool
	playingID string
	// epoch changes on every clear so an in-flight wait can tell that its
	// item was already discarded.
	epoch      uint64
	cancelWait context.CancelFunc
	stats      Stats

	wg sync.WaitGroup
}

func NewQueue(cfg Config) *Queue {
	q := &Queue{
		surface: cfg.Surface,
		logger:  cfg.Logger,
		gap:     cfg.Gap,
		now:     cfg.Now,
		sleep:   cfg.Sleep,
		state:   StateClosed,
	}
	if q.logger == nil {
		q.logger = slog.Default()
	}
	if q.gap <= 0 {
		q.gap = DefaultGap
	}
	if q.now == nil {
		q.now = time.Now
	}
	if q.sleep == nil {
		q.sleep = sleepContext
	}
	return q
}

// Enqueue accepts item for delivery, or rejects it when the avatar cannot
// play right now. Rejected items are counted and never retried.
func (q *Queue) Enqueue(item Item) bool {
	surfaceReady := q.surface != nil && q.surface.IsReady()

	q.mu.Lock()
	if !q.state.Deliverable() || !surfaceReady {
		q.stats.Rejected++
		state := q.state
		q.mu.Unlock()
		metrics.RecordAvatarItem("rejected")
		q.logger.Debug("avatar queue rejected item", "state", state.String(), "surface_ready", surfaceReady)
		return false
	}
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if item.EnqueuedAt.IsZero() {
		item.EnqueuedAt = q.now()
	}
	q.insertLocked(item)
	q.stats.Enqueued++
	depth := len(q.items)
	start := q.startLocked()
	q.mu.Unlock()

	metrics.RecordAvatarItem("enqueued")
	metrics.SetAvatarQueueDepth(depth)
	if start {
		go q.drain()
	}
	return true
}

// UpdateState records the avatar's new state. CLOSED and ERROR clear the
// queue immediately; READY and PLAYING resume a paused drain.
func (q *Queue) UpdateState(s State) {
	q.mu.Lock()
	prev := q.state
	q.state = s

	var (
		dropped int
		stop    bool
		cancel  context.CancelFunc
	)
	if s == StateClosed || s == StateError {
		dropped, stop, cancel = q.clearLocked()
	}
	start := false
	if s.Deliverable() && len(q.items) > 0 {
		start = q.startLocked()
	}
	q.mu.Unlock()

	if prev != s {
		q.logger.Debug("avatar state changed", "from", prev.String(), "to", s.String())
	}
	q.afterClear(dropped, stop, cancel)
	if start {
		go q.drain()
	}
}

// Flush discards queued items and the item in flight without changing state.
func (q *Queue) Flush() {
	q.mu.Lock()
	dropped, stop, cancel := q.clearLocked()
	q.mu.Unlock()
	q.afterClear(dropped, stop, cancel)
}

func (q *Queue) State() State {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.state
}

func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	st := q.stats
	st.Depth = len(q.items)
	st.State = q.state
	st.PlayingID = q.playingID
	return st
}

func (q *Queue) insertLocked(item Item) {
	i := sort.Search(len(q.items), func(i int) bool {
		return q.items[i].Priority < item.Priority
	})
	q.items = append(q.items, Item{})
	copy(q.items[i+1:], q.items[i:])
	q.items[i] = item
}

func (q *Queue) startLocked() bool {
	if q.draining {
		return false
	}
	q.draining = true
	q.wg.Add(1)
	return true
}

func (q *Queue) clearLocked() (dropped int, stop bool, cancel context.CancelFunc) {
	dropped = len(q.items)
	q.items = nil
	if q.playingID != "" {
		dropped++
		stop = true
		q.playingID = ""
	}
	q.stats.Dropped += dropped
	q.epoch++
	cancel = q.cancelWait
	q.cancelWait = nil
	return dropped, stop, cancel
}

func (q *Queue) afterClear(dropped int, stop bool, cancel context.CancelFunc) {
	if cancel != nil {
		cancel()
	}
	if stop && q.surface != nil {
		q.surface.StopAudio()
	}
	metrics.RecordAvatarItems("dropped", dropped)
	metrics.SetAvatarQueueDepth(0)
	if dropped > 0 {
		q.logger.Info("avatar queue cleared", "dropped", dropped)
	}
}

func (q *Queue) drain() {
	defer q.wg.Done()
	for {
		surfaceReady := q.surface != nil && q.surface.IsReady()

		q.mu.Lock()
		if len(q.items) == 0 {
			q.draining = false
			q.mu.Unlock()
			return
		}
		if !q.state.Deliverable() || !surfaceReady {
			// Pause; Enqueue or a deliverable transition restarts the drain.
			q.draining = false
			state := q.state
			q.mu.Unlock()
			q.logger.Debug("avatar queue paused", "state", state.String(), "surface_ready", surfaceReady)
			return
		}
		item := q.items[0]
		q.items[0] = Item{}
		q.items = q.items[1:]
		q.playingID = item.ID
		epoch := q.epoch
		ctx, cancel := context.WithCancel(context.Background())
		q.cancelWait = cancel
		depth := len(q.items)
		q.mu.Unlock()

		metrics.SetAvatarQueueDepth(depth)
		err := q.surface.Submit(ctx, item.Audio, item.Timeline, item.ID)
		if err != nil {
			cancel()
			q.mu.Lock()
			if q.epoch == epoch {
				q.stats.Errored++
				q.playingID = ""
				q.cancelWait = nil
			}
			q.mu.Unlock()
			metrics.RecordAvatarItem("errored")
			q.logger.Warn("avatar submit failed", "item_id", item.ID, "error", err)
			continue
		}

		werr := q.sleep(ctx, item.Duration+q.gap)
		cancel()

		q.mu.Lock()
		if q.epoch != epoch || werr != nil {
			// Cleared while waiting; the item was already counted as dropped.
			q.mu.Unlock()
			continue
		}
		q.stats.Played++
		q.playingID = ""
		q.cancelWait = nil
		q.mu.Unlock()
		metrics.RecordAvatarItem("played")
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
