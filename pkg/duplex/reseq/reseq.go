// Package reseq reorders sequenced TTS chunks so they reach playback in the
// order the server authored them.
//
// A Buffer tracks the next expected sequence number, the chunks that arrived
// early and the sequence numbers the server declared skipped. A gap blocks
// release until the missing chunk arrives, a skip covers it, or Reset starts
// a new utterance. There is no timeout.
package reseq

import (
	"log/slog"
	"sort"
	"sync"
)

type Buffer[T any] struct {
	mu sync.Mutex
	// emitMu keeps releases from concurrent callers in sequence order.
	emitMu sync.Mutex

	next     int
	buffered map[int]T
	skipped  map[int]string

	release func(seq int, item T)
	logger  *slog.Logger
}

// New returns a Buffer that hands released chunks to release in ascending
// sequence order. release runs outside the state lock but must not call back
// into the Buffer.
func New[T any](release func(seq int, item T), logger *slog.Logger) *Buffer[T] {
	if logger == nil {
		logger = slog.Default()
	}
	if release == nil {
		release = func(int, T) {}
	}
	return &Buffer[T]{
		buffered: make(map[int]T),
		skipped:  make(map[int]string),
		release:  release,
		logger:   logger,
	}
}

// OnChunk stores item under seq and releases everything that is now
// contiguous. It returns the number of chunks released.
func (b *Buffer[T]) OnChunk(seq int, item T) int {
	b.mu.Lock()
	switch {
	case seq < 0:
		b.mu.Unlock()
		b.logger.Warn("dropping tts chunk with negative sequence", "sequence", seq)
		return 0
	case seq < b.next:
		next := b.next
		b.mu.Unlock()
		b.logger.Debug("dropping stale tts chunk", "sequence", seq, "next_expected", next)
		return 0
	}
	if _, ok := b.skipped[seq]; ok {
		b.mu.Unlock()
		b.logger.Debug("dropping tts chunk for skipped sequence", "sequence", seq)
		return 0
	}
	if _, ok := b.buffered[seq]; ok {
		b.mu.Unlock()
		b.logger.Debug("dropping duplicate tts chunk", "sequence", seq)
		return 0
	}
	b.buffered[seq] = item
	out := b.drainLocked()
	b.emitMu.Lock()
	b.mu.Unlock()

	return b.emit(out)
}

// OnSkip marks seq as permanently missing and releases everything that is now
// contiguous. A skip for a chunk that is already buffered is ignored.
func (b *Buffer[T]) OnSkip(seq int, reason string) int {
	b.mu.Lock()
	if seq < b.next || seq < 0 {
		b.mu.Unlock()
		return 0
	}
	if _, ok := b.buffered[seq]; ok {
		b.mu.Unlock()
		b.logger.Debug("ignoring skip for buffered tts chunk", "sequence", seq, "reason", reason)
		return 0
	}
	b.skipped[seq] = reason
	out := b.drainLocked()
	b.emitMu.Lock()
	b.mu.Unlock()

	b.logger.Debug("tts chunk skipped", "sequence", seq, "reason", reason)
	return b.emit(out)
}

// Reset drops all buffered chunks and skips and rewinds to sequence 0.
func (b *Buffer[T]) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.next = 0
	clear(b.buffered)
	clear(b.skipped)
}

// Next is the sequence number the buffer is waiting for.
func (b *Buffer[T]) Next() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.next
}

// Pending lists buffered sequence numbers in ascending order.
func (b *Buffer[T]) Pending() []int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return sortedKeys(b.buffered)
}

// Skipped lists unresolved skipped sequence numbers in ascending order.
func (b *Buffer[T]) Skipped() []int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return sortedKeys(b.skipped)
}

type released[T any] struct {
	seq  int
	item T
}

func (b *Buffer[T]) drainLocked() []released[T] {
	var out []released[T]
	for {
		if item, ok := b.buffered[b.next]; ok {
			delete(b.buffered, b.next)
			out = append(out, released[T]{seq: b.next, item: item})
			b.next++
			continue
		}
		if _, ok := b.skipped[b.next]; ok {
			delete(b.skipped, b.next)
			b.next++
			continue
		}
		return out
	}
}

// emit must be called with emitMu held.
func (b *Buffer[T]) emit(out []released[T]) int {
	defer b.emitMu.Unlock()
	for _, r := range out {
		b.release(r.seq, r.item)
	}
	return len(out)
}

func sortedKeys[V any](m map[int]V) []int {
	if len(m) == 0 {
		return nil
	}
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}
