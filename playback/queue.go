// Package playback provides the fallback audio path: an ordered queue that
// decodes and plays PCM16 chunks strictly one at a time. It is used only
// when no avatar sink is registered on the session.
package playback

import (
	"context"
	"log/slog"
	"sync"

	"github.com/voicelink-app/voicelink/audio"
)

// Player plays one complete WAV clip and returns when playback finishes.
type Player interface {
	Play(ctx context.Context, wav []byte) error
}

// PlayerFunc adapts a function to the Player interface.
type PlayerFunc func(ctx context.Context, wav []byte) error

func (f PlayerFunc) Play(ctx context.Context, wav []byte) error { return f(ctx, wav) }

// Queue plays enqueued chunks sequentially in arrival order. A chunk that
// fails to decode or play is logged and skipped; it never stalls the queue.
type Queue struct {
	player Player
	rate   int

	mu      sync.Mutex
	pending [][]byte
	closed  bool

	wake   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewQueue creates a queue that wraps chunks as WAV at the given sample
// rate and hands them to player one at a time.
func NewQueue(player Player, sampleRate int) *Queue {
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		player: player,
		rate:   sampleRate,
		wake:   make(chan struct{}, 1),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go q.run()
	return q
}

// Add enqueues one PCM16 chunk for playback.
func (q *Queue) Add(pcm []byte) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.pending = append(q.pending, pcm)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Clear drops all unplayed chunks immediately. It does not stop a chunk
// already in mid-playback; callers needing a hard stop must also silence
// the player.
func (q *Queue) Clear() {
	q.mu.Lock()
	q.pending = nil
	q.mu.Unlock()
}

// Len returns the number of unplayed chunks.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Close drops pending chunks, interrupts the in-flight play, and stops the
// worker. Safe to call more than once.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.pending = nil
	q.mu.Unlock()

	q.cancel()
	<-q.done
}

func (q *Queue) run() {
	defer close(q.done)

	for {
		chunk, ok := q.pop()
		if !ok {
			select {
			case <-q.wake:
				continue
			case <-q.ctx.Done():
				return
			}
		}

		if err := q.player.Play(q.ctx, audio.WrapWAV(chunk, q.rate)); err != nil {
			if q.ctx.Err() != nil {
				return
			}
			slog.Warn("playback chunk skipped", "error", err, "bytes", len(chunk))
		}
	}
}

func (q *Queue) pop() ([]byte, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return nil, false
	}
	chunk := q.pending[0]
	q.pending = q.pending[1:]
	return chunk, true
}
