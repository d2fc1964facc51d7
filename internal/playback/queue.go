// Package playback holds the ordered playback queue for the model's audio
// reply segments.
//
// Segments play strictly in enqueue order with a single drain at a time.
// A device that cannot be (re)started, or that refuses a segment while one
// is still rendering, never loses data: the undelivered segment goes back
// to the front of the queue and the drain aborts until the next enqueue
// retries it.
package playback

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/yeyulab/screentalk/pkg/device"
	"github.com/yeyulab/screentalk/pkg/media"
)

// minSegmentBytes is one int16 sample; anything shorter is a malformed
// segment and is skipped without error.
const minSegmentBytes = 2

// Option configures a Queue.
type Option func(*Queue)

// WithLogger sets the logger. Defaults to slog.Default.
func WithLogger(log *slog.Logger) Option {
	return func(q *Queue) { q.log = log }
}

// WithSampleRate sets the PCM rate of enqueued segments. Defaults to the
// inbound playback rate.
func WithSampleRate(rate int) Option {
	return func(q *Queue) { q.sampleRate = rate }
}

// WithErrorFunc registers a callback for playback errors surfaced during a
// drain. Called outside the queue lock.
func WithErrorFunc(fn func(error)) Option {
	return func(q *Queue) { q.onError = fn }
}

// Queue is a FIFO of raw PCM16 segments drained one at a time onto a
// playback device.
type Queue struct {
	player     device.Player
	sampleRate int
	log        *slog.Logger
	onError    func(error)

	mu      sync.Mutex
	items   [][]byte
	playing bool
	// gen invalidates an in-flight drain after Clear so a cleared queue
	// cannot be drained by a stale goroutine.
	gen uint64
}

// New creates a Queue draining onto player.
func New(player device.Player, opts ...Option) *Queue {
	q := &Queue{
		player:     player,
		sampleRate: media.PlaybackSampleRate,
		log:        slog.Default(),
	}
	for _, o := range opts {
		o(q)
	}
	q.log = q.log.With("component", "playback")
	return q
}

// Enqueue appends one segment and starts a drain if none is running.
func (q *Queue) Enqueue(pcm []byte) {
	q.mu.Lock()
	q.items = append(q.items, pcm)
	start := !q.playing
	if start {
		q.playing = true
	}
	gen := q.gen
	q.mu.Unlock()

	if start {
		go q.drain(gen)
	}
}

// Clear discards all pending segments and resets the playing flag. Any
// in-flight drain stops after its current segment.
func (q *Queue) Clear() {
	q.mu.Lock()
	q.items = nil
	q.playing = false
	q.gen++
	q.mu.Unlock()
}

// Playing reports whether a drain is active.
func (q *Queue) Playing() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.playing
}

// Depth returns the number of pending segments.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// drain pops and plays segments until the queue empties, the generation
// changes, or the device cannot take a segment.
func (q *Queue) drain(gen uint64) {
	for {
		q.mu.Lock()
		if q.gen != gen {
			q.mu.Unlock()
			return
		}
		if len(q.items) == 0 {
			q.playing = false
			q.mu.Unlock()
			return
		}
		item := q.items[0]
		q.items = q.items[1:]
		q.mu.Unlock()

		if len(item) < minSegmentBytes {
			continue
		}

		if !q.player.Running() {
			if err := q.player.Start(); err != nil {
				// Requeue at the front so nothing is lost; the next
				// enqueue retries from this same segment.
				q.mu.Lock()
				if q.gen == gen {
					q.items = append([][]byte{item}, q.items...)
				}
				q.playing = false
				q.mu.Unlock()
				q.report(fmt.Errorf("playback: device start: %w", err))
				return
			}
		}

		samples := media.DecodePCM16(item)
		done := make(chan struct{})
		if err := q.player.Play(samples, q.sampleRate, func() { close(done) }); err != nil {
			// The device refused the segment, typically because a Clear
			// left an earlier one still rendering. Put it back and abort;
			// the next enqueue retries once the device frees up.
			q.mu.Lock()
			if q.gen == gen {
				q.items = append([][]byte{item}, q.items...)
			}
			q.playing = false
			q.mu.Unlock()
			q.report(fmt.Errorf("playback: play segment: %w", err))
			return
		}
		<-done
	}
}

func (q *Queue) report(err error) {
	q.log.Warn("playback error", "err", err)
	if q.onError != nil {
		q.onError(err)
	}
}
