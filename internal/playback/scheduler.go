// Package playback schedules inbound audio chunks for gapless output and
// owns the barge-in flush.
//
// Chunks stream in faster than real time, so the [Scheduler] keeps a cursor:
// the timeline position where appended audio ends. Each chunk is placed at
// max(cursor, now) and the cursor advances by the chunk's duration, which
// makes consecutive starts meet exactly and never overlap. PCM is written to
// the sink as soon as it is scheduled; the sink buffers and plays in real
// time, while the scheduler tracks each chunk until its timeline end so it
// knows when output has genuinely drained.
package playback

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cavernlabs/cavern/internal/observe"
	"github.com/cavernlabs/cavern/pkg/audio"
)

// Clock abstracts time so scheduling is testable without a device.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time                         { return time.Now() }
func (systemClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// SystemClock returns the wall-clock [Clock].
func SystemClock() Clock { return systemClock{} }

// Sink receives scheduled PCM. [device.Playback] satisfies it.
type Sink interface {
	// Write appends PCM to the output buffer.
	Write(pcm []byte) error

	// Flush discards all buffered, not-yet-played audio.
	Flush() error
}

// Config tunes a Scheduler.
type Config struct {
	// Clock overrides the time source. Nil means the system clock.
	Clock Clock

	// Metrics receives chunk and interrupt counters. Nil means
	// [observe.Default].
	Metrics *observe.Metrics
}

// Scheduler owns the playback timeline for one session.
type Scheduler struct {
	sink    Sink
	clock   Clock
	metrics *observe.Metrics

	mu      sync.Mutex
	cursor  time.Time // zero when no audio is pending
	pending map[uint64]struct{}
	nextID  uint64
	gen     uint64 // bumped on Interrupt; stale completions check it
	closed  bool

	done    chan struct{}
	wg      sync.WaitGroup
	drained chan struct{}
}

// New creates a Scheduler writing to sink.
func New(sink Sink, cfg Config) *Scheduler {
	clock := cfg.Clock
	if clock == nil {
		clock = SystemClock()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = observe.Default()
	}
	return &Scheduler{
		sink:    sink,
		clock:   clock,
		metrics: metrics,
		pending: make(map[uint64]struct{}),
		done:    make(chan struct{}),
		drained: make(chan struct{}, 1),
	}
}

// Schedule appends one chunk to the timeline and returns its computed start.
// The chunk starts at the cursor, or immediately when the cursor is in the
// past, and the cursor moves to the chunk's end.
func (s *Scheduler) Schedule(chunk audio.Chunk) (time.Time, error) {
	dur := chunk.Duration()
	if dur <= 0 {
		return time.Time{}, fmt.Errorf("playback: chunk has no duration")
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return time.Time{}, fmt.Errorf("playback: scheduler closed")
	}

	now := s.clock.Now()
	start := s.cursor
	if start.Before(now) {
		start = now
	}
	end := start.Add(dur)
	s.cursor = end

	id := s.nextID
	s.nextID++
	s.pending[id] = struct{}{}
	gen := s.gen

	if err := s.sink.Write(chunk.Data); err != nil {
		delete(s.pending, id)
		s.mu.Unlock()
		return time.Time{}, fmt.Errorf("writing to playback sink: %w", err)
	}

	s.wg.Add(1)
	s.mu.Unlock()

	s.metrics.PlaybackChunks.Add(context.Background(), 1)
	go s.trackUntil(id, gen, end)
	return start, nil
}

// trackUntil waits for the chunk's timeline end, then retires it. The last
// natural retirement of a generation signals drained.
func (s *Scheduler) trackUntil(id, gen uint64, end time.Time) {
	defer s.wg.Done()

	if wait := end.Sub(s.clock.Now()); wait > 0 {
		select {
		case <-s.clock.After(wait):
		case <-s.done:
			return
		}
	}

	s.mu.Lock()
	if s.closed || gen != s.gen {
		s.mu.Unlock()
		return
	}
	delete(s.pending, id)
	empty := len(s.pending) == 0
	if empty {
		s.cursor = time.Time{}
	}
	s.mu.Unlock()

	if empty {
		select {
		case s.drained <- struct{}{}:
		default:
		}
	}
}

// Interrupt discards everything pending: the sink's buffered audio is
// flushed, in-flight chunks are forgotten, and the cursor resets so the next
// chunk starts immediately. No drained signal is emitted.
func (s *Scheduler) Interrupt() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("playback: scheduler closed")
	}
	had := len(s.pending)
	s.gen++
	s.pending = make(map[uint64]struct{})
	s.cursor = time.Time{}
	err := s.sink.Flush()
	s.mu.Unlock()

	if had > 0 {
		s.metrics.PlaybackInterrupts.Add(context.Background(), 1)
	}
	if err != nil {
		return fmt.Errorf("flushing playback sink: %w", err)
	}
	return nil
}

// Drained yields a signal each time the pending set empties through natural
// completion. Interruption never signals here.
func (s *Scheduler) Drained() <-chan struct{} { return s.drained }

// Pending reports how many scheduled chunks have not yet reached their
// timeline end.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Cursor returns the timeline position where appended audio ends. Zero when
// nothing is pending.
func (s *Scheduler) Cursor() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

// Close stops the scheduler and releases its tracking goroutines. The sink
// is not flushed or closed; that belongs to the session teardown. Safe to
// call more than once.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.pending = make(map[uint64]struct{})
	close(s.done)
	s.mu.Unlock()
	s.wg.Wait()
}
