package playback_test

import (
	"sync"
	"testing"
	"time"

	"github.com/cavernlabs/cavern/internal/observe"
	"github.com/cavernlabs/cavern/internal/playback"
	"github.com/cavernlabs/cavern/pkg/audio"
	"github.com/cavernlabs/cavern/pkg/audio/mock"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// fakeClock is a manually advanced clock. After timers fire when Advance
// moves the clock past their deadline.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []fakeTimer
}

type fakeTimer struct {
	at time.Time
	ch chan time.Time
}

func newFakeClock(at time.Time) *fakeClock {
	return &fakeClock{now: at}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := make(chan time.Time, 1)
	if d <= 0 {
		ch <- c.now
		return ch
	}
	c.timers = append(c.timers, fakeTimer{at: c.now.Add(d), ch: ch})
	return ch
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	var remaining []fakeTimer
	for _, tm := range c.timers {
		if tm.at.After(c.now) {
			remaining = append(remaining, tm)
			continue
		}
		tm.ch <- c.now
	}
	c.timers = remaining
}

// awaitTimers waits until n timers are registered, so Advance cannot race
// ahead of the scheduler's tracking goroutines.
func (c *fakeClock) awaitTimers(t *testing.T, n int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		got := len(c.timers)
		c.mu.Unlock()
		if got >= n {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d timers", n)
}

func newScheduler(t *testing.T, clock playback.Clock) (*playback.Scheduler, *mock.Playback) {
	t.Helper()
	m, err := observe.NewMetrics(sdkmetric.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	sink := &mock.Playback{}
	s := playback.New(sink, playback.Config{Clock: clock, Metrics: m})
	t.Cleanup(s.Close)
	return s, sink
}

// chunkOf builds a 24 kHz mono chunk of the given duration.
func chunkOf(d time.Duration) audio.Chunk {
	samples := int(d * audio.PlaybackRate / time.Second)
	return audio.Chunk{
		Data:       make([]byte, samples*2),
		SampleRate: audio.PlaybackRate,
		Channels:   1,
	}
}

func TestSchedule_GaplessStarts(t *testing.T) {
	t.Parallel()

	t0 := time.Date(2026, 8, 25, 12, 0, 10, 0, time.UTC)
	clock := newFakeClock(t0)
	s, sink := newScheduler(t, clock)

	durations := []time.Duration{500 * time.Millisecond, 300 * time.Millisecond, 400 * time.Millisecond}
	wantStarts := []time.Time{t0, t0.Add(500 * time.Millisecond), t0.Add(800 * time.Millisecond)}

	for i, d := range durations {
		start, err := s.Schedule(chunkOf(d))
		if err != nil {
			t.Fatalf("Schedule(%v): %v", d, err)
		}
		if !start.Equal(wantStarts[i]) {
			t.Fatalf("chunk %d start = %v, want %v", i, start, wantStarts[i])
		}
	}

	if cursor := s.Cursor(); !cursor.Equal(t0.Add(1200 * time.Millisecond)) {
		t.Fatalf("cursor = %v, want %v", cursor, t0.Add(1200*time.Millisecond))
	}
	if got := len(sink.Writes()); got != 3 {
		t.Fatalf("sink writes = %d, want 3", got)
	}
	if s.Pending() != 3 {
		t.Fatalf("pending = %d, want 3", s.Pending())
	}
}

func TestSchedule_StartsImmediatelyWhenCursorPast(t *testing.T) {
	t.Parallel()

	t0 := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	clock := newFakeClock(t0)
	s, _ := newScheduler(t, clock)

	if _, err := s.Schedule(chunkOf(100 * time.Millisecond)); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	clock.awaitTimers(t, 1)

	// Well past the first chunk's end: the next chunk starts at now, not at
	// the stale cursor.
	clock.Advance(5 * time.Second)
	start, err := s.Schedule(chunkOf(100 * time.Millisecond))
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if !start.Equal(clock.Now()) {
		t.Fatalf("start = %v, want now %v", start, clock.Now())
	}
}

func TestDrained_SignalsAfterNaturalCompletion(t *testing.T) {
	t.Parallel()

	t0 := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	clock := newFakeClock(t0)
	s, _ := newScheduler(t, clock)

	s.Schedule(chunkOf(500 * time.Millisecond))
	s.Schedule(chunkOf(300 * time.Millisecond))
	clock.awaitTimers(t, 2)

	clock.Advance(800 * time.Millisecond)

	select {
	case <-s.Drained():
	case <-time.After(time.Second):
		t.Fatal("no drained signal after all chunks completed")
	}
	if s.Pending() != 0 {
		t.Fatalf("pending = %d after drain, want 0", s.Pending())
	}
	if !s.Cursor().IsZero() {
		t.Fatalf("cursor = %v after drain, want zero", s.Cursor())
	}
}

func TestInterrupt_FlushesAndResets(t *testing.T) {
	t.Parallel()

	t0 := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	clock := newFakeClock(t0)
	s, sink := newScheduler(t, clock)

	s.Schedule(chunkOf(500 * time.Millisecond))
	s.Schedule(chunkOf(500 * time.Millisecond))
	clock.awaitTimers(t, 2)

	if err := s.Interrupt(); err != nil {
		t.Fatalf("Interrupt: %v", err)
	}
	if s.Pending() != 0 {
		t.Fatalf("pending = %d after interrupt, want 0", s.Pending())
	}
	if !s.Cursor().IsZero() {
		t.Fatalf("cursor = %v after interrupt, want zero", s.Cursor())
	}
	if sink.CallCountFlush != 1 {
		t.Fatalf("sink flushes = %d, want 1", sink.CallCountFlush)
	}

	// The interrupted chunks' timers firing later must not signal drained.
	clock.Advance(time.Second)
	select {
	case <-s.Drained():
		t.Fatal("drained signal from interrupted chunks")
	case <-time.After(100 * time.Millisecond):
	}

	// Next chunk starts immediately.
	start, err := s.Schedule(chunkOf(100 * time.Millisecond))
	if err != nil {
		t.Fatalf("Schedule after interrupt: %v", err)
	}
	if !start.Equal(clock.Now()) {
		t.Fatalf("start = %v, want now %v", start, clock.Now())
	}
}

func TestClose_RejectsFurtherScheduling(t *testing.T) {
	t.Parallel()

	clock := newFakeClock(time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC))
	s, _ := newScheduler(t, clock)

	s.Schedule(chunkOf(500 * time.Millisecond))
	clock.awaitTimers(t, 1)

	s.Close()
	s.Close() // idempotent

	if _, err := s.Schedule(chunkOf(100 * time.Millisecond)); err == nil {
		t.Fatal("Schedule after Close did not fail")
	}
}
