// Package capture turns raw microphone callbacks into fixed-size PCM frames
// and forwards them to the transport.
//
// Device callbacks deliver float32 sample blocks of arbitrary length on the
// audio thread. The [Pipeline] re-slices them into 20 ms frames, converts to
// 16-bit PCM, and hands them to a bounded queue drained by a dedicated
// sender goroutine. When the transport stalls the queue drops its oldest
// frames rather than blocking the audio thread: for live speech, fresh audio
// beats complete audio.
package capture

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/cavernlabs/cavern/internal/observe"
	"github.com/cavernlabs/cavern/pkg/audio"
	"github.com/cavernlabs/cavern/pkg/audio/device"
)

// DefaultQueueDepth bounds the frame queue between the audio thread and the
// sender goroutine. 64 frames of 20 ms is 1.28 s of backlog.
const DefaultQueueDepth = 64

// SendFunc delivers one frame of 16-bit little-endian PCM to the transport.
type SendFunc func(pcm []byte) error

// Config tunes a Pipeline.
type Config struct {
	// QueueDepth bounds the outbound frame queue. Zero means
	// [DefaultQueueDepth].
	QueueDepth int

	// Level, when non-nil, receives the RMS level of every callback block.
	// Called on the audio thread; must return quickly.
	Level func(level float32)

	// Metrics receives frame and drop counters. Nil means [observe.Default].
	Metrics *observe.Metrics
}

// Pipeline owns the microphone frame flow for one session.
type Pipeline struct {
	mic     device.Capture
	send    SendFunc
	level   func(float32)
	metrics *observe.Metrics

	queue chan audio.Frame

	// remainder and seq are touched only from the device callback, which the
	// audio backend serializes.
	remainder []float32
	seq       uint64

	mu      sync.Mutex
	started bool
	done    chan struct{}
	wg      sync.WaitGroup
}

// New creates a Pipeline reading from mic and forwarding frames via send.
// The mic must be open but not started.
func New(mic device.Capture, send SendFunc, cfg Config) *Pipeline {
	depth := cfg.QueueDepth
	if depth <= 0 {
		depth = DefaultQueueDepth
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = observe.Default()
	}
	return &Pipeline{
		mic:     mic,
		send:    send,
		level:   cfg.Level,
		metrics: metrics,
		queue:   make(chan audio.Frame, depth),
	}
}

// Start begins capturing and launches the sender goroutine. Starting an
// already started Pipeline is an error.
func (p *Pipeline) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return fmt.Errorf("capture: pipeline already started")
	}

	if err := p.mic.Start(p.onSamples); err != nil {
		return fmt.Errorf("starting microphone: %w", err)
	}
	p.started = true
	p.done = make(chan struct{})

	p.wg.Add(1)
	go p.senderLoop(p.done)
	return nil
}

// Stop halts the microphone, shuts down the sender, and discards any queued
// frames. Safe to call more than once.
func (p *Pipeline) Stop(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started {
		return nil
	}
	p.started = false

	err := p.mic.Stop(ctx)
	close(p.done)
	p.wg.Wait()
	if err != nil {
		return fmt.Errorf("stopping microphone: %w", err)
	}
	return nil
}

// onSamples runs on the audio thread for every device callback block.
func (p *Pipeline) onSamples(samples []float32) {
	if p.level != nil {
		p.level(audio.RMSLevel(samples))
	}

	p.remainder = append(p.remainder, samples...)
	for len(p.remainder) >= audio.FrameSamples {
		block := p.remainder[:audio.FrameSamples]
		frame := audio.Frame{
			Data: audio.Float32ToPCM16(block),
			Seq:  p.seq,
		}
		p.seq++
		p.remainder = p.remainder[audio.FrameSamples:]
		p.enqueue(frame)
	}
	// Compact so the backing array does not grow without bound.
	if len(p.remainder) == 0 {
		p.remainder = nil
	} else if cap(p.remainder) > 4*audio.FrameSamples {
		p.remainder = append(make([]float32, 0, audio.FrameSamples), p.remainder...)
	}
}

// enqueue places a frame on the queue without ever blocking the audio
// thread. When the queue is full the oldest frame is discarded to make room.
func (p *Pipeline) enqueue(frame audio.Frame) {
	ctx := context.Background()
	for {
		select {
		case p.queue <- frame:
			p.metrics.CaptureFrames.Add(ctx, 1)
			return
		default:
		}
		select {
		case <-p.queue:
			p.metrics.CaptureDropped.Add(ctx, 1)
		default:
		}
	}
}

// senderLoop drains the queue and forwards frames. Send failures are logged
// and the frame dropped: the session's event loop observes transport failure
// through its own event stream, not through the capture path.
func (p *Pipeline) senderLoop(done <-chan struct{}) {
	defer p.wg.Done()
	for {
		select {
		case <-done:
			return
		case frame := <-p.queue:
			if err := p.send(frame.Data); err != nil {
				slog.Debug("dropping capture frame, send failed", "seq", frame.Seq, "error", err)
			}
		}
	}
}
