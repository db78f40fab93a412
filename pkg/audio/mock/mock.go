// Package mock provides in-memory mock implementations of the
// [device.Opener], [device.Capture], and [device.Playback] interfaces for use
// in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so
// that tests can assert on call counts and arguments, and they expose
// exported fields the test can set to control return values.
//
// Typical usage:
//
//	cap := &mock.Capture{}
//	opener := &mock.Opener{CaptureResult: cap, PlaybackResult: &mock.Playback{}}
//	// ... run the code under test ...
//	cap.Push([]float32{0.1, -0.1})
package mock

import (
	"context"
	"sync"

	"github.com/cavernlabs/cavern/pkg/audio/device"
)

// Compile-time interface checks.
var (
	_ device.Opener   = (*Opener)(nil)
	_ device.Capture  = (*Capture)(nil)
	_ device.Playback = (*Playback)(nil)
)

// ─── Opener ───────────────────────────────────────────────────────────────────

// Opener is a mock [device.Opener]. Set the Result/Error fields before use;
// inspect the CallCount fields after.
type Opener struct {
	mu sync.Mutex

	// CaptureResult is returned by OpenCapture. Defaults to a new [Capture].
	CaptureResult *Capture

	// CaptureError, when non-nil, is returned by OpenCapture instead.
	CaptureError error

	// PlaybackResult is returned by OpenPlayback. Defaults to a new [Playback].
	PlaybackResult *Playback

	// PlaybackError, when non-nil, is returned by OpenPlayback instead.
	PlaybackError error

	// CloseError is returned by Close.
	CloseError error

	CallCountOpenCapture  int
	CallCountOpenPlayback int
	CallCountClose        int
}

// OpenCapture implements [device.Opener].
func (o *Opener) OpenCapture(int) (device.Capture, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.CallCountOpenCapture++
	if o.CaptureError != nil {
		return nil, o.CaptureError
	}
	if o.CaptureResult == nil {
		o.CaptureResult = &Capture{}
	}
	return o.CaptureResult, nil
}

// OpenPlayback implements [device.Opener].
func (o *Opener) OpenPlayback(int) (device.Playback, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.CallCountOpenPlayback++
	if o.PlaybackError != nil {
		return nil, o.PlaybackError
	}
	if o.PlaybackResult == nil {
		o.PlaybackResult = &Playback{}
	}
	return o.PlaybackResult, nil
}

// Close implements [device.Opener].
func (o *Opener) Close(context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.CallCountClose++
	return o.CloseError
}

// ─── Capture ──────────────────────────────────────────────────────────────────

// Capture is a mock [device.Capture]. Tests feed samples to the registered
// callback with [Capture.Push].
type Capture struct {
	mu sync.Mutex

	// StartError, when non-nil, is returned by Start.
	StartError error

	// StopError is returned by Stop.
	StopError error

	CallCountStart int
	CallCountStop  int

	onSamples func([]float32)
}

// Start implements [device.Capture].
func (c *Capture) Start(onSamples func([]float32)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CallCountStart++
	if c.StartError != nil {
		return c.StartError
	}
	c.onSamples = onSamples
	return nil
}

// Stop implements [device.Capture].
func (c *Capture) Stop(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CallCountStop++
	c.onSamples = nil
	return c.StopError
}

// Push delivers samples to the callback registered via Start, simulating a
// device data callback. It is a no-op if the capture is not started.
func (c *Capture) Push(samples []float32) {
	c.mu.Lock()
	cb := c.onSamples
	c.mu.Unlock()
	if cb != nil {
		cb(samples)
	}
}

// Started reports whether a callback is currently registered.
func (c *Capture) Started() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.onSamples != nil
}

// ─── Playback ─────────────────────────────────────────────────────────────────

// Playback is a mock [device.Playback] that records all writes.
type Playback struct {
	mu sync.Mutex

	// WriteError, when non-nil, is returned by Write.
	WriteError error

	// CloseError is returned by Close.
	CloseError error

	writes [][]byte

	CallCountFlush int
	CallCountClose int
}

// Write implements [device.Playback].
func (p *Playback) Write(pcm []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.WriteError != nil {
		return p.WriteError
	}
	cp := make([]byte, len(pcm))
	copy(cp, pcm)
	p.writes = append(p.writes, cp)
	return nil
}

// Flush implements [device.Playback].
func (p *Playback) Flush() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CallCountFlush++
	return nil
}

// Close implements [device.Playback].
func (p *Playback) Close(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CallCountClose++
	return p.CloseError
}

// Writes returns a copy of all PCM buffers written so far.
func (p *Playback) Writes() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([][]byte, len(p.writes))
	copy(out, p.writes)
	return out
}
