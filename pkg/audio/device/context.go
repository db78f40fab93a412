package device

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/ebitengine/oto/v3"
	"github.com/gen2brain/malgo"
)

// Compile-time interface checks.
var (
	_ Opener   = (*Context)(nil)
	_ Capture  = (*malgoCapture)(nil)
	_ Playback = (*otoPlayback)(nil)
)

// Context is the production [Opener]: microphone capture through miniaudio
// (malgo) and speaker playback through oto.
//
// miniaudio exposes no portable noise-suppression or echo-cancellation
// switches, so those are requested implicitly via the OS default device
// (which applies its own processing on most platforms). Self-echo is
// prevented structurally: nothing in this package connects a Capture to a
// Playback.
type Context struct {
	mu       sync.Mutex
	malgoCtx *malgo.AllocatedContext
	otoCtx   *oto.Context
	closed   bool
}

// NewContext initialises the platform audio backends. The miniaudio context
// is created eagerly; the oto context is created lazily on the first
// OpenPlayback call because oto binds its mixer rate at creation.
func NewContext() (*Context, error) {
	cfg := malgo.ContextConfig{}
	cfg.ThreadPriority = malgo.ThreadPriorityRealtime

	mctx, err := malgo.InitContext(nil, cfg, nil)
	if err != nil {
		return nil, fmt.Errorf("device: init capture context: %w", err)
	}
	return &Context{malgoCtx: mctx}, nil
}

// OpenCapture opens the default microphone as float32 mono at sampleRate
// with 20 ms device periods.
func (c *Context) OpenCapture(sampleRate int) (Capture, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, fmt.Errorf("device: context closed")
	}
	return &malgoCapture{ctx: c.malgoCtx.Context, sampleRate: sampleRate}, nil
}

// OpenPlayback opens the default speaker as signed 16-bit mono at sampleRate.
func (c *Context) OpenPlayback(sampleRate int) (Playback, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, fmt.Errorf("device: context closed")
	}

	if c.otoCtx == nil {
		otoCtx, ready, err := oto.NewContext(&oto.NewContextOptions{
			SampleRate:   sampleRate,
			ChannelCount: 1,
			Format:       oto.FormatSignedInt16LE,
			BufferSize:   100 * time.Millisecond,
		})
		if err != nil {
			return nil, fmt.Errorf("device: init playback context: %w", err)
		}
		<-ready
		c.otoCtx = otoCtx
	}

	p := &otoPlayback{otoCtx: c.otoCtx}
	p.cond = sync.NewCond(&p.mu)
	return p, nil
}

// Close uninitialises the miniaudio context. The oto context has no close
// operation; its resources are released with the process. Idempotent.
func (c *Context) Close(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if err := c.malgoCtx.Uninit(); err != nil {
		return fmt.Errorf("device: uninit capture context: %w", err)
	}
	c.malgoCtx.Free()
	return nil
}

// ── malgo capture ─────────────────────────────────────────────────────────────

type malgoCapture struct {
	ctx        malgo.Context
	sampleRate int

	mu     sync.Mutex
	device *malgo.Device
}

func (m *malgoCapture) Start(onSamples func([]float32)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.device != nil {
		return fmt.Errorf("device: capture already started")
	}

	cfg := malgo.DefaultDeviceConfig(malgo.Capture)
	cfg.Capture.Format = malgo.FormatF32
	cfg.Capture.Channels = 1
	cfg.SampleRate = uint32(m.sampleRate)
	cfg.PeriodSizeInMilliseconds = 20

	callbacks := malgo.DeviceCallbacks{
		Data: func(_, pInput []byte, frameCount uint32) {
			onSamples(decodeF32(pInput, int(frameCount)))
		},
	}

	dev, err := malgo.InitDevice(m.ctx, cfg, callbacks)
	if err != nil {
		return fmt.Errorf("device: init microphone: %w", err)
	}
	if err := dev.Start(); err != nil {
		dev.Uninit()
		return fmt.Errorf("device: start microphone: %w", err)
	}
	m.device = dev
	return nil
}

// Stop halts the device. miniaudio's stop is synchronous but can stall on
// misbehaving drivers, so it runs in a goroutine bounded by ctx; on timeout
// the device is abandoned and an error is returned for logging.
func (m *malgoCapture) Stop(ctx context.Context) error {
	m.mu.Lock()
	dev := m.device
	m.device = nil
	m.mu.Unlock()
	if dev == nil {
		return nil
	}

	done := make(chan error, 1)
	go func() {
		err := dev.Stop()
		dev.Uninit()
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("device: stop microphone: %w", err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("device: stop microphone: %w", ctx.Err())
	}
}

// decodeF32 reinterprets little-endian float32 PCM bytes as a sample slice.
func decodeF32(data []byte, frames int) []float32 {
	n := len(data) / 4
	if frames > 0 && frames < n {
		n = frames
	}
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		bits := uint32(data[i*4]) |
			uint32(data[i*4+1])<<8 |
			uint32(data[i*4+2])<<16 |
			uint32(data[i*4+3])<<24
		out[i] = math.Float32frombits(bits)
	}
	return out
}

// ── oto playback ──────────────────────────────────────────────────────────────

// otoPlayback buffers PCM writes and feeds them to an oto player via the
// pull-based io.Reader contract. The player is created lazily on first write
// so a silent session never spins up the mixer.
type otoPlayback struct {
	otoCtx *oto.Context

	mu      sync.Mutex
	cond    *sync.Cond
	buf     []byte
	player  *oto.Player
	playing bool
	closed  bool
}

func (p *otoPlayback) Write(pcm []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return fmt.Errorf("device: playback closed")
	}

	p.buf = append(p.buf, pcm...)
	if !p.playing {
		p.playing = true
		p.player = p.otoCtx.NewPlayer(p)
		p.player.Play()
	}
	p.cond.Signal()
	return nil
}

// Read implements io.Reader for the oto player pull loop.
func (p *otoPlayback) Read(out []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for len(p.buf) == 0 && !p.closed {
		p.cond.Wait()
	}
	if p.closed && len(p.buf) == 0 {
		// Feed silence so oto drains gracefully instead of erroring.
		for i := range out {
			out[i] = 0
		}
		return len(out), nil
	}
	n := copy(out, p.buf)
	p.buf = p.buf[n:]
	return n, nil
}

// Flush discards buffered audio and resets the player so stale speech never
// overlaps audio scheduled after an interruption.
func (p *otoPlayback) Flush() error {
	p.mu.Lock()
	p.buf = p.buf[:0]
	player := p.player
	p.player = nil
	p.playing = false
	p.mu.Unlock()

	if player != nil {
		player.Pause()
		player.Reset()
		player.Close()
	}
	return nil
}

func (p *otoPlayback) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.cond.Broadcast()
	player := p.player
	p.player = nil
	p.mu.Unlock()

	if player == nil {
		return nil
	}
	done := make(chan error, 1)
	go func() { done <- player.Close() }()
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("device: close playback: %w", err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("device: close playback: %w", ctx.Err())
	}
}
