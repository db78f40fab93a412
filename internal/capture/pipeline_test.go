package capture_test

import (
	"context"
	"encoding/binary"
	"testing"
	"time"

	"github.com/cavernlabs/cavern/internal/capture"
	"github.com/cavernlabs/cavern/internal/observe"
	"github.com/cavernlabs/cavern/pkg/audio"
	"github.com/cavernlabs/cavern/pkg/audio/mock"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func newTestMetrics(t *testing.T) (*observe.Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	m, err := observe.NewMetrics(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)))
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

func counterValue(t *testing.T, reader *sdkmetric.ManualReader, name string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("%s data type = %T", name, m.Data)
			}
			var total int64
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
			return total
		}
	}
	return 0
}

// frameOf builds one full frame of constant samples whose 16-bit value is
// marker, so tests can tell frames apart after conversion.
func frameOf(marker int16) []float32 {
	samples := make([]float32, audio.FrameSamples)
	// Half a step above the marker so float rounding cannot truncate to the
	// value below.
	v := (float32(marker) + 0.5) / 32767
	for i := range samples {
		samples[i] = v
	}
	return samples
}

func firstSample(t *testing.T, pcm []byte) int16 {
	t.Helper()
	if len(pcm) < 2 {
		t.Fatalf("pcm too short: %d bytes", len(pcm))
	}
	return int16(binary.LittleEndian.Uint16(pcm))
}

func recvFrame(t *testing.T, ch <-chan []byte) []byte {
	t.Helper()
	select {
	case pcm := <-ch:
		return pcm
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for frame")
		return nil
	}
}

func TestPipeline_SlicesCallbacksIntoFrames(t *testing.T) {
	t.Parallel()

	mic := &mock.Capture{}
	sent := make(chan []byte, 16)
	metrics, _ := newTestMetrics(t)

	p := capture.New(mic, func(pcm []byte) error {
		sent <- pcm
		return nil
	}, capture.Config{Metrics: metrics})

	if err := p.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer p.Stop(context.Background())

	// 2.5 frames worth of samples in one callback: two frames now, the
	// remainder carried over.
	mic.Push(make([]float32, audio.FrameSamples*5/2))

	for i := 0; i < 2; i++ {
		if pcm := recvFrame(t, sent); len(pcm) != audio.FrameSamples*2 {
			t.Fatalf("frame %d size = %d bytes, want %d", i, len(pcm), audio.FrameSamples*2)
		}
	}
	select {
	case <-sent:
		t.Fatal("partial frame emitted before enough samples arrived")
	case <-time.After(50 * time.Millisecond):
	}

	// Half a frame more completes the third frame.
	mic.Push(make([]float32, audio.FrameSamples/2))
	recvFrame(t, sent)
}

func TestPipeline_DropsOldestWhenQueueFull(t *testing.T) {
	t.Parallel()

	mic := &mock.Capture{}
	entered := make(chan struct{})
	release := make(chan struct{})
	sent := make(chan []byte, 16)
	metrics, reader := newTestMetrics(t)

	first := true
	p := capture.New(mic, func(pcm []byte) error {
		if first {
			first = false
			close(entered)
			<-release
		}
		sent <- pcm
		return nil
	}, capture.Config{QueueDepth: 2, Metrics: metrics})

	if err := p.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer p.Stop(context.Background())

	// Frame 0 occupies the sender, which then blocks.
	mic.Push(frameOf(0))
	<-entered

	// Five more frames against a depth-2 queue: 1, 2, 3 fall out oldest
	// first, 4 and 5 survive.
	for marker := int16(1); marker <= 5; marker++ {
		mic.Push(frameOf(marker))
	}
	close(release)

	var got []int16
	for i := 0; i < 3; i++ {
		got = append(got, firstSample(t, recvFrame(t, sent)))
	}
	if got[0] != 0 || got[1] != 4 || got[2] != 5 {
		t.Fatalf("delivered frames = %v, want [0 4 5]", got)
	}

	if dropped := counterValue(t, reader, "cavern.capture.dropped"); dropped != 3 {
		t.Fatalf("dropped counter = %d, want 3", dropped)
	}
	if frames := counterValue(t, reader, "cavern.capture.frames"); frames != 6 {
		t.Fatalf("frames counter = %d, want 6", frames)
	}
}

func TestPipeline_LevelTap(t *testing.T) {
	t.Parallel()

	mic := &mock.Capture{}
	metrics, _ := newTestMetrics(t)

	levels := make(chan float32, 4)
	p := capture.New(mic, func([]byte) error { return nil }, capture.Config{
		Level:   func(l float32) { levels <- l },
		Metrics: metrics,
	})
	if err := p.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer p.Stop(context.Background())

	mic.Push([]float32{0.5, -0.5, 0.5, -0.5})
	select {
	case l := <-levels:
		if l <= 0.4 || l > 0.6 {
			t.Fatalf("level = %v, want ~0.5", l)
		}
	case <-time.After(time.Second):
		t.Fatal("level tap never called")
	}
}

func TestPipeline_Lifecycle(t *testing.T) {
	t.Parallel()

	mic := &mock.Capture{}
	metrics, _ := newTestMetrics(t)
	p := capture.New(mic, func([]byte) error { return nil }, capture.Config{Metrics: metrics})

	if err := p.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := p.Start(); err == nil {
		t.Fatal("second Start did not fail")
	}

	if err := p.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if mic.Started() {
		t.Fatal("mic still started after Stop")
	}
	if mic.CallCountStop != 1 {
		t.Fatalf("CallCountStop = %d, want 1", mic.CallCountStop)
	}

	// Stop is idempotent.
	if err := p.Stop(context.Background()); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
	if mic.CallCountStop != 1 {
		t.Fatalf("CallCountStop after idempotent Stop = %d, want 1", mic.CallCountStop)
	}
}
