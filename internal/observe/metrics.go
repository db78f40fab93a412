// Package observe provides application-wide observability primitives for
// Cavern: OpenTelemetry metrics and the Prometheus exporter bridge.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is installed by [InitProvider] so that metrics can be
// scraped via a standard /metrics endpoint. A package-level default
// [Metrics] instance ([Default]) is provided for convenience; tests should
// use [NewMetrics] with a custom [metric.MeterProvider] to avoid cross-test
// pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Cavern metrics.
const meterName = "github.com/cavernlabs/cavern"

// Metrics holds all OpenTelemetry metric instruments for the engine.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// CaptureFrames counts microphone frames handed to the transport.
	CaptureFrames metric.Int64Counter

	// CaptureDropped counts frames discarded by the bounded capture queue
	// under sustained transport stall (drop-oldest policy).
	CaptureDropped metric.Int64Counter

	// PlaybackChunks counts inbound audio chunks scheduled for playback.
	PlaybackChunks metric.Int64Counter

	// PlaybackInterrupts counts barge-in flushes of the pending set.
	PlaybackInterrupts metric.Int64Counter

	// ToolCalls counts tool invocations. Use with attributes:
	//   attribute.String("tool", ...), attribute.String("status", ...)
	ToolCalls metric.Int64Counter

	// SessionDuration tracks the wall-clock length of completed sessions
	// in seconds.
	SessionDuration metric.Float64Histogram

	// SessionFailures counts sessions ending in the Error state. Use with
	// attribute.String("kind", ...).
	SessionFailures metric.Int64Counter
}

// NewMetrics creates all instruments on the given provider. Pass
// otel.GetMeterProvider() in production or a metric test reader's provider
// in tests.
func NewMetrics(provider metric.MeterProvider) (*Metrics, error) {
	meter := provider.Meter(meterName)
	m := &Metrics{}
	var err error

	if m.CaptureFrames, err = meter.Int64Counter("cavern.capture.frames",
		metric.WithDescription("Microphone frames handed to the transport"),
	); err != nil {
		return nil, err
	}
	if m.CaptureDropped, err = meter.Int64Counter("cavern.capture.dropped",
		metric.WithDescription("Frames dropped by the bounded capture queue"),
	); err != nil {
		return nil, err
	}
	if m.PlaybackChunks, err = meter.Int64Counter("cavern.playback.chunks",
		metric.WithDescription("Inbound audio chunks scheduled for playback"),
	); err != nil {
		return nil, err
	}
	if m.PlaybackInterrupts, err = meter.Int64Counter("cavern.playback.interrupts",
		metric.WithDescription("Barge-in flushes of the pending playback set"),
	); err != nil {
		return nil, err
	}
	if m.ToolCalls, err = meter.Int64Counter("cavern.tool.calls",
		metric.WithDescription("Tool invocations dispatched"),
	); err != nil {
		return nil, err
	}
	if m.SessionDuration, err = meter.Float64Histogram("cavern.session.duration",
		metric.WithDescription("Wall-clock session length"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if m.SessionFailures, err = meter.Int64Counter("cavern.session.failures",
		metric.WithDescription("Sessions ended in the Error state"),
	); err != nil {
		return nil, err
	}
	return m, nil
}

var (
	defaultOnce    sync.Once
	defaultMetrics *Metrics
)

// Default returns the process-wide Metrics instance, created lazily on the
// global meter provider. Call [InitProvider] first so the instruments bind
// to the real provider rather than the no-op default.
func Default() *Metrics {
	defaultOnce.Do(func() {
		m, err := NewMetrics(otel.GetMeterProvider())
		if err != nil {
			// The OTel no-op provider never errors; a real provider failing
			// to create counters is a programming mistake.
			panic(err)
		}
		defaultMetrics = m
	})
	return defaultMetrics
}

// RecordToolCall records one tool invocation with its outcome status
// ("ok", "error", "rejected", or "fallback").
func (m *Metrics) RecordToolCall(ctx context.Context, tool, status string) {
	m.ToolCalls.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tool", tool),
		attribute.String("status", status),
	))
}

// RecordSessionFailure records one session ending in the Error state.
func (m *Metrics) RecordSessionFailure(ctx context.Context, kind string) {
	m.SessionFailures.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind),
	))
}
