// Package device abstracts the local audio hardware behind two narrow
// interfaces so that the capture pipeline and playback scheduler never touch
// a platform SDK directly.
//
//   - [Capture]: one microphone input delivering float32 sample callbacks.
//   - [Playback]: one speaker output accepting PCM16 writes with an
//     immediate flush for barge-in interruptions.
//
// The production implementation ([Context]) wraps miniaudio (via
// github.com/gen2brain/malgo) for capture and oto for playback. Test code
// uses the mock package instead.
//
// Captured audio is never routed to any [Playback] by this package:
// preventing self-echo is a structural property, not a runtime flag.
package device

import "context"

// Capture is one live microphone input. Start begins delivery of float32
// mono samples at the configured rate to the registered callback; the
// callback runs on the device's realtime thread and must not block.
//
// Implementations must be safe for concurrent use.
type Capture interface {
	// Start opens the device and begins invoking onSamples with raw float32
	// mono samples. onSamples must copy anything it keeps.
	Start(onSamples func(samples []float32)) error

	// Stop halts sample delivery and releases the device. The wait for the
	// device to drain is bounded by ctx; on expiry the failure is returned
	// for logging but the device is considered stopped.
	Stop(ctx context.Context) error
}

// Playback is one speaker output sink consuming little-endian int16 PCM.
//
// Implementations must be safe for concurrent use.
type Playback interface {
	// Write appends PCM16 data to the device buffer. It must not block for
	// longer than it takes to copy the data.
	Write(pcm []byte) error

	// Flush immediately discards all buffered, not-yet-audible audio so the
	// next Write starts from silence. Used on interruption.
	Flush() error

	// Close stops playback and releases the device. The wait is bounded by
	// ctx; on expiry the failure is returned for logging only.
	Close(ctx context.Context) error
}

// Opener creates the capture and playback devices for one session and owns
// the underlying platform contexts. The session closes the Opener last
// during teardown.
type Opener interface {
	// OpenCapture opens the default microphone at the given mono sample rate.
	OpenCapture(sampleRate int) (Capture, error)

	// OpenPlayback opens the default speaker at the given mono sample rate.
	OpenPlayback(sampleRate int) (Playback, error)

	// Close releases the platform audio contexts. Bounded by ctx.
	Close(ctx context.Context) error
}
