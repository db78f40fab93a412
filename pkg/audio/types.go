// Package audio defines the value types and PCM helpers shared by the Cavern
// voice pipeline.
//
// Two types flow through the engine:
//
//   - [Frame]: an immutable outbound microphone frame, PCM16LE mono at the
//     fixed capture rate, carrying a strictly increasing sequence number.
//   - [Chunk]: an inbound playback buffer decoded from the transport, owned
//     by the playback scheduler from arrival until playback completes or the
//     chunk is flushed.
//
// Conversion helpers ([Float32ToPCM16], [PCMDuration], [RMSLevel]) live in
// convert.go.
package audio

import "time"

const (
	// CaptureRate is the fixed microphone sample rate in Hz. The remote
	// agent expects outbound audio as PCM16LE mono at this rate.
	CaptureRate = 16000

	// PlaybackRate is the sample rate in Hz of inbound synthesized audio.
	PlaybackRate = 24000

	// FrameDuration is the fixed duration of one capture frame.
	FrameDuration = 20 * time.Millisecond

	// FrameSamples is the number of mono samples in one capture frame.
	FrameSamples = CaptureRate / int(time.Second/FrameDuration)
)

// Frame is one outbound unit of captured audio: PCM16LE mono samples at
// [CaptureRate]. Frames are immutable after creation; Seq is strictly
// increasing within one capture stream.
type Frame struct {
	// Data is little-endian int16 PCM, 2 bytes per sample.
	Data []byte

	// Seq is the frame's position in the capture stream, starting at 0.
	Seq uint64
}

// Chunk is one inbound unit of decoded playback audio. A Chunk is owned
// exclusively by the playback scheduler from arrival until its playback
// completes or it is flushed by an interruption.
type Chunk struct {
	// Data is little-endian int16 PCM.
	Data []byte

	// SampleRate in Hz (24000 for the remote agent's synthesized speech).
	SampleRate int

	// Channels is the channel count (1 for the remote agent).
	Channels int
}

// Duration returns the playback duration of the chunk's PCM data.
// A chunk with a non-positive sample rate or channel count has zero duration.
func (c Chunk) Duration() time.Duration {
	return PCMDuration(len(c.Data), c.SampleRate, c.Channels)
}
