package audio

import (
	"math"
	"time"
)

// Float32ToPCM16 converts float32 samples in the nominal [-1, 1] range to
// little-endian int16 PCM. Out-of-range samples are saturated rather than
// wrapped, so a clipped input produces a clipped (not garbled) output.
func Float32ToPCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		v := int32(s * 32767)
		if v > 32767 {
			v = 32767
		} else if v < -32768 {
			v = -32768
		}
		out[i*2] = byte(v)
		out[i*2+1] = byte(v >> 8)
	}
	return out
}

// PCMDuration returns the playback duration of nbytes of int16 PCM at the
// given sample rate and channel count. Returns 0 for non-positive rates or
// channel counts.
func PCMDuration(nbytes, sampleRate, channels int) time.Duration {
	if sampleRate <= 0 || channels <= 0 {
		return 0
	}
	samples := nbytes / (2 * channels)
	return time.Duration(samples) * time.Second / time.Duration(sampleRate)
}

// RMSLevel computes the root-mean-square level of float32 samples, in the
// [0, 1] range for well-formed input. Used by the read-only capture tap that
// feeds visualization; it never modifies the samples.
func RMSLevel(samples []float32) float32 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return float32(math.Sqrt(sum / float64(len(samples))))
}
