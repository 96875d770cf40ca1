package audio

import (
	"encoding/binary"
	"math"
)

// FloatLEToInt16 converts little-endian float32 PCM (as produced by
// [Frame.PutLE]) into int16 samples. Values outside [-1, 1] are clamped.
// Trailing bytes that do not form a whole sample are ignored.
func FloatLEToInt16(pcm []byte) []int16 {
	out := make([]int16, len(pcm)/4)
	for i := range out {
		f := math.Float32frombits(binary.LittleEndian.Uint32(pcm[i*4:]))
		out[i] = Float32ToInt16(f)
	}
	return out
}

// Float32ToInt16 converts a single float sample in [-1, 1] to int16 with
// clamping. NaN maps to zero.
func Float32ToInt16(f float32) int16 {
	if f != f {
		return 0
	}
	if f >= 1 {
		return math.MaxInt16
	}
	if f <= -1 {
		return math.MinInt16
	}
	return int16(f * 32767)
}

// MonoToStereo duplicates each mono sample into an interleaved L+R pair.
func MonoToStereo(mono []float32) []float32 {
	out := make([]float32, len(mono)*2)
	for i, s := range mono {
		out[i*2] = s
		out[i*2+1] = s
	}
	return out
}

// DownmixToStereo reduces interleaved audio with more than two channels to
// stereo by keeping the first two channels of every frame. Mono input is
// duplicated; stereo input is returned unchanged.
func DownmixToStereo(samples []float32, channels int) []float32 {
	switch {
	case channels == 2:
		return samples
	case channels == 1:
		return MonoToStereo(samples)
	case channels <= 0:
		return nil
	}
	frames := len(samples) / channels
	out := make([]float32, frames*2)
	for i := range frames {
		out[i*2] = samples[i*channels]
		out[i*2+1] = samples[i*channels+1]
	}
	return out
}

// Float32ToFloat64 widens samples for the decode-packet interface.
func Float32ToFloat64(in []float32) []float64 {
	out := make([]float64, len(in))
	for i, s := range in {
		out[i] = float64(s)
	}
	return out
}
