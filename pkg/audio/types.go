package audio

import (
	"encoding/binary"
	"fmt"
	"math"
)

// FrameBytes is the encoded size of one [Frame]: two little-endian float32
// samples.
const FrameBytes = 8

// Frame is one synchronised stereo sample pair (left, right) at the
// transport's target sample rate. Frames are values; once produced they are
// never mutated.
type Frame [2]float32

// PutLE encodes f as two little-endian float32 values into b.
// b must be at least [FrameBytes] long.
func (f Frame) PutLE(b []byte) {
	_ = b[FrameBytes-1]
	binary.LittleEndian.PutUint32(b[0:4], math.Float32bits(f[0]))
	binary.LittleEndian.PutUint32(b[4:8], math.Float32bits(f[1]))
}

// FrameFromLE decodes a frame previously written with [Frame.PutLE].
func FrameFromLE(b []byte) Frame {
	_ = b[FrameBytes-1]
	return Frame{
		math.Float32frombits(binary.LittleEndian.Uint32(b[0:4])),
		math.Float32frombits(binary.LittleEndian.Uint32(b[4:8])),
	}
}

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// String returns a human-readable form such as "48000Hz stereo".
func (f Format) String() string {
	ch := "mono"
	if f.Channels == 2 {
		ch = "stereo"
	} else if f.Channels > 2 {
		ch = fmt.Sprintf("%dch", f.Channels)
	}
	return fmt.Sprintf("%dHz %s", f.SampleRate, ch)
}

// Standard formats on both ends of the bridge.
var (
	// SourceFormat is the format of decoded packets from the music-control
	// session: 44.1 kHz interleaved stereo.
	SourceFormat = Format{SampleRate: 44100, Channels: 2}

	// TransportFormat is what Discord voice expects: 48 kHz stereo.
	TransportFormat = Format{SampleRate: 48000, Channels: 2}
)
