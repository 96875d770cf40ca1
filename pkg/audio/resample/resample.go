// Package resample converts planar stereo audio between sample rates in fixed
// blocks.
//
// A [Resampler] consumes exactly [Resampler.InputFrames] frames per channel
// and produces exactly [Resampler.OutputFrames] frames per channel on every
// [Resampler.Process] call. Block sizes are derived from the reduced rate
// ratio: for 44.1 kHz to 48 kHz (147:160) and a chunk hint of 1024 the block
// is 1029 frames in, 1120 frames out.
//
// Resamplers carry filter history between blocks. Build a fresh instance
// through a [Factory] when the stream is discontinuous (a new track), since
// clearing buffers alone would leak the previous track's tail into the next.
package resample

import (
	"errors"
	"fmt"
)

var (
	// ErrUnsupportedRatio is returned when the reduced rate ratio needs more
	// polyphase branches than the implementation allows.
	ErrUnsupportedRatio = errors.New("resample: unsupported rate ratio")

	// ErrInvalidInput is returned by Process when the block shape does not
	// match the resampler's configuration.
	ErrInvalidInput = errors.New("resample: invalid input block")
)

// Kind names a resampling algorithm.
type Kind string

const (
	// KindSinc is a Blackman-windowed sinc polyphase filter. Default.
	KindSinc Kind = "sinc"

	// KindCubic is Catmull-Rom cubic interpolation. Cheaper, but without an
	// anti-aliasing filter; only suitable for upsampling.
	KindCubic Kind = "cubic"
)

// IsValid reports whether k is a known algorithm.
func (k Kind) IsValid() bool {
	return k == KindSinc || k == KindCubic
}

// Config describes a resampler instance.
type Config struct {
	// SourceRate is the input sample rate in Hz.
	SourceRate int

	// TargetRate is the output sample rate in Hz.
	TargetRate int

	// ChunkSize is the requested input block size in frames. The effective
	// block is rounded up to a whole multiple of the reduced ratio's
	// denominator. Defaults to 1024.
	ChunkSize int

	// Channels is the number of planar channels. Defaults to 2.
	Channels int
}

func (c Config) withDefaults() Config {
	if c.ChunkSize <= 0 {
		c.ChunkSize = 1024
	}
	if c.Channels <= 0 {
		c.Channels = 2
	}
	return c
}

// Resampler converts fixed-size planar blocks from one rate to another.
// Implementations are not safe for concurrent use; callers serialise access.
type Resampler interface {
	// InputFrames is the exact number of frames per channel Process consumes.
	InputFrames() int

	// OutputFrames is the exact number of frames per channel Process produces.
	OutputFrames() int

	// Channels is the number of planar channels.
	Channels() int

	// Process resamples one block. in must hold Channels() slices of exactly
	// InputFrames() samples; out must hold Channels() slices of at least
	// OutputFrames() samples.
	Process(in, out [][]float32) error
}

// Factory builds a cold [Resampler] for cfg.
type Factory func(cfg Config) (Resampler, error)

// FactoryFor returns the constructor for kind.
func FactoryFor(kind Kind) (Factory, error) {
	switch kind {
	case KindSinc, "":
		return func(cfg Config) (Resampler, error) { return NewSinc(cfg) }, nil
	case KindCubic:
		return func(cfg Config) (Resampler, error) { return NewCubic(cfg) }, nil
	default:
		return nil, fmt.Errorf("resample: unknown kind %q", kind)
	}
}

// AllocateOutput returns a planar buffer sized for one Process call on r.
func AllocateOutput(r Resampler) [][]float32 {
	out := make([][]float32, r.Channels())
	for i := range out {
		out[i] = make([]float32, r.OutputFrames())
	}
	return out
}

// ratio is a reduced rate ratio target/source = up/down.
type ratio struct {
	up, down int
}

func newRatio(src, dst int) (ratio, error) {
	if src <= 0 || dst <= 0 {
		return ratio{}, fmt.Errorf("%w: %d -> %d", ErrUnsupportedRatio, src, dst)
	}
	g := gcd(src, dst)
	return ratio{up: dst / g, down: src / g}, nil
}

// blocks returns the input and output block sizes for a chunk hint.
func (r ratio) blocks(chunk int) (in, out int) {
	k := (chunk + r.down - 1) / r.down
	if k < 1 {
		k = 1
	}
	return k * r.down, k * r.up
}

func gcd(a, b int) int {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}
