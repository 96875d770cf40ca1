package resample

import "fmt"

// kernel computes one output sample from a window of consecutive input
// samples (oldest first) at sub-sample phase/up past the window's anchor.
type kernel interface {
	width() int
	eval(window []float32, phase int) float32
}

// blockEngine is the fixed in/out block loop shared by all kernels. Each
// channel keeps the last width()-1 input samples of the previous block so
// windows spanning a block boundary see real history (zeros when cold).
type blockEngine struct {
	ratio    ratio
	in, out  int
	channels int
	k        kernel

	// ext[c] is history followed by the current block.
	ext [][]float32
}

func newBlockEngine(cfg Config, k kernel) (*blockEngine, error) {
	cfg = cfg.withDefaults()
	r, err := newRatio(cfg.SourceRate, cfg.TargetRate)
	if err != nil {
		return nil, err
	}
	in, out := r.blocks(cfg.ChunkSize)
	hist := k.width() - 1
	ext := make([][]float32, cfg.Channels)
	for c := range ext {
		ext[c] = make([]float32, hist+in)
	}
	return &blockEngine{
		ratio:    r,
		in:       in,
		out:      out,
		channels: cfg.Channels,
		k:        k,
		ext:      ext,
	}, nil
}

func (e *blockEngine) InputFrames() int  { return e.in }
func (e *blockEngine) OutputFrames() int { return e.out }
func (e *blockEngine) Channels() int     { return e.channels }

func (e *blockEngine) Process(in, out [][]float32) error {
	if len(in) != e.channels || len(out) != e.channels {
		return fmt.Errorf("%w: want %d channels, got in=%d out=%d", ErrInvalidInput, e.channels, len(in), len(out))
	}
	for c := range e.channels {
		if len(in[c]) != e.in {
			return fmt.Errorf("%w: channel %d has %d frames, want %d", ErrInvalidInput, c, len(in[c]), e.in)
		}
		if len(out[c]) < e.out {
			return fmt.Errorf("%w: channel %d output holds %d frames, want %d", ErrInvalidInput, c, len(out[c]), e.out)
		}
	}

	w := e.k.width()
	hist := w - 1
	up, down := e.ratio.up, e.ratio.down

	for c := range e.channels {
		ext := e.ext[c]
		copy(ext[hist:], in[c])
		dst := out[c]
		for j := range e.out {
			num := j * down
			i0 := num / up
			dst[j] = e.k.eval(ext[i0:i0+w], num%up)
		}
		// Slide: keep the tail of this block as history for the next one.
		copy(ext[:hist], ext[len(ext)-hist:])
	}
	return nil
}
