package resample

import "github.com/ik5/audpbx/utils"

// cubicKernel interpolates between window[1] and window[2] using the
// Catmull-Rom spline from audpbx.
type cubicKernel struct {
	up float32
}

func (cubicKernel) width() int { return 4 }

func (k cubicKernel) eval(w []float32, phase int) float32 {
	return utils.CubicInterpolate(w[0], w[1], w[2], w[3], float32(phase)/k.up)
}

// Cubic is a cubic-interpolation [Resampler]. Output lags input by two
// source samples.
type Cubic struct {
	*blockEngine
}

// NewCubic builds a cold Cubic resampler.
func NewCubic(cfg Config) (*Cubic, error) {
	r, err := newRatio(cfg.SourceRate, cfg.TargetRate)
	if err != nil {
		return nil, err
	}
	e, err := newBlockEngine(cfg, cubicKernel{up: float32(r.up)})
	if err != nil {
		return nil, err
	}
	return &Cubic{blockEngine: e}, nil
}
