package resample

import (
	"fmt"
	"math"
)

const (
	// sincHalfTaps is the one-sided filter length in input samples.
	sincHalfTaps = 16

	// sincRolloff moves the cutoff slightly below Nyquist so the transition
	// band stays mostly outside the audible range.
	sincRolloff = 0.945

	// maxPhases bounds the polyphase table size.
	maxPhases = 1024
)

// sincKernel is a polyphase Blackman-windowed sinc low-pass. coeffs[p] holds
// the taps for phase p, each normalised to unity DC gain.
type sincKernel struct {
	taps   int
	coeffs [][]float32
}

func newSincKernel(r ratio) *sincKernel {
	taps := 2 * sincHalfTaps
	cutoff := sincRolloff
	if r.up < r.down {
		cutoff *= float64(r.up) / float64(r.down)
	}

	coeffs := make([][]float32, r.up)
	for p := range r.up {
		frac := float64(p) / float64(r.up)
		row := make([]float32, taps)
		var sum float64
		vals := make([]float64, taps)
		for k := range taps {
			d := float64(k-(sincHalfTaps-1)) - frac
			v := cutoff * sinc(cutoff*d) * blackman(d, sincHalfTaps)
			vals[k] = v
			sum += v
		}
		for k := range taps {
			row[k] = float32(vals[k] / sum)
		}
		coeffs[p] = row
	}
	return &sincKernel{taps: taps, coeffs: coeffs}
}

func (s *sincKernel) width() int { return s.taps }

func (s *sincKernel) eval(window []float32, phase int) float32 {
	row := s.coeffs[phase]
	var acc float32
	for k, c := range row {
		acc += window[k] * c
	}
	return acc
}

func sinc(x float64) float64 {
	if x == 0 {
		return 1
	}
	px := math.Pi * x
	return math.Sin(px) / px
}

// blackman evaluates a Blackman window centred on zero with half-width half.
func blackman(d float64, half int) float64 {
	x := d / float64(half)
	if x <= -1 || x >= 1 {
		return 0
	}
	return 0.42 + 0.5*math.Cos(math.Pi*x) + 0.08*math.Cos(2*math.Pi*x)
}

// Sinc is a windowed-sinc polyphase [Resampler]. Output lags input by
// [sincHalfTaps] source samples.
type Sinc struct {
	*blockEngine
}

// NewSinc builds a cold Sinc resampler.
func NewSinc(cfg Config) (*Sinc, error) {
	r, err := newRatio(cfg.SourceRate, cfg.TargetRate)
	if err != nil {
		return nil, err
	}
	if r.up > maxPhases {
		return nil, fmt.Errorf("%w: %d -> %d needs %d phases (max %d)",
			ErrUnsupportedRatio, cfg.SourceRate, cfg.TargetRate, r.up, maxPhases)
	}
	e, err := newBlockEngine(cfg, newSincKernel(r))
	if err != nil {
		return nil, err
	}
	return &Sinc{blockEngine: e}, nil
}
