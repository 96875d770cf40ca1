package library

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/ik5/audpbx/audio"
	"github.com/ik5/audpbx/formats/aiff"
	"github.com/ik5/audpbx/formats/mp3"
	"github.com/ik5/audpbx/formats/vorbis"

	pcm "github.com/MrWong99/aoede/pkg/audio"
)

// ErrUnsupportedFormat is returned for files no registered decoder handles.
var ErrUnsupportedFormat = errors.New("library: unsupported audio format")

// formats maps file extensions to decoder registry keys.
var formats = map[string]string{
	".wav":  "wav",
	".wave": "wav",
	".mp3":  "mp3",
	".ogg":  "ogg vorbis",
	".oga":  "ogg vorbis",
	".aif":  "aiff",
	".aiff": "aiff",
}

// newDecoders returns the decoders for every supported format.
func newDecoders() *audio.Registry {
	reg := audio.NewRegistry()
	reg.Register("wav", wavDecoder{})
	reg.Register("mp3", mp3.Decoder{})
	reg.Register("ogg vorbis", vorbis.Decoder{})
	reg.Register("aiff", aiff.Decoder{})
	return reg
}

// Supported reports whether name has an extension the library can decode.
func Supported(name string) bool {
	_, ok := formats[strings.ToLower(filepath.Ext(name))]
	return ok
}

// openTrack decodes name from root and converts it to stereo at rate.
func openTrack(reg *audio.Registry, root *os.Root, name string, rate int) (audio.Source, error) {
	key, ok := formats[strings.ToLower(filepath.Ext(name))]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, name)
	}
	dec, ok := reg.Get(key)
	if !ok {
		return nil, fmt.Errorf("%w: no decoder for %s", ErrUnsupportedFormat, key)
	}

	f, err := root.Open(name)
	if err != nil {
		return nil, fmt.Errorf("library: open %s: %w", name, err)
	}
	src, err := dec.Decode(f)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("library: decode %s: %w", name, err)
	}
	if src.Channels() < 1 || src.SampleRate() <= 0 {
		_ = f.Close()
		return nil, fmt.Errorf("%w: %s has %d channels at %d Hz", ErrUnsupportedFormat, name, src.Channels(), src.SampleRate())
	}

	var out audio.Source = &fileSource{Source: src, file: f}
	out = newStereo(out)
	if out.SampleRate() != rate {
		out = audio.NewResampler(out, rate)
	}
	return out, nil
}

// fileSource closes the underlying file together with the decoder.
type fileSource struct {
	audio.Source
	file io.Closer
}

func (s *fileSource) Close() error {
	return errors.Join(s.Source.Close(), s.file.Close())
}

// stereoSource duplicates mono input and keeps the first two channels of
// anything wider.
type stereoSource struct {
	src audio.Source
	tmp []float32
}

func newStereo(src audio.Source) audio.Source {
	if src.Channels() == 2 {
		return src
	}
	return &stereoSource{src: src}
}

func (s *stereoSource) SampleRate() int { return s.src.SampleRate() }
func (s *stereoSource) Channels() int   { return 2 }
func (s *stereoSource) BufSize() int    { return s.src.BufSize() }
func (s *stereoSource) Close() error    { return s.src.Close() }

func (s *stereoSource) ReadSamples(dst []float32) (int, error) {
	ch := s.src.Channels()
	frames := len(dst) / 2
	if frames == 0 {
		return 0, nil
	}
	if cap(s.tmp) < frames*ch {
		s.tmp = make([]float32, frames*ch)
	}
	n, err := s.src.ReadSamples(s.tmp[:frames*ch])
	got := n / ch
	return copy(dst, pcm.DownmixToStereo(s.tmp[:got*ch], ch)), err
}

// wavDecoder decodes integer PCM WAV files of 16, 24 or 32 bits.
type wavDecoder struct{}

func (wavDecoder) Decode(r io.Reader) (audio.Source, error) {
	rs, ok := r.(io.ReadSeeker)
	if !ok {
		data, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("library: read wav: %w", err)
		}
		rs = bytes.NewReader(data)
	}

	d := wav.NewDecoder(rs)
	if !d.IsValidFile() {
		return nil, fmt.Errorf("%w: not a wav file", ErrUnsupportedFormat)
	}
	if err := d.FwdToPCM(); err != nil {
		return nil, fmt.Errorf("library: wav header: %w", err)
	}
	if d.WavAudioFormat != 1 {
		return nil, fmt.Errorf("%w: wav format tag %d", ErrUnsupportedFormat, d.WavAudioFormat)
	}
	switch d.BitDepth {
	case 16, 24, 32:
	default:
		return nil, fmt.Errorf("%w: %d-bit wav", ErrUnsupportedFormat, d.BitDepth)
	}

	return &wavSource{
		dec:      d,
		rate:     int(d.SampleRate),
		channels: int(d.NumChans),
		scale:    1 / float32(int64(1)<<(d.BitDepth-1)),
		buf: &goaudio.IntBuffer{
			Format: d.Format(),
			Data:   make([]int, 4096),
		},
	}, nil
}

type wavSource struct {
	dec      *wav.Decoder
	rate     int
	channels int
	scale    float32
	buf      *goaudio.IntBuffer
}

func (s *wavSource) SampleRate() int { return s.rate }
func (s *wavSource) Channels() int   { return s.channels }
func (s *wavSource) BufSize() int    { return cap(s.buf.Data) }
func (s *wavSource) Close() error    { return nil }

func (s *wavSource) ReadSamples(dst []float32) (int, error) {
	if cap(s.buf.Data) < len(dst) {
		s.buf.Data = make([]int, len(dst))
	}
	s.buf.Data = s.buf.Data[:len(dst)]
	n, err := s.dec.PCMBuffer(s.buf)
	for i := range n {
		dst[i] = float32(s.buf.Data[i]) * s.scale
	}
	if n == 0 {
		if err == nil {
			err = io.EOF
		}
		return 0, err
	}
	return n, err
}
