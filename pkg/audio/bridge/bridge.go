// Package bridge connects a push-style decoder to a pull-style voice
// transport.
//
// The decoder hands interleaved stereo packets at the source rate to
// [Bridge.Write] (or [Bridge.OnPacket]). The bridge de-interleaves them into
// an accumulator, runs a fixed-block [resample.Resampler] whenever a full
// input block is present, and queues the output frames. The transport pulls
// little-endian float32 pairs through [Bridge.Read] on its own schedule.
//
// Read blocks for the first frame of every call and only drains whatever is
// immediately available after that, so it never reports zero bytes to a
// transport that would take that as end of stream. [Bridge.ReadContext] and
// [Bridge.Unread] let one reader hand the stream to the next without losing
// or reordering frames.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/MrWong99/aoede/pkg/audio"
	"github.com/MrWong99/aoede/pkg/audio/resample"
)

var (
	// ErrInvalidArgument is the class of caller contract violations.
	ErrInvalidArgument = errors.New("bridge: invalid argument")

	// ErrBufferTooSmall is returned by Read when the buffer cannot hold one
	// frame. It wraps [ErrInvalidArgument].
	ErrBufferTooSmall = fmt.Errorf("%w: buffer smaller than one frame (%d bytes)", ErrInvalidArgument, audio.FrameBytes)

	// ErrMalformedPacket marks a decoder packet that cannot be interpreted as
	// interleaved stereo samples.
	ErrMalformedPacket = errors.New("bridge: malformed packet")

	// ErrClosed is returned by Write after Close.
	ErrClosed = errors.New("bridge: closed")
)

// Packet is one decoded unit of audio handed over by the decoder.
type Packet interface {
	// Samples returns interleaved stereo samples at the source rate.
	Samples() ([]float64, error)
}

// PCM is a [Packet] backed by a plain sample slice.
type PCM []float64

// Samples implements [Packet].
func (p PCM) Samples() ([]float64, error) { return p, nil }

// Config configures a [Bridge].
type Config struct {
	// Source is the decoder's format. Only stereo is supported. Defaults to
	// [audio.SourceFormat].
	Source audio.Format

	// Target is the transport's format. Defaults to [audio.TransportFormat].
	Target audio.Format

	// ChunkSize is the resampler's input block size hint in frames.
	ChunkSize int

	// QueueCapacity bounds the frame queue. Zero sizes it to one resampler
	// output block.
	QueueCapacity int

	// Factory builds resamplers. Defaults to the sinc resampler.
	Factory resample.Factory

	// Observer receives activity callbacks. Defaults to [NopObserver].
	Observer Observer
}

// Bridge is the shared audio conduit between decoder and transport. One
// instance is handed to both sides; it is safe for one writer and one reader
// running concurrently, with Reset callable from any goroutine.
type Bridge struct {
	factory resample.Factory
	rcfg    resample.Config
	obs     Observer

	// Block sizes depend only on rcfg, so every rebuilt resampler shares
	// them.
	inFrames, outFrames int

	// mu guards the accumulator and the resampler.
	mu   sync.Mutex
	rs   resample.Resampler
	acc  [][]float32
	fill int
	out  [][]float32

	// readMu serialises the non-blocking part of Read against Reset and
	// guards the read-side state below.
	readMu sync.Mutex
	// carry holds frames handed back by Unread. They go out before held and
	// before anything queued, but only while carryEpoch is current.
	carry      []byte
	carryEpoch uint64
	// held is a frame taken off the queue by a wait that was cancelled.
	held    entry
	hasHeld bool
	// readEpoch is the epoch of the last frames Read delivered.
	readEpoch uint64

	queue *FrameQueue

	// epoch identifies the current track. Frames stamped with an older epoch
	// are discarded by Read.
	epoch atomic.Uint64
	// resetting is non-zero while a Reset is in progress; the writer abandons
	// its current packet when it sees it.
	resetting atomic.Int32

	done      chan struct{}
	closeOnce sync.Once
}

// Compile-time interface assertion.
var _ audio.LiveSource = (*Bridge)(nil)

// New builds a Bridge with a cold resampler and an empty queue.
func New(cfg Config) (*Bridge, error) {
	if cfg.Source == (audio.Format{}) {
		cfg.Source = audio.SourceFormat
	}
	if cfg.Target == (audio.Format{}) {
		cfg.Target = audio.TransportFormat
	}
	if cfg.Source.Channels != 2 || cfg.Target.Channels != 2 {
		return nil, fmt.Errorf("bridge: only stereo is supported, got %s -> %s", cfg.Source, cfg.Target)
	}
	if cfg.Factory == nil {
		f, err := resample.FactoryFor(resample.KindSinc)
		if err != nil {
			return nil, err
		}
		cfg.Factory = f
	}
	if cfg.Observer == nil {
		cfg.Observer = NopObserver{}
	}

	rcfg := resample.Config{
		SourceRate: cfg.Source.SampleRate,
		TargetRate: cfg.Target.SampleRate,
		ChunkSize:  cfg.ChunkSize,
		Channels:   2,
	}
	rs, err := cfg.Factory(rcfg)
	if err != nil {
		return nil, fmt.Errorf("bridge: build resampler: %w", err)
	}

	capacity := cfg.QueueCapacity
	if capacity <= 0 {
		capacity = rs.OutputFrames()
	}

	b := &Bridge{
		factory: cfg.Factory,
		rcfg:    rcfg,
		obs:     cfg.Observer,
		rs:      rs,

		inFrames:  rs.InputFrames(),
		outFrames: rs.OutputFrames(),

		acc:   [][]float32{make([]float32, rs.InputFrames()), make([]float32, rs.InputFrames())},
		out:   resample.AllocateOutput(rs),
		queue: NewFrameQueue(capacity),
		done:  make(chan struct{}),
	}
	return b, nil
}

// InputFrames is the number of source frames consumed per resampler block.
func (b *Bridge) InputFrames() int { return b.inFrames }

// OutputFrames is the number of target frames produced per resampler block.
func (b *Bridge) OutputFrames() int { return b.outFrames }

// Pending returns the number of queued frames not yet read.
func (b *Bridge) Pending() int { return b.queue.Len() }

// OnPacket is the decoder callback. Malformed packets are logged, reported to
// the observer and skipped; OnPacket only fails once the bridge is closed.
func (b *Bridge) OnPacket(p Packet) error {
	samples, err := p.Samples()
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrMalformedPacket, err)
		slog.Warn("bridge: skipping packet", "err", err)
		b.obs.PacketDropped(err)
		return nil
	}
	err = b.Write(samples)
	if errors.Is(err, ErrMalformedPacket) {
		slog.Warn("bridge: skipping packet", "err", err)
		b.obs.PacketDropped(err)
		return nil
	}
	return err
}

// Write appends interleaved stereo samples. Every time a full input block has
// accumulated, the block is resampled and its frames queued in order. Write
// blocks while the queue is full.
//
// A packet with an odd number of samples is rejected with
// [ErrMalformedPacket] before anything is buffered. A packet arriving while a
// Reset is in progress is discarded.
func (b *Bridge) Write(samples []float64) error {
	if len(samples)%2 != 0 {
		return fmt.Errorf("%w: %d samples is not a whole number of stereo frames", ErrMalformedPacket, len(samples))
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	select {
	case <-b.done:
		return ErrClosed
	default:
	}

	epoch := b.epoch.Load()
	if b.resetting.Load() > 0 {
		return nil
	}

	need := b.rs.InputFrames()
	left, right := b.acc[0], b.acc[1]
	for i := 0; i < len(samples); i += 2 {
		left[b.fill] = float32(samples[i])
		right[b.fill] = float32(samples[i+1])
		b.fill++
		if b.fill < need {
			continue
		}
		b.fill = 0
		if err := b.rs.Process(b.acc, b.out); err != nil {
			// Block shapes never change after construction.
			slog.Error("bridge: resample block", "err", err)
			continue
		}
		ok, err := b.emit(epoch)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
	}
	b.obs.PacketWritten(len(samples) / 2)
	return nil
}

// emit queues the current output block. It returns false when a Reset
// started while it was blocked on a full queue.
func (b *Bridge) emit(epoch uint64) (bool, error) {
	left, right := b.out[0], b.out[1]
	for i := range b.rs.OutputFrames() {
		if b.resetting.Load() > 0 {
			return false, nil
		}
		if !b.queue.Send(audio.Frame{left[i], right[i]}, epoch, b.done) {
			return false, ErrClosed
		}
	}
	return true, nil
}

// Read fills p with little-endian float32 stereo frames. The first frame
// blocks until available; further frames are copied only while they are
// immediately available and fit in p. Read never returns (0, nil). After
// Close it returns [io.EOF] once the queue is empty.
//
// Buffers shorter than one frame yield [ErrBufferTooSmall] without touching
// the queue.
func (b *Bridge) Read(p []byte) (int, error) {
	return b.ReadContext(context.Background(), p)
}

// ReadContext is Read with a cancellable wait. Once ctx is done it returns
// ctx.Err() and leaves every frame it has not copied into p for the next
// reader.
func (b *Bridge) ReadContext(ctx context.Context, p []byte) (int, error) {
	if len(p) < audio.FrameBytes {
		return 0, ErrBufferTooSmall
	}

	for {
		if err := ctx.Err(); err != nil {
			return 0, err
		}

		b.readMu.Lock()
		n, fresh := b.fillLocked(p)
		b.readMu.Unlock()
		if n > 0 {
			if fresh > 0 {
				b.obs.FramesRead(fresh)
			}
			return n, nil
		}

		// No lock is held while waiting so Write and Reset can make progress.
		f, epoch, ok := b.queue.Recv(b.done, ctx.Done())
		if !ok {
			if err := ctx.Err(); err != nil {
				return 0, err
			}
			return 0, io.EOF
		}

		// Park the frame; the next pass serves it unless ctx is done by then.
		b.readMu.Lock()
		b.held, b.hasHeld = entry{frame: f, epoch: epoch}, true
		b.readMu.Unlock()
	}
}

// fillLocked copies handed-back frames, then the held frame, then whatever
// the queue has ready into p. It returns the bytes written and how many of
// them are frames never delivered before.
func (b *Bridge) fillLocked(p []byte) (n, fresh int) {
	current := b.epoch.Load()

	if b.carryEpoch != current {
		b.carry = nil
	}
	n = copy(p[:len(p)/audio.FrameBytes*audio.FrameBytes], b.carry)
	b.carry = b.carry[n:]

	if b.hasHeld && len(p)-n >= audio.FrameBytes {
		if b.held.epoch == current {
			b.held.frame.PutLE(p[n:])
			n += audio.FrameBytes
			fresh++
		}
		b.hasHeld = false
	}

	for len(p)-n >= audio.FrameBytes {
		f, epoch, ok := b.queue.TryRecv()
		if !ok {
			break
		}
		if epoch != current {
			continue
		}
		f.PutLE(p[n:])
		n += audio.FrameBytes
		fresh++
	}

	if n > 0 {
		b.readEpoch = current
	}
	return n, fresh
}

// Unread hands back frames a reader took but could not deliver. The next
// Read returns them first, in order. p is truncated to whole frames. Frames
// read before the latest Reset are dropped.
func (b *Bridge) Unread(p []byte) {
	p = p[:len(p)/audio.FrameBytes*audio.FrameBytes]
	if len(p) == 0 {
		return
	}

	b.readMu.Lock()
	defer b.readMu.Unlock()

	current := b.epoch.Load()
	if b.readEpoch != current {
		return
	}
	if b.carryEpoch != current {
		b.carry = nil
	}
	b.carry = append(slices.Clone(p), b.carry...)
	b.carryEpoch = current
}

// Reset discards all pending frames and buffered input and replaces the
// resampler with a fresh instance, so nothing of the previous track reaches
// the next one. Call it whenever a new track starts.
func (b *Bridge) Reset() error {
	b.readMu.Lock()
	defer b.readMu.Unlock()

	b.resetting.Add(1)
	defer b.resetting.Add(-1)
	b.epoch.Add(1)

	// Free the queue so a writer blocked on it can observe the reset and
	// release mu.
	discarded := b.queue.Drain()
	if b.hasHeld {
		discarded++
		b.hasHeld = false
	}
	discarded += len(b.carry) / audio.FrameBytes
	b.carry = nil

	b.mu.Lock()
	rs, err := b.factory(b.rcfg)
	if err == nil {
		b.rs = rs
		if len(b.acc[0]) != rs.InputFrames() {
			b.acc = [][]float32{make([]float32, rs.InputFrames()), make([]float32, rs.InputFrames())}
		}
		b.out = resample.AllocateOutput(rs)
	}
	clear(b.acc[0])
	clear(b.acc[1])
	b.fill = 0
	discarded += b.queue.Drain()
	b.mu.Unlock()

	b.obs.Reset(discarded)
	if err != nil {
		return fmt.Errorf("bridge: rebuild resampler: %w", err)
	}
	return nil
}

// Start is called by the player when playback begins.
func (b *Bridge) Start() error {
	slog.Debug("bridge: sink started")
	return nil
}

// Stop is called by the player when playback ends.
func (b *Bridge) Stop() error {
	slog.Debug("bridge: sink stopped", "pending_frames", b.queue.Len())
	return nil
}

// Seekable reports false: the bridge is a live stream.
func (b *Bridge) Seekable() bool { return false }

// Len reports that the stream length is unknown.
func (b *Bridge) Len() (int64, bool) { return -1, false }

// Close unblocks any waiting Read or Write. Read keeps returning queued
// frames until the queue is empty, then [io.EOF]. Close is idempotent.
func (b *Bridge) Close() error {
	b.closeOnce.Do(func() { close(b.done) })
	return nil
}
