package library

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"math"
	"os"
	"path"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/aoede/internal/connect"
	"github.com/MrWong99/aoede/pkg/audio"
	"github.com/MrWong99/aoede/pkg/audio/bridge"
	pbx "github.com/ik5/audpbx/audio"
)

var (
	// ErrNotPlaying is returned by Pause and Resume when no track is loaded.
	ErrNotPlaying = errors.New("library: nothing is playing")

	// ErrInvalidTrack is returned for track paths outside the library root.
	ErrInvalidTrack = errors.New("library: invalid track path")

	// ErrPlayerClosed is returned by commands sent to a closed player.
	ErrPlayerClosed = errors.New("library: player closed")
)

// Status is the playback status of a [Player].
type Status string

const (
	StatusStopped Status = "stopped"
	StatusLoading Status = "loading"
	StatusPlaying Status = "playing"
	StatusPaused  Status = "paused"
)

// Snapshot is a point-in-time view of a player.
type Snapshot struct {
	Status   Status        `json:"status"`
	Track    connect.Track `json:"track"`
	Position time.Duration `json:"position"`
	Volume   float64       `json:"volume"`
}

type playerConfig struct {
	root    *os.Root
	decoder *pbx.Registry
	sink    connect.Sink
	rate    int
}

type op int

const (
	opPlay op = iota
	opPause
	opResume
	opStop
)

type command struct {
	op    op
	track string
	reply chan error
}

// Player decodes tracks from the library and pushes them to its sink in
// packets of [PacketFrames] frames. Commands are applied between packets.
type Player struct {
	cfg    playerConfig
	events chan connect.Event
	cmds   chan command
	done   chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
	volume atomic.Uint64

	// autoplay continues with the next track in the same directory.
	autoplay atomic.Bool

	mu       sync.Mutex
	status   Status
	track    connect.Track
	position time.Duration
}

var _ connect.Player = (*Player)(nil)

func newPlayer(cfg playerConfig) *Player {
	p := &Player{
		cfg:    cfg,
		events: make(chan connect.Event, 32),
		cmds:   make(chan command),
		done:   make(chan struct{}),
		status: StatusStopped,
	}
	p.SetVolume(1)
	p.wg.Add(1)
	go p.loop()
	return p
}

// Events implements [connect.Player].
func (p *Player) Events() <-chan connect.Event { return p.events }

// Close implements [connect.Player]. It stops playback and closes the event
// channel.
func (p *Player) Close() error {
	p.once.Do(func() {
		close(p.done)
		p.flush()
		p.wg.Wait()
		close(p.events)
	})
	return nil
}

// Play loads name, a slash-separated path relative to the library root, and
// starts playing it from the beginning.
func (p *Player) Play(ctx context.Context, name string) error {
	name = path.Clean(strings.TrimPrefix(name, "/"))
	if !fs.ValidPath(name) || name == "." {
		return fmt.Errorf("%w: %q", ErrInvalidTrack, name)
	}
	if !Supported(name) {
		return fmt.Errorf("%w: %s", ErrUnsupportedFormat, name)
	}
	p.flush()
	return p.send(ctx, command{op: opPlay, track: name})
}

// Pause holds playback at the current position.
func (p *Player) Pause(ctx context.Context) error {
	return p.send(ctx, command{op: opPause})
}

// Resume continues a paused track.
func (p *Player) Resume(ctx context.Context) error {
	return p.send(ctx, command{op: opResume})
}

// Stop unloads the current track.
func (p *Player) Stop(ctx context.Context) error {
	p.flush()
	return p.send(ctx, command{op: opStop})
}

// SetVolume sets the software volume, clamped to [0, 1].
func (p *Player) SetVolume(v float64) {
	p.volume.Store(math.Float64bits(max(0, min(1, v))))
}

// Volume returns the software volume.
func (p *Player) Volume() float64 { return math.Float64frombits(p.volume.Load()) }

// Snapshot returns the current playback state.
func (p *Player) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Snapshot{Status: p.status, Track: p.track, Position: p.position, Volume: p.Volume()}
}

// flush discards audio already handed to the sink and frees a writer
// blocked on it.
func (p *Player) flush() {
	if r, ok := p.cfg.sink.(interface{ Reset() error }); ok {
		if err := r.Reset(); err != nil {
			slog.Warn("library: sink reset failed", "err", err)
		}
	}
}

func (p *Player) send(ctx context.Context, cmd command) error {
	cmd.reply = make(chan error, 1)
	select {
	case p.cmds <- cmd:
	case <-p.done:
		return ErrPlayerClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-p.done:
		return ErrPlayerClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// playback is the loop's view of the loaded track.
type playback struct {
	src    pbx.Source
	paused bool
	frames int64
}

func (p *Player) loop() {
	defer p.wg.Done()
	var pb playback
	defer func() { p.unload(&pb) }()
	buf := make([]float32, 2*PacketFrames)

	for {
		if pb.src == nil || pb.paused {
			select {
			case <-p.done:
				return
			case cmd := <-p.cmds:
				cmd.reply <- p.apply(cmd, &pb)
			}
			continue
		}

		select {
		case <-p.done:
			return
		case cmd := <-p.cmds:
			cmd.reply <- p.apply(cmd, &pb)
			continue
		default:
		}

		n, err := fill(pb.src, buf)
		n -= n % 2
		if n > 0 {
			pcm := bridge.PCM(audio.Float32ToFloat64(buf[:n]))
			vol := p.Volume()
			for i := range pcm {
				pcm[i] *= vol
			}
			if werr := p.cfg.sink.OnPacket(pcm); werr != nil {
				slog.Warn("library: sink rejected packet, stopping", "err", werr)
				err = werr
			}
			pb.frames += int64(n / 2)
			p.mu.Lock()
			p.position = time.Duration(pb.frames) * time.Second / time.Duration(p.cfg.rate)
			p.mu.Unlock()
		}
		if err != nil {
			finished := p.Snapshot().Track.ID
			if !errors.Is(err, io.EOF) {
				slog.Warn("library: playback ended early", "track", finished, "err", err)
			} else {
				slog.Info("library: track finished", "track", finished)
			}
			p.unload(&pb)
			if next, ok := p.next(finished); ok && errors.Is(err, io.EOF) {
				if perr := p.apply(command{op: opPlay, track: next}, &pb); perr == nil {
					continue
				}
			}
			p.setStatus(StatusStopped, connect.EventStopped)
		}
	}
}

// SetAutoplay toggles continuing with the next track after one finishes.
func (p *Player) SetAutoplay(on bool) { p.autoplay.Store(on) }

// next returns the track following name in its directory when autoplay is
// on.
func (p *Player) next(name string) (string, bool) {
	if !p.autoplay.Load() || name == "" {
		return "", false
	}
	dir := path.Dir(name)
	entries, err := fs.ReadDir(p.cfg.root.FS(), dir)
	if err != nil {
		return "", false
	}
	for _, e := range entries {
		if e.IsDir() || !Supported(e.Name()) {
			continue
		}
		candidate := path.Join(dir, e.Name())
		if candidate > name {
			return candidate, true
		}
	}
	return "", false
}

// fill reads until buf is full or the source reports an error.
func fill(src pbx.Source, buf []float32) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := src.ReadSamples(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
		if n == 0 {
			return total, io.ErrNoProgress
		}
	}
	return total, nil
}

func (p *Player) apply(cmd command, pb *playback) error {
	switch cmd.op {
	case opPlay:
		p.unload(pb)
		p.mu.Lock()
		p.track = trackInfo(cmd.track)
		p.position = 0
		p.mu.Unlock()
		p.setStatus(StatusLoading, connect.EventLoading)

		src, err := openTrack(p.cfg.decoder, p.cfg.root, cmd.track, p.cfg.rate)
		if err != nil {
			p.setStatus(StatusStopped, connect.EventStopped)
			return err
		}
		pb.src = src
		if err := p.cfg.sink.Start(); err != nil {
			slog.Warn("library: sink start failed", "err", err)
		}
		p.setStatus(StatusPlaying, connect.EventPlaying)
		return nil

	case opPause:
		if pb.src == nil {
			return ErrNotPlaying
		}
		if !pb.paused {
			pb.paused = true
			p.setStatus(StatusPaused, connect.EventPaused)
		}
		return nil

	case opResume:
		if pb.src == nil {
			return ErrNotPlaying
		}
		if pb.paused {
			pb.paused = false
			p.setStatus(StatusPlaying, connect.EventPlaying)
		}
		return nil

	case opStop:
		if pb.src == nil {
			return nil
		}
		p.unload(pb)
		p.setStatus(StatusStopped, connect.EventStopped)
		return nil
	}
	return fmt.Errorf("library: unknown command %d", cmd.op)
}

// unload closes the current source and tells the sink playback stopped.
func (p *Player) unload(pb *playback) {
	if pb.src == nil {
		return
	}
	if err := pb.src.Close(); err != nil {
		slog.Warn("library: close track", "err", err)
	}
	if err := p.cfg.sink.Stop(); err != nil {
		slog.Warn("library: sink stop failed", "err", err)
	}
	*pb = playback{}
}

// setStatus records s and publishes an event of kind k. Events are dropped
// when nobody drains the channel.
func (p *Player) setStatus(s Status, k connect.EventKind) {
	p.mu.Lock()
	p.status = s
	ev := connect.Event{Kind: k, Track: p.track, Position: p.position, At: time.Now()}
	p.mu.Unlock()

	select {
	case p.events <- ev:
	default:
		slog.Debug("library: event dropped", "kind", k)
	}
}

// trackInfo derives display metadata from a library path: the file name is
// the title and the parent directory the artist.
func trackInfo(name string) connect.Track {
	base := path.Base(name)
	t := connect.Track{
		ID:    name,
		Title: strings.TrimSuffix(base, path.Ext(base)),
	}
	if dir := path.Dir(name); dir != "." {
		t.Artist = path.Base(dir)
	}
	return t
}
