package discord

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"reflect"
	"sync"

	"github.com/MrWong99/aoede/pkg/audio"
	"github.com/bwmarrin/discordgo"
)

// Compile-time interface assertion.
var _ audio.Connection = (*Connection)(nil)

// pcmFrameBytes is one 20 ms window of float32 stereo PCM:
// 960 samples/channel × 2 channels × 4 bytes/sample = 7680 bytes.
const pcmFrameBytes = opusFrameSize * opusChannels * 4

// Connection wraps a discordgo.VoiceConnection and adapts it to the
// [audio.Connection] interface. A single sender goroutine per [Connection.Play]
// call reads PCM windows from the source, encodes them and pushes them onto
// the voice connection's Opus send channel.
//
// Connection is safe for concurrent use.
type Connection struct {
	vc        *discordgo.VoiceConnection
	guildID   string
	channelID string

	mu      sync.Mutex
	current *sender // nil when idle

	done      chan struct{}
	closeOnce sync.Once

	// Overridden in tests.
	disconnectVC func() error
	speaking     func(bool) error
	newEncoder   func() (frameEncoder, error)
}

// sender is one running sendLoop.
type sender struct {
	src    io.Reader
	live   audio.LiveSource // src, if it supports hand-over
	cancel context.CancelFunc
	exited chan struct{}
}

// running reports whether the loop has not returned yet.
func (s *sender) running() bool {
	select {
	case <-s.exited:
		return false
	default:
		return true
	}
}

// halt stops the loop. A live source is waited for, since its next reader
// must not start before this one is done. A plain reader cannot be
// interrupted, so its loop exits after its pending read returns.
func (s *sender) halt() {
	s.cancel()
	if s.live != nil {
		<-s.exited
	}
}

// newConnection initialises a Connection for an already-joined voice channel.
func newConnection(vc *discordgo.VoiceConnection, guildID, channelID string) *Connection {
	return &Connection{
		vc:           vc,
		guildID:      guildID,
		channelID:    channelID,
		done:         make(chan struct{}),
		disconnectVC: vc.Disconnect,
		speaking:     vc.Speaking,
		newEncoder:   newOpusEncoder,
	}
}

// GuildID implements [audio.Connection].
func (c *Connection) GuildID() string { return c.guildID }

// ChannelID implements [audio.Connection].
func (c *Connection) ChannelID() string { return c.channelID }

// Play starts streaming src, replacing the current source. Playing the
// source that is already streaming is a no-op.
func (c *Connection) Play(src io.Reader) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	select {
	case <-c.done:
		return errors.New("discord: connection closed")
	default:
	}

	if cur := c.current; cur != nil {
		if cur.running() && sameSource(cur.src, src) {
			return nil
		}
		c.stopLocked()
	}

	enc, err := c.newEncoder()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &sender{src: src, cancel: cancel, exited: make(chan struct{})}
	s.live, _ = src.(audio.LiveSource)
	c.current = s

	go c.sendLoop(ctx, s, enc)
	return nil
}

// Stop ends the current playback, if any.
func (c *Connection) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopLocked()
}

func (c *Connection) stopLocked() {
	if c.current != nil {
		c.current.halt()
		c.current = nil
	}
}

// Disconnect cleanly tears down the voice connection and stops the sender.
// It is safe to call more than once; subsequent calls return nil.
func (c *Connection) Disconnect() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.stopLocked()
		close(c.done)
		c.mu.Unlock()
		if c.disconnectVC != nil {
			err = c.disconnectVC()
		}
	})
	return err
}

// sameSource reports whether a and b are the same comparable reader.
func sameSource(a, b io.Reader) bool {
	t := reflect.TypeOf(a)
	return t != nil && t == reflect.TypeOf(b) && t.Comparable() && a == b
}

// sendLoop reads 20 ms PCM windows from the source, converts them to int16,
// encodes them to Opus and sends the packets via the Discord voice
// connection. When ctx ends it returns whatever it has not sent to a live
// source.
func (c *Connection) sendLoop(ctx context.Context, s *sender, enc frameEncoder) {
	speaking := false
	defer func() {
		if speaking {
			c.setSpeaking(false)
		}
		close(s.exited)
	}()

	giveBack := func(b []byte) {
		if s.live != nil && len(b) > 0 {
			s.live.Unread(b)
		}
	}

	buf := make([]byte, pcmFrameBytes)
	for {
		n, err := readWindow(ctx, s.src, buf)
		if ctx.Err() != nil {
			giveBack(buf[:n])
			return
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				slog.Debug("discord: playback source ended", "guild", c.guildID)
			} else {
				slog.Warn("discord: playback source failed", "guild", c.guildID, "error", err)
			}
			return
		}

		opus, err := enc.encode(audio.FloatLEToInt16(buf))
		if err != nil {
			slog.Warn("discord: opus encode error", "error", err)
			continue
		}

		if !speaking {
			c.setSpeaking(true)
			speaking = true
		}

		select {
		case c.vc.OpusSend <- opus:
		case <-ctx.Done():
			giveBack(buf)
			return
		}
	}
}

// readWindow fills buf from src and returns how many bytes it read. Unlike
// io.ReadFull it fails with io.ErrNoProgress on a (0, nil) read instead of
// spinning. A live source is read with ctx so the wait ends on stop.
func readWindow(ctx context.Context, src io.Reader, buf []byte) (int, error) {
	read := src.Read
	if live, ok := src.(audio.LiveSource); ok {
		read = func(p []byte) (int, error) { return live.ReadContext(ctx, p) }
	}

	n := 0
	for n < len(buf) {
		m, err := read(buf[n:])
		n += m
		if err != nil {
			if errors.Is(err, io.EOF) && n > 0 {
				return n, io.ErrUnexpectedEOF
			}
			return n, err
		}
		if m == 0 {
			return n, io.ErrNoProgress
		}
	}
	return n, nil
}

// setSpeaking sends a speaking notification to Discord, logging any errors.
func (c *Connection) setSpeaking(b bool) {
	if err := c.speaking(b); err != nil {
		slog.Warn("discord: speaking notification error", "speaking", b, "error", err)
	}
}
