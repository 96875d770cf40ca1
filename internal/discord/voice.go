package discord

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/aoede/internal/observe"
	"github.com/MrWong99/aoede/pkg/audio"
)

// Default re-join parameters.
const (
	defaultMaxRetries = 10
	defaultBackoff    = 1 * time.Second
	defaultMaxBackoff = 30 * time.Second
)

// ErrNotJoined is returned by [Voice.Rejoin] when no voice channel was ever
// joined.
var ErrNotJoined = errors.New("discord: not in a voice channel")

// Voice owns the bot's single voice connection and streams the audio source
// into whichever channel is joined.
//
// When the connection drops unexpectedly (signalled via
// [Voice.NotifyDisconnect]) the monitor re-joins the last channel with
// exponential backoff and restarts playback on success.
//
// All methods are safe for concurrent use.
type Voice struct {
	platform    audio.Platform
	source      io.Reader
	maxRetries  int
	backoff     time.Duration
	maxBackoff  time.Duration
	metrics     *observe.Metrics
	onReconnect func(audio.Connection)

	mu           sync.Mutex
	conn         audio.Connection
	guildID      string
	channelID    string
	done         chan struct{}
	stopOnce     sync.Once
	disconnected chan struct{}
}

// VoiceConfig configures a [Voice].
type VoiceConfig struct {
	// Platform joins voice channels.
	Platform audio.Platform

	// Source is streamed into every joined channel, usually the audio bridge.
	Source io.Reader

	// MaxRetries is the maximum number of re-join attempts after a drop.
	// Defaults to 10 if zero.
	MaxRetries int

	// Backoff is the initial wait between attempts. Doubles each attempt up
	// to MaxBackoff. Defaults to 1s if zero.
	Backoff time.Duration

	// MaxBackoff defaults to 30s if zero.
	MaxBackoff time.Duration

	// Metrics defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// OnReconnect is called after a successful re-join. May be nil.
	OnReconnect func(audio.Connection)
}

// NewVoice creates a [Voice] that has not joined any channel yet.
func NewVoice(cfg VoiceConfig) *Voice {
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	backoff := cfg.Backoff
	if backoff <= 0 {
		backoff = defaultBackoff
	}
	maxBackoff := cfg.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = defaultMaxBackoff
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	return &Voice{
		platform:     cfg.Platform,
		source:       cfg.Source,
		maxRetries:   maxRetries,
		backoff:      backoff,
		maxBackoff:   maxBackoff,
		metrics:      cfg.Metrics,
		onReconnect:  cfg.OnReconnect,
		done:         make(chan struct{}),
		disconnected: make(chan struct{}, 1),
	}
}

// Join makes channelID in guildID the bot's voice channel and starts
// streaming the source into it. Joining the current channel again plays the
// source again, which leaves a running stream untouched. Any other
// connection is left first, and its sender has stopped reading the source
// before the new one starts.
func (v *Voice) Join(ctx context.Context, guildID, channelID string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.conn != nil && v.conn.GuildID() == guildID && v.conn.ChannelID() == channelID {
		if err := v.conn.Play(v.source); err != nil {
			return fmt.Errorf("discord: play in %q: %w", channelID, err)
		}
		return nil
	}

	v.leaveLocked(ctx)

	conn, err := v.platform.Connect(ctx, guildID, channelID)
	if err != nil {
		return fmt.Errorf("discord: join voice: %w", err)
	}
	v.metrics.VoiceConnections.Add(ctx, 1)
	v.conn, v.guildID, v.channelID = conn, guildID, channelID

	if err := conn.Play(v.source); err != nil {
		return fmt.Errorf("discord: play in %q: %w", channelID, err)
	}
	slog.Info("discord: joined voice channel", "guild_id", guildID, "channel_id", channelID)
	return nil
}

// Rejoin connects to the last joined channel again.
func (v *Voice) Rejoin(ctx context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	guildID, channelID := v.guildID, v.channelID
	if channelID == "" {
		return ErrNotJoined
	}

	v.leaveLocked(ctx)
	conn, err := v.platform.Connect(ctx, guildID, channelID)
	if err != nil {
		return fmt.Errorf("discord: rejoin voice: %w", err)
	}
	v.metrics.VoiceConnections.Add(ctx, 1)
	v.conn = conn
	if err := conn.Play(v.source); err != nil {
		return fmt.Errorf("discord: play in %q: %w", channelID, err)
	}
	return nil
}

// Leave disconnects from the current voice channel, if any, and forgets it
// so the monitor will not re-join.
func (v *Voice) Leave(ctx context.Context) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.leaveLocked(ctx)
	v.guildID, v.channelID = "", ""
}

func (v *Voice) leaveLocked(ctx context.Context) {
	if v.conn == nil {
		return
	}
	conn := v.conn
	v.conn = nil
	v.metrics.VoiceConnections.Add(ctx, -1)
	if err := conn.Disconnect(); err != nil {
		slog.Warn("discord: leave voice channel", "channel_id", conn.ChannelID(), "err", err)
		return
	}
	slog.Info("discord: left voice channel", "guild_id", conn.GuildID(), "channel_id", conn.ChannelID())
}

// CurrentGuild reports the guild of the current connection.
func (v *Voice) CurrentGuild() (string, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.conn == nil {
		return "", false
	}
	return v.conn.GuildID(), true
}

// Connection returns the current connection, or nil when not joined or
// while re-joining.
func (v *Voice) Connection() audio.Connection {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.conn
}

// Monitor starts the re-join loop in a background goroutine. It ends when
// ctx is cancelled or Stop is called.
func (v *Voice) Monitor(ctx context.Context) {
	go v.monitorLoop(ctx)
}

// NotifyDisconnect signals that the voice connection dropped without the bot
// leaving. Safe to call multiple times; only the first call per cycle has
// effect.
func (v *Voice) NotifyDisconnect() {
	select {
	case v.disconnected <- struct{}{}:
	default:
	}
}

// Stop halts monitoring and leaves the current channel. Safe to call more
// than once.
func (v *Voice) Stop() {
	v.stopOnce.Do(func() {
		close(v.done)
	})
	v.Leave(context.Background())
}

func (v *Voice) monitorLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-v.done:
			return
		case <-v.disconnected:
			v.attemptRejoin(ctx)
		}
	}
}

func (v *Voice) attemptRejoin(ctx context.Context) {
	currentBackoff := v.backoff

	for attempt := 1; attempt <= v.maxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return
		case <-v.done:
			return
		default:
		}

		err := v.Rejoin(ctx)
		if errors.Is(err, ErrNotJoined) {
			return
		}
		if err == nil {
			slog.Info("discord: voice re-join successful", "attempt", attempt)
			if v.onReconnect != nil {
				v.onReconnect(v.Connection())
			}
			return
		}

		slog.Warn("discord: voice re-join attempt failed",
			"attempt", attempt,
			"max_retries", v.maxRetries,
			"backoff", currentBackoff,
			"err", err,
		)

		select {
		case <-ctx.Done():
			return
		case <-v.done:
			return
		case <-time.After(currentBackoff):
		}

		currentBackoff *= 2
		if currentBackoff > v.maxBackoff {
			currentBackoff = v.maxBackoff
		}
	}

	slog.Error("discord: voice re-join failed after max retries", "max_retries", v.maxRetries)
}
