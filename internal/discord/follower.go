package discord

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/aoede/internal/connect"
	"github.com/MrWong99/aoede/internal/observe"
)

// Controller enables and disables the music control channel.
// [connect.ControlManager] implements it.
type Controller interface {
	Enable(ctx context.Context) error
	Disable(ctx context.Context) error
}

var _ Controller = (*connect.ControlManager)(nil)

// Presence updates the bot's Discord status.
type Presence interface {
	// SetListening shows "Listening to text".
	SetListening(text string) error

	// SetOnline shows the bot online without an activity.
	SetOnline() error

	// SetInvisible hides the bot.
	SetInvisible() error
}

// VoiceLocator finds the voice channel a user is connected to.
type VoiceLocator interface {
	UserVoiceChannel(userID string) (guildID, channelID string, ok bool)
}

// VoiceChannel is the subset of [Voice] the follower drives.
type VoiceChannel interface {
	Join(ctx context.Context, guildID, channelID string) error
	Leave(ctx context.Context)
	CurrentGuild() (guildID string, ok bool)
	NotifyDisconnect()
}

var _ VoiceChannel = (*Voice)(nil)

// Follower keeps the bot next to one Discord user: it enables the control
// channel when the user joins voice, disables it when they leave, follows
// channel moves and mirrors player events into voice and presence.
//
// Enable and Disable are serialised behind a single lock.
type Follower struct {
	userID   string
	control  Controller
	voice    VoiceChannel
	presence Presence
	locator  VoiceLocator

	controlMu sync.Mutex
}

// FollowerConfig configures a [Follower].
type FollowerConfig struct {
	// UserID is the Discord user to follow.
	UserID string

	Control  Controller
	Voice    VoiceChannel
	Presence Presence
	Locator  VoiceLocator
}

// NewFollower creates a [Follower].
func NewFollower(cfg FollowerConfig) *Follower {
	return &Follower{
		userID:   cfg.UserID,
		control:  cfg.Control,
		voice:    cfg.Voice,
		presence: cfg.Presence,
		locator:  cfg.Locator,
	}
}

// CheckStartup enables the control channel once if the user is already in a
// voice channel when the gateway becomes ready.
func (f *Follower) CheckStartup(ctx context.Context) {
	if _, _, ok := f.locator.UserVoiceChannel(f.userID); !ok {
		slog.Info("discord: user not in voice at startup", "user_id", f.userID)
		return
	}
	f.enable(ctx)
}

// HandleVoiceState reacts to a voice state change. before is nil when the
// previous state is unknown.
func (f *Follower) HandleVoiceState(ctx context.Context, before, after *discordgo.VoiceState) {
	if after == nil || after.UserID != f.userID {
		return
	}

	switch {
	case before == nil || before.ChannelID == "":
		if after.ChannelID != "" {
			f.enable(ctx)
		}

	case after.ChannelID == "":
		if err := f.presence.SetInvisible(); err != nil {
			slog.Warn("discord: set invisible", "err", err)
		}
		f.disable(ctx)
		f.voice.Leave(ctx)

	case before.ChannelID != after.ChannelID:
		current, ok := f.voice.CurrentGuild()
		if !ok {
			return
		}
		if current != after.GuildID {
			f.voice.Leave(ctx)
			return
		}
		if err := f.voice.Join(ctx, after.GuildID, after.ChannelID); err != nil {
			slog.Warn("discord: follow channel move", "channel_id", after.ChannelID, "err", err)
		}
	}
}

// HandleOwnVoiceState reacts to a voice state change of the bot itself. A
// drop to no channel while still joined is reported as an unexpected
// disconnect so the voice monitor re-joins.
func (f *Follower) HandleOwnVoiceState(after *discordgo.VoiceState) {
	if after == nil || after.ChannelID != "" {
		return
	}
	if _, ok := f.voice.CurrentGuild(); ok {
		slog.Warn("discord: voice connection dropped", "guild_id", after.GuildID)
		f.voice.NotifyDisconnect()
	}
}

// HandleEvent mirrors one player event into voice and presence.
func (f *Follower) HandleEvent(ctx context.Context, ev connect.Event) {
	switch ev.Kind {
	case connect.EventStopped:
		if err := f.presence.SetOnline(); err != nil {
			slog.Warn("discord: reset presence", "err", err)
		}
		f.voice.Leave(ctx)

	case connect.EventLoading:
		guildID, channelID, ok := f.locator.UserVoiceChannel(f.userID)
		if !ok {
			slog.Warn("discord: could not find user in a voice channel", "user_id", f.userID)
			return
		}
		if err := f.voice.Join(ctx, guildID, channelID); err != nil {
			slog.Error("discord: join user's voice channel", "channel_id", channelID, "err", err)
		}

	case connect.EventPaused:
		if err := f.presence.SetOnline(); err != nil {
			slog.Warn("discord: reset presence", "err", err)
		}

	case connect.EventPlaying:
		if err := f.presence.SetListening(listeningTo(ev.Track)); err != nil {
			slog.Warn("discord: set presence", "err", err)
		}
	}
}

// Run forwards events to HandleEvent until events is closed or ctx is
// cancelled.
func (f *Follower) Run(ctx context.Context, events <-chan connect.Event) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			f.HandleEvent(ctx, ev)
		}
	}
}

func (f *Follower) enable(ctx context.Context) {
	ctx, span := observe.StartSpan(ctx, "discord.enable")
	defer span.End()

	f.controlMu.Lock()
	defer f.controlMu.Unlock()
	if err := f.control.Enable(ctx); err != nil {
		observe.Logger(ctx).Error("discord: enable control channel", "err", err)
	}
}

func (f *Follower) disable(ctx context.Context) {
	ctx, span := observe.StartSpan(ctx, "discord.disable")
	defer span.End()

	f.controlMu.Lock()
	defer f.controlMu.Unlock()
	if err := f.control.Disable(ctx); err != nil {
		observe.Logger(ctx).Warn("discord: disable control channel", "err", err)
	}
}

func listeningTo(t connect.Track) string {
	if t.Artist == "" {
		return t.Title
	}
	return fmt.Sprintf("%s: %s", t.Artist, t.Title)
}
