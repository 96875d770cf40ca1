// Package discord provides the Discord bot layer for aoede. It owns the
// discordgo.Session lifecycle, follows one user between voice channels and
// mirrors music player events into voice playback and presence.
package discord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/aoede/pkg/audio"
	discordaudio "github.com/MrWong99/aoede/pkg/audio/discord"
)

// invitePermissions grants Connect, Speak and Use Voice Activity.
const invitePermissions = 36700160

// ErrNotReady is returned by [Bot.Check] before the gateway has delivered
// its initial state.
var ErrNotReady = errors.New("discord: gateway not ready")

// Config holds Discord bot configuration.
type Config struct {
	// Token is the bot token without the "Bot " prefix.
	Token string

	// UserID is the user the bot follows.
	UserID string

	// GuildID limits voice lookups to one guild when set.
	GuildID string
}

// Bot owns the Discord gateway connection.
//
// Bot implements [Presence] and [VoiceLocator] for a [Follower].
type Bot struct {
	mu        sync.RWMutex
	session   *discordgo.Session
	platform  *discordaudio.Platform
	userID    string
	guildID   string
	started   atomic.Bool
	closeOnce sync.Once
}

var (
	_ Presence     = (*Bot)(nil)
	_ VoiceLocator = (*Bot)(nil)
)

// New creates a Bot. The gateway is opened by [Bot.Run].
func New(_ context.Context, cfg Config) (*Bot, error) {
	if cfg.Token == "" {
		return nil, errors.New("discord: token is required")
	}
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("discord: create session: %w", err)
	}

	session.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildVoiceStates
	session.StateEnabled = true
	session.State.TrackVoice = true

	return &Bot{
		session:  session,
		platform: discordaudio.New(session),
		userID:   cfg.UserID,
		guildID:  cfg.GuildID,
	}, nil
}

// Platform returns the audio.Platform for voice channel connections.
func (b *Bot) Platform() audio.Platform {
	return b.platform
}

// Session returns the underlying discordgo session.
func (b *Bot) Session() *discordgo.Session {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.session
}

// Run registers the gateway handlers for f, opens the gateway and blocks
// until ctx is cancelled.
func (b *Bot) Run(ctx context.Context, f *Follower) error {
	b.session.AddHandler(func(_ *discordgo.Session, r *discordgo.Ready) {
		b.onReady(r)
	})
	b.session.AddHandler(func(_ *discordgo.Session, g *discordgo.GuildCreate) {
		b.onGuildCreate(ctx, f, g.Guild)
	})
	b.session.AddHandler(func(s *discordgo.Session, v *discordgo.VoiceStateUpdate) {
		b.onVoiceStateUpdate(ctx, s, f, v)
	})

	if err := b.session.Open(); err != nil {
		return fmt.Errorf("discord: open session: %w", err)
	}

	<-ctx.Done()
	return ctx.Err()
}

func (b *Bot) onReady(r *discordgo.Ready) {
	slog.Info("discord: ready", "user", r.User.Username, "guilds", len(r.Guilds))
	slog.Info("discord: invite the bot with this link", "url", InviteURL(r.User.ID))
}

// onGuildCreate runs the startup check as soon as the first guild that
// holds the followed user's voice state arrives.
func (b *Bot) onGuildCreate(ctx context.Context, f *Follower, g *discordgo.Guild) {
	if g == nil || b.started.Load() || (b.guildID != "" && g.ID != b.guildID) {
		return
	}
	for _, vs := range g.VoiceStates {
		if vs.UserID == b.userID && vs.ChannelID != "" {
			if b.started.CompareAndSwap(false, true) {
				go f.CheckStartup(ctx)
			}
			return
		}
	}
}

func (b *Bot) onVoiceStateUpdate(ctx context.Context, s *discordgo.Session, f *Follower, v *discordgo.VoiceStateUpdate) {
	if v.VoiceState == nil {
		return
	}
	if s.State != nil && s.State.User != nil && v.UserID == s.State.User.ID {
		f.HandleOwnVoiceState(v.VoiceState)
		return
	}
	if v.UserID == b.userID {
		b.started.Store(true)
	}
	f.HandleVoiceState(ctx, v.BeforeUpdate, v.VoiceState)
}

// InviteURL returns the OAuth2 link that adds the bot with voice permissions.
func InviteURL(clientID string) string {
	return fmt.Sprintf("https://discord.com/api/oauth2/authorize?client_id=%s&permissions=%d&scope=bot", clientID, invitePermissions)
}

// UserVoiceChannel implements [VoiceLocator] from the gateway state cache.
func (b *Bot) UserVoiceChannel(userID string) (string, string, bool) {
	st := b.session.State
	st.RLock()
	ids := make([]string, 0, len(st.Guilds))
	for _, g := range st.Guilds {
		if b.guildID == "" || g.ID == b.guildID {
			ids = append(ids, g.ID)
		}
	}
	st.RUnlock()

	for _, id := range ids {
		vs, err := st.VoiceState(id, userID)
		if err == nil && vs.ChannelID != "" {
			return id, vs.ChannelID, true
		}
	}
	return "", "", false
}

// SetListening implements [Presence].
func (b *Bot) SetListening(text string) error {
	return b.updateStatus(string(discordgo.StatusOnline), &discordgo.Activity{
		Name: text,
		Type: discordgo.ActivityTypeListening,
	})
}

// SetOnline implements [Presence].
func (b *Bot) SetOnline() error {
	return b.updateStatus(string(discordgo.StatusOnline), nil)
}

// SetInvisible implements [Presence].
func (b *Bot) SetInvisible() error {
	return b.updateStatus(string(discordgo.StatusInvisible), nil)
}

func (b *Bot) updateStatus(status string, activity *discordgo.Activity) error {
	usd := discordgo.UpdateStatusData{
		Status:     status,
		Activities: []*discordgo.Activity{},
	}
	if activity != nil {
		usd.Activities = append(usd.Activities, activity)
	}
	if err := b.Session().UpdateStatusComplex(usd); err != nil {
		return fmt.Errorf("discord: update status: %w", err)
	}
	return nil
}

// Check reports whether the gateway is connected and its state is loaded.
func (b *Bot) Check(_ context.Context) error {
	s := b.Session()
	s.RLock()
	ready := s.DataReady
	s.RUnlock()
	if !ready {
		return ErrNotReady
	}
	return nil
}

// Close disconnects from Discord.
func (b *Bot) Close() error {
	var closeErr error
	b.closeOnce.Do(func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		if b.session != nil {
			if err := b.session.Close(); err != nil {
				closeErr = fmt.Errorf("discord: close session: %w", err)
			}
		}

		slog.Info("discord: bot closed")
	})
	return closeErr
}
