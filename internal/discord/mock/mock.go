// Package mock provides call-recording test doubles for the follower's
// collaborators.
//
// All mocks are safe for concurrent use.
package mock

import (
	"context"
	"sync"
)

// Controller records Enable and Disable calls.
type Controller struct {
	mu sync.Mutex

	// EnableError and DisableError are returned by the matching method.
	EnableError  error
	DisableError error

	enables  int
	disables int
	calls    []string
}

// Enable implements discord.Controller.
func (c *Controller) Enable(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.enables++
	c.calls = append(c.calls, "enable")
	return c.EnableError
}

// Disable implements discord.Controller.
func (c *Controller) Disable(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disables++
	c.calls = append(c.calls, "disable")
	return c.DisableError
}

// Enables returns the number of Enable calls.
func (c *Controller) Enables() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enables
}

// Disables returns the number of Disable calls.
func (c *Controller) Disables() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disables
}

// Calls returns "enable"/"disable" in call order.
func (c *Controller) Calls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.calls...)
}

// Presence records presence updates as strings: "listening:<text>",
// "online" or "invisible".
type Presence struct {
	mu sync.Mutex

	// Err is returned by every method.
	Err error

	updates []string
}

// SetListening implements discord.Presence.
func (p *Presence) SetListening(text string) error { return p.record("listening:" + text) }

// SetOnline implements discord.Presence.
func (p *Presence) SetOnline() error { return p.record("online") }

// SetInvisible implements discord.Presence.
func (p *Presence) SetInvisible() error { return p.record("invisible") }

func (p *Presence) record(s string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.updates = append(p.updates, s)
	return p.Err
}

// Updates returns every recorded update in order.
func (p *Presence) Updates() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.updates...)
}

// Locator answers UserVoiceChannel from a fixed map of user id to
// [guild, channel].
type Locator struct {
	mu       sync.Mutex
	channels map[string][2]string
}

// Set places userID in channelID of guildID. An empty channelID removes it.
func (l *Locator) Set(userID, guildID, channelID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.channels == nil {
		l.channels = make(map[string][2]string)
	}
	if channelID == "" {
		delete(l.channels, userID)
		return
	}
	l.channels[userID] = [2]string{guildID, channelID}
}

// UserVoiceChannel implements discord.VoiceLocator.
func (l *Locator) UserVoiceChannel(userID string) (string, string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.channels[userID]
	return c[0], c[1], ok
}

// Voice records joins and leaves and tracks the joined guild.
type Voice struct {
	mu sync.Mutex

	// JoinError is returned by Join.
	JoinError error

	guildID     string
	joined      bool
	joins       [][2]string
	leaves      int
	disconnects int
}

// Join implements discord.VoiceChannel.
func (v *Voice) Join(_ context.Context, guildID, channelID string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.joins = append(v.joins, [2]string{guildID, channelID})
	if v.JoinError != nil {
		return v.JoinError
	}
	v.guildID, v.joined = guildID, true
	return nil
}

// Leave implements discord.VoiceChannel.
func (v *Voice) Leave(context.Context) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.leaves++
	v.guildID, v.joined = "", false
}

// CurrentGuild implements discord.VoiceChannel.
func (v *Voice) CurrentGuild() (string, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.guildID, v.joined
}

// NotifyDisconnect implements discord.VoiceChannel.
func (v *Voice) NotifyDisconnect() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.disconnects++
}

// Joins returns every Join call as [guild, channel].
func (v *Voice) Joins() [][2]string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([][2]string(nil), v.joins...)
}

// Leaves returns the number of Leave calls.
func (v *Voice) Leaves() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.leaves
}

// Disconnects returns the number of NotifyDisconnect calls.
func (v *Voice) Disconnects() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.disconnects
}
