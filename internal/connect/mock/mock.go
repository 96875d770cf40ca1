// Package mock provides call-recording implementations of the connect
// interfaces for tests.
//
// All mocks are safe for concurrent use. Exported fields set before use
// control return values; accessor methods expose what was recorded.
package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/MrWong99/aoede/internal/connect"
)

// ─── Handle ───────────────────────────────────────────────────────────────────

// Handle is a mock [connect.Handle].
type Handle struct {
	mu sync.Mutex

	// SessionID and User are returned by ID and Username.
	SessionID string
	User      string

	// CloseError is returned by Close.
	CloseError error

	invalid bool
	closes  int
}

// ID implements [connect.Handle].
func (h *Handle) ID() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.SessionID
}

// Username implements [connect.Handle].
func (h *Handle) Username() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.User
}

// Valid implements [connect.Handle]. A handle is valid until Invalidate or
// Close is called.
func (h *Handle) Valid() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return !h.invalid && h.closes == 0
}

// Invalidate makes Valid report false.
func (h *Handle) Invalidate() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.invalid = true
}

// Close implements [connect.Handle].
func (h *Handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closes++
	return h.CloseError
}

// Closes returns how many times Close was called.
func (h *Handle) Closes() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closes
}

// ─── Player ───────────────────────────────────────────────────────────────────

// Player is a mock [connect.Player]. Use [NewPlayer] to construct one.
type Player struct {
	Handle connect.Handle
	Sink   connect.Sink

	events    chan connect.Event
	closeOnce sync.Once
	mu        sync.Mutex
	closes    int
}

// NewPlayer returns a player whose event channel buffers up to 16 events.
func NewPlayer(h connect.Handle, sink connect.Sink) *Player {
	return &Player{Handle: h, Sink: sink, events: make(chan connect.Event, 16)}
}

// Events implements [connect.Player].
func (p *Player) Events() <-chan connect.Event { return p.events }

// Emit publishes ev on the event channel.
func (p *Player) Emit(ev connect.Event) { p.events <- ev }

// Close implements [connect.Player].
func (p *Player) Close() error {
	p.mu.Lock()
	p.closes++
	p.mu.Unlock()
	p.closeOnce.Do(func() { close(p.events) })
	return nil
}

// Closes returns how many times Close was called.
func (p *Player) Closes() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closes
}

// ─── ControlChannel ───────────────────────────────────────────────────────────

// ControlChannel is a mock [connect.ControlChannel]. Run blocks until its
// context is cancelled unless RunError is set.
type ControlChannel struct {
	mu sync.Mutex

	// Config, Handle and Player are the values the channel was built with.
	Config connect.ControlConfig
	Handle connect.Handle
	Player connect.Player

	// ActivateError is returned by Activate.
	ActivateError error

	// DisconnectError is returned by Disconnect.
	DisconnectError error

	// RunError makes Run return immediately with this error.
	RunError error

	activations int
	disconnects []bool
	started     chan struct{}
	stopped     chan struct{}
}

func newControlChannel(cfg connect.ControlConfig, h connect.Handle, p connect.Player) *ControlChannel {
	return &ControlChannel{
		Config:  cfg,
		Handle:  h,
		Player:  p,
		started: make(chan struct{}),
		stopped: make(chan struct{}),
	}
}

// SetActivateError changes the error Activate returns.
func (c *ControlChannel) SetActivateError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ActivateError = err
}

// Activate implements [connect.ControlChannel].
func (c *ControlChannel) Activate() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.activations++
	return c.ActivateError
}

// Disconnect implements [connect.ControlChannel].
func (c *ControlChannel) Disconnect(pause bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnects = append(c.disconnects, pause)
	return c.DisconnectError
}

// Run implements [connect.ControlChannel].
func (c *ControlChannel) Run(ctx context.Context) error {
	close(c.started)
	defer close(c.stopped)
	c.mu.Lock()
	err := c.RunError
	c.mu.Unlock()
	if err != nil {
		return err
	}
	<-ctx.Done()
	return ctx.Err()
}

// Activations returns how many times Activate was called.
func (c *ControlChannel) Activations() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activations
}

// Disconnects returns the pause argument of every Disconnect call.
func (c *ControlChannel) Disconnects() []bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]bool(nil), c.disconnects...)
}

// Started is closed once Run has been entered.
func (c *ControlChannel) Started() <-chan struct{} { return c.started }

// Stopped is closed once Run has returned.
func (c *ControlChannel) Stopped() <-chan struct{} { return c.stopped }

// ─── Backend ──────────────────────────────────────────────────────────────────

// Backend is a mock [connect.Backend] that records every object it builds.
type Backend struct {
	mu sync.Mutex

	// OpenError, PlayerError and ChannelError fail the respective call.
	OpenError    error
	PlayerError  error
	ChannelError error

	opens    []connect.Credentials
	handles  []*Handle
	players  []*Player
	channels []*ControlChannel
}

var _ connect.Backend = (*Backend)(nil)

// Open implements [connect.Backend].
func (b *Backend) Open(_ context.Context, creds connect.Credentials) (connect.Handle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.opens = append(b.opens, creds)
	if b.OpenError != nil {
		return nil, b.OpenError
	}
	h := &Handle{SessionID: fmt.Sprintf("session-%d", len(b.handles)+1), User: creds.Username}
	b.handles = append(b.handles, h)
	return h, nil
}

// NewPlayer implements [connect.Backend].
func (b *Backend) NewPlayer(h connect.Handle, sink connect.Sink) (connect.Player, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.PlayerError != nil {
		return nil, b.PlayerError
	}
	p := NewPlayer(h, sink)
	b.players = append(b.players, p)
	return p, nil
}

// NewControlChannel implements [connect.Backend].
func (b *Backend) NewControlChannel(_ context.Context, cfg connect.ControlConfig, h connect.Handle, _ connect.Credentials, p connect.Player) (connect.ControlChannel, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ChannelError != nil {
		return nil, b.ChannelError
	}
	c := newControlChannel(cfg, h, p)
	b.channels = append(b.channels, c)
	return c, nil
}

// SetChannelError changes the error NewControlChannel returns.
func (b *Backend) SetChannelError(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ChannelError = err
}

// Opens returns the credentials of every Open call.
func (b *Backend) Opens() []connect.Credentials {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]connect.Credentials(nil), b.opens...)
}

// Handles returns every handle opened successfully.
func (b *Backend) Handles() []*Handle {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*Handle(nil), b.handles...)
}

// Players returns every player built.
func (b *Backend) Players() []*Player {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*Player(nil), b.players...)
}

// Channels returns every control channel built.
func (b *Backend) Channels() []*ControlChannel {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*ControlChannel(nil), b.channels...)
}

// ─── Pairer ───────────────────────────────────────────────────────────────────

// Pairer is a mock [connect.Pairer].
type Pairer struct {
	mu sync.Mutex

	// Result and Err are returned by Pair.
	Result connect.Credentials
	Err    error

	calls int
}

// Pair implements [connect.Pairer].
func (p *Pairer) Pair(_ context.Context) (connect.Credentials, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	return p.Result, p.Err
}

// Calls returns how many times Pair was called.
func (p *Pairer) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// ─── Cache ────────────────────────────────────────────────────────────────────

// Cache is a mock [connect.CredentialCache]. Load returns the last saved
// credentials, or [connect.ErrNoCredentials] when empty.
type Cache struct {
	mu sync.Mutex

	// Stored is the cache content.
	Stored connect.Credentials

	// LoadError and SaveError fail the respective call.
	LoadError error
	SaveError error

	loads int
	saves []connect.Credentials
}

// Load implements [connect.CredentialCache].
func (c *Cache) Load(_ context.Context) (connect.Credentials, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.loads++
	if c.LoadError != nil {
		return connect.Credentials{}, c.LoadError
	}
	if c.Stored.IsZero() {
		return connect.Credentials{}, connect.ErrNoCredentials
	}
	return c.Stored.Clone(), nil
}

// Save implements [connect.CredentialCache].
func (c *Cache) Save(_ context.Context, creds connect.Credentials) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.saves = append(c.saves, creds)
	if c.SaveError != nil {
		return c.SaveError
	}
	c.Stored = creds.Clone()
	return nil
}

// Loads returns how many times Load was called.
func (c *Cache) Loads() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loads
}

// Saves returns every credential set passed to Save.
func (c *Cache) Saves() []connect.Credentials {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]connect.Credentials(nil), c.saves...)
}
