package library

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sync"

	"github.com/MrWong99/aoede/internal/connect"
)

// ErrDeviceHidden is returned for commands sent to a device that is not
// currently advertised.
var ErrDeviceHidden = errors.New("library: device is not active")

// Channel is the library's [connect.ControlChannel]: a device on the control
// API that forwards commands to its player while Run is serving.
type Channel struct {
	cfg     connect.ControlConfig
	handle  *Handle
	player  *Player
	devices *deviceSet
	reqs    chan request

	mu         sync.Mutex
	advertised bool
}

var _ connect.ControlChannel = (*Channel)(nil)

type request struct {
	ctx   context.Context
	fn    func(ctx context.Context, p *Player) error
	reply chan error
}

// DeviceInfo is how a device is listed on the control API.
type DeviceInfo struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Type        string   `json:"type"`
	Username    string   `json:"username"`
	Active      bool     `json:"active"`
	VolumeSteps int      `json:"volume_steps"`
	Player      Snapshot `json:"player"`
}

func newChannel(cfg connect.ControlConfig, h *Handle, p *Player, devices *deviceSet) *Channel {
	if cfg.VolumeSteps <= 0 {
		cfg.VolumeSteps = 64
	}
	ch := &Channel{
		cfg:        cfg,
		handle:     h,
		player:     p,
		devices:    devices,
		reqs:       make(chan request),
		advertised: true,
	}
	ch.SetVolume(cfg.InitialVolume)
	p.SetAutoplay(cfg.Autoplay)
	return ch
}

// Activate implements [connect.ControlChannel]. It fails once the session
// behind the channel has been closed.
func (c *Channel) Activate() error {
	if !c.handle.Valid() {
		return errors.New("library: session closed")
	}
	c.mu.Lock()
	c.advertised = true
	c.mu.Unlock()
	c.devices.add(c)
	slog.Debug("library: device reactivated", "id", c.cfg.DeviceID)
	return nil
}

// Disconnect implements [connect.ControlChannel]. The device is hidden from
// the control API; with pause set the player is paused as well.
func (c *Channel) Disconnect(pause bool) error {
	c.mu.Lock()
	c.advertised = false
	c.mu.Unlock()
	if !pause {
		return nil
	}
	err := c.player.Pause(context.Background())
	if errors.Is(err, ErrNotPlaying) {
		return nil
	}
	return err
}

// Run implements [connect.ControlChannel]. It applies control API commands
// until ctx is cancelled, then removes the device from the API.
func (c *Channel) Run(ctx context.Context) error {
	defer c.devices.remove(c)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case req := <-c.reqs:
			req.reply <- req.fn(req.ctx, c.player)
		}
	}
}

// Active reports whether the device is advertised.
func (c *Channel) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.advertised
}

// SetVolume sets the player volume, rounded to the configured step count.
func (c *Channel) SetVolume(v float64) {
	steps := float64(c.cfg.VolumeSteps)
	c.player.SetVolume(math.Round(max(0, min(1, v))*steps) / steps)
}

// Info describes the device for the control API.
func (c *Channel) Info() DeviceInfo {
	return DeviceInfo{
		ID:          c.cfg.DeviceID,
		Name:        c.cfg.DeviceName,
		Type:        c.cfg.DeviceType,
		Username:    c.handle.Username(),
		Active:      c.Active(),
		VolumeSteps: c.cfg.VolumeSteps,
		Player:      c.player.Snapshot(),
	}
}

// do hands fn to the Run loop and waits for its result.
func (c *Channel) do(ctx context.Context, fn func(context.Context, *Player) error) error {
	if !c.Active() {
		return ErrDeviceHidden
	}
	req := request{ctx: ctx, fn: fn, reply: make(chan error, 1)}
	select {
	case c.reqs <- req:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
