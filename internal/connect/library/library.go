// Package library is a [connect.Backend] whose "remote service" is a
// directory of audio files. Sessions are accepted for configured users,
// players decode files from the directory, and control channels are
// exposed as devices on an HTTP control API.
package library

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/MrWong99/aoede/internal/connect"
	"github.com/MrWong99/aoede/pkg/audio"
	"github.com/google/uuid"
	pbx "github.com/ik5/audpbx/audio"
)

// PacketFrames is the number of stereo frames per packet handed to the sink.
const PacketFrames = 1024

var (
	// ErrUserNotAccepted is returned by Open for users outside AcceptedUsers.
	ErrUserNotAccepted = errors.New("library: user not accepted")

	// ErrForeignHandle is returned when a handle from another backend is
	// passed in.
	ErrForeignHandle = errors.New("library: handle not created by this backend")
)

// Config configures a [Backend].
type Config struct {
	// Root is the music directory. Required.
	Root string

	// AcceptedUsers restricts which usernames may open a session. Empty
	// accepts everyone.
	AcceptedUsers []string
}

// Backend implements [connect.Backend] on top of a local directory.
type Backend struct {
	cfg     Config
	root    *os.Root
	decoder *pbx.Registry
	devices *deviceSet
}

var _ connect.Backend = (*Backend)(nil)

// New opens cfg.Root and returns a backend serving it.
func New(cfg Config) (*Backend, error) {
	if cfg.Root == "" {
		return nil, errors.New("library: music root is required")
	}
	root, err := os.OpenRoot(cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("library: open music root: %w", err)
	}
	return &Backend{
		cfg:     cfg,
		root:    root,
		decoder: newDecoders(),
		devices: newDeviceSet(),
	}, nil
}

// Close releases the music directory.
func (b *Backend) Close() error { return b.root.Close() }

// Open implements [connect.Backend].
func (b *Backend) Open(ctx context.Context, creds connect.Credentials) (connect.Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if creds.IsZero() {
		return nil, fmt.Errorf("%w: empty username", connect.ErrAuthenticationFailed)
	}
	if len(b.cfg.AcceptedUsers) > 0 && !slices.Contains(b.cfg.AcceptedUsers, creds.Username) {
		return nil, fmt.Errorf("%w: %q", ErrUserNotAccepted, creds.Username)
	}
	h := &Handle{id: uuid.NewString(), username: creds.Username}
	h.valid.Store(true)
	slog.Debug("library: session opened", "session", h.id, "username", h.username)
	return h, nil
}

// NewPlayer implements [connect.Backend].
func (b *Backend) NewPlayer(h connect.Handle, sink connect.Sink) (connect.Player, error) {
	lh, ok := h.(*Handle)
	if !ok {
		return nil, ErrForeignHandle
	}
	if !lh.Valid() {
		return nil, fmt.Errorf("library: session %s is closed", lh.id)
	}
	return newPlayer(playerConfig{
		root:    b.root,
		decoder: b.decoder,
		sink:    sink,
		rate:    audio.SourceFormat.SampleRate,
	}), nil
}

// NewControlChannel implements [connect.Backend]. The channel becomes
// visible on the control API immediately; commands are applied while Run
// is serving.
func (b *Backend) NewControlChannel(ctx context.Context, cfg connect.ControlConfig, h connect.Handle, creds connect.Credentials, p connect.Player) (connect.ControlChannel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	lh, ok := h.(*Handle)
	if !ok {
		return nil, ErrForeignHandle
	}
	if !lh.Valid() {
		return nil, fmt.Errorf("library: session %s is closed", lh.id)
	}
	if lh.username != creds.Username {
		return nil, fmt.Errorf("library: credentials for %q do not match session user %q", creds.Username, lh.username)
	}
	lp, ok := p.(*Player)
	if !ok {
		return nil, errors.New("library: player not created by this backend")
	}
	if cfg.DeviceID == "" {
		cfg.DeviceID = connect.NewDeviceID()
	}

	ch := newChannel(cfg, lh, lp, b.devices)
	b.devices.add(ch)
	slog.Info("library: device registered", "device", cfg.DeviceName, "id", cfg.DeviceID)
	return ch, nil
}

// Handle is a library session.
type Handle struct {
	id       string
	username string
	valid    atomic.Bool
}

// ID implements [connect.Handle].
func (h *Handle) ID() string { return h.id }

// Username implements [connect.Handle].
func (h *Handle) Username() string { return h.username }

// Valid implements [connect.Handle].
func (h *Handle) Valid() bool { return h.valid.Load() }

// Close implements [connect.Handle].
func (h *Handle) Close() error {
	h.valid.Store(false)
	return nil
}

// deviceSet tracks the control channels visible on the control API.
type deviceSet struct {
	mu      sync.Mutex
	devices map[string]*Channel
}

func newDeviceSet() *deviceSet {
	return &deviceSet{devices: make(map[string]*Channel)}
}

func (r *deviceSet) add(ch *Channel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.devices[ch.cfg.DeviceID] = ch
}

// remove drops ch unless it has already been replaced by a newer channel
// with the same id.
func (r *deviceSet) remove(ch *Channel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.devices[ch.cfg.DeviceID] == ch {
		delete(r.devices, ch.cfg.DeviceID)
	}
}

func (r *deviceSet) get(id string) (*Channel, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.devices[id]
	return ch, ok
}

func (r *deviceSet) list() []*Channel {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Channel, 0, len(r.devices))
	for _, ch := range r.devices {
		out = append(out, ch)
	}
	slices.SortFunc(out, func(a, b *Channel) int {
		return strings.Compare(a.cfg.DeviceID, b.cfg.DeviceID)
	})
	return out
}
