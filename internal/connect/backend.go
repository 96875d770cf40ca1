package connect

import (
	"context"
	"time"

	"github.com/MrWong99/aoede/pkg/audio/bridge"
)

// Sink receives decoded audio from a [Player]. [bridge.Bridge] implements it.
type Sink interface {
	// Start is called when playback begins.
	Start() error

	// Stop is called when playback ends.
	Stop() error

	// OnPacket receives one decoded packet of interleaved stereo samples at
	// the source rate. It may block to apply backpressure.
	OnPacket(p bridge.Packet) error
}

var _ Sink = (*bridge.Bridge)(nil)

// Handle is an established logical session with the remote service. It is
// reused across control channel rebuilds while Valid reports true.
type Handle interface {
	// ID identifies the session for logs.
	ID() string

	// Username is the authenticated account.
	Username() string

	// Valid reports whether the session can still be used.
	Valid() bool

	// Close ends the session.
	Close() error
}

// EventKind is the kind of a track lifecycle [Event].
type EventKind int

const (
	// EventLoading is emitted when a new track starts loading.
	EventLoading EventKind = iota

	// EventPlaying is emitted when audio for a track starts or resumes.
	EventPlaying

	// EventPaused is emitted when playback pauses.
	EventPaused

	// EventStopped is emitted when playback stops and the queue is empty.
	EventStopped
)

// String returns the lowercase name of k.
func (k EventKind) String() string {
	switch k {
	case EventLoading:
		return "loading"
	case EventPlaying:
		return "playing"
	case EventPaused:
		return "paused"
	case EventStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// MarshalText implements [encoding.TextMarshaler].
func (k EventKind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// Track describes the item an [Event] refers to.
type Track struct {
	ID       string        `json:"id"`
	Title    string        `json:"title"`
	Artist   string        `json:"artist"`
	Duration time.Duration `json:"duration"`
}

// Event is one track lifecycle notification from a [Player].
type Event struct {
	Kind     EventKind     `json:"kind"`
	Track    Track         `json:"track"`
	Position time.Duration `json:"position"`
	At       time.Time     `json:"at"`
}

// Player is the decode pipeline bound to a [Handle]. It pushes audio into
// its [Sink] and reports track lifecycle events.
type Player interface {
	// Events returns the lifecycle event stream. It is closed by Close.
	Events() <-chan Event

	// Close stops playback and releases the decoder.
	Close() error
}

// ControlConfig describes how the device presents itself as a playback
// target.
type ControlConfig struct {
	// DeviceName is the name shown in device lists.
	DeviceName string

	// DeviceID identifies the device.
	DeviceID string

	// DeviceType is a free-form device class such as "audio_dongle".
	DeviceType string

	// InitialVolume is the starting volume in [0, 1].
	InitialVolume float64

	// VolumeSteps is the number of discrete volume steps offered to clients.
	VolumeSteps int

	// Autoplay continues with related tracks when the queue runs out.
	Autoplay bool
}

// DefaultControlConfig returns the defaults for a device called name.
func DefaultControlConfig(name string) ControlConfig {
	return ControlConfig{
		DeviceName:    name,
		DeviceID:      NewDeviceID(),
		DeviceType:    "audio_dongle",
		InitialVolume: 0.5,
		VolumeSteps:   64,
	}
}

// ControlChannel is the registration that makes this process selectable as
// a playback target. It owns a background task started with Run.
type ControlChannel interface {
	// Activate resumes advertising without registering a new session.
	Activate() error

	// Disconnect stops advertising. With pause set, playback is paused too.
	Disconnect(pause bool) error

	// Run serves the channel until ctx is cancelled or the channel fails.
	Run(ctx context.Context) error
}

// Backend is the remote service protocol implementation.
type Backend interface {
	// Open establishes a session for creds.
	Open(ctx context.Context, creds Credentials) (Handle, error)

	// NewPlayer builds the decode pipeline for h, feeding sink.
	NewPlayer(h Handle, sink Sink) (Player, error)

	// NewControlChannel registers a control channel bound to h and p.
	NewControlChannel(ctx context.Context, cfg ControlConfig, h Handle, creds Credentials, p Player) (ControlChannel, error)
}
