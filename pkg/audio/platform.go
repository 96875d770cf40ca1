// Package audio defines the frame types and voice-platform interfaces shared by
// the bridge and the transport adapters.
//
// The two primary abstractions are:
//
//   - [Platform] joins a voice channel and returns a [Connection].
//   - [Connection] plays a live PCM stream pulled from an [io.Reader] into that
//     channel.
//
// Platform-specific adapters live in sub-packages (e.g. audio/discord). The
// interfaces are intentionally narrow so the control layer never sees codec
// or network details.
package audio

import (
	"context"
	"io"
)

// Connection represents an active voice channel membership.
//
// Implementations must be safe for concurrent use.
type Connection interface {
	// GuildID returns the guild (server) the connection belongs to.
	GuildID() string

	// ChannelID returns the voice channel the connection is joined to.
	ChannelID() string

	// Play starts streaming src into the channel, replacing any source that is
	// currently playing. src must yield little-endian float32 stereo frames at
	// [TransportFormat]. A Read that returns zero bytes with a nil error is
	// treated as a protocol violation and stops playback; io.EOF ends playback
	// cleanly.
	//
	// Playing the source that is already playing changes nothing. When the
	// previous source is a [LiveSource], Play returns only after its reader
	// has stopped, so a shared stream never has two readers.
	Play(src io.Reader) error

	// Stop ends the current playback, if any. The connection stays joined.
	// A [LiveSource] has no reader left once Stop returns.
	Stop()

	// Disconnect leaves the voice channel and stops all background work. It is
	// safe to call more than once; subsequent calls return nil.
	Disconnect() error
}

// LiveSource is a continuous stream that outlives any one reader, such as
// the audio bridge shared by every connection of a session. A reader that
// stops hands the stream over through ReadContext and Unread so the next
// reader resumes exactly where it left off.
type LiveSource interface {
	io.Reader

	// ReadContext is Read with a wait that ends when ctx is done.
	ReadContext(ctx context.Context, p []byte) (int, error)

	// Unread returns bytes read but not delivered to the front of the stream.
	Unread(p []byte)
}

// Platform is the entry point for a voice provider.
//
// Implementations must be safe for concurrent use.
type Platform interface {
	// Connect joins channelID in guildID and returns an active [Connection].
	// ctx governs only the join attempt.
	Connect(ctx context.Context, guildID, channelID string) (Connection, error)
}
