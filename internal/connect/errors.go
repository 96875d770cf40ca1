package connect

import "errors"

var (
	// ErrAuthenticationFailed means no usable credentials could be obtained:
	// pairing timed out or the received credentials failed validation. It is
	// fatal at the process level.
	ErrAuthenticationFailed = errors.New("connect: authentication failed")

	// ErrNoCredentials is returned by a [CredentialCache] on a miss.
	ErrNoCredentials = errors.New("connect: no cached credentials")

	// ErrControlChannelBuild is returned by [ControlManager.Enable] when a new
	// control channel could not be constructed. The manager stays Absent and
	// the next Enable starts from scratch.
	ErrControlChannelBuild = errors.New("connect: control channel build failed")

	// ErrReactivation marks a failed lightweight resume of an existing control
	// channel. It is logged and answered with a rebuild, never returned.
	ErrReactivation = errors.New("connect: reactivation failed")

	// ErrSessionClosed is returned by operations on a closed [Session].
	ErrSessionClosed = errors.New("connect: session closed")
)
