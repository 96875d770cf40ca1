package connect

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrWong99/aoede/internal/observe"
)

// ResolveOptions configures [ResolveCredentials].
type ResolveOptions struct {
	// Cache is consulted first and receives validated credentials from
	// pairing. May be nil.
	Cache CredentialCache

	// Pairer runs the interactive flow on a cache miss. Required.
	Pairer Pairer

	// Validate establishes a session with freshly paired credentials before
	// they are persisted. Only called when Cache is set.
	Validate func(ctx context.Context, creds Credentials) error

	// Metrics records attempts. Defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics
}

// ResolveCredentials returns cached credentials when present. Otherwise it
// pairs interactively and, when a cache is configured, validates the result
// and persists it. Every failure wraps [ErrAuthenticationFailed].
func ResolveCredentials(ctx context.Context, opts ResolveOptions) (_ Credentials, err error) {
	m := opts.Metrics
	if m == nil {
		m = observe.DefaultMetrics()
	}
	ctx, span := observe.StartSpan(ctx, "connect.resolve_credentials")
	defer func() { observe.EndSpan(span, err) }()
	log := observe.Logger(ctx)

	if opts.Cache != nil {
		creds, err := opts.Cache.Load(ctx)
		if err == nil {
			log.Info("connect: using cached credentials", "username", creds.Username)
			m.RecordAuthAttempt(ctx, "cache", "ok")
			return creds, nil
		}
		if !errors.Is(err, ErrNoCredentials) {
			log.Warn("connect: credential cache unreadable, pairing instead", "err", err)
		} else {
			log.Info("connect: no cached credentials, pairing required")
		}
	} else {
		log.Warn("connect: no credential cache configured, credentials will not be saved")
	}

	if opts.Pairer == nil {
		m.RecordAuthAttempt(ctx, "pairing", "error")
		return Credentials{}, fmt.Errorf("%w: no pairer configured", ErrAuthenticationFailed)
	}
	creds, err := opts.Pairer.Pair(ctx)
	if err != nil {
		m.RecordAuthAttempt(ctx, "pairing", "error")
		if errors.Is(err, ErrAuthenticationFailed) {
			return Credentials{}, err
		}
		return Credentials{}, fmt.Errorf("%w: %w", ErrAuthenticationFailed, err)
	}

	if opts.Cache != nil {
		if opts.Validate != nil {
			if err := opts.Validate(ctx, creds); err != nil {
				m.RecordAuthAttempt(ctx, "pairing", "error")
				return Credentials{}, fmt.Errorf("%w: validate: %w", ErrAuthenticationFailed, err)
			}
		}
		if err := opts.Cache.Save(ctx, creds); err != nil {
			log.Warn("connect: could not persist credentials", "err", err)
		} else {
			log.Info("connect: credentials saved")
		}
	}

	m.RecordAuthAttempt(ctx, "pairing", "ok")
	return creds, nil
}
