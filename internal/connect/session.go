// Package connect owns the remote music-control session: credential
// resolution and caching, the logical session with the service, the decode
// pipeline feeding the audio bridge, and the control channel that makes this
// process selectable as a playback target.
//
// [Session] holds what lives for the whole process (credentials, session
// handle, player). [ControlManager] drives the control channel through the
// Absent / Suspended / Active states in response to voice presence.
package connect

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/MrWong99/aoede/internal/observe"
	"github.com/MrWong99/aoede/internal/resilience"
	"github.com/MrWong99/aoede/pkg/audio/bridge"
)

// eventBuffer is the capacity of the session's event stream.
const eventBuffer = 64

// SessionConfig holds the collaborators of a [Session].
type SessionConfig struct {
	// Backend implements the remote protocol. Required.
	Backend Backend

	// Bridge receives decoded audio. Required.
	Bridge *bridge.Bridge

	// Cache persists credentials. May be nil.
	Cache CredentialCache

	// Pairer obtains credentials on a cache miss. Required unless the cache
	// is guaranteed to hit.
	Pairer Pairer

	// Breaker tunes the circuit breaker guarding session rebuilds.
	Breaker resilience.CircuitBreakerConfig

	// Metrics defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics
}

// Session is the process-wide connection to the remote service. It owns the
// credentials, the session [Handle] and the [Player] wired to the bridge.
//
// Session is safe for concurrent use.
type Session struct {
	backend Backend
	bridge  *bridge.Bridge
	creds   Credentials
	breaker *resilience.CircuitBreaker
	metrics *observe.Metrics

	mu     sync.Mutex
	handle Handle
	player Player
	closed bool

	events chan Event
	done   chan struct{}
	fwd    sync.WaitGroup
}

// NewSession resolves credentials, opens a session handle and builds the
// player feeding cfg.Bridge. It does not register a control channel; that is
// [ControlManager.Enable]'s job.
func NewSession(ctx context.Context, cfg SessionConfig) (*Session, error) {
	if cfg.Backend == nil {
		return nil, errors.New("connect: session requires a backend")
	}
	if cfg.Bridge == nil {
		return nil, errors.New("connect: session requires a bridge")
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.Breaker.Name == "" {
		cfg.Breaker.Name = "connect-session"
	}
	if cfg.Breaker.OnStateChange == nil {
		m := cfg.Metrics
		cfg.Breaker.OnStateChange = func(name string, from, to resilience.State) {
			m.RecordBreakerTransition(context.Background(), name, from.String(), to.String())
		}
	}

	creds, err := ResolveCredentials(ctx, ResolveOptions{
		Cache:    cfg.Cache,
		Pairer:   cfg.Pairer,
		Validate: validator(cfg.Backend),
		Metrics:  cfg.Metrics,
	})
	if err != nil {
		return nil, err
	}

	s := &Session{
		backend: cfg.Backend,
		bridge:  cfg.Bridge,
		creds:   creds,
		breaker: resilience.NewCircuitBreaker(cfg.Breaker),
		metrics: cfg.Metrics,
		events:  make(chan Event, eventBuffer),
		done:    make(chan struct{}),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.openLocked(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// validator checks freshly paired credentials by opening and closing a
// session.
func validator(b Backend) func(context.Context, Credentials) error {
	return func(ctx context.Context, creds Credentials) error {
		h, err := b.Open(ctx, creds.Clone())
		if err != nil {
			return err
		}
		return h.Close()
	}
}

// openLocked (re)builds the handle and the player. Must be called with s.mu
// held.
func (s *Session) openLocked(ctx context.Context) error {
	var (
		h Handle
		p Player
	)
	err := s.breaker.Execute(func() error {
		var err error
		h, err = s.backend.Open(ctx, s.creds.Clone())
		if err != nil {
			return err
		}
		p, err = s.backend.NewPlayer(h, s.bridge)
		if err != nil {
			_ = h.Close()
			return err
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("connect: open session: %w", err)
	}

	if s.player != nil {
		_ = s.player.Close()
	}
	if s.handle != nil {
		_ = s.handle.Close()
	}
	s.handle, s.player = h, p

	s.fwd.Add(1)
	go s.forward(p)

	slog.Info("connect: session established", "session", h.ID(), "username", h.Username())
	return nil
}

// forward copies player events onto the session stream until the player
// closes its channel or the session closes.
func (s *Session) forward(p Player) {
	defer s.fwd.Done()
	for {
		select {
		case ev, ok := <-p.Events():
			if !ok {
				return
			}
			select {
			case s.events <- ev:
			case <-s.done:
				return
			}
		case <-s.done:
			return
		}
	}
}

// Current returns a usable handle and player, rebuilding the session only
// when the current handle reports itself invalid.
func (s *Session) Current(ctx context.Context) (Handle, Player, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, nil, ErrSessionClosed
	}
	if s.handle != nil && s.handle.Valid() {
		return s.handle, s.player, nil
	}
	slog.Warn("connect: session handle invalid, rebuilding")
	if err := s.openLocked(ctx); err != nil {
		return nil, nil, err
	}
	return s.handle, s.player, nil
}

// Credentials returns a copy of the session credentials.
func (s *Session) Credentials() Credentials { return s.creds.Clone() }

// Bridge returns the audio bridge fed by the player.
func (s *Session) Bridge() *bridge.Bridge { return s.bridge }

// Events returns the track lifecycle stream of whichever player is current.
// It is never closed while the session is open.
func (s *Session) Events() <-chan Event { return s.events }

// Handle returns the current session handle.
func (s *Session) Handle() Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle
}

// Check reports an error when the session cannot serve playback. It fits
// the health.Checker signature.
func (s *Session) Check(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.closed:
		return ErrSessionClosed
	case s.handle == nil || !s.handle.Valid():
		return errors.New("connect: session handle invalid")
	}
	return nil
}

// Close stops the player and ends the session. It is idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.done)
	var errs []error
	if s.player != nil {
		errs = append(errs, s.player.Close())
	}
	if s.handle != nil {
		errs = append(errs, s.handle.Close())
	}
	s.mu.Unlock()
	s.fwd.Wait()
	return errors.Join(errs...)
}
