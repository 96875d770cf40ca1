// Package app wires all aoede subsystems into a running application.
//
// The App struct owns the full lifecycle: New resolves credentials and
// builds every subsystem, Run drives the Discord gateway, the event fan-out
// and the HTTP server, and Shutdown tears everything down in order.
//
// For testing, inject doubles via functional options (WithGateway,
// WithBackend, etc.). When an option is not provided, New creates the real
// implementation from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/aoede/internal/config"
	"github.com/MrWong99/aoede/internal/connect"
	"github.com/MrWong99/aoede/internal/connect/library"
	"github.com/MrWong99/aoede/internal/discord"
	"github.com/MrWong99/aoede/internal/health"
	"github.com/MrWong99/aoede/internal/observe"
	"github.com/MrWong99/aoede/pkg/audio"
	"github.com/MrWong99/aoede/pkg/audio/bridge"
	"github.com/MrWong99/aoede/pkg/audio/resample"
)

// shutdownTimeout bounds the HTTP server's graceful shutdown.
const shutdownTimeout = 5 * time.Second

// Gateway is the Discord connection as the app uses it. [discord.Bot]
// implements it.
type Gateway interface {
	discord.Presence
	discord.VoiceLocator

	// Platform joins voice channels.
	Platform() audio.Platform

	// Run opens the gateway and dispatches events to f until ctx ends.
	Run(ctx context.Context, f *discord.Follower) error

	// Check reports gateway readiness.
	Check(ctx context.Context) error

	Close() error
}

var _ Gateway = (*discord.Bot)(nil)

// App owns all subsystem lifetimes.
type App struct {
	cfg     *config.Config
	metrics *observe.Metrics

	// Subsystems, initialised in New and torn down in Shutdown.
	bridge   *bridge.Bridge
	backend  connect.Backend
	cache    connect.CredentialCache
	cacheSet bool
	pairer   connect.Pairer
	session  *connect.Session
	control  *connect.ControlManager
	gateway  Gateway
	voice    *discord.Voice
	follower *discord.Follower
	events   *eventHub
	handler  http.Handler

	// closers are called in order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithGateway injects the Discord gateway instead of creating a bot.
func WithGateway(g Gateway) Option {
	return func(a *App) { a.gateway = g }
}

// WithBackend injects the connect backend instead of creating one through
// the registry.
func WithBackend(b connect.Backend) Option {
	return func(a *App) { a.backend = b }
}

// WithPairer injects the pairer used on a credential cache miss.
func WithPairer(p connect.Pairer) Option {
	return func(a *App) { a.pairer = p }
}

// WithCredentialCache injects the credential cache. A nil cache disables
// caching.
func WithCredentialCache(c connect.CredentialCache) Option {
	return func(a *App) { a.cache, a.cacheSet = c, true }
}

// WithMetrics injects the metric instruments.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// NewRegistry returns a config registry with the built-in backends.
func NewRegistry() *config.Registry {
	reg := config.NewRegistry()
	reg.RegisterBackend("library", func(c config.ConnectConfig) (connect.Backend, error) {
		return library.New(library.Config{
			Root:          c.Library.Root,
			AcceptedUsers: c.Library.AcceptedUsers,
		})
	})
	return reg
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. ctx bounds
// credential resolution and becomes the parent of the control channel
// tasks, so it should live as long as the App.
//
// New fails with an error wrapping [connect.ErrAuthenticationFailed] when
// no usable credentials can be obtained.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	var built []func() error
	fail := func(err error) (*App, error) {
		for i := len(built) - 1; i >= 0; i-- {
			_ = built[i]()
		}
		return nil, err
	}

	// ── 1. Audio bridge ──────────────────────────────────────────────────
	if err := a.initBridge(); err != nil {
		return fail(fmt.Errorf("app: init bridge: %w", err))
	}
	built = append(built, a.bridge.Close)

	// ── 2. Backend ───────────────────────────────────────────────────────
	if a.backend == nil {
		b, err := NewRegistry().CreateBackend(cfg.Connect)
		if err != nil {
			return fail(fmt.Errorf("app: create backend: %w", err))
		}
		a.backend = b
	}
	if c, ok := a.backend.(io.Closer); ok {
		built = append(built, c.Close)
	}

	// ── 3. Connect session ───────────────────────────────────────────────
	if err := a.initSession(ctx); err != nil {
		return fail(err)
	}
	built = append(built, a.session.Close)

	// ── 4. Control manager ───────────────────────────────────────────────
	ccfg := connect.DefaultControlConfig(cfg.Connect.DeviceName)
	ccfg.Autoplay = cfg.Connect.BotAutoplay
	a.control = connect.NewControlManager(ctx, a.session, connect.ControlOptions{
		Config:  ccfg,
		Grace:   cfg.Connect.DisconnectGrace,
		Metrics: a.metrics,
	})

	// ── 5. Discord ───────────────────────────────────────────────────────
	if a.gateway == nil {
		bot, err := discord.New(ctx, discord.Config{
			Token:   cfg.Discord.Token,
			UserID:  cfg.Discord.UserID,
			GuildID: cfg.Discord.GuildID,
		})
		if err != nil {
			a.control.Close()
			return fail(fmt.Errorf("app: create discord bot: %w", err))
		}
		a.gateway = bot
	}
	a.voice = discord.NewVoice(discord.VoiceConfig{
		Platform: a.gateway.Platform(),
		Source:   a.bridge,
		Metrics:  a.metrics,
	})
	a.follower = discord.NewFollower(discord.FollowerConfig{
		UserID:   cfg.Discord.UserID,
		Control:  a.control,
		Voice:    a.voice,
		Presence: a.gateway,
		Locator:  a.gateway,
	})

	// ── 6. Events + HTTP ─────────────────────────────────────────────────
	a.events = newEventHub()
	a.handler = a.routes()

	// Shutdown order: stop the control channel, leave voice, close the
	// gateway, then the session and its collaborators in reverse.
	a.closers = append(a.closers,
		func() error { a.control.Close(); return nil },
		func() error { a.voice.Stop(); return nil },
		a.gateway.Close,
	)
	for i := len(built) - 1; i >= 0; i-- {
		a.closers = append(a.closers, built[i])
	}
	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

func (a *App) initBridge() error {
	factory, err := resample.FactoryFor(resample.Kind(a.cfg.Audio.Resampler))
	if err != nil {
		return err
	}
	a.bridge, err = bridge.New(bridge.Config{
		ChunkSize:     a.cfg.Audio.ChunkSize,
		QueueCapacity: a.cfg.Audio.QueueCapacity,
		Factory:       factory,
		Observer:      observe.NewBridgeObserver(a.metrics, a.cfg.Audio.LogEvery),
	})
	return err
}

func (a *App) initSession(ctx context.Context) error {
	c := a.cfg.Connect
	if !a.cacheSet {
		cache, err := connect.NewCredentialCache(string(c.CredentialStore), c.CacheDir)
		if err != nil {
			return fmt.Errorf("app: credential cache: %w", err)
		}
		a.cache = cache
	}
	if a.pairer == nil {
		if c.Username != "" {
			a.pairer = connect.PasswordPairer{Username: c.Username, Password: c.Password}
		} else {
			a.pairer = connect.NewZeroconfPairer(connect.PairingConfig{
				DeviceName: c.DeviceName,
				Addr:       c.PairingAddr,
				Timeout:    c.PairingTimeout,
			})
		}
	}

	ctx, span := observe.StartSpan(ctx, "app.session")
	defer span.End()

	s, err := connect.NewSession(ctx, connect.SessionConfig{
		Backend: a.backend,
		Bridge:  a.bridge,
		Cache:   a.cache,
		Pairer:  a.pairer,
		Metrics: a.metrics,
	})
	if err != nil {
		return fmt.Errorf("app: connect session: %w", err)
	}
	a.session = s
	return nil
}

// routes builds the HTTP surface: health endpoints, metrics, the event stream
// and the backend's control API when it has one.
func (a *App) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(observe.Middleware(a.metrics))

	health.New(
		health.FromComponent("discord", a.gateway),
		health.FromComponent("connect", a.session),
	).Register(r)
	r.Handle("/metrics", promhttp.Handler())
	r.Handle("/events", a.events)

	if rp, ok := a.backend.(interface{ Routes() chi.Router }); ok {
		r.Mount("/connect", rp.Routes())
	}
	return r
}

// Handler returns the HTTP handler served on the listen address.
func (a *App) Handler() http.Handler { return a.handler }

// Control returns the control channel manager.
func (a *App) Control() *connect.ControlManager { return a.control }

// Session returns the connect session.
func (a *App) Session() *connect.Session { return a.session }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run starts the gateway, the event fan-out, the voice monitor and the HTTP
// server, and blocks until ctx is cancelled or one of them fails.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	followerEvents, unsubscribe := a.events.subscribe(true)
	defer unsubscribe()

	a.voice.Monitor(gctx)

	g.Go(func() error { return a.events.run(gctx, a.session.Events()) })
	g.Go(func() error { return a.follower.Run(gctx, followerEvents) })
	g.Go(func() error { return a.gateway.Run(gctx, a.follower) })

	if addr := a.cfg.Server.ListenAddr; addr != "" {
		srv := &http.Server{
			Addr:              addr,
			Handler:           a.handler,
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			slog.Info("app: http server listening", "addr", addr)
			var err error
			if tls := a.cfg.Server.TLS; tls != nil {
				err = srv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
			} else {
				err = srv.ListenAndServe()
			}
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return fmt.Errorf("app: http server: %w", err)
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	slog.Info("app running", "device_name", a.cfg.Connect.DeviceName, "user_id", a.cfg.Discord.UserID)
	return g.Wait()
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in order. It respects the context
// deadline: if ctx expires before all closers finish, remaining closers are
// skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("app: shutting down", "closers", len(a.closers))

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("app: shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("app: closer error", "index", i, "err", err)
			}
		}

		slog.Info("app: shutdown complete")
	})
	return shutdownErr
}
