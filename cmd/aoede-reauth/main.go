// Command aoede-reauth pairs a client with a temporary "Aoede Auth" device,
// checks the resulting credentials against the backend and saves them to
// the credential cache used by aoede.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MrWong99/aoede/internal/app"
	"github.com/MrWong99/aoede/internal/config"
	"github.com/MrWong99/aoede/internal/connect"
)

const deviceName = "Aoede Auth"

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	timeout := flag.Duration("timeout", 0, "how long to wait for a client (defaults to connect.pairing_timeout)")
	flag.Parse()

	if err := config.LoadDotEnv(".env"); err != nil {
		fmt.Fprintf(os.Stderr, "aoede-reauth: %v\n", err)
		return 2
	}
	cfg, err := config.Load(*configPath)
	if err != nil && !errors.Is(err, config.ErrMissingField) {
		fmt.Fprintf(os.Stderr, "aoede-reauth: %v\n", err)
		return 2
	}
	if cfg == nil {
		// Discord settings are irrelevant here; fall back to defaults.
		cfg = &config.Config{}
		if err := config.ApplyEnv(cfg, os.LookupEnv); err != nil {
			fmt.Fprintf(os.Stderr, "aoede-reauth: %v\n", err)
			return 2
		}
		config.ApplyDefaults(cfg)
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.Server.LogLevel.SlogLevel()})))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := reauth(ctx, cfg, *timeout); err != nil {
		slog.Error("reauth failed", "err", err)
		return 1
	}
	fmt.Printf("Credentials saved to %s. Restart aoede to use them.\n", cfg.Connect.CacheDir)
	return 0
}

func reauth(ctx context.Context, cfg *config.Config, timeout time.Duration) error {
	c := cfg.Connect
	cache, err := connect.NewCredentialCache(string(c.CredentialStore), c.CacheDir)
	if err != nil {
		return err
	}
	if cache == nil {
		return fmt.Errorf("credential store %q does not persist credentials", c.CredentialStore)
	}

	backend, err := app.NewRegistry().CreateBackend(c)
	if err != nil {
		return err
	}
	if closer, ok := backend.(io.Closer); ok {
		defer closer.Close()
	}

	if timeout <= 0 {
		timeout = c.PairingTimeout
	}
	pairer := connect.NewZeroconfPairer(connect.PairingConfig{
		DeviceName: deviceName,
		Addr:       c.PairingAddr,
		Timeout:    timeout,
	})

	fmt.Printf("Select %q as the playback device in your client (waiting up to %s).\n", deviceName, timeout)
	creds, err := pairer.Pair(ctx)
	if err != nil {
		return err
	}

	h, err := backend.Open(ctx, creds)
	if err != nil {
		return fmt.Errorf("%w: %w", connect.ErrAuthenticationFailed, err)
	}
	if err := h.Close(); err != nil {
		slog.Warn("reauth: close validation session", "err", err)
	}

	return cache.Save(ctx, creds)
}
