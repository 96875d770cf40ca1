// Command aoede is the main entry point for the Aoede Discord music bot.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MrWong99/aoede/internal/app"
	"github.com/MrWong99/aoede/internal/config"
	"github.com/MrWong99/aoede/internal/connect"
	"github.com/MrWong99/aoede/internal/observe"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

// Exit codes.
const (
	exitOK     = 0
	exitFatal  = 1
	exitConfig = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	envPath := flag.String("env", ".env", "path to an optional .env file")
	watch := flag.Bool("watch", true, "reload the log level when the config file changes")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	if err := config.LoadDotEnv(*envPath); err != nil {
		fmt.Fprintf(os.Stderr, "aoede: %v\n", err)
		return exitConfig
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		var missing *config.MissingFieldError
		if errors.As(err, &missing) {
			fmt.Fprintf(os.Stderr, "aoede: %s is not set; put it in %s or export %s\n", missing.Field, *configPath, missing.Env)
			return exitFatal
		}
		fmt.Fprintf(os.Stderr, "aoede: %v\n", err)
		return exitConfig
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	var level slog.LevelVar
	level.Set(cfg.Server.LogLevel.SlogLevel())
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &level})))

	slog.Info("aoede starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceVersion: version,
		DeviceName:     cfg.Connect.DeviceName,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return exitFatal
	}
	defer func() {
		if err := shutdownTelemetry(context.Background()); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Config watcher ────────────────────────────────────────────────────────
	if *watch {
		w, err := config.NewWatcher(*configPath, config.LogLevelApplier(&level))
		if err != nil {
			slog.Debug("config watcher disabled", "err", err)
		} else {
			defer w.Stop()
			go reloadOnHangup(ctx, w)
		}
	}

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	application, err := app.New(ctx, cfg)
	if err != nil {
		if errors.Is(err, connect.ErrAuthenticationFailed) {
			slog.Error("could not authenticate; run aoede-reauth or set SPOTIFY_USERNAME and SPOTIFY_PASSWORD", "err", err)
			return exitFatal
		}
		slog.Error("failed to initialise application", "err", err)
		return exitFatal
	}

	slog.Info("bot ready, press Ctrl+C to shut down")

	runErr := application.Run(ctx)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("run error", "err", runErr)
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping")

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return exitFatal
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return exitFatal
	}
	slog.Info("goodbye")
	return exitOK
}

// reloadOnHangup re-reads the config file on every SIGHUP until ctx ends.
func reloadOnHangup(ctx context.Context, w *config.Watcher) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			changed, err := w.Reload()
			if err != nil {
				slog.Warn("config reload failed, keeping current config", "err", err)
				continue
			}
			slog.Info("config reload requested", "changed", changed)
		}
	}
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║          Aoede startup summary        ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Device", cfg.Connect.DeviceName)
	printRow("Backend", cfg.Connect.Backend)
	printRow("Credentials", string(cfg.Connect.CredentialStore))
	printRow("Following", cfg.Discord.UserID)
	if cfg.Discord.GuildID != "" {
		printRow("Guild", cfg.Discord.GuildID)
	}
	printRow("Resampler", string(cfg.Audio.Resampler))
	if cfg.Connect.BotAutoplay {
		printRow("Autoplay", "on")
	} else {
		printRow("Autoplay", "off")
	}
	if cfg.Server.ListenAddr != "" {
		printRow("Listen addr", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printRow(label, value string) {
	if value == "" {
		value = "(not configured)"
	}
	if r := []rune(value); len(r) > 19 {
		value = string(r[:18]) + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", label, value)
}
