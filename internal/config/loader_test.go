package config_test

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/MrWong99/aoede/internal/config"
)

func env(m map[string]string) config.LookupFunc {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func TestLoadWithEnv_EnvOverridesFile(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, sampleYAML)

	cfg, err := config.LoadWithEnv(path, env(map[string]string{
		"DISCORD_TOKEN":        "env-token",
		"DISCORD_USER_ID":      "99",
		"SPOTIFY_DEVICE_NAME":  "Env Device",
		"SPOTIFY_BOT_AUTOPLAY": "false",
		"CACHE_DIR":            "/tmp/env-cache",
		"LOG_LEVEL":            "warn",
		"AOEDE_MUSIC_DIR":      "/env/music",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Discord.Token != "env-token" || cfg.Discord.UserID != "99" {
		t.Errorf("discord = %+v", cfg.Discord)
	}
	if cfg.Connect.DeviceName != "Env Device" || cfg.Connect.CacheDir != "/tmp/env-cache" {
		t.Errorf("connect = %+v", cfg.Connect)
	}
	if cfg.Connect.BotAutoplay {
		t.Error("bot_autoplay: env false should override file true")
	}
	if cfg.Server.LogLevel != config.LogWarn {
		t.Errorf("log_level = %q, want warn", cfg.Server.LogLevel)
	}
	if cfg.Connect.Library.Root != "/env/music" {
		t.Errorf("library.root = %q", cfg.Connect.Library.Root)
	}
	// Untouched file values survive.
	if cfg.Discord.GuildID != "876543210987654321" {
		t.Errorf("guild_id = %q", cfg.Discord.GuildID)
	}
}

func TestLoadWithEnv_MissingFileUsesEnv(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadWithEnv(filepath.Join(t.TempDir(), "absent.yaml"), env(map[string]string{
		"DISCORD_TOKEN":   "tok",
		"DISCORD_USER_ID": "1",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Discord.Token != "tok" {
		t.Errorf("token = %q", cfg.Discord.Token)
	}
}

func TestLoadWithEnv_MissingField(t *testing.T) {
	t.Parallel()
	_, err := config.LoadWithEnv("", env(map[string]string{"DISCORD_TOKEN": "tok"}))
	if !errors.Is(err, config.ErrMissingField) {
		t.Fatalf("err = %v, want ErrMissingField", err)
	}
	var mf *config.MissingFieldError
	if !errors.As(err, &mf) {
		t.Fatalf("err = %v, want a *MissingFieldError", err)
	}
	if mf.Field != "discord.user_id" || mf.Env != "DISCORD_USER_ID" {
		t.Errorf("missing field = %+v", mf)
	}
}

func TestLoadWithEnv_BadAutoplay(t *testing.T) {
	t.Parallel()
	_, err := config.LoadWithEnv("", env(map[string]string{
		"DISCORD_TOKEN":        "tok",
		"DISCORD_USER_ID":      "1",
		"SPOTIFY_BOT_AUTOPLAY": "sometimes",
	}))
	if err == nil || errors.Is(err, config.ErrMissingField) {
		t.Fatalf("err = %v, want a non-missing-field error", err)
	}
}

func TestLoadWithEnv_UnreadableFile(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	// A directory cannot be read as a file.
	if _, err := config.LoadWithEnv(dir, env(nil)); err == nil {
		t.Fatal("expected error reading a directory")
	}
}

func TestValidate_Errors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"bad log level", "server: {log_level: loud}", "server.log_level"},
		{"bad user id", `discord: {token: t, user_id: "abc"}`, "discord.user_id"},
		{"bad guild id", `discord: {token: t, user_id: "1", guild_id: "g"}`, "discord.guild_id"},
		{"bad store", "connect: {credential_store: floppy}", "connect.credential_store"},
		{"half credentials", "connect: {username: alice}", "username and connect.password"},
		{"negative grace", "connect: {disconnect_grace: -1s}", "disconnect_grace"},
		{"bad resampler", "audio: {resampler: linear}", "audio.resampler"},
		{"negative queue", "audio: {queue_capacity: -1}", "audio.queue_capacity"},
		{"half tls", "server: {tls: {cert_file: a.pem}}", "server.tls"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := config.LoadFromReader(strings.NewReader(minimalYAML + "\n" + tt.yaml + "\n"))
			if err == nil {
				t.Fatal("expected validation error, got nil")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error should mention %q, got: %v", tt.want, err)
			}
		})
	}
}

func TestValidate_JoinsAllErrors(t *testing.T) {
	t.Parallel()
	err := config.Validate(&config.Config{Audio: config.AudioConfig{Resampler: "linear"}})
	if err == nil {
		t.Fatal("expected error")
	}
	for _, want := range []string{"discord.token", "discord.user_id", "audio.resampler"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error should mention %q, got: %v", want, err)
		}
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	if err := config.LoadDotEnv(filepath.Join(dir, "missing.env")); err != nil {
		t.Fatalf("missing .env should be ignored, got %v", err)
	}

	path := filepath.Join(dir, ".env")
	writeFile(t, path, "AOEDE_TEST_DOTENV=from-file\n")
	t.Setenv("AOEDE_TEST_DOTENV", "")
	os.Unsetenv("AOEDE_TEST_DOTENV")

	if err := config.LoadDotEnv(path); err != nil {
		t.Fatalf("LoadDotEnv: %v", err)
	}
	if got := os.Getenv("AOEDE_TEST_DOTENV"); got != "from-file" {
		t.Errorf("AOEDE_TEST_DOTENV = %q, want from-file", got)
	}
}
