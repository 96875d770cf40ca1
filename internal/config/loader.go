package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ErrMissingField is wrapped by every [MissingFieldError].
var ErrMissingField = errors.New("config: missing required field")

// MissingFieldError names a required setting that was not provided.
type MissingFieldError struct {
	// Field is the YAML path of the setting.
	Field string

	// Env is the environment variable that can supply it.
	Env string
}

func (e *MissingFieldError) Error() string {
	return fmt.Sprintf("config: missing required field %s (or env %s)", e.Field, e.Env)
}

func (e *MissingFieldError) Unwrap() error { return ErrMissingField }

// LookupFunc reads an environment variable. [os.LookupEnv] is the usual
// implementation.
type LookupFunc func(key string) (string, bool)

// Environment variables that override the YAML file.
const (
	EnvDiscordToken    = "DISCORD_TOKEN"
	EnvDiscordUserID   = "DISCORD_USER_ID"
	EnvDiscordGuildID  = "DISCORD_GUILD_ID"
	EnvDeviceName      = "SPOTIFY_DEVICE_NAME"
	EnvBotAutoplay     = "SPOTIFY_BOT_AUTOPLAY"
	EnvUsername        = "SPOTIFY_USERNAME"
	EnvPassword        = "SPOTIFY_PASSWORD"
	EnvCacheDir        = "CACHE_DIR"
	EnvLogLevel        = "LOG_LEVEL"
	EnvListenAddr      = "AOEDE_LISTEN_ADDR"
	EnvLibraryRoot     = "AOEDE_MUSIC_DIR"
	EnvCredentialStore = "AOEDE_CREDENTIAL_STORE"
	EnvPairingAddr     = "AOEDE_PAIRING_ADDR"
)

// LoadDotEnv loads path into the process environment without overriding
// variables that are already set. A missing file is not an error.
func LoadDotEnv(path string) error {
	err := godotenv.Load(path)
	if err == nil || errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return fmt.Errorf("config: load %s: %w", path, err)
}

// Load reads the YAML file at path, applies environment overrides from the
// process environment, fills defaults and validates the result. A missing
// file is tolerated so a deployment can be configured from the environment
// alone.
func Load(path string) (*Config, error) {
	return LoadWithEnv(path, os.LookupEnv)
}

// LoadWithEnv is [Load] with an explicit environment.
func LoadWithEnv(path string, lookup LookupFunc) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			slog.Info("config: file not found, using environment only", "path", path)
		case err != nil:
			return nil, fmt.Errorf("config: open %q: %w", path, err)
		default:
			if cfg, err = decode(bytes.NewReader(data)); err != nil {
				return nil, fmt.Errorf("config: parse %q: %w", path, err)
			}
		}
	}
	return finish(cfg, lookup)
}

// LoadFromReader decodes a YAML config from r, fills defaults and validates
// the result. The environment is not consulted.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg, err := decode(r)
	if err != nil {
		return nil, err
	}
	return finish(cfg, nil)
}

func decode(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	return cfg, nil
}

func finish(cfg *Config, lookup LookupFunc) (*Config, error) {
	if lookup != nil {
		if err := ApplyEnv(cfg, lookup); err != nil {
			return nil, err
		}
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides cfg with every environment variable that is set.
func ApplyEnv(cfg *Config, lookup LookupFunc) error {
	strs := []struct {
		env string
		dst *string
	}{
		{EnvDiscordToken, &cfg.Discord.Token},
		{EnvDiscordUserID, &cfg.Discord.UserID},
		{EnvDiscordGuildID, &cfg.Discord.GuildID},
		{EnvDeviceName, &cfg.Connect.DeviceName},
		{EnvUsername, &cfg.Connect.Username},
		{EnvPassword, &cfg.Connect.Password},
		{EnvCacheDir, &cfg.Connect.CacheDir},
		{EnvListenAddr, &cfg.Server.ListenAddr},
		{EnvLibraryRoot, &cfg.Connect.Library.Root},
		{EnvPairingAddr, &cfg.Connect.PairingAddr},
	}
	for _, s := range strs {
		if v, ok := lookup(s.env); ok && v != "" {
			*s.dst = v
		}
	}
	if v, ok := lookup(EnvLogLevel); ok && v != "" {
		cfg.Server.LogLevel = LogLevel(v)
	}
	if v, ok := lookup(EnvCredentialStore); ok && v != "" {
		cfg.Connect.CredentialStore = CredentialStore(v)
	}
	if v, ok := lookup(EnvBotAutoplay); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("config: %s=%q is not a boolean", EnvBotAutoplay, v)
		}
		cfg.Connect.BotAutoplay = b
	}
	return nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Required fields
	if cfg.Discord.Token == "" {
		errs = append(errs, &MissingFieldError{Field: "discord.token", Env: EnvDiscordToken})
	}
	if cfg.Discord.UserID == "" {
		errs = append(errs, &MissingFieldError{Field: "discord.user_id", Env: EnvDiscordUserID})
	} else if _, err := strconv.ParseUint(cfg.Discord.UserID, 10, 64); err != nil {
		errs = append(errs, fmt.Errorf("discord.user_id %q is not a snowflake", cfg.Discord.UserID))
	}
	if cfg.Discord.GuildID != "" {
		if _, err := strconv.ParseUint(cfg.Discord.GuildID, 10, 64); err != nil {
			errs = append(errs, fmt.Errorf("discord.guild_id %q is not a snowflake", cfg.Discord.GuildID))
		}
	}

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Connect
	c := cfg.Connect
	if c.CredentialStore != "" && !c.CredentialStore.IsValid() {
		errs = append(errs, fmt.Errorf("connect.credential_store %q is invalid; valid values: file, keyring, both, none", c.CredentialStore))
	}
	if (c.Username == "") != (c.Password == "") {
		errs = append(errs, errors.New("connect.username and connect.password must be set together"))
	}
	if c.PairingTimeout < 0 {
		errs = append(errs, fmt.Errorf("connect.pairing_timeout %v must not be negative", c.PairingTimeout))
	}
	if c.DisconnectGrace < 0 {
		errs = append(errs, fmt.Errorf("connect.disconnect_grace %v must not be negative", c.DisconnectGrace))
	}
	if c.CredentialStore == StoreNone && c.Username == "" {
		slog.Warn("config: credential_store is none; pairing will be required on every start")
	}

	// Audio
	if cfg.Audio.Resampler != "" && !cfg.Audio.Resampler.IsValid() {
		errs = append(errs, fmt.Errorf("audio.resampler %q is invalid; valid values: sinc, cubic", cfg.Audio.Resampler))
	}
	if cfg.Audio.ChunkSize < 0 {
		errs = append(errs, fmt.Errorf("audio.chunk_size %d must not be negative", cfg.Audio.ChunkSize))
	}
	if cfg.Audio.QueueCapacity < 0 {
		errs = append(errs, fmt.Errorf("audio.queue_capacity %d must not be negative", cfg.Audio.QueueCapacity))
	}

	return errors.Join(errs...)
}
