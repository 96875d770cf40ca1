// Package config provides the configuration schema, loader, and backend
// registry for aoede.
package config

import (
	"log/slog"
	"time"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// SlogLevel maps l to its [slog.Level]. Unknown values map to info.
func (l LogLevel) SlogLevel() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// CredentialStore selects where paired credentials are cached.
type CredentialStore string

const (
	StoreFile    CredentialStore = "file"
	StoreKeyring CredentialStore = "keyring"
	StoreBoth    CredentialStore = "both"
	StoreNone    CredentialStore = "none"
)

// IsValid reports whether s is a recognised credential store.
func (s CredentialStore) IsValid() bool {
	switch s {
	case StoreFile, StoreKeyring, StoreBoth, StoreNone:
		return true
	}
	return false
}

// Resampler selects the sample-rate converter of the audio bridge.
type Resampler string

const (
	ResamplerSinc  Resampler = "sinc"
	ResamplerCubic Resampler = "cubic"
)

// IsValid reports whether r is a recognised resampler.
func (r Resampler) IsValid() bool { return r == ResamplerSinc || r == ResamplerCubic }

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Discord DiscordConfig `yaml:"discord"`
	Connect ConnectConfig `yaml:"connect"`
	Audio   AudioConfig   `yaml:"audio"`
}

// ServerConfig holds network and logging settings for the HTTP server.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity. It is the only setting applied on reload.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// DiscordConfig identifies the bot and the user it follows.
type DiscordConfig struct {
	// Token is the bot token. Required.
	Token string `yaml:"token"`

	// UserID is the snowflake of the user whose voice presence drives
	// playback. Required.
	UserID string `yaml:"user_id"`

	// GuildID restricts voice following to one guild. Empty follows the
	// user everywhere.
	GuildID string `yaml:"guild_id"`
}

// ConnectConfig configures the music-control session.
type ConnectConfig struct {
	// DeviceName is the name shown in device lists.
	DeviceName string `yaml:"device_name"`

	// CacheDir holds cached credentials.
	CacheDir string `yaml:"cache_dir"`

	// CredentialStore selects the credential cache.
	CredentialStore CredentialStore `yaml:"credential_store"`

	// Username and Password skip pairing when both are set.
	Username string `yaml:"username"`
	Password string `yaml:"password"`

	// BotAutoplay continues with related tracks when the queue runs out.
	BotAutoplay bool `yaml:"bot_autoplay"`

	// PairingTimeout bounds how long startup waits for a pairing client.
	PairingTimeout time.Duration `yaml:"pairing_timeout"`

	// PairingAddr is the listen address of the pairing endpoint.
	PairingAddr string `yaml:"pairing_addr"`

	// DisconnectGrace is how long a disable waits for the pause to settle.
	DisconnectGrace time.Duration `yaml:"disconnect_grace"`

	// Backend selects the protocol implementation registered in the
	// [Registry].
	Backend string `yaml:"backend"`

	// Library configures the "library" backend.
	Library LibraryConfig `yaml:"library"`
}

// LibraryConfig configures the local directory backend.
type LibraryConfig struct {
	// Root is the music directory.
	Root string `yaml:"root"`

	// AcceptedUsers restricts which usernames may open a session.
	AcceptedUsers []string `yaml:"accepted_users"`
}

// AudioConfig tunes the audio bridge.
type AudioConfig struct {
	// Resampler selects the converter.
	Resampler Resampler `yaml:"resampler"`

	// ChunkSize is the resampler input block size hint in frames.
	ChunkSize int `yaml:"chunk_size"`

	// QueueCapacity bounds the frame queue. Zero sizes it to one output block.
	QueueCapacity int `yaml:"queue_capacity"`

	// LogEvery logs a bridge progress line every N packets. Negative disables
	// it.
	LogEvery int `yaml:"log_every"`
}

// Defaults.
const (
	DefaultListenAddr      = ":8080"
	DefaultDeviceName      = "PUPU MUSIC BOT"
	DefaultCacheDir        = "cache"
	DefaultPairingAddr     = ":5355"
	DefaultPairingTimeout  = 5 * time.Minute
	DefaultDisconnectGrace = 100 * time.Millisecond
	DefaultBackend         = "library"
	DefaultLibraryRoot     = "music"
	DefaultChunkSize       = 1024
	DefaultLogEvery        = 10000
)

// ApplyDefaults fills every unset field with its default.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	c := &cfg.Connect
	if c.DeviceName == "" {
		c.DeviceName = DefaultDeviceName
	}
	if c.CacheDir == "" {
		c.CacheDir = DefaultCacheDir
	}
	if c.CredentialStore == "" {
		c.CredentialStore = StoreFile
	}
	if c.PairingTimeout == 0 {
		c.PairingTimeout = DefaultPairingTimeout
	}
	if c.PairingAddr == "" {
		c.PairingAddr = DefaultPairingAddr
	}
	if c.DisconnectGrace == 0 {
		c.DisconnectGrace = DefaultDisconnectGrace
	}
	if c.Backend == "" {
		c.Backend = DefaultBackend
	}
	if c.Library.Root == "" {
		c.Library.Root = DefaultLibraryRoot
	}
	if cfg.Audio.Resampler == "" {
		cfg.Audio.Resampler = ResamplerSinc
	}
	if cfg.Audio.ChunkSize == 0 {
		cfg.Audio.ChunkSize = DefaultChunkSize
	}
	if cfg.Audio.LogEvery == 0 {
		cfg.Audio.LogEvery = DefaultLogEvery
	}
}
