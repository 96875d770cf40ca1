package config_test

import (
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/aoede/internal/config"
)

func loadSample(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.LoadFromReader(strings.NewReader(sampleYAML))
	if err != nil {
		t.Fatalf("load sample: %v", err)
	}
	return cfg
}

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	d := config.Diff(loadSample(t), loadSample(t))
	if d.Changed() {
		t.Errorf("expected no changes, got %+v", d)
	}
}

func TestDiff_LogLevelOnly(t *testing.T) {
	t.Parallel()
	old, next := loadSample(t), loadSample(t)
	next.Server.LogLevel = config.LogError

	d := config.Diff(old, next)
	if !d.LogLevelChanged || d.NewLogLevel != config.LogError {
		t.Errorf("log level diff = %+v", d)
	}
	if len(d.RestartRequired) != 0 {
		t.Errorf("log level change should not require a restart, got %v", d.RestartRequired)
	}
}

func TestDiff_RestartRequired(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		mutate  func(*config.Config)
		section string
	}{
		{"listen addr", func(c *config.Config) { c.Server.ListenAddr = ":1" }, "server"},
		{"tls", func(c *config.Config) { c.Server.TLS = &config.TLSConfig{CertFile: "a", KeyFile: "b"} }, "server"},
		{"token", func(c *config.Config) { c.Discord.Token = "other" }, "discord"},
		{"device name", func(c *config.Config) { c.Connect.DeviceName = "Kitchen" }, "connect"},
		{"accepted users", func(c *config.Config) { c.Connect.Library.AcceptedUsers = []string{"carol"} }, "connect"},
		{"grace", func(c *config.Config) { c.Connect.DisconnectGrace = time.Second }, "connect"},
		{"resampler", func(c *config.Config) { c.Audio.Resampler = config.ResamplerSinc }, "audio"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			old, next := loadSample(t), loadSample(t)
			tt.mutate(next)
			d := config.Diff(old, next)
			if d.LogLevelChanged {
				t.Error("log level should be unchanged")
			}
			if !slices.Equal(d.RestartRequired, []string{tt.section}) {
				t.Errorf("RestartRequired = %v, want [%s]", d.RestartRequired, tt.section)
			}
		})
	}
}

func TestDiff_MultipleChanges(t *testing.T) {
	t.Parallel()
	old, next := loadSample(t), loadSample(t)
	next.Server.LogLevel = config.LogInfo
	next.Discord.GuildID = ""
	next.Audio.ChunkSize = 2048

	d := config.Diff(old, next)
	if !d.LogLevelChanged {
		t.Error("expected log level change")
	}
	want := []string{"discord", "audio"}
	if !slices.Equal(d.RestartRequired, want) {
		t.Errorf("RestartRequired = %v, want %v", d.RestartRequired, want)
	}
}
