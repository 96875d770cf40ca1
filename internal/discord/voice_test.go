package discord_test

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.opentelemetry.io/otel/metric/noop"

	"github.com/MrWong99/aoede/internal/discord"
	"github.com/MrWong99/aoede/internal/observe"
	"github.com/MrWong99/aoede/pkg/audio"
	audiomock "github.com/MrWong99/aoede/pkg/audio/mock"
)

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	m, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

func newVoice(t *testing.T, p audio.Platform, src io.Reader) *discord.Voice {
	t.Helper()
	return discord.NewVoice(discord.VoiceConfig{
		Platform:   p,
		Source:     src,
		MaxRetries: 3,
		Backoff:    time.Millisecond,
		MaxBackoff: 5 * time.Millisecond,
		Metrics:    testMetrics(t),
	})
}

func TestVoice_JoinPlaysSource(t *testing.T) {
	t.Parallel()
	platform := &audiomock.Platform{}
	src := strings.NewReader("pcm")
	v := newVoice(t, platform, src)

	if err := v.Join(context.Background(), "g1", "c1"); err != nil {
		t.Fatalf("Join: %v", err)
	}
	conns := platform.Connections()
	if len(conns) != 1 {
		t.Fatalf("connections = %d, want 1", len(conns))
	}
	if conns[0].PlayCount() != 1 || conns[0].PlayedSources[0] != io.Reader(src) {
		t.Error("expected the source to be played once")
	}
	if g, ok := v.CurrentGuild(); !ok || g != "g1" {
		t.Errorf("CurrentGuild = %q, %v", g, ok)
	}
}

func TestVoice_JoinSameChannelReplays(t *testing.T) {
	t.Parallel()
	platform := &audiomock.Platform{}
	v := newVoice(t, platform, strings.NewReader(""))

	_ = v.Join(context.Background(), "g1", "c1")
	if err := v.Join(context.Background(), "g1", "c1"); err != nil {
		t.Fatalf("Join: %v", err)
	}
	if n := len(platform.Calls()); n != 1 {
		t.Errorf("connect calls = %d, want 1", n)
	}
	if n := platform.Connections()[0].PlayCount(); n != 2 {
		t.Errorf("play count = %d, want 2", n)
	}
}

func TestVoice_JoinOtherChannelLeavesFirst(t *testing.T) {
	t.Parallel()
	platform := &audiomock.Platform{}
	v := newVoice(t, platform, strings.NewReader(""))

	_ = v.Join(context.Background(), "g1", "c1")
	_ = v.Join(context.Background(), "g1", "c2")

	conns := platform.Connections()
	if len(conns) != 2 {
		t.Fatalf("connections = %d, want 2", len(conns))
	}
	if conns[0].Disconnects() != 1 {
		t.Error("old connection should be disconnected")
	}
	if v.Connection() != audio.Connection(conns[1]) {
		t.Error("current connection should be the new one")
	}
}

func TestVoice_JoinError(t *testing.T) {
	t.Parallel()
	platform := &audiomock.Platform{ConnectError: errors.New("no permission")}
	v := newVoice(t, platform, strings.NewReader(""))

	if err := v.Join(context.Background(), "g1", "c1"); err == nil {
		t.Fatal("expected error")
	}
	if _, ok := v.CurrentGuild(); ok {
		t.Error("should not be joined after a failed connect")
	}
}

func TestVoice_LeaveForgetsChannel(t *testing.T) {
	t.Parallel()
	platform := &audiomock.Platform{}
	v := newVoice(t, platform, strings.NewReader(""))
	_ = v.Join(context.Background(), "g1", "c1")

	v.Leave(context.Background())
	v.Leave(context.Background())

	if platform.Connections()[0].Disconnects() != 1 {
		t.Error("expected exactly one disconnect")
	}
	if err := v.Rejoin(context.Background()); !errors.Is(err, discord.ErrNotJoined) {
		t.Errorf("Rejoin after Leave = %v, want ErrNotJoined", err)
	}
}

func TestVoice_RejoinOnDisconnect(t *testing.T) {
	t.Parallel()
	platform := &audiomock.Platform{}

	var reconnected atomic.Pointer[audio.Connection]
	v := discord.NewVoice(discord.VoiceConfig{
		Platform:   platform,
		Source:     strings.NewReader(""),
		MaxRetries: 3,
		Backoff:    time.Millisecond,
		MaxBackoff: 10 * time.Millisecond,
		Metrics:    testMetrics(t),
		OnReconnect: func(c audio.Connection) {
			reconnected.Store(&c)
		},
	})
	defer v.Stop()

	if err := v.Join(context.Background(), "g1", "c1"); err != nil {
		t.Fatalf("Join: %v", err)
	}
	v.Monitor(t.Context())
	v.NotifyDisconnect()

	deadline := time.Now().Add(2 * time.Second)
	for reconnected.Load() == nil && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	got := reconnected.Load()
	if got == nil {
		t.Fatal("expected OnReconnect to be called")
	}
	conns := platform.Connections()
	if len(conns) != 2 || *got != audio.Connection(conns[1]) {
		t.Fatalf("expected the second connection, got %d connections", len(conns))
	}
	if calls := platform.Calls(); calls[1].GuildID != "g1" || calls[1].ChannelID != "c1" {
		t.Errorf("rejoined %+v, want g1/c1", calls[1])
	}
	if conns[1].PlayCount() != 1 {
		t.Error("playback should restart after re-join")
	}
}

func TestVoice_RejoinWithBackoff(t *testing.T) {
	t.Parallel()
	var attempts atomic.Int32
	platform := &failNTimesPlatform{failTimes: 2, count: &attempts}

	var reconnected atomic.Bool
	v := discord.NewVoice(discord.VoiceConfig{
		Platform:    platform,
		Source:      strings.NewReader(""),
		MaxRetries:  5,
		Backoff:     time.Millisecond,
		MaxBackoff:  5 * time.Millisecond,
		Metrics:     testMetrics(t),
		OnReconnect: func(audio.Connection) { reconnected.Store(true) },
	})
	defer v.Stop()

	platform.allowFirst()
	if err := v.Join(context.Background(), "g1", "c1"); err != nil {
		t.Fatalf("Join: %v", err)
	}
	v.Monitor(t.Context())
	v.NotifyDisconnect()

	deadline := time.Now().Add(2 * time.Second)
	for !reconnected.Load() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if !reconnected.Load() {
		t.Fatal("expected successful re-join after failures")
	}
	// 1 initial join + 2 failures + 1 success.
	if got := attempts.Load(); got != 4 {
		t.Errorf("connect attempts = %d, want 4", got)
	}
}

func TestVoice_MaxRetriesExhausted(t *testing.T) {
	t.Parallel()
	var attempts atomic.Int32
	platform := &failNTimesPlatform{failTimes: 1000, count: &attempts}

	var reconnected atomic.Bool
	v := discord.NewVoice(discord.VoiceConfig{
		Platform:    platform,
		Source:      strings.NewReader(""),
		MaxRetries:  2,
		Backoff:     time.Millisecond,
		MaxBackoff:  time.Millisecond,
		Metrics:     testMetrics(t),
		OnReconnect: func(audio.Connection) { reconnected.Store(true) },
	})
	defer v.Stop()

	platform.allowFirst()
	_ = v.Join(context.Background(), "g1", "c1")
	v.Monitor(t.Context())
	v.NotifyDisconnect()

	time.Sleep(100 * time.Millisecond)
	if reconnected.Load() {
		t.Error("OnReconnect should not be called when every attempt fails")
	}
	// 1 initial join + 2 failed attempts.
	if got := attempts.Load(); got != 3 {
		t.Errorf("connect attempts = %d, want 3", got)
	}
}

func TestVoice_StopIsIdempotent(t *testing.T) {
	t.Parallel()
	platform := &audiomock.Platform{}
	v := newVoice(t, platform, strings.NewReader(""))
	_ = v.Join(context.Background(), "g1", "c1")

	v.Stop()
	v.Stop()
	v.NotifyDisconnect()
	v.NotifyDisconnect()

	if v.Connection() != nil {
		t.Error("expected nil connection after Stop")
	}
	if platform.Connections()[0].Disconnects() != 1 {
		t.Error("expected exactly one disconnect")
	}
}

// failNTimesPlatform fails failTimes Connect calls after an optional free
// first call, then succeeds.
type failNTimesPlatform struct {
	mu        sync.Mutex
	failTimes int
	failed    int
	free      bool
	count     *atomic.Int32
}

func (p *failNTimesPlatform) allowFirst() {
	p.mu.Lock()
	p.free = true
	p.mu.Unlock()
}

func (p *failNTimesPlatform) Connect(_ context.Context, guildID, channelID string) (audio.Connection, error) {
	p.count.Add(1)
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.free {
		p.free = false
		return &audiomock.Connection{Guild: guildID, Channel: channelID}, nil
	}
	if p.failed < p.failTimes {
		p.failed++
		return nil, errors.New("connection failed")
	}
	return &audiomock.Connection{Guild: guildID, Channel: channelID}, nil
}
