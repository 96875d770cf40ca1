package discord

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"sync"
	"testing"
	"testing/iotest"
	"time"

	"github.com/MrWong99/aoede/pkg/audio"
	"github.com/MrWong99/aoede/pkg/audio/bridge"
	"github.com/MrWong99/aoede/pkg/audio/resample"
	"github.com/bwmarrin/discordgo"
)

// ─── compile-time interface assertions ───────────────────────────────────────

var _ audio.Platform = (*Platform)(nil)
var _ audio.Connection = (*Connection)(nil)

// ─── test helpers ─────────────────────────────────────────────────────────────

// fakeEncoder records every frame it encodes and returns the first sample's
// low byte as the packet so tests can check ordering.
type fakeEncoder struct {
	mu     sync.Mutex
	frames int
	fail   bool
}

func (e *fakeEncoder) encode(pcm []int16) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(pcm) != opusFrameSize*opusChannels {
		return nil, errors.New("wrong frame size")
	}
	if e.fail {
		return nil, errors.New("encode failed")
	}
	e.frames++
	return []byte{byte(e.frames)}, nil
}

type speakingRecorder struct {
	mu     sync.Mutex
	states []bool
}

func (s *speakingRecorder) set(b bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states = append(s.states, b)
	return nil
}

func (s *speakingRecorder) snapshot() []bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]bool(nil), s.states...)
}

// newTestConnection creates a Connection suitable for unit testing without
// a real Discord voice connection. OpusSend is a plain buffered channel.
func newTestConnection(t *testing.T, enc frameEncoder) (*Connection, *speakingRecorder) {
	t.Helper()
	vc := &discordgo.VoiceConnection{
		OpusSend: make(chan []byte, 16),
	}
	sp := &speakingRecorder{}
	c := &Connection{
		vc:           vc,
		guildID:      "guild-test",
		channelID:    "chan-test",
		done:         make(chan struct{}),
		disconnectVC: func() error { return nil },
		speaking:     sp.set,
		newEncoder:   func() (frameEncoder, error) { return enc, nil },
	}
	t.Cleanup(func() { _ = c.Disconnect() })
	return c, sp
}

func pcmWindows(n int) []byte {
	buf := make([]byte, n*pcmFrameBytes)
	for i := 0; i < len(buf)/audio.FrameBytes; i++ {
		audio.Frame{0.25, -0.25}.PutLE(buf[i*audio.FrameBytes:])
	}
	return buf
}

func recvPacket(t *testing.T, c *Connection) []byte {
	t.Helper()
	select {
	case p := <-c.vc.OpusSend:
		return p
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for opus packet")
		return nil
	}
}

// blockingReader blocks every Read until released.
type blockingReader struct {
	release chan struct{}
}

func (r *blockingReader) Read(p []byte) (int, error) {
	<-r.release
	return 0, io.EOF
}

// zeroReader violates the io.Reader contract by returning (0, nil).
type zeroReader struct{}

func (zeroReader) Read([]byte) (int, error) { return 0, nil }

// ─── Platform tests ──────────────────────────────────────────────────────────

// TestNewPlatform verifies that New stores the session.
func TestNewPlatform(t *testing.T) {
	t.Parallel()

	s := &discordgo.Session{}
	p := New(s)
	if p == nil {
		t.Fatal("New returned nil")
	}
	if p.session != s {
		t.Error("session not stored correctly")
	}
}

// ─── Connection tests ─────────────────────────────────────────────────────────

func TestConnection_IDs(t *testing.T) {
	t.Parallel()
	c, _ := newTestConnection(t, &fakeEncoder{})
	if c.GuildID() != "guild-test" || c.ChannelID() != "chan-test" {
		t.Errorf("ids = %q/%q", c.GuildID(), c.ChannelID())
	}
}

// TestConnection_DisconnectIdempotent verifies that Disconnect can be called
// multiple times and returns nil on subsequent calls.
func TestConnection_DisconnectIdempotent(t *testing.T) {
	t.Parallel()

	c, _ := newTestConnection(t, &fakeEncoder{})
	for i := range 3 {
		if err := c.Disconnect(); err != nil {
			t.Fatalf("Disconnect[%d]: unexpected error: %v", i, err)
		}
	}
	if err := c.Play(bytes.NewReader(pcmWindows(1))); err == nil {
		t.Error("Play after Disconnect: expected error")
	}
}

// TestConnection_PlaySendsOnePacketPerWindow streams three full 20 ms windows
// and a trailing partial window; only the full windows are sent.
func TestConnection_PlaySendsOnePacketPerWindow(t *testing.T) {
	t.Parallel()

	enc := &fakeEncoder{}
	c, sp := newTestConnection(t, enc)

	src := append(pcmWindows(3), make([]byte, 100)...)
	if err := c.Play(bytes.NewReader(src)); err != nil {
		t.Fatalf("Play: %v", err)
	}

	for want := byte(1); want <= 3; want++ {
		if got := recvPacket(t, c); len(got) != 1 || got[0] != want {
			t.Fatalf("packet = %v, want [%d]", got, want)
		}
	}

	// Speaking goes on with the first packet and off when the source ends.
	deadline := time.After(2 * time.Second)
	for {
		states := sp.snapshot()
		if len(states) == 2 {
			if !states[0] || states[1] {
				t.Errorf("speaking states = %v, want [true false]", states)
			}
			break
		}
		select {
		case <-deadline:
			t.Fatalf("speaking states = %v, want [true false]", states)
		case <-time.After(5 * time.Millisecond):
		}
	}

	select {
	case p := <-c.vc.OpusSend:
		t.Errorf("unexpected extra packet %v", p)
	case <-time.After(20 * time.Millisecond):
	}
}

// TestConnection_StopEndsPlayback verifies that packets stop after Stop even
// while the source keeps producing.
func TestConnection_StopEndsPlayback(t *testing.T) {
	t.Parallel()

	c, _ := newTestConnection(t, &fakeEncoder{})
	pr, pw := io.Pipe()
	t.Cleanup(func() { _ = pw.Close() })

	if err := c.Play(pr); err != nil {
		t.Fatal(err)
	}
	go func() { _, _ = pw.Write(pcmWindows(1)) }()
	recvPacket(t, c)

	c.Stop()
	// The sender is blocked reading; feed it one more window so it observes
	// the stop.
	go func() { _, _ = pw.Write(pcmWindows(1)) }()

	select {
	case p := <-c.vc.OpusSend:
		t.Errorf("packet %v sent after Stop", p)
	case <-time.After(50 * time.Millisecond):
	}
}

// TestConnection_PlayReplacesSource verifies that a second Play call takes
// over from the first even while the first is blocked in Read.
func TestConnection_PlayReplacesSource(t *testing.T) {
	t.Parallel()

	enc := &fakeEncoder{}
	c, _ := newTestConnection(t, enc)

	blocked := &blockingReader{release: make(chan struct{})}
	t.Cleanup(func() { close(blocked.release) })
	if err := c.Play(blocked); err != nil {
		t.Fatal(err)
	}
	if err := c.Play(bytes.NewReader(pcmWindows(2))); err != nil {
		t.Fatal(err)
	}
	recvPacket(t, c)
	recvPacket(t, c)
}

// TestConnection_EncodeErrorsAreSkipped verifies that a failing encoder does
// not stop the sender.
func TestConnection_EncodeErrorsAreSkipped(t *testing.T) {
	t.Parallel()

	enc := &fakeEncoder{fail: true}
	c, sp := newTestConnection(t, enc)
	if err := c.Play(bytes.NewReader(pcmWindows(2))); err != nil {
		t.Fatal(err)
	}
	select {
	case p := <-c.vc.OpusSend:
		t.Errorf("unexpected packet %v", p)
	case <-time.After(50 * time.Millisecond):
	}
	if states := sp.snapshot(); len(states) != 0 {
		t.Errorf("speaking states = %v, want none", states)
	}
}

// ─── readWindow ──────────────────────────────────────────────────────────────

func TestReadWindow(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		src     io.Reader
		wantErr error
	}{
		{"full", bytes.NewReader(make([]byte, 16)), nil},
		{"short", bytes.NewReader(make([]byte, 10)), io.ErrUnexpectedEOF},
		{"empty", bytes.NewReader(nil), io.EOF},
		{"no progress", zeroReader{}, io.ErrNoProgress},
		{"one byte at a time", iotest.OneByteReader(bytes.NewReader(make([]byte, 16))), nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := readWindow(context.Background(), tt.src, make([]byte, 16))
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("err = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestReadWindow_LiveSourceStopsOnCancel(t *testing.T) {
	t.Parallel()
	b := newPassthroughBridge(t)
	writeRamp(t, b, 0, 2*passthroughBlock)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	var (
		n   int
		err error
	)
	go func() {
		defer close(done)
		n, err = readWindow(ctx, b, make([]byte, pcmFrameBytes))
	}()
	waitDrained(t, b)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("readWindow ignored cancellation")
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if want := 2 * passthroughBlock * audio.FrameBytes; n != want {
		t.Errorf("n = %d, want %d", n, want)
	}
}

// ─── Hand-over between senders ───────────────────────────────────────────────

// passthroughBlock is the block size of the copying resampler, a quarter of
// one 20 ms window so partial windows can sit in a sender's buffer.
const passthroughBlock = opusFrameSize / 4

// copyResampler forwards blocks unchanged.
type copyResampler struct{}

func (copyResampler) InputFrames() int  { return passthroughBlock }
func (copyResampler) OutputFrames() int { return passthroughBlock }
func (copyResampler) Channels() int     { return 2 }

func (copyResampler) Process(in, out [][]float32) error {
	copy(out[0], in[0])
	copy(out[1], in[1])
	return nil
}

func newPassthroughBridge(t *testing.T) *bridge.Bridge {
	t.Helper()
	b, err := bridge.New(bridge.Config{
		Source:        audio.TransportFormat,
		Target:        audio.TransportFormat,
		QueueCapacity: 16 * opusFrameSize,
		Factory:       func(resample.Config) (resample.Resampler, error) { return copyResampler{}, nil },
	})
	if err != nil {
		t.Fatalf("bridge.New: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })
	return b
}

// rampSample gives frame i a left sample that survives int16 conversion
// unchanged and a mirrored right sample.
func rampSample(i int) (float64, float64) {
	v := float64(i%30000) / 32768
	return v, -v
}

// writeRamp writes frames [from, from+count) of the ramp signal.
func writeRamp(t *testing.T, b *bridge.Bridge, from, count int) {
	t.Helper()
	samples := make([]float64, 0, 2*count)
	for i := from; i < from+count; i++ {
		l, r := rampSample(i)
		samples = append(samples, l, r)
	}
	if err := b.Write(samples); err != nil {
		t.Fatalf("Write: %v", err)
	}
}

// rawEncoder packs the int16 samples into the packet unchanged.
type rawEncoder struct{}

func (rawEncoder) encode(pcm []int16) ([]byte, error) {
	out := make([]byte, 2*len(pcm))
	for i, v := range pcm {
		binary.LittleEndian.PutUint16(out[2*i:], uint16(v))
	}
	return out, nil
}

// packetLog collects the samples of every packet that leaves OpusSend.
type packetLog struct {
	mu      sync.Mutex
	samples []int16
}

func recordPackets(t *testing.T, send <-chan []byte) *packetLog {
	t.Helper()
	l := &packetLog{}
	stop := make(chan struct{})
	t.Cleanup(func() { close(stop) })
	go func() {
		for {
			select {
			case p := <-send:
				l.mu.Lock()
				for i := 0; i+1 < len(p); i += 2 {
					l.samples = append(l.samples, int16(binary.LittleEndian.Uint16(p[i:])))
				}
				l.mu.Unlock()
			case <-stop:
				return
			}
		}
	}()
	return l
}

func (l *packetLog) frames() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.samples) / 2
}

func (l *packetLog) waitFrames(t *testing.T, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for l.frames() < n {
		if time.Now().After(deadline) {
			t.Fatalf("sent frames = %d, want %d", l.frames(), n)
		}
		time.Sleep(time.Millisecond)
	}
}

// waitDrained waits until a sender has taken every queued frame.
func waitDrained(t *testing.T, b *bridge.Bridge) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for b.Pending() > 0 {
		if time.Now().After(deadline) {
			t.Fatalf("Pending = %d, want 0", b.Pending())
		}
		time.Sleep(time.Millisecond)
	}
}

// newVoiceConnection returns a Connection sending on vc, as a fresh join of
// the same channel would.
func newVoiceConnection(t *testing.T, vc *discordgo.VoiceConnection) *Connection {
	t.Helper()
	c := &Connection{
		vc:           vc,
		guildID:      "guild-test",
		channelID:    "chan-test",
		done:         make(chan struct{}),
		disconnectVC: func() error { return nil },
		speaking:     func(bool) error { return nil },
		newEncoder:   func() (frameEncoder, error) { return rawEncoder{}, nil },
	}
	t.Cleanup(func() { _ = c.Disconnect() })
	return c
}

// liveView is a distinct reader over the same bridge.
type liveView struct{ *bridge.Bridge }

// TestConnection_HandOverKeepsEveryFrame replays a session's playback
// changes against one shared bridge: a repeated Play, a Play that replaces
// the source, and leave/join cycles, each while a sender holds half a window.
// Every frame must go out exactly once and in order.
func TestConnection_HandOverKeepsEveryFrame(t *testing.T) {
	t.Parallel()

	b := newPassthroughBridge(t)
	vc := &discordgo.VoiceConnection{OpusSend: make(chan []byte)}
	log := recordPackets(t, vc.OpusSend)
	const window = opusFrameSize
	written := 0
	write := func(frames int) {
		writeRamp(t, b, written, frames)
		written += frames
	}

	c1 := newVoiceConnection(t, vc)
	if err := c1.Play(b); err != nil {
		t.Fatal(err)
	}
	write(2 * window)
	log.waitFrames(t, 2*window)

	// Same source again: nothing restarts.
	if err := c1.Play(b); err != nil {
		t.Fatal(err)
	}
	write(window + window/2)
	log.waitFrames(t, 3*window)
	waitDrained(t, b)

	// Another reader takes over with half a window still in flight.
	if err := c1.Play(liveView{b}); err != nil {
		t.Fatal(err)
	}
	write(window / 2)
	log.waitFrames(t, 4*window)

	// Leave, then join again while audio is queued.
	write(window / 2)
	waitDrained(t, b)
	if err := c1.Disconnect(); err != nil {
		t.Fatal(err)
	}
	write(window)
	c2 := newVoiceConnection(t, vc)
	if err := c2.Play(b); err != nil {
		t.Fatal(err)
	}
	log.waitFrames(t, 5*window)
	waitDrained(t, b)

	c2.Stop()
	if err := c2.Play(b); err != nil {
		t.Fatal(err)
	}
	write(window / 2)
	log.waitFrames(t, 6*window)

	if written != 6*window {
		t.Fatalf("written = %d frames, want %d", written, 6*window)
	}

	log.mu.Lock()
	defer log.mu.Unlock()
	if len(log.samples) != 2*written {
		t.Fatalf("sent %d samples, want %d", len(log.samples), 2*written)
	}
	for i := range written {
		l, r := rampSample(i)
		want := [2]int16{audio.Float32ToInt16(float32(l)), audio.Float32ToInt16(float32(r))}
		got := [2]int16{log.samples[2*i], log.samples[2*i+1]}
		if got != want {
			t.Fatalf("frame %d = %v, want %v", i, got, want)
		}
	}
}

// TestConnection_StopWaitsForLiveReader verifies that no sender is reading
// a live source once Stop returns.
func TestConnection_StopWaitsForLiveReader(t *testing.T) {
	t.Parallel()

	b := newPassthroughBridge(t)
	vc := &discordgo.VoiceConnection{OpusSend: make(chan []byte, 16)}
	c := newVoiceConnection(t, vc)
	if err := c.Play(b); err != nil {
		t.Fatal(err)
	}
	time.Sleep(10 * time.Millisecond)
	c.Stop()

	writeRamp(t, b, 0, 2*passthroughBlock)
	time.Sleep(20 * time.Millisecond)
	if got, want := b.Pending(), 2*passthroughBlock; got != want {
		t.Errorf("Pending = %d after Stop, want %d", got, want)
	}
}
