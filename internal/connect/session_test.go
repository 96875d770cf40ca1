package connect_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/aoede/internal/connect"
	"github.com/MrWong99/aoede/internal/connect/mock"
)

func TestNewSession_CachedCredentials(t *testing.T) {
	s, backend := newTestSession(t)

	if n := len(backend.Opens()); n != 1 {
		t.Fatalf("Open called %d times, want 1", n)
	}
	if n := len(backend.Players()); n != 1 {
		t.Fatalf("players built = %d, want 1", n)
	}
	if n := len(backend.Channels()); n != 0 {
		t.Errorf("control channels built = %d, want 0 before Enable", n)
	}
	if backend.Players()[0].Sink != s.Bridge() {
		t.Error("player is not wired to the session bridge")
	}
	if s.Credentials().Username != "alice" {
		t.Errorf("username = %q, want alice", s.Credentials().Username)
	}
	if err := s.Check(context.Background()); err != nil {
		t.Errorf("Check: %v", err)
	}
}

func TestNewSession_PairingValidatesWithThrowawaySession(t *testing.T) {
	backend := &mock.Backend{}
	cache := &mock.Cache{}
	s, err := connect.NewSession(context.Background(), connect.SessionConfig{
		Backend: backend,
		Bridge:  newBridge(t),
		Cache:   cache,
		Pairer:  &mock.Pairer{Result: testCreds},
		Metrics: testMetrics(t),
	})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	defer s.Close()

	handles := backend.Handles()
	if len(handles) != 2 {
		t.Fatalf("handles opened = %d, want 2 (validation + session)", len(handles))
	}
	if handles[0].Closes() != 1 {
		t.Error("validation session was not closed")
	}
	if s.Handle() != handles[1] {
		t.Error("session does not own the second handle")
	}
	if len(cache.Saves()) != 1 {
		t.Errorf("cache saves = %d, want 1", len(cache.Saves()))
	}
}

func TestNewSession_AuthenticationFailure(t *testing.T) {
	_, err := connect.NewSession(context.Background(), connect.SessionConfig{
		Backend: &mock.Backend{},
		Bridge:  newBridge(t),
		Cache:   &mock.Cache{},
		Pairer:  &mock.Pairer{Err: context.DeadlineExceeded},
		Metrics: testMetrics(t),
	})
	if !errors.Is(err, connect.ErrAuthenticationFailed) {
		t.Fatalf("err = %v, want ErrAuthenticationFailed", err)
	}
}

func TestNewSession_OpenFailure(t *testing.T) {
	errDown := errors.New("service down")
	_, err := connect.NewSession(context.Background(), connect.SessionConfig{
		Backend: &mock.Backend{OpenError: errDown},
		Bridge:  newBridge(t),
		Cache:   &mock.Cache{Stored: testCreds},
		Metrics: testMetrics(t),
	})
	if !errors.Is(err, errDown) {
		t.Fatalf("err = %v, want %v", err, errDown)
	}
}

func TestNewSession_RequiresBackendAndBridge(t *testing.T) {
	if _, err := connect.NewSession(context.Background(), connect.SessionConfig{Bridge: newBridge(t)}); err == nil {
		t.Error("expected error without backend")
	}
	if _, err := connect.NewSession(context.Background(), connect.SessionConfig{Backend: &mock.Backend{}}); err == nil {
		t.Error("expected error without bridge")
	}
}

func TestSession_CurrentReusesValidHandle(t *testing.T) {
	s, backend := newTestSession(t)

	h1, _, err := s.Current(context.Background())
	if err != nil {
		t.Fatalf("Current: %v", err)
	}
	h2, _, err := s.Current(context.Background())
	if err != nil {
		t.Fatalf("Current: %v", err)
	}
	if h1 != h2 {
		t.Error("valid handle was replaced")
	}
	if n := len(backend.Handles()); n != 1 {
		t.Errorf("handles opened = %d, want 1", n)
	}
}

func TestSession_CurrentRebuildsInvalidHandle(t *testing.T) {
	s, backend := newTestSession(t)
	old := backend.Handles()[0]
	oldPlayer := backend.Players()[0]
	old.Invalidate()

	if err := s.Check(context.Background()); err == nil {
		t.Error("Check should fail with an invalid handle")
	}

	h, p, err := s.Current(context.Background())
	if err != nil {
		t.Fatalf("Current: %v", err)
	}
	if h == connect.Handle(old) {
		t.Fatal("invalid handle was reused")
	}
	if p == connect.Player(oldPlayer) {
		t.Error("player was not rebuilt with the session")
	}
	if old.Closes() != 1 {
		t.Errorf("old handle closes = %d, want 1", old.Closes())
	}
	if oldPlayer.Closes() != 1 {
		t.Errorf("old player closes = %d, want 1", oldPlayer.Closes())
	}
}

func TestSession_ForwardsPlayerEvents(t *testing.T) {
	s, backend := newTestSession(t)
	want := connect.Event{Kind: connect.EventPlaying, Track: connect.Track{Title: "Song"}}
	backend.Players()[0].Emit(want)

	select {
	case got := <-s.Events():
		if got.Kind != want.Kind || got.Track.Title != want.Track.Title {
			t.Errorf("event = %+v, want %+v", got, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("event was not forwarded")
	}
}

func TestSession_Close(t *testing.T) {
	s, backend := newTestSession(t)

	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if backend.Handles()[0].Closes() != 1 {
		t.Error("handle not closed exactly once")
	}
	if backend.Players()[0].Closes() != 1 {
		t.Error("player not closed exactly once")
	}
	if _, _, err := s.Current(context.Background()); !errors.Is(err, connect.ErrSessionClosed) {
		t.Errorf("Current after Close: err = %v, want ErrSessionClosed", err)
	}
	if err := s.Check(context.Background()); !errors.Is(err, connect.ErrSessionClosed) {
		t.Errorf("Check after Close: err = %v, want ErrSessionClosed", err)
	}
}
