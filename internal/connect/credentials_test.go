package connect_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/MrWong99/aoede/internal/connect"
	"github.com/MrWong99/aoede/internal/connect/mock"
	"github.com/zalando/go-keyring"
)

func TestCredentials_CloneIsDeep(t *testing.T) {
	c := testCreds.Clone()
	c.AuthData[0] = 'X'
	if testCreds.AuthData[0] == 'X' {
		t.Error("Clone shares AuthData with the original")
	}
}

func TestCredentials_StringRedacts(t *testing.T) {
	s := testCreds.String()
	if strings.Contains(s, "token") {
		t.Errorf("String() leaks auth data: %s", s)
	}
	if !strings.Contains(s, "alice") {
		t.Errorf("String() = %s, want username", s)
	}
}

func TestFileCache_RoundTrip(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "cache")
	c := connect.NewFileCache(dir)
	ctx := context.Background()

	if _, err := c.Load(ctx); !errors.Is(err, connect.ErrNoCredentials) {
		t.Fatalf("Load on empty cache: err = %v, want ErrNoCredentials", err)
	}
	if err := c.Save(ctx, testCreds); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := c.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Username != testCreds.Username || string(got.AuthData) != string(testCreds.AuthData) {
		t.Errorf("Load = %v, want %v", got, testCreds)
	}

	info, err := os.Stat(c.Path())
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		t.Errorf("credentials file mode = %v, want owner-only", perm)
	}
}

func TestFileCache_CorruptFile(t *testing.T) {
	dir := t.TempDir()
	c := connect.NewFileCache(dir)
	if err := os.WriteFile(c.Path(), []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}
	_, err := c.Load(context.Background())
	if err == nil || errors.Is(err, connect.ErrNoCredentials) {
		t.Errorf("err = %v, want a parse error", err)
	}
}

func TestKeyringCache_RoundTrip(t *testing.T) {
	keyring.MockInit()
	c := connect.NewKeyringCache(connect.KeyringService, t.TempDir())
	ctx := context.Background()

	if _, err := c.Load(ctx); !errors.Is(err, connect.ErrNoCredentials) {
		t.Fatalf("Load on empty keyring: err = %v, want ErrNoCredentials", err)
	}
	if err := c.Save(ctx, testCreds); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := c.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Username != "alice" {
		t.Errorf("username = %q, want alice", got.Username)
	}
}

func TestChainCache_LoadFallsThrough(t *testing.T) {
	empty := &mock.Cache{}
	full := &mock.Cache{Stored: testCreds}
	c := connect.NewChainCache(empty, full)

	got, err := c.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Username != "alice" {
		t.Errorf("username = %q, want alice", got.Username)
	}
}

func TestChainCache_MissesKeepPrimaryInRotation(t *testing.T) {
	empty := &mock.Cache{}
	full := &mock.Cache{Stored: testCreds}
	c := connect.NewChainCache(empty, full)

	// Well past the breaker's default failure budget.
	const loads = 12
	for i := range loads {
		if _, err := c.Load(context.Background()); err != nil {
			t.Fatalf("load %d: %v", i, err)
		}
	}
	if got := empty.Loads(); got != loads {
		t.Errorf("primary loads = %d, want %d: a miss must not open its breaker", got, loads)
	}

	// Once the primary has credentials it answers first again.
	empty.Stored = testCreds
	if _, err := c.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := full.Loads(); got != loads {
		t.Errorf("fallback loads = %d, want %d", got, loads)
	}
}

func TestChainCache_AllEmpty(t *testing.T) {
	c := connect.NewChainCache(&mock.Cache{}, &mock.Cache{})
	if _, err := c.Load(context.Background()); !errors.Is(err, connect.ErrNoCredentials) {
		t.Errorf("err = %v, want ErrNoCredentials", err)
	}
}

func TestChainCache_SaveSucceedsIfAnyMemberDoes(t *testing.T) {
	broken := &mock.Cache{SaveError: errors.New("locked")}
	ok := &mock.Cache{}
	c := connect.NewChainCache(broken, ok)

	if err := c.Save(context.Background(), testCreds); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if len(broken.Saves()) != 1 || len(ok.Saves()) != 1 {
		t.Error("Save did not reach every member")
	}

	all := connect.NewChainCache(&mock.Cache{SaveError: errors.New("a")}, &mock.Cache{SaveError: errors.New("b")})
	if err := all.Save(context.Background(), testCreds); err == nil {
		t.Error("expected error when every member fails")
	}
}

func TestNewCredentialCache(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		store   string
		wantNil bool
		wantErr bool
	}{
		{store: connect.StoreFile},
		{store: ""},
		{store: connect.StoreKeyring},
		{store: connect.StoreBoth},
		{store: connect.StoreNone, wantNil: true},
		{store: "floppy", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.store, func(t *testing.T) {
			c, err := connect.NewCredentialCache(tt.store, dir)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if (c == nil) != tt.wantNil {
				t.Errorf("cache = %v, wantNil %v", c, tt.wantNil)
			}
		})
	}
}
