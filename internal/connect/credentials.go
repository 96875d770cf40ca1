package connect

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/MrWong99/aoede/internal/resilience"
	"github.com/zalando/go-keyring"
)

// AuthType identifies how AuthData is to be interpreted by the backend.
type AuthType string

const (
	// AuthTypeStored is a reusable token previously issued by the service.
	AuthTypeStored AuthType = "stored"

	// AuthTypeBlob is an encrypted blob handed over during pairing.
	AuthTypeBlob AuthType = "blob"

	// AuthTypePassword is a plain username/password pair.
	AuthTypePassword AuthType = "password"
)

// Credentials is opaque authentication material for the remote session.
// Pass copies made with [Credentials.Clone] to every subsystem that keeps
// them.
type Credentials struct {
	Username string   `json:"username"`
	AuthType AuthType `json:"auth_type"`
	AuthData []byte   `json:"auth_data"`
}

// Clone returns a deep copy of c.
func (c Credentials) Clone() Credentials {
	c.AuthData = append([]byte(nil), c.AuthData...)
	return c
}

// IsZero reports whether c carries no username.
func (c Credentials) IsZero() bool { return c.Username == "" }

// String redacts AuthData so credentials can be logged safely.
func (c Credentials) String() string {
	return fmt.Sprintf("Credentials{Username: %q, AuthType: %s, AuthData: %d bytes}", c.Username, c.AuthType, len(c.AuthData))
}

// CredentialCache persists credentials between runs.
type CredentialCache interface {
	// Load returns the cached credentials or [ErrNoCredentials].
	Load(ctx context.Context) (Credentials, error)

	// Save stores creds, replacing whatever was cached.
	Save(ctx context.Context, creds Credentials) error
}

// Credential store names accepted by [NewCredentialCache].
const (
	StoreFile    = "file"
	StoreKeyring = "keyring"
	StoreBoth    = "both"
	StoreNone    = "none"
)

// NewCredentialCache builds the cache for store. StoreNone returns a nil
// cache: credentials are obtained by pairing on every start and never saved.
func NewCredentialCache(store, dir string) (CredentialCache, error) {
	switch store {
	case StoreFile, "":
		return NewFileCache(dir), nil
	case StoreKeyring:
		return NewKeyringCache(KeyringService, dir), nil
	case StoreBoth:
		return NewChainCache(NewKeyringCache(KeyringService, dir), NewFileCache(dir)), nil
	case StoreNone:
		return nil, nil
	default:
		return nil, fmt.Errorf("connect: unknown credential store %q", store)
	}
}

// ─── file ────────────────────────────────────────────────────────────────────

// credentialsFile is the file name used inside the cache directory.
const credentialsFile = "credentials.json"

// FileCache stores credentials as JSON in <dir>/credentials.json.
type FileCache struct {
	dir string
}

// NewFileCache returns a cache rooted at dir. The directory is created on the
// first Save.
func NewFileCache(dir string) *FileCache {
	return &FileCache{dir: dir}
}

// Path returns the credentials file path.
func (c *FileCache) Path() string { return filepath.Join(c.dir, credentialsFile) }

// Load implements [CredentialCache].
func (c *FileCache) Load(_ context.Context) (Credentials, error) {
	data, err := os.ReadFile(c.Path())
	if errors.Is(err, os.ErrNotExist) {
		return Credentials{}, ErrNoCredentials
	}
	if err != nil {
		return Credentials{}, fmt.Errorf("connect: read credentials: %w", err)
	}
	var creds Credentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return Credentials{}, fmt.Errorf("connect: parse %s: %w", c.Path(), err)
	}
	if creds.IsZero() {
		return Credentials{}, ErrNoCredentials
	}
	return creds, nil
}

// Save implements [CredentialCache]. The file is replaced atomically.
func (c *FileCache) Save(_ context.Context, creds Credentials) error {
	if err := os.MkdirAll(c.dir, 0o700); err != nil {
		return fmt.Errorf("connect: create cache dir: %w", err)
	}
	data, err := json.MarshalIndent(creds, "", "  ")
	if err != nil {
		return fmt.Errorf("connect: encode credentials: %w", err)
	}
	tmp, err := os.CreateTemp(c.dir, credentialsFile+".*")
	if err != nil {
		return fmt.Errorf("connect: write credentials: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("connect: write credentials: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("connect: write credentials: %w", err)
	}
	if err := os.Rename(tmp.Name(), c.Path()); err != nil {
		return fmt.Errorf("connect: write credentials: %w", err)
	}
	return nil
}

// ─── keyring ─────────────────────────────────────────────────────────────────

// KeyringService is the service name under which credentials are stored in
// the OS keyring.
const KeyringService = "aoede"

// KeyringCache stores credentials as a JSON secret in the OS keyring.
type KeyringCache struct {
	service string
	user    string
}

// NewKeyringCache returns a cache keyed by (service, account). The cache
// directory is used as the account so several installs can coexist.
func NewKeyringCache(service, account string) *KeyringCache {
	if account == "" {
		account = "default"
	}
	return &KeyringCache{service: service, user: account}
}

// Load implements [CredentialCache].
func (c *KeyringCache) Load(_ context.Context) (Credentials, error) {
	secret, err := keyring.Get(c.service, c.user)
	if errors.Is(err, keyring.ErrNotFound) {
		return Credentials{}, ErrNoCredentials
	}
	if err != nil {
		return Credentials{}, fmt.Errorf("connect: keyring get: %w", err)
	}
	var creds Credentials
	if err := json.Unmarshal([]byte(secret), &creds); err != nil {
		return Credentials{}, fmt.Errorf("connect: parse keyring secret: %w", err)
	}
	if creds.IsZero() {
		return Credentials{}, ErrNoCredentials
	}
	return creds, nil
}

// Save implements [CredentialCache].
func (c *KeyringCache) Save(_ context.Context, creds Credentials) error {
	data, err := json.Marshal(creds)
	if err != nil {
		return fmt.Errorf("connect: encode credentials: %w", err)
	}
	if err := keyring.Set(c.service, c.user, string(data)); err != nil {
		return fmt.Errorf("connect: keyring set: %w", err)
	}
	return nil
}

// ─── chain ───────────────────────────────────────────────────────────────────

// ChainCache reads from the first cache that has credentials and writes to
// all of them. Each member sits behind its own circuit breaker so a broken
// keyring daemon is skipped quickly.
type ChainCache struct {
	members []CredentialCache
	group   *resilience.FallbackGroup[CredentialCache]
}

// NewChainCache chains primary with fallbacks in order.
func NewChainCache(primary CredentialCache, fallbacks ...CredentialCache) *ChainCache {
	g := resilience.NewFallbackGroup(primary, cacheName(primary), resilience.FallbackConfig{
		// A miss is an answer, not a broken store.
		IsFailure: func(err error) bool { return !errors.Is(err, ErrNoCredentials) },
	})
	for _, f := range fallbacks {
		g.AddFallback(cacheName(f), f)
	}
	return &ChainCache{
		members: append([]CredentialCache{primary}, fallbacks...),
		group:   g,
	}
}

// Load implements [CredentialCache].
func (c *ChainCache) Load(ctx context.Context) (Credentials, error) {
	creds, err := resilience.ExecuteWithResult(c.group, func(cc CredentialCache) (Credentials, error) {
		return cc.Load(ctx)
	})
	if err != nil {
		if errors.Is(err, resilience.ErrAllFailed) {
			return Credentials{}, fmt.Errorf("%w: %w", ErrNoCredentials, err)
		}
		return Credentials{}, err
	}
	return creds, nil
}

// Save implements [CredentialCache]. It succeeds if at least one member
// stored the credentials.
func (c *ChainCache) Save(ctx context.Context, creds Credentials) error {
	var errs []error
	for _, m := range c.members {
		if err := m.Save(ctx, creds); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", cacheName(m), err))
		}
	}
	if len(errs) == len(c.members) {
		return errors.Join(errs...)
	}
	return nil
}

func cacheName(c CredentialCache) string {
	switch c.(type) {
	case *FileCache:
		return "file"
	case *KeyringCache:
		return "keyring"
	default:
		return fmt.Sprintf("%T", c)
	}
}
