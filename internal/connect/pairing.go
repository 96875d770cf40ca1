package connect

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// Pairer obtains credentials interactively from a remote client.
type Pairer interface {
	// Pair advertises the device and blocks until a client hands over
	// credentials, ctx is cancelled or the pairer's timeout elapses.
	Pair(ctx context.Context) (Credentials, error)
}

// NewDeviceID returns a fresh device identifier of the form aoede-xxxxxxxx.
func NewDeviceID() string {
	return "aoede-" + uuid.NewString()[:8]
}

// PairingConfig configures a [ZeroconfPairer].
type PairingConfig struct {
	// DeviceName is shown to the user in the client's device list.
	DeviceName string

	// DeviceID identifies this device. Generated with [NewDeviceID] if empty.
	DeviceID string

	// Addr is the listen address of the pairing endpoint. Default: ":5355".
	Addr string

	// Timeout bounds how long Pair waits for a client. Default: 5m.
	Timeout time.Duration
}

// ZeroconfPairer serves the zeroconf pairing endpoint (getInfo / addUser)
// and resolves the first credentials a client submits. Decrypting the blob
// is the backend's job; the pairer hands it over verbatim.
type ZeroconfPairer struct {
	cfg PairingConfig

	mu      sync.Mutex
	waiting chan Credentials
	active  string
}

// NewZeroconfPairer returns a pairer for cfg with defaults applied.
func NewZeroconfPairer(cfg PairingConfig) *ZeroconfPairer {
	if cfg.DeviceID == "" {
		cfg.DeviceID = NewDeviceID()
	}
	if cfg.Addr == "" {
		cfg.Addr = ":5355"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Minute
	}
	return &ZeroconfPairer{cfg: cfg}
}

// DeviceID returns the advertised device id.
func (p *ZeroconfPairer) DeviceID() string { return p.cfg.DeviceID }

// Handler returns the pairing HTTP handler. It is exported so the endpoint
// can also be mounted on an existing server.
func (p *ZeroconfPairer) Handler() http.Handler {
	r := chi.NewRouter()
	r.Get("/", p.handleGet)
	r.Post("/", p.handlePost)
	return r
}

// Pair implements [Pairer]. It listens on the configured address for the
// duration of the call.
func (p *ZeroconfPairer) Pair(ctx context.Context) (Credentials, error) {
	ln, err := net.Listen("tcp", p.cfg.Addr)
	if err != nil {
		return Credentials{}, fmt.Errorf("%w: listen on %s: %w", ErrAuthenticationFailed, p.cfg.Addr, err)
	}
	return p.PairOn(ctx, ln)
}

// PairOn is Pair on an existing listener, which it closes before returning.
func (p *ZeroconfPairer) PairOn(ctx context.Context, ln net.Listener) (Credentials, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	waiting := make(chan Credentials, 1)
	p.mu.Lock()
	p.waiting = waiting
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.waiting = nil
		p.mu.Unlock()
	}()

	srv := &http.Server{
		Handler:           p.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("connect: pairing server failed", "err", err)
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	slog.Info("connect: waiting for pairing",
		"device_name", p.cfg.DeviceName,
		"device_id", p.cfg.DeviceID,
		"addr", ln.Addr().String(),
		"timeout", p.cfg.Timeout,
	)

	select {
	case creds := <-waiting:
		slog.Info("connect: received credentials", "username", creds.Username)
		return creds, nil
	case <-ctx.Done():
		return Credentials{}, fmt.Errorf("%w: pairing: %w", ErrAuthenticationFailed, ctx.Err())
	}
}

type zeroconfStatus struct {
	Status       int    `json:"status"`
	StatusString string `json:"statusString"`
	SpotifyError int    `json:"spotifyError"`
}

type zeroconfInfo struct {
	zeroconfStatus
	Version          string `json:"version"`
	DeviceID         string `json:"deviceID"`
	RemoteName       string `json:"remoteName"`
	ActiveUser       string `json:"activeUser"`
	DeviceType       string `json:"deviceType"`
	LibraryVersion   string `json:"libraryVersion"`
	AccountReq       string `json:"accountReq"`
	BrandDisplayName string `json:"brandDisplayName"`
	ModelDisplayName string `json:"modelDisplayName"`
	VoiceSupport     string `json:"voiceSupport"`
}

var statusOK = zeroconfStatus{Status: 101, StatusString: "OK"}

func (p *ZeroconfPairer) handleGet(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("action") != "getInfo" {
		http.Error(w, "unknown action", http.StatusBadRequest)
		return
	}
	p.mu.Lock()
	active := p.active
	p.mu.Unlock()

	writeJSON(w, http.StatusOK, zeroconfInfo{
		zeroconfStatus:   statusOK,
		Version:          "2.7.1",
		DeviceID:         p.cfg.DeviceID,
		RemoteName:       p.cfg.DeviceName,
		ActiveUser:       active,
		DeviceType:       "AUDIO_DONGLE",
		LibraryVersion:   "aoede",
		AccountReq:       "PREMIUM",
		BrandDisplayName: "aoede",
		ModelDisplayName: "aoede",
		VoiceSupport:     "NO",
	})
}

func (p *ZeroconfPairer) handlePost(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("action") != "addUser" {
		http.Error(w, "unknown action", http.StatusBadRequest)
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad form", http.StatusBadRequest)
		return
	}
	user := r.PostForm.Get("userName")
	blob := r.PostForm.Get("blob")
	if user == "" || blob == "" {
		http.Error(w, "userName and blob are required", http.StatusBadRequest)
		return
	}
	data, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		http.Error(w, "blob is not base64", http.StatusBadRequest)
		return
	}

	creds := Credentials{Username: user, AuthType: AuthTypeBlob, AuthData: data}

	p.mu.Lock()
	waiting := p.waiting
	p.active = user
	p.mu.Unlock()

	if waiting != nil {
		select {
		case waiting <- creds:
		default:
			// Already paired in this round; later submissions are ignored.
		}
	}
	writeJSON(w, http.StatusOK, statusOK)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("connect: write response", "err", err)
	}
}

// PasswordPairer hands out fixed username/password credentials without any
// client interaction.
type PasswordPairer struct {
	Username string
	Password string
}

// Pair implements [Pairer].
func (p PasswordPairer) Pair(context.Context) (Credentials, error) {
	if p.Username == "" || p.Password == "" {
		return Credentials{}, fmt.Errorf("%w: username and password are required", ErrAuthenticationFailed)
	}
	return Credentials{
		Username: p.Username,
		AuthType: AuthTypePassword,
		AuthData: []byte(p.Password),
	}, nil
}
