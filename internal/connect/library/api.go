package library

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

// commandTimeout bounds how long an API request waits for the device's Run
// loop.
const commandTimeout = 5 * time.Second

// Routes returns the control API. Mount it under /connect:
//
//	GET  /devices
//	GET  /tracks
//	POST /devices/{id}/play    {"track": "artist/song.mp3"}
//	POST /devices/{id}/pause
//	POST /devices/{id}/resume
//	POST /devices/{id}/stop
//	POST /devices/{id}/volume  {"volume": 0.5}
func (b *Backend) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/devices", b.handleListDevices)
	r.Get("/tracks", b.handleListTracks)
	r.Route("/devices/{id}", func(r chi.Router) {
		r.Post("/play", b.handlePlay)
		r.Post("/pause", b.command(func(ctx context.Context, p *Player) error { return p.Pause(ctx) }))
		r.Post("/resume", b.command(func(ctx context.Context, p *Player) error { return p.Resume(ctx) }))
		r.Post("/stop", b.command(func(ctx context.Context, p *Player) error { return p.Stop(ctx) }))
		r.Post("/volume", b.handleVolume)
	})
	return r
}

// Tracks lists every decodable file below the library root, slash-separated
// and sorted.
func (b *Backend) Tracks() ([]string, error) {
	var out []string
	err := fs.WalkDir(b.root.FS(), ".", func(name string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && Supported(name) {
			out = append(out, name)
		}
		return nil
	})
	return out, err
}

func (b *Backend) handleListDevices(w http.ResponseWriter, _ *http.Request) {
	devices := b.devices.list()
	out := make([]DeviceInfo, 0, len(devices))
	for _, ch := range devices {
		out = append(out, ch.Info())
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": out})
}

func (b *Backend) handleListTracks(w http.ResponseWriter, _ *http.Request) {
	tracks, err := b.Tracks()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if tracks == nil {
		tracks = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tracks": tracks})
}

type playRequest struct {
	Track string `json:"track"`
}

func (b *Backend) handlePlay(w http.ResponseWriter, r *http.Request) {
	var req playRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Track == "" {
		writeError(w, http.StatusBadRequest, errors.New("body must be {\"track\": \"<path>\"}"))
		return
	}
	b.command(func(ctx context.Context, p *Player) error {
		return p.Play(ctx, req.Track)
	})(w, r)
}

type volumeRequest struct {
	Volume *float64 `json:"volume"`
}

func (b *Backend) handleVolume(w http.ResponseWriter, r *http.Request) {
	ch, ok := b.devices.get(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, errors.New("unknown device"))
		return
	}
	var req volumeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Volume == nil {
		writeError(w, http.StatusBadRequest, errors.New("body must be {\"volume\": <0..1>}"))
		return
	}
	ch.SetVolume(*req.Volume)
	writeJSON(w, http.StatusOK, ch.Info())
}

// command returns a handler that runs fn on the addressed device's player.
func (b *Backend) command(fn func(context.Context, *Player) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ch, ok := b.devices.get(chi.URLParam(r, "id"))
		if !ok {
			writeError(w, http.StatusNotFound, errors.New("unknown device"))
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), commandTimeout)
		defer cancel()

		if err := ch.do(ctx, fn); err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, ch.Info())
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidTrack):
		return http.StatusBadRequest
	case errors.Is(err, ErrUnsupportedFormat):
		return http.StatusUnsupportedMediaType
	case errors.Is(err, ErrDeviceHidden), errors.Is(err, ErrNotPlaying):
		return http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, ErrPlayerClosed):
		return http.StatusGone
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("library: write response", "err", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
