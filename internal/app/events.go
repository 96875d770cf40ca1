package app

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/aoede/internal/connect"
)

const (
	subscriberBuffer = 64
	writeTimeout     = 5 * time.Second
)

type subscriber struct {
	ch       chan connect.Event
	reliable bool
}

// eventHub fans the session's player events out to the Discord follower
// and to websocket clients. Reliable subscribers apply backpressure; the
// others drop events when they fall behind.
type eventHub struct {
	mu   sync.Mutex
	subs map[*subscriber]struct{}
	last *connect.Event
}

func newEventHub() *eventHub {
	return &eventHub{subs: make(map[*subscriber]struct{})}
}

// subscribe registers a new subscriber. The returned func unsubscribes.
func (h *eventHub) subscribe(reliable bool) (<-chan connect.Event, func()) {
	s := &subscriber{ch: make(chan connect.Event, subscriberBuffer), reliable: reliable}
	h.mu.Lock()
	h.subs[s] = struct{}{}
	h.mu.Unlock()
	return s.ch, func() {
		h.mu.Lock()
		delete(h.subs, s)
		h.mu.Unlock()
	}
}

// latest returns the most recent event, if any.
func (h *eventHub) latest() (connect.Event, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.last == nil {
		return connect.Event{}, false
	}
	return *h.last, true
}

func (h *eventHub) publish(ctx context.Context, ev connect.Event) {
	h.mu.Lock()
	h.last = &ev
	subs := make([]*subscriber, 0, len(h.subs))
	for s := range h.subs {
		subs = append(subs, s)
	}
	h.mu.Unlock()

	for _, s := range subs {
		if s.reliable {
			select {
			case s.ch <- ev:
			case <-ctx.Done():
				return
			}
			continue
		}
		select {
		case s.ch <- ev:
		default:
			slog.Debug("app: event subscriber behind, dropping event", "kind", ev.Kind)
		}
	}
}

// run publishes everything from in until ctx is cancelled or in closes.
func (h *eventHub) run(ctx context.Context, in <-chan connect.Event) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-in:
			if !ok {
				return nil
			}
			h.publish(ctx, ev)
		}
	}
}

// ServeHTTP streams events as JSON text messages over a websocket. The
// latest event is sent first so new clients see the current state.
func (h *eventHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Warn("app: websocket accept", "err", err)
		return
	}
	defer c.CloseNow()

	ctx := c.CloseRead(r.Context())
	events, unsubscribe := h.subscribe(false)
	defer unsubscribe()

	if ev, ok := h.latest(); ok {
		if err := h.write(ctx, c, ev); err != nil {
			return
		}
	}
	for {
		select {
		case <-ctx.Done():
			c.Close(websocket.StatusNormalClosure, "")
			return
		case ev := <-events:
			if err := h.write(ctx, c, ev); err != nil {
				slog.Debug("app: websocket write", "err", err)
				return
			}
		}
	}
}

func (h *eventHub) write(ctx context.Context, c *websocket.Conn, ev connect.Event) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, c, ev)
}
