package connect

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/aoede/internal/observe"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// DefaultGrace is how long Disable waits for a pause to settle.
const DefaultGrace = 100 * time.Millisecond

// State is the lifecycle state of the control channel.
type State int

const (
	// StateAbsent means no control channel exists.
	StateAbsent State = iota

	// StateSuspended is transient while a control channel is being built.
	StateSuspended

	// StateActive means a control channel exists. It may be paused by
	// Disable but is kept for cheap reactivation.
	StateActive
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateAbsent:
		return "absent"
	case StateSuspended:
		return "suspended"
	case StateActive:
		return "active"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// ControlOptions configures a [ControlManager].
type ControlOptions struct {
	// Config is passed to every control channel built.
	Config ControlConfig

	// Grace is the settle time after Disable. Zero means [DefaultGrace].
	Grace time.Duration

	// Metrics defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics
}

// ControlManager owns the control channel bound to a [Session] and drives it
// through enable, disable, reactivation and rebuild.
//
// Enable and Disable are not re-entrant with each other. Callers serialise
// them; the accessors are safe to call from anywhere.
type ControlManager struct {
	base    context.Context
	session *Session
	cfg     ControlConfig
	grace   time.Duration
	metrics *observe.Metrics

	mu      sync.Mutex
	state   State
	channel ControlChannel
	cancel  context.CancelFunc

	tasks sync.WaitGroup
}

// NewControlManager returns a manager in [StateAbsent]. Control-channel tasks
// run under base and are cancelled with it.
func NewControlManager(base context.Context, session *Session, opts ControlOptions) *ControlManager {
	if opts.Grace <= 0 {
		opts.Grace = DefaultGrace
	}
	if opts.Metrics == nil {
		opts.Metrics = observe.DefaultMetrics()
	}
	return &ControlManager{
		base:    base,
		session: session,
		cfg:     opts.Config,
		grace:   opts.Grace,
		metrics: opts.Metrics,
	}
}

// State returns the current state.
func (m *ControlManager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Channel returns the live control channel, or nil when none exists.
func (m *ControlManager) Channel() ControlChannel {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.channel
}

// Enable makes this device selectable. From [StateActive] it first tries to
// reactivate the existing channel; a failed reactivation is logged and
// falls through to a full rebuild. A failed build leaves the manager in
// [StateAbsent] and returns an error wrapping [ErrControlChannelBuild].
func (m *ControlManager) Enable(ctx context.Context) (err error) {
	ctx, span := observe.StartSpan(ctx, "connect.enable")
	start := time.Now()
	defer func() {
		m.metrics.EnableDuration.Record(ctx, time.Since(start).Seconds())
		observe.EndSpan(span, err)
	}()

	if m.State() == StateActive {
		rerr := m.reactivate(ctx, span)
		if rerr == nil {
			return nil
		}
		observe.Logger(ctx).Warn("connect: reactivation failed, rebuilding control channel",
			"err", rerr)
		m.discard(ctx)
	}
	return m.build(ctx)
}

func (m *ControlManager) reactivate(ctx context.Context, span trace.Span) error {
	m.mu.Lock()
	ch := m.channel
	m.mu.Unlock()
	if ch == nil {
		return ErrReactivation
	}

	if err := m.session.Bridge().Reset(); err != nil {
		slog.Warn("connect: bridge reset failed", "err", err)
	}
	if err := ch.Activate(); err != nil {
		m.metrics.RecordReactivation(ctx, "error")
		span.SetAttributes(attribute.Bool("connect.reactivated", false))
		return fmt.Errorf("%w: %w", ErrReactivation, err)
	}
	m.metrics.RecordReactivation(ctx, "ok")
	span.SetAttributes(attribute.Bool("connect.reactivated", true))
	slog.Info("connect: control channel reactivated")
	return nil
}

// discard cancels the current channel's task and forgets it.
func (m *ControlManager) discard(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	m.channel = nil
	m.setStateLocked(ctx, StateAbsent)
}

func (m *ControlManager) build(ctx context.Context) error {
	m.mu.Lock()
	m.setStateLocked(ctx, StateSuspended)
	m.mu.Unlock()

	ch, err := m.newChannel(ctx)
	if err != nil {
		m.mu.Lock()
		m.setStateLocked(ctx, StateAbsent)
		m.mu.Unlock()
		return fmt.Errorf("%w: %w", ErrControlChannelBuild, err)
	}

	taskCtx, cancel := context.WithCancel(m.base)
	m.mu.Lock()
	m.channel = ch
	m.cancel = cancel
	m.setStateLocked(ctx, StateActive)
	m.mu.Unlock()

	m.metrics.ControlRebuilds.Add(ctx, 1)
	m.tasks.Add(1)
	go m.run(taskCtx, ch)

	slog.Info("connect: control channel built", "device", m.cfg.DeviceName)
	return nil
}

func (m *ControlManager) newChannel(ctx context.Context) (ControlChannel, error) {
	if err := m.session.Bridge().Reset(); err != nil {
		slog.Warn("connect: bridge reset failed", "err", err)
	}
	h, p, err := m.session.Current(ctx)
	if err != nil {
		return nil, err
	}
	return m.session.backend.NewControlChannel(ctx, m.cfg, h, m.session.Credentials(), p)
}

func (m *ControlManager) run(ctx context.Context, ch ControlChannel) {
	defer m.tasks.Done()
	err := ch.Run(ctx)
	switch {
	case err == nil, errors.Is(err, context.Canceled):
		slog.Debug("connect: control channel task finished")
	default:
		slog.Warn("connect: control channel task failed", "err", err)
	}
}

// Disable pauses playback on the live channel and waits the grace period.
// The channel is kept so the next Enable can reactivate it. Without a
// channel Disable does nothing.
func (m *ControlManager) Disable(ctx context.Context) error {
	ctx, span := observe.StartSpan(ctx, "connect.disable")
	defer span.End()

	m.mu.Lock()
	ch, state := m.channel, m.state
	m.mu.Unlock()
	if state != StateActive || ch == nil {
		return nil
	}

	if err := ch.Disconnect(true); err != nil {
		span.RecordError(err)
		observe.Logger(ctx).Warn("connect: control channel disconnect failed", "err", err)
	}

	t := time.NewTimer(m.grace)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close cancels the live control-channel task and waits for every task
// started by this manager to return.
func (m *ControlManager) Close() {
	m.discard(m.base)
	m.tasks.Wait()
}

func (m *ControlManager) setStateLocked(ctx context.Context, to State) {
	if m.state == to {
		return
	}
	from := m.state
	m.state = to
	m.metrics.RecordTransition(ctx, from.String(), to.String())
	slog.Debug("connect: control state changed", "from", from, "to", to)
}
