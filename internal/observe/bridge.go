package observe

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/MrWong99/aoede/pkg/audio/bridge"
)

var _ bridge.Observer = (*BridgeObserver)(nil)

// BridgeObserver feeds audio bridge activity into [Metrics] and logs a
// progress line every logEvery accepted packets.
type BridgeObserver struct {
	metrics  *Metrics
	logEvery uint64

	packets atomic.Uint64
}

// NewBridgeObserver returns an observer recording into m. A logEvery of zero
// disables the periodic log line.
func NewBridgeObserver(m *Metrics, logEvery int) *BridgeObserver {
	return &BridgeObserver{metrics: m, logEvery: uint64(max(logEvery, 0))}
}

// Packets returns the number of packets accepted so far.
func (o *BridgeObserver) Packets() uint64 { return o.packets.Load() }

// PacketWritten implements [bridge.Observer].
func (o *BridgeObserver) PacketWritten(frames int) {
	n := o.packets.Add(1)
	o.metrics.BridgePackets.Add(context.Background(), 1)
	if o.logEvery > 0 && n%o.logEvery == 0 {
		slog.Info("bridge: packets written", "count", n, "last_frames", frames)
	}
}

// PacketDropped implements [bridge.Observer].
func (o *BridgeObserver) PacketDropped(error) {
	o.metrics.BridgePacketsDropped.Add(context.Background(), 1)
}

// FramesRead implements [bridge.Observer].
func (o *BridgeObserver) FramesRead(frames int) {
	o.metrics.BridgeFramesRead.Add(context.Background(), int64(frames))
}

// Reset implements [bridge.Observer].
func (o *BridgeObserver) Reset(discarded int) {
	ctx := context.Background()
	o.metrics.BridgeResets.Add(ctx, 1)
	if discarded > 0 {
		o.metrics.BridgeFramesDiscarded.Add(ctx, int64(discarded))
	}
}
