package bridge

// Observer receives bridge activity for metrics and periodic diagnostics.
// Implementations must be safe for concurrent use: packet callbacks arrive on
// the decoder goroutine, read callbacks on the transport goroutine.
type Observer interface {
	// PacketWritten is called for every accepted packet with its frame count.
	PacketWritten(frames int)

	// PacketDropped is called for every skipped packet.
	PacketDropped(err error)

	// FramesRead is called after every successful Read with the number of
	// frames handed to the transport.
	FramesRead(frames int)

	// Reset is called after every completed Reset with the number of pending
	// frames that were discarded.
	Reset(discarded int)
}

// NopObserver ignores everything.
type NopObserver struct{}

func (NopObserver) PacketWritten(int)   {}
func (NopObserver) PacketDropped(error) {}
func (NopObserver) FramesRead(int)      {}
func (NopObserver) Reset(int)           {}
