package bridge

import "github.com/MrWong99/aoede/pkg/audio"

// entry is a queued frame stamped with the track epoch it was produced in.
type entry struct {
	frame audio.Frame
	epoch uint64
}

// FrameQueue is a bounded single-producer/single-consumer conduit of stereo
// frames. Send blocks while the queue is full, which is how a slow consumer
// applies backpressure to the decoder.
//
// Every frame carries the epoch it was produced in so the consumer can tell
// leftovers of a previous track apart from fresh audio.
type FrameQueue struct {
	ch chan entry
}

// NewFrameQueue returns a queue holding up to capacity frames. A capacity
// below one is raised to one.
func NewFrameQueue(capacity int) *FrameQueue {
	if capacity < 1 {
		capacity = 1
	}
	return &FrameQueue{ch: make(chan entry, capacity)}
}

// Send enqueues f, blocking while the queue is full. It returns false without
// enqueuing if done is closed first.
func (q *FrameQueue) Send(f audio.Frame, epoch uint64, done <-chan struct{}) bool {
	select {
	case q.ch <- entry{frame: f, epoch: epoch}:
		return true
	case <-done:
		return false
	}
}

// Recv blocks until a frame is available, done is closed or cancel is
// closed. Queued frames are still delivered after done is closed; ok is false
// only once the queue is empty and done is closed, or when cancel fires
// first. A nil cancel never fires.
func (q *FrameQueue) Recv(done, cancel <-chan struct{}) (f audio.Frame, epoch uint64, ok bool) {
	select {
	case e := <-q.ch:
		return e.frame, e.epoch, true
	default:
	}
	select {
	case e := <-q.ch:
		return e.frame, e.epoch, true
	case <-done:
		return audio.Frame{}, 0, false
	case <-cancel:
		return audio.Frame{}, 0, false
	}
}

// TryRecv returns the next frame if one is immediately available.
func (q *FrameQueue) TryRecv() (f audio.Frame, epoch uint64, ok bool) {
	select {
	case e := <-q.ch:
		return e.frame, e.epoch, true
	default:
		return audio.Frame{}, 0, false
	}
}

// Drain discards every queued frame and returns how many were removed.
func (q *FrameQueue) Drain() int {
	n := 0
	for {
		select {
		case <-q.ch:
			n++
		default:
			return n
		}
	}
}

// Len returns the number of queued frames.
func (q *FrameQueue) Len() int { return len(q.ch) }

// Cap returns the queue capacity in frames.
func (q *FrameQueue) Cap() int { return cap(q.ch) }
