package pipeline

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// TransferQueue is a bounded FIFO of raw frames between the source and the
// decoder. Push never blocks: when the queue is full the oldest frame is
// discarded to make room, because only the most recent data matters to
// readers. Ownership of a pushed frame passes to the queue and then to
// whoever pops it.
type TransferQueue struct {
	mu      sync.Mutex // serialises Push and Close
	ch      chan []byte
	closed  bool
	dropped atomic.Int64
}

// NewTransferQueue creates a queue holding at most capacity frames.
func NewTransferQueue(capacity int) *TransferQueue {
	if capacity < 1 {
		capacity = 1
	}
	return &TransferQueue{ch: make(chan []byte, capacity)}
}

// Push enqueues frame. It returns ErrQueueOverflow when an older frame had
// to be dropped (frame itself was still enqueued) and ErrQueueClosed after
// Close.
func (q *TransferQueue) Push(frame []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueClosed
	}

	select {
	case q.ch <- frame:
		return nil
	default:
	}

	// full: evict the oldest frame, unless the decoder just took it
	select {
	case <-q.ch:
		q.dropped.Add(1)
	default:
	}

	select {
	case q.ch <- frame:
	default:
		// only reachable with a second producer; the new frame loses
		q.dropped.Add(1)
	}
	return ErrQueueOverflow
}

// Pop returns the oldest frame, waiting at most timeout. ok is false on
// timeout, when ctx is done, or when the queue is closed and empty.
func (q *TransferQueue) Pop(ctx context.Context, timeout time.Duration) (frame []byte, ok bool) {
	select {
	case frame, ok = <-q.ch:
		return frame, ok
	default:
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case frame, ok = <-q.ch:
		return frame, ok
	case <-ctx.Done():
		return nil, false
	case <-timer.C:
		return nil, false
	}
}

// Close stops accepting frames. Frames already queued can still be popped.
// It is safe to call Close multiple times.
func (q *TransferQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.ch)
}

// Closed reports whether Close has been called.
func (q *TransferQueue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Len returns the number of queued frames.
func (q *TransferQueue) Len() int { return len(q.ch) }

// Cap returns the queue capacity.
func (q *TransferQueue) Cap() int { return cap(q.ch) }

// Dropped returns how many frames were discarded on overflow.
func (q *TransferQueue) Dropped() int64 { return q.dropped.Load() }
