package registry

import (
	"sync"

	"github.com/odin-stream/streamgate/internal/wire"
)

// PushResult describes the outcome of an outbound enqueue.
type PushResult int

const (
	// PushOK: message queued with free capacity.
	PushOK PushResult = iota
	// PushDroppedOldest: queue was full, the oldest non-critical
	// message was evicted to admit the new one.
	PushDroppedOldest
	// PushDroppedIncoming: queue was full of critical messages and
	// the incoming message was non-critical, so it was dropped.
	PushDroppedIncoming
	// PushRejectedCritical: queue was full and a critical message
	// could not be admitted cleanly. The connection must be
	// disconnected.
	PushRejectedCritical
	// PushClosed: the queue is closed.
	PushClosed
)

// Outbound is the per-connection bounded FIFO of shared byte buffers.
// A single writer pump consumes it; any number of producers push.
//
// Back-pressure policy on overflow: drop the oldest non-critical
// message to admit the new one. A critical message that cannot be
// admitted without dropping marks the connection for disconnect.
type Outbound struct {
	mu     sync.Mutex
	items  []*wire.Buffer
	cap    int
	closed bool

	// ready wakes the writer pump; buffered so producers never block.
	ready chan struct{}
	// done is closed exactly once when the queue closes.
	done chan struct{}
}

func NewOutbound(capacity int) *Outbound {
	if capacity < 1 {
		capacity = 1
	}
	return &Outbound{
		items: make([]*wire.Buffer, 0, capacity),
		cap:   capacity,
		ready: make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
}

// Push takes ownership of one reference on buf. On drop paths the
// evicted buffer's reference is released here.
func (q *Outbound) Push(buf *wire.Buffer) PushResult {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		buf.Release()
		return PushClosed
	}

	result := PushOK
	if len(q.items) >= q.cap {
		if i := q.oldestNonCriticalLocked(); i >= 0 {
			evicted := q.items[i]
			q.items = append(q.items[:i], q.items[i+1:]...)
			evicted.Release()
			if buf.Critical() {
				result = PushRejectedCritical
			} else {
				result = PushDroppedOldest
			}
		} else {
			// Every queued message is critical.
			q.mu.Unlock()
			buf.Release()
			if buf.Critical() {
				return PushRejectedCritical
			}
			return PushDroppedIncoming
		}
	}

	q.items = append(q.items, buf)
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
	return result
}

func (q *Outbound) oldestNonCriticalLocked() int {
	for i, b := range q.items {
		if !b.Critical() {
			return i
		}
	}
	return -1
}

// Pop removes the head of the queue. Returns nil when empty.
// The caller assumes the buffer reference and must release it.
func (q *Outbound) Pop() *wire.Buffer {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	buf := q.items[0]
	q.items = q.items[1:]
	return buf
}

// Ready returns the writer wake-up channel.
func (q *Outbound) Ready() <-chan struct{} {
	return q.ready
}

// Done is closed when the queue closes; the writer pump exits on it.
func (q *Outbound) Done() <-chan struct{} {
	return q.done
}

// Len returns the current depth.
func (q *Outbound) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close releases every queued buffer and wakes the writer so it can
// exit. Idempotent.
func (q *Outbound) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	for _, b := range q.items {
		b.Release()
	}
	q.items = nil
	q.mu.Unlock()
	close(q.done)
}

// Closed reports whether the queue has been closed.
func (q *Outbound) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}
