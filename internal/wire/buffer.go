package wire

import (
	"sync"
	"sync/atomic"
)

var bufferPool = sync.Pool{
	New: func() any { return new(Buffer) },
}

// Buffer is a reference-counted immutable byte buffer. A published
// message is serialized once into a Buffer; every recipient's
// outbound queue holds a reference to the same bytes.
//
// The producer creates the buffer with one reference, retains one per
// recipient, and releases its own when fan-out is done. Writer pumps
// and drop paths release theirs after use. The struct returns to the
// pool when the count reaches zero.
type Buffer struct {
	data     []byte
	refs     int32
	priority Priority
}

// NewBuffer wraps serialized bytes with an initial reference count of
// one (owned by the caller).
func NewBuffer(data []byte, priority Priority) *Buffer {
	b := bufferPool.Get().(*Buffer)
	b.data = data
	b.priority = priority
	atomic.StoreInt32(&b.refs, 1)
	return b
}

// Bytes returns the shared payload. Callers must not modify it.
func (b *Buffer) Bytes() []byte {
	return b.data
}

// Len returns the payload length.
func (b *Buffer) Len() int {
	return len(b.data)
}

// Priority returns the priority the buffer was published with.
func (b *Buffer) Priority() Priority {
	return b.priority
}

// Critical reports whether the buffer must never be dropped by
// outbound back-pressure.
func (b *Buffer) Critical() bool {
	return b.priority == PriorityCritical
}

// Retain adds a reference. Called once per recipient before enqueue.
func (b *Buffer) Retain() *Buffer {
	atomic.AddInt32(&b.refs, 1)
	return b
}

// Release drops a reference. The final release recycles the struct.
func (b *Buffer) Release() {
	if atomic.AddInt32(&b.refs, -1) == 0 {
		b.data = nil
		b.priority = PriorityNormal
		bufferPool.Put(b)
	}
}

// Refs returns the current reference count. Test hook.
func (b *Buffer) Refs() int32 {
	return atomic.LoadInt32(&b.refs)
}
