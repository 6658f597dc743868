package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odin-stream/streamgate/internal/wire"
)

func newBuf(p wire.Priority) *wire.Buffer {
	return wire.NewBuffer([]byte("payload"), p)
}

func TestOutboundFIFO(t *testing.T) {
	q := NewOutbound(4)

	a := newBuf(wire.PriorityNormal)
	b := newBuf(wire.PriorityNormal)
	assert.Equal(t, PushOK, q.Push(a))
	assert.Equal(t, PushOK, q.Push(b))
	assert.Equal(t, 2, q.Len())

	got := q.Pop()
	require.Same(t, a, got)
	got.Release()
	got = q.Pop()
	require.Same(t, b, got)
	got.Release()
	assert.Nil(t, q.Pop())
}

func TestOutboundOverflowDropsOldestNonCritical(t *testing.T) {
	q := NewOutbound(2)

	oldest := newBuf(wire.PriorityNormal)
	mid := newBuf(wire.PriorityNormal)
	incoming := newBuf(wire.PriorityNormal)
	require.Equal(t, PushOK, q.Push(oldest))
	require.Equal(t, PushOK, q.Push(mid))

	assert.Equal(t, PushDroppedOldest, q.Push(incoming))
	assert.Equal(t, 2, q.Len())

	// oldest was evicted; head is now mid.
	head := q.Pop()
	assert.Same(t, mid, head)
	head.Release()
	tail := q.Pop()
	assert.Same(t, incoming, tail)
	tail.Release()
}

func TestOutboundOverflowSkipsCriticalWhenEvicting(t *testing.T) {
	q := NewOutbound(2)

	crit := newBuf(wire.PriorityCritical)
	normal := newBuf(wire.PriorityNormal)
	require.Equal(t, PushOK, q.Push(crit))
	require.Equal(t, PushOK, q.Push(normal))

	incoming := newBuf(wire.PriorityNormal)
	assert.Equal(t, PushDroppedOldest, q.Push(incoming))

	// The critical message survives eviction.
	head := q.Pop()
	assert.Same(t, crit, head)
	head.Release()
}

func TestOutboundAllCriticalRejectsIncoming(t *testing.T) {
	q := NewOutbound(2)
	require.Equal(t, PushOK, q.Push(newBuf(wire.PriorityCritical)))
	require.Equal(t, PushOK, q.Push(newBuf(wire.PriorityCritical)))

	assert.Equal(t, PushDroppedIncoming, q.Push(newBuf(wire.PriorityNormal)))
	assert.Equal(t, PushRejectedCritical, q.Push(newBuf(wire.PriorityCritical)))
	assert.Equal(t, 2, q.Len())
	q.Close()
}

func TestOutboundCriticalEvictsNonCriticalButStillReportsReject(t *testing.T) {
	q := NewOutbound(1)
	require.Equal(t, PushOK, q.Push(newBuf(wire.PriorityNormal)))

	// The critical message is admitted, but admitting it required a
	// drop, which the back-pressure policy treats as a failure.
	assert.Equal(t, PushRejectedCritical, q.Push(newBuf(wire.PriorityCritical)))
	head := q.Pop()
	require.NotNil(t, head)
	assert.True(t, head.Critical())
	head.Release()
}

func TestOutboundCloseReleasesQueued(t *testing.T) {
	q := NewOutbound(4)
	buf := newBuf(wire.PriorityNormal)
	buf.Retain() // hold an extra ref to observe the count
	require.Equal(t, PushOK, q.Push(buf))
	require.Equal(t, int32(2), buf.Refs())

	q.Close()
	assert.Equal(t, int32(1), buf.Refs(), "close released the queue's ref")
	assert.True(t, q.Closed())

	select {
	case <-q.Done():
	default:
		t.Fatal("done channel not closed")
	}

	assert.Equal(t, PushClosed, q.Push(newBuf(wire.PriorityNormal)))
	q.Close() // idempotent
	buf.Release()
}

func TestOutboundReadySignal(t *testing.T) {
	q := NewOutbound(4)
	require.Equal(t, PushOK, q.Push(newBuf(wire.PriorityNormal)))
	require.Equal(t, PushOK, q.Push(newBuf(wire.PriorityNormal)))

	// Coalesced: many pushes, at least one pending signal.
	select {
	case <-q.Ready():
	default:
		t.Fatal("expected ready signal after push")
	}
	q.Close()
}
