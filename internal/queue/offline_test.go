package queue

import (
	"fmt"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odin-stream/streamgate/internal/wire"
)

func testMsg(id string, priority wire.Priority) *wire.Message {
	return &wire.Message{
		ID:        id,
		Type:      "notification",
		Data:      json.RawMessage(`{}`),
		Timestamp: time.Now().UTC(),
		Metadata:  wire.Metadata{Priority: priority},
	}
}

// alwaysOnline makes hooks where the user is online and subscribed,
// and delivery succeeds unless failDeliver is set.
type hookState struct {
	online       bool
	subscribed   bool
	failDeliver  bool
	deliveredIDs []string
}

func (h *hookState) hooks() Hooks {
	return Hooks{
		Deliver: func(userID string, msg *wire.Message) int {
			if h.failDeliver {
				return 0
			}
			h.deliveredIDs = append(h.deliveredIDs, msg.ID)
			return 1
		},
		Subscribed: func(userID, channelID string) bool { return h.subscribed },
		Online:     func(userID string) bool { return h.online },
	}
}

func TestEnqueuePriorityOrdering(t *testing.T) {
	h := &hookState{online: true, subscribed: true}
	oq := New(Config{}, h.hooks(), nil, zerolog.Nop())

	oq.Enqueue("u1", "alerts", testMsg("low", wire.PriorityLow))
	oq.Enqueue("u1", "alerts", testMsg("high", wire.PriorityHigh))
	oq.Enqueue("u1", "alerts", testMsg("normal", wire.PriorityNormal))

	pending := oq.Pending("u1")
	require.Len(t, pending, 3)
	assert.Equal(t, "high", pending[0].Message.ID)
	assert.Equal(t, "normal", pending[1].Message.ID)
	assert.Equal(t, "low", pending[2].Message.ID)
}

func TestEnqueueStableWithinPriority(t *testing.T) {
	h := &hookState{}
	oq := New(Config{}, h.hooks(), nil, zerolog.Nop())

	for i := 0; i < 3; i++ {
		oq.Enqueue("u1", "alerts", testMsg(fmt.Sprintf("n%d", i), wire.PriorityNormal))
	}

	pending := oq.Pending("u1")
	require.Len(t, pending, 3)
	for i, qm := range pending {
		assert.Equal(t, fmt.Sprintf("n%d", i), qm.Message.ID, "queued-at order preserved")
	}
}

func TestEnqueueCapEvictsLowestPriorityOldest(t *testing.T) {
	h := &hookState{}
	oq := New(Config{MaxPerUser: 3}, h.hooks(), nil, zerolog.Nop())

	oq.Enqueue("u1", "alerts", testMsg("low-old", wire.PriorityLow))
	oq.Enqueue("u1", "alerts", testMsg("low-new", wire.PriorityLow))
	oq.Enqueue("u1", "alerts", testMsg("normal", wire.PriorityNormal))
	oq.Enqueue("u1", "alerts", testMsg("high", wire.PriorityHigh))

	pending := oq.Pending("u1")
	require.Len(t, pending, 3)
	ids := []string{pending[0].Message.ID, pending[1].Message.ID, pending[2].Message.ID}
	assert.Equal(t, []string{"high", "normal", "low-new"}, ids, "oldest of the lowest priority evicted")
}

func TestProcessUserDeliversInOrder(t *testing.T) {
	h := &hookState{online: true, subscribed: true}
	oq := New(Config{}, h.hooks(), nil, zerolog.Nop())

	oq.Enqueue("u1", "alerts", testMsg("low", wire.PriorityLow))
	oq.Enqueue("u1", "alerts", testMsg("high", wire.PriorityHigh))
	oq.Enqueue("u1", "alerts", testMsg("normal", wire.PriorityNormal))

	delivered := oq.ProcessUser("u1")
	assert.Equal(t, 3, delivered)
	assert.Equal(t, []string{"high", "normal", "low"}, h.deliveredIDs)
	assert.Empty(t, oq.Pending("u1"))
	assert.Equal(t, Stats{}, oq.GetStats())
}

func TestProcessUserSkipsOffline(t *testing.T) {
	h := &hookState{online: false, subscribed: true}
	oq := New(Config{}, h.hooks(), nil, zerolog.Nop())
	oq.Enqueue("u1", "alerts", testMsg("m1", wire.PriorityNormal))

	assert.Equal(t, 0, oq.ProcessUser("u1"))
	assert.Len(t, oq.Pending("u1"), 1)
}

func TestProcessUserDropsUnsubscribed(t *testing.T) {
	h := &hookState{online: true, subscribed: false}
	oq := New(Config{}, h.hooks(), nil, zerolog.Nop())
	oq.Enqueue("u1", "alerts", testMsg("m1", wire.PriorityNormal))

	assert.Equal(t, 0, oq.ProcessUser("u1"))
	assert.Empty(t, oq.Pending("u1"), "entries for dropped subscriptions are discarded")
	assert.Empty(t, h.deliveredIDs)
}

func TestProcessUserRetriesThenDrops(t *testing.T) {
	h := &hookState{online: true, subscribed: true, failDeliver: true}
	oq := New(Config{MaxAttempts: 2, RetryDelay: time.Nanosecond}, h.hooks(), nil, zerolog.Nop())
	oq.Enqueue("u1", "alerts", testMsg("m1", wire.PriorityNormal))

	assert.Equal(t, 0, oq.ProcessUser("u1"))
	pending := oq.Pending("u1")
	require.Len(t, pending, 1, "first failure keeps the entry")
	assert.Equal(t, 1, pending[0].Attempts)

	time.Sleep(time.Millisecond) // let the retry delay lapse
	assert.Equal(t, 0, oq.ProcessUser("u1"))
	assert.Empty(t, oq.Pending("u1"), "max attempts reached, entry dropped")
}

func TestProcessUserHonorsRetryDelay(t *testing.T) {
	h := &hookState{online: true, subscribed: true, failDeliver: true}
	oq := New(Config{MaxAttempts: 3, RetryDelay: time.Hour}, h.hooks(), nil, zerolog.Nop())
	oq.Enqueue("u1", "alerts", testMsg("m1", wire.PriorityNormal))

	oq.ProcessUser("u1")
	require.Len(t, oq.Pending("u1"), 1)

	// Delivery now works, but the retry delay has not elapsed.
	h.failDeliver = false
	assert.Equal(t, 0, oq.ProcessUser("u1"))
	assert.Len(t, oq.Pending("u1"), 1)
	assert.Empty(t, h.deliveredIDs)
}

func TestProcessUserBatchSize(t *testing.T) {
	h := &hookState{online: true, subscribed: true}
	oq := New(Config{BatchSize: 2}, h.hooks(), nil, zerolog.Nop())
	for i := 0; i < 5; i++ {
		oq.Enqueue("u1", "alerts", testMsg(fmt.Sprintf("m%d", i), wire.PriorityNormal))
	}

	assert.Equal(t, 2, oq.ProcessUser("u1"))
	assert.Len(t, oq.Pending("u1"), 3)
}

func TestExpiredEntriesDropped(t *testing.T) {
	h := &hookState{online: true, subscribed: true}
	oq := New(Config{}, h.hooks(), nil, zerolog.Nop())

	expired := testMsg("gone", wire.PriorityNormal)
	expired.Timestamp = time.Now().Add(-time.Hour)
	expired.Metadata.TTLSeconds = 1
	oq.Enqueue("u1", "alerts", expired)
	oq.Enqueue("u1", "alerts", testMsg("fresh", wire.PriorityNormal))

	assert.Equal(t, 1, oq.ProcessUser("u1"))
	assert.Equal(t, []string{"fresh"}, h.deliveredIDs)
}

func TestMessageTTLCapsQueueTTL(t *testing.T) {
	h := &hookState{}
	oq := New(Config{TTL: 24 * time.Hour}, h.hooks(), nil, zerolog.Nop())

	short := testMsg("short", wire.PriorityNormal)
	short.Metadata.TTLSeconds = 60
	oq.Enqueue("u1", "alerts", short)

	pending := oq.Pending("u1")
	require.Len(t, pending, 1)
	assert.WithinDuration(t, short.Timestamp.Add(time.Minute), pending[0].ExpiresAt, time.Second)
}

func TestCleanupExpired(t *testing.T) {
	h := &hookState{}
	oq := New(Config{}, h.hooks(), nil, zerolog.Nop())

	expired := testMsg("old", wire.PriorityNormal)
	expired.Timestamp = time.Now().Add(-time.Hour)
	expired.Metadata.TTLSeconds = 1
	oq.Enqueue("u1", "alerts", expired)
	oq.Enqueue("u2", "alerts", testMsg("fresh", wire.PriorityNormal))

	assert.Equal(t, 1, oq.CleanupExpired())
	assert.Empty(t, oq.Pending("u1"))
	assert.Len(t, oq.Pending("u2"), 1)

	stats := oq.GetStats()
	assert.Equal(t, 1, stats.Users)
	assert.Equal(t, 1, stats.Messages)
}

func TestRemoveAndClearUser(t *testing.T) {
	h := &hookState{}
	oq := New(Config{}, h.hooks(), nil, zerolog.Nop())
	oq.Enqueue("u1", "alerts", testMsg("m1", wire.PriorityNormal))
	oq.Enqueue("u1", "alerts", testMsg("m2", wire.PriorityNormal))

	assert.True(t, oq.Remove("m1"))
	assert.False(t, oq.Remove("m1"))
	assert.Len(t, oq.Pending("u1"), 1)

	assert.Equal(t, 1, oq.ClearUser("u1"))
	assert.Empty(t, oq.Pending("u1"))
	assert.Equal(t, 0, oq.ClearUser("u1"))
}

func TestProcessAll(t *testing.T) {
	h := &hookState{online: true, subscribed: true}
	oq := New(Config{}, h.hooks(), nil, zerolog.Nop())
	oq.Enqueue("u1", "alerts", testMsg("a", wire.PriorityNormal))
	oq.Enqueue("u2", "alerts", testMsg("b", wire.PriorityNormal))

	assert.Equal(t, 2, oq.ProcessAll())
	assert.Equal(t, Stats{}, oq.GetStats())
}
