package channel

import (
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odin-stream/streamgate/internal/auth"
	"github.com/odin-stream/streamgate/internal/wire"
)

// fakeConns is a ConnectionView where every listed connection is live
// and the authed subset is tracked separately.
type fakeConns struct {
	live   map[string]bool
	authed map[string]bool
}

func (f *fakeConns) IsLive(id string) bool          { return f.live[id] }
func (f *fakeConns) IsAuthenticated(id string) bool { return f.authed[id] }

func newFakeConns(ids ...string) *fakeConns {
	f := &fakeConns{live: map[string]bool{}, authed: map[string]bool{}}
	for _, id := range ids {
		f.live[id] = true
	}
	return f
}

func newTestIndex(cfg Config, conns ConnectionView) *Index {
	return NewIndex(cfg, conns, zerolog.Nop())
}

func TestDefineIdempotentOrConflict(t *testing.T) {
	idx := newTestIndex(Config{}, newFakeConns())

	spec := Spec{ID: "market-data", Kind: KindMarketData, Public: true}
	ch, err := idx.Define(spec)
	require.NoError(t, err)

	again, err := idx.Define(spec)
	require.NoError(t, err, "same spec is idempotent")
	assert.Same(t, ch, again)

	conflicting := spec
	conflicting.RequiresAuth = true
	_, err = idx.Define(conflicting)
	require.Error(t, err, "different spec under the same id conflicts")

	_, err = idx.Define(Spec{})
	assert.Error(t, err, "channel id required")
}

func TestSubscribeAndUnsubscribe(t *testing.T) {
	conns := newFakeConns("c1")
	idx := newTestIndex(Config{}, conns)
	_, err := idx.Define(Spec{ID: "market-data", Public: true})
	require.NoError(t, err)

	sub, err := idx.Subscribe("c1", "market-data", nil)
	require.NoError(t, err)
	assert.Equal(t, "c1", sub.ConnID)
	assert.True(t, idx.IsSubscribed("c1", "market-data"))
	assert.Equal(t, []string{"market-data"}, idx.SubscriptionsOf("c1"))
	assert.Len(t, idx.Subscribers("market-data"), 1)

	idx.Unsubscribe("c1", "market-data")
	assert.False(t, idx.IsSubscribed("c1", "market-data"))
	assert.Empty(t, idx.Subscribers("market-data"))

	// Idempotent: repeated and never-subscribed unsubscribes no-op.
	idx.Unsubscribe("c1", "market-data")
	idx.Unsubscribe("c1", "no-such-channel")
}

func TestSubscribeValidation(t *testing.T) {
	conns := newFakeConns("c1")
	idx := newTestIndex(Config{}, conns)
	_, err := idx.Define(Spec{ID: "alerts", RequiresAuth: true})
	require.NoError(t, err)

	_, err = idx.Subscribe("c1", "missing", nil)
	assert.Equal(t, wire.CodeChannelNotFound, wire.CodeOf(err))

	_, err = idx.Subscribe("c1", "alerts", nil)
	assert.Equal(t, wire.CodeChannelAccessDenied, wire.CodeOf(err), "unauthenticated on auth-required channel")

	conns.authed["c1"] = true
	_, err = idx.Subscribe("c1", "alerts", nil)
	assert.NoError(t, err)

	idx.Close("alerts")
	_, err = idx.Subscribe("c1", "alerts", nil)
	assert.Equal(t, wire.CodeChannelAccessDenied, wire.CodeOf(err), "closed channel rejects new subscriptions")
	assert.True(t, idx.IsSubscribed("c1", "alerts"), "existing subscription survives close")
}

func TestSubscribePerConnectionCap(t *testing.T) {
	conns := newFakeConns("c1")
	idx := newTestIndex(Config{MaxSubscriptionsPerConn: 2}, conns)
	for i := 0; i < 3; i++ {
		_, err := idx.Define(Spec{ID: fmt.Sprintf("ch-%d", i), Public: true})
		require.NoError(t, err)
	}

	_, err := idx.Subscribe("c1", "ch-0", nil)
	require.NoError(t, err)
	_, err = idx.Subscribe("c1", "ch-1", nil)
	require.NoError(t, err)

	before := idx.SubscriptionCount()
	_, err = idx.Subscribe("c1", "ch-2", nil)
	assert.Equal(t, wire.CodeSubscriptionLimitExceeded, wire.CodeOf(err))
	assert.Equal(t, before, idx.SubscriptionCount(), "failed subscribe leaves the index unchanged")
}

func TestSubscribePerChannelCap(t *testing.T) {
	conns := newFakeConns("c1", "c2", "c3")
	idx := newTestIndex(Config{}, conns)
	_, err := idx.Define(Spec{ID: "tight", Public: true, MaxSubscribers: 2})
	require.NoError(t, err)

	_, err = idx.Subscribe("c1", "tight", nil)
	require.NoError(t, err)
	_, err = idx.Subscribe("c2", "tight", nil)
	require.NoError(t, err)

	_, err = idx.Subscribe("c3", "tight", nil)
	assert.Equal(t, wire.CodeSubscriptionLimitExceeded, wire.CodeOf(err))
	assert.Len(t, idx.Subscribers("tight"), 2)
}

func TestResubscribeUpdatesFilterWithoutConsumingCap(t *testing.T) {
	conns := newFakeConns("c1")
	idx := newTestIndex(Config{MaxSubscriptionsPerConn: 1}, conns)
	_, err := idx.Define(Spec{ID: "market-data", Public: true})
	require.NoError(t, err)

	_, err = idx.Subscribe("c1", "market-data", nil)
	require.NoError(t, err)

	f := &Filter{Symbols: []string{"BTC"}}
	sub, err := idx.Subscribe("c1", "market-data", f)
	require.NoError(t, err, "re-subscribe at the cap still succeeds")
	assert.Same(t, f, sub.Filter)
	assert.Equal(t, 1, idx.SubscriptionCount())
}

func TestCleanupRemovesAllSubscriptions(t *testing.T) {
	conns := newFakeConns("c1", "c2")
	idx := newTestIndex(Config{}, conns)
	for _, id := range []string{"a", "b"} {
		_, err := idx.Define(Spec{ID: id, Public: true})
		require.NoError(t, err)
		_, err = idx.Subscribe("c1", id, nil)
		require.NoError(t, err)
	}
	_, err := idx.Subscribe("c2", "a", nil)
	require.NoError(t, err)

	idx.Cleanup("c1")
	assert.Empty(t, idx.SubscriptionsOf("c1"))
	assert.True(t, idx.IsSubscribed("c2", "a"), "other connections unaffected")
	assert.Equal(t, 1, idx.SubscriptionCount())
}

func TestRemoveReturnsSubscribers(t *testing.T) {
	conns := newFakeConns("c1", "c2")
	idx := newTestIndex(Config{}, conns)
	_, err := idx.Define(Spec{ID: "doomed", Public: true})
	require.NoError(t, err)
	_, err = idx.Subscribe("c1", "doomed", nil)
	require.NoError(t, err)
	_, err = idx.Subscribe("c2", "doomed", nil)
	require.NoError(t, err)

	removed := idx.Remove("doomed")
	assert.Len(t, removed, 2)
	_, ok := idx.Get("doomed")
	assert.False(t, ok)
	assert.Empty(t, idx.SubscriptionsOf("c1"))

	assert.Nil(t, idx.Remove("doomed"), "second remove no-ops")
}

func TestHistoryRing(t *testing.T) {
	conns := newFakeConns()
	idx := newTestIndex(Config{}, conns)
	_, err := idx.Define(Spec{ID: "market-data", Public: true, HistorySize: 3})
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		idx.Record("market-data", &wire.Message{ID: fmt.Sprintf("m%d", i)})
	}

	got := idx.History("market-data", 10)
	require.Len(t, got, 3, "ring keeps the newest entries")
	assert.Equal(t, "m2", got[0].ID)
	assert.Equal(t, "m4", got[2].ID, "oldest first")

	got = idx.History("market-data", 2)
	require.Len(t, got, 2)
	assert.Equal(t, "m3", got[0].ID)

	assert.Nil(t, idx.History("missing", 5))
}

func TestChannelAllowPublish(t *testing.T) {
	conns := newFakeConns()
	idx := newTestIndex(Config{}, conns)
	ch, err := idx.Define(Spec{
		ID:         "market-data",
		Public:     true,
		RateLimits: map[auth.Role]int{auth.RoleUser: 2},
	})
	require.NoError(t, err)

	now := time.Now()
	window := time.Minute

	assert.True(t, ch.AllowPublish(auth.RoleUser, now, window))
	assert.True(t, ch.AllowPublish(auth.RoleUser, now.Add(time.Second), window))
	assert.False(t, ch.AllowPublish(auth.RoleUser, now.Add(2*time.Second), window))

	// Roles outside the table are unlimited here.
	assert.True(t, ch.AllowPublish(auth.RoleAdmin, now, window))

	// Window reset.
	assert.True(t, ch.AllowPublish(auth.RoleUser, now.Add(window), window))
}

func TestDefaultChannels(t *testing.T) {
	specs := DefaultChannels(1000, 50)
	require.Len(t, specs, 5)

	byID := map[string]Spec{}
	for _, s := range specs {
		byID[s.ID] = s
	}
	assert.True(t, byID["market-data"].Public)
	assert.False(t, byID["market-data"].RequiresAuth)
	assert.True(t, byID["user-notifications"].RequiresAuth)
	assert.True(t, byID["portfolio-updates"].RequiresAuth)
	assert.True(t, byID["alerts"].RequiresAuth)
	assert.True(t, byID["system"].Public)
}
