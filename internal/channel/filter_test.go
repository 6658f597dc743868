package channel

import (
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odin-stream/streamgate/internal/wire"
)

func msgWith(data string, priority wire.Priority) *wire.Message {
	return &wire.Message{
		Type:     "price_update",
		Data:     json.RawMessage(data),
		Metadata: wire.Metadata{Priority: priority},
	}
}

func TestParseFilter(t *testing.T) {
	f, err := ParseFilter(nil)
	require.NoError(t, err)
	assert.Nil(t, f)

	f, err = ParseFilter(json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.Nil(t, f, "empty filter collapses to nil")

	f, err = ParseFilter(json.RawMessage(`{"symbols":["BTC"]}`))
	require.NoError(t, err)
	require.NotNil(t, f)
	assert.Equal(t, []string{"BTC"}, f.Symbols)

	_, err = ParseFilter(json.RawMessage(`"not an object"`))
	assert.Error(t, err)
}

func TestFilterNilMatchesEverything(t *testing.T) {
	var f *Filter
	assert.True(t, f.Match(msgWith(`{"symbol":"BTC"}`, wire.PriorityLow)))
	assert.True(t, f.Match(msgWith(`garbage`, wire.PriorityLow)))
}

func TestFilterSymbols(t *testing.T) {
	f := &Filter{Symbols: []string{"BTC", "ETH"}}
	assert.True(t, f.Match(msgWith(`{"symbol":"BTC","price":100}`, wire.PriorityNormal)))
	assert.False(t, f.Match(msgWith(`{"symbol":"SOL","price":100}`, wire.PriorityNormal)))
}

func TestFilterPriceRange(t *testing.T) {
	min, max := 10.0, 100.0
	f := &Filter{MinPrice: &min, MaxPrice: &max}

	assert.True(t, f.Match(msgWith(`{"symbol":"BTC","price":50}`, wire.PriorityNormal)))
	assert.False(t, f.Match(msgWith(`{"symbol":"BTC","price":5}`, wire.PriorityNormal)))
	assert.False(t, f.Match(msgWith(`{"symbol":"BTC","price":500}`, wire.PriorityNormal)))
	assert.False(t, f.Match(msgWith(`{"symbol":"BTC"}`, wire.PriorityNormal)), "price clause with no price fails closed")
}

func TestFilterPriorityFloor(t *testing.T) {
	floor := "high"
	f := &Filter{PriorityFloor: &floor}

	assert.True(t, f.Match(msgWith(`{}`, wire.PriorityHigh)))
	assert.True(t, f.Match(msgWith(`{}`, wire.PriorityCritical)))
	assert.False(t, f.Match(msgWith(`{}`, wire.PriorityNormal)))
}

func TestFilterUnparseablePayloadFailsClosed(t *testing.T) {
	f := &Filter{Symbols: []string{"BTC"}}
	assert.False(t, f.Match(msgWith(`not json`, wire.PriorityNormal)))

	// Priority-only filters never look at the payload.
	floor := "low"
	pf := &Filter{PriorityFloor: &floor}
	assert.True(t, pf.Match(msgWith(`not json`, wire.PriorityNormal)))
}
