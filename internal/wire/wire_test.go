package wire

import (
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPriorityJSONRoundtrip(t *testing.T) {
	for _, p := range []Priority{PriorityLow, PriorityNormal, PriorityHigh, PriorityCritical} {
		data, err := json.Marshal(p)
		require.NoError(t, err)

		var got Priority
		require.NoError(t, json.Unmarshal(data, &got))
		assert.Equal(t, p, got)
	}
}

func TestPriorityUnknownFallsBackToNormal(t *testing.T) {
	var p Priority
	require.NoError(t, json.Unmarshal([]byte(`"urgent"`), &p))
	assert.Equal(t, PriorityNormal, p)

	assert.Error(t, json.Unmarshal([]byte(`42`), &p))
}

func TestPriorityOrdering(t *testing.T) {
	assert.True(t, PriorityCritical > PriorityHigh)
	assert.True(t, PriorityHigh > PriorityNormal)
	assert.True(t, PriorityNormal > PriorityLow)
}

func TestMessageExpired(t *testing.T) {
	now := time.Now()

	msg := &Message{Timestamp: now.Add(-10 * time.Second)}
	assert.False(t, msg.Expired(now), "no TTL never expires")

	msg.Metadata.TTLSeconds = 5
	assert.True(t, msg.Expired(now))

	msg.Metadata.TTLSeconds = 30
	assert.False(t, msg.Expired(now))
}

func TestParseFrame(t *testing.T) {
	f, err := ParseFrame([]byte(`{"type":"subscribe","data":{"channel":"market-data"}}`))
	require.NoError(t, err)
	assert.Equal(t, FrameSubscribe, f.Type)

	var req SubscribeRequest
	require.NoError(t, json.Unmarshal(f.Data, &req))
	assert.Equal(t, "market-data", req.Channel)
}

func TestParseFrameRejectsMalformed(t *testing.T) {
	_, err := ParseFrame([]byte(`not json`))
	require.Error(t, err)
	assert.Equal(t, CodeInvalidMessageFormat, CodeOf(err))

	_, err = ParseFrame([]byte(`{"data":{}}`))
	require.Error(t, err)
	assert.Equal(t, CodeInvalidMessageFormat, CodeOf(err))
}

func TestEncodeServerFrame(t *testing.T) {
	data, err := EncodeServerFrame(FramePong, map[string]int64{"timestamp": 123})
	require.NoError(t, err)

	var f Frame
	require.NoError(t, json.Unmarshal(data, &f))
	assert.Equal(t, FramePong, f.Type)
	assert.JSONEq(t, `{"timestamp":123}`, string(f.Data))
}

func TestCodeOf(t *testing.T) {
	assert.Equal(t, CodeChannelNotFound, CodeOf(NewError(CodeChannelNotFound, "nope")))
	assert.Equal(t, CodeInternalError, CodeOf(assert.AnError))
}

func TestBufferRefCounting(t *testing.T) {
	buf := NewBuffer([]byte(`{"x":1}`), PriorityNormal)
	assert.Equal(t, int32(1), buf.Refs())
	assert.Equal(t, 7, buf.Len())
	assert.False(t, buf.Critical())

	buf.Retain()
	buf.Retain()
	assert.Equal(t, int32(3), buf.Refs())

	buf.Release()
	buf.Release()
	assert.Equal(t, int32(1), buf.Refs())
	assert.Equal(t, []byte(`{"x":1}`), buf.Bytes())

	buf.Release() // final; struct returns to the pool
}

func TestBufferCritical(t *testing.T) {
	buf := NewBuffer([]byte("x"), PriorityCritical)
	assert.True(t, buf.Critical())
	buf.Release()
}

func TestEncodeMessageSharedBuffer(t *testing.T) {
	before := SerializationPasses()

	msg := &Message{
		ID:        "m1",
		Type:      "price_update",
		Channel:   "market-data",
		Data:      json.RawMessage(`{"symbol":"BTC","price":42000.5}`),
		Timestamp: time.Now().UTC(),
		Metadata:  Metadata{Priority: PriorityHigh},
	}
	buf, err := EncodeMessage(msg)
	require.NoError(t, err)
	defer buf.Release()

	assert.Equal(t, PriorityHigh, buf.Priority())
	assert.Equal(t, before+1, SerializationPasses())

	var got Message
	require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
	assert.Equal(t, "m1", got.ID)
	assert.Equal(t, "market-data", got.Channel)
	assert.Equal(t, PriorityHigh, got.Metadata.Priority)
}
