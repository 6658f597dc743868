package wire

import (
	"sync/atomic"

	"github.com/goccy/go-json"
)

// serializationPasses counts how many times a message body has been
// serialized. The fan-out path must increment this exactly once per
// publish regardless of recipient count.
var serializationPasses int64

// EncodeMessage serializes a message into a reference-counted buffer.
// This is the single serialization pass for a publish; every
// recipient shares the returned buffer.
func EncodeMessage(msg *Message) (*Buffer, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	atomic.AddInt64(&serializationPasses, 1)
	return NewBuffer(data, msg.Metadata.Priority), nil
}

// SerializationPasses returns the running count of serialize calls.
func SerializationPasses() int64 {
	return atomic.LoadInt64(&serializationPasses)
}
