package wire

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"
)

// Priority orders message delivery and drives offline-queue ordering
// and outbound back-pressure decisions.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

var priorityNames = map[Priority]string{
	PriorityLow:      "low",
	PriorityNormal:   "normal",
	PriorityHigh:     "high",
	PriorityCritical: "critical",
}

var priorityValues = map[string]Priority{
	"low":      PriorityLow,
	"normal":   PriorityNormal,
	"high":     PriorityHigh,
	"critical": PriorityCritical,
}

func (p Priority) String() string {
	if name, ok := priorityNames[p]; ok {
		return name
	}
	return "normal"
}

// ParsePriority maps a wire string to a Priority.
// Unknown values fall back to normal.
func ParsePriority(s string) Priority {
	if p, ok := priorityValues[s]; ok {
		return p
	}
	return PriorityNormal
}

func (p Priority) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

func (p *Priority) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("priority must be a string: %w", err)
	}
	*p = ParsePriority(s)
	return nil
}

// Metadata carries optional per-message routing hints.
type Metadata struct {
	Source        string   `json:"source,omitempty"`
	Priority      Priority `json:"priority"`
	TTLSeconds    int      `json:"ttl,omitempty"`
	CorrelationID string   `json:"correlationId,omitempty"`
}

// Message is the unit of delivery. The id is assigned by the core on
// publish; messages are immutable after that point.
type Message struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Channel   string          `json:"channel"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
	Metadata  Metadata        `json:"metadata"`
}

// Expired reports whether the message's TTL has elapsed relative to
// its publish timestamp. Messages without a TTL never expire.
func (m *Message) Expired(now time.Time) bool {
	if m.Metadata.TTLSeconds <= 0 {
		return false
	}
	return now.After(m.Timestamp.Add(time.Duration(m.Metadata.TTLSeconds) * time.Second))
}
