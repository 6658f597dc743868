package channel

import (
	"github.com/goccy/go-json"

	"github.com/odin-stream/streamgate/internal/wire"
)

// Filter is an optional per-subscription predicate over message
// payloads. A nil filter matches everything.
type Filter struct {
	// Symbols restricts to payloads whose "symbol" field is listed.
	Symbols []string `json:"symbols,omitempty"`
	// MinPrice/MaxPrice bound the payload "price" field.
	MinPrice *float64 `json:"minPrice,omitempty"`
	MaxPrice *float64 `json:"maxPrice,omitempty"`
	// PriorityFloor drops messages below the given priority.
	PriorityFloor *string `json:"priorityFloor,omitempty"`
}

// ParseFilter decodes the filter clause of a subscribe request.
func ParseFilter(raw json.RawMessage) (*Filter, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var f Filter
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, wire.NewError(wire.CodeInvalidMessageFormat, "malformed subscription filter")
	}
	if f.Symbols == nil && f.MinPrice == nil && f.MaxPrice == nil && f.PriorityFloor == nil {
		return nil, nil
	}
	return &f, nil
}

// filterPayload is the subset of payload fields filters inspect.
type filterPayload struct {
	Symbol string   `json:"symbol"`
	Price  *float64 `json:"price"`
}

// Match evaluates the filter against a message. Unparseable payloads
// fail closed for payload-dependent clauses.
func (f *Filter) Match(msg *wire.Message) bool {
	if f == nil {
		return true
	}

	if f.PriorityFloor != nil {
		floor := wire.ParsePriority(*f.PriorityFloor)
		if msg.Metadata.Priority < floor {
			return false
		}
	}

	if len(f.Symbols) == 0 && f.MinPrice == nil && f.MaxPrice == nil {
		return true
	}

	var payload filterPayload
	if err := json.Unmarshal(msg.Data, &payload); err != nil {
		return false
	}

	if len(f.Symbols) > 0 {
		found := false
		for _, s := range f.Symbols {
			if s == payload.Symbol {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	if f.MinPrice != nil || f.MaxPrice != nil {
		if payload.Price == nil {
			return false
		}
		if f.MinPrice != nil && *payload.Price < *f.MinPrice {
			return false
		}
		if f.MaxPrice != nil && *payload.Price > *f.MaxPrice {
			return false
		}
	}
	return true
}
