// Package event defines the events that flow through a query pipeline and the
// metadata that describes their shape.
package event

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// Type distinguishes events entering a window from events leaving it.
type Type int

const (
	// Current marks an event that has just arrived.
	Current Type = iota
	// Expired marks an event removed from a window or batch.
	Expired
)

// String returns the lower-case name of the type.
func (t Type) String() string {
	switch t {
	case Current:
		return "current"
	case Expired:
		return "expired"
	default:
		return fmt.Sprintf("type(%d)", int(t))
	}
}

// Event is a single timestamped tuple. Data is positional and matches the
// attribute order of the stream definition it belongs to.
type Event struct {
	Timestamp int64 `json:"timestamp"`
	Data      []any `json:"data"`
	Type      Type  `json:"type,omitempty"`
}

// New creates a current event.
func New(timestamp int64, data ...any) *Event {
	return &Event{Timestamp: timestamp, Data: data}
}

// Clone returns a copy whose Data slice is not shared with e.
func (e *Event) Clone() *Event {
	if e == nil {
		return nil
	}
	data := make([]any, len(e.Data))
	copy(data, e.Data)
	return &Event{Timestamp: e.Timestamp, Data: data, Type: e.Type}
}

// Get returns the value at position i, or nil when out of range.
func (e *Event) Get(i int) any {
	if i < 0 || i >= len(e.Data) {
		return nil
	}
	return e.Data[i]
}

// CloneAll clones every event in events.
func CloneAll(events []*Event) []*Event {
	out := make([]*Event, 0, len(events))
	for _, e := range events {
		out = append(out, e.Clone())
	}
	return out
}

// Split separates current and expired events, preserving order.
func Split(events []*Event) (current, expired []*Event) {
	for _, e := range events {
		if e.Type == Expired {
			expired = append(expired, e)
		} else {
			current = append(current, e)
		}
	}
	return current, expired
}

// Record is the wire form of an event: attribute values keyed by name.
type Record struct {
	Stream    string         `json:"stream"`
	Timestamp int64          `json:"timestamp"`
	Expired   bool           `json:"expired,omitempty"`
	Values    map[string]any `json:"values"`
}

// Encode renders events as a JSON array of records using def for attribute names.
func Encode(def *StreamDefinition, events []*Event) ([]byte, error) {
	if def == nil {
		return nil, fmt.Errorf("stream definition is required")
	}
	records := make([]Record, 0, len(events))
	for _, e := range events {
		values := make(map[string]any, len(def.Attributes))
		for i, attr := range def.Attributes {
			values[attr.Name] = e.Get(i)
		}
		records = append(records, Record{
			Stream:    def.ID,
			Timestamp: e.Timestamp,
			Expired:   e.Type == Expired,
			Values:    values,
		})
	}
	return json.Marshal(records)
}

// Decode parses a JSON record array (or a single record) into events ordered
// by def. Unknown attributes are ignored; missing ones are nil. Values are
// coerced to the declared attribute type: int and long become int64, float and
// double become float64. A value that does not fit its type is an error.
func Decode(def *StreamDefinition, data []byte) ([]*Event, error) {
	if def == nil {
		return nil, fmt.Errorf("stream definition is required")
	}
	var records []Record
	if err := unmarshalNumbers(data, &records); err != nil {
		var single Record
		if err2 := unmarshalNumbers(data, &single); err2 != nil {
			return nil, fmt.Errorf("failed to decode events: %w", err)
		}
		records = []Record{single}
	}
	events := make([]*Event, 0, len(records))
	for _, r := range records {
		e := &Event{Timestamp: r.Timestamp, Data: make([]any, len(def.Attributes))}
		if r.Expired {
			e.Type = Expired
		}
		for i, attr := range def.Attributes {
			v, err := coerce(attr.Type, r.Values[attr.Name])
			if err != nil {
				return nil, fmt.Errorf("stream %s: attribute %s: %w", def.ID, attr.Name, err)
			}
			e.Data[i] = v
		}
		events = append(events, e)
	}
	return events, nil
}

func unmarshalNumbers(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if dec.More() {
		return fmt.Errorf("unexpected data after JSON value")
	}
	return nil
}

// coerce converts a decoded JSON value to the Go type of t. Nil stays nil.
func coerce(t AttributeType, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch t {
	case TypeInt, TypeLong:
		n, ok := v.(json.Number)
		if !ok {
			return nil, fmt.Errorf("expected %s, got %T", t, v)
		}
		i, err := strconv.ParseInt(n.String(), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("expected %s, got %s", t, n)
		}
		if t == TypeInt && (i < math.MinInt32 || i > math.MaxInt32) {
			return nil, fmt.Errorf("value %d overflows int", i)
		}
		return i, nil
	case TypeFloat, TypeDouble:
		n, ok := v.(json.Number)
		if !ok {
			return nil, fmt.Errorf("expected %s, got %T", t, v)
		}
		f, err := n.Float64()
		if err != nil {
			return nil, fmt.Errorf("expected %s, got %s", t, n)
		}
		return f, nil
	case TypeString:
		if _, ok := v.(string); !ok {
			return nil, fmt.Errorf("expected string, got %T", v)
		}
		return v, nil
	case TypeBool:
		if _, ok := v.(bool); !ok {
			return nil, fmt.Errorf("expected bool, got %T", v)
		}
		return v, nil
	default:
		return plainNumbers(v), nil
	}
}

// plainNumbers replaces json.Number inside object values with int64 when the
// number is integral and float64 otherwise.
func plainNumbers(v any) any {
	switch x := v.(type) {
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i
		}
		f, _ := x.Float64()
		return f
	case map[string]any:
		for k, item := range x {
			x[k] = plainNumbers(item)
		}
		return x
	case []any:
		for i, item := range x {
			x[i] = plainNumbers(item)
		}
		return x
	default:
		return v
	}
}
