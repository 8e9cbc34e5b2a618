package event

import "fmt"

// AttributeType is the declared type of a stream attribute.
type AttributeType string

const (
	TypeString AttributeType = "string"
	TypeInt    AttributeType = "int"
	TypeLong   AttributeType = "long"
	TypeFloat  AttributeType = "float"
	TypeDouble AttributeType = "double"
	TypeBool   AttributeType = "bool"
	TypeObject AttributeType = "object"
)

// Attribute is a named, typed position in an event.
type Attribute struct {
	Name string        `json:"name"`
	Type AttributeType `json:"type"`
}

// StreamDefinition declares the id and attribute layout of a stream.
// Definitions are immutable once handed to a runtime.
type StreamDefinition struct {
	ID         string      `json:"id"`
	Attributes []Attribute `json:"attributes"`
}

// NewStreamDefinition creates a definition with the given attributes.
func NewStreamDefinition(id string, attrs ...Attribute) *StreamDefinition {
	return &StreamDefinition{ID: id, Attributes: attrs}
}

// Index returns the position of the named attribute, or -1.
func (d *StreamDefinition) Index(name string) int {
	for i, a := range d.Attributes {
		if a.Name == name {
			return i
		}
	}
	return -1
}

// Names returns the attribute names in order.
func (d *StreamDefinition) Names() []string {
	names := make([]string, len(d.Attributes))
	for i, a := range d.Attributes {
		names[i] = a.Name
	}
	return names
}

// WithID returns a copy of d under a different stream id.
func (d *StreamDefinition) WithID(id string) *StreamDefinition {
	attrs := make([]Attribute, len(d.Attributes))
	copy(attrs, d.Attributes)
	return &StreamDefinition{ID: id, Attributes: attrs}
}

// Validate checks that the definition has an id and unique attribute names.
func (d *StreamDefinition) Validate() error {
	if d == nil {
		return fmt.Errorf("stream definition is nil")
	}
	if d.ID == "" {
		return fmt.Errorf("stream definition id cannot be empty")
	}
	seen := make(map[string]struct{}, len(d.Attributes))
	for _, a := range d.Attributes {
		if a.Name == "" {
			return fmt.Errorf("stream %s: attribute name cannot be empty", d.ID)
		}
		if _, dup := seen[a.Name]; dup {
			return fmt.Errorf("stream %s: duplicate attribute %s", d.ID, a.Name)
		}
		seen[a.Name] = struct{}{}
	}
	return nil
}

// MetaComplexEvent is the compile-time description of the events a query
// produces. The query runtime derives its output schema from it.
type MetaComplexEvent interface {
	OutputStreamDefinition() *StreamDefinition
}

// MetaStreamEvent describes the output of a query over a single input stream.
type MetaStreamEvent struct {
	Input  *StreamDefinition
	Output *StreamDefinition
}

// OutputStreamDefinition implements MetaComplexEvent.
func (m *MetaStreamEvent) OutputStreamDefinition() *StreamDefinition {
	return m.Output
}

// MetaStateEvent describes the output of a query correlating several input
// streams, such as a join or a pattern.
type MetaStateEvent struct {
	Streams []*MetaStreamEvent
	Output  *StreamDefinition
}

// OutputStreamDefinition implements MetaComplexEvent.
func (m *MetaStateEvent) OutputStreamDefinition() *StreamDefinition {
	return m.Output
}

var (
	_ MetaComplexEvent = (*MetaStreamEvent)(nil)
	_ MetaComplexEvent = (*MetaStateEvent)(nil)
)
