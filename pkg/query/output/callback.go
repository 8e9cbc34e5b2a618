// Package output provides the terminal stage of a query pipeline: delivery of
// finished events either to an external listener or into an internal stream.
package output

import (
	"fmt"

	"github.com/wehubfusion/Argus/pkg/definition"
	"github.com/wehubfusion/Argus/pkg/event"
	"github.com/wehubfusion/Argus/pkg/stream"
)

// Callback receives the events a query emits. Implementations shared between
// partitions must be safe for concurrent use.
type Callback interface {
	Send(events []*event.Event) error
}

// Func adapts a function to Callback.
type Func func(events []*event.Event) error

// Send implements Callback.
func (f Func) Send(events []*event.Event) error { return f(events) }

// QueryCallback observes every emission of a query, split into current and
// expired events. Observers cannot fail the pipeline.
type QueryCallback func(timestamp int64, current, expired []*event.Event)

// InsertIntoStream delivers events into a junction so that downstream queries
// consume them.
type InsertIntoStream struct {
	junction *stream.Junction
}

// NewInsertIntoStream creates a callback that sends into j.
func NewInsertIntoStream(j *stream.Junction) *InsertIntoStream {
	return &InsertIntoStream{junction: j}
}

// Send implements Callback. Events are cloned so that downstream queries never
// alias the emitting query's buffers.
func (c *InsertIntoStream) Send(events []*event.Event) error {
	return c.junction.Send(event.CloneAll(events)...)
}

// StreamID returns the id of the target stream.
func (c *InsertIntoStream) StreamID() string { return c.junction.ID() }

// Junction returns the target junction.
func (c *InsertIntoStream) Junction() *stream.Junction { return c.junction }

// StreamRegistry resolves or creates internal streams.
type StreamRegistry interface {
	GetOrCreate(id string, def *event.StreamDefinition) *stream.Junction
}

// PartitionedStreamID returns the stream id a partition clone inserts into.
// The prototype (empty key) inserts into the declared stream itself.
func PartitionedStreamID(target definition.OutputStream, key string) string {
	return target.StreamID + key
}

// ConstructCallback builds an InsertIntoStream callback for target, qualified by
// the partition key and shaped by def.
func ConstructCallback(target definition.OutputStream, key string, registry StreamRegistry, def *event.StreamDefinition) (*InsertIntoStream, error) {
	if registry == nil {
		return nil, fmt.Errorf("stream registry is required to route output of %s", target.StreamID)
	}
	if def == nil {
		return nil, fmt.Errorf("output definition is required to route output of %s", target.StreamID)
	}
	j := registry.GetOrCreate(PartitionedStreamID(target, key), def)
	return NewInsertIntoStream(j), nil
}

var (
	_ Callback = Func(nil)
	_ Callback = (*InsertIntoStream)(nil)
)
