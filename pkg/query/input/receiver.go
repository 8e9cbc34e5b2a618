// Package input provides stream intakes: the stage that receives raw events
// from stream junctions and pushes them into a query pipeline.
package input

import (
	"fmt"
	"sync/atomic"

	"github.com/wehubfusion/Argus/pkg/event"
	"github.com/wehubfusion/Argus/pkg/lock"
	"github.com/wehubfusion/Argus/pkg/query/stage"
	"github.com/wehubfusion/Argus/pkg/stream"
)

// Receiver is the entry point of one input stream into a pipeline.
//
// The Set and Bind methods are assembly-time calls; they must not race with
// Receive.
type Receiver interface {
	stream.Receiver

	// StreamID returns the id of the consumed stream.
	StreamID() string
	// ID returns the receiver id, qualified by the partition key for clones.
	ID() string
	// MultiSource reports whether the receiver takes part in a join or
	// pattern and must coordinate with the rate limiter.
	MultiSource() bool
	// SetNext sets the processor events are forwarded to.
	SetNext(p stage.Processor)
	// SetLock sets the pipeline lock. Nil disables locking.
	SetLock(l *lock.Wrapper)
	// BindRateLimiter registers the rate limiter a multi-source receiver
	// flushes after each delivery. Single-source receivers ignore it.
	BindRateLimiter(f stage.Flusher)
	// Received returns the number of events received.
	Received() int64
}

// processReceiver forwards events downstream under the pipeline lock. For
// multi-source receivers, each event is widened into the combined layout of
// all sources at the receiver's offset.
type processReceiver struct {
	streamID string
	key      string
	multi    bool
	offset   int
	span     int
	width    int

	next    stage.Processor
	lock    *lock.Wrapper
	flusher stage.Flusher

	received atomic.Int64
}

func newReceiver(streamID, key string, multi bool, offset, span, width int) *processReceiver {
	return &processReceiver{
		streamID: streamID,
		key:      key,
		multi:    multi,
		offset:   offset,
		span:     span,
		width:    width,
	}
}

func (r *processReceiver) StreamID() string { return r.streamID }

func (r *processReceiver) ID() string {
	if r.key == "" {
		return r.streamID
	}
	return r.streamID + ":" + r.key
}

func (r *processReceiver) MultiSource() bool               { return r.multi }
func (r *processReceiver) SetNext(p stage.Processor)       { r.next = p }
func (r *processReceiver) SetLock(l *lock.Wrapper)         { r.lock = l }
func (r *processReceiver) Received() int64                 { return r.received.Load() }
func (r *processReceiver) BindRateLimiter(f stage.Flusher) {
	if r.multi {
		r.flusher = f
	}
}

// Receive implements stream.Receiver.
func (r *processReceiver) Receive(events []*event.Event) error {
	if len(events) == 0 {
		return nil
	}
	if r.next == nil {
		return fmt.Errorf("receiver %s has no downstream processor", r.ID())
	}
	batch := r.prepare(events)
	r.received.Add(int64(len(batch)))

	return r.lock.Guard(func() error {
		if err := r.next.Process(batch); err != nil {
			return err
		}
		if r.flusher != nil {
			return r.flusher.Flush()
		}
		return nil
	})
}

func (r *processReceiver) prepare(events []*event.Event) []*event.Event {
	out := make([]*event.Event, 0, len(events))
	for _, e := range events {
		if !r.multi || r.width == 0 {
			out = append(out, e.Clone())
			continue
		}
		data := make([]any, r.width)
		copy(data[r.offset:r.offset+r.span], e.Data)
		out = append(out, &event.Event{Timestamp: e.Timestamp, Data: data, Type: e.Type})
	}
	return out
}

// duplicate returns an unwired copy for key.
func (r *processReceiver) duplicate(key string) *processReceiver {
	return newReceiver(r.streamID, key, r.multi, r.offset, r.span, r.width)
}

var _ Receiver = (*processReceiver)(nil)
