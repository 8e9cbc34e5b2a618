// Package stream provides stream junctions, the in-process fan-out points that
// connect event producers to the queries consuming a stream.
package stream

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/wehubfusion/Argus/pkg/event"
)

// Receiver consumes events published on a junction.
type Receiver interface {
	Receive(events []*event.Event) error
}

// ReceiverFunc adapts a function to Receiver. Function receivers are not
// comparable and so cannot be passed to Unsubscribe.
type ReceiverFunc func(events []*event.Event) error

// Receive implements Receiver.
func (f ReceiverFunc) Receive(events []*event.Event) error { return f(events) }

// Junction fans events out to every subscribed receiver in subscription order.
// Safe for concurrent use; Send may be called from many producers.
type Junction struct {
	def       *event.StreamDefinition
	mu        sync.RWMutex
	receivers []Receiver
	sent      atomic.Int64
}

// NewJunction creates a junction for def.
func NewJunction(def *event.StreamDefinition) *Junction {
	return &Junction{def: def}
}

// ID returns the stream id.
func (j *Junction) ID() string { return j.def.ID }

// Definition returns the stream definition.
func (j *Junction) Definition() *event.StreamDefinition { return j.def }

// Subscribe adds r to the junction.
func (j *Junction) Subscribe(r Receiver) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.receivers = append(j.receivers, r)
}

// Unsubscribe removes r. It reports whether r was subscribed.
func (j *Junction) Unsubscribe(r Receiver) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	for i, existing := range j.receivers {
		if existing == r {
			j.receivers = append(j.receivers[:i:i], j.receivers[i+1:]...)
			return true
		}
	}
	return false
}

// Subscribers returns the number of subscribed receivers.
func (j *Junction) Subscribers() int {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return len(j.receivers)
}

// Send delivers events to every receiver. All receivers are attempted; the
// returned error joins the individual failures.
func (j *Junction) Send(events ...*event.Event) error {
	if len(events) == 0 {
		return nil
	}
	j.mu.RLock()
	receivers := make([]Receiver, len(j.receivers))
	copy(receivers, j.receivers)
	j.mu.RUnlock()

	j.sent.Add(int64(len(events)))

	var errs []error
	for _, r := range receivers {
		if err := r.Receive(events); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Sent returns the number of events sent through the junction.
func (j *Junction) Sent() int64 { return j.sent.Load() }
