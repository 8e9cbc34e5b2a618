package input

import (
	"fmt"
	"sync"

	"github.com/wehubfusion/Argus/pkg/definition"
	argerrors "github.com/wehubfusion/Argus/pkg/errors"
	"github.com/wehubfusion/Argus/pkg/event"
	"github.com/wehubfusion/Argus/pkg/lock"
	"github.com/wehubfusion/Argus/pkg/query/stage"
	"github.com/wehubfusion/Argus/pkg/stream"
)

// JunctionLookup resolves stream junctions by id. *stream.Registry satisfies it.
type JunctionLookup interface {
	Get(id string) (*stream.Junction, bool)
}

// StreamRuntime is a stream intake: a composite of single-stream receivers
// feeding one pipeline.
type StreamRuntime interface {
	// SingleStreamRuntimes enumerates the constituent receivers.
	SingleStreamRuntimes() []*SingleStreamRuntime
	// SetCommonProcessor sets the processor every receiver forwards to.
	SetCommonProcessor(p stage.Processor)
	// SetLock sets the pipeline lock on every receiver.
	SetLock(l *lock.Wrapper)
	// Send pushes events into the receiver of streamID directly.
	Send(streamID string, events []*event.Event) error
	// Connect subscribes every receiver to its junction.
	Connect(lookup JunctionLookup) error
	// Disconnect unsubscribes every connected receiver.
	Disconnect()
	// Duplicate returns an unconnected, unwired intake for key.
	Duplicate(key string) StreamRuntime
}

// SingleStreamRuntime wraps the receiver of one input stream.
type SingleStreamRuntime struct {
	receiver Receiver
}

// ProcessStreamReceiver returns the wrapped receiver.
func (s *SingleStreamRuntime) ProcessStreamReceiver() Receiver { return s.receiver }

// StreamID returns the consumed stream id.
func (s *SingleStreamRuntime) StreamID() string { return s.receiver.StreamID() }

// intake holds the shared implementation of Single and Multi.
type intake struct {
	receivers []*processReceiver

	mu        sync.Mutex
	junctions map[*processReceiver]*stream.Junction
}

func (in *intake) SingleStreamRuntimes() []*SingleStreamRuntime {
	out := make([]*SingleStreamRuntime, len(in.receivers))
	for i, r := range in.receivers {
		out[i] = &SingleStreamRuntime{receiver: r}
	}
	return out
}

func (in *intake) SetCommonProcessor(p stage.Processor) {
	for _, r := range in.receivers {
		r.SetNext(p)
	}
}

func (in *intake) SetLock(l *lock.Wrapper) {
	for _, r := range in.receivers {
		r.SetLock(l)
	}
}

func (in *intake) Send(streamID string, events []*event.Event) error {
	for _, r := range in.receivers {
		if r.streamID == streamID {
			return r.Receive(events)
		}
	}
	return fmt.Errorf("%w: %s", argerrors.ErrUnknownStream, streamID)
}

func (in *intake) Connect(lookup JunctionLookup) error {
	in.mu.Lock()
	defer in.mu.Unlock()

	resolved := make(map[*processReceiver]*stream.Junction, len(in.receivers))
	for _, r := range in.receivers {
		if _, ok := in.junctions[r]; ok {
			continue
		}
		j, ok := lookup.Get(r.streamID)
		if !ok {
			return argerrors.Configuration(
				fmt.Sprintf("receiver %s: stream %s is not defined", r.ID(), r.streamID),
				argerrors.ErrUnknownStream)
		}
		resolved[r] = j
	}

	if in.junctions == nil {
		in.junctions = make(map[*processReceiver]*stream.Junction, len(resolved))
	}
	for r, j := range resolved {
		j.Subscribe(r)
		in.junctions[r] = j
	}
	return nil
}

func (in *intake) Disconnect() {
	in.mu.Lock()
	defer in.mu.Unlock()
	for r, j := range in.junctions {
		j.Unsubscribe(r)
	}
	in.junctions = nil
}

// Connected reports whether any receiver is subscribed to a junction.
func (in *intake) Connected() bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	return len(in.junctions) > 0
}

func (in *intake) duplicateReceivers(key string) []*processReceiver {
	out := make([]*processReceiver, len(in.receivers))
	for i, r := range in.receivers {
		out[i] = r.duplicate(key)
	}
	return out
}

// Single is the intake of a query over one stream.
type Single struct {
	intake
}

// NewSingle creates an intake for one stream.
func NewSingle(streamID string) *Single {
	return &Single{intake: intake{receivers: []*processReceiver{newReceiver(streamID, "", false, 0, 0, 0)}}}
}

// Duplicate implements StreamRuntime.
func (s *Single) Duplicate(key string) StreamRuntime {
	return &Single{intake: intake{receivers: s.duplicateReceivers(key)}}
}

// Source describes one side of a multi-source intake.
type Source struct {
	StreamID string
	// Width is the number of attributes the stream contributes to the combined layout.
	Width int
}

// Multi is the intake of a join or pattern. Each source stream gets a
// multi-source receiver that widens events into the combined layout, in
// source order, so the selector sees a single attribute space.
type Multi struct {
	intake
	width int
}

// NewMulti creates an intake over sources. A stream listed more than once is
// received once and occupies the layout only at its first position.
//
// Every delivery to a multi-source receiver ends with a Flush of the bound
// rate limiter, so output is emitted per delivery: a count batch limiter on a
// join or pattern emits whatever a delivery produced without waiting for a
// full batch.
func NewMulti(sources ...Source) (*Multi, error) {
	width := 0
	seen := make(map[string]struct{}, len(sources))
	receivers := make([]*processReceiver, 0, len(sources))
	for _, src := range sources {
		if src.Width < 0 {
			return nil, fmt.Errorf("source %s has a negative width", src.StreamID)
		}
		if _, dup := seen[src.StreamID]; dup {
			continue
		}
		seen[src.StreamID] = struct{}{}
		receivers = append(receivers, newReceiver(src.StreamID, "", true, width, src.Width, 0))
		width += src.Width
	}
	for _, r := range receivers {
		r.width = width
	}
	return &Multi{intake: intake{receivers: receivers}, width: width}, nil
}

// NewMultiFromInput builds a multi-source intake for a join or state input.
// defs resolves the definition of each consumed stream.
func NewMultiFromInput(in definition.InputStream, defs func(id string) (*event.StreamDefinition, bool)) (*Multi, error) {
	ids := in.UniqueStreamIDs()
	sources := make([]Source, 0, len(ids))
	for _, id := range ids {
		def, ok := defs(id)
		if !ok {
			return nil, argerrors.Configuration(fmt.Sprintf("stream %s is not defined", id), argerrors.ErrUnknownStream)
		}
		sources = append(sources, Source{StreamID: id, Width: len(def.Attributes)})
	}
	return NewMulti(sources...)
}

// Width returns the number of attributes in the combined layout.
func (m *Multi) Width() int { return m.width }

// Duplicate implements StreamRuntime.
func (m *Multi) Duplicate(key string) StreamRuntime {
	return &Multi{intake: intake{receivers: m.duplicateReceivers(key)}, width: m.width}
}

var (
	_ StreamRuntime = (*Single)(nil)
	_ StreamRuntime = (*Multi)(nil)
)
